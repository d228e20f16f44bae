package election

import (
	"context"
	"fmt"
	"log"
	"sync"
	"time"
)

// Config defines the election timing and identity parameters.
// RenewInterval*(RenewRetries+1) must stay below TTL or a slow backend can
// outlive the term before the loss is signaled.
type Config struct {
	LockName     string
	NodeID       string
	AdvertiseURL string

	TTL             time.Duration
	RenewInterval   time.Duration
	AcquireInterval time.Duration
	BackendTimeout  time.Duration
	RenewRetries    int

	DrainGrace        time.Duration
	DrainPollInterval time.Duration
}

func (c Config) withDefaults() Config {
	if c.LockName == "" {
		c.LockName = "controller-leader"
	}
	if c.TTL <= 0 {
		c.TTL = 10 * time.Second
	}
	if c.RenewInterval <= 0 {
		c.RenewInterval = c.TTL / 3
	}
	if c.AcquireInterval <= 0 {
		c.AcquireInterval = 2 * time.Second
	}
	if c.BackendTimeout <= 0 {
		c.BackendTimeout = 2 * time.Second
	}
	if c.RenewRetries < 0 {
		c.RenewRetries = 0
	}
	if c.DrainGrace <= 0 {
		c.DrainGrace = 30 * time.Second
	}
	if c.DrainPollInterval <= 0 {
		c.DrainPollInterval = 250 * time.Millisecond
	}
	return c
}

// RoleListener observes committed role transitions. Listeners are invoked
// synchronously after the state changes, off the elector's mutex.
type RoleListener interface {
	OnRoleChanged(RoleState)
}

// DrainTracker reports how many leases issued under the given epoch are
// still unresolved, so a draining leader can step down early.
type DrainTracker interface {
	InflightLeases(ctx context.Context, epoch int64) (int, error)
}

// Elector owns this replica's role. All transitions happen on the single
// Run goroutine; concurrent request handling only reads State and Fence.
type Elector struct {
	lock      LockClient
	authority *EpochAuthority
	cfg       Config
	metrics   *Metrics
	drain     DrainTracker

	mu        sync.Mutex
	state     RoleState
	grant     Grant
	haveGrant bool
	lossFn    func(error)
	listeners []RoleListener

	stepdown chan struct{}
}

// NewElector constructs an elector in STANDBY. A process always boots as a
// standby and never assumes a previously held role survived a restart.
func NewElector(lock LockClient, authority *EpochAuthority, cfg Config) *Elector {
	cfg = cfg.withDefaults()
	return &Elector{
		lock:      lock,
		authority: authority,
		cfg:       cfg,
		state:     RoleState{NodeID: cfg.NodeID, Role: RoleStandby},
		stepdown:  make(chan struct{}, 1),
	}
}

// SetMetrics assigns a metrics registry.
func (e *Elector) SetMetrics(m *Metrics) { e.metrics = m }

// SetDrainTracker wires the store used to end the drain window early.
func (e *Elector) SetDrainTracker(d DrainTracker) { e.drain = d }

// Subscribe registers a role listener. Must be called before Run.
func (e *Elector) Subscribe(l RoleListener) {
	e.mu.Lock()
	e.listeners = append(e.listeners, l)
	e.mu.Unlock()
}

// State returns a snapshot of the local role and last known leadership.
func (e *Elector) State() RoleState {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.state
}

// IsLeader reports whether this replica currently holds the leader role.
func (e *Elector) IsLeader() bool {
	return e.State().Role == RoleLeader
}

// Fence returns the fencing token for the current term. It is present while
// the replica is LEADER or DRAINING; draining keeps the fence because
// results for already-issued leases are still accepted under the open term.
func (e *Elector) Fence() (Fence, bool) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if !e.haveGrant {
		return Fence{}, false
	}
	if e.state.Role != RoleLeader && e.state.Role != RoleDraining {
		return Fence{}, false
	}
	return e.grant.Fence(), true
}

// Stepdown asks a leader to drain gracefully. Returns false when this
// replica is not leader.
func (e *Elector) Stepdown() bool {
	if e.State().Role != RoleLeader {
		return false
	}
	select {
	case e.stepdown <- struct{}{}:
	default:
	}
	return true
}

// ReportLoss signals that a fenced write failed because the term ended.
// It forces demotion with the same priority as a failed renewal.
func (e *Elector) ReportLoss(err error) {
	e.mu.Lock()
	fn := e.lossFn
	e.mu.Unlock()
	if fn != nil {
		fn(err)
	}
}

// Run drives the election until the context is canceled. It is the only
// goroutine that mutates the role.
func (e *Elector) Run(ctx context.Context) {
	if ctx == nil {
		ctx = context.Background()
	}
	for {
		select {
		case <-ctx.Done():
			e.shutdown()
			return
		default:
		}

		grant, acquired, err := e.tryAcquire(ctx)
		e.metrics.ObserveAcquire(acquired, err)
		if err != nil {
			log.Printf("lock_unavailable node_id=%s lock=%s error=%v", e.cfg.NodeID, e.cfg.LockName, err)
		} else if !acquired {
			e.observeStandby(ctx)
		} else {
			e.runLeader(ctx, grant)
		}

		if !sleepWithContext(ctx, e.cfg.AcquireInterval) {
			e.shutdown()
			return
		}
	}
}

func (e *Elector) tryAcquire(ctx context.Context) (Grant, bool, error) {
	cctx, cancel := context.WithTimeout(ctx, e.cfg.BackendTimeout)
	defer cancel()
	return e.lock.TryAcquire(cctx, AcquireRequest{
		LockName:  e.cfg.LockName,
		HolderID:  e.cfg.NodeID,
		HolderURL: e.cfg.AdvertiseURL,
		TTL:       e.cfg.TTL,
	})
}

// observeStandby refreshes the standby's view of who leads, best effort.
func (e *Elector) observeStandby(ctx context.Context) {
	cctx, cancel := context.WithTimeout(ctx, e.cfg.BackendTimeout)
	defer cancel()
	state, ok, err := e.lock.Observe(cctx, e.cfg.LockName)
	if err != nil || !ok {
		return
	}
	e.mu.Lock()
	if e.state.Role == RoleStandby {
		e.state.LeaderEpoch = state.Epoch
		if state.Expired(time.Now()) {
			e.state.LeaderID = ""
			e.state.LeaderURL = ""
		} else {
			e.state.LeaderID = state.HolderID
			e.state.LeaderURL = state.HolderURL
		}
	}
	e.mu.Unlock()
}

func (e *Elector) runLeader(ctx context.Context, grant Grant) {
	if err := e.authority.Adopt(grant.Epoch); err != nil {
		log.Printf("epoch_adopt_failed node_id=%s leader_epoch=%d error=%v", e.cfg.NodeID, grant.Epoch, err)
		e.release(grant)
		return
	}

	lostCh := make(chan error, 1)
	var lostOnce sync.Once
	signalLoss := func(err error) {
		lostOnce.Do(func() {
			lostCh <- err
		})
	}

	if err := e.transitionToLeader(grant, signalLoss); err != nil {
		log.Printf("role_transition_rejected node_id=%s error=%v", e.cfg.NodeID, err)
		e.release(grant)
		return
	}
	log.Printf("leader_acquired node_id=%s leader_epoch=%d expires_at=%s",
		e.cfg.NodeID, grant.Epoch, grant.ExpiresAt.UTC().Format(time.RFC3339Nano))

	leaderCtx, cancel := context.WithCancel(ctx)
	defer cancel()
	go e.runRenewLoop(leaderCtx, signalLoss)

	select {
	case <-ctx.Done():
		cancel()
		e.release(e.currentGrant())
		e.demote(nil)
	case err := <-lostCh:
		cancel()
		e.demote(err)
	case <-e.stepdown:
		e.metrics.ObserveStepdown()
		e.runDrain(leaderCtx, cancel, lostCh)
	}
}

func (e *Elector) runDrain(ctx context.Context, cancel context.CancelFunc, lostCh <-chan error) {
	epoch := e.currentGrant().Epoch
	if err := e.transitionTo(RoleDraining); err != nil {
		log.Printf("role_transition_rejected node_id=%s error=%v", e.cfg.NodeID, err)
		cancel()
		e.demote(nil)
		return
	}
	log.Printf("drain_started node_id=%s leader_epoch=%d grace=%s", e.cfg.NodeID, epoch, e.cfg.DrainGrace)

	deadline := time.NewTimer(e.cfg.DrainGrace)
	defer deadline.Stop()
	ticker := time.NewTicker(e.cfg.DrainPollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			cancel()
			e.release(e.currentGrant())
			e.demote(nil)
			return
		case err := <-lostCh:
			cancel()
			e.demote(err)
			return
		case <-deadline.C:
			log.Printf("drain_window_elapsed node_id=%s leader_epoch=%d", e.cfg.NodeID, epoch)
			cancel()
			e.release(e.currentGrant())
			e.demote(nil)
			return
		case <-ticker.C:
			if e.drain == nil {
				continue
			}
			cctx, ccancel := context.WithTimeout(ctx, e.cfg.BackendTimeout)
			inflight, err := e.drain.InflightLeases(cctx, epoch)
			ccancel()
			if err == nil && inflight == 0 {
				log.Printf("drain_complete node_id=%s leader_epoch=%d", e.cfg.NodeID, epoch)
				cancel()
				e.release(e.currentGrant())
				e.demote(nil)
				return
			}
		}
	}
}

func (e *Elector) runRenewLoop(ctx context.Context, signalLoss func(error)) {
	ticker := time.NewTicker(e.cfg.RenewInterval)
	defer ticker.Stop()
	failures := 0
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			grant := e.currentGrant()
			cctx, cancel := context.WithTimeout(ctx, e.cfg.BackendTimeout)
			renewed, stillHeld, err := e.lock.Renew(cctx, grant, e.cfg.TTL)
			cancel()
			if err != nil {
				failures++
				e.metrics.ObserveRenewal(false)
				log.Printf("leader_renew_failed node_id=%s leader_epoch=%d failures=%d error=%v",
					e.cfg.NodeID, grant.Epoch, failures, err)
				if failures > e.cfg.RenewRetries {
					signalLoss(fmt.Errorf("%w: %v", ErrLockUnavailable, err))
					return
				}
				continue
			}
			if !stillHeld {
				e.metrics.ObserveRenewal(false)
				log.Printf("leader_renew_rejected node_id=%s leader_epoch=%d", e.cfg.NodeID, grant.Epoch)
				signalLoss(ErrLockLost)
				return
			}
			failures = 0
			e.metrics.ObserveRenewal(true)
			e.setGrant(renewed)
		}
	}
}

// demote moves a leader or draining replica back to standby. It takes effect
// under the elector mutex before returning, so no mutating request can be
// admitted under the old epoch once this runs.
func (e *Elector) demote(err error) {
	if terr := e.transitionTo(RoleStandby); terr != nil {
		log.Printf("role_transition_rejected node_id=%s error=%v", e.cfg.NodeID, terr)
		return
	}
	if err != nil {
		e.metrics.ObserveLoss()
		log.Printf("leader_lost node_id=%s error=%v", e.cfg.NodeID, err)
	} else {
		log.Printf("leader_released node_id=%s", e.cfg.NodeID)
	}
}

func (e *Elector) shutdown() {
	if e.State().Role == RoleLeader || e.State().Role == RoleDraining {
		releaseCtx, cancel := context.WithTimeout(context.Background(), e.cfg.BackendTimeout)
		_ = e.lock.Release(releaseCtx, e.currentGrant())
		cancel()
	}
	if err := e.transitionTo(RoleShutdown); err != nil {
		log.Printf("role_transition_rejected node_id=%s error=%v", e.cfg.NodeID, err)
		return
	}
	log.Printf("elector_shutdown node_id=%s", e.cfg.NodeID)
}

func (e *Elector) release(grant Grant) {
	if grant.LockName == "" {
		return
	}
	releaseCtx, cancel := context.WithTimeout(context.Background(), e.cfg.BackendTimeout)
	defer cancel()
	if err := e.lock.Release(releaseCtx, grant); err != nil {
		log.Printf("lock_release_failed node_id=%s leader_epoch=%d error=%v", e.cfg.NodeID, grant.Epoch, err)
	}
}

func (e *Elector) transitionToLeader(grant Grant, lossFn func(error)) error {
	// A stepdown buffered during a term that ended before its drain began
	// must not carry into this one.
	select {
	case <-e.stepdown:
	default:
	}
	e.mu.Lock()
	if !canTransition(e.state.Role, RoleLeader) {
		from := e.state.Role
		e.mu.Unlock()
		return fmt.Errorf("illegal role transition %s -> %s", from, RoleLeader)
	}
	e.state.Role = RoleLeader
	e.state.LeaderEpoch = grant.Epoch
	e.state.LeaderID = e.cfg.NodeID
	e.state.LeaderURL = e.cfg.AdvertiseURL
	e.grant = grant
	e.haveGrant = true
	e.lossFn = lossFn
	state := e.state
	listeners := append([]RoleListener(nil), e.listeners...)
	e.mu.Unlock()

	e.notify(state, listeners)
	return nil
}

func (e *Elector) transitionTo(to Role) error {
	e.mu.Lock()
	if !canTransition(e.state.Role, to) {
		from := e.state.Role
		e.mu.Unlock()
		return fmt.Errorf("illegal role transition %s -> %s", from, to)
	}
	from := e.state.Role
	e.state.Role = to
	if to == RoleStandby || to == RoleShutdown {
		e.grant = Grant{}
		e.haveGrant = false
		e.lossFn = nil
		e.state.LeaderID = ""
		e.state.LeaderURL = ""
	}
	state := e.state
	listeners := append([]RoleListener(nil), e.listeners...)
	e.mu.Unlock()

	log.Printf("role_transition node_id=%s from=%s to=%s leader_epoch=%d", e.cfg.NodeID, from, to, state.LeaderEpoch)
	e.notify(state, listeners)
	return nil
}

func (e *Elector) notify(state RoleState, listeners []RoleListener) {
	e.metrics.ObserveTransition(state)
	for _, l := range listeners {
		l.OnRoleChanged(state)
	}
}

func (e *Elector) currentGrant() Grant {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.grant
}

func (e *Elector) setGrant(grant Grant) {
	e.mu.Lock()
	if e.haveGrant && e.grant.Epoch == grant.Epoch {
		e.grant = grant
	}
	e.mu.Unlock()
}

func sleepWithContext(ctx context.Context, delay time.Duration) bool {
	if delay <= 0 {
		return true
	}
	timer := time.NewTimer(delay)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-timer.C:
		return true
	}
}
