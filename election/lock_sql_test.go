package election

import (
	"context"
	"testing"
	"time"
)

func TestSQLLockTryAcquireIsExclusive(t *testing.T) {
	db, dialect := newTestDB(t)
	client := NewSQLLockClient(db, dialect)
	ctx := context.Background()

	grantA, ok, err := client.TryAcquire(ctx, AcquireRequest{
		LockName: "test-lock", HolderID: "node-a", HolderURL: "http://a", TTL: time.Minute,
	})
	if err != nil || !ok {
		t.Fatalf("first acquire: ok=%v err=%v", ok, err)
	}
	if grantA.Epoch != 1 {
		t.Fatalf("expected first epoch 1, got %d", grantA.Epoch)
	}

	_, ok, err = client.TryAcquire(ctx, AcquireRequest{
		LockName: "test-lock", HolderID: "node-b", HolderURL: "http://b", TTL: time.Minute,
	})
	if err != nil {
		t.Fatalf("second acquire: %v", err)
	}
	if ok {
		t.Fatal("expected second acquire to be denied while the lock is held")
	}
}

func TestSQLLockEpochMonotonicAcrossTerms(t *testing.T) {
	db, dialect := newTestDB(t)
	client := NewSQLLockClient(db, dialect)
	ctx := context.Background()

	grantA, ok, err := client.TryAcquire(ctx, AcquireRequest{
		LockName: "test-lock", HolderID: "node-a", TTL: time.Minute,
	})
	if err != nil || !ok {
		t.Fatalf("acquire a: ok=%v err=%v", ok, err)
	}
	if err := client.Release(ctx, grantA); err != nil {
		t.Fatalf("release a: %v", err)
	}

	grantB, ok, err := client.TryAcquire(ctx, AcquireRequest{
		LockName: "test-lock", HolderID: "node-b", TTL: time.Minute,
	})
	if err != nil || !ok {
		t.Fatalf("acquire b: ok=%v err=%v", ok, err)
	}
	if grantB.Epoch != grantA.Epoch+1 {
		t.Fatalf("expected epoch %d after clean handoff, got %d", grantA.Epoch+1, grantB.Epoch)
	}

	// Crash path: the holder disappears and its term lapses without a
	// release. The next acquisition must still mint a fresh epoch.
	expireLockRow(t, db, dialect, "test-lock")
	grantC, ok, err := client.TryAcquire(ctx, AcquireRequest{
		LockName: "test-lock", HolderID: "node-c", TTL: time.Minute,
	})
	if err != nil || !ok {
		t.Fatalf("acquire c: ok=%v err=%v", ok, err)
	}
	if grantC.Epoch != grantB.Epoch+1 {
		t.Fatalf("expected epoch %d after expiry takeover, got %d", grantB.Epoch+1, grantC.Epoch)
	}
}

func TestSQLLockRenewAfterTakeoverIsLost(t *testing.T) {
	db, dialect := newTestDB(t)
	client := NewSQLLockClient(db, dialect)
	ctx := context.Background()

	grantA, ok, err := client.TryAcquire(ctx, AcquireRequest{
		LockName: "test-lock", HolderID: "node-a", TTL: time.Minute,
	})
	if err != nil || !ok {
		t.Fatalf("acquire a: ok=%v err=%v", ok, err)
	}

	expireLockRow(t, db, dialect, "test-lock")
	grantB, ok, err := client.TryAcquire(ctx, AcquireRequest{
		LockName: "test-lock", HolderID: "node-b", TTL: time.Minute,
	})
	if err != nil || !ok {
		t.Fatalf("acquire b: ok=%v err=%v", ok, err)
	}

	_, stillHeld, err := client.Renew(ctx, grantA, time.Minute)
	if err != nil {
		t.Fatalf("renew a: %v", err)
	}
	if stillHeld {
		t.Fatal("expected renewal of a displaced grant to report loss")
	}

	renewed, stillHeld, err := client.Renew(ctx, grantB, time.Minute)
	if err != nil || !stillHeld {
		t.Fatalf("renew b: held=%v err=%v", stillHeld, err)
	}
	if renewed.Epoch != grantB.Epoch {
		t.Fatalf("renewal must not change the epoch: got %d want %d", renewed.Epoch, grantB.Epoch)
	}
}

func TestSQLLockObserve(t *testing.T) {
	db, dialect := newTestDB(t)
	client := NewSQLLockClient(db, dialect)
	ctx := context.Background()

	_, found, err := client.Observe(ctx, "test-lock")
	if err != nil {
		t.Fatalf("observe empty: %v", err)
	}
	if found {
		t.Fatal("expected no lock row before first acquisition")
	}

	grant, ok, err := client.TryAcquire(ctx, AcquireRequest{
		LockName: "test-lock", HolderID: "node-a", HolderURL: "http://a", TTL: time.Minute,
	})
	if err != nil || !ok {
		t.Fatalf("acquire: ok=%v err=%v", ok, err)
	}

	state, found, err := client.Observe(ctx, "test-lock")
	if err != nil || !found {
		t.Fatalf("observe: found=%v err=%v", found, err)
	}
	if state.HolderID != "node-a" || state.HolderURL != "http://a" || state.Epoch != grant.Epoch {
		t.Fatalf("unexpected observed state: %+v", state)
	}
	if state.Expired(time.Now()) {
		t.Fatal("fresh grant must not be expired")
	}
}

func TestSQLLockConcurrentAcquireSingleWinner(t *testing.T) {
	db, dialect := newTestDB(t)
	ctx := context.Background()

	const candidates = 8
	type outcome struct {
		ok  bool
		err error
	}
	results := make(chan outcome, candidates)
	for i := 0; i < candidates; i++ {
		holder := string(rune('a' + i))
		go func() {
			client := NewSQLLockClient(db, dialect)
			_, ok, err := client.TryAcquire(ctx, AcquireRequest{
				LockName: "test-lock", HolderID: "node-" + holder, TTL: time.Minute,
			})
			results <- outcome{ok: ok, err: err}
		}()
	}

	winners := 0
	for i := 0; i < candidates; i++ {
		res := <-results
		if res.err != nil {
			t.Fatalf("concurrent acquire: %v", res.err)
		}
		if res.ok {
			winners++
		}
	}
	if winners != 1 {
		t.Fatalf("expected exactly one winner, got %d", winners)
	}
}
