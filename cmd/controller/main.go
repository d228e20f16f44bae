// The controller binary runs one replica of the active-passive job
// controller: it competes for the leader lock, serves the HTTP API, and
// supervises the co-located worker process.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/google/uuid"

	"controller/election"
	"controller/scheduler"
	"controller/store"
	"controller/supervisor"
)

var (
	addrFlag         = flag.String("addr", envOrDefault("CONTROLLER_ADDR", ":8090"), "HTTP listen address")
	nodeIDFlag       = flag.String("node-id", envOrDefault("CONTROLLER_NODE_ID", ""), "unique node identity (defaults to hostname plus a random suffix)")
	advertiseURLFlag = flag.String("advertise-url", envOrDefault("CONTROLLER_ADVERTISE_URL", ""), "URL peers and clients use to reach this node")
	lockNameFlag     = flag.String("lock-name", envOrDefault("CONTROLLER_LOCK_NAME", "controller-leader"), "leader lock resource name")

	dbDriverFlag = flag.String("db-driver", envOrDefault("CONTROLLER_DB_DRIVER", "sqlite"), "database driver: sqlite or sqlserver")
	sqlitePath   = flag.String("sqlite-path", envOrDefault("CONTROLLER_SQLITE_PATH", "controller.db"), "SQLite database path")

	mssqlHostFlag     = flag.String("sql-host", envOrDefault("MSSQL_HOST", "localhost"), "SQL Server host")
	mssqlPortFlag     = flag.String("sql-port", envOrDefault("MSSQL_PORT", "1433"), "SQL Server port")
	mssqlUserFlag     = flag.String("sql-user", envOrDefault("MSSQL_USER", "sa"), "SQL Server user")
	mssqlPasswordFlag = flag.String("sql-password", envOrDefault("MSSQL_SA_PASSWORD", ""), "SQL Server password")
	mssqlDBFlag       = flag.String("sql-db", envOrDefault("MSSQL_DATABASE", "controller"), "SQL Server database")
	mssqlEncryptFlag  = flag.String("sql-encrypt", envOrDefault("MSSQL_ENCRYPT", "disable"), "SQL Server encrypt setting")

	lockTTLFlag       = flag.Duration("lock-ttl", 10*time.Second, "leader lock TTL")
	renewIntervalFlag = flag.Duration("renew-interval", 0, "lock renewal interval (default TTL/3)")
	renewRetriesFlag  = flag.Int("renew-retries", 1, "transient renewal errors tolerated before stepping down")
	drainGraceFlag    = flag.Duration("drain-grace", 30*time.Second, "max wait for in-flight leases on stepdown")
	leaseTTLFlag      = flag.Duration("lease-ttl", 60*time.Second, "job lease TTL")

	workerCommandFlag = flag.String("worker-command", envOrDefault("CONTROLLER_WORKER_COMMAND", ""), "worker-agent command to supervise (space-separated argv)")
	moonlightFlag     = flag.Bool("moonlight", envOrDefault("CONTROLLER_MOONLIGHT", "true") == "true", "run the worker process while not leader")
)

func main() {
	flag.Parse()

	hostname, err := os.Hostname()
	if err != nil {
		log.Fatalf("resolve hostname: %v", err)
	}
	nodeID := *nodeIDFlag
	if nodeID == "" {
		// Two replicas on one host must not share an identity.
		nodeID = fmt.Sprintf("%s-%s", hostname, uuid.NewString()[:8])
	}
	advertiseURL := *advertiseURLFlag
	if advertiseURL == "" {
		advertiseURL = fmt.Sprintf("http://%s%s", hostname, *addrFlag)
	}

	dsn, err := buildDSN()
	if err != nil {
		log.Fatalf("build DSN: %v", err)
	}
	db, dialect, err := store.Open(*dbDriverFlag, dsn)
	if err != nil {
		log.Fatalf("open database: %v", err)
	}
	defer func() {
		_ = db.Close()
	}()

	pingCtx, pingCancel := context.WithTimeout(context.Background(), 10*time.Second)
	if err := db.PingContext(pingCtx); err != nil {
		pingCancel()
		log.Fatalf("ping database: %v", err)
	}
	pingCancel()
	if err := store.Migrate(context.Background(), db, dialect); err != nil {
		log.Fatalf("migrate database: %v", err)
	}

	lock := election.NewSQLLockClient(db, dialect)
	authority := election.NewEpochAuthority(lock, *lockNameFlag)
	elector := election.NewElector(lock, authority, election.Config{
		LockName:      *lockNameFlag,
		NodeID:        nodeID,
		AdvertiseURL:  advertiseURL,
		TTL:           *lockTTLFlag,
		RenewInterval: *renewIntervalFlag,
		RenewRetries:  *renewRetriesFlag,
		DrainGrace:    *drainGraceFlag,
	})
	electionMetrics := election.NewMetrics()
	elector.SetMetrics(electionMetrics)

	manager, err := scheduler.NewManager(db, dialect, elector, scheduler.Config{LeaseTTL: *leaseTTLFlag})
	if err != nil {
		log.Fatalf("construct manager: %v", err)
	}
	schedulerMetrics := scheduler.NewMetrics()
	manager.SetMetrics(schedulerMetrics)
	elector.SetDrainTracker(manager)

	var workerSup *supervisor.Supervisor
	if *workerCommandFlag != "" {
		proc, err := supervisor.NewExecProcess(strings.Fields(*workerCommandFlag), 5*time.Second)
		if err != nil {
			log.Fatalf("construct worker process: %v", err)
		}
		workerSup = supervisor.New(proc, *moonlightFlag)
		elector.Subscribe(workerSup)
		// Listeners only hear transitions; apply the boot role by hand.
		workerSup.OnRoleChanged(elector.State())
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go elector.Run(ctx)

	server := &apiServer{
		manager:          manager,
		elector:          elector,
		db:               db,
		electionMetrics:  electionMetrics,
		schedulerMetrics: schedulerMetrics,
	}
	httpServer := &http.Server{
		Addr:    *addrFlag,
		Handler: newMux(server),
	}

	stop := make(chan os.Signal, 1)
	signal.Notify(stop, syscall.SIGINT, syscall.SIGTERM)

	go func() {
		<-stop
		log.Printf("shutdown_signal node_id=%s", nodeID)
		// Drain leadership before closing the listener so a peer can take
		// over while in-flight results land.
		elector.Stepdown()
		shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), *drainGraceFlag+10*time.Second)
		defer shutdownCancel()
		_ = httpServer.Shutdown(shutdownCtx)
		cancel()
		if workerSup != nil {
			workerSup.Stop()
		}
	}()

	log.Printf("controller listening on %s node_id=%s driver=%s", *addrFlag, nodeID, dialect.Name())
	if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		log.Fatalf("http server: %v", err)
	}
}

func envOrDefault(key, fallback string) string {
	value := os.Getenv(key)
	if value == "" {
		return fallback
	}
	return value
}

func buildDSN() (string, error) {
	switch *dbDriverFlag {
	case "sqlite":
		return store.SQLiteDSN(*sqlitePath), nil
	case "sqlserver":
		return store.SQLServerDSN(*mssqlHostFlag, *mssqlPortFlag, *mssqlUserFlag, *mssqlPasswordFlag, *mssqlDBFlag, *mssqlEncryptFlag)
	default:
		return "", fmt.Errorf("unknown db driver %q", *dbDriverFlag)
	}
}
