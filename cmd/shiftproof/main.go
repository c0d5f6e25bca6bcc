// Command shiftproof runs the attendance and work-proof ledger engine.
package main

import (
	"context"
	"database/sql"
	"fmt"
	"io"
	"log"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	_ "github.com/lib/pq" // Postgres driver

	"github.com/shiftproof/engine/pkg/anchor"
	"github.com/shiftproof/engine/pkg/api"
	"github.com/shiftproof/engine/pkg/attendance"
	"github.com/shiftproof/engine/pkg/audit"
	"github.com/shiftproof/engine/pkg/auth"
	"github.com/shiftproof/engine/pkg/config"
	"github.com/shiftproof/engine/pkg/ledger"
	"github.com/shiftproof/engine/pkg/metering"
	"github.com/shiftproof/engine/pkg/notify"
	"github.com/shiftproof/engine/pkg/proof"
	"github.com/shiftproof/engine/pkg/reward"
	"github.com/shiftproof/engine/pkg/settle"
)

func main() {
	os.Exit(Run(os.Args, os.Stdout, os.Stderr))
}

// startServer is a variable to allow mocking in tests.
var startServer = runServer

// Run is the entrypoint, split out for testing.
func Run(args []string, stdout, stderr io.Writer) int {
	if len(args) < 2 {
		startServer()
		return 0
	}

	switch args[1] {
	case "server", "serve":
		startServer()
		return 0
	case "health":
		return runHealthCmd(stdout, stderr)
	case "token":
		return runTokenCmd(args[2:], stdout, stderr)
	case "help", "--help", "-h":
		printUsage(stdout)
		return 0
	default:
		if strings.HasPrefix(args[1], "-") {
			startServer()
			return 0
		}
		_, _ = fmt.Fprintf(stderr, "Unknown command: %s\n", args[1])
		printUsage(stderr)
		return 2
	}
}

func printUsage(w io.Writer) {
	fmt.Fprintln(w, "")
	fmt.Fprintln(w, "shiftproof — attendance & work-proof ledger engine")
	fmt.Fprintln(w, "")
	fmt.Fprintln(w, "USAGE:")
	fmt.Fprintln(w, "  shiftproof <command> [flags]")
	fmt.Fprintln(w, "")
	fmt.Fprintln(w, "COMMANDS:")
	fmt.Fprintln(w, "  server   Run the engine (default)")
	fmt.Fprintln(w, "  health   Check server health (HTTP)")
	fmt.Fprintln(w, "  token    Mint a development bearer token")
	fmt.Fprintln(w, "  help     Show this help")
	fmt.Fprintln(w, "")
}

//nolint:gocognit
func runServer() {
	cfg := config.Load()
	logger := newLogger(cfg.LogLevel)
	slog.SetDefault(logger)
	ctx := context.Background()

	policy, err := config.LoadRewardPolicy(cfg.RewardPolicyPath)
	if err != nil {
		log.Fatalf("reward policy: %v", err)
	}

	var (
		db      *sql.DB
		stores  storeSet
		anchorC anchor.Client
	)

	if cfg.LiteMode() {
		logger.Info("DATABASE_URL not set, running in lite mode",
			"sqlite_path", cfg.SQLitePath)
		db, stores, err = setupLiteMode(ctx, cfg.SQLitePath)
		if err != nil {
			log.Fatalf("lite mode setup: %v", err)
		}
	} else {
		db, err = sql.Open("postgres", cfg.DatabaseURL)
		if err != nil {
			log.Fatalf("postgres open: %v", err)
		}
		if err := db.PingContext(ctx); err != nil {
			log.Fatalf("postgres ping: %v", err)
		}
		logger.Info("postgres connected")
		stores = newPostgresStores(db)
	}
	if err := stores.init(ctx); err != nil {
		log.Fatalf("store init: %v", err)
	}

	if cfg.AnchorURL != "" {
		anchorC = anchor.NewHTTPClient(cfg.AnchorURL, cfg.AnchorAPIKey, cfg.AnchorTimeout, 50, 100)
		logger.Info("external ledger configured", "url", cfg.AnchorURL)
	} else {
		if !cfg.LiteMode() {
			log.Fatalf("ANCHOR_URL is required outside lite mode")
		}
		anchorC = anchor.NewFake()
		logger.Warn("no external ledger configured, anchoring against in-memory fake")
	}

	salt := []byte(cfg.ProofSalt)
	if len(salt) == 0 {
		if !cfg.LiteMode() {
			log.Fatalf("PROOF_SALT is required outside lite mode")
		}
		salt = []byte("dev-proof-salt")
	}

	// Notifications.
	var sink notify.Sink = notify.SlogSink{Logger: logger}
	if cfg.NotifyWebhookURL != "" {
		sink = notify.NewWebhookSink(cfg.NotifyWebhookURL)
	}
	dispatcher := notify.NewDispatcher(sink, 256, logger)

	// Domain services.
	rewards := reward.NewEngine(db, stores.ledger, stores.attendance, policy, dispatcher, logger)
	if err := rewards.Init(ctx); err != nil {
		log.Fatalf("reward store init: %v", err)
	}
	attendanceSvc := attendance.NewService(stores.attendance, rewards, dispatcher, stores.meter, salt, logger)

	reconcilerOpts := settle.DefaultOptions()
	reconcilerOpts.Interval = cfg.SweepInterval
	reconciler := settle.NewReconciler(stores.queue, stores.ledger, anchorC,
		func(workerID string) string { return proof.Pseudonymize(workerID, salt) },
		dispatcher, stores.meter, reconcilerOpts, logger)

	// HTTP surface.
	validator := auth.NewJWTValidator([]byte(cfg.JWTSecret))
	if validator == nil {
		if !cfg.LiteMode() {
			log.Fatalf("JWT_SECRET is required outside lite mode")
		}
		validator = auth.NewJWTValidator([]byte("dev-jwt-secret"))
	}

	server := api.NewServer(attendanceSvc, stores.ledger, rewards, stores.queue,
		stores.meter, stores.trail, stores.audit, logger)

	var handler http.Handler = server.Routes()
	handler = api.IdempotencyMiddleware(stores.idempotency)(handler)
	if cfg.RedisAddr != "" {
		workerLimiter := api.NewRedisWorkerLimiter(cfg.RedisAddr, cfg.RedisPassword, 0, 120, 20)
		handler = workerLimiter.Middleware(handler)
		logger.Info("redis worker limiter enabled", "addr", cfg.RedisAddr)
	}
	handler = api.AuthMiddleware(validator)(handler)
	handler = api.NewGlobalRateLimiter(50, 100).Middleware(handler)
	handler = api.LoggingMiddleware(logger)(handler)
	handler = auth.RequestIDMiddleware(handler)

	httpServer := &http.Server{
		Addr:              ":" + cfg.Port,
		Handler:           handler,
		ReadHeaderTimeout: 10 * time.Second,
	}

	runCtx, stop := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	go dispatcher.Run(runCtx)
	go reconciler.Run(runCtx)
	go func() {
		logger.Info("listening", "addr", httpServer.Addr)
		if err := httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatalf("http server: %v", err)
		}
	}()

	<-runCtx.Done()
	logger.Info("shutting down")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		logger.Error("http shutdown failed", "error", err)
	}
	if err := db.Close(); err != nil {
		logger.Error("db close failed", "error", err)
	}
}

// storeSet bundles the persistent components so Postgres and lite mode
// share one wiring path.
type storeSet struct {
	attendance  *attendance.Store
	ledger      *ledger.Store
	queue       *settle.SQLQueue
	meter       metering.Meter
	audit       audit.Logger
	trail       api.AuditTrail
	idempotency api.IdempotencyStorer

	inits []interface {
		Init(ctx context.Context) error
	}
}

func newPostgresStores(db *sql.DB) storeSet {
	attendanceStore := attendance.NewPostgresStore(db)
	ledgerStore := ledger.NewPostgresStore(db)
	queue := settle.NewPostgresQueue(db)
	meter := metering.NewSQLMeter(db)
	auditLogger := audit.NewSQLLogger(db)
	idem := api.NewPostgresIdempotencyStore(db, 24*time.Hour)

	return storeSet{
		attendance:  attendanceStore,
		ledger:      ledgerStore,
		queue:       queue,
		meter:       meter,
		audit:       auditLogger,
		trail:       auditLogger,
		idempotency: idem,
		inits: []interface {
			Init(ctx context.Context) error
		}{attendanceStore, ledgerStore, queue, meter, auditLogger, idem},
	}
}

func (s storeSet) init(ctx context.Context) error {
	for _, store := range s.inits {
		if err := store.Init(ctx); err != nil {
			return err
		}
	}
	return nil
}

func newLogger(level string) *slog.Logger {
	var lvl slog.Level
	switch strings.ToUpper(level) {
	case "DEBUG":
		lvl = slog.LevelDebug
	case "WARN":
		lvl = slog.LevelWarn
	case "ERROR":
		lvl = slog.LevelError
	default:
		lvl = slog.LevelInfo
	}
	return slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: lvl}))
}

func runHealthCmd(out, errOut io.Writer) int {
	port := os.Getenv("PORT")
	if port == "" {
		port = "8080"
	}
	resp, err := http.Get("http://localhost:" + port + "/health")
	if err != nil {
		fmt.Fprintf(errOut, "Health check failed: %v\n", err)
		return 1
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		fmt.Fprintf(errOut, "Health check failed: status %d\n", resp.StatusCode)
		return 1
	}

	fmt.Fprintln(out, "OK")
	return 0
}
