// Command agentcore runs the multi-tenant agent query orchestration
// service: the Session Manager, Memory Adapter and Query Orchestrator
// wired to an HTTP server. Grounded on the teacher's cmd/hector serve
// command, trimmed to one binary with no CLI subcommand tree.
package main

import (
	"context"
	"database/sql"
	"fmt"
	"iter"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/kadirpekel/agentcore/internal/cache"
	"github.com/kadirpekel/agentcore/internal/config"
	"github.com/kadirpekel/agentcore/internal/fingerprint"
	"github.com/kadirpekel/agentcore/internal/httpapi"
	"github.com/kadirpekel/agentcore/internal/lock"
	"github.com/kadirpekel/agentcore/internal/logging"
	"github.com/kadirpekel/agentcore/internal/memory"
	"github.com/kadirpekel/agentcore/internal/orchestrator"
	"github.com/kadirpekel/agentcore/internal/runtime"
	"github.com/kadirpekel/agentcore/internal/session"
)

func main() {
	if err := run(); err != nil {
		fmt.Fprintln(os.Stderr, "agentcore:", err)
		os.Exit(1)
	}
}

func run() error {
	configPath := os.Getenv("AGENTCORE_CONFIG")
	cfg, err := config.Load(configPath)
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}

	level, err := logging.ParseLevel(cfg.LogLevel)
	if err != nil {
		return fmt.Errorf("parse log level: %w", err)
	}
	log := logging.Init(level, os.Stderr)
	log.Info("starting agentcore", "policy", cfg.Policy, "durable_dialect", cfg.Durable.Dialect)

	durable, err := newDurableStore(cfg.Durable)
	if err != nil {
		return fmt.Errorf("open durable store: %w", err)
	}
	defer durable.Close()

	cacheStore, err := cache.NewRedisStore(cache.Config{Addr: cfg.Cache.Addr, Password: cfg.Cache.Password, DB: cfg.Cache.DB})
	if err != nil {
		return fmt.Errorf("connect cache store: %w", err)
	}
	defer cacheStore.Close()

	locker := lock.New(cacheStore, lock.Config{
		TTL:            cfg.Lock.TTL,
		InitialBackoff: cfg.Lock.InitialBackoff,
		Factor:         2,
		MaxBackoff:     cfg.Lock.MaxBackoff,
		MaxWait:        cfg.Lock.MaxWait,
	}, lock.Policy(cfg.Policy))

	sessions := session.NewManager(durable, cacheStore, locker)

	memAdapter := newMemoryAdapter(cfg.Memory, log)

	hasher := fingerprint.New()

	rt, err := newAgentRuntime()
	if err != nil {
		return fmt.Errorf("init agent runtime: %w", err)
	}

	orch := orchestrator.New(sessions, memAdapter, rt, hasher, cfg.Memory.Enabled, cfg.Memory.ExtractionEnabled)

	handlers := httpapi.NewHandlers(orch, sessions, durable, cacheStore, hasher)
	router := httpapi.NewRouter(handlers, cfg.Server.RequestTimeout)

	srv := &http.Server{
		Addr:    cfg.Server.Addr,
		Handler: router,
	}

	errCh := make(chan error, 1)
	go func() {
		log.Info("listening", "addr", cfg.Server.Addr)
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			errCh <- err
		}
	}()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)

	select {
	case <-sigCh:
		log.Info("shutdown signal received")
	case err := <-errCh:
		return fmt.Errorf("server error: %w", err)
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.Server.DrainTimeout)
	defer cancel()

	// Shutdown drains in-flight requests, including streaming responses,
	// until either they finish or DrainTimeout elapses.
	if err := srv.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("graceful shutdown: %w", err)
	}
	log.Info("shut down cleanly")
	return nil
}

func newDurableStore(cfg config.DurableConfig) (*session.SQLStore, error) {
	driver := cfg.Dialect
	if driver == "sqlite" {
		driver = "sqlite3"
	}
	db, err := sql.Open(driver, cfg.DSN)
	if err != nil {
		return nil, fmt.Errorf("open %s: %w", driver, err)
	}
	db.SetMaxOpenConns(25)
	db.SetMaxIdleConns(5)
	db.SetConnMaxLifetime(5 * time.Minute)

	pingCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := db.PingContext(pingCtx); err != nil {
		return nil, fmt.Errorf("ping %s: %w", driver, err)
	}

	return session.NewSQLStore(db, cfg.Dialect)
}

func newMemoryAdapter(cfg config.MemoryConfig, log *slog.Logger) *memory.Adapter {
	if !cfg.Enabled {
		return memory.NilAdapter()
	}

	switch cfg.Backend {
	case "vector":
		// Qdrant requires a deployment-specific client (address, TLS,
		// API key); wiring NewQdrantVectorStore is left to the operator
		// at config time. The embedded chromem-go store needs nothing
		// beyond process memory, so it is the default vector backend.
		if cfg.VectorKind == "qdrant" {
			log.Warn("qdrant vector backend selected but no client wiring is configured; falling back to embedded chromem-go store")
		}
		return memory.NewAdapter(memory.NewVectorBackend(memory.NewChromemVectorStore(), memory.NaiveEmbedder{}))
	default:
		return memory.NewAdapter(memory.NewHTTPBackend(cfg.HTTPURL))
	}
}

// newAgentRuntime resolves the configured AgentRuntime. The real runtime is
// an external collaborator (spec §1); until one is wired in this
// deployment, requests fail closed with RUNTIME_UNAVAILABLE rather than
// silently degrading to a mock (spec §7 error table).
func newAgentRuntime() (runtime.AgentRuntime, error) {
	return unavailableRuntime{}, nil
}

type unavailableRuntime struct{}

func (unavailableRuntime) Run(_ context.Context, _ runtime.RunRequest) iter.Seq2[*runtime.Event, error] {
	return func(yield func(*runtime.Event, error) bool) {
		yield(nil, fmt.Errorf("agent runtime not configured"))
	}
}
