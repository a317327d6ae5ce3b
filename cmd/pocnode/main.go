package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/blocknet-labs/poc-core/pkg/config"
	"github.com/blocknet-labs/poc-core/pkg/engine"
	"github.com/blocknet-labs/poc-core/pkg/events"
	"github.com/blocknet-labs/poc-core/pkg/ledger"
	"github.com/blocknet-labs/poc-core/pkg/observability"
	"github.com/blocknet-labs/poc-core/pkg/poc"
)

func main() {
	os.Exit(run())
}

func run() int {
	cfg := config.Load()
	logger := newLogger(cfg.LogLevel)
	slog.SetDefault(logger)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	// Telemetry goes up first so the engine's tracer and counters bind to
	// the real providers.
	if cfg.OTLPEndpoint != "" {
		obsCfg := observability.DefaultConfig()
		obsCfg.OTLPEndpoint = cfg.OTLPEndpoint
		obsCfg.Insecure = cfg.OTLPInsecure
		obsCfg.SampleRate = cfg.OTLPSampleRate
		telemetry, err := observability.New(ctx, obsCfg)
		if err != nil {
			logger.Error("telemetry init failed", "endpoint", cfg.OTLPEndpoint, "error", err)
			return 1
		}
		defer func() {
			flushCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			if err := telemetry.Shutdown(flushCtx); err != nil {
				logger.Error("telemetry shutdown failed", "error", err)
			}
		}()
	}

	store, err := openStore(cfg)
	if err != nil {
		logger.Error("store open failed", "store_url", cfg.StoreURL, "error", err)
		return 1
	}
	defer store.Close()

	committee, err := loadCommittee(cfg.CommitteeFile)
	if err != nil {
		logger.Error("committee load failed", "file", cfg.CommitteeFile, "error", err)
		return 1
	}

	var sinks []events.Sink
	if cfg.RedisURL != "" {
		opt, err := redis.ParseURL(cfg.RedisURL)
		if err != nil {
			logger.Error("redis url parse failed", "error", err)
			return 1
		}
		sinks = append(sinks, events.NewRedisSink(redis.NewClient(opt), cfg.RedisChannel))
	}
	feed := events.NewFeed(logger, sinks...)
	defer feed.Close()

	eng, err := engine.New(ctx, store, engine.StaticCommitteeSource{Committee: committee},
		engine.WithLogger(logger),
		engine.WithFeed(feed),
		engine.WithSnapshotCadence(cfg.SnapshotEvery),
	)
	if err != nil {
		logger.Error("engine init failed", "error", err)
		return 1
	}

	mux := http.NewServeMux()
	registerRoutes(mux, eng, logger)

	srv := &http.Server{
		Addr:              ":" + port(),
		Handler:           mux,
		ReadHeaderTimeout: 10 * time.Second,
	}
	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		_ = srv.Shutdown(shutdownCtx)
	}()

	logger.Info("pocnode listening", "addr", srv.Addr, "store_url", cfg.StoreURL,
		"committee_members", len(committee.Members), "quorum", committee.Quorum)
	if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		logger.Error("server failed", "error", err)
		return 1
	}
	return 0
}

func port() string {
	if p := os.Getenv("PORT"); p != "" {
		return p
	}
	return "8080"
}

func newLogger(level string) *slog.Logger {
	var lvl slog.Level
	if err := lvl.UnmarshalText([]byte(level)); err != nil {
		lvl = slog.LevelInfo
	}
	return slog.New(slog.NewJSONHandler(os.Stderr, &slog.HandlerOptions{Level: lvl}))
}

// openStore picks the backend from the store URL: "memory", a postgres://
// DSN, or a filesystem path for sqlite.
func openStore(cfg *config.Config) (ledger.Store, error) {
	schedule := ledger.DefaultEmissionSchedule()
	if cfg.EmissionCap > 0 {
		schedule = ledger.EmissionSchedule{TotalCap: cfg.EmissionCap}
	}
	switch {
	case cfg.StoreURL == "memory":
		return ledger.NewMemoryStore(schedule), nil
	case strings.HasPrefix(cfg.StoreURL, "postgres://"), strings.HasPrefix(cfg.StoreURL, "postgresql://"):
		return ledger.OpenPostgresStore(cfg.StoreURL, schedule)
	default:
		return ledger.OpenSQLiteStore(cfg.StoreURL, schedule)
	}
}

func loadCommittee(path string) (poc.Committee, error) {
	if path == "" {
		return poc.Committee{}, errors.New("COMMITTEE_FILE is required")
	}
	raw, err := os.ReadFile(path)
	if err != nil {
		return poc.Committee{}, err
	}
	var committee poc.Committee
	if err := json.Unmarshal(raw, &committee); err != nil {
		return poc.Committee{}, fmt.Errorf("parse committee: %w", err)
	}
	if committee.Quorum == 0 || len(committee.Members) == 0 {
		return poc.Committee{}, errors.New("committee needs members and a nonzero quorum")
	}
	return committee, nil
}
