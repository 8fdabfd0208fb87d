// Command regentd runs the governed execution engine: HTTP intent
// submission in front of the lifecycle manager, with the WAL, outbox
// publisher, state surface, and artifact store wired from configuration.
package main

import (
	"context"
	"database/sql"
	"errors"
	"log"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"
	"time"

	"github.com/redis/go-redis/v9"
	"gopkg.in/yaml.v3"

	"github.com/regentlabs/regent/pkg/api"
	"github.com/regentlabs/regent/pkg/artifacts"
	"github.com/regentlabs/regent/pkg/auth"
	"github.com/regentlabs/regent/pkg/config"
	"github.com/regentlabs/regent/pkg/databrain"
	"github.com/regentlabs/regent/pkg/lifecycle"
	"github.com/regentlabs/regent/pkg/metering"
	"github.com/regentlabs/regent/pkg/observability"
	"github.com/regentlabs/regent/pkg/outbox"
	"github.com/regentlabs/regent/pkg/policy"
	"github.com/regentlabs/regent/pkg/realm"
	"github.com/regentlabs/regent/pkg/state"
	"github.com/regentlabs/regent/pkg/tenants"
	"github.com/regentlabs/regent/pkg/tiers"
	"github.com/regentlabs/regent/pkg/wal"

	_ "github.com/lib/pq" // Postgres driver
)

func main() {
	if err := run(); err != nil {
		log.Fatalf("regentd: %v", err)
	}
}

func run() error {
	cfg := config.Load()
	setupLogging(cfg.LogLevel)
	logger := slog.Default()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	obs, err := observability.New(ctx, &observability.Config{
		ServiceName:    "regent-engine",
		ServiceVersion: "1.0.0",
		Environment:    envOr("ENVIRONMENT", "development"),
		OTLPEndpoint:   cfg.OTLPEndpoint,
		SampleRate:     1.0,
		BatchTimeout:   5 * time.Second,
		Enabled:        cfg.OTLPEndpoint != "",
		Insecure:       true,
	})
	if err != nil {
		return err
	}
	defer func() { _ = obs.Shutdown(context.Background()) }()

	guard := tenants.NewGuard()

	// Storage backends: Postgres when DATABASE_URL is set, SQLite lite
	// mode when only a data dir is available, memory otherwise.
	var (
		db        *sql.DB
		walLog    wal.Log
		box       outbox.Store
		cold      state.ColdStore
		brain     databrain.Store
		meter     metering.Meter
		committer lifecycle.Committer
	)
	if cfg.DatabaseURL != "" {
		db, err = sql.Open("postgres", cfg.DatabaseURL)
		if err != nil {
			return err
		}
		defer func() { _ = db.Close() }()
		if err = db.PingContext(ctx); err != nil {
			return err
		}
		log.Println("[regentd] postgres: connected")

		pgLog := wal.NewPostgresLog(db)
		pgBox := outbox.NewPostgresStore(db)
		pgCold := state.NewPostgresCold(db)
		pgBrain := databrain.NewPostgresStore(db)
		pgMeter := metering.NewPostgresMeter(db)
		for name, init := range map[string]func(context.Context) error{
			"wal":      pgLog.Init,
			"outbox":   pgBox.Init,
			"cold":     pgCold.Init,
			"brain":    pgBrain.Init,
			"metering": pgMeter.Init,
		} {
			if err = init(ctx); err != nil {
				return err
			}
			log.Printf("[regentd] %s: ready", name)
		}
		walLog, box, cold, brain, meter = pgLog, pgBox, pgCold, pgBrain, pgMeter
		committer = lifecycle.NewSQLCommitter(db, pgLog, pgBox)
	} else {
		memLog := wal.NewMemoryLog()
		memBox := outbox.NewMemoryStore()
		walLog, box = memLog, memBox
		committer = lifecycle.NewMemoryCommitter(memLog, memBox)
		brain = databrain.NewMemoryStore()
		meter = metering.NewMemoryMeter()

		if dataDir := os.Getenv("DATA_DIR"); dataDir != "" {
			log.Println("[regentd] DATABASE_URL not set, lite mode (sqlite cold tier)")
			sqlite, serr := state.OpenSQLiteCold(filepath.Join(dataDir, "regent.db"))
			if serr != nil {
				return serr
			}
			cold = sqlite
		} else {
			log.Println("[regentd] DATABASE_URL not set, in-memory backends")
			cold = state.NewMemoryCold()
		}
	}

	var hot state.HotStore
	if cfg.RedisAddr != "" {
		hot = state.NewRedisHot(cfg.RedisAddr, cfg.RedisPassword, cfg.RedisDB)
		log.Println("[regentd] hot tier: redis")
	} else {
		memHot := state.NewMemoryHot(time.Minute)
		defer memHot.Close()
		hot = memHot
	}
	surface := state.NewSurface(hot, cold, guard)

	table, err := policy.NewTable()
	if err != nil {
		return err
	}
	if err := loadPolicyRules(table); err != nil {
		return err
	}

	blobs, err := artifacts.NewBlobStoreFromEnv(ctx)
	if err != nil {
		return err
	}
	artStore := artifacts.NewStore(blobs).WithRefIndex(artifacts.NewColdRefIndex(cold))

	registry := realm.NewRegistry()
	// Realms register here before Freeze; the bare engine ships none.
	registry.Freeze()

	tierOf := func(string) tiers.TierID { return tiers.TierPro }
	if profiles, perr := config.LoadAllProfiles(cfg.ProfilesDir); perr == nil && len(profiles) > 0 {
		tierOf = config.TierLookup(profiles, tiers.TierPro)
		log.Printf("[regentd] tenant profiles: %d loaded", len(profiles))
	}

	manager := lifecycle.NewManager(lifecycle.Config{
		Workers:           cfg.Workers,
		QueueSize:         cfg.QueueSize,
		DispatchTimeout:   cfg.DispatchTimeout,
		IdempotencyWindow: cfg.IdempotencyWindow,
		CacheTTL:          cfg.CacheTTL,
		DefaultTier:       tiers.TierPro,
	}, lifecycle.Deps{
		Registry:  registry,
		Log:       walLog,
		Committer: committer,
		Surface:   surface,
		Policy:    table,
		Artifacts: artStore,
		Brain:     brain,
		Meter:     meter,
		Guard:     guard,
		TierOf:    tierOf,
		Logger:    logger.With("component", "lifecycle"),
		Obs:       obs,
	})
	defer manager.Close()

	// Close the gap a crash can leave between a terminal log commit and
	// its durable record.
	recovery := lifecycle.NewRecovery(walLog, surface, logger.With("component", "lifecycle.recovery"))
	if rebuilt, rerr := recovery.Run(ctx); rerr != nil {
		log.Printf("[regentd] log recovery: %v", rerr)
	} else if rebuilt > 0 {
		log.Printf("[regentd] log recovery: %d execution records rebuilt", rebuilt)
	}
	log.Println("[regentd] engine: ready")

	publisher := outbox.NewPublisher(box, eventSink(cfg, logger),
		outbox.WithInterval(cfg.OutboxInterval),
		outbox.WithBatchSize(cfg.OutboxBatchSize),
		outbox.WithLogger(logger.With("component", "outbox.publisher")),
	)
	go publisher.Run(ctx)
	log.Println("[regentd] outbox publisher: running")

	srv := api.NewServer(manager, logger.With("component", "api"))
	handler := auth.RequestIDMiddleware(
		auth.RateLimitMiddleware(auth.NewLimiter(cfg.RateRPS, cfg.RateBurst))(
			auth.NewMiddleware(auth.NewContractParser())(srv.Routes()),
		),
	)

	httpServer := &http.Server{
		Addr:              ":" + cfg.Port,
		Handler:           handler,
		ReadHeaderTimeout: 10 * time.Second,
	}
	errCh := make(chan error, 1)
	go func() {
		log.Printf("[regentd] listening on :%s", cfg.Port)
		errCh <- httpServer.ListenAndServe()
	}()

	select {
	case <-ctx.Done():
		log.Println("[regentd] shutting down")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
		defer cancel()
		return httpServer.Shutdown(shutdownCtx)
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	}
}

// eventSink publishes outbox events to Redis pub/sub when configured,
// falling back to structured logging.
func eventSink(cfg *config.Config, logger *slog.Logger) outbox.Sink {
	if cfg.RedisAddr != "" {
		client := redis.NewClient(&redis.Options{
			Addr:     cfg.RedisAddr,
			Password: cfg.RedisPassword,
			DB:       cfg.RedisDB,
		})
		return outbox.SinkFunc(func(ctx context.Context, ev outbox.Event) error {
			return client.Publish(ctx, "regent.events."+ev.TenantID, []byte(ev.Payload)).Err()
		})
	}
	return outbox.SinkFunc(func(_ context.Context, ev outbox.Event) error {
		logger.Info("event published",
			"event_id", ev.EventID,
			"execution_id", ev.ExecutionID,
			"tenant_id", ev.TenantID,
			"event_type", ev.EventType)
		return nil
	})
}

// loadPolicyRules reads materialization rules from POLICY_RULES_FILE. No
// file means every artifact falls to the DISCARD default.
func loadPolicyRules(table *policy.Table) error {
	path := os.Getenv("POLICY_RULES_FILE")
	if path == "" {
		return nil
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return err
	}
	var rules []policy.Rule
	if err := yaml.Unmarshal(data, &rules); err != nil {
		return err
	}
	for _, r := range rules {
		if err := table.Add(r); err != nil {
			return err
		}
	}
	log.Printf("[regentd] materialization rules: %d loaded", len(rules))
	return nil
}

func setupLogging(level string) {
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
	slog.SetDefault(slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: lvl})))
}

func envOr(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}
