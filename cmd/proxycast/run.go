package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/itsharex/proxycast/pkg/auth"
	"github.com/itsharex/proxycast/pkg/config"
	"github.com/itsharex/proxycast/pkg/credential"
	"github.com/itsharex/proxycast/pkg/credential/balancer"
	"github.com/itsharex/proxycast/pkg/credential/health"
	"github.com/itsharex/proxycast/pkg/credential/pool"
	"github.com/itsharex/proxycast/pkg/credential/refresh"
	"github.com/itsharex/proxycast/pkg/credential/store"
	"github.com/itsharex/proxycast/pkg/idempotency"
	"github.com/itsharex/proxycast/pkg/pipeline"
	"github.com/itsharex/proxycast/pkg/protocol"
	"github.com/itsharex/proxycast/pkg/ratelimit"
	"github.com/itsharex/proxycast/pkg/routing"
	"github.com/itsharex/proxycast/pkg/server"
	"github.com/itsharex/proxycast/pkg/supervisor"
	"github.com/itsharex/proxycast/pkg/telemetry/logging"
	"github.com/itsharex/proxycast/pkg/telemetry/metrics"
	"github.com/itsharex/proxycast/pkg/telemetry/tracing"
	"github.com/itsharex/proxycast/pkg/telemetry/usage"
	"github.com/itsharex/proxycast/pkg/upstream"
)

var runFlags struct {
	listenAddress string
	logLevel      string
	dryRun        bool
}

var runCmd = &cobra.Command{
	Use:   "run",
	Short: "Start the gateway",
	Long: `Start the gateway with the specified configuration.

The gateway listens on the configured address, terminates the OpenAI,
Anthropic, and Gemini protocol surfaces, and proxies requests through
the credential pool to the configured upstream providers.

Examples:
  # Start with default config
  proxycast run

  # Start with custom config
  proxycast run --config /etc/proxycast/config.yaml

  # Override listen address
  proxycast run --listen 0.0.0.0:8080

  # Validate config without starting
  proxycast run --dry-run`,
	RunE: runServer,
}

func init() {
	rootCmd.AddCommand(runCmd)

	runCmd.Flags().StringVarP(&runFlags.listenAddress, "listen", "l", "", "override listen address")
	runCmd.Flags().StringVar(&runFlags.logLevel, "log-level", "", "override log level (debug, info, warn, error)")
	runCmd.Flags().BoolVar(&runFlags.dryRun, "dry-run", false, "validate config without starting")
}

func runServer(cmd *cobra.Command, args []string) error {
	cfg, err := config.Load(cfgFile)
	if err != nil {
		return err
	}
	if runFlags.listenAddress != "" {
		cfg.Server.ListenAddress = runFlags.listenAddress
	}
	if runFlags.logLevel != "" {
		cfg.Telemetry.Logging.Level = runFlags.logLevel
	}

	logging.Setup(logging.Config{
		Level:     cfg.Telemetry.Logging.Level,
		Format:    cfg.Telemetry.Logging.Format,
		AddSource: cfg.Telemetry.Logging.AddSource,
	}, os.Stderr)

	if runFlags.dryRun {
		fmt.Println("configuration valid")
		return nil
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	tracer, err := tracing.New(tracing.Config{
		Enabled:     cfg.Telemetry.Tracing.Enabled,
		ServiceName: cfg.Telemetry.Tracing.ServiceName,
		Endpoint:    cfg.Telemetry.Tracing.Endpoint,
		Insecure:    cfg.Telemetry.Tracing.Insecure,
		SampleRatio: cfg.Telemetry.Tracing.SampleRatio,
		Timeout:     cfg.Telemetry.Tracing.Timeout,
	})
	if err != nil {
		return fmt.Errorf("initialize tracing: %w", err)
	}
	defer tracer.Shutdown(context.Background())

	// Credential persistence.
	var credStore store.Store
	if cfg.Credentials.StorePath != "" {
		credStore, err = store.NewSQLiteStore(cfg.Credentials.StorePath)
		if err != nil {
			return fmt.Errorf("open credential store: %w", err)
		}
	} else {
		credStore = store.NewMemoryStore()
	}
	defer credStore.Close()

	strategy, err := balancer.New(cfg.Pool.Strategy)
	if err != nil {
		return err
	}
	credPool := pool.New(pool.Config{
		Strategy:         strategy,
		FailureThreshold: cfg.Pool.FailureThreshold,
		DefaultCooldown:  cfg.Pool.DefaultCooldown,
		QuotaLimit:       cfg.Pool.QuotaLimit,
		QuotaInterval:    cfg.Pool.QuotaInterval,
		Saver:            credStore,
	})

	if err := loadCredentials(ctx, cfg, credPool, credStore); err != nil {
		return err
	}
	slog.Info("credential pool loaded", "credentials", credPool.Size())

	// Token refresh and active health probing.
	endpoints := make(map[string]refresh.Endpoint, len(cfg.Refresh.Endpoints))
	for id, ep := range cfg.Refresh.Endpoints {
		endpoints[id] = refresh.Endpoint{
			TokenURL:     ep.TokenURL,
			ClientID:     ep.ClientID,
			ClientSecret: ep.ClientSecret,
		}
	}
	refresher := refresh.New(credPool, refresh.Config{
		Endpoints: endpoints,
		Margin:    cfg.Refresh.Margin,
	})

	prober := health.NewProber(credPool, func(ctx context.Context, cred *credential.Credential) error {
		// A successful token refresh proves an OAuth credential works
		// again. Static keys have no cheap probe; restore them and let
		// traffic re-judge.
		if cred.Auth.Kind == credential.AuthOAuth {
			return refresher.ForceRefresh(ctx, cred.ID)
		}
		return nil
	}, health.ProberConfig{Interval: cfg.Pool.ProbeInterval})

	table, err := routing.NewTable(cfg.ProviderSpecs())
	if err != nil {
		return err
	}
	invokers, err := buildInvokers(cfg)
	if err != nil {
		return err
	}

	// Telemetry sinks.
	collector := metrics.NewCollector(nil, credPool)
	recorder := pipeline.Recorder(collector)

	var ledger *usage.Ledger
	if cfg.Telemetry.Usage.Enabled {
		ledger, err = usage.Open(cfg.Telemetry.Usage.Path)
		if err != nil {
			return fmt.Errorf("open usage ledger: %w", err)
		}
		defer ledger.Close()
		recorder = multiRecorder{collector, newUsageRecorder(ledger)}
	}

	engine := pipeline.New(pipeline.Config{
		Router:              table,
		Pool:                credPool,
		Refresher:           refresher,
		Invokers:            invokers,
		Recorder:            recorder,
		Tracer:              tracer.Tracer(),
		MaxTransientRetries: cfg.Pipeline.MaxTransientRetries,
		RetryBaseDelay:      cfg.Pipeline.RetryBaseDelay,
		FailoverAttempts:    cfg.Pipeline.FailoverAttempts,
	})

	// Client-facing admission.
	keys := make([]*auth.KeyInfo, 0, len(cfg.Auth.Keys))
	for _, k := range cfg.Auth.Keys {
		keys = append(keys, &auth.KeyInfo{Key: k.Key, Name: k.Name, Enabled: *k.Enabled})
	}
	validator := auth.NewValidator(keys)

	var limiter *ratelimit.Limiter
	if cfg.RateLimit.Enabled {
		limiter = ratelimit.New(cfg.RateLimit.Limit, cfg.RateLimit.Window)
	}
	var idemStore *idempotency.Store
	if cfg.Idempotency.Enabled {
		idemStore = idempotency.New(cfg.Idempotency.TTL)
	}

	// Background tasks.
	tasks := []supervisor.Task{
		{Name: "token-refresher", Run: refresher.Run},
		{Name: "health-prober", Run: prober.Run},
		maintenanceTask(cfg, limiter, idemStore, ledger, collector),
	}
	if cfg.Credentials.Watch && cfg.Credentials.File != "" {
		watcher := config.NewCredentialWatcher(cfg.Credentials.File)
		tasks = append(tasks, supervisor.Task{
			Name: "credential-watcher",
			Run: func(ctx context.Context) error {
				return watcher.Watch(ctx, func() error {
					creds, err := config.LoadCredentials(cfg.Credentials.File)
					if err != nil {
						return err
					}
					credPool.ReplaceAll(creds)
					return nil
				})
			},
		})
	}
	sup := supervisor.New(supervisor.Config{}, tasks...)

	srvOpts := server.Options{
		Config:      cfg,
		Engine:      engine,
		Auth:        validator,
		Pool:        credPool,
		Limiter:     limiter,
		Idempotency: idemStore,
		Degraded:    sup.Degraded,
	}
	if *cfg.Telemetry.Metrics.Enabled {
		srvOpts.Metrics = collector.Handler()
		srvOpts.StreamEvents = collector
	}
	srv := server.New(srvOpts)

	sup.Start(ctx)
	defer sup.Wait()

	slog.Info("gateway starting",
		"address", cfg.Server.ListenAddress,
		"providers", len(cfg.Providers),
		"credentials", credPool.Size(),
	)
	return srv.Start(ctx)
}

// loadCredentials seeds the pool from the persisted store, then the
// credential file on top. File entries win on conflict so operators can
// correct bad state by editing the file.
func loadCredentials(ctx context.Context, cfg *config.Config, credPool *pool.Pool, credStore store.Store) error {
	stored, err := credStore.Load(ctx)
	if err != nil {
		return fmt.Errorf("load persisted credentials: %w", err)
	}
	credPool.ReplaceAll(stored)

	if cfg.Credentials.File != "" {
		fromFile, err := config.LoadCredentials(cfg.Credentials.File)
		if err != nil {
			return err
		}
		for _, cred := range fromFile {
			credPool.Upsert(cred)
		}
	}
	if credPool.Size() == 0 {
		return fmt.Errorf("no credentials configured")
	}
	return nil
}

// buildInvokers binds one invoker per protocol family. When several
// providers share a family, the first one's endpoint settings apply.
func buildInvokers(cfg *config.Config) (*upstream.Registry, error) {
	bound := make(map[protocol.Family]upstream.Invoker)
	for _, p := range cfg.Providers {
		opts := upstream.Options{BaseURL: p.BaseURL, Project: p.Project}

		families := []protocol.Family{protocol.Family(p.Family)}
		if protocol.Family(p.Family) == protocol.FamilyMixed {
			families = families[:0]
			for _, fp := range p.FamilyPatterns {
				families = append(families, protocol.Family(fp.Family))
			}
		}

		for _, family := range families {
			if _, ok := bound[family]; ok {
				continue
			}
			switch family {
			case protocol.FamilyClaude:
				bound[family] = upstream.NewClaudeInvoker(opts)
			case protocol.FamilyOpenAI:
				bound[family] = upstream.NewOpenAIInvoker(opts)
			case protocol.FamilyGemini:
				bound[family] = upstream.NewGeminiInvoker(opts)
			case protocol.FamilyKiro:
				inv, err := upstream.NewKiroInvoker(opts)
				if err != nil {
					return nil, fmt.Errorf("provider %q: %w", p.ID, err)
				}
				bound[family] = inv
			}
		}
	}
	return upstream.NewRegistry(bound), nil
}

// maintenanceTask schedules the periodic cleanup jobs.
func maintenanceTask(cfg *config.Config, limiter *ratelimit.Limiter, idemStore *idempotency.Store, ledger *usage.Ledger, collector *metrics.Collector) supervisor.Task {
	jobs := []supervisor.Job{
		{Name: "pool-gauges", Spec: "* * * * *", Run: collector.UpdatePoolGauges},
	}
	if limiter != nil {
		jobs = append(jobs, supervisor.Job{
			Name: "ratelimit-cleanup",
			Spec: "*/10 * * * *",
			Run:  func() { limiter.Cleanup() },
		})
	}
	if idemStore != nil {
		jobs = append(jobs, supervisor.Job{
			Name: "idempotency-cleanup",
			Spec: "0 * * * *",
			Run:  func() { idemStore.Cleanup() },
		})
	}
	if ledger != nil {
		retention := cfg.Telemetry.Usage.Retention
		jobs = append(jobs, supervisor.Job{
			Name: "usage-cleanup",
			Spec: "0 3 * * *",
			Run: func() {
				ctx, cancel := context.WithTimeout(context.Background(), time.Minute)
				defer cancel()
				if _, err := ledger.Cleanup(ctx, time.Now().Add(-retention)); err != nil {
					slog.Warn("usage cleanup failed", "error", err)
				}
			},
		})
	}
	return supervisor.NewMaintenance(jobs...).Task()
}
