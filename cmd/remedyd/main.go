// Remedyd is the remediation orchestrator daemon.
//
// It ingests findings from a detector, generates patch candidates, gates
// them through approval, publishes approved patches as pull requests, and
// records every lifecycle transition in an append-only audit log.
//
// Configuration is loaded from ~/.config/remedyd/config.yaml and overridden
// by environment variables. See internal/config for details.
//
// Usage:
//
//	# Start daemon with defaults
//	remedyd
//
//	# Use a specific config file
//	remedyd -config /etc/remedyd/config.yaml
package main

import (
	"context"
	"flag"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/nats-io/nats.go"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/fyrsmithlabs/remedyd/internal/adapter"
	"github.com/fyrsmithlabs/remedyd/internal/adapter/execadapter"
	"github.com/fyrsmithlabs/remedyd/internal/adapter/githubpub"
	"github.com/fyrsmithlabs/remedyd/internal/adapter/natsnotify"
	"github.com/fyrsmithlabs/remedyd/internal/api"
	"github.com/fyrsmithlabs/remedyd/internal/approval"
	"github.com/fyrsmithlabs/remedyd/internal/audit"
	"github.com/fyrsmithlabs/remedyd/internal/config"
	"github.com/fyrsmithlabs/remedyd/internal/finding"
	"github.com/fyrsmithlabs/remedyd/internal/logging"
	"github.com/fyrsmithlabs/remedyd/internal/orchestrator"
	"github.com/fyrsmithlabs/remedyd/internal/retry"
	"github.com/fyrsmithlabs/remedyd/internal/store"
	"github.com/fyrsmithlabs/remedyd/internal/telemetry"
	"github.com/fyrsmithlabs/remedyd/pkg/server"
)

// Version information (set via ldflags during build)
var (
	version   = "dev"
	gitCommit = "unknown"
	buildDate = "unknown"
)

func main() {
	configPath := flag.String("config", "", "path to config file (default ~/.config/remedyd/config.yaml)")
	flag.Parse()

	if args := flag.Args(); len(args) > 0 {
		switch args[0] {
		case "version":
			printVersion()
			os.Exit(0)
		default:
			fmt.Fprintf(os.Stderr, "Unknown command: %s\n", args[0])
			fmt.Fprintf(os.Stderr, "\nUsage:\n")
			fmt.Fprintf(os.Stderr, "  remedyd            Start the remedyd daemon\n")
			fmt.Fprintf(os.Stderr, "  remedyd version    Show version information\n")
			os.Exit(1)
		}
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		sig := <-sigCh
		log.Printf("Received signal %v, shutting down gracefully...", sig)
		cancel()
	}()

	if err := run(ctx, *configPath); err != nil && err != http.ErrServerClosed && err != context.Canceled {
		log.Fatalf("Server error: %v", err)
	}

	log.Println("Server shutdown complete")
}

func printVersion() {
	fmt.Printf("remedyd by Fyrsmith Labs\n")
	fmt.Printf("Version:    %s\n", version)
	fmt.Printf("Commit:     %s\n", gitCommit)
	fmt.Printf("Build Date: %s\n", buildDate)
}

// run starts the daemon and blocks until the context is canceled.
//
//  1. Loads and validates configuration
//  2. Initializes logging and telemetry
//  3. Opens the finding store and audit log, connects to NATS
//  4. Constructs adapters (generator, publisher, notifier, detector)
//  5. Recovers record state from the audit log
//  6. Starts the orchestrator, detector scans, the config watcher, and
//     the HTTP server
func run(ctx context.Context, configPath string) error {
	if err := config.EnsureConfigDir(); err != nil {
		return err
	}
	cfg, err := config.LoadWithFile(configPath)
	if err != nil {
		return fmt.Errorf("invalid configuration: %w", err)
	}

	logger, err := initLogger(cfg)
	if err != nil {
		return fmt.Errorf("failed to initialize logger: %w", err)
	}
	defer func() {
		_ = logger.Sync()
	}()
	zl := logger.Underlying()

	zl.Info("Starting remedyd",
		zap.String("version", version),
		zap.Int("port", cfg.Server.Port),
		zap.String("service", cfg.Observability.ServiceName))

	tel, err := initTelemetry(ctx, cfg)
	if err != nil {
		return fmt.Errorf("failed to initialize telemetry: %w", err)
	}
	defer func() {
		_ = tel.Shutdown(context.Background())
	}()

	deps, err := initDependencies(ctx, cfg, zl)
	if err != nil {
		return fmt.Errorf("failed to initialize dependencies: %w", err)
	}
	defer deps.Close()

	zl.Info("Dependencies initialized",
		zap.String("store", deps.store.Path()),
		zap.Bool("nats_connected", deps.natsConn != nil))

	orch, gate, err := initPipeline(ctx, cfg, deps, zl)
	if err != nil {
		return fmt.Errorf("failed to initialize pipeline: %w", err)
	}

	// Rebuild record state from the audit log before any worker runs.
	if err := orch.Recover(ctx); err != nil {
		return fmt.Errorf("recovery failed: %w", err)
	}

	srv := server.NewServer(cfg)
	handler, err := api.NewHandler(deps.store, deps.auditLog, gate, orch, zl)
	if err != nil {
		return fmt.Errorf("failed to create API handler: %w", err)
	}
	handler.RegisterRoutes(srv.Echo())

	zl.Info("Server configured",
		zap.String("health_endpoint", fmt.Sprintf("http://localhost:%d/health", cfg.Server.Port)),
		zap.String("api_prefix", "/api"),
		zap.String("metrics_endpoint", "/metrics"))

	g, gctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		return orch.Run(gctx)
	})
	g.Go(func() error {
		return srv.Start(gctx)
	})
	if deps.detector != nil {
		g.Go(func() error {
			runDetector(gctx, cfg, orch, deps.detector, zl)
			return nil
		})
	}
	if err := startPolicyWatcher(gctx, configPath, gate, zl); err != nil {
		zl.Warn("Approval policy hot reload disabled", zap.Error(err))
	}

	return g.Wait()
}

// dependencies holds all infrastructure dependencies.
type dependencies struct {
	store    *store.Store
	auditLog *audit.Log
	natsConn *nats.Conn
	detector adapter.Detector
}

// Close releases all infrastructure resources.
func (d *dependencies) Close() {
	if d.natsConn != nil {
		d.natsConn.Close()
	}
	if d.store != nil {
		_ = d.store.Close()
	}
}

// initLogger initializes the structured logger from config.
func initLogger(cfg *config.Config) (*logging.Logger, error) {
	logCfg := logging.NewDefaultConfig()
	logCfg.Format = cfg.Observability.LogFormat

	level, err := logging.ParseLevel(cfg.Observability.LogLevel)
	if err != nil {
		return nil, err
	}
	logCfg.Level = level

	return logging.NewLogger(logCfg)
}

// initTelemetry initializes OpenTelemetry providers.
func initTelemetry(ctx context.Context, cfg *config.Config) (*telemetry.Telemetry, error) {
	telCfg := telemetry.NewDefaultConfig()
	telCfg.Enabled = cfg.Observability.EnableTelemetry
	telCfg.ServiceName = cfg.Observability.ServiceName
	telCfg.ServiceVersion = version
	return telemetry.New(ctx, telCfg)
}

// initDependencies opens the store and audit log and connects to NATS.
func initDependencies(ctx context.Context, cfg *config.Config, zl *zap.Logger) (*dependencies, error) {
	dataDir, err := config.ExpandPath(cfg.Storage.DataDir)
	if err != nil {
		return nil, err
	}
	if err := os.MkdirAll(dataDir, 0700); err != nil {
		return nil, fmt.Errorf("failed to create data directory %s: %w", dataDir, err)
	}

	st, err := store.Open(dataDir, zl)
	if err != nil {
		return nil, fmt.Errorf("failed to open finding store: %w", err)
	}

	var nc *nats.Conn
	if cfg.NATS.URL != "" {
		nc, err = nats.Connect(cfg.NATS.URL,
			nats.RetryOnFailedConnect(true),
			nats.MaxReconnects(5),
			nats.ReconnectWait(1*time.Second),
			nats.Timeout(cfg.NATS.ConnectTimeout),
		)
		if err != nil {
			_ = st.Close()
			return nil, fmt.Errorf("failed to connect to NATS at %s: %w", cfg.NATS.URL, err)
		}
		zl.Info("Connected to NATS", zap.String("url", cfg.NATS.URL))
	} else {
		zl.Info("NATS disabled; audit streaming and notifications are off")
	}

	auditLog, err := audit.New(st.DB(), nc, zl)
	if err != nil {
		if nc != nil {
			nc.Close()
		}
		_ = st.Close()
		return nil, fmt.Errorf("failed to open audit log: %w", err)
	}

	var detector adapter.Detector
	if len(cfg.Adapters.DetectorCommand) > 0 {
		detector, err = execadapter.NewDetector(cfg.Adapters.DetectorCommand, zl)
		if err != nil {
			if nc != nil {
				nc.Close()
			}
			_ = st.Close()
			return nil, err
		}
	}

	return &dependencies{
		store:    st,
		auditLog: auditLog,
		natsConn: nc,
		detector: detector,
	}, nil
}

// initPipeline constructs the approval gate, adapters, and orchestrator.
func initPipeline(ctx context.Context, cfg *config.Config, deps *dependencies, zl *zap.Logger) (*orchestrator.Orchestrator, *approval.Gate, error) {
	var notifier adapter.Notifier
	if deps.natsConn != nil {
		n, err := natsnotify.New(deps.natsConn, zl)
		if err != nil {
			return nil, nil, err
		}
		notifier = n
	}

	gate, err := approval.NewGate(deps.store, notifier, approval.Policy{
		AutoApproveThreshold:   cfg.Approval.AutoApproveThreshold,
		AutoApproveMaxSeverity: finding.Severity(cfg.Approval.AutoApproveMaxSeverity),
	}, zl)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to create approval gate: %w", err)
	}

	if !cfg.GitHub.Token.IsSet() {
		return nil, nil, fmt.Errorf("github.token is required (set GITHUB_TOKEN)")
	}
	publisher, err := githubpub.New(ctx, githubpub.Config{
		Token:             cfg.GitHub.Token.Value(),
		BaseBranch:        cfg.GitHub.BaseBranch,
		RequestsPerSecond: cfg.GitHub.RequestsPerSecond,
	}, zl)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to create GitHub publisher: %w", err)
	}

	generator, err := execadapter.NewGenerator(cfg.Adapters.GeneratorCommand, zl)
	if err != nil {
		return nil, nil, fmt.Errorf("adapters.generator_command is required: %w", err)
	}

	orch, err := orchestrator.New(&orchestrator.Config{
		Workers:       cfg.Orchestrator.Workers,
		PollInterval:  cfg.Orchestrator.PollInterval,
		StepTimeout:   cfg.Orchestrator.StepTimeout,
		GenerateRetry: retryPolicy(cfg.Orchestrator.Generate),
		PublishRetry:  retryPolicy(cfg.Orchestrator.Publish),
	}, deps.store, deps.auditLog, gate, generator, publisher, nil, zl)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to create orchestrator: %w", err)
	}
	return orch, gate, nil
}

func retryPolicy(rc config.RetryConfig) retry.Policy {
	p := retry.Policy{
		MaxAttempts: rc.MaxAttempts,
		BaseDelay:   rc.BaseDelay,
		MaxDelay:    rc.MaxDelay,
	}
	p.ApplyDefaults()
	return p
}

// runDetector scans the configured repositories, once or on an interval.
func runDetector(ctx context.Context, cfg *config.Config, orch *orchestrator.Orchestrator, detector adapter.Detector, zl *zap.Logger) {
	scan := func() {
		for _, repo := range cfg.Adapters.Repositories {
			created, err := orch.IngestFrom(ctx, detector, repo)
			if err != nil {
				zl.Warn("detection failed",
					zap.String("repository", repo),
					zap.Error(err))
				continue
			}
			zl.Info("detection complete",
				zap.String("repository", repo),
				zap.Int("new_findings", created))
		}
	}

	scan()
	if cfg.Adapters.ScanInterval <= 0 {
		return
	}
	ticker := time.NewTicker(cfg.Adapters.ScanInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			scan()
		}
	}
}

// startPolicyWatcher hot-reloads the approval policy when the config file
// changes. Everything else in the config still requires a restart.
func startPolicyWatcher(ctx context.Context, configPath string, gate *approval.Gate, zl *zap.Logger) error {
	if configPath == "" {
		home, err := os.UserHomeDir()
		if err != nil {
			return err
		}
		configPath = filepath.Join(home, ".config", "remedyd", "config.yaml")
	}

	watcher, err := config.NewWatcher(configPath,
		func(cfg *config.Config) {
			err := gate.SetPolicy(approval.Policy{
				AutoApproveThreshold:   cfg.Approval.AutoApproveThreshold,
				AutoApproveMaxSeverity: finding.Severity(cfg.Approval.AutoApproveMaxSeverity),
			})
			if err != nil {
				zl.Warn("rejected reloaded approval policy", zap.Error(err))
			}
		},
		func(err error) {
			zl.Warn("config reload failed", zap.Error(err))
		},
	)
	if err != nil {
		return err
	}
	if err := watcher.Start(ctx); err != nil {
		watcher.Stop()
		return err
	}
	go func() {
		<-ctx.Done()
		watcher.Stop()
	}()
	return nil
}
