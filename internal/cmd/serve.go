package cmd

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	toolchainassets "github.com/seqtrace/bioengine/internal/assets/toolchain"
	"github.com/seqtrace/bioengine/internal/config"
	"github.com/seqtrace/bioengine/internal/metrics"
	"github.com/seqtrace/bioengine/internal/observability"
	"github.com/seqtrace/bioengine/internal/server"
	"github.com/seqtrace/bioengine/internal/server/handlers"
	"github.com/seqtrace/bioengine/pkg/annotate"
	"github.com/seqtrace/bioengine/pkg/pipeline"
	"github.com/seqtrace/bioengine/pkg/refstore"
	"github.com/seqtrace/bioengine/pkg/registry"
	"github.com/seqtrace/bioengine/pkg/scheduler"
	"github.com/seqtrace/bioengine/pkg/toolrunner"
	"github.com/seqtrace/bioengine/pkg/toolspec"
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the job engine",
	Long: `Start the HTTP API and worker pool, and run until interrupted.

On SIGINT or SIGTERM the listener stops accepting requests, running jobs
are given the shutdown timeout to finish, and queued jobs are cancelled.`,
	RunE: runServe,
}

func init() {
	rootCmd.AddCommand(serveCmd)
}

func runServe(cmd *cobra.Command, args []string) error {
	cfg, err := config.Load(configPath)
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}

	logger, err := observability.NewLogger(cfg.Logging.Level, cfg.Logging.Profile)
	if err != nil {
		return fmt.Errorf("build logger: %w", err)
	}
	defer func() { _ = logger.Sync() }()

	logger.Info("starting bioengined",
		zap.String("version", versionInfo.Version),
		zap.String("addr", cfg.Server.Addr()),
		zap.Int("workers", cfg.Workers.Count))

	engine, err := buildEngine(cfg, logger)
	if err != nil {
		return err
	}

	srv := server.New(server.Options{
		Host:         cfg.Server.Host,
		Port:         cfg.Server.Port,
		Logger:       observability.NewNamedLogger(logger, "http"),
		Scheduler:    engine.sched,
		Registry:     engine.reg,
		Metrics:      engine.collector,
		Version:      handlers.VersionInfo{Version: versionInfo.Version, Commit: versionInfo.Commit, BuildDate: versionInfo.BuildDate},
		ReadTimeout:  cfg.Server.ReadTimeout,
		WriteTimeout: cfg.Server.WriteTimeout,
		IdleTimeout:  cfg.Server.IdleTimeout,
	})
	srv.RegisterChecker("tools", toolsHealthChecker{runner: engine.runner, tools: engine.tools})
	srv.RegisterChecker("data", dataDirHealthChecker{dir: cfg.Data.Dir})

	errCh := make(chan error, 1)
	go func() { errCh <- srv.Start() }()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	select {
	case sig := <-sigCh:
		logger.Info("shutdown signal received", zap.String("signal", sig.String()))
	case err := <-errCh:
		if err != nil {
			engine.shutdown(context.Background(), logger)
			return err
		}
		return nil
	}

	ctx, cancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
	defer cancel()

	if err := srv.Shutdown(ctx); err != nil {
		logger.Warn("http shutdown incomplete", zap.Error(err))
	}
	engine.shutdown(ctx, logger)
	return nil
}

// engine bundles the wired subsystems behind the HTTP layer.
type engine struct {
	reg       *registry.Registry
	sched     *scheduler.Scheduler
	collector *metrics.Collector
	runner    *toolrunner.Runner
	tools     *toolspec.Spec
}

func (e *engine) shutdown(ctx context.Context, logger *zap.Logger) {
	if err := e.sched.Close(ctx); err != nil {
		logger.Warn("scheduler drain incomplete", zap.Error(err))
		return
	}
	logger.Info("scheduler drained")
}

func buildEngine(cfg *config.Config, logger *zap.Logger) (*engine, error) {
	tools, err := loadTools(cfg.Tools.Manifest)
	if err != nil {
		return nil, err
	}

	runner := toolrunner.New(cfg.Tools.WorkDir, observability.NewNamedLogger(logger, "toolrunner"))

	refs := refstore.New(refstore.Config{
		CacheDir:       filepath.Join(cfg.Data.Dir, "references"),
		FetchURL:       cfg.Data.ReferenceFetchURL,
		IndexThreshold: cfg.Data.IndexThreshold,
	}, runner, tools, observability.NewNamedLogger(logger, "refstore"))

	reconciler := buildReconciler(cfg.Annotation, logger)

	alignment := pipeline.NewAlignment(refs, runner, tools, observability.NewNamedLogger(logger, "alignment"))
	pipelines := []scheduler.Pipeline{
		alignment,
		pipeline.NewVariantCall(alignment, reconciler, observability.NewNamedLogger(logger, "variantcall")),
		pipeline.NewAnnotation(reconciler, observability.NewNamedLogger(logger, "annotation")),
	}

	reg := registry.New()
	if cfg.Data.Snapshots {
		store := registry.NewStore(filepath.Join(cfg.Data.Dir, "jobs"))
		reg.WithSnapshots(store)
		if err := restoreJobs(reg, store, logger); err != nil {
			return nil, err
		}
	}

	collector := metrics.NewCollector()
	sched := scheduler.New(reg, pipelines, scheduler.Config{
		Workers:        cfg.Workers.Count,
		MaxRetries:     cfg.Workers.MaxRetries,
		RetryBackoff:   cfg.Workers.RetryBackoff,
		DefaultTimeout: cfg.Workers.DefaultTimeout,
		Timeouts: map[registry.JobKind]time.Duration{
			registry.KindAlignment:   cfg.Workers.AlignmentTimeout,
			registry.KindVariantCall: cfg.Workers.VariantCallTimeout,
			registry.KindAnnotation:  cfg.Workers.AnnotationTimeout,
		},
	}, collector, observability.NewNamedLogger(logger, "scheduler"))

	return &engine{
		reg:       reg,
		sched:     sched,
		collector: collector,
		runner:    runner,
		tools:     tools,
	}, nil
}

func loadTools(manifest string) (*toolspec.Spec, error) {
	if manifest == "" {
		return toolspec.LoadFromBytes(toolchainassets.DefaultManifest, "tools.yaml")
	}
	tools, err := toolspec.Load(manifest)
	if err != nil {
		return nil, fmt.Errorf("load tool manifest: %w", err)
	}
	return tools, nil
}

// buildReconciler wires the primary consequence source and, when enabled,
// the recode-then-annotate fallback.
func buildReconciler(cfg config.Annotation, logger *zap.Logger) *annotate.Reconciler {
	primary := annotate.NewClient(annotate.ClientConfig{
		BaseURL:    cfg.BaseURL,
		Source:     annotate.SourcePrimary,
		BatchSize:  cfg.BatchSize,
		MaxRetries: cfg.MaxRetries,
		Timeout:    cfg.Timeout,
		RateLimit:  cfg.RateLimit,
	}, observability.NewNamedLogger(logger, "annotate.primary"))

	var fallback annotate.Source
	if cfg.FallbackEnabled {
		recoderURL := cfg.RecoderURL
		if recoderURL == "" {
			recoderURL = cfg.BaseURL
		}
		mapper := annotate.NewMapper(annotate.MapperConfig{
			BaseURL:   recoderURL,
			Timeout:   cfg.Timeout,
			RateLimit: cfg.RateLimit,
		}, observability.NewNamedLogger(logger, "annotate.recoder"))

		// The fallback annotates recoded equivalents one variant at a
		// time, so it gets its own per-item client.
		itemClient := annotate.NewClient(annotate.ClientConfig{
			BaseURL:    cfg.BaseURL,
			Source:     annotate.SourceFallback,
			BatchSize:  1,
			MaxRetries: cfg.MaxRetries,
			Timeout:    cfg.Timeout,
			RateLimit:  cfg.RateLimit,
		}, observability.NewNamedLogger(logger, "annotate.fallback"))

		fallback = annotate.NewRecodedSource(mapper, itemClient, observability.NewNamedLogger(logger, "annotate.recoded"))
	}

	return annotate.NewReconciler(primary, fallback, observability.NewNamedLogger(logger, "annotate.reconcile"))
}

// restoreJobs reloads persisted job records. Jobs that were mid-flight when
// the previous process exited come back cancelled.
func restoreJobs(reg *registry.Registry, store *registry.Store, logger *zap.Logger) error {
	jobs, err := store.List()
	if err != nil {
		return fmt.Errorf("restore jobs: %w", err)
	}
	for i := range jobs {
		reg.Restore(&jobs[i])
	}
	if len(jobs) > 0 {
		logger.Info("restored persisted jobs", zap.Int("count", len(jobs)))
	}
	return nil
}

// toolsHealthChecker verifies the aligner binary is resolvable.
type toolsHealthChecker struct {
	runner *toolrunner.Runner
	tools  *toolspec.Spec
}

func (c toolsHealthChecker) CheckHealth(ctx context.Context) error {
	return c.runner.CheckTool(c.tools.Aligner.Binary)
}

// dataDirHealthChecker verifies the data directory is writable.
type dataDirHealthChecker struct {
	dir string
}

func (c dataDirHealthChecker) CheckHealth(ctx context.Context) error {
	if err := os.MkdirAll(c.dir, 0o755); err != nil {
		return fmt.Errorf("data dir not writable: %w", err)
	}
	probe, err := os.CreateTemp(c.dir, ".healthcheck-*")
	if err != nil {
		return fmt.Errorf("data dir not writable: %w", err)
	}
	name := probe.Name()
	_ = probe.Close()
	_ = os.Remove(name)
	return nil
}
