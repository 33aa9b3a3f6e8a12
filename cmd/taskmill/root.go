package main

import (
	"context"
	"fmt"
	"os"
	"path/filepath"

	"github.com/rs/zerolog"
	"github.com/spf13/cobra"

	"github.com/oweller/taskmill/internal/config"
	"github.com/oweller/taskmill/internal/events"
	"github.com/oweller/taskmill/internal/execengine"
	"github.com/oweller/taskmill/internal/gitops"
	"github.com/oweller/taskmill/internal/locking"
	"github.com/oweller/taskmill/internal/model"
	"github.com/oweller/taskmill/internal/notify"
	"github.com/oweller/taskmill/internal/polling"
	"github.com/oweller/taskmill/internal/processor"
	"github.com/oweller/taskmill/internal/quality"
	"github.com/oweller/taskmill/internal/store"
	"github.com/oweller/taskmill/internal/store/filestore"
	"github.com/oweller/taskmill/internal/store/redistore"
	"github.com/oweller/taskmill/internal/transition"
)

const version = "1.0.0"

func rootCmd() *cobra.Command {
	var cfgPath string

	cmd := &cobra.Command{
		Use:   "taskmill",
		Short: "Task queue poller and processor",
		Run: func(cmd *cobra.Command, args []string) {
			cmd.HelpFunc()(cmd, args)
		},
	}
	cmd.PersistentFlags().StringVar(&cfgPath, "config", "taskmill.yaml", "Config file path")

	cmd.AddCommand(runCmd(&cfgPath))
	cmd.AddCommand(onceCmd(&cfgPath))
	cmd.AddCommand(enqueueCmd(&cfgPath))
	cmd.AddCommand(statusCmd(&cfgPath))
	cmd.AddCommand(versionCmd())

	return cmd
}

func versionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print the version",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Printf("taskmill %s\n", version)
		},
	}
}

// taskSource is the store surface shared by both backends.
type taskSource interface {
	store.TaskStore
	store.LeaseStore
	Add(ctx context.Context, task model.TaskItem, status model.Status) error
}

// runtime bundles the wired components behind a command.
type runtime struct {
	cfg    config.Config
	logger zerolog.Logger
	tasks  taskSource
	locks  locking.Manager
	engine *transition.Engine
	proc   *processor.Processor
	bus    *events.Bus
	files  *filestore.Store // nil for the redis backend
	audit  *events.AuditLogger

	closers []func() error
}

func (rt *runtime) close() {
	for i := len(rt.closers) - 1; i >= 0; i-- {
		_ = rt.closers[i]()
	}
}

func buildRuntime(ctx context.Context, cfgPath string) (*runtime, error) {
	cfg, err := config.Load(cfgPath)
	if err != nil {
		return nil, err
	}

	level, err := zerolog.ParseLevel(cfg.LogLevel)
	if err != nil {
		level = zerolog.InfoLevel
	}
	logger := zerolog.New(zerolog.ConsoleWriter{Out: os.Stderr}).
		Level(level).With().Timestamp().Logger()

	rt := &runtime{cfg: cfg, logger: logger}

	switch cfg.Store.Backend {
	case "redis":
		rs, err := redistore.New(ctx, redistore.Config{
			Addr:      cfg.Store.RedisAddr,
			Password:  cfg.Store.RedisPassword,
			DB:        cfg.Store.RedisDB,
			KeyPrefix: cfg.Store.KeyPrefix,
		}, logger)
		if err != nil {
			return nil, err
		}
		rt.tasks = rs
		rt.closers = append(rt.closers, rs.Close)
	default:
		fs, err := filestore.Open(cfg.DataDir, logger)
		if err != nil {
			return nil, err
		}
		rt.tasks = fs
		rt.files = fs
	}

	switch cfg.Locking.Backend {
	case "store":
		rt.locks = locking.NewStore(rt.tasks, rt.tasks, logger)
	default:
		rt.locks = locking.NewMemory(logger)
	}

	committer := gitops.NewCommitter(cfg.RepoDir, logger)
	engineOpts := []transition.Option{transition.WithCommitExecutor(committer)}
	if cfg.Quality.ChecksFile != "" {
		checks, err := quality.LoadChecks(cfg.Quality.ChecksFile)
		if err != nil {
			return nil, err
		}
		engineOpts = append(engineOpts,
			transition.WithValidationGate(quality.NewGate(checks, cfg.RepoDir, logger)))
	}
	rt.engine = transition.NewEngine(rt.tasks, logger, engineOpts...)

	rt.bus = events.NewBus(0)
	rt.closers = append(rt.closers, func() error { rt.bus.Close(); return nil })

	audit, err := events.NewAuditLogger(filepath.Join(cfg.DataDir, "audit.jsonl"), 0)
	if err != nil {
		rt.close()
		return nil, err
	}
	rt.audit = audit
	rt.closers = append(rt.closers, audit.Close)
	subscribeAudit(rt.bus, audit)

	if cfg.NotifyEnabled {
		unsub := notify.Attach(rt.bus, logger)
		rt.closers = append(rt.closers, func() error { unsub(); return nil })
	}

	engine := execengine.New(cfg.Execution.Command, cfg.Execution.Args, cfg.RepoDir, logger)

	opts := []processor.Option{
		processor.WithEventBus(rt.bus),
		processor.WithMaxRetryAttempts(cfg.Processing.MaxRetryAttempts),
		processor.WithInterTaskDelay(cfg.Processing.InterTaskDelay()),
		processor.WithTaskTimeout(cfg.Processing.TaskTimeout()),
		processor.WithLockTTL(cfg.Locking.StaleThreshold()),
	}
	if cfg.Processing.VerifyChanges {
		opts = append(opts, processor.WithChangeVerifier(gitops.NewVerifier(cfg.RepoDir)))
	}
	rt.proc = processor.New(rt.tasks, rt.locks, rt.engine, engine, logger, opts...)

	return rt, nil
}

func subscribeAudit(bus *events.Bus, audit *events.AuditLogger) {
	for _, et := range []events.EventType{
		events.EventTaskLocked, events.EventTaskStarted, events.EventTaskCompleted,
		events.EventTaskRetried, events.EventStatusChanged, events.EventSessionFinished,
		events.EventStaleLockCleaned,
	} {
		bus.Subscribe(et, audit.Record)
	}
}

func strategyFromConfig(cfg config.PollingConfig) (polling.Strategy, error) {
	switch polling.StrategyType(cfg.Strategy) {
	case polling.TypeFixedInterval:
		return polling.NewFixedInterval(cfg.Interval()), nil
	case polling.TypeExponentialBackoff:
		return polling.NewExponentialBackoff(polling.BackoffConfig{
			BaseInterval: cfg.Interval(),
			MaxInterval:  cfg.MaxInterval(),
			Multiplier:   cfg.Multiplier,
		}), nil
	case polling.TypeAdaptive:
		return polling.NewAdaptive(polling.AdaptiveConfig{
			BaseInterval: cfg.Interval(),
			MaxInterval:  cfg.MaxInterval(),
		}), nil
	case polling.TypeScheduledWindows:
		return polling.NewScheduledWindows(polling.WindowsConfig{
			Interval: cfg.Interval(),
		}), nil
	default:
		return nil, fmt.Errorf("unknown polling strategy %q", cfg.Strategy)
	}
}
