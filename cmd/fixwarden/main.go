package main

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"fixwarden/internal/bus"
	"fixwarden/internal/config"
	"fixwarden/internal/daemon"
	"fixwarden/internal/escalation"
	"fixwarden/internal/index"
	"fixwarden/internal/logging"
	"fixwarden/internal/queue"
	"fixwarden/internal/registry"
	"fixwarden/internal/supervisor"
	"fixwarden/internal/types"
)

var (
	// Global flags
	verbose    bool
	configPath string
	workspace  string

	// Logger
	logger *zap.Logger
)

// rootCmd represents the base command
var rootCmd = &cobra.Command{
	Use:   "fixwarden",
	Short: "fixwarden - autonomous quality-assurance orchestrator",
	Long: `fixwarden is a daemon that drains a queue of code-quality violation
batches and routes each one to the cheapest channel that can fix it:
an in-process rule fixer, a spawned heavyweight worker, or a human
review case.

Routing is deterministic: batches are scored for complexity, enriched
from a read-only pattern index, and matched against ordered rules.`,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		zcfg := zap.NewProductionConfig()
		if verbose {
			zcfg.Level = zap.NewAtomicLevelAt(zapcore.DebugLevel)
		}
		var err error
		logger, err = zcfg.Build()
		if err != nil {
			return fmt.Errorf("failed to initialize logger: %w", err)
		}
		return nil
	},
	PersistentPostRun: func(cmd *cobra.Command, args []string) {
		if logger != nil {
			_ = logger.Sync()
		}
	},
}

// runCmd starts the daemon
var runCmd = &cobra.Command{
	Use:   "run",
	Short: "Run the orchestrator daemon",
	Long: `Starts the poll loop: claim tasks, partition into batches, score,
route, dispatch, supervise. Stops cleanly on SIGINT/SIGTERM, releasing
claimed tasks so another instance can pick them up.`,
	RunE: runDaemon,
}

var (
	devMode  bool
	seedPath string
)

// indexCmd inspects the pattern index
var indexCmd = &cobra.Command{
	Use:   "index",
	Short: "Show pattern index statistics",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := loadConfig()
		if err != nil {
			return err
		}
		idx, err := index.Load(cfg.Index.Path)
		if err != nil {
			return fmt.Errorf("load index: %w", err)
		}
		st := idx.Stats()
		fmt.Printf("pattern index: %s\n", cfg.Index.Path)
		fmt.Printf("  commits:  %d\n", st.Commits)
		fmt.Printf("  chunks:   %d\n", st.Chunks)
		if st.Version != "" {
			fmt.Printf("  version:  %s\n", st.Version)
		}
		if st.BuiltAt != "" {
			fmt.Printf("  built_at: %s\n", st.BuiltAt)
		}
		return nil
	},
}

// escalationsCmd lists and transitions human-review cases
var escalationsCmd = &cobra.Command{
	Use:   "escalations",
	Short: "List open escalation cases",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := loadConfig()
		if err != nil {
			return err
		}
		store, closeStore, err := openCaseStore(cfg)
		if err != nil {
			return err
		}
		defer closeStore()

		mgr := escalation.NewManager(store, nil)
		var state types.EscalationState
		if escState != "" {
			state = types.EscalationState(escState)
		}
		cases, err := mgr.List(cmd.Context(), state)
		if err != nil {
			return fmt.Errorf("list cases: %w", err)
		}
		if len(cases) == 0 {
			fmt.Println("no escalation cases")
			return nil
		}
		for _, c := range cases {
			fmt.Printf("%s  %-10s  %-32s  %s  %s\n",
				c.OpenedAt.Format(time.RFC3339), c.State, c.Reason, c.BatchRef, c.AssignedReviewer)
		}
		return nil
	},
}

var escState string

func main() {
	rootCmd.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "Enable debug logging")
	rootCmd.PersistentFlags().StringVarP(&configPath, "config", "c", "", "Path to config file")
	rootCmd.PersistentFlags().StringVarP(&workspace, "workspace", "w", "", "Workspace directory")

	runCmd.Flags().BoolVar(&devMode, "dev", false, "Dev mode: in-memory queue and bus, seeded demo task")
	runCmd.Flags().StringVar(&seedPath, "seed", "", "Dev mode: JSON file of tasks to seed the queue with")
	escalationsCmd.Flags().StringVar(&escState, "state", "", "Filter by state (pending, in_review, ...)")

	rootCmd.AddCommand(runCmd)
	rootCmd.AddCommand(indexCmd)
	rootCmd.AddCommand(escalationsCmd)

	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

func loadConfig() (*config.Config, error) {
	cfg, err := config.Load(configPath)
	if err != nil {
		return nil, err
	}
	if workspace != "" {
		cfg.Daemon.Workspace = workspace
	}
	return cfg, nil
}

func openCaseStore(cfg *config.Config) (escalation.CaseStore, func(), error) {
	if cfg.Escalation.Backend == "sqlite" {
		s, err := escalation.OpenSQLiteStore(resolvePath(cfg, cfg.Escalation.DBPath))
		if err != nil {
			return nil, nil, err
		}
		return s, func() { s.Close() }, nil
	}
	return escalation.NewMemoryStore(), func() {}, nil
}

func resolvePath(cfg *config.Config, p string) string {
	if p == "" || filepath.IsAbs(p) {
		return p
	}
	return filepath.Join(cfg.Daemon.Workspace, p)
}

func runDaemon(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	if err := logging.Initialize(cfg.Daemon.Workspace, logging.Options{
		DebugMode:  cfg.Logging.DebugMode || verbose,
		Level:      cfg.Logging.Level,
		Categories: cfg.Logging.Categories,
	}); err != nil {
		return fmt.Errorf("initialize logging: %w", err)
	}
	defer logging.CloseAll()

	// Queue
	var taskQueue queue.TaskQueue
	var closeQueue func()
	if devMode || cfg.Queue.Backend == "memory" {
		mq := queue.NewMemory()
		taskQueue, closeQueue = mq, func() {}
		if devMode {
			if err := seedDevTasks(mq); err != nil {
				return fmt.Errorf("seed dev queue: %w", err)
			}
		}
	} else {
		sq, err := queue.OpenSQLite(resolvePath(cfg, cfg.Queue.DBPath))
		if err != nil {
			return fmt.Errorf("open task queue: %w", err)
		}
		taskQueue, closeQueue = sq, func() { sq.Close() }
	}
	defer closeQueue()

	// Event bus
	var publisher bus.Publisher
	var closeBus func()
	if devMode || cfg.Bus.Backend == "memory" {
		publisher, closeBus = bus.NewMemory(), func() {}
	} else {
		fb, err := bus.OpenFile(resolvePath(cfg, cfg.Bus.Path))
		if err != nil {
			return fmt.Errorf("open event bus: %w", err)
		}
		publisher, closeBus = fb, func() { fb.Close() }
	}
	defer closeBus()

	// Escalation
	store, closeStore, err := openCaseStore(cfg)
	if err != nil {
		return fmt.Errorf("open case store: %w", err)
	}
	defer closeStore()
	escMgr := escalation.NewManager(store, publisher)

	// Pattern index (read-only; missing is an empty index)
	idx, err := index.Load(resolvePath(cfg, cfg.Index.Path))
	if err != nil {
		return fmt.Errorf("load pattern index: %w", err)
	}
	logger.Info("pattern index loaded",
		zap.Int("commits", idx.Stats().Commits),
		zap.Int("chunks", idx.Stats().Chunks))

	// Supervisor. A heavy pool without a launchable startup script would
	// fail every heavy dispatch, so refuse to start that way.
	startupScript := resolvePath(cfg, cfg.Heavy.StartupScript)
	if !devMode && cfg.Pools.HeavyPoolSize > 0 {
		if startupScript == "" {
			return fmt.Errorf("heavy pool configured but heavy.startup_script is unset")
		}
		if _, err := os.Stat(startupScript); err != nil {
			return fmt.Errorf("heavy worker startup script: %w", err)
		}
	}
	heartbeatDir := cfg.Heavy.HeartbeatDir
	if heartbeatDir == "" {
		heartbeatDir = filepath.Join(cfg.Daemon.Workspace, ".fixwarden", "heartbeats")
	}
	sup := supervisor.New(supervisor.Options{
		FastPoolSize:   cfg.Pools.FastPoolSize,
		HeavyPoolSize:  cfg.Pools.HeavyPoolSize,
		FastTimeout:    cfg.FastTimeout(),
		HeavyTimeout:   cfg.HeavyTimeout(),
		SoftStopGrace:  cfg.SoftStopGrace(),
		HeartbeatStale: cfg.HeartbeatStale(),
		SweepInterval:  cfg.HealthSweepInterval(),
		StartupScript:  startupScript,
		HeartbeatDir:   heartbeatDir,
	}, defaultFixer(), registry.NewMemory(), publisher)

	d := daemon.New(cfg, daemon.Deps{
		Queue:      taskQueue,
		Bus:        publisher,
		Supervisor: sup,
		Escalation: escMgr,
		Index:      idx,
	})

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	logger.Info("fixwarden starting",
		zap.String("workspace", cfg.Daemon.Workspace),
		zap.Bool("dev", devMode))
	return d.Run(ctx)
}

// defaultFixer wires the built-in rules for the kinds the fast channel can
// repair without a heavyweight worker. Kinds without a rule fail retryable
// and escalate through the normal retry path.
func defaultFixer() supervisor.FastFixer {
	f := supervisor.NewRuleBasedFixer()
	for _, kind := range []types.ViolationKind{
		types.KindLineLength,
		types.KindUnusedImport,
		types.KindNaming,
		types.KindConfigPolicy,
		types.KindLoggingConvention,
	} {
		k := kind
		f.Register(k, func(_ context.Context, v types.Violation) error {
			logging.Workers("applied %s fix to %s:%d", k, v.FilePath, v.Line)
			return nil
		})
	}
	return f
}

// seedDevTasks fills the in-memory queue: from the --seed JSON file when
// given, otherwise with a small built-in demo task.
func seedDevTasks(q *queue.Memory) error {
	if seedPath == "" {
		return q.Enqueue(context.Background(), types.Task{
			ID:          "dev-task-1",
			MaxAttempts: 3,
			Violations: []types.Violation{
				{ID: "dev-v1", Kind: types.KindLineLength, FilePath: "app/models.py", Line: 120},
				{ID: "dev-v2", Kind: types.KindUnusedImport, FilePath: "app/models.py", Line: 3},
				{ID: "dev-v3", Kind: types.KindNaming, FilePath: "app/views.py", Line: 44},
			},
		})
	}

	data, err := os.ReadFile(seedPath)
	if err != nil {
		return err
	}
	var tasks []types.Task
	if err := json.Unmarshal(data, &tasks); err != nil {
		return fmt.Errorf("parse %s: %w", seedPath, err)
	}
	for _, t := range tasks {
		if t.MaxAttempts <= 0 {
			t.MaxAttempts = 3
		}
		if err := q.Enqueue(context.Background(), t); err != nil {
			return err
		}
	}
	logger.Info("seeded dev queue", zap.Int("tasks", len(tasks)), zap.String("file", seedPath))
	return nil
}
