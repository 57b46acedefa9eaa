// Package main implements the crewd CLI: it loads a task plan and drives a
// crew of capability workers against a sandboxed workspace until the plan is
// done or blocked.
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/fyrsmithlabs/crewd/internal/agent"
	"github.com/fyrsmithlabs/crewd/internal/config"
	"github.com/fyrsmithlabs/crewd/internal/logging"
	"github.com/fyrsmithlabs/crewd/internal/sandbox"
	"github.com/fyrsmithlabs/crewd/internal/state"
	"github.com/fyrsmithlabs/crewd/internal/supervisor"
	"github.com/fyrsmithlabs/crewd/internal/task"
	"github.com/fyrsmithlabs/crewd/internal/trace"
	"github.com/fyrsmithlabs/crewd/internal/validator"
	"github.com/fyrsmithlabs/crewd/internal/worker"
)

// Version information set via ldflags at build time.
var (
	version = "dev"
	commit  = "unknown"
	date    = "unknown"
)

var (
	configPath    string
	workspaceRoot string
	goal          string
)

func main() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

var rootCmd = &cobra.Command{
	Use:   "crewd",
	Short: "Orchestrates autonomous development plans with sandboxed workers",
	Long: `crewd executes a task plan against a sandboxed workspace. Tasks are
dispatched to capability-typed workers (ui, database, logic, deploy), every
result passes a validator before completion, and a requirement trace gates
the final done status.`,
	Version: version,
}

func init() {
	rootCmd.PersistentFlags().StringVar(&configPath, "config", "", "path to YAML config file")
	rootCmd.AddCommand(runCmd)
	rootCmd.AddCommand(versionCmd)
}

var runCmd = &cobra.Command{
	Use:   "run <plan.json>",
	Short: "Execute a task plan",
	Long: `Execute a task plan against the configured workspace.

The plan is a JSON document naming the feature, its tasks, their
capabilities, dependencies, and requirement identifiers. The run ends done
only when every task completed and every requirement resolved to pass.

Exit codes: 0 done, 2 blocked, 1 fatal.`,
	Args: cobra.ExactArgs(1),
	RunE: runPlan,
}

var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "Print version information",
	Run: func(cmd *cobra.Command, args []string) {
		fmt.Printf("crewd %s (commit %s, built %s)\n", version, commit, date)
	},
}

func init() {
	runCmd.Flags().StringVar(&workspaceRoot, "workspace", "", "workspace root (overrides config)")
	runCmd.Flags().StringVar(&goal, "goal", "", "user goal recorded in the run log")
}

func runPlan(cmd *cobra.Command, args []string) error {
	cfg, err := config.Load(configPath)
	if err != nil {
		return err
	}
	if workspaceRoot != "" {
		cfg.Workspace.Root = workspaceRoot
	}

	logger, err := logging.New(cfg.Logging)
	if err != nil {
		return fmt.Errorf("initializing logger: %w", err)
	}
	defer func() { _ = logger.Sync() }()

	planData, err := os.ReadFile(args[0])
	if err != nil {
		return fmt.Errorf("reading plan: %w", err)
	}
	plan, err := task.ParsePlan(planData)
	if err != nil {
		return err
	}

	sb, err := sandbox.New(cfg.Sandbox, cfg.Workspace.Root, logger)
	if err != nil {
		return err
	}

	bridge, err := agent.New(cfg.Agent, logger)
	if err != nil {
		return fmt.Errorf("set agent.command (or CREWD_AGENT_COMMAND) to the language-model bridge executable: %w", err)
	}

	ledger := trace.New(filepath.Join(sb.Root(), cfg.Workspace.TraceArtifact))
	if err := ledger.Register(plan.RequirementIDs()...); err != nil {
		return err
	}

	store := state.New(plan.FeatureID, cfg.Run.IterationFactor, cfg.Run.RetryBudget)
	store.MergePlan(plan)
	if goal != "" {
		store.Append(state.OriginUser, "", goal)
	}

	opts := worker.Options{Agent: bridge, Logger: logger}
	pool := worker.Pool{
		task.CapabilityUI:       worker.NewUI(opts),
		task.CapabilityDatabase: worker.NewDatabase(opts),
		task.CapabilityLogic:    worker.NewLogic(opts),
		task.CapabilityDeploy:   worker.NewDeploy(opts, cfg.Deploy, cfg.Sandbox.DeployTimeout.Duration()),
	}

	sup := supervisor.New(store, pool,
		validator.New(ledger, logger, nil),
		sb, ledger, bridge, logger,
		supervisor.Options{
			MaxParallel: cfg.Run.MaxParallel,
			TaskTimeout: cfg.Run.TaskTimeout.Duration(),
			MaxReplans:  cfg.Run.MaxReplans,
		})

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	report, runErr := sup.Run(ctx)
	if report != nil {
		if err := writeReport(sb, report, logger); err != nil {
			logger.Warn("writing run report", zap.Error(err))
		}
		out, err := report.JSON()
		if err == nil {
			fmt.Println(string(out))
		}
	}
	if runErr != nil {
		return runErr
	}
	if report.Status == supervisor.StatusBlocked {
		_ = logger.Sync()
		os.Exit(2)
	}
	return nil
}

func writeReport(sb *sandbox.Sandbox, report *supervisor.Report, logger *zap.Logger) error {
	data, err := report.JSON()
	if err != nil {
		return err
	}
	path := filepath.Join(sb.Root(), ".crewd", "report.json")
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return err
	}
	if err := os.WriteFile(path, data, 0o644); err != nil {
		return err
	}
	logger.Info("run report written", zap.String("path", path))
	return nil
}
