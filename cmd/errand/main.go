// errand is an autonomous errand runner: it takes delegated tasks from
// email, SMS, voice, or the web, and carries them out with browser
// automation, direct APIs, and installed skills.
package main

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/spf13/cobra"

	"errand/internal/budget"
	"errand/internal/cascade"
	"errand/internal/config"
	"errand/internal/dispatch"
	"errand/internal/engine"
	"errand/internal/intent"
	"errand/internal/llm"
	"errand/internal/logging"
	"errand/internal/memory"
	"errand/internal/plan"
	"errand/internal/ranking"
	"errand/internal/store"
	"errand/internal/verify"
	"errand/internal/worker"
)

var version = "0.3.0"

var (
	configPath    string
	workspacePath string
	concurrency   int
)

var rootCmd = &cobra.Command{
	Use:   "errand",
	Short: "errand - autonomous delegated-task runner",
	Long: `errand takes tasks delegated over email, SMS, voice, or the web and
carries them out: research, purchases, reservations, messages, scheduling.

Every task is classified, confirmed when ambiguous or risky, locked to a
fixed capability set, planned, executed step by step, and verified before
the result goes back on the channel it came from.`,
	SilenceUsage: true,
}

var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "Print the errand version",
	Run: func(cmd *cobra.Command, args []string) {
		fmt.Printf("errand %s\n", version)
	},
}

// app is the wired process: every pipeline collaborator, sharing one store
// and one model chain.
type app struct {
	cfg      *config.Config
	store    *store.Store
	browsers *engine.BrowserManager
	worker   *worker.Worker
	pool     *worker.Pool
}

func newApp() (*app, error) {
	cfg, err := config.Load(configPath)
	if err != nil {
		return nil, err
	}
	if workspacePath != "" {
		cfg.Workspace = workspacePath
	}
	if cfg.Workspace == "" || cfg.Workspace == "." {
		if wd, err := os.Getwd(); err == nil {
			cfg.Workspace = wd
		}
	}

	if err := logging.Initialize(cfg.Workspace, logging.Options{
		DebugMode:  cfg.Logging.DebugMode,
		Categories: cfg.Logging.Categories,
		Level:      cfg.Logging.Level,
		JSONFormat: cfg.Logging.JSONFormat,
	}); err != nil {
		return nil, fmt.Errorf("logging: %w", err)
	}

	dbPath := cfg.Store.DatabasePath
	if !filepath.IsAbs(dbPath) {
		dbPath = filepath.Join(cfg.Workspace, dbPath)
	}
	st, err := store.Open(dbPath)
	if err != nil {
		return nil, fmt.Errorf("store: %w", err)
	}

	chain, err := llm.Chain(cfg.LLM)
	if err != nil {
		st.Close()
		return nil, fmt.Errorf("llm: %w", err)
	}
	cheap := chain[0]

	methods := ranking.NewMethodRanker(st, cfg.Ranking)
	models := ranking.NewModelRanker(st, cfg.Ranking)
	failures := memory.NewFailureMemory(st)
	learnings := memory.NewLearnings(st)

	skills := engine.NewLocalSkills(filepath.Join(cfg.Workspace, ".errand", "skills"), 0)
	browsers := engine.NewBrowserManager(cfg.Browser)
	dispatcher := dispatch.FromConfig(cfg.Dispatch, cfg.Users, cfg.Workspace)

	executor := engine.NewExecutor(cfg.Execution, st, methods, failures, cheap, dispatcher, skills, cfg.Workspace)

	w := worker.New(cfg, worker.Deps{
		Store:      st,
		Chain:      chain,
		Classifier: intent.NewClassifier(cheap),
		Planner:    plan.NewPlanner(cheap, skills, cfg),
		Executor:   executor,
		NewVerifier: func(chain []llm.Client) worker.Verifier {
			return verify.NewVerifier(chain, executor, learnings, cfg.Execution, cfg.Verify)
		},
		Cascade:    cascade.NewCoordinator(cfg.Cascade, executor, browsers, dispatcher, cheap),
		Sessions:   browsers,
		Budget:     budget.NewChecker(st, cfg.Budget),
		Dispatcher: dispatcher,
		Models:     models,
		Learnings:  learnings,
	})

	logging.Boot("errand %s ready in %s", version, cfg.Workspace)
	return &app{
		cfg:      cfg,
		store:    st,
		browsers: browsers,
		worker:   w,
		pool:     worker.NewPool(w, concurrency),
	}, nil
}

func (a *app) Close() {
	if err := a.browsers.Shutdown(); err != nil {
		logging.BrowserWarn("shutdown: %v", err)
	}
	if err := a.store.Close(); err != nil {
		logging.StoreError("close: %v", err)
	}
	logging.CloseAll()
}

func init() {
	rootCmd.PersistentFlags().StringVar(&configPath, "config", defaultConfigPath(), "config file path")
	rootCmd.PersistentFlags().StringVar(&workspacePath, "workspace", "", "workspace directory (default: current directory)")
	rootCmd.PersistentFlags().IntVar(&concurrency, "concurrency", 4, "number of concurrent task workers")

	rootCmd.AddCommand(versionCmd)
	rootCmd.AddCommand(serveCmd)
	rootCmd.AddCommand(runCmd)
	rootCmd.AddCommand(statusCmd)
	rootCmd.AddCommand(confirmCmd)
	rootCmd.AddCommand(cancelCmd)
	rootCmd.AddCommand(resumeCmd)
}

func defaultConfigPath() string {
	if wd, err := os.Getwd(); err == nil {
		return filepath.Join(wd, ".errand", "config.yaml")
	}
	return filepath.Join(".errand", "config.yaml")
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "errand: %v\n", err)
		os.Exit(1)
	}
}
