package commands

import (
	"context"
	"fmt"
	"strings"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/dyluth/warren/internal/config"
	"github.com/dyluth/warren/internal/events"
	"github.com/dyluth/warren/internal/orchestrator"
	"github.com/dyluth/warren/internal/printer"
	"github.com/dyluth/warren/internal/store"
	"github.com/dyluth/warren/internal/worker"
)

var versionString = "dev"

// app carries the layered configuration shared by all subcommands.
type app struct {
	v   *viper.Viper
	cfg *config.WarrenConfig
}

// NewRootCmd builds the warren command tree.
func NewRootCmd() *cobra.Command {
	a := newApp()

	rootCmd := &cobra.Command{
		Use:   "warren",
		Short: "Warren - blackboard coordination engine for specialist workers",
		Long: `Warren coordinates a roster of specialist workers (analyst, architect,
developer, reviewer) over a shared blackboard. Sessions are checkpointed
after every step, can pause to ask a human, and resume where they left off.

Configuration is read from warren.yml; flags and WARREN_* environment
variables override file values.`,
		Version: versionString,
		RunE: func(cmd *cobra.Command, args []string) error {
			return cmd.Help()
		},
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			return a.load()
		},
		SilenceErrors: true,
		SilenceUsage:  true,
	}

	flags := rootCmd.PersistentFlags()
	flags.String("config", "warren.yml", "Path to warren.yml")
	flags.String("store", "", "Store backend: memory, redis or sqlite")
	flags.String("redis-url", "", "Redis URL for the redis backend")
	flags.String("sqlite-path", "", "Database file for the sqlite backend")
	flags.String("namespace", "", "Checkpoint key namespace")
	flags.String("user", "local", "User id owning the session")

	for _, name := range []string{"config", "store", "redis-url", "sqlite-path", "namespace", "user"} {
		_ = a.v.BindPFlag(name, flags.Lookup(name))
	}

	rootCmd.AddCommand(
		newInitCmd(),
		newRunCmd(a),
		newChatCmd(a),
		newResumeCmd(a),
		newInspectCmd(a),
		newClearCmd(a),
		newDeliverablesCmd(a),
		newWatchCmd(a),
		newServeCmd(a),
	)
	return rootCmd
}

// newApp binds WARREN_* environment variables, e.g. WARREN_REDIS_URL.
func newApp() *app {
	v := viper.New()
	v.SetEnvPrefix("WARREN")
	v.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))
	v.AutomaticEnv()
	return &app{v: v}
}

// Execute runs the command tree against os.Args.
func Execute() error {
	return NewRootCmd().Execute()
}

// SetVersionInfo sets the version information for the CLI
func SetVersionInfo(v, c, d string) {
	versionString = fmt.Sprintf("%s (commit: %s, built: %s)", v, c, d)
}

// load reads warren.yml and applies flag and environment overrides.
func (a *app) load() error {
	path := a.v.GetString("config")
	cfg, err := config.LoadOrDefault(path)
	if err != nil {
		return printer.Error(
			"invalid configuration",
			fmt.Sprintf("Could not load %s: %v", path, err),
			[]string{"Fix the file or point --config at another one"},
		)
	}

	if s := a.v.GetString("namespace"); s != "" {
		cfg.Namespace = s
	}
	if s := a.v.GetString("store"); s != "" {
		cfg.Store.Backend = s
	}
	if s := a.v.GetString("redis-url"); s != "" {
		cfg.Store.RedisURL = s
		if a.v.GetString("store") == "" && cfg.Store.Backend == config.BackendMemory {
			cfg.Store.Backend = config.BackendRedis
		}
	}
	if s := a.v.GetString("sqlite-path"); s != "" {
		cfg.Store.SQLitePath = s
	}
	if err := cfg.Store.Validate(); err != nil {
		return printer.Error("invalid store settings", err.Error(), nil)
	}

	a.cfg = cfg
	return nil
}

func (a *app) user() string {
	return a.v.GetString("user")
}

// openEngine opens the configured store and builds an engine over the
// configured roster. Callers must close the returned store.
func (a *app) openEngine(ctx context.Context) (*orchestrator.Engine, store.Store, error) {
	st, err := store.Open(ctx, a.cfg.Store, a.cfg.Namespace)
	if err != nil {
		return nil, nil, printer.ErrorWithContext(
			"store unavailable",
			err.Error(),
			map[string]string{"Backend": a.cfg.Store.Backend},
			[]string{"Check --store and --redis-url", "Use --store memory for a throwaway session"},
		)
	}

	roster, err := worker.FromConfig(a.cfg)
	if err != nil {
		st.Close()
		return nil, nil, fmt.Errorf("failed to build roster: %w", err)
	}

	eng, err := orchestrator.NewEngine(st, a.cfg, roster)
	if err != nil {
		st.Close()
		return nil, nil, fmt.Errorf("failed to create engine: %w", err)
	}

	// Redis deployments fan events out so other processes can watch.
	if rs, ok := st.(*store.Redis); ok {
		eng.SetPublisher(events.NewRedisPublisher(rs.Client(), a.cfg.Namespace))
	}
	return eng, st, nil
}
