// Package cmd wires the mend CLI: the orchestrator daemon as the root
// command, plus ingest/status/logs subcommands over the same store.
package cmd

import (
	"errors"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"

	"github.com/spf13/cobra"
	viperlib "github.com/spf13/viper"

	"github.com/zjrosen/mend/internal/config"
	"github.com/zjrosen/mend/internal/log"
	"github.com/zjrosen/mend/internal/orchestrator"
	"github.com/zjrosen/mend/internal/store"
)

var (
	version   = "dev"
	cfgFile   string
	cfg       config.Config
	debugFlag bool

	viper = viperlib.New()
)

var rootCmd = &cobra.Command{
	Use:   "mend",
	Short: "Autonomous panic-remediation orchestrator",
	Long: `mend consumes reported database-engine panics and, for each one, drives a
sandboxed reproduce-fix-ship workflow with external reasoning agents,
ending in a draft pull request or a record for human review.`,
	Version: version,
	RunE:    runDaemon,
}

func init() {
	cobra.OnInitialize(initConfig)

	rootCmd.PersistentFlags().StringVarP(&cfgFile, "config", "c", "",
		"config file (default: .mend/config.yaml, then ~/.config/mend/config.yaml)")
	rootCmd.PersistentFlags().BoolVarP(&debugFlag, "debug", "d", false,
		"enable debug logging (also: MEND_DEBUG=1)")
	rootCmd.Flags().String("turso-url", "", "durable store location")
	rootCmd.Flags().Int("worker-pool-size", 0, "concurrent panic workers")
	rootCmd.Flags().Bool("skip-preflight", false, "skip the per-panic build/test gate")
	rootCmd.Flags().String("ingest-dir", "", "spool directory watched for panic reports")

	_ = viper.BindPFlag("turso_url", rootCmd.Flags().Lookup("turso-url"))
	_ = viper.BindPFlag("worker_pool_size", rootCmd.Flags().Lookup("worker-pool-size"))
	_ = viper.BindPFlag("skip_preflight", rootCmd.Flags().Lookup("skip-preflight"))
	_ = viper.BindPFlag("ingest_dir", rootCmd.Flags().Lookup("ingest-dir"))
}

func initConfig() {
	defaults := config.Defaults()
	viper.SetDefault("turso_url", defaults.TursoURL)
	viper.SetDefault("reproducer_timeout", defaults.ReproducerTimeout)
	viper.SetDefault("fixer_timeout", defaults.FixerTimeout)
	viper.SetDefault("worker_pool_size", defaults.WorkerPoolSize)
	viper.SetDefault("poll_interval", defaults.PollInterval)
	viper.SetDefault("pr_remote", defaults.PRRemote)
	viper.SetDefault("pr_base", defaults.PRBase)
	viper.SetDefault("skip_preflight", defaults.SkipPreflight)
	viper.SetDefault("max_phase_retries", defaults.MaxPhaseRetries)
	viper.SetDefault("ingest_dir", defaults.IngestDir)
	viper.SetDefault("ipc_port", defaults.IPCPort)
	viper.SetDefault("sandbox_bin", defaults.SandboxBin)
	viper.SetDefault("agent_bin", defaults.AgentBin)
	viper.SetDefault("tracing.enabled", defaults.Tracing.Enabled)
	viper.SetDefault("tracing.exporter", defaults.Tracing.Exporter)
	viper.SetDefault("tracing.file_path", defaults.Tracing.FilePath)
	viper.SetDefault("tracing.otlp_endpoint", defaults.Tracing.OTLPEndpoint)
	viper.SetDefault("tracing.sample_rate", defaults.Tracing.SampleRate)
	viper.SetDefault("tracing.service_name", defaults.Tracing.ServiceName)

	if cfgFile != "" {
		viper.SetConfigFile(cfgFile)
	} else {
		// Config lookup order:
		// 1. .mend/config.yaml (current directory)
		// 2. ~/.config/mend/config.yaml (user config)
		if _, err := os.Stat(".mend/config.yaml"); err == nil {
			viper.SetConfigFile(".mend/config.yaml")
		} else {
			home, _ := os.UserHomeDir()
			viper.AddConfigPath(filepath.Join(home, ".config", "mend"))
			viper.SetConfigName("config")
			viper.SetConfigType("yaml")
		}
	}

	if err := viper.ReadInConfig(); err != nil {
		var configNotFound viperlib.ConfigFileNotFoundError
		if !errors.As(err, &configNotFound) {
			cobra.CheckErr(fmt.Errorf("reading config: %w", err))
		}
		// No config file anywhere - run on defaults.
	}

	// UnmarshalExact rejects keys that don't map to the closed config
	// record.
	if err := viper.UnmarshalExact(&cfg); err != nil {
		cobra.CheckErr(fmt.Errorf("invalid configuration: %w", err))
	}
}

func initLogging() func() {
	debug := os.Getenv("MEND_DEBUG") != "" || debugFlag
	if !debug {
		cleanup := log.InitWithWriter(os.Stderr)
		log.SetMinLevel(log.LevelInfo)
		return cleanup
	}

	logPath := os.Getenv("MEND_LOG")
	if logPath == "" {
		logPath = "debug.log"
	}
	cleanup, err := log.Init(logPath)
	if err != nil {
		cobra.CheckErr(fmt.Errorf("initializing logging: %w", err))
	}
	log.Info(log.CatConfig, "mend starting", "version", version, "logPath", logPath)
	return cleanup
}

func runDaemon(cmd *cobra.Command, args []string) error {
	cleanup := initLogging()
	defer cleanup()

	if err := config.Validate(cfg); err != nil {
		return fmt.Errorf("invalid configuration: %w", err)
	}
	if viper.ConfigFileUsed() != "" {
		log.Info(log.CatConfig, "Config loaded", "path", viper.ConfigFileUsed())
	}

	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	return orchestrator.New(cfg).Run(ctx)
}

// openStore connects the durable store for a subcommand.
func openStore() (*store.Store, error) {
	st := store.New(cfg.TursoURL)
	if err := st.Connect(); err != nil {
		return nil, err
	}
	if err := st.InitSchema(); err != nil {
		_ = st.Close()
		return nil, err
	}
	return st, nil
}

// Execute runs the root command.
func Execute() error {
	return rootCmd.Execute()
}

// SetVersion sets the version string (called from main with ldflags).
func SetVersion(v string) {
	version = v
	rootCmd.Version = v
}
