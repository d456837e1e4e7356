package main

import (
	"fmt"
	"io"
	"log/slog"
	"time"

	"github.com/spf13/cobra"

	"github.com/kolkov/listverifier/internal/config"
)

// options are the persistent command line flags. Set flags override the
// config file.
type options struct {
	configPath  string
	logLevel    string
	binary      string
	pid         int
	bpfObject   string
	csv         string
	historyDir  string
	metricsAddr string
	throttle    time.Duration
}

// app is state shared by the subcommands.
type app struct {
	opts   options
	cfg    *config.Config
	logger *slog.Logger
}

func newRootCmd() *cobra.Command {
	a := &app{}

	root := &cobra.Command{
		Use:   "listverifier",
		Short: "Runtime verifier for linked-list mutations",
		Long: `listverifier attaches uprobes to a running program and checks that every
list insert and delete preserves the list's structural invariants.`,
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, _ []string) error {
			return a.setup(cmd)
		},
	}

	f := root.PersistentFlags()
	f.StringVar(&a.opts.configPath, "config", "", "config file (YAML)")
	f.StringVar(&a.opts.logLevel, "log-level", "", "log level: debug, info, warn, error")
	f.StringVar(&a.opts.binary, "binary", "", "target executable")
	f.IntVar(&a.opts.pid, "pid", 0, "target process id")
	f.StringVar(&a.opts.bpfObject, "bpf-object", "", "compiled BPF object")
	f.StringVar(&a.opts.csv, "csv", "", "append the run summary to this CSV file")
	f.StringVar(&a.opts.historyDir, "history", "", "run history database directory")
	f.StringVar(&a.opts.metricsAddr, "metrics-addr", "", "serve Prometheus metrics on this address")
	f.DurationVar(&a.opts.throttle, "throttle", 0, "minimum interval between length traversals")

	root.AddCommand(
		a.attachCmd(),
		a.runCmd(),
		a.historyCmd(),
		a.configCmd(),
		versionCmd(),
	)
	return root
}

// setup loads the config, applies flags and builds the logger.
func (a *app) setup(cmd *cobra.Command) error {
	cfg := config.Default()
	if a.opts.configPath != "" {
		loaded, err := config.Load(a.opts.configPath)
		if err != nil {
			return err
		}
		cfg = loaded
	}
	a.applyFlags(cmd, cfg)
	if err := cfg.Validate(); err != nil {
		return err
	}

	level, err := cfg.LogLevel()
	if err != nil {
		return err
	}
	a.cfg = cfg
	a.logger = newLogger(cmd.ErrOrStderr(), level)
	slog.SetDefault(a.logger)
	return nil
}

func (a *app) applyFlags(cmd *cobra.Command, cfg *config.Config) {
	changed := cmd.Flags().Changed
	if changed("log-level") {
		cfg.Log.Level = a.opts.logLevel
	}
	if changed("binary") {
		cfg.Target.Binary = a.opts.binary
	}
	if changed("pid") {
		cfg.Target.PID = a.opts.pid
	}
	if changed("bpf-object") {
		cfg.Probe.Object = a.opts.bpfObject
	}
	if changed("csv") {
		cfg.Report.CSV = a.opts.csv
	}
	if changed("history") {
		cfg.Report.HistoryDir = a.opts.historyDir
	}
	if changed("metrics-addr") {
		cfg.Report.MetricsAddr = a.opts.metricsAddr
	}
	if changed("throttle") {
		cfg.Verify.Throttle = a.opts.throttle
	}
}

func newLogger(w io.Writer, level slog.Level) *slog.Logger {
	return slog.New(slog.NewTextHandler(w, &slog.HandlerOptions{Level: level}))
}

func (a *app) configCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "config",
		Short: "Print the effective configuration",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			data, err := a.cfg.Marshal()
			if err != nil {
				return err
			}
			_, err = cmd.OutOrStdout().Write(data)
			return err
		},
	}
}

func versionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Show version information",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			_, err := fmt.Fprintf(cmd.OutOrStdout(), "listverifier version %s\n", version)
			return err
		},
	}
}
