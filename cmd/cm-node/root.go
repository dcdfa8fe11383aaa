package main

import (
	"log/slog"
	"os"

	"github.com/spf13/cobra"
)

// rootOptions holds the flags shared by every subcommand.
type rootOptions struct {
	Config   string
	LogLevel string
}

func NewRootCommand() *cobra.Command {
	opts := &rootOptions{}

	cmd := &cobra.Command{
		Use:   "cm-node",
		Short: "Copy machine node",
		Long: `cm-node runs one replica of a copy machine cluster.

A node gossips membership with its seeds, copies the files of a directory tree
it owns through a filecopy machine and keeps the operation's sliding window in
a local store so a restarted node resumes where it stopped.`,
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	cmd.PersistentFlags().StringVarP(&opts.Config, "config", "c", "", "path to the YAML node config")
	cmd.PersistentFlags().StringVar(&opts.LogLevel, "log-level", "", "log level (debug|info|warn|error), overrides the config")

	cmd.AddCommand(newRunCommand(opts))
	cmd.AddCommand(newSWCommand(opts))
	return cmd
}

// load reads the config file and applies the shared flag overrides.
func (o *rootOptions) load(cmd *cobra.Command) (nodeConfig, error) {
	cfg, err := loadConfig(o.Config)
	if err != nil {
		return cfg, wrapExit(exitCommandError, "load config", err)
	}
	if cmd.Flags().Changed("log-level") {
		cfg.LogLevel = o.LogLevel
	}
	return cfg, nil
}

func newLogger(level string) (*slog.Logger, error) {
	lvl, err := parseLevel(level)
	if err != nil {
		return nil, wrapExit(exitCommandError, "configure logging", err)
	}
	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: lvl})), nil
}
