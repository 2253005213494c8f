package main

import (
	"fmt"
	"io"
	"os"
	"time"

	"github.com/rs/zerolog"
	"github.com/spf13/cobra"
)

func newRootCmd() *cobra.Command {
	root := &cobra.Command{
		Use:           "lazyd",
		Short:         "Lazy module loading with memory-aware unloading",
		SilenceUsage:  true,
		SilenceErrors: true,
		Version:       version,
	}
	root.PersistentFlags().String("log-format", "json", "Log output format: json or console")
	root.PersistentFlags().String("log-level", "info", "Log level: debug, info, warn, error")

	root.AddCommand(newServeCmd())
	root.AddCommand(newVersionCmd())
	return root
}

func newVersionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print the application version",
		Run: func(cmd *cobra.Command, _ []string) {
			fmt.Fprintf(cmd.OutOrStdout(), "lazyd version %s\n", version)
		},
	}
}

// newLogger builds the root logger from the persistent flags.
func newLogger(cmd *cobra.Command, w io.Writer) (zerolog.Logger, error) {
	format := cmd.Flag("log-format").Value.String()
	levelName := cmd.Flag("log-level").Value.String()
	level, err := zerolog.ParseLevel(levelName)
	if err != nil {
		return zerolog.Nop(), fmt.Errorf("invalid --log-level %q: %w", levelName, err)
	}
	switch format {
	case "json":
	case "console":
		w = zerolog.ConsoleWriter{Out: w, TimeFormat: time.RFC3339}
	default:
		return zerolog.Nop(), fmt.Errorf("invalid --log-format %q (want console or json)", format)
	}
	return zerolog.New(w).Level(level).With().Timestamp().Str("service", "lazyd").Logger(), nil
}

func stderrLogger(cmd *cobra.Command) (zerolog.Logger, error) {
	return newLogger(cmd, os.Stderr)
}
