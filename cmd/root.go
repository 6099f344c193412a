package main

import (
	"fmt"
	"io"
	"log/slog"
	"os"

	"github.com/lmittmann/tint"
	"github.com/spf13/cobra"
)

var (
	logLevel  string
	logFormat string
)

var rootCmd = &cobra.Command{
	Use:   "optbridge",
	Short: "Run numerical optimization engines on generic problems",
	Long: `optbridge drives the FEASDIR and MAYFLY engines over catalog problems,
records every evaluation for hot starts, and coordinates cooperating ranks.`,
	SilenceUsage: true,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		handler, err := newLogHandler(os.Stdout, os.Stderr, logFormat, parseLevel(logLevel))
		if err != nil {
			return err
		}
		slog.SetDefault(slog.New(handler))
		return nil
	},
}

func init() {
	rootCmd.PersistentFlags().StringVar(&logLevel, "log-level", "info", "Log level (debug, info, warn, error)")
	rootCmd.PersistentFlags().StringVar(&logFormat, "log-format", "text", "Log format (text, json)")
}

func parseLevel(s string) slog.Level {
	switch s {
	case "debug":
		return slog.LevelDebug
	case "warn":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

// newLogHandler returns a JSON handler on stdout or a colored console
// handler on stderr.
func newLogHandler(stdout, stderr io.Writer, format string, level slog.Level) (slog.Handler, error) {
	switch format {
	case "json":
		return slog.NewJSONHandler(stdout, &slog.HandlerOptions{Level: level}), nil
	case "text", "":
		return tint.NewHandler(stderr, &tint.Options{
			Level:      level,
			TimeFormat: "15:04:05",
		}), nil
	default:
		return nil, fmt.Errorf("unknown log format %q (want text or json)", format)
	}
}
