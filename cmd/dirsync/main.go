package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/lmittmann/tint"
	"github.com/mattn/go-isatty"
	"github.com/openmined/dirsync/internal/config"
	"github.com/openmined/dirsync/internal/utils"
	"github.com/openmined/dirsync/internal/version"
	"github.com/spf13/cobra"
)

const timeFormat = "2006-01-02T15:04:05.000Z07:00"

// flag name -> config key
var persistentFlagKeys = map[string]string{
	"root":        "root",
	"interval":    "interval",
	"node-index":  "node_index",
	"remote-root": "remote_root",
	"data-root":   "data_root",
	"flow":        "run.flow",
	"run-id":      "run.run_id",
	"ignore":      "ignore",
	"journal":     "journal_path",
	"log-file":    "log_file",
}

func newRootCmd() *cobra.Command {
	var logOutput io.Closer

	rootCmd := &cobra.Command{
		Use:           "dirsync",
		Short:         "Keep a directory mirrored to object storage as a tar.gz archive",
		Version:       version.Detailed(),
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			if cmd.Name() == "version" {
				return nil
			}
			cfg, err := loadConfig(cmd)
			if err != nil {
				return err
			}
			verbose, _ := cmd.Flags().GetBool("verbose")
			logOutput, err = setupLogger(cmd.ErrOrStderr(), cfg.LogFile, verbose)
			if err != nil {
				return err
			}
			cmd.SetContext(withConfig(cmd.Context(), cfg))
			return nil
		},
		PersistentPostRun: func(cmd *cobra.Command, args []string) {
			if logOutput != nil {
				logOutput.Close()
			}
		},
	}

	flags := rootCmd.PersistentFlags()
	flags.SortFlags = false
	flags.StringP("config", "c", "", "config file (default "+config.DefaultConfigPath+")")
	flags.StringP("root", "r", "", "directory to sync")
	flags.Duration("interval", 0, "poll interval")
	flags.Int("node-index", config.NodeIndexUnset, "node index, appended to the archive name")
	flags.String("remote-root", "", "explicit remote location, e.g. s3://bucket/prefix or file:///dir")
	flags.String("data-root", "", "remote data root the root's relative path is appended to")
	flags.String("flow", "", "workflow name of the run context")
	flags.String("run-id", "", "run id of the run context")
	flags.StringSlice("ignore", nil, "gitignore style patterns to exclude")
	flags.String("journal", "", "push journal database")
	flags.String("log-file", "", "log file")
	flags.BoolP("verbose", "v", false, "debug logging")

	rootCmd.AddCommand(
		newWatchCmd(),
		newPushCmd(),
		newRestoreCmd(),
		newHistoryCmd(),
		newConfigCmd(),
		newVersionCmd(),
	)
	return rootCmd
}

func main() {
	// logs go to stderr until the config names a log file
	slog.SetDefault(slog.New(newConsoleHandler(os.Stderr, slog.LevelInfo)))

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := newRootCmd().ExecuteContext(ctx); err != nil {
		fmt.Fprintln(os.Stderr, "error:", err)
		stop()
		os.Exit(1)
	}
}

func newConsoleHandler(w io.Writer, level slog.Level) slog.Handler {
	noColor := true
	if f, ok := w.(*os.File); ok {
		noColor = !isatty.IsTerminal(f.Fd())
	}
	return tint.NewHandler(w, &tint.Options{
		Level:      level,
		TimeFormat: timeFormat,
		NoColor:    noColor,
	})
}

// setupLogger logs to w and, when logFile is set, also to logFile.
// The returned closer, if any, flushes and closes the log file.
func setupLogger(w io.Writer, logFile string, verbose bool) (io.Closer, error) {
	level := slog.LevelInfo
	if verbose {
		level = slog.LevelDebug
	}
	console := newConsoleHandler(w, level)

	if logFile == "" {
		slog.SetDefault(slog.New(console))
		return nil, nil
	}

	if err := utils.EnsureParent(logFile); err != nil {
		return nil, fmt.Errorf("create log directory: %w", err)
	}
	file, err := os.OpenFile(logFile, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return nil, fmt.Errorf("open log file: %w", err)
	}

	interceptor := utils.NewLogInterceptor(file)
	fileHandler := slog.NewTextHandler(interceptor, &slog.HandlerOptions{
		Level: slog.LevelDebug,
		// the interceptor stamps each line
		ReplaceAttr: func(groups []string, a slog.Attr) slog.Attr {
			if a.Key == slog.TimeKey && len(groups) == 0 {
				return slog.Attr{}
			}
			return a
		},
	})

	slog.SetDefault(slog.New(utils.NewMultiLogHandler(console, fileHandler)))
	return closerFunc(func() error {
		return errors.Join(interceptor.Close(), file.Close())
	}), nil
}

type closerFunc func() error

func (f closerFunc) Close() error { return f() }
