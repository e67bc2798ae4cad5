package main

import (
	"log/slog"
	"os"
	"time"

	"github.com/charmbracelet/log"
	"github.com/muesli/termenv"
	"github.com/spf13/cobra"

	"github.com/mklimuk/i2cpoll/cmd/dev/cmd"
)

func newLogger(debug bool) *slog.Logger {
	charm := log.NewWithOptions(os.Stdout, log.Options{
		ReportTimestamp: true,
		TimeFormat:      time.TimeOnly,
		Prefix:          "dev",
	})
	charm.SetColorProfile(termenv.TrueColor)
	charm.SetLevel(log.InfoLevel)
	if debug {
		charm.SetReportCaller(true)
		charm.SetLevel(log.DebugLevel)
	}
	return slog.New(charm)
}

func main() {
	var debug bool
	root := &cobra.Command{
		Use:           "dev",
		Short:         "build and test tool for the i2cpoll project",
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRun: func(*cobra.Command, []string) {
			slog.SetDefault(newLogger(debug))
		},
	}
	root.PersistentFlags().BoolVar(&debug, "debug", false, "enable debug logging")
	root.AddCommand(cmd.BuildCmd(), cmd.TestCmd(), cmd.LintCmd(), cmd.ChangelogCmd())

	if err := root.Execute(); err != nil {
		slog.Error("dev failed", "error", err)
		os.Exit(1)
	}
}
