package main

import (
	"errors"
	"fmt"
	"log/slog"
	"os"
	"time"

	chlog "github.com/charmbracelet/log"
	"github.com/muesli/termenv"
	"github.com/urfave/cli/v2"
)

var version string
var commit string
var date string

// setupLogging routes slog to stderr so readings on stdout stay pipeable.
func setupLogging(verbose bool) {
	charm := chlog.NewWithOptions(os.Stderr, chlog.Options{
		ReportTimestamp: true,
		TimeFormat:      time.DateTime,
		Level:           chlog.InfoLevel,
	})
	charm.SetColorProfile(termenv.TrueColor)
	if verbose {
		charm.SetReportCaller(true)
		charm.SetLevel(chlog.DebugLevel)
	}
	slog.SetDefault(slog.New(charm))
}

func newApp() *cli.App {
	return &cli.App{
		Name:                 "sensors",
		Version:              fmt.Sprintf("%s-%s-%s", version, date, commit),
		Usage:                "poll I2C sensors through USB adapters, Linux buses and bus switches",
		EnableBashCompletion: true,
		Flags: []cli.Flag{
			&cli.BoolFlag{
				Name:  "verbose",
				Usage: "enable debug logging",
			},
		},
		Before: func(c *cli.Context) error {
			setupLogging(c.Bool("verbose"))
			return nil
		},
		// errors are reported once, by main
		ExitErrHandler: func(*cli.Context, error) {},
		Commands: cli.Commands{
			&pollCmd,
			&readCmd,
			&runCmd,
			&profilesCmd,
			&usbCmd,
			&mcp2221Cmd,
		},
	}
}

func main() {
	err := newApp().Run(os.Args)
	if err == nil {
		return
	}
	fmt.Fprintln(os.Stderr, err)
	var exit cli.ExitCoder
	if errors.As(err, &exit) {
		os.Exit(exit.ExitCode())
	}
	os.Exit(1)
}
