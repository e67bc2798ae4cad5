package main

import (
	"context"
	"log/slog"
	"os"

	"github.com/urfave/cli/v2"
	"gopkg.in/yaml.v3"

	"github.com/mklimuk/i2cpoll/adapter"
	"github.com/mklimuk/i2cpoll/cmd/sensors/console"
)

var mcp2221Cmd = cli.Command{
	Name:  "mcp2221",
	Usage: "MCP2221 adapter maintenance",
	Flags: []cli.Flag{
		&cli.IntFlag{
			Name:  "index",
			Value: -1,
			Usage: "adapter index when several are attached (see usb detect)",
		},
	},
	Subcommands: cli.Commands{
		&mcp2221StatusCmd,
		&mcp2221ReleaseCmd,
	},
}

func newMCP2221(c *cli.Context) *adapter.MCP2221 {
	opts := []adapter.Option{adapter.WithLogger(slog.Default())}
	if index := c.Int("index"); index >= 0 {
		opts = append(opts, adapter.WithDeviceIndex(index))
	}
	return adapter.NewMCP2221(opts...)
}

func printStatus(status *adapter.MCP2221Status) error {
	enc := yaml.NewEncoder(os.Stdout)
	defer enc.Close()
	if err := enc.Encode(status); err != nil {
		return console.Exit(1, "encoding error: %s", console.Red(err))
	}
	return nil
}

var mcp2221StatusCmd = cli.Command{
	Name:  "status",
	Usage: "print the I2C engine status",
	Action: func(c *cli.Context) error {
		status, err := newMCP2221(c).Status(context.Background())
		if err != nil {
			return console.Exit(1, "adapter communication error: %s", console.Red(err))
		}
		return printStatus(status)
	},
}

var mcp2221ReleaseCmd = cli.Command{
	Name:  "release",
	Usage: "cancel the current I2C transfer and free the bus",
	Flags: []cli.Flag{
		&cli.BoolFlag{
			Name:    "yes",
			Aliases: []string{"y"},
			Usage:   "do not ask for confirmation",
		},
	},
	Action: func(c *cli.Context) error {
		if !c.Bool("yes") {
			ok, err := console.Confirm("cancel the transfer in progress?", false)
			if err != nil {
				return console.Exit(1, "prompt error: %s", console.Red(err))
			}
			if !ok {
				return nil
			}
		}
		status, err := newMCP2221(c).ReleaseBus(context.Background())
		if err != nil {
			return console.Exit(1, "adapter communication error: %s", console.Red(err))
		}
		return printStatus(status)
	},
}
