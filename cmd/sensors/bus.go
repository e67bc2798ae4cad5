package main

import (
	"fmt"
	"log/slog"
	"strconv"

	"github.com/urfave/cli/v2"
	"gobot.io/x/gobot/v2/platforms/friendlyelec/nanopi"
	"periph.io/x/conn/v3/physic"

	"github.com/mklimuk/i2cpoll"
	"github.com/mklimuk/i2cpoll/adapter"
	"github.com/mklimuk/i2cpoll/config"
	"github.com/mklimuk/i2cpoll/i2c"
)

var busFlags = []cli.Flag{
	&cli.StringFlag{
		Name:    "adapter",
		Aliases: []string{"a"},
		Value:   config.AdapterMCP2221,
		Usage:   "bus adapter: mcp2221, periph or nanopi",
	},
	&cli.StringFlag{
		Name:    "device",
		Aliases: []string{"d"},
		Usage:   "bus device: periph device name, MCP2221 index or gobot bus number",
	},
	&cli.IntFlag{
		Name:  "speed",
		Usage: "bus clock in Hz (0 keeps the adapter default)",
	},
}

func busConfigFromFlags(c *cli.Context) config.BusConfig {
	return config.BusConfig{
		Adapter: c.String("adapter"),
		Device:  c.String("device"),
		SpeedHz: c.Int("speed"),
	}
}

// openBus opens the configured adapter. The returned close function releases it.
func openBus(cfg config.BusConfig) (i2cpoll.I2CBus, func() error, error) {
	logger := slog.Default()
	switch cfg.Adapter {
	case "", config.AdapterMCP2221:
		opts := []adapter.Option{adapter.WithLogger(logger), adapter.WithSpeed(cfg.SpeedHz)}
		if cfg.Device != "" {
			index, err := strconv.Atoi(cfg.Device)
			if err != nil {
				return nil, nil, fmt.Errorf("invalid MCP2221 index %q: %w", cfg.Device, err)
			}
			opts = append(opts, adapter.WithDeviceIndex(index))
		}
		return adapter.NewMCP2221(opts...), func() error { return nil }, nil
	case config.AdapterPeriph:
		bus, err := i2c.NewGenericBus(cfg.Device, i2c.WithLogger(logger), i2c.WithSpeed(physic.Frequency(cfg.SpeedHz)*physic.Hertz))
		if err != nil {
			return nil, nil, err
		}
		return bus, bus.Close, nil
	case config.AdapterNanoPi:
		busNr := -1
		if cfg.Device != "" {
			n, err := strconv.Atoi(cfg.Device)
			if err != nil {
				return nil, nil, fmt.Errorf("invalid bus number %q: %w", cfg.Device, err)
			}
			busNr = n
		}
		npi := nanopi.NewNeoAdaptor()
		if err := npi.I2cBusAdaptor.Connect(); err != nil {
			return nil, nil, fmt.Errorf("adaptor connect error: %w", err)
		}
		bus := i2c.NewConnectorBus(npi, busNr, i2c.WithLogger(logger))
		return bus, func() error {
			err := bus.Close()
			if ferr := npi.I2cBusAdaptor.Finalize(); ferr != nil && err == nil {
				err = ferr
			}
			return err
		}, nil
	default:
		return nil, nil, fmt.Errorf("unknown adapter %q", cfg.Adapter)
	}
}
