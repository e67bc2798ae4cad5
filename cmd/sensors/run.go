package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/urfave/cli/v2"

	"github.com/mklimuk/i2cpoll"
	"github.com/mklimuk/i2cpoll/cmd/sensors/console"
	"github.com/mklimuk/i2cpoll/config"
	"github.com/mklimuk/i2cpoll/mux"
	"github.com/mklimuk/i2cpoll/poller"
	"github.com/mklimuk/i2cpoll/profile"
	"github.com/mklimuk/i2cpoll/publish"
)

var runCmd = cli.Command{
	Name:  "run",
	Usage: "run a polling deployment described in a YAML file",
	Flags: []cli.Flag{
		&cli.StringFlag{
			Name:     "config",
			Aliases:  []string{"f"},
			Required: true,
		},
		&cli.BoolFlag{
			Name:  "quiet",
			Usage: "do not print readings",
		},
	},
	Action: func(c *cli.Context) error {
		cfg, err := config.Load(c.String("config"))
		if err != nil {
			return console.Exit(1, "%s", console.Red(err))
		}
		ctx, stop := signal.NotifyContext(c.Context, os.Interrupt, syscall.SIGTERM)
		defer stop()

		bus, closeBus, err := openBus(cfg.Bus)
		if err != nil {
			return console.Exit(1, "adapter initialization error: %s", console.Red(err))
		}
		defer closeBus()

		var listeners []poller.Listener
		var sink *publish.MQTT
		if !c.Bool("quiet") {
			listeners = append(listeners, printEvent)
		}
		if m := cfg.MQTT; m != nil {
			sink, err = publish.Dial(ctx, publish.Config{
				Broker:   m.Broker,
				ClientID: m.ClientID,
				Username: m.Username,
				Password: m.Password,
				Topic:    m.Topic,
				QoS:      m.QoS,
				Retain:   m.Retain,
			}, publish.WithLogger(slog.Default()))
			if err != nil {
				return console.Exit(1, "mqtt error: %s", console.Red(err))
			}
			defer sink.Close()
			listeners = append(listeners, sink.Listen)
		}

		d := &deployment{bus: bus, listeners: listeners}
		defer d.stop()
		if err := d.start(ctx, cfg); err != nil {
			return console.Exit(1, "%s", console.Red(err))
		}
		<-ctx.Done()
		d.report()
		if sink != nil {
			if s := sink.Stats(); s.Dropped > 0 || s.Failed > 0 {
				console.Warnf("mqtt: %d readings dropped, %d failed", s.Dropped, s.Failed)
			}
		}
		return nil
	},
}

type deployment struct {
	bus       i2cpoll.I2CBus
	listeners []poller.Listener
	devices   []*poller.Device
	mux       *mux.Multiplexer
}

func (d *deployment) device(dc config.DeviceConfig) (*poller.Device, error) {
	opts := []poller.Option{
		poller.WithLogger(slog.Default()),
		poller.WithReadTimeout(dc.ReadTimeout()),
	}
	for _, l := range d.listeners {
		opts = append(opts, poller.WithListener(l))
	}
	if dc.Address != nil {
		opts = append(opts, poller.WithAddress(byte(*dc.Address)))
	}
	var channels []profile.Channel
	for _, ch := range dc.Channels {
		channels = append(channels, profile.Channel(ch))
	}
	dev, err := poller.New(d.bus, poller.Config{
		Model:        dc.Model,
		Name:         dc.Name,
		PollInterval: dc.Interval(),
		Channels:     channels,
	}, opts...)
	if err != nil {
		return nil, err
	}
	d.devices = append(d.devices, dev)
	return dev, nil
}

func (d *deployment) start(ctx context.Context, cfg *config.Config) error {
	// standalone devices sit upstream of the switch and are not affected by channel
	// selection
	if s := cfg.Switch; s != nil {
		opts := []mux.Option{mux.WithLogger(slog.Default())}
		if s.Address != nil {
			opts = append(opts, mux.WithAddress(byte(*s.Address)))
		}
		m, err := mux.New(d.bus, mux.Config{
			Model:          s.Model,
			Interval:       s.Interval(),
			ChannelTimeout: s.ChannelTimeout(),
		}, opts...)
		if err != nil {
			return err
		}
		d.mux = m
		for _, dc := range s.Children {
			dev, err := d.device(dc)
			if err != nil {
				return err
			}
			ch, err := m.Add(dev)
			if err != nil {
				return fmt.Errorf("could not add %s: %w", dev.Name(), err)
			}
			console.Infof("%s on channel %d", console.White(describe(dev)), ch)
		}
		if err := m.Start(ctx); err != nil {
			return err
		}
	}
	for _, dc := range cfg.Devices {
		dev, err := d.device(dc)
		if err != nil {
			return err
		}
		if err := dev.Start(ctx); err != nil {
			return fmt.Errorf("could not start %s: %w", dev.Name(), err)
		}
		console.Infof("%s every %s", console.White(describe(dev)), dev.Interval())
	}
	return nil
}

func (d *deployment) stop() {
	if d.mux != nil {
		d.mux.Stop()
	}
	for _, dev := range d.devices {
		dev.Stop()
	}
}

func (d *deployment) report() {
	for _, dev := range d.devices {
		s := dev.Stats()
		console.PInfof(console.PictoFinish, "%s: %d transactions, %d dropped ticks, %d transport errors, %d decode errors",
			dev.Name(), s.Transactions, s.Dropped, s.TransportErrors, s.DecodeErrors)
	}
	if d.mux != nil {
		s := d.mux.Stats()
		console.PInfof(console.PictoFinish, "switch: %d selections, %d skipped, %d failed, %d timeouts",
			s.Selections, s.Skipped, s.Failed, s.Timeouts)
	}
}
