package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"sort"
	"syscall"
	"time"

	"github.com/urfave/cli/v2"

	"github.com/mklimuk/i2cpoll"
	"github.com/mklimuk/i2cpoll/cmd/sensors/console"
	"github.com/mklimuk/i2cpoll/config"
	"github.com/mklimuk/i2cpoll/poller"
	"github.com/mklimuk/i2cpoll/profile"
	"github.com/mklimuk/i2cpoll/publish"
)

var deviceFlags = []cli.Flag{
	&cli.StringFlag{
		Name:     "model",
		Aliases:  []string{"m"},
		Required: true,
		Usage:    "device model (see profiles)",
	},
	&cli.IntFlag{
		Name:  "address",
		Usage: "override the profile bus address",
	},
	&cli.StringSliceFlag{
		Name:    "channel",
		Aliases: []string{"c"},
		Usage:   "enabled channel (repeatable, default all)",
	},
}

var pollCmd = cli.Command{
	Name:  "poll",
	Usage: "poll a single device until interrupted",
	Flags: append(append(append([]cli.Flag{}, busFlags...), deviceFlags...),
		&cli.DurationFlag{
			Name:    "interval",
			Aliases: []string{"i"},
			Value:   poller.DefaultPollInterval,
		},
		&cli.StringFlag{
			Name:  "mqtt",
			Usage: "MQTT broker URL (tcp://host:1883)",
		},
		&cli.StringFlag{
			Name:  "topic",
			Value: config.DefaultTopic,
		},
	),
	Action: func(c *cli.Context) error {
		ctx, stop := signal.NotifyContext(c.Context, os.Interrupt, syscall.SIGTERM)
		defer stop()

		bus, closeBus, err := openBus(busConfigFromFlags(c))
		if err != nil {
			return console.Exit(1, "adapter initialization error: %s", console.Red(err))
		}
		defer closeBus()

		opts := []poller.Option{poller.WithLogger(slog.Default()), poller.WithListener(printEvent)}
		if broker := c.String("mqtt"); broker != "" {
			sink, err := publish.Dial(ctx, publish.Config{Broker: broker, ClientID: config.DefaultClientID, Topic: c.String("topic")})
			if err != nil {
				return console.Exit(1, "mqtt error: %s", console.Red(err))
			}
			defer sink.Close()
			opts = append(opts, poller.WithListener(sink.Listen))
		}
		dev, err := newDevice(c, bus, c.Duration("interval"), opts...)
		if err != nil {
			return console.Exit(1, "%s", console.Red(err))
		}
		defer dev.Stop()
		if err := dev.Start(ctx); err != nil {
			return console.Exit(1, "device setup error: %s", console.Red(err))
		}
		console.Infof("polling %s every %s", console.White(dev.Name()), dev.Interval())
		<-ctx.Done()
		s := dev.Stats()
		console.PInfof(console.PictoFinish, "%d transactions, %d dropped ticks, %d transport errors, %d decode errors",
			s.Transactions, s.Dropped, s.TransportErrors, s.DecodeErrors)
		return nil
	},
}

var readCmd = cli.Command{
	Name:  "read",
	Usage: "run one measurement and print it",
	Flags: append(append([]cli.Flag{}, busFlags...), deviceFlags...),
	Action: func(c *cli.Context) error {
		bus, closeBus, err := openBus(busConfigFromFlags(c))
		if err != nil {
			return console.Exit(1, "adapter initialization error: %s", console.Red(err))
		}
		defer closeBus()
		dev, err := newDevice(c, bus, 0, poller.WithLogger(slog.Default()))
		if err != nil {
			return console.Exit(1, "%s", console.Red(err))
		}
		defer dev.Stop()
		ctx, cancel := context.WithTimeout(c.Context, 10*time.Second)
		defer cancel()
		reading, err := dev.Transact(ctx)
		if err != nil {
			return console.Exit(1, "error reading %s: %s", dev.Name(), console.Red(err))
		}
		channels := make([]string, 0, len(reading.Values))
		for ch := range reading.Values {
			channels = append(channels, string(ch))
		}
		sort.Strings(channels)
		for _, ch := range channels {
			printValue(dev.Name(), profile.Channel(ch), reading.Values[profile.Channel(ch)])
		}
		return nil
	},
}

func newDevice(c *cli.Context, bus i2cpoll.I2CBus, interval time.Duration, opts ...poller.Option) (*poller.Device, error) {
	var channels []profile.Channel
	for _, ch := range c.StringSlice("channel") {
		channels = append(channels, profile.Channel(ch))
	}
	if c.IsSet("address") {
		opts = append(opts, poller.WithAddress(byte(c.Int("address"))))
	}
	return poller.New(bus, poller.Config{
		Model:        c.String("model"),
		PollInterval: interval,
		Channels:     channels,
	}, opts...)
}

func printEvent(ev poller.Event) {
	printValue(ev.Device, ev.Channel, ev.Value)
}

func printValue(device string, ch profile.Channel, value float64) {
	console.PInfof(console.Picto(string(ch)), "%s %s %s %s", console.White(device), ch, console.Bold(value), ch.Unit())
}

func describe(d *poller.Device) string {
	return fmt.Sprintf("%s (%s at %#x)", d.Name(), d.Profile().Model, d.Profile().Address)
}
