// Package i2c adapts host I2C drivers to the i2cpoll transport: periph.io buses on
// Linux hosts and gobot connectors on single board computers.
package i2c

import (
	"context"
	"fmt"
	"io"
	"log/slog"

	"periph.io/x/conn/v3/i2c"
	"periph.io/x/conn/v3/i2c/i2creg"
	"periph.io/x/conn/v3/physic"
	"periph.io/x/host/v3"

	"github.com/mklimuk/i2cpoll"
)

var _ i2cpoll.I2CBus = &GenericBus{}
var _ i2cpoll.BusConfigurer = &GenericBus{}

type options struct {
	speed  physic.Frequency
	logger *slog.Logger
}

type Option func(*options)

// WithSpeed sets the clock applied when the bus is configured. Zero keeps the
// driver default.
func WithSpeed(speed physic.Frequency) Option {
	return func(o *options) {
		o.speed = speed
	}
}

func WithLogger(logger *slog.Logger) Option {
	return func(o *options) {
		o.logger = logger
	}
}

func newOptions(opts []Option) options {
	o := options{logger: slog.Default()}
	for _, opt := range opts {
		opt(&o)
	}
	return o
}

// GenericBus is a periph.io I2C bus.
type GenericBus struct {
	bus    i2c.Bus
	closer io.Closer
	speed  physic.Frequency
	logger *slog.Logger
}

// NewGenericBus initializes the host drivers and opens dev ("" for the first bus,
// "1" or "/dev/i2c-1" otherwise).
func NewGenericBus(dev string, opts ...Option) (*GenericBus, error) {
	o := newOptions(opts)
	state, err := host.Init()
	if err != nil {
		return nil, fmt.Errorf("could not init host: %w", err)
	}
	for _, driver := range state.Loaded {
		o.logger.Debug("host driver loaded", "driver", driver.String())
	}
	for _, failure := range state.Failed {
		o.logger.Debug("host driver failed", "driver", failure.D.String(), "error", failure.Err)
	}
	bus, err := i2creg.Open(dev)
	if err != nil {
		return nil, fmt.Errorf("could not open i2c bus %q: %w", dev, err)
	}
	b := NewBus(bus, opts...)
	b.closer = bus
	return b, nil
}

// NewBus wraps an already opened periph bus. The caller keeps ownership of it.
func NewBus(bus i2c.Bus, opts ...Option) *GenericBus {
	o := newOptions(opts)
	return &GenericBus{
		bus:    bus,
		speed:  o.speed,
		logger: o.logger.With("bus", bus.String()),
	}
}

func (b *GenericBus) ConfigureBus(ctx context.Context) error {
	if b.speed == 0 {
		return nil
	}
	if err := b.bus.SetSpeed(b.speed); err != nil {
		return fmt.Errorf("could not set bus speed to %s: %w", b.speed, err)
	}
	b.logger.Debug("bus speed set", "speed", b.speed.String())
	return nil
}

func (b *GenericBus) ReadFromAddr(ctx context.Context, address byte, buffer []byte) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	err := b.bus.Tx(uint16(address), nil, buffer)
	if err != nil {
		return fmt.Errorf("could not read from i2c bus %#x: %w", address, err)
	}
	return nil
}

func (b *GenericBus) WriteToAddr(ctx context.Context, address byte, buffer []byte) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	err := b.bus.Tx(uint16(address), buffer, nil)
	if err != nil {
		return fmt.Errorf("could not write to i2c bus %#x: %w", address, err)
	}
	return nil
}

func (b *GenericBus) Release(ctx context.Context) error {
	return nil
}

func (b *GenericBus) Close() error {
	if b.closer == nil {
		return nil
	}
	return b.closer.Close()
}
