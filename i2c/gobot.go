package i2c

import (
	"context"
	"fmt"
	"log/slog"
	"sync"

	gobot "gobot.io/x/gobot/v2/drivers/i2c"

	"github.com/mklimuk/i2cpoll"
)

var _ i2cpoll.I2CBus = &ConnectorBus{}

// device is the part of a gobot generic driver the bus uses.
type device interface {
	Start() error
	Halt() error
	Read(data []byte) error
	Write(data []byte) error
}

type deviceFactory func(address byte) device

// ConnectorBus drives a gobot I2C connector (board adaptor) bus. gobot binds a
// connection to a single address, so one generic driver is started per address on
// first use.
type ConnectorBus struct {
	mx      sync.Mutex
	bus     int
	devices map[byte]device
	factory deviceFactory
	logger  *slog.Logger
}

// NewConnectorBus uses bus number bus of connector; a negative bus selects the
// connector default.
func NewConnectorBus(connector gobot.Connector, bus int, opts ...Option) *ConnectorBus {
	if bus < 0 {
		bus = connector.DefaultI2cBus()
	}
	b := newConnectorBus(bus, func(address byte) device {
		return gobot.NewGenericDriver(connector, fmt.Sprintf("i2c-%#x", address), int(address), func(c gobot.Config) {
			c.SetBus(bus)
		})
	}, opts...)
	return b
}

func newConnectorBus(bus int, factory deviceFactory, opts ...Option) *ConnectorBus {
	o := newOptions(opts)
	return &ConnectorBus{
		bus:     bus,
		devices: map[byte]device{},
		factory: factory,
		logger:  o.logger.With("bus", bus),
	}
}

func (b *ConnectorBus) device(address byte) (device, error) {
	b.mx.Lock()
	defer b.mx.Unlock()
	if d, ok := b.devices[address]; ok {
		return d, nil
	}
	d := b.factory(address)
	if err := d.Start(); err != nil {
		return nil, fmt.Errorf("could not start driver for %#x on bus %d: %w", address, b.bus, err)
	}
	b.logger.Debug("driver started", "address", fmt.Sprintf("%#x", address))
	b.devices[address] = d
	return d, nil
}

func (b *ConnectorBus) ReadFromAddr(ctx context.Context, address byte, buffer []byte) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	d, err := b.device(address)
	if err != nil {
		return err
	}
	if err := d.Read(buffer); err != nil {
		return fmt.Errorf("could not read from i2c bus %#x: %w", address, err)
	}
	return nil
}

func (b *ConnectorBus) WriteToAddr(ctx context.Context, address byte, buffer []byte) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	d, err := b.device(address)
	if err != nil {
		return err
	}
	if err := d.Write(buffer); err != nil {
		return fmt.Errorf("could not write to i2c bus %#x: %w", address, err)
	}
	return nil
}

func (b *ConnectorBus) Release(ctx context.Context) error {
	return nil
}

// Close halts every started driver.
func (b *ConnectorBus) Close() error {
	b.mx.Lock()
	defer b.mx.Unlock()
	var first error
	for address, d := range b.devices {
		if err := d.Halt(); err != nil && first == nil {
			first = fmt.Errorf("could not halt driver %#x: %w", address, err)
		}
		delete(b.devices, address)
	}
	return first
}
