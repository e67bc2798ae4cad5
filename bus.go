// Package i2cpoll schedules timed, multi-phase I2C transactions against sensors sharing
// one bus. The root package only holds the transport contract; device profiles live in
// profile, the per-device state machine in poller and the bus switch scheduler in mux.
package i2cpoll

import (
	"context"
	"fmt"
)

var ErrBusBusy = fmt.Errorf("I2C engine is busy (command not completed)")

type AddressableReader interface {
	// ReadFromAddr fills buffer with len(buffer) bytes read from the device at address.
	ReadFromAddr(ctx context.Context, address byte, buffer []byte) error
}

type AddressableWriter interface {
	WriteToAddr(ctx context.Context, address byte, buffer []byte) error
	Release(ctx context.Context) error
}

// I2CBus is the transport every device and switch talks through. Calls block until the
// bus transaction completes or ctx is done; a non-nil error aborts the transaction.
type I2CBus interface {
	AddressableReader
	AddressableWriter
}

// BusConfigurer is implemented by transports needing one-time initialization before
// the first transaction (clock speed, adapter reset).
type BusConfigurer interface {
	ConfigureBus(ctx context.Context) error
}

// ConfigureBus runs bus initialization when the transport supports it.
func ConfigureBus(ctx context.Context, bus I2CBus) error {
	c, ok := bus.(BusConfigurer)
	if !ok {
		return nil
	}
	if err := c.ConfigureBus(ctx); err != nil {
		return fmt.Errorf("could not configure bus: %w", err)
	}
	return nil
}
