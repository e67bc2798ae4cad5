package config

import (
	"errors"
	"fmt"

	"github.com/mklimuk/i2cpoll/profile"
)

var ErrInvalid = errors.New("invalid config")

// Validate checks configuration correctness. It never mutates cfg.
func Validate(cfg *Config) error {
	if cfg == nil {
		return fmt.Errorf("%w: empty config", ErrInvalid)
	}

	switch cfg.Bus.Adapter {
	case "", AdapterMCP2221, AdapterPeriph, AdapterNanoPi:
	default:
		return fmt.Errorf("%w: unknown bus adapter %q", ErrInvalid, cfg.Bus.Adapter)
	}
	if cfg.Bus.SpeedHz < 0 {
		return fmt.Errorf("%w: bus speed_hz must not be negative", ErrInvalid)
	}

	children := 0
	if cfg.Switch != nil {
		children = len(cfg.Switch.Children)
	}
	if len(cfg.Devices) == 0 && children == 0 {
		return fmt.Errorf("%w: no devices configured", ErrInvalid)
	}

	names := map[string]string{}
	for i, d := range cfg.Devices {
		if err := validateDevice(d, names, fmt.Sprintf("devices[%d]", i)); err != nil {
			return err
		}
	}

	if s := cfg.Switch; s != nil {
		sw, err := profile.LookupSwitch(s.Model)
		if err != nil {
			return fmt.Errorf("%w: switch: %w", ErrInvalid, err)
		}
		if err := validateAddress(s.Address, "switch"); err != nil {
			return err
		}
		if s.IntervalMs < 0 || s.ChannelTimeoutMs < 0 {
			return fmt.Errorf("%w: switch: interval_ms and channel_timeout_ms must not be negative", ErrInvalid)
		}
		if len(s.Children) > sw.Channels {
			return fmt.Errorf("%w: switch %s has %d channels, %d children configured", ErrInvalid, sw.Model, sw.Channels, len(s.Children))
		}
		for i, d := range s.Children {
			if err := validateDevice(d, names, fmt.Sprintf("switch.children[%d]", i)); err != nil {
				return err
			}
		}
	}

	if m := cfg.MQTT; m != nil {
		if m.Broker == "" {
			return fmt.Errorf("%w: mqtt: broker is required", ErrInvalid)
		}
		if m.QoS > 2 {
			return fmt.Errorf("%w: mqtt: qos must be 0, 1 or 2", ErrInvalid)
		}
	}
	return nil
}

func validateDevice(d DeviceConfig, names map[string]string, path string) error {
	p, err := profile.Lookup(d.Model)
	if err != nil {
		return fmt.Errorf("%w: %s: %w", ErrInvalid, path, err)
	}
	if err := validateAddress(d.Address, path); err != nil {
		return err
	}
	if d.IntervalMs < 0 || d.ReadTimeoutMs < 0 {
		return fmt.Errorf("%w: %s: interval_ms and read_timeout_ms must not be negative", ErrInvalid, path)
	}
	for _, ch := range d.Channels {
		if !p.Supports(profile.Channel(ch)) {
			return fmt.Errorf("%w: %s: %s does not produce %q", ErrInvalid, path, p.Model, ch)
		}
	}
	if d.Name == "" {
		return nil
	}
	if prev, ok := names[d.Name]; ok {
		return fmt.Errorf("%w: %s: name %q already used by %s", ErrInvalid, path, d.Name, prev)
	}
	names[d.Name] = path
	return nil
}

// valid 7-bit addresses exclude the reserved 0x00-0x02 and 0x78-0x7F ranges
func validateAddress(address *int, path string) error {
	if address == nil {
		return nil
	}
	if *address < 0x03 || *address > 0x77 {
		return fmt.Errorf("%w: %s: address %#x outside 0x03-0x77", ErrInvalid, path, *address)
	}
	return nil
}
