package config

import (
	"fmt"
	"strings"

	"github.com/mklimuk/i2cpoll/mux"
	"github.com/mklimuk/i2cpoll/poller"
)

const DefaultClientID = "i2cpoll"
const DefaultTopic = "sensors"

// Normalize fills defaults. It must be called only after Validate.
func Normalize(cfg *Config) {
	if cfg == nil {
		return
	}
	if cfg.Bus.Adapter == "" {
		cfg.Bus.Adapter = AdapterMCP2221
	}

	names := map[string]bool{}
	for _, d := range cfg.Devices {
		if d.Name != "" {
			names[d.Name] = true
		}
	}
	if cfg.Switch != nil {
		for _, d := range cfg.Switch.Children {
			if d.Name != "" {
				names[d.Name] = true
			}
		}
	}

	for i := range cfg.Devices {
		normalizeDevice(&cfg.Devices[i], names)
	}
	if s := cfg.Switch; s != nil {
		if s.IntervalMs == 0 {
			s.IntervalMs = int(mux.DefaultInterval.Milliseconds())
		}
		if s.ChannelTimeoutMs == 0 {
			s.ChannelTimeoutMs = int(mux.DefaultChannelTimeout.Milliseconds())
		}
		for i := range s.Children {
			normalizeDevice(&s.Children[i], names)
		}
	}

	if m := cfg.MQTT; m != nil {
		if m.ClientID == "" {
			m.ClientID = DefaultClientID
		}
		m.Topic = strings.Trim(m.Topic, "/")
		if m.Topic == "" {
			m.Topic = DefaultTopic
		}
	}
}

// normalizeDevice names unnamed devices after their model, suffixed when the name is taken.
func normalizeDevice(d *DeviceConfig, names map[string]bool) {
	if d.IntervalMs == 0 {
		d.IntervalMs = int(poller.DefaultPollInterval.Milliseconds())
	}
	if d.ReadTimeoutMs == 0 {
		d.ReadTimeoutMs = int(poller.DefaultReadTimeout.Milliseconds())
	}
	if d.Name != "" {
		return
	}
	base := strings.ToLower(d.Model)
	name := base
	for n := 2; names[name]; n++ {
		name = fmt.Sprintf("%s-%d", base, n)
	}
	names[name] = true
	d.Name = name
}
