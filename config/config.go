// Package config describes a polling deployment in YAML: the bus adapter, standalone
// devices, an optional bus switch with its children and an optional MQTT sink.
package config

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

const (
	AdapterMCP2221 = "mcp2221"
	AdapterPeriph  = "periph"
	AdapterNanoPi  = "nanopi"
)

type Config struct {
	Bus     BusConfig      `yaml:"bus"`
	MQTT    *MQTTConfig    `yaml:"mqtt"`
	Devices []DeviceConfig `yaml:"devices"`
	Switch  *SwitchConfig  `yaml:"switch"`
}

// ---- BUS ----

type BusConfig struct {
	Adapter string `yaml:"adapter"`
	// Device names the bus: periph device ("1", "/dev/i2c-1"), MCP2221 index or gobot
	// bus number. Empty picks the default.
	Device  string `yaml:"device"`
	SpeedHz int    `yaml:"speed_hz"`
}

// ---- DEVICES ----

type DeviceConfig struct {
	Model         string   `yaml:"model"`
	Name          string   `yaml:"name"`
	Address       *int     `yaml:"address"`
	IntervalMs    int      `yaml:"interval_ms"`
	ReadTimeoutMs int      `yaml:"read_timeout_ms"`
	Channels      []string `yaml:"channels"`
}

func (d DeviceConfig) Interval() time.Duration {
	return time.Duration(d.IntervalMs) * time.Millisecond
}

func (d DeviceConfig) ReadTimeout() time.Duration {
	return time.Duration(d.ReadTimeoutMs) * time.Millisecond
}

// ---- SWITCH ----

type SwitchConfig struct {
	Model            string         `yaml:"model"`
	Address          *int           `yaml:"address"`
	IntervalMs       int            `yaml:"interval_ms"`
	ChannelTimeoutMs int            `yaml:"channel_timeout_ms"`
	Children         []DeviceConfig `yaml:"children"`
}

func (s SwitchConfig) Interval() time.Duration {
	return time.Duration(s.IntervalMs) * time.Millisecond
}

func (s SwitchConfig) ChannelTimeout() time.Duration {
	return time.Duration(s.ChannelTimeoutMs) * time.Millisecond
}

// ---- MQTT ----

type MQTTConfig struct {
	Broker   string `yaml:"broker"`
	ClientID string `yaml:"client_id"`
	Username string `yaml:"username"`
	Password string `yaml:"password"`
	Topic    string `yaml:"topic"`
	QoS      byte   `yaml:"qos"`
	Retain   bool   `yaml:"retain"`
}

// Load reads, validates and normalizes the file at path.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("could not read config: %w", err)
	}
	return Parse(data)
}

func Parse(data []byte) (*Config, error) {
	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("could not parse config: %w", err)
	}
	if err := Validate(&cfg); err != nil {
		return nil, err
	}
	Normalize(&cfg)
	return &cfg, nil
}
