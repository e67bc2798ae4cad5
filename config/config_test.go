package config

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mklimuk/i2cpoll/profile"
)

const deployment = `
bus:
  adapter: periph
  device: "1"
  speed_hz: 100000
mqtt:
  broker: tcp://localhost:1883
  topic: /greenhouse/
devices:
  - model: HIH6021
    name: greenhouse
    interval_ms: 1000
    channels: [humidity]
  - model: BH1750
    address: 0x5C
switch:
  model: PCA9548
  children:
    - model: MPL115A2
    - model: MPL115A2
    - model: SHTC3
      name: greenhouse-2
`

func TestLoad(t *testing.T) {
	path := filepath.Join(t.TempDir(), "deployment.yaml")
	require.NoError(t, os.WriteFile(path, []byte(deployment), 0o600))

	cfg, err := Load(path)
	require.NoError(t, err)

	assert.Equal(t, BusConfig{Adapter: AdapterPeriph, Device: "1", SpeedHz: 100000}, cfg.Bus)
	require.Len(t, cfg.Devices, 2)
	assert.Equal(t, "greenhouse", cfg.Devices[0].Name)
	assert.Equal(t, []string{"humidity"}, cfg.Devices[0].Channels)
	assert.Equal(t, 1000, cfg.Devices[0].IntervalMs)
	assert.Equal(t, "bh1750", cfg.Devices[1].Name)
	require.NotNil(t, cfg.Devices[1].Address)
	assert.Equal(t, 0x5C, *cfg.Devices[1].Address)
	assert.Equal(t, 500, cfg.Devices[1].IntervalMs)
	assert.Equal(t, 1000, cfg.Devices[1].ReadTimeoutMs)

	require.NotNil(t, cfg.Switch)
	assert.Equal(t, 5000, cfg.Switch.IntervalMs)
	assert.Equal(t, 2000, cfg.Switch.ChannelTimeoutMs)
	require.Len(t, cfg.Switch.Children, 3)
	assert.Equal(t, "mpl115a2", cfg.Switch.Children[0].Name)
	assert.Equal(t, "mpl115a2-2", cfg.Switch.Children[1].Name)
	assert.Equal(t, "greenhouse-2", cfg.Switch.Children[2].Name)

	require.NotNil(t, cfg.MQTT)
	assert.Equal(t, "greenhouse", cfg.MQTT.Topic)
	assert.Equal(t, DefaultClientID, cfg.MQTT.ClientID)
}

func TestLoad_MissingFile(t *testing.T) {
	_, err := Load(filepath.Join(t.TempDir(), "missing.yaml"))
	assert.ErrorContains(t, err, "could not read config")
}

func TestParse_Malformed(t *testing.T) {
	_, err := Parse([]byte("devices: [model: {"))
	assert.ErrorContains(t, err, "could not parse config")
}

func TestParse_DefaultAdapter(t *testing.T) {
	cfg, err := Parse([]byte("devices:\n  - model: tc74\n"))
	require.NoError(t, err)
	assert.Equal(t, AdapterMCP2221, cfg.Bus.Adapter)
	assert.Equal(t, "tc74", cfg.Devices[0].Name)
	assert.Nil(t, cfg.MQTT)
	assert.Nil(t, cfg.Switch)
}

func address(a int) *int {
	return &a
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name     string
		cfg      Config
		contains string
		is       error
	}{
		{
			name:     "no devices",
			cfg:      Config{},
			contains: "no devices configured",
		},
		{
			name:     "unknown adapter",
			cfg:      Config{Bus: BusConfig{Adapter: "ftdi"}, Devices: []DeviceConfig{{Model: "TC74"}}},
			contains: `unknown bus adapter "ftdi"`,
		},
		{
			name: "unknown model",
			cfg:  Config{Devices: []DeviceConfig{{Model: "BMP999"}}},
			is:   profile.ErrUnknownModel,
		},
		{
			name:     "unsupported channel",
			cfg:      Config{Devices: []DeviceConfig{{Model: "TC74", Channels: []string{"humidity"}}}},
			contains: `TC74 does not produce "humidity"`,
		},
		{
			name:     "reserved address",
			cfg:      Config{Devices: []DeviceConfig{{Model: "TC74", Address: address(0x78)}}},
			contains: "address 0x78 outside",
		},
		{
			name:     "negative interval",
			cfg:      Config{Devices: []DeviceConfig{{Model: "TC74", IntervalMs: -1}}},
			contains: "must not be negative",
		},
		{
			name: "duplicate name",
			cfg: Config{
				Devices: []DeviceConfig{{Model: "TC74", Name: "a"}},
				Switch:  &SwitchConfig{Model: "PCA9548", Children: []DeviceConfig{{Model: "SHTC3", Name: "a"}}},
			},
			contains: `name "a" already used by devices[0]`,
		},
		{
			name: "unknown switch",
			cfg:  Config{Switch: &SwitchConfig{Model: "TCA9999", Children: []DeviceConfig{{Model: "TC74"}}}},
			is:   profile.ErrUnknownModel,
		},
		{
			name: "too many children",
			cfg: Config{Switch: &SwitchConfig{Model: "PCA9548", Children: []DeviceConfig{
				{Model: "TC74"}, {Model: "TC74"}, {Model: "TC74"}, {Model: "TC74"}, {Model: "TC74"},
				{Model: "TC74"}, {Model: "TC74"}, {Model: "TC74"}, {Model: "TC74"},
			}}},
			contains: "has 8 channels, 9 children configured",
		},
		{
			name:     "mqtt without broker",
			cfg:      Config{MQTT: &MQTTConfig{}, Devices: []DeviceConfig{{Model: "TC74"}}},
			contains: "broker is required",
		},
		{
			name:     "mqtt qos",
			cfg:      Config{MQTT: &MQTTConfig{Broker: "tcp://b:1883", QoS: 3}, Devices: []DeviceConfig{{Model: "TC74"}}},
			contains: "qos must be 0, 1 or 2",
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := Validate(&tt.cfg)
			require.Error(t, err)
			assert.ErrorIs(t, err, ErrInvalid)
			if tt.is != nil {
				assert.ErrorIs(t, err, tt.is)
			}
			if tt.contains != "" {
				assert.ErrorContains(t, err, tt.contains)
			}
		})
	}
}

func TestValidate_DoesNotMutate(t *testing.T) {
	cfg := Config{Devices: []DeviceConfig{{Model: "TC74"}}}
	require.NoError(t, Validate(&cfg))
	assert.Equal(t, Config{Devices: []DeviceConfig{{Model: "TC74"}}}, cfg)
}
