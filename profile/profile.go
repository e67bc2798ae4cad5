// Package profile describes supported device models: where they live on the bus, which
// bytes start and collect a measurement and how the collected bytes decode into a Reading.
//
// Profiles are immutable values looked up by model name. A decode function must be pure:
// identical input always yields identical output.
package profile

import (
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/sigurn/crc8"
)

var ErrUnknownModel = errors.New("unknown device model")

// ErrShortRead is returned by decode functions given fewer bytes than the profile reads.
var ErrShortRead = errors.New("short read")

var ErrChecksum = errors.New("checksum mismatch")

var ErrInvalidProfile = errors.New("invalid profile")

// Channel names one output field of a device; events are published under it.
type Channel string

const (
	Temperature Channel = "temperature"
	Pressure    Channel = "pressure"
	Humidity    Channel = "humidity"
	Light       Channel = "light"
	TVOC        Channel = "tvoc"
)

// Unit returns the engineering unit values of the channel are expressed in.
func (c Channel) Unit() string {
	switch c {
	case Temperature:
		return "°C"
	case Pressure:
		return "kPa"
	case Humidity:
		return "%RH"
	case Light:
		return "lx"
	case TVOC:
		return "ppb"
	default:
		return ""
	}
}

// Reading holds the decoded values of one completed transaction.
type Reading struct {
	Model  string
	Values map[Channel]float64
}

func (r Reading) Value(ch Channel) (float64, bool) {
	v, ok := r.Values[ch]
	return v, ok
}

type DecodeFunc func(data []byte) (Reading, error)

// Profile is the static descriptor of one device model.
type Profile struct {
	Model   string
	Address byte
	// Setup is written once before the first transaction, after SetupDelay. Nil skips it.
	Setup      []byte
	SetupDelay time.Duration
	// StartConversion is always written, even when empty (some devices treat an
	// address-only write as the measurement request).
	StartConversion []byte
	ConversionDelay time.Duration
	// ReadyToRead is written after the conversion delay and before the read. Nil skips it.
	ReadyToRead      []byte
	TransactionBytes int
	// MinInterval is the shortest poll interval the device tolerates.
	MinInterval time.Duration
	Channels    []Channel
	Decode      DecodeFunc
}

// Supports reports whether the profile can produce the channel.
func (p Profile) Supports(ch Channel) bool {
	for _, c := range p.Channels {
		if c == ch {
			return true
		}
	}
	return false
}

var (
	registryMx sync.RWMutex
	profiles   = map[string]Profile{}
)

// Register adds a device profile to the registry. Models are unique (case-insensitive).
func Register(p Profile) error {
	switch {
	case p.Model == "":
		return fmt.Errorf("%w: model name is required", ErrInvalidProfile)
	case p.Decode == nil:
		return fmt.Errorf("%w: %s has no decode function", ErrInvalidProfile, p.Model)
	case p.TransactionBytes <= 0:
		return fmt.Errorf("%w: %s reads no bytes", ErrInvalidProfile, p.Model)
	case len(p.Channels) == 0:
		return fmt.Errorf("%w: %s produces no channels", ErrInvalidProfile, p.Model)
	}
	key := strings.ToUpper(p.Model)
	registryMx.Lock()
	defer registryMx.Unlock()
	if _, ok := profiles[key]; ok {
		return fmt.Errorf("%w: %s already registered", ErrInvalidProfile, p.Model)
	}
	profiles[key] = p
	return nil
}

func register(p Profile) {
	if err := Register(p); err != nil {
		panic(err)
	}
}

// Lookup returns the profile registered for model (case-insensitive).
func Lookup(model string) (Profile, error) {
	registryMx.RLock()
	p, ok := profiles[strings.ToUpper(model)]
	registryMx.RUnlock()
	if !ok {
		return Profile{}, fmt.Errorf("%w: %q", ErrUnknownModel, model)
	}
	return p, nil
}

// Models lists registered device models in alphabetical order.
func Models() []string {
	registryMx.RLock()
	defer registryMx.RUnlock()
	res := make([]string, 0, len(profiles))
	for _, p := range profiles {
		res = append(res, p.Model)
	}
	sort.Strings(res)
	return res
}

func checkLength(model string, data []byte, expected int) error {
	if len(data) < expected {
		return fmt.Errorf("%s: %w: expected %d bytes, got %d", strings.ToLower(model), ErrShortRead, expected, len(data))
	}
	return nil
}

// Sensirion and Aosong parts share CRC-8 polynomial 0x31, init 0xFF.
var crcTable = crc8.MakeTable(crc8.Params{Poly: 0x31, Init: 0xFF, XorOut: 0x00, Check: 0xF7, Name: "CRC-8/NRSC-5"})

func checksum(data []byte) byte {
	return crc8.Checksum(data, crcTable)
}
