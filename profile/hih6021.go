package profile

import (
	"errors"
	"time"

	"github.com/mklimuk/i2cpoll/fixedpoint"
)

const hih6021Model = "HIH6021"
const hih6021Bytes = 4

var hih6021Divider = float64(1<<14 - 2)

var ErrStaleData = errors.New("stale data")
var ErrCommandMode = errors.New("device in command mode")

// HIH6021 is a Honeywell HumidIcon digital humidity/temperature sensor. An empty write
// requests a measurement; the cycle typically takes 36.65ms.
var HIH6021 = Profile{
	Model:            hih6021Model,
	Address:          0x27,
	StartConversion:  []byte{},
	ConversionDelay:  50 * time.Millisecond,
	TransactionBytes: hih6021Bytes,
	Channels:         []Channel{Humidity, Temperature},
	Decode:           decodeHIH6021,
}

func init() {
	register(HIH6021)
}

func decodeHIH6021(data []byte) (Reading, error) {
	if err := checkLength(hih6021Model, data, hih6021Bytes); err != nil {
		return Reading{}, err
	}
	// check the oldest bit
	if data[0]&0x80 > 0 {
		return Reading{}, ErrCommandMode
	}
	// data already fetched since the last measurement or fetched before the first
	// measurement completed
	if data[0]&0x40 > 0 {
		return Reading{}, ErrStaleData
	}
	return Reading{
		Model: hih6021Model,
		Values: map[Channel]float64{
			Humidity:    fixedpoint.Round(hih6021Humidity(data[0:2]), 2),
			Temperature: fixedpoint.Round(hih6021Temperature(data[2:4]), 2),
		},
	}, nil
}

func hih6021Humidity(resp []byte) float64 {
	raw := fixedpoint.To16Bit(resp[0], resp[1]) & 0x3FFF
	hum := float64(raw) / hih6021Divider * 100
	if hum > 100.00 {
		return 100.00
	}
	return hum
}

// temperature is the upper 14 bits of the word
func hih6021Temperature(resp []byte) float64 {
	raw := fixedpoint.To16Bit(resp[0], resp[1]) >> 2
	return float64(raw)/hih6021Divider*165 - 40
}
