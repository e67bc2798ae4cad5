package profile

import (
	"fmt"
	"time"

	"github.com/mklimuk/i2cpoll/fixedpoint"
)

const shtc3Model = "SHTC3"
const shtc3Bytes = 6

// SHTC3 is a Sensirion temperature/humidity sensor. Setup wakes it from sleep; each
// transaction triggers a normal power measurement without clock stretching, temperature
// first. Measurement takes ~12.1ms.
//
// The response is T[0:2], CRC, RH[3:5], CRC (big endian).
var SHTC3 = Profile{
	Model:            shtc3Model,
	Address:          0x70,
	Setup:            []byte{0x35, 0x17},
	SetupDelay:       time.Millisecond,
	StartConversion:  []byte{0x78, 0x66},
	ConversionDelay:  15 * time.Millisecond,
	TransactionBytes: shtc3Bytes,
	Channels:         []Channel{Temperature, Humidity},
	Decode:           decodeSHTC3,
}

func init() {
	register(SHTC3)
}

func decodeSHTC3(data []byte) (Reading, error) {
	if err := checkLength(shtc3Model, data, shtc3Bytes); err != nil {
		return Reading{}, err
	}
	if checksum(data[0:2]) != data[2] {
		return Reading{}, fmt.Errorf("shtc3: temperature %w", ErrChecksum)
	}
	if checksum(data[3:5]) != data[5] {
		return Reading{}, fmt.Errorf("shtc3: humidity %w", ErrChecksum)
	}
	rawT := float64(fixedpoint.To16Bit(data[0], data[1]))
	rawRH := float64(fixedpoint.To16Bit(data[3], data[4]))
	// T(C) = -45 + 175 * rawT / 65535
	// RH(%) = 100 * rawRH / 65535
	return Reading{
		Model: shtc3Model,
		Values: map[Channel]float64{
			Temperature: fixedpoint.Round(-45.0+175.0*rawT/65535.0, 2),
			Humidity:    fixedpoint.Round(100.0*rawRH/65535.0, 2),
		},
	}, nil
}
