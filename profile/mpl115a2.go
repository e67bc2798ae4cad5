package profile

import (
	"time"

	"github.com/mklimuk/i2cpoll/fixedpoint"
)

const mpl115a2Model = "MPL115A2"
const mpl115a2Bytes = 16

// MPL115A2 is a Freescale barometric pressure sensor.
// datasheet: http://www.freescale.com/files/sensors/doc/data_sheet/MPL115A2.pdf
//
// A transaction starts a conversion (0x12, 0x01), waits, points the register pointer back
// to 0x00 and reads the ADC words followed by the calibration coefficients:
//
//	0x00 Padc (10 bit, left aligned)   0x06 b1
//	0x02 Tadc (10 bit, left aligned)   0x08 b2
//	0x04 a0                            0x0A c12
//
// The remaining four bytes are reserved on this part and ignored.
var MPL115A2 = Profile{
	Model:            mpl115a2Model,
	Address:          0x60,
	Setup:            []byte{0x04},
	SetupDelay:       5 * time.Millisecond,
	StartConversion:  []byte{0x12, 0x01},
	ConversionDelay:  100 * time.Millisecond,
	ReadyToRead:      []byte{0x00},
	TransactionBytes: mpl115a2Bytes,
	Channels:         []Channel{Temperature, Pressure},
	Decode:           decodeMPL115A2,
}

func init() {
	register(MPL115A2)
}

// mpl115a2Coefficients are the compensation constants stored on the die.
type mpl115a2Coefficients struct {
	pressureOffset         float64 // a0
	pressureSensitivity    float64 // b1
	temperatureOffset      float64 // b2
	temperatureSensitivity float64 // c12
}

func mpl115a2Calibration(data []byte) mpl115a2Coefficients {
	return mpl115a2Coefficients{
		// 1 sign, 12 integer, 3 fractional bits
		pressureOffset: fixedpoint.Decode(data[4], data[5], 16, 3, 0),
		// 1 sign, 2 integer, 13 fractional bits
		pressureSensitivity: fixedpoint.Decode(data[6], data[7], 16, 13, 0),
		// 1 sign, 1 integer, 14 fractional bits
		temperatureOffset: fixedpoint.Decode(data[8], data[9], 16, 14, 0),
		// 1 sign, 13 fractional bits, 9 decimal zero pad, 2 unused low bits
		temperatureSensitivity: fixedpoint.Decode(data[10], data[11], 14, 13, 9),
	}
}

func mpl115a2Raw(msb, lsb byte) float64 {
	return float64(int(msb)<<2 | int(lsb)>>6)
}

func mpl115a2Temperature(temperatureRaw float64) float64 {
	return fixedpoint.Round(25+(temperatureRaw-498.0)/-5.35, 2)
}

func mpl115a2Pressure(c mpl115a2Coefficients, pressureRaw, temperatureRaw float64) float64 {
	compensated := c.pressureOffset +
		(c.pressureSensitivity+c.temperatureSensitivity*temperatureRaw)*pressureRaw +
		c.temperatureOffset*temperatureRaw
	return fixedpoint.Round(compensated*(65.0/1023.0)+50, 2)
}

func decodeMPL115A2(data []byte) (Reading, error) {
	if err := checkLength(mpl115a2Model, data, mpl115a2Bytes); err != nil {
		return Reading{}, err
	}
	pressureRaw := mpl115a2Raw(data[0], data[1])
	temperatureRaw := mpl115a2Raw(data[2], data[3])
	return Reading{
		Model: mpl115a2Model,
		Values: map[Channel]float64{
			Temperature: mpl115a2Temperature(temperatureRaw),
			Pressure:    mpl115a2Pressure(mpl115a2Calibration(data), pressureRaw, temperatureRaw),
		},
	}, nil
}
