package profile

import (
	"time"

	"github.com/mklimuk/i2cpoll/fixedpoint"
)

const BH1750AddrHigh = 0b1011100
const BH1750AddrLow = 0b0100011

const opCodeSingleLowResolution = 0b00100011

const bh1750Model = "BH1750"
const bh1750Bytes = 2

// BH1750 ambient light sensor in one-time low resolution mode. Measurement typically
// takes 16ms, 24ms max. The profile uses the low address; override it for ADDR high.
var BH1750 = Profile{
	Model:            bh1750Model,
	Address:          BH1750AddrLow,
	StartConversion:  []byte{opCodeSingleLowResolution},
	ConversionDelay:  25 * time.Millisecond,
	TransactionBytes: bh1750Bytes,
	Channels:         []Channel{Light},
	Decode:           decodeBH1750,
}

func init() {
	register(BH1750)
}

func decodeBH1750(data []byte) (Reading, error) {
	if err := checkLength(bh1750Model, data, bh1750Bytes); err != nil {
		return Reading{}, err
	}
	lux := float64(fixedpoint.To16Bit(data[0], data[1])) / 1.2
	return Reading{
		Model:  bh1750Model,
		Values: map[Channel]float64{Light: fixedpoint.Round(lux, 1)},
	}, nil
}
