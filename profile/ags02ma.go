package profile

import (
	"errors"
	"fmt"
	"time"
)

const ags02maModel = "AGS02MA"
const ags02maBytes = 5

// Status byte bit definitions (Data1):
// Bit0: RDY (0 = ready, 1 = not ready or pre-heat)
// Bit3..1: CI[2:0] data type (000 => TVOC in ppb after power-on)
const statusBitRDY = 0x01

var ErrNotReady = errors.New("data not ready or sensor in pre-heat stage")

// AGS02MA is an Aosong TVOC sensor. Writing register 0x00 and reading 5 bytes returns
// status, a 24 bit big-endian ppb value and a CRC. The sensor needs 1.5s between reads and
// a slow I2C clock (<= 30 kHz).
var AGS02MA = Profile{
	Model:            ags02maModel,
	Address:          0x1A,
	StartConversion:  []byte{0x00},
	ConversionDelay:  100 * time.Millisecond,
	TransactionBytes: ags02maBytes,
	MinInterval:      1500 * time.Millisecond,
	Channels:         []Channel{TVOC},
	Decode:           decodeAGS02MA,
}

func init() {
	register(AGS02MA)
}

func decodeAGS02MA(data []byte) (Reading, error) {
	if err := checkLength(ags02maModel, data, ags02maBytes); err != nil {
		return Reading{}, err
	}
	if crc := checksum(data[:4]); crc != data[4] {
		return Reading{}, fmt.Errorf("ags02ma: %w: expected %#x, got %#x", ErrChecksum, data[4], crc)
	}
	if data[0]&statusBitRDY != 0 {
		return Reading{}, fmt.Errorf("ags02ma: %w", ErrNotReady)
	}
	ppb := uint32(data[1])<<16 | uint32(data[2])<<8 | uint32(data[3])
	return Reading{
		Model:  ags02maModel,
		Values: map[Channel]float64{TVOC: float64(ppb)},
	}, nil
}
