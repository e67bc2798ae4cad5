package profile

const tc74Model = "TC74"
const tc74Bytes = 1

// TC74 is a Microchip digital temperature sensor.
// See: https://ww1.microchip.com/downloads/en/DeviceDoc/21462D.pdf
//
// Setup clears the standby bit of the config register (0x01); transactions point at the
// temperature register (0x00) and read the 8 bit two's complement value.
var TC74 = Profile{
	Model:            tc74Model,
	Address:          0x4D,
	Setup:            []byte{0x01, 0x00},
	StartConversion:  []byte{0x00},
	TransactionBytes: tc74Bytes,
	Channels:         []Channel{Temperature},
	Decode:           decodeTC74,
}

func init() {
	register(TC74)
}

func decodeTC74(data []byte) (Reading, error) {
	if err := checkLength(tc74Model, data, tc74Bytes); err != nil {
		return Reading{}, err
	}
	return Reading{
		Model:  tc74Model,
		Values: map[Channel]float64{Temperature: float64(int8(data[0]))},
	}, nil
}
