package profile

import (
	"fmt"
	"sort"
	"strings"
)

// Switch describes an I2C bus switch routing traffic to one of its downstream channels.
type Switch struct {
	Model    string
	Address  byte
	Channels int
	// Select returns the control bytes routing the bus to channel.
	Select func(channel int) []byte
}

// one control register bit per channel
func selectBit(channel int) []byte {
	return []byte{1 << channel}
}

var switches = map[string]Switch{}

func init() {
	// PCA9548: 8 channel switch, A2 strapped high.
	// datasheet: http://www.nxp.com/documents/data_sheet/PCA9548A.pdf
	registerSwitch(Switch{Model: "PCA9548", Address: 0x74, Channels: 8, Select: selectBit})
	// TCA9548A: TI part, all address pins low
	registerSwitch(Switch{Model: "TCA9548A", Address: 0x70, Channels: 8, Select: selectBit})
}

func registerSwitch(s Switch) {
	switches[strings.ToUpper(s.Model)] = s
}

func LookupSwitch(model string) (Switch, error) {
	s, ok := switches[strings.ToUpper(model)]
	if !ok {
		return Switch{}, fmt.Errorf("%w: %q", ErrUnknownModel, model)
	}
	return s, nil
}

func SwitchModels() []string {
	res := make([]string, 0, len(switches))
	for _, s := range switches {
		res = append(res, s.Model)
	}
	sort.Strings(res)
	return res
}
