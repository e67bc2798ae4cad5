package profile

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMPL115A2_TemperatureAtReferencePoint(t *testing.T) {
	// Tadc = 498 with arbitrary coefficients
	data := mustHex(t, "66807C803ECEB3F9C51733C800000000")
	r, err := decodeMPL115A2(data)
	require.NoError(t, err)
	temp, ok := r.Value(Temperature)
	require.True(t, ok)
	assert.Equal(t, 25.0, temp)
}

func TestMPL115A2_PressureWithZeroCoefficients(t *testing.T) {
	data := make([]byte, 16)
	data[2], data[3] = 0x7C, 0x80
	r, err := decodeMPL115A2(data)
	require.NoError(t, err)
	assert.Equal(t, 50.0, r.Values[Pressure])
	assert.Equal(t, 25.0, r.Values[Temperature])
}

func TestMPL115A2_Decode(t *testing.T) {
	// Padc = 410, Tadc = 507, a0 = 2009.75, b1 = -2.3759, b2 = -0.9205, c12 = 0.00079
	data := mustHex(t, "66807EC03ECEB3F9C51733C800000000")
	r, err := decodeMPL115A2(data)
	require.NoError(t, err)
	assert.Equal(t, "MPL115A2", r.Model)
	assert.Equal(t, 23.32, r.Values[Temperature])
	assert.Equal(t, 96.59, r.Values[Pressure])
}

func TestMPL115A2_Calibration(t *testing.T) {
	c := mpl115a2Calibration(mustHex(t, "000000003ECEB3F9C51733C8"+"00000000"))
	assert.Equal(t, 2009.75, c.pressureOffset)
	assert.InDelta(t, -2.37585449, c.pressureSensitivity, 1e-8)
	assert.InDelta(t, -0.92047119, c.temperatureOffset, 1e-8)
	assert.InDelta(t, 0.00079012, c.temperatureSensitivity, 1e-8)
}

func TestMPL115A2_Deterministic(t *testing.T) {
	data := mustHex(t, "66807EC03ECEB3F9C51733C800000000")
	first, err := decodeMPL115A2(data)
	require.NoError(t, err)
	for range 10 {
		next, err := decodeMPL115A2(data)
		require.NoError(t, err)
		assert.Equal(t, first, next)
	}
}
