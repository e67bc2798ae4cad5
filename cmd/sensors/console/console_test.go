package console

import (
	"bytes"
	"io"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestParseAnswer(t *testing.T) {
	assert.True(t, parseAnswer("", true))
	assert.False(t, parseAnswer("", false))
	assert.True(t, parseAnswer(" Yes ", false))
	assert.True(t, parseAnswer("y", false))
	assert.False(t, parseAnswer("nope", true))
}

func TestPicto(t *testing.T) {
	assert.Equal(t, PictoHumidity, Picto("humidity"))
	assert.Equal(t, PictoPin, Picto("co2"))
}

func TestWarnf(t *testing.T) {
	var warn bytes.Buffer
	SetOutput(io.Discard, &warn)
	defer SetOutput(io.Discard, io.Discard)

	Warnf("%d readings dropped", 3)
	assert.Contains(t, warn.String(), "WARN")
	assert.Contains(t, warn.String(), "3 readings dropped")
}
