package adapter

import (
	"context"
	"errors"
	"io"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mklimuk/i2cpoll"
)

// fakeHID answers every request report with the next queued response.
type fakeHID struct {
	mx        sync.Mutex
	requests  [][]byte
	responses [][]byte
	opened    int
	closed    int
}

func (f *fakeHID) respond(resp ...byte) {
	report := make([]byte, reportSize)
	copy(report, resp)
	f.responses = append(f.responses, report)
}

func (f *fakeHID) opener() Opener {
	return func() (io.ReadWriteCloser, error) {
		f.mx.Lock()
		defer f.mx.Unlock()
		f.opened++
		return &fakeHandle{f: f}, nil
	}
}

type fakeHandle struct {
	f *fakeHID
}

func (h *fakeHandle) Write(p []byte) (int, error) {
	h.f.mx.Lock()
	defer h.f.mx.Unlock()
	h.f.requests = append(h.f.requests, append([]byte{}, p...))
	return len(p), nil
}

func (h *fakeHandle) Read(p []byte) (int, error) {
	h.f.mx.Lock()
	defer h.f.mx.Unlock()
	if len(h.f.responses) == 0 {
		return 0, errors.New("no response queued")
	}
	n := copy(p, h.f.responses[0])
	h.f.responses = h.f.responses[1:]
	return n, nil
}

func (h *fakeHandle) Close() error {
	h.f.mx.Lock()
	defer h.f.mx.Unlock()
	h.f.closed++
	return nil
}

func newTestAdapter(f *fakeHID, opts ...Option) *MCP2221 {
	return NewMCP2221(append([]Option{WithOpener(f.opener()), WithResponseWait(0)}, opts...)...)
}

func TestMCP2221_WriteToAddr(t *testing.T) {
	f := &fakeHID{}
	f.respond(cmdWrite, 0x00)
	d := newTestAdapter(f)

	require.NoError(t, d.WriteToAddr(context.Background(), 0x60, []byte{0x12, 0x01}))
	require.Len(t, f.requests, 1)
	req := f.requests[0]
	assert.Equal(t, []byte{cmdWrite, 0x02, 0x00, 0xC0, 0x12, 0x01}, req[:6])
	assert.Len(t, req, reportSize)
	assert.Equal(t, 1, f.opened)
	assert.Equal(t, 1, f.closed)
}

func TestMCP2221_WriteBusy(t *testing.T) {
	f := &fakeHID{}
	f.respond(cmdWrite, 0x01)
	d := newTestAdapter(f)

	err := d.WriteToAddr(context.Background(), 0x60, []byte{0x12})
	assert.ErrorIs(t, err, i2cpoll.ErrBusBusy)
}

func TestMCP2221_ReadFromAddr(t *testing.T) {
	f := &fakeHID{}
	f.respond(cmdRead, 0x00)
	f.respond(cmdReadData, 0x00, 0x00, 0x04, 0x66, 0x80, 0x7E, 0xC0)
	d := newTestAdapter(f)

	data := make([]byte, 4)
	require.NoError(t, d.ReadFromAddr(context.Background(), 0x60, data))
	assert.Equal(t, []byte{0x66, 0x80, 0x7E, 0xC0}, data)
	require.Len(t, f.requests, 2)
	assert.Equal(t, []byte{cmdRead, 0x04, 0x00, 0xC1}, f.requests[0][:4])
	assert.Equal(t, byte(cmdReadData), f.requests[1][0])
}

func TestMCP2221_ReadErrors(t *testing.T) {
	tests := []struct {
		name     string
		response []byte
		contains string
	}{
		{name: "engine error", response: []byte{cmdReadData, 0x41}, contains: "I2C engine"},
		{name: "size mismatch", response: []byte{cmdReadData, 0x00, 0x00, 0x02}, contains: "expected 4, got 2"},
		{name: "invalid size", response: []byte{cmdReadData, 0x00, 0x00, 127}, contains: "invalid data size"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f := &fakeHID{}
			f.respond(cmdRead, 0x00)
			f.respond(tt.response...)
			d := newTestAdapter(f)
			err := d.ReadFromAddr(context.Background(), 0x60, make([]byte, 4))
			assert.ErrorContains(t, err, tt.contains)
		})
	}
}

func TestMCP2221_TransferTooLarge(t *testing.T) {
	f := &fakeHID{}
	d := newTestAdapter(f)
	assert.ErrorIs(t, d.WriteToAddr(context.Background(), 0x60, make([]byte, 61)), ErrTransferTooLarge)
	assert.ErrorIs(t, d.ReadFromAddr(context.Background(), 0x60, make([]byte, 61)), ErrTransferTooLarge)
	assert.Zero(t, f.opened)
}

func TestMCP2221_Status(t *testing.T) {
	f := &fakeHID{}
	status := make([]byte, reportSize)
	status[0] = cmdStatus
	status[9], status[10] = 0x10, 0x00
	status[11], status[12] = 0x08, 0x00
	status[13] = 3
	status[14] = 117
	status[15] = 5
	status[16], status[17] = 0xC0, 0x00
	status[25] = 1
	f.respond(status...)
	d := newTestAdapter(f)

	s, err := d.Status(context.Background())
	require.NoError(t, err)
	assert.Equal(t, &MCP2221Status{
		I2CDataBufferCounter:   3,
		I2CSpeedDivider:        117,
		I2CTimeout:             5,
		CurrentAddress:         "c000",
		LastWriteRequestedSize: 16,
		LastWriteSentSize:      8,
		ReadPending:            1,
	}, s)
}

func TestMCP2221_ConfigureBus(t *testing.T) {
	f := &fakeHID{}
	f.respond(cmdStatus)
	f.respond(cmdStatus, 0x00, 0x00, 0x20)
	d := newTestAdapter(f, WithSpeed(100_000))

	require.NoError(t, i2cpoll.ConfigureBus(context.Background(), d))
	require.Len(t, f.requests, 2)
	assert.Equal(t, byte(0x10), f.requests[0][2], "release cancels the current transfer")
	assert.Equal(t, []byte{cmdStatus, 0x00, 0x00, 0x20, 117}, f.requests[1][:5])
}

func TestMCP2221_ConfigureBusRejected(t *testing.T) {
	f := &fakeHID{}
	f.respond(cmdStatus)
	f.respond(cmdStatus, 0x00, 0x00, 0x21)
	d := newTestAdapter(f, WithSpeed(400_000))

	assert.ErrorIs(t, d.ConfigureBus(context.Background()), ErrCommandFailed)
}

func TestMCP2221_CancelledContext(t *testing.T) {
	f := &fakeHID{}
	d := newTestAdapter(f)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	assert.ErrorIs(t, d.Release(ctx), context.Canceled)
	assert.Zero(t, f.opened)
}

func TestSpeedDivider(t *testing.T) {
	assert.Equal(t, byte(117), speedDivider(100_000))
	assert.Equal(t, byte(27), speedDivider(400_000))
	assert.Equal(t, byte(0xFF), speedDivider(1_000))
	assert.Equal(t, byte(0), speedDivider(12_000_000))
}
