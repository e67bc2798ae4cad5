// Package adapter drives USB to I2C bridges. The MCP2221 talks 64 byte HID reports.
package adapter

import (
	"context"
	"encoding/binary"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"sync"
	"time"

	"github.com/karalabe/hid"

	"github.com/mklimuk/i2cpoll"
)

const VendorID = 0x04D8
const ProductID = 0x00DD

const reportSize = 64

// maxTransfer is the payload one HID report carries.
const maxTransfer = 60

const clockFrequency = 12_000_000

const (
	cmdStatus   = 0x10
	cmdWrite    = 0x90
	cmdRead     = 0x91
	cmdReadData = 0x40
)

var ErrCommandFailed = errors.New("command failed")
var ErrDeviceNotFound = errors.New("MCP2221 device not found")
var ErrAmbiguousDevice = errors.New("ambiguous device identification")
var ErrTransferTooLarge = errors.New("transfer exceeds one report")

var _ i2cpoll.I2CBus = &MCP2221{}
var _ i2cpoll.BusConfigurer = &MCP2221{}

type MCP2221Status struct {
	I2CDataBufferCounter   int
	I2CSpeedDivider        int
	I2CTimeout             int
	CurrentAddress         string
	LastWriteRequestedSize uint16
	LastWriteSentSize      uint16
	ReadPending            int
}

// Opener opens the HID device a command is exchanged with.
type Opener func() (io.ReadWriteCloser, error)

type Option func(*MCP2221)

func WithLogger(logger *slog.Logger) Option {
	return func(d *MCP2221) {
		d.logger = logger
	}
}

// WithSpeed sets the I2C clock programmed by ConfigureBus.
func WithSpeed(hz int) Option {
	return func(d *MCP2221) {
		d.speed = hz
	}
}

// WithDeviceIndex picks one of several attached adapters.
func WithDeviceIndex(index int) Option {
	return func(d *MCP2221) {
		d.open = openHID(index)
	}
}

func WithOpener(open Opener) Option {
	return func(d *MCP2221) {
		d.open = open
	}
}

// WithResponseWait sets the pause between a request and its response report.
func WithResponseWait(wait time.Duration) Option {
	return func(d *MCP2221) {
		d.responseWait = wait
	}
}

type MCP2221 struct {
	mx           sync.Mutex
	request      []byte
	response     []byte
	responseWait time.Duration
	speed        int
	open         Opener
	logger       *slog.Logger
}

func NewMCP2221(opts ...Option) *MCP2221 {
	d := &MCP2221{
		request:      make([]byte, reportSize),
		response:     make([]byte, reportSize),
		responseWait: 50 * time.Millisecond,
		open:         openHID(-1),
		logger:       slog.Default(),
	}
	for _, opt := range opts {
		opt(d)
	}
	d.logger = d.logger.With("adapter", "mcp2221")
	return d
}

// Enumerate lists attached MCP2221 adapters.
func Enumerate() []hid.DeviceInfo {
	return hid.Enumerate(VendorID, ProductID)
}

func openHID(index int) Opener {
	return func() (io.ReadWriteCloser, error) {
		devs := Enumerate()
		if len(devs) == 0 {
			return nil, ErrDeviceNotFound
		}
		if index < 0 {
			if len(devs) > 1 {
				return nil, fmt.Errorf("%w: %d adapters attached", ErrAmbiguousDevice, len(devs))
			}
			index = 0
		}
		if index >= len(devs) {
			return nil, fmt.Errorf("%w: no device with index %d", ErrDeviceNotFound, index)
		}
		dev, err := devs[index].Open()
		if err != nil {
			return nil, fmt.Errorf("error opening device: %w", err)
		}
		return dev, nil
	}
}

// ConfigureBus cancels any stuck transfer and programs the I2C clock.
func (d *MCP2221) ConfigureBus(ctx context.Context) error {
	d.mx.Lock()
	defer d.mx.Unlock()
	if _, err := d.releaseBus(ctx); err != nil {
		return err
	}
	if d.speed <= 0 {
		return nil
	}
	d.resetBuffers()
	d.request[0] = cmdStatus
	d.request[3] = 0x20
	d.request[4] = speedDivider(d.speed)
	if err := d.send(ctx); err != nil {
		return fmt.Errorf("set speed request failed: %w", err)
	}
	if d.response[3] == 0x21 {
		return fmt.Errorf("%w: speed not accepted while a transfer is in progress", ErrCommandFailed)
	}
	d.logger.Debug("bus speed set", "speed", d.speed, "divider", d.request[4])
	return nil
}

func speedDivider(hz int) byte {
	div := clockFrequency/hz - 3
	if div < 0 {
		div = 0
	}
	if div > 0xFF {
		div = 0xFF
	}
	return byte(div)
}

func (d *MCP2221) WriteToAddr(ctx context.Context, address byte, buffer []byte) error {
	if len(buffer) > maxTransfer {
		return fmt.Errorf("%w: %d bytes", ErrTransferTooLarge, len(buffer))
	}
	d.mx.Lock()
	defer d.mx.Unlock()
	d.resetBuffers()
	d.request[0] = cmdWrite
	binary.LittleEndian.PutUint16(d.request[1:3], uint16(len(buffer)))
	d.request[3] = address << 1
	copy(d.request[4:], buffer)
	if err := d.send(ctx); err != nil {
		return fmt.Errorf("write to %#x failed: %w", address, err)
	}
	if d.response[1] == 0x01 {
		d.logger.Debug("adapter busy", "address", fmt.Sprintf("%#x", address))
		return i2cpoll.ErrBusBusy
	}
	return nil
}

func (d *MCP2221) ReadFromAddr(ctx context.Context, address byte, buffer []byte) error {
	if len(buffer) > maxTransfer {
		return fmt.Errorf("%w: %d bytes", ErrTransferTooLarge, len(buffer))
	}
	d.mx.Lock()
	defer d.mx.Unlock()
	d.resetBuffers()
	d.request[0] = cmdRead
	binary.LittleEndian.PutUint16(d.request[1:3], uint16(len(buffer)))
	d.request[3] = address<<1 + 1
	if err := d.send(ctx); err != nil {
		return fmt.Errorf("bus read from %#x failed: %w", address, err)
	}
	if d.response[1] == 0x01 {
		return i2cpoll.ErrBusBusy
	}
	d.resetBuffers()
	d.request[0] = cmdReadData
	if err := d.send(ctx); err != nil {
		return fmt.Errorf("error getting read data from adapter: %w", err)
	}
	if d.response[1] == 0x41 {
		return fmt.Errorf("%w: error reading the I2C slave data from the I2C engine", ErrCommandFailed)
	}
	if d.response[3] == 127 || int(d.response[3]) != len(buffer) {
		return fmt.Errorf("invalid data size byte; expected %d, got %d", len(buffer), d.response[3])
	}
	copy(buffer, d.response[4:])
	return nil
}

func (d *MCP2221) Status(ctx context.Context) (*MCP2221Status, error) {
	d.mx.Lock()
	defer d.mx.Unlock()
	d.resetBuffers()
	d.request[0] = cmdStatus
	if err := d.send(ctx); err != nil {
		return nil, fmt.Errorf("status request failed: %w", err)
	}
	return bufferToStatus(d.response), nil
}

func bufferToStatus(buffer []byte) *MCP2221Status {
	// 9-10 requested length, 11-12 transferred length, 13 buffer counter,
	// 14 speed divider, 15 timeout, 16-17 address, 25 read pending
	status := &MCP2221Status{
		I2CDataBufferCounter: int(buffer[13]),
		I2CSpeedDivider:      int(buffer[14]),
		I2CTimeout:           int(buffer[15]),
		ReadPending:          int(buffer[25]),
		CurrentAddress:       hex.EncodeToString(buffer[16:18]),
	}
	status.LastWriteRequestedSize = binary.LittleEndian.Uint16(buffer[9:11])
	status.LastWriteSentSize = binary.LittleEndian.Uint16(buffer[11:13])
	return status
}

// Release cancels the current I2C transfer and frees the bus.
func (d *MCP2221) Release(ctx context.Context) error {
	d.mx.Lock()
	defer d.mx.Unlock()
	_, err := d.releaseBus(ctx)
	return err
}

func (d *MCP2221) ReleaseBus(ctx context.Context) (*MCP2221Status, error) {
	d.mx.Lock()
	defer d.mx.Unlock()
	return d.releaseBus(ctx)
}

func (d *MCP2221) releaseBus(ctx context.Context) (*MCP2221Status, error) {
	d.resetBuffers()
	d.request[0] = cmdStatus
	d.request[2] = 0x10
	if err := d.send(ctx); err != nil {
		return nil, fmt.Errorf("release request failed: %w", err)
	}
	return bufferToStatus(d.response), nil
}

// send exchanges one request and response report. The device is opened per command
// so the adapter can be unplugged between polls.
func (d *MCP2221) send(ctx context.Context) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	dev, err := d.open()
	if err != nil {
		return err
	}
	defer func() {
		if err := dev.Close(); err != nil {
			d.logger.Debug("could not close device", "error", err)
		}
	}()
	if d.logger.Enabled(ctx, slog.LevelDebug) {
		d.logger.Debug("sending message to adapter", "report", hex.EncodeToString(d.request))
	}
	n, err := dev.Write(d.request)
	if err != nil {
		return fmt.Errorf("could not write request: %w", err)
	}
	if n != reportSize {
		return fmt.Errorf("short write: %d", n)
	}
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-time.After(d.responseWait):
	}
	n, err = dev.Read(d.response)
	if err != nil {
		return fmt.Errorf("could not read response: %w", err)
	}
	if n != reportSize {
		return fmt.Errorf("short read: %d", n)
	}
	if d.logger.Enabled(ctx, slog.LevelDebug) {
		d.logger.Debug("read message from adapter", "report", hex.EncodeToString(d.response))
	}
	return nil
}

func (d *MCP2221) resetBuffers() {
	clear(d.request)
	clear(d.response)
}
