package poller

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"

	"github.com/mklimuk/i2cpoll/internal/bustest"
	"github.com/mklimuk/i2cpoll/profile"
)

const testModel = "TEST-POLLER"
const testAddress = 0x42

var errBadByte = errors.New("bad byte")

// testProfile decodes byte 0 as temperature and byte 1 as pressure; 0xFF in byte 0 is
// treated as malformed.
var testProfile = profile.Profile{
	Model:            testModel,
	Address:          testAddress,
	Setup:            []byte{0xA0},
	StartConversion:  []byte{0x01},
	ConversionDelay:  5 * time.Millisecond,
	ReadyToRead:      []byte{0x02},
	TransactionBytes: 2,
	Channels:         []profile.Channel{profile.Temperature, profile.Pressure},
	Decode: func(data []byte) (profile.Reading, error) {
		if len(data) < 2 {
			return profile.Reading{}, profile.ErrShortRead
		}
		if data[0] == 0xFF {
			return profile.Reading{}, errBadByte
		}
		return profile.Reading{
			Model: testModel,
			Values: map[profile.Channel]float64{
				profile.Temperature: float64(data[0]),
				profile.Pressure:    float64(data[1]),
			},
		}, nil
	},
}

func init() {
	if err := profile.Register(testProfile); err != nil {
		panic(err)
	}
}

type eventSink struct {
	mx     sync.Mutex
	events []Event
}

func (s *eventSink) listen(ev Event) {
	s.mx.Lock()
	defer s.mx.Unlock()
	s.events = append(s.events, ev)
}

func (s *eventSink) all() []Event {
	s.mx.Lock()
	defer s.mx.Unlock()
	return append([]Event{}, s.events...)
}

func (s *eventSink) count() int {
	s.mx.Lock()
	defer s.mx.Unlock()
	return len(s.events)
}

func expectTransaction(bus *bustest.MockI2CBus, data []byte) {
	bus.On("WriteToAddr", mock.Anything, byte(testAddress), []byte{0x01}).Return(nil)
	bus.On("WriteToAddr", mock.Anything, byte(testAddress), []byte{0x02}).Return(nil)
	bus.On("ReadFromAddr", mock.Anything, byte(testAddress), mock.Anything).Return(data, nil)
}

func newTestDevice(t *testing.T, bus *bustest.MockI2CBus, cfg Config, opts ...Option) *Device {
	t.Helper()
	if cfg.Model == "" {
		cfg.Model = testModel
	}
	d, err := New(bus, cfg, opts...)
	require.NoError(t, err)
	t.Cleanup(d.Stop)
	return d
}

func TestNew_UnknownModel(t *testing.T) {
	_, err := New(new(bustest.MockI2CBus), Config{Model: "BMP999"})
	assert.ErrorIs(t, err, profile.ErrUnknownModel)
}

func TestNew_UnsupportedChannel(t *testing.T) {
	_, err := New(new(bustest.MockI2CBus), Config{Model: "MPL115A2", Channels: []profile.Channel{profile.Humidity}})
	assert.ErrorIs(t, err, ErrUnsupportedChannel)
}

func TestNew_Defaults(t *testing.T) {
	d, err := New(new(bustest.MockI2CBus), Config{Model: "mpl115a2"})
	require.NoError(t, err)
	assert.Equal(t, DefaultPollInterval, d.Interval())
	assert.Equal(t, "mpl115a2", d.Name())
	assert.Equal(t, []profile.Channel{profile.Temperature, profile.Pressure}, d.channels)
	assert.Equal(t, Idle, d.Phase())
}

func TestNew_MinInterval(t *testing.T) {
	d, err := New(new(bustest.MockI2CBus), Config{Model: "AGS02MA", PollInterval: 100 * time.Millisecond})
	require.NoError(t, err)
	assert.Equal(t, 1500*time.Millisecond, d.Interval())
}

func TestNew_WithAddress(t *testing.T) {
	d, err := New(new(bustest.MockI2CBus), Config{Model: "BH1750"}, WithAddress(profile.BH1750AddrHigh))
	require.NoError(t, err)
	assert.Equal(t, byte(profile.BH1750AddrHigh), d.Profile().Address)
	p, _ := profile.Lookup("BH1750")
	assert.Equal(t, byte(profile.BH1750AddrLow), p.Address, "registry profile must stay untouched")
}

func TestDevice_Transaction(t *testing.T) {
	bus := new(bustest.MockI2CBus)
	bus.On("WriteToAddr", mock.Anything, byte(testAddress), []byte{0xA0}).Return(nil).Once()
	expectTransaction(bus, []byte{21, 99})
	sink := &eventSink{}
	d := newTestDevice(t, bus, Config{Name: "baro"}, WithListener(sink.listen))

	r, err := d.Transact(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 21.0, r.Values[profile.Temperature])

	ops := bus.Ops()
	require.Len(t, ops, 4)
	assert.Equal(t, []byte{0xA0}, ops[0].Data)
	assert.Equal(t, []byte{0x01}, ops[1].Data)
	assert.Equal(t, []byte{0x02}, ops[2].Data)
	assert.True(t, ops[3].Read)

	events := sink.all()
	require.Len(t, events, 2)
	assert.Equal(t, "baro", events[0].Device)
	assert.Equal(t, profile.Temperature, events[0].Channel)
	assert.Equal(t, 21.0, events[0].Value)
	assert.Equal(t, profile.Pressure, events[1].Channel)
	assert.Equal(t, 99.0, events[1].Value)

	assert.Equal(t, Idle, d.Phase())
	assert.Equal(t, Stats{Transactions: 1}, d.Stats())
	last, ok := d.Last()
	assert.True(t, ok)
	assert.Equal(t, r, last)
	bus.AssertExpectations(t)
}

func TestDevice_SetupRunsOnce(t *testing.T) {
	bus := new(bustest.MockI2CBus)
	bus.On("WriteToAddr", mock.Anything, byte(testAddress), []byte{0xA0}).Return(nil).Once()
	expectTransaction(bus, []byte{1, 2})
	d := newTestDevice(t, bus, Config{})

	require.NoError(t, d.Setup(context.Background()))
	require.NoError(t, d.Setup(context.Background()))
	_, err := d.Transact(context.Background())
	require.NoError(t, err)
	assert.Len(t, bus.Writes(testAddress), 3)
	bus.AssertExpectations(t)
}

func TestDevice_EnabledChannels(t *testing.T) {
	bus := new(bustest.MockI2CBus)
	bus.On("WriteToAddr", mock.Anything, byte(testAddress), []byte{0xA0}).Return(nil)
	expectTransaction(bus, []byte{21, 99})
	sink := &eventSink{}
	d := newTestDevice(t, bus, Config{Channels: []profile.Channel{profile.Pressure}}, WithListener(sink.listen))

	_, err := d.Transact(context.Background())
	require.NoError(t, err)
	events := sink.all()
	require.Len(t, events, 1)
	assert.Equal(t, profile.Pressure, events[0].Channel)
}

func TestDevice_DropsOverlappingTicks(t *testing.T) {
	bus := new(bustest.MockI2CBus)
	release := make(chan struct{})
	bus.On("WriteToAddr", mock.Anything, byte(testAddress), mock.Anything).Return(nil)
	bus.On("ReadFromAddr", mock.Anything, byte(testAddress), mock.Anything).
		Run(func(mock.Arguments) { <-release }).
		Return([]byte{1, 2}, nil).Once()
	d := newTestDevice(t, bus, Config{})

	done := make(chan error, 1)
	require.True(t, d.Tick(context.Background(), func(err error) { done <- err }))
	assert.Eventually(t, func() bool { return d.Phase() == AwaitingRead }, time.Second, time.Millisecond)

	assert.False(t, d.Tick(context.Background(), nil))
	assert.False(t, d.Tick(context.Background(), nil))
	assert.Equal(t, uint64(2), d.Stats().Dropped)

	close(release)
	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(time.Second):
		t.Fatal("transaction did not complete")
	}
	assert.Equal(t, Idle, d.Phase())
	assert.Equal(t, uint64(1), d.Stats().Transactions)
}

func TestDevice_TransportError(t *testing.T) {
	bus := new(bustest.MockI2CBus)
	nack := errors.New("address not acknowledged")
	bus.On("WriteToAddr", mock.Anything, byte(testAddress), []byte{0xA0}).Return(nil)
	bus.On("WriteToAddr", mock.Anything, byte(testAddress), []byte{0x01}).Return(nack).Once()
	expectTransaction(bus, []byte{5, 6})
	sink := &eventSink{}
	d := newTestDevice(t, bus, Config{}, WithListener(sink.listen))

	_, err := d.Transact(context.Background())
	assert.ErrorIs(t, err, ErrTransport)
	assert.ErrorIs(t, err, nack)
	assert.Equal(t, Idle, d.Phase())
	assert.Equal(t, 0, sink.count())

	r, err := d.Transact(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 5.0, r.Values[profile.Temperature])
	assert.Equal(t, Stats{Transactions: 2, TransportErrors: 1}, d.Stats())
}

func TestDevice_DecodeError(t *testing.T) {
	bus := new(bustest.MockI2CBus)
	bus.On("WriteToAddr", mock.Anything, byte(testAddress), mock.Anything).Return(nil)
	bus.On("ReadFromAddr", mock.Anything, byte(testAddress), mock.Anything).Return([]byte{0xFF, 0x00}, nil).Once()
	bus.On("ReadFromAddr", mock.Anything, byte(testAddress), mock.Anything).Return([]byte{0x10, 0x20}, nil)
	sink := &eventSink{}
	d := newTestDevice(t, bus, Config{}, WithListener(sink.listen))

	_, err := d.Transact(context.Background())
	assert.ErrorIs(t, err, ErrDecode)
	assert.ErrorIs(t, err, errBadByte)
	assert.Equal(t, 0, sink.count())
	_, ok := d.Last()
	assert.False(t, ok)

	_, err = d.Transact(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 2, sink.count())
	assert.Equal(t, Stats{Transactions: 2, DecodeErrors: 1}, d.Stats())
}

func TestDevice_ReadTimeout(t *testing.T) {
	bus := new(bustest.MockI2CBus)
	bus.On("WriteToAddr", mock.Anything, byte(testAddress), mock.Anything).Return(nil)
	bus.On("ReadFromAddr", mock.Anything, byte(testAddress), mock.Anything).
		Run(func(args mock.Arguments) {
			<-args.Get(0).(context.Context).Done()
		}).
		Return(nil, context.DeadlineExceeded)
	d := newTestDevice(t, bus, Config{}, WithReadTimeout(20*time.Millisecond))

	_, err := d.Transact(context.Background())
	assert.ErrorIs(t, err, ErrTransport)
	assert.ErrorIs(t, err, context.DeadlineExceeded)
	assert.Equal(t, Idle, d.Phase())
}

func TestDevice_StopDiscardsInFlightReading(t *testing.T) {
	bus := new(bustest.MockI2CBus)
	release := make(chan struct{})
	bus.On("WriteToAddr", mock.Anything, byte(testAddress), mock.Anything).Return(nil)
	bus.On("ReadFromAddr", mock.Anything, byte(testAddress), mock.Anything).
		Run(func(mock.Arguments) { <-release }).
		Return([]byte{1, 2}, nil)
	sink := &eventSink{}
	d := newTestDevice(t, bus, Config{}, WithListener(sink.listen))

	done := make(chan error, 1)
	require.True(t, d.Tick(context.Background(), func(err error) { done <- err }))
	assert.Eventually(t, func() bool { return d.Phase() == AwaitingRead }, time.Second, time.Millisecond)
	d.Stop()
	close(release)

	select {
	case err := <-done:
		assert.ErrorIs(t, err, ErrStopped)
	case <-time.After(time.Second):
		t.Fatal("transaction did not complete")
	}
	assert.Equal(t, 0, sink.count())
	assert.Equal(t, Stopped, d.Phase())
	assert.False(t, d.Tick(context.Background(), nil))
	_, err := d.Transact(context.Background())
	assert.ErrorIs(t, err, ErrStopped)
	assert.ErrorIs(t, d.Start(context.Background()), ErrStopped)
}

func TestDevice_StartPolls(t *testing.T) {
	bus := new(bustest.MockI2CBus)
	bus.On("WriteToAddr", mock.Anything, byte(testAddress), mock.Anything).Return(nil)
	bus.On("ReadFromAddr", mock.Anything, byte(testAddress), mock.Anything).Return([]byte{1, 2}, nil)
	sink := &eventSink{}
	d := newTestDevice(t, bus, Config{PollInterval: 20 * time.Millisecond}, WithListener(sink.listen))

	require.NoError(t, d.Start(context.Background()))
	require.NoError(t, d.Start(context.Background()), "second start is a no-op")
	assert.Eventually(t, func() bool { return sink.count() >= 6 }, 2*time.Second, 5*time.Millisecond)

	d.Stop()
	time.Sleep(10 * time.Millisecond)
	published := sink.count()
	time.Sleep(80 * time.Millisecond)
	assert.Equal(t, published, sink.count())
	assert.Equal(t, 0, published%2, "both channels are published per transaction")
	assert.Equal(t, int64(1), bus.MaxConcurrent())
}

func TestDevice_Detach(t *testing.T) {
	bus := new(bustest.MockI2CBus)
	bus.On("WriteToAddr", mock.Anything, byte(testAddress), mock.Anything).Return(nil)
	bus.On("ReadFromAddr", mock.Anything, byte(testAddress), mock.Anything).Return([]byte{1, 2}, nil)
	d := newTestDevice(t, bus, Config{PollInterval: 20 * time.Millisecond})

	require.NoError(t, d.Start(context.Background()))
	d.Detach()
	assert.Eventually(t, func() bool { return d.Phase() == Idle }, time.Second, time.Millisecond)
	before := d.Stats().Transactions
	time.Sleep(80 * time.Millisecond)
	assert.Equal(t, before, d.Stats().Transactions)

	_, err := d.Transact(context.Background())
	require.NoError(t, err)
	assert.Equal(t, before+1, d.Stats().Transactions)
}

func TestDevice_DetachWaitsForTransaction(t *testing.T) {
	bus := new(bustest.MockI2CBus)
	release := make(chan struct{})
	bus.On("WriteToAddr", mock.Anything, byte(testAddress), mock.Anything).Return(nil)
	bus.On("ReadFromAddr", mock.Anything, byte(testAddress), mock.Anything).
		Run(func(mock.Arguments) { <-release }).
		Return([]byte{1, 2}, nil).Once()
	d := newTestDevice(t, bus, Config{})

	require.True(t, d.Tick(context.Background(), nil))
	require.Eventually(t, func() bool { return d.Phase() == AwaitingRead }, time.Second, time.Millisecond)

	detached := make(chan struct{})
	go func() {
		d.Detach()
		close(detached)
	}()
	select {
	case <-detached:
		t.Fatal("detach returned with a transaction on the bus")
	case <-time.After(30 * time.Millisecond):
	}
	close(release)
	select {
	case <-detached:
	case <-time.After(time.Second):
		t.Fatal("detach did not return")
	}
	assert.Equal(t, Idle, d.Phase())
	assert.False(t, d.Busy())
	assert.Equal(t, uint64(1), d.Stats().Transactions)
}

func TestDevice_StartAfterDetach(t *testing.T) {
	bus := new(bustest.MockI2CBus)
	expectTransaction(bus, []byte{1, 2})
	bus.On("WriteToAddr", mock.Anything, byte(testAddress), []byte{0xA0}).Return(nil)
	d := newTestDevice(t, bus, Config{PollInterval: 10 * time.Millisecond})

	d.Detach()
	assert.ErrorIs(t, d.Start(context.Background()), ErrDetached)
	assert.ErrorIs(t, d.Setup(context.Background()), ErrDetached)
	time.Sleep(40 * time.Millisecond)
	assert.Empty(t, bus.Ops())

	// externally scheduled transactions still set the device up lazily
	_, err := d.Transact(context.Background())
	require.NoError(t, err)
	assert.Equal(t, []byte{0xA0}, bus.Writes(testAddress)[0])
}

func TestDevice_StartSurvivesSetupFailure(t *testing.T) {
	bus := new(bustest.MockI2CBus)
	nack := errors.New("address not acknowledged")
	bus.On("WriteToAddr", mock.Anything, byte(testAddress), []byte{0xA0}).Return(nack).Once()
	bus.On("WriteToAddr", mock.Anything, byte(testAddress), []byte{0xA0}).Return(nil)
	expectTransaction(bus, []byte{1, 2})
	sink := &eventSink{}
	d := newTestDevice(t, bus, Config{PollInterval: 10 * time.Millisecond}, WithListener(sink.listen))

	require.NoError(t, d.Start(context.Background()))
	assert.Eventually(t, func() bool { return sink.count() >= 2 }, time.Second, 5*time.Millisecond)
	d.Stop()
	writes := bus.Writes(testAddress)
	assert.Equal(t, []byte{0xA0}, writes[0])
	assert.Equal(t, []byte{0xA0}, writes[1], "setup retried by the first transaction")
}

func TestDevice_SetupKeepsPhaseIdle(t *testing.T) {
	bus := new(bustest.MockI2CBus)
	release := make(chan struct{})
	bus.On("WriteToAddr", mock.Anything, byte(testAddress), []byte{0xA0}).
		Run(func(mock.Arguments) { <-release }).
		Return(nil)
	d := newTestDevice(t, bus, Config{})

	done := make(chan error, 1)
	go func() { done <- d.Setup(context.Background()) }()
	require.Eventually(t, d.Busy, time.Second, time.Millisecond)
	assert.Equal(t, Idle, d.Phase())
	assert.False(t, d.Tick(context.Background(), nil))
	assert.ErrorIs(t, d.Setup(context.Background()), ErrBusy)
	assert.Equal(t, uint64(1), d.Stats().Dropped)

	close(release)
	require.NoError(t, <-done)
	assert.False(t, d.Busy())
}

func TestDevice_PhasesNeverOverlap(t *testing.T) {
	bus := new(bustest.MockI2CBus)
	bus.On("WriteToAddr", mock.Anything, byte(testAddress), mock.Anything).Return(nil)
	bus.On("ReadFromAddr", mock.Anything, byte(testAddress), mock.Anything).Return([]byte{1, 2}, nil)
	d := newTestDevice(t, bus, Config{})

	ctx, cancel := context.WithTimeout(context.Background(), 150*time.Millisecond)
	defer cancel()
	var wg sync.WaitGroup
	for range 4 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for ctx.Err() == nil {
				d.Tick(context.Background(), nil)
				time.Sleep(time.Millisecond)
			}
		}()
	}
	wg.Wait()
	assert.Eventually(t, func() bool { return d.Phase() == Idle }, time.Second, time.Millisecond)

	ops := bus.Ops()
	require.NotEmpty(t, ops)
	assert.Equal(t, []byte{0xA0}, ops[0].Data)
	ops = ops[1:]
	require.Equal(t, 0, len(ops)%3)
	for i := 0; i < len(ops); i += 3 {
		assert.Equal(t, []byte{0x01}, ops[i].Data)
		assert.Equal(t, []byte{0x02}, ops[i+1].Data)
		assert.True(t, ops[i+2].Read)
	}
	stats := d.Stats()
	assert.Equal(t, uint64(len(ops)/3), stats.Transactions)
	assert.NotZero(t, stats.Dropped)
	assert.Equal(t, int64(1), bus.MaxConcurrent())
}

func TestPhase_String(t *testing.T) {
	assert.Equal(t, "awaiting read", AwaitingRead.String())
	assert.Equal(t, "phase(9)", Phase(9).String())
}
