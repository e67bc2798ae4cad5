// Package poller drives one device through its measurement cycle on a fixed interval:
//
//	Idle -> AwaitingConversion -> AwaitingRead -> Decoding -> Idle
//
// At most one transaction is in flight per device. Ticks arriving mid-transaction are
// dropped, never queued. A device either schedules itself (Start) or is scheduled by a
// bus switch (see package mux), which calls Tick directly after Detach.
package poller

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/mklimuk/i2cpoll"
	"github.com/mklimuk/i2cpoll/profile"
)

const DefaultPollInterval = 500 * time.Millisecond
const DefaultReadTimeout = time.Second

var ErrStopped = errors.New("device stopped")
var ErrBusy = errors.New("transaction in progress")
var ErrDetached = errors.New("device scheduled externally")
var ErrUnsupportedChannel = errors.New("channel not supported by device")

// ErrTransport marks a transaction aborted by the bus; ErrDecode one whose bytes could
// not be decoded. Both are contained: the device returns to Idle and keeps polling.
var ErrTransport = errors.New("transport error")
var ErrDecode = errors.New("decode error")

type Phase int

const (
	Idle Phase = iota
	AwaitingConversion
	AwaitingRead
	Decoding
	Stopped
)

func (p Phase) String() string {
	switch p {
	case Idle:
		return "idle"
	case AwaitingConversion:
		return "awaiting conversion"
	case AwaitingRead:
		return "awaiting read"
	case Decoding:
		return "decoding"
	case Stopped:
		return "stopped"
	default:
		return fmt.Sprintf("phase(%d)", int(p))
	}
}

// Event carries one channel value of a completed transaction.
type Event struct {
	Device  string
	Channel profile.Channel
	Value   float64
	At      time.Time
}

// Listener receives events synchronously from the transaction goroutine.
type Listener func(Event)

// Config is supplied once at construction.
type Config struct {
	Model string
	// Name identifies the device in events and logs; defaults to the lower-cased model.
	Name         string
	PollInterval time.Duration
	// Channels to publish; all channels of the profile when empty.
	Channels []profile.Channel
}

type Stats struct {
	Transactions    uint64
	Dropped         uint64
	TransportErrors uint64
	DecodeErrors    uint64
}

type Option func(*Device)

// WithListener registers a listener for published events.
func WithListener(l Listener) Option {
	return func(d *Device) {
		d.listeners = append(d.listeners, l)
	}
}

func WithLogger(logger *slog.Logger) Option {
	return func(d *Device) {
		d.logger = logger
	}
}

// WithAddress overrides the bus address of the profile.
func WithAddress(address byte) Option {
	return func(d *Device) {
		d.profile.Address = address
	}
}

// WithReadTimeout bounds how long the device waits in AwaitingRead.
func WithReadTimeout(timeout time.Duration) Option {
	return func(d *Device) {
		d.readTimeout = timeout
	}
}

// Device is a polled I2C device.
type Device struct {
	mx sync.Mutex

	transport   i2cpoll.I2CBus
	profile     profile.Profile
	name        string
	interval    time.Duration
	channels    []profile.Channel
	listeners   []Listener
	logger      *slog.Logger
	readTimeout time.Duration

	// lifetime is cancelled by Stop and aborts any transaction in flight
	lifetime context.Context
	cancel   context.CancelFunc

	phase     Phase
	setupDone bool
	detached  bool
	// inflight is closed when the running setup or transaction ends; nil when idle
	inflight chan struct{}
	loopStop  context.CancelFunc
	loopDone  chan struct{}
	last      profile.Reading
	hasLast   bool
	stats     Stats
}

// New creates a device for cfg.Model. An unknown model or a channel the model cannot
// produce is reported here, before any bus traffic.
func New(transport i2cpoll.I2CBus, cfg Config, opts ...Option) (*Device, error) {
	p, err := profile.Lookup(cfg.Model)
	if err != nil {
		return nil, fmt.Errorf("poller: %w", err)
	}
	channels := cfg.Channels
	if len(channels) == 0 {
		channels = p.Channels
	}
	for _, ch := range channels {
		if !p.Supports(ch) {
			return nil, fmt.Errorf("poller: %w: %s does not produce %q", ErrUnsupportedChannel, p.Model, ch)
		}
	}
	interval := cfg.PollInterval
	if interval <= 0 {
		interval = DefaultPollInterval
	}
	if interval < p.MinInterval {
		interval = p.MinInterval
	}
	name := cfg.Name
	if name == "" {
		name = strings.ToLower(p.Model)
	}
	d := &Device{
		transport:   transport,
		profile:     p,
		name:        name,
		interval:    interval,
		channels:    append([]profile.Channel{}, channels...),
		logger:      slog.Default(),
		readTimeout: DefaultReadTimeout,
	}
	for _, opt := range opts {
		opt(d)
	}
	d.logger = d.logger.With("device", d.name, "model", p.Model)
	d.lifetime, d.cancel = context.WithCancel(context.Background())
	return d, nil
}

func (d *Device) Name() string {
	return d.name
}

func (d *Device) Profile() profile.Profile {
	return d.profile
}

func (d *Device) Interval() time.Duration {
	return d.interval
}

// Phase reports the transaction phase. A running Setup is not a transaction and leaves
// the phase Idle; see Busy.
func (d *Device) Phase() Phase {
	d.mx.Lock()
	defer d.mx.Unlock()
	return d.phase
}

// Busy reports whether a setup or a transaction is running.
func (d *Device) Busy() bool {
	d.mx.Lock()
	defer d.mx.Unlock()
	return d.inflight != nil
}

func (d *Device) MinInterval() time.Duration {
	return d.profile.MinInterval
}

func (d *Device) Stats() Stats {
	d.mx.Lock()
	defer d.mx.Unlock()
	return d.stats
}

// Last returns the most recent successfully decoded reading.
func (d *Device) Last() (profile.Reading, bool) {
	d.mx.Lock()
	defer d.mx.Unlock()
	return d.last, d.hasLast
}

// Setup configures the bus and writes the profile's setup sequence. It runs once; later
// calls are no-ops. Devices that were never set up run it at the start of their first
// transaction. A detached device is set up lazily on its first granted transaction only.
func (d *Device) Setup(ctx context.Context) error {
	d.mx.Lock()
	switch {
	case d.phase == Stopped:
		d.mx.Unlock()
		return ErrStopped
	case d.detached:
		d.mx.Unlock()
		return ErrDetached
	case d.inflight != nil:
		d.mx.Unlock()
		return ErrBusy
	}
	done := make(chan struct{})
	d.inflight = done
	d.mx.Unlock()

	err := d.setup(ctx)

	d.mx.Lock()
	d.inflight = nil
	d.mx.Unlock()
	close(done)
	return err
}

// setup must run while the device holds inflight.
func (d *Device) setup(ctx context.Context) error {
	d.mx.Lock()
	done := d.setupDone
	d.mx.Unlock()
	if done {
		return nil
	}
	if err := i2cpoll.ConfigureBus(ctx, d.transport); err != nil {
		return fmt.Errorf("%s: %w", d.name, err)
	}
	if d.profile.Setup != nil {
		if err := wait(ctx, d.profile.SetupDelay); err != nil {
			return err
		}
		if err := d.transport.WriteToAddr(ctx, d.profile.Address, d.profile.Setup); err != nil {
			return fmt.Errorf("%s: could not write setup sequence: %w", d.name, err)
		}
	}
	d.mx.Lock()
	d.setupDone = true
	d.mx.Unlock()
	d.logger.Debug("device set up")
	return nil
}

// Start sets the device up and starts its poll timer. The first transaction begins one
// interval after Start returns. A failed setup write does not prevent polling: it is
// logged and retried at the start of every transaction until it succeeds.
func (d *Device) Start(ctx context.Context) error {
	if err := d.Setup(ctx); err != nil {
		switch {
		case errors.Is(err, ErrStopped), errors.Is(err, ErrDetached):
			return err
		case ctx.Err() != nil:
			return ctx.Err()
		case !errors.Is(err, ErrBusy):
			d.logger.Warn("setup failed, retrying on first transaction", "error", err)
		}
	}
	d.mx.Lock()
	defer d.mx.Unlock()
	switch {
	case d.phase == Stopped:
		return ErrStopped
	case d.detached:
		return ErrDetached
	case d.loopStop != nil:
		return nil
	}
	loopCtx, stop := context.WithCancel(d.lifetime)
	d.loopStop = stop
	d.loopDone = make(chan struct{})
	go d.loop(loopCtx, d.loopDone)
	d.logger.Info("polling started", "interval", d.interval)
	return nil
}

func (d *Device) loop(ctx context.Context, done chan struct{}) {
	defer close(done)
	ticker := time.NewTicker(d.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			d.Tick(d.lifetime, nil)
		}
	}
}

// Detach hands scheduling to the caller for good. It cancels the poll timer and waits
// for the setup or transaction in flight, so the device is silent on the bus when it
// returns. Start and Setup fail with ErrDetached afterwards; Tick and Transact keep
// working.
func (d *Device) Detach() {
	d.mx.Lock()
	d.detached = true
	d.mx.Unlock()
	d.stopLoop()

	d.mx.Lock()
	inflight := d.inflight
	d.mx.Unlock()
	if inflight != nil {
		<-inflight
	}
	d.logger.Debug("poll timer detached")
}

// Stop is terminal: it cancels the poll timer and any transaction in flight. A reading
// decoded after Stop is discarded.
func (d *Device) Stop() {
	d.mx.Lock()
	d.phase = Stopped
	d.mx.Unlock()
	d.cancel()
	d.stopLoop()
	d.logger.Info("polling stopped")
}

func (d *Device) stopLoop() {
	d.mx.Lock()
	stop, done := d.loopStop, d.loopDone
	d.loopStop, d.loopDone = nil, nil
	d.mx.Unlock()
	if stop == nil {
		return
	}
	stop()
	<-done
}

// Tick begins one transaction unless one is already in flight. It reports whether a
// transaction started; done, when not nil, is invoked exactly once after it completes.
func (d *Device) Tick(ctx context.Context, done func(error)) bool {
	return d.begin(ctx, func(_ profile.Reading, err error) {
		if done != nil {
			done(err)
		}
	})
}

// Transact runs one transaction and waits for its reading.
func (d *Device) Transact(ctx context.Context) (profile.Reading, error) {
	type result struct {
		reading profile.Reading
		err     error
	}
	res := make(chan result, 1)
	started := d.begin(ctx, func(r profile.Reading, err error) {
		res <- result{reading: r, err: err}
	})
	if !started {
		if d.Phase() == Stopped {
			return profile.Reading{}, ErrStopped
		}
		return profile.Reading{}, ErrBusy
	}
	r := <-res
	return r.reading, r.err
}

func (d *Device) begin(ctx context.Context, done func(profile.Reading, error)) bool {
	d.mx.Lock()
	if d.phase == Stopped {
		d.mx.Unlock()
		return false
	}
	if d.inflight != nil {
		d.stats.Dropped++
		phase := d.phase
		d.mx.Unlock()
		d.logger.Debug("tick dropped", "phase", phase)
		return false
	}
	d.phase = AwaitingConversion
	inflight := make(chan struct{})
	d.inflight = inflight
	d.mx.Unlock()
	go d.transact(ctx, inflight, done)
	return true
}

func (d *Device) transact(ctx context.Context, inflight chan struct{}, done func(profile.Reading, error)) {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()
	release := context.AfterFunc(d.lifetime, cancel)
	defer release()

	reading, err := d.run(ctx)
	err = d.complete(reading, err)
	close(inflight)
	done(reading, err)
}

func (d *Device) run(ctx context.Context) (profile.Reading, error) {
	p := d.profile
	if err := d.setup(ctx); err != nil {
		return profile.Reading{}, fmt.Errorf("%w: %w", ErrTransport, err)
	}
	err := d.transport.WriteToAddr(ctx, p.Address, p.StartConversion)
	if err != nil {
		return profile.Reading{}, fmt.Errorf("%w: could not start conversion: %w", ErrTransport, err)
	}
	if err := wait(ctx, p.ConversionDelay); err != nil {
		return profile.Reading{}, fmt.Errorf("%w: %w", ErrTransport, err)
	}

	d.setPhase(AwaitingRead)
	if p.ReadyToRead != nil {
		err = d.transport.WriteToAddr(ctx, p.Address, p.ReadyToRead)
		if err != nil {
			return profile.Reading{}, fmt.Errorf("%w: could not request read: %w", ErrTransport, err)
		}
	}
	readCtx, cancel := context.WithTimeout(ctx, d.readTimeout)
	defer cancel()
	buf := make([]byte, p.TransactionBytes)
	if err := d.transport.ReadFromAddr(readCtx, p.Address, buf); err != nil {
		return profile.Reading{}, fmt.Errorf("%w: could not read %d bytes: %w", ErrTransport, p.TransactionBytes, err)
	}

	d.setPhase(Decoding)
	reading, err := p.Decode(buf)
	if err != nil {
		return profile.Reading{}, fmt.Errorf("%w: %w", ErrDecode, err)
	}
	return reading, nil
}

// complete publishes a successful reading and returns the device to Idle.
func (d *Device) complete(reading profile.Reading, err error) error {
	d.mx.Lock()
	if d.phase == Stopped {
		d.inflight = nil
		d.mx.Unlock()
		d.logger.Debug("discarding transaction of stopped device", "error", err)
		if err == nil {
			err = ErrStopped
		}
		return err
	}
	d.stats.Transactions++
	switch {
	case errors.Is(err, ErrDecode):
		d.stats.DecodeErrors++
	case err != nil:
		d.stats.TransportErrors++
	default:
		d.last, d.hasLast = reading, true
	}
	d.mx.Unlock()

	if err != nil {
		d.logger.Warn("transaction failed", "error", err)
	} else {
		d.publish(reading)
	}

	d.mx.Lock()
	if d.phase != Stopped {
		d.phase = Idle
	}
	d.inflight = nil
	d.mx.Unlock()
	return err
}

func (d *Device) publish(reading profile.Reading) {
	at := time.Now()
	for _, ch := range d.channels {
		v, ok := reading.Value(ch)
		if !ok {
			continue
		}
		ev := Event{Device: d.name, Channel: ch, Value: v, At: at}
		for _, l := range d.listeners {
			l(ev)
		}
	}
}

func (d *Device) setPhase(p Phase) {
	d.mx.Lock()
	defer d.mx.Unlock()
	if d.phase != Stopped {
		d.phase = p
	}
}

func wait(ctx context.Context, delay time.Duration) error {
	if delay <= 0 {
		return ctx.Err()
	}
	timer := time.NewTimer(delay)
	defer timer.Stop()
	select {
	case <-timer.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
