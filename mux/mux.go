// Package mux time-shares one I2C bus between devices sitting behind a bus switch
// (PCA9548 and friends). On every tick the multiplexer routes the bus to the next
// channel and grants that channel's device one transaction; no other channel is selected
// until the device reports completion or the channel watchdog expires.
package mux

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/mklimuk/i2cpoll"
	"github.com/mklimuk/i2cpoll/profile"
)

const DefaultInterval = 5 * time.Second

// DefaultChannelTimeout exceeds the default device read timeout so a device normally
// aborts on its own before the watchdog releases the bus.
const DefaultChannelTimeout = 2 * time.Second

var ErrNoFreeChannel = errors.New("no free channel on switch")
var ErrChannelTimeout = errors.New("channel transaction timed out")
var ErrChildBusy = errors.New("child refused transaction")
var ErrStopped = errors.New("multiplexer stopped")

// Child is a device scheduled by the multiplexer. Tick starts one transaction and
// reports whether it did; done must be called exactly once when it started.
type Child interface {
	Name() string
	Tick(ctx context.Context, done func(error)) bool
	// Detach cancels the child's own scheduling and returns once the child is silent on
	// the bus.
	Detach()
}

// paced is implemented by children that must not be polled faster than a minimum
// interval (see profile.Profile.MinInterval).
type paced interface {
	MinInterval() time.Duration
}

type Config struct {
	Model          string
	Interval       time.Duration
	ChannelTimeout time.Duration
}

type Stats struct {
	Selections uint64
	Skipped    uint64
	Completed  uint64
	Failed     uint64
	Timeouts   uint64
}

type Option func(*Multiplexer)

func WithLogger(logger *slog.Logger) Option {
	return func(m *Multiplexer) {
		m.logger = logger
	}
}

// WithAddress overrides the switch address (address pins strapped differently).
func WithAddress(address byte) Option {
	return func(m *Multiplexer) {
		m.sw.Address = address
	}
}

type Multiplexer struct {
	mx sync.Mutex

	transport i2cpoll.I2CBus
	sw        profile.Switch
	base      time.Duration
	interval  time.Duration
	timeout   time.Duration
	logger    *slog.Logger

	lifetime context.Context
	cancel   context.CancelFunc
	loopStop context.CancelFunc
	loopDone chan struct{}

	children   []Child
	current    int
	pending    bool
	generation uint64
	watchdog   *time.Timer
	stopped    bool
	configured bool
	stats      Stats
}

func New(transport i2cpoll.I2CBus, cfg Config, opts ...Option) (*Multiplexer, error) {
	sw, err := profile.LookupSwitch(cfg.Model)
	if err != nil {
		return nil, fmt.Errorf("mux: %w", err)
	}
	m := &Multiplexer{
		transport: transport,
		sw:        sw,
		interval:  cfg.Interval,
		timeout:   cfg.ChannelTimeout,
		logger:    slog.Default(),
	}
	if m.interval <= 0 {
		m.interval = DefaultInterval
	}
	m.base = m.interval
	if m.timeout <= 0 {
		m.timeout = DefaultChannelTimeout
	}
	for _, opt := range opts {
		opt(m)
	}
	m.logger = m.logger.With("switch", sw.Model)
	m.lifetime, m.cancel = context.WithCancel(context.Background())
	return m, nil
}

// Add registers child on the next free channel and takes over its scheduling. It
// returns the channel number.
func (m *Multiplexer) Add(child Child) (int, error) {
	m.mx.Lock()
	full := len(m.children) >= m.sw.Channels
	m.mx.Unlock()
	if full {
		return 0, fmt.Errorf("mux: %w: %s has %d channels", ErrNoFreeChannel, m.sw.Model, m.sw.Channels)
	}
	child.Detach()

	m.mx.Lock()
	defer m.mx.Unlock()
	if len(m.children) >= m.sw.Channels {
		return 0, fmt.Errorf("mux: %w: %s has %d channels", ErrNoFreeChannel, m.sw.Model, m.sw.Channels)
	}
	m.children = append(m.children, child)
	ch := len(m.children) - 1
	m.interval = m.pace()
	m.logger.Debug("child added", "channel", ch, "child", child.Name(), "interval", m.interval)
	return ch, nil
}

// pace returns the tick interval: the configured one, stretched so that no child is
// granted transactions faster than its minimum interval. A child is granted one
// transaction every len(children) ticks.
func (m *Multiplexer) pace() time.Duration {
	interval := m.base
	n := time.Duration(len(m.children))
	for _, c := range m.children {
		p, ok := c.(paced)
		if !ok {
			continue
		}
		if perTick := (p.MinInterval() + n - 1) / n; perTick > interval {
			interval = perTick
		}
	}
	return interval
}

// Interval returns the effective tick interval.
func (m *Multiplexer) Interval() time.Duration {
	m.mx.Lock()
	defer m.mx.Unlock()
	return m.interval
}

func (m *Multiplexer) Len() int {
	m.mx.Lock()
	defer m.mx.Unlock()
	return len(m.children)
}

// Current returns the channel the next tick selects.
func (m *Multiplexer) Current() int {
	m.mx.Lock()
	defer m.mx.Unlock()
	return m.current
}

// Pending reports whether a channel transaction holds the bus.
func (m *Multiplexer) Pending() bool {
	m.mx.Lock()
	defer m.mx.Unlock()
	return m.pending
}

func (m *Multiplexer) Stats() Stats {
	m.mx.Lock()
	defer m.mx.Unlock()
	return m.stats
}

// Tick selects the current channel and starts its child's transaction. It is a no-op
// returning false while a transaction is pending or no child is registered.
func (m *Multiplexer) Tick(ctx context.Context) bool {
	m.mx.Lock()
	if m.stopped || len(m.children) == 0 {
		m.mx.Unlock()
		return false
	}
	if m.pending {
		m.stats.Skipped++
		m.mx.Unlock()
		return false
	}
	ch := m.current
	child := m.children[ch]
	m.pending = true
	m.generation++
	gen := m.generation
	m.stats.Selections++
	m.watchdog = time.AfterFunc(m.timeout, func() { m.expire(gen, ch) })
	m.mx.Unlock()

	if err := m.transport.WriteToAddr(ctx, m.sw.Address, m.sw.Select(ch)); err != nil {
		m.release(gen, ch, fmt.Errorf("could not select channel %d: %w", ch, err))
		return true
	}
	if !child.Tick(ctx, func(err error) { m.release(gen, ch, err) }) {
		m.release(gen, ch, ErrChildBusy)
	}
	return true
}

// release ends the transaction of generation gen and advances to the next channel.
// Completions of a transaction the watchdog already expired are ignored.
func (m *Multiplexer) release(gen uint64, ch int, err error) {
	m.mx.Lock()
	if !m.pending || gen != m.generation {
		m.mx.Unlock()
		m.logger.Debug("ignoring late completion", "channel", ch, "error", err)
		return
	}
	m.watchdog.Stop()
	m.pending = false
	m.current = (ch + 1) % len(m.children)
	if err != nil {
		m.stats.Failed++
	} else {
		m.stats.Completed++
	}
	m.mx.Unlock()
	if err != nil {
		m.logger.Warn("channel transaction failed", "channel", ch, "error", err)
	}
}

func (m *Multiplexer) expire(gen uint64, ch int) {
	m.mx.Lock()
	if !m.pending || gen != m.generation {
		m.mx.Unlock()
		return
	}
	m.pending = false
	m.current = (ch + 1) % len(m.children)
	m.stats.Timeouts++
	name := m.children[ch].Name()
	m.mx.Unlock()
	m.logger.Warn("releasing bus", "channel", ch, "child", name, "error", ErrChannelTimeout, "timeout", m.timeout)
}

// Start configures the bus and starts the scheduler timer.
func (m *Multiplexer) Start(ctx context.Context) error {
	m.mx.Lock()
	if m.stopped {
		m.mx.Unlock()
		return ErrStopped
	}
	configured := m.configured
	m.mx.Unlock()
	if !configured {
		if err := i2cpoll.ConfigureBus(ctx, m.transport); err != nil {
			return fmt.Errorf("mux: %w", err)
		}
	}

	m.mx.Lock()
	defer m.mx.Unlock()
	m.configured = true
	if m.loopStop != nil {
		return nil
	}
	loopCtx, stop := context.WithCancel(m.lifetime)
	m.loopStop = stop
	m.loopDone = make(chan struct{})
	go m.loop(loopCtx, m.loopDone)
	m.logger.Info("scheduler started", "interval", m.interval, "children", len(m.children))
	return nil
}

func (m *Multiplexer) loop(ctx context.Context, done chan struct{}) {
	defer close(done)
	interval := m.Interval()
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			m.Tick(m.lifetime)
			// children added after Start may change the pace
			if current := m.Interval(); current != interval {
				interval = current
				ticker.Reset(interval)
			}
		}
	}
}

// Stop halts scheduling and cancels the transaction in flight. Children are not stopped.
func (m *Multiplexer) Stop() {
	m.mx.Lock()
	stop, done := m.loopStop, m.loopDone
	m.loopStop, m.loopDone = nil, nil
	m.stopped = true
	if m.watchdog != nil {
		m.watchdog.Stop()
	}
	m.mx.Unlock()
	if stop != nil {
		stop()
		<-done
	}
	m.cancel()
	m.logger.Info("scheduler stopped")
}
