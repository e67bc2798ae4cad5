// Package bustest provides a testify based I2C bus double for package tests.
package bustest

import (
	"context"
	"sync"
	"sync/atomic"

	"github.com/stretchr/testify/mock"

	"github.com/mklimuk/i2cpoll"
)

var _ i2cpoll.I2CBus = &MockI2CBus{}

// MockI2CBus is a mock implementation of i2cpoll.I2CBus using testify/mock. It tracks
// how many bus operations overlap and keeps an ordered log of completed operations.
type MockI2CBus struct {
	mock.Mock
	concurrentOps int64
	maxConcurrent int64

	logMx sync.Mutex
	log   []Op
}

// Op is one completed bus operation.
type Op struct {
	Read    bool
	Address byte
	Data    []byte
}

func (m *MockI2CBus) enter() {
	concurrent := atomic.AddInt64(&m.concurrentOps, 1)
	for {
		current := atomic.LoadInt64(&m.maxConcurrent)
		if concurrent <= current || atomic.CompareAndSwapInt64(&m.maxConcurrent, current, concurrent) {
			return
		}
	}
}

func (m *MockI2CBus) leave() {
	atomic.AddInt64(&m.concurrentOps, -1)
}

func (m *MockI2CBus) record(op Op) {
	m.logMx.Lock()
	defer m.logMx.Unlock()
	m.log = append(m.log, op)
}

func (m *MockI2CBus) WriteToAddr(ctx context.Context, address byte, buffer []byte) error {
	m.enter()
	defer m.leave()
	args := m.Called(ctx, address, buffer)
	m.record(Op{Address: address, Data: append([]byte{}, buffer...)})
	return args.Error(0)
}

func (m *MockI2CBus) ReadFromAddr(ctx context.Context, address byte, buffer []byte) error {
	m.enter()
	defer m.leave()
	args := m.Called(ctx, address, buffer)
	if data, ok := args.Get(0).([]byte); ok && len(data) <= len(buffer) {
		copy(buffer, data)
	}
	m.record(Op{Read: true, Address: address, Data: append([]byte{}, buffer...)})
	return args.Error(1)
}

func (m *MockI2CBus) Release(ctx context.Context) error {
	args := m.Called(ctx)
	return args.Error(0)
}

// MaxConcurrent returns the highest number of overlapping bus operations observed.
func (m *MockI2CBus) MaxConcurrent() int64 {
	return atomic.LoadInt64(&m.maxConcurrent)
}

// Ops returns a copy of the operation log.
func (m *MockI2CBus) Ops() []Op {
	m.logMx.Lock()
	defer m.logMx.Unlock()
	return append([]Op{}, m.log...)
}

// Writes returns the payloads written to address, in order.
func (m *MockI2CBus) Writes(address byte) [][]byte {
	var res [][]byte
	for _, op := range m.Ops() {
		if !op.Read && op.Address == address {
			res = append(res, op.Data)
		}
	}
	return res
}
