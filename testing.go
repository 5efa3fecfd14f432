package mtsched

import (
	"sync"

	"github.com/behrlich/go-mtsched/internal/signal"
)

// MockBlock provides a mock implementation of interfaces.Block for
// testing. It records every Execute call for verification, the way the
// teacher's MockBackend tracked ReadAt/WriteAt calls.
type MockBlock struct {
	mu sync.Mutex

	executed []ExecutedSignal

	// onExecute, when set, runs synchronously inside Execute before the
	// call is recorded -- useful for blocks that need to send a reply
	// signal back into the engine.
	onExecute func(gsn uint16, sig *signal.Signal)
}

// ExecutedSignal records one signal delivered to a MockBlock.
type ExecutedSignal struct {
	GSN  uint16
	Data []uint32
}

// NewMockBlock creates a MockBlock with no execution callback.
func NewMockBlock() *MockBlock {
	return &MockBlock{}
}

// SetOnExecute installs a callback invoked synchronously from Execute.
func (m *MockBlock) SetOnExecute(fn func(gsn uint16, sig *signal.Signal)) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.onExecute = fn
}

// Execute implements interfaces.Block.
func (m *MockBlock) Execute(gsn uint16, sig *signal.Signal) {
	m.mu.Lock()
	fn := m.onExecute
	m.mu.Unlock()

	if fn != nil {
		fn(gsn, sig)
	}

	data := make([]uint32, sig.Header.Length)
	copy(data, sig.Data[:sig.Header.Length])

	m.mu.Lock()
	m.executed = append(m.executed, ExecutedSignal{GSN: gsn, Data: data})
	m.mu.Unlock()
}

// Executed returns a copy of every signal delivered so far.
func (m *MockBlock) Executed() []ExecutedSignal {
	m.mu.Lock()
	defer m.mu.Unlock()

	out := make([]ExecutedSignal, len(m.executed))
	copy(out, m.executed)
	return out
}

// ExecuteCount returns the number of Execute calls so far.
func (m *MockBlock) ExecuteCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.executed)
}

// LastGSN returns the GSN of the most recently executed signal, or 0 if
// none have executed yet.
func (m *MockBlock) LastGSN() uint16 {
	m.mu.Lock()
	defer m.mu.Unlock()
	if len(m.executed) == 0 {
		return 0
	}
	return m.executed[len(m.executed)-1].GSN
}

// Reset clears every recorded execution.
func (m *MockBlock) Reset() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.executed = nil
}
