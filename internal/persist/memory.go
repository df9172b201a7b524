package persist

import (
	"sync"

	"github.com/sweeney/valve-controller/internal/logic"
)

// MemoryStore keeps the state in process memory with an explicit written
// flag. It stands in for retained memory in tests and dry runs.
type MemoryStore struct {
	mu      sync.Mutex
	state   logic.ValveState
	written bool

	// Saves counts successful Save calls.
	Saves int

	// SaveError, if set, will be returned by Save.
	SaveError error
}

// NewMemoryStore creates an empty (never written) store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{}
}

// Save records the state.
func (m *MemoryStore) Save(state logic.ValveState) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.SaveError != nil {
		return m.SaveError
	}
	if !state.Valid() {
		return logic.ErrInvalidState
	}
	m.state = state
	m.written = true
	m.Saves++
	return nil
}

// Load returns the last saved state.
func (m *MemoryStore) Load() (logic.ValveState, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if !m.written {
		return logic.StateUnknown, false, nil
	}
	return m.state, true, nil
}

// Wipe simulates a power loss.
func (m *MemoryStore) Wipe() {
	m.mu.Lock()
	m.state = logic.StateUnknown
	m.written = false
	m.mu.Unlock()
}

// Close is a no-op.
func (m *MemoryStore) Close() error {
	return nil
}
