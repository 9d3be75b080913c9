package provisioning

import (
	"fmt"

	"github.com/meshx/meshcore/internal/merr"
)

// Manager pools concurrent outbound provisioning contexts, one per PB-ADV
// link, generalizing original_source's MESHX_PROV_SELF_NUM context table
// (a compile-time constant there) into a configurable capacity here.
type Manager struct {
	capacity int
	fsms     map[uint32]*FSM
}

// NewManager creates a Manager bounded to capacity concurrent contexts.
func NewManager(capacity int) *Manager {
	return &Manager{capacity: capacity, fsms: make(map[uint32]*FSM)}
}

// Begin allocates a fresh FSM for linkID, failing if the pool is exhausted
// or a context for that link already exists.
func (m *Manager) Begin(linkID uint32) (*FSM, error) {
	if _, ok := m.fsms[linkID]; ok {
		return nil, fmt.Errorf("provisioning context for link %d already exists: %w", linkID, merr.Already)
	}
	if len(m.fsms) >= m.capacity {
		return nil, fmt.Errorf("provisioning context pool exhausted: %w", merr.Resource)
	}
	f := NewFSM()
	m.fsms[linkID] = f
	return f, nil
}

// Get returns the context bound to linkID, if any.
func (m *Manager) Get(linkID uint32) (*FSM, bool) {
	f, ok := m.fsms[linkID]
	return f, ok
}

// End releases the context bound to linkID, freeing a pool slot.
func (m *Manager) End(linkID uint32) {
	delete(m.fsms, linkID)
}

// Len reports the number of contexts currently in use.
func (m *Manager) Len() int { return len(m.fsms) }
