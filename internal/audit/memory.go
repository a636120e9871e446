package audit

import (
	"context"
	"sync"
	"time"

	"billing-pipeline/internal/models"
)

// MemoryStore keeps chains in process. It backs tests and dry runs.
type MemoryStore struct {
	mu     sync.Mutex
	chains map[string][]models.AuditEntry
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{chains: make(map[string][]models.AuditEntry)}
}

func (m *MemoryStore) AppendLocked(_ context.Context, orgID string, build func(string, time.Time) (models.AuditEntry, error)) (models.AuditEntry, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	prevHash := Genesis
	var prevAt time.Time
	if chain := m.chains[orgID]; len(chain) > 0 {
		last := chain[len(chain)-1]
		prevHash, prevAt = last.Hash, last.CreatedAt
	}
	e, err := build(prevHash, prevAt)
	if err != nil {
		return models.AuditEntry{}, err
	}
	m.chains[orgID] = append(m.chains[orgID], e)
	return e, nil
}

func (m *MemoryStore) Entries(_ context.Context, orgID string) ([]models.AuditEntry, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]models.AuditEntry(nil), m.chains[orgID]...), nil
}

// Mutate edits a stored entry in place. Tests use it to simulate tampering.
func (m *MemoryStore) Mutate(orgID string, index int, fn func(*models.AuditEntry)) {
	m.mu.Lock()
	defer m.mu.Unlock()
	fn(&m.chains[orgID][index])
}
