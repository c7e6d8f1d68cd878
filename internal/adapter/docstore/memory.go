package docstore

import (
	"strings"
	"sync"

	"github.com/justLukaBB/creditor-email-matcher-sub001/internal/domain"
)

// Memory is an in-process DocStore for development. Idempotency keys are
// honored the way the real store honors the header: a replayed key is a
// no-op.
type Memory struct {
	mu      sync.RWMutex
	byKey   map[string]struct{}
	records map[string]domain.DebtRecord
}

func NewMemory() *Memory {
	return &Memory{byKey: map[string]struct{}{}, records: map[string]domain.DebtRecord{}}
}

func (m *Memory) UpsertDebt(_ domain.Context, rec domain.DebtRecord, idempotencyKey string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if idempotencyKey != "" {
		if _, seen := m.byKey[idempotencyKey]; seen {
			return nil
		}
		m.byKey[idempotencyKey] = struct{}{}
	}
	m.records[rec.TicketID] = rec
	return nil
}

func (m *Memory) GetByTicket(_ domain.Context, ticketID string) (*domain.DebtRecord, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if rec, ok := m.records[ticketID]; ok {
		out := rec
		return &out, nil
	}
	return nil, nil
}

func (m *Memory) FindByClientName(_ domain.Context, clientName string) (*domain.DebtRecord, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	for _, rec := range m.records {
		if strings.EqualFold(rec.ClientName, clientName) {
			out := rec
			return &out, nil
		}
	}
	return nil, nil
}

func (m *Memory) Ping(domain.Context) error { return nil }
