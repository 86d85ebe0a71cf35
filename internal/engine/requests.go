package engine

import (
	"context"
	"sync"

	"entropycalc/internal/oracle"
)

// RequestState is the tracker's view of one request id.
type RequestState int

const (
	// RequestUnknown: never issued by this engine.
	RequestUnknown RequestState = iota
	// RequestPending: issued and not yet consumed.
	RequestPending
	// RequestConsumed: its randomness has been used.
	RequestConsumed
)

func (s RequestState) String() string {
	switch s {
	case RequestPending:
		return "pending"
	case RequestConsumed:
		return "consumed"
	default:
		return "unknown"
	}
}

// RequestTable stores the pending flag per request id. Keys are never removed.
type RequestTable interface {
	// Record marks id pending. It fails with ErrDuplicateRequest if id is already present, in
	// either state.
	Record(ctx context.Context, id oracle.RequestID) error

	State(ctx context.Context, id oracle.RequestID) (RequestState, error)

	// Consume flips a pending id to consumed. It fails with ErrUnknownOrConsumedRequest if id is
	// not pending.
	Consume(ctx context.Context, id oracle.RequestID) error

	// PendingCount is the number of ids recorded and not yet consumed.
	PendingCount(ctx context.Context) (int, error)
}

// MemoryRequests is an in-memory RequestTable.
type MemoryRequests struct {
	mu      sync.Mutex
	pending map[oracle.RequestID]bool
}

// NewMemoryRequests creates an empty table.
func NewMemoryRequests() *MemoryRequests {
	return &MemoryRequests{pending: make(map[oracle.RequestID]bool)}
}

func (m *MemoryRequests) Record(ctx context.Context, id oracle.RequestID) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.pending[id]; ok {
		return ErrDuplicateRequest
	}
	m.pending[id] = true
	return nil
}

func (m *MemoryRequests) State(ctx context.Context, id oracle.RequestID) (RequestState, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	pending, ok := m.pending[id]
	switch {
	case !ok:
		return RequestUnknown, nil
	case pending:
		return RequestPending, nil
	default:
		return RequestConsumed, nil
	}
}

func (m *MemoryRequests) Consume(ctx context.Context, id oracle.RequestID) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if !m.pending[id] {
		return ErrUnknownOrConsumedRequest
	}
	m.pending[id] = false
	return nil
}

func (m *MemoryRequests) PendingCount(ctx context.Context) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	n := 0
	for _, p := range m.pending {
		if p {
			n++
		}
	}
	return n, nil
}
