package notify

import (
	"context"
	"sync"

	"kasirinaja/ledger/internal/domain"
)

// Ring keeps the newest events in process memory. It stands in for RedisSink
// when no Redis is configured.
type Ring struct {
	mu     sync.Mutex
	events []domain.Notification
	next   int
	full   bool
}

func NewRing(size int) *Ring {
	if size < 1 {
		size = 1
	}
	return &Ring{events: make([]domain.Notification, size)}
}

func (r *Ring) Publish(_ context.Context, n domain.Notification) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	r.events[r.next] = n
	r.next = (r.next + 1) % len(r.events)
	if r.next == 0 {
		r.full = true
	}
	return nil
}

func (r *Ring) Recent(_ context.Context, n int64) ([]domain.Notification, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	stored := r.next
	if r.full {
		stored = len(r.events)
	}
	if n <= 0 || n > int64(stored) {
		n = int64(stored)
	}
	out := make([]domain.Notification, 0, n)
	for i := 1; i <= int(n); i++ {
		idx := (r.next - i + len(r.events)) % len(r.events)
		out = append(out, r.events[idx])
	}
	return out, nil
}
