package repo

import (
	"context"
	"sync"

	"pivideo-control/internal/events"
)

// MemoryLog is a fixed-capacity ring of recent events. Oldest entries are
// overwritten; Recent returns newest first.
type MemoryLog struct {
	mu   sync.Mutex
	buf  []events.Record
	next int
	full bool
}

func NewMemoryLog(capacity int) *MemoryLog {
	if capacity <= 0 {
		capacity = 256
	}
	return &MemoryLog{buf: make([]events.Record, capacity)}
}

func (l *MemoryLog) Append(ctx context.Context, r events.Record) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.buf[l.next] = r
	l.next = (l.next + 1) % len(l.buf)
	if l.next == 0 {
		l.full = true
	}
	return nil
}

func (l *MemoryLog) Recent(ctx context.Context, limit int) ([]events.Record, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	n := l.next
	if l.full {
		n = len(l.buf)
	}
	if limit <= 0 || limit > n {
		limit = n
	}

	out := make([]events.Record, 0, limit)
	for i := 0; i < limit; i++ {
		idx := (l.next - 1 - i + len(l.buf)) % len(l.buf)
		out = append(out, l.buf[idx])
	}
	return out, nil
}
