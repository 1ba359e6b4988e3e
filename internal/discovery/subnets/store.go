package subnets

import (
	"context"
	"errors"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"pivideo-control/internal/netutil"
)

// Range is one address window the discovery sweep covers, plus its
// runtime scan state.
type Range struct {
	ID        int64     `json:"id"`
	Spec      string    `json:"spec"` // CIDR or dash range, comma-separated
	Enabled   bool      `json:"enabled"`
	Note      string    `json:"note"`
	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`

	Scanning   bool      `json:"scanning"`
	LastScanAt time.Time `json:"last_scan_at"`
	Progress   int       `json:"progress"` // 0..100 best-effort
}

type Store struct {
	mu     sync.RWMutex
	byID   map[int64]*Range
	nextID atomic.Int64

	subMu sync.Mutex
	subs  map[int64]chan struct{}
	subID atomic.Int64
}

func NewStore() *Store {
	return &Store{
		byID: map[int64]*Range{},
		subs: map[int64]chan struct{}{},
	}
}

func (s *Store) Add(spec, note string) (*Range, error) {
	spec = strings.TrimSpace(spec)
	if spec == "" {
		return nil, errors.New("spec is empty")
	}
	if p := netutil.PreviewSpec(spec); !p.Valid {
		return nil, errors.New(p.Error)
	}

	now := time.Now().UTC()
	id := s.nextID.Add(1)
	r := &Range{
		ID:        id,
		Spec:      spec,
		Enabled:   true,
		Note:      strings.TrimSpace(note),
		CreatedAt: now,
		UpdatedAt: now,
	}

	s.mu.Lock()
	s.byID[id] = r
	s.mu.Unlock()
	s.notify()

	return cloneRange(r), nil
}

func (s *Store) Delete(id int64) bool {
	s.mu.Lock()
	_, ok := s.byID[id]
	if ok {
		delete(s.byID, id)
	}
	s.mu.Unlock()
	if ok {
		s.notify()
	}
	return ok
}

func (s *Store) Get(id int64) (*Range, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	r, ok := s.byID[id]
	if !ok {
		return nil, false
	}
	return cloneRange(r), true
}

func (s *Store) List() []*Range {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]*Range, 0, len(s.byID))
	for _, r := range s.byID {
		out = append(out, cloneRange(r))
	}
	return out
}

func (s *Store) SetEnabled(id int64, enabled bool) {
	s.mu.Lock()
	r, ok := s.byID[id]
	if ok {
		r.Enabled = enabled
		r.UpdatedAt = time.Now().UTC()
	}
	s.mu.Unlock()
	if ok {
		s.notify()
	}
}

func (s *Store) SetScanState(id int64, scanning bool, progress int, lastScanAt time.Time) {
	s.mu.Lock()
	r, ok := s.byID[id]
	if ok {
		r.Scanning = scanning
		r.Progress = progress
		if !lastScanAt.IsZero() {
			r.LastScanAt = lastScanAt
		}
		r.UpdatedAt = time.Now().UTC()
	}
	s.mu.Unlock()
	if ok {
		s.notify()
	}
}

func (s *Store) Subscribe(ctx context.Context) <-chan struct{} {
	id := s.subID.Add(1)
	ch := make(chan struct{}, 1)

	s.subMu.Lock()
	s.subs[id] = ch
	s.subMu.Unlock()

	go func() {
		<-ctx.Done()
		s.subMu.Lock()
		delete(s.subs, id)
		close(ch)
		s.subMu.Unlock()
	}()

	return ch
}

func (s *Store) notify() {
	s.subMu.Lock()
	defer s.subMu.Unlock()
	for _, ch := range s.subs {
		select {
		case ch <- struct{}{}:
		default:
		}
	}
}

func cloneRange(in *Range) *Range {
	cp := *in
	return &cp
}
