package fleet

import (
	"context"
	"sync"
	"sync/atomic"
	"time"
)

// Device is one media-player endpoint. Identity is Host.
type Device struct {
	Name   string `json:"name"`
	Host   string `json:"host"`
	Source string `json:"source,omitempty"` // directory / scanner / mikrotik

	Online    bool      `json:"online"`
	FirstSeen time.Time `json:"first_seen"`
	LastSeen  time.Time `json:"last_seen"`
	LastError string    `json:"last_error,omitempty"`
}

const (
	SourceDirectory = "directory"
	SourceScanner   = "scanner"
	SourceMikroTik  = "mikrotik"
)

type Store struct {
	mu     sync.RWMutex
	byHost map[string]*Device

	subMu sync.Mutex
	subs  map[int64]chan struct{}
	subID atomic.Int64
}

func NewStore() *Store {
	return &Store{
		byHost: map[string]*Device{},
		subs:   map[int64]chan struct{}{},
	}
}

// ReplaceDirectory swaps in the result of a successful directory poll.
// Directory-sourced devices absent from the new list are dropped; devices
// found by discovery sources are kept (the directory does not know them).
// Runtime state (Online, LastError, FirstSeen) survives the swap.
func (s *Store) ReplaceDirectory(devices []Device, now time.Time) {
	s.mu.Lock()
	defer s.mu.Unlock()

	incoming := map[string]bool{}
	for _, nd := range devices {
		incoming[nd.Host] = true
		d := s.byHost[nd.Host]
		if d == nil {
			d = &Device{Host: nd.Host, FirstSeen: now}
			s.byHost[nd.Host] = d
		}
		d.Name = nd.Name
		d.Source = SourceDirectory
		d.LastSeen = now
	}
	for host, d := range s.byHost {
		if d.Source == SourceDirectory && !incoming[host] {
			delete(s.byHost, host)
		}
	}

	s.notifyLocked()
}

// UpsertDiscovery merges in a device found by a discovery source. It never
// overwrites a directory-provided name.
func (s *Store) UpsertDiscovery(source, host, name string, now time.Time) *Device {
	s.mu.Lock()
	defer s.mu.Unlock()

	d := s.byHost[host]
	if d == nil {
		d = &Device{Host: host, Source: source, FirstSeen: now}
		s.byHost[host] = d
	}
	if d.Source != SourceDirectory {
		if name != "" {
			d.Name = name
		}
		if source != "" {
			d.Source = source
		}
	}
	d.LastSeen = now

	s.notifyLocked()
	return d
}

// SetPollState records the outcome of a status poll for one device.
func (s *Store) SetPollState(host string, online bool, pollErr string, now time.Time) {
	s.mu.Lock()
	defer s.mu.Unlock()
	d := s.byHost[host]
	if d == nil {
		return
	}
	d.Online = online
	d.LastError = pollErr
	if online {
		d.LastSeen = now
	}
	s.notifyLocked()
}

func (s *Store) Get(host string) (*Device, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	d := s.byHost[host]
	if d == nil {
		return nil, false
	}
	cp := *d
	return &cp, true
}

func (s *Store) List() []*Device {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := make([]*Device, 0, len(s.byHost))
	for _, d := range s.byHost {
		cp := *d
		out = append(out, &cp)
	}
	return out
}

// Subscribe emits a signal (coalesced) when the store changes.
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

func (s *Store) notifyLocked() {
	s.subMu.Lock()
	defer s.subMu.Unlock()
	for _, ch := range s.subs {
		select {
		case ch <- struct{}{}:
		default:
			// drop (coalesce)
		}
	}
}
