package groups

import (
	"context"
	"encoding/json"
	"errors"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"pivideo-control/internal/fleet"
)

var (
	ErrNotFound   = errors.New("group not found")
	ErrValidation = errors.New("invalid group")
)

// Group is a named set of devices controlled as one unit. The store owns the
// persisted definitions; the coordinator only ever reads snapshots.
type Group struct {
	ID        string         `json:"id"`
	Name      string         `json:"name"`
	Devices   []fleet.Device `json:"devices"`
	CreatedAt time.Time      `json:"created_at"`
}

// Store persists all groups as one JSON document with whole-document
// replace semantics: readers always observe the pre- or post-mutation
// mapping, never an intermediate state.
type Store struct {
	mu   sync.RWMutex
	path string
	byID map[string]Group

	subMu sync.Mutex
	subs  map[int64]chan struct{}
	subID atomic.Int64
}

func Open(dir string) (*Store, error) {
	if dir == "" {
		dir = "data"
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, err
	}
	s := &Store{
		path: filepath.Join(dir, "groups.json"),
		byID: map[string]Group{},
		subs: map[int64]chan struct{}{},
	}
	if err := s.load(); err != nil {
		return nil, err
	}
	return s, nil
}

// List returns a copy of the full id -> group mapping.
func (s *Store) List() map[string]Group {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make(map[string]Group, len(s.byID))
	for id, g := range s.byID {
		out[id] = copyGroup(g)
	}
	return out
}

// ListSorted returns groups ordered by creation time (stable for display).
func (s *Store) ListSorted() []Group {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]Group, 0, len(s.byID))
	for _, g := range s.byID {
		out = append(out, copyGroup(g))
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].ID < out[j].ID
		}
		return out[i].CreatedAt.Before(out[j].CreatedAt)
	})
	return out
}

func (s *Store) Get(id string) (Group, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	g, ok := s.byID[id]
	if !ok {
		return Group{}, false
	}
	return copyGroup(g), true
}

// Create validates and persists a new group, returning it with a generated
// id. Validation happens before any persistence attempt.
func (s *Store) Create(name string, devices []fleet.Device) (Group, error) {
	name = strings.TrimSpace(name)
	if name == "" {
		return Group{}, errors.Join(ErrValidation, errors.New("name is empty"))
	}
	if len(devices) == 0 {
		return Group{}, errors.Join(ErrValidation, errors.New("devices is empty"))
	}

	g := Group{
		ID:        uuid.NewString(),
		Name:      name,
		Devices:   dedupeByHost(devices),
		CreatedAt: time.Now().UTC(),
	}

	s.mu.Lock()
	s.byID[g.ID] = g
	err := s.saveLocked()
	s.mu.Unlock()
	if err != nil {
		return Group{}, err
	}

	s.notify()
	return copyGroup(g), nil
}

// Update renames a group and/or replaces its membership. Empty name keeps
// the current one; nil devices keeps the current membership.
func (s *Store) Update(id, name string, devices []fleet.Device) (Group, error) {
	s.mu.Lock()
	g, ok := s.byID[id]
	if !ok {
		s.mu.Unlock()
		return Group{}, ErrNotFound
	}
	if n := strings.TrimSpace(name); n != "" {
		g.Name = n
	}
	if devices != nil {
		if len(devices) == 0 {
			s.mu.Unlock()
			return Group{}, errors.Join(ErrValidation, errors.New("devices is empty"))
		}
		g.Devices = dedupeByHost(devices)
	}
	s.byID[id] = g
	err := s.saveLocked()
	s.mu.Unlock()
	if err != nil {
		return Group{}, err
	}

	s.notify()
	return copyGroup(g), nil
}

func (s *Store) Delete(id string) error {
	s.mu.Lock()
	if _, ok := s.byID[id]; !ok {
		s.mu.Unlock()
		return ErrNotFound
	}
	delete(s.byID, id)
	err := s.saveLocked()
	s.mu.Unlock()
	if err != nil {
		return err
	}

	s.notify()
	return nil
}

// MemberOfAny reports whether any group lists the host. Linear over
// groups x members; fleets are tens of devices, not millions.
func (s *Store) MemberOfAny(host string) bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	for _, g := range s.byID {
		for _, d := range g.Devices {
			if d.Host == host {
				return true
			}
		}
	}
	return false
}

// Subscribe emits a signal (coalesced) when any group changes.
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

func (s *Store) load() error {
	b, err := os.ReadFile(s.path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return err
	}
	var m map[string]Group
	if err := json.Unmarshal(b, &m); err != nil {
		// keep empty mapping if corrupt
		return nil
	}
	for id, g := range m {
		if g.ID == "" {
			g.ID = id
		}
		s.byID[id] = g
	}
	return nil
}

func (s *Store) saveLocked() error {
	b, err := json.MarshalIndent(s.byID, "", "  ")
	if err != nil {
		return err
	}
	tmp := s.path + ".tmp"
	if err := os.WriteFile(tmp, b, 0o644); err != nil {
		return err
	}
	return os.Rename(tmp, s.path)
}

func copyGroup(g Group) Group {
	cp := g
	cp.Devices = append([]fleet.Device(nil), g.Devices...)
	return cp
}

func dedupeByHost(devices []fleet.Device) []fleet.Device {
	seen := map[string]bool{}
	out := make([]fleet.Device, 0, len(devices))
	for _, d := range devices {
		if d.Host == "" || seen[d.Host] {
			continue
		}
		seen[d.Host] = true
		out = append(out, d)
	}
	return out
}
