package poller

import (
	"context"
	"sync"
	"time"

	"go.uber.org/zap"

	"pivideo-control/internal/agent/httpapi"
	"pivideo-control/internal/fleet"
)

// Agent is the slice of the device-agent client the poller needs.
type Agent interface {
	Status(ctx context.Context, host string) (*httpapi.DeviceStatus, error)
	TVStatus(ctx context.Context, host string) (*httpapi.TVStatus, error)
}

// Snapshot is one device's poll result. Failed sub-requests become nil
// values plus an error marker; a snapshot is produced for every poll.
type Snapshot struct {
	Host     string                `json:"host"`
	Status   *httpapi.DeviceStatus `json:"status"`
	TV       *httpapi.TVStatus     `json:"tv_status"`
	Err      string                `json:"error,omitempty"`
	TVErr    string                `json:"tv_error,omitempty"`
	PolledAt time.Time             `json:"polled_at"`
}

// Reachable reports whether the playback subsystem answered.
func (s Snapshot) Reachable() bool { return s.Err == "" }

type Config struct {
	Interval    time.Duration
	Concurrency int
}

// Poller refreshes per-device snapshots on a cadence and keeps the latest
// one per host. Poll is safe to invoke concurrently for N devices.
type Poller struct {
	cfg   Config
	agent Agent
	store *fleet.Store
	log   *zap.Logger

	// invoked after every completed poll (event publishing hook)
	onSnapshot func(fleet.Device, Snapshot)

	mu     sync.RWMutex
	latest map[string]Snapshot
}

func New(cfg Config, agent Agent, store *fleet.Store, log *zap.Logger, onSnapshot func(fleet.Device, Snapshot)) *Poller {
	if cfg.Interval <= 0 {
		cfg.Interval = 60 * time.Second
	}
	if cfg.Concurrency <= 0 {
		cfg.Concurrency = 16
	}
	return &Poller{
		cfg:        cfg,
		agent:      agent,
		store:      store,
		log:        log,
		onSnapshot: onSnapshot,
		latest:     map[string]Snapshot{},
	}
}

// Poll issues the two independent status requests for one device. Each
// failure is converted to data; Poll itself never fails.
func (p *Poller) Poll(ctx context.Context, host string) Snapshot {
	snap := Snapshot{Host: host, PolledAt: time.Now().UTC()}

	var wg sync.WaitGroup
	wg.Add(2)
	go func() {
		defer wg.Done()
		st, err := p.agent.Status(ctx, host)
		if err != nil {
			snap.Err = err.Error()
			return
		}
		snap.Status = st
	}()
	go func() {
		defer wg.Done()
		tv, err := p.agent.TVStatus(ctx, host)
		if err != nil {
			snap.TVErr = err.Error()
			return
		}
		snap.TV = tv
	}()
	wg.Wait()

	return snap
}

// Collect sweeps every registry device once with bounded concurrency.
// Implements the collector runner contract.
func (p *Poller) Collect(ctx context.Context) error {
	devices := p.store.List()
	sem := make(chan struct{}, p.cfg.Concurrency)
	var wg sync.WaitGroup

	for _, d := range devices {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case sem <- struct{}{}:
		}
		wg.Add(1)
		go func(d fleet.Device) {
			defer wg.Done()
			defer func() { <-sem }()

			snap := p.Poll(ctx, d.Host)

			p.mu.Lock()
			p.latest[d.Host] = snap
			p.mu.Unlock()

			p.store.SetPollState(d.Host, snap.Reachable(), snap.Err, snap.PolledAt)
			if p.onSnapshot != nil {
				p.onSnapshot(d, snap)
			}
		}(*d)
	}
	wg.Wait()
	return nil
}

func (p *Poller) Name() string { return "status-poller" }

func (p *Poller) Interval() time.Duration { return p.cfg.Interval }

// Latest returns the last snapshot for a host, if any.
func (p *Poller) Latest(host string) (Snapshot, bool) {
	p.mu.RLock()
	defer p.mu.RUnlock()
	s, ok := p.latest[host]
	return s, ok
}

// All returns the latest snapshot per host.
func (p *Poller) All() map[string]Snapshot {
	p.mu.RLock()
	defer p.mu.RUnlock()
	out := make(map[string]Snapshot, len(p.latest))
	for h, s := range p.latest {
		out[h] = s
	}
	return out
}

// Record stores an externally produced snapshot (e.g. a group refresh), so
// the dashboard view and the pollers stay on one cache.
func (p *Poller) Record(snap Snapshot) {
	p.mu.Lock()
	p.latest[snap.Host] = snap
	p.mu.Unlock()
	if p.log != nil && snap.Err != "" {
		p.log.Debug("device poll failed", zap.String("host", snap.Host), zap.String("error", snap.Err))
	}
}
