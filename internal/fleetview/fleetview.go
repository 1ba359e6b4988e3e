package fleetview

import (
	"context"
	"sort"
	"sync"
	"time"

	"go.uber.org/zap"

	"pivideo-control/internal/fleet"
	"pivideo-control/internal/groups"
	"pivideo-control/internal/poller"
)

// Lister yields the authoritative device list (the directory service).
type Lister interface {
	List(ctx context.Context) ([]fleet.Device, error)
}

// DeviceView pairs a device with its latest poll snapshot, if one exists.
type DeviceView struct {
	fleet.Device
	Snapshot *poller.Snapshot `json:"snapshot,omitempty"`
}

// GroupView is one group plus the per-member views for display.
type GroupView struct {
	Group   groups.Group `json:"group"`
	Devices []DeviceView `json:"devices"`
}

// Snapshot is the dashboard's whole-fleet document: every registry device
// appears exactly once, either inside a group or in the ungrouped pool.
type Snapshot struct {
	GeneratedAt       time.Time    `json:"generated_at"`
	Grouped           []GroupView  `json:"grouped"`
	Ungrouped         []DeviceView `json:"ungrouped"`
	DirectorySyncedAt time.Time    `json:"directory_synced_at,omitempty"`
	DirectoryError    string       `json:"directory_error,omitempty"`
}

// Split partitions registry devices against the group definitions. A device
// is ungrouped iff no group lists its host; group membership is taken from
// the group documents, so a member missing from the registry still shows
// under its group.
func Split(devices []fleet.Device, gs []groups.Group) (grouped []GroupView, ungrouped []fleet.Device) {
	member := map[string]bool{}
	byHost := map[string]fleet.Device{}
	for _, d := range devices {
		byHost[d.Host] = d
	}
	for _, g := range gs {
		gv := GroupView{Group: g}
		for _, m := range g.Devices {
			member[m.Host] = true
			// Prefer live registry record over the stored membership copy.
			if live, ok := byHost[m.Host]; ok {
				m = live
			}
			gv.Devices = append(gv.Devices, DeviceView{Device: m})
		}
		grouped = append(grouped, gv)
	}
	for _, d := range devices {
		if !member[d.Host] {
			ungrouped = append(ungrouped, d)
		}
	}
	sort.Slice(ungrouped, func(i, j int) bool { return ungrouped[i].Name < ungrouped[j].Name })
	return grouped, ungrouped
}

type Config struct {
	Interval time.Duration // directory refresh cadence
}

// View keeps the registry synced against the directory and assembles
// dashboard snapshots. Directory failures never empty the registry: the
// last successful list stays in effect.
type View struct {
	cfg    Config
	dir    Lister
	store  *fleet.Store
	groups *groups.Store
	poll   *poller.Poller
	log    *zap.Logger

	mu       sync.Mutex
	syncedAt time.Time
	syncErr  string
}

func New(cfg Config, dir Lister, store *fleet.Store, gs *groups.Store, poll *poller.Poller, log *zap.Logger) *View {
	if cfg.Interval <= 0 {
		cfg.Interval = 60 * time.Second
	}
	return &View{cfg: cfg, dir: dir, store: store, groups: gs, poll: poll, log: log}
}

// RefreshDirectory performs one directory sync. On failure the registry is
// left untouched and the error is recorded for the dashboard.
func (v *View) RefreshDirectory(ctx context.Context) error {
	devices, err := v.dir.List(ctx)
	now := time.Now().UTC()

	v.mu.Lock()
	defer v.mu.Unlock()
	if err != nil {
		v.syncErr = err.Error()
		if v.log != nil {
			v.log.Warn("directory sync failed, keeping last device list", zap.Error(err))
		}
		return err
	}
	v.store.ReplaceDirectory(devices, now)
	v.syncedAt = now
	v.syncErr = ""
	if v.log != nil {
		v.log.Debug("directory synced", zap.Int("devices", len(devices)))
	}
	return nil
}

// Run syncs immediately, then on the configured cadence until ctx ends.
func (v *View) Run(ctx context.Context) {
	_ = v.RefreshDirectory(ctx)
	t := time.NewTicker(v.cfg.Interval)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-t.C:
			_ = v.RefreshDirectory(ctx)
		}
	}
}

// Snapshot assembles the current fleet document from the registry, group
// store and poll cache. Always recomputed; nothing is patched in place.
func (v *View) Snapshot() Snapshot {
	devices := make([]fleet.Device, 0)
	for _, d := range v.store.List() {
		devices = append(devices, *d)
	}
	sort.Slice(devices, func(i, j int) bool { return devices[i].Name < devices[j].Name })

	grouped, ungroupedDevs := Split(devices, v.groups.ListSorted())

	snaps := v.poll.All()
	attach := func(dv DeviceView) DeviceView {
		if s, ok := snaps[dv.Host]; ok {
			s := s
			dv.Snapshot = &s
		}
		return dv
	}
	for gi := range grouped {
		for di := range grouped[gi].Devices {
			grouped[gi].Devices[di] = attach(grouped[gi].Devices[di])
		}
	}
	ungrouped := make([]DeviceView, 0, len(ungroupedDevs))
	for _, d := range ungroupedDevs {
		ungrouped = append(ungrouped, attach(DeviceView{Device: d}))
	}

	v.mu.Lock()
	syncedAt, syncErr := v.syncedAt, v.syncErr
	v.mu.Unlock()

	return Snapshot{
		GeneratedAt:       time.Now().UTC(),
		Grouped:           grouped,
		Ungrouped:         ungrouped,
		DirectorySyncedAt: syncedAt,
		DirectoryError:    syncErr,
	}
}
