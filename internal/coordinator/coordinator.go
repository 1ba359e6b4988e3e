package coordinator

import (
	"context"
	"sort"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"

	"pivideo-control/internal/fleet"
	"pivideo-control/internal/groups"
	"pivideo-control/internal/poller"
)

// Agent is the slice of the device-agent client the coordinator drives.
type Agent interface {
	Play(ctx context.Context, host, video string) error
	Pause(ctx context.Context, host string) error
	Resume(ctx context.Context, host string) error
	Stop(ctx context.Context, host string) error
	Upload(ctx context.Context, host, filename string, data []byte) error
	DeleteVideo(ctx context.Context, host, video string) error
	HDMIMap(ctx context.Context, host string) (map[int]string, error)
	Switch(ctx context.Context, host string, port int) error
}

type Config struct {
	// How long a command failure stays visible on the group status.
	ErrorDisplayFor time.Duration
}

// Coordinator fans one logical command out to every member of a group,
// waits for all of them to settle, and reports partial failures without
// committing optimistic state. One command runs per group at a time.
type Coordinator struct {
	cfg   Config
	agent Agent
	poll  *poller.Poller
	store *fleet.Store
	log   *zap.Logger

	// invoked after every group command settles (event publishing hook)
	onCommand func(g groups.Group, command string, err error)

	mu    sync.Mutex
	state map[string]*groupState
}

// groupState is the only coordinator-held mutable state per group: the
// optimistic current video (committed on full success only) and the
// time-boxed last command error.
type groupState struct {
	mu           sync.Mutex
	currentVideo string
	lastErr      string
	lastErrAt    time.Time
}

func New(cfg Config, agent Agent, poll *poller.Poller, store *fleet.Store, log *zap.Logger, onCommand func(groups.Group, string, error)) *Coordinator {
	if cfg.ErrorDisplayFor <= 0 {
		cfg.ErrorDisplayFor = 5 * time.Second
	}
	return &Coordinator{
		cfg:       cfg,
		agent:     agent,
		poll:      poll,
		store:     store,
		log:       log,
		onCommand: onCommand,
		state:     map[string]*groupState{},
	}
}

func (c *Coordinator) stateFor(groupID string) *groupState {
	c.mu.Lock()
	defer c.mu.Unlock()
	st := c.state[groupID]
	if st == nil {
		st = &groupState{}
		c.state[groupID] = st
	}
	return st
}

// Forget drops per-group state after the group is deleted.
func (c *Coordinator) Forget(groupID string) {
	c.mu.Lock()
	delete(c.state, groupID)
	c.mu.Unlock()
}

// Outcome is one device's settled result from a fan-out.
type Outcome struct {
	Device fleet.Device
	Err    error
}

// fanOut dispatches fn against every device at once and joins on all of
// them. Errors are collected, never propagated mid-flight.
func (c *Coordinator) fanOut(ctx context.Context, devices []fleet.Device, fn func(context.Context, fleet.Device) error) []Outcome {
	out := make([]Outcome, len(devices))
	var wg sync.WaitGroup
	for i, d := range devices {
		wg.Add(1)
		go func(i int, d fleet.Device) {
			defer wg.Done()
			out[i] = Outcome{Device: d, Err: fn(ctx, d)}
		}(i, d)
	}
	wg.Wait()
	return out
}

func (c *Coordinator) run(ctx context.Context, g groups.Group, command string, commit func(*groupState), fn func(context.Context, fleet.Device) error) error {
	st := c.stateFor(g.ID)

	// Holding the group lock across dispatch->commit keeps one command in
	// flight per group, so commits cannot interleave out of order.
	st.mu.Lock()
	outcomes := c.fanOut(ctx, g.Devices, fn)
	err := Aggregate(command, outcomes)
	if err == nil {
		if commit != nil {
			commit(st)
		}
		st.lastErr = ""
		st.lastErrAt = time.Time{}
	} else {
		st.lastErr = err.Error()
		st.lastErrAt = time.Now()
	}
	st.mu.Unlock()

	if c.log != nil {
		if err != nil {
			c.log.Warn("group command failed",
				zap.String("group", g.Name),
				zap.String("command", command),
				zap.Error(err),
			)
		} else {
			c.log.Info("group command ok",
				zap.String("group", g.Name),
				zap.String("command", command),
				zap.Int("devices", len(g.Devices)),
			)
		}
	}

	// Re-poll all members so displayed state reflects device-reported
	// truth, success or not.
	c.refresh(ctx, g.Devices)

	if c.onCommand != nil {
		c.onCommand(g, command, err)
	}
	return err
}

func (c *Coordinator) refresh(ctx context.Context, devices []fleet.Device) {
	c.fanOut(ctx, devices, func(ctx context.Context, d fleet.Device) error {
		snap := c.poll.Poll(ctx, d.Host)
		c.poll.Record(snap)
		if c.store != nil {
			c.store.SetPollState(d.Host, snap.Reachable(), snap.Err, snap.PolledAt)
		}
		return nil
	})
}

// Play instructs every member to play the named video. The coordinator
// relays without verifying the video exists on each member; mismatches
// surface as per-device failures. The group's current video is committed
// only when every member succeeds.
func (c *Coordinator) Play(ctx context.Context, g groups.Group, video string) error {
	return c.run(ctx, g, "play",
		func(st *groupState) { st.currentVideo = video },
		func(ctx context.Context, d fleet.Device) error { return c.agent.Play(ctx, d.Host, video) },
	)
}

func (c *Coordinator) Pause(ctx context.Context, g groups.Group) error {
	return c.run(ctx, g, "pause", nil,
		func(ctx context.Context, d fleet.Device) error { return c.agent.Pause(ctx, d.Host) },
	)
}

func (c *Coordinator) Resume(ctx context.Context, g groups.Group) error {
	return c.run(ctx, g, "resume", nil,
		func(ctx context.Context, d fleet.Device) error { return c.agent.Resume(ctx, d.Host) },
	)
}

// Stop halts playback on every member and, on full success, clears the
// group's current video. Stopping an already stopped group is a no-op on
// the devices, so the command is idempotent.
func (c *Coordinator) Stop(ctx context.Context, g groups.Group) error {
	return c.run(ctx, g, "stop",
		func(st *groupState) { st.currentVideo = "" },
		func(ctx context.Context, d fleet.Device) error { return c.agent.Stop(ctx, d.Host) },
	)
}

// Upload fans the file out to every member. Devices that succeeded keep
// their copy even when siblings fail; there is no rollback.
func (c *Coordinator) Upload(ctx context.Context, g groups.Group, filename string, data []byte) error {
	return c.run(ctx, g, "upload", nil,
		func(ctx context.Context, d fleet.Device) error { return c.agent.Upload(ctx, d.Host, filename, data) },
	)
}

// Delete removes the named video from every member. Partial deletion is
// possible and surfaced, not reconciled.
func (c *Coordinator) Delete(ctx context.Context, g groups.Group, video string) error {
	return c.run(ctx, g, "delete", nil,
		func(ctx context.Context, d fleet.Device) error { return c.agent.DeleteVideo(ctx, d.Host, video) },
	)
}

// DeviceResult pairs a member with its snapshot from the latest full pass.
type DeviceResult struct {
	Device   fleet.Device    `json:"device"`
	Snapshot poller.Snapshot `json:"snapshot"`
}

// AggregateStatus is the one coherent view of a group, always recomputed
// from a complete poll pass over current members.
type AggregateStatus struct {
	GroupID         string         `json:"group_id"`
	Active          bool           `json:"active"` // every member reachable
	IsPlaying       bool           `json:"is_playing"`
	IsPaused        bool           `json:"is_paused"`
	AvailableVideos []string       `json:"available_videos"` // set union
	CurrentVideo    string         `json:"current_video,omitempty"`
	Error           string         `json:"error,omitempty"` // time-boxed last command failure
	Devices         []DeviceResult `json:"devices"`
}

// Status polls every member and aggregates. Nothing is patched
// incrementally; a member list change is picked up on the next call.
func (c *Coordinator) Status(ctx context.Context, g groups.Group) AggregateStatus {
	snaps := make([]poller.Snapshot, len(g.Devices))
	c.fanOut(ctx, g.Devices, func(ctx context.Context, d fleet.Device) error {
		snap := c.poll.Poll(ctx, d.Host)
		c.poll.Record(snap)
		if c.store != nil {
			c.store.SetPollState(d.Host, snap.Reachable(), snap.Err, snap.PolledAt)
		}
		for i := range g.Devices {
			if g.Devices[i].Host == d.Host {
				snaps[i] = snap
			}
		}
		return nil
	})

	agg := AggregateStatus{GroupID: g.ID, Active: len(g.Devices) > 0}
	videos := map[string]bool{}
	for i, d := range g.Devices {
		snap := snaps[i]
		agg.Devices = append(agg.Devices, DeviceResult{Device: d, Snapshot: snap})
		if !snap.Reachable() {
			agg.Active = false
			continue
		}
		if snap.Status != nil {
			agg.IsPlaying = agg.IsPlaying || snap.Status.IsPlaying
			agg.IsPaused = agg.IsPaused || snap.Status.IsPaused
			for _, v := range snap.Status.AvailableVideos {
				videos[v] = true
			}
		}
	}
	agg.AvailableVideos = make([]string, 0, len(videos))
	for v := range videos {
		agg.AvailableVideos = append(agg.AvailableVideos, v)
	}
	sort.Strings(agg.AvailableVideos)

	st := c.stateFor(g.ID)
	st.mu.Lock()
	agg.CurrentVideo = st.currentVideo
	if st.lastErr != "" {
		if time.Since(st.lastErrAt) < c.cfg.ErrorDisplayFor {
			agg.Error = st.lastErr
		} else {
			// display window elapsed
			st.lastErr = ""
			st.lastErrAt = time.Time{}
		}
	}
	st.mu.Unlock()

	return agg
}

// CurrentVideo returns the committed optimistic current video for a group.
func (c *Coordinator) CurrentVideo(groupID string) string {
	st := c.stateFor(groupID)
	st.mu.Lock()
	defer st.mu.Unlock()
	return st.currentVideo
}

// SwitchAll switches every device to the HDMI port whose label matches
// target, per that device's own port map. Devices without a matching label
// are skipped silently; one device's failure never blocks the others.
// There is no commit step: the current port is always re-read from the
// device, never cached.
func (c *Coordinator) SwitchAll(ctx context.Context, devices []fleet.Device, target string) (int, error) {
	want := strings.ToLower(strings.TrimSpace(target))
	switched := 0
	var mu sync.Mutex

	outcomes := c.fanOut(ctx, devices, func(ctx context.Context, d fleet.Device) error {
		m, err := c.agent.HDMIMap(ctx, d.Host)
		if err != nil {
			return err
		}
		port, ok := portForLabel(m, want)
		if !ok {
			return nil // no matching label on this device
		}
		if err := c.agent.Switch(ctx, d.Host, port); err != nil {
			return err
		}
		mu.Lock()
		switched++
		mu.Unlock()
		return nil
	})

	return switched, Aggregate("switch", outcomes)
}

func portForLabel(m map[int]string, want string) (int, bool) {
	// Deterministic pick when duplicate labels exist: lowest port wins.
	best := -1
	for port, label := range m {
		if strings.ToLower(strings.TrimSpace(label)) != want {
			continue
		}
		if best == -1 || port < best {
			best = port
		}
	}
	return best, best != -1
}
