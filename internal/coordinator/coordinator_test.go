package coordinator

import (
	"context"
	"errors"
	"reflect"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"go.uber.org/zap"

	"pivideo-control/internal/agent/httpapi"
	"pivideo-control/internal/fleet"
	"pivideo-control/internal/groups"
	"pivideo-control/internal/poller"
)

// fakeAgent implements both the coordinator and the poller sides of the
// device-agent client, with per-host failure injection.
type fakeAgent struct {
	mu        sync.Mutex
	playErr   map[string]error
	stopErr   map[string]error
	uploadErr map[string]error
	statusErr map[string]error
	status    map[string]*httpapi.DeviceStatus
	hdmi      map[string]map[int]string
	hdmiErr   map[string]error
	switchErr map[string]error

	playCalls   map[string][]string
	stopCalls   map[string]int
	switchCalls map[string][]int
	statusCalls map[string]int
	uploads     map[string][]string

	playDelay       time.Duration
	playInFlight    atomic.Int32
	maxPlayInFlight atomic.Int32
}

func newFakeAgent() *fakeAgent {
	return &fakeAgent{
		playErr:     map[string]error{},
		stopErr:     map[string]error{},
		uploadErr:   map[string]error{},
		statusErr:   map[string]error{},
		status:      map[string]*httpapi.DeviceStatus{},
		hdmi:        map[string]map[int]string{},
		hdmiErr:     map[string]error{},
		switchErr:   map[string]error{},
		playCalls:   map[string][]string{},
		stopCalls:   map[string]int{},
		switchCalls: map[string][]int{},
		statusCalls: map[string]int{},
		uploads:     map[string][]string{},
	}
}

func (f *fakeAgent) Play(ctx context.Context, host, video string) error {
	n := f.playInFlight.Add(1)
	for {
		m := f.maxPlayInFlight.Load()
		if n <= m || f.maxPlayInFlight.CompareAndSwap(m, n) {
			break
		}
	}
	if f.playDelay > 0 {
		time.Sleep(f.playDelay)
	}
	f.playInFlight.Add(-1)

	f.mu.Lock()
	defer f.mu.Unlock()
	f.playCalls[host] = append(f.playCalls[host], video)
	return f.playErr[host]
}

func (f *fakeAgent) Pause(ctx context.Context, host string) error  { return nil }
func (f *fakeAgent) Resume(ctx context.Context, host string) error { return nil }

func (f *fakeAgent) Stop(ctx context.Context, host string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.stopCalls[host]++
	return f.stopErr[host]
}

func (f *fakeAgent) Upload(ctx context.Context, host, filename string, data []byte) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.uploadErr[host]; err != nil {
		return err
	}
	f.uploads[host] = append(f.uploads[host], filename)
	return nil
}

func (f *fakeAgent) DeleteVideo(ctx context.Context, host, video string) error { return nil }

func (f *fakeAgent) HDMIMap(ctx context.Context, host string) (map[int]string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.hdmiErr[host]; err != nil {
		return nil, err
	}
	return f.hdmi[host], nil
}

func (f *fakeAgent) Switch(ctx context.Context, host string, port int) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.switchCalls[host] = append(f.switchCalls[host], port)
	return f.switchErr[host]
}

func (f *fakeAgent) Status(ctx context.Context, host string) (*httpapi.DeviceStatus, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.statusCalls[host]++
	if err := f.statusErr[host]; err != nil {
		return nil, err
	}
	if st := f.status[host]; st != nil {
		cp := *st
		return &cp, nil
	}
	return &httpapi.DeviceStatus{}, nil
}

func (f *fakeAgent) TVStatus(ctx context.Context, host string) (*httpapi.TVStatus, error) {
	return &httpapi.TVStatus{Status: "on"}, nil
}

func (f *fakeAgent) plays(host string) []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.playCalls[host]...)
}

func (f *fakeAgent) polls(host string) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.statusCalls[host]
}

func testGroup(hosts ...string) groups.Group {
	g := groups.Group{ID: "g-" + strings.Join(hosts, "-"), Name: "Test Wall"}
	for _, h := range hosts {
		g.Devices = append(g.Devices, fleet.Device{Name: "pi-" + h, Host: h})
	}
	return g
}

func newCoordinator(agent *fakeAgent, cfg Config) *Coordinator {
	p := poller.New(poller.Config{}, agent, fleet.NewStore(), zap.NewNop(), nil)
	return New(cfg, agent, p, nil, zap.NewNop(), nil)
}

func TestPlay_FullSuccessCommits(t *testing.T) {
	agent := newFakeAgent()
	c := newCoordinator(agent, Config{})
	g := testGroup("h1", "h2", "h3")

	if err := c.Play(context.Background(), g, "promo.mp4"); err != nil {
		t.Fatalf("Play() error = %v", err)
	}
	for _, h := range []string{"h1", "h2", "h3"} {
		if got := agent.plays(h); len(got) != 1 || got[0] != "promo.mp4" {
			t.Errorf("plays(%s) = %v", h, got)
		}
	}
	if got := c.CurrentVideo(g.ID); got != "promo.mp4" {
		t.Errorf("CurrentVideo = %q, want committed video", got)
	}
}

func TestPlay_PartialFailureDoesNotCommit(t *testing.T) {
	agent := newFakeAgent()
	agent.playErr["h2"] = errors.New("http 404: video not found")
	c := newCoordinator(agent, Config{})
	g := testGroup("h1", "h2", "h3")

	err := c.Play(context.Background(), g, "promo.mp4")
	if err == nil {
		t.Fatal("Play() = nil, want error on partial failure")
	}
	var cmdErr *CommandError
	if !errors.As(err, &cmdErr) {
		t.Fatalf("error type = %T", err)
	}
	if len(cmdErr.Failures) != 1 || cmdErr.Failures[0].Name != "pi-h2" {
		t.Errorf("Failures = %+v", cmdErr.Failures)
	}
	if !strings.Contains(err.Error(), "pi-h2: http 404: video not found") {
		t.Errorf("Error() = %q, want device name with detail", err.Error())
	}

	if got := c.CurrentVideo(g.ID); got != "" {
		t.Errorf("CurrentVideo = %q, want no commit after failure", got)
	}

	// All siblings were still dispatched; failure isolates, never aborts.
	for _, h := range []string{"h1", "h3"} {
		if got := agent.plays(h); len(got) != 1 {
			t.Errorf("plays(%s) = %v, want command dispatched", h, got)
		}
	}
}

func TestCommand_RefreshesMembersRegardlessOfOutcome(t *testing.T) {
	agent := newFakeAgent()
	agent.playErr["h1"] = errors.New("boom")
	c := newCoordinator(agent, Config{})
	g := testGroup("h1", "h2")

	_ = c.Play(context.Background(), g, "x.mp4")
	for _, h := range []string{"h1", "h2"} {
		if agent.polls(h) == 0 {
			t.Errorf("no status re-poll for %s after failed command", h)
		}
	}
}

func TestErrorDisplayWindow(t *testing.T) {
	agent := newFakeAgent()
	agent.playErr["h1"] = errors.New("down")
	c := newCoordinator(agent, Config{ErrorDisplayFor: 50 * time.Millisecond})
	g := testGroup("h1")

	_ = c.Play(context.Background(), g, "x.mp4")

	if st := c.Status(context.Background(), g); st.Error == "" {
		t.Error("Status().Error empty right after a failed command")
	}
	time.Sleep(80 * time.Millisecond)
	if st := c.Status(context.Background(), g); st.Error != "" {
		t.Errorf("Status().Error = %q after display window elapsed", st.Error)
	}
}

func TestErrorClearedBySuccess(t *testing.T) {
	agent := newFakeAgent()
	agent.playErr["h1"] = errors.New("down")
	c := newCoordinator(agent, Config{ErrorDisplayFor: time.Hour})
	g := testGroup("h1")

	_ = c.Play(context.Background(), g, "x.mp4")
	delete(agent.playErr, "h1")
	if err := c.Play(context.Background(), g, "x.mp4"); err != nil {
		t.Fatalf("Play() error = %v", err)
	}
	if st := c.Status(context.Background(), g); st.Error != "" {
		t.Errorf("Status().Error = %q after successful command", st.Error)
	}
}

func TestStop_IdempotentAndClearsCurrent(t *testing.T) {
	agent := newFakeAgent()
	c := newCoordinator(agent, Config{})
	g := testGroup("h1", "h2")

	if err := c.Play(context.Background(), g, "x.mp4"); err != nil {
		t.Fatal(err)
	}
	for i := 0; i < 2; i++ {
		if err := c.Stop(context.Background(), g); err != nil {
			t.Fatalf("Stop() #%d error = %v", i+1, err)
		}
	}
	if got := c.CurrentVideo(g.ID); got != "" {
		t.Errorf("CurrentVideo = %q after stop", got)
	}
}

func TestCommandsSerializePerGroup(t *testing.T) {
	agent := newFakeAgent()
	agent.playDelay = 20 * time.Millisecond
	c := newCoordinator(agent, Config{})
	g := testGroup("h1")

	var wg sync.WaitGroup
	for i := 0; i < 4; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_ = c.Play(context.Background(), g, "x.mp4")
		}()
	}
	wg.Wait()

	// Single-member group: overlapping group commands would overlap plays.
	if m := agent.maxPlayInFlight.Load(); m > 1 {
		t.Errorf("max concurrent plays = %d, want 1 (commands serialized per group)", m)
	}
}

func TestStatus_Aggregation(t *testing.T) {
	agent := newFakeAgent()
	agent.status["h1"] = &httpapi.DeviceStatus{IsPlaying: true, AvailableVideos: []string{"b.mp4", "a.mp4"}}
	agent.status["h2"] = &httpapi.DeviceStatus{IsPaused: true, AvailableVideos: []string{"b.mp4", "c.mp4"}}
	c := newCoordinator(agent, Config{})
	g := testGroup("h1", "h2")

	st := c.Status(context.Background(), g)
	if !st.Active {
		t.Error("Active = false with all members reachable")
	}
	if !st.IsPlaying || !st.IsPaused {
		t.Errorf("IsPlaying = %v IsPaused = %v, want OR semantics", st.IsPlaying, st.IsPaused)
	}
	want := []string{"a.mp4", "b.mp4", "c.mp4"}
	if !reflect.DeepEqual(st.AvailableVideos, want) {
		t.Errorf("AvailableVideos = %v, want set union %v", st.AvailableVideos, want)
	}
	if len(st.Devices) != 2 {
		t.Errorf("Devices = %d entries, want one per member", len(st.Devices))
	}
}

func TestStatus_UnreachableMemberDeactivates(t *testing.T) {
	agent := newFakeAgent()
	agent.status["h1"] = &httpapi.DeviceStatus{IsPlaying: true}
	agent.statusErr["h2"] = errors.New("connection refused")
	c := newCoordinator(agent, Config{})
	g := testGroup("h1", "h2")

	st := c.Status(context.Background(), g)
	if st.Active {
		t.Error("Active = true with an unreachable member, want AND semantics")
	}
	if !st.IsPlaying {
		t.Error("reachable member playback lost from aggregate")
	}
}

func TestUpload_NoRollbackOnPartialFailure(t *testing.T) {
	agent := newFakeAgent()
	agent.uploadErr["h2"] = errors.New("disk full")
	c := newCoordinator(agent, Config{})
	g := testGroup("h1", "h2")

	err := c.Upload(context.Background(), g, "clip.mp4", []byte("data"))
	if err == nil {
		t.Fatal("Upload() = nil, want partial failure error")
	}
	if got := agent.uploads["h1"]; len(got) != 1 || got[0] != "clip.mp4" {
		t.Errorf("uploads(h1) = %v, want file kept on successful member", got)
	}
}

func TestSwitchAll(t *testing.T) {
	agent := newFakeAgent()
	agent.hdmi["h1"] = map[int]string{1: "Chromecast", 3: "Fire TV"}
	agent.hdmi["h2"] = map[int]string{1: "Chromecast"} // no Fire TV label
	agent.hdmiErr["h3"] = errors.New("cec unavailable")
	c := newCoordinator(agent, Config{})

	devices := testGroup("h1", "h2", "h3").Devices
	switched, err := c.SwitchAll(context.Background(), devices, "fire tv")

	if switched != 1 {
		t.Errorf("switched = %d, want 1", switched)
	}
	if got := agent.switchCalls["h1"]; len(got) != 1 || got[0] != 3 {
		t.Errorf("switchCalls(h1) = %v, want port 3", got)
	}
	if len(agent.switchCalls["h2"]) != 0 {
		t.Error("device without matching label must be skipped silently")
	}
	var cmdErr *CommandError
	if !errors.As(err, &cmdErr) {
		t.Fatalf("error = %v, want CommandError for h3 map failure", err)
	}
	if len(cmdErr.Failures) != 1 || cmdErr.Failures[0].Host != "h3" {
		t.Errorf("Failures = %+v", cmdErr.Failures)
	}
}

func TestForgetDropsState(t *testing.T) {
	agent := newFakeAgent()
	c := newCoordinator(agent, Config{})
	g := testGroup("h1")

	if err := c.Play(context.Background(), g, "x.mp4"); err != nil {
		t.Fatal(err)
	}
	c.Forget(g.ID)
	if got := c.CurrentVideo(g.ID); got != "" {
		t.Errorf("CurrentVideo = %q after Forget", got)
	}
}
