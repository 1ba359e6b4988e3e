package httpapi

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"
)

func newTestAgent(t *testing.T, handler http.HandlerFunc) (*Client, string) {
	t.Helper()
	srv := httptest.NewServer(handler)
	t.Cleanup(srv.Close)
	host := strings.TrimPrefix(srv.URL, "http://")
	return New(Config{Token: "sekrit", Timeout: 2 * time.Second}), host
}

func TestStatus(t *testing.T) {
	c, host := newTestAgent(t, func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/status" || r.Method != http.MethodGet {
			t.Errorf("unexpected request %s %s", r.Method, r.URL.Path)
		}
		if got := r.Header.Get("Authorization"); got != "Bearer sekrit" {
			t.Errorf("Authorization = %q", got)
		}
		_ = json.NewEncoder(w).Encode(map[string]any{
			"current_video":    "promo.mp4",
			"is_playing":       true,
			"is_paused":        false,
			"available_videos": []string{"promo.mp4", "loop.mp4"},
			"date_uploaded":    []string{"09:00 AM Jan 01 2026", "10:00 AM Jan 02 2026"},
		})
	})

	st, err := c.Status(context.Background(), host)
	if err != nil {
		t.Fatalf("Status() error = %v", err)
	}
	if st.CurrentVideo == nil || *st.CurrentVideo != "promo.mp4" {
		t.Errorf("CurrentVideo = %v", st.CurrentVideo)
	}
	if !st.IsPlaying || st.IsPaused {
		t.Errorf("IsPlaying/IsPaused = %v/%v", st.IsPlaying, st.IsPaused)
	}
	if len(st.AvailableVideos) != 2 {
		t.Errorf("AvailableVideos = %v", st.AvailableVideos)
	}
}

func TestStatus_NullCurrentVideo(t *testing.T) {
	c, host := newTestAgent(t, func(w http.ResponseWriter, r *http.Request) {
		_, _ = io.WriteString(w, `{"current_video":null,"is_playing":false,"is_paused":false,"available_videos":[],"date_uploaded":[]}`)
	})
	st, err := c.Status(context.Background(), host)
	if err != nil {
		t.Fatalf("Status() error = %v", err)
	}
	if st.CurrentVideo != nil {
		t.Errorf("CurrentVideo = %v, want nil", *st.CurrentVideo)
	}
}

func TestTVStatus(t *testing.T) {
	c, host := newTestAgent(t, func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/tv/status" {
			t.Errorf("path = %s", r.URL.Path)
		}
		_, _ = io.WriteString(w, `{"status":"on"}`)
	})
	st, err := c.TVStatus(context.Background(), host)
	if err != nil {
		t.Fatalf("TVStatus() error = %v", err)
	}
	if !st.On() {
		t.Errorf("On() = false, want true")
	}
}

func TestHDMIMap(t *testing.T) {
	c, host := newTestAgent(t, func(w http.ResponseWriter, r *http.Request) {
		_, _ = io.WriteString(w, `{"1":"Pi","3":"Fire TV","bad":"ignored"}`)
	})
	m, err := c.HDMIMap(context.Background(), host)
	if err != nil {
		t.Fatalf("HDMIMap() error = %v", err)
	}
	if m[3] != "Fire TV" || m[1] != "Pi" {
		t.Errorf("map = %v", m)
	}
	if len(m) != 2 {
		t.Errorf("unparsable port keys must be skipped, got %v", m)
	}
}

func TestSetHDMIMap_SendsStringKeys(t *testing.T) {
	var body map[string]string
	c, host := newTestAgent(t, func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/tv/set_hdmi_map" || r.Method != http.MethodPost {
			t.Errorf("unexpected request %s %s", r.Method, r.URL.Path)
		}
		_ = json.NewDecoder(r.Body).Decode(&body)
	})
	err := c.SetHDMIMap(context.Background(), host, map[int]string{1: "Pi", 3: "Fire TV"})
	if err != nil {
		t.Fatalf("SetHDMIMap() error = %v", err)
	}
	// The agent persists its map with string port keys.
	if body["1"] != "Pi" || body["3"] != "Fire TV" || len(body) != 2 {
		t.Errorf("posted map = %v", body)
	}
}

func TestResetHDMIMap(t *testing.T) {
	c, host := newTestAgent(t, func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/tv/reset" || r.Method != http.MethodPost {
			t.Errorf("unexpected request %s %s", r.Method, r.URL.Path)
		}
	})
	if err := c.ResetHDMIMap(context.Background(), host); err != nil {
		t.Fatalf("ResetHDMIMap() error = %v", err)
	}
}

func TestHasHDMIMap(t *testing.T) {
	c, host := newTestAgent(t, func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/tv/check_json" || r.Method != http.MethodGet {
			t.Errorf("unexpected request %s %s", r.Method, r.URL.Path)
		}
		_, _ = io.WriteString(w, `true`)
	})
	exists, err := c.HasHDMIMap(context.Background(), host)
	if err != nil {
		t.Fatalf("HasHDMIMap() error = %v", err)
	}
	if !exists {
		t.Error("HasHDMIMap() = false, want true")
	}
}

func TestCurrentInput_Null(t *testing.T) {
	c, host := newTestAgent(t, func(w http.ResponseWriter, r *http.Request) {
		_, _ = io.WriteString(w, `{"current_input":null}`)
	})
	p, err := c.CurrentInput(context.Background(), host)
	if err != nil {
		t.Fatalf("CurrentInput() error = %v", err)
	}
	if p != nil {
		t.Errorf("CurrentInput = %v, want nil", *p)
	}
}

func TestPlay_SendsVideoName(t *testing.T) {
	var body map[string]string
	c, host := newTestAgent(t, func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/play" || r.Method != http.MethodPost {
			t.Errorf("unexpected request %s %s", r.Method, r.URL.Path)
		}
		_ = json.NewDecoder(r.Body).Decode(&body)
	})
	if err := c.Play(context.Background(), host, "a.mp4"); err != nil {
		t.Fatalf("Play() error = %v", err)
	}
	if body["video_name"] != "a.mp4" {
		t.Errorf("body = %v", body)
	}
}

func TestUpload_Multipart(t *testing.T) {
	c, host := newTestAgent(t, func(w http.ResponseWriter, r *http.Request) {
		if err := r.ParseMultipartForm(1 << 20); err != nil {
			t.Fatalf("ParseMultipartForm: %v", err)
		}
		f, hdr, err := r.FormFile("file")
		if err != nil {
			t.Fatalf("FormFile: %v", err)
		}
		defer f.Close()
		if hdr.Filename != "clip.mp4" {
			t.Errorf("filename = %q", hdr.Filename)
		}
		b, _ := io.ReadAll(f)
		if string(b) != "fake video bytes" {
			t.Errorf("content = %q", b)
		}
	})
	if err := c.Upload(context.Background(), host, "clip.mp4", []byte("fake video bytes")); err != nil {
		t.Fatalf("Upload() error = %v", err)
	}
}

func TestDeleteVideo_EscapesName(t *testing.T) {
	var gotPath string
	c, host := newTestAgent(t, func(w http.ResponseWriter, r *http.Request) {
		gotPath = r.URL.EscapedPath()
		if r.Method != http.MethodDelete {
			t.Errorf("method = %s", r.Method)
		}
	})
	if err := c.DeleteVideo(context.Background(), host, "my movie.mp4"); err != nil {
		t.Fatalf("DeleteVideo() error = %v", err)
	}
	if gotPath != "/video/my%20movie.mp4" {
		t.Errorf("path = %q", gotPath)
	}
}

func TestNon2xxIsOpaqueError(t *testing.T) {
	c, host := newTestAgent(t, func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "video not found", http.StatusNotFound)
	})
	err := c.Play(context.Background(), host, "missing.mp4")
	if err == nil {
		t.Fatal("expected error on 404")
	}
	if !strings.Contains(err.Error(), "404") || !strings.Contains(err.Error(), "video not found") {
		t.Errorf("error = %q, want status and body text", err)
	}
}

func TestScheduleRoundtrip(t *testing.T) {
	on, off := "09:30", "20:15"
	var posted WeeklySchedule
	c, host := newTestAgent(t, func(w http.ResponseWriter, r *http.Request) {
		switch {
		case r.Method == http.MethodPost && r.URL.Path == "/tv/set_schedule":
			_ = json.NewDecoder(r.Body).Decode(&posted)
		case r.Method == http.MethodGet && r.URL.Path == "/tv/get_schedule":
			_ = json.NewEncoder(w).Encode(WeeklySchedule{Friday: &DaySchedule{TurnOnTime: &on, TurnOffTime: &off}})
		case r.Method == http.MethodDelete && r.URL.Path == "/tv/clear_schedule":
		default:
			t.Errorf("unexpected request %s %s", r.Method, r.URL.Path)
		}
	})

	ws := &WeeklySchedule{Monday: &DaySchedule{TurnOnTime: &on}}
	if err := c.SetSchedule(context.Background(), host, ws); err != nil {
		t.Fatalf("SetSchedule() error = %v", err)
	}
	if posted.Monday == nil || posted.Monday.TurnOnTime == nil || *posted.Monday.TurnOnTime != "09:30" {
		t.Errorf("posted schedule = %+v", posted)
	}

	got, err := c.Schedule(context.Background(), host)
	if err != nil {
		t.Fatalf("Schedule() error = %v", err)
	}
	if got.Friday == nil || *got.Friday.TurnOffTime != "20:15" {
		t.Errorf("schedule = %+v", got)
	}

	if err := c.ClearSchedule(context.Background(), host); err != nil {
		t.Fatalf("ClearSchedule() error = %v", err)
	}
}

func TestUnreachableHost(t *testing.T) {
	c := New(Config{Timeout: 300 * time.Millisecond})
	// Reserved TEST-NET address; nothing listens there.
	if err := c.Stop(context.Background(), "192.0.2.1:1"); err == nil {
		t.Error("expected connectivity error")
	}
}
