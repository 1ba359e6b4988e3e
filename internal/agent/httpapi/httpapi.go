package httpapi

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"mime/multipart"
	"net"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"
)

// DeviceStatus is the playback snapshot the agent reports on GET /status.
type DeviceStatus struct {
	CurrentVideo    *string  `json:"current_video"`
	IsPlaying       bool     `json:"is_playing"`
	IsPaused        bool     `json:"is_paused"`
	AvailableVideos []string `json:"available_videos"`
	DateUploaded    []string `json:"date_uploaded"` // parallel to AvailableVideos
}

// TVStatus is the display power state, a separate subsystem from playback.
type TVStatus struct {
	Status string `json:"status"` // "on" / "off"
}

func (t *TVStatus) On() bool { return t != nil && t.Status == "on" }

type DaySchedule struct {
	TurnOnTime  *string `json:"turn_on_time,omitempty"`
	TurnOffTime *string `json:"turn_off_time,omitempty"`
}

// WeeklySchedule mirrors the agent's on/off schedule document.
type WeeklySchedule struct {
	Sunday    *DaySchedule `json:"sunday,omitempty"`
	Monday    *DaySchedule `json:"monday,omitempty"`
	Tuesday   *DaySchedule `json:"tuesday,omitempty"`
	Wednesday *DaySchedule `json:"wednesday,omitempty"`
	Thursday  *DaySchedule `json:"thursday,omitempty"`
	Friday    *DaySchedule `json:"friday,omitempty"`
	Saturday  *DaySchedule `json:"saturday,omitempty"`
}

type Config struct {
	Port    int
	Token   string
	Timeout time.Duration
}

// Client talks to the per-device media agent. One shared client serves the
// whole fleet; per-device state never lives here.
type Client struct {
	cfg  Config
	http *http.Client
}

func New(cfg Config) *Client {
	if cfg.Port == 0 {
		cfg.Port = 8000
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 5 * time.Second
	}
	// The agents run small embedded web servers; keep-alive connections are
	// more trouble than they are worth on flaky venue networks.
	tr := &http.Transport{
		Proxy:               http.ProxyFromEnvironment,
		DialContext:         (&net.Dialer{Timeout: 1500 * time.Millisecond, KeepAlive: -1}).DialContext,
		DisableKeepAlives:   true,
		ForceAttemptHTTP2:   false,
		MaxIdleConns:        0,
		MaxIdleConnsPerHost: 0,
	}
	return &Client{
		cfg:  cfg,
		http: &http.Client{Timeout: cfg.Timeout, Transport: tr},
	}
}

func (c *Client) url(host, path string) string {
	// Directory entries are bare addresses; discovery sources may hand us
	// host:port already.
	if _, _, err := net.SplitHostPort(host); err != nil {
		host = net.JoinHostPort(host, strconv.Itoa(c.cfg.Port))
	}
	return "http://" + host + path
}

func (c *Client) do(ctx context.Context, method, host, path string, body io.Reader, contentType string, out any) error {
	req, err := http.NewRequestWithContext(ctx, method, c.url(host, path), body)
	if err != nil {
		return err
	}
	req.Close = true
	req.Header.Set("Connection", "close")
	req.Header.Set("Accept", "application/json")
	if contentType != "" {
		req.Header.Set("Content-Type", contentType)
	}
	if c.cfg.Token != "" {
		req.Header.Set("Authorization", "Bearer "+c.cfg.Token)
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return err
	}
	defer func() { _ = resp.Body.Close() }()

	b, _ := io.ReadAll(io.LimitReader(resp.Body, 256*1024))
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		// Failure bodies are free text, not a structured envelope.
		msg := strings.TrimSpace(string(b))
		if len(msg) > 200 {
			msg = msg[:200]
		}
		if msg == "" {
			return fmt.Errorf("http %d", resp.StatusCode)
		}
		return fmt.Errorf("http %d: %s", resp.StatusCode, msg)
	}
	if out == nil {
		return nil
	}
	if err := json.Unmarshal(b, out); err != nil {
		return fmt.Errorf("decode %s: %w", path, err)
	}
	return nil
}

func (c *Client) get(ctx context.Context, host, path string, out any) error {
	return c.do(ctx, http.MethodGet, host, path, nil, "", out)
}

func (c *Client) postJSON(ctx context.Context, host, path string, in, out any) error {
	var body io.Reader
	ct := ""
	if in != nil {
		b, err := json.Marshal(in)
		if err != nil {
			return err
		}
		body = bytes.NewReader(b)
		ct = "application/json"
	}
	return c.do(ctx, http.MethodPost, host, path, body, ct, out)
}

// Status fetches the playback snapshot.
func (c *Client) Status(ctx context.Context, host string) (*DeviceStatus, error) {
	var st DeviceStatus
	if err := c.get(ctx, host, "/status", &st); err != nil {
		return nil, err
	}
	return &st, nil
}

// TVStatus fetches the display power state.
func (c *Client) TVStatus(ctx context.Context, host string) (*TVStatus, error) {
	var st TVStatus
	if err := c.get(ctx, host, "/tv/status", &st); err != nil {
		return nil, err
	}
	return &st, nil
}

// CurrentInput returns the active HDMI port, or nil when the agent does not
// know it.
func (c *Client) CurrentInput(ctx context.Context, host string) (*int, error) {
	var resp struct {
		CurrentInput *int `json:"current_input"`
	}
	if err := c.get(ctx, host, "/tv/current", &resp); err != nil {
		return nil, err
	}
	return resp.CurrentInput, nil
}

// HDMIMap returns the device's own port -> source-label mapping. Port
// assignments are per-device configuration, never global.
func (c *Client) HDMIMap(ctx context.Context, host string) (map[int]string, error) {
	raw := map[string]string{}
	if err := c.get(ctx, host, "/tv/fetch_hdmi_map", &raw); err != nil {
		return nil, err
	}
	out := make(map[int]string, len(raw))
	for k, v := range raw {
		port, err := strconv.Atoi(strings.TrimSpace(k))
		if err != nil {
			continue
		}
		out[port] = v
	}
	return out, nil
}

// SetHDMIMap replaces the device's port -> label mapping. The agent keys
// its map file with string ports.
func (c *Client) SetHDMIMap(ctx context.Context, host string, m map[int]string) error {
	raw := make(map[string]string, len(m))
	for port, label := range m {
		raw[strconv.Itoa(port)] = label
	}
	return c.postJSON(ctx, host, "/tv/set_hdmi_map", raw, nil)
}

// ResetHDMIMap discards the device's stored mapping and re-detects inputs.
func (c *Client) ResetHDMIMap(ctx context.Context, host string) error {
	return c.postJSON(ctx, host, "/tv/reset", nil, nil)
}

// HasHDMIMap reports whether the device has a stored mapping file.
func (c *Client) HasHDMIMap(ctx context.Context, host string) (bool, error) {
	var exists bool
	if err := c.get(ctx, host, "/tv/check_json", &exists); err != nil {
		return false, err
	}
	return exists, nil
}

func (c *Client) Switch(ctx context.Context, host string, port int) error {
	return c.postJSON(ctx, host, "/tv/switch/"+strconv.Itoa(port), nil, nil)
}

func (c *Client) Play(ctx context.Context, host, video string) error {
	in := map[string]string{"video_name": video}
	return c.postJSON(ctx, host, "/play", in, nil)
}

func (c *Client) Pause(ctx context.Context, host string) error {
	return c.postJSON(ctx, host, "/pause", nil, nil)
}

func (c *Client) Resume(ctx context.Context, host string) error {
	return c.postJSON(ctx, host, "/resume", nil, nil)
}

func (c *Client) Stop(ctx context.Context, host string) error {
	return c.postJSON(ctx, host, "/stop", nil, nil)
}

// Upload sends a video file as multipart form data. The caller provides the
// full contents so one read can fan out to many devices.
func (c *Client) Upload(ctx context.Context, host, filename string, data []byte) error {
	var buf bytes.Buffer
	mw := multipart.NewWriter(&buf)
	fw, err := mw.CreateFormFile("file", filename)
	if err != nil {
		return err
	}
	if _, err := fw.Write(data); err != nil {
		return err
	}
	if err := mw.Close(); err != nil {
		return err
	}
	return c.do(ctx, http.MethodPost, host, "/upload", &buf, mw.FormDataContentType(), nil)
}

func (c *Client) DeleteVideo(ctx context.Context, host, video string) error {
	return c.do(ctx, http.MethodDelete, host, "/video/"+url.PathEscape(video), nil, "", nil)
}

func (c *Client) Schedule(ctx context.Context, host string) (*WeeklySchedule, error) {
	var ws WeeklySchedule
	if err := c.get(ctx, host, "/tv/get_schedule", &ws); err != nil {
		return nil, err
	}
	return &ws, nil
}

func (c *Client) SetSchedule(ctx context.Context, host string, ws *WeeklySchedule) error {
	return c.postJSON(ctx, host, "/tv/set_schedule", ws, nil)
}

func (c *Client) ClearSchedule(ctx context.Context, host string) error {
	return c.do(ctx, http.MethodDelete, host, "/tv/clear_schedule", nil, "", nil)
}
