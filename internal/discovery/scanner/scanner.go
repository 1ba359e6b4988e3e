package scanner

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net"
	"net/http"
	"strings"
	"sync"
	"time"

	"pivideo-control/internal/netutil"
)

type Config struct {
	Concurrency int
	DialTimeout time.Duration
	HTTPTimeout time.Duration
	AgentPort   int
	MaxHosts    int
}

// Result is one address that answered like a player agent.
type Result struct {
	IP           net.IP `json:"ip"`
	Hostname     string `json:"hostname,omitempty"`
	CurrentVideo string `json:"current_video,omitempty"`
	IsPlaying    bool   `json:"is_playing"`
}

// Scanner sweeps address ranges looking for hosts that speak the player
// agent protocol: TCP open on the agent port and a well-formed /status.
type Scanner struct {
	cfg  Config
	http *http.Client
}

func New(cfg Config) *Scanner {
	if cfg.Concurrency <= 0 {
		cfg.Concurrency = 64
	}
	if cfg.DialTimeout <= 0 {
		cfg.DialTimeout = 600 * time.Millisecond
	}
	if cfg.HTTPTimeout <= 0 {
		cfg.HTTPTimeout = 2 * time.Second
	}
	if cfg.AgentPort <= 0 {
		cfg.AgentPort = 8000
	}
	if cfg.MaxHosts <= 0 {
		cfg.MaxHosts = 65536
	}
	return &Scanner{
		cfg: cfg,
		http: &http.Client{
			Timeout: cfg.HTTPTimeout,
			// Agents run tiny embedded servers; don't hold sockets open.
			Transport: &http.Transport{DisableKeepAlives: true},
		},
	}
}

// ScanSpec probes every host in the spec with bounded concurrency.
// onProgress (if set) is called periodically with done/total counts;
// onResult receives each positive hit as it lands.
func (s *Scanner) ScanSpec(ctx context.Context, spec string, onProgress func(done, total int), onResult func(r Result)) error {
	hosts, err := netutil.Hosts(spec, s.cfg.MaxHosts)
	if err != nil {
		return fmt.Errorf("bad spec: %w", err)
	}
	total := len(hosts)
	if total == 0 {
		return nil
	}

	jobs := make(chan string, s.cfg.Concurrency)
	var wg sync.WaitGroup

	done := 0
	var mu sync.Mutex
	report := func() {
		if onProgress == nil {
			return
		}
		mu.Lock()
		d := done
		mu.Unlock()
		onProgress(d, total)
	}

	tick := time.NewTicker(250 * time.Millisecond)
	defer tick.Stop()
	quit := make(chan struct{})
	defer close(quit)
	go func() {
		for {
			select {
			case <-tick.C:
				report()
			case <-quit:
				return
			}
		}
	}()

	for i := 0; i < s.cfg.Concurrency; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for host := range jobs {
				if r, ok := s.probe(ctx, host); ok && onResult != nil {
					onResult(r)
				}
				mu.Lock()
				done++
				mu.Unlock()
			}
		}()
	}

	var scanErr error
	for _, host := range hosts {
		select {
		case <-ctx.Done():
			scanErr = ctx.Err()
		case jobs <- host:
			continue
		}
		break
	}
	close(jobs)
	wg.Wait()
	report()
	return scanErr
}

// probe checks the agent port and validates the status contract.
func (s *Scanner) probe(ctx context.Context, host string) (Result, bool) {
	if !tcpOpen(ctx, host, s.cfg.AgentPort, s.cfg.DialTimeout) {
		return Result{}, false
	}

	url := fmt.Sprintf("http://%s/status", net.JoinHostPort(host, fmt.Sprint(s.cfg.AgentPort)))
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return Result{}, false
	}
	resp, err := s.http.Do(req)
	if err != nil {
		return Result{}, false
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return Result{}, false
	}

	var body struct {
		CurrentVideo    *string  `json:"current_video"`
		IsPlaying       bool     `json:"is_playing"`
		AvailableVideos []string `json:"available_videos"`
	}
	b, _ := io.ReadAll(io.LimitReader(resp.Body, 64*1024))
	if json.Unmarshal(b, &body) != nil {
		return Result{}, false
	}
	// available_videos distinguishes a player agent from any random HTTP
	// server on the same port.
	if body.AvailableVideos == nil {
		return Result{}, false
	}

	r := Result{IP: net.ParseIP(host), IsPlaying: body.IsPlaying, Hostname: lookupName(host)}
	if body.CurrentVideo != nil {
		r.CurrentVideo = *body.CurrentVideo
	}
	return r, true
}

func lookupName(host string) string {
	names, err := net.LookupAddr(host)
	if err != nil || len(names) == 0 {
		return ""
	}
	return strings.TrimSuffix(names[0], ".")
}

func tcpOpen(ctx context.Context, host string, port int, timeout time.Duration) bool {
	d := net.Dialer{Timeout: timeout}
	conn, err := d.DialContext(ctx, "tcp", net.JoinHostPort(host, fmt.Sprint(port)))
	if err != nil {
		return false
	}
	_ = conn.Close()
	return true
}
