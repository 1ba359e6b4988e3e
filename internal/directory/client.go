package directory

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"pivideo-control/internal/fleet"
	"pivideo-control/internal/hostnorm"
)

// Client fetches the known-device list from the directory service
// (GET /pis). It keeps no state; the fleet store owns the cache and a
// failed cycle simply leaves the previous list in place.
type Client struct {
	baseURL string
	token   string
	aliases map[string]string
	http    *http.Client
}

type Config struct {
	BaseURL string
	Token   string
	Timeout time.Duration
	// Hostname -> display name overrides applied to directory entries.
	Aliases map[string]string
}

func New(cfg Config) *Client {
	if cfg.Timeout <= 0 {
		cfg.Timeout = 5 * time.Second
	}
	return &Client{
		baseURL: strings.TrimRight(cfg.BaseURL, "/"),
		token:   cfg.Token,
		aliases: cfg.Aliases,
		http:    &http.Client{Timeout: cfg.Timeout},
	}
}

type entry struct {
	Name string `json:"name"`
	Host string `json:"host"`
}

// List returns the directory's current device list. Unreachable service,
// non-2xx responses and malformed bodies all fail the cycle.
func (c *Client) List(ctx context.Context) ([]fleet.Device, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+"/pis", nil)
	if err != nil {
		return nil, err
	}
	req.Header.Set("Accept", "application/json")
	if c.token != "" {
		req.Header.Set("Authorization", "Bearer "+c.token)
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return nil, fmt.Errorf("directory: %w", err)
	}
	defer func() { _ = resp.Body.Close() }()

	b, _ := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return nil, fmt.Errorf("directory: http %d", resp.StatusCode)
	}

	var entries []entry
	if err := json.Unmarshal(b, &entries); err != nil {
		return nil, fmt.Errorf("directory: decode: %w", err)
	}

	out := make([]fleet.Device, 0, len(entries))
	for _, e := range entries {
		host := strings.TrimSpace(e.Host)
		if host == "" {
			continue
		}
		out = append(out, fleet.Device{
			Name: hostnorm.DisplayName(e.Name, c.aliases),
			Host: host,
		})
	}
	return out, nil
}
