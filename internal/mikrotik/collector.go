package mikrotik

import (
	"context"
	"strings"
	"time"

	"go.uber.org/zap"

	"pivideo-control/internal/fleet"
	"pivideo-control/internal/hostnorm"
)

type CollectorConfig struct {
	Interval       time.Duration
	HostnamePrefix string // leases whose hostname starts with this are players
	Aliases        map[string]string
}

// Collector scrapes DHCP leases off the site router and feeds hosts that
// look like player devices into the registry. Supplements the directory;
// never overrides it.
type Collector struct {
	cfg   CollectorConfig
	dial  func() (Client, error)
	store *fleet.Store
	log   *zap.Logger
}

func NewCollector(cfg CollectorConfig, dial func() (Client, error), store *fleet.Store, log *zap.Logger) *Collector {
	if cfg.Interval <= 0 {
		cfg.Interval = 5 * time.Minute
	}
	if cfg.HostnamePrefix == "" {
		cfg.HostnamePrefix = "pi"
	}
	return &Collector{cfg: cfg, dial: dial, store: store, log: log}
}

func (c *Collector) Name() string            { return "mikrotik-leases" }
func (c *Collector) Interval() time.Duration { return c.cfg.Interval }

// Collect dials fresh each pass; RouterOS sessions are cheap and a stale
// connection would poison every later sweep.
func (c *Collector) Collect(ctx context.Context) error {
	client, err := c.dial()
	if err != nil {
		return err
	}
	defer client.Close()

	leases, err := client.ListDHCP(ctx)
	if err != nil {
		return err
	}

	now := time.Now().UTC()
	found := 0
	for _, l := range leases {
		if !c.isPlayer(l) {
			continue
		}
		name := hostnorm.DisplayName(l.Hostname, c.cfg.Aliases)
		c.store.UpsertDiscovery(fleet.SourceMikroTik, l.IP.String(), name, now)
		found++
	}
	if c.log != nil {
		c.log.Debug("lease sweep done", zap.Int("leases", len(leases)), zap.Int("players", found))
	}
	return nil
}

func (c *Collector) isPlayer(l DHCPLease) bool {
	if l.Status != "" && l.Status != "bound" {
		return false
	}
	h := strings.ToLower(strings.TrimSpace(l.Hostname))
	return strings.HasPrefix(h, strings.ToLower(c.cfg.HostnamePrefix))
}
