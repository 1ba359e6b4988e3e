package mikrotik

import (
	"context"
	"net"
	"strings"
	"time"

	"github.com/go-routeros/routeros"
)

type DHCPLease struct {
	IP       net.IP
	MAC      string
	Hostname string
	Status   string
	Server   string
	Dynamic  bool
}

// Client is the RouterOS surface lease discovery needs.
type Client interface {
	ListDHCP(ctx context.Context) ([]DHCPLease, error)
	Close() error
}

type RouterOS struct {
	c *routeros.Client
}

var _ Client = (*RouterOS)(nil)

type RouterOSConfig struct {
	Address  string
	Username string
	Password string
	Timeout  time.Duration
}

func Dial(cfg RouterOSConfig) (*RouterOS, error) {
	// go-routeros doesn't accept context; use timeout via net.Dialer.
	d := net.Dialer{Timeout: cfg.Timeout}
	conn, err := d.Dial("tcp", cfg.Address)
	if err != nil {
		return nil, err
	}
	c, err := routeros.NewClient(conn)
	if err != nil {
		_ = conn.Close()
		return nil, err
	}
	if err := c.Login(cfg.Username, cfg.Password); err != nil {
		c.Close()
		return nil, err
	}
	return &RouterOS{c: c}, nil
}

func (r *RouterOS) Close() error {
	if r.c != nil {
		r.c.Close()
	}
	return nil
}

func (r *RouterOS) ListDHCP(ctx context.Context) ([]DHCPLease, error) {
	rep, err := r.c.Run("/ip/dhcp-server/lease/print")
	if err != nil {
		return nil, err
	}
	out := make([]DHCPLease, 0, len(rep.Re))
	for _, re := range rep.Re {
		ip := net.ParseIP(re.Map["address"])
		if ip == nil {
			continue
		}
		out = append(out, DHCPLease{
			IP:       ip,
			MAC:      normalizeMAC(re.Map["mac-address"]),
			Hostname: re.Map["host-name"],
			Status:   re.Map["status"],
			Server:   re.Map["server"],
			Dynamic:  re.Map["dynamic"] == "true",
		})
	}
	return out, nil
}

func normalizeMAC(s string) string {
	s = strings.TrimSpace(strings.ToLower(s))
	s = strings.ReplaceAll(s, "-", ":")
	if len(s) == 12 && !strings.Contains(s, ":") {
		// 001122aabbcc -> 00:11:22:aa:bb:cc
		var b strings.Builder
		for i := 0; i < 12; i += 2 {
			if i > 0 {
				b.WriteByte(':')
			}
			b.WriteString(s[i : i+2])
		}
		return b.String()
	}
	return s
}
