package mikrotik

import (
	"context"
	"errors"
	"net"
	"testing"

	"go.uber.org/zap"

	"pivideo-control/internal/fleet"
)

type fakeClient struct {
	leases []DHCPLease
	err    error
	closed bool
}

func (f *fakeClient) ListDHCP(ctx context.Context) ([]DHCPLease, error) { return f.leases, f.err }
func (f *fakeClient) Close() error                                      { f.closed = true; return nil }

func TestCollect_FiltersLeasesByHostnamePrefix(t *testing.T) {
	fc := &fakeClient{leases: []DHCPLease{
		{IP: net.ParseIP("10.0.0.10"), Hostname: "pi-lobby", Status: "bound"},
		{IP: net.ParseIP("10.0.0.11"), Hostname: "Pi5", Status: "bound"},
		{IP: net.ParseIP("10.0.0.12"), Hostname: "printer", Status: "bound"},
		{IP: net.ParseIP("10.0.0.13"), Hostname: "pi-old", Status: "expired"},
	}}
	store := fleet.NewStore()
	c := NewCollector(CollectorConfig{Aliases: map[string]string{"pi5": "Snack Shack"}},
		func() (Client, error) { return fc, nil }, store, zap.NewNop())

	if err := c.Collect(context.Background()); err != nil {
		t.Fatalf("Collect() error = %v", err)
	}
	if !fc.closed {
		t.Error("client not closed after pass")
	}

	if got := len(store.List()); got != 2 {
		t.Fatalf("registry has %d devices, want 2: %+v", got, store.List())
	}
	d, ok := store.Get("10.0.0.11")
	if !ok || d.Name != "Snack Shack" || d.Source != fleet.SourceMikroTik {
		t.Errorf("aliased device = %+v", d)
	}
	if _, ok := store.Get("10.0.0.12"); ok {
		t.Error("non-player lease reached the registry")
	}
	if _, ok := store.Get("10.0.0.13"); ok {
		t.Error("expired lease reached the registry")
	}
}

func TestCollect_DialFailure(t *testing.T) {
	c := NewCollector(CollectorConfig{},
		func() (Client, error) { return nil, errors.New("router unreachable") },
		fleet.NewStore(), zap.NewNop())
	if err := c.Collect(context.Background()); err == nil {
		t.Error("Collect() = nil, want dial error")
	}
}

func TestRouterOSClose_WithoutConnection(t *testing.T) {
	r := &RouterOS{}
	if err := r.Close(); err != nil {
		t.Errorf("Close() on unconnected client = %v, want nil", err)
	}
}

func TestNormalizeMAC(t *testing.T) {
	cases := map[string]string{
		"AA-BB-CC-00-11-22": "aa:bb:cc:00:11:22",
		"aabbcc001122":      "aa:bb:cc:00:11:22",
		"aa:bb:cc:00:11:22": "aa:bb:cc:00:11:22",
	}
	for in, want := range cases {
		if got := normalizeMAC(in); got != want {
			t.Errorf("normalizeMAC(%q) = %q, want %q", in, got, want)
		}
	}
}
