package netutil

import (
	"reflect"
	"testing"
)

func TestPreviewSpec(t *testing.T) {
	cases := []struct {
		name  string
		spec  string
		valid bool
		total int
		first string
		last  string
	}{
		{"cidr", "10.0.0.0/24", true, 254, "10.0.0.1", "10.0.0.254"},
		{"range", "10.0.0.10-10.0.0.12", true, 3, "10.0.0.10", "10.0.0.12"},
		{"multi", "10.0.0.1-10.0.0.2,10.0.1.1-10.0.1.3", true, 5, "10.0.0.1", "10.0.1.3"},
		{"single host", "10.0.0.5", true, 1, "10.0.0.5", "10.0.0.5"},
		{"slash32", "10.0.0.5/32", true, 0, "", ""},
		{"empty", "", false, 0, "", ""},
		{"garbage", "not-an-ip", false, 0, "", ""},
		{"backwards", "10.0.0.5-10.0.0.1", false, 0, "", ""},
	}
	for _, c := range cases {
		t.Run(c.name, func(t *testing.T) {
			p := PreviewSpec(c.spec)
			if p.Valid != c.valid {
				t.Fatalf("Valid = %v (%s)", p.Valid, p.Error)
			}
			if !c.valid {
				return
			}
			if p.TotalHosts != c.total || p.First != c.first || p.Last != c.last {
				t.Errorf("Preview = %+v", p)
			}
		})
	}
}

func TestHosts(t *testing.T) {
	got, err := Hosts("192.168.1.252/30", 0)
	if err != nil {
		t.Fatalf("Hosts() error = %v", err)
	}
	want := []string{"192.168.1.253", "192.168.1.254"}
	if !reflect.DeepEqual(got, want) {
		t.Errorf("Hosts() = %v, want %v", got, want)
	}
}

func TestHosts_Cap(t *testing.T) {
	got, err := Hosts("10.0.0.0/16", 100)
	if err == nil {
		t.Fatal("Hosts() = nil error, want cap exceeded")
	}
	if len(got) != 100 {
		t.Errorf("len = %d, want cap", len(got))
	}
}

func TestHosts_Newlines(t *testing.T) {
	got, err := Hosts("10.0.0.1\n10.0.0.2", 0)
	if err != nil {
		t.Fatal(err)
	}
	if len(got) != 2 {
		t.Errorf("Hosts() = %v", got)
	}
}
