package netutil

import (
	"fmt"
	"net"
	"strings"
)

// A scan spec is a comma- or newline-separated list of IPv4 CIDRs
// ("10.0.0.0/24") and dash ranges ("10.0.0.10-10.0.0.50"). Network and
// broadcast addresses are excluded from CIDR enumeration.

// Preview summarizes a spec without enumerating it, for validation and UI.
type Preview struct {
	Valid      bool   `json:"valid"`
	Error      string `json:"error,omitempty"`
	Spec       string `json:"spec,omitempty"`
	TotalHosts int    `json:"total_hosts"`
	First      string `json:"first,omitempty"`
	Last       string `json:"last,omitempty"`
}

func PreviewSpec(spec string) Preview {
	spec = strings.TrimSpace(spec)
	if spec == "" {
		return Preview{Error: "empty"}
	}

	var total int
	var first, last uint32
	seen := false
	for _, part := range splitSpec(spec) {
		a, b, err := parsePart(part)
		if err != nil {
			return Preview{Error: err.Error()}
		}
		if b < a {
			continue
		}
		total += int(b-a) + 1
		if !seen || a < first {
			first = a
		}
		if !seen || b > last {
			last = b
		}
		seen = true
	}

	out := Preview{Valid: true, Spec: spec, TotalHosts: total}
	if seen {
		out.First = u32ToIP(first).String()
		out.Last = u32ToIP(last).String()
	}
	return out
}

// Hosts enumerates every address in the spec, capped at max (0 means no
// cap). Order follows the spec parts.
func Hosts(spec string, max int) ([]string, error) {
	spec = strings.TrimSpace(spec)
	if spec == "" {
		return nil, fmt.Errorf("empty spec")
	}

	var out []string
	for _, part := range splitSpec(spec) {
		a, b, err := parsePart(part)
		if err != nil {
			return nil, err
		}
		for ip := a; ip <= b; ip++ {
			out = append(out, u32ToIP(ip).String())
			if max > 0 && len(out) >= max {
				return out, fmt.Errorf("spec enumerates more than %d hosts", max)
			}
			if ip == ^uint32(0) {
				break
			}
		}
	}
	return out, nil
}

// parsePart returns the inclusive [a, b] address window for one spec part.
func parsePart(part string) (uint32, uint32, error) {
	part = strings.TrimSpace(part)
	if part == "" {
		return 1, 0, nil
	}

	if strings.Contains(part, "/") {
		_, n, err := net.ParseCIDR(part)
		if err != nil {
			return 0, 0, err
		}
		ip := n.IP.To4()
		mask := net.IP(n.Mask).To4()
		if ip == nil || mask == nil {
			return 0, 0, fmt.Errorf("only IPv4 is supported: %q", part)
		}
		network := ipToU32(ip.Mask(n.Mask))
		broadcast := network | ^ipToU32(mask)
		if broadcast-network < 2 {
			return 1, 0, nil // /31 and /32 have no usable host window
		}
		return network + 1, broadcast - 1, nil
	}

	a, b, ok := strings.Cut(part, "-")
	if !ok {
		ip := net.ParseIP(part).To4()
		if ip == nil {
			return 0, 0, fmt.Errorf("bad address %q", part)
		}
		v := ipToU32(ip)
		return v, v, nil
	}
	lo := net.ParseIP(strings.TrimSpace(a)).To4()
	hi := net.ParseIP(strings.TrimSpace(b)).To4()
	if lo == nil || hi == nil {
		return 0, 0, fmt.Errorf("bad IPv4 range %q", part)
	}
	lu, hu := ipToU32(lo), ipToU32(hi)
	if hu < lu {
		return 0, 0, fmt.Errorf("range %q runs backwards", part)
	}
	return lu, hu, nil
}

func splitSpec(spec string) []string {
	spec = strings.ReplaceAll(spec, "\n", ",")
	spec = strings.ReplaceAll(spec, "\r", ",")
	var out []string
	for _, p := range strings.Split(spec, ",") {
		if strings.TrimSpace(p) != "" {
			out = append(out, p)
		}
	}
	return out
}

func ipToU32(ip net.IP) uint32 {
	return uint32(ip[0])<<24 | uint32(ip[1])<<16 | uint32(ip[2])<<8 | uint32(ip[3])
}

func u32ToIP(v uint32) net.IP {
	return net.IPv4(byte(v>>24), byte(v>>16), byte(v>>8), byte(v))
}
