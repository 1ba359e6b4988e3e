package hostnorm

import (
	"regexp"
	"strings"
)

var ws = regexp.MustCompile(`\s+`)

// Normalize reduces an mDNS/DHCP hostname to a stable key:
// "Pi-5.local." -> "pi-5". Empty input stays empty.
func Normalize(raw string) string {
	s := strings.TrimSpace(strings.ToLower(raw))
	if s == "" {
		return ""
	}
	s = strings.TrimSuffix(s, ".")
	s = strings.TrimSuffix(s, ".local")
	s = strings.ReplaceAll(s, "_", "-")
	s = ws.ReplaceAllString(s, "-")
	return s
}

// DisplayName maps a raw hostname through the operator's alias table
// ("pi5" -> "Snack Shack Left"). Without an alias the normalized hostname
// is the display name; a blank hostname yields "unnamed".
func DisplayName(raw string, aliases map[string]string) string {
	key := Normalize(raw)
	if key == "" {
		return "unnamed"
	}
	if aliases != nil {
		if name, ok := aliases[key]; ok && strings.TrimSpace(name) != "" {
			return name
		}
		// Alias tables are often written with the raw hostname.
		if name, ok := aliases[strings.TrimSpace(raw)]; ok && strings.TrimSpace(name) != "" {
			return name
		}
	}
	return key
}
