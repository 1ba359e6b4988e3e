package settings

import "time"

type Directory struct {
	URL      string        `json:"url"`
	Interval time.Duration `json:"interval"`
}

type Agent struct {
	Port           int           `json:"port"`
	RequestTimeout time.Duration `json:"request_timeout"`
	// Bearer token sent to every device agent, encrypted with data/secret.key.
	TokenEnc string `json:"token_enc,omitempty"`
}

type Poller struct {
	Interval    time.Duration `json:"interval"`
	Concurrency int           `json:"concurrency"`
}

type Scanner struct {
	Concurrency int           `json:"concurrency"`
	DialTimeout time.Duration `json:"dial_timeout"`
	HTTPTimeout time.Duration `json:"http_timeout"`
}

type MikroTik struct {
	Address        string        `json:"address"`
	Username       string        `json:"username"`
	PasswordEnc    string        `json:"password_enc,omitempty"`
	PollInterval   time.Duration `json:"poll_interval"`
	HostnamePrefix string        `json:"hostname_prefix"`
}

// ScanRange persists one discovery sweep window across restarts.
type ScanRange struct {
	Spec    string `json:"spec"`
	Enabled bool   `json:"enabled"`
	Note    string `json:"note,omitempty"`
}

type EmbeddedNATS struct {
	Enabled  bool   `json:"enabled"`
	Host     string `json:"host"`
	Port     int    `json:"port"`
	HTTPPort int    `json:"http_port"`
	StoreDir string `json:"store_dir"`
}

type Settings struct {
	Version int `json:"version"`

	HTTPAddr string `json:"http_addr"`

	Directory Directory `json:"directory"`
	Agent     Agent     `json:"agent"`
	Poller    Poller    `json:"poller"`
	Scanner   Scanner   `json:"scanner"`
	MikroTik  MikroTik  `json:"mikrotik"`

	NATSURL    string `json:"nats_url"`
	NATSPrefix string `json:"nats_prefix"`

	EmbeddedNATS EmbeddedNATS `json:"embedded_nats"`

	ScanRanges []ScanRange `json:"scan_ranges,omitempty"`

	// Hostname -> display name overrides (e.g. "pi5" -> "Snack Shack Left").
	DeviceAliases map[string]string `json:"device_aliases,omitempty"`
}

func Defaults() Settings {
	return Settings{
		Version:  1,
		HTTPAddr: ":7777",

		Directory: Directory{
			URL:      "http://127.0.0.1:7000",
			Interval: 60 * time.Second,
		},
		Agent: Agent{
			Port:           8000,
			RequestTimeout: 5 * time.Second,
		},
		Poller: Poller{
			Interval:    60 * time.Second,
			Concurrency: 16,
		},
		Scanner: Scanner{
			Concurrency: 128,
			DialTimeout: 600 * time.Millisecond,
			HTTPTimeout: 1 * time.Second,
		},
		MikroTik: MikroTik{
			PollInterval:   30 * time.Second,
			HostnamePrefix: "pi",
		},

		NATSURL:    "nats://127.0.0.1:14222",
		NATSPrefix: "pivideo",

		EmbeddedNATS: EmbeddedNATS{
			Enabled:  true,
			Host:     "127.0.0.1",
			Port:     14222,
			HTTPPort: 18222,
			StoreDir: "data/nats",
		},

		DeviceAliases: nil,
	}
}
