// Package config loads the JSON configuration file described in spec
// section 6. Config file I/O is an explicit external collaborator (spec
// section 1 non-goals) so this loader is a thin encoding/json adapter
// rather than a wired ecosystem config library — see DESIGN.md.
package config

import (
	"encoding/json"
	"os"
)

// ProxyType selects how the upstream connector in internal/upstream dials
// the destination.
type ProxyType string

const (
	ProxyDirect ProxyType = "direct"
	ProxySocks5 ProxyType = "socks5"
	ProxyHTTP   ProxyType = "http"
	ProxyHTTPS  ProxyType = "https"
)

// ProxySettings configures the upstream connector (spec section 4.3).
type ProxySettings struct {
	ProxyType ProxyType `json:"proxy_type"`
	ProxyHost string    `json:"proxy_host"`
	ProxyPort int       `json:"proxy_port"`
	Username  string    `json:"username,omitempty"`
	Password  string    `json:"password,omitempty"`
}

// Profile names a TLS/HTTP2 fingerprint: cipher and extension ordering,
// ALPN list, and the HTTP/2 SETTINGS values advertised on connect.
type Profile struct {
	Name              string   `json:"name"`
	CipherSuites      []uint16 `json:"cipher_suites,omitempty"`
	ExtensionOrder    []uint16 `json:"extension_order,omitempty"`
	ALPN              []string `json:"alpn,omitempty"`
	InitialWindowSize uint32   `json:"initial_window_size,omitempty"`
	HeaderTableSize   uint32   `json:"header_table_size,omitempty"`
	MaxFrameSize      uint32   `json:"max_frame_size,omitempty"`
}

// Config is the root of the JSON configuration document.
type Config struct {
	ListenAddr     string        `json:"listen_addr,omitempty"`
	DefaultProfile string        `json:"default_profile"`
	Profiles       []Profile     `json:"profiles"`
	ProxySettings  ProxySettings `json:"proxy_settings"`
	// JitterStddev is the natural-timing jitter's standard deviation as a
	// fraction of the base delay (spec section 4.5's REDESIGN note that the
	// 1-5000ms clamp and jitter width should be configurable).
	JitterStddev float64 `json:"jitter_stddev,omitempty"`
}

// DefaultListenAddr is the fallback TCP listen endpoint (spec section 6).
const DefaultListenAddr = "127.0.0.1:8080"

// iOSSafariProfileName is the name of the built-in fallback fingerprint.
const iOSSafariProfileName = "ios_safari"

// defaultJitterStddev is spec section 4.5's default Gaussian jitter width.
const defaultJitterStddev = 0.05

// Default returns the built-in iOS-Safari/direct configuration used when
// no config file is present or the file fails to parse (spec section 6).
func Default() *Config {
	return &Config{
		ListenAddr:     DefaultListenAddr,
		DefaultProfile: iOSSafariProfileName,
		Profiles: []Profile{
			{
				Name: iOSSafariProfileName,
				ALPN: []string{"h2", "http/1.1"},
			},
		},
		ProxySettings: ProxySettings{ProxyType: ProxyDirect},
		JitterStddev:  defaultJitterStddev,
	}
}

// Load reads and parses the JSON config file at path. On any error (file
// missing, unreadable, malformed JSON) it falls back to Default(), matching
// spec section 6's "absent or unreadable config" contract.
func Load(path string) *Config {
	data, err := os.ReadFile(path)
	if err != nil {
		return Default()
	}

	var cfg Config
	if err := json.Unmarshal(data, &cfg); err != nil {
		return Default()
	}

	if cfg.ListenAddr == "" {
		cfg.ListenAddr = DefaultListenAddr
	}
	if cfg.DefaultProfile == "" {
		cfg.DefaultProfile = iOSSafariProfileName
	}
	if len(cfg.Profiles) == 0 {
		cfg.Profiles = Default().Profiles
	}
	if cfg.ProxySettings.ProxyType == "" {
		cfg.ProxySettings.ProxyType = ProxyDirect
	}
	if cfg.JitterStddev <= 0 {
		cfg.JitterStddev = defaultJitterStddev
	}
	return &cfg
}

// Profile looks up a named fingerprint profile, falling back to the first
// configured profile (or the built-in default) if the name is unknown.
func (c *Config) Profile(name string) Profile {
	for _, p := range c.Profiles {
		if p.Name == name {
			return p
		}
	}
	if len(c.Profiles) > 0 {
		return c.Profiles[0]
	}
	return Default().Profiles[0]
}
