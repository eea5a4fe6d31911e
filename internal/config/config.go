// Package config loads per-component TOML configuration files: a typed
// struct decoded in one shot and validated afterward.
package config

import (
	"errors"
	"time"

	"github.com/BurntSushi/toml"
)

// Config holds every tunable an AllNet component may read from its TOML
// file. Pipe fd wiring itself stays argv-driven per spec.md §6; only the
// numeric/behavioral knobs live here.
type Config struct {
	Log struct {
		Level string `toml:"level"`
		File  string `toml:"file"`
	} `toml:"log"`

	Peers struct {
		Port          int  `toml:"port"`
		Capacity      int  `toml:"capacity"`
		LocalhostOnly bool `toml:"localhost_only"`
	} `toml:"peers"`

	Bloom struct {
		K                int           `toml:"k"`
		B                uint32        `toml:"b"`
		D                int           `toml:"d"`
		RotationInterval time.Duration `toml:"rotation_interval"`
	} `toml:"bloom"`

	RateLimit struct {
		Window time.Duration `toml:"window"`
	} `toml:"rate_limit"`

	IPGateway struct {
		TargetPeers int           `toml:"target_peers"`
		StorePath   string        `toml:"store_path"`
		DialTimeout time.Duration `toml:"dial_timeout"`
	} `toml:"ip_gateway"`

	Metrics struct {
		ListenAddr string `toml:"listen_addr"`
	} `toml:"metrics"`
}

// Default returns a Config populated with this implementation's defaults,
// matching the constants used when no TOML file is supplied.
func Default() Config {
	var c Config
	c.Log.Level = "INFO"
	c.Peers.Port = 0xa119
	c.Peers.Capacity = 128
	c.Bloom.K = 8
	c.Bloom.B = 1 << 20
	c.Bloom.D = 4
	c.Bloom.RotationInterval = 5 * time.Minute
	c.RateLimit.Window = 10 * time.Second
	c.IPGateway.TargetPeers = 8
	c.IPGateway.StorePath = "knownpeers.db"
	c.IPGateway.DialTimeout = 10 * time.Second
	c.Metrics.ListenAddr = "127.0.0.1:9101"
	return c
}

// Load decodes a TOML file at path on top of Default(), so a partial file
// only overrides the fields it sets.
func Load(path string) (Config, error) {
	c := Default()
	if path == "" {
		return c, nil
	}
	if _, err := toml.DecodeFile(path, &c); err != nil {
		return Config{}, err
	}
	if err := c.Validate(); err != nil {
		return Config{}, err
	}
	return c, nil
}

// Validate checks invariants Load alone can't express via struct tags.
func (c Config) Validate() error {
	if c.Peers.Port < 0 || c.Peers.Port > 65535 {
		return errors.New("config: peers.port out of range")
	}
	if c.Bloom.K <= 0 {
		return errors.New("config: bloom.k must be positive")
	}
	if c.Bloom.D <= 0 {
		return errors.New("config: bloom.d must be positive")
	}
	if c.Bloom.RotationInterval <= 0 {
		return errors.New("config: bloom.rotation_interval must be positive")
	}
	return nil
}
