// Copyright 2026 The Mellium Contributors.
// Use of this source code is governed by the BSD 2-clause
// license that can be found in the LICENSE file.

// Package config loads the configuration file of the fmucd daemon.
package config // import "mellium.im/fmuc/internal/config"

import (
	"errors"
	"fmt"
	"os"
	"time"

	"go.uber.org/zap/zapcore"
	"gopkg.in/yaml.v3"
	"mellium.im/xmpp/jid"

	"mellium.im/fmuc"
	"mellium.im/fmuc/room"
)

// Defaults for settings missing from the file.
const (
	DefaultServer      = "localhost:5347"
	DefaultLogLevel    = "info"
	DefaultMetrics     = "127.0.0.1:9289"
	DefaultHistory     = room.DefaultMaxHistory
	DefaultJoinTimeout = room.DefaultJoinTimeout
)

// Config is the daemon configuration.
type Config struct {
	Component  ComponentConfig `yaml:"component"`
	Federation bool            `yaml:"federation"`
	Log        LogConfig       `yaml:"log"`
	Metrics    MetricsConfig   `yaml:"metrics"`
	Rooms      []RoomConfig    `yaml:"rooms"`
}

// ComponentConfig is how the daemon logs in to its XMPP server.
type ComponentConfig struct {
	Address string `yaml:"address"` // domain of the chat service
	Secret  string `yaml:"secret"`
	Server  string `yaml:"server"` // host:port of the component listener
}

// LogConfig configures logging.
type LogConfig struct {
	Level string `yaml:"level"` // debug, info, warn, error
}

// MetricsConfig configures the Prometheus endpoint.
type MetricsConfig struct {
	Listen string `yaml:"listen"` // empty disables the endpoint
}

// RoomConfig is a room served by the daemon.
type RoomConfig struct {
	Name        string          `yaml:"name"`
	Federation  *bool           `yaml:"federation"` // defaults to true
	PublicJIDs  bool            `yaml:"public_jids"`
	Outbound    *OutboundConfig `yaml:"outbound"`
	History     int             `yaml:"history"`
	Subject     string          `yaml:"subject"`
	JoinTimeout time.Duration   `yaml:"join_timeout"`
}

// OutboundConfig is the room another room joins.
type OutboundConfig struct {
	Peer string    `yaml:"peer"`
	Mode fmuc.Mode `yaml:"mode"`
}

// Room is a validated room ready to be added to a service.
type Room struct {
	Name   string
	Config room.Config
}

// Default returns the configuration used for values missing from a file.
func Default() *Config {
	return &Config{
		Component: ComponentConfig{
			Server: DefaultServer,
		},
		Federation: true,
		Log: LogConfig{
			Level: DefaultLogLevel,
		},
		Metrics: MetricsConfig{
			Listen: DefaultMetrics,
		},
	}
}

// Load reads and validates the configuration file at path.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}
	return Parse(data)
}

// Parse parses and validates a YAML configuration.
// Environment variables in the form $VAR or ${VAR} are expanded first.
func Parse(data []byte) (*Config, error) {
	cfg := Default()
	if err := yaml.Unmarshal([]byte(os.ExpandEnv(string(data))), cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("config validation failed: %w", err)
	}
	return cfg, nil
}

// Validate checks the configuration for errors.
func (c *Config) Validate() error {
	domain, err := c.Domain()
	if err != nil {
		return err
	}
	if c.Component.Secret == "" {
		return errors.New("component.secret is required")
	}
	if c.Component.Server == "" {
		return errors.New("component.server is required")
	}
	if _, err := c.Level(); err != nil {
		return err
	}

	seen := make(map[string]bool, len(c.Rooms))
	for i, r := range c.Rooms {
		if r.Name == "" {
			return fmt.Errorf("rooms[%d]: name is required", i)
		}
		if seen[r.Name] {
			return fmt.Errorf("room %q: defined more than once", r.Name)
		}
		seen[r.Name] = true
		if err := r.validate(domain); err != nil {
			return fmt.Errorf("room %q: %w", r.Name, err)
		}
	}
	return nil
}

func (r RoomConfig) validate(domain jid.JID) error {
	addr, err := jid.New(r.Name, domain.Domainpart(), "")
	if err != nil {
		return fmt.Errorf("invalid name: %w", err)
	}
	if r.History < 0 {
		return fmt.Errorf("history must not be negative, got %d", r.History)
	}
	if r.JoinTimeout < 0 {
		return fmt.Errorf("join_timeout must not be negative, got %s", r.JoinTimeout)
	}
	if r.Outbound == nil {
		return nil
	}
	peer, err := r.Outbound.peer()
	if err != nil {
		return err
	}
	if peer.Equal(addr) {
		return errors.New("outbound peer is the room itself")
	}
	return nil
}

func (o OutboundConfig) peer() (jid.JID, error) {
	peer, err := jid.Parse(o.Peer)
	if err != nil {
		return jid.JID{}, fmt.Errorf("invalid outbound peer %q: %w", o.Peer, err)
	}
	if peer.Localpart() == "" || peer.Resourcepart() != "" {
		return jid.JID{}, fmt.Errorf("outbound peer %q must be a bare room address", o.Peer)
	}
	return peer, nil
}

// Domain returns the address of the chat service.
func (c *Config) Domain() (jid.JID, error) {
	if c.Component.Address == "" {
		return jid.JID{}, errors.New("component.address is required")
	}
	addr, err := jid.Parse(c.Component.Address)
	if err != nil {
		return jid.JID{}, fmt.Errorf("invalid component.address: %w", err)
	}
	if addr.Localpart() != "" || addr.Resourcepart() != "" {
		return jid.JID{}, fmt.Errorf("component.address %q must be a domain", c.Component.Address)
	}
	return addr, nil
}

// Level returns the configured log level.
func (c *Config) Level() (zapcore.Level, error) {
	lvl, err := zapcore.ParseLevel(c.Log.Level)
	if err != nil {
		return lvl, fmt.Errorf("invalid log.level: %w", err)
	}
	return lvl, nil
}

// RoomSet returns the configured rooms with defaults applied, in file order.
func (c *Config) RoomSet() ([]Room, error) {
	out := make([]Room, 0, len(c.Rooms))
	for _, r := range c.Rooms {
		cfg := room.Config{
			Federation:  r.Federation == nil || *r.Federation,
			PublicJIDs:  r.PublicJIDs,
			MaxHistory:  r.History,
			Subject:     r.Subject,
			JoinTimeout: r.JoinTimeout,
		}
		if cfg.MaxHistory == 0 {
			cfg.MaxHistory = DefaultHistory
		}
		if cfg.JoinTimeout == 0 {
			cfg.JoinTimeout = DefaultJoinTimeout
		}
		if r.Outbound != nil {
			peer, err := r.Outbound.peer()
			if err != nil {
				return nil, fmt.Errorf("room %q: %w", r.Name, err)
			}
			cfg.Outbound = &fmuc.OutboundConfig{Peer: peer, Mode: r.Outbound.Mode}
		}
		out = append(out, Room{Name: r.Name, Config: cfg})
	}
	return out, nil
}
