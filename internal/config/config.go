// Copyright 2024 Matt Schultz <schultz@sent.com>. All rights reserved.
// Use of this source code is governed by an ISC license that can be found in the LICENSE file.

// Package config loads rcon-admin settings from a YAML file and the environment.
package config

import (
	"errors"
	"fmt"
	"log/slog"
	"net"
	"os"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Defaults applied when the file and environment leave a value unset.
const (
	DefaultPort     = 25575
	DefaultHost     = "127.0.0.1"
	DefaultTimeout  = 15 * time.Second
	DefaultHTTPAddr = ":8080"
	DefaultLogLevel = "info"
)

// Config holds the complete rcon-admin configuration.
type Config struct {
	RCON       RCON       `yaml:"rcon"`
	Dispatch   Dispatch   `yaml:"dispatch"`
	Admins     []string   `yaml:"admins"`
	Moderation Moderation `yaml:"moderation"`
	Bridge     Bridge     `yaml:"bridge"`
	HTTP       HTTP       `yaml:"http"`
	Audit      Audit      `yaml:"audit"`
	Log        Log        `yaml:"log"`
}

// RCON describes the game server's remote console.
type RCON struct {
	Host     string        `yaml:"host"`
	Port     int           `yaml:"port"`
	Password string        `yaml:"password"`
	Timeout  time.Duration `yaml:"timeout"`

	// MultiPacket enables reassembly of replies spanning several frames.
	MultiPacket bool `yaml:"multi_packet"`

	// TolerateAuthPreamble skips the empty frame some servers send ahead of the auth result.
	TolerateAuthPreamble bool `yaml:"tolerate_auth_preamble"`
}

// Address returns the host:port of the remote console.
func (r RCON) Address() string {
	return net.JoinHostPort(r.Host, strconv.Itoa(r.Port))
}

// Dispatch configures how actions are turned into commands.
type Dispatch struct {
	WhitelistPrefix string `yaml:"whitelist_prefix"`
	BroadcastPrefix string `yaml:"broadcast_prefix"`
	BroadcastColor  string `yaml:"broadcast_color"`
}

// Moderation configures the word blocklist applied to relayed and broadcast text.
type Moderation struct {
	Blocklist []string `yaml:"blocklist"`
}

// Bridge configures the game event bridge.
type Bridge struct {
	// Token is the shared secret game-side plugins present. Empty disables the bridge.
	Token    string   `yaml:"token"`
	Channels []string `yaml:"channels"`

	// WebhookURL, when set, receives relayed messages. Otherwise they are only logged.
	WebhookURL string `yaml:"webhook_url"`
}

// HTTP configures the HTTP API.
type HTTP struct {
	Addr           string   `yaml:"addr"`
	Token          string   `yaml:"token"`
	AllowedOrigins []string `yaml:"allowed_origins"`
}

// Audit configures the action audit log. An empty path disables it.
type Audit struct {
	Path string `yaml:"path"`
}

// Log configures logging.
type Log struct {
	Level string `yaml:"level"`
}

// SlogLevel returns the configured slog level, falling back to info.
func (l Log) SlogLevel() slog.Level {
	var lvl slog.Level
	if err := lvl.UnmarshalText([]byte(l.Level)); err != nil {
		return slog.LevelInfo
	}
	return lvl
}

// Overrides optionally overrides values from the file and environment.
//
// A nil pointer means "use the file/environment/default value".
type Overrides struct {
	Host     *string
	Port     *int
	Password *string
	HTTPAddr *string
}

// Load reads the YAML file at path, applies environment variables, then overrides, then defaults,
// and validates the result. An empty path skips the file.
func Load(path string, overrides Overrides) (*Config, error) {
	var data []byte
	if path != "" {
		var err error
		data, err = os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("config: %w", err)
		}
	}
	return parse(data, overrides)
}

func parse(data []byte, overrides Overrides) (*Config, error) {
	cfg := &Config{}
	if len(data) > 0 {
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("config: parse: %w", err)
		}
	}

	if err := cfg.applyEnv(); err != nil {
		return nil, err
	}
	cfg.applyOverrides(overrides)
	cfg.applyDefaults()

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func (c *Config) applyEnv() error {
	if v := os.Getenv("RCON_HOST"); v != "" {
		c.RCON.Host = v
	}
	if v := os.Getenv("RCON_PORT"); v != "" {
		p, err := strconv.Atoi(v)
		if err != nil {
			return fmt.Errorf("config: RCON_PORT: %w", err)
		}
		c.RCON.Port = p
	}
	if v, ok := os.LookupEnv("RCON_PASSWORD"); ok {
		c.RCON.Password = v
	}
	if v, ok := os.LookupEnv("RCON_ADMIN_BRIDGE_TOKEN"); ok {
		c.Bridge.Token = v
	}
	if v := os.Getenv("RCON_ADMIN_HTTP_ADDR"); v != "" {
		c.HTTP.Addr = v
	}
	return nil
}

func (c *Config) applyOverrides(o Overrides) {
	if o.Host != nil {
		c.RCON.Host = *o.Host
	}
	if o.Port != nil {
		c.RCON.Port = *o.Port
	}
	if o.Password != nil {
		c.RCON.Password = *o.Password
	}
	if o.HTTPAddr != nil {
		c.HTTP.Addr = *o.HTTPAddr
	}
}

func (c *Config) applyDefaults() {
	if c.RCON.Host == "" {
		c.RCON.Host = DefaultHost
	}
	if c.RCON.Port == 0 {
		c.RCON.Port = DefaultPort
	}
	if c.RCON.Timeout == 0 {
		c.RCON.Timeout = DefaultTimeout
	}
	if c.HTTP.Addr == "" {
		c.HTTP.Addr = DefaultHTTPAddr
	}
	if len(c.HTTP.AllowedOrigins) == 0 {
		c.HTTP.AllowedOrigins = []string{"*"}
	}
	if c.Log.Level == "" {
		c.Log.Level = DefaultLogLevel
	}
}

// Validate reports every problem found in c.
func (c *Config) Validate() error {
	var errs []error
	if c.RCON.Port < 1 || c.RCON.Port > 65535 {
		errs = append(errs, fmt.Errorf("rcon.port %d out of range", c.RCON.Port))
	}
	if c.RCON.Password == "" {
		errs = append(errs, errors.New("rcon.password is required (set RCON_PASSWORD)"))
	}
	if c.RCON.Timeout < 0 {
		errs = append(errs, fmt.Errorf("rcon.timeout %s is negative", c.RCON.Timeout))
	}
	if strings.ContainsAny(c.Dispatch.WhitelistPrefix, " \t\r\n") {
		errs = append(errs, fmt.Errorf("dispatch.whitelist_prefix %q must be a single word", c.Dispatch.WhitelistPrefix))
	}
	var lvl slog.Level
	if err := lvl.UnmarshalText([]byte(c.Log.Level)); err != nil {
		errs = append(errs, fmt.Errorf("log.level: %w", err))
	}
	if len(errs) > 0 {
		return fmt.Errorf("config: %w", errors.Join(errs...))
	}
	return nil
}
