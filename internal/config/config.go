// Package config loads the taulinkd TOML file over built-in defaults.
package config

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/BurntSushi/toml"
	"github.com/danmuck/taulink/internal/crypto"
	"github.com/danmuck/taulink/internal/link"
	"github.com/danmuck/taulink/internal/transport"
	"github.com/google/uuid"
)

// Keystore backends.
const (
	BackendMemory = "memory"
	BackendBolt   = "bolt"
	BackendRedis  = "redis"
	BackendHost   = "host"
)

var (
	ErrInvalidBackend   = errors.New("config: invalid keystore backend")
	ErrBoltPathRequired = errors.New("config: keystore path required for bolt")
	ErrRedisURLRequired = errors.New("config: keystore redis_url required for redis")
	ErrInvalidAlgorithm = errors.New("config: invalid algorithm")
	ErrInvalidClient    = errors.New("config: invalid client entry")
)

type KeystoreConfig struct {
	Backend     string
	Path        string
	RedisURL    string
	CallTimeout time.Duration
}

type CryptoConfig struct {
	DEKAlgorithm      string
	PersonalAlgorithm string
}

type AdminConfig struct {
	// Listen is empty when the admin HTTP surface is off.
	Listen string
	// Token, when set, is required as a bearer token on /metrics.
	Token string
}

// ClientEntry is a session opened at startup.
type ClientEntry struct {
	ID   uuid.UUID
	Link link.Link
}

type Config struct {
	Session  transport.Config
	Keystore KeystoreConfig
	Crypto   CryptoConfig
	Admin    AdminConfig
	Clients  []ClientEntry
}

func DefaultConfig() Config {
	return Config{
		Session: transport.DefaultConfig(),
		Keystore: KeystoreConfig{
			Backend:     BackendMemory,
			CallTimeout: 10 * time.Second,
		},
		Crypto: CryptoConfig{
			DEKAlgorithm:      "AES",
			PersonalAlgorithm: "ECIES",
		},
	}
}

type fileConfig struct {
	Session  sessionSection  `toml:"session"`
	Keystore keystoreSection `toml:"keystore"`
	Crypto   cryptoSection   `toml:"crypto"`
	Admin    adminSection    `toml:"admin"`
	Clients  []clientSection `toml:"clients"`
}

type sessionSection struct {
	Network            string         `toml:"network"`
	SecurityMode       string         `toml:"security_mode"`
	ConnectTimeout     string         `toml:"connect_timeout"`
	HandshakeTimeout   string         `toml:"handshake_timeout"`
	WriteTimeout       string         `toml:"write_timeout"`
	KeepAlive          string         `toml:"keepalive"`
	MaxConnectAttempts int            `toml:"max_connect_attempts"`
	Backoff            backoffSection `toml:"backoff"`
	TLS                tlsSection     `toml:"tls"`
}

type backoffSection struct {
	Initial    string  `toml:"initial"`
	Multiplier float64 `toml:"multiplier"`
	Max        string  `toml:"max"`
	Jitter     bool    `toml:"jitter"`
}

type tlsSection struct {
	Enabled            bool   `toml:"enabled"`
	Mutual             bool   `toml:"mutual"`
	CAFile             string `toml:"ca_file"`
	CertFile           string `toml:"cert_file"`
	KeyFile            string `toml:"key_file"`
	ServerName         string `toml:"server_name"`
	InsecureSkipVerify bool   `toml:"insecure_skip_verify"`
}

type keystoreSection struct {
	Backend     string `toml:"backend"`
	Path        string `toml:"path"`
	RedisURL    string `toml:"redis_url"`
	CallTimeout string `toml:"call_timeout"`
}

type cryptoSection struct {
	DEKAlgorithm      string `toml:"dek_algorithm"`
	PersonalAlgorithm string `toml:"personal_algorithm"`
}

type adminSection struct {
	Listen string `toml:"listen"`
	Token  string `toml:"token"`
}

type clientSection struct {
	ID   string `toml:"id"`
	Link string `toml:"link"`
}

// Load reads path and applies every key it defines over DefaultConfig.
func Load(path string) (Config, error) {
	var raw fileConfig
	meta, err := toml.DecodeFile(path, &raw)
	if err != nil {
		return Config{}, fmt.Errorf("load config: %w", err)
	}
	return apply(meta, raw)
}

// Parse is Load for in-memory TOML.
func Parse(data string) (Config, error) {
	var raw fileConfig
	meta, err := toml.Decode(data, &raw)
	if err != nil {
		return Config{}, fmt.Errorf("parse config: %w", err)
	}
	return apply(meta, raw)
}

func apply(meta toml.MetaData, raw fileConfig) (Config, error) {
	cfg := DefaultConfig()
	s := &cfg.Session

	if meta.IsDefined("session", "network") {
		s.Network = transport.Network(strings.ToLower(strings.TrimSpace(raw.Session.Network)))
	}
	if meta.IsDefined("session", "security_mode") {
		s.SecurityMode = transport.NormalizeSecurityMode(transport.SecurityMode(raw.Session.SecurityMode))
	}
	durations := []struct {
		key []string
		raw string
		dst *time.Duration
	}{
		{[]string{"session", "connect_timeout"}, raw.Session.ConnectTimeout, &s.ConnectTimeout},
		{[]string{"session", "handshake_timeout"}, raw.Session.HandshakeTimeout, &s.HandshakeTimeout},
		{[]string{"session", "write_timeout"}, raw.Session.WriteTimeout, &s.WriteTimeout},
		{[]string{"session", "keepalive"}, raw.Session.KeepAlive, &s.KeepAlivePeriod},
		{[]string{"session", "backoff", "initial"}, raw.Session.Backoff.Initial, &s.Backoff.InitialDelay},
		{[]string{"session", "backoff", "max"}, raw.Session.Backoff.Max, &s.Backoff.MaxDelay},
		{[]string{"keystore", "call_timeout"}, raw.Keystore.CallTimeout, &cfg.Keystore.CallTimeout},
	}
	for _, d := range durations {
		if !meta.IsDefined(d.key...) {
			continue
		}
		v, err := time.ParseDuration(strings.TrimSpace(d.raw))
		if err != nil {
			return Config{}, fmt.Errorf("parse %s: %w", strings.Join(d.key, "."), err)
		}
		*d.dst = v
	}
	if meta.IsDefined("session", "max_connect_attempts") {
		s.MaxConnectAttempts = raw.Session.MaxConnectAttempts
	}
	if meta.IsDefined("session", "backoff", "multiplier") {
		s.Backoff.Multiplier = raw.Session.Backoff.Multiplier
	}
	if meta.IsDefined("session", "backoff", "jitter") {
		s.Backoff.Jitter = raw.Session.Backoff.Jitter
	}
	if meta.IsDefined("session", "tls") {
		t := raw.Session.TLS
		s.TLS = transport.TLSConfig{
			Enabled:            t.Enabled,
			Mutual:             t.Mutual,
			CAFile:             strings.TrimSpace(t.CAFile),
			CertFile:           strings.TrimSpace(t.CertFile),
			KeyFile:            strings.TrimSpace(t.KeyFile),
			ServerName:         strings.TrimSpace(t.ServerName),
			InsecureSkipVerify: t.InsecureSkipVerify,
		}
	}

	if meta.IsDefined("keystore", "backend") {
		cfg.Keystore.Backend = strings.ToLower(strings.TrimSpace(raw.Keystore.Backend))
	}
	if meta.IsDefined("keystore", "path") {
		cfg.Keystore.Path = strings.TrimSpace(raw.Keystore.Path)
	}
	if meta.IsDefined("keystore", "redis_url") {
		cfg.Keystore.RedisURL = strings.TrimSpace(raw.Keystore.RedisURL)
	}
	if meta.IsDefined("crypto", "dek_algorithm") {
		cfg.Crypto.DEKAlgorithm = strings.ToUpper(strings.TrimSpace(raw.Crypto.DEKAlgorithm))
	}
	if meta.IsDefined("crypto", "personal_algorithm") {
		cfg.Crypto.PersonalAlgorithm = strings.ToUpper(strings.TrimSpace(raw.Crypto.PersonalAlgorithm))
	}
	if meta.IsDefined("admin", "listen") {
		cfg.Admin.Listen = strings.TrimSpace(raw.Admin.Listen)
	}
	if meta.IsDefined("admin", "token") {
		cfg.Admin.Token = strings.TrimSpace(raw.Admin.Token)
	}

	for i, c := range raw.Clients {
		entry, err := parseClient(c)
		if err != nil {
			return Config{}, fmt.Errorf("clients[%d]: %w", i, err)
		}
		cfg.Clients = append(cfg.Clients, entry)
	}

	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

func parseClient(c clientSection) (ClientEntry, error) {
	l, err := link.Parse(strings.TrimSpace(c.Link))
	if err != nil {
		return ClientEntry{}, fmt.Errorf("%w: %w", ErrInvalidClient, err)
	}
	id := uuid.New()
	if strings.TrimSpace(c.ID) != "" {
		if id, err = uuid.Parse(strings.TrimSpace(c.ID)); err != nil {
			return ClientEntry{}, fmt.Errorf("%w: id: %w", ErrInvalidClient, err)
		}
	}
	return ClientEntry{ID: id, Link: l}, nil
}

func (c Config) Validate() error {
	if err := c.Session.Validate(); err != nil {
		return err
	}
	switch c.Keystore.Backend {
	case BackendMemory, BackendHost:
	case BackendBolt:
		if c.Keystore.Path == "" {
			return ErrBoltPathRequired
		}
	case BackendRedis:
		if c.Keystore.RedisURL == "" {
			return ErrRedisURLRequired
		}
	default:
		return fmt.Errorf("%w: %q", ErrInvalidBackend, c.Keystore.Backend)
	}

	algs := crypto.DefaultRegistry()
	for _, name := range []string{c.Crypto.DEKAlgorithm, c.Crypto.PersonalAlgorithm} {
		if _, err := algs.Lookup(name); err != nil {
			return fmt.Errorf("%w: %w", ErrInvalidAlgorithm, err)
		}
	}
	if alg, _ := algs.Lookup(c.Crypto.PersonalAlgorithm); alg.Kind() != crypto.Asymmetric {
		return fmt.Errorf("%w: personal algorithm %s is not asymmetric", ErrInvalidAlgorithm, c.Crypto.PersonalAlgorithm)
	}

	seen := make(map[uuid.UUID]struct{}, len(c.Clients))
	for i, entry := range c.Clients {
		if _, dup := seen[entry.ID]; dup {
			return fmt.Errorf("%w: clients[%d] duplicate id %s", ErrInvalidClient, i, entry.ID)
		}
		seen[entry.ID] = struct{}{}
	}
	return nil
}
