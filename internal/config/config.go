// Package config loads and holds the server and client configuration for
// the cluster, the way the teacher's pkg/config holds torrent-engine
// configuration: a TOML file on disk, parsed once, then published through
// an atomic.Value singleton so every component reads a consistent
// read-only snapshot without a lock.
package config

import (
	"sync/atomic"
	"time"

	"github.com/BurntSushi/toml"
	"github.com/pkg/errors"
)

// PeerSpec is one entry of a server's static peer list.
type PeerSpec struct {
	ID      uint32 `toml:"id"`
	Address string `toml:"address"`
}

// ServerConfig configures one cluster peer process (spec §6).
type ServerConfig struct {
	ServerID      uint32     `toml:"server_id"`
	ListenAddress string     `toml:"listen_address"`
	Peers         []PeerSpec `toml:"peers"`

	// CarrierImagePath names the PNG this peer embeds every accepted
	// secret into (spec §6 glossary, "carrier image").
	CarrierImagePath string `toml:"carrier_image_path"`

	HeartbeatIntervalSecs uint64 `toml:"heartbeat_interval_secs"`
	ElectionTimeoutSecs   uint64 `toml:"election_timeout_secs"`
	FailureTimeoutSecs    uint64 `toml:"failure_timeout_secs"`
	MonitorIntervalSecs   uint64 `toml:"monitor_interval_secs"`

	// SendQueueCapacity bounds each per-peer outbound link queue (§4.3).
	SendQueueCapacity int `toml:"send_queue_capacity"`

	// ReconnectBackoff is the fixed delay after a write error before a
	// peer link reconnects (§4.3).
	ReconnectBackoff time.Duration `toml:"-"`

	// DialTimeout bounds a single outbound connection attempt.
	DialTimeout time.Duration `toml:"-"`
}

func defaultServerConfig() ServerConfig {
	return ServerConfig{
		HeartbeatIntervalSecs: 2,
		ElectionTimeoutSecs:   3,
		FailureTimeoutSecs:    6,
		MonitorIntervalSecs:   1,
		SendQueueCapacity:     100,
		ReconnectBackoff:      2 * time.Second,
		DialTimeout:           5 * time.Second,
	}
}

// LoadServerConfig reads and validates a ServerConfig from a TOML file.
func LoadServerConfig(path string) (ServerConfig, error) {
	cfg := defaultServerConfig()
	if _, err := toml.DecodeFile(path, &cfg); err != nil {
		return ServerConfig{}, errors.Wrapf(err, "config: decode %s", path)
	}

	if cfg.ServerID == 0 {
		return ServerConfig{}, errors.New("config: server_id must be set and nonzero")
	}
	if cfg.ListenAddress == "" {
		return ServerConfig{}, errors.New("config: listen_address must be set")
	}
	if cfg.CarrierImagePath == "" {
		return ServerConfig{}, errors.New("config: carrier_image_path must be set")
	}

	return cfg, nil
}

// RequestGeneratorConfig parameterizes the synthetic request stream the
// client's cmd driver produces (spec §6, "client configuration... request
// generator parameters (total, min/max delay, secret source)").
//
// MinDelay/MaxDelay are configured in milliseconds (BurntSushi/toml has no
// native time.Duration decoding) and converted once in LoadClientConfig.
type RequestGeneratorConfig struct {
	Total            int    `toml:"total"`
	MinDelayMs       int64  `toml:"min_delay_ms"`
	MaxDelayMs       int64  `toml:"max_delay_ms"`
	SecretSourceGlob string `toml:"secret_source_glob"`

	MinDelay time.Duration `toml:"-"`
	MaxDelay time.Duration `toml:"-"`
}

// ClientConfig configures one client process (spec §6).
type ClientConfig struct {
	ClientName      string   `toml:"client_name"`
	ServerAddresses []string `toml:"server_addresses"`

	RequestGenerator RequestGeneratorConfig `toml:"request_generator"`

	DiscoverTimeout     time.Duration `toml:"-"`
	ExecuteTimeout      time.Duration `toml:"-"`
	PollTimeout         time.Duration `toml:"-"`
	SameAddressLimit    int           `toml:"same_address_limit"`
	NoResponseLimit     int           `toml:"no_response_limit"`
	MaxResubmitAttempts int           `toml:"max_resubmit_attempts"`
}

func defaultClientConfig() ClientConfig {
	return ClientConfig{
		DiscoverTimeout: 5 * time.Second,
		ExecuteTimeout:  30 * time.Second,
		PollTimeout:     5 * time.Second,
		RequestGenerator: RequestGeneratorConfig{
			MinDelayMs: 500,
			MaxDelayMs: 2000,
		},
		SameAddressLimit:    10,
		NoResponseLimit:     10,
		MaxResubmitAttempts: 3,
	}
}

// LoadClientConfig reads and validates a ClientConfig from a TOML file.
func LoadClientConfig(path string) (ClientConfig, error) {
	cfg := defaultClientConfig()
	if _, err := toml.DecodeFile(path, &cfg); err != nil {
		return ClientConfig{}, errors.Wrapf(err, "config: decode %s", path)
	}

	cfg.RequestGenerator.MinDelay = time.Duration(cfg.RequestGenerator.MinDelayMs) * time.Millisecond
	cfg.RequestGenerator.MaxDelay = time.Duration(cfg.RequestGenerator.MaxDelayMs) * time.Millisecond

	if cfg.ClientName == "" {
		return ClientConfig{}, errors.New("config: client_name must be set")
	}
	if len(cfg.ServerAddresses) == 0 {
		return ClientConfig{}, errors.New("config: server_addresses must be non-empty")
	}

	return cfg, nil
}

var serverCfg atomic.Value
var clientCfg atomic.Value

// InitServer publishes cfg as the process-wide ServerConfig snapshot.
func InitServer(cfg ServerConfig) {
	c := cfg
	serverCfg.Store(&c)
}

// Server returns the current ServerConfig snapshot. Treat the result as
// read-only; call InitServer again to publish a new one.
func Server() *ServerConfig {
	v, _ := serverCfg.Load().(*ServerConfig)
	return v
}

// InitClient publishes cfg as the process-wide ClientConfig snapshot.
func InitClient(cfg ClientConfig) {
	c := cfg
	clientCfg.Store(&c)
}

// Client returns the current ClientConfig snapshot.
func Client() *ClientConfig {
	v, _ := clientCfg.Load().(*ClientConfig)
	return v
}
