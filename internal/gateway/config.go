package gateway

import (
	"time"

	"filegate/internal/storage"
)

// Config wires the gateway together. Host values are deployment
// configuration with defaults suited to a local single-node setup; they
// are expected to be overridden from the environment in real deployments.
type Config struct {
	// DataDir is the local backend's storage root.
	DataDir string

	// ReadHost serves objects written through the local backend.
	ReadHost string
	// WriteHost receives uploads carrying a local credential.
	WriteHost string
	// CallbackHost is handed out with download credentials so external
	// workers can notify the service out-of-band.
	CallbackHost string

	// IconPrefix is the public key prefix holding the default icon set.
	IconPrefix string

	// CredentialTTL bounds simple upload credentials.
	CredentialTTL time.Duration

	// Cloud, when its Endpoint is set, registers a cloud backend for the
	// private class; otherwise the local backend serves both classes.
	Cloud storage.CloudConfig
}

type ConfigOption func(*Config)

func WithDataDir(dataDir string) ConfigOption {
	return func(cfg *Config) {
		cfg.DataDir = dataDir
	}
}

func WithHosts(readHost, writeHost string) ConfigOption {
	return func(cfg *Config) {
		cfg.ReadHost = readHost
		cfg.WriteHost = writeHost
	}
}

func WithCallbackHost(host string) ConfigOption {
	return func(cfg *Config) {
		cfg.CallbackHost = host
	}
}

func WithCredentialTTL(ttl time.Duration) ConfigOption {
	return func(cfg *Config) {
		cfg.CredentialTTL = ttl
	}
}

func WithCloud(cloud storage.CloudConfig) ConfigOption {
	return func(cfg *Config) {
		cfg.Cloud = cloud
	}
}

func WithIconPrefix(prefix string) ConfigOption {
	return func(cfg *Config) {
		cfg.IconPrefix = prefix
	}
}

func NewConfig(opts ...ConfigOption) Config {
	cfg := Config{
		ReadHost:      "http://localhost:8080/files",
		WriteHost:     "http://localhost:8080/api/files/upload",
		IconPrefix:    "default/icon/",
		CredentialTTL: time.Hour,
	}
	for _, opt := range opts {
		opt(&cfg)
	}
	return cfg
}
