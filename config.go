// SPDX-License-Identifier: MIT
// SPDX-FileCopyrightText: Ryan Johnson

package spice

import (
	"time"

	"github.com/BurntSushi/toml"
)

// ClientConfig configures a SPICE client session, adapted from the
// teacher's ClientConfig/ClientOption (client.go) with VNC-specific
// fields (Auth, ServerMessageCh) replaced by SPICE's connect parameters
// (spec.md §6).
type ClientConfig struct {
	// Host is the destination address. When Port is zero this is a path
	// to a local (Unix domain) stream socket instead of a TCP hostname.
	Host string

	// Port is the destination TCP port; zero selects a local stream
	// socket at Host (spec.md §6).
	Port int

	// Password is sent RSA-OAEP-encrypted during each channel's link
	// handshake (spec.md §4.3).
	Password string

	// PlaybackRequested opts into the optional playback (audio) channel
	// when the server's channels-list offers one (spec.md §4.5).
	PlaybackRequested bool

	// Logger specifies the logger instance to use for connection logging.
	Logger Logger

	// Metrics specifies the metrics collector to use for connection
	// monitoring.
	Metrics MetricsCollector

	// PasswordEncrypter overrides the default RSA-OAEP-SHA1 password
	// encrypter (rsa.go), primarily for tests.
	PasswordEncrypter PasswordEncrypter

	// ConnectTimeout bounds each channel's dial + link handshake.
	ConnectTimeout time.Duration

	// ReadTimeout bounds individual channel read operations.
	ReadTimeout time.Duration

	// WriteTimeout bounds individual channel write operations.
	WriteTimeout time.Duration
}

// ClientOption is a functional option for configuring a Session, adapted
// from the teacher's ClientOption type (client.go).
type ClientOption func(*ClientConfig)

// WithPlayback opts into the playback channel (spec.md §6's
// connect(..., playback?)).
func WithPlayback(requested bool) ClientOption {
	return func(cfg *ClientConfig) {
		cfg.PlaybackRequested = requested
	}
}

// WithLogger sets the logger for the session.
func WithLogger(logger Logger) ClientOption {
	return func(cfg *ClientConfig) {
		cfg.Logger = logger
	}
}

// WithMetrics sets the metrics collector for the session.
func WithMetrics(metrics MetricsCollector) ClientOption {
	return func(cfg *ClientConfig) {
		cfg.Metrics = metrics
	}
}

// WithPasswordEncrypter overrides the RSA-OAEP password encrypter.
func WithPasswordEncrypter(enc PasswordEncrypter) ClientOption {
	return func(cfg *ClientConfig) {
		cfg.PasswordEncrypter = enc
	}
}

// WithConnectTimeout sets the per-channel connect+handshake timeout.
func WithConnectTimeout(timeout time.Duration) ClientOption {
	return func(cfg *ClientConfig) {
		cfg.ConnectTimeout = timeout
	}
}

// WithReadTimeout sets the per-channel read timeout.
func WithReadTimeout(timeout time.Duration) ClientOption {
	return func(cfg *ClientConfig) {
		cfg.ReadTimeout = timeout
	}
}

// WithWriteTimeout sets the per-channel write timeout.
func WithWriteTimeout(timeout time.Duration) ClientOption {
	return func(cfg *ClientConfig) {
		cfg.WriteTimeout = timeout
	}
}

// WithTimeout sets both read and write timeouts to the same value.
func WithTimeout(timeout time.Duration) ClientOption {
	return func(cfg *ClientConfig) {
		cfg.ReadTimeout = timeout
		cfg.WriteTimeout = timeout
	}
}

// FileConfig is the on-disk configuration shape for cmd/spice-client,
// loaded with github.com/BurntSushi/toml, grounded on masque-vpn's
// toml.DecodeFile(*configFile, &clientConfig) pattern
// (DESIGN.md "Configuration").
type FileConfig struct {
	Host         string `toml:"host"`
	Port         int    `toml:"port"`
	Password     string `toml:"password"`
	PasswordFile string `toml:"password_file"`
	Playback     bool   `toml:"playback"`
	LogLevel     string `toml:"log_level"`
	MetricsAddr  string `toml:"metrics_addr"`
}

// LoadFileConfig decodes a TOML configuration file into a FileConfig.
func LoadFileConfig(path string) (*FileConfig, error) {
	var fc FileConfig
	if _, err := toml.DecodeFile(path, &fc); err != nil {
		return nil, configurationError("LoadFileConfig", "failed to decode config file", err)
	}
	return &fc, nil
}
