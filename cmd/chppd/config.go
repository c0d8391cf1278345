package main

import (
	"errors"

	"github.com/chpp-org/gochpp/pkg/link"
	"github.com/chpp-org/gochpp/pkg/packet"
)

// Config validation errors
var (
	ErrInvalidListenNetwork = errors.New(`listen_network must be "tcp" or "unix"`)
	ErrInvalidListenAddr    = errors.New("listen_addr cannot be empty")
	ErrInvalidMetricsAddr   = errors.New("metrics_addr cannot be empty")
	ErrInvalidSerialBaud    = errors.New("serial_baud must be positive")
	ErrInvalidMTU           = errors.New("mtu must exceed the packet framing overhead")
	ErrInvalidLogFormat     = errors.New(`log_format must be "json" or "console"`)
	ErrInvalidLogLevel      = errors.New("log_level must be debug, info, warn, or error")
)

// Config holds the daemon configuration. Values are read from the
// environment with the CHPPD_ prefix; a .env file is honored if present.
type Config struct {
	// ListenNetwork and ListenAddr select the socket to serve CHPP on.
	// Ignored when SerialDevice is set.
	ListenNetwork string `envconfig:"LISTEN_NETWORK" default:"tcp"`
	ListenAddr    string `envconfig:"LISTEN_ADDR" default:":2477"`

	// SerialDevice switches the daemon to a single UART instead of a
	// listening socket, e.g. /dev/ttyUSB0.
	SerialDevice string `envconfig:"SERIAL_DEVICE" default:""`
	SerialBaud   int    `envconfig:"SERIAL_BAUD" default:"115200"`

	// MTU is the link-layer MTU negotiated above the byte stream.
	MTU int `envconfig:"MTU" default:"1038"`

	// MetricsAddr serves Prometheus metrics on /metrics.
	MetricsAddr string `envconfig:"METRICS_ADDR" default:":9100"`

	LogLevel  string `envconfig:"LOG_LEVEL" default:"info"`
	LogFormat string `envconfig:"LOG_FORMAT" default:"console"`
}

// DefaultConfig returns a Config with default values.
func DefaultConfig() Config {
	return Config{
		ListenNetwork: "tcp",
		ListenAddr:    ":2477",
		SerialBaud:    115200,
		MTU:           link.DefaultMTU,
		MetricsAddr:   ":9100",
		LogLevel:      "info",
		LogFormat:     "console",
	}
}

// ValidateConfig validates the configuration and returns an error if invalid.
func ValidateConfig(cfg *Config) error {
	if cfg.SerialDevice == "" {
		if cfg.ListenNetwork != "tcp" && cfg.ListenNetwork != "unix" {
			return ErrInvalidListenNetwork
		}
		if cfg.ListenAddr == "" {
			return ErrInvalidListenAddr
		}
	} else if cfg.SerialBaud <= 0 {
		return ErrInvalidSerialBaud
	}
	if cfg.MetricsAddr == "" {
		return ErrInvalidMetricsAddr
	}
	if cfg.MTU <= packet.FramingOverhead {
		return ErrInvalidMTU
	}
	if cfg.LogFormat != "json" && cfg.LogFormat != "console" {
		return ErrInvalidLogFormat
	}
	switch cfg.LogLevel {
	case "debug", "info", "warn", "error":
	default:
		return ErrInvalidLogLevel
	}
	return nil
}
