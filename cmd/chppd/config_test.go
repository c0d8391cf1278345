package main

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/chpp-org/gochpp/pkg/packet"
)

func TestValidateConfigDefaults(t *testing.T) {
	cfg := DefaultConfig()
	require.NoError(t, ValidateConfig(&cfg))
}

func TestValidateConfigSocketMode(t *testing.T) {
	cfg := DefaultConfig()
	cfg.ListenNetwork = "udp"
	assert.ErrorIs(t, ValidateConfig(&cfg), ErrInvalidListenNetwork)

	cfg = DefaultConfig()
	cfg.ListenAddr = ""
	assert.ErrorIs(t, ValidateConfig(&cfg), ErrInvalidListenAddr)
}

func TestValidateConfigSerialMode(t *testing.T) {
	cfg := DefaultConfig()
	cfg.SerialDevice = "/dev/ttyUSB0"
	cfg.SerialBaud = 0
	assert.ErrorIs(t, ValidateConfig(&cfg), ErrInvalidSerialBaud)

	// Socket fields are ignored once a serial device is configured.
	cfg = DefaultConfig()
	cfg.SerialDevice = "/dev/ttyUSB0"
	cfg.ListenNetwork = "bogus"
	cfg.ListenAddr = ""
	assert.NoError(t, ValidateConfig(&cfg))
}

func TestValidateConfigMetricsAddr(t *testing.T) {
	cfg := DefaultConfig()
	cfg.MetricsAddr = ""
	assert.ErrorIs(t, ValidateConfig(&cfg), ErrInvalidMetricsAddr)
}

func TestValidateConfigMTU(t *testing.T) {
	cfg := DefaultConfig()
	cfg.MTU = packet.FramingOverhead
	assert.ErrorIs(t, ValidateConfig(&cfg), ErrInvalidMTU)

	cfg.MTU = packet.FramingOverhead + 1
	assert.NoError(t, ValidateConfig(&cfg))
}

func TestValidateConfigLogging(t *testing.T) {
	cfg := DefaultConfig()
	cfg.LogFormat = "xml"
	assert.ErrorIs(t, ValidateConfig(&cfg), ErrInvalidLogFormat)

	cfg = DefaultConfig()
	cfg.LogLevel = "trace"
	assert.ErrorIs(t, ValidateConfig(&cfg), ErrInvalidLogLevel)

	for _, level := range []string{"debug", "info", "warn", "error"} {
		cfg = DefaultConfig()
		cfg.LogLevel = level
		assert.NoError(t, ValidateConfig(&cfg))
	}
}
