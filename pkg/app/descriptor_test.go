package app

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/chpp-org/gochpp/pkg/packet"
)

// ==================== Descriptor Codec Tests ====================

// TestDescriptorRoundTrip verifies the 36-byte wire layout: UUID,
// NUL-padded name, then the version.
func TestDescriptorRoundTrip(t *testing.T) {
	d := echoDescriptor()

	buf := make([]byte, DescriptorLen)
	EncodeDescriptorTo(buf, d)

	require.Equal(t, d.UUID[:], buf[:UUIDLen])
	require.Equal(t, []byte("echo"), buf[UUIDLen:UUIDLen+4])
	require.Equal(t, byte(0), buf[UUIDLen+4], "name must be NUL terminated")
	require.Equal(t, packet.Version{Major: 1, Minor: 2, Patch: 3},
		packet.DecodeVersion(buf[UUIDLen+NameMaxLen+1:]))

	require.Equal(t, d, DecodeDescriptor(buf))
}

// TestDescriptorNameTruncatedToWireLimit verifies that names longer than
// the wire field survive as their first NameMaxLen bytes.
func TestDescriptorNameTruncatedToWireLimit(t *testing.T) {
	d := ServiceDescriptor{
		UUID:    echoServiceUUID,
		Name:    "a-name-well-beyond-the-limit",
		Version: packet.Version{Major: 2},
	}

	buf := make([]byte, DescriptorLen)
	EncodeDescriptorTo(buf, d)

	got := DecodeDescriptor(buf)
	assert.Equal(t, "a-name-well-bey", got.Name)
	assert.Len(t, got.Name, NameMaxLen)
}

// TestDescriptorZeroPadsName verifies that encoding scrubs stale bytes
// from the name field so short names decode cleanly.
func TestDescriptorZeroPadsName(t *testing.T) {
	buf := make([]byte, DescriptorLen)
	for i := range buf {
		buf[i] = 0xFF
	}

	d := ServiceDescriptor{UUID: echoServiceUUID, Name: "wlan"}
	EncodeDescriptorTo(buf, d)

	for i := UUIDLen + 4; i < UUIDLen+NameMaxLen+1; i++ {
		require.Equal(t, byte(0), buf[i], "name byte %d must be padding", i)
	}
	assert.Equal(t, "wlan", DecodeDescriptor(buf).Name)
}
