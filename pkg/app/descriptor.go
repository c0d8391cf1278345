package app

import (
	"bytes"

	"github.com/google/uuid"

	"github.com/chpp-org/gochpp/pkg/packet"
)

const (
	// UUIDLen is the wire size of a service or client UUID (RFC 4122).
	UUIDLen = 16

	// NameMaxLen is the longest human-readable service name; the wire
	// field is one byte longer to stay NUL-terminated.
	NameMaxLen = 15

	// DescriptorLen is the wire size of a service descriptor:
	// [UUID(16B)][Name(16B, NUL-padded)][Version(4B)].
	DescriptorLen = UUIDLen + NameMaxLen + 1 + packet.VersionLen
)

// ServiceDescriptor identifies a service in the discovery exchange.
type ServiceDescriptor struct {
	// UUID must be generated per RFC 4122 (version 4, random) and stays
	// fixed across versions of the service.
	UUID uuid.UUID

	// Name is a human-readable label for logs; at most NameMaxLen bytes
	// survive the wire.
	Name string

	// Version of the service implementation.
	Version packet.Version
}

// ClientDescriptor identifies a client for service matching. Clients have
// no on-wire representation, so no name is carried.
type ClientDescriptor struct {
	UUID    uuid.UUID
	Version packet.Version
}

// EncodeDescriptorTo writes d into buf, which must hold DescriptorLen
// bytes. Names longer than NameMaxLen are truncated.
func EncodeDescriptorTo(buf []byte, d ServiceDescriptor) {
	copy(buf[:UUIDLen], d.UUID[:])
	name := buf[UUIDLen : UUIDLen+NameMaxLen+1]
	for i := range name {
		name[i] = 0
	}
	copy(name[:NameMaxLen], d.Name)
	packet.EncodeVersionTo(buf[UUIDLen+NameMaxLen+1:], d.Version)
}

// DecodeDescriptor reads a descriptor from the first DescriptorLen bytes
// of buf.
func DecodeDescriptor(buf []byte) ServiceDescriptor {
	var d ServiceDescriptor
	copy(d.UUID[:], buf[:UUIDLen])
	name := buf[UUIDLen : UUIDLen+NameMaxLen+1]
	if i := bytes.IndexByte(name, 0); i >= 0 {
		name = name[:i]
	}
	d.Name = string(name)
	d.Version = packet.DecodeVersion(buf[UUIDLen+NameMaxLen+1:])
	return d
}
