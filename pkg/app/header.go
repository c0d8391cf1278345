// Package app implements the CHPP application layer on top of a
// transport.Transport: a 6-byte datagram header, handle-based dispatch
// to services and clients, and the predefined loopback, timesync and
// discovery endpoints.
//
// An App binds to a Transport as its Receiver. Services registered with
// the App occupy negotiated handles assigned sequentially from
// HandleNegotiatedRangeStart; clients are matched to the peer's services
// by the discovery exchange and bound to the handles the peer assigned.
package app

import "encoding/binary"

// HeaderLen is the size of a full application header on the wire.
const HeaderLen = 6

// MinHeaderLenWithTransaction covers the handle, type and transaction
// fields, the shortest header that still identifies an exchange.
const MinHeaderLenWithTransaction = 3

// Predefined handle values. Handles below HandleNegotiatedRangeStart are
// fixed by the protocol; the rest are assigned by service registration
// order and adopted by the peer through discovery.
const (
	HandleNone                 uint8 = 0x00
	HandleLoopback             uint8 = 0x01
	HandleTimesync             uint8 = 0x02
	HandleDiscovery            uint8 = 0x0F
	HandleNegotiatedRangeStart uint8 = 0x10
)

// MessageType distinguishes the four datagram directions. It occupies the
// low nibble of the header type byte; the high nibble is reserved.
type MessageType uint8

const (
	MessageTypeClientRequest       MessageType = 0
	MessageTypeServiceResponse     MessageType = 1
	MessageTypeClientNotification  MessageType = 2
	MessageTypeServiceNotification MessageType = 3
)

const messageTypeMask = 0x0F

func (m MessageType) String() string {
	switch m {
	case MessageTypeClientRequest:
		return "client_request"
	case MessageTypeServiceResponse:
		return "service_response"
	case MessageTypeClientNotification:
		return "client_notification"
	case MessageTypeServiceNotification:
		return "service_notification"
	default:
		return "invalid"
	}
}

// Error is the application-layer error code carried in the header.
type Error uint8

const (
	ErrorNone           Error = 0
	ErrorInvalidCommand Error = 1
	ErrorInvalidArg     Error = 2
	ErrorBusy           Error = 3
	ErrorOOM            Error = 4
	ErrorUnsupported    Error = 5
	ErrorTimeout        Error = 6
	ErrorDisabled       Error = 7
	ErrorRateLimited    Error = 8
	ErrorBlocked        Error = 9
	ErrorInvalidLength  Error = 10
	ErrorUnspecified    Error = 255
)

func (e Error) String() string {
	switch e {
	case ErrorNone:
		return "none"
	case ErrorInvalidCommand:
		return "invalid_command"
	case ErrorInvalidArg:
		return "invalid_arg"
	case ErrorBusy:
		return "busy"
	case ErrorOOM:
		return "oom"
	case ErrorUnsupported:
		return "unsupported"
	case ErrorTimeout:
		return "timeout"
	case ErrorDisabled:
		return "disabled"
	case ErrorRateLimited:
		return "rate_limited"
	case ErrorBlocked:
		return "blocked"
	case ErrorInvalidLength:
		return "invalid_length"
	case ErrorUnspecified:
		return "unspecified"
	default:
		return "invalid"
	}
}

// Header is the application header prefixed to every datagram.
//
// Packed layout: [Handle(1B)][Type(1B)][Transaction(1B)][Error(1B)]
// [Command(2B LE)]. Datagrams may legitimately be shorter than HeaderLen
// (a loopback exchange carries only handle and type); the codec below
// tolerates that by encoding and decoding the leading fields that fit.
type Header struct {
	Handle      uint8
	Type        MessageType
	Transaction uint8
	Error       Error
	Command     uint16
}

// EncodeHeaderTo writes h into buf, stopping after the fields that fit.
// Buffers of HeaderLen or more receive the full header.
func EncodeHeaderTo(buf []byte, h Header) {
	if len(buf) == 0 {
		return
	}
	buf[0] = h.Handle
	if len(buf) > 1 {
		buf[1] = byte(h.Type)
	}
	if len(buf) > 2 {
		buf[2] = h.Transaction
	}
	if len(buf) > 3 {
		buf[3] = byte(h.Error)
	}
	if len(buf) >= HeaderLen {
		binary.LittleEndian.PutUint16(buf[4:6], h.Command)
	}
}

// DecodeHeader reads the leading header fields present in buf; fields
// beyond len(buf) decode as zero. The reserved high nibble of the type
// byte is masked off.
func DecodeHeader(buf []byte) Header {
	var h Header
	if len(buf) == 0 {
		return h
	}
	h.Handle = buf[0]
	if len(buf) > 1 {
		h.Type = MessageType(buf[1] & messageTypeMask)
	}
	if len(buf) > 2 {
		h.Transaction = buf[2]
	}
	if len(buf) > 3 {
		h.Error = Error(buf[3])
	}
	if len(buf) >= HeaderLen {
		h.Command = binary.LittleEndian.Uint16(buf[4:6])
	}
	return h
}
