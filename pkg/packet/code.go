package packet

// Code is the packed packetCode header byte: the low nibble carries an
// ErrorCode and the high nibble an Attr. The two enums are combined with
// explicit pack/unpack helpers to keep the byte layout wire-exact.
type Code uint8

// ErrorCode is the transport error carried in the low nibble of Code.
// A nonzero value turns a packet into an explicit NACK.
type ErrorCode uint8

const (
	ErrorNone       ErrorCode = 0x0
	ErrorChecksum   ErrorCode = 0x1
	ErrorOOM        ErrorCode = 0x2
	ErrorBusy       ErrorCode = 0x3
	ErrorBadHeader  ErrorCode = 0x4
	ErrorOutOfOrder ErrorCode = 0x5
	ErrorAppLayer   ErrorCode = 0x6

	// ErrorTimeout marks an implicit NACK generated locally on ACK timeout.
	// It is never transmitted on the wire.
	ErrorTimeout ErrorCode = 0xF
)

// Attr is the packet attribute carried in the high nibble of Code,
// distinguishing control packets from regular data/ACK packets.
type Attr uint8

const (
	AttrNone             Attr = 0x0
	AttrReset            Attr = 0x1
	AttrResetAck         Attr = 0x2
	AttrLoopbackRequest  Attr = 0x3
	AttrLoopbackResponse Attr = 0x4
)

const (
	errorCodeMask = 0x0F
	attrMask      = 0xF0
	attrShift     = 4
)

// MakeCode packs an attribute and error code into a single Code byte.
func MakeCode(attr Attr, err ErrorCode) Code {
	return Code(uint8(attr)<<attrShift | uint8(err)&errorCodeMask)
}

// ErrorCode unpacks the error nibble.
func (c Code) ErrorCode() ErrorCode {
	return ErrorCode(uint8(c) & errorCodeMask)
}

// Attr unpacks the attribute nibble.
func (c Code) Attr() Attr {
	return Attr(uint8(c) >> attrShift)
}

// WithError returns c with the error nibble replaced.
func (c Code) WithError(err ErrorCode) Code {
	return Code(uint8(c)&attrMask | uint8(err)&errorCodeMask)
}

func (e ErrorCode) String() string {
	switch e {
	case ErrorNone:
		return "none"
	case ErrorChecksum:
		return "checksum"
	case ErrorOOM:
		return "oom"
	case ErrorBusy:
		return "busy"
	case ErrorBadHeader:
		return "bad_header"
	case ErrorOutOfOrder:
		return "out_of_order"
	case ErrorAppLayer:
		return "app_layer"
	case ErrorTimeout:
		return "timeout"
	default:
		return "invalid"
	}
}

func (a Attr) String() string {
	switch a {
	case AttrNone:
		return "none"
	case AttrReset:
		return "reset"
	case AttrResetAck:
		return "reset_ack"
	case AttrLoopbackRequest:
		return "loopback_request"
	case AttrLoopbackResponse:
		return "loopback_response"
	default:
		return "invalid"
	}
}
