// Package packet implements the CHPP wire format: preamble detection
// constants, the packed transport header and footer, packet-code
// packing, checksums, and the reset configuration payload.
//
// A wire packet is laid out as:
//
//	[Preamble(2B)][Header(8B)][Payload(0..MTU bytes)][Footer(4B)]
//
// All multi-byte fields are little-endian.
package packet

import (
	"encoding/binary"
	"errors"
)

// Preamble bytes, sent most significant first ("hC").
const (
	PreambleByte0 = 0x68
	PreambleByte1 = 0x43
)

// Wire section sizes in bytes.
const (
	PreambleLen = 2
	HeaderLen   = 8
	FooterLen   = 4

	// FramingOverhead is the per-packet cost of everything except payload.
	FramingOverhead = PreambleLen + HeaderLen + FooterLen
)

// Header flag bits.
const (
	// FlagFinishedDatagram marks the final (or only) fragment of a datagram.
	FlagFinishedDatagram uint8 = 0x00
	// FlagUnfinishedDatagram marks a fragment with more of the datagram to follow.
	FlagUnfinishedDatagram uint8 = 0x01
)

// Header is the 8-byte packed transport header:
// [Flags(1B)][Code(1B)][AckSeq(1B)][Seq(1B)][Length(2B)][Reserved(2B)]
type Header struct {
	Flags    uint8
	Code     Code
	AckSeq   uint8
	Seq      uint8
	Length   uint16
	Reserved uint16
}

// Unfinished reports whether the datagram continues in a later packet.
func (h *Header) Unfinished() bool {
	return h.Flags&FlagUnfinishedDatagram != 0
}

// EncodeHeaderTo writes h into the first HeaderLen bytes of buf.
func EncodeHeaderTo(buf []byte, h *Header) {
	buf[0] = h.Flags
	buf[1] = byte(h.Code)
	buf[2] = h.AckSeq
	buf[3] = h.Seq
	binary.LittleEndian.PutUint16(buf[4:6], h.Length)
	binary.LittleEndian.PutUint16(buf[6:8], h.Reserved)
}

// DecodeHeader parses a transport header from data.
func DecodeHeader(data []byte) (Header, error) {
	if len(data) < HeaderLen {
		return Header{}, errors.New("data too short for transport header")
	}
	return Header{
		Flags:    data[0],
		Code:     Code(data[1]),
		AckSeq:   data[2],
		Seq:      data[3],
		Length:   binary.LittleEndian.Uint16(data[4:6]),
		Reserved: binary.LittleEndian.Uint16(data[6:8]),
	}, nil
}

// DecodeFooter parses the 4-byte checksum footer.
func DecodeFooter(data []byte) (uint32, error) {
	if len(data) < FooterLen {
		return 0, errors.New("data too short for transport footer")
	}
	return binary.LittleEndian.Uint32(data[:FooterLen]), nil
}

// PayloadCapacity returns the maximum payload a single packet can carry on
// a link with the given link-layer MTU.
func PayloadCapacity(linkMTU int) int {
	if linkMTU <= FramingOverhead {
		return 0
	}
	return linkMTU - FramingOverhead
}

// EncodePacket assembles a complete wire packet into buf and returns the
// total encoded length. buf must hold FramingOverhead+len(payload) bytes.
// h.Length is set from payload; the footer checksum covers header+payload.
func EncodePacket(buf []byte, h *Header, payload []byte, ck Checksummer) int {
	h.Length = uint16(len(payload))

	buf[0] = PreambleByte0
	buf[1] = PreambleByte1
	EncodeHeaderTo(buf[PreambleLen:], h)
	copy(buf[PreambleLen+HeaderLen:], payload)

	end := PreambleLen + HeaderLen + len(payload)
	checksum := ck.Compute(buf[PreambleLen:end])
	binary.LittleEndian.PutUint32(buf[end:end+FooterLen], checksum)
	return end + FooterLen
}
