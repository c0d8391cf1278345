package packet

import (
	"encoding/binary"
	"errors"
	"fmt"
)

// Version identifies a protocol or service revision.
// Packed layout: [Major(1B)][Minor(1B)][Patch(2B)]
type Version struct {
	Major uint8
	Minor uint8
	Patch uint16
}

func (v Version) String() string {
	return fmt.Sprintf("%d.%d.%d", v.Major, v.Minor, v.Patch)
}

// VersionLen is the packed size of Version.
const VersionLen = 4

// EncodeVersionTo writes v into the first VersionLen bytes of buf.
func EncodeVersionTo(buf []byte, v Version) {
	buf[0] = v.Major
	buf[1] = v.Minor
	binary.LittleEndian.PutUint16(buf[2:4], v.Patch)
}

// DecodeVersion reads a version from the first VersionLen bytes of buf.
func DecodeVersion(buf []byte) Version {
	return Version{
		Major: buf[0],
		Minor: buf[1],
		Patch: binary.LittleEndian.Uint16(buf[2:4]),
	}
}

// ResetConfig is the configuration payload carried by reset and reset-ack
// packets: [Version(4B)][RxMTU(2B)][WindowSize(2B)][TimeoutMs(2B)]
type ResetConfig struct {
	Version    Version
	RxMTU      uint16
	WindowSize uint16
	TimeoutMs  uint16
}

// ResetConfigLen is the packed size of ResetConfig.
const ResetConfigLen = VersionLen + 6

// EncodeResetConfig serializes cfg into a fresh buffer.
func EncodeResetConfig(cfg *ResetConfig) []byte {
	buf := make([]byte, ResetConfigLen)
	EncodeVersionTo(buf, cfg.Version)
	binary.LittleEndian.PutUint16(buf[4:6], cfg.RxMTU)
	binary.LittleEndian.PutUint16(buf[6:8], cfg.WindowSize)
	binary.LittleEndian.PutUint16(buf[8:10], cfg.TimeoutMs)
	return buf
}

// DecodeResetConfig parses a reset configuration payload.
func DecodeResetConfig(data []byte) (ResetConfig, error) {
	if len(data) < ResetConfigLen {
		return ResetConfig{}, errors.New("data too short for reset configuration")
	}
	return ResetConfig{
		Version:    DecodeVersion(data),
		RxMTU:      binary.LittleEndian.Uint16(data[4:6]),
		WindowSize: binary.LittleEndian.Uint16(data[6:8]),
		TimeoutMs:  binary.LittleEndian.Uint16(data[8:10]),
	}, nil
}
