package packet

import "hash/crc32"

// disabledChecksum is the constant written when checksumming is disabled,
// matching what checksum-less peers emit.
const disabledChecksum uint32 = 1

// Checksummer computes and validates packet footer checksums. The zero
// value uses IEEE CRC-32. Disabled mode is for resource-constrained peers:
// it emits a fixed footer value and accepts any received value.
type Checksummer struct {
	Disabled bool
}

// Compute returns the checksum over data (header+payload, preamble excluded).
func (c Checksummer) Compute(data []byte) uint32 {
	if c.Disabled {
		return disabledChecksum
	}
	return crc32.ChecksumIEEE(data)
}

// Validate reports whether got is an acceptable footer for data.
func (c Checksummer) Validate(data []byte, got uint32) bool {
	if c.Disabled {
		return true
	}
	return crc32.ChecksumIEEE(data) == got
}

// ComputeSplit returns the checksum over the concatenation of header and
// payload without requiring them to be contiguous in memory. The receive
// path reassembles payloads into a separate buffer from the header.
func (c Checksummer) ComputeSplit(header, payload []byte) uint32 {
	if c.Disabled {
		return disabledChecksum
	}
	return crc32.Update(crc32.ChecksumIEEE(header), crc32.IEEETable, payload)
}

// ValidateSplit reports whether got is an acceptable footer for the
// concatenation of header and payload.
func (c Checksummer) ValidateSplit(header, payload []byte, got uint32) bool {
	if c.Disabled {
		return true
	}
	return c.ComputeSplit(header, payload) == got
}
