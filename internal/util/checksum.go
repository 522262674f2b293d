package util

import (
	"encoding/binary"
	"hash/crc32"
)

// CRC32 (IEEE polynomial) checksums guard durable log frames against
// torn writes and bit rot.

var crc32Table = crc32.MakeTable(crc32.IEEE)

// ComputeChecksum computes a CRC32 checksum for the given data
func ComputeChecksum(data []byte) uint32 {
	return crc32.Checksum(data, crc32Table)
}

// ValidateChecksum validates data against an expected checksum
func ValidateChecksum(data []byte, expected uint32) bool {
	return ComputeChecksum(data) == expected
}

// AppendChecksum appends a 4-byte little-endian checksum to the data.
// Format: [data][checksum (4 bytes)]
func AppendChecksum(data []byte) []byte {
	out := make([]byte, len(data)+4)
	copy(out, data)
	binary.LittleEndian.PutUint32(out[len(data):], ComputeChecksum(data))
	return out
}

// ValidateAndStripChecksum validates the trailing checksum and returns the
// payload without it. Returns (payload, false) on mismatch or short input.
func ValidateAndStripChecksum(dataWithChecksum []byte) ([]byte, bool) {
	if len(dataWithChecksum) < 4 {
		return nil, false
	}
	n := len(dataWithChecksum) - 4
	payload := dataWithChecksum[:n]
	expected := binary.LittleEndian.Uint32(dataWithChecksum[n:])
	if !ValidateChecksum(payload, expected) {
		return nil, false
	}
	return payload, true
}
