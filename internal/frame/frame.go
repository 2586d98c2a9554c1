// Package frame implements the AXDL wire frame codec (C1): pure encode and
// decode between a typed frame record and bytes, with no I/O of its own.
package frame

import (
	"encoding/binary"
	"fmt"

	"github.com/axdl-go/axdl/internal/axdlerr"
)

// Signature is the fixed 32-bit little-endian magic that opens every
// command frame.
const Signature uint32 = 0x5c6d8e9f

// MinimumLength is the size of an empty-payload frame: 4-byte signature +
// 2-byte length + 2-byte command + 2-byte checksum.
const MinimumLength = 4 + 2 + 2 + 2

// Marker is the 3-byte prelude the device emits/consumes between logical
// transfers, both as the handshake probe and as a mid-partition
// flow-control token. It carries no fields of its own.
var Marker = [3]byte{0x3c, 0x3c, 0x3c}

// Frame is a decoded AXDL command frame.
type Frame struct {
	Command uint16
	Payload []byte
}

// IsMarker reports whether buf is exactly the 3-byte marker frame.
func IsMarker(buf []byte) bool {
	return len(buf) == len(Marker) && buf[0] == Marker[0] && buf[1] == Marker[1] && buf[2] == Marker[2]
}

// Encode serializes f into a fully checksummed wire frame.
func Encode(f Frame) ([]byte, error) {
	if len(f.Payload) > 0xffff {
		return nil, fmt.Errorf("axdl/frame: payload too large (%d bytes): %w", len(f.Payload), axdlerr.ErrFrameCorrupt)
	}

	buf := make([]byte, MinimumLength+len(f.Payload))
	binary.LittleEndian.PutUint32(buf[0:4], Signature)
	binary.LittleEndian.PutUint16(buf[4:6], uint16(len(f.Payload)))
	binary.LittleEndian.PutUint16(buf[6:8], f.Command)
	copy(buf[8:8+len(f.Payload)], f.Payload)
	// checksum field starts at zero for the encode pass.

	checksum := calculateChecksum(0, uint16(len(f.Payload)), f.Command, f.Payload)
	binary.LittleEndian.PutUint16(buf[len(buf)-2:], ^checksum)
	return buf, nil
}

// Decode parses and validates buf as a command frame. It returns
// ErrShortFrame if buf is too short to hold a header, ErrNotACommandFrame
// if the signature does not match (the caller should then attempt a
// data-frame interpretation at the same position), and ErrFrameCorrupt if
// the checksum does not verify.
func Decode(buf []byte) (Frame, error) {
	if len(buf) < MinimumLength {
		return Frame{}, fmt.Errorf("axdl/frame: %d bytes: %w", len(buf), axdlerr.ErrShortFrame)
	}

	signature := binary.LittleEndian.Uint32(buf[0:4])
	if signature != Signature {
		return Frame{}, fmt.Errorf("axdl/frame: signature %#08x: %w", signature, axdlerr.ErrNotACommandFrame)
	}

	length := binary.LittleEndian.Uint16(buf[4:6])
	command := binary.LittleEndian.Uint16(buf[6:8])
	if len(buf) < MinimumLength+int(length) {
		return Frame{}, fmt.Errorf("axdl/frame: declared length %d exceeds buffer: %w", length, axdlerr.ErrShortFrame)
	}

	payload := buf[8 : 8+int(length)]
	onWireChecksum := binary.LittleEndian.Uint16(buf[8+int(length):])

	verify := calculateChecksum(onWireChecksum, length, command, payload)
	if verify != 0xffff {
		return Frame{}, fmt.Errorf("axdl/frame: checksum verify=%#04x: %w", verify, axdlerr.ErrFrameCorrupt)
	}

	return Frame{Command: command, Payload: payload}, nil
}

// onesComplementAdd folds a 16-bit ones-complement addition, carrying
// overflow back into the low 16 bits until it fits.
func onesComplementAdd(lhs, rhs uint16) uint16 {
	sum := uint32(lhs) + uint32(rhs)
	for sum > 0xffff {
		sum = (sum & 0xffff) + (sum >> 16)
	}
	return uint16(sum)
}

// calculateChecksum reproduces the device's additive checksum: the seed
// (the on-wire checksum field, zero when encoding) folded with the length,
// the command, and every little-endian 16-bit word of the payload, with a
// zero-extended final word when the payload length is odd.
func calculateChecksum(seed, length, command uint16, payload []byte) uint16 {
	checksum := onesComplementAdd(seed, length)
	checksum = onesComplementAdd(checksum, command)

	n := len(payload) / 2
	for i := 0; i < n; i++ {
		word := binary.LittleEndian.Uint16(payload[i*2 : i*2+2])
		checksum = onesComplementAdd(checksum, word)
	}
	if len(payload)%2 == 1 {
		word := uint16(payload[len(payload)-1])
		checksum = onesComplementAdd(checksum, word)
	}
	return checksum
}
