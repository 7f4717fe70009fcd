package omemo

import (
	"encoding/binary"
	"errors"
)

// ratchetHeaderSize is the fixed wire size of a RatchetHeader: a 32-byte
// DH public key plus two big-endian uint32 counters.
const ratchetHeaderSize = 32 + 4 + 4

// RatchetHeader accompanies every Double-Ratchet-encrypted message: the
// sender's current DH public key and the message/previous-chain-length
// counters the receiver needs to catch up its own ratchet state.
type RatchetHeader struct {
	DHPub []byte
	N     uint32
	PN    uint32
}

// MarshalBinary encodes the header in the fixed layout ratchetHeaderSize
// describes.
func (h RatchetHeader) MarshalBinary() ([]byte, error) {
	if len(h.DHPub) != 32 {
		return nil, errors.New("omemo: ratchet header: dh public key must be 32 bytes")
	}
	buf := make([]byte, ratchetHeaderSize)
	copy(buf[:32], h.DHPub)
	binary.BigEndian.PutUint32(buf[32:36], h.N)
	binary.BigEndian.PutUint32(buf[36:40], h.PN)
	return buf, nil
}

// UnmarshalBinary decodes a header from the fixed layout.
func (h *RatchetHeader) UnmarshalBinary(data []byte) error {
	if len(data) != ratchetHeaderSize {
		return errors.New("omemo: ratchet header: unexpected length")
	}
	h.DHPub = append([]byte(nil), data[:32]...)
	h.N = binary.BigEndian.Uint32(data[32:36])
	h.PN = binary.BigEndian.Uint32(data[36:40])
	return nil
}
