package feed

import (
	"encoding/binary"
	"errors"
	"fmt"
	"math"
)

var errShortInput = errors.New("scale: unexpected end of input")

// ErrNotInherent is returned when an extrinsic carries a signature.
var ErrNotInherent = errors.New("scale: extrinsic is signed, not an inherent")

// decodeCompact reads a SCALE compact unsigned integer and returns it with the
// number of bytes consumed.
func decodeCompact(b []byte) (uint64, int, error) {
	if len(b) == 0 {
		return 0, 0, errShortInput
	}
	switch b[0] & 0b11 {
	case 0b00:
		return uint64(b[0] >> 2), 1, nil
	case 0b01:
		if len(b) < 2 {
			return 0, 0, errShortInput
		}
		return uint64(binary.LittleEndian.Uint16(b) >> 2), 2, nil
	case 0b10:
		if len(b) < 4 {
			return 0, 0, errShortInput
		}
		return uint64(binary.LittleEndian.Uint32(b) >> 2), 4, nil
	}

	n := int(b[0]>>2) + 4
	if n > 8 {
		return 0, 0, fmt.Errorf("scale: compact integer of %d bytes overflows uint64", n)
	}
	if len(b) < 1+n {
		return 0, 0, errShortInput
	}
	var buf [8]byte
	copy(buf[:], b[1:1+n])
	return binary.LittleEndian.Uint64(buf[:]), 1 + n, nil
}

// DecodeTimestamp extracts the moment (ms) from an encoded timestamp inherent:
// compact length, version byte, two-byte call index, compact moment.
func DecodeTimestamp(ext []byte) (int64, error) {
	length, off, err := decodeCompact(ext)
	if err != nil {
		return 0, fmt.Errorf("length prefix: %w", err)
	}
	body := ext[off:]
	if uint64(len(body)) < length {
		return 0, errShortInput
	}
	body = body[:length]

	// version byte, then pallet and call index
	if len(body) < 3 {
		return 0, errShortInput
	}
	if body[0]&0x80 != 0 {
		return 0, ErrNotInherent
	}

	moment, _, err := decodeCompact(body[3:])
	if err != nil {
		return 0, fmt.Errorf("moment: %w", err)
	}
	if moment > math.MaxInt64 {
		return 0, fmt.Errorf("scale: moment %d out of range", moment)
	}
	return int64(moment), nil
}

// EncodeCompact appends the SCALE compact encoding of v to dst.
func EncodeCompact(dst []byte, v uint64) []byte {
	switch {
	case v < 1<<6:
		return append(dst, byte(v<<2))
	case v < 1<<14:
		return binary.LittleEndian.AppendUint16(dst, uint16(v<<2|0b01))
	case v < 1<<30:
		return binary.LittleEndian.AppendUint32(dst, uint32(v<<2|0b10))
	}
	var buf [8]byte
	binary.LittleEndian.PutUint64(buf[:], v)
	n := 8
	for n > 4 && buf[n-1] == 0 {
		n--
	}
	dst = append(dst, byte((n-4)<<2|0b11))
	return append(dst, buf[:n]...)
}

// EncodeTimestamp builds an unsigned v4 timestamp inherent for the given call index.
func EncodeTimestamp(pallet, call byte, moment uint64) []byte {
	body := []byte{0x04, pallet, call}
	body = EncodeCompact(body, moment)
	out := EncodeCompact(nil, uint64(len(body)))
	return append(out, body...)
}
