package wire

import (
	"encoding/binary"
	"fmt"

	"github.com/hamicek/noex-sub011/internal/errs"
)

// MaxFrameSize is the implementation cap on a single frame's payload
// length. spec.md §4.1/§9 leaves this undefined beyond "a finite cap
// of at least 64 MiB"; we pick exactly that floor and document it here.
const MaxFrameSize = 64 * 1024 * 1024

const lengthPrefixSize = 4

// Frame prepends a big-endian u32 length prefix to payload.
func Frame(payload []byte) []byte {
	out := make([]byte, lengthPrefixSize+len(payload))
	binary.BigEndian.PutUint32(out, uint32(len(payload)))
	copy(out[lengthPrefixSize:], payload)
	return out
}

// Unframe extracts the first complete frame from buf starting at
// offset 0. It returns (nil, 0, nil) when fewer than 4+length bytes
// are buffered, so callers can accumulate more data and retry — the
// restartable contract spec.md §4.1 requires. A zero or
// over-MaxFrameSize length is a framing error.
func Unframe(buf []byte) (payload []byte, consumed int, err error) {
	if len(buf) < lengthPrefixSize {
		return nil, 0, nil
	}
	length := binary.BigEndian.Uint32(buf[:lengthPrefixSize])
	if length == 0 {
		return nil, 0, errs.NewSerializationError(errs.PhaseDeserialize, fmt.Errorf("zero-length frame"))
	}
	if length > MaxFrameSize {
		return nil, 0, errs.NewSerializationError(errs.PhaseDeserialize, fmt.Errorf("frame length %d exceeds cap %d", length, MaxFrameSize))
	}
	total := lengthPrefixSize + int(length)
	if len(buf) < total {
		return nil, 0, nil
	}
	payload = make([]byte, length)
	copy(payload, buf[lengthPrefixSize:total])
	return payload, total, nil
}
