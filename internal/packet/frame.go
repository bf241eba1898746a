// Package packet splits a chunk into bounded-size frames for streaming.
// Only the terminal frame carries the MD5 of the whole chunk.
package packet

import (
	"crypto/md5"
	"encoding/binary"
	"encoding/hex"
	"errors"
	"fmt"
	"iter"
)

const (
	// HeaderLen is the encoded header size: four u32 fields and the digest.
	HeaderLen = 16 + DigestLen

	// DigestLen is 32 lowercase hex digits plus a NUL terminator.
	DigestLen = 33

	// DefaultMaxFrameSize is the payload bound used by playback.
	DefaultMaxFrameSize = 1 << 20
)

var (
	ErrShortHeader    = errors.New("frame header too short")
	ErrSequence       = errors.New("frame out of sequence")
	ErrIncomplete     = errors.New("frame stream ended without terminal frame")
	ErrDigestMismatch = errors.New("chunk digest mismatch")
)

// Header precedes every frame payload on the wire.
type Header struct {
	Seq    uint32
	End    bool
	Time   uint32
	Length uint32
	MD5    [DigestLen]byte
}

// HasDigest reports whether the header carries a digest.
func (h Header) HasDigest() bool {
	return h.MD5[0] != 0
}

// Digest returns the hex digest without its terminator.
func (h Header) Digest() string {
	if !h.HasDigest() {
		return ""
	}
	return string(h.MD5[:DigestLen-1])
}

// Marshal encodes h big-endian into a new HeaderLen-byte slice.
func (h Header) Marshal() []byte {
	return h.AppendTo(make([]byte, 0, HeaderLen))
}

// AppendTo appends the encoded header to b.
func (h Header) AppendTo(b []byte) []byte {
	var end uint32
	if h.End {
		end = 1
	}
	b = binary.BigEndian.AppendUint32(b, h.Seq)
	b = binary.BigEndian.AppendUint32(b, end)
	b = binary.BigEndian.AppendUint32(b, h.Time)
	b = binary.BigEndian.AppendUint32(b, h.Length)
	return append(b, h.MD5[:]...)
}

// ParseHeader decodes the first HeaderLen bytes of b.
func ParseHeader(b []byte) (Header, error) {
	if len(b) < HeaderLen {
		return Header{}, fmt.Errorf("%w: %d bytes", ErrShortHeader, len(b))
	}
	h := Header{
		Seq:    binary.BigEndian.Uint32(b[0:4]),
		End:    binary.BigEndian.Uint32(b[4:8]) != 0,
		Time:   binary.BigEndian.Uint32(b[8:12]),
		Length: binary.BigEndian.Uint32(b[12:16]),
	}
	copy(h.MD5[:], b[16:HeaderLen])
	return h, nil
}

// Frame is one wire unit of a chunk transfer. Payload aliases the chunk
// buffer passed to Split.
type Frame struct {
	Header
	Payload []byte
}

// Count returns how many frames Split yields for a chunk of n bytes.
func Count(n, maxFrameSize int) int {
	if n == 0 {
		return 1
	}
	return (n + maxFrameSize - 1) / maxFrameSize
}

// Split lazily cuts chunk into frames of at most maxFrameSize bytes. The
// terminal frame reports endTime unless it is also the first frame, and is
// the only one carrying the digest. Ranging over the result again yields the
// same frames. Split panics if maxFrameSize is not positive.
func Split(chunk []byte, startTime, endTime uint32, maxFrameSize int) iter.Seq[Frame] {
	if maxFrameSize <= 0 {
		panic(fmt.Sprintf("packet: invalid max frame size %d", maxFrameSize))
	}
	digest := sum(chunk)
	total := Count(len(chunk), maxFrameSize)

	return func(yield func(Frame) bool) {
		for i := 0; i < total; i++ {
			lo := i * maxFrameSize
			hi := min(lo+maxFrameSize, len(chunk))

			f := Frame{Payload: chunk[lo:hi]}
			f.Seq = uint32(i)
			f.End = i == total-1
			f.Length = uint32(hi - lo)
			f.Time = startTime
			if f.End {
				if i > 0 {
					f.Time = endTime
				}
				f.MD5 = digest
			}
			if !yield(f) {
				return
			}
		}
	}
}

func sum(b []byte) [DigestLen]byte {
	var out [DigestLen]byte
	d := md5.Sum(b)
	hex.Encode(out[:DigestLen-1], d[:])
	return out
}
