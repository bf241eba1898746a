package packet

import (
	"bytes"
	"fmt"
	"iter"
)

// Assembler rebuilds a chunk from frames received in order.
type Assembler struct {
	buf   bytes.Buffer
	next  uint32
	done  bool
	first Header
	last  Header
}

// Add appends one frame. It returns true once the terminal frame has been
// accepted and its digest verified.
func (a *Assembler) Add(f Frame) (bool, error) {
	if a.done {
		return true, fmt.Errorf("%w: frame %d after terminal frame", ErrSequence, f.Seq)
	}
	if f.Seq != a.next {
		return false, fmt.Errorf("%w: got %d, want %d", ErrSequence, f.Seq, a.next)
	}
	if int(f.Length) != len(f.Payload) {
		return false, fmt.Errorf("%w: frame %d declares %d bytes, carries %d", ErrSequence, f.Seq, f.Length, len(f.Payload))
	}
	if f.Seq == 0 {
		a.first = f.Header
	}
	a.buf.Write(f.Payload)
	a.next++
	if !f.End {
		return false, nil
	}

	a.done = true
	a.last = f.Header
	if got := sum(a.buf.Bytes()); got != f.MD5 {
		return true, fmt.Errorf("%w: got %s, want %s", ErrDigestMismatch, string(got[:DigestLen-1]), f.Digest())
	}
	return true, nil
}

// Bytes returns the reassembled chunk.
func (a *Assembler) Bytes() []byte {
	return a.buf.Bytes()
}

// Window returns the chunk's start and end time as reported by the first
// and terminal frames.
func (a *Assembler) Window() (start, end uint32) {
	return a.first.Time, a.last.Time
}

// Verify consumes frames and returns the reassembled chunk once the digest
// in the terminal frame checks out.
func Verify(frames iter.Seq[Frame]) ([]byte, error) {
	var a Assembler
	for f := range frames {
		done, err := a.Add(f)
		if err != nil {
			return nil, err
		}
		if done {
			return a.Bytes(), nil
		}
	}
	return nil, ErrIncomplete
}
