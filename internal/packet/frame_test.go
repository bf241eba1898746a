package packet

import (
	"bytes"
	"crypto/md5"
	"encoding/hex"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func collect(chunk []byte, start, end uint32, m int) []Frame {
	var out []Frame
	for f := range Split(chunk, start, end, m) {
		out = append(out, f)
	}
	return out
}

func TestSplitIntegrity(t *testing.T) {
	for _, tc := range []struct{ size, max int }{
		{0, 4}, {1, 4}, {4, 4}, {5, 4}, {9, 4}, {1000, 7}, {4096, 1024},
	} {
		chunk := bytes.Repeat([]byte("abcdefg"), tc.size/7+1)[:tc.size]
		frames := collect(chunk, 100, 200, tc.max)
		require.Len(t, frames, Count(tc.size, tc.max), "size=%d max=%d", tc.size, tc.max)

		var joined []byte
		ends := 0
		for i, f := range frames {
			assert.Equal(t, uint32(i), f.Seq)
			assert.LessOrEqual(t, len(f.Payload), tc.max)
			joined = append(joined, f.Payload...)
			if f.End {
				ends++
				d := md5.Sum(chunk)
				assert.Equal(t, hex.EncodeToString(d[:]), f.Digest())
				assert.Equal(t, byte(0), f.MD5[DigestLen-1])
			} else {
				assert.False(t, f.HasDigest())
			}
		}
		assert.Equal(t, 1, ends)
		assert.True(t, frames[len(frames)-1].End)
		assert.Equal(t, len(chunk), len(joined))
		assert.Equal(t, chunk, joined)
	}
}

func TestSplitSingleFrame(t *testing.T) {
	chunk := make([]byte, 500)
	frames := collect(chunk, 1000, 1010, DefaultMaxFrameSize)
	require.Len(t, frames, 1)

	f := frames[0]
	assert.True(t, f.End)
	assert.Equal(t, uint32(1000), f.Time)
	assert.Equal(t, uint32(500), f.Length)
	assert.True(t, f.HasDigest())
}

func TestSplitTimeField(t *testing.T) {
	frames := collect(make([]byte, 10), 1000, 1010, 4)
	require.Len(t, frames, 3)
	assert.Equal(t, uint32(1000), frames[0].Time)
	assert.Equal(t, uint32(1000), frames[1].Time)
	assert.Equal(t, uint32(1010), frames[2].Time)
}

func TestSplitRestartable(t *testing.T) {
	seq := Split([]byte("0123456789"), 1, 2, 3)
	var first, second [][]byte
	for f := range seq {
		first = append(first, f.Payload)
	}
	for f := range seq {
		second = append(second, f.Payload)
	}
	assert.Equal(t, first, second)

	n := 0
	for range seq {
		n++
		break
	}
	assert.Equal(t, 1, n)
}

func TestHeaderRoundTrip(t *testing.T) {
	frames := collect([]byte("hello world"), 7, 9, 5)
	last := frames[len(frames)-1]

	b := last.Marshal()
	require.Len(t, b, HeaderLen)
	h, err := ParseHeader(b)
	require.NoError(t, err)
	assert.Equal(t, last.Header, h)

	_, err = ParseHeader(b[:HeaderLen-1])
	assert.ErrorIs(t, err, ErrShortHeader)
}

func TestVerify(t *testing.T) {
	chunk := []byte("some transport stream bytes")
	got, err := Verify(Split(chunk, 1, 2, 4))
	require.NoError(t, err)
	assert.Equal(t, chunk, got)

	// tamper with a payload byte
	tampered := func(yield func(Frame) bool) {
		for f := range Split(chunk, 1, 2, 4) {
			if f.Seq == 1 {
				f.Payload = []byte("XXXX")
			}
			if !yield(f) {
				return
			}
		}
	}
	_, err = Verify(tampered)
	assert.ErrorIs(t, err, ErrDigestMismatch)

	truncated := func(yield func(Frame) bool) {
		for f := range Split(chunk, 1, 2, 4) {
			if f.End {
				return
			}
			if !yield(f) {
				return
			}
		}
	}
	_, err = Verify(truncated)
	assert.ErrorIs(t, err, ErrIncomplete)
}

func TestAssemblerSequence(t *testing.T) {
	frames := collect([]byte("abcdefgh"), 1, 2, 3)
	var a Assembler
	_, err := a.Add(frames[1])
	assert.ErrorIs(t, err, ErrSequence)

	for _, f := range frames {
		_, err := a.Add(f)
		require.NoError(t, err)
	}
	start, end := a.Window()
	assert.Equal(t, uint32(1), start)
	assert.Equal(t, uint32(2), end)

	_, err = a.Add(frames[0])
	assert.ErrorIs(t, err, ErrSequence)
}
