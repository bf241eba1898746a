// Package tindex implements the time index: fixed-width "start-end" records
// kept in append-only log files, and the binary search that maps a UTC
// instant onto a record position.
package tindex

import (
	"bytes"
	"errors"
	"fmt"
	"math"
	"strconv"
)

// DefaultWidth is the zero-padded width of each field in a record.
const DefaultWidth = 10

// maxWidth is the widest field that can still hold every uint32.
const maxWidth = 10

var (
	ErrInvalidRange    = errors.New("invalid time range")
	ErrMalformedRecord = errors.New("malformed index record")
)

// Record is one decoded index line.
type Record struct {
	Start uint32
	End   uint32
}

func (r Record) String() string {
	return fmt.Sprintf("%d-%d", r.Start, r.End)
}

// Contains reports whether t falls inside [Start, End].
func (r Record) Contains(t uint32) bool {
	return t >= r.Start && t <= r.End
}

// Codec encodes and decodes records of one fixed width. A Log owns exactly
// one Codec for its whole lifetime.
type Codec struct {
	width int
}

// NewCodec returns a codec for the given field width.
func NewCodec(width int) (Codec, error) {
	if width < 1 || width > maxWidth {
		return Codec{}, fmt.Errorf("record width %d out of range [1,%d]", width, maxWidth)
	}
	return Codec{width: width}, nil
}

// Width returns the per-field width.
func (c Codec) Width() int {
	return c.width
}

// RecordLen is the encoded byte length of every record, newline included.
func (c Codec) RecordLen() int {
	return 2*c.width + 2
}

// Encode renders "<start>-<end>\n" with both fields zero-padded.
func (c Codec) Encode(start, end int64) ([]byte, error) {
	if start < 0 || end < 0 {
		return nil, fmt.Errorf("%w: negative value %d-%d", ErrInvalidRange, start, end)
	}
	if start > math.MaxUint32 || end > math.MaxUint32 {
		return nil, fmt.Errorf("%w: %d-%d overflows uint32", ErrInvalidRange, start, end)
	}
	buf := make([]byte, 0, c.RecordLen())
	buf = c.appendField(buf, start)
	buf = append(buf, '-')
	buf = c.appendField(buf, end)
	buf = append(buf, '\n')
	if len(buf) != c.RecordLen() {
		return nil, fmt.Errorf("%w: %d-%d wider than %d digits", ErrInvalidRange, start, end, c.width)
	}
	return buf, nil
}

// EncodeRecord is Encode for an already typed record.
func (c Codec) EncodeRecord(r Record) ([]byte, error) {
	return c.Encode(int64(r.Start), int64(r.End))
}

func (c Codec) appendField(buf []byte, v int64) []byte {
	digits := strconv.FormatInt(v, 10)
	for i := len(digits); i < c.width; i++ {
		buf = append(buf, '0')
	}
	return append(buf, digits...)
}

// Decode parses a record line of any width; the trailing newline is optional.
func Decode(line []byte) (Record, error) {
	line = bytes.TrimSuffix(line, []byte{'\n'})
	fields := bytes.Split(line, []byte{'-'})
	if len(fields) != 2 {
		return Record{}, fmt.Errorf("%w: %q", ErrMalformedRecord, line)
	}
	start, err := parseField(fields[0])
	if err != nil {
		return Record{}, fmt.Errorf("%w: %q", ErrMalformedRecord, line)
	}
	end, err := parseField(fields[1])
	if err != nil {
		return Record{}, fmt.Errorf("%w: %q", ErrMalformedRecord, line)
	}
	return Record{Start: start, End: end}, nil
}

func parseField(b []byte) (uint32, error) {
	if len(b) == 0 {
		return 0, strconv.ErrSyntax
	}
	for _, ch := range b {
		if ch < '0' || ch > '9' {
			return 0, strconv.ErrSyntax
		}
	}
	v, err := strconv.ParseUint(string(b), 10, 32)
	if err != nil {
		return 0, err
	}
	return uint32(v), nil
}
