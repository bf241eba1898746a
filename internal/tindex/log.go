package tindex

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sync"

	"sdvault/internal/logger"
	"sdvault/internal/models"
)

var (
	ErrEmptyLog      = errors.New("index log is empty")
	ErrOutOfOrder    = errors.New("record starts before the last indexed record")
	ErrWidthMismatch = errors.New("record width does not match the log")
	ErrOutOfRange    = errors.New("record offset out of range")
	ErrEvicted       = errors.New("record was compacted away")
)

// TmpSuffix names the scratch file written during compaction.
const TmpSuffix = ".tmp"

// Log is an append-only file of fixed-width records. Every read and write
// holds mu for its whole duration, so record length and record count stay
// stable inside one operation.
type Log struct {
	mu    sync.Mutex
	path  string
	codec Codec

	// base counts records compacted away since Open; base+position is a
	// record's logical index.
	base uint64

	last    Record
	hasLast bool
}

// Open opens (creating if needed) the log at path. An existing log must have
// been written with the same field width.
func Open(path string, width int) (*Log, error) {
	codec, err := NewCodec(width)
	if err != nil {
		return nil, fmt.Errorf("Open: %w", err)
	}
	l := &Log{path: path, codec: codec}
	if err := l.recover(); err != nil {
		return nil, fmt.Errorf("Open: %w", err)
	}
	return l, nil
}

// recover drops a leftover compaction file and a torn trailing record, then
// loads the last record so that append ordering survives restarts.
func (l *Log) recover() error {
	tmp := l.path + TmpSuffix
	if err := os.Remove(tmp); err == nil {
		logger.Warn("removed stale compaction file", "path", tmp)
	}

	f, err := os.OpenFile(l.path, os.O_CREATE|os.O_RDWR, 0o644)
	if err != nil {
		return models.IOError("open", l.path, err)
	}
	defer f.Close()

	v := &View{log: l, f: f}
	recLen, count, err := v.Layout()
	if errors.Is(err, ErrEmptyLog) {
		return nil
	}
	if errors.Is(err, ErrMalformedRecord) {
		// first append torn before its newline
		if info, serr := f.Stat(); serr == nil && info.Size() < int64(l.codec.RecordLen()) {
			logger.Warn("truncating torn index record", "path", l.path, "size", info.Size(), "keep", 0)
			if err := f.Truncate(0); err != nil {
				return models.IOError("truncate", l.path, err)
			}
			return nil
		}
	}
	if err != nil {
		return err
	}
	if recLen != l.codec.RecordLen() {
		return fmt.Errorf("%w: %s has %d-byte records, want %d", ErrWidthMismatch, l.path, recLen, l.codec.RecordLen())
	}
	if size := v.size; size != int64(count*recLen) {
		logger.Warn("truncating torn index record", "path", l.path, "size", size, "keep", count*recLen)
		if err := f.Truncate(int64(count * recLen)); err != nil {
			return models.IOError("truncate", l.path, err)
		}
		if err := f.Sync(); err != nil {
			return models.IOError("sync", l.path, err)
		}
		v.layoutOK = false
	}
	if count == 0 {
		return nil
	}
	last, err := v.ReadRecordAt(int64((count - 1) * recLen))
	if err != nil {
		return err
	}
	l.last, l.hasLast = last, true
	return nil
}

// Path returns the log file path.
func (l *Log) Path() string {
	return l.path
}

// Codec returns the log's record codec.
func (l *Log) Codec() Codec {
	return l.codec
}

// View runs fn with the log mutex held. The View is only valid inside fn.
func (l *Log) View(fn func(v *View) error) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	v := &View{log: l}
	defer v.close()
	return fn(v)
}

// Append writes one record and flushes it to disk.
func (l *Log) Append(r Record) error {
	return l.View(func(v *View) error { return v.Append(r) })
}

// Layout returns the record length and the number of whole records.
func (l *Log) Layout() (recordLen, count int, err error) {
	err = l.View(func(v *View) error {
		recordLen, count, err = v.Layout()
		return err
	})
	return recordLen, count, err
}

// Compact drops every record before keepFrom.
func (l *Log) Compact(keepFrom int) error {
	return l.View(func(v *View) error { return v.Compact(keepFrom) })
}

// ReadRecordAt reads the record starting at byte offset.
func (l *Log) ReadRecordAt(offset int64) (r Record, err error) {
	err = l.View(func(v *View) error {
		r, err = v.ReadRecordAt(offset)
		return err
	})
	return r, err
}

// ReadRecords reads up to n records starting at position from.
func (l *Log) ReadRecords(from, n int) (recs []Record, err error) {
	err = l.View(func(v *View) error {
		recs, err = v.ReadRecords(from, n)
		return err
	})
	return recs, err
}

// RecordAtLogical reads the record with the given logical index.
func (l *Log) RecordAtLogical(idx uint64) (r Record, err error) {
	err = l.View(func(v *View) error {
		r, err = v.RecordAtLogical(idx)
		return err
	})
	return r, err
}

// Base returns the number of records compacted away since Open.
func (l *Log) Base() uint64 {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.base
}

// View is an unlocked handle on a Log, handed out by Log.View while the
// mutex is held. The read handle is opened lazily and closed with the view.
type View struct {
	log *Log
	f   *os.File

	layoutOK bool
	size     int64
	recLen   int
	count    int
}

func (v *View) file() (*os.File, error) {
	if v.f != nil {
		return v.f, nil
	}
	f, err := os.Open(v.log.path)
	if err != nil {
		return nil, models.IOError("open", v.log.path, err)
	}
	v.f = f
	return f, nil
}

func (v *View) close() {
	if v.f != nil {
		v.f.Close()
		v.f = nil
	}
	v.layoutOK = false
}

// Base returns the log's logical base.
func (v *View) Base() uint64 {
	return v.log.base
}

// Last returns the newest record appended or found at Open. ok is false
// when the log holds no records.
func (v *View) Last() (r Record, ok bool) {
	return v.log.last, v.log.hasLast
}

// Layout derives record length from the first line and count from the file
// size. A zero-length file yields ErrEmptyLog.
func (v *View) Layout() (recordLen, count int, err error) {
	if v.layoutOK {
		return v.recLen, v.count, nil
	}
	f, err := v.file()
	if err != nil {
		return 0, 0, err
	}
	info, err := f.Stat()
	if err != nil {
		return 0, 0, models.IOError("stat", v.log.path, err)
	}
	size := info.Size()
	if size == 0 {
		return 0, 0, fmt.Errorf("%w: %s", ErrEmptyLog, v.log.path)
	}

	buf := make([]byte, min(size, int64(2*(2*maxWidth+2))))
	n, err := f.ReadAt(buf, 0)
	if err != nil && !errors.Is(err, io.EOF) {
		return 0, 0, models.IOError("read", v.log.path, err)
	}
	nl := bytes.IndexByte(buf[:n], '\n')
	if nl < 0 {
		return 0, 0, fmt.Errorf("%w: first line of %s has no terminator", ErrMalformedRecord, v.log.path)
	}

	v.size = size
	v.recLen = nl + 1
	v.count = int(size / int64(v.recLen))
	v.layoutOK = true
	return v.recLen, v.count, nil
}

// ReadRecordAt seeks to a record boundary and decodes one line.
func (v *View) ReadRecordAt(offset int64) (Record, error) {
	recLen, count, err := v.Layout()
	if err != nil {
		return Record{}, err
	}
	if offset < 0 || offset%int64(recLen) != 0 || offset >= int64(count*recLen) {
		return Record{}, fmt.Errorf("%w: offset %d (record length %d, count %d)", ErrOutOfRange, offset, recLen, count)
	}
	buf := make([]byte, recLen)
	if _, err := v.f.ReadAt(buf, offset); err != nil {
		return Record{}, models.IOError("read", v.log.path, err)
	}
	return Decode(buf)
}

// ReadRecords reads up to n records starting at position from. Reading past
// the end returns the records that exist.
func (v *View) ReadRecords(from, n int) ([]Record, error) {
	recLen, count, err := v.Layout()
	if err != nil {
		return nil, err
	}
	if from < 0 || n < 0 {
		return nil, fmt.Errorf("%w: position %d, n %d", ErrOutOfRange, from, n)
	}
	if from >= count || n == 0 {
		return nil, nil
	}
	n = min(n, count-from)

	buf := make([]byte, n*recLen)
	if _, err := v.f.ReadAt(buf, int64(from*recLen)); err != nil {
		return nil, models.IOError("read", v.log.path, err)
	}
	recs := make([]Record, 0, n)
	for i := 0; i < n; i++ {
		r, err := Decode(buf[i*recLen : (i+1)*recLen])
		if err != nil {
			return nil, fmt.Errorf("record %d: %w", from+i, err)
		}
		recs = append(recs, r)
	}
	return recs, nil
}

// RecordAtLogical maps a logical index to the current position. Indexes
// below the base return ErrEvicted; indexes past the end return io.EOF.
func (v *View) RecordAtLogical(idx uint64) (Record, error) {
	if idx < v.log.base {
		return Record{}, fmt.Errorf("%w: logical %d, base %d", ErrEvicted, idx, v.log.base)
	}
	recLen, count, err := v.Layout()
	if errors.Is(err, ErrEmptyLog) {
		return Record{}, io.EOF
	}
	if err != nil {
		return Record{}, err
	}
	pos := idx - v.log.base
	if pos >= uint64(count) {
		return Record{}, io.EOF
	}
	return v.ReadRecordAt(int64(pos) * int64(recLen))
}

// Append validates ordering and writes one record through a short-lived
// O_APPEND handle, fsyncing before it returns.
func (v *View) Append(r Record) error {
	l := v.log
	if r.End < r.Start {
		return fmt.Errorf("%w: end %d before start %d", ErrInvalidRange, r.End, r.Start)
	}
	if l.hasLast && r.Start < l.last.Start {
		return fmt.Errorf("%w: %d < %d", ErrOutOfOrder, r.Start, l.last.Start)
	}
	line, err := l.codec.EncodeRecord(r)
	if err != nil {
		return err
	}

	f, err := os.OpenFile(l.path, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0o644)
	if err != nil {
		return models.IOError("open", l.path, err)
	}
	if _, err := f.Write(line); err != nil {
		f.Close()
		return models.IOError("write", l.path, err)
	}
	if err := f.Sync(); err != nil {
		f.Close()
		return models.IOError("sync", l.path, err)
	}
	if err := f.Close(); err != nil {
		return models.IOError("close", l.path, err)
	}

	l.last, l.hasLast = r, true
	v.layoutOK = false
	return nil
}

// Compact rewrites the log keeping records [keepFrom, count). The suffix is
// written to a scratch file, fsynced and renamed over the original, so a
// crash leaves either the old or the new log intact.
func (v *View) Compact(keepFrom int) error {
	l := v.log
	if keepFrom < 0 {
		return fmt.Errorf("%w: keepFrom %d", ErrOutOfRange, keepFrom)
	}
	recLen, count, err := v.Layout()
	if errors.Is(err, ErrEmptyLog) {
		return nil
	}
	if err != nil {
		return err
	}
	if keepFrom == 0 {
		return nil
	}
	keepFrom = min(keepFrom, count)

	tmpPath := l.path + TmpSuffix
	tmp, err := os.OpenFile(tmpPath, os.O_CREATE|os.O_TRUNC|os.O_WRONLY, 0o644)
	if err != nil {
		return models.IOError("create", tmpPath, err)
	}
	src := io.NewSectionReader(v.f, int64(keepFrom*recLen), int64((count-keepFrom)*recLen))
	if _, err := io.Copy(tmp, src); err != nil {
		tmp.Close()
		os.Remove(tmpPath)
		return models.IOError("copy", tmpPath, err)
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		os.Remove(tmpPath)
		return models.IOError("sync", tmpPath, err)
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmpPath)
		return models.IOError("close", tmpPath, err)
	}
	if err := os.Rename(tmpPath, l.path); err != nil {
		os.Remove(tmpPath)
		return models.IOError("rename", tmpPath, err)
	}

	// the file is compacted from here on, whatever the directory sync says
	l.base += uint64(keepFrom)
	if keepFrom == count {
		// an emptied log orders appends the way a reopened one does
		l.last, l.hasLast = Record{}, false
	}
	// the read handle still points at the replaced inode
	v.close()
	return syncDir(filepath.Dir(l.path))
}

// syncDir flushes a directory entry change; replaced in tests.
var syncDir = func(dir string) error {
	d, err := os.Open(dir)
	if err != nil {
		return models.IOError("open", dir, err)
	}
	defer d.Close()
	if err := d.Sync(); err != nil {
		return models.IOError("sync", dir, err)
	}
	return nil
}
