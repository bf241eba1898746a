package trec

import (
	"fmt"
	"os"

	"golang.org/x/sys/unix"

	"sdvault/internal/models"
)

// Mapping is a read-only memory map of one chunk file.
type Mapping struct {
	data []byte
}

// Map maps the chunk at path. Chunks larger than maxSize are refused with
// models.ErrOutOfMemory; maxSize <= 0 disables the limit.
func Map(path string, maxSize int64) (*Mapping, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, models.IOError("open", path, err)
	}
	defer f.Close()

	info, err := f.Stat()
	if err != nil {
		return nil, models.IOError("stat", path, err)
	}
	size := info.Size()
	if maxSize > 0 && size > maxSize {
		return nil, fmt.Errorf("Map %s: %d bytes over limit %d: %w", path, size, maxSize, models.ErrOutOfMemory)
	}
	// mmap of length 0 is EINVAL
	if size == 0 {
		return &Mapping{}, nil
	}

	data, err := unix.Mmap(int(f.Fd()), 0, int(size), unix.PROT_READ, unix.MAP_SHARED)
	if err != nil {
		return nil, models.IOError("mmap", path, err)
	}
	return &Mapping{data: data}, nil
}

// Bytes returns the mapped contents. The slice is invalid after Close.
func (m *Mapping) Bytes() []byte {
	return m.data
}

// Len returns the mapped length.
func (m *Mapping) Len() int {
	return len(m.data)
}

// Close releases the mapping.
func (m *Mapping) Close() error {
	if m.data == nil {
		return nil
	}
	data := m.data
	m.data = nil
	return unix.Munmap(data)
}

// Read copies the whole chunk into memory, bounded like Map.
func Read(path string, maxSize int64) ([]byte, error) {
	m, err := Map(path, maxSize)
	if err != nil {
		return nil, err
	}
	defer m.Close()
	return append([]byte(nil), m.Bytes()...), nil
}
