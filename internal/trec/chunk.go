// Package trec stores TS chunk files: one immutable file per time window,
// named "<start>-<end>.ts" inside the chunk directory.
package trec

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"sdvault/internal/models"
)

// partSuffix marks a chunk still being written.
const partSuffix = ".part"

// Write stores data as the chunk for [start, end] in dir. The bytes land in a
// ".part" file first and are renamed into place after fsync, so a reader
// never sees a half-written chunk under its final name. A chunk that already
// exists is never replaced; Write fails with fs.ErrExist.
func Write(dir string, start, end uint32, data []byte) (models.Chunk, error) {
	if end < start {
		return models.Chunk{}, fmt.Errorf("Write: end %d before start %d", end, start)
	}
	c := models.NewChunk(dir, start, end)
	part := c.FilePath + partSuffix

	switch _, err := os.Lstat(c.FilePath); {
	case err == nil:
		return models.Chunk{}, fmt.Errorf("Write: %s: %w", c.FilePath, fs.ErrExist)
	case !errors.Is(err, fs.ErrNotExist):
		return models.Chunk{}, models.IOError("stat", c.FilePath, err)
	}

	f, err := os.OpenFile(part, os.O_CREATE|os.O_TRUNC|os.O_WRONLY, 0o644)
	if err != nil {
		return models.Chunk{}, models.IOError("create", part, err)
	}
	if _, err := f.Write(data); err != nil {
		f.Close()
		os.Remove(part)
		return models.Chunk{}, models.IOError("write", part, err)
	}
	if err := f.Sync(); err != nil {
		f.Close()
		os.Remove(part)
		return models.Chunk{}, models.IOError("sync", part, err)
	}
	if err := f.Close(); err != nil {
		os.Remove(part)
		return models.Chunk{}, models.IOError("close", part, err)
	}
	if err := os.Rename(part, c.FilePath); err != nil {
		os.Remove(part)
		return models.Chunk{}, models.IOError("rename", part, err)
	}
	return c, nil
}

// Remove deletes a chunk file.
func Remove(path string) error {
	if err := os.Remove(path); err != nil {
		return models.IOError("remove", path, err)
	}
	return nil
}

// Size returns the chunk's byte length.
func Size(path string) (int64, error) {
	info, err := os.Stat(path)
	if err != nil {
		return 0, models.IOError("stat", path, err)
	}
	return info.Size(), nil
}

// List returns every chunk in dir ordered by start time. Files that do not
// follow the chunk naming scheme are skipped; leftover ".part" files are
// reported separately so callers can clean them up.
func List(dir string) (chunks []models.Chunk, partial []string, err error) {
	entries, err := os.ReadDir(dir)
	if errors.Is(err, fs.ErrNotExist) {
		return nil, nil, nil
	}
	if err != nil {
		return nil, nil, models.IOError("readdir", dir, err)
	}
	for _, e := range entries {
		if e.IsDir() {
			continue
		}
		name := e.Name()
		if strings.HasSuffix(name, partSuffix) {
			partial = append(partial, filepath.Join(dir, name))
			continue
		}
		start, end, err := models.ParseChunkFileName(name)
		if err != nil {
			continue
		}
		chunks = append(chunks, models.NewChunk(dir, start, end))
	}
	sort.Slice(chunks, func(i, j int) bool {
		if chunks[i].StartTime != chunks[j].StartTime {
			return chunks[i].StartTime < chunks[j].StartTime
		}
		return chunks[i].EndTime < chunks[j].EndTime
	})
	return chunks, partial, nil
}
