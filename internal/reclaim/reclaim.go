// Package reclaim frees card space by evicting the oldest chunks when the
// volume runs low.
package reclaim

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"code.cloudfoundry.org/bytefmt"
	"golang.org/x/sys/unix"

	"sdvault/internal/logger"
	"sdvault/internal/metrics"
	"sdvault/internal/models"
	"sdvault/internal/tindex"
	"sdvault/internal/trec"
)

// Archiver receives a copy of each chunk before it is deleted.
type Archiver interface {
	Archive(ctx context.Context, c models.Chunk) error
}

// Notifier is told about each evicted chunk.
type Notifier interface {
	ChunkEvicted(ctx context.Context, c models.Chunk) error
}

// SpaceFunc reports the bytes available to unprivileged writers on the
// volume that holds path.
type SpaceFunc func(path string) (uint64, error)

// FreeSpace is the statfs-backed SpaceFunc.
func FreeSpace(path string) (uint64, error) {
	var st unix.Statfs_t
	if err := unix.Statfs(path, &st); err != nil {
		return 0, models.IOError("statfs", path, err)
	}
	return uint64(st.Bavail) * uint64(st.Bsize), nil
}

type Options struct {
	// Threshold is the free-space floor that triggers a pass.
	Threshold uint64
	// Batch is how many of the oldest chunks one pass evicts.
	Batch int

	Space    SpaceFunc
	Archiver Archiver
	Notifier Notifier
}

// Result describes one CheckAndReclaim call.
type Result struct {
	Free      uint64
	Triggered bool
	Evicted   int
	Failed    int
}

// Reclaimer evicts from one chunk index and its chunk directory.
type Reclaimer struct {
	// serializes passes; compaction counts depend on no other pass
	// running between the read and the compact
	mu sync.Mutex

	log  *tindex.Log
	dir  string
	opts Options
}

// New returns a reclaimer. Zero option values fall back to a 1 MiB
// threshold, a batch of 1024 and statfs.
func New(log *tindex.Log, chunkDir string, opts Options) *Reclaimer {
	if opts.Threshold == 0 {
		opts.Threshold = 1 << 20
	}
	if opts.Batch <= 0 {
		opts.Batch = 1024
	}
	if opts.Space == nil {
		opts.Space = FreeSpace
	}
	return &Reclaimer{log: log, dir: chunkDir, opts: opts}
}

// CheckAndReclaim evicts the oldest Batch chunks if free space is below the
// threshold. Per-chunk failures are logged and skipped. An empty index is
// not an error: there is nothing to free and the caller's write reports
// its own failure.
func (r *Reclaimer) CheckAndReclaim(ctx context.Context) (Result, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	free, err := r.opts.Space(r.dir)
	if err != nil {
		return Result{}, fmt.Errorf("CheckAndReclaim: %w", err)
	}
	metrics.FreeBytes.Set(float64(free))
	res := Result{Free: free}
	if free >= r.opts.Threshold {
		return res, nil
	}
	res.Triggered = true
	metrics.ReclaimRunsTotal.Inc()
	logger.Warn("free space below threshold, reclaiming",
		"free", bytefmt.ByteSize(free),
		"threshold", bytefmt.ByteSize(r.opts.Threshold),
		"batch", r.opts.Batch)

	recs, err := r.log.ReadRecords(0, r.opts.Batch)
	if errors.Is(err, tindex.ErrEmptyLog) {
		logger.Warn("nothing to reclaim, chunk index is empty", "dir", r.dir)
		return res, nil
	}
	if err != nil {
		return res, fmt.Errorf("CheckAndReclaim: %w", err)
	}
	chunks := make([]models.Chunk, len(recs))
	for i, rec := range recs {
		chunks[i] = models.NewChunk(r.dir, rec.Start, rec.End)
	}

	// uploads run without the index lock so ingest and playback continue
	if r.opts.Archiver != nil {
		for _, c := range chunks {
			if err := r.opts.Archiver.Archive(ctx, c); err != nil {
				metrics.EvictionFailuresTotal.WithLabelValues("archive").Inc()
				logger.Error("archive before eviction failed", "chunk", c.FilePath, "error", err)
			}
		}
	}

	err = r.log.View(func(v *tindex.View) error {
		for _, c := range chunks {
			if err := trec.Remove(c.FilePath); err != nil {
				res.Failed++
				metrics.EvictionFailuresTotal.WithLabelValues("remove").Inc()
				logger.Error("failed to remove chunk", "chunk", c.FilePath, "error", err)
			}
		}
		return v.Compact(len(chunks))
	})
	if err != nil {
		return res, fmt.Errorf("CheckAndReclaim: %w", err)
	}
	res.Evicted = len(chunks)
	metrics.EvictedChunksTotal.Add(float64(len(chunks)))

	if r.opts.Notifier != nil {
		for _, c := range chunks {
			if err := r.opts.Notifier.ChunkEvicted(ctx, c); err != nil {
				logger.Warn("eviction notification failed", "chunk", c.FilePath, "error", err)
			}
		}
	}

	logger.Info("reclaim pass finished",
		"evicted", res.Evicted,
		"failed", res.Failed,
		"oldest", chunks[len(chunks)-1].EndDateTime())
	return res, nil
}
