// Package metrics registers the process-wide Prometheus collectors.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var namespace = "sdvault"

var (
	// FreeBytes is the last free-space reading of the storage volume.
	FreeBytes = promauto.NewGauge(prometheus.GaugeOpts{
		Namespace: namespace,
		Subsystem: "reclaim",
		Name:      "free_bytes",
		Help:      "Free bytes on the storage volume at the last space check",
	})

	ReclaimRunsTotal = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "reclaim",
		Name:      "runs_total",
		Help:      "Number of reclaim passes triggered by low free space",
	})

	EvictedChunksTotal = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "reclaim",
		Name:      "evicted_chunks_total",
		Help:      "Chunk index records dropped by compaction",
	})

	// EvictionFailuresTotal counts per-file failures partitioned by stage
	// (archive, remove).
	EvictionFailuresTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "reclaim",
		Name:      "failures_total",
		Help:      "Per-chunk reclaim failures partitioned by stage",
	}, []string{"stage"})

	IngestedChunksTotal = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "store",
		Name:      "ingested_chunks_total",
		Help:      "Chunks written and indexed",
	})

	IngestedBytesTotal = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "store",
		Name:      "ingested_bytes_total",
		Help:      "Chunk payload bytes written",
	})

	ActiveClients = promauto.NewGauge(prometheus.GaugeOpts{
		Namespace: namespace,
		Subsystem: "playback",
		Name:      "active_clients",
		Help:      "Authenticated viewer sessions",
	})

	ActivePlaybacks = promauto.NewGauge(prometheus.GaugeOpts{
		Namespace: namespace,
		Subsystem: "playback",
		Name:      "active_playbacks",
		Help:      "Delivery loops currently running",
	})

	FramesSentTotal = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "playback",
		Name:      "frames_sent_total",
		Help:      "Stream frames written to transport channels",
	})

	// ControlCommandsTotal counts received control commands by name.
	ControlCommandsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "playback",
		Name:      "control_commands_total",
		Help:      "Control commands received partitioned by command",
	}, []string{"command"})
)
