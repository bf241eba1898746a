package server

import (
	"fmt"
	"sort"
	"sync"
	"time"

	"sdvault/internal/models"
	"sdvault/internal/store"
)

const dateLayout = "2006-01-02"

// DVRServer answers calendar queries over the store in the configured
// timezone.
type DVRServer struct {
	store *store.Store

	mu       sync.RWMutex
	timezone *time.Location
}

// NewDVRServer wraps s. A nil tz means UTC.
func NewDVRServer(s *store.Store, tz *time.Location) *DVRServer {
	if tz == nil {
		tz = time.UTC
	}
	return &DVRServer{store: s, timezone: tz}
}

// Store returns the underlying store.
func (s *DVRServer) Store() *store.Store {
	return s.store
}

// GetTimezone returns the zone name used for dates.
func (s *DVRServer) GetTimezone() string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.timezone.String()
}

// SetTimezone switches the zone used for dates.
func (s *DVRServer) SetTimezone(tz string) error {
	loc, err := time.LoadLocation(tz)
	if err != nil {
		return err
	}
	s.mu.Lock()
	s.timezone = loc
	s.mu.Unlock()
	return nil
}

func (s *DVRServer) location() *time.Location {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.timezone
}

// GetRecordingDates returns the sorted local dates touched by any segment
// still partly on the card. A segment across midnight marks both days.
func (s *DVRServer) GetRecordingDates() ([]string, error) {
	events, err := s.store.AllEvents()
	if err != nil {
		return nil, err
	}
	loc := s.location()

	seen := make(map[string]bool)
	for _, ev := range events {
		if ev.Status == models.EventStatusEvicted {
			continue
		}
		seen[time.Unix(int64(ev.UTCStart), 0).In(loc).Format(dateLayout)] = true
		seen[time.Unix(int64(ev.UTCEnd), 0).In(loc).Format(dateLayout)] = true
	}

	dates := make([]string, 0, len(seen))
	for d := range seen {
		dates = append(dates, d)
	}
	sort.Strings(dates)
	return dates, nil
}

// GetRecordings returns the segments overlapping one local date, clipped to
// that day.
func (s *DVRServer) GetRecordings(date string) ([]RecordingInfo, error) {
	loc := s.location()
	day, err := time.ParseInLocation(dateLayout, date, loc)
	if err != nil {
		return nil, fmt.Errorf("invalid date %q: %w", date, err)
	}
	dayStart := day.Unix()
	dayEnd := day.AddDate(0, 0, 1).Unix()

	events, err := s.store.ListEvents(uint32(dayStart), uint32(dayEnd-1))
	if err != nil {
		return nil, err
	}

	recordings := make([]RecordingInfo, 0, len(events))
	for i, ev := range events {
		start, end := int64(ev.UTCStart), int64(ev.UTCEnd)
		// the locator clamps to the first and last segment
		if start >= dayEnd || end < dayStart {
			continue
		}
		actualStart := max(start, dayStart)
		actualEnd := min(end, dayEnd)

		recordings = append(recordings, RecordingInfo{
			ID:             i,
			Start:          time.Unix(actualStart, 0).In(loc).Format("15:04:05"),
			End:            time.Unix(actualEnd, 0).In(loc).Format("15:04:05"),
			StartTimestamp: actualStart,
			EndTimestamp:   actualEnd,
			Duration:       actualEnd - actualStart,
			Status:         statusName(ev.Status),
		})
	}
	return recordings, nil
}

// GetConfig reports the effective storage settings.
func (s *DVRServer) GetConfig() (Config, error) {
	st, err := s.store.Stats()
	if err != nil {
		return Config{}, err
	}
	return Config{
		StoragePath:  s.store.DataDir(),
		Timezone:     s.GetTimezone(),
		ChunkCount:   st.ChunkCount,
		SegmentCount: st.SegmentCount,
	}, nil
}

func statusName(s models.EventStatus) string {
	switch s {
	case models.EventStatusAvailable:
		return "available"
	case models.EventStatusPartial:
		return "partial"
	case models.EventStatusEvicted:
		return "evicted"
	}
	return "unknown"
}

// RecordingInfo is one segment as shown on a day's timeline.
type RecordingInfo struct {
	ID             int    `json:"id"`
	Start          string `json:"start"`
	End            string `json:"end"`
	StartTimestamp int64  `json:"startTimestamp"`
	EndTimestamp   int64  `json:"endTimestamp"`
	Duration       int64  `json:"duration"`
	Status         string `json:"status"`
}

// Config is the body of GET /api/v1/config.
type Config struct {
	StoragePath  string `json:"storagePath"`
	Timezone     string `json:"timezone"`
	ChunkCount   int    `json:"chunkCount"`
	SegmentCount int    `json:"segmentCount"`
}
