// Package metrics holds the latest scored windows per device and the
// Prometheus collectors for the pipeline.
package metrics

import (
	"sort"
	"sync"
	"time"

	"mdmguard/internal/model"
)

type Store struct {
	mu        sync.RWMutex
	byDevice  map[string]map[int64]model.ScoredRecord
	updatedAt map[string]time.Time
	limit     int
}

func NewStore(limit int) *Store {
	if limit <= 0 {
		limit = 5000
	}
	return &Store{
		byDevice:  make(map[string]map[int64]model.ScoredRecord),
		updatedAt: make(map[string]time.Time),
		limit:     limit,
	}
}

// Update replaces each device's windows with those in records.
func (s *Store) Update(records []model.ScoredRecord) {
	grouped := make(map[string]map[int64]model.ScoredRecord)
	for _, r := range records {
		if r.DeviceID == "" {
			continue
		}
		m, ok := grouped[r.DeviceID]
		if !ok {
			m = make(map[int64]model.ScoredRecord)
			grouped[r.DeviceID] = m
		}
		m[r.WindowStart.Unix()] = r
	}
	now := time.Now().UTC()
	s.mu.Lock()
	defer s.mu.Unlock()
	for device, m := range grouped {
		s.byDevice[device] = m
		s.updatedAt[device] = now
	}
	for len(s.byDevice) > s.limit {
		s.evictOldest()
	}
}

// Get returns a device's windows ordered by window start.
func (s *Store) Get(deviceID string) ([]model.ScoredRecord, time.Time, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	m, ok := s.byDevice[deviceID]
	if !ok {
		return nil, time.Time{}, false
	}
	return sortedWindows(m), s.updatedAt[deviceID], true
}

func (s *Store) GetAll() map[string][]model.ScoredRecord {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make(map[string][]model.ScoredRecord, len(s.byDevice))
	for device, m := range s.byDevice {
		out[device] = sortedWindows(m)
	}
	return out
}

func sortedWindows(m map[int64]model.ScoredRecord) []model.ScoredRecord {
	out := make([]model.ScoredRecord, 0, len(m))
	for _, r := range m {
		out = append(out, r)
	}
	sort.Slice(out, func(i, j int) bool {
		return out[i].WindowStart.Before(out[j].WindowStart)
	})
	return out
}

func (s *Store) evictOldest() {
	var oldestDevice string
	var oldest time.Time
	for device, ts := range s.updatedAt {
		if oldestDevice == "" || ts.Before(oldest) || (ts.Equal(oldest) && device < oldestDevice) {
			oldestDevice = device
			oldest = ts
		}
	}
	if oldestDevice != "" {
		delete(s.byDevice, oldestDevice)
		delete(s.updatedAt, oldestDevice)
	}
}

func (s *Store) Clear() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.byDevice = make(map[string]map[int64]model.ScoredRecord)
	s.updatedAt = make(map[string]time.Time)
}
