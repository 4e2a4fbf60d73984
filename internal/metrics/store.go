package metrics

import (
	"sort"
	"sync"
	"time"
)

// PollStats summarises the last poll cycle of one adapter.
type PollStats struct {
	Adapter   string         `json:"adapter"`
	RunID     string         `json:"run_id"`
	Items     int            `json:"items"`
	Outcomes  map[string]int `json:"outcomes"`
	Duration  time.Duration  `json:"duration_ns"`
	Error     string         `json:"error,omitempty"`
	UpdatedAt time.Time      `json:"updated_at"`
}

// Store keeps the latest PollStats per adapter for the status endpoint.
type Store struct {
	mu        sync.RWMutex
	byAdapter map[string]PollStats
	limit     int
}

func NewStore(limit int) *Store {
	if limit <= 0 {
		limit = 64
	}
	return &Store{
		byAdapter: make(map[string]PollStats),
		limit:     limit,
	}
}

func (s *Store) Update(stats PollStats) {
	if s == nil || stats.Adapter == "" {
		return
	}
	if stats.UpdatedAt.IsZero() {
		stats.UpdatedAt = time.Now().UTC()
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.byAdapter[stats.Adapter] = stats
	if len(s.byAdapter) > s.limit {
		s.evictOldest()
	}
}

func (s *Store) Get(adapter string) (PollStats, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	st, ok := s.byAdapter[adapter]
	return st, ok
}

// All returns stats sorted by adapter name.
func (s *Store) All() []PollStats {
	if s == nil {
		return nil
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]PollStats, 0, len(s.byAdapter))
	for _, st := range s.byAdapter {
		out = append(out, st)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Adapter < out[j].Adapter })
	return out
}

func (s *Store) evictOldest() {
	var oldestAdapter string
	var oldest time.Time
	for name, st := range s.byAdapter {
		if oldestAdapter == "" || st.UpdatedAt.Before(oldest) {
			oldestAdapter = name
			oldest = st.UpdatedAt
		}
	}
	if oldestAdapter != "" {
		delete(s.byAdapter, oldestAdapter)
	}
}
