package alerts

import (
	"sync"
	"time"

	"alarmguard/internal/model"
)

// Store keeps the most recent triggered alerts for the ops API.
type Store struct {
	mu    sync.RWMutex
	buf   []model.Alert
	next  int
	full  bool
	limit int
}

func NewStore(limit int) *Store {
	if limit <= 0 {
		limit = 1000
	}
	return &Store{limit: limit, buf: make([]model.Alert, 0, limit)}
}

func (s *Store) Add(alert model.Alert) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.full {
		s.buf = append(s.buf, alert)
		if len(s.buf) == s.limit {
			s.full = true
		}
		return
	}
	s.buf[s.next] = alert
	s.next = (s.next + 1) % s.limit
}

// ordered returns alerts oldest first. Callers hold the read lock.
func (s *Store) ordered() []model.Alert {
	out := make([]model.Alert, 0, len(s.buf))
	if !s.full {
		return append(out, s.buf...)
	}
	out = append(out, s.buf[s.next:]...)
	return append(out, s.buf[:s.next]...)
}

// Filter selects alerts by site and rule; empty values match everything.
type Filter struct {
	SiteCode string
	RuleName string
	Since    time.Time
	Limit    int
}

// Query returns matching alerts, newest last, keeping at most Limit.
func (s *Store) Query(f Filter) []model.Alert {
	s.mu.RLock()
	all := s.ordered()
	s.mu.RUnlock()
	out := all[:0]
	for _, a := range all {
		if f.SiteCode != "" && a.SiteCode != f.SiteCode {
			continue
		}
		if f.RuleName != "" && a.RuleName != f.RuleName {
			continue
		}
		if !f.Since.IsZero() && a.Timestamp.Before(f.Since) {
			continue
		}
		out = append(out, a)
	}
	if f.Limit > 0 && len(out) > f.Limit {
		out = out[len(out)-f.Limit:]
	}
	return out
}

func (s *Store) List(limit int) []model.Alert {
	return s.Query(Filter{Limit: limit})
}

func (s *Store) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.buf)
}

func (s *Store) Clear() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.buf = s.buf[:0]
	s.next = 0
	s.full = false
}
