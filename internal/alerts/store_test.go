package alerts

import (
	"testing"
	"time"

	"alarmguard/internal/model"
)

func TestStoreKeepsNewestInOrder(t *testing.T) {
	s := NewStore(3)
	base := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	for i := 0; i < 5; i++ {
		s.Add(model.Alert{RuleID: int64(i), SiteCode: "S", Timestamp: base.Add(time.Duration(i) * time.Minute)})
	}
	got := s.List(0)
	if len(got) != 3 || got[0].RuleID != 2 || got[2].RuleID != 4 {
		t.Fatalf("ring order: %+v", got)
	}
	if last := s.List(1); len(last) != 1 || last[0].RuleID != 4 {
		t.Fatalf("limit: %+v", last)
	}
}

func TestStoreQueryFilters(t *testing.T) {
	s := NewStore(10)
	base := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	s.Add(model.Alert{RuleName: "night", SiteCode: "100", Timestamp: base})
	s.Add(model.Alert{RuleName: "night", SiteCode: "200", Timestamp: base.Add(time.Hour)})
	s.Add(model.Alert{RuleName: "burst", SiteCode: "100", Timestamp: base.Add(2 * time.Hour)})

	if got := s.Query(Filter{SiteCode: "100"}); len(got) != 2 {
		t.Fatalf("site filter: %d", len(got))
	}
	if got := s.Query(Filter{RuleName: "night", Since: base.Add(30 * time.Minute)}); len(got) != 1 || got[0].SiteCode != "200" {
		t.Fatalf("rule+since filter: %+v", got)
	}
	s.Clear()
	if s.Len() != 0 {
		t.Fatalf("clear")
	}
}
