package metrics

import (
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
)

func TestRegistryCountsAndServes(t *testing.T) {
	r := NewRegistry()
	r.ImportOutcome("dropbox", "success")
	r.ImportOutcome("dropbox", "success")
	r.RuleHit("NIGHT_INTRUSION")
	r.LockContention()

	if got := testutil.ToFloat64(r.importOutcomes.WithLabelValues("dropbox", "success")); got != 2 {
		t.Fatalf("import outcomes: %v", got)
	}
	rec := httptest.NewRecorder()
	r.Handler().ServeHTTP(rec, httptest.NewRequest("GET", "/metrics", nil))
	body := rec.Body.String()
	if !strings.Contains(body, "alarmguard_rule_hits_total") || !strings.Contains(body, "alarmguard_lock_contention_total 1") {
		t.Fatalf("exposition missing series:\n%s", body)
	}
}

func TestNilRegistryIsSafe(t *testing.T) {
	var r *Registry
	r.ImportOutcome("email", "failed")
	r.ObserveRuleEngine(time.Second)
	r.ProfileMatch("", false)
}

func TestStoreKeepsLatestPerAdapter(t *testing.T) {
	s := NewStore(2)
	base := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	s.Update(PollStats{Adapter: "email", Items: 1, UpdatedAt: base})
	s.Update(PollStats{Adapter: "dropbox", Items: 2, UpdatedAt: base.Add(time.Minute)})
	s.Update(PollStats{Adapter: "email", Items: 3, UpdatedAt: base.Add(2 * time.Minute)})
	st, ok := s.Get("email")
	if !ok || st.Items != 3 {
		t.Fatalf("latest email stats: %+v", st)
	}
	s.Update(PollStats{Adapter: "replay", UpdatedAt: base.Add(3 * time.Minute)})
	if _, ok := s.Get("dropbox"); ok {
		t.Fatalf("oldest adapter should be evicted")
	}
	if all := s.All(); len(all) != 2 || all[0].Adapter != "email" {
		t.Fatalf("all: %+v", all)
	}
}
