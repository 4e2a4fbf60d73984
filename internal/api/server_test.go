package api

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"alarmguard/internal/alerting"
	"alarmguard/internal/alerts"
	"alarmguard/internal/businessrules"
	"alarmguard/internal/config"
	"alarmguard/internal/metrics"
	"alarmguard/internal/model"
	"alarmguard/internal/storage"
)

type fakePipeline struct {
	reloads   int
	reloadErr error
	replayed  []string
}

func (p *fakePipeline) Reload(ctx context.Context) error {
	p.reloads++
	return p.reloadErr
}

func (p *fakePipeline) RequestReplay(ctx context.Context, hash string) (int64, error) {
	if hash != "abc" {
		return 0, storage.ErrNotFound
	}
	p.replayed = append(p.replayed, hash)
	return 42, nil
}

type fakeStatus struct {
	countErr error
}

func (s fakeStatus) ImportStatusCounts(ctx context.Context) (map[string]int, error) {
	return map[string]int{"SUCCESS": 3, "ERROR": 1}, s.countErr
}

func (s fakeStatus) CountOpenIncidents(ctx context.Context) (int, error) {
	return 2, nil
}

func (s fakeStatus) RecentImports(ctx context.Context, limit int) ([]model.ImportRecord, error) {
	return []model.ImportRecord{{ID: 1, Filename: "export.xls", Status: model.ImportSuccess}}, nil
}

func testServer(t *testing.T, deps Deps) http.Handler {
	t.Helper()
	cfg := config.DefaultConfig()
	cfg.Ingestion.Dropbox.Enabled = true
	cfg.API.AlertsLimit = 2
	return NewServer(config.NewStaticManager(cfg), deps, nil, "test").Handler()
}

func do(t *testing.T, h http.Handler, method, target, body string) (*httptest.ResponseRecorder, map[string]any) {
	t.Helper()
	req := httptest.NewRequest(method, target, strings.NewReader(body))
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	var out map[string]any
	if rec.Body.Len() > 0 {
		if err := json.Unmarshal(rec.Body.Bytes(), &out); err != nil && rec.Header().Get("Content-Type") == "application/json" {
			t.Fatalf("decode %s: %v", target, err)
		}
	}
	return rec, out
}

func TestStatusReportsCountsAndAdapters(t *testing.T) {
	stats := metrics.NewStore(4)
	stats.Update(metrics.PollStats{Adapter: "dropbox", RunID: "r1", Items: 2, Outcomes: map[string]int{"success": 2}})
	h := testServer(t, Deps{Store: fakeStatus{}, Stats: stats, Alerts: alerts.NewStore(4)})

	rec, body := do(t, h, http.MethodGet, "/status", "")
	if rec.Code != http.StatusOK || body["status"] != "ok" {
		t.Fatalf("status: %d %v", rec.Code, body)
	}
	if body["open_incidents"].(float64) != 2 {
		t.Fatalf("open incidents: %v", body["open_incidents"])
	}
	imports := body["imports"].(map[string]any)
	if imports["SUCCESS"].(float64) != 3 {
		t.Fatalf("imports: %v", imports)
	}
	adapters := body["adapters"].([]any)
	if len(adapters) != 1 || adapters[0].(map[string]any)["adapter"] != "dropbox" {
		t.Fatalf("adapters: %v", adapters)
	}
	if !body["ingestion"].(map[string]any)["dropbox"].(bool) {
		t.Fatalf("ingestion flags: %v", body["ingestion"])
	}
}

func TestStatusDegradesOnStoreError(t *testing.T) {
	h := testServer(t, Deps{Store: fakeStatus{countErr: errors.New("db down")}})
	_, body := do(t, h, http.MethodGet, "/status", "")
	if body["status"] != "degraded" {
		t.Fatalf("expected degraded: %v", body)
	}
}

func TestAlertsFiltersAndLimits(t *testing.T) {
	store := alerts.NewStore(10)
	base := time.Date(2026, 1, 27, 15, 0, 0, 0, time.UTC)
	for i, site := range []string{"100", "100", "200", "100"} {
		store.Add(model.Alert{RuleName: "night", SiteCode: site, Timestamp: base.Add(time.Duration(i) * time.Minute)})
	}
	h := testServer(t, Deps{Alerts: store})

	_, body := do(t, h, http.MethodGet, "/alerts?site=100", "")
	if body["count"].(float64) != 2 {
		t.Fatalf("default limit: %v", body["count"])
	}
	_, body = do(t, h, http.MethodGet, "/alerts?site=100&limit=0", "")
	if body["count"].(float64) != 3 {
		t.Fatalf("unlimited: %v", body["count"])
	}
	rec, _ := do(t, h, http.MethodGet, "/alerts?since=yesterday", "")
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("bad since: %d", rec.Code)
	}
}

func TestAdminReloadAndReprocess(t *testing.T) {
	p := &fakePipeline{}
	h := testServer(t, Deps{Pipeline: p})

	if rec, _ := do(t, h, http.MethodGet, "/admin/reload", ""); rec.Code != http.StatusMethodNotAllowed {
		t.Fatalf("reload GET: %d", rec.Code)
	}
	if rec, _ := do(t, h, http.MethodPost, "/admin/reload", ""); rec.Code != http.StatusOK || p.reloads != 1 {
		t.Fatalf("reload: %d reloads=%d", rec.Code, p.reloads)
	}
	p.reloadErr = errors.New("profiles: bad yaml")
	if rec, _ := do(t, h, http.MethodPost, "/admin/reload", ""); rec.Code != http.StatusInternalServerError {
		t.Fatalf("reload error: %d", rec.Code)
	}

	rec, body := do(t, h, http.MethodPost, "/admin/reprocess", `{"sha256":"ABC"}`)
	if rec.Code != http.StatusOK || body["import_id"].(float64) != 42 || body["status"] != "REPLAY_REQUESTED" {
		t.Fatalf("reprocess: %d %v", rec.Code, body)
	}
	if rec, _ := do(t, h, http.MethodPost, "/admin/reprocess", `{"sha256":"zzz"}`); rec.Code != http.StatusNotFound {
		t.Fatalf("unknown hash: %d", rec.Code)
	}
	if rec, _ := do(t, h, http.MethodPost, "/admin/reprocess", `{}`); rec.Code != http.StatusBadRequest {
		t.Fatalf("missing hash: %d", rec.Code)
	}
}

func TestAdminReplayPassesOptions(t *testing.T) {
	var got businessrules.ReplayOptions
	replay := func(ctx context.Context, opts businessrules.ReplayOptions) (businessrules.ReplayResult, error) {
		got = opts
		if opts.Mode == businessrules.ReplayFull && !opts.Force {
			return businessrules.ReplayResult{}, businessrules.ErrFullReplayForbidden
		}
		return businessrules.ReplayResult{Status: "completed", Mode: opts.Mode, EventsProcessed: 5}, nil
	}
	h := testServer(t, Deps{Replay: replay})

	rec, body := do(t, h, http.MethodPost, "/admin/replay", `{"mode":"REPLACE","batch_size":100,"from":"2026-01-01T00:00:00Z"}`)
	if rec.Code != http.StatusOK || body["events_processed"].(float64) != 5 {
		t.Fatalf("replay: %d %v", rec.Code, body)
	}
	if got.BatchSize != 100 || got.From == nil || got.To != nil {
		t.Fatalf("options: %+v", got)
	}
	if rec, _ := do(t, h, http.MethodPost, "/admin/replay", `{"mode":"FULL"}`); rec.Code != http.StatusBadRequest {
		t.Fatalf("full without force: %d", rec.Code)
	}
}

func TestAdminDryRun(t *testing.T) {
	var gotID int64
	var gotSample alerting.Sample
	dryRun := func(ctx context.Context, ruleID int64, rule model.AlertRule, sample alerting.Sample, ref time.Time) (alerting.Report, error) {
		gotID, gotSample = ruleID, sample
		if ruleID == 9 {
			return alerting.Report{}, storage.ErrNotFound
		}
		return alerting.Report{RuleID: ruleID, RuleName: rule.Name, Triggered: true}, nil
	}
	h := testServer(t, Deps{DryRun: dryRun})

	body := `{"rule_id":3,"sample":{"site_code":"69000","timestamp":"2026-01-27T15:24:00Z","type":"APPARITION","message":"Intrusion"}}`
	rec, out := do(t, h, http.MethodPost, "/admin/dryrun", body)
	if rec.Code != http.StatusOK || out["triggered"] != true || gotID != 3 || gotSample.SiteCode != "69000" {
		t.Fatalf("dry run: %d %v", rec.Code, out)
	}
	if rec, _ := do(t, h, http.MethodPost, "/admin/dryrun", `{"rule_id":9,"sample":{"site_code":"1","timestamp":"2026-01-27T15:24:00Z"}}`); rec.Code != http.StatusNotFound {
		t.Fatalf("unknown rule: %d", rec.Code)
	}
	if rec, _ := do(t, h, http.MethodPost, "/admin/dryrun", `{"rule_id":3}`); rec.Code != http.StatusBadRequest {
		t.Fatalf("missing sample: %d", rec.Code)
	}
	if rec, _ := do(t, h, http.MethodPost, "/admin/dryrun", `{"sample":{"site_code":"1","timestamp":"2026-01-27T15:24:00Z"}}`); rec.Code != http.StatusBadRequest {
		t.Fatalf("missing rule: %d", rec.Code)
	}
}

func TestMetricsEndpoint(t *testing.T) {
	reg := metrics.NewRegistry()
	reg.ImportOutcome("dropbox", "success")
	h := testServer(t, Deps{Registry: reg})
	req := httptest.NewRequest(http.MethodGet, "/metrics", nil)
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	if rec.Code != http.StatusOK || !strings.Contains(rec.Body.String(), "alarmguard_import_outcomes_total") {
		t.Fatalf("metrics: %d", rec.Code)
	}
}
