package coordinator

import (
	"context"
	"database/sql"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
	_ "time/tzdata"

	"alarmguard/internal/alerting"
	"alarmguard/internal/alerts"
	"alarmguard/internal/businessrules"
	"alarmguard/internal/config"
	"alarmguard/internal/incident"
	"alarmguard/internal/ingest"
	"alarmguard/internal/kv"
	"alarmguard/internal/metrics"
	"alarmguard/internal/model"
	"alarmguard/internal/profile"
	"alarmguard/internal/provider"
	"alarmguard/internal/storage"
	"alarmguard/internal/tagging"
)

const profilesYAML = `profiles:
  - profile_id: tsv_standard
    name: TSV standard export
    priority: 10
    source_timezone: Europe/Paris
    detection:
      extensions: [".xls"]
      filename_pattern: "^export"
    parser_config:
      format: STANDARD
  - profile_id: pdf_report
    name: PDF operating report
    priority: 5
    source_timezone: Europe/Paris
    detection:
      extensions: [".pdf"]
      required_text: ["SITE"]
`

func testConfig(t *testing.T) *config.Config {
	t.Helper()
	cfg := config.DefaultConfig()
	cfg.Profiles.Mode = config.ProfilesYAML
	cfg.Profiles.Path = filepath.Join(t.TempDir(), "profiles.yaml")
	if err := os.WriteFile(cfg.Profiles.Path, []byte(profilesYAML), 0o644); err != nil {
		t.Fatalf("write profiles: %v", err)
	}
	return cfg
}

func testStore(t *testing.T) (*storage.Store, string) {
	t.Helper()
	dsn := "file:" + filepath.Join(t.TempDir(), "test.db") + "?_pragma=busy_timeout(5000)"
	store, err := storage.NewStore(config.StorageConfig{Driver: "sqlite", DSN: dsn})
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	t.Cleanup(func() { _ = store.Close() })
	if err := store.Init(context.Background()); err != nil {
		t.Fatalf("init: %v", err)
	}
	return store, dsn
}

// execRaw runs statements on a second connection to the fixture database.
func execRaw(t *testing.T, dsn string, stmts ...string) {
	t.Helper()
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		t.Fatalf("open raw: %v", err)
	}
	defer db.Close()
	for _, stmt := range stmts {
		if _, err := db.Exec(stmt); err != nil {
			t.Fatalf("%s: %v", stmt, err)
		}
	}
}

type fixture struct {
	coord  *Coordinator
	store  *storage.Store
	mem    *kv.Memory
	stats  *metrics.Store
	alerts *alerts.Store
	dsn    string
}

func newFixture(t *testing.T, cfg *config.Config, counter kv.Counter, adapters ...ingest.Adapter) *fixture {
	t.Helper()
	store, dsn := testStore(t)
	mem := kv.NewMemory()
	if counter == nil {
		counter = mem
	}
	alertStore := alerts.NewStore(16)
	stats := metrics.NewStore(8)
	c := New(cfg, Deps{
		Store:     store,
		Locker:    mem,
		Counter:   counter,
		Profiles:  profile.NewManager(cfg.Profiles, store, nil),
		Providers: provider.NewResolver(store, nil),
		Tagging:   tagging.NewService(store, cfg.Tagging.Catalog, nil),
		Alerting:  alerting.NewEngine(cfg, nil, nil, alertStore, nil),
		Rules:     businessrules.NewEngine(cfg.Rules, nil, nil),
		Incidents: incident.NewService(nil, nil),
		Stats:     stats,
		Adapters:  adapters,
	})
	if err := c.Reload(context.Background()); err != nil {
		t.Fatalf("reload: %v", err)
	}
	return &fixture{coord: c, store: store, mem: mem, stats: stats, alerts: alertStore, dsn: dsn}
}

func workedExampleTSV() string {
	return strings.Join([]string{
		`="C-69000"` + "\t" + `="LUN"` + "\t" + `="27/01/2026 16:24:00"` + "\t" + `="APPARITION"` + "\t" + `="130"` + "\t" + `="Intrusion Zone 1"`,
		"\t\t" + `="16:30:00"` + "\t" + `="DISPARITION"` + "\t" + `="130"` + "\t" + `="Intrusion Zone 1"`,
	}, "\r\n")
}

func sourceItem(t *testing.T, name, content string, meta map[string]string) model.SourceItem {
	t.Helper()
	path := filepath.Join(t.TempDir(), name)
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatalf("write: %v", err)
	}
	if meta == nil {
		meta = map[string]string{}
	}
	return model.SourceItem{Path: path, Filename: name, Size: int64(len(content)), Origin: model.OriginDropbox, Metadata: meta}
}

func TestWorkedExampleBuildsOneIncident(t *testing.T) {
	f := newFixture(t, testConfig(t), nil)
	ctx := context.Background()
	res, err := f.coord.ProcessItem(ctx, "dropbox", sourceItem(t, "export.xls", workedExampleTSV(), nil))
	if err != nil {
		t.Fatalf("process: %v", err)
	}
	if res.Events != 2 || res.ImportID == 0 {
		t.Fatalf("result: %+v", res)
	}
	rec, err := f.store.GetImport(ctx, res.ImportID)
	if err != nil {
		t.Fatalf("get import: %v", err)
	}
	if rec.Status != model.ImportSuccess || rec.EventsCount != 2 || rec.ProfileID != "tsv_standard" {
		t.Fatalf("record: %+v", rec)
	}
	events, err := f.store.EventsForImport(ctx, res.ImportID)
	if err != nil || len(events) != 2 {
		t.Fatalf("events: %d err=%v", len(events), err)
	}
	if !events[0].Timestamp.Equal(time.Date(2026, 1, 27, 15, 24, 0, 0, time.UTC)) {
		t.Fatalf("utc conversion: %s", events[0].Timestamp)
	}
	incs, err := f.store.ListIncidents(ctx, "69000", "")
	if err != nil || len(incs) != 1 {
		t.Fatalf("incidents: %+v err=%v", incs, err)
	}
	if incs[0].Status != model.IncidentClosed || incs[0].DurationSeconds == nil || *incs[0].DurationSeconds != 360 {
		t.Fatalf("incident: %+v", incs[0])
	}
}

func TestReingestIsDuplicate(t *testing.T) {
	f := newFixture(t, testConfig(t), nil)
	ctx := context.Background()
	first, err := f.coord.ProcessItem(ctx, "dropbox", sourceItem(t, "export.xls", workedExampleTSV(), nil))
	if err != nil {
		t.Fatalf("first: %v", err)
	}
	second, err := f.coord.ProcessItem(ctx, "dropbox", sourceItem(t, "export_copy.xls", workedExampleTSV(), nil))
	if !errors.Is(err, ingest.ErrDuplicateContent) {
		t.Fatalf("expected duplicate, got %v", err)
	}
	if second.ImportID != first.ImportID || second.Events != 0 {
		t.Fatalf("duplicate result: %+v", second)
	}
	counts, _ := f.store.ImportStatusCounts(ctx)
	if counts[string(model.ImportSuccess)] != 1 {
		t.Fatalf("success records: %v", counts)
	}
	if n, _ := f.store.CountEvents(ctx); n != 2 {
		t.Fatalf("events after duplicate: %d", n)
	}
}

func TestLockContentionSkips(t *testing.T) {
	f := newFixture(t, testConfig(t), nil)
	ctx := context.Background()
	res, err := f.coord.ProcessItem(ctx, "dropbox", sourceItem(t, "export.xls", workedExampleTSV(), nil))
	if err != nil {
		t.Fatalf("process: %v", err)
	}
	if ok, _ := f.mem.Acquire(ctx, lockPrefix+res.Hash, "other-worker", time.Minute); !ok {
		t.Fatalf("lock should have been released")
	}
	_, err = f.coord.ProcessItem(ctx, "dropbox", sourceItem(t, "export.xls", workedExampleTSV(), nil))
	if !errors.Is(err, ingest.ErrLockContention) {
		t.Fatalf("expected lock contention, got %v", err)
	}
	if ingest.OutcomeFor(err).Final() {
		t.Fatalf("contention must not be final")
	}
}

func TestUnconfidentProfileIsRecorded(t *testing.T) {
	f := newFixture(t, testConfig(t), nil)
	ctx := context.Background()
	res, err := f.coord.ProcessItem(ctx, "dropbox", sourceItem(t, "unknown.xls", workedExampleTSV(), nil))
	if !errors.Is(err, ingest.ErrProfileNotConfident) {
		t.Fatalf("expected unmatched, got %v", err)
	}
	rec, err := f.store.GetImport(ctx, res.ImportID)
	if err != nil {
		t.Fatalf("get import: %v", err)
	}
	if rec.Status != model.ImportProfileNotConfident || rec.RawPayload == "" || rec.Metadata["profile_report"] == nil {
		t.Fatalf("record: %+v", rec)
	}
}

func TestProviderRejectsAttachmentType(t *testing.T) {
	f := newFixture(t, testConfig(t), nil)
	ctx := context.Background()
	p := &model.Provider{Code: "ACME", Label: "Acme", AcceptedAttachmentTypes: []string{".pdf"}, Active: true}
	if err := f.store.CreateProvider(ctx, p); err != nil {
		t.Fatalf("provider: %v", err)
	}
	rule := &model.ProviderRule{ProviderID: p.ID, MatchType: model.MatchDomain, MatchValue: "acme.example", Priority: 1, Active: true}
	if err := f.store.CreateProviderRule(ctx, rule); err != nil {
		t.Fatalf("rule: %v", err)
	}
	if err := f.coord.Reload(ctx); err != nil {
		t.Fatalf("reload: %v", err)
	}
	item := sourceItem(t, "export.xls", workedExampleTSV(), map[string]string{model.ItemSender: "Alarms <alarms@acme.example>"})
	res, err := f.coord.ProcessItem(ctx, "email", item)
	if !errors.Is(err, ingest.ErrFormatRejected) {
		t.Fatalf("expected rejection, got %v", err)
	}
	rec, _ := f.store.GetImport(ctx, res.ImportID)
	if rec == nil || rec.Status != model.ImportIgnored || rec.ProviderID != p.ID {
		t.Fatalf("record: %+v", rec)
	}
}

func TestReplayRequestedReplacesEvents(t *testing.T) {
	f := newFixture(t, testConfig(t), nil)
	ctx := context.Background()
	first, err := f.coord.ProcessItem(ctx, "dropbox", sourceItem(t, "export.xls", workedExampleTSV(), nil))
	if err != nil {
		t.Fatalf("first: %v", err)
	}
	if _, err := f.coord.RequestReplay(ctx, first.Hash); err != nil {
		t.Fatalf("request replay: %v", err)
	}
	f.mem.SetClock(func() time.Time { return time.Now().Add(time.Hour) })
	second, err := f.coord.ProcessItem(ctx, "dropbox", sourceItem(t, "export.xls", workedExampleTSV(), nil))
	if err != nil {
		t.Fatalf("replay: %v", err)
	}
	if second.ImportID != first.ImportID || second.Events != 2 {
		t.Fatalf("replay result: %+v", second)
	}
	if n, _ := f.store.CountEvents(ctx); n != 2 {
		t.Fatalf("events after replay: %d", n)
	}
	if incs, _ := f.store.ListIncidents(ctx, "69000", ""); len(incs) != 1 {
		t.Fatalf("incidents after replay: %d", len(incs))
	}
}

type failingCounter struct{}

func (failingCounter) Touch(ctx context.Context, key string, ttl time.Duration) (bool, error) {
	return false, errors.New("redis: connection refused")
}

func (failingCounter) Exists(ctx context.Context, key string) (bool, error) {
	return false, errors.New("redis: connection refused")
}

func TestCrashForcesErrorAndEscalates(t *testing.T) {
	f := newFixture(t, testConfig(t), failingCounter{})
	ctx := context.Background()
	item := sourceItem(t, "export.xls", workedExampleTSV(), nil)
	res, err := f.coord.ProcessItem(ctx, "dropbox", item)
	if !errors.Is(err, ingest.ErrProcessingCrash) {
		t.Fatalf("expected crash, got %v", err)
	}
	rec, _ := f.store.GetImport(ctx, res.ImportID)
	if rec == nil || rec.Status != model.ImportError || !strings.Contains(rec.ErrorMessage, "connection refused") {
		t.Fatalf("record: %+v", rec)
	}
	if n, _ := f.store.CountEvents(ctx); n != 0 {
		t.Fatalf("crash must not persist events: %d", n)
	}
	var outcomes []ingest.Outcome
	for i := 0; i < maxCrashAttempts; i++ {
		outcomes = append(outcomes, f.coord.processed(item, res, err).Ack.Outcome)
	}
	if outcomes[0] != ingest.OutcomeRetry || outcomes[maxCrashAttempts-1] != ingest.OutcomeError {
		t.Fatalf("escalation: %v", outcomes)
	}
}

func TestRetryAfterTransactionFailureKeepsEvents(t *testing.T) {
	f := newFixture(t, testConfig(t), nil)
	ctx := context.Background()
	execRaw(t, f.dsn, `ALTER TABLE incidents RENAME TO incidents_offline`)
	first, err := f.coord.ProcessItem(ctx, "dropbox", sourceItem(t, "export.xls", workedExampleTSV(), nil))
	if !errors.Is(err, ingest.ErrProcessingCrash) {
		t.Fatalf("expected crash, got %v", err)
	}
	if n := f.mem.Len(); n != 0 {
		t.Fatalf("rolled back import left %d dedup keys", n)
	}
	execRaw(t, f.dsn, `ALTER TABLE incidents_offline RENAME TO incidents`)

	second, err := f.coord.ProcessItem(ctx, "dropbox", sourceItem(t, "export.xls", workedExampleTSV(), nil))
	if err != nil {
		t.Fatalf("retry: %v", err)
	}
	if second.ImportID == first.ImportID || second.Events != 2 || second.Duplicates != 0 {
		t.Fatalf("retry result: %+v", second)
	}
	rec, _ := f.store.GetImport(ctx, second.ImportID)
	if rec == nil || rec.Status != model.ImportSuccess || rec.EventsCount != 2 {
		t.Fatalf("retry record: %+v", rec)
	}
	if n, _ := f.store.CountEvents(ctx); n != 2 {
		t.Fatalf("events after retry: %d", n)
	}
	if n := f.mem.Len(); n == 0 {
		t.Fatalf("committed import must record dedup keys")
	}
}

func TestRepeatedLineInOneFileIsDuplicate(t *testing.T) {
	f := newFixture(t, testConfig(t), nil)
	content := workedExampleTSV() + "\r\n" + strings.Split(workedExampleTSV(), "\r\n")[0]
	res, err := f.coord.ProcessItem(context.Background(), "dropbox", sourceItem(t, "export.xls", content, nil))
	if err != nil {
		t.Fatalf("process: %v", err)
	}
	if res.Events != 2 || res.Duplicates != 1 {
		t.Fatalf("result: %+v", res)
	}
}

type fakeAdapter struct {
	items []model.SourceItem
	acks  []ingest.Ack
}

func (a *fakeAdapter) Name() string { return "fake" }

func (a *fakeAdapter) Poll(ctx context.Context, runID string) ([]model.SourceItem, error) {
	items := a.items
	a.items = nil
	for i := range items {
		items[i].Metadata[model.ItemPollRunID] = runID
	}
	return items, nil
}

func (a *fakeAdapter) Ack(ctx context.Context, item model.SourceItem, ack ingest.Ack) error {
	a.acks = append(a.acks, ack)
	return nil
}

func TestPollOnceAcksAndRecordsStats(t *testing.T) {
	adapter := &fakeAdapter{}
	f := newFixture(t, testConfig(t), nil, adapter)
	adapter.items = []model.SourceItem{
		sourceItem(t, "export.xls", workedExampleTSV(), nil),
		sourceItem(t, "unknown.xls", "nothing", nil),
	}
	f.coord.PollOnce(context.Background())
	if len(adapter.acks) != 2 || adapter.acks[0].Outcome != ingest.OutcomeSuccess || adapter.acks[1].Outcome != ingest.OutcomeUnmatched {
		t.Fatalf("acks: %+v", adapter.acks)
	}
	st, ok := f.stats.Get("fake")
	if !ok || st.Items != 2 || st.Outcomes["success"] != 1 || st.Outcomes["unmatched"] != 1 {
		t.Fatalf("stats: %+v", st)
	}
}

func TestGroupItemsKeepsCorrelatedTogether(t *testing.T) {
	items := []model.SourceItem{
		{Filename: "a.pdf", CorrelationID: "email:1"},
		{Filename: "b.xls"},
		{Filename: "a.xls", CorrelationID: "email:1"},
	}
	groups := groupItems(items)
	if len(groups) != 2 || len(groups[0]) != 2 || groups[1][0].Filename != "b.xls" {
		t.Fatalf("groups: %+v", groups)
	}
}

func TestIntegrityScore(t *testing.T) {
	ts := time.Date(2026, 1, 27, 15, 24, 0, 0, time.UTC)
	primary := []*model.CanonicalEvent{
		{SiteCode: "69000", Timestamp: ts, RawCode: "130"},
		{SiteCode: "69000", Timestamp: ts.Add(time.Minute), RawCode: "131"},
		{SiteCode: "69000", Timestamp: ts.Add(2 * time.Minute), RawCode: "132"},
		{SiteCode: "69000", Timestamp: ts.Add(3 * time.Minute), RawCode: "133"},
		{SiteCode: "69000", EventType: model.TypeParsingWarning},
	}
	support := []model.CanonicalEvent{
		{SiteCode: "69000", Timestamp: ts, RawCode: "130"},
		{SiteCode: "69000", Timestamp: ts.Add(time.Minute), RawCode: "131"},
		{SiteCode: "69000", Timestamp: ts.Add(2 * time.Minute), RawCode: "132"},
	}
	score, ok := IntegrityScore(primary, support)
	if !ok || score != 75 {
		t.Fatalf("score: %v ok=%v", score, ok)
	}
	if _, ok := IntegrityScore(nil, support); ok {
		t.Fatalf("empty primary has no score")
	}
}
