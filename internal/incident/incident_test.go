package incident

import (
	"context"
	"path/filepath"
	"testing"
	"time"
	_ "time/tzdata"

	"alarmguard/internal/config"
	"alarmguard/internal/model"
	"alarmguard/internal/storage"
)

func testStore(t *testing.T) *storage.Store {
	t.Helper()
	dsn := "file:" + filepath.Join(t.TempDir(), "incidents.db") + "?_pragma=busy_timeout(5000)"
	store, err := storage.NewStore(config.StorageConfig{Driver: "sqlite", DSN: dsn})
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	t.Cleanup(func() { _ = store.Close() })
	if err := store.Init(context.Background()); err != nil {
		t.Fatalf("init: %v", err)
	}
	return store
}

func event(ts time.Time, state model.State, msg string) *model.CanonicalEvent {
	return &model.CanonicalEvent{
		Timestamp:  ts,
		SiteCode:   "69000",
		EventType:  string(state),
		State:      state,
		RawMessage: msg,
		Status:     model.SeverityAlarm,
	}
}

func persist(t *testing.T, store *storage.Store, events ...*model.CanonicalEvent) int64 {
	t.Helper()
	ctx := context.Background()
	rec := &model.ImportRecord{Filename: "x.xls", FileHash: time.Now().String(), Status: model.ImportPending}
	if err := store.CreateImport(ctx, rec); err != nil {
		t.Fatalf("import: %v", err)
	}
	if err := store.InsertEvents(ctx, rec.ID, events); err != nil {
		t.Fatalf("events: %v", err)
	}
	return rec.ID
}

func TestKeyIgnoresOperatorMarkersAndState(t *testing.T) {
	a := Key("69000", "APPARITION | Intrusion  Zone 1 CAM 2")
	b := Key("69000", "disparition | intrusion zone 1 NVF")
	if a != b {
		t.Fatalf("opening and closing lines should share a key")
	}
	if Key("13000", "Intrusion Zone 1") == Key("69000", "Intrusion Zone 1") {
		t.Fatalf("sites must be part of the key")
	}
	if Key("69000", "Intrusion Zone 1") == Key("69000", "Intrusion Zone 2") {
		t.Fatalf("different zones must not share a key")
	}
}

func TestOpenThenCloseComputesDuration(t *testing.T) {
	store := testStore(t)
	ctx := context.Background()
	paris, _ := time.LoadLocation("Europe/Paris")
	opened := time.Date(2026, 1, 27, 16, 24, 0, 0, paris).UTC()
	closed := time.Date(2026, 1, 27, 16, 30, 0, 0, paris).UTC()
	importID := persist(t, store,
		event(opened, model.StateApparition, "Intrusion Zone 1"),
		event(closed, model.StateDisparition, "Intrusion Zone 1"),
	)

	svc := NewService(nil, nil)
	res, err := svc.ProcessImport(ctx, store, importID)
	if err != nil {
		t.Fatalf("process: %v", err)
	}
	if res.Opened != 1 || res.Closed != 1 || res.Unmatched != 0 {
		t.Fatalf("result: %+v", res)
	}
	all, err := store.ListIncidents(ctx, "69000", "")
	if err != nil || len(all) != 1 {
		t.Fatalf("incidents: %+v err=%v", all, err)
	}
	inc := all[0]
	if inc.Status != model.IncidentClosed || inc.DurationSeconds == nil || *inc.DurationSeconds != 360 {
		t.Fatalf("closed incident: %+v", inc)
	}

	again, err := svc.ProcessImport(ctx, store, importID)
	if err != nil {
		t.Fatalf("reprocess: %v", err)
	}
	if again.Opened != 0 || again.Closed != 0 || again.Unmatched != 0 {
		t.Fatalf("reprocessing must be a no-op: %+v", again)
	}
}

func TestSecondApparitionIsSuppressed(t *testing.T) {
	store := testStore(t)
	ctx := context.Background()
	base := time.Date(2026, 2, 1, 10, 0, 0, 0, time.UTC)
	importID := persist(t, store,
		event(base, model.StateApparition, "Defaut secteur"),
		event(base.Add(time.Minute), model.StateApparition, "Defaut secteur"),
	)
	res, err := NewService(nil, nil).ProcessImport(ctx, store, importID)
	if err != nil {
		t.Fatalf("process: %v", err)
	}
	if res.Opened != 1 || res.Suppressed != 1 {
		t.Fatalf("result: %+v", res)
	}
	if n, _ := store.CountOpenIncidents(ctx); n != 1 {
		t.Fatalf("open incidents: %d", n)
	}
}

func TestLoneCloseIsUnmatched(t *testing.T) {
	store := testStore(t)
	ctx := context.Background()
	base := time.Date(2026, 2, 1, 10, 0, 0, 0, time.UTC)
	op := event(base, model.StateDisparition, "Intrusion Zone 1")
	op.EventType = model.TypeOperatorAction
	importID := persist(t, store,
		event(base, model.StateDisparition, "Intrusion Zone 3"),
		op,
	)
	res, err := NewService(nil, nil).ProcessImport(ctx, store, importID)
	if err != nil {
		t.Fatalf("process: %v", err)
	}
	if res.Unmatched != 1 {
		t.Fatalf("operator actions must be ignored and the lone close reported: %+v", res)
	}
}

func TestCloseBeforeOpenClampsDuration(t *testing.T) {
	store := testStore(t)
	ctx := context.Background()
	base := time.Date(2026, 2, 1, 10, 0, 0, 0, time.UTC)
	first := event(base, model.StateApparition, "Sabotage")
	persist(t, store, first)
	svc := NewService(nil, nil)
	if _, err := svc.ProcessEvents(ctx, store, []*model.CanonicalEvent{first}); err != nil {
		t.Fatalf("open: %v", err)
	}

	late := event(base.Add(-time.Minute), model.StateDisparition, "Sabotage")
	persist(t, store, late)
	if _, err := svc.ProcessEvents(ctx, store, []*model.CanonicalEvent{late}); err != nil {
		t.Fatalf("close: %v", err)
	}
	all, _ := store.ListIncidents(ctx, "69000", model.IncidentClosed)
	if len(all) != 1 || *all[0].DurationSeconds != 0 {
		t.Fatalf("negative duration should clamp to zero: %+v", all)
	}
}
