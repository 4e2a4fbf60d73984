package coordinator

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"alarmguard/internal/ingest"
	"alarmguard/internal/metrics"
	"alarmguard/internal/model"
	"alarmguard/internal/parser"
	"alarmguard/internal/profile"
)

// Run polls every adapter until ctx is cancelled.
func (c *Coordinator) Run(ctx context.Context) error {
	for {
		c.PollOnce(ctx)
		if !ingest.BackoffSleep(ctx, c.config().Ingestion.PollInterval) {
			return ctx.Err()
		}
	}
}

// PollOnce runs one poll cycle over all adapters.
func (c *Coordinator) PollOnce(ctx context.Context) {
	runID := uuid.NewString()[:8]
	start := time.Now()
	c.log(slog.LevelInfo, "poll cycle start", "event", "poll_cycle_start", "run_id", runID, "adapters", len(c.adapters))
	if err := c.Reload(ctx); err != nil {
		c.log(slog.LevelWarn, "cache reload failed", "run_id", runID, "err", err)
	}
	for _, a := range c.adapters {
		if ctx.Err() != nil {
			break
		}
		c.pollAdapter(ctx, a, runID)
	}
	c.log(slog.LevelInfo, "poll cycle done", "event", "poll_cycle_done", "run_id", runID,
		"duration_ms", time.Since(start).Milliseconds())
}

func (c *Coordinator) pollAdapter(ctx context.Context, a ingest.Adapter, runID string) {
	start := time.Now()
	stats := metrics.PollStats{Adapter: a.Name(), RunID: runID, Outcomes: make(map[string]int)}
	items, err := a.Poll(ctx, runID)
	if err != nil {
		stats.Error = err.Error()
		c.log(slog.LevelError, "adapter poll failed", "event", "poll_error", "run_id", runID, "adapter", a.Name(), "err", err)
	}
	stats.Items = len(items)
	for _, group := range groupItems(items) {
		for _, done := range c.ProcessGroup(ctx, a.Name(), group) {
			c.acknowledge(ctx, a, runID, done, stats.Outcomes)
		}
	}
	stats.Duration = time.Since(start)
	c.metrics.ObservePoll(a.Name(), stats.Duration)
	c.stats.Update(stats)
}

// Processed pairs an item with the acknowledgement it earned.
type Processed struct {
	Item   model.SourceItem
	Result Result
	Err    error
	Ack    ingest.Ack
}

func (c *Coordinator) acknowledge(ctx context.Context, a ingest.Adapter, runID string, p Processed, outcomes map[string]int) {
	outcomes[string(p.Ack.Outcome)]++
	c.metrics.ImportOutcome(a.Name(), string(p.Ack.Outcome))
	level := slog.LevelInfo
	switch p.Ack.Outcome {
	case ingest.OutcomeError, ingest.OutcomeRetry:
		level = slog.LevelError
	case ingest.OutcomeUnmatched, ingest.OutcomeIgnored:
		level = slog.LevelWarn
	}
	args := []any{"event", "import_outcome", "outcome", string(p.Ack.Outcome), "run_id", runID,
		"adapter", a.Name(), "file", p.Item.Filename, "import_id", p.Ack.ImportID,
		"events", p.Result.Events, "duplicates", p.Result.Duplicates}
	if p.Err != nil {
		args = append(args, "reason", p.Err.Error())
	}
	c.log(level, "import outcome", args...)
	if err := a.Ack(ctx, p.Item, p.Ack); err != nil {
		c.log(slog.LevelError, "ack failed", "run_id", runID, "adapter", a.Name(), "file", p.Item.Filename, "err", err)
	}
}

// groupItems keeps poll order but gathers items sharing a correlation id
// at the position of the first one.
func groupItems(items []model.SourceItem) [][]model.SourceItem {
	var groups [][]model.SourceItem
	index := make(map[string]int)
	for _, it := range items {
		if it.CorrelationID == "" {
			groups = append(groups, []model.SourceItem{it})
			continue
		}
		if i, ok := index[it.CorrelationID]; ok {
			groups[i] = append(groups[i], it)
			continue
		}
		index[it.CorrelationID] = len(groups)
		groups = append(groups, []model.SourceItem{it})
	}
	return groups
}

func (c *Coordinator) processed(item model.SourceItem, res Result, err error) Processed {
	outcome := c.crashVerdict(res.Hash, ingest.OutcomeFor(err))
	reason := ""
	if err != nil {
		reason = err.Error()
	}
	return Processed{Item: item, Result: res, Err: err, Ack: ingest.Ack{Outcome: outcome, ImportID: res.ImportID, Reason: reason}}
}

// ProcessGroup ingests items that arrived together. Spreadsheets go first.
// A companion PDF becomes the support attachment of the first spreadsheet
// import with events, or of the existing import when the spreadsheet was
// already ingested. It is ingested as the fallback primary only when every
// spreadsheet settled without events. While a spreadsheet awaits a retry
// the PDF is deferred with it.
func (c *Coordinator) ProcessGroup(ctx context.Context, adapter string, group []model.SourceItem) []Processed {
	var sheets, pdfs, others []model.SourceItem
	for _, it := range group {
		switch {
		case it.IsSpreadsheet():
			sheets = append(sheets, it)
		case it.IsPDF():
			pdfs = append(pdfs, it)
		default:
			others = append(others, it)
		}
	}
	out := make([]Processed, 0, len(group))
	primary, duplicate, deferred := -1, -1, -1
	for _, it := range sheets {
		res, err := c.ProcessItem(ctx, adapter, it)
		p := c.processed(it, res, err)
		out = append(out, p)
		switch {
		case primary < 0 && err == nil && res.Events > 0:
			primary = len(out) - 1
		case duplicate < 0 && errors.Is(err, ingest.ErrDuplicateContent) && res.ImportID > 0:
			duplicate = len(out) - 1
		case deferred < 0 && !p.Ack.Outcome.Final():
			deferred = len(out) - 1
		}
	}
	for _, it := range pdfs {
		switch {
		case primary >= 0:
			out = append(out, c.attachSupport(ctx, out[primary].Result.ImportID, out[primary].Result.events, it))
		case duplicate >= 0:
			id := out[duplicate].Result.ImportID
			events, err := c.store.EventsForImport(ctx, id)
			if err != nil {
				out = append(out, c.processed(it, Result{}, err))
				continue
			}
			out = append(out, c.attachSupport(ctx, id, events, it))
		case deferred >= 0:
			outcome := out[deferred].Ack.Outcome
			out = append(out, Processed{Item: it, Ack: ingest.Ack{Outcome: outcome,
				Reason: "waiting for " + out[deferred].Item.Filename}})
		default:
			res, err := c.ProcessItem(ctx, adapter, it)
			out = append(out, c.processed(it, res, err))
		}
	}
	for _, it := range others {
		res, err := c.ProcessItem(ctx, adapter, it)
		out = append(out, c.processed(it, res, err))
	}
	return out
}

// attachSupport links pdf to an import and stores how well the two sources
// agree. A PDF already linked to that import is acknowledged as a duplicate.
func (c *Coordinator) attachSupport(ctx context.Context, importID int64, primary []*model.CanonicalEvent, pdf model.SourceItem) Processed {
	cfg := c.config()
	hash, err := parser.HashFile(pdf.Path)
	if err != nil {
		return c.processed(pdf, Result{}, fmt.Errorf("%w: %w", ingest.ErrHashFailure, err))
	}
	rec, err := c.store.GetImport(ctx, importID)
	if err != nil {
		return c.processed(pdf, Result{Hash: hash}, err)
	}
	if rec.SupportHash == hash {
		c.log(slog.LevelInfo, "support attachment already linked", "import_id", rec.ID, "file", pdf.Filename)
		return Processed{Item: pdf, Result: Result{Hash: hash, ImportID: rec.ID},
			Ack: ingest.Ack{Outcome: ingest.OutcomeDuplicate, ImportID: rec.ID}}
	}
	rec.SupportPath = pdf.Filename
	rec.SupportHash = hash

	pdfEvents, perr := c.parseSupport(pdf)
	if perr != nil {
		rec.SetMeta("integrity_error", perr.Error())
	} else if score, ok := IntegrityScore(primary, pdfEvents); ok {
		rec.SetMeta("integrity_score", score)
		rec.SetMeta("integrity_pdf_events", len(pdfEvents))
		if score < cfg.Ingestion.IntegrityThreshold {
			rec.SetMeta("integrity_warning", true)
			c.log(slog.LevelWarn, "low agreement between spreadsheet and pdf", "event", "integrity_check",
				"import_id", rec.ID, "score", score, "threshold", cfg.Ingestion.IntegrityThreshold, "file", pdf.Filename)
		}
	}
	if err := c.store.UpdateImport(ctx, rec); err != nil {
		return c.processed(pdf, Result{Hash: hash}, err)
	}
	c.log(slog.LevelInfo, "support attachment linked", "import_id", rec.ID, "file", pdf.Filename)
	// The primary import owns the archive record, so the support file is
	// acknowledged without one.
	return Processed{Item: pdf, Result: Result{Hash: hash}, Ack: ingest.Ack{Outcome: ingest.OutcomeSuccess}}
}

func (c *Coordinator) parseSupport(pdf model.SourceItem) ([]model.CanonicalEvent, error) {
	cfg := c.config()
	probe := parser.ProbeFile(pdf.Path, c.logger)
	prof, _ := profile.Score(c.profiles.List(), pdf.Filename, probe, cfg.Profiles.Scoring)
	events, err := c.parse(pdf, prof, cfg)
	if err != nil {
		return nil, err
	}
	norm := c.normalizerFor()
	for i := range events {
		norm.Apply(&events[i])
	}
	return events, nil
}

func integrityKey(ev *model.CanonicalEvent) string {
	code := ev.RawCode
	if code == "" {
		code = ev.NormalizedMessage
	}
	return fmt.Sprintf("%s|%d|%s", ev.SiteCode, ev.Timestamp.Unix(), code)
}

// IntegrityScore returns the percentage of distinct (site, timestamp, code)
// keys of the primary events also found in the support events. ok is false
// when the primary has no keys.
func IntegrityScore(primary []*model.CanonicalEvent, support []model.CanonicalEvent) (float64, bool) {
	keys := make(map[string]bool)
	for _, ev := range primary {
		if isDiagnostic(ev) {
			continue
		}
		keys[integrityKey(ev)] = true
	}
	if len(keys) == 0 {
		return 0, false
	}
	other := make(map[string]bool, len(support))
	for i := range support {
		if isDiagnostic(&support[i]) {
			continue
		}
		other[integrityKey(&support[i])] = true
	}
	shared := 0
	for k := range keys {
		if other[k] {
			shared++
		}
	}
	return float64(shared) * 100 / float64(len(keys)), true
}

func isDiagnostic(ev *model.CanonicalEvent) bool {
	return ev.EventType == model.TypeParsingError || ev.EventType == model.TypeParsingWarning
}

// RequestReplay flags the import of a content hash so its next ingestion
// replaces the stored events.
func (c *Coordinator) RequestReplay(ctx context.Context, hash string) (int64, error) {
	id, err := c.store.RequestReplay(ctx, hash)
	if err != nil {
		return 0, err
	}
	c.log(slog.LevelInfo, "replay requested", "import_id", id, "sha256", hash)
	return id, nil
}

var errNoAdapters = errors.New("no ingestion adapter enabled")

// Validate reports whether the coordinator has anything to poll.
func (c *Coordinator) Validate() error {
	if len(c.adapters) == 0 {
		return errNoAdapters
	}
	return nil
}
