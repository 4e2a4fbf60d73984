package coordinator

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"alarmguard/internal/alerting"
	"alarmguard/internal/businessrules"
	"alarmguard/internal/config"
	"alarmguard/internal/dedupe"
	"alarmguard/internal/incident"
	"alarmguard/internal/ingest"
	"alarmguard/internal/kv"
	"alarmguard/internal/metrics"
	"alarmguard/internal/model"
	"alarmguard/internal/normalize"
	"alarmguard/internal/parser"
	"alarmguard/internal/profile"
	"alarmguard/internal/provider"
	"alarmguard/internal/storage"
	"alarmguard/internal/tagging"
)

const lockPrefix = "ingestion:lock:file:"

// maxCrashAttempts bounds how often a crashing file is retried before it is
// acknowledged as a terminal error.
const maxCrashAttempts = 3

// Deps are the collaborators owned by the process and shared with the ops API.
type Deps struct {
	Store     *storage.Store
	Locker    kv.Locker
	Counter   kv.Counter
	Profiles  *profile.Manager
	Providers *provider.Resolver
	Tagging   *tagging.Service
	Alerting  *alerting.Engine
	Rules     *businessrules.Engine
	Incidents *incident.Service
	Metrics   *metrics.Registry
	Stats     *metrics.Store
	Adapters  []ingest.Adapter
	Logger    *slog.Logger
}

// Coordinator runs the per-file ingestion pipeline and the poll loop.
type Coordinator struct {
	store     *storage.Store
	locker    kv.Locker
	counter   kv.Counter
	profiles  *profile.Manager
	providers *provider.Resolver
	tagging   *tagging.Service
	alerting  *alerting.Engine
	rules     *businessrules.Engine
	incidents *incident.Service
	metrics   *metrics.Registry
	stats     *metrics.Store
	adapters  []ingest.Adapter
	logger    *slog.Logger

	cfg        atomic.Value
	normalizer atomic.Value

	mu      sync.Mutex
	crashes map[string]int
}

func New(cfg *config.Config, deps Deps) *Coordinator {
	c := &Coordinator{
		store:     deps.Store,
		locker:    deps.Locker,
		counter:   deps.Counter,
		profiles:  deps.Profiles,
		providers: deps.Providers,
		tagging:   deps.Tagging,
		alerting:  deps.Alerting,
		rules:     deps.Rules,
		incidents: deps.Incidents,
		metrics:   deps.Metrics,
		stats:     deps.Stats,
		adapters:  deps.Adapters,
		logger:    deps.Logger,
		crashes:   make(map[string]int),
	}
	c.UpdateConfig(cfg)
	return c
}

func (c *Coordinator) UpdateConfig(cfg *config.Config) {
	if cfg == nil {
		return
	}
	c.cfg.Store(cfg)
	c.normalizer.Store(normalize.NewNormalizer(cfg.Normalization, c.logger))
	if c.alerting != nil {
		c.alerting.UpdateConfig(cfg)
	}
	if c.rules != nil {
		c.rules.UpdateConfig(cfg.Rules)
	}
}

func (c *Coordinator) config() *config.Config {
	if v := c.cfg.Load(); v != nil {
		return v.(*config.Config)
	}
	return config.DefaultConfig()
}

func (c *Coordinator) normalizerFor() *normalize.Normalizer {
	return c.normalizer.Load().(*normalize.Normalizer)
}

// Reload refreshes the profile, catalog and provider caches.
func (c *Coordinator) Reload(ctx context.Context) error {
	var errs []error
	if c.profiles != nil {
		if err := c.profiles.Load(ctx); err != nil {
			errs = append(errs, fmt.Errorf("profiles: %w", err))
		}
	}
	if c.tagging != nil {
		if err := c.tagging.Reload(ctx); err != nil {
			errs = append(errs, fmt.Errorf("catalog: %w", err))
		}
	}
	if c.providers != nil {
		if err := c.providers.Reload(ctx); err != nil {
			errs = append(errs, fmt.Errorf("providers: %w", err))
		}
	}
	return errors.Join(errs...)
}

// Result describes one processed item.
type Result struct {
	Outcome    ingest.Outcome `json:"outcome"`
	ImportID   int64          `json:"import_id,omitempty"`
	Hash       string         `json:"sha256,omitempty"`
	Events     int            `json:"events"`
	Duplicates int            `json:"duplicates"`
	Unmatched  int            `json:"unmatched"`
	Alerts     int            `json:"alerts"`

	events []*model.CanonicalEvent
}

func (c *Coordinator) log(level slog.Level, msg string, args ...any) {
	if c.logger != nil {
		c.logger.Log(context.Background(), level, msg, args...)
	}
}

// ProcessItem runs one file through the pipeline under its content lock.
// The returned error carries the ingest sentinel that decides the ack.
func (c *Coordinator) ProcessItem(ctx context.Context, adapter string, item model.SourceItem) (Result, error) {
	cfg := c.config()
	var res Result
	runID := item.Meta(model.ItemPollRunID)
	c.log(slog.LevelInfo, "file received", "event", "file_received", "run_id", runID, "adapter", adapter,
		"file", item.Filename, "size", item.Size)

	hash, herr := parser.HashFile(item.Path)
	if herr != nil {
		rec := c.newRecord(adapter, item)
		rec.Status = model.ImportError
		rec.ErrorMessage = "hash failed: " + herr.Error()
		if cerr := c.store.CreateImport(ctx, rec); cerr != nil {
			c.log(slog.LevelError, "record hash failure", "file", item.Filename, "err", cerr)
		}
		return Result{ImportID: rec.ID}, fmt.Errorf("%w: %w", ingest.ErrHashFailure, herr)
	}
	res.Hash = hash
	item.Hash = hash

	lockKey := lockPrefix + hash
	token := uuid.NewString()
	if c.locker != nil {
		ok, lerr := c.locker.Acquire(ctx, lockKey, token, cfg.Ingestion.LockTTL)
		if lerr != nil {
			return res, fmt.Errorf("acquire lock: %w", lerr)
		}
		if !ok {
			c.metrics.LockContention()
			c.log(slog.LevelInfo, "content locked, skipping", "run_id", runID, "adapter", adapter, "file", item.Filename)
			return res, ingest.ErrLockContention
		}
		defer func() {
			if _, rerr := c.locker.Release(context.WithoutCancel(ctx), lockKey, token); rerr != nil {
				c.log(slog.LevelWarn, "lock release failed", "key", lockKey, "err", rerr)
			}
		}()
	}
	return c.processLocked(ctx, cfg, adapter, item)
}

func (c *Coordinator) newRecord(adapter string, item model.SourceItem) *model.ImportRecord {
	rec := &model.ImportRecord{
		Filename:        item.Filename,
		FileHash:        item.Hash,
		AdapterName:     adapter,
		SourceMessageID: item.CorrelationID,
	}
	for k, v := range item.Metadata {
		if v != "" {
			rec.SetMeta(k, v)
		}
	}
	return rec
}

// saveTerminal writes a record that ends the attempt without events.
func (c *Coordinator) saveTerminal(ctx context.Context, rec *model.ImportRecord) error {
	if rec.ID > 0 {
		return c.store.UpdateImport(ctx, rec)
	}
	return c.store.CreateImport(ctx, rec)
}

func (c *Coordinator) processLocked(ctx context.Context, cfg *config.Config, adapter string, item model.SourceItem) (Result, error) {
	res := Result{Hash: item.Hash}
	existing, err := c.store.GetImportByHash(ctx, item.Hash)
	if err != nil {
		return res, err
	}
	rec := c.newRecord(adapter, item)
	replay := false
	if existing != nil {
		switch existing.Status {
		case model.ImportSuccess:
			res.ImportID = existing.ID
			c.log(slog.LevelInfo, "duplicate content", "event", "import_duplicate", "adapter", adapter,
				"file", item.Filename, "existing_import_id", existing.ID)
			return res, ingest.ErrDuplicateContent
		case model.ImportReplayRequested:
			replay = true
			rec.ID = existing.ID
			rec.CreatedAt = existing.CreatedAt
			rec.SetMeta("replay_of", existing.ID)
		}
	}

	if c.profiles != nil {
		if err := c.profiles.Load(ctx); err != nil {
			c.log(slog.LevelWarn, "profile reload failed, keeping previous set", "err", err)
		}
	}

	if sender := item.Meta(model.ItemSender); sender != "" && c.providers != nil {
		if p, ok := c.providers.Resolve(sender); ok {
			rec.ProviderID = p.ID
			rec.SetMeta("provider_code", p.Code)
			if !provider.Accepts(p, item.Ext()) {
				rec.Status = model.ImportIgnored
				rec.ErrorMessage = fmt.Sprintf("attachment type %s not accepted by provider %s", item.Ext(), p.Code)
				c.log(slog.LevelInfo, "attachment rejected", "event", "filter_decision", "adapter", adapter,
					"file", item.Filename, "provider", p.Code)
				if err := c.saveTerminal(ctx, rec); err != nil {
					return res, err
				}
				res.ImportID = rec.ID
				return res, ingest.ErrFormatRejected
			}
		}
	}

	probe := parser.ProbeFile(item.Path, c.logger)
	matcher := profile.NewMatcher(c.profiles, cfg.Profiles.Scoring, c.logger)
	prof, report := matcher.Match(item.Filename, probe)
	c.metrics.ProfileMatch(report.Winner, prof != nil)
	rec.SetMeta("profile_report", report)
	if prof == nil {
		rec.Status = model.ImportProfileNotConfident
		rec.ErrorMessage = "no confident profile match"
		rec.RawPayload = payloadSample(item.Path, probe)
		if err := c.saveTerminal(ctx, rec); err != nil {
			return res, err
		}
		res.ImportID = rec.ID
		return res, ingest.ErrProfileNotConfident
	}
	rec.ProfileID = prof.ProfileID

	// The record is committed before any heavy work so a crash always
	// leaves a trace.
	rec.Status = model.ImportPending
	if err := c.saveTerminal(ctx, rec); err != nil {
		return res, err
	}
	res.ImportID = rec.ID

	events, err := c.parse(item, prof, cfg)
	if err != nil {
		rec.Status = model.ImportError
		rec.ErrorMessage = err.Error()
		rec.RawPayload = payloadSample(item.Path, probe)
		if uerr := c.store.UpdateImport(ctx, rec); uerr != nil {
			c.log(slog.LevelError, "record parser failure", "import_id", rec.ID, "err", uerr)
		}
		return res, fmt.Errorf("%w: %w", ingest.ErrParserFailure, err)
	}

	kept, dups, batch, err := c.enrich(ctx, cfg, events)
	if err != nil {
		return res, c.crash(ctx, rec, err)
	}
	res.Duplicates = dups

	if err := c.persist(ctx, adapter, rec, kept, replay, &res); err != nil {
		return res, c.crash(ctx, rec, err)
	}
	if err := batch.Commit(ctx); err != nil {
		c.log(slog.LevelWarn, "dedup counters not updated", "import_id", rec.ID, "err", err)
	}
	res.events = kept
	c.metrics.EventsIngested(adapter, res.Events)
	return res, nil
}

func (c *Coordinator) parse(item model.SourceItem, prof *profile.Profile, cfg *config.Config) ([]model.CanonicalEvent, error) {
	p, err := parser.ForExtension(item.Ext())
	if err != nil {
		return nil, err
	}
	opts := parser.OptionsFor(prof, normalize.LoadLocation(cfg.Profiles.DefaultTimezone))
	return p.Parse(item.Path, opts)
}

// enrich normalizes, tags and deduplicates parsed events. Duplicates are
// dropped unless replay mode is on. The returned batch must be committed
// after the events are persisted.
func (c *Coordinator) enrich(ctx context.Context, cfg *config.Config, events []model.CanonicalEvent) ([]*model.CanonicalEvent, int, *dedupe.Batch, error) {
	norm := c.normalizerFor()
	dedup := dedupe.NewService(c.counter, cfg.Dedup).NewBatch()
	kept := make([]*model.CanonicalEvent, 0, len(events))
	dups := 0
	for i := range events {
		ev := &events[i]
		norm.Apply(ev)
		if c.tagging != nil {
			c.tagging.Tag(ev)
		}
		dr, err := dedup.Check(ctx, ev)
		if err != nil {
			return nil, 0, nil, fmt.Errorf("dedup: %w", err)
		}
		if dr.Duplicate() {
			dups++
			if dr.Raw {
				c.metrics.Duplicate("raw")
			}
			if dr.Burst {
				c.metrics.Duplicate("burst")
			}
			if !cfg.Ingestion.ReplayMode {
				continue
			}
		}
		kept = append(kept, ev)
	}
	return kept, dups, dedup, nil
}

// persist writes events and runs every evaluation stage in one transaction.
func (c *Coordinator) persist(ctx context.Context, adapter string, rec *model.ImportRecord, events []*model.CanonicalEvent, replay bool, res *Result) (err error) {
	defer func() {
		if p := recover(); p != nil {
			err = fmt.Errorf("panic: %v", p)
		}
	}()
	return c.store.WithTx(ctx, func(tx *storage.Tx) error {
		if replay {
			if err := tx.DeleteImportData(ctx, rec.ID); err != nil {
				return err
			}
		}
		if err := tx.InsertEvents(ctx, rec.ID, events); err != nil {
			return err
		}
		rules, err := tx.ActiveRules(ctx)
		if err != nil {
			return err
		}

		start := time.Now()
		for _, ev := range events {
			alerts, aerr := c.alerting.ProcessEvent(ctx, tx, ev, rules)
			res.Alerts += len(alerts)
			if aerr != nil {
				c.log(slog.LevelWarn, "alerting errors", "import_id", rec.ID, "event_id", ev.ID, "err", aerr)
			}
		}
		stats, err := c.rules.EvaluateBatch(ctx, tx, events)
		if err != nil {
			return fmt.Errorf("business rules: %w", err)
		}
		elapsed := time.Since(start)
		c.metrics.ObserveRuleEngine(elapsed)
		c.log(slog.LevelInfo, "rule engine done", "event", "rule_engine_duration", "adapter", adapter,
			"import_id", rec.ID, "duration_ms", elapsed.Milliseconds(), "events", len(events), "alerts", res.Alerts,
			"v1_hits", stats.V1Hits, "v2_hits", stats.V2Hits)

		inc, err := c.incidents.ProcessImport(ctx, tx, rec.ID)
		if err != nil {
			return fmt.Errorf("incidents: %w", err)
		}

		res.Events = len(events)
		res.Unmatched = inc.Unmatched
		rec.Status = model.ImportSuccess
		rec.EventsCount = res.Events
		rec.DuplicatesCount = res.Duplicates
		rec.UnmatchedCount = inc.Unmatched
		rec.ErrorMessage = ""
		rec.SetMeta("incidents_opened", inc.Opened)
		rec.SetMeta("incidents_closed", inc.Closed)
		rec.SetMeta("alerts", res.Alerts)
		if err := tx.UpdateImport(ctx, rec); err != nil {
			return err
		}
		if rec.ProviderID > 0 {
			return tx.TouchProviderImport(ctx, rec.ProviderID, time.Now().UTC())
		}
		return nil
	})
}

// crash forces the committed record to ERROR outside the rolled back
// transaction.
func (c *Coordinator) crash(ctx context.Context, rec *model.ImportRecord, cause error) error {
	root := cause
	for next := errors.Unwrap(root); next != nil; next = errors.Unwrap(root) {
		root = next
	}
	msg := fmt.Sprintf("%T: %v", root, cause)
	if err := c.store.ForceImportError(context.WithoutCancel(ctx), rec.ID, msg); err != nil {
		c.log(slog.LevelError, "force import error failed", "import_id", rec.ID, "err", err)
	}
	return fmt.Errorf("%w: %w", ingest.ErrProcessingCrash, cause)
}

// payloadSample keeps a diagnostic excerpt: probe text for binary formats,
// leading bytes for text exports.
func payloadSample(path string, probe profile.Probe) string {
	if probe.Text != "" {
		return probe.Text
	}
	if !parser.IsZip(path) && !strings.HasSuffix(strings.ToLower(path), ".pdf") {
		if f, err := os.Open(path); err == nil {
			defer f.Close()
			buf, _ := io.ReadAll(io.LimitReader(f, storage.MaxPayloadBytes))
			if len(buf) > 0 {
				return strings.ToValidUTF8(string(buf), "?")
			}
		}
	}
	return strings.Join(probe.Headers, "\t")
}

// crashVerdict escalates a repeatedly crashing file to a terminal error.
func (c *Coordinator) crashVerdict(hash string, outcome ingest.Outcome) ingest.Outcome {
	c.mu.Lock()
	defer c.mu.Unlock()
	if outcome != ingest.OutcomeRetry || hash == "" {
		delete(c.crashes, hash)
		return outcome
	}
	c.crashes[hash]++
	if c.crashes[hash] >= maxCrashAttempts {
		delete(c.crashes, hash)
		return ingest.OutcomeError
	}
	return outcome
}
