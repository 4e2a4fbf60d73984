package businessrules

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"alarmguard/internal/alerting"
	"alarmguard/internal/model"
	"alarmguard/internal/storage"
)

const (
	ReplayReplace = "REPLACE"
	ReplayFull    = "FULL"
)

var ErrFullReplayForbidden = errors.New("FULL replay is forbidden: enable replay_allow_full_clear and pass force")

type ReplayOptions struct {
	Mode      string
	Force     bool
	BatchSize int
	From      *time.Time
	To        *time.Time
}

type ReplayResult struct {
	Status          string `json:"status"`
	Mode            string `json:"mode"`
	EventsProcessed int    `json:"events_processed"`
	HitsBefore      int    `json:"hits_before"`
	HitsAfter       int    `json:"hits_after"`
	Delta           int    `json:"delta"`
	Stats           Stats  `json:"stats"`
}

// AlertEvaluator re-runs the alerting rules of a replayed event.
type AlertEvaluator interface {
	ProcessEvent(ctx context.Context, repo alerting.Repository, ev *model.CanonicalEvent, rules []model.AlertRule) ([]model.Alert, error)
}

// Replay re-evaluates persisted events whose creation time falls in the
// range. REPLACE clears and recomputes hits one batch at a time, each batch
// in its own transaction. FULL clears every hit first. alerts may be nil.
func (e *Engine) Replay(ctx context.Context, store *storage.Store, opts ReplayOptions, alerts AlertEvaluator) (ReplayResult, error) {
	mode := strings.ToUpper(strings.TrimSpace(opts.Mode))
	if mode == "" {
		mode = ReplayReplace
	}
	if mode != ReplayReplace && mode != ReplayFull {
		return ReplayResult{}, fmt.Errorf("unknown replay mode %q", opts.Mode)
	}
	res := ReplayResult{Mode: mode}

	b, err := e.prepare(ctx, store)
	if err != nil {
		return res, err
	}
	if mode == ReplayFull && !(b.settings.ReplayAllowFullClear && opts.Force) {
		if e.logger != nil {
			e.logger.Error("full replay refused", "event", "replay_forbidden", "force", opts.Force,
				"allow_full_clear", b.settings.ReplayAllowFullClear)
		}
		return res, ErrFullReplayForbidden
	}
	batchSize := opts.BatchSize
	if batchSize <= 0 {
		batchSize = 500
	}

	if res.HitsBefore, err = store.CountHits(ctx); err != nil {
		return res, err
	}
	if mode == ReplayFull {
		n, err := store.DeleteAllHits(ctx)
		if err != nil {
			return res, fmt.Errorf("clear hits: %w", err)
		}
		if e.logger != nil {
			e.logger.Info("hits cleared", "event", "replay_full_clear", "deleted", n)
		}
	}
	if e.logger != nil {
		e.logger.Info("replay started", "event", "replay_start", "mode", mode, "batch_size", batchSize)
	}

	var afterID int64
	for {
		if err := ctx.Err(); err != nil {
			return res, err
		}
		events, err := store.ListEvents(ctx, storage.EventPage{AfterID: afterID, Limit: batchSize, From: opts.From, To: opts.To})
		if err != nil {
			return res, fmt.Errorf("list events after %d: %w", afterID, err)
		}
		if len(events) == 0 {
			break
		}
		afterID = events[len(events)-1].ID

		err = store.WithTx(ctx, func(tx *storage.Tx) error {
			if mode == ReplayReplace {
				ids := make([]int64, len(events))
				for i, ev := range events {
					ids[i] = ev.ID
				}
				if _, err := tx.DeleteHitsForEvents(ctx, ids); err != nil {
					return err
				}
			}
			st, err := e.evaluate(ctx, tx, b, events)
			res.Stats.add(st)
			if err != nil {
				return err
			}
			if alerts != nil {
				for _, ev := range events {
					if _, err := alerts.ProcessEvent(ctx, tx, ev, b.rules); err != nil && e.logger != nil {
						e.logger.Warn("replay alerting failed", "event_id", ev.ID, "error", err)
					}
				}
			}
			return nil
		})
		if err != nil {
			return res, fmt.Errorf("replay batch ending at event %d: %w", afterID, err)
		}
		res.EventsProcessed += len(events)
		if e.logger != nil {
			e.logger.Info("replay progress", "event", "replay_progress", "processed", res.EventsProcessed)
		}
	}

	if res.HitsAfter, err = store.CountHits(ctx); err != nil {
		return res, err
	}
	res.Delta = res.HitsAfter - res.HitsBefore
	if mode == ReplayFull {
		res.Delta = res.HitsAfter
	}
	res.Status = "SUCCESS"
	if e.logger != nil {
		e.logger.Info("replay done", "event", "replay_done", "mode", mode, "processed", res.EventsProcessed,
			"hits_before", res.HitsBefore, "hits_after", res.HitsAfter)
	}
	return res, nil
}
