package ingest

import (
	"context"
	"errors"
	"log/slog"
	"os"
	"time"

	"alarmguard/internal/archive"
	"alarmguard/internal/model"
)

// Outcome is the final state of one source item as seen by its adapter.
type Outcome string

const (
	OutcomeSuccess   Outcome = "success"
	OutcomeDuplicate Outcome = "duplicate"
	OutcomeIgnored   Outcome = "ignored"
	OutcomeUnmatched Outcome = "unmatched"
	OutcomeError     Outcome = "error"
	OutcomeRetry     Outcome = "retry"
	OutcomeSkipped   Outcome = "skipped"
)

// Final reports whether the source may forget the item. Retry and skipped
// items stay in place for the next poll cycle.
func (o Outcome) Final() bool {
	return o != OutcomeRetry && o != OutcomeSkipped
}

// Ack carries the coordinator's verdict back to the adapter.
type Ack struct {
	Outcome  Outcome
	ImportID int64
	Reason   string
}

// Adapter discovers source items and acknowledges them once processed.
type Adapter interface {
	Name() string
	Poll(ctx context.Context, runID string) ([]model.SourceItem, error)
	Ack(ctx context.Context, item model.SourceItem, ack Ack) error
}

// ArchiveRecorder stores where an import's source file ended up.
type ArchiveRecorder interface {
	UpdateImportArchive(ctx context.Context, id int64, path, hash, status string, at time.Time) error
}

func archiveKind(o Outcome) archive.Kind {
	switch o {
	case OutcomeSuccess:
		return archive.KindSuccess
	case OutcomeDuplicate:
		return archive.KindDuplicate
	case OutcomeIgnored, OutcomeUnmatched:
		return archive.KindUnmatched
	}
	return archive.KindError
}

// settleFile archives a finally acknowledged file, or removes it when no
// archiver is configured, and records the result on the import.
func settleFile(ctx context.Context, arch *archive.Archiver, rec ArchiveRecorder, item model.SourceItem, ack Ack, logger *slog.Logger) error {
	if arch == nil {
		if err := os.Remove(item.Path); err != nil && !errors.Is(err, os.ErrNotExist) {
			return err
		}
		return nil
	}
	res, err := arch.Archive(ctx, item.Path, archiveKind(ack.Outcome))
	status := archive.StatusArchived
	if err != nil {
		status = archive.StatusFailed
		if logger != nil {
			logger.Error("archive failed", "file", item.Filename, "outcome", ack.Outcome, "err", err)
		}
	}
	// Duplicates keep the archive data of the original import.
	if rec != nil && ack.ImportID > 0 && ack.Outcome != OutcomeDuplicate {
		if uerr := rec.UpdateImportArchive(ctx, ack.ImportID, res.Path, res.Hash, status, time.Now().UTC()); uerr != nil && logger != nil {
			logger.Warn("record archive failed", "import_id", ack.ImportID, "err", uerr)
		}
	}
	return err
}

func BackoffSleep(ctx context.Context, d time.Duration) bool {
	if d <= 0 {
		d = 200 * time.Millisecond
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-t.C:
		return true
	case <-ctx.Done():
		return false
	}
}
