package ingest

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"alarmguard/internal/archive"
	"alarmguard/internal/config"
	"alarmguard/internal/model"
)

const sidecarSuffix = ".meta.json"

// sidecar is the optional <file>.meta.json written next to a dropped file.
type sidecar struct {
	SenderEmail     string `json:"sender_email"`
	Subject         string `json:"subject"`
	SourceMessageID string `json:"source_message_id"`
	MessageID       string `json:"message_id"`
}

// Dropbox polls a directory for alarm files.
type Dropbox struct {
	dir      string
	exts     map[string]bool
	archiver *archive.Archiver
	recorder ArchiveRecorder
	logger   *slog.Logger
}

func NewDropbox(cfg config.DropboxConfig, archiver *archive.Archiver, recorder ArchiveRecorder, logger *slog.Logger) *Dropbox {
	exts := make(map[string]bool, len(cfg.Extensions))
	for _, e := range cfg.Extensions {
		e = strings.ToLower(strings.TrimSpace(e))
		if e != "" && !strings.HasPrefix(e, ".") {
			e = "." + e
		}
		exts[e] = true
	}
	return &Dropbox{dir: cfg.InboxDir, exts: exts, archiver: archiver, recorder: recorder, logger: logger}
}

func (d *Dropbox) Name() string {
	return model.OriginDropbox
}

// Poll lists supported files oldest first.
func (d *Dropbox) Poll(ctx context.Context, runID string) ([]model.SourceItem, error) {
	if err := os.MkdirAll(d.dir, 0o755); err != nil {
		return nil, fmt.Errorf("dropbox dir: %w", err)
	}
	entries, err := os.ReadDir(d.dir)
	if err != nil {
		return nil, fmt.Errorf("read dropbox: %w", err)
	}
	var items []model.SourceItem
	for _, entry := range entries {
		if entry.IsDir() || strings.HasSuffix(entry.Name(), sidecarSuffix) {
			continue
		}
		if !d.exts[strings.ToLower(filepath.Ext(entry.Name()))] {
			continue
		}
		info, err := entry.Info()
		if err != nil {
			continue
		}
		path := filepath.Join(d.dir, entry.Name())
		item := model.SourceItem{
			Path:     path,
			Filename: entry.Name(),
			Size:     info.Size(),
			ModTime:  info.ModTime().UTC(),
			Origin:   model.OriginDropbox,
			Metadata: map[string]string{model.ItemPollRunID: runID},
		}
		d.applySidecar(&item)
		items = append(items, item)
	}
	sort.SliceStable(items, func(i, j int) bool {
		if items[i].ModTime.Equal(items[j].ModTime) {
			return items[i].Filename < items[j].Filename
		}
		return items[i].ModTime.Before(items[j].ModTime)
	})
	return items, nil
}

func (d *Dropbox) applySidecar(item *model.SourceItem) {
	data, err := os.ReadFile(item.Path + sidecarSuffix)
	if err != nil {
		return
	}
	var meta sidecar
	if err := json.Unmarshal(data, &meta); err != nil {
		if d.logger != nil {
			d.logger.Error("sidecar unreadable", "file", item.Filename, "err", err)
		}
		return
	}
	if meta.SenderEmail != "" {
		item.Metadata[model.ItemSender] = meta.SenderEmail
	}
	if meta.Subject != "" {
		item.Metadata[model.ItemSubject] = meta.Subject
	}
	if meta.MessageID != "" {
		item.Metadata[model.ItemMessageID] = meta.MessageID
	}
	item.CorrelationID = meta.SourceMessageID
}

// Ack archives finally processed files with their sidecar. Retryable items
// stay in the inbox.
func (d *Dropbox) Ack(ctx context.Context, item model.SourceItem, ack Ack) error {
	if !ack.Outcome.Final() {
		return nil
	}
	if err := settleFile(ctx, d.archiver, d.recorder, item, ack, d.logger); err != nil {
		return err
	}
	if rmErr := os.Remove(item.Path + sidecarSuffix); rmErr != nil && !os.IsNotExist(rmErr) && d.logger != nil {
		d.logger.Warn("sidecar cleanup failed", "file", item.Filename, "err", rmErr)
	}
	return nil
}
