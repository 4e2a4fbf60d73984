package ingest

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"sync"
	"time"

	"alarmguard/internal/archive"
	"alarmguard/internal/config"
	"alarmguard/internal/model"
)

const (
	CleanupMove   = "MOVE"
	CleanupDelete = "DELETE"
)

// EmailStore is the persistence the email adapter needs.
type EmailStore interface {
	ArchiveRecorder
	Bookmark(ctx context.Context, folder string) (uint32, error)
	SetBookmark(ctx context.Context, folder string, uid uint32) error
	ImportProcessedByMessageID(ctx context.Context, messageID string) (bool, error)
}

// CleanupState tracks a processed message on its way out of the inbox.
type CleanupState int

const (
	StateFound CleanupState = iota
	StateCopied
	StateFlagged
	StateExpunged
)

func (s CleanupState) String() string {
	switch s {
	case StateCopied:
		return "copied"
	case StateFlagged:
		return "flagged"
	case StateExpunged:
		return "expunged"
	}
	return "found"
}

// cleanup removes one message from the inbox. A failed step leaves State
// where it stopped so the next attempt resumes there; the delete flag is
// never set before the copy succeeded.
type cleanup struct {
	UID   uint32
	Mode  string
	Dest  string
	State CleanupState
}

func (c *cleanup) advance(mb Mailbox) error {
	for c.State != StateExpunged {
		switch c.State {
		case StateFound:
			if c.Mode == CleanupMove {
				if err := mb.Copy(c.UID, c.Dest); err != nil {
					return fmt.Errorf("copy uid %d to %s: %w", c.UID, c.Dest, err)
				}
			}
			c.State = StateCopied
		case StateCopied:
			if err := mb.AddFlag(c.UID, FlagDeleted); err != nil {
				return fmt.Errorf("flag uid %d deleted: %w", c.UID, err)
			}
			c.State = StateFlagged
		case StateFlagged:
			if err := mb.Expunge(); err != nil {
				return fmt.Errorf("expunge uid %d: %w", c.UID, err)
			}
			c.State = StateExpunged
		}
	}
	return nil
}

type pendingMessage struct {
	remaining int
	outcomes  []Outcome
	settled   bool
	final     bool
	dir       string
}

// Email polls an IMAP folder and hands out the supported attachments of
// each new message. The folder bookmark advances over the longest prefix
// of finally settled messages.
type Email struct {
	cfg       config.EmailConfig
	dial      Dialer
	store     EmailStore
	archiver  *archive.Archiver
	logger    *slog.Logger
	whitelist map[string]bool
	exts      map[string]bool

	mu       sync.Mutex
	order    []uint32
	pending  map[uint32]*pendingMessage
	cleanups map[uint32]*cleanup
}

func NewEmail(cfg config.EmailConfig, dial Dialer, store EmailStore, archiver *archive.Archiver, logger *slog.Logger) *Email {
	e := &Email{
		cfg:       cfg,
		dial:      dial,
		store:     store,
		archiver:  archiver,
		logger:    logger,
		whitelist: make(map[string]bool),
		exts:      make(map[string]bool),
		pending:   make(map[uint32]*pendingMessage),
		cleanups:  make(map[uint32]*cleanup),
	}
	for _, s := range cfg.WhitelistSenders {
		if s = strings.ToLower(strings.TrimSpace(s)); s != "" {
			e.whitelist[s] = true
		}
	}
	for _, x := range cfg.Extensions {
		x = strings.ToLower(strings.TrimSpace(x))
		if x != "" && !strings.HasPrefix(x, ".") {
			x = "." + x
		}
		e.exts[x] = true
	}
	return e
}

func (e *Email) Name() string {
	return model.OriginEmail
}

func (e *Email) allowed(sender string) bool {
	return len(e.whitelist) == 0 || e.whitelist[strings.ToLower(sender)]
}

func (e *Email) Poll(ctx context.Context, runID string) ([]model.SourceItem, error) {
	mb, err := e.dial(ctx)
	if err != nil {
		return nil, err
	}
	defer func() {
		if err := mb.Logout(); err != nil && e.logger != nil {
			e.logger.Debug("imap logout", "err", err)
		}
	}()
	folder := e.cfg.Folder
	if err := mb.Select(folder); err != nil {
		return nil, fmt.Errorf("select %s: %w", folder, err)
	}
	e.resumeCleanups(mb)

	last, err := e.store.Bookmark(ctx, folder)
	if err != nil {
		return nil, err
	}
	msgs, err := mb.FetchAfter(last)
	if err != nil {
		return nil, err
	}

	e.mu.Lock()
	e.order = e.order[:0]
	e.pending = make(map[uint32]*pendingMessage)
	e.mu.Unlock()

	var items []model.SourceItem
	for _, msg := range msgs {
		correlation := "email:" + msg.MessageID
		if msg.MessageID == "" {
			correlation = "email:" + strconv.FormatUint(uint64(msg.UID), 10)
		}
		processed, err := e.store.ImportProcessedByMessageID(ctx, correlation)
		if err != nil {
			if e.logger != nil {
				e.logger.Error("processed check failed", "uid", msg.UID, "run_id", runID, "err", err)
			}
			e.track(msg.UID, &pendingMessage{settled: true})
			continue
		}
		if processed {
			if e.logger != nil {
				e.logger.Debug("message already processed", "uid", msg.UID, "run_id", runID)
			}
			e.track(msg.UID, &pendingMessage{settled: true, final: true})
			continue
		}
		if !e.allowed(msg.From) {
			if e.logger != nil {
				e.logger.Warn("sender not whitelisted", "event", "filter_decision", "sender", msg.From, "uid", msg.UID, "run_id", runID)
			}
			e.track(msg.UID, &pendingMessage{settled: true, final: true})
			continue
		}
		msgItems, dir, err := e.saveAttachments(msg, runID, correlation)
		if err != nil {
			if e.logger != nil {
				e.logger.Error("attachment extraction failed", "uid", msg.UID, "run_id", runID, "err", err)
			}
			e.track(msg.UID, &pendingMessage{settled: true, dir: dir})
			continue
		}
		if len(msgItems) == 0 {
			e.track(msg.UID, &pendingMessage{settled: true, final: true, dir: dir})
			continue
		}
		e.track(msg.UID, &pendingMessage{remaining: len(msgItems), dir: dir})
		items = append(items, msgItems...)
	}
	e.advanceBookmark(ctx)
	return items, nil
}

func (e *Email) track(uid uint32, p *pendingMessage) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.order = append(e.order, uid)
	e.pending[uid] = p
}

func (e *Email) saveAttachments(msg Message, runID, correlation string) ([]model.SourceItem, string, error) {
	dir := filepath.Join(e.cfg.TempDir, strconv.FormatUint(uint64(msg.UID), 10))
	var items []model.SourceItem
	for _, att := range msg.Attachments {
		name := filepath.Base(filepath.Clean("/" + att.Filename))
		if name == "/" || name == "." || !e.exts[strings.ToLower(filepath.Ext(name))] {
			continue
		}
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, dir, err
		}
		path := filepath.Join(dir, name)
		if err := os.WriteFile(path, att.Data, 0o644); err != nil {
			return nil, dir, err
		}
		items = append(items, model.SourceItem{
			Path:          path,
			Filename:      name,
			Size:          int64(len(att.Data)),
			ModTime:       time.Now().UTC(),
			Origin:        model.OriginEmail,
			CorrelationID: correlation,
			Metadata: map[string]string{
				model.ItemSender:     msg.From,
				model.ItemSubject:    msg.Subject,
				model.ItemIMAPUID:    strconv.FormatUint(uint64(msg.UID), 10),
				model.ItemMessageID:  msg.MessageID,
				model.ItemIMAPFolder: e.cfg.Folder,
				model.ItemPollRunID:  runID,
			},
		})
	}
	return items, dir, nil
}

// advanceBookmark moves the folder bookmark over settled final messages
// and stops at the first one still pending or retryable.
func (e *Email) advanceBookmark(ctx context.Context) {
	e.mu.Lock()
	var mark uint32
	i := 0
	for ; i < len(e.order); i++ {
		p := e.pending[e.order[i]]
		if p == nil || !p.settled || !p.final {
			break
		}
		mark = e.order[i]
	}
	e.mu.Unlock()
	if mark == 0 {
		return
	}
	if err := e.store.SetBookmark(ctx, e.cfg.Folder, mark); err != nil && e.logger != nil {
		e.logger.Error("bookmark update failed", "folder", e.cfg.Folder, "uid", mark, "err", err)
	}
}

// Ack settles one attachment. Once every attachment of a message is
// acknowledged the message is cleaned up (success), marked seen
// (duplicate, unmatched, ignored) or left alone (error, retry).
func (e *Email) Ack(ctx context.Context, item model.SourceItem, ack Ack) error {
	var fileErr error
	if ack.Outcome.Final() {
		fileErr = settleFile(ctx, e.archiver, e.store, item, ack, e.logger)
	}
	if e.archiver == nil || !ack.Outcome.Final() {
		if err := os.Remove(item.Path); err != nil && !errors.Is(err, os.ErrNotExist) && fileErr == nil {
			fileErr = err
		}
	}

	uid64, err := strconv.ParseUint(item.Meta(model.ItemIMAPUID), 10, 32)
	if err != nil {
		return fileErr
	}
	uid := uint32(uid64)
	e.mu.Lock()
	p := e.pending[uid]
	if p == nil {
		e.mu.Unlock()
		return fileErr
	}
	p.outcomes = append(p.outcomes, ack.Outcome)
	p.remaining--
	done := p.remaining <= 0
	if done {
		p.settled = true
		p.final = allFinal(p.outcomes)
	}
	e.mu.Unlock()
	if !done {
		return fileErr
	}
	if p.dir != "" {
		_ = os.Remove(p.dir)
	}
	if !p.final {
		return fileErr
	}
	actionErr := e.finish(ctx, uid, p.outcomes)
	e.advanceBookmark(ctx)
	return errors.Join(fileErr, actionErr)
}

func allFinal(outcomes []Outcome) bool {
	for _, o := range outcomes {
		if !o.Final() {
			return false
		}
	}
	return true
}

func (e *Email) finish(ctx context.Context, uid uint32, outcomes []Outcome) error {
	success, seen := false, true
	for _, o := range outcomes {
		switch o {
		case OutcomeSuccess:
			success = true
		case OutcomeDuplicate, OutcomeUnmatched, OutcomeIgnored:
		default:
			seen = false
		}
	}
	if !success && !seen {
		return nil
	}
	mb, err := e.dial(ctx)
	if err != nil {
		return err
	}
	defer mb.Logout()
	if err := mb.Select(e.cfg.Folder); err != nil {
		return err
	}
	if !success {
		return mb.AddFlag(uid, FlagSeen)
	}
	c := &cleanup{UID: uid, Mode: e.cfg.CleanupMode, Dest: e.cfg.ProcessedFolder}
	return e.runCleanup(mb, c)
}

func (e *Email) runCleanup(mb Mailbox, c *cleanup) error {
	err := c.advance(mb)
	e.mu.Lock()
	if err != nil {
		e.cleanups[c.UID] = c
	} else {
		delete(e.cleanups, c.UID)
	}
	e.mu.Unlock()
	if err != nil && e.logger != nil {
		e.logger.Warn("imap cleanup frozen", "uid", c.UID, "state", c.State.String(), "err", err)
	}
	return err
}

// resumeCleanups retries frozen cleanups from the state they stopped in.
func (e *Email) resumeCleanups(mb Mailbox) {
	e.mu.Lock()
	frozen := make([]*cleanup, 0, len(e.cleanups))
	for _, c := range e.cleanups {
		frozen = append(frozen, c)
	}
	e.mu.Unlock()
	for _, c := range frozen {
		_ = e.runCleanup(mb, c)
	}
}
