package ingest

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"testing"
	"time"

	"alarmguard/internal/archive"
	"alarmguard/internal/config"
	"alarmguard/internal/model"
	"alarmguard/internal/parser"
)

type fakeMailbox struct {
	messages []Message
	calls    []string
	failCopy int
}

func (m *fakeMailbox) Select(folder string) error {
	m.calls = append(m.calls, "select "+folder)
	return nil
}

func (m *fakeMailbox) FetchAfter(uid uint32) ([]Message, error) {
	var out []Message
	for _, msg := range m.messages {
		if msg.UID > uid {
			out = append(out, msg)
		}
	}
	return out, nil
}

func (m *fakeMailbox) Copy(uid uint32, folder string) error {
	if m.failCopy > 0 {
		m.failCopy--
		return errors.New("NO [TRYCREATE]")
	}
	m.calls = append(m.calls, fmt.Sprintf("copy %d %s", uid, folder))
	return nil
}

func (m *fakeMailbox) AddFlag(uid uint32, flag string) error {
	m.calls = append(m.calls, fmt.Sprintf("flag %d %s", uid, flag))
	return nil
}

func (m *fakeMailbox) Expunge() error {
	m.calls = append(m.calls, "expunge")
	return nil
}

func (m *fakeMailbox) Logout() error { return nil }

type fakeEmailStore struct {
	bookmarks map[string]uint32
	processed map[string]bool
	archived  map[int64]string
}

func newFakeEmailStore() *fakeEmailStore {
	return &fakeEmailStore{bookmarks: map[string]uint32{}, processed: map[string]bool{}, archived: map[int64]string{}}
}

func (s *fakeEmailStore) Bookmark(ctx context.Context, folder string) (uint32, error) {
	return s.bookmarks[folder], nil
}

func (s *fakeEmailStore) SetBookmark(ctx context.Context, folder string, uid uint32) error {
	if uid > s.bookmarks[folder] {
		s.bookmarks[folder] = uid
	}
	return nil
}

func (s *fakeEmailStore) ImportProcessedByMessageID(ctx context.Context, id string) (bool, error) {
	return s.processed[id], nil
}

func (s *fakeEmailStore) UpdateImportArchive(ctx context.Context, id int64, path, hash, status string, at time.Time) error {
	s.archived[id] = status
	return nil
}

func testEmailConfig(t *testing.T) config.EmailConfig {
	cfg := config.DefaultConfig().Ingestion.Email
	cfg.TempDir = t.TempDir()
	cfg.WhitelistSenders = []string{"alarms@provider.example"}
	return cfg
}

func testEmail(t *testing.T, mb *fakeMailbox, store *fakeEmailStore) *Email {
	t.Helper()
	dial := func(ctx context.Context) (Mailbox, error) { return mb, nil }
	return NewEmail(testEmailConfig(t), dial, store, nil, nil)
}

func attachmentMessage(uid uint32, from string) Message {
	return Message{
		UID:       uid,
		MessageID: fmt.Sprintf("m%d@provider.example", uid),
		From:      from,
		Subject:   "Rapport",
		Attachments: []Attachment{
			{Filename: "report.xls", Data: []byte(fmt.Sprintf("data-%d", uid))},
			{Filename: "logo.png", Data: []byte("png")},
		},
	}
}

func TestEmailPollFiltersAndExtracts(t *testing.T) {
	mb := &fakeMailbox{messages: []Message{
		attachmentMessage(1, "stranger@elsewhere.example"),
		attachmentMessage(2, "alarms@provider.example"),
		attachmentMessage(3, "alarms@provider.example"),
	}}
	store := newFakeEmailStore()
	store.processed["email:m3@provider.example"] = true
	e := testEmail(t, mb, store)

	items, err := e.Poll(context.Background(), "run1")
	if err != nil {
		t.Fatalf("poll: %v", err)
	}
	if len(items) != 1 || items[0].Filename != "report.xls" {
		t.Fatalf("items: %+v", items)
	}
	it := items[0]
	if it.CorrelationID != "email:m2@provider.example" || it.Meta(model.ItemIMAPUID) != "2" || it.Meta(model.ItemPollRunID) != "run1" {
		t.Fatalf("provenance: %+v", it)
	}
	if _, err := os.Stat(it.Path); err != nil {
		t.Fatalf("attachment not written: %v", err)
	}
	if store.bookmarks["INBOX"] != 1 {
		t.Fatalf("bookmark should stop before the pending message, got %d", store.bookmarks["INBOX"])
	}
}

func TestEmailAckSuccessMovesThenAdvancesBookmark(t *testing.T) {
	mb := &fakeMailbox{messages: []Message{attachmentMessage(7, "alarms@provider.example")}}
	store := newFakeEmailStore()
	e := testEmail(t, mb, store)
	items, err := e.Poll(context.Background(), "run")
	if err != nil || len(items) != 1 {
		t.Fatalf("poll: %v %d", err, len(items))
	}
	mb.calls = nil
	if err := e.Ack(context.Background(), items[0], Ack{Outcome: OutcomeSuccess, ImportID: 1}); err != nil {
		t.Fatalf("ack: %v", err)
	}
	want := []string{"select INBOX", "copy 7 Processed", `flag 7 \Deleted`, "expunge"}
	if fmt.Sprint(mb.calls) != fmt.Sprint(want) {
		t.Fatalf("calls: %v", mb.calls)
	}
	if store.bookmarks["INBOX"] != 7 {
		t.Fatalf("bookmark: %d", store.bookmarks["INBOX"])
	}
	if _, err := os.Stat(items[0].Path); !errors.Is(err, os.ErrNotExist) {
		t.Fatalf("temp attachment should be removed")
	}
}

func TestEmailCopyFailureFreezesThenResumes(t *testing.T) {
	mb := &fakeMailbox{messages: []Message{attachmentMessage(4, "alarms@provider.example")}, failCopy: 1}
	store := newFakeEmailStore()
	e := testEmail(t, mb, store)
	items, _ := e.Poll(context.Background(), "run")
	mb.calls = nil
	if err := e.Ack(context.Background(), items[0], Ack{Outcome: OutcomeSuccess, ImportID: 1}); err == nil {
		t.Fatalf("copy failure should surface")
	}
	for _, c := range mb.calls {
		if c == `flag 4 \Deleted` {
			t.Fatalf("delete flag set before copy confirmed: %v", mb.calls)
		}
	}
	if c := e.cleanups[4]; c == nil || c.State != StateFound {
		t.Fatalf("cleanup should be frozen at found: %+v", c)
	}

	store.processed["email:m4@provider.example"] = true
	mb.calls = nil
	if _, err := e.Poll(context.Background(), "run2"); err != nil {
		t.Fatalf("second poll: %v", err)
	}
	if len(e.cleanups) != 0 {
		t.Fatalf("frozen cleanup should have completed")
	}
	if mb.calls[1] != "copy 4 Processed" {
		t.Fatalf("resume calls: %v", mb.calls)
	}
}

func TestEmailDuplicateMarksSeenAndRetryHoldsBookmark(t *testing.T) {
	mb := &fakeMailbox{messages: []Message{
		attachmentMessage(1, "alarms@provider.example"),
		attachmentMessage(2, "alarms@provider.example"),
	}}
	store := newFakeEmailStore()
	e := testEmail(t, mb, store)
	items, _ := e.Poll(context.Background(), "run")
	if len(items) != 2 {
		t.Fatalf("items: %d", len(items))
	}
	if err := e.Ack(context.Background(), items[0], Ack{Outcome: OutcomeRetry}); err != nil {
		t.Fatalf("ack retry: %v", err)
	}
	mb.calls = nil
	if err := e.Ack(context.Background(), items[1], Ack{Outcome: OutcomeDuplicate, ImportID: 9}); err != nil {
		t.Fatalf("ack duplicate: %v", err)
	}
	if fmt.Sprint(mb.calls) != fmt.Sprint([]string{"select INBOX", `flag 2 \Seen`}) {
		t.Fatalf("calls: %v", mb.calls)
	}
	if store.bookmarks["INBOX"] != 0 {
		t.Fatalf("retryable message must hold the bookmark, got %d", store.bookmarks["INBOX"])
	}
}

func TestDropboxPollOrderSidecarAndAck(t *testing.T) {
	dir := t.TempDir()
	base := time.Date(2026, 1, 27, 10, 0, 0, 0, time.UTC)
	write := func(name, content string, mtime time.Time) string {
		path := filepath.Join(dir, name)
		if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
			t.Fatalf("write: %v", err)
		}
		if err := os.Chtimes(path, mtime, mtime); err != nil {
			t.Fatalf("chtimes: %v", err)
		}
		return path
	}
	write("b.pdf", "pdf", base.Add(time.Minute))
	write("a.xls", "xls", base.Add(2*time.Minute))
	write("notes.txt", "skip", base)
	write("b.pdf.meta.json", `{"sender_email":"alarms@provider.example","source_message_id":"email:abc"}`, base)

	arch := archive.New(filepath.Join(t.TempDir(), "archive"), nil, nil)
	store := newFakeEmailStore()
	d := NewDropbox(config.DropboxConfig{InboxDir: dir, Extensions: []string{".xls", "pdf"}}, arch, store, nil)
	items, err := d.Poll(context.Background(), "run")
	if err != nil {
		t.Fatalf("poll: %v", err)
	}
	if len(items) != 2 || items[0].Filename != "b.pdf" || items[1].Filename != "a.xls" {
		t.Fatalf("order: %+v", items)
	}
	if items[0].CorrelationID != "email:abc" || items[0].Meta(model.ItemSender) != "alarms@provider.example" {
		t.Fatalf("sidecar: %+v", items[0])
	}

	if err := d.Ack(context.Background(), items[1], Ack{Outcome: OutcomeRetry}); err != nil {
		t.Fatalf("retry ack: %v", err)
	}
	if _, err := os.Stat(items[1].Path); err != nil {
		t.Fatalf("retry must leave the file: %v", err)
	}
	if err := d.Ack(context.Background(), items[0], Ack{Outcome: OutcomeUnmatched, ImportID: 3}); err != nil {
		t.Fatalf("unmatched ack: %v", err)
	}
	if _, err := os.Stat(items[0].Path + sidecarSuffix); !errors.Is(err, os.ErrNotExist) {
		t.Fatalf("sidecar should be removed")
	}
	if store.archived[3] != archive.StatusArchived {
		t.Fatalf("archive status: %v", store.archived)
	}
}

func TestOutcomeFor(t *testing.T) {
	cases := []struct {
		err  error
		want Outcome
	}{
		{nil, OutcomeSuccess},
		{ErrLockContention, OutcomeSkipped},
		{fmt.Errorf("lookup: %w", ErrDuplicateContent), OutcomeDuplicate},
		{ErrFormatRejected, OutcomeIgnored},
		{ErrProfileNotConfident, OutcomeUnmatched},
		{ErrProcessingCrash, OutcomeRetry},
		{ErrHashFailure, OutcomeError},
		{&parser.ParserError{Path: "a.xls", Err: errors.New("bad zip")}, OutcomeError},
	}
	for _, tc := range cases {
		if got := OutcomeFor(tc.err); got != tc.want {
			t.Fatalf("%v: got %s want %s", tc.err, got, tc.want)
		}
	}
	if OutcomeRetry.Final() || OutcomeSkipped.Final() || !OutcomeError.Final() {
		t.Fatalf("finality")
	}
}
