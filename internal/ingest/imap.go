package ingest

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"strconv"
	"strings"

	"github.com/emersion/go-imap"
	"github.com/emersion/go-imap/client"
	_ "github.com/emersion/go-message/charset"
	"github.com/emersion/go-message/mail"

	"alarmguard/internal/config"
)

const (
	FlagSeen    = imap.SeenFlag
	FlagDeleted = imap.DeletedFlag
)

type Attachment struct {
	Filename string
	Data     []byte
}

// Message is one fetched mail with its file attachments.
type Message struct {
	UID         uint32
	MessageID   string
	From        string
	Subject     string
	Attachments []Attachment
}

// Mailbox is the IMAP surface the email adapter drives. Implementations
// operate on the currently selected folder by UID.
type Mailbox interface {
	Select(folder string) error
	FetchAfter(uid uint32) ([]Message, error)
	Copy(uid uint32, folder string) error
	AddFlag(uid uint32, flag string) error
	Expunge() error
	Logout() error
}

// Dialer opens an authenticated mailbox session.
type Dialer func(ctx context.Context) (Mailbox, error)

// IMAPMailbox implements Mailbox over a go-imap client.
type IMAPMailbox struct {
	c      *client.Client
	logger *slog.Logger
}

// IMAPDialer returns a Dialer for the configured TLS endpoint.
func IMAPDialer(cfg config.EmailConfig, logger *slog.Logger) Dialer {
	return func(ctx context.Context) (Mailbox, error) {
		addr := net.JoinHostPort(cfg.Host, strconv.Itoa(cfg.Port))
		c, err := client.DialTLS(addr, nil)
		if err != nil {
			return nil, fmt.Errorf("imap dial %s: %w", addr, err)
		}
		if err := c.Login(cfg.User, cfg.Password); err != nil {
			_ = c.Logout()
			return nil, fmt.Errorf("imap login: %w", err)
		}
		return &IMAPMailbox{c: c, logger: logger}, nil
	}
}

func (m *IMAPMailbox) Select(folder string) error {
	_, err := m.c.Select(folder, false)
	return err
}

// FetchAfter returns messages with a UID above uid, ascending. The server
// answers "n:*" with the last message even when its UID is lower, so the
// result is filtered again.
func (m *IMAPMailbox) FetchAfter(uid uint32) ([]Message, error) {
	seq := new(imap.SeqSet)
	seq.AddRange(uid+1, 0)
	section := &imap.BodySectionName{Peek: true}
	items := []imap.FetchItem{imap.FetchUid, imap.FetchEnvelope, section.FetchItem()}

	ch := make(chan *imap.Message, 16)
	done := make(chan error, 1)
	go func() {
		done <- m.c.UidFetch(seq, items, ch)
	}()
	var out []Message
	for msg := range ch {
		if msg == nil || msg.Uid <= uid {
			continue
		}
		parsed, err := readMessage(msg, section)
		if err != nil {
			if m.logger != nil {
				m.logger.Warn("imap message unreadable", "uid", msg.Uid, "err", err)
			}
			continue
		}
		out = append(out, parsed)
	}
	if err := <-done; err != nil {
		return nil, fmt.Errorf("imap fetch: %w", err)
	}
	return out, nil
}

func readMessage(msg *imap.Message, section *imap.BodySectionName) (Message, error) {
	out := Message{UID: msg.Uid}
	if env := msg.Envelope; env != nil {
		out.MessageID = strings.Trim(strings.TrimSpace(env.MessageId), "<>")
		out.Subject = env.Subject
		if len(env.From) > 0 && env.From[0] != nil {
			out.From = strings.ToLower(env.From[0].Address())
		}
	}
	body := msg.GetBody(section)
	if body == nil {
		return out, errors.New("empty body")
	}
	mr, err := mail.CreateReader(body)
	if err != nil {
		return out, err
	}
	defer mr.Close()
	for {
		part, err := mr.NextPart()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			return out, err
		}
		h, ok := part.Header.(*mail.AttachmentHeader)
		if !ok {
			continue
		}
		name, err := h.Filename()
		if err != nil || name == "" {
			continue
		}
		data, err := io.ReadAll(part.Body)
		if err != nil {
			return out, fmt.Errorf("read attachment %s: %w", name, err)
		}
		out.Attachments = append(out.Attachments, Attachment{Filename: name, Data: data})
	}
	return out, nil
}

func uidSet(uid uint32) *imap.SeqSet {
	seq := new(imap.SeqSet)
	seq.AddNum(uid)
	return seq
}

func (m *IMAPMailbox) Copy(uid uint32, folder string) error {
	// Create fails when the folder exists; the copy reports real problems.
	_ = m.c.Create(folder)
	return m.c.UidCopy(uidSet(uid), folder)
}

func (m *IMAPMailbox) AddFlag(uid uint32, flag string) error {
	op := imap.FormatFlagsOp(imap.AddFlags, true)
	return m.c.UidStore(uidSet(uid), op, []interface{}{flag}, nil)
}

func (m *IMAPMailbox) Expunge() error {
	return m.c.Expunge(nil)
}

func (m *IMAPMailbox) Logout() error {
	return m.c.Logout()
}
