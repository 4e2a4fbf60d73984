package incident

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"log/slog"
	"regexp"
	"sort"
	"strings"
	"time"

	"alarmguard/internal/metrics"
	"alarmguard/internal/model"
)

// Repository is the incident view of the store. It is satisfied by both the
// store and an open transaction.
type Repository interface {
	EventsForImport(ctx context.Context, importID int64) ([]*model.CanonicalEvent, error)
	IncidentExists(ctx context.Context, site, key string, openedAt time.Time) (bool, error)
	OpenIncident(ctx context.Context, site, key string) (*model.Incident, error)
	CreateIncident(ctx context.Context, inc *model.Incident) (bool, error)
	CloseIncident(ctx context.Context, id int64, closedAt time.Time, closeEventID int64, durationSeconds int64) error
	IncidentClosedBy(ctx context.Context, eventID int64) (bool, error)
}

var (
	reSpaces    = regexp.MustCompile(`\s+`)
	reCamera    = regexp.MustCompile(`CAM\s*\d+`)
	reStateWord = regexp.MustCompile(`\b(APPARITION|DISPARITION|EXPIRATION|MISE EN SERVICE|MISE HORS SERVICE)\b`)
)

// Key is the incident signature of a message on a site. Operator markers,
// state words and pipe separators are removed so the opening and closing
// lines of one alarm share a key.
func Key(site, message string) string {
	msg := strings.ToUpper(strings.TrimSpace(message))
	msg = reSpaces.ReplaceAllString(msg, " ")
	msg = reStateWord.ReplaceAllString(msg, "")
	msg = strings.ReplaceAll(msg, "|", " ")
	msg = reCamera.ReplaceAllString(msg, "")
	msg = strings.ReplaceAll(msg, "NVF", "")
	msg = strings.Join(strings.Fields(msg), " ")
	sum := sha256.Sum256([]byte(site + ":" + msg))
	return hex.EncodeToString(sum[:])
}

// Result counts what one pass did.
type Result struct {
	Opened     int `json:"opened"`
	Closed     int `json:"closed"`
	Suppressed int `json:"suppressed"`
	Unmatched  int `json:"unmatched"`
}

type Service struct {
	logger  *slog.Logger
	metrics *metrics.Registry
}

func NewService(logger *slog.Logger, metricsReg *metrics.Registry) *Service {
	return &Service{logger: logger, metrics: metricsReg}
}

// ProcessImport rebuilds incidents from the persisted events of one import.
func (s *Service) ProcessImport(ctx context.Context, repo Repository, importID int64) (Result, error) {
	events, err := repo.EventsForImport(ctx, importID)
	if err != nil {
		return Result{}, fmt.Errorf("load events of import %d: %w", importID, err)
	}
	return s.ProcessEvents(ctx, repo, events)
}

// ProcessEvents pairs APPARITION and DISPARITION events into incidents in
// time then id order. Operator actions are ignored. Reprocessing the same
// events is a no-op.
func (s *Service) ProcessEvents(ctx context.Context, repo Repository, events []*model.CanonicalEvent) (Result, error) {
	ordered := make([]*model.CanonicalEvent, 0, len(events))
	for _, ev := range events {
		if ev == nil || isOperator(ev) {
			continue
		}
		ordered = append(ordered, ev)
	}
	sort.SliceStable(ordered, func(i, j int) bool {
		if !ordered[i].Timestamp.Equal(ordered[j].Timestamp) {
			return ordered[i].Timestamp.Before(ordered[j].Timestamp)
		}
		return ordered[i].ID < ordered[j].ID
	})

	var res Result
	for _, ev := range ordered {
		key := Key(ev.SiteCode, ev.RawMessage)
		switch {
		case ev.IsState(model.StateApparition):
			if err := s.open(ctx, repo, ev, key, &res); err != nil {
				return res, err
			}
		case ev.IsState(model.StateDisparition):
			if err := s.close(ctx, repo, ev, key, &res); err != nil {
				return res, err
			}
		}
	}
	return res, nil
}

func (s *Service) open(ctx context.Context, repo Repository, ev *model.CanonicalEvent, key string, res *Result) error {
	exists, err := repo.IncidentExists(ctx, ev.SiteCode, key, ev.Timestamp)
	if err != nil {
		return fmt.Errorf("incident lookup: %w", err)
	}
	if exists {
		return nil
	}
	open, err := repo.OpenIncident(ctx, ev.SiteCode, key)
	if err != nil {
		return fmt.Errorf("open incident lookup: %w", err)
	}
	if open != nil {
		res.Suppressed++
		s.metrics.Incident("suppressed")
		if s.logger != nil {
			s.logger.Debug("incident already open", "site_code", ev.SiteCode, "incident_id", open.ID, "event_id", ev.ID)
		}
		return nil
	}
	created, err := repo.CreateIncident(ctx, &model.Incident{
		SiteCode:    ev.SiteCode,
		Key:         key,
		Label:       ev.RawMessage,
		OpenedAt:    ev.Timestamp,
		Status:      model.IncidentOpen,
		OpenEventID: ev.ID,
	})
	if err != nil {
		return fmt.Errorf("create incident: %w", err)
	}
	if created {
		res.Opened++
		s.metrics.Incident("opened")
	}
	return nil
}

func (s *Service) close(ctx context.Context, repo Repository, ev *model.CanonicalEvent, key string, res *Result) error {
	if ev.ID > 0 {
		done, err := repo.IncidentClosedBy(ctx, ev.ID)
		if err != nil {
			return fmt.Errorf("closed-by lookup: %w", err)
		}
		if done {
			return nil
		}
	}
	open, err := repo.OpenIncident(ctx, ev.SiteCode, key)
	if err != nil {
		return fmt.Errorf("open incident lookup: %w", err)
	}
	if open == nil {
		res.Unmatched++
		s.metrics.Incident("unmatched_close")
		if s.logger != nil {
			s.logger.Debug("unmatched close", "site_code", ev.SiteCode, "event_id", ev.ID)
		}
		return nil
	}
	duration := int64(ev.Timestamp.Sub(open.OpenedAt) / time.Second)
	if duration < 0 {
		duration = 0
	}
	if err := repo.CloseIncident(ctx, open.ID, ev.Timestamp, ev.ID, duration); err != nil {
		return fmt.Errorf("close incident %d: %w", open.ID, err)
	}
	res.Closed++
	s.metrics.Incident("closed")
	return nil
}

func isOperator(ev *model.CanonicalEvent) bool {
	return strings.EqualFold(ev.StoredType(), model.TypeOperatorAction) ||
		strings.EqualFold(ev.EventType, model.TypeOperatorAction)
}
