package dedupe

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"strings"
	"time"

	"golang.org/x/sync/errgroup"

	"alarmguard/internal/config"
	"alarmguard/internal/kv"
	"alarmguard/internal/model"
)

// Result reports which of the two keys already existed.
type Result struct {
	Raw      bool
	Burst    bool
	RawKey   string
	BurstKey string
}

func (r Result) Duplicate() bool {
	return r.Raw || r.Burst
}

// Service runs the raw safety check and the burst check side by side.
type Service struct {
	counter     kv.Counter
	rawTTL      time.Duration
	burstWindow time.Duration
	enabled     bool
}

func NewService(counter kv.Counter, cfg config.DedupConfig) *Service {
	return &Service{
		counter:     counter,
		rawTTL:      cfg.RawTTL,
		burstWindow: cfg.BurstWindow,
		enabled:     cfg.Enabled,
	}
}

// Check touches both keys and flags ev as a duplicate (dup_count + 1) when
// either already existed.
func (s *Service) Check(ctx context.Context, ev *model.CanonicalEvent) (Result, error) {
	res := Result{RawKey: RawKey(ev), BurstKey: BurstKey(ev, s.burstWindow)}
	if !s.enabled || s.counter == nil {
		return res, nil
	}
	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		existed, err := s.counter.Touch(gctx, res.RawKey, s.rawTTL)
		res.Raw = existed
		return err
	})
	g.Go(func() error {
		existed, err := s.counter.Touch(gctx, res.BurstKey, s.burstWindow)
		res.Burst = existed
		return err
	})
	if err := g.Wait(); err != nil {
		return Result{RawKey: res.RawKey, BurstKey: res.BurstKey}, err
	}
	if res.Duplicate() {
		ev.DupCount++
	}
	return res, nil
}

// Batch deduplicates the events of one import. Check only reads the shared
// counters and remembers keys already seen in the batch. Commit touches the
// counters once the import is persisted, so a rolled back import can be
// retried without its events counting as duplicates.
type Batch struct {
	svc     *Service
	seen    map[string]struct{}
	pending []Result
}

func (s *Service) NewBatch() *Batch {
	return &Batch{svc: s, seen: make(map[string]struct{})}
}

func (b *Batch) Check(ctx context.Context, ev *model.CanonicalEvent) (Result, error) {
	s := b.svc
	res := Result{RawKey: RawKey(ev), BurstKey: BurstKey(ev, s.burstWindow)}
	if !s.enabled || s.counter == nil {
		return res, nil
	}
	_, res.Raw = b.seen[res.RawKey]
	_, res.Burst = b.seen[res.BurstKey]
	g, gctx := errgroup.WithContext(ctx)
	if !res.Raw {
		g.Go(func() error {
			live, err := s.counter.Exists(gctx, res.RawKey)
			res.Raw = live
			return err
		})
	}
	if !res.Burst {
		g.Go(func() error {
			live, err := s.counter.Exists(gctx, res.BurstKey)
			res.Burst = live
			return err
		})
	}
	if err := g.Wait(); err != nil {
		return Result{RawKey: res.RawKey, BurstKey: res.BurstKey}, err
	}
	b.seen[res.RawKey] = struct{}{}
	b.seen[res.BurstKey] = struct{}{}
	b.pending = append(b.pending, res)
	if res.Duplicate() {
		ev.DupCount++
	}
	return res, nil
}

// Commit touches every key checked so far, in check order.
func (b *Batch) Commit(ctx context.Context) error {
	s := b.svc
	if !s.enabled || s.counter == nil {
		return nil
	}
	for _, res := range b.pending {
		if _, err := s.counter.Touch(ctx, res.RawKey, s.rawTTL); err != nil {
			return err
		}
		if _, err := s.counter.Touch(ctx, res.BurstKey, s.burstWindow); err != nil {
			return err
		}
	}
	b.pending = nil
	return nil
}

// RawKey hashes site, unix second and raw message.
func RawKey(ev *model.CanonicalEvent) string {
	sum := sha256.Sum256([]byte(fmt.Sprintf("%s|%d|%s", ev.SiteCode, ev.Timestamp.Unix(), ev.RawMessage)))
	return "dedup:raw:" + hex.EncodeToString(sum[:])
}

// BurstKey groups events by site, type, zone and time bucket.
func BurstKey(ev *model.CanonicalEvent, window time.Duration) string {
	typ := strings.ToLower(strings.TrimSpace(ev.StoredType()))
	if typ == "" {
		typ = "unknown"
	}
	zone := strings.TrimSpace(ev.ZoneLabel)
	if zone == "" {
		zone = "GLOBAL"
	}
	return fmt.Sprintf("dedup:burst:%s:%s:%s:%d", ev.SiteCode, typ, zone, Bucket(ev.Timestamp, window))
}

// Bucket is floor(unix seconds / window seconds).
func Bucket(ts time.Time, window time.Duration) int64 {
	sec := int64(window / time.Second)
	if sec <= 0 {
		sec = 10
	}
	unix := ts.Unix()
	b := unix / sec
	if unix < 0 && unix%sec != 0 {
		b--
	}
	return b
}
