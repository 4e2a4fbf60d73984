package api

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"strconv"
	"strings"
	"time"

	"alarmguard/internal/alerting"
	"alarmguard/internal/alerts"
	"alarmguard/internal/businessrules"
	"alarmguard/internal/config"
	"alarmguard/internal/metrics"
	"alarmguard/internal/model"
	"alarmguard/internal/storage"
)

// Pipeline is the part of the ingestion coordinator the ops API drives.
type Pipeline interface {
	Reload(ctx context.Context) error
	RequestReplay(ctx context.Context, hash string) (int64, error)
}

// StatusStore exposes the counters shown on /status.
type StatusStore interface {
	ImportStatusCounts(ctx context.Context) (map[string]int, error)
	CountOpenIncidents(ctx context.Context) (int, error)
	RecentImports(ctx context.Context, limit int) ([]model.ImportRecord, error)
}

// ReplayFunc re-evaluates persisted events with the current rules.
type ReplayFunc func(ctx context.Context, opts businessrules.ReplayOptions) (businessrules.ReplayResult, error)

// DryRunFunc evaluates one rule against a sample without recording
// anything. A zero ruleID uses rule as given.
type DryRunFunc func(ctx context.Context, ruleID int64, rule model.AlertRule, sample alerting.Sample, ref time.Time) (alerting.Report, error)

type Deps struct {
	Pipeline Pipeline
	Store    StatusStore
	Stats    *metrics.Store
	Alerts   *alerts.Store
	Registry *metrics.Registry
	Replay   ReplayFunc
	DryRun   DryRunFunc
}

type Server struct {
	cfg     *config.Manager
	deps    Deps
	logger  *slog.Logger
	version string
	started time.Time
}

type statusResponse struct {
	Status        string              `json:"status"`
	Time          string              `json:"time"`
	Version       string              `json:"version"`
	Uptime        string              `json:"uptime"`
	ConfigPath    string              `json:"config_path"`
	Ingestion     ingestionStatus     `json:"ingestion"`
	Adapters      []metrics.PollStats `json:"adapters"`
	Imports       map[string]int      `json:"imports"`
	OpenIncidents int                 `json:"open_incidents"`
	Alerts        int                 `json:"alerts_buffered"`
	Errors        []string            `json:"errors,omitempty"`
}

type ingestionStatus struct {
	Dropbox    bool   `json:"dropbox"`
	Email      bool   `json:"email"`
	ReplayMode bool   `json:"replay_mode"`
	Archive    string `json:"archive_root"`
	S3Mirror   bool   `json:"s3_mirror"`
	Kafka      bool   `json:"kafka"`
}

func NewServer(cfg *config.Manager, deps Deps, logger *slog.Logger, version string) *Server {
	return &Server{cfg: cfg, deps: deps, logger: logger, version: version, started: time.Now()}
}

func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/health", s.handleHealth)
	mux.HandleFunc("/status", s.handleStatus)
	mux.HandleFunc("/imports", s.handleImports)
	mux.HandleFunc("/alerts", s.handleAlerts)
	mux.Handle("/metrics", s.deps.Registry.Handler())
	mux.HandleFunc("/admin/reload", s.handleReload)
	mux.HandleFunc("/admin/reprocess", s.handleReprocess)
	mux.HandleFunc("/admin/replay", s.handleReplay)
	mux.HandleFunc("/admin/dryrun", s.handleDryRun)
	return mux
}

// Start serves the ops API until ctx is cancelled. It returns nil when the
// API is disabled.
func Start(ctx context.Context, cfg *config.Manager, deps Deps, logger *slog.Logger, version string) *http.Server {
	if cfg == nil {
		return nil
	}
	current := cfg.Get().API
	if !current.Enabled {
		if logger != nil {
			logger.Info("api disabled")
		}
		return nil
	}
	if logger != nil {
		logger.Info("api enabled", "addr", current.Addr)
	}
	server := NewServer(cfg, deps, logger, version)
	httpServer := &http.Server{Addr: current.Addr, Handler: server.Handler(), ReadHeaderTimeout: 10 * time.Second}
	go func() {
		<-ctx.Done()
		ctxShutdown, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = httpServer.Shutdown(ctxShutdown)
	}()
	go func() {
		if err := httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			if logger != nil {
				logger.Error("api server error", "err", err)
			}
		}
	}()
	return httpServer
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"status": "ok"})
}

func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}
	cfg := s.cfg.Get()
	resp := statusResponse{
		Status:     "ok",
		Time:       time.Now().UTC().Format(time.RFC3339Nano),
		Version:    s.version,
		Uptime:     time.Since(s.started).Truncate(time.Second).String(),
		ConfigPath: s.cfg.Path(),
		Ingestion: ingestionStatus{
			Dropbox:    cfg.Ingestion.Dropbox.Enabled,
			Email:      cfg.Ingestion.Email.Enabled,
			ReplayMode: cfg.Ingestion.ReplayMode,
			Archive:    cfg.Archive.Root,
			S3Mirror:   cfg.Archive.S3.Enabled,
			Kafka:      cfg.Notify.Kafka.Enabled,
		},
		Adapters: s.deps.Stats.All(),
	}
	if s.deps.Alerts != nil {
		resp.Alerts = s.deps.Alerts.Len()
	}
	if s.deps.Store != nil {
		counts, err := s.deps.Store.ImportStatusCounts(r.Context())
		if err != nil {
			resp.Errors = append(resp.Errors, "imports: "+err.Error())
		}
		resp.Imports = counts
		open, err := s.deps.Store.CountOpenIncidents(r.Context())
		if err != nil {
			resp.Errors = append(resp.Errors, "incidents: "+err.Error())
		}
		resp.OpenIncidents = open
	}
	if len(resp.Errors) > 0 {
		resp.Status = "degraded"
	}
	writeJSON(w, http.StatusOK, resp)
}

func (s *Server) handleImports(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}
	if s.deps.Store == nil {
		w.WriteHeader(http.StatusServiceUnavailable)
		return
	}
	limit := queryInt(r, "limit", 50)
	list, err := s.deps.Store.RecentImports(r.Context(), limit)
	if err != nil {
		s.fail(w, "list imports", err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"imports": list,
		"count":   len(list),
	})
}

func (s *Server) handleAlerts(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}
	if s.deps.Alerts == nil {
		writeJSON(w, http.StatusOK, map[string]any{"alerts": []model.Alert{}, "count": 0})
		return
	}
	q := r.URL.Query()
	filter := alerts.Filter{
		SiteCode: strings.TrimSpace(q.Get("site")),
		RuleName: strings.TrimSpace(q.Get("rule")),
		Limit:    queryInt(r, "limit", s.cfg.Get().API.AlertsLimit),
	}
	if v := q.Get("since"); v != "" {
		ts, err := time.Parse(time.RFC3339, v)
		if err != nil {
			w.WriteHeader(http.StatusBadRequest)
			return
		}
		filter.Since = ts
	}
	list := s.deps.Alerts.Query(filter)
	writeJSON(w, http.StatusOK, map[string]any{
		"alerts": list,
		"count":  len(list),
	})
}

func (s *Server) handleReload(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}
	if s.deps.Pipeline == nil {
		w.WriteHeader(http.StatusServiceUnavailable)
		return
	}
	if err := s.deps.Pipeline.Reload(r.Context()); err != nil {
		s.fail(w, "reload", err)
		return
	}
	if s.logger != nil {
		s.logger.Info("caches reloaded from api")
	}
	writeJSON(w, http.StatusOK, map[string]any{"status": "ok"})
}

func (s *Server) handleReprocess(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}
	if s.deps.Pipeline == nil {
		w.WriteHeader(http.StatusServiceUnavailable)
		return
	}
	var req struct {
		Hash string `json:"sha256"`
	}
	if !readJSON(w, r, &req) {
		return
	}
	req.Hash = strings.ToLower(strings.TrimSpace(req.Hash))
	if req.Hash == "" {
		writeJSON(w, http.StatusBadRequest, map[string]any{"error": "sha256 is required"})
		return
	}
	id, err := s.deps.Pipeline.RequestReplay(r.Context(), req.Hash)
	if err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			writeJSON(w, http.StatusNotFound, map[string]any{"error": err.Error()})
			return
		}
		s.fail(w, "request replay", err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"status": string(model.ImportReplayRequested), "import_id": id})
}

func (s *Server) handleReplay(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}
	if s.deps.Replay == nil {
		w.WriteHeader(http.StatusServiceUnavailable)
		return
	}
	var req struct {
		Mode      string     `json:"mode"`
		Force     bool       `json:"force"`
		BatchSize int        `json:"batch_size"`
		From      *time.Time `json:"from"`
		To        *time.Time `json:"to"`
	}
	if !readJSON(w, r, &req) {
		return
	}
	res, err := s.deps.Replay(r.Context(), businessrules.ReplayOptions{
		Mode: req.Mode, Force: req.Force, BatchSize: req.BatchSize, From: req.From, To: req.To,
	})
	if err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]any{"error": err.Error(), "result": res})
		return
	}
	writeJSON(w, http.StatusOK, res)
}

func (s *Server) handleDryRun(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}
	if s.deps.DryRun == nil {
		w.WriteHeader(http.StatusServiceUnavailable)
		return
	}
	var req struct {
		RuleID    int64           `json:"rule_id"`
		Rule      model.AlertRule `json:"rule"`
		Sample    alerting.Sample `json:"sample"`
		Reference time.Time       `json:"reference"`
	}
	if !readJSON(w, r, &req) {
		return
	}
	if req.RuleID == 0 && req.Rule.ConditionType == "" && !req.Rule.LogicEnabled {
		writeJSON(w, http.StatusBadRequest, map[string]any{"error": "rule_id or rule is required"})
		return
	}
	if req.Sample.SiteCode == "" || req.Sample.Timestamp.IsZero() {
		writeJSON(w, http.StatusBadRequest, map[string]any{"error": "sample needs site_code and timestamp"})
		return
	}
	report, err := s.deps.DryRun(r.Context(), req.RuleID, req.Rule, req.Sample, req.Reference)
	if err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			writeJSON(w, http.StatusNotFound, map[string]any{"error": err.Error()})
			return
		}
		s.fail(w, "dry run", err)
		return
	}
	writeJSON(w, http.StatusOK, report)
}

func (s *Server) fail(w http.ResponseWriter, op string, err error) {
	if s.logger != nil {
		s.logger.Error("api "+op+" failed", "err", err)
	}
	writeJSON(w, http.StatusInternalServerError, map[string]any{"error": err.Error()})
}

func queryInt(r *http.Request, key string, def int) int {
	if v := r.URL.Query().Get(key); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n >= 0 {
			return n
		}
	}
	return def
}

// readJSON decodes an optional request body. An empty body leaves dst
// untouched.
func readJSON(w http.ResponseWriter, r *http.Request, dst any) bool {
	body, err := io.ReadAll(http.MaxBytesReader(w, r.Body, 1<<20))
	if err != nil {
		w.WriteHeader(http.StatusBadRequest)
		return false
	}
	if len(strings.TrimSpace(string(body))) == 0 {
		return true
	}
	if err := json.Unmarshal(body, dst); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]any{"error": "invalid json: " + err.Error()})
		return false
	}
	return true
}

func writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}
