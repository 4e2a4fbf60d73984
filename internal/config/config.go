package config

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"regexp"
	"strings"
	"sync/atomic"
	"time"

	"gopkg.in/yaml.v3"

	"alarmguard/internal/model"
)

type Config struct {
	LogLevel      string              `json:"log_level" yaml:"log_level"`
	Ingestion     IngestionConfig     `json:"ingestion" yaml:"ingestion"`
	Redis         RedisConfig         `json:"redis" yaml:"redis"`
	Dedup         DedupConfig         `json:"dedup" yaml:"dedup"`
	Profiles      ProfilesConfig      `json:"profiles" yaml:"profiles"`
	Normalization NormalizationConfig `json:"normalization" yaml:"normalization"`
	Tagging       TaggingConfig       `json:"tagging" yaml:"tagging"`
	Alerting      AlertingConfig      `json:"alerting" yaml:"alerting"`
	Rules         RulesConfig         `json:"rules" yaml:"rules"`
	Storage       StorageConfig       `json:"storage" yaml:"storage"`
	Archive       ArchiveConfig       `json:"archive" yaml:"archive"`
	Notify        NotifyConfig        `json:"notify" yaml:"notify"`
	Metrics       MetricsConfig       `json:"metrics" yaml:"metrics"`
	API           APIConfig           `json:"api" yaml:"api"`
}

type IngestionConfig struct {
	PollInterval       time.Duration `json:"poll_interval" yaml:"poll_interval"`
	LockTTL            time.Duration `json:"lock_ttl" yaml:"lock_ttl"`
	ReplayMode         bool          `json:"replay_mode" yaml:"replay_mode"`
	MaxPayloadBytes    int           `json:"max_payload_bytes" yaml:"max_payload_bytes"`
	IntegrityThreshold float64       `json:"integrity_threshold" yaml:"integrity_threshold"`
	Dropbox            DropboxConfig `json:"dropbox" yaml:"dropbox"`
	Email              EmailConfig   `json:"email" yaml:"email"`
}

type DropboxConfig struct {
	Enabled    bool     `json:"enabled" yaml:"enabled"`
	InboxDir   string   `json:"inbox_dir" yaml:"inbox_dir"`
	Extensions []string `json:"extensions" yaml:"extensions"`
}

type EmailConfig struct {
	Enabled          bool     `json:"enabled" yaml:"enabled"`
	Host             string   `json:"imap_host" yaml:"imap_host"`
	Port             int      `json:"imap_port" yaml:"imap_port"`
	User             string   `json:"imap_user" yaml:"imap_user"`
	Password         string   `json:"imap_password" yaml:"imap_password"`
	Folder           string   `json:"folder" yaml:"folder"`
	ProcessedFolder  string   `json:"processed_folder" yaml:"processed_folder"`
	CleanupMode      string   `json:"cleanup_mode" yaml:"cleanup_mode"`
	WhitelistSenders []string `json:"whitelist_senders" yaml:"whitelist_senders"`
	TempDir          string   `json:"temp_dir" yaml:"temp_dir"`
	Extensions       []string `json:"extensions" yaml:"extensions"`
}

type RedisConfig struct {
	Enabled   bool   `json:"enabled" yaml:"enabled"`
	Addr      string `json:"addr" yaml:"addr"`
	Password  string `json:"password" yaml:"password"`
	DB        int    `json:"db" yaml:"db"`
	KeyPrefix string `json:"key_prefix" yaml:"key_prefix"`
}

type DedupConfig struct {
	Enabled     bool          `json:"enabled" yaml:"enabled"`
	RawTTL      time.Duration `json:"raw_ttl" yaml:"raw_ttl"`
	BurstWindow time.Duration `json:"burst_window" yaml:"burst_window"`
}

type ProfilesConfig struct {
	Mode            string        `json:"mode" yaml:"mode"`
	Path            string        `json:"path" yaml:"path"`
	DefaultTimezone string        `json:"default_timezone" yaml:"default_timezone"`
	Scoring         ScoringConfig `json:"scoring" yaml:"scoring"`
}

type ScoringConfig struct {
	Base             float64 `json:"base" yaml:"base"`
	FilenameBonus    float64 `json:"filename_bonus" yaml:"filename_bonus"`
	HeaderBonus      float64 `json:"header_bonus" yaml:"header_bonus"`
	HeaderPenalty    float64 `json:"header_penalty" yaml:"header_penalty"`
	KeywordBonus     float64 `json:"keyword_bonus" yaml:"keyword_bonus"`
	KeywordPenalty   float64 `json:"keyword_penalty" yaml:"keyword_penalty"`
	DefaultThreshold float64 `json:"default_threshold" yaml:"default_threshold"`
}

type NormalizationConfig struct {
	StopAtFirstMatch *bool               `json:"stop_at_first_match,omitempty" yaml:"stop_at_first_match,omitempty"`
	Rules            []NormalizationRule `json:"rules" yaml:"rules"`
}

func (n NormalizationConfig) StopFirst() bool {
	if n.StopAtFirstMatch == nil {
		return true
	}
	return *n.StopAtFirstMatch
}

type NormalizationRule struct {
	Regex    string         `json:"regex" yaml:"regex"`
	Type     string         `json:"type,omitempty" yaml:"type,omitempty"`
	Severity string         `json:"severity,omitempty" yaml:"severity,omitempty"`
	Extract  map[string]int `json:"extract,omitempty" yaml:"extract,omitempty"`
}

// TaggingConfig seeds the code catalog when the database has none.
type TaggingConfig struct {
	Catalog []model.CatalogEntry `json:"catalog" yaml:"catalog"`
}

type AlertingConfig struct {
	DisplayTimezone     string `json:"display_timezone" yaml:"display_timezone"`
	BusinessHoursStart  string `json:"business_hours_start" yaml:"business_hours_start"`
	BusinessHoursEnd    string `json:"business_hours_end" yaml:"business_hours_end"`
	DefaultLookbackDays int    `json:"default_lookback_days" yaml:"default_lookback_days"`
}

type RulesConfig struct {
	EngineV1Enabled      bool              `json:"engine_v1_enabled" yaml:"engine_v1_enabled"`
	ExcludeDupCount      bool              `json:"exclude_dup_count" yaml:"exclude_dup_count"`
	RawCodeMode          string            `json:"raw_code_mode" yaml:"raw_code_mode"`
	ReplayAllowFullClear bool              `json:"replay_allow_full_clear" yaml:"replay_allow_full_clear"`
	Intrusion            KeywordRuleConfig `json:"intrusion" yaml:"intrusion"`
	AbsenceTest          KeywordRuleConfig `json:"absence_test" yaml:"absence_test"`
	Faults               FaultsConfig      `json:"faults" yaml:"faults"`
	EjectionCode         string            `json:"ejection_code" yaml:"ejection_code"`
	InhibitionKeyword    string            `json:"inhibition_keyword" yaml:"inhibition_keyword"`
}

type KeywordRuleConfig struct {
	Keywords []string `json:"keywords" yaml:"keywords"`
}

type FaultsConfig struct {
	ApparitionCodes []string `json:"apparition_codes" yaml:"apparition_codes"`
}

type StorageConfig struct {
	Driver string `json:"driver" yaml:"driver"`
	DSN    string `json:"dsn" yaml:"dsn"`
}

type ArchiveConfig struct {
	Root string   `json:"root" yaml:"root"`
	S3   S3Config `json:"s3" yaml:"s3"`
}

type S3Config struct {
	Enabled         bool   `json:"enabled" yaml:"enabled"`
	Region          string `json:"region" yaml:"region"`
	Bucket          string `json:"bucket" yaml:"bucket"`
	Prefix          string `json:"prefix" yaml:"prefix"`
	Endpoint        string `json:"endpoint,omitempty" yaml:"endpoint,omitempty"`
	AccessKeyID     string `json:"access_key_id,omitempty" yaml:"access_key_id,omitempty"`
	SecretAccessKey string `json:"secret_access_key,omitempty" yaml:"secret_access_key,omitempty"`
	UsePathStyle    bool   `json:"use_path_style" yaml:"use_path_style"`
}

type NotifyConfig struct {
	Kafka KafkaConfig `json:"kafka" yaml:"kafka"`
}

type KafkaConfig struct {
	Enabled      bool          `json:"enabled" yaml:"enabled"`
	Brokers      []string      `json:"brokers" yaml:"brokers"`
	Topic        string        `json:"topic" yaml:"topic"`
	BatchTimeout time.Duration `json:"batch_timeout" yaml:"batch_timeout"`
}

type MetricsConfig struct {
	Enabled bool `json:"enabled" yaml:"enabled"`
}

type APIConfig struct {
	Enabled     bool   `json:"enabled" yaml:"enabled"`
	Addr        string `json:"addr" yaml:"addr"`
	AlertsLimit int    `json:"alerts_limit" yaml:"alerts_limit"`
}

const (
	ProfilesYAML           = "yaml"
	ProfilesDB             = "db"
	ProfilesDBFallbackYAML = "db_fallback_yaml"
)

func DefaultConfig() *Config {
	return &Config{
		LogLevel: "info",
		Ingestion: IngestionConfig{
			PollInterval:       5 * time.Second,
			LockTTL:            900 * time.Second,
			MaxPayloadBytes:    32 * 1024,
			IntegrityThreshold: 80,
			Dropbox: DropboxConfig{
				Enabled:    false,
				InboxDir:   "data/dropbox",
				Extensions: []string{".xls", ".xlsx", ".pdf"},
			},
			Email: EmailConfig{
				Enabled:         false,
				Port:            993,
				Folder:          "INBOX",
				ProcessedFolder: "Processed",
				CleanupMode:     "MOVE",
				TempDir:         "data/email_ingress",
				Extensions:      []string{".xls", ".xlsx", ".pdf"},
			},
		},
		Redis: RedisConfig{Enabled: false, Addr: "127.0.0.1:6379", KeyPrefix: "alarmguard"},
		Dedup: DedupConfig{Enabled: true, RawTTL: 60 * time.Second, BurstWindow: 10 * time.Second},
		Profiles: ProfilesConfig{
			Mode:            ProfilesDBFallbackYAML,
			Path:            "profiles.yaml",
			DefaultTimezone: "Europe/Paris",
			Scoring:         DefaultScoring(),
		},
		Alerting: AlertingConfig{
			DisplayTimezone:     "Europe/Paris",
			DefaultLookbackDays: 2,
		},
		Rules: RulesConfig{
			EngineV1Enabled:   true,
			RawCodeMode:       "IN",
			EjectionCode:      "570",
			InhibitionKeyword: "***",
		},
		Storage: StorageConfig{Driver: "sqlite", DSN: "file:alarmguard.db?_pragma=busy_timeout(5000)"},
		Archive: ArchiveConfig{Root: "data/archive", S3: S3Config{Region: "eu-west-3", Prefix: "archive/"}},
		Notify: NotifyConfig{Kafka: KafkaConfig{Enabled: false, Topic: "alarmguard.alerts", BatchTimeout: time.Second}},
		Metrics: MetricsConfig{Enabled: true},
		API:     APIConfig{Enabled: true, Addr: ":8081", AlertsLimit: 1000},
	}
}

func DefaultScoring() ScoringConfig {
	return ScoringConfig{
		Base:             1.0,
		FilenameBonus:    5.0,
		HeaderBonus:      1.0,
		HeaderPenalty:    -10.0,
		KeywordBonus:     3.0,
		KeywordPenalty:   -10.0,
		DefaultThreshold: 2.0,
	}
}

func Load(path string) (*Config, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()
	content, err := io.ReadAll(f)
	if err != nil {
		return nil, err
	}
	return Parse(content)
}

func Parse(content []byte) (*Config, error) {
	cfg := DefaultConfig()
	trimmed := strings.TrimSpace(string(content))
	if len(trimmed) == 0 {
		return nil, errors.New("config file is empty")
	}
	var decodeErr error
	if looksLikeJSON(trimmed) {
		decodeErr = json.Unmarshal([]byte(trimmed), cfg)
	} else {
		decodeErr = yaml.Unmarshal([]byte(trimmed), cfg)
	}
	if decodeErr != nil {
		return nil, decodeErr
	}
	applyDefaults(cfg)
	if err := Validate(cfg); err != nil {
		return nil, err
	}
	return cfg, nil
}

func Save(path string, cfg *Config) error {
	if path == "" || cfg == nil {
		return errors.New("config path or config is empty")
	}
	var data []byte
	var err error
	ext := strings.ToLower(filepath.Ext(path))
	if ext == ".json" {
		data, err = json.MarshalIndent(cfg, "", "  ")
	} else {
		data, err = yaml.Marshal(cfg)
	}
	if err != nil {
		return err
	}
	return os.WriteFile(path, data, 0o644)
}

func looksLikeJSON(s string) bool {
	for _, ch := range s {
		if ch == '{' || ch == '[' {
			return true
		}
		if ch > ' ' {
			return false
		}
	}
	return false
}

func applyDefaults(cfg *Config) {
	def := DefaultConfig()
	if cfg.Ingestion.PollInterval <= 0 {
		cfg.Ingestion.PollInterval = def.Ingestion.PollInterval
	}
	if cfg.Ingestion.LockTTL <= 0 {
		cfg.Ingestion.LockTTL = def.Ingestion.LockTTL
	}
	if cfg.Ingestion.MaxPayloadBytes <= 0 {
		cfg.Ingestion.MaxPayloadBytes = def.Ingestion.MaxPayloadBytes
	}
	if cfg.Ingestion.IntegrityThreshold <= 0 {
		cfg.Ingestion.IntegrityThreshold = def.Ingestion.IntegrityThreshold
	}
	if len(cfg.Ingestion.Dropbox.Extensions) == 0 {
		cfg.Ingestion.Dropbox.Extensions = def.Ingestion.Dropbox.Extensions
	}
	if len(cfg.Ingestion.Email.Extensions) == 0 {
		cfg.Ingestion.Email.Extensions = def.Ingestion.Email.Extensions
	}
	if cfg.Ingestion.Email.Port <= 0 {
		cfg.Ingestion.Email.Port = 993
	}
	if cfg.Ingestion.Email.Folder == "" {
		cfg.Ingestion.Email.Folder = "INBOX"
	}
	if cfg.Ingestion.Email.ProcessedFolder == "" {
		cfg.Ingestion.Email.ProcessedFolder = "Processed"
	}
	cfg.Ingestion.Email.CleanupMode = strings.ToUpper(strings.TrimSpace(cfg.Ingestion.Email.CleanupMode))
	if cfg.Ingestion.Email.CleanupMode == "" {
		cfg.Ingestion.Email.CleanupMode = "MOVE"
	}
	if cfg.Ingestion.Email.TempDir == "" {
		cfg.Ingestion.Email.TempDir = def.Ingestion.Email.TempDir
	}
	if cfg.Redis.KeyPrefix == "" {
		cfg.Redis.KeyPrefix = def.Redis.KeyPrefix
	}
	if cfg.Dedup.RawTTL <= 0 {
		cfg.Dedup.RawTTL = def.Dedup.RawTTL
	}
	if cfg.Dedup.BurstWindow <= 0 {
		cfg.Dedup.BurstWindow = def.Dedup.BurstWindow
	}
	cfg.Profiles.Mode = strings.ToLower(strings.TrimSpace(cfg.Profiles.Mode))
	if cfg.Profiles.Mode == "" {
		cfg.Profiles.Mode = ProfilesDBFallbackYAML
	}
	if cfg.Profiles.DefaultTimezone == "" {
		cfg.Profiles.DefaultTimezone = def.Profiles.DefaultTimezone
	}
	if cfg.Profiles.Scoring == (ScoringConfig{}) {
		cfg.Profiles.Scoring = DefaultScoring()
	}
	if cfg.Profiles.Scoring.DefaultThreshold == 0 {
		cfg.Profiles.Scoring.DefaultThreshold = 2.0
	}
	if cfg.Alerting.DisplayTimezone == "" {
		cfg.Alerting.DisplayTimezone = def.Alerting.DisplayTimezone
	}
	if cfg.Alerting.DefaultLookbackDays <= 0 {
		cfg.Alerting.DefaultLookbackDays = def.Alerting.DefaultLookbackDays
	}
	cfg.Rules.RawCodeMode = strings.ToUpper(strings.TrimSpace(cfg.Rules.RawCodeMode))
	if cfg.Rules.RawCodeMode == "" {
		cfg.Rules.RawCodeMode = "IN"
	}
	if cfg.Rules.EjectionCode == "" {
		cfg.Rules.EjectionCode = def.Rules.EjectionCode
	}
	if cfg.Rules.InhibitionKeyword == "" {
		cfg.Rules.InhibitionKeyword = def.Rules.InhibitionKeyword
	}
	if cfg.Storage.Driver == "" {
		cfg.Storage.Driver = def.Storage.Driver
	}
	if cfg.Archive.Root == "" {
		cfg.Archive.Root = def.Archive.Root
	}
	if cfg.Notify.Kafka.Topic == "" {
		cfg.Notify.Kafka.Topic = def.Notify.Kafka.Topic
	}
	if cfg.API.AlertsLimit <= 0 {
		cfg.API.AlertsLimit = def.API.AlertsLimit
	}
}

var reHHMM = regexp.MustCompile(`^([01]\d|2[0-3]):[0-5]\d$`)

func Validate(cfg *Config) error {
	if cfg.API.Enabled && cfg.API.Addr == "" {
		return errors.New("api.addr required when api.enabled is true")
	}
	if cfg.Ingestion.Dropbox.Enabled && cfg.Ingestion.Dropbox.InboxDir == "" {
		return errors.New("ingestion.dropbox.inbox_dir required when ingestion.dropbox.enabled is true")
	}
	if cfg.Ingestion.Email.Enabled {
		e := cfg.Ingestion.Email
		if e.Host == "" || e.User == "" || e.Password == "" {
			return errors.New("ingestion.email requires imap_host, imap_user, imap_password")
		}
		if e.CleanupMode != "MOVE" && e.CleanupMode != "DELETE" {
			return fmt.Errorf("ingestion.email.cleanup_mode must be MOVE or DELETE, got %q", e.CleanupMode)
		}
	}
	if cfg.Redis.Enabled && cfg.Redis.Addr == "" {
		return errors.New("redis.addr required when redis.enabled is true")
	}
	switch cfg.Profiles.Mode {
	case ProfilesYAML, ProfilesDB, ProfilesDBFallbackYAML:
	default:
		return fmt.Errorf("profiles.mode must be yaml, db or db_fallback_yaml, got %q", cfg.Profiles.Mode)
	}
	if _, err := time.LoadLocation(cfg.Alerting.DisplayTimezone); err != nil {
		return fmt.Errorf("alerting.display_timezone: %w", err)
	}
	if _, err := time.LoadLocation(cfg.Profiles.DefaultTimezone); err != nil {
		return fmt.Errorf("profiles.default_timezone: %w", err)
	}
	if (cfg.Alerting.BusinessHoursStart == "") != (cfg.Alerting.BusinessHoursEnd == "") {
		return errors.New("alerting.business_hours_start and business_hours_end must be set together")
	}
	for _, v := range []string{cfg.Alerting.BusinessHoursStart, cfg.Alerting.BusinessHoursEnd} {
		if v != "" && !reHHMM.MatchString(v) {
			return fmt.Errorf("alerting business hours must be HH:MM, got %q", v)
		}
	}
	if cfg.Rules.RawCodeMode != "EXACT" && cfg.Rules.RawCodeMode != "IN" {
		return fmt.Errorf("rules.raw_code_mode must be EXACT or IN, got %q", cfg.Rules.RawCodeMode)
	}
	for i, r := range cfg.Normalization.Rules {
		if strings.TrimSpace(r.Regex) == "" {
			return fmt.Errorf("normalization.rules[%d].regex is empty", i)
		}
	}
	if cfg.Archive.S3.Enabled && (cfg.Archive.S3.Bucket == "" || cfg.Archive.S3.Region == "") {
		return errors.New("archive.s3 requires bucket and region")
	}
	if cfg.Notify.Kafka.Enabled && (len(cfg.Notify.Kafka.Brokers) == 0 || cfg.Notify.Kafka.Topic == "") {
		return errors.New("notify.kafka requires brokers and topic")
	}
	return nil
}

type Manager struct {
	path    string
	cfg     atomic.Value
	modTime time.Time
}

func NewManager(path string) (*Manager, error) {
	cfg, err := Load(path)
	if err != nil {
		return nil, err
	}
	m := &Manager{path: path}
	m.cfg.Store(cfg)
	if info, err := os.Stat(path); err == nil {
		m.modTime = info.ModTime()
	}
	return m, nil
}

// NewStaticManager wraps an in-memory config; Reload and Watch are no-ops.
func NewStaticManager(cfg *Config) *Manager {
	m := &Manager{}
	if cfg == nil {
		cfg = DefaultConfig()
	}
	m.cfg.Store(cfg)
	return m
}

func (m *Manager) Get() *Config {
	if v := m.cfg.Load(); v != nil {
		return v.(*Config)
	}
	return DefaultConfig()
}

func (m *Manager) Path() string {
	return m.path
}

func (m *Manager) Reload() (*Config, error) {
	if m.path == "" {
		return m.Get(), nil
	}
	cfg, err := Load(m.path)
	if err != nil {
		return nil, err
	}
	m.cfg.Store(cfg)
	if info, err := os.Stat(m.path); err == nil {
		m.modTime = info.ModTime()
	}
	return cfg, nil
}

func (m *Manager) NeedsReload() (bool, error) {
	if m.path == "" {
		return false, nil
	}
	info, err := os.Stat(m.path)
	if err != nil {
		return false, err
	}
	return info.ModTime().After(m.modTime), nil
}

func (m *Manager) Watch(interval time.Duration, onReload func(*Config), onError func(error), stop <-chan struct{}) {
	if interval <= 0 {
		interval = 3 * time.Second
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			needs, err := m.NeedsReload()
			if err != nil {
				if onError != nil {
					onError(err)
				}
				continue
			}
			if !needs {
				continue
			}
			cfg, err := m.Reload()
			if err != nil {
				if onError != nil {
					onError(err)
				}
				continue
			}
			if onReload != nil {
				onReload(cfg)
			}
		case <-stop:
			return
		}
	}
}

func ResolvePath(path string) string {
	if path == "" || filepath.IsAbs(path) {
		return path
	}
	cwd, err := os.Getwd()
	if err != nil {
		return path
	}
	return filepath.Join(cwd, path)
}
