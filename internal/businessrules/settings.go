package businessrules

import (
	"context"
	"encoding/json"
	"log/slog"
	"strings"

	"alarmguard/internal/config"
)

const (
	KeyExcludeDupCount      = "monitoring.rules.exclude_dup_count"
	KeyRawCodeMode          = "monitoring.rules.raw_code_mode"
	KeyEngineV1Enabled      = "monitoring.rules.engine_v1_enabled"
	KeyReplayAllowFullClear = "monitoring.rules.replay_allow_full_clear"
)

const (
	ModeExact = "EXACT"
	ModeIn    = "IN"
)

// SettingsSource reads JSON-encoded overrides by key.
type SettingsSource interface {
	Setting(ctx context.Context, key string) (string, bool, error)
}

// Settings are the effective rule toggles: database override, else the YAML
// value, else the built-in default.
type Settings struct {
	ExcludeDupCount      bool   `json:"exclude_dup_count"`
	RawCodeMode          string `json:"raw_code_mode"`
	EngineV1Enabled      bool   `json:"engine_v1_enabled"`
	ReplayAllowFullClear bool   `json:"replay_allow_full_clear"`
}

func LoadSettings(ctx context.Context, src SettingsSource, cfg config.RulesConfig, logger *slog.Logger) Settings {
	mode := strings.ToUpper(strings.TrimSpace(cfg.RawCodeMode))
	if mode != ModeExact {
		mode = ModeIn
	}
	s := Settings{
		ExcludeDupCount:      cfg.ExcludeDupCount,
		RawCodeMode:          mode,
		EngineV1Enabled:      cfg.EngineV1Enabled,
		ReplayAllowFullClear: cfg.ReplayAllowFullClear,
	}
	if src == nil {
		return s
	}
	s.ExcludeDupCount = boolSetting(ctx, src, KeyExcludeDupCount, s.ExcludeDupCount, logger)
	s.EngineV1Enabled = boolSetting(ctx, src, KeyEngineV1Enabled, s.EngineV1Enabled, logger)
	s.ReplayAllowFullClear = boolSetting(ctx, src, KeyReplayAllowFullClear, s.ReplayAllowFullClear, logger)
	s.RawCodeMode = enumSetting(ctx, src, KeyRawCodeMode, s.RawCodeMode, []string{ModeExact, ModeIn}, logger)
	return s
}

func rawSetting(ctx context.Context, src SettingsSource, key string, logger *slog.Logger) (any, bool) {
	raw, ok, err := src.Setting(ctx, key)
	if err != nil {
		if logger != nil {
			logger.Error("settings override lookup failed", "event", "settings_override_error", "key", key, "error", err)
		}
		return nil, false
	}
	if !ok {
		return nil, false
	}
	var v any
	if err := json.Unmarshal([]byte(raw), &v); err != nil {
		if logger != nil {
			logger.Warn("settings override is not valid JSON", "event", "settings_override_invalid_json", "key", key, "value", raw)
		}
		return nil, false
	}
	return v, true
}

func boolSetting(ctx context.Context, src SettingsSource, key string, def bool, logger *slog.Logger) bool {
	v, ok := rawSetting(ctx, src, key, logger)
	if !ok {
		return def
	}
	b, isBool := v.(bool)
	if !isBool {
		if logger != nil {
			logger.Warn("settings override type mismatch", "event", "settings_override_type_mismatch", "key", key, "expected", "bool")
		}
		return def
	}
	return b
}

func enumSetting(ctx context.Context, src SettingsSource, key, def string, allowed []string, logger *slog.Logger) string {
	v, ok := rawSetting(ctx, src, key, logger)
	if !ok {
		return def
	}
	str, isStr := v.(string)
	if !isStr {
		if logger != nil {
			logger.Warn("settings override type mismatch", "event", "settings_override_type_mismatch", "key", key, "expected", "string")
		}
		return def
	}
	for _, a := range allowed {
		if str == a {
			return str
		}
	}
	if logger != nil {
		logger.Warn("settings override not allowed", "event", "settings_override_invalid_enum", "key", key, "value", str, "allowed", allowed)
	}
	return def
}
