package profile

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"sync"

	"gopkg.in/yaml.v3"

	"alarmguard/internal/config"
)

// Store lists the persisted, active profile rows.
type Store interface {
	ActiveProfiles(ctx context.Context) ([]Profile, error)
}

// Manager holds the loaded profile set. Load replaces it atomically; the
// coordinator calls it at the start of each ingestion attempt.
type Manager struct {
	mode   string
	path   string
	store  Store
	logger *slog.Logger

	mu       sync.RWMutex
	profiles map[string]Profile
	invalid  []string
}

func NewManager(cfg config.ProfilesConfig, store Store, logger *slog.Logger) *Manager {
	return &Manager{
		mode:     cfg.Mode,
		path:     cfg.Path,
		store:    store,
		logger:   logger,
		profiles: make(map[string]Profile),
	}
}

// Load rebuilds the profile set. In db_fallback_yaml mode the database wins
// and YAML fills profile ids the database lacks.
func (m *Manager) Load(ctx context.Context) error {
	profiles := make(map[string]Profile)
	var invalid []string
	var firstErr error

	if m.mode == config.ProfilesDB || m.mode == config.ProfilesDBFallbackYAML {
		if m.store == nil {
			firstErr = errors.New("profile store not configured")
		} else {
			rows, err := m.store.ActiveProfiles(ctx)
			if err != nil {
				firstErr = fmt.Errorf("load db profiles: %w", err)
				if m.logger != nil {
					m.logger.Error("db profile query failed", "err", err)
				}
			}
			for _, p := range rows {
				p := p
				if err := Validate(&p); err != nil {
					invalid = append(invalid, p.ProfileID)
					if m.logger != nil {
						m.logger.Error("invalid db profile", "profile_id", p.ProfileID, "err", err)
					}
					continue
				}
				profiles[p.ProfileID] = p
			}
		}
	}

	if m.mode == config.ProfilesYAML || m.mode == config.ProfilesDBFallbackYAML {
		fromYAML, bad, err := loadYAML(m.path)
		if err != nil {
			if firstErr == nil && m.mode == config.ProfilesYAML {
				firstErr = err
			}
			if m.logger != nil {
				m.logger.Warn("yaml profiles unavailable", "path", m.path, "err", err)
			}
		}
		invalid = append(invalid, bad...)
		for _, p := range fromYAML {
			if _, exists := profiles[p.ProfileID]; exists {
				continue
			}
			profiles[p.ProfileID] = p
		}
	}

	m.mu.Lock()
	m.profiles = profiles
	m.invalid = invalid
	m.mu.Unlock()
	if m.logger != nil {
		m.logger.Info("profiles loaded", "mode", m.mode, "count", len(profiles), "invalid", len(invalid))
	}
	if len(profiles) > 0 {
		return nil
	}
	return firstErr
}

func (m *Manager) Get(id string) (Profile, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	p, ok := m.profiles[id]
	return p, ok
}

// List returns the active profiles ordered by id.
func (m *Manager) List() []Profile {
	m.mu.RLock()
	out := make([]Profile, 0, len(m.profiles))
	for _, p := range m.profiles {
		out = append(out, p)
	}
	m.mu.RUnlock()
	sort.Slice(out, func(i, j int) bool { return out[i].ProfileID < out[j].ProfileID })
	return out
}

func (m *Manager) Invalid() []string {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return append([]string(nil), m.invalid...)
}

type profileFile struct {
	Profiles []Profile `yaml:"profiles"`
}

// loadYAML reads either a single document with a profiles list, or a
// directory of one-profile documents.
func loadYAML(path string) ([]Profile, []string, error) {
	if path == "" {
		return nil, nil, errors.New("profiles path is empty")
	}
	info, err := os.Stat(path)
	if err != nil {
		return nil, nil, err
	}
	var out []Profile
	var invalid []string
	if !info.IsDir() {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, nil, err
		}
		var doc profileFile
		if err := yaml.Unmarshal(data, &doc); err != nil {
			return nil, []string{path}, fmt.Errorf("decode %s: %w", path, err)
		}
		for _, p := range doc.Profiles {
			p := p
			p.Active = true
			if err := Validate(&p); err != nil {
				invalid = append(invalid, p.ProfileID)
				continue
			}
			out = append(out, p)
		}
		return out, invalid, nil
	}
	files, err := filepath.Glob(filepath.Join(path, "*.yaml"))
	if err != nil {
		return nil, nil, err
	}
	sort.Strings(files)
	for _, file := range files {
		data, err := os.ReadFile(file)
		if err != nil {
			invalid = append(invalid, file)
			continue
		}
		var p Profile
		if err := yaml.Unmarshal(data, &p); err != nil || p.ProfileID == "" {
			invalid = append(invalid, file)
			continue
		}
		p.Active = true
		if err := Validate(&p); err != nil {
			invalid = append(invalid, file)
			continue
		}
		out = append(out, p)
	}
	return out, invalid, nil
}
