// Copyright 2024-2026 Aiku AI

package warden

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"

	"github.com/rs/zerolog"
	"go.mau.fi/util/jsontime"
)

// DefaultPrefix is the command prefix used when none is configured.
const DefaultPrefix = "/"

// Config is the single on-disk configuration document. Cookies is the
// opaque credential blob and is round-tripped without interpretation.
type Config struct {
	BotNickname string          `json:"botNickname"`
	Cookies     json.RawMessage `json:"cookies,omitempty"`
	Prefix      string          `json:"prefix"`
	AdminID     string          `json:"adminID"`
	SavedAt     jsontime.Unix   `json:"savedAt"`
}

// Validate checks the invariants the admin HTTP surface promises: the
// credential blob, when present, must be a non-empty JSON array.
func (c Config) Validate() error {
	if len(c.Cookies) > 0 {
		var arr []json.RawMessage
		if err := json.Unmarshal(c.Cookies, &arr); err != nil {
			return fmt.Errorf("cookies must be a JSON array: %w", err)
		}
		if len(arr) == 0 {
			return errors.New("cookies must be a non-empty array")
		}
	}
	return nil
}

// Ready reports whether the configuration is complete enough to start a
// session. An incomplete config leaves the system idle awaiting /configure.
func (c Config) Ready() bool {
	return len(c.Cookies) > 0 && c.AdminID != ""
}

// EffectivePrefix returns the configured command prefix or the default.
func (c Config) EffectivePrefix() string {
	if c.Prefix == "" {
		return DefaultPrefix
	}
	return c.Prefix
}

// ConfigStore loads and saves the configuration document. Writes are
// atomic (temp file + rename) so a crash mid-save never corrupts the file.
type ConfigStore struct {
	path string
	log  zerolog.Logger

	mu  sync.Mutex
	cur Config
}

func NewConfigStore(path string, log zerolog.Logger) *ConfigStore {
	return &ConfigStore{
		path: path,
		log:  log.With().Str("component", "config").Logger(),
	}
}

// Load reads the document from disk. A missing file is not an error: the
// store starts empty and the system idles until configured. A corrupt file
// is an error, but callers log it and idle rather than crash.
func (s *ConfigStore) Load() error {
	data, err := os.ReadFile(s.path)
	if err != nil {
		if os.IsNotExist(err) {
			s.log.Info().Str("path", s.path).Msg("No config file, awaiting configuration")
			return nil
		}
		return fmt.Errorf("failed to read config: %w", err)
	}

	var cfg Config
	if err := json.Unmarshal(data, &cfg); err != nil {
		return fmt.Errorf("failed to parse config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return fmt.Errorf("invalid config: %w", err)
	}

	s.mu.Lock()
	s.cur = cfg
	s.mu.Unlock()
	s.log.Info().Str("path", s.path).Msg("Config loaded")
	return nil
}

// Current returns a copy of the current configuration.
func (s *ConfigStore) Current() Config {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.cur
}

// Update applies fn to the configuration and persists the result.
func (s *ConfigStore) Update(fn func(*Config)) error {
	s.mu.Lock()
	fn(&s.cur)
	s.cur.SavedAt = jsontime.UnixNow()
	cfg := s.cur
	s.mu.Unlock()
	return s.write(cfg)
}

func (s *ConfigStore) write(cfg Config) error {
	data, err := json.MarshalIndent(&cfg, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to marshal config: %w", err)
	}

	dir := filepath.Dir(s.path)
	tmp, err := os.CreateTemp(dir, ".warden-config-*")
	if err != nil {
		return fmt.Errorf("failed to create temp config: %w", err)
	}
	tmpName := tmp.Name()
	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		os.Remove(tmpName)
		return fmt.Errorf("failed to write temp config: %w", err)
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmpName)
		return fmt.Errorf("failed to close temp config: %w", err)
	}
	if err := os.Rename(tmpName, s.path); err != nil {
		os.Remove(tmpName)
		return fmt.Errorf("failed to replace config: %w", err)
	}
	return nil
}
