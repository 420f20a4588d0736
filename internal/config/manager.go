package config

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"hash/fnv"
	"io"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"

	logx "expensed/pkg/logx"
)

// Manager loads the config file and watches it for changes.
type Manager struct {
	path string

	mu  sync.RWMutex
	cfg *Config

	log       logx.Logger
	validator func(cfg *Config) error

	// lastHash tracks the last successfully committed config content, so
	// editors that emit several write events without content changes don't
	// trigger redundant reapplies.
	lastHash uint64
}

func NewManager(path string) *Manager {
	return &Manager{path: path}
}

func (m *Manager) SetLogger(log logx.Logger) { m.log = log }

// SetValidator installs a validation hook used by Watch() before committing.
func (m *Manager) SetValidator(fn func(cfg *Config) error) {
	m.validator = fn
}

func (m *Manager) Parse() (*Config, error) {
	b, err := os.ReadFile(m.path)
	if err != nil {
		return nil, err
	}
	jb, _, err := coerceToJSONBytes(m.path, b)
	if err != nil {
		return nil, err
	}

	var cfg Config
	dec := json.NewDecoder(bytes.NewReader(jb))
	dec.DisallowUnknownFields()
	if err := dec.Decode(&cfg); err != nil {
		return nil, err
	}
	// reject trailing tokens (e.g. concatenated JSON)
	if err := dec.Decode(&struct{}{}); err != io.EOF {
		if err == nil {
			return nil, fmt.Errorf("invalid config: trailing data")
		}
		return nil, err
	}
	return &cfg, nil
}

func (m *Manager) Load() (*Config, error) {
	cfg, err := m.Parse()
	if err != nil {
		return nil, err
	}
	m.commit(cfg)
	return cfg, nil
}

func (m *Manager) Get() *Config {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.cfg
}

func (m *Manager) commit(cfg *Config) {
	m.mu.Lock()
	m.cfg = cfg
	m.lastHash = hashConfig(cfg)
	m.mu.Unlock()
}

func hashConfig(cfg *Config) uint64 {
	if cfg == nil {
		return 0
	}
	b, err := json.Marshal(cfg)
	if err != nil {
		return 0
	}
	h := fnv.New64a()
	_, _ = h.Write(b)
	return h.Sum64()
}

// Watch re-parses the file on change and calls apply with the new config.
// Invalid content is logged and skipped; the previous config stays active.
// Blocks until ctx is done.
func (m *Manager) Watch(ctx context.Context, apply func(*Config)) error {
	w, err := fsnotify.NewWatcher()
	if err != nil {
		return err
	}
	defer w.Close()

	// Watch the directory: editors replace files via rename, which drops a
	// watch on the file itself.
	if err := w.Add(filepath.Dir(m.path)); err != nil {
		return err
	}

	var debounce *time.Timer
	fire := make(chan struct{}, 1)

	for {
		select {
		case <-ctx.Done():
			return nil
		case ev, ok := <-w.Events:
			if !ok {
				return nil
			}
			if filepath.Clean(ev.Name) != filepath.Clean(m.path) {
				continue
			}
			if ev.Op&(fsnotify.Write|fsnotify.Create|fsnotify.Rename) == 0 {
				continue
			}
			if debounce != nil {
				debounce.Stop()
			}
			debounce = time.AfterFunc(200*time.Millisecond, func() {
				select {
				case fire <- struct{}{}:
				default:
				}
			})
		case err, ok := <-w.Errors:
			if !ok {
				return nil
			}
			m.log.Warn("config watch error", logx.Err(err))
		case <-fire:
			cfg, err := m.Parse()
			if err != nil {
				m.log.Error("config reload failed; keeping previous config", logx.Err(err))
				continue
			}
			if m.validator != nil {
				if err := m.validator(cfg); err != nil {
					m.log.Error("config reload rejected", logx.Err(err))
					continue
				}
			}
			m.mu.RLock()
			same := hashConfig(cfg) == m.lastHash
			m.mu.RUnlock()
			if same {
				continue
			}
			m.commit(cfg)
			m.log.Info("config reloaded", logx.String("path", m.path))
			if apply != nil {
				apply(cfg)
			}
		}
	}
}
