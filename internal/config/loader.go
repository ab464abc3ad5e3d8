package config

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"sync/atomic"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/ahrav/go-annotator/internal/domain"
)

// Configuration file names inside the config directory.
const (
	AnnotatorsFile = "annotators.yaml"
	DomainsFile    = "domains.yaml"
	WorkersFile    = "workers.yaml"
	SettingsFile   = "settings.yaml"
)

// ErrMissingFile is returned when a required configuration file is absent.
var ErrMissingFile = errors.New("configuration file not found")

type document struct {
	name     string
	required bool
	parse    func(data []byte, exists bool, into *Config) error
}

var documents = []document{
	{name: AnnotatorsFile, required: true, parse: parseAnnotators},
	{name: DomainsFile, required: true, parse: parseDomains},
	{name: WorkersFile, parse: parseWorkers},
	{name: SettingsFile, parse: parseSettings},
}

type fileState struct {
	exists bool
	mtime  time.Time
}

// Loader reads a configuration directory and publishes validated snapshots.
// Reload re-parses only files whose modification time changed; a snapshot
// that fails validation is never published.
type Loader struct {
	dir    string
	logger *slog.Logger

	mu      sync.Mutex
	files   map[string]fileState
	current atomic.Pointer[Config]
}

// NewLoader returns a Loader for dir. Nothing is read until Reload.
func NewLoader(dir string) *Loader {
	return &Loader{
		dir:    dir,
		logger: slog.Default().With("component", "config"),
		files:  make(map[string]fileState, len(documents)),
	}
}

// Load reads and validates the configuration in dir.
func Load(dir string) (*Config, error) {
	l := NewLoader(dir)
	if _, err := l.Reload(); err != nil {
		return nil, err
	}
	return l.Current(), nil
}

// Dir returns the configuration directory.
func (l *Loader) Dir() string { return l.dir }

// Current returns the last published snapshot, or nil before the first
// successful Reload.
func (l *Loader) Current() *Config { return l.current.Load() }

// Reload re-reads changed files and publishes a new snapshot. It reports
// whether anything changed. On error the previous snapshot stays current.
func (l *Loader) Reload() (bool, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	prev := l.current.Load()
	var next Config
	if prev != nil {
		next = *prev
	}

	pending := make(map[string]fileState)
	for _, doc := range documents {
		path := filepath.Join(l.dir, doc.name)
		st, err := statFile(path)
		if err != nil {
			return false, err
		}
		if !st.exists && doc.required {
			return false, fmt.Errorf("%w: %s", ErrMissingFile, path)
		}
		if old, ok := l.files[doc.name]; prev != nil && ok && old.same(st) {
			continue
		}

		var data []byte
		if st.exists {
			if data, err = os.ReadFile(path); err != nil {
				return false, fmt.Errorf("read %s: %w", path, err)
			}
		}
		if err := doc.parse(data, st.exists, &next); err != nil {
			return false, fmt.Errorf("parse %s: %w", path, err)
		}
		pending[doc.name] = st
	}
	if len(pending) == 0 {
		return false, nil
	}

	if err := next.Validate(); err != nil {
		return false, err
	}
	for name, st := range pending {
		l.files[name] = st
	}
	l.current.Store(&next)

	changed := make([]string, 0, len(pending))
	for name := range pending {
		changed = append(changed, name)
	}
	l.logger.Info("configuration loaded", "dir", l.dir, "files", changed)
	return true, nil
}

func (f fileState) same(o fileState) bool {
	return f.exists == o.exists && f.mtime.Equal(o.mtime)
}

func statFile(path string) (fileState, error) {
	info, err := os.Stat(path)
	switch {
	case errors.Is(err, fs.ErrNotExist):
		return fileState{}, nil
	case err != nil:
		return fileState{}, fmt.Errorf("stat %s: %w", path, err)
	}
	return fileState{exists: true, mtime: info.ModTime()}, nil
}

// decodeStrict decodes data into out, rejecting unknown fields. An empty
// document leaves out untouched.
func decodeStrict(data []byte, out any) error {
	dec := yaml.NewDecoder(bytes.NewReader(data))
	dec.KnownFields(true)
	if err := dec.Decode(out); err != nil && !errors.Is(err, io.EOF) {
		return err
	}
	return nil
}

func parseAnnotators(data []byte, _ bool, into *Config) error {
	var doc struct {
		Annotators map[domain.AnnotatorID]AnnotatorConfig `yaml:"annotators"`
	}
	if err := decodeStrict(data, &doc); err != nil {
		return err
	}
	into.Annotators = doc.Annotators
	return nil
}

func parseDomains(data []byte, _ bool, into *Config) error {
	var doc struct {
		Domains map[domain.Domain]DomainConfig `yaml:"domains"`
	}
	if err := decodeStrict(data, &doc); err != nil {
		return err
	}
	into.Domains = doc.Domains
	return nil
}

func parseWorkers(data []byte, exists bool, into *Config) error {
	into.Workers = nil
	if !exists {
		return nil
	}
	var doc struct {
		Pools map[string]PoolConfig `yaml:"worker_pools"`
	}
	if err := decodeStrict(data, &doc); err != nil {
		return err
	}
	into.Workers = doc.Pools
	into.applyDefaults()
	return nil
}

func parseSettings(data []byte, exists bool, into *Config) error {
	s := DefaultSettings()
	if exists {
		if err := decodeStrict(data, &s); err != nil {
			return err
		}
	}
	into.Settings = s
	return nil
}
