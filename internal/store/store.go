// Package store persists named record collections for the retry queue and
// the scheduler.
//
// Ownership boundary:
// - one opaque collection per name, replaced wholesale on Save
//
// - YAML encoding shared by every backend
//
// - backends: YAML files, SQLite, Postgres, memory (tests)
package store

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"

	"gopkg.in/yaml.v3"
)

var (
	ErrInvalidName   = errors.New("store: invalid collection name")
	ErrUnknownDriver = errors.New("store: unknown driver")
)

const (
	CollectionRetryQueue     = "retry_queue"
	CollectionRetryAbandoned = "retry_abandoned"
	CollectionSchedules      = "schedules"
)

// Store loads and saves whole collections. Load reports false when the
// collection was never saved.
type Store interface {
	Load(ctx context.Context, name string, out any) (bool, error)
	Save(ctx context.Context, name string, v any) error
	Close() error
}

// Config selects a backend.
type Config struct {
	Driver string // file | sqlite | postgres | memory
	Path   string // directory for file, database path for sqlite
	DSN    string // postgres connection string
}

// Open builds the backend named by cfg.Driver.
func Open(ctx context.Context, cfg Config) (Store, error) {
	switch strings.ToLower(strings.TrimSpace(cfg.Driver)) {
	case "", "file", "yaml":
		return NewFileStore(cfg.Path)
	case "sqlite", "sqlite3":
		return OpenSQLite(ctx, cfg.Path)
	case "postgres", "pgx":
		return OpenPostgres(ctx, cfg.DSN)
	case "memory":
		return NewMemoryStore(), nil
	default:
		return nil, fmt.Errorf("%w: %q", ErrUnknownDriver, cfg.Driver)
	}
}

func validName(name string) error {
	if name == "" {
		return ErrInvalidName
	}
	for _, r := range name {
		if !(r >= 'a' && r <= 'z' || r >= '0' && r <= '9' || r == '_' || r == '-') {
			return fmt.Errorf("%w: %q", ErrInvalidName, name)
		}
	}
	return nil
}

func encode(v any) ([]byte, error) {
	data, err := yaml.Marshal(v)
	if err != nil {
		return nil, fmt.Errorf("store: encode: %w", err)
	}
	return data, nil
}

func decode(data []byte, out any) error {
	if err := yaml.Unmarshal(data, out); err != nil {
		return fmt.Errorf("store: decode: %w", err)
	}
	return nil
}

// MemoryStore keeps encoded collections in memory. Values still round-trip
// through YAML so callers see the same decoding as the durable backends.
type MemoryStore struct {
	mu    sync.Mutex
	items map[string][]byte
	saves int
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{items: make(map[string][]byte)}
}

func (m *MemoryStore) Load(_ context.Context, name string, out any) (bool, error) {
	if err := validName(name); err != nil {
		return false, err
	}
	m.mu.Lock()
	data, ok := m.items[name]
	m.mu.Unlock()
	if !ok {
		return false, nil
	}
	return true, decode(data, out)
}

func (m *MemoryStore) Save(_ context.Context, name string, v any) error {
	if err := validName(name); err != nil {
		return err
	}
	data, err := encode(v)
	if err != nil {
		return err
	}
	m.mu.Lock()
	m.items[name] = data
	m.saves++
	m.mu.Unlock()
	return nil
}

// Saves counts successful Save calls.
func (m *MemoryStore) Saves() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.saves
}

// Has reports whether name was ever saved.
func (m *MemoryStore) Has(name string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	_, ok := m.items[name]
	return ok
}

func (m *MemoryStore) Close() error { return nil }
