// Package blobstore provides a small keyed blob store used to persist
// configuration snapshots and dependency-graph snapshots.
//
// Keys are slash separated paths such as "config/snapshots/<id>". Backends:
// in-memory (tests and ephemeral runs), a directory on disk, Redis and SQLite.
package blobstore

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync"
)

// ErrNotFound is returned by Get when no blob exists for the key.
var ErrNotFound = errors.New("blob not found")

// Store is a keyed blob store.
type Store interface {
	Put(ctx context.Context, key string, data []byte) error
	Get(ctx context.Context, key string) ([]byte, error)
	Delete(ctx context.Context, key string) error
	// List returns all keys with the given prefix in lexical order.
	List(ctx context.Context, prefix string) ([]string, error)
	Close() error
}

// Config selects and configures a backend.
type Config struct {
	Backend string `json:"backend" yaml:"backend" toml:"backend"` // memory|file|redis|sqlite
	Dir     string `json:"dir" yaml:"dir" toml:"dir"`
	Path    string `json:"path" yaml:"path" toml:"path"`
	Addr    string `json:"addr" yaml:"addr" toml:"addr"`
	DB      int    `json:"db" yaml:"db" toml:"db"`
	Prefix  string `json:"prefix" yaml:"prefix" toml:"prefix"`
}

// Open returns the backend named by cfg.Backend. An empty backend means memory.
func Open(ctx context.Context, cfg Config) (Store, error) {
	switch strings.ToLower(cfg.Backend) {
	case "", "memory":
		return NewMemoryStore(), nil
	case "file":
		return NewFileStore(cfg.Dir)
	case "redis":
		return NewRedisStore(ctx, RedisConfig{Addr: cfg.Addr, DB: cfg.DB, Prefix: cfg.Prefix})
	case "sqlite":
		return NewSQLiteStore(cfg.Path)
	default:
		return nil, fmt.Errorf("unsupported blob store backend: %s", cfg.Backend)
	}
}

func validKey(key string) error {
	if key == "" {
		return errors.New("empty blob key")
	}
	for _, seg := range strings.Split(key, "/") {
		if seg == "" || seg == "." || seg == ".." {
			return fmt.Errorf("invalid blob key: %q", key)
		}
	}
	return nil
}

// MemoryStore keeps blobs in process memory.
type MemoryStore struct {
	mu    sync.RWMutex
	blobs map[string][]byte
}

func NewMemoryStore() *MemoryStore { return &MemoryStore{blobs: make(map[string][]byte)} }

func (s *MemoryStore) Put(_ context.Context, key string, data []byte) error {
	if err := validKey(key); err != nil {
		return err
	}
	cp := append([]byte(nil), data...)
	s.mu.Lock()
	s.blobs[key] = cp
	s.mu.Unlock()
	return nil
}

func (s *MemoryStore) Get(_ context.Context, key string) ([]byte, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	b, ok := s.blobs[key]
	if !ok {
		return nil, ErrNotFound
	}
	return append([]byte(nil), b...), nil
}

func (s *MemoryStore) Delete(_ context.Context, key string) error {
	s.mu.Lock()
	delete(s.blobs, key)
	s.mu.Unlock()
	return nil
}

func (s *MemoryStore) List(_ context.Context, prefix string) ([]string, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var keys []string
	for k := range s.blobs {
		if strings.HasPrefix(k, prefix) {
			keys = append(keys, k)
		}
	}
	sort.Strings(keys)
	return keys, nil
}

func (s *MemoryStore) Close() error { return nil }
