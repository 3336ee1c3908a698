// Package kvstore provides the durable key-value capability the conversation
// store and preference records are persisted through.
package kvstore

import (
	"context"
	"fmt"
	"sync"
)

const (
	BackendMemory = "memory"
	BackendSQLite = "sqlite"
	BackendBolt   = "bolt"
	BackendRedis  = "redis"
)

// KV is a string key-value store. Get reports ok=false for missing keys.
type KV interface {
	Get(ctx context.Context, key string) (value string, ok bool, err error)
	Set(ctx context.Context, key, value string) error
	Remove(ctx context.Context, key string) error
	Close() error
}

// Options selects and configures a backend
type Options struct {
	Backend   string
	Path      string // sqlite or bolt file
	RedisAddr string
	RedisDB   int
	Namespace string // key prefix for shared backends
}

// Open creates the backend named in opts
func Open(opts Options) (KV, error) {
	switch opts.Backend {
	case BackendMemory, "":
		return NewMemory(), nil
	case BackendSQLite:
		db, err := OpenSQLite(opts.Path)
		if err != nil {
			return nil, err
		}
		return db, nil
	case BackendBolt:
		db, err := OpenBolt(opts.Path)
		if err != nil {
			return nil, err
		}
		return db, nil
	case BackendRedis:
		return NewRedis(opts.RedisAddr, opts.RedisDB, opts.Namespace), nil
	default:
		return nil, fmt.Errorf("unknown storage backend: %s", opts.Backend)
	}
}

// Memory is an in-process KV used for tests and ephemeral runs
type Memory struct {
	mu   sync.RWMutex
	data map[string]string
}

// NewMemory creates an empty in-memory store
func NewMemory() *Memory {
	return &Memory{data: make(map[string]string)}
}

func (m *Memory) Get(_ context.Context, key string) (string, bool, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	v, ok := m.data[key]
	return v, ok, nil
}

func (m *Memory) Set(_ context.Context, key, value string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.data[key] = value
	return nil
}

func (m *Memory) Remove(_ context.Context, key string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.data, key)
	return nil
}

func (m *Memory) Close() error {
	return nil
}
