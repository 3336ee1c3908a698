package kvstore

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	bolt "go.etcd.io/bbolt"
)

var kvBucket = []byte("uninavigator")

// Bolt keeps all keys in one bucket of a BoltDB file
type Bolt struct {
	db *bolt.DB
}

var _ KV = (*Bolt)(nil)

// OpenBolt opens (creating if needed) the BoltDB file at path
func OpenBolt(path string) (*Bolt, error) {
	if strings.TrimSpace(path) == "" {
		return nil, errors.New("bolt kv store: empty path")
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, fmt.Errorf("failed to create database directory: %w", err)
	}
	db, err := bolt.Open(path, 0o600, &bolt.Options{Timeout: time.Second})
	if err != nil {
		return nil, fmt.Errorf("failed to open bolt database: %w", err)
	}
	err = db.Update(func(tx *bolt.Tx) error {
		_, e := tx.CreateBucketIfNotExists(kvBucket)
		return e
	})
	if err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("failed to create bucket: %w", err)
	}
	return &Bolt{db: db}, nil
}

func (b *Bolt) Get(_ context.Context, key string) (string, bool, error) {
	var (
		value string
		ok    bool
	)
	err := b.db.View(func(tx *bolt.Tx) error {
		// Seek rather than Get: an empty value must still count as present
		k, v := tx.Bucket(kvBucket).Cursor().Seek([]byte(key))
		if k != nil && bytes.Equal(k, []byte(key)) {
			value, ok = string(v), true
		}
		return nil
	})
	if err != nil {
		return "", false, fmt.Errorf("failed to read key %s: %w", key, err)
	}
	return value, ok, nil
}

func (b *Bolt) Set(_ context.Context, key, value string) error {
	err := b.db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket(kvBucket).Put([]byte(key), []byte(value))
	})
	if err != nil {
		return fmt.Errorf("failed to write key %s: %w", key, err)
	}
	return nil
}

func (b *Bolt) Remove(_ context.Context, key string) error {
	err := b.db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket(kvBucket).Delete([]byte(key))
	})
	if err != nil {
		return fmt.Errorf("failed to remove key %s: %w", key, err)
	}
	return nil
}

func (b *Bolt) Close() error {
	if b == nil || b.db == nil {
		return nil
	}
	return b.db.Close()
}
