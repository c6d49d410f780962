package directory

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/brojonat/bankroll/service/db"
)

func encode(snap *Snapshot, maxBytes int64) ([]byte, error) {
	data, err := json.Marshal(snap)
	if err != nil {
		return nil, fmt.Errorf("failed to encode snapshot: %w", err)
	}
	if maxBytes > 0 && int64(len(data)) > maxBytes {
		return nil, fmt.Errorf("%w: %d bytes, quota %d", ErrQuotaExceeded, len(data), maxBytes)
	}
	return data, nil
}

func decode(data []byte) (*Snapshot, error) {
	var snap Snapshot
	if err := json.Unmarshal(data, &snap); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrCorruptSnapshot, err)
	}
	if snap.Players == nil {
		return nil, fmt.Errorf("%w: missing players", ErrCorruptSnapshot)
	}
	return &snap, nil
}

// FileStorage keeps the snapshot in a local JSON file.
type FileStorage struct {
	path     string
	maxBytes int64
}

// NewFileStorage stores the snapshot at path. maxBytes <= 0 disables the quota.
func NewFileStorage(path string, maxBytes int64) *FileStorage {
	return &FileStorage{path: path, maxBytes: maxBytes}
}

func (f *FileStorage) Load(ctx context.Context) (*Snapshot, error) {
	data, err := os.ReadFile(f.path)
	if errors.Is(err, os.ErrNotExist) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to read %s: %w", f.path, err)
	}
	return decode(data)
}

// Save writes to a temporary file and renames it over the target so a crash
// never leaves a partial snapshot.
func (f *FileStorage) Save(ctx context.Context, snap *Snapshot) error {
	data, err := encode(snap, f.maxBytes)
	if err != nil {
		return err
	}

	tmp, err := os.CreateTemp(filepath.Dir(f.path), filepath.Base(f.path)+".*.tmp")
	if err != nil {
		return fmt.Errorf("failed to create temp file: %w", err)
	}
	defer os.Remove(tmp.Name())

	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		return fmt.Errorf("failed to write snapshot: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("failed to close snapshot: %w", err)
	}
	if err := os.Rename(tmp.Name(), f.path); err != nil {
		return fmt.Errorf("failed to replace %s: %w", f.path, err)
	}
	return nil
}

func (f *FileStorage) Clear(ctx context.Context) error {
	if err := os.Remove(f.path); err != nil && !errors.Is(err, os.ErrNotExist) {
		return fmt.Errorf("failed to remove %s: %w", f.path, err)
	}
	return nil
}

// RedisStorage keeps the snapshot under a single Redis key.
type RedisStorage struct {
	client   redis.UniversalClient
	key      string
	ttl      time.Duration
	maxBytes int64
}

// NewRedisStorage stores the snapshot at key. A positive ttl lets Redis expire
// the key on its own; maxBytes <= 0 disables the quota.
func NewRedisStorage(client redis.UniversalClient, key string, ttl time.Duration, maxBytes int64) *RedisStorage {
	return &RedisStorage{client: client, key: key, ttl: ttl, maxBytes: maxBytes}
}

func (r *RedisStorage) Load(ctx context.Context) (*Snapshot, error) {
	data, err := r.client.Get(ctx, r.key).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get %s: %w", r.key, err)
	}
	return decode(data)
}

func (r *RedisStorage) Save(ctx context.Context, snap *Snapshot) error {
	data, err := encode(snap, r.maxBytes)
	if err != nil {
		return err
	}
	if err := r.client.Set(ctx, r.key, data, r.ttl).Err(); err != nil {
		return fmt.Errorf("failed to set %s: %w", r.key, err)
	}
	return nil
}

func (r *RedisStorage) Clear(ctx context.Context) error {
	if err := r.client.Del(ctx, r.key).Err(); err != nil {
		return fmt.Errorf("failed to delete %s: %w", r.key, err)
	}
	return nil
}

// KVStorage keeps the snapshot in a db.KV, usually the postgres store.
type KVStorage struct {
	kv       db.KV
	key      string
	maxBytes int64
}

// NewKVStorage stores the snapshot under key. maxBytes <= 0 disables the quota.
func NewKVStorage(kv db.KV, key string, maxBytes int64) *KVStorage {
	return &KVStorage{kv: kv, key: key, maxBytes: maxBytes}
}

func (k *KVStorage) Load(ctx context.Context) (*Snapshot, error) {
	data, err := k.kv.Get(ctx, k.key)
	if errors.Is(err, db.ErrNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return decode(data)
}

func (k *KVStorage) Save(ctx context.Context, snap *Snapshot) error {
	data, err := encode(snap, k.maxBytes)
	if err != nil {
		return err
	}
	return k.kv.Put(ctx, k.key, data)
}

func (k *KVStorage) Clear(ctx context.Context) error {
	return k.kv.Delete(ctx, k.key)
}
