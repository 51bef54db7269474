package adminclient

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"
)

// PersistedKernelStore holds the one kernel id the pool may adopt at
// startup instead of creating a fresh one (§4.3 DiscoverExisting). The
// pool only reads it (Load) and drops an id that fails its probe
// (Clear); nothing in the broker itself calls Save.
type PersistedKernelStore interface {
	// Load returns the last persisted kernel id, or "" if none.
	Load(ctx context.Context) (string, error)
	// Save records id as the current persisted kernel.
	Save(ctx context.Context, id string) error
	// Clear removes any persisted kernel id.
	Clear(ctx context.Context) error
}

// FileKernelStore persists the kernel id as a single line in a local
// file. This is the default store — no external dependency required to
// run the broker (DESIGN.md: filesystem default, Redis is opt-in).
type FileKernelStore struct {
	path string
}

// NewFileKernelStore builds a store backed by the file at path.
func NewFileKernelStore(path string) *FileKernelStore {
	return &FileKernelStore{path: path}
}

func (s *FileKernelStore) Load(ctx context.Context) (string, error) {
	data, err := os.ReadFile(s.path)
	if errors.Is(err, os.ErrNotExist) {
		return "", nil
	}
	if err != nil {
		return "", fmt.Errorf("read kernel store %s: %w", s.path, err)
	}
	return strings.TrimSpace(string(data)), nil
}

func (s *FileKernelStore) Save(ctx context.Context, id string) error {
	if err := os.MkdirAll(filepath.Dir(s.path), 0o755); err != nil {
		return fmt.Errorf("mkdir for kernel store: %w", err)
	}
	if err := os.WriteFile(s.path, []byte(id), 0o644); err != nil {
		return fmt.Errorf("write kernel store %s: %w", s.path, err)
	}
	return nil
}

func (s *FileKernelStore) Clear(ctx context.Context) error {
	err := os.Remove(s.path)
	if errors.Is(err, os.ErrNotExist) {
		return nil
	}
	return err
}

// RedisKernelStore persists the kernel id in Redis, so multiple broker
// replicas behind the same kernel host agree on which kernel is
// adoptable (enrichment: adapted from the teacher's GoRedisAdapter).
type RedisKernelStore struct {
	client *redis.Client
	key    string
	ttl    time.Duration
}

// NewRedisKernelStore builds a store against an already-connected
// redis.Client, keyed under key with the given TTL (0 disables expiry).
func NewRedisKernelStore(client *redis.Client, key string, ttl time.Duration) *RedisKernelStore {
	return &RedisKernelStore{client: client, key: key, ttl: ttl}
}

func (s *RedisKernelStore) Load(ctx context.Context) (string, error) {
	val, err := s.client.Get(ctx, s.key).Result()
	if errors.Is(err, redis.Nil) {
		return "", nil
	}
	if err != nil {
		return "", fmt.Errorf("redis get %s: %w", s.key, err)
	}
	return val, nil
}

func (s *RedisKernelStore) Save(ctx context.Context, id string) error {
	if err := s.client.Set(ctx, s.key, id, s.ttl).Err(); err != nil {
		return fmt.Errorf("redis set %s: %w", s.key, err)
	}
	return nil
}

func (s *RedisKernelStore) Clear(ctx context.Context) error {
	if err := s.client.Del(ctx, s.key).Err(); err != nil {
		return fmt.Errorf("redis del %s: %w", s.key, err)
	}
	return nil
}

// DiscoverExisting asks store for a persisted kernel id and, if one
// exists, probes it through host. A kernel that fails the probe is
// dropped silently — no error, no retry — per the Open Question
// decision recorded in DESIGN.md: a stale persisted id is not worth
// surfacing to the operator, the pool simply creates a fresh kernel.
func DiscoverExisting(ctx context.Context, store PersistedKernelStore, host KernelHost) (string, bool) {
	id, err := store.Load(ctx)
	if err != nil {
		slog.Warn("kernel store load failed", "error", err)
		return "", false
	}
	if id == "" {
		return "", false
	}
	if !host.Probe(ctx, id) {
		slog.Info("persisted kernel failed health probe, discarding", "kernel_id", id)
		_ = store.Clear(ctx)
		return "", false
	}
	slog.Info("adopted persisted kernel", "kernel_id", id)
	return id, true
}
