// Package redistore implements the task store over Redis for
// deployments where several pollers share one queue. Task fields live
// in a hash per task, membership in per-status sets; the conditional
// status swap runs as a Lua script so racing pollers see exactly one
// winner.
package redistore

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"

	"github.com/oweller/taskmill/internal/model"
	"github.com/oweller/taskmill/internal/store"
)

// Config holds Redis connection settings.
type Config struct {
	Addr      string
	Password  string
	DB        int
	KeyPrefix string
}

// Store is a Redis-backed task store.
type Store struct {
	rdb    *redis.Client
	prefix string
	logger zerolog.Logger
}

// casScript swaps hash field "status" from ARGV[1] to ARGV[2] and moves
// the task between the matching status sets, all atomically. Returns 1
// on swap, 0 on mismatch, -1 when the task does not exist.
var casScript = redis.NewScript(`
if redis.call("EXISTS", KEYS[1]) == 0 then
  return -1
end
local current = redis.call("HGET", KEYS[1], "status")
if current ~= ARGV[1] then
  return 0
end
redis.call("HSET", KEYS[1], "status", ARGV[2])
redis.call("SREM", KEYS[2], ARGV[3])
redis.call("SADD", KEYS[3], ARGV[3])
return 1
`)

// New connects to Redis and verifies the connection.
func New(ctx context.Context, cfg Config, logger zerolog.Logger) (*Store, error) {
	rdb := redis.NewClient(&redis.Options{
		Addr:     cfg.Addr,
		Password: cfg.Password,
		DB:       cfg.DB,
	})
	if err := rdb.Ping(ctx).Err(); err != nil {
		return nil, fmt.Errorf("%w: %v", store.ErrUnavailable, err)
	}
	prefix := cfg.KeyPrefix
	if prefix == "" {
		prefix = "taskmill"
	}
	logger.Info().Str("addr", cfg.Addr).Msg("connected to redis")
	return &Store{
		rdb:    rdb,
		prefix: prefix,
		logger: logger.With().Str("component", "redistore").Logger(),
	}, nil
}

// Close releases the underlying connection pool.
func (s *Store) Close() error { return s.rdb.Close() }

func (s *Store) taskKey(id string) string {
	return fmt.Sprintf("%s:task:%s", s.prefix, id)
}

func (s *Store) statusKey(status model.Status) string {
	return fmt.Sprintf("%s:status:%s", s.prefix, status)
}

func (s *Store) leaseKey(id string) string {
	return fmt.Sprintf("%s:lease:%s", s.prefix, id)
}

// Add stores a new task in the given status.
func (s *Store) Add(ctx context.Context, task model.TaskItem, status model.Status) error {
	queuedAt := task.QueuedAt
	if queuedAt.IsZero() {
		queuedAt = time.Now().UTC()
	}
	meta, err := json.Marshal(task.Metadata)
	if err != nil {
		return fmt.Errorf("marshal metadata: %w", err)
	}
	deps, err := json.Marshal(task.Dependencies)
	if err != nil {
		return fmt.Errorf("marshal dependencies: %w", err)
	}

	pipe := s.rdb.TxPipeline()
	pipe.HSet(ctx, s.taskKey(task.ID), map[string]interface{}{
		"id":           task.ID,
		"title":        task.Title,
		"status":       string(status),
		"priority":     string(task.Priority),
		"queued_at":    queuedAt.Format(time.RFC3339Nano),
		"dependencies": deps,
		"metadata":     meta,
	})
	pipe.SAdd(ctx, s.statusKey(status), task.ID)
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("%w: %v", store.ErrUnavailable, err)
	}
	return nil
}

func (s *Store) ListByStatus(ctx context.Context, status model.Status) ([]model.TaskItem, error) {
	ids, err := s.rdb.SMembers(ctx, s.statusKey(status)).Result()
	if err != nil {
		return nil, fmt.Errorf("%w: %v", store.ErrUnavailable, err)
	}
	items := make([]model.TaskItem, 0, len(ids))
	for _, id := range ids {
		item, err := s.getTask(ctx, id)
		if err == store.ErrNotFound {
			// Set membership outlived the hash; drop the orphan.
			s.rdb.SRem(ctx, s.statusKey(status), id)
			continue
		}
		if err != nil {
			return nil, err
		}
		items = append(items, item)
	}
	return items, nil
}

func (s *Store) getTask(ctx context.Context, id string) (model.TaskItem, error) {
	fields, err := s.rdb.HGetAll(ctx, s.taskKey(id)).Result()
	if err != nil {
		return model.TaskItem{}, fmt.Errorf("%w: %v", store.ErrUnavailable, err)
	}
	if len(fields) == 0 {
		return model.TaskItem{}, store.ErrNotFound
	}

	item := model.TaskItem{
		ID:        fields["id"],
		Title:     fields["title"],
		Priority:  model.Priority(fields["priority"]),
		LastError: fields["last_error"],
	}
	if raw := fields["queued_at"]; raw != "" {
		if t, err := time.Parse(time.RFC3339Nano, raw); err == nil {
			item.QueuedAt = t
		}
	}
	if raw := fields["dependencies"]; raw != "" {
		_ = json.Unmarshal([]byte(raw), &item.Dependencies)
	}
	if raw := fields["metadata"]; raw != "" {
		_ = json.Unmarshal([]byte(raw), &item.Metadata)
	}
	return item, nil
}

func (s *Store) GetStatus(ctx context.Context, id string) (model.Status, error) {
	status, err := s.rdb.HGet(ctx, s.taskKey(id), "status").Result()
	if err == redis.Nil {
		return "", store.ErrNotFound
	}
	if err != nil {
		return "", fmt.Errorf("%w: %v", store.ErrUnavailable, err)
	}
	return model.Status(status), nil
}

func (s *Store) CompareAndSwapStatus(ctx context.Context, id string, from, to model.Status) (bool, error) {
	keys := []string{s.taskKey(id), s.statusKey(from), s.statusKey(to)}
	res, err := casScript.Run(ctx, s.rdb, keys, string(from), string(to), id).Int()
	if err != nil {
		return false, fmt.Errorf("%w: %v", store.ErrUnavailable, err)
	}
	switch res {
	case 1:
		return true, nil
	case -1:
		return false, store.ErrNotFound
	default:
		return false, nil
	}
}

func (s *Store) UpdateStatus(ctx context.Context, id string, to model.Status) error {
	current, err := s.GetStatus(ctx, id)
	if err != nil {
		return err
	}
	pipe := s.rdb.TxPipeline()
	pipe.HSet(ctx, s.taskKey(id), "status", string(to))
	pipe.SRem(ctx, s.statusKey(current), id)
	pipe.SAdd(ctx, s.statusKey(to), id)
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("%w: %v", store.ErrUnavailable, err)
	}
	return nil
}

func (s *Store) SetLease(ctx context.Context, id string, lease store.Lease) error {
	b, err := json.Marshal(lease)
	if err != nil {
		return fmt.Errorf("marshal lease: %w", err)
	}
	// TTL slightly past expiry so a crashed holder's lease ages out of
	// Redis on its own.
	ttl := time.Until(lease.ExpiresAt) + time.Hour
	if ttl < time.Minute {
		ttl = time.Minute
	}
	if err := s.rdb.Set(ctx, s.leaseKey(id), b, ttl).Err(); err != nil {
		return fmt.Errorf("%w: %v", store.ErrUnavailable, err)
	}
	return nil
}

func (s *Store) GetLease(ctx context.Context, id string) (*store.Lease, error) {
	raw, err := s.rdb.Get(ctx, s.leaseKey(id)).Bytes()
	if err == redis.Nil {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("%w: %v", store.ErrUnavailable, err)
	}
	var lease store.Lease
	if err := json.Unmarshal(raw, &lease); err != nil {
		return nil, fmt.Errorf("parse lease: %w", err)
	}
	return &lease, nil
}

func (s *Store) ClearLease(ctx context.Context, id string) error {
	if err := s.rdb.Del(ctx, s.leaseKey(id)).Err(); err != nil {
		return fmt.Errorf("%w: %v", store.ErrUnavailable, err)
	}
	return nil
}
