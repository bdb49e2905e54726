package store

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"
)

// RedisCheckpointer is a Redis-backed Checkpointer, useful when checkpoints
// need to be visible to a fleet of stateless workers without standing up a
// relational database. Each thread's checkpoints live in a Redis hash
// keyed by step, with a sorted set tracking step order for List/Prune.
type RedisCheckpointer struct {
	client *redis.Client
	prefix string
}

// NewRedisCheckpointer wraps an existing *redis.Client. keyPrefix namespaces
// all keys this checkpointer touches (e.g. "dashflow:checkpoints:").
func NewRedisCheckpointer(client *redis.Client, keyPrefix string) *RedisCheckpointer {
	return &RedisCheckpointer{client: client, prefix: keyPrefix}
}

type redisRecord struct {
	ID                 string    `json:"id"`
	ThreadID           string    `json:"thread_id"`
	Step               int       `json:"step"`
	StateBytes         []byte    `json:"state_bytes"`
	ParentCheckpointID string    `json:"parent_id"`
	CreatedAt          time.Time `json:"created_at"`
	EventHint          []byte    `json:"event_hint,omitempty"`
	SchemaVersion      int       `json:"schema_version"`
}

func (r *RedisCheckpointer) hashKey(threadID string) string { return r.prefix + "h:" + threadID }
func (r *RedisCheckpointer) zsetKey(threadID string) string { return r.prefix + "z:" + threadID }

func (r *RedisCheckpointer) Save(ctx context.Context, threadID string, step int, stateBytes []byte, parentID string, eventHint []byte) (string, error) {
	id := fmt.Sprintf("%s:%d", threadID, step)
	field := strconv.Itoa(step)

	exists, err := r.client.HExists(ctx, r.hashKey(threadID), field).Result()
	if err != nil {
		return "", classifyRedisErr(fmt.Errorf("redis checkpointer: save: %w", err))
	}
	if exists {
		return id, nil
	}

	rec := redisRecord{
		ID:                 id,
		ThreadID:           threadID,
		Step:               step,
		StateBytes:         stateBytes,
		ParentCheckpointID: parentID,
		CreatedAt:          time.Now(),
		EventHint:          eventHint,
		SchemaVersion:      SchemaVersion,
	}
	buf, err := json.Marshal(rec)
	if err != nil {
		return "", fmt.Errorf("redis checkpointer: encode: %w", err)
	}

	pipe := r.client.TxPipeline()
	pipe.HSet(ctx, r.hashKey(threadID), field, buf)
	pipe.ZAdd(ctx, r.zsetKey(threadID), redis.Z{Score: float64(step), Member: field})
	if _, err := pipe.Exec(ctx); err != nil {
		return "", classifyRedisErr(fmt.Errorf("redis checkpointer: save: %w", err))
	}
	return id, nil
}

func (r *RedisCheckpointer) LoadHead(ctx context.Context, threadID string) (*Record, error) {
	fields, err := r.client.ZRevRange(ctx, r.zsetKey(threadID), 0, 0).Result()
	if err != nil {
		return nil, classifyRedisErr(fmt.Errorf("redis checkpointer: load head: %w", err))
	}
	if len(fields) == 0 {
		return nil, ErrNotFound
	}
	return r.loadField(ctx, threadID, fields[0])
}

func (r *RedisCheckpointer) LoadAt(ctx context.Context, threadID string, step int) (*Record, error) {
	return r.loadField(ctx, threadID, strconv.Itoa(step))
}

func (r *RedisCheckpointer) loadField(ctx context.Context, threadID, field string) (*Record, error) {
	buf, err := r.client.HGet(ctx, r.hashKey(threadID), field).Bytes()
	if err != nil {
		if err == redis.Nil {
			return nil, ErrNotFound
		}
		return nil, classifyRedisErr(fmt.Errorf("redis checkpointer: load: %w", err))
	}
	var rec redisRecord
	if err := json.Unmarshal(buf, &rec); err != nil {
		return nil, fmt.Errorf("redis checkpointer: decode: %w", err)
	}
	if rec.SchemaVersion != SchemaVersion {
		return nil, ErrSchemaMismatch
	}
	return &Record{
		ID:                 rec.ID,
		ThreadID:           rec.ThreadID,
		Step:               rec.Step,
		StateBytes:         rec.StateBytes,
		ParentCheckpointID: rec.ParentCheckpointID,
		CreatedAt:          rec.CreatedAt,
		EventHint:          rec.EventHint,
		SchemaVersion:      rec.SchemaVersion,
	}, nil
}

func (r *RedisCheckpointer) List(ctx context.Context, threadID string) ([]Meta, error) {
	fields, err := r.client.ZRange(ctx, r.zsetKey(threadID), 0, -1).Result()
	if err != nil {
		return nil, classifyRedisErr(fmt.Errorf("redis checkpointer: list: %w", err))
	}
	if len(fields) == 0 {
		return nil, nil
	}
	vals, err := r.client.HMGet(ctx, r.hashKey(threadID), fields...).Result()
	if err != nil {
		return nil, classifyRedisErr(fmt.Errorf("redis checkpointer: list: %w", err))
	}
	out := make([]Meta, 0, len(vals))
	for _, v := range vals {
		s, ok := v.(string)
		if !ok {
			continue
		}
		var rec redisRecord
		if err := json.Unmarshal([]byte(s), &rec); err != nil {
			return nil, fmt.Errorf("redis checkpointer: decode: %w", err)
		}
		out = append(out, Meta{
			ID:                 rec.ID,
			ThreadID:           rec.ThreadID,
			Step:               rec.Step,
			ParentCheckpointID: rec.ParentCheckpointID,
			CreatedAt:          rec.CreatedAt,
		})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Step < out[j].Step })
	return out, nil
}

func (r *RedisCheckpointer) Prune(ctx context.Context, threadID string, keepN int) error {
	total, err := r.client.ZCard(ctx, r.zsetKey(threadID)).Result()
	if err != nil {
		return classifyRedisErr(fmt.Errorf("redis checkpointer: prune: %w", err))
	}
	if keepN < 0 || total <= int64(keepN) {
		return nil
	}
	cut := total - int64(keepN)
	stale, err := r.client.ZRange(ctx, r.zsetKey(threadID), 0, cut-1).Result()
	if err != nil {
		return classifyRedisErr(fmt.Errorf("redis checkpointer: prune: %w", err))
	}
	if len(stale) == 0 {
		return nil
	}
	pipe := r.client.TxPipeline()
	pipe.HDel(ctx, r.hashKey(threadID), stale...)
	pipe.ZRem(ctx, r.zsetKey(threadID), toAny(stale)...)
	_, err = pipe.Exec(ctx)
	if err != nil {
		return classifyRedisErr(fmt.Errorf("redis checkpointer: prune: %w", err))
	}
	return nil
}

func toAny(ss []string) []any {
	out := make([]any, len(ss))
	for i, s := range ss {
		out[i] = s
	}
	return out
}

func classifyRedisErr(err error) error {
	return fmt.Errorf("%w: %v", ErrConnectionLost, err)
}
