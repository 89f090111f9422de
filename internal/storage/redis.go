package storage

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	goredis "github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/t77yq/agent-scheduler/internal/model"
)

// RedisConfig defines the connection to a Redis task repository
type RedisConfig struct {
	Addr      string `mapstructure:"addr"`
	Password  string `mapstructure:"password"`
	DB        int    `mapstructure:"db"`
	KeyPrefix string `mapstructure:"key_prefix"`
}

// RedisRepository stores task snapshots as JSON values with one index set per
// status
type RedisRepository struct {
	logger *zap.Logger
	client goredis.UniversalClient
	prefix string
}

// NewRedisRepository connects to Redis and verifies the connection
func NewRedisRepository(ctx context.Context, logger *zap.Logger, cfg RedisConfig) (*RedisRepository, error) {
	client := goredis.NewUniversalClient(&goredis.UniversalOptions{
		Addrs:           []string{cfg.Addr},
		Password:        cfg.Password,
		DB:              cfg.DB,
		MaxRetries:      3,
		MinRetryBackoff: 100 * time.Millisecond,
		MaxRetryBackoff: 1 * time.Second,
		DialTimeout:     5 * time.Second,
		ReadTimeout:     3 * time.Second,
		WriteTimeout:    3 * time.Second,
		PoolSize:        10,
		MinIdleConns:    2,
		ConnMaxIdleTime: 5 * time.Minute,
	})

	if _, err := client.Ping(ctx).Result(); err != nil {
		client.Close()
		return nil, fmt.Errorf("failed to connect to redis: %w", err)
	}

	prefix := cfg.KeyPrefix
	if prefix == "" {
		prefix = "tss"
	}
	return &RedisRepository{
		logger: logger.Named("redis"),
		client: client,
		prefix: prefix,
	}, nil
}

func (r *RedisRepository) taskKey(id string) string {
	return r.prefix + ":task:" + id
}

func (r *RedisRepository) statusKey(status model.TaskStatus) string {
	return r.prefix + ":status:" + string(status)
}

func (r *RedisRepository) batchKey(id string) string {
	return r.prefix + ":batch:" + id
}

func (r *RedisRepository) batchIndexKey() string {
	return r.prefix + ":batches"
}

// Save implements scheduler.TaskRepository. The snapshot and its status index
// are updated in one transaction.
func (r *RedisRepository) Save(ctx context.Context, task *model.Task) error {
	data, err := json.Marshal(task)
	if err != nil {
		return fmt.Errorf("failed to marshal task: %w", err)
	}

	_, err = r.client.TxPipelined(ctx, func(pipe goredis.Pipeliner) error {
		pipe.Set(ctx, r.taskKey(task.ID), data, 0)
		for _, status := range model.AllTaskStatuses {
			if status != task.Status {
				pipe.SRem(ctx, r.statusKey(status), task.ID)
			}
		}
		pipe.SAdd(ctx, r.statusKey(task.Status), task.ID)
		return nil
	})
	if err != nil {
		return fmt.Errorf("failed to save task: %w", err)
	}
	return nil
}

// QueryByStatus implements scheduler.TaskRepository
func (r *RedisRepository) QueryByStatus(ctx context.Context, statuses ...model.TaskStatus) ([]*model.Task, error) {
	if len(statuses) == 0 {
		return nil, nil
	}

	keys := make([]string, len(statuses))
	for i, status := range statuses {
		keys[i] = r.statusKey(status)
	}
	ids, err := r.client.SUnion(ctx, keys...).Result()
	if err != nil {
		return nil, fmt.Errorf("failed to read status index: %w", err)
	}
	if len(ids) == 0 {
		return nil, nil
	}

	taskKeys := make([]string, len(ids))
	for i, id := range ids {
		taskKeys[i] = r.taskKey(id)
	}
	values, err := r.client.MGet(ctx, taskKeys...).Result()
	if err != nil {
		return nil, fmt.Errorf("failed to load tasks: %w", err)
	}

	tasks := make([]*model.Task, 0, len(values))
	for i, value := range values {
		raw, ok := value.(string)
		if !ok {
			// Index entry without a snapshot
			r.logger.Warn("Dangling task index entry", zap.String("task_id", ids[i]))
			continue
		}
		var task model.Task
		if err := json.Unmarshal([]byte(raw), &task); err != nil {
			return nil, fmt.Errorf("failed to unmarshal task %s: %w", ids[i], err)
		}
		tasks = append(tasks, &task)
	}
	return tasks, nil
}

// Delete implements scheduler.TaskDeleter
func (r *RedisRepository) Delete(ctx context.Context, id string) error {
	_, err := r.client.TxPipelined(ctx, func(pipe goredis.Pipeliner) error {
		pipe.Del(ctx, r.taskKey(id))
		for _, status := range model.AllTaskStatuses {
			pipe.SRem(ctx, r.statusKey(status), id)
		}
		return nil
	})
	if err != nil {
		return fmt.Errorf("failed to delete task: %w", err)
	}
	return nil
}

// SaveBatch implements scheduler.BatchSaver
func (r *RedisRepository) SaveBatch(ctx context.Context, batch *model.TaskBatch) error {
	data, err := json.Marshal(batch)
	if err != nil {
		return fmt.Errorf("failed to marshal batch: %w", err)
	}
	_, err = r.client.TxPipelined(ctx, func(pipe goredis.Pipeliner) error {
		pipe.Set(ctx, r.batchKey(batch.ID), data, 0)
		pipe.SAdd(ctx, r.batchIndexKey(), batch.ID)
		return nil
	})
	if err != nil {
		return fmt.Errorf("failed to save batch: %w", err)
	}
	return nil
}

// ListBatches implements scheduler.BatchLoader
func (r *RedisRepository) ListBatches(ctx context.Context) ([]*model.TaskBatch, error) {
	ids, err := r.client.SMembers(ctx, r.batchIndexKey()).Result()
	if err != nil {
		return nil, fmt.Errorf("failed to read batch index: %w", err)
	}
	if len(ids) == 0 {
		return nil, nil
	}

	keys := make([]string, len(ids))
	for i, id := range ids {
		keys[i] = r.batchKey(id)
	}
	values, err := r.client.MGet(ctx, keys...).Result()
	if err != nil {
		return nil, fmt.Errorf("failed to load batches: %w", err)
	}

	batches := make([]*model.TaskBatch, 0, len(values))
	for i, value := range values {
		raw, ok := value.(string)
		if !ok {
			r.logger.Warn("Dangling batch index entry", zap.String("batch_id", ids[i]))
			continue
		}
		var batch model.TaskBatch
		if err := json.Unmarshal([]byte(raw), &batch); err != nil {
			return nil, fmt.Errorf("failed to unmarshal batch %s: %w", ids[i], err)
		}
		batches = append(batches, &batch)
	}
	return batches, nil
}

// Close closes the Redis client
func (r *RedisRepository) Close() error {
	return r.client.Close()
}
