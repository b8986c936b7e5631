package ledger

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/rotisserie/eris"

	"github.com/sells-group/clientbook/internal/model"
)

// Cache holds recent job snapshots for cheap polling.
type Cache interface {
	Get(ctx context.Context, jobID string) (*model.ImportJob, bool, error)
	Set(ctx context.Context, job *model.ImportJob) error
	Del(ctx context.Context, jobID string) error
}

// RedisCache stores job snapshots as JSON strings.
type RedisCache struct {
	client *redis.Client
	prefix string
	ttl    time.Duration
}

// NewRedisCache creates a cache on client. Keys are prefix+jobID.
func NewRedisCache(client *redis.Client, prefix string, ttl time.Duration) *RedisCache {
	if prefix == "" {
		prefix = "clientbook:job:"
	}
	if ttl <= 0 {
		ttl = 24 * time.Hour
	}
	return &RedisCache{client: client, prefix: prefix, ttl: ttl}
}

func (c *RedisCache) key(jobID string) string {
	return c.prefix + jobID
}

// Get returns the cached snapshot; ok is false on a miss.
func (c *RedisCache) Get(ctx context.Context, jobID string) (*model.ImportJob, bool, error) {
	val, err := c.client.Get(ctx, c.key(jobID)).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, eris.Wrapf(err, "redis: get job %s", jobID)
	}

	var job model.ImportJob
	if err := json.Unmarshal(val, &job); err != nil {
		return nil, false, eris.Wrapf(err, "redis: decode job %s", jobID)
	}
	return &job, true, nil
}

// Set stores job under its ID with the cache TTL.
func (c *RedisCache) Set(ctx context.Context, job *model.ImportJob) error {
	data, err := json.Marshal(job)
	if err != nil {
		return eris.Wrap(err, "redis: encode job")
	}
	return eris.Wrapf(c.client.Set(ctx, c.key(job.ID), data, c.ttl).Err(), "redis: set job %s", job.ID)
}

// Del drops the snapshot for jobID.
func (c *RedisCache) Del(ctx context.Context, jobID string) error {
	return eris.Wrapf(c.client.Del(ctx, c.key(jobID)).Err(), "redis: del job %s", jobID)
}
