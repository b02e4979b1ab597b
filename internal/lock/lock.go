// Package lock provides a redis-backed per-job lock so daemon replicas
// sharing one job table never snipe the same reservation twice. A nil
// *JobLock is valid and always grants the lock, for single-replica runs.
package lock

import (
	"context"
	"time"

	"github.com/redis/go-redis/v9"
)

type JobLock struct {
	rdb *redis.Client
	ttl time.Duration
}

// New parses a redis URL (redis://...) and returns a lock whose holds expire
// after ttl, covering crashed holders.
func New(url string, ttl time.Duration) (*JobLock, error) {
	opts, err := redis.ParseURL(url)
	if err != nil {
		return nil, err
	}
	return &JobLock{rdb: redis.NewClient(opts), ttl: ttl}, nil
}

func key(jobID string) string { return "resysnipe:lock:" + jobID }

// TryAcquire returns true when this process now holds the job.
func (l *JobLock) TryAcquire(ctx context.Context, jobID string) (bool, error) {
	if l == nil {
		return true, nil
	}
	return l.rdb.SetNX(ctx, key(jobID), "1", l.ttl).Result()
}

// Release drops the hold; safe to call for locks never acquired.
func (l *JobLock) Release(ctx context.Context, jobID string) error {
	if l == nil {
		return nil
	}
	return l.rdb.Del(ctx, key(jobID)).Err()
}

func (l *JobLock) Close() error {
	if l == nil {
		return nil
	}
	return l.rdb.Close()
}
