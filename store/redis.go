package store

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
)

const redisJobPrefix = "runner:job:"

// RedisStore keeps each job as a JSON value under runner:job:<id>.
// Redis persistence (AOF/RDB) supplies the durability; the store itself
// serializes read-modify-write cycles with a process-local mutex, which is
// sufficient because the runner is the only writer.
type RedisStore struct {
	mu     sync.Mutex
	client *redis.Client
}

func NewRedisStore(addr, password string, db int) (*RedisStore, error) {
	client := redis.NewClient(&redis.Options{
		Addr:     addr,
		Password: password,
		DB:       db,
	})
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := client.Ping(ctx).Err(); err != nil {
		return nil, fmt.Errorf("redis ping: %w", err)
	}
	return &RedisStore{client: client}, nil
}

func (s *RedisStore) SaveJob(ctx context.Context, job *Job) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	data, err := json.Marshal(job)
	if err != nil {
		return err
	}
	return s.client.Set(ctx, redisJobPrefix+job.ID, data, 0).Err()
}

func (s *RedisStore) UpdateJob(ctx context.Context, id string, patch Patch) (*Job, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	data, err := s.client.Get(ctx, redisJobPrefix+id).Bytes()
	if err == redis.Nil {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	var j Job
	if err := json.Unmarshal(data, &j); err != nil {
		return nil, fmt.Errorf("corrupt job %s: %w", id, err)
	}
	patch.Apply(&j, time.Now())
	out, err := json.Marshal(&j)
	if err != nil {
		return nil, err
	}
	if err := s.client.Set(ctx, redisJobPrefix+id, out, 0).Err(); err != nil {
		return nil, err
	}
	return &j, nil
}

func (s *RedisStore) DeleteJob(ctx context.Context, id string) error {
	return s.client.Del(ctx, redisJobPrefix+id).Err()
}

func (s *RedisStore) LoadJobs(ctx context.Context) ([]*Job, error) {
	var jobs []*Job
	iter := s.client.Scan(ctx, 0, redisJobPrefix+"*", 100).Iterator()
	for iter.Next(ctx) {
		data, err := s.client.Get(ctx, iter.Val()).Bytes()
		if err == redis.Nil {
			continue // deleted between scan and get
		}
		if err != nil {
			return nil, err
		}
		var j Job
		if err := json.Unmarshal(data, &j); err != nil {
			return nil, fmt.Errorf("corrupt job at %s: %w", iter.Val(), err)
		}
		jobs = append(jobs, &j)
	}
	if err := iter.Err(); err != nil {
		return nil, err
	}
	return jobs, nil
}

func (s *RedisStore) Cleanup(ctx context.Context, retention time.Duration) (int, error) {
	jobs, err := s.LoadJobs(ctx)
	if err != nil {
		return 0, err
	}
	cutoff := time.Now().Add(-retention)
	removed := 0
	for _, j := range jobs {
		if j.Terminal() && j.UpdatedAt.Before(cutoff) {
			if err := s.client.Del(ctx, redisJobPrefix+j.ID).Err(); err != nil {
				return removed, err
			}
			removed++
		}
	}
	return removed, nil
}

func (s *RedisStore) Close() error { return s.client.Close() }
