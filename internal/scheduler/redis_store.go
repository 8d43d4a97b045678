package scheduler

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
)

const jobKeyPrefix = "price-tracker:jobs:"

// RedisClient is the subset of *redis.Client the job store uses.
type RedisClient interface {
	HSet(ctx context.Context, key string, values ...any) *redis.IntCmd
	HDel(ctx context.Context, key string, fields ...string) *redis.IntCmd
	Del(ctx context.Context, keys ...string) *redis.IntCmd
	HGetAll(ctx context.Context, key string) *redis.MapStringStringCmd
}

// RecurringJob is the persisted form of a job, one hash field per product.
type RecurringJob struct {
	ProductID uuid.UUID `json:"product_id"`
	Schedule  string    `json:"schedule"`
	NextRunAt time.Time `json:"next_run_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// RedisJobStore keeps the job registry of each task in a Redis hash.
type RedisJobStore struct {
	client RedisClient
	now    func() time.Time
}

// NewRedisJobStore returns a job registry backed by client.
func NewRedisJobStore(client RedisClient) *RedisJobStore {
	return &RedisJobStore{client: client, now: time.Now}
}

func jobKey(task string) string {
	return jobKeyPrefix + task
}

// UpsertRecurringJob records or replaces the entry of productID.
func (s *RedisJobStore) UpsertRecurringJob(ctx context.Context, task string, productID uuid.UUID, schedule string, next time.Time) error {
	data, err := json.Marshal(RecurringJob{
		ProductID: productID,
		Schedule:  schedule,
		NextRunAt: next,
		UpdatedAt: s.now(),
	})
	if err != nil {
		return fmt.Errorf("failed to marshal job: %w", err)
	}

	if err := s.client.HSet(ctx, jobKey(task), productID.String(), string(data)).Err(); err != nil {
		return fmt.Errorf("failed to store job: %w", err)
	}
	return nil
}

// CancelRecurringJobs drops every entry of task.
func (s *RedisJobStore) CancelRecurringJobs(ctx context.Context, task string) error {
	if err := s.client.Del(ctx, jobKey(task)).Err(); err != nil {
		return fmt.Errorf("failed to cancel jobs of %s: %w", task, err)
	}
	return nil
}

func (s *RedisJobStore) RemoveRecurringJob(ctx context.Context, task string, productID uuid.UUID) error {
	if err := s.client.HDel(ctx, jobKey(task), productID.String()).Err(); err != nil {
		return fmt.Errorf("failed to remove job: %w", err)
	}
	return nil
}

// ListRecurringJobs returns the persisted jobs of task ordered by next run.
// Entries that do not decode are skipped.
func (s *RedisJobStore) ListRecurringJobs(ctx context.Context, task string) ([]RecurringJob, error) {
	fields, err := s.client.HGetAll(ctx, jobKey(task)).Result()
	if err != nil {
		return nil, fmt.Errorf("failed to list jobs of %s: %w", task, err)
	}

	jobs := make([]RecurringJob, 0, len(fields))
	for _, raw := range fields {
		var j RecurringJob
		if err := json.Unmarshal([]byte(raw), &j); err != nil {
			continue
		}
		jobs = append(jobs, j)
	}
	sort.Slice(jobs, func(a, b int) bool { return jobs[a].NextRunAt.Before(jobs[b].NextRunAt) })
	return jobs, nil
}
