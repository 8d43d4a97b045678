package scheduler

import (
	"context"
	"encoding/json"
	"errors"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
)

type MockRedisClient struct {
	mock.Mock
}

func intCmd(ctx context.Context, err error) *redis.IntCmd {
	cmd := redis.NewIntCmd(ctx)
	if err != nil {
		cmd.SetErr(err)
	} else {
		cmd.SetVal(1)
	}
	return cmd
}

func (m *MockRedisClient) HSet(ctx context.Context, key string, values ...any) *redis.IntCmd {
	args := m.Called(ctx, key, values)
	return intCmd(ctx, args.Error(0))
}

func (m *MockRedisClient) HDel(ctx context.Context, key string, fields ...string) *redis.IntCmd {
	args := m.Called(ctx, key, fields)
	return intCmd(ctx, args.Error(0))
}

func (m *MockRedisClient) Del(ctx context.Context, keys ...string) *redis.IntCmd {
	args := m.Called(ctx, keys)
	return intCmd(ctx, args.Error(0))
}

func (m *MockRedisClient) HGetAll(ctx context.Context, key string) *redis.MapStringStringCmd {
	args := m.Called(ctx, key)
	cmd := redis.NewMapStringStringCmd(ctx)
	if err := args.Error(1); err != nil {
		cmd.SetErr(err)
	} else {
		cmd.SetVal(args.Get(0).(map[string]string))
	}
	return cmd
}

func TestRedisJobStoreUpsert(t *testing.T) {
	ctx := context.Background()
	client := new(MockRedisClient)
	store := NewRedisJobStore(client)
	store.now = func() time.Time { return t0 }

	id := uuid.New()
	next := t0.Add(30 * time.Minute)

	client.On("HSet", ctx, "price-tracker:jobs:"+DefaultTask, mock.MatchedBy(func(values []any) bool {
		if len(values) != 2 || values[0] != id.String() {
			return false
		}
		var j RecurringJob
		if err := json.Unmarshal([]byte(values[1].(string)), &j); err != nil {
			return false
		}
		return j.ProductID == id && j.Schedule == "@every 30m0s" && j.NextRunAt.Equal(next)
	})).Return(nil)

	require.NoError(t, store.UpsertRecurringJob(ctx, DefaultTask, id, "@every 30m0s", next))
	client.AssertExpectations(t)
}

func TestRedisJobStoreCancelAndRemove(t *testing.T) {
	ctx := context.Background()
	client := new(MockRedisClient)
	store := NewRedisJobStore(client)
	id := uuid.New()

	client.On("Del", ctx, []string{"price-tracker:jobs:" + DefaultTask}).Return(nil)
	client.On("HDel", ctx, "price-tracker:jobs:"+DefaultTask, []string{id.String()}).Return(nil)

	require.NoError(t, store.CancelRecurringJobs(ctx, DefaultTask))
	require.NoError(t, store.RemoveRecurringJob(ctx, DefaultTask, id))
	client.AssertExpectations(t)
}

func TestRedisJobStoreErrors(t *testing.T) {
	ctx := context.Background()
	client := new(MockRedisClient)
	store := NewRedisJobStore(client)
	down := errors.New("connection refused")

	client.On("HSet", ctx, mock.Anything, mock.Anything).Return(down)
	client.On("Del", ctx, mock.Anything).Return(down)

	assert.ErrorIs(t, store.UpsertRecurringJob(ctx, DefaultTask, uuid.New(), "@every 30m0s", t0), down)
	assert.ErrorIs(t, store.CancelRecurringJobs(ctx, DefaultTask), down)
}

func TestRedisJobStoreList(t *testing.T) {
	ctx := context.Background()
	client := new(MockRedisClient)
	store := NewRedisJobStore(client)

	early, late := uuid.New(), uuid.New()
	encode := func(id uuid.UUID, next time.Time) string {
		data, err := json.Marshal(RecurringJob{ProductID: id, Schedule: "@every 30m0s", NextRunAt: next})
		require.NoError(t, err)
		return string(data)
	}

	client.On("HGetAll", ctx, "price-tracker:jobs:"+DefaultTask).Return(map[string]string{
		late.String():  encode(late, t0.Add(time.Hour)),
		early.String(): encode(early, t0),
		"garbage":      "{",
	}, nil)

	jobs, err := store.ListRecurringJobs(ctx, DefaultTask)
	require.NoError(t, err)
	require.Len(t, jobs, 2)
	assert.Equal(t, early, jobs[0].ProductID)
	assert.Equal(t, late, jobs[1].ProductID)
}

func TestSchedulerWithRedisStore(t *testing.T) {
	ctx := context.Background()
	client := new(MockRedisClient)
	client.On("Del", ctx, mock.Anything).Return(nil)
	client.On("HSet", ctx, mock.Anything, mock.Anything).Return(nil)

	s, err := New(Options{Clock: newFakeClock(t0)}, TickFunc(func(context.Context, uuid.UUID) error { return nil }),
		NewRedisJobStore(client), discardLogger())
	require.NoError(t, err)

	require.NoError(t, s.Rehydrate(ctx, []uuid.UUID{uuid.New(), uuid.New()}))
	client.AssertNumberOfCalls(t, "Del", 1)
	client.AssertNumberOfCalls(t, "HSet", 2)
}
