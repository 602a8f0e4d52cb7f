package store

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/ospanova/taskbridge/internal/task"
)

const (
	taskPrefix  = "taskbridge:task:"
	scopePrefix = "taskbridge:scope:"

	taskTTL  = 24 * time.Hour
	scopeTTL = 7 * 24 * time.Hour
)

// Redis is the production Store implementation.
type Redis struct {
	client *redis.Client
}

func New(addr, password string, db int) (*Redis, error) {
	client := redis.NewClient(&redis.Options{
		Addr:     addr,
		Password: password,
		DB:       db,
	})

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := client.Ping(ctx).Err(); err != nil {
		return nil, fmt.Errorf("redis connection failed: %w", err)
	}

	return &Redis{client: client}, nil
}

func (s *Redis) Close() error {
	return s.client.Close()
}

func taskKey(id string) string {
	return taskPrefix + id
}

func scopeTasksKey(scopeID string) string {
	return scopePrefix + scopeID + ":tasks"
}

func historyKey(scopeID string) string {
	return scopePrefix + scopeID + ":history"
}

func (s *Redis) PutTask(ctx context.Context, t *task.Task) error {
	data, err := json.Marshal(t)
	if err != nil {
		return fmt.Errorf("marshal task: %w", err)
	}

	if err := s.client.Set(ctx, taskKey(t.ID), data, taskTTL).Err(); err != nil {
		return fmt.Errorf("put task: %w", err)
	}

	return nil
}

func (s *Redis) GetTask(ctx context.Context, id string) (*task.Task, error) {
	data, err := s.client.Get(ctx, taskKey(id)).Bytes()
	if err != nil {
		if err == redis.Nil {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("get task: %w", err)
	}

	var t task.Task
	if err := json.Unmarshal(data, &t); err != nil {
		return nil, fmt.Errorf("unmarshal task: %w", err)
	}

	return &t, nil
}

func (s *Redis) ProbeStatus(ctx context.Context, id string) (*task.StatusReport, error) {
	t, err := s.GetTask(ctx, id)
	if err != nil {
		return nil, err
	}

	return &task.StatusReport{
		Status:      t.Status,
		Data:        t.Result,
		Error:       t.Error,
		CompletedAt: t.CompletedAt,
	}, nil
}

func (s *Redis) GetScopeTasks(ctx context.Context, scopeID string) ([]*task.Task, error) {
	var tasks []*task.Task
	if err := s.getList(ctx, scopeTasksKey(scopeID), &tasks); err != nil {
		return nil, fmt.Errorf("get scope tasks: %w", err)
	}
	if tasks == nil {
		tasks = []*task.Task{}
	}
	return tasks, nil
}

func (s *Redis) PutScopeTasks(ctx context.Context, scopeID string, tasks []*task.Task) error {
	if err := s.putList(ctx, scopeTasksKey(scopeID), tasks); err != nil {
		return fmt.Errorf("put scope tasks: %w", err)
	}
	return nil
}

func (s *Redis) GetHistory(ctx context.Context, scopeID string) ([]*task.HistoryEntry, error) {
	var entries []*task.HistoryEntry
	if err := s.getList(ctx, historyKey(scopeID), &entries); err != nil {
		return nil, fmt.Errorf("get history: %w", err)
	}
	if entries == nil {
		entries = []*task.HistoryEntry{}
	}
	return entries, nil
}

func (s *Redis) PutHistory(ctx context.Context, scopeID string, entries []*task.HistoryEntry) error {
	if err := s.putList(ctx, historyKey(scopeID), entries); err != nil {
		return fmt.Errorf("put history: %w", err)
	}
	return nil
}

// Scope-level collections are stored as single JSON blobs. The whole list is
// the unit of durability; concurrent writers race last-write-wins.
func (s *Redis) getList(ctx context.Context, key string, out any) error {
	data, err := s.client.Get(ctx, key).Bytes()
	if err != nil {
		if err == redis.Nil {
			return nil
		}
		return err
	}
	return json.Unmarshal(data, out)
}

func (s *Redis) putList(ctx context.Context, key string, list any) error {
	data, err := json.Marshal(list)
	if err != nil {
		return fmt.Errorf("marshal list: %w", err)
	}
	return s.client.Set(ctx, key, data, scopeTTL).Err()
}
