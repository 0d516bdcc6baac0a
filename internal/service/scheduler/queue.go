package scheduler

import (
	"container/heap"
	"context"
	"fmt"
	"strconv"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
)

// Queue holds booking jobs ordered by due time.
type Queue interface {
	// Add schedules id at at, replacing any earlier entry for id.
	Add(ctx context.Context, id string, at time.Time) error
	Remove(ctx context.Context, id string) error
	// PopDue removes and returns up to limit ids due at or before now. Each
	// job is handed to exactly one caller.
	PopDue(ctx context.Context, now time.Time, limit int) ([]string, error)
	Len(ctx context.Context) (int, error)
}

type job struct {
	id    string
	at    time.Time
	index int
}

type jobHeap []*job

func (h jobHeap) Len() int { return len(h) }

func (h jobHeap) Less(i, j int) bool {
	if h[i].at.Equal(h[j].at) {
		return h[i].id < h[j].id
	}
	return h[i].at.Before(h[j].at)
}

func (h jobHeap) Swap(i, j int) {
	h[i], h[j] = h[j], h[i]
	h[i].index = i
	h[j].index = j
}

func (h *jobHeap) Push(x interface{}) {
	j := x.(*job)
	j.index = len(*h)
	*h = append(*h, j)
}

func (h *jobHeap) Pop() interface{} {
	old := *h
	n := len(old)
	j := old[n-1]
	old[n-1] = nil
	j.index = -1
	*h = old[:n-1]
	return j
}

// MemoryQueue is a min-heap on due time for single-instance deployments.
type MemoryQueue struct {
	mu   sync.Mutex
	heap jobHeap
	byID map[string]*job
}

func NewMemoryQueue() *MemoryQueue {
	return &MemoryQueue{byID: make(map[string]*job)}
}

func (q *MemoryQueue) Add(_ context.Context, id string, at time.Time) error {
	q.mu.Lock()
	defer q.mu.Unlock()

	if j, ok := q.byID[id]; ok {
		j.at = at
		heap.Fix(&q.heap, j.index)
		return nil
	}
	j := &job{id: id, at: at}
	heap.Push(&q.heap, j)
	q.byID[id] = j
	return nil
}

func (q *MemoryQueue) Remove(_ context.Context, id string) error {
	q.mu.Lock()
	defer q.mu.Unlock()

	if j, ok := q.byID[id]; ok {
		heap.Remove(&q.heap, j.index)
		delete(q.byID, id)
	}
	return nil
}

func (q *MemoryQueue) PopDue(_ context.Context, now time.Time, limit int) ([]string, error) {
	q.mu.Lock()
	defer q.mu.Unlock()

	var due []string
	for q.heap.Len() > 0 && len(due) < limit {
		next := q.heap[0]
		if next.at.After(now) {
			break
		}
		heap.Pop(&q.heap)
		delete(q.byID, next.id)
		due = append(due, next.id)
	}
	return due, nil
}

func (q *MemoryQueue) Len(context.Context) (int, error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.heap.Len(), nil
}

// DefaultRedisKey is the sorted set holding scheduled bookings.
const DefaultRedisKey = "bookings:scheduled"

// RedisQueue keeps jobs in a sorted set scored by due time in unix
// milliseconds, so several instances can share one schedule. A job belongs
// to whichever instance removes it from the set.
type RedisQueue struct {
	client *redis.Client
	key    string
}

func NewRedisQueue(client *redis.Client, key string) *RedisQueue {
	if key == "" {
		key = DefaultRedisKey
	}
	return &RedisQueue{client: client, key: key}
}

func (q *RedisQueue) Add(ctx context.Context, id string, at time.Time) error {
	err := q.client.ZAdd(ctx, q.key, redis.Z{Score: float64(at.UnixMilli()), Member: id}).Err()
	if err != nil {
		return fmt.Errorf("schedule %s: %w", id, err)
	}
	return nil
}

func (q *RedisQueue) Remove(ctx context.Context, id string) error {
	if err := q.client.ZRem(ctx, q.key, id).Err(); err != nil {
		return fmt.Errorf("unschedule %s: %w", id, err)
	}
	return nil
}

func (q *RedisQueue) PopDue(ctx context.Context, now time.Time, limit int) ([]string, error) {
	candidates, err := q.client.ZRangeByScore(ctx, q.key, &redis.ZRangeBy{
		Min:   "-inf",
		Max:   strconv.FormatInt(now.UnixMilli(), 10),
		Count: int64(limit),
	}).Result()
	if err != nil {
		return nil, fmt.Errorf("read due jobs: %w", err)
	}

	var claimed []string
	for _, id := range candidates {
		removed, err := q.client.ZRem(ctx, q.key, id).Result()
		if err != nil {
			return claimed, fmt.Errorf("claim job %s: %w", id, err)
		}
		// another instance got there first
		if removed == 0 {
			continue
		}
		claimed = append(claimed, id)
	}
	return claimed, nil
}

func (q *RedisQueue) Len(ctx context.Context) (int, error) {
	n, err := q.client.ZCard(ctx, q.key).Result()
	if err != nil {
		return 0, err
	}
	return int(n), nil
}
