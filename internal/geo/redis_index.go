package geo

import (
	"context"
	"fmt"
	"sort"

	"github.com/redis/go-redis/v9"
)

const cellKeyPrefix = "geo:cell:"

// RedisIndex stores one Redis set per cell so several instances can share
// the index.
type RedisIndex struct {
	client *redis.Client
	grid   Grid
}

func NewRedisIndex(client *redis.Client, grid Grid) *RedisIndex {
	return &RedisIndex{client: client, grid: grid}
}

func cellKey(cell CellID) string {
	return cellKeyPrefix + cell.String()
}

func (r *RedisIndex) Insert(ctx context.Context, driverID string, cell CellID) error {
	if err := r.client.SAdd(ctx, cellKey(cell), driverID).Err(); err != nil {
		return fmt.Errorf("insert %s into %s: %w", driverID, cell, err)
	}
	return nil
}

// Remove relies on Redis deleting a set once its last member is removed.
func (r *RedisIndex) Remove(ctx context.Context, driverID string, cell CellID) error {
	if err := r.client.SRem(ctx, cellKey(cell), driverID).Err(); err != nil {
		return fmt.Errorf("remove %s from %s: %w", driverID, cell, err)
	}
	return nil
}

func (r *RedisIndex) Move(ctx context.Context, driverID string, from, to CellID) error {
	_, err := r.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		if from != to {
			pipe.SRem(ctx, cellKey(from), driverID)
		}
		pipe.SAdd(ctx, cellKey(to), driverID)
		return nil
	})
	if err != nil {
		return fmt.Errorf("move %s from %s to %s: %w", driverID, from, to, err)
	}
	return nil
}

func (r *RedisIndex) RingQuery(ctx context.Context, center CellID, k int) ([]string, error) {
	ids, err := r.CellsQuery(ctx, r.grid.Disk(center, k))
	if err != nil {
		return nil, fmt.Errorf("ring query around %s: %w", center, err)
	}
	return ids, nil
}

func (r *RedisIndex) CellsQuery(ctx context.Context, cells []CellID) ([]string, error) {
	if len(cells) == 0 {
		return []string{}, nil
	}

	pipe := r.client.Pipeline()
	cmds := make([]*redis.StringSliceCmd, len(cells))
	for i, cell := range cells {
		cmds[i] = pipe.SMembers(ctx, cellKey(cell))
	}
	if _, err := pipe.Exec(ctx); err != nil && err != redis.Nil {
		return nil, fmt.Errorf("read %d cells: %w", len(cells), err)
	}

	seen := make(map[string]struct{})
	for _, cmd := range cmds {
		members, err := cmd.Result()
		if err != nil && err != redis.Nil {
			return nil, fmt.Errorf("read %d cells: %w", len(cells), err)
		}
		for _, id := range members {
			seen[id] = struct{}{}
		}
	}

	out := make([]string, 0, len(seen))
	for id := range seen {
		out = append(out, id)
	}
	sort.Strings(out)
	return out, nil
}
