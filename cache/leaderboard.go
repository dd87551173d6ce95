package cache

import (
	"context"
	"fmt"

	"github.com/go-redis/redis/v8"
)

const leaderboardKeyPrefix = "leaderboard:"

// LeaderboardCache mirrors ranked-bucket standings into redis sorted sets,
// one set per bucket key. The database stays the source of truth; recompute
// passes rebuild the affected sets.
type LeaderboardCache struct {
	client *redis.Client
}

func NewLeaderboardCache(addr string) *LeaderboardCache {
	return &LeaderboardCache{
		client: redis.NewClient(&redis.Options{
			Addr: addr,
		}),
	}
}

func bucketSetKey(bucketKey string) string {
	return leaderboardKeyPrefix + bucketKey
}

// SetScore upserts a ranked player's points in the bucket's sorted set.
func (c *LeaderboardCache) SetScore(ctx context.Context, bucketKey, playerID string, points float64) error {
	return c.client.ZAdd(ctx, bucketSetKey(bucketKey), &redis.Z{
		Score:  points,
		Member: playerID,
	}).Err()
}

// Remove drops a player from the bucket's sorted set (bucket fell below the
// required-matches threshold, or the player's records were purged).
func (c *LeaderboardCache) Remove(ctx context.Context, bucketKey, playerID string) error {
	return c.client.ZRem(ctx, bucketSetKey(bucketKey), playerID).Err()
}

// Entry is one leaderboard row.
type Entry struct {
	Rank     int64   `json:"rank"`
	PlayerID string  `json:"player_id"`
	Points   float64 `json:"ranking_points"`
}

// Top returns the highest-ranked players in a bucket, best first.
func (c *LeaderboardCache) Top(ctx context.Context, bucketKey string, limit int64) ([]Entry, error) {
	zs, err := c.client.ZRevRangeWithScores(ctx, bucketSetKey(bucketKey), 0, limit-1).Result()
	if err != nil {
		return nil, fmt.Errorf("leaderboard read failed for %s: %w", bucketKey, err)
	}
	entries := make([]Entry, 0, len(zs))
	for i, z := range zs {
		member, _ := z.Member.(string)
		entries = append(entries, Entry{
			Rank:     int64(i + 1),
			PlayerID: member,
			Points:   z.Score,
		})
	}
	return entries, nil
}

// Rebuild atomically replaces a bucket's sorted set with fresh standings.
func (c *LeaderboardCache) Rebuild(ctx context.Context, bucketKey string, scores map[string]float64) error {
	key := bucketSetKey(bucketKey)
	pipe := c.client.TxPipeline()
	pipe.Del(ctx, key)
	for playerID, points := range scores {
		pipe.ZAdd(ctx, key, &redis.Z{Score: points, Member: playerID})
	}
	_, err := pipe.Exec(ctx)
	return err
}

// Ping verifies connectivity at startup.
func (c *LeaderboardCache) Ping(ctx context.Context) error {
	return c.client.Ping(ctx).Err()
}
