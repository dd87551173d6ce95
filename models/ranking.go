package models

import (
	"fmt"
	"time"
)

// BucketKey identifies one ranking scope: a player accumulates a separate
// ranking-points total per (format, age division, skill tier).
type BucketKey struct {
	Format      string `json:"format"`
	AgeDivision string `json:"age_division"`
	SkillTier   string `json:"skill_tier"`
}

// Canonical returns the stable string form used for redis leaderboard keys
// and log lines, e.g. "doubles:35+:4.0".
func (k BucketKey) Canonical() string {
	return fmt.Sprintf("%s:%s:%s", k.Format, k.AgeDivision, k.SkillTier)
}

// RankingBucket holds per-player, per-bucket aggregates (denormalized for
// position queries). RankingPoints and MatchCount are never edited directly:
// they are only moved by reward application and recomputation passes, so
// they always equal the sum/count over validated, non-duplicate matches.
type RankingBucket struct {
	ID       string `gorm:"primaryKey;type:uuid;default:gen_random_uuid()" json:"id"`
	PlayerID string `gorm:"not null;uniqueIndex:idx_player_bucket,priority:1" json:"player_id"`

	Format      string `gorm:"type:varchar(16);not null;uniqueIndex:idx_player_bucket,priority:2" json:"format"`
	AgeDivision string `gorm:"type:varchar(16);not null;uniqueIndex:idx_player_bucket,priority:3" json:"age_division"`
	SkillTier   string `gorm:"type:varchar(16);not null;uniqueIndex:idx_player_bucket,priority:4" json:"skill_tier"`

	RankingPoints   float64 `json:"ranking_points" gorm:"default:0"`
	MatchCount      int64   `json:"match_count" gorm:"default:0"`
	RequiredMatches int64   `json:"required_matches" gorm:"default:10"`

	Timestamps
}

// IsRanked reports bucket eligibility: the player appears on leaderboards
// only once enough matches have been played in the bucket.
func (b *RankingBucket) IsRanked() bool {
	return b.MatchCount >= b.RequiredMatches
}

// Key returns the bucket's dimension key.
func (b *RankingBucket) Key() BucketKey {
	return BucketKey{Format: b.Format, AgeDivision: b.AgeDivision, SkillTier: b.SkillTier}
}

// AppliedMatch is the applied-matches set backing applyMatch idempotency:
// one row per (bucket, match) already counted into the bucket aggregates.
// Hard-deleted on recompute, never soft-deleted: the unique index must see
// only live membership.
type AppliedMatch struct {
	ID       string `gorm:"primaryKey;type:uuid;default:gen_random_uuid()" json:"id"`
	BucketID string `gorm:"not null;uniqueIndex:idx_bucket_match,priority:1" json:"bucket_id"`
	MatchID  string `gorm:"not null;uniqueIndex:idx_bucket_match,priority:2" json:"match_id"`

	PointDelta float64 `json:"point_delta"`

	CreatedAt time.Time `json:"created_at" gorm:"autoCreateTime"`
}

// RankingPosition is the read shape for progress/leaderboard displays.
type RankingPosition struct {
	PlayerID        string  `json:"player_id"`
	Format          string  `json:"format"`
	AgeDivision     string  `json:"age_division"`
	SkillTier       string  `json:"skill_tier"`
	RankingPoints   float64 `json:"ranking_points"`
	MatchCount      int64   `json:"match_count"`
	RequiredMatches int64   `json:"required_matches"`
	IsRanked        bool    `json:"is_ranked"`
}
