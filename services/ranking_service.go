package services

import (
	"context"
	"errors"
	"fmt"
	"log"
	"math"
	"os"
	"strconv"

	"pickleball-ranking-system/cache"
	"pickleball-ranking-system/models"

	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

// DefaultRequiredMatches is the bucket eligibility threshold before a player
// shows up as ranked; overridable via RANKED_REQUIRED_MATCHES.
const DefaultRequiredMatches int64 = 10

// RankingService owns the multi-dimensional ranking index: per-player
// buckets keyed (format, age division, skill tier), the applied-matches set,
// and the redis leaderboard mirror.
type RankingService struct {
	DB              *gorm.DB
	Cache           *cache.LeaderboardCache // nil disables the mirror
	RequiredMatches int64
}

func NewRankingService(db *gorm.DB, lc *cache.LeaderboardCache) *RankingService {
	required := DefaultRequiredMatches
	if v := os.Getenv("RANKED_REQUIRED_MATCHES"); v != "" {
		if n, err := strconv.ParseInt(v, 10, 64); err == nil && n > 0 {
			required = n
		}
	}
	return &RankingService{DB: db, Cache: lc, RequiredMatches: required}
}

// EnsureBucket loads a player's bucket under a row lock, creating it on
// first touch. Concurrent submissions for the same player/bucket serialize
// here; disjoint players proceed in parallel.
func (s *RankingService) EnsureBucket(tx *gorm.DB, playerID string, key models.BucketKey) (*models.RankingBucket, error) {
	var bucket models.RankingBucket
	err := tx.Clauses(clause.Locking{Strength: "UPDATE"}).
		Where("player_id = ? AND format = ? AND age_division = ? AND skill_tier = ?",
			playerID, key.Format, key.AgeDivision, key.SkillTier).
		First(&bucket).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		bucket = models.RankingBucket{
			PlayerID:        playerID,
			Format:          key.Format,
			AgeDivision:     key.AgeDivision,
			SkillTier:       key.SkillTier,
			RequiredMatches: s.RequiredMatches,
		}
		if err := tx.Create(&bucket).Error; err != nil {
			return nil, err
		}
		return &bucket, nil
	}
	if err != nil {
		return nil, err
	}
	return &bucket, nil
}

// ApplyMatch counts one match into a bucket. Idempotent: a second call with
// the same match id is a no-op, which is what makes recomputation after
// cleanup safe. Returns whether the bucket actually changed.
func (s *RankingService) ApplyMatch(tx *gorm.DB, matchID string, bucket *models.RankingBucket, delta float64) (bool, error) {
	var existing models.AppliedMatch
	err := tx.Where("bucket_id = ? AND match_id = ?", bucket.ID, matchID).First(&existing).Error
	if err == nil {
		return false, nil // already counted
	}
	if !errors.Is(err, gorm.ErrRecordNotFound) {
		return false, err
	}

	applied := models.AppliedMatch{
		BucketID:   bucket.ID,
		MatchID:    matchID,
		PointDelta: delta,
	}
	if err := tx.Create(&applied).Error; err != nil {
		return false, err
	}

	bucket.RankingPoints = applyPointDelta(bucket.RankingPoints, delta)
	bucket.MatchCount++
	if err := tx.Save(bucket).Error; err != nil {
		return false, err
	}
	return true, nil
}

// GetPosition answers the progress/leaderboard display query.
func (s *RankingService) GetPosition(playerID string, key models.BucketKey) (*models.RankingPosition, error) {
	var bucket models.RankingBucket
	err := s.DB.Where("player_id = ? AND format = ? AND age_division = ? AND skill_tier = ?",
		playerID, key.Format, key.AgeDivision, key.SkillTier).
		First(&bucket).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		// No matches yet: an empty, unranked bucket.
		return &models.RankingPosition{
			PlayerID:        playerID,
			Format:          key.Format,
			AgeDivision:     key.AgeDivision,
			SkillTier:       key.SkillTier,
			RequiredMatches: s.RequiredMatches,
		}, nil
	}
	if err != nil {
		return nil, err
	}
	return &models.RankingPosition{
		PlayerID:        playerID,
		Format:          bucket.Format,
		AgeDivision:     bucket.AgeDivision,
		SkillTier:       bucket.SkillTier,
		RankingPoints:   bucket.RankingPoints,
		MatchCount:      bucket.MatchCount,
		RequiredMatches: bucket.RequiredMatches,
		IsRanked:        bucket.IsRanked(),
	}, nil
}

// RecomputeBucket rebuilds one bucket from scratch by replaying the reward
// calculator over every currently-valid match touching the player/bucket in
// chronological order. Used after cleanup so aggregates match the corrected
// ledger exactly.
func (s *RankingService) RecomputeBucket(tx *gorm.DB, playerID string, key models.BucketKey) (*models.RankingBucket, error) {
	bucket, err := s.EnsureBucket(tx, playerID, key)
	if err != nil {
		return nil, err
	}

	matches, err := loadValidMatches(tx, playerID, key)
	if err != nil {
		return nil, err
	}

	points, deltas, err := ReplayBucket(matches, playerID)
	if err != nil {
		return nil, err
	}

	if err := tx.Where("bucket_id = ?", bucket.ID).Delete(&models.AppliedMatch{}).Error; err != nil {
		return nil, err
	}
	for matchID, delta := range deltas {
		applied := models.AppliedMatch{BucketID: bucket.ID, MatchID: matchID, PointDelta: delta}
		if err := tx.Create(&applied).Error; err != nil {
			return nil, err
		}
	}

	bucket.RankingPoints = points
	bucket.MatchCount = int64(len(matches))
	if err := tx.Save(bucket).Error; err != nil {
		return nil, err
	}
	return bucket, nil
}

// ReplayBucket is the pure replay core: chronological application of the
// calculator over surviving matches, using the participant snapshots stored
// at original reward time. Returns the bucket's final points and each
// match's delta for this player. Exactly equivalent to incremental
// application, not merely close.
func ReplayBucket(matches []models.MatchRecord, playerID string) (float64, map[string]float64, error) {
	var points float64
	deltas := make(map[string]float64, len(matches))
	for i := range matches {
		match := &matches[i]
		rewards, err := CalculateMatchRewards(match)
		if err != nil {
			return 0, nil, fmt.Errorf("replay of match %s failed: %w", match.ID, err)
		}
		for _, r := range rewards {
			if r.PlayerID == playerID {
				deltas[match.ID] = r.RankingPointDelta
				points = applyPointDelta(points, r.RankingPointDelta)
			}
		}
	}
	return points, deltas, nil
}

// applyPointDelta accumulates with the per-player zero floor: ranking points
// never go negative.
func applyPointDelta(points, delta float64) float64 {
	next := round2(points + delta)
	return math.Max(0, next)
}

// loadValidMatches fetches the validated, surviving matches for one
// player/bucket, chronological with deterministic tie-breaks.
func loadValidMatches(tx *gorm.DB, playerID string, key models.BucketKey) ([]models.MatchRecord, error) {
	var matches []models.MatchRecord
	err := tx.
		Joins("JOIN match_participants mp ON mp.match_id = match_records.id").
		Where("mp.player_id = ?", playerID).
		Where("match_records.validation_status = ?", models.StatusValidated).
		Where("match_records.format = ? AND match_records.age_division = ? AND match_records.skill_tier = ?",
			key.Format, key.AgeDivision, key.SkillTier).
		Preload("Participants").
		Order("match_records.recorded_at ASC, match_records.created_at ASC, match_records.id ASC").
		Find(&matches).Error
	return matches, err
}

// RebuildXPTotal recomputes a player's lifetime XP from surviving ledger
// entries. The ledger rows are the source of truth; this is the audited sum.
func (s *RankingService) RebuildXPTotal(tx *gorm.DB, playerID string) (int64, error) {
	var total int64
	err := tx.Model(&models.XPLedgerEntry{}).
		Where("player_id = ?", playerID).
		Select("COALESCE(SUM(amount), 0)").
		Scan(&total).Error
	return total, err
}

// SyncLeaderboard pushes a bucket's standing into the redis mirror. Ranked
// buckets get a score, unranked ones are removed.
func (s *RankingService) SyncLeaderboard(ctx context.Context, bucket *models.RankingBucket) {
	if s.Cache == nil {
		return
	}
	key := bucket.Key().Canonical()
	var err error
	if bucket.IsRanked() {
		err = s.Cache.SetScore(ctx, key, bucket.PlayerID, bucket.RankingPoints)
	} else {
		err = s.Cache.Remove(ctx, key, bucket.PlayerID)
	}
	if err != nil {
		log.Printf("[LEADERBOARD] sync failed for %s/%s: %v", bucket.PlayerID, key, err)
	}
}

// RebuildLeaderboard re-derives one bucket key's full sorted set from the DB.
func (s *RankingService) RebuildLeaderboard(ctx context.Context, key models.BucketKey) error {
	if s.Cache == nil {
		return nil
	}
	var buckets []models.RankingBucket
	err := s.DB.Where("format = ? AND age_division = ? AND skill_tier = ?",
		key.Format, key.AgeDivision, key.SkillTier).
		Where("match_count >= required_matches").
		Find(&buckets).Error
	if err != nil {
		return err
	}
	scores := make(map[string]float64, len(buckets))
	for _, b := range buckets {
		scores[b.PlayerID] = b.RankingPoints
	}
	return s.Cache.Rebuild(ctx, key.Canonical(), scores)
}
