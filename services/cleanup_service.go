package services

import (
	"context"
	"fmt"
	"log"
	"os"
	"time"

	"pickleball-ranking-system/models"
	"pickleball-ranking-system/utils"

	"gorm.io/gorm"
)

// CleanupService applies reconciliation plans: it removes confirmed
// duplicates, keeps the keeper record per logical match and recomputes every
// touched aggregate. Reusable and dry-run capable, never a one-off script.
type CleanupService struct {
	DB       *gorm.DB
	Rankings *RankingService
	Plans    *PlanStore

	// Strict halts the whole batch on a recomputation mismatch instead of
	// skipping the player. CLEANUP_STRICT=true enables it.
	Strict bool
}

func NewCleanupService(db *gorm.DB, rankings *RankingService, plans *PlanStore) *CleanupService {
	return &CleanupService{
		DB:       db,
		Rankings: rankings,
		Plans:    plans,
		Strict:   os.Getenv("CLEANUP_STRICT") == "true",
	}
}

// ValidatePlan rejects plans the executor cannot apply safely: a keeper
// implicated as a removal elsewhere, or one record removed by two clusters.
// Such plans go to manual review; guessing is never an option.
func ValidatePlan(plan *models.ReconciliationPlan) error {
	keepers := map[string]bool{}
	removals := map[string]bool{}
	for _, c := range plan.Clusters {
		if c.KeeperID == "" {
			return &models.IntegrityError{Reason: "cluster without keeper"}
		}
		keepers[c.KeeperID] = true
		for _, id := range c.RemoveIDs {
			if removals[id] {
				return &models.IntegrityError{RecordID: id, Reason: "removed by two overlapping clusters"}
			}
			removals[id] = true
		}
	}
	for id := range keepers {
		if removals[id] {
			return &models.IntegrityError{RecordID: id, Reason: "keeper also flagged for removal in another cluster"}
		}
	}
	return nil
}

// PlayerRemovals resolves which removal ids touch a player. Cluster
// sub-groups share one participant set, so membership in the cluster's
// player list is membership in each of its removals.
func PlayerRemovals(plan *models.ReconciliationPlan, playerID string) []string {
	var out []string
	for _, c := range plan.Clusters {
		touched := false
		for _, p := range c.PlayerIDs {
			if p == playerID {
				touched = true
				break
			}
		}
		if touched {
			out = append(out, c.RemoveIDs...)
		}
	}
	return out
}

// Execute applies a plan. Dry-run reports the would-be effects without
// mutating the ledger; live mode runs one atomic block per affected player
// (delete duplicates + recompute buckets + rebuild XP all-or-nothing) and is
// idempotent on re-runs. Interruption between players is safe: each player's
// block stands alone.
func (s *CleanupService) Execute(ctx context.Context, plan *models.ReconciliationPlan, dryRun bool) (*models.CleanupReport, error) {
	if err := ValidatePlan(plan); err != nil {
		return nil, err
	}

	report := &models.CleanupReport{
		PlanID:     plan.ID,
		DryRun:     dryRun,
		ExecutedAt: time.Now().UTC(),
	}

	for _, playerID := range plan.AffectedPlayers() {
		var pr models.PlayerCleanupReport
		var err error
		if dryRun {
			pr, err = s.previewPlayer(ctx, plan, playerID)
		} else {
			pr, err = s.cleanupPlayer(ctx, plan, playerID)
		}
		if err != nil {
			if s.Strict {
				return nil, fmt.Errorf("cleanup halted at player %s: %w", playerID, err)
			}
			log.Printf("⚠️ [CLEANUP] skipping player %s: %v", playerID, err)
			pr = models.PlayerCleanupReport{PlayerID: playerID, Skipped: true, SkipReason: err.Error()}
			report.SkippedPlayers++
		}
		report.Players = append(report.Players, pr)
		report.RemovedTotal += pr.RemovedCount
	}

	if !dryRun {
		s.refreshLeaderboards(ctx, plan)
		log.Printf("🧹 Cleanup %s applied: %d records removed, %d players skipped",
			plan.ID, report.RemovedTotal, report.SkippedPlayers)
		if utils.R2Enabled() {
			if url, err := utils.ArchiveReport(ctx, "cleanup-reports", plan.ID, report); err != nil {
				log.Printf("[CLEANUP] report archive failed: %v", err)
			} else {
				log.Printf("[CLEANUP] report archived: %s", url)
			}
		}
	}
	return report, nil
}

// cleanupPlayer is the per-player atomic block. Holds the player's bucket
// locks for its duration so a concurrent submission cannot compute deltas
// against a bucket mid-recomputation.
func (s *CleanupService) cleanupPlayer(ctx context.Context, plan *models.ReconciliationPlan, playerID string) (models.PlayerCleanupReport, error) {
	pr := models.PlayerCleanupReport{PlayerID: playerID}

	err := s.DB.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		removalIDs := PlayerRemovals(plan, playerID)

		// Keeper-preserving invariant: every keeper touching this player
		// must still exist before we delete anything.
		for _, c := range plan.Clusters {
			if !containsPlayer(c.PlayerIDs, playerID) {
				continue
			}
			var n int64
			if err := tx.Model(&models.MatchRecord{}).Where("id = ?", c.KeeperID).Count(&n).Error; err != nil {
				return err
			}
			if n == 0 {
				return &models.IntegrityError{RecordID: c.KeeperID, Reason: "keeper record missing from ledger"}
			}
		}

		var before, after playerState
		if err := capturePlayerState(tx, playerID, &before); err != nil {
			return err
		}

		// Flagged records are loaded unscoped: an earlier player's block may
		// have already soft-deleted a shared removal, but this player's
		// buckets still have to be recomputed against the corrected ledger.
		// Only still-live rows are deleted here, which keeps re-runs no-ops.
		var flagged []models.MatchRecord
		if len(removalIDs) > 0 {
			if err := tx.Unscoped().Where("id IN ?", removalIDs).Find(&flagged).Error; err != nil {
				return err
			}
		}

		bucketKeys := map[models.BucketKey]bool{}
		for i := range flagged {
			bucketKeys[flagged[i].BucketKey()] = true
			if flagged[i].DeletedAt.Valid {
				continue
			}
			if err := tx.Delete(&flagged[i]).Error; err != nil {
				return err
			}
			pr.RemovedCount++
		}
		if len(removalIDs) > 0 {
			if err := tx.Where("player_id = ? AND match_id IN ?", playerID, removalIDs).
				Delete(&models.XPLedgerEntry{}).Error; err != nil {
				return err
			}
		}

		for key := range bucketKeys {
			bucket, err := s.Rankings.RecomputeBucket(tx, playerID, key)
			if err != nil {
				return err
			}
			if err := assertBucketConsistent(tx, bucket, removalIDs); err != nil {
				return err
			}
		}

		if err := capturePlayerState(tx, playerID, &after); err != nil {
			return err
		}
		pr.MatchesBefore = before.matches
		pr.MatchesAfter = after.matches
		pr.PointsBefore = before.points
		pr.PointsAfter = after.points
		pr.XPBefore = before.xp
		pr.XPAfter = after.xp
		return nil
	})
	return pr, err
}

// RemovalOwners attributes every removal record to the single player whose
// block deletes it in a live run: the first entry of AffectedPlayers touching
// the record's cluster. Preview uses it so dry-run and live runs count each
// deleted record exactly once.
func RemovalOwners(plan *models.ReconciliationPlan) map[string]string {
	rank := map[string]int{}
	for i, p := range plan.AffectedPlayers() {
		rank[p] = i
	}
	owners := map[string]string{}
	for _, c := range plan.Clusters {
		owner := ""
		for _, p := range c.PlayerIDs {
			if owner == "" || rank[p] < rank[owner] {
				owner = p
			}
		}
		for _, id := range c.RemoveIDs {
			owners[id] = owner
		}
	}
	return owners
}

// previewPlayer computes the same before/after report without mutating
// anything: surviving matches are replayed in memory.
func (s *CleanupService) previewPlayer(ctx context.Context, plan *models.ReconciliationPlan, playerID string) (models.PlayerCleanupReport, error) {
	pr := models.PlayerCleanupReport{PlayerID: playerID}
	tx := s.DB.WithContext(ctx)

	var before playerState
	if err := capturePlayerState(tx, playerID, &before); err != nil {
		return pr, err
	}
	pr.MatchesBefore = before.matches
	pr.PointsBefore = before.points
	pr.XPBefore = before.xp

	removalIDs := PlayerRemovals(plan, playerID)
	removed := map[string]bool{}
	for _, id := range removalIDs {
		removed[id] = true
	}

	// Count the records this player's live block would delete: owned by this
	// player and still present, validation status irrelevant.
	var owned []string
	for id, owner := range RemovalOwners(plan) {
		if owner == playerID {
			owned = append(owned, id)
		}
	}
	if len(owned) > 0 {
		if err := tx.Model(&models.MatchRecord{}).Where("id IN ?", owned).
			Count(&pr.RemovedCount).Error; err != nil {
			return pr, err
		}
	}

	var buckets []models.RankingBucket
	if err := tx.Where("player_id = ?", playerID).Find(&buckets).Error; err != nil {
		return pr, err
	}
	pr.PointsAfter = make(map[string]float64, len(buckets))
	pr.MatchesAfter = 0
	for _, b := range buckets {
		matches, err := loadValidMatches(tx, playerID, b.Key())
		if err != nil {
			return pr, err
		}
		var surviving []models.MatchRecord
		for _, m := range matches {
			if removed[m.ID] {
				continue
			}
			surviving = append(surviving, m)
		}
		points, _, err := ReplayBucket(surviving, playerID)
		if err != nil {
			return pr, err
		}
		pr.PointsAfter[b.Key().Canonical()] = points
		pr.MatchesAfter += int64(len(surviving))
	}

	var removedXP int64
	if len(removalIDs) > 0 {
		if err := tx.Model(&models.XPLedgerEntry{}).
			Where("player_id = ? AND match_id IN ?", playerID, removalIDs).
			Select("COALESCE(SUM(amount), 0)").
			Scan(&removedXP).Error; err != nil {
			return pr, err
		}
	}
	pr.XPAfter = pr.XPBefore - removedXP
	return pr, nil
}

type playerState struct {
	matches int64
	points  map[string]float64
	xp      int64
}

func capturePlayerState(tx *gorm.DB, playerID string, st *playerState) error {
	err := tx.Model(&models.MatchRecord{}).
		Joins("JOIN match_participants mp ON mp.match_id = match_records.id").
		Where("mp.player_id = ? AND match_records.validation_status = ?", playerID, models.StatusValidated).
		Count(&st.matches).Error
	if err != nil {
		return err
	}

	var buckets []models.RankingBucket
	if err := tx.Where("player_id = ?", playerID).Find(&buckets).Error; err != nil {
		return err
	}
	st.points = make(map[string]float64, len(buckets))
	for _, b := range buckets {
		st.points[b.Key().Canonical()] = b.RankingPoints
	}

	return tx.Model(&models.XPLedgerEntry{}).
		Where("player_id = ?", playerID).
		Select("COALESCE(SUM(amount), 0)").
		Scan(&st.xp).Error
}

// assertBucketConsistent is the post-recompute invariant check: the applied
// set must match the bucket's count and contain no removed matches.
func assertBucketConsistent(tx *gorm.DB, bucket *models.RankingBucket, removalIDs []string) error {
	var appliedCount int64
	if err := tx.Model(&models.AppliedMatch{}).Where("bucket_id = ?", bucket.ID).Count(&appliedCount).Error; err != nil {
		return err
	}
	if appliedCount != bucket.MatchCount {
		return &models.RecomputationMismatchError{
			PlayerID: bucket.PlayerID,
			Bucket:   bucket.Key().Canonical(),
			Detail:   fmt.Sprintf("applied set has %d entries, bucket counts %d", appliedCount, bucket.MatchCount),
		}
	}
	if len(removalIDs) > 0 {
		var stale int64
		if err := tx.Model(&models.AppliedMatch{}).
			Where("bucket_id = ? AND match_id IN ?", bucket.ID, removalIDs).
			Count(&stale).Error; err != nil {
			return err
		}
		if stale > 0 {
			return &models.RecomputationMismatchError{
				PlayerID: bucket.PlayerID,
				Bucket:   bucket.Key().Canonical(),
				Detail:   fmt.Sprintf("%d removed matches still applied", stale),
			}
		}
	}
	if bucket.RankingPoints < 0 {
		return &models.RecomputationMismatchError{
			PlayerID: bucket.PlayerID,
			Bucket:   bucket.Key().Canonical(),
			Detail:   fmt.Sprintf("negative ranking points %f", bucket.RankingPoints),
		}
	}
	return nil
}

func (s *CleanupService) refreshLeaderboards(ctx context.Context, plan *models.ReconciliationPlan) {
	keys := map[models.BucketKey]bool{}
	var records []models.MatchRecord
	ids := map[string]bool{}
	for _, c := range plan.Clusters {
		ids[c.KeeperID] = true
	}
	keeperIDs := make([]string, 0, len(ids))
	for id := range ids {
		keeperIDs = append(keeperIDs, id)
	}
	if len(keeperIDs) > 0 {
		if err := s.DB.Where("id IN ?", keeperIDs).Find(&records).Error; err != nil {
			log.Printf("[CLEANUP] leaderboard refresh lookup failed: %v", err)
			return
		}
	}
	for i := range records {
		keys[records[i].BucketKey()] = true
	}
	for key := range keys {
		if err := s.Rankings.RebuildLeaderboard(ctx, key); err != nil {
			log.Printf("[CLEANUP] leaderboard rebuild failed for %s: %v", key.Canonical(), err)
		}
	}
}

func containsPlayer(ids []string, playerID string) bool {
	for _, id := range ids {
		if id == playerID {
			return true
		}
	}
	return false
}
