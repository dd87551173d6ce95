package services

import (
	"context"
	"fmt"
	"log"
	"sort"
	"time"

	"pickleball-ranking-system/models"

	"gorm.io/gorm"
)

// RewardService is the write path of the engine: it admits matches to the
// ledger and applies rewards transactionally (match row + bucket updates +
// XP ledger append all commit or none do).
type RewardService struct {
	DB       *gorm.DB
	Rankings *RankingService
}

func NewRewardService(db *gorm.DB, rankings *RankingService) *RewardService {
	return &RewardService{DB: db, Rankings: rankings}
}

// MatchInput is the candidate record supplied by the submission surface.
type MatchInput struct {
	Format      string    `json:"format"`
	MatchType   string    `json:"match_type"`
	EventTier   string    `json:"event_tier"`
	AgeDivision string    `json:"age_division"`
	SkillTier   string    `json:"skill_tier"`
	ScoreA      int       `json:"score_a"`
	ScoreB      int       `json:"score_b"`
	RecordedAt  time.Time `json:"recorded_at"`

	SideA []string `json:"side_a"` // player ids, slot order
	SideB []string `json:"side_b"`

	// RequireConfirmation admits the record as pending; rewards apply once
	// a participant confirms it.
	RequireConfirmation bool `json:"require_confirmation"`
}

func (in *MatchInput) toRecord() *models.MatchRecord {
	match := &models.MatchRecord{
		Format:           in.Format,
		MatchType:        in.MatchType,
		EventTier:        in.EventTier,
		AgeDivision:      in.AgeDivision,
		SkillTier:        in.SkillTier,
		ScoreA:           in.ScoreA,
		ScoreB:           in.ScoreB,
		RecordedAt:       in.RecordedAt,
		ValidationStatus: models.StatusValidated,
	}
	if in.RequireConfirmation {
		match.ValidationStatus = models.StatusPending
	}
	for i, id := range in.SideA {
		match.Participants = append(match.Participants, models.MatchParticipant{PlayerID: id, Side: models.SideA, Slot: i})
	}
	for i, id := range in.SideB {
		match.Participants = append(match.Participants, models.MatchParticipant{PlayerID: id, Side: models.SideB, Slot: i})
	}
	return match
}

// RecordMatch validates, admits and (unless confirmation is pending)
// rewards one match. Returns the committed record and the per-participant
// deltas for immediate UI feedback.
func (s *RewardService) RecordMatch(ctx context.Context, input *MatchInput) (*models.MatchRecord, []ParticipantReward, error) {
	match := input.toRecord()
	if err := ValidateMatchInput(match); err != nil {
		return nil, nil, err
	}

	var rewards []ParticipantReward
	var touched []*models.RankingBucket

	err := s.DB.Transaction(func(tx *gorm.DB) error {
		if err := s.refuseExactDuplicate(tx, match); err != nil {
			return err
		}
		if err := tx.Create(match).Error; err != nil {
			return fmt.Errorf("failed to admit match to ledger: %w", err)
		}
		if match.ValidationStatus != models.StatusValidated {
			return nil // rewards wait for confirmation
		}
		var err error
		rewards, touched, err = s.applyValidatedMatch(tx, match)
		return err
	})
	if err != nil {
		return nil, nil, err
	}

	for _, b := range touched {
		s.Rankings.SyncLeaderboard(ctx, b)
	}
	if match.ValidationStatus == models.StatusValidated {
		log.Printf("🏓 Match recorded: %s (%s %s/%s) %d participants rewarded",
			match.ID, match.Format, match.AgeDivision, match.SkillTier, len(rewards))
	}
	return match, rewards, nil
}

// ConfirmMatch is the participant-confirmation transition pending→validated.
// Reward application happens here for records admitted with confirmation
// required; only a participant may confirm.
func (s *RewardService) ConfirmMatch(ctx context.Context, matchID, playerID string) (*models.MatchRecord, []ParticipantReward, error) {
	var match models.MatchRecord
	var rewards []ParticipantReward
	var touched []*models.RankingBucket

	err := s.DB.Transaction(func(tx *gorm.DB) error {
		if err := tx.Preload("Participants").First(&match, "id = ?", matchID).Error; err != nil {
			return err
		}
		if match.PlayerSide(playerID) == "" {
			return &models.ValidationError{Field: "player_id", Reason: "not a participant of this match"}
		}
		switch match.ValidationStatus {
		case models.StatusValidated:
			return nil // already confirmed; idempotent
		case models.StatusRejected, models.StatusDisputed:
			return &models.ValidationError{Field: "validation_status", Reason: fmt.Sprintf("match is %s", match.ValidationStatus)}
		}

		match.ValidationStatus = models.StatusValidated
		if err := tx.Save(&match).Error; err != nil {
			return err
		}
		var err error
		rewards, touched, err = s.applyValidatedMatch(tx, &match)
		return err
	})
	if err != nil {
		return nil, nil, err
	}

	for _, b := range touched {
		s.Rankings.SyncLeaderboard(ctx, b)
	}
	return &match, rewards, nil
}

// applyValidatedMatch runs inside the admission transaction: snapshot each
// participant's bucket, compute deltas, apply them idempotently and append
// the XP ledger rows.
func (s *RewardService) applyValidatedMatch(tx *gorm.DB, match *models.MatchRecord) ([]ParticipantReward, []*models.RankingBucket, error) {
	key := match.BucketKey()

	// Lock buckets in a fixed player order so concurrent submissions
	// touching overlapping players cannot deadlock.
	order := make([]int, len(match.Participants))
	for i := range order {
		order[i] = i
	}
	sort.Slice(order, func(a, b int) bool {
		return match.Participants[order[a]].PlayerID < match.Participants[order[b]].PlayerID
	})

	buckets := make(map[string]*models.RankingBucket, len(match.Participants))
	for _, i := range order {
		p := &match.Participants[i]
		bucket, err := s.Rankings.EnsureBucket(tx, p.PlayerID, key)
		if err != nil {
			return nil, nil, err
		}
		buckets[p.PlayerID] = bucket
		p.PointsBefore = bucket.RankingPoints
		if err := tx.Model(&models.MatchParticipant{}).
			Where("id = ?", p.ID).
			Update("points_before", p.PointsBefore).Error; err != nil {
			return nil, nil, err
		}
	}

	rewards, err := CalculateMatchRewards(match)
	if err != nil {
		return nil, nil, err
	}

	var touched []*models.RankingBucket
	for _, r := range rewards {
		bucket := buckets[r.PlayerID]
		applied, err := s.Rankings.ApplyMatch(tx, match.ID, bucket, r.RankingPointDelta)
		if err != nil {
			return nil, nil, err
		}
		if !applied {
			continue
		}
		entry := models.XPLedgerEntry{
			PlayerID: r.PlayerID,
			MatchID:  &match.ID,
			Amount:   r.XPDelta,
			Source:   models.XPSourceMatch,
		}
		if err := tx.Create(&entry).Error; err != nil {
			return nil, nil, err
		}
		touched = append(touched, bucket)
	}
	return rewards, touched, nil
}

// refuseExactDuplicate is the write-time guard: an exact duplicate of an
// already-committed match (same participants/score/millisecond) is refused
// with a ConflictError before any reward math runs.
func (s *RewardService) refuseExactDuplicate(tx *gorm.DB, match *models.MatchRecord) error {
	msStart := match.RecordedAt.Truncate(time.Millisecond)
	var candidates []models.MatchRecord
	err := tx.Where("recorded_at >= ? AND recorded_at < ? AND format = ?",
		msStart, msStart.Add(time.Millisecond), match.Format).
		Preload("Participants").
		Find(&candidates).Error
	if err != nil {
		return err
	}
	sig := match.DuplicateSignature()
	for i := range candidates {
		if candidates[i].DuplicateSignature() == sig {
			return &models.ConflictError{ExistingMatchID: candidates[i].ID}
		}
	}
	return nil
}

// XPSummary is the lifetime XP read: the reconstructable total plus recent
// ledger entries.
type XPSummary struct {
	PlayerID string                 `json:"player_id"`
	TotalXP  int64                  `json:"total_xp"`
	Recent   []models.XPLedgerEntry `json:"recent"`
}

func (s *RewardService) GetXPSummary(playerID string, limit int) (*XPSummary, error) {
	if limit < 1 || limit > 100 {
		limit = 20
	}
	total, err := s.Rankings.RebuildXPTotal(s.DB, playerID)
	if err != nil {
		return nil, err
	}
	var recent []models.XPLedgerEntry
	if err := s.DB.Where("player_id = ?", playerID).
		Order("awarded_at DESC").
		Limit(limit).
		Find(&recent).Error; err != nil {
		return nil, err
	}
	return &XPSummary{PlayerID: playerID, TotalXP: total, Recent: recent}, nil
}
