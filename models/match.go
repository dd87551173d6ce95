package models

import (
	"fmt"
	"sort"
	"strings"
	"time"

	"gorm.io/gorm"
)

// Match format / type / tier enums. Stored as short strings with check
// constraints so bad values never reach the ledger.
const (
	FormatSingles = "singles"
	FormatDoubles = "doubles"

	MatchTypeCasual     = "casual"
	MatchTypeLeague     = "league"
	MatchTypeTournament = "tournament"

	EventTierLocal         = "local"
	EventTierRegional      = "regional"
	EventTierNational      = "national"
	EventTierInternational = "international"

	StatusPending   = "pending"
	StatusValidated = "validated"
	StatusDisputed  = "disputed"
	StatusRejected  = "rejected"

	SideA = "A"
	SideB = "B"
)

// MatchRecord is the immutable ledger row for one physical match. Rows are
// append-only; the only permitted mutation after validation is corrective
// deletion of proven duplicates by the cleanup executor.
type MatchRecord struct {
	ID string `gorm:"primaryKey;type:uuid;default:gen_random_uuid()" json:"id"`

	Format    string `json:"format" gorm:"type:varchar(16);not null;check:format IN ('singles','doubles')"`
	MatchType string `json:"match_type" gorm:"type:varchar(16);not null;check:match_type IN ('casual','league','tournament')"`
	EventTier string `json:"event_tier" gorm:"type:varchar(16);not null;check:event_tier IN ('local','regional','national','international')"`

	// Bucket dimensions the match counts toward.
	AgeDivision string `json:"age_division" gorm:"type:varchar(16);not null"`
	SkillTier   string `json:"skill_tier" gorm:"type:varchar(16);not null"`

	ScoreA      int    `json:"score_a"`
	ScoreB      int    `json:"score_b"`
	WinningSide string `json:"winning_side" gorm:"type:varchar(1);check:winning_side IN ('A','B')"`

	// RecordedAt reflects the real-world occurrence at millisecond
	// precision. Two records sharing participants, scores and the same
	// millisecond are presumptively the same physical event.
	RecordedAt time.Time `json:"recorded_at" gorm:"index;not null"`

	ValidationStatus string `json:"validation_status" gorm:"type:varchar(16);default:'pending';check:validation_status IN ('pending','validated','disputed','rejected')"`

	Participants []MatchParticipant `json:"participants" gorm:"foreignKey:MatchID"`

	Timestamps
}

// MatchParticipant is one player's slot in a match. PointsBefore snapshots
// the player's bucket ranking points at reward time, which is what makes
// chronological recomputation reproduce the original deltas exactly.
type MatchParticipant struct {
	ID       string `gorm:"primaryKey;type:uuid;default:gen_random_uuid()" json:"id"`
	MatchID  string `gorm:"index;not null" json:"match_id"`
	PlayerID string `gorm:"index;not null" json:"player_id"`
	Side     string `json:"side" gorm:"type:varchar(1);not null;check:side IN ('A','B')"`
	Slot     int    `json:"slot" gorm:"default:0"`

	PointsBefore float64 `json:"points_before" gorm:"default:0"`
}

// SidePlayers returns the participant rows on one side, slot order.
func (m *MatchRecord) SidePlayers(side string) []MatchParticipant {
	var out []MatchParticipant
	for _, p := range m.Participants {
		if p.Side == side {
			out = append(out, p)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Slot < out[j].Slot })
	return out
}

// PlayerSide returns which side a player played on, or "" if absent.
func (m *MatchRecord) PlayerSide(playerID string) string {
	for _, p := range m.Participants {
		if p.PlayerID == playerID {
			return p.Side
		}
	}
	return ""
}

// BucketKey returns the ranking bucket this match counts toward.
func (m *MatchRecord) BucketKey() BucketKey {
	return BucketKey{Format: m.Format, AgeDivision: m.AgeDivision, SkillTier: m.SkillTier}
}

// DuplicateSignature canonicalizes (participant set, scores, format,
// millisecond timestamp). Records with equal signatures describe the same
// physical event.
func (m *MatchRecord) DuplicateSignature() string {
	ids := make([]string, 0, len(m.Participants))
	for _, p := range m.Participants {
		ids = append(ids, p.PlayerID)
	}
	sort.Strings(ids)
	return fmt.Sprintf("%s|%d-%d|%s|%d", strings.Join(ids, ","), m.ScoreA, m.ScoreB, m.Format, m.RecordedAt.UnixMilli())
}

// Timestamps adds GORM auto-times
type Timestamps struct {
	CreatedAt time.Time      `json:"created_at" gorm:"autoCreateTime"`
	UpdatedAt time.Time      `json:"updated_at" gorm:"autoUpdateTime"`
	DeletedAt gorm.DeletedAt `json:"deleted_at,omitempty" gorm:"index"`
}
