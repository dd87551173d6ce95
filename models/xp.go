package models

import "time"

// XP sources. Lifetime XP rewards participation and is reconstructable as
// the sum over ledger entries.
const (
	XPSourceMatch           = "match_participation"
	XPSourceTournamentBonus = "tournament_bonus"
	XPSourceAchievement     = "achievement"
)

// XPLedgerEntry is append-only: one row per (player, match) award. Entries
// are removed only when the cleanup executor deletes the duplicate match
// they were earned from.
type XPLedgerEntry struct {
	ID       string  `gorm:"primaryKey;type:uuid;default:gen_random_uuid()" json:"id"`
	PlayerID string  `gorm:"index;not null" json:"player_id"`
	MatchID  *string `gorm:"index" json:"match_id,omitempty"` // nil = non-match award

	Amount int64  `json:"amount" gorm:"not null;check:amount >= 0"`
	Source string `json:"source" gorm:"type:varchar(32);not null;check:source IN ('match_participation','tournament_bonus','achievement')"`

	AwardedAt time.Time `json:"awarded_at" gorm:"autoCreateTime"`
}
