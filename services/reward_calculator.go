package services

import (
	"fmt"
	"math"

	"pickleball-ranking-system/models"
)

// XP weights: participation always pays, winning and bigger stages pay more.
// Tournament > league > casual; international > regional > local.
const (
	BaseParticipationXP int64 = 10
	WinBonusXP          int64 = 15
)

var matchTypeXP = map[string]int64{
	models.MatchTypeCasual:     0,
	models.MatchTypeLeague:     10,
	models.MatchTypeTournament: 25,
}

var eventTierXP = map[string]int64{
	models.EventTierLocal:         0,
	models.EventTierRegional:      10,
	models.EventTierNational:      25,
	models.EventTierInternational: 50,
}

// Ranking-point transform. Not literal Elo: the win delta is the base value
// scaled by how unexpected the result was, derived from the bucket point
// differential, then clamped. Guarantees
// delta(win vs stronger) > delta(win vs equal) > delta(win vs weaker) >= 0.
const (
	baseWinDelta    = 10.0
	ratingSpread    = 50.0 // differential producing ~10x expected-win odds
	minRankingDelta = 2.0
	maxRankingDelta = 20.0
)

// ParticipantReward is the per-player output of the calculator.
type ParticipantReward struct {
	PlayerID          string  `json:"player_id"`
	IsWinner          bool    `json:"is_winner"`
	XPDelta           int64   `json:"xp_delta"`
	RankingPointDelta float64 `json:"ranking_point_delta"`
}

// expectedScore is the logistic win probability of side a over side b given
// their current ranking-point totals.
func expectedScore(a, b float64) float64 {
	return 1.0 / (1.0 + math.Pow(10, (b-a)/ratingSpread))
}

// round2 fixes rounding so recomputation is bit-for-bit reproducible.
func round2(x float64) float64 {
	return math.Round(x*100) / 100
}

func clampDelta(d float64) float64 {
	if d < minRankingDelta {
		return minRankingDelta
	}
	if d > maxRankingDelta {
		return maxRankingDelta
	}
	return d
}

// xpDelta computes one participant's XP award. Always >= 0, losers included:
// XP rewards participation, not just victory.
func xpDelta(match *models.MatchRecord, isWinner bool) int64 {
	xp := BaseParticipationXP + matchTypeXP[match.MatchType] + eventTierXP[match.EventTier]
	if isWinner {
		xp += WinBonusXP
	}
	return xp
}

// CalculateMatchRewards is the pure reward function: given one validated
// match and the participants' bucket snapshots (PointsBefore on each
// participant row), it returns every participant's XP and ranking-point
// deltas. Deterministic by construction, which is what makes recomputation
// after cleanup safe.
func CalculateMatchRewards(match *models.MatchRecord) ([]ParticipantReward, error) {
	if match.WinningSide != models.SideA && match.WinningSide != models.SideB {
		return nil, &models.ValidationError{Field: "winning_side", Reason: "missing winner"}
	}
	winners := match.SidePlayers(match.WinningSide)
	losingSide := models.SideA
	if match.WinningSide == models.SideA {
		losingSide = models.SideB
	}
	losers := match.SidePlayers(losingSide)
	if len(winners) == 0 || len(losers) == 0 {
		return nil, &models.ValidationError{Field: "participants", Reason: "side without players"}
	}

	winnerPts := sideStrength(winners)
	loserPts := sideStrength(losers)

	// The less expected the win, the bigger the swing. Zero-sum-like: the
	// losing side gives up what the winning side gains (per-player floors
	// are applied by the ranking index, never here).
	teamDelta := clampDelta(2 * baseWinDelta * (1 - expectedScore(winnerPts, loserPts)))

	rewards := make([]ParticipantReward, 0, len(match.Participants))
	for _, p := range winners {
		rewards = append(rewards, ParticipantReward{
			PlayerID:          p.PlayerID,
			IsWinner:          true,
			XPDelta:           xpDelta(match, true),
			RankingPointDelta: splitTeamDelta(teamDelta, len(winners)),
		})
	}
	for _, p := range losers {
		rewards = append(rewards, ParticipantReward{
			PlayerID:          p.PlayerID,
			IsWinner:          false,
			XPDelta:           xpDelta(match, false),
			RankingPointDelta: -splitTeamDelta(teamDelta, len(losers)),
		})
	}
	return rewards, nil
}

// sideStrength is the side's current strength: the mean of the members'
// snapshot points.
func sideStrength(side []models.MatchParticipant) float64 {
	var sum float64
	for _, p := range side {
		sum += p.PointsBefore
	}
	return sum / float64(len(side))
}

// splitTeamDelta divides the team delta equally among partners. Equal split
// keeps replay independent of partner rating drift; weighting by prior
// rating would make recomputed history diverge from the live one.
func splitTeamDelta(teamDelta float64, teamSize int) float64 {
	return round2(teamDelta / float64(teamSize))
}

// ValidateMatchInput enforces ledger-admission shape rules: a winner must
// exist and the score must be consistent with the match type's point target
// (games to 11 win-by-2; tournaments play to 15).
func ValidateMatchInput(match *models.MatchRecord) error {
	switch match.Format {
	case models.FormatSingles, models.FormatDoubles:
	default:
		return &models.ValidationError{Field: "format", Reason: fmt.Sprintf("unknown format %q", match.Format)}
	}
	if _, ok := matchTypeXP[match.MatchType]; !ok {
		return &models.ValidationError{Field: "match_type", Reason: fmt.Sprintf("unknown match type %q", match.MatchType)}
	}
	if _, ok := eventTierXP[match.EventTier]; !ok {
		return &models.ValidationError{Field: "event_tier", Reason: fmt.Sprintf("unknown event tier %q", match.EventTier)}
	}
	if match.AgeDivision == "" || match.SkillTier == "" {
		return &models.ValidationError{Field: "division", Reason: "age division and skill tier are required"}
	}

	perSide := 1
	if match.Format == models.FormatDoubles {
		perSide = 2
	}
	if len(match.SidePlayers(models.SideA)) != perSide || len(match.SidePlayers(models.SideB)) != perSide {
		return &models.ValidationError{Field: "participants", Reason: fmt.Sprintf("%s requires %d players per side", match.Format, perSide)}
	}
	seen := map[string]bool{}
	for _, p := range match.Participants {
		if p.PlayerID == "" {
			return &models.ValidationError{Field: "participants", Reason: "player id missing"}
		}
		if seen[p.PlayerID] {
			return &models.ValidationError{Field: "participants", Reason: fmt.Sprintf("player %s listed twice", p.PlayerID)}
		}
		seen[p.PlayerID] = true
	}

	if match.ScoreA == match.ScoreB {
		return &models.ValidationError{Field: "score", Reason: "missing winner (tied score)"}
	}
	hi, lo := match.ScoreA, match.ScoreB
	winner := models.SideA
	if match.ScoreB > match.ScoreA {
		hi, lo = match.ScoreB, match.ScoreA
		winner = models.SideB
	}
	if match.WinningSide == "" {
		match.WinningSide = winner
	} else if match.WinningSide != winner {
		return &models.ValidationError{Field: "winning_side", Reason: "winner inconsistent with score"}
	}

	target := 11
	if match.MatchType == models.MatchTypeTournament {
		target = 15
	}
	if hi < target {
		return &models.ValidationError{Field: "score", Reason: fmt.Sprintf("winning score %d below point target %d", hi, target)}
	}
	if hi-lo < 2 {
		return &models.ValidationError{Field: "score", Reason: "win-by-2 not satisfied"}
	}
	if hi > target && hi-lo != 2 {
		return &models.ValidationError{Field: "score", Reason: "overtime games end exactly two points ahead"}
	}

	if match.RecordedAt.IsZero() {
		return &models.ValidationError{Field: "recorded_at", Reason: "timestamp required"}
	}
	return nil
}
