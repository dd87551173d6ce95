package services_test

import (
	"testing"
	"time"

	"pickleball-ranking-system/models"
	"pickleball-ranking-system/services"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func singlesMatch(winnerID string, winnerPts float64, loserID string, loserPts float64) *models.MatchRecord {
	return &models.MatchRecord{
		ID:               "m-" + winnerID + "-" + loserID,
		Format:           models.FormatSingles,
		MatchType:        models.MatchTypeCasual,
		EventTier:        models.EventTierLocal,
		AgeDivision:      "35+",
		SkillTier:        "4.0",
		ScoreA:           11,
		ScoreB:           7,
		WinningSide:      models.SideA,
		RecordedAt:       time.Date(2025, 8, 17, 13, 20, 33, 0, time.UTC),
		ValidationStatus: models.StatusValidated,
		Participants: []models.MatchParticipant{
			{PlayerID: winnerID, Side: models.SideA, Slot: 0, PointsBefore: winnerPts},
			{PlayerID: loserID, Side: models.SideB, Slot: 0, PointsBefore: loserPts},
		},
	}
}

func rewardFor(t *testing.T, rewards []services.ParticipantReward, playerID string) services.ParticipantReward {
	t.Helper()
	for _, r := range rewards {
		if r.PlayerID == playerID {
			return r
		}
	}
	t.Fatalf("no reward for player %s", playerID)
	return services.ParticipantReward{}
}

func TestCalculateMatchRewards_Deterministic(t *testing.T) {
	match := singlesMatch("alice", 42.5, "bob", 18.25)

	first, err := services.CalculateMatchRewards(match)
	require.NoError(t, err)

	for i := 0; i < 50; i++ {
		again, err := services.CalculateMatchRewards(match)
		require.NoError(t, err)
		assert.Equal(t, first, again, "repeated invocation %d diverged", i)
	}
}

func TestCalculateMatchRewards_XPRewardsParticipation(t *testing.T) {
	tests := []struct {
		name      string
		matchType string
		eventTier string
	}{
		{"casual local", models.MatchTypeCasual, models.EventTierLocal},
		{"league regional", models.MatchTypeLeague, models.EventTierRegional},
		{"tournament national", models.MatchTypeTournament, models.EventTierNational},
		{"tournament international", models.MatchTypeTournament, models.EventTierInternational},
	}

	var prevWinnerXP int64 = -1
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			match := singlesMatch("alice", 10, "bob", 10)
			match.MatchType = tt.matchType
			match.EventTier = tt.eventTier
			if tt.matchType == models.MatchTypeTournament {
				match.ScoreA, match.ScoreB = 15, 9
			}

			rewards, err := services.CalculateMatchRewards(match)
			require.NoError(t, err)

			winner := rewardFor(t, rewards, "alice")
			loser := rewardFor(t, rewards, "bob")

			assert.True(t, winner.IsWinner)
			assert.False(t, loser.IsWinner)
			assert.GreaterOrEqual(t, loser.XPDelta, int64(0), "losers still earn participation XP")
			assert.Greater(t, winner.XPDelta, loser.XPDelta, "win bonus applies")
			assert.Greater(t, winner.XPDelta, prevWinnerXP, "bigger stages pay more XP")
			prevWinnerXP = winner.XPDelta
		})
	}
}

// Monotonic relative-strength ordering:
// delta(win vs stronger) > delta(win vs equal) > delta(win vs weaker) >= 0,
// and the mirror ordering for losses.
func TestCalculateMatchRewards_RelativeStrengthOrdering(t *testing.T) {
	winVs := func(winnerPts, loserPts float64) (winDelta, lossDelta float64) {
		rewards, err := services.CalculateMatchRewards(singlesMatch("w", winnerPts, "l", loserPts))
		require.NoError(t, err)
		return rewardFor(t, rewards, "w").RankingPointDelta, rewardFor(t, rewards, "l").RankingPointDelta
	}

	upset, upsetLoss := winVs(30, 50)       // beat a stronger opponent
	even, evenLoss := winVs(40, 40)         // beat an equal
	expected, expectedLoss := winVs(50, 30) // beat a weaker opponent

	assert.Greater(t, upset, even)
	assert.Greater(t, even, expected)
	assert.GreaterOrEqual(t, expected, 0.0)

	// Losses mirror: losing to a weaker opponent costs more.
	assert.Less(t, upsetLoss, evenLoss)
	assert.Less(t, evenLoss, expectedLoss)
	assert.LessOrEqual(t, expectedLoss, 0.0)
}

// A win by the lower-ranked player yields a strictly larger positive delta
// than the higher-ranked player would earn for the reverse result.
func TestCalculateMatchRewards_UnderdogWinPaysMore(t *testing.T) {
	underdogRewards, err := services.CalculateMatchRewards(singlesMatch("b", 20, "a", 60))
	require.NoError(t, err)
	favoriteRewards, err := services.CalculateMatchRewards(singlesMatch("a", 60, "b", 20))
	require.NoError(t, err)

	underdogWin := rewardFor(t, underdogRewards, "b").RankingPointDelta
	favoriteWin := rewardFor(t, favoriteRewards, "a").RankingPointDelta
	assert.Greater(t, underdogWin, favoriteWin)
}

func TestCalculateMatchRewards_DoublesEqualSplit(t *testing.T) {
	match := &models.MatchRecord{
		ID:          "d1",
		Format:      models.FormatDoubles,
		MatchType:   models.MatchTypeLeague,
		EventTier:   models.EventTierRegional,
		AgeDivision: "19+",
		SkillTier:   "3.5",
		ScoreA:      11,
		ScoreB:      5,
		WinningSide: models.SideA,
		RecordedAt:  time.Now(),
		Participants: []models.MatchParticipant{
			{PlayerID: "w1", Side: models.SideA, Slot: 0, PointsBefore: 30},
			{PlayerID: "w2", Side: models.SideA, Slot: 1, PointsBefore: 50},
			{PlayerID: "l1", Side: models.SideB, Slot: 0, PointsBefore: 40},
			{PlayerID: "l2", Side: models.SideB, Slot: 1, PointsBefore: 40},
		},
	}

	rewards, err := services.CalculateMatchRewards(match)
	require.NoError(t, err)
	require.Len(t, rewards, 4)

	w1 := rewardFor(t, rewards, "w1")
	w2 := rewardFor(t, rewards, "w2")
	l1 := rewardFor(t, rewards, "l1")
	l2 := rewardFor(t, rewards, "l2")

	assert.Equal(t, w1.RankingPointDelta, w2.RankingPointDelta, "partners split equally")
	assert.Equal(t, l1.RankingPointDelta, l2.RankingPointDelta)
	assert.Greater(t, w1.RankingPointDelta, 0.0)
	assert.Less(t, l1.RankingPointDelta, 0.0)
	// Team strengths are equal (40 vs 40): each partner gets half the base
	// even-match swing.
	assert.InDelta(t, 5.0, w1.RankingPointDelta, 0.001)
}

func TestValidateMatchInput(t *testing.T) {
	valid := func() *models.MatchRecord {
		return singlesMatch("alice", 0, "bob", 0)
	}

	tests := []struct {
		name   string
		mutate func(*models.MatchRecord)
	}{
		{"tied score has no winner", func(m *models.MatchRecord) { m.ScoreA, m.ScoreB = 9, 9 }},
		{"score below point target", func(m *models.MatchRecord) { m.ScoreA, m.ScoreB = 9, 7 }},
		{"win-by-2 violated", func(m *models.MatchRecord) { m.ScoreA, m.ScoreB = 11, 10 }},
		{"overtime must end two ahead", func(m *models.MatchRecord) { m.ScoreA, m.ScoreB = 15, 9 }},
		{"winner inconsistent with score", func(m *models.MatchRecord) { m.WinningSide = models.SideB }},
		{"unknown format", func(m *models.MatchRecord) { m.Format = "triples" }},
		{"unknown match type", func(m *models.MatchRecord) { m.MatchType = "exhibition" }},
		{"unknown event tier", func(m *models.MatchRecord) { m.EventTier = "galactic" }},
		{"missing division", func(m *models.MatchRecord) { m.AgeDivision = "" }},
		{"singles with two on a side", func(m *models.MatchRecord) {
			m.Participants = append(m.Participants, models.MatchParticipant{PlayerID: "carol", Side: models.SideA, Slot: 1})
		}},
		{"player listed twice", func(m *models.MatchRecord) {
			m.Participants[1].PlayerID = "alice"
		}},
		{"zero timestamp", func(m *models.MatchRecord) { m.RecordedAt = time.Time{} }},
	}

	require.NoError(t, services.ValidateMatchInput(valid()))

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			m := valid()
			tt.mutate(m)
			err := services.ValidateMatchInput(m)
			require.Error(t, err)
			var ve *models.ValidationError
			assert.ErrorAs(t, err, &ve)
		})
	}
}
