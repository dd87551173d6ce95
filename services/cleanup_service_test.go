package services_test

import (
	"context"
	"fmt"
	"math"
	"os"
	"testing"
	"time"

	"pickleball-ranking-system/models"
	"pickleball-ranking-system/services"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gorm.io/driver/postgres"
	"gorm.io/gorm"
)

func TestValidatePlan(t *testing.T) {
	ok := &models.ReconciliationPlan{
		ID: "p1",
		Clusters: []models.DuplicateCluster{
			{KeeperID: "k1", RemoveIDs: []string{"r1", "r2"}, PlayerIDs: []string{"a", "b"}},
			{KeeperID: "k2", RemoveIDs: []string{"r3"}, PlayerIDs: []string{"c", "d"}},
		},
	}
	require.NoError(t, services.ValidatePlan(ok))

	tests := []struct {
		name string
		plan *models.ReconciliationPlan
	}{
		{
			"keeper flagged for removal elsewhere",
			&models.ReconciliationPlan{Clusters: []models.DuplicateCluster{
				{KeeperID: "k1", RemoveIDs: []string{"x"}},
				{KeeperID: "k2", RemoveIDs: []string{"k1"}},
			}},
		},
		{
			"record removed by two overlapping clusters",
			&models.ReconciliationPlan{Clusters: []models.DuplicateCluster{
				{KeeperID: "k1", RemoveIDs: []string{"x"}},
				{KeeperID: "k2", RemoveIDs: []string{"x"}},
			}},
		},
		{
			"cluster without keeper",
			&models.ReconciliationPlan{Clusters: []models.DuplicateCluster{
				{RemoveIDs: []string{"x"}},
			}},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := services.ValidatePlan(tt.plan)
			require.Error(t, err)
			var ie *models.IntegrityError
			assert.ErrorAs(t, err, &ie, "ambiguous plans surface for manual review")
		})
	}
}

func TestPlayerRemovals(t *testing.T) {
	plan := &models.ReconciliationPlan{
		Clusters: []models.DuplicateCluster{
			{KeeperID: "k1", RemoveIDs: []string{"r1", "r2"}, PlayerIDs: []string{"alice", "bob"}},
			{KeeperID: "k2", RemoveIDs: []string{"r3"}, PlayerIDs: []string{"carol", "dave"}},
			{KeeperID: "k3", RemoveIDs: []string{"r4"}, PlayerIDs: []string{"alice", "carol"}},
		},
	}

	assert.ElementsMatch(t, []string{"r1", "r2", "r4"}, services.PlayerRemovals(plan, "alice"))
	assert.ElementsMatch(t, []string{"r3", "r4"}, services.PlayerRemovals(plan, "carol"))
	assert.Empty(t, services.PlayerRemovals(plan, "nobody"))
	assert.ElementsMatch(t, []string{"alice", "bob", "carol", "dave"}, plan.AffectedPlayers())

	// Shared removals belong to exactly one counting owner, the first
	// affected player whose block reaches them.
	assert.Equal(t, map[string]string{
		"r1": "alice",
		"r2": "alice",
		"r3": "carol",
		"r4": "alice",
	}, services.RemovalOwners(plan))
}

// buildHistory produces a chronological match history for one player where
// each record's stored snapshot matches incremental application, the state
// live recording would have left behind.
func buildHistory(t *testing.T, playerID string, outcomes []bool) []models.MatchRecord {
	t.Helper()
	base := time.Date(2025, 6, 1, 10, 0, 0, 0, time.UTC)

	var history []models.MatchRecord
	points := 0.0
	for i, won := range outcomes {
		opponentPts := float64(20 + 5*i)
		var match *models.MatchRecord
		if won {
			match = singlesMatch(playerID, points, fmt.Sprintf("opp%d", i), opponentPts)
		} else {
			match = singlesMatch(fmt.Sprintf("opp%d", i), opponentPts, playerID, points)
		}
		match.ID = fmt.Sprintf("h%02d", i)
		match.RecordedAt = base.Add(time.Duration(i) * time.Hour)
		match.CreatedAt = match.RecordedAt

		rewards, err := services.CalculateMatchRewards(match)
		require.NoError(t, err)
		for _, r := range rewards {
			if r.PlayerID == playerID {
				points = math.Max(0, math.Round((points+r.RankingPointDelta)*100)/100)
			}
		}
		history = append(history, *match)
	}
	return history
}

// Recomputation equivalence: replaying the calculator over the ledger in
// chronological order reproduces the incrementally accumulated bucket state
// exactly, not approximately.
func TestReplayBucket_MatchesIncrementalApplication(t *testing.T) {
	outcomes := []bool{true, true, false, true, false, false, true, true}
	history := buildHistory(t, "alice", outcomes)

	// Incremental accumulation, the live recording path.
	incremental := 0.0
	for i := range history {
		rewards, err := services.CalculateMatchRewards(&history[i])
		require.NoError(t, err)
		for _, r := range rewards {
			if r.PlayerID == "alice" {
				incremental = math.Max(0, math.Round((incremental+r.RankingPointDelta)*100)/100)
			}
		}
	}

	replayed, deltas, err := services.ReplayBucket(history, "alice")
	require.NoError(t, err)
	assert.Equal(t, incremental, replayed, "recomputation is exactly reproducible")
	assert.Len(t, deltas, len(history))
}

func TestReplayBucket_PointsNeverNegative(t *testing.T) {
	history := buildHistory(t, "bob", []bool{false, false, false, false})
	points, _, err := services.ReplayBucket(history, "bob")
	require.NoError(t, err)
	assert.GreaterOrEqual(t, points, 0.0, "loss floor holds at zero")
}

// Cleanup conservation: removing duplicate records (identical outcome
// copies) and replaying leaves the survivors' win/loss composition intact
// and drops the match count by exactly the removed amount.
func TestReplayBucket_DuplicateRemovalConservation(t *testing.T) {
	history := buildHistory(t, "carol", []bool{true, false, true, true, false})

	// Inject duplicates of the second match, the way bulk corruption does.
	corrupted := make([]models.MatchRecord, 0, len(history)+2)
	corrupted = append(corrupted, history...)
	for i := 0; i < 2; i++ {
		dup := history[1]
		dup.ID = fmt.Sprintf("dup%d", i)
		dup.CreatedAt = dup.CreatedAt.Add(time.Duration(i+1) * time.Second)
		corrupted = append(corrupted, dup)
	}

	plan := services.BuildPlan(corrupted, defaultThresholds)
	require.Len(t, plan.Clusters, 1)
	require.Equal(t, "h01", plan.Clusters[0].KeeperID)
	require.Len(t, plan.Clusters[0].RemoveIDs, 2)

	removed := map[string]bool{}
	for _, id := range plan.Clusters[0].RemoveIDs {
		removed[id] = true
	}
	var surviving []models.MatchRecord
	for _, m := range corrupted {
		if !removed[m.ID] {
			surviving = append(surviving, m)
		}
	}

	require.Len(t, surviving, len(history), "match count drops by exactly the removed duplicates")

	cleanPoints, _, err := services.ReplayBucket(history, "carol")
	require.NoError(t, err)
	recoveredPoints, _, err := services.ReplayBucket(surviving, "carol")
	require.NoError(t, err)
	assert.Equal(t, cleanPoints, recoveredPoints, "survivors replay to the pre-corruption state")
}

// cleanupTestDB opens the database named by TEST_DATABASE_URL and resets the
// engine's tables. Bucket recomputation takes row locks, so executor tests
// need a real Postgres; they skip when the variable is unset.
func cleanupTestDB(t *testing.T) *gorm.DB {
	t.Helper()
	dsn := os.Getenv("TEST_DATABASE_URL")
	if dsn == "" {
		t.Skip("TEST_DATABASE_URL not set")
	}
	db, err := gorm.Open(postgres.Open(dsn), &gorm.Config{})
	require.NoError(t, err)
	require.NoError(t, db.AutoMigrate(
		&models.MatchRecord{}, &models.MatchParticipant{},
		&models.RankingBucket{}, &models.AppliedMatch{}, &models.XPLedgerEntry{},
	))
	for _, m := range []interface{}{
		&models.AppliedMatch{}, &models.XPLedgerEntry{},
		&models.MatchParticipant{}, &models.MatchRecord{}, &models.RankingBucket{},
	} {
		require.NoError(t, db.Session(&gorm.Session{AllowGlobalUpdate: true}).Unscoped().Delete(m).Error)
	}
	return db
}

// End-to-end executor run over a cluster with two participants. Every
// participant's bucket must be recomputed, including the one whose block runs
// after the shared duplicate was already deleted.
func TestCleanupExecute_RecomputesEveryParticipant(t *testing.T) {
	db := cleanupTestDB(t)
	ctx := context.Background()
	rankings := services.NewRankingService(db, nil)
	cleaner := services.NewCleanupService(db, rankings, services.NewPlanStore())

	base := time.Date(2025, 5, 1, 9, 0, 0, 0, time.UTC)
	alicePts, bobPts := 0.0, 0.0

	// seed persists one validated match plus its XP rows, with the snapshot
	// state a live double-submission would have left behind: the duplicate
	// advanced the running totals too.
	seed := func(id string, recordedAt, createdAt time.Time, aliceWins bool) models.MatchRecord {
		var m *models.MatchRecord
		if aliceWins {
			m = singlesMatch("alice", alicePts, "bob", bobPts)
		} else {
			m = singlesMatch("bob", bobPts, "alice", alicePts)
		}
		m.ID = id
		m.RecordedAt = recordedAt
		m.CreatedAt = createdAt

		rewards, err := services.CalculateMatchRewards(m)
		require.NoError(t, err)
		require.NoError(t, db.Create(m).Error)
		for _, r := range rewards {
			matchID := m.ID
			require.NoError(t, db.Create(&models.XPLedgerEntry{
				PlayerID: r.PlayerID,
				MatchID:  &matchID,
				Amount:   r.XPDelta,
				Source:   models.XPSourceMatch,
			}).Error)
			switch r.PlayerID {
			case "alice":
				alicePts = math.Max(0, math.Round((alicePts+r.RankingPointDelta)*100)/100)
			case "bob":
				bobPts = math.Max(0, math.Round((bobPts+r.RankingPointDelta)*100)/100)
			}
		}
		return *m
	}

	m0 := seed("m0", base, base, true)
	m1 := seed("m1", base.Add(time.Hour), base.Add(time.Hour), false)
	seed("d1", base.Add(time.Hour), base.Add(time.Hour+time.Second), false)
	m2 := seed("m2", base.Add(2*time.Hour), base.Add(2*time.Hour), true)
	surviving := []models.MatchRecord{m0, m1, m2}

	key := m0.BucketKey()
	require.NoError(t, db.Transaction(func(tx *gorm.DB) error {
		for _, p := range []string{"alice", "bob"} {
			if _, err := rankings.RecomputeBucket(tx, p, key); err != nil {
				return err
			}
		}
		return nil
	}))

	source := &services.GormLedgerSource{DB: db}
	records, err := source.LoadLedger(ctx)
	require.NoError(t, err)
	plan := services.BuildPlan(records, defaultThresholds)
	require.Len(t, plan.Clusters, 1)
	require.Equal(t, "m1", plan.Clusters[0].KeeperID)
	require.Equal(t, []string{"d1"}, plan.Clusters[0].RemoveIDs)

	expected := map[string]float64{}
	wantXP := map[string]int64{}
	for _, p := range []string{"alice", "bob"} {
		pts, _, err := services.ReplayBucket(surviving, p)
		require.NoError(t, err)
		expected[p] = pts
	}
	for i := range surviving {
		rewards, err := services.CalculateMatchRewards(&surviving[i])
		require.NoError(t, err)
		for _, r := range rewards {
			wantXP[r.PlayerID] += r.XPDelta
		}
	}

	preview, err := cleaner.Execute(ctx, plan, true)
	require.NoError(t, err)
	assert.Equal(t, int64(1), preview.RemovedTotal, "dry-run counts each record once")
	for _, pr := range preview.Players {
		assert.Equal(t, int64(4), pr.MatchesBefore)
		assert.Equal(t, int64(3), pr.MatchesAfter)
		assert.Equal(t, expected[pr.PlayerID], pr.PointsAfter[key.Canonical()])
	}
	var untouched models.RankingBucket
	require.NoError(t, db.Where("player_id = ?", "alice").First(&untouched).Error)
	assert.Equal(t, int64(4), untouched.MatchCount, "dry-run mutates nothing")

	report, err := cleaner.Execute(ctx, plan, false)
	require.NoError(t, err)
	assert.Equal(t, int64(1), report.RemovedTotal)
	assert.Zero(t, report.SkippedPlayers)

	for _, p := range []string{"alice", "bob"} {
		var b models.RankingBucket
		require.NoError(t, db.Where("player_id = ?", p).First(&b).Error)
		assert.Equal(t, int64(3), b.MatchCount, "bucket for %s shrinks", p)
		assert.Equal(t, expected[p], b.RankingPoints, "points for %s replay the survivors", p)

		var stale int64
		require.NoError(t, db.Model(&models.AppliedMatch{}).
			Where("bucket_id = ? AND match_id = ?", b.ID, "d1").Count(&stale).Error)
		assert.Zero(t, stale, "applied set for %s drops the duplicate", p)

		var xp int64
		require.NoError(t, db.Model(&models.XPLedgerEntry{}).
			Where("player_id = ?", p).
			Select("COALESCE(SUM(amount), 0)").Scan(&xp).Error)
		assert.Equal(t, wantXP[p], xp, "xp ledger for %s loses the duplicate award", p)
	}

	assert.ErrorIs(t, db.First(&models.MatchRecord{}, "id = ?", "d1").Error, gorm.ErrRecordNotFound)
	var gone models.MatchRecord
	require.NoError(t, db.Unscoped().First(&gone, "id = ?", "d1").Error)
	assert.True(t, gone.DeletedAt.Valid, "duplicates are soft deleted, not erased")

	again, err := cleaner.Execute(ctx, plan, false)
	require.NoError(t, err)
	assert.Zero(t, again.RemovedTotal, "re-running an applied plan is a no-op")
	var after models.RankingBucket
	require.NoError(t, db.Where("player_id = ?", "bob").First(&after).Error)
	assert.Equal(t, int64(3), after.MatchCount)
}
