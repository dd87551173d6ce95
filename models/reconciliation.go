package models

import "time"

// AuditThresholds are the tunable duplicate-detection knobs. The production
// incident numbers are calibration fixtures, not hard-coded rules.
type AuditThresholds struct {
	// PairClusterMin flags a same-participant-set group sharing one
	// millisecond once it reaches this size.
	PairClusterMin int `json:"pair_cluster_min"`
	// MassClusterMin flags an implausibly large same-millisecond group
	// across many distinct players (bulk-insert corruption).
	MassClusterMin int `json:"mass_cluster_min"`
}

// ClusterEvidence summarizes why a cluster was flagged, so a plan can be
// reviewed before execution.
type ClusterEvidence struct {
	SharedTimestamp string `json:"shared_timestamp"` // RFC3339 with millis
	MillisGroupSize int    `json:"millis_group_size"`
	SubGroupSize    int    `json:"sub_group_size"`
	DistinctPlayers int    `json:"distinct_players"`
	MassCluster     bool   `json:"mass_cluster"`
}

// DuplicateCluster is one keeper/remove decision: a set of records presumed
// to represent a single physical match.
type DuplicateCluster struct {
	KeeperID  string          `json:"keeper_id"`
	RemoveIDs []string        `json:"remove_ids"`
	PlayerIDs []string        `json:"player_ids"`
	Evidence  ClusterEvidence `json:"evidence"`
}

// ReconciliationPlan is a transient value object produced by the auditor
// over an explicit ledger snapshot. It is never persisted as domain data;
// it travels through the admin API and the report archive.
type ReconciliationPlan struct {
	ID          string             `json:"id"`
	GeneratedAt time.Time          `json:"generated_at"`
	LedgerSize  int                `json:"ledger_size"`
	Thresholds  AuditThresholds    `json:"thresholds"`
	Clusters    []DuplicateCluster `json:"clusters"`
}

// TotalRemovals counts remove candidates across all clusters.
func (p *ReconciliationPlan) TotalRemovals() int {
	n := 0
	for _, c := range p.Clusters {
		n += len(c.RemoveIDs)
	}
	return n
}

// AffectedPlayers returns the deduplicated set of players touched by any
// cluster, sorted for stable batch ordering.
func (p *ReconciliationPlan) AffectedPlayers() []string {
	seen := map[string]bool{}
	var out []string
	for _, c := range p.Clusters {
		for _, id := range c.PlayerIDs {
			if !seen[id] {
				seen[id] = true
				out = append(out, id)
			}
		}
	}
	return out
}

// PlayerCleanupReport is the per-player before/after audit trail the
// executor must produce.
type PlayerCleanupReport struct {
	PlayerID string `json:"player_id"`

	MatchesBefore int64 `json:"matches_before"`
	MatchesAfter  int64 `json:"matches_after"`
	RemovedCount  int64 `json:"removed_count"`

	// Per-bucket points before/after, keyed by BucketKey.Canonical().
	PointsBefore map[string]float64 `json:"points_before"`
	PointsAfter  map[string]float64 `json:"points_after"`

	XPBefore int64 `json:"xp_before"`
	XPAfter  int64 `json:"xp_after"`

	Skipped    bool   `json:"skipped,omitempty"`
	SkipReason string `json:"skip_reason,omitempty"`
}

// CleanupReport is the outcome of one executor run over a plan.
type CleanupReport struct {
	PlanID     string                `json:"plan_id"`
	DryRun     bool                  `json:"dry_run"`
	ExecutedAt time.Time             `json:"executed_at"`
	Players    []PlayerCleanupReport `json:"players"`

	RemovedTotal   int64 `json:"removed_total"`
	SkippedPlayers int64 `json:"skipped_players"`
}
