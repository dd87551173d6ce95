package services

import (
	"context"
	"log"
	"os"
	"sort"
	"strconv"
	"sync"
	"time"

	"pickleball-ranking-system/models"
	"pickleball-ranking-system/utils"

	"github.com/google/uuid"
	"gorm.io/gorm"
)

// Default cluster thresholds. Genuine human-entered matches essentially
// never share millisecond-exact timestamps, so two same-pair records in one
// millisecond are already suspect; a mass cluster needs more records to
// distinguish bulk-insert corruption from coincidence.
const (
	DefaultPairClusterMin = 2
	DefaultMassClusterMin = 10
)

// LedgerSource supplies a historical ledger snapshot for analysis. The
// auditor only reads; very recent matches missing from the snapshot are
// acceptable since corruption clusters are historical by nature.
//
//go:generate mockgen -destination=mocks/mock_ledger.go -package=mock_services pickleball-ranking-system/services LedgerSource
type LedgerSource interface {
	LoadLedger(ctx context.Context) ([]models.MatchRecord, error)
}

// GormLedgerSource reads the live ledger, rejected records excluded.
type GormLedgerSource struct {
	DB *gorm.DB
}

func (g *GormLedgerSource) LoadLedger(ctx context.Context) ([]models.MatchRecord, error) {
	var records []models.MatchRecord
	err := g.DB.WithContext(ctx).
		Where("validation_status <> ?", models.StatusRejected).
		Preload("Participants").
		Order("recorded_at ASC, created_at ASC, id ASC").
		Find(&records).Error
	return records, err
}

// DefaultAuditThresholds reads the tunables from the environment.
func DefaultAuditThresholds() models.AuditThresholds {
	th := models.AuditThresholds{
		PairClusterMin: DefaultPairClusterMin,
		MassClusterMin: DefaultMassClusterMin,
	}
	if v := os.Getenv("AUDIT_PAIR_CLUSTER_MIN"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n >= 2 {
			th.PairClusterMin = n
		}
	}
	if v := os.Getenv("AUDIT_MASS_CLUSTER_MIN"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n >= 2 {
			th.MassClusterMin = n
		}
	}
	return th
}

// BuildPlan is the pure detection pass over a ledger snapshot. It combines
// two signals so legitimate rapid-succession matches (round robins inside
// one minute) are never flagged on timestamp alone:
//
//  1. group records by millisecond-precision RecordedAt;
//  2. within a millisecond group, sub-group by (participant set, score,
//     format) — identical records are near-certain duplicates of one
//     physical event;
//  3. a sub-group is flagged once it reaches PairClusterMin, or at any
//     size >= 2 when the surrounding millisecond group is a mass cluster
//     (MassClusterMin records spanning more than one pairing in a single
//     millisecond; a large same-pair group is the pair rule's job);
//  4. keeper = earliest created, validated over pending on ties, then
//     lowest id.
func BuildPlan(records []models.MatchRecord, th models.AuditThresholds) *models.ReconciliationPlan {
	plan := &models.ReconciliationPlan{
		ID:          uuid.NewString(),
		GeneratedAt: time.Now().UTC(),
		LedgerSize:  len(records),
		Thresholds:  th,
	}

	byMillis := make(map[int64][]*models.MatchRecord)
	for i := range records {
		ms := records[i].RecordedAt.UnixMilli()
		byMillis[ms] = append(byMillis[ms], &records[i])
	}

	for ms, group := range byMillis {
		if len(group) < 2 {
			continue
		}
		distinctPlayers := map[string]bool{}
		for _, m := range group {
			for _, p := range m.Participants {
				distinctPlayers[p.PlayerID] = true
			}
		}
		mass := len(group) >= th.MassClusterMin && len(distinctPlayers) > 2

		bySignature := make(map[string][]*models.MatchRecord)
		for _, m := range group {
			sig := m.DuplicateSignature()
			bySignature[sig] = append(bySignature[sig], m)
		}

		for _, sub := range bySignature {
			if len(sub) < 2 {
				continue
			}
			if !mass && len(sub) < th.PairClusterMin {
				continue
			}
			keeper := selectKeeper(sub)
			cluster := models.DuplicateCluster{
				KeeperID: keeper.ID,
				Evidence: models.ClusterEvidence{
					SharedTimestamp: time.UnixMilli(ms).UTC().Format("2006-01-02T15:04:05.000Z07:00"),
					MillisGroupSize: len(group),
					SubGroupSize:    len(sub),
					DistinctPlayers: len(distinctPlayers),
					MassCluster:     mass,
				},
			}
			playerSeen := map[string]bool{}
			for _, m := range sub {
				if m.ID != keeper.ID {
					cluster.RemoveIDs = append(cluster.RemoveIDs, m.ID)
				}
				for _, p := range m.Participants {
					if !playerSeen[p.PlayerID] {
						playerSeen[p.PlayerID] = true
						cluster.PlayerIDs = append(cluster.PlayerIDs, p.PlayerID)
					}
				}
			}
			sort.Strings(cluster.RemoveIDs)
			sort.Strings(cluster.PlayerIDs)
			plan.Clusters = append(plan.Clusters, cluster)
		}
	}

	sort.Slice(plan.Clusters, func(i, j int) bool {
		a, b := plan.Clusters[i], plan.Clusters[j]
		if a.Evidence.SharedTimestamp != b.Evidence.SharedTimestamp {
			return a.Evidence.SharedTimestamp < b.Evidence.SharedTimestamp
		}
		return a.KeeperID < b.KeeperID
	})
	return plan
}

// selectKeeper picks the record to preserve: earliest created wins, a
// validated record beats a pending one when creation times tie, and the
// lowest id settles exact ties.
func selectKeeper(sub []*models.MatchRecord) *models.MatchRecord {
	keeper := sub[0]
	for _, m := range sub[1:] {
		switch {
		case m.CreatedAt.Before(keeper.CreatedAt):
			keeper = m
		case m.CreatedAt.Equal(keeper.CreatedAt):
			mValidated := m.ValidationStatus == models.StatusValidated
			kValidated := keeper.ValidationStatus == models.StatusValidated
			if mValidated && !kValidated {
				keeper = m
			} else if mValidated == kValidated && m.ID < keeper.ID {
				keeper = m
			}
		}
	}
	return keeper
}

// PlanStore keeps generated plans addressable by id until an admin executes
// or discards them. Plans are transient value objects, never domain rows.
type PlanStore struct {
	mu    sync.RWMutex
	plans map[string]*models.ReconciliationPlan
}

func NewPlanStore() *PlanStore {
	return &PlanStore{plans: make(map[string]*models.ReconciliationPlan)}
}

func (ps *PlanStore) Put(plan *models.ReconciliationPlan) {
	ps.mu.Lock()
	defer ps.mu.Unlock()
	ps.plans[plan.ID] = plan
}

func (ps *PlanStore) Get(id string) (*models.ReconciliationPlan, bool) {
	ps.mu.RLock()
	defer ps.mu.RUnlock()
	plan, ok := ps.plans[id]
	return plan, ok
}

// AuditService wraps the pure detection pass with snapshot loading, plan
// retention and report archiving.
type AuditService struct {
	Source     LedgerSource
	Thresholds models.AuditThresholds
	Plans      *PlanStore
}

func NewAuditService(source LedgerSource, plans *PlanStore) *AuditService {
	return &AuditService{
		Source:     source,
		Thresholds: DefaultAuditThresholds(),
		Plans:      plans,
	}
}

// RunAudit takes a ledger snapshot, builds a reconciliation plan, retains it
// for execution and archives it for the audit trail. Read-only.
func (s *AuditService) RunAudit(ctx context.Context) (*models.ReconciliationPlan, error) {
	records, err := s.Source.LoadLedger(ctx)
	if err != nil {
		return nil, err
	}
	plan := BuildPlan(records, s.Thresholds)
	s.Plans.Put(plan)

	log.Printf("🔎 Integrity audit: %d records scanned, %d clusters, %d removal candidates",
		plan.LedgerSize, len(plan.Clusters), plan.TotalRemovals())

	if utils.R2Enabled() {
		if url, err := utils.ArchiveReport(ctx, "audit-plans", plan.ID, plan); err != nil {
			log.Printf("[AUDIT] plan archive failed: %v", err)
		} else {
			log.Printf("[AUDIT] plan archived: %s", url)
		}
	}
	return plan, nil
}
