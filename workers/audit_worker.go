package workers

import (
	"context"
	"log"
	"os"
	"strconv"
	"time"

	"pickleball-ranking-system/services"
)

// IntegrityAuditWorker runs the duplicate audit on an interval. It is
// read-only: it surfaces reconciliation plans for admin review and never
// executes cleanup on its own.
type IntegrityAuditWorker struct {
	Auditor  *services.AuditService
	Interval time.Duration
}

func NewIntegrityAuditWorker(auditor *services.AuditService) *IntegrityAuditWorker {
	interval := 24 * time.Hour
	if v := os.Getenv("AUDIT_INTERVAL_MINUTES"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			interval = time.Duration(n) * time.Minute
		}
	}
	return &IntegrityAuditWorker{Auditor: auditor, Interval: interval}
}

// Start blocks until ctx is cancelled, auditing once per interval. The first
// pass runs shortly after startup so a fresh deploy gets an early read on
// ledger health.
func (w *IntegrityAuditWorker) Start(ctx context.Context) {
	log.Printf("🔎 Integrity audit worker started (every %s)", w.Interval)

	timer := time.NewTimer(time.Minute)
	defer timer.Stop()

	for {
		select {
		case <-ctx.Done():
			log.Println("Integrity audit worker stopping...")
			return
		case <-timer.C:
		}

		runCtx, cancel := context.WithTimeout(ctx, 10*time.Minute)
		plan, err := w.Auditor.RunAudit(runCtx)
		cancel()
		if err != nil {
			log.Printf("❌ [AUDIT_WORKER] audit failed: %v", err)
		} else if len(plan.Clusters) > 0 {
			log.Printf("⚠️ [AUDIT_WORKER] plan %s flags %d clusters (%d removals) — review required",
				plan.ID, len(plan.Clusters), plan.TotalRemovals())
		}

		timer.Reset(w.Interval)
	}
}
