// services/scheduler.go
package services

import (
	"context"
	"log"
	"time"

	"pickleball-ranking-system/models"

	"github.com/go-co-op/gocron/v2"
)

// StartLeaderboardRefresher periodically re-derives every active bucket's
// redis sorted set from the database, healing any drift between the mirror
// and the source of truth.
func (s *RankingService) StartLeaderboardRefresher(interval time.Duration) {
	if s.Cache == nil {
		return
	}
	sched, _ := gocron.NewScheduler()
	sched.Start()

	_, _ = sched.NewJob(
		gocron.DurationJob(interval),
		gocron.NewTask(func() {
			var keys []models.BucketKey
			err := s.DB.Model(&models.RankingBucket{}).
				Distinct("format", "age_division", "skill_tier").
				Find(&keys).Error
			if err != nil {
				log.Printf("[Scheduler] DB error listing bucket keys: %v", err)
				return
			}

			ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
			defer cancel()
			for _, key := range keys {
				if err := s.RebuildLeaderboard(ctx, key); err != nil {
					log.Printf("[Scheduler] Failed to rebuild leaderboard %s: %v", key.Canonical(), err)
				}
			}
			log.Printf("✅ Leaderboards refreshed: %d bucket keys", len(keys))
		}),
	)
}
