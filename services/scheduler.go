// services/scheduler.go
package services

import (
	"context"
	"log"
	"time"

	"github.com/go-co-op/gocron/v2"
)

func (s *EscrowService) StartExpiryScheduler() {
	sched, _ := gocron.NewScheduler()
	sched.Start()

	// Every minute: cancel expired open matches and refund their hosts
	_, _ = sched.NewJob(
		gocron.DurationJob(1*time.Minute),
		gocron.NewTask(func() {
			ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
			defer cancel()

			cancelled, err := s.SweepExpiredMatches(ctx)
			if err != nil {
				log.Printf("[Scheduler] Expiry sweep error: %v", err)
				return
			}
			if cancelled > 0 {
				log.Printf("✅ Expiry sweep cancelled %d stale matches", cancelled)
			}
		}),
	)
}
