package workers

import (
	"context"
	"log"
	"time"

	"match-escrow-system/services"
)

// PollStaleSeats runs the stale-seat sweep on a fixed interval until ctx is
// cancelled. The sweep releases seats held past the grace period without a
// committed stake reservation, so a crashed join saga never parks a match
// forever.
func PollStaleSeats(ctx context.Context, escrow *services.EscrowService, pollInterval time.Duration) {
	log.Println("Starting stale-seat sweeper...")

	ticker := time.NewTicker(pollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			log.Println("Stale-seat sweeper stopped.")
			return
		case <-ticker.C:
			released, err := escrow.SweepStaleSeats(ctx)
			if err != nil {
				log.Printf("❌ Error sweeping stale seats: %v", err)
				continue
			}
			if released > 0 {
				log.Printf("🧹 Released %d stale seat(s).", released)
			}
		}
	}
}
