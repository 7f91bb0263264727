package cleanup

import (
	"context"
	"time"

	"boxoffice/internal/data"
	"boxoffice/internal/logger"
)

const maxExpirationsPerRun = 25

// Reaper expires pending orders whose payment outcome never arrived. Expired
// orders never advanced inventory, so expiring them is pure bookkeeping; a
// late webhook for an expired order lands as a conflict and is ignored.
type Reaper struct {
	orders    *data.OrderRepository
	interval  time.Duration
	retention time.Duration
}

func NewReaper(interval, retention time.Duration) *Reaper {
	return &Reaper{
		orders:    data.NewOrderRepository(),
		interval:  interval,
		retention: retention,
	}
}

// Start runs the reaper loop in the background until ctx is canceled.
func (r *Reaper) Start(ctx context.Context) {
	go func() {
		logger.LogInfo("Order reaper started - interval %v, retention %v", r.interval, r.retention)

		ticker := time.NewTicker(r.interval)
		defer ticker.Stop()

		for {
			select {
			case <-ctx.Done():
				logger.LogInfo("Order reaper stopping")
				return
			case <-ticker.C:
				r.RunOnce()
			}
		}
	}()
}

// RunOnce expires one bounded batch of stale pending orders.
func (r *Reaper) RunOnce() int {
	cutoff := time.Now().UTC().Add(-r.retention)

	expired, err := r.orders.ExpireStalePending(cutoff, maxExpirationsPerRun)
	if err != nil {
		logger.LogError("Failed to expire stale pending orders: %v", err)
		return 0
	}

	if expired > 0 {
		logger.LogInfo("Expired %d stale pending orders older than %v", expired, cutoff.Format("2006-01-02 15:04:05"))
	}
	return expired
}
