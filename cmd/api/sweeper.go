package main

import (
	"context"
	"log/slog"
	"time"

	"github.com/medclear/medclear/internal/offer"
)

// runSweeper expires offers the biller never acted on. It runs once at
// startup, then on a fixed interval until ctx is cancelled.
func runSweeper(ctx context.Context, svc *offer.Service, intervalHours int) {
	if intervalHours <= 0 {
		intervalHours = 24
	}
	interval := time.Duration(intervalHours) * time.Hour

	sweep := func() {
		runCtx, cancel := context.WithTimeout(ctx, 5*time.Minute)
		defer cancel()

		n, err := svc.ExpireStale(runCtx)
		if err != nil {
			slog.Error("offer sweep failed", "error", err)
			return
		}
		if n > 0 {
			slog.Info("expired stale offers", "count", n)
		}
	}

	slog.Info("offer sweeper started", "interval", interval)
	sweep()

	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			slog.Info("offer sweeper stopped")
			return
		case <-ticker.C:
			sweep()
		}
	}
}
