package sweeper

import (
	"context"
	"log/slog"
	"time"
)

// Sweeper is the part of the booking engine the worker drives.
type Sweeper interface {
	SweepExpired(ctx context.Context) (int, error)
}

type Worker struct {
	sweeper  Sweeper
	logger   *slog.Logger
	interval time.Duration
}

type WorkerConfig struct {
	Interval time.Duration
}

func NewWorker(s Sweeper, logger *slog.Logger, cfg WorkerConfig) *Worker {
	if cfg.Interval <= 0 {
		cfg.Interval = time.Minute
	}
	return &Worker{
		sweeper:  s,
		logger:   logger,
		interval: cfg.Interval,
	}
}

// Run sweeps once immediately and then on every tick until ctx is done.
func (w *Worker) Run(ctx context.Context) {
	ticker := time.NewTicker(w.interval)
	defer ticker.Stop()

	w.sweep(ctx)
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			w.sweep(ctx)
		}
	}
}

func (w *Worker) sweep(ctx context.Context) {
	n, err := w.sweeper.SweepExpired(ctx)
	if err != nil {
		if ctx.Err() == nil {
			w.logger.Error("expiration sweep failed", "err", err)
		}
		return
	}
	if n > 0 {
		w.logger.Debug("expiration sweep", "expired", n)
	}
}
