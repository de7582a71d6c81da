package usecase

import (
	"context"
	"time"

	"github.com/go-co-op/gocron"
	"go.uber.org/zap"

	"github.com/example/face-dedup/internal/logging"
)

// Reconciler periodically refreshes local faceset occupancy from provider
// truth. The registry already re-checks opportunistically on writes; the
// job bounds how long a drifted count can linger when no writes happen.
type Reconciler struct {
	store    FaceStore
	provider Provider
	logger   *zap.Logger
}

// NewReconciler constructs a reconciler.
func NewReconciler(store FaceStore, provider Provider, logger *zap.Logger) *Reconciler {
	return &Reconciler{
		store:    store,
		provider: provider,
		logger:   logger.Named("faceset_reconciler"),
	}
}

// ReconcileCounts refreshes every locally known faceset. Per-faceset
// failures are logged and skipped.
func (r *Reconciler) ReconcileCounts(ctx context.Context) {
	facesets, err := r.store.ListFacesets(ctx)
	if err != nil {
		r.logger.Error("failed to list facesets", zap.Error(err))
		return
	}

	for _, faceset := range facesets {
		opLogger := logging.WithFaceset(r.logger, faceset.OuterID)

		detail, err := r.provider.FacesetDetail(ctx, faceset.OuterID)
		if err != nil {
			opLogger.Warn("failed to fetch faceset detail, skipping", zap.Error(err))
			continue
		}
		if detail.FaceCount == faceset.FaceCount {
			continue
		}

		if err := r.store.UpdateFacesetCount(ctx, faceset.OuterID, detail.FaceCount); err != nil {
			opLogger.Warn("failed to persist reconciled count", zap.Error(err))
			continue
		}
		opLogger.Info("reconciled faceset count",
			zap.Int("recorded", faceset.FaceCount),
			zap.Int("provider", detail.FaceCount))
	}
}

// Start schedules periodic reconciliation and returns the running
// scheduler so the caller can stop it on shutdown.
func (r *Reconciler) Start(interval time.Duration) (*gocron.Scheduler, error) {
	scheduler := gocron.NewScheduler(time.UTC)
	_, err := scheduler.Every(interval).Do(func() {
		ctx, cancel := context.WithTimeout(context.Background(), interval)
		defer cancel()
		r.ReconcileCounts(ctx)
	})
	if err != nil {
		return nil, err
	}
	scheduler.StartAsync()
	return scheduler, nil
}
