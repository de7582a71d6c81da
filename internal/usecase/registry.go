package usecase

import (
	"context"
	"errors"

	"go.uber.org/zap"

	"github.com/example/face-dedup/internal/faceapi"
	"github.com/example/face-dedup/internal/logging"
	"github.com/example/face-dedup/internal/repository"
)

// Provider is the subset of the face API consumed by the dedup flow.
type Provider interface {
	Detect(ctx context.Context, image []byte) (*faceapi.Detection, error)
	Search(ctx context.Context, faceToken, outerID string, topK int) ([]faceapi.Match, error)
	CreateFaceset(ctx context.Context) (string, error)
	AddFace(ctx context.Context, faceToken, outerID string) error
	FacesetDetail(ctx context.Context, outerID string) (*faceapi.FacesetDetail, error)
}

// FaceStore defines the persistence operations needed by the dedup flow.
type FaceStore interface {
	GetAllStoredFaces(ctx context.Context) (map[string][]string, error)
	FindAvailableFaceset(ctx context.Context) (*repository.Faceset, error)
	SaveFaceToken(ctx context.Context, token, outerID string) error
	UpdateFacesetCount(ctx context.Context, outerID string, count int) error
	ListFacesets(ctx context.Context) ([]repository.Faceset, error)
	SaveLog(ctx context.Context, log *repository.VerificationLog) error
	FindLogByRequestID(ctx context.Context, requestID string) (*repository.VerificationLog, error)
}

// FacesetRegistry decides which faceset receives the next write. Local
// records are a cache of provider truth and can drift, so every candidate
// is re-validated against the provider before it is handed out.
type FacesetRegistry struct {
	store    FaceStore
	provider Provider
	logger   *zap.Logger
}

// NewFacesetRegistry constructs a registry.
func NewFacesetRegistry(store FaceStore, provider Provider, logger *zap.Logger) *FacesetRegistry {
	return &FacesetRegistry{
		store:    store,
		provider: provider,
		logger:   logger.Named("faceset_registry"),
	}
}

// FindAvailable returns the outer id of a faceset with verified headroom,
// or an empty string when none exists. A candidate the provider no longer
// recognizes is a stale local record: it is discarded and the lookup
// proceeds as if nothing were available. Transport-level failures
// propagate, since retrying later may still find the candidate usable.
func (r *FacesetRegistry) FindAvailable(ctx context.Context) (string, error) {
	candidate, err := r.store.FindAvailableFaceset(ctx)
	if err != nil {
		return "", err
	}
	if candidate == nil {
		return "", nil
	}

	opLogger := logging.WithFaceset(r.logger, candidate.OuterID)

	detail, err := r.provider.FacesetDetail(ctx, candidate.OuterID)
	if err != nil {
		var provErr *faceapi.ProviderError
		if errors.As(err, &provErr) {
			opLogger.Warn("faceset exists locally but provider rejected it, discarding stale record",
				zap.String("provider_message", provErr.Message))
			return "", nil
		}
		return "", err
	}

	if detail.FaceCount >= candidate.CapacityLimit {
		opLogger.Warn("faceset full per provider truth",
			zap.Int("face_count", detail.FaceCount),
			zap.Int("capacity_limit", candidate.CapacityLimit))
		r.refreshCount(ctx, candidate.OuterID, detail.FaceCount, opLogger)
		return "", nil
	}

	if detail.FaceCount != candidate.FaceCount {
		r.refreshCount(ctx, candidate.OuterID, detail.FaceCount, opLogger)
	}

	return candidate.OuterID, nil
}

// Allocate provisions a fresh provider faceset. The caller persists it
// only after the first successful write, so a partial failure leaves no
// orphaned local record.
func (r *FacesetRegistry) Allocate(ctx context.Context) (string, error) {
	return r.provider.CreateFaceset(ctx)
}

func (r *FacesetRegistry) refreshCount(ctx context.Context, outerID string, count int, opLogger *zap.Logger) {
	if err := r.store.UpdateFacesetCount(ctx, outerID, count); err != nil {
		opLogger.Warn("failed to persist reconciled face count", zap.Error(err))
	}
}
