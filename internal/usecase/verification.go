package usecase

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/go-redis/redis/v8"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/example/face-dedup/internal/logging"
	"github.com/example/face-dedup/internal/repository"
)

// Normalizer rewrites an upload into a provider-compliant payload. It is
// best-effort and never fails.
type Normalizer interface {
	Normalize(data []byte) []byte
}

// Options tunes the verification flow.
type Options struct {
	ConfidenceThreshold float64
	MinFaceQuality      float64
	SearchResultCount   int
}

// VerificationService runs the dedup state machine: normalize, detect,
// validate, search, then either report the duplicate or register the new
// face. It always returns a structured Outcome.
type VerificationService struct {
	store          FaceStore
	provider       Provider
	registry       *FacesetRegistry
	search         *DuplicateSearch
	normalizer     Normalizer
	cache          Cache
	minFaceQuality float64
	logger         *zap.Logger
}

type cachedOutcome struct {
	RequestID  string    `json:"request_id"`
	UserID     string    `json:"user_id"`
	Outcome    string    `json:"outcome"`
	FaceToken  string    `json:"face_token,omitempty"`
	Confidence float64   `json:"confidence,omitempty"`
	Details    string    `json:"details,omitempty"`
	CreatedAt  time.Time `json:"created_at"`
}

// NewVerificationService constructs the orchestrator and its registry and
// search collaborators.
func NewVerificationService(store FaceStore, provider Provider, normalizer Normalizer, cache Cache, opts Options, logger *zap.Logger) *VerificationService {
	return &VerificationService{
		store:          store,
		provider:       provider,
		registry:       NewFacesetRegistry(store, provider, logger),
		search:         NewDuplicateSearch(store, provider, opts.ConfidenceThreshold, opts.SearchResultCount, logger),
		normalizer:     normalizer,
		cache:          cache,
		minFaceQuality: opts.MinFaceQuality,
		logger:         logger.Named("verification_service"),
	}
}

// Verify runs one verification call end to end. Provider and persistence
// failures surface as Failed outcomes carrying the failing step; expected
// business states (no face, implausible face, duplicate) are ordinary
// outcome variants, not errors.
func (s *VerificationService) Verify(ctx context.Context, userID string, image []byte) *Outcome {
	requestID := uuid.NewString()
	opLogger := logging.WithOperation(s.logger, "usecase.verify_face", requestID)

	s.cacheSet(ctx, requestID, "processing", time.Minute, opLogger)

	outcome := s.run(ctx, image, opLogger)
	outcome.RequestID = requestID

	s.recordOutcome(ctx, userID, outcome, opLogger)
	return outcome
}

func (s *VerificationService) run(ctx context.Context, image []byte, opLogger *zap.Logger) *Outcome {
	normalized := s.normalizer.Normalize(image)

	detection, err := s.provider.Detect(ctx, normalized)
	if err != nil {
		opLogger.Error("face detection failed", zap.Error(err))
		return &Outcome{Kind: OutcomeFailed, FailedStep: StepDetect, Err: err, Reason: "face detection failed"}
	}
	if detection == nil {
		return &Outcome{Kind: OutcomeNoFaceDetected, Reason: "no face detected in image"}
	}

	attrs := detection.Attributes
	if !attrs.HasHumanTraits() {
		return &Outcome{Kind: OutcomeInvalidFace, Reason: "unable to detect human face characteristics"}
	}
	if attrs.FaceQuality > 0 && attrs.FaceQuality < s.minFaceQuality {
		// Lenient on purpose: the provider does not populate quality for
		// every pose, so a low score warns instead of rejecting.
		opLogger.Warn("low face quality, proceeding with verification",
			zap.Float64("face_quality", attrs.FaceQuality))
	}

	matches, err := s.search.FindMatches(ctx, detection.FaceToken)
	if err != nil {
		opLogger.Error("duplicate search failed", zap.Error(err))
		return &Outcome{Kind: OutcomeFailed, FailedStep: StepSearch, Err: err, Reason: "duplicate search failed"}
	}
	if len(matches) > 0 {
		best := matches[0]
		return &Outcome{
			Kind:      OutcomeDuplicateFound,
			Reason:    "potential duplicate face detected",
			FaceToken: detection.FaceToken,
			BestMatch: &best,
			Matches:   matches,
		}
	}

	return s.register(ctx, detection.FaceToken, opLogger)
}

func (s *VerificationService) register(ctx context.Context, faceToken string, opLogger *zap.Logger) *Outcome {
	outerID, err := s.registry.FindAvailable(ctx)
	if err != nil {
		opLogger.Error("faceset lookup failed", zap.Error(err))
		return &Outcome{Kind: OutcomeFailed, FailedStep: StepFindFaceset, Err: err, Reason: "faceset lookup failed"}
	}
	if outerID == "" {
		outerID, err = s.registry.Allocate(ctx)
		if err != nil {
			opLogger.Error("faceset allocation failed", zap.Error(err))
			return &Outcome{Kind: OutcomeFailed, FailedStep: StepCreateFaceset, Err: err, Reason: "faceset allocation failed"}
		}
	}

	regLogger := logging.WithFaceset(opLogger, outerID)

	if err := s.provider.AddFace(ctx, faceToken, outerID); err != nil {
		regLogger.Error("failed to add face to faceset", zap.Error(err))
		return &Outcome{Kind: OutcomeFailed, FailedStep: StepAddFace, Err: err, Reason: "failed to add face to faceset"}
	}

	if err := s.store.SaveFaceToken(ctx, faceToken, outerID); err != nil {
		regLogger.Error("face registered with provider but not recorded locally", zap.Error(err))
		return &Outcome{Kind: OutcomeFailed, FailedStep: StepSaveToken, Err: err, FaceToken: faceToken,
			Reason: "face registered with provider but local persistence failed"}
	}

	detail, err := s.provider.FacesetDetail(ctx, outerID)
	if err == nil {
		err = s.store.UpdateFacesetCount(ctx, outerID, detail.FaceCount)
	}
	if err != nil {
		regLogger.Error("failed to refresh faceset count after registration", zap.Error(err))
		return &Outcome{Kind: OutcomeFailed, FailedStep: StepRefreshCount, Err: err, FaceToken: faceToken,
			Reason: "face registered but faceset count refresh failed"}
	}

	regLogger.Info("new face registered", zap.String("face_token", faceToken))
	return &Outcome{Kind: OutcomeRegistered, FaceToken: faceToken, Reason: "new face registered successfully"}
}

// GetResult retrieves a verification outcome, cache-first with database
// fallback.
func (s *VerificationService) GetResult(ctx context.Context, requestID string) (*repository.VerificationLog, error) {
	opLogger := logging.WithOperation(s.logger, "usecase.get_result", requestID)

	cacheKey := cacheKeyFor(requestID)
	if cached, err := s.cache.Get(ctx, cacheKey); err == nil && cached != "" && cached != "processing" {
		var payload cachedOutcome
		if err := json.Unmarshal([]byte(cached), &payload); err != nil {
			opLogger.Warn("failed to decode cached outcome", zap.Error(err))
		} else {
			return &repository.VerificationLog{
				RequestID:  payload.RequestID,
				UserID:     payload.UserID,
				Outcome:    payload.Outcome,
				FaceToken:  payload.FaceToken,
				Confidence: payload.Confidence,
				Details:    payload.Details,
				CreatedAt:  payload.CreatedAt,
			}, nil
		}
	} else if err != nil && !errors.Is(err, redis.Nil) {
		opLogger.Warn("failed to read cache", zap.Error(err))
	}

	return s.store.FindLogByRequestID(ctx, requestID)
}

func (s *VerificationService) recordOutcome(ctx context.Context, userID string, outcome *Outcome, opLogger *zap.Logger) {
	details := outcome.Reason
	if outcome.Err != nil {
		details = fmt.Sprintf("%s: %v", outcome.Reason, outcome.Err)
	}

	log := &repository.VerificationLog{
		RequestID: outcome.RequestID,
		UserID:    userID,
		Outcome:   string(outcome.Kind),
		FaceToken: outcome.FaceToken,
		Details:   details,
		CreatedAt: time.Now().UTC(),
	}
	if outcome.BestMatch != nil {
		log.Confidence = outcome.BestMatch.Confidence
	}

	if err := s.store.SaveLog(ctx, log); err != nil {
		opLogger.Warn("failed to persist verification log", zap.Error(err))
	}

	serialized, err := json.Marshal(cachedOutcome{
		RequestID:  log.RequestID,
		UserID:     log.UserID,
		Outcome:    log.Outcome,
		FaceToken:  log.FaceToken,
		Confidence: log.Confidence,
		Details:    log.Details,
		CreatedAt:  log.CreatedAt,
	})
	if err != nil {
		opLogger.Warn("failed to serialize outcome for cache", zap.Error(err))
		return
	}
	s.cacheSet(ctx, outcome.RequestID, string(serialized), 5*time.Minute, opLogger)
}

// Cache writes are a convenience on top of the durable log: failures are
// logged and never change the outcome of the call.
func (s *VerificationService) cacheSet(ctx context.Context, requestID, value string, ttl time.Duration, opLogger *zap.Logger) {
	if err := s.cache.Set(ctx, cacheKeyFor(requestID), value, ttl); err != nil {
		opLogger.Warn("cache write failed", zap.Error(err))
	}
}

func cacheKeyFor(requestID string) string {
	return fmt.Sprintf("verification:%s", requestID)
}
