package repository

import (
	"context"
	"errors"
	"time"

	"go.uber.org/zap"
	"gorm.io/gorm"

	"github.com/example/face-dedup/internal/logging"
)

// Faceset is the local record of one provider-side face collection. The
// provider remains the source of truth for occupancy; FaceCount is the
// last value reconciled from it. CapacityLimit is persisted per record so
// the bound is configuration, not a constant baked into the engine.
type Faceset struct {
	ID            uint      `gorm:"primaryKey"`
	OuterID       string    `gorm:"column:outer_id;uniqueIndex;size:64"`
	FaceCount     int       `gorm:"column:face_count"`
	CapacityLimit int       `gorm:"column:capacity_limit"`
	CreatedAt     time.Time `gorm:"column:created_at"`
	UpdatedAt     time.Time `gorm:"column:updated_at"`
}

// TableName overrides the default table name.
func (Faceset) TableName() string {
	return "facesets"
}

// FaceToken is one durably registered descriptor and the faceset that
// holds it.
type FaceToken struct {
	ID             uint      `gorm:"primaryKey"`
	Token          string    `gorm:"column:token;uniqueIndex;size:128"`
	FacesetOuterID string    `gorm:"column:faceset_outer_id;index;size:64"`
	CreatedAt      time.Time `gorm:"column:created_at"`
}

// TableName overrides the default table name.
func (FaceToken) TableName() string {
	return "face_tokens"
}

// VerificationLog records the terminal outcome of one verification call.
type VerificationLog struct {
	ID         uint      `gorm:"primaryKey"`
	RequestID  string    `gorm:"column:request_id;uniqueIndex;size:64"`
	UserID     string    `gorm:"column:user_id;size:64"`
	Outcome    string    `gorm:"column:outcome;size:32"`
	FaceToken  string    `gorm:"column:face_token;size:128"`
	Confidence float64   `gorm:"column:confidence"`
	Details    string    `gorm:"column:details;type:text"`
	CreatedAt  time.Time `gorm:"column:created_at"`
}

// TableName overrides the default table name.
func (VerificationLog) TableName() string {
	return "verification_logs"
}

// FaceRepository provides persistence APIs for facesets, registered
// tokens, and verification logs.
type FaceRepository struct {
	db             *gorm.DB
	logger         *zap.Logger
	capacityLimit  int
	retryAttempts  int
	initialBackoff time.Duration
	maxBackoff     time.Duration
}

// NewFaceRepository creates a new repository instance. capacityLimit is
// stamped onto facesets the first time they are persisted.
func NewFaceRepository(db *gorm.DB, capacityLimit int, logger *zap.Logger) *FaceRepository {
	return &FaceRepository{
		db:             db,
		logger:         logger.Named("face_repository"),
		capacityLimit:  capacityLimit,
		retryAttempts:  3,
		initialBackoff: 50 * time.Millisecond,
		maxBackoff:     time.Second,
	}
}

// AutoMigrate ensures the schema is available.
func (r *FaceRepository) AutoMigrate(ctx context.Context) error {
	return r.db.WithContext(ctx).AutoMigrate(&Faceset{}, &FaceToken{}, &VerificationLog{})
}

// GetAllStoredFaces returns every registered token grouped by faceset.
func (r *FaceRepository) GetAllStoredFaces(ctx context.Context) (map[string][]string, error) {
	var tokens []FaceToken
	err := r.executeWithRetry(ctx, "repository.get_all_stored_faces", "", func() error {
		return r.db.WithContext(ctx).Find(&tokens).Error
	})
	if err != nil {
		return nil, err
	}

	grouped := make(map[string][]string)
	for _, token := range tokens {
		grouped[token.FacesetOuterID] = append(grouped[token.FacesetOuterID], token.Token)
	}
	return grouped, nil
}

// FindAvailableFaceset returns the oldest faceset with recorded headroom,
// or nil when every known faceset is at capacity. The caller re-validates
// the candidate against provider truth before writing.
func (r *FaceRepository) FindAvailableFaceset(ctx context.Context) (*Faceset, error) {
	var faceset Faceset
	err := r.executeWithRetry(ctx, "repository.find_available_faceset", "", func() error {
		return r.db.WithContext(ctx).
			Where("face_count < capacity_limit").
			Order("created_at asc").
			First(&faceset).Error
	})
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, nil
		}
		return nil, err
	}
	return &faceset, nil
}

// SaveFaceToken durably records a registered token. The owning faceset
// row is created on first use inside the same transaction, so a faceset
// only becomes visible locally after its first successful write.
func (r *FaceRepository) SaveFaceToken(ctx context.Context, token, outerID string) error {
	return r.executeWithRetry(ctx, "repository.save_face_token", "", func() error {
		return r.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
			faceset := Faceset{OuterID: outerID, CapacityLimit: r.capacityLimit}
			if err := tx.Where(Faceset{OuterID: outerID}).FirstOrCreate(&faceset).Error; err != nil {
				return err
			}
			return tx.Create(&FaceToken{Token: token, FacesetOuterID: outerID}).Error
		})
	})
}

// UpdateFacesetCount stores a provider-reported occupancy.
func (r *FaceRepository) UpdateFacesetCount(ctx context.Context, outerID string, count int) error {
	return r.executeWithRetry(ctx, "repository.update_faceset_count", "", func() error {
		return r.db.WithContext(ctx).
			Model(&Faceset{}).
			Where("outer_id = ?", outerID).
			Update("face_count", count).Error
	})
}

// ListFacesets returns every locally known faceset.
func (r *FaceRepository) ListFacesets(ctx context.Context) ([]Faceset, error) {
	var facesets []Faceset
	err := r.executeWithRetry(ctx, "repository.list_facesets", "", func() error {
		return r.db.WithContext(ctx).Order("created_at asc").Find(&facesets).Error
	})
	if err != nil {
		return nil, err
	}
	return facesets, nil
}

// SaveLog persists a verification log entry.
func (r *FaceRepository) SaveLog(ctx context.Context, log *VerificationLog) error {
	return r.executeWithRetry(ctx, "repository.save_log", log.RequestID, func() error {
		return r.db.WithContext(ctx).Create(log).Error
	})
}

// FindLogByRequestID retrieves one verification log.
func (r *FaceRepository) FindLogByRequestID(ctx context.Context, requestID string) (*VerificationLog, error) {
	var log VerificationLog
	err := r.executeWithRetry(ctx, "repository.find_log", requestID, func() error {
		return r.db.WithContext(ctx).First(&log, "request_id = ?", requestID).Error
	})
	if err != nil {
		return nil, err
	}
	return &log, nil
}

// executeWithRetry runs fn, retrying transient database errors with
// capped exponential backoff. Non-transient errors fail fast.
func (r *FaceRepository) executeWithRetry(ctx context.Context, operation, requestID string, fn func() error) error {
	opLogger := logging.WithOperation(r.logger, operation, requestID)

	backoff := r.initialBackoff
	var err error
	for attempt := 0; attempt < r.retryAttempts; attempt++ {
		if attempt > 0 {
			select {
			case <-ctx.Done():
				return logging.NewOperationError(operation, requestID, ctx.Err())
			case <-time.After(backoff):
			}
			if next := backoff * 2; next <= r.maxBackoff {
				backoff = next
			}
		}

		err = fn()
		if err == nil {
			if attempt > 0 {
				opLogger.Info("database operation succeeded after retry", zap.Int("attempt", attempt+1))
			}
			return nil
		}

		if !isTransientError(err) || attempt == r.retryAttempts-1 {
			if !errors.Is(err, gorm.ErrRecordNotFound) {
				opLogger.Error("database operation failed", zap.Error(err), zap.Int("attempt", attempt+1))
			}
			return logging.NewOperationError(operation, requestID, err)
		}

		opLogger.Warn("transient database error", zap.Error(err), zap.Int("attempt", attempt+1))
	}
	return logging.NewOperationError(operation, requestID, err)
}

func isTransientError(err error) bool {
	if err == nil {
		return false
	}

	if errors.Is(err, context.DeadlineExceeded) {
		return true
	}

	var netErr interface{ Timeout() bool }
	if errors.As(err, &netErr) && netErr.Timeout() {
		return true
	}

	var temporary interface{ Temporary() bool }
	if errors.As(err, &temporary) && temporary.Temporary() {
		return true
	}

	return false
}
