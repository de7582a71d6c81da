package handlers

import (
	"io"
	"net/http"
	"strings"

	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"

	"github.com/example/face-dedup/internal/auth"
	"github.com/example/face-dedup/internal/usecase"
)

// MaxUploadSize bounds the accepted image payload (pre-normalization).
const MaxUploadSize = 10 << 20

// RegisterRoutes wires the HTTP handlers to the Gin router.
func RegisterRoutes(router *gin.Engine, svc *usecase.VerificationService, authMiddleware gin.HandlerFunc) {
	router.Use(cors.Default())

	router.GET("/health", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"status": "ok"})
	})

	protected := router.Group("/", authMiddleware)

	protected.POST("/verify", func(c *gin.Context) {
		userID, ok := auth.GetUserID(c.Request.Context())
		if !ok {
			c.JSON(http.StatusUnauthorized, gin.H{"error": "missing user identity"})
			return
		}

		file, err := c.FormFile("image")
		if err != nil {
			if strings.Contains(err.Error(), "too large") {
				c.JSON(http.StatusRequestEntityTooLarge, gin.H{"error": "image exceeds upload limit"})
				return
			}
			c.JSON(http.StatusBadRequest, gin.H{"error": "image file is required"})
			return
		}
		if file.Size > MaxUploadSize {
			c.JSON(http.StatusRequestEntityTooLarge, gin.H{"error": "image exceeds upload limit"})
			return
		}
		if !supportedImageType(file.Header.Get("Content-Type")) {
			c.JSON(http.StatusUnsupportedMediaType, gin.H{"error": "image must be JPEG, PNG, or BMP"})
			return
		}

		src, err := file.Open()
		if err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": "unable to open image"})
			return
		}
		defer src.Close()

		data, err := io.ReadAll(src)
		if err != nil {
			c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to read image"})
			return
		}

		outcome := svc.Verify(c.Request.Context(), userID, data)
		c.JSON(statusFor(outcome), outcomeBody(outcome))
	})

	protected.GET("/result/:id", func(c *gin.Context) {
		requestID := c.Param("id")
		if requestID == "" {
			c.JSON(http.StatusBadRequest, gin.H{"error": "id is required"})
			return
		}

		log, err := svc.GetResult(c.Request.Context(), requestID)
		if err != nil {
			c.JSON(http.StatusNotFound, gin.H{"error": "result not found"})
			return
		}

		c.JSON(http.StatusOK, gin.H{
			"request_id": log.RequestID,
			"user_id":    log.UserID,
			"outcome":    log.Outcome,
			"face_token": log.FaceToken,
			"confidence": log.Confidence,
			"details":    log.Details,
			"created_at": log.CreatedAt,
		})
	})
}

// statusFor maps outcome kinds to HTTP statuses. Business outcomes are
// 200s: a duplicate or an undetectable face is an answer, not an error.
func statusFor(outcome *usecase.Outcome) int {
	if outcome.Kind != usecase.OutcomeFailed {
		return http.StatusOK
	}
	if outcome.FailedStep == usecase.StepSaveToken || outcome.FailedStep == usecase.StepRefreshCount {
		// Provider-side registration succeeded; only local recording failed.
		return http.StatusInternalServerError
	}
	return http.StatusBadGateway
}

func outcomeBody(outcome *usecase.Outcome) gin.H {
	body := gin.H{
		"request_id": outcome.RequestID,
		"outcome":    string(outcome.Kind),
		"message":    outcome.Reason,
	}
	switch outcome.Kind {
	case usecase.OutcomeDuplicateFound:
		body["is_duplicate"] = true
		body["face_token"] = outcome.FaceToken
		body["confidence"] = outcome.BestMatch.Confidence
		body["matches"] = outcome.Matches
	case usecase.OutcomeRegistered:
		body["is_duplicate"] = false
		body["face_token"] = outcome.FaceToken
	case usecase.OutcomeFailed:
		body["is_duplicate"] = false
		body["failed_step"] = outcome.FailedStep
		body["partial_registration"] = outcome.PartialRegistration()
	default:
		body["is_duplicate"] = false
	}
	return body
}

func supportedImageType(contentType string) bool {
	switch contentType {
	case "image/jpeg", "image/jpg", "image/png", "image/bmp":
		return true
	}
	return false
}
