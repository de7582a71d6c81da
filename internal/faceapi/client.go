package faceapi

import (
	"bytes"
	"context"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"io"
	"mime/multipart"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/example/face-dedup/internal/logging"
)

const concurrencyLimitMarker = "CONCURRENCY_LIMIT_EXCEEDED"

// ClientConfig carries everything the client needs to reach the provider.
type ClientConfig struct {
	APIKey    string
	APISecret string

	DetectURL string
	SearchURL string
	CreateURL string
	AddURL    string
	DetailURL string

	MaxRetries     int
	RetryDelay     time.Duration
	RequestTimeout time.Duration
}

// Client is the sole boundary to the remote biometric API. Every call
// funnels through one rate gate and a bounded retry policy.
type Client struct {
	cfg        ClientConfig
	httpClient *http.Client
	gate       *rateGate
	logger     *zap.Logger
}

// NewClient constructs a provider client. The rate gate is owned by the
// client instance; share the instance to share the throttle.
func NewClient(cfg ClientConfig, logger *zap.Logger) *Client {
	if cfg.MaxRetries <= 0 {
		cfg.MaxRetries = 3
	}
	if cfg.RetryDelay <= 0 {
		cfg.RetryDelay = 2 * time.Second
	}
	if cfg.RequestTimeout <= 0 {
		cfg.RequestTimeout = 15 * time.Second
	}
	return &Client{
		cfg:        cfg,
		httpClient: &http.Client{},
		gate:       newRateGate(cfg.RetryDelay),
		logger:     logger.Named("faceapi"),
	}
}

// Detect uploads an image and returns the first detected face. A nil
// Detection with nil error means the provider found no face at all,
// which is a valid outcome rather than a failure.
func (c *Client) Detect(ctx context.Context, image []byte) (*Detection, error) {
	form := c.baseForm()
	form.Set("return_attributes", "gender,age,ethnicity,facequality")

	body, err := c.do(ctx, "faceapi.detect", c.cfg.DetectURL, form, image)
	if err != nil {
		return nil, err
	}

	var parsed detectResponse
	if err := json.Unmarshal(body, &parsed); err != nil {
		return nil, &ProviderError{Operation: "faceapi.detect", StatusCode: http.StatusOK, Message: "unexpected detect response shape"}
	}
	if len(parsed.Faces) == 0 {
		c.logger.Info("no face detected in image")
		return nil, nil
	}

	face := parsed.Faces[0]
	attrs := face.Attributes.toAttributes()
	c.logger.Info("face detected",
		zap.String("face_token", face.FaceToken),
		zap.Float64("face_quality", attrs.FaceQuality))
	return &Detection{FaceToken: face.FaceToken, Attributes: attrs}, nil
}

// Search looks for similar faces inside one faceset, returning at most
// topK provider-ranked matches.
func (c *Client) Search(ctx context.Context, faceToken, outerID string, topK int) ([]Match, error) {
	form := c.baseForm()
	form.Set("face_token", faceToken)
	form.Set("outer_id", outerID)
	form.Set("return_result_count", strconv.Itoa(topK))

	body, err := c.do(ctx, "faceapi.search", c.cfg.SearchURL, form, nil)
	if err != nil {
		return nil, err
	}

	var parsed searchResponse
	if err := json.Unmarshal(body, &parsed); err != nil {
		return nil, &ProviderError{Operation: "faceapi.search", StatusCode: http.StatusOK, Message: "unexpected search response shape"}
	}
	return parsed.Results, nil
}

// CreateFaceset provisions a new provider faceset under a locally
// composed outer id, which is returned as the correlation key.
func (c *Client) CreateFaceset(ctx context.Context) (string, error) {
	id := uuid.New()
	outerID := "faceset_" + hex.EncodeToString(id[:4])

	form := c.baseForm()
	form.Set("outer_id", outerID)
	form.Set("display_name", outerID)
	form.Set("tags", "face_verification")

	body, err := c.do(ctx, "faceapi.create_faceset", c.cfg.CreateURL, form, nil)
	if err != nil {
		return "", err
	}

	var parsed createResponse
	if err := json.Unmarshal(body, &parsed); err != nil || parsed.FacesetToken == "" {
		return "", &ProviderError{Operation: "faceapi.create_faceset", StatusCode: http.StatusOK, Message: "create response missing faceset_token"}
	}

	c.logger.Info("created faceset", zap.String("faceset_id", outerID))
	return outerID, nil
}

// AddFace registers a detected face token into a faceset.
func (c *Client) AddFace(ctx context.Context, faceToken, outerID string) error {
	form := c.baseForm()
	form.Set("face_tokens", faceToken)
	form.Set("outer_id", outerID)

	body, err := c.do(ctx, "faceapi.add_face", c.cfg.AddURL, form, nil)
	if err != nil {
		return err
	}

	var parsed addResponse
	if err := json.Unmarshal(body, &parsed); err != nil || parsed.FaceAdded == nil {
		return &ProviderError{Operation: "faceapi.add_face", StatusCode: http.StatusOK, Message: "add response missing face_added"}
	}

	c.logger.Info("added face to faceset", zap.String("faceset_id", outerID))
	return nil
}

// FacesetDetail fetches the provider's authoritative occupancy for one
// faceset.
func (c *Client) FacesetDetail(ctx context.Context, outerID string) (*FacesetDetail, error) {
	form := c.baseForm()
	form.Set("outer_id", outerID)

	body, err := c.do(ctx, "faceapi.faceset_detail", c.cfg.DetailURL, form, nil)
	if err != nil {
		return nil, err
	}

	var parsed detailResponse
	if err := json.Unmarshal(body, &parsed); err != nil || parsed.FaceCount == nil {
		return nil, &ProviderError{Operation: "faceapi.faceset_detail", StatusCode: http.StatusOK, Message: "detail response missing face_count"}
	}
	return &FacesetDetail{OuterID: outerID, FaceCount: *parsed.FaceCount}, nil
}

func (c *Client) baseForm() url.Values {
	form := url.Values{}
	form.Set("api_key", c.cfg.APIKey)
	form.Set("api_secret", c.cfg.APISecret)
	return form
}

// do issues one logical operation with rate limiting and retries.
// Retryable: rate-limit rejections (linear backoff), unparseable bodies
// and transport failures (base delay). Any other provider-reported error
// is terminal and surfaced with its status and message.
func (c *Client) do(ctx context.Context, operation, endpoint string, form url.Values, image []byte) ([]byte, error) {
	var lastErr error
	for attempt := 1; attempt <= c.cfg.MaxRetries; attempt++ {
		if err := c.gate.wait(ctx); err != nil {
			return nil, logging.NewOperationError(operation, "", err)
		}

		body, status, err := c.post(ctx, endpoint, form, image)
		if err != nil {
			lastErr = err
			c.logger.Warn("provider transport failure",
				zap.String("operation", operation), zap.Int("attempt", attempt), zap.Error(err))
			if attempt < c.cfg.MaxRetries {
				if err := c.sleep(ctx, c.cfg.RetryDelay); err != nil {
					return nil, logging.NewOperationError(operation, "", err)
				}
				continue
			}
			break
		}

		var envelope errorEnvelope
		if err := json.Unmarshal(body, &envelope); err != nil {
			lastErr = fmt.Errorf("parse provider response: %w", err)
			c.logger.Warn("unparseable provider response",
				zap.String("operation", operation), zap.Int("attempt", attempt))
			if attempt < c.cfg.MaxRetries {
				if err := c.sleep(ctx, c.cfg.RetryDelay); err != nil {
					return nil, logging.NewOperationError(operation, "", err)
				}
				continue
			}
			break
		}

		if envelope.ErrorMessage != "" {
			if strings.Contains(envelope.ErrorMessage, concurrencyLimitMarker) {
				lastErr = fmt.Errorf("rate limited: %s", envelope.ErrorMessage)
				c.logger.Warn("provider rate limit hit",
					zap.String("operation", operation), zap.Int("attempt", attempt))
				if attempt < c.cfg.MaxRetries {
					// Linear backoff: interval * attempt number.
					if err := c.sleep(ctx, c.cfg.RetryDelay*time.Duration(attempt)); err != nil {
						return nil, logging.NewOperationError(operation, "", err)
					}
					continue
				}
				break
			}
			return nil, &ProviderError{Operation: operation, StatusCode: status, Message: envelope.ErrorMessage}
		}

		if status != http.StatusOK {
			return nil, &ProviderError{Operation: operation, StatusCode: status, Message: truncate(string(body), 256)}
		}

		return body, nil
	}

	return nil, logging.NewOperationError(operation, "",
		fmt.Errorf("%w after %d attempts: %v", ErrUnavailable, c.cfg.MaxRetries, lastErr))
}

func (c *Client) post(ctx context.Context, endpoint string, form url.Values, image []byte) ([]byte, int, error) {
	callCtx, cancel := context.WithTimeout(ctx, c.cfg.RequestTimeout)
	defer cancel()

	var (
		req *http.Request
		err error
	)
	if image != nil {
		var buf bytes.Buffer
		writer := multipart.NewWriter(&buf)
		for key := range form {
			if err := writer.WriteField(key, form.Get(key)); err != nil {
				return nil, 0, err
			}
		}
		part, err := writer.CreateFormFile("image_file", "image.jpg")
		if err != nil {
			return nil, 0, err
		}
		if _, err := part.Write(image); err != nil {
			return nil, 0, err
		}
		if err := writer.Close(); err != nil {
			return nil, 0, err
		}
		req, err = http.NewRequestWithContext(callCtx, http.MethodPost, endpoint, &buf)
		if err != nil {
			return nil, 0, err
		}
		req.Header.Set("Content-Type", writer.FormDataContentType())
	} else {
		req, err = http.NewRequestWithContext(callCtx, http.MethodPost, endpoint, strings.NewReader(form.Encode()))
		if err != nil {
			return nil, 0, err
		}
		req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, 0, err
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, 0, err
	}
	return body, resp.StatusCode, nil
}

func (c *Client) sleep(ctx context.Context, d time.Duration) error {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}

func truncate(s string, limit int) string {
	if len(s) <= limit {
		return s
	}
	return s[:limit]
}
