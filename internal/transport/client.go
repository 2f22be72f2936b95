// Package transport is the HTTP client for the remote authority. It owns the
// wire format and the mapping from HTTP outcomes to the sync failure taxonomy;
// callers above it never inspect status codes.
package transport

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"time"

	jsoniter "github.com/json-iterator/go"
	"go.uber.org/zap"

	apperrors "github.com/shopstack/possync/internal/errors"
	"github.com/shopstack/possync/internal/models"
)

var json = jsoniter.ConfigCompatibleWithStandardLibrary

// SubmitStatus is the authority's verdict on one submitted record.
type SubmitStatus string

const (
	// StatusAccepted means the record was applied for the first time.
	StatusAccepted SubmitStatus = "accepted"
	// StatusExists means the idempotency key was seen before. The record is
	// already durable on the authority, so this is success-equivalent.
	StatusExists SubmitStatus = "exists"
	// StatusRejected means the record failed validation and will never be
	// accepted as-is.
	StatusRejected SubmitStatus = "rejected"
)

// SubmitRequest is the wire form of one outbound record.
type SubmitRequest struct {
	IdempotencyKey models.UUID         `json:"idempotency_key"`
	EntityType     string              `json:"entity_type"`
	Payload        jsoniter.RawMessage `json:"payload"`
	DeviceID       string              `json:"device_id"`
	CreatedAt      int64               `json:"created_at"`
}

// SubmitResponse is the authority's reply for one record.
type SubmitResponse struct {
	Status SubmitStatus `json:"status"`
	Error  string       `json:"error,omitempty"`
}

// BatchRequest carries multiple records in submission order.
type BatchRequest struct {
	DeviceID string          `json:"device_id"`
	Records  []SubmitRequest `json:"records"`
}

// BatchResult is the per-record outcome within a batch response.
type BatchResult struct {
	IdempotencyKey models.UUID  `json:"idempotency_key"`
	Status         SubmitStatus `json:"status"`
	Error          string       `json:"error,omitempty"`
}

// BatchResponse is the authority's reply to a batch submission.
type BatchResponse struct {
	Results []BatchResult `json:"results"`
}

// Client talks to one authority over HTTP with finite timeouts.
type Client struct {
	baseURL   string
	authToken string
	http      *http.Client
	logger    *zap.Logger
}

// NewClient creates a Client. baseURL is the authority root without a
// trailing slash; timeout bounds every request end to end.
func NewClient(baseURL, authToken string, timeout time.Duration, logger *zap.Logger) *Client {
	return &Client{
		baseURL:   baseURL,
		authToken: authToken,
		http:      &http.Client{Timeout: timeout},
		logger:    logger,
	}
}

// Submit delivers a single record. The returned status distinguishes a first
// application from an idempotent replay; both mean the record is durable on
// the authority.
func (c *Client) Submit(ctx context.Context, rec *models.PendingRecord) (SubmitStatus, error) {
	req := SubmitRequest{
		IdempotencyKey: rec.IdempotencyKey,
		EntityType:     rec.EntityType,
		Payload:        jsoniter.RawMessage(rec.Payload),
		DeviceID:       rec.DeviceID,
		CreatedAt:      rec.CreatedAt,
	}

	var resp SubmitResponse
	if err := c.post(ctx, "/api/sync/transactions/", req, &resp); err != nil {
		return "", err
	}
	if resp.Status == StatusRejected {
		return StatusRejected, apperrors.New(apperrors.ErrPermanent, resp.Error)
	}
	return resp.Status, nil
}

// SyncBatch delivers up to maxBatch records in one round trip. The authority
// processes records in order and reports a per-record verdict; a transport
// failure of the whole call returns an error instead.
func (c *Client) SyncBatch(ctx context.Context, deviceID string, recs []*models.PendingRecord) ([]BatchResult, error) {
	req := BatchRequest{DeviceID: deviceID, Records: make([]SubmitRequest, 0, len(recs))}
	for _, rec := range recs {
		req.Records = append(req.Records, SubmitRequest{
			IdempotencyKey: rec.IdempotencyKey,
			EntityType:     rec.EntityType,
			Payload:        jsoniter.RawMessage(rec.Payload),
			DeviceID:       rec.DeviceID,
			CreatedAt:      rec.CreatedAt,
		})
	}

	var resp BatchResponse
	if err := c.post(ctx, "/api/sync/batch/", req, &resp); err != nil {
		return nil, err
	}
	return resp.Results, nil
}

// Pull fetches every change the authority recorded after the given checkpoint.
func (c *Client) Pull(ctx context.Context, since models.Checkpoint) (*models.ChangeSet, error) {
	endpoint := "/api/sync/updates/?since=" + url.QueryEscape(strconv.FormatInt(int64(since), 10))

	var cs models.ChangeSet
	if err := c.get(ctx, endpoint, &cs); err != nil {
		return nil, err
	}
	return &cs, nil
}

// Health probes the authority's health endpoint. It reports transport-level
// reachability only and fits the connectivity monitor's ProbeFunc shape.
func (c *Client) Health(ctx context.Context) bool {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+"/api/sync/health/", nil)
	if err != nil {
		return false
	}
	c.setHeaders(req)

	resp, err := c.http.Do(req)
	if err != nil {
		return false
	}
	defer resp.Body.Close()
	io.Copy(io.Discard, resp.Body)
	return resp.StatusCode == http.StatusOK
}

func (c *Client) post(ctx context.Context, endpoint string, body, out any) error {
	encoded, err := json.Marshal(body)
	if err != nil {
		return apperrors.Wrap(apperrors.ErrInternal, "failed to encode request", err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+endpoint, bytes.NewReader(encoded))
	if err != nil {
		return apperrors.Wrap(apperrors.ErrInternal, "failed to build request", err)
	}
	req.Header.Set("Content-Type", "application/json")
	return c.do(req, out)
}

func (c *Client) get(ctx context.Context, endpoint string, out any) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+endpoint, nil)
	if err != nil {
		return apperrors.Wrap(apperrors.ErrInternal, "failed to build request", err)
	}
	return c.do(req, out)
}

func (c *Client) do(req *http.Request, out any) error {
	c.setHeaders(req)

	resp, err := c.http.Do(req)
	if err != nil {
		return classifyTransportError(err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return apperrors.Wrap(apperrors.ErrTransient, "failed to read response", err)
	}

	if err := classifyStatus(resp.StatusCode, body); err != nil {
		c.logger.Debug("request rejected",
			zap.String("endpoint", req.URL.Path),
			zap.Int("status", resp.StatusCode))
		return err
	}

	if out != nil {
		if err := json.Unmarshal(body, out); err != nil {
			return apperrors.Wrap(apperrors.ErrTransient, "malformed response body", err)
		}
	}
	return nil
}

func (c *Client) setHeaders(req *http.Request) {
	if c.authToken != "" {
		req.Header.Set("Authorization", "Bearer "+c.authToken)
	}
}

// classifyTransportError maps dial, timeout and connection failures. All of
// them say nothing about the record itself, so all are transient.
func classifyTransportError(err error) error {
	if errors.Is(err, context.DeadlineExceeded) {
		return apperrors.Wrap(apperrors.ErrSyncTimeout, "request timed out", err)
	}
	var urlErr *url.Error
	if errors.As(err, &urlErr) && urlErr.Timeout() {
		return apperrors.Wrap(apperrors.ErrSyncTimeout, "request timed out", err)
	}
	return apperrors.Wrap(apperrors.ErrTransient, "request failed", err)
}

// classifyStatus maps HTTP status codes to the failure taxonomy. 5xx means
// the authority could not process anything and a retry may succeed; any other
// non-2xx is a verdict on this request and retrying the same bytes will not
// change it.
func classifyStatus(code int, body []byte) error {
	switch {
	case code >= 200 && code < 300:
		return nil
	case code >= 500:
		return apperrors.New(apperrors.ErrTransient,
			fmt.Sprintf("authority unavailable (HTTP %d)", code))
	default:
		return apperrors.New(apperrors.ErrPermanent,
			fmt.Sprintf("request rejected (HTTP %d): %s", code, errorMessage(body)))
	}
}

func errorMessage(body []byte) string {
	var wrapper struct {
		Error string `json:"error"`
	}
	if err := json.Unmarshal(body, &wrapper); err == nil && wrapper.Error != "" {
		return wrapper.Error
	}
	const max = 200
	if len(body) > max {
		body = body[:max]
	}
	return string(body)
}
