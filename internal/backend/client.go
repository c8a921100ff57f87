package backend

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"mime/multipart"
	"net/http"
	"net/textproto"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/sirupsen/logrus"

	apperrors "github.com/octapulse/fishlens/internal/errors"
	"github.com/octapulse/fishlens/internal/logger"
	"github.com/octapulse/fishlens/pkg/models"
	"github.com/octapulse/fishlens/pkg/schema"
	"github.com/octapulse/fishlens/pkg/validation"
)

const (
	apiPrefix        = "/api/v1"
	maxAttempts      = 3
	maxErrorBodySize = 64 * 1024
	// visualizations are JPEGs rendered by the backend
	maxVisualizationSize = 50 * 1024 * 1024
)

// ErrNotReady is returned when batch results are requested while the batch
// is still processing
var ErrNotReady = apperrors.NewNotReadyError("batch analysis still in progress", nil)

// Visualization kinds served by the backend
const (
	VisualizationDetailed     = "detailed"
	VisualizationMeasurements = "measurements"
)

// File is one image to upload
type File struct {
	Name        string
	ContentType string
	Data        []byte
}

// Health is the backend health report
type Health struct {
	Status      string `json:"status"`
	APIVersion  string `json:"api_version"`
	ModelLoaded bool   `json:"model_loaded"`
}

// Client talks to the analysis backend
type Client struct {
	baseURL    string
	httpClient *http.Client
	retryDelay time.Duration
	token      func() string
}

// Option configures a Client
type Option func(*Client)

// WithHTTPClient replaces the default HTTP client
func WithHTTPClient(c *http.Client) Option {
	return func(cl *Client) { cl.httpClient = c }
}

// WithRetryDelay sets the base delay between attempts
func WithRetryDelay(d time.Duration) Option {
	return func(cl *Client) { cl.retryDelay = d }
}

// WithTokenSource attaches a bearer token to every request when the
// function returns a non-empty value
func WithTokenSource(token func() string) Option {
	return func(cl *Client) { cl.token = token }
}

// NewClient creates a backend client for baseURL (scheme and host, without
// the API prefix)
func NewClient(baseURL string, timeout time.Duration, opts ...Option) (*Client, error) {
	u, err := url.Parse(strings.TrimSpace(baseURL))
	if err != nil || (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" {
		return nil, apperrors.NewValidationError(fmt.Sprintf("invalid backend URL: %q", baseURL), err)
	}

	c := &Client{
		baseURL: strings.TrimRight(u.String(), "/"),
		httpClient: &http.Client{
			Timeout: timeout,
			Transport: &http.Transport{
				Proxy:                 http.ProxyFromEnvironment,
				MaxIdleConns:          10,
				MaxIdleConnsPerHost:   4,
				IdleConnTimeout:       90 * time.Second,
				TLSHandshakeTimeout:   10 * time.Second,
				ExpectContinueTimeout: 1 * time.Second,
			},
		},
		retryDelay: time.Second,
	}
	for _, opt := range opts {
		opt(c)
	}
	return c, nil
}

// BaseURL returns the backend root
func (c *Client) BaseURL() string {
	return c.baseURL
}

// UploadSingle sends one image with its analysis parameters
func (c *Client) UploadSingle(ctx context.Context, file File, params models.AnalysisParams) (*models.UploadResponse, error) {
	body, contentType, err := encodeMultipart("file", []File{file}, params)
	if err != nil {
		return nil, err
	}

	raw, err := c.do(ctx, http.MethodPost, "/upload/single", body, contentType)
	if err != nil {
		return nil, err
	}
	var resp models.UploadResponse
	if err := decode(raw, &resp, "upload response"); err != nil {
		return nil, err
	}
	return &resp, nil
}

// UploadBatch sends several images in one request
func (c *Client) UploadBatch(ctx context.Context, files []File, params models.AnalysisParams) (*models.BatchUploadResponse, error) {
	if len(files) == 0 {
		return nil, apperrors.NewValidationError("at least one file is required", nil)
	}
	body, contentType, err := encodeMultipart("files", files, params)
	if err != nil {
		return nil, err
	}

	raw, err := c.do(ctx, http.MethodPost, "/upload/batch", body, contentType)
	if err != nil {
		return nil, err
	}
	var resp models.BatchUploadResponse
	if err := decode(raw, &resp, "batch upload response"); err != nil {
		return nil, err
	}
	return &resp, nil
}

// AnalyzeSingle runs analysis on an uploaded image and normalizes the result
func (c *Client) AnalyzeSingle(ctx context.Context, req models.AnalysisRequest) (*models.FishAnalysisResult, error) {
	body, err := json.Marshal(req)
	if err != nil {
		return nil, apperrors.NewInternalError("failed to encode analysis request", err)
	}

	raw, err := c.do(ctx, http.MethodPost, "/analysis/single", body, "application/json")
	if err != nil {
		return nil, err
	}
	return schema.Normalize(raw)
}

// StartBatch queues analysis of several uploaded images
func (c *Client) StartBatch(ctx context.Context, req models.BatchAnalysisRequest) (*models.BatchStartResponse, error) {
	body, err := json.Marshal(req)
	if err != nil {
		return nil, apperrors.NewInternalError("failed to encode batch request", err)
	}

	raw, err := c.do(ctx, http.MethodPost, "/analysis/batch", body, "application/json")
	if err != nil {
		return nil, err
	}
	var resp models.BatchStartResponse
	if err := decode(raw, &resp, "batch start response"); err != nil {
		return nil, err
	}
	if resp.BatchID == "" {
		return nil, apperrors.NewMalformedResultError("batch start response has no batch_id", nil)
	}
	return &resp, nil
}

// BatchStatus returns the progress snapshot of a batch
func (c *Client) BatchStatus(ctx context.Context, batchID string) (*models.BatchProgress, error) {
	raw, err := c.do(ctx, http.MethodGet, "/analysis/batch/"+url.PathEscape(batchID)+"/status", nil, "")
	if err != nil {
		return nil, err
	}
	return schema.NormalizeProgress(raw)
}

// BatchResults returns the normalized batch result. ErrNotReady is returned
// while the backend is still processing.
func (c *Client) BatchResults(ctx context.Context, batchID string) (*models.BatchAnalysisResult, error) {
	raw, err := c.do(ctx, http.MethodGet, "/analysis/batch/"+url.PathEscape(batchID)+"/results", nil, "")
	if err != nil {
		return nil, err
	}
	return schema.NormalizeBatch(raw)
}

// CancelBatch asks the backend to stop a running batch
func (c *Client) CancelBatch(ctx context.Context, batchID string) (*models.CancelResponse, error) {
	raw, err := c.do(ctx, http.MethodDelete, "/analysis/batch/"+url.PathEscape(batchID), nil, "")
	if err != nil {
		return nil, err
	}
	var resp models.CancelResponse
	if err := decode(raw, &resp, "cancel response"); err != nil {
		return nil, err
	}
	return &resp, nil
}

// Visualization downloads a rendered visualization image
func (c *Client) Visualization(ctx context.Context, analysisID, kind string) ([]byte, error) {
	if kind != VisualizationDetailed && kind != VisualizationMeasurements {
		return nil, apperrors.NewValidationError(
			fmt.Sprintf("invalid visualization type %q, use %q or %q", kind, VisualizationDetailed, VisualizationMeasurements), nil)
	}
	p := "/analysis/result/" + url.PathEscape(analysisID) + "/visualization/" + kind
	return c.do(ctx, http.MethodGet, p, nil, "")
}

// Health reports whether the backend is up
func (c *Client) Health(ctx context.Context) (*Health, error) {
	raw, err := c.doURL(ctx, http.MethodGet, c.baseURL+"/health", nil, "")
	if err != nil {
		return nil, err
	}
	var h Health
	if err := decode(raw, &h, "health response"); err != nil {
		return nil, err
	}
	return &h, nil
}

func (c *Client) do(ctx context.Context, method, path string, body []byte, contentType string) ([]byte, error) {
	return c.doURL(ctx, method, c.baseURL+apiPrefix+path, body, contentType)
}

// doURL performs the request with retries. Transport errors are retried for
// every method. A 5xx is retried only for idempotent methods; for the others
// the backend may already have stored files or queued work.
func (c *Client) doURL(ctx context.Context, method, target string, body []byte, contentType string) ([]byte, error) {
	log := logger.WithFields(logrus.Fields{"method": method, "url": target})
	retrySafe := idempotent(method)

	var lastErr error
	for attempt := 0; attempt < maxAttempts; attempt++ {
		if attempt > 0 {
			if err := sleep(ctx, time.Duration(attempt)*c.retryDelay); err != nil {
				return nil, apperrors.NewTimeoutError("backend request cancelled", err)
			}
			log.WithField("attempt", attempt+1).Debug("Retrying backend request")
		}

		var reader io.Reader
		if body != nil {
			reader = bytes.NewReader(body)
		}
		req, err := http.NewRequestWithContext(ctx, method, target, reader)
		if err != nil {
			return nil, apperrors.NewInternalError("failed to build backend request", err)
		}
		req.Header.Set("Accept", "application/json")
		if contentType != "" {
			req.Header.Set("Content-Type", contentType)
		}
		if c.token != nil {
			if tok := c.token(); tok != "" {
				req.Header.Set("Authorization", "Bearer "+tok)
			}
		}

		resp, err := c.httpClient.Do(req)
		if err != nil {
			if ctx.Err() != nil {
				return nil, apperrors.NewTimeoutError("backend request cancelled", ctx.Err())
			}
			lastErr = err
			continue
		}

		raw, readErr := readBody(resp)
		if resp.StatusCode >= 500 {
			if !retrySafe {
				log.WithField("status", resp.StatusCode).Warn("Backend rejected request")
				return nil, apperrors.NewBackendError(detail(raw), nil).WithDetails("status " + strconv.Itoa(resp.StatusCode))
			}
			lastErr = fmt.Errorf("server error: status code %d: %s", resp.StatusCode, detail(raw))
			continue
		}
		if readErr != nil {
			if !retrySafe {
				return nil, apperrors.NewNetworkError("backend response was cut off", readErr)
			}
			lastErr = readErr
			continue
		}
		if err := statusError(resp.StatusCode, raw); err != nil {
			return nil, err
		}
		return raw, nil
	}

	log.WithError(lastErr).Warn("Backend request failed")
	return nil, apperrors.NewNetworkError(fmt.Sprintf("backend request failed after %d attempts", maxAttempts), lastErr)
}

func idempotent(method string) bool {
	switch method {
	case http.MethodGet, http.MethodHead, http.MethodDelete:
		return true
	}
	return false
}

func readBody(resp *http.Response) ([]byte, error) {
	defer resp.Body.Close()
	limit := int64(maxVisualizationSize)
	if resp.StatusCode != http.StatusOK {
		limit = maxErrorBodySize
	}
	data, err := io.ReadAll(io.LimitReader(resp.Body, limit))
	if err != nil {
		return nil, fmt.Errorf("failed to read backend response: %w", err)
	}
	return data, nil
}

// statusError maps a non-5xx status to an error. The backend reports a
// batch still in progress as 202 on the results endpoint.
func statusError(code int, body []byte) error {
	switch {
	case code == http.StatusAccepted:
		return ErrNotReady
	case code >= 200 && code < 300:
		return nil
	case code == http.StatusNotFound:
		return apperrors.NewNotFoundError(detail(body), nil)
	case code == http.StatusUnauthorized || code == http.StatusForbidden:
		return apperrors.NewUnauthorizedError(detail(body), nil)
	case code == http.StatusRequestTimeout:
		return apperrors.NewTimeoutError(detail(body), nil)
	default:
		return apperrors.NewValidationError(detail(body), nil).WithDetails("status " + strconv.Itoa(code))
	}
}

// detail extracts the backend's error message from a {"detail": ...} body
func detail(body []byte) string {
	var payload struct {
		Detail json.RawMessage `json:"detail"`
	}
	if err := json.Unmarshal(body, &payload); err == nil && len(payload.Detail) > 0 {
		var s string
		if json.Unmarshal(payload.Detail, &s) == nil {
			return s
		}
		return string(payload.Detail)
	}
	msg := strings.TrimSpace(string(body))
	if msg == "" {
		return "backend returned no detail"
	}
	if len(msg) > 200 {
		msg = msg[:200]
	}
	return msg
}

func decode(raw []byte, v interface{}, what string) error {
	if err := json.Unmarshal(raw, v); err != nil {
		return apperrors.NewMalformedResultError("invalid "+what, err)
	}
	return nil
}

func encodeMultipart(field string, files []File, params models.AnalysisParams) ([]byte, string, error) {
	var buf bytes.Buffer
	w := multipart.NewWriter(&buf)

	for _, f := range files {
		h := make(textproto.MIMEHeader)
		h.Set("Content-Disposition", fmt.Sprintf(`form-data; name=%q; filename=%q`, field, validation.CleanFilename(f.Name)))
		ct := f.ContentType
		if ct == "" {
			ct = "application/octet-stream"
		}
		h.Set("Content-Type", ct)

		part, err := w.CreatePart(h)
		if err != nil {
			return nil, "", apperrors.NewInternalError("failed to encode upload", err)
		}
		if _, err := part.Write(f.Data); err != nil {
			return nil, "", apperrors.NewInternalError("failed to encode upload", err)
		}
	}

	fields := map[string]string{
		"grid_square_size":       strconv.FormatFloat(params.GridSquareSize, 'f', -1, 64),
		"include_visualizations": strconv.FormatBool(params.IncludeVisualizations),
	}
	for _, k := range []string{"grid_square_size", "include_visualizations"} {
		if err := w.WriteField(k, fields[k]); err != nil {
			return nil, "", apperrors.NewInternalError("failed to encode upload", err)
		}
	}
	if err := w.Close(); err != nil {
		return nil, "", apperrors.NewInternalError("failed to encode upload", err)
	}
	return buf.Bytes(), w.FormDataContentType(), nil
}

func sleep(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}
