package storage

import (
	"context"
	"fmt"
	"net/http"
	"time"

	apperrors "github.com/octapulse/fishlens/internal/errors"
	"github.com/octapulse/fishlens/pkg/validation"
)

const maxFetchAttempts = 3

// HTTPSource downloads images over HTTP(S)
type HTTPSource struct {
	client     *http.Client
	maxSize    int64
	retryDelay time.Duration
}

// NewHTTPSource creates an HTTP image source
func NewHTTPSource(maxSize int64, retryDelay time.Duration) *HTTPSource {
	// Connection pooling tuned for single image downloads
	transport := &http.Transport{
		Proxy:               http.ProxyFromEnvironment,
		MaxIdleConns:        10,
		MaxIdleConnsPerHost: 2,
		IdleConnTimeout:     30 * time.Second,

		TLSHandshakeTimeout:   10 * time.Second,
		ResponseHeaderTimeout: 10 * time.Second,
		ExpectContinueTimeout: 1 * time.Second,

		MaxResponseHeaderBytes: 4096,
	}

	return NewHTTPSourceWithClient(&http.Client{
		Transport: transport,
		Timeout:   30 * time.Second,
		CheckRedirect: func(req *http.Request, via []*http.Request) error {
			if len(via) >= 3 {
				return fmt.Errorf("too many redirects (limit: 3)")
			}
			return nil
		},
	}, maxSize, retryDelay)
}

// NewHTTPSourceWithClient uses a caller supplied client
func NewHTTPSourceWithClient(client *http.Client, maxSize int64, retryDelay time.Duration) *HTTPSource {
	return &HTTPSource{client: client, maxSize: maxSize, retryDelay: retryDelay}
}

// Load fetches the image. Transport errors and 5xx responses are retried,
// 4xx responses are not.
func (h *HTTPSource) Load(ctx context.Context, ref *validation.SourceRef) (*Image, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, ref.Raw, nil)
	if err != nil {
		return nil, apperrors.NewValidationError("invalid image URL", err)
	}
	req.Header.Set("Accept", "image/jpeg, image/png, image/bmp, image/tiff, */*")
	req.Header.Set("User-Agent", "fishlens/1.0")

	var lastErr error
	for attempt := 0; attempt < maxFetchAttempts; attempt++ {
		if attempt > 0 {
			if err := sleepCtx(ctx, time.Duration(attempt)*h.retryDelay); err != nil {
				return nil, apperrors.NewTimeoutError("image download cancelled", err)
			}
		}

		resp, err := h.client.Do(req)
		if err != nil {
			lastErr = err
			if ctx.Err() != nil {
				return nil, apperrors.NewTimeoutError("image download cancelled", ctx.Err())
			}
			continue
		}

		if resp.StatusCode == http.StatusOK {
			img, err := h.readImage(resp)
			resp.Body.Close()
			return img, err
		}
		resp.Body.Close()

		// 4xx client errors are non-retryable
		if resp.StatusCode >= 400 && resp.StatusCode < 500 {
			lastErr = fmt.Errorf("client error: status code %d", resp.StatusCode)
			if resp.StatusCode == http.StatusNotFound {
				return nil, apperrors.NewNotFoundError("image not found", lastErr)
			}
			return nil, apperrors.NewValidationError("image URL was rejected", lastErr)
		}
		lastErr = fmt.Errorf("server error: status code %d", resp.StatusCode)
	}

	return nil, apperrors.NewNetworkError(fmt.Sprintf("failed to fetch image after %d attempts", maxFetchAttempts), lastErr)
}

func (h *HTTPSource) readImage(resp *http.Response) (*Image, error) {
	data, err := readLimited(resp.Body, h.maxSize)
	if err != nil {
		return nil, apperrors.NewNetworkError("image download interrupted", err)
	}
	var announced *int64
	if resp.ContentLength > 0 {
		announced = &resp.ContentLength
	}
	return &Image{
		Name:        baseName(resp.Request.URL.Path),
		ContentType: contentType(resp.Header.Get("Content-Type")),
		Size:        sizeOf(announced, data),
		Data:        data,
	}, nil
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
