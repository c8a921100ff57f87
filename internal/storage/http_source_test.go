package storage

import (
	"context"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	apperrors "github.com/octapulse/fishlens/internal/errors"
	"github.com/octapulse/fishlens/pkg/validation"
)

// Valid minimal PNG data for a 1x1 transparent pixel
var pngData = []byte{
	0x89, 0x50, 0x4E, 0x47, 0x0D, 0x0A, 0x1A, 0x0A, // PNG signature
	0x00, 0x00, 0x00, 0x0D, 0x49, 0x48, 0x44, 0x52, // IHDR chunk
	0x00, 0x00, 0x00, 0x01, 0x00, 0x00, 0x00, 0x01, // 1x1 dimensions
	0x08, 0x06, 0x00, 0x00, 0x00, 0x1F, 0x15, 0xC4, // bit depth, color type, etc.
	0x89, 0x00, 0x00, 0x00, 0x0A, 0x49, 0x44, 0x41, // IDAT chunk start
	0x54, 0x78, 0x9C, 0x63, 0x00, 0x01, 0x00, 0x00, // compressed data
	0x05, 0x00, 0x01, 0x0D, 0x0A, 0x2D, 0xB4, 0x00, // compressed data end
	0x00, 0x00, 0x00, 0x49, 0x45, 0x4E, 0x44, 0xAE, // IEND chunk
	0x42, 0x60, 0x82,
}

func mustRef(t *testing.T, raw string) *validation.SourceRef {
	t.Helper()
	ref, err := validation.NewSourceValidator().ValidateSource(raw)
	if err != nil {
		t.Fatalf("invalid test reference %q: %v", raw, err)
	}
	return ref
}

func TestHTTPSource_RetryLogic(t *testing.T) {
	tests := []struct {
		name          string
		responses     []int // Status codes to return in sequence
		expectRetries int   // Expected number of requests
		expectType    apperrors.ErrorType
		errorContains string
	}{
		{
			name:          "Success on first attempt",
			responses:     []int{200},
			expectRetries: 1,
		},
		{
			name:          "Success on second attempt after 5xx",
			responses:     []int{500, 200},
			expectRetries: 2,
		},
		{
			name:          "404 is not found and not retried",
			responses:     []int{404},
			expectRetries: 1,
			expectType:    apperrors.ErrorTypeNotFound,
			errorContains: "client error: status code 404",
		},
		{
			name:          "4xx after 5xx stops retrying",
			responses:     []int{500, 403},
			expectRetries: 2,
			expectType:    apperrors.ErrorTypeValidation,
			errorContains: "client error: status code 403",
		},
		{
			name:          "All 5xx errors exhaust attempts",
			responses:     []int{500, 502, 503},
			expectRetries: 3,
			expectType:    apperrors.ErrorTypeNetwork,
			errorContains: "server error: status code 503",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var requestCount int32

			server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				n := int(atomic.AddInt32(&requestCount, 1)) - 1
				if n >= len(tt.responses) {
					w.WriteHeader(500)
					return
				}
				if status := tt.responses[n]; status != 200 {
					w.WriteHeader(status)
					fmt.Fprintf(w, "Error %d", status)
					return
				}
				w.Header().Set("Content-Type", "image/png")
				w.Write(pngData)
			}))
			defer server.Close()

			source := NewHTTPSourceWithClient(server.Client(), validation.MaxUploadSize, 0)
			img, err := source.Load(context.Background(), mustRef(t, server.URL+"/fish.png"))

			if got := int(atomic.LoadInt32(&requestCount)); got != tt.expectRetries {
				t.Errorf("Expected %d requests, got %d", tt.expectRetries, got)
			}

			if tt.expectType == "" {
				if err != nil {
					t.Fatalf("Expected no error, got: %v", err)
				}
				if img.Name != "fish.png" || img.ContentType != "image/png" || img.Size != int64(len(pngData)) {
					t.Errorf("Unexpected image %+v", img)
				}
				return
			}
			if !apperrors.IsType(err, tt.expectType) {
				t.Errorf("Expected %s error, got: %v", tt.expectType, err)
			}
			if !strings.Contains(err.Error(), tt.errorContains) {
				t.Errorf("Expected error to contain %q, got: %s", tt.errorContains, err.Error())
			}
		})
	}
}

func TestHTTPSource_NetworkErrorRetry(t *testing.T) {
	var requestCount int32

	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if atomic.AddInt32(&requestCount, 1) < 3 {
			// Simulate network error by closing connection
			if hj, ok := w.(http.Hijacker); ok {
				conn, _, _ := hj.Hijack()
				conn.Close()
			}
			return
		}
		w.Header().Set("Content-Type", "image/png")
		w.Write(pngData)
	}))
	defer server.Close()

	source := NewHTTPSourceWithClient(server.Client(), validation.MaxUploadSize, 10*time.Millisecond)

	start := time.Now()
	_, err := source.Load(context.Background(), mustRef(t, server.URL+"/fish.png"))
	duration := time.Since(start)

	if err != nil {
		t.Errorf("Expected success after retries, got error: %s", err.Error())
	}
	if got := atomic.LoadInt32(&requestCount); got != 3 {
		t.Errorf("Expected 3 requests, got %d", got)
	}
	// 10ms + 20ms of backoff
	if duration < 30*time.Millisecond {
		t.Errorf("Expected at least 30ms due to backoff, took %v", duration)
	}
}

func TestHTTPSource_CancelledDuringBackoff(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusServiceUnavailable)
	}))
	defer server.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()

	source := NewHTTPSourceWithClient(server.Client(), validation.MaxUploadSize, time.Hour)
	_, err := source.Load(ctx, mustRef(t, server.URL+"/fish.png"))
	if !apperrors.IsType(err, apperrors.ErrorTypeTimeout) {
		t.Errorf("Expected timeout error, got %v", err)
	}
}

func TestHTTPSource_OversizedBodyIsTruncated(t *testing.T) {
	body := make([]byte, 64)
	copy(body, pngData)
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/octet-stream")
		w.Write(body)
	}))
	defer server.Close()

	source := NewHTTPSourceWithClient(server.Client(), 16, 0)
	img, err := source.Load(context.Background(), mustRef(t, server.URL+"/big.png"))
	if err != nil {
		t.Fatalf("Expected no error, got %v", err)
	}
	if len(img.Data) != 17 {
		t.Errorf("Expected 17 buffered bytes, got %d", len(img.Data))
	}
	if img.Size != 64 {
		t.Errorf("Expected announced size 64, got %d", img.Size)
	}
	if img.ContentType != "" {
		t.Errorf("Expected generic content type to be dropped, got %q", img.ContentType)
	}

	outcome := validation.NewUploadValidatorWithLimits(16, 0).Validate(img.Candidate())
	if outcome.Reason != validation.ReasonTooLarge {
		t.Errorf("Expected oversized image to fail validation, got %+v", outcome)
	}
}
