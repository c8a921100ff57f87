package backend

import (
	"context"
	"errors"
	"io"
	"mime"
	"mime/multipart"
	"net/http"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/jarcoal/httpmock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	apperrors "github.com/octapulse/fishlens/internal/errors"
	"github.com/octapulse/fishlens/pkg/models"
)

const testBaseURL = "http://backend.test"

func newMockedClient(t *testing.T, opts ...Option) (*Client, *httpmock.MockTransport) {
	t.Helper()
	mock := httpmock.NewMockTransport()
	opts = append([]Option{WithHTTPClient(&http.Client{Transport: mock}), WithRetryDelay(0)}, opts...)
	c, err := NewClient(testBaseURL, time.Second, opts...)
	require.NoError(t, err)
	return c, mock
}

func fixture(t *testing.T, name string) string {
	t.Helper()
	data, err := os.ReadFile(filepath.Join("testdata", name))
	require.NoError(t, err)
	return string(data)
}

func TestNewClient_InvalidURL(t *testing.T) {
	for _, raw := range []string{"", "backend:8000", "ftp://backend", "http://"} {
		_, err := NewClient(raw, time.Second)
		assert.True(t, apperrors.IsType(err, apperrors.ErrorTypeValidation), "url %q", raw)
	}

	c, err := NewClient(" http://backend.test/ ", time.Second)
	require.NoError(t, err)
	assert.Equal(t, "http://backend.test", c.BaseURL())
}

func TestClient_UploadSingle(t *testing.T) {
	c, mock := newMockedClient(t, WithTokenSource(func() string { return "tok-123" }))

	mock.RegisterResponder(http.MethodPost, testBaseURL+"/api/v1/upload/single",
		func(req *http.Request) (*http.Response, error) {
			assert.Equal(t, "Bearer tok-123", req.Header.Get("Authorization"))

			mediaType, params, err := mime.ParseMediaType(req.Header.Get("Content-Type"))
			require.NoError(t, err)
			require.Equal(t, "multipart/form-data", mediaType)

			form, err := multipart.NewReader(req.Body, params["boundary"]).ReadForm(1 << 20)
			require.NoError(t, err)
			assert.Equal(t, []string{"2.5"}, form.Value["grid_square_size"])
			assert.Equal(t, []string{"false"}, form.Value["include_visualizations"])
			require.Len(t, form.File["file"], 1)
			assert.Equal(t, "trout.png", form.File["file"][0].Filename)
			assert.Equal(t, "image/png", form.File["file"][0].Header.Get("Content-Type"))

			return httpmock.NewJsonResponse(http.StatusOK, map[string]any{
				"status":  "success",
				"message": "Image uploaded successfully",
				"file_info": map[string]any{
					"original_filename": "trout.png",
					"saved_filename":    "20240501_100000_ab12cd34.png",
					"file_path":         "uploads/20240501_100000_ab12cd34.png",
					"file_size":         4,
					"upload_time":       "2024-05-01T10:00:00",
				},
				"analysis_params": map[string]any{"grid_square_size": 2.5, "include_visualizations": false},
				"next_step":       "Call /api/v1/analysis/single",
			})
		})

	resp, err := c.UploadSingle(context.Background(),
		File{Name: "trout.png", ContentType: "image/png", Data: []byte("data")},
		models.AnalysisParams{GridSquareSize: 2.5})
	require.NoError(t, err)
	assert.Equal(t, "uploads/20240501_100000_ab12cd34.png", resp.PollTarget())
	assert.Equal(t, 2.5, resp.AnalysisParams.GridSquareSize)
}

func TestClient_UploadBatch(t *testing.T) {
	c, mock := newMockedClient(t)

	mock.RegisterResponder(http.MethodPost, testBaseURL+"/api/v1/upload/batch",
		func(req *http.Request) (*http.Response, error) {
			_, params, err := mime.ParseMediaType(req.Header.Get("Content-Type"))
			require.NoError(t, err)
			form, err := multipart.NewReader(req.Body, params["boundary"]).ReadForm(1 << 20)
			require.NoError(t, err)
			require.Len(t, form.File["files"], 2)
			assert.Equal(t, "application/octet-stream", form.File["files"][1].Header.Get("Content-Type"))

			return httpmock.NewJsonResponse(http.StatusOK, map[string]any{
				"status":   "success",
				"batch_id": "b-1",
				"uploaded_files": []any{
					map[string]any{"original_filename": "a.jpg", "file_path": "uploads/a.jpg"},
					map[string]any{"original_filename": "b.jpg", "file_path": "uploads/b.jpg"},
				},
				"failed_files": []any{},
				"summary":      map[string]any{"total_files": 2, "successful_uploads": 2, "failed_uploads": 0},
			})
		})

	resp, err := c.UploadBatch(context.Background(), []File{
		{Name: "a.jpg", ContentType: "image/jpeg", Data: []byte{1}},
		{Name: "b.jpg", Data: []byte{2}},
	}, models.DefaultAnalysisParams())
	require.NoError(t, err)
	assert.Equal(t, "b-1", resp.PollTarget())
	assert.Equal(t, []string{"uploads/a.jpg", "uploads/b.jpg"}, resp.FilePaths())

	_, err = c.UploadBatch(context.Background(), nil, models.DefaultAnalysisParams())
	assert.True(t, apperrors.IsType(err, apperrors.ErrorTypeValidation))
}

func TestClient_UploadCleansFilename(t *testing.T) {
	c, mock := newMockedClient(t)

	var filename string
	mock.RegisterResponder(http.MethodPost, testBaseURL+"/api/v1/upload/single",
		func(req *http.Request) (*http.Response, error) {
			_, params, err := mime.ParseMediaType(req.Header.Get("Content-Type"))
			require.NoError(t, err)
			form, err := multipart.NewReader(req.Body, params["boundary"]).ReadForm(1 << 20)
			require.NoError(t, err)
			require.Len(t, form.File["file"], 1)
			filename = form.File["file"][0].Filename
			return httpmock.NewStringResponse(http.StatusOK,
				`{"status": "success", "file_info": {"file_path": "uploads/x.png"}}`), nil
		})

	_, err := c.UploadSingle(context.Background(),
		File{Name: `trout<01>:"net".png`, ContentType: "image/png", Data: []byte("data")},
		models.DefaultAnalysisParams())
	require.NoError(t, err)
	assert.Equal(t, "trout_01_net_.png", filename)
}

func TestClient_AnalyzeSingle(t *testing.T) {
	c, mock := newMockedClient(t)
	mock.RegisterResponder(http.MethodPost, testBaseURL+"/api/v1/analysis/single",
		httpmock.NewStringResponder(http.StatusOK, fixture(t, "analysis_completed.json")))

	result, err := c.AnalyzeSingle(context.Background(), models.AnalysisRequest{ImagePath: "uploads/trout.jpg"})
	require.NoError(t, err)

	assert.Equal(t, models.StatusCompleted, result.Status)
	assert.Equal(t, models.CalibrationGood, result.Calibration.CalibrationQuality)
	require.Len(t, result.Measurements, 2)
	assert.Equal(t, "length", result.Measurements[0].MeasurementType)
	assert.Equal(t, "depth", result.Measurements[1].MeasurementType)
}

func TestClient_AnalyzeSingle_Malformed(t *testing.T) {
	c, mock := newMockedClient(t)
	mock.RegisterResponder(http.MethodPost, testBaseURL+"/api/v1/analysis/single",
		httpmock.NewStringResponder(http.StatusOK, `{"analysis_id": "a-1", "status": "exploded"}`))

	_, err := c.AnalyzeSingle(context.Background(), models.AnalysisRequest{ImagePath: "uploads/trout.jpg"})
	assert.True(t, apperrors.IsType(err, apperrors.ErrorTypeMalformedResult), "got %v", err)
}

func TestClient_BatchLifecycle(t *testing.T) {
	c, mock := newMockedClient(t)
	const batchID = "b7a4d2c0-51e3-4b8a-8f0d-2e6c9a1b3d44"
	base := testBaseURL + "/api/v1/analysis/batch"

	mock.RegisterResponder(http.MethodPost, base, httpmock.NewStringResponder(http.StatusOK,
		`{"message": "Batch analysis started", "batch_id": "`+batchID+`", "total_images": 3, "invalid_images": [], "status_check_url": "/api/v1/analysis/batch/`+batchID+`/status"}`))
	mock.RegisterResponder(http.MethodGet, base+"/"+batchID+"/status",
		httpmock.NewStringResponder(http.StatusOK, fixture(t, "batch_status.json")))
	mock.RegisterResponder(http.MethodGet, base+"/"+batchID+"/results",
		httpmock.NewStringResponder(http.StatusOK, fixture(t, "batch_results.json")))
	mock.RegisterResponder(http.MethodDelete, base+"/"+batchID,
		httpmock.NewStringResponder(http.StatusOK, `{"message": "Batch analysis cancelled", "batch_id": "`+batchID+`", "status": "cancelled"}`))

	ctx := context.Background()

	started, err := c.StartBatch(ctx, models.BatchAnalysisRequest{Images: []string{"a", "b", "c"}})
	require.NoError(t, err)
	assert.Equal(t, batchID, started.BatchID)
	assert.Equal(t, 3, started.TotalImages)

	progress, err := c.BatchStatus(ctx, batchID)
	require.NoError(t, err)
	assert.Equal(t, models.StatusProcessing, progress.Status)
	assert.InDelta(t, 33.3, progress.ProgressPercent, 0.01)

	results, err := c.BatchResults(ctx, batchID)
	require.NoError(t, err)
	require.Len(t, results.Results, 3)
	assert.Equal(t, models.StatusFailed, results.Results[2].Status)
	assert.Equal(t, models.CalibrationUnknown, results.Results[2].Calibration.CalibrationQuality)

	cancelled, err := c.CancelBatch(ctx, batchID)
	require.NoError(t, err)
	assert.Equal(t, "cancelled", cancelled.Status)
}

func TestClient_StartBatch_MissingID(t *testing.T) {
	c, mock := newMockedClient(t)
	mock.RegisterResponder(http.MethodPost, testBaseURL+"/api/v1/analysis/batch",
		httpmock.NewStringResponder(http.StatusOK, `{"message": "Batch analysis started"}`))

	_, err := c.StartBatch(context.Background(), models.BatchAnalysisRequest{Images: []string{"a"}})
	assert.True(t, apperrors.IsType(err, apperrors.ErrorTypeMalformedResult))
}

func TestClient_BatchResultsNotReady(t *testing.T) {
	c, mock := newMockedClient(t)
	mock.RegisterResponder(http.MethodGet, testBaseURL+"/api/v1/analysis/batch/b-1/results",
		httpmock.NewStringResponder(http.StatusAccepted, `{"detail": "Batch analysis still in progress. Check status first."}`))

	_, err := c.BatchResults(context.Background(), "b-1")
	assert.True(t, errors.Is(err, ErrNotReady))
	assert.True(t, apperrors.IsType(err, apperrors.ErrorTypeNotReady))
	assert.Equal(t, 1, mock.GetTotalCallCount(), "not ready is not retried")
}

func TestClient_StatusMapping(t *testing.T) {
	tests := []struct {
		name      string
		status    int
		body      string
		wantType  apperrors.ErrorType
		wantCalls int
		contains  string
	}{
		{"not found", http.StatusNotFound, `{"detail": "Batch analysis not found"}`, apperrors.ErrorTypeNotFound, 1, "Batch analysis not found"},
		{"bad request", http.StatusBadRequest, `{"detail": "Cannot cancel completed analysis"}`, apperrors.ErrorTypeValidation, 1, "Cannot cancel completed analysis"},
		{"validation list", http.StatusUnprocessableEntity, `{"detail": [{"loc": ["body", "images"], "msg": "field required"}]}`, apperrors.ErrorTypeValidation, 1, "field required"},
		{"unauthorized", http.StatusUnauthorized, `{"detail": "Not authenticated"}`, apperrors.ErrorTypeUnauthorized, 1, "Not authenticated"},
		{"server error", http.StatusInternalServerError, `{"detail": "Error cancelling batch analysis"}`, apperrors.ErrorTypeNetwork, maxAttempts, "Error cancelling batch analysis"},
		{"plain text", http.StatusBadGateway, "upstream down", apperrors.ErrorTypeNetwork, maxAttempts, "upstream down"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			c, mock := newMockedClient(t)
			mock.RegisterResponder(http.MethodDelete, testBaseURL+"/api/v1/analysis/batch/b-1",
				httpmock.NewStringResponder(tt.status, tt.body))

			_, err := c.CancelBatch(context.Background(), "b-1")
			require.Error(t, err)
			assert.True(t, apperrors.IsType(err, tt.wantType), "got %v", err)
			assert.Contains(t, err.Error(), tt.contains)
			assert.Equal(t, tt.wantCalls, mock.GetTotalCallCount())
		})
	}
}

func TestClient_RetriesTransientFailures(t *testing.T) {
	c, mock := newMockedClient(t)

	calls := 0
	mock.RegisterResponder(http.MethodGet, testBaseURL+"/api/v1/analysis/batch/b-1/status",
		func(req *http.Request) (*http.Response, error) {
			calls++
			switch calls {
			case 1:
				return nil, errors.New("connection reset by peer")
			case 2:
				return httpmock.NewStringResponse(http.StatusServiceUnavailable, ""), nil
			default:
				return httpmock.NewStringResponse(http.StatusOK,
					`{"batch_id": "b-1", "status": "completed", "total_images": 1, "completed_images": 1, "failed_images": 0}`), nil
			}
		})

	progress, err := c.BatchStatus(context.Background(), "b-1")
	require.NoError(t, err)
	assert.Equal(t, models.StatusCompleted, progress.Status)
	assert.Equal(t, 3, calls)
}

func TestClient_RetriesResendBody(t *testing.T) {
	c, mock := newMockedClient(t)

	var bodies []string
	mock.RegisterResponder(http.MethodPost, testBaseURL+"/api/v1/analysis/single",
		func(req *http.Request) (*http.Response, error) {
			b, _ := io.ReadAll(req.Body)
			bodies = append(bodies, string(b))
			if len(bodies) == 1 {
				return nil, errors.New("connection refused")
			}
			return httpmock.NewStringResponse(http.StatusOK, fixture(t, "analysis_completed.json")), nil
		})

	_, err := c.AnalyzeSingle(context.Background(), models.AnalysisRequest{ImagePath: "uploads/trout.jpg"})
	require.NoError(t, err)
	require.Len(t, bodies, 2)
	assert.Equal(t, bodies[0], bodies[1])
	assert.Contains(t, bodies[0], `"image_path":"uploads/trout.jpg"`)
}

func TestClient_PostServerErrorIsNotRetried(t *testing.T) {
	file := File{Name: "trout.png", ContentType: "image/png", Data: []byte("png")}
	tests := []struct {
		name string
		path string
		call func(c *Client) error
	}{
		{"upload single", "/upload/single", func(c *Client) error {
			_, err := c.UploadSingle(context.Background(), file, models.DefaultAnalysisParams())
			return err
		}},
		{"upload batch", "/upload/batch", func(c *Client) error {
			_, err := c.UploadBatch(context.Background(), []File{file, file}, models.DefaultAnalysisParams())
			return err
		}},
		{"analyze single", "/analysis/single", func(c *Client) error {
			_, err := c.AnalyzeSingle(context.Background(), models.AnalysisRequest{ImagePath: "uploads/trout.png"})
			return err
		}},
		{"start batch", "/analysis/batch", func(c *Client) error {
			_, err := c.StartBatch(context.Background(), models.BatchAnalysisRequest{Images: []string{"uploads/trout.png"}})
			return err
		}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			c, mock := newMockedClient(t)
			mock.RegisterResponder(http.MethodPost, testBaseURL+"/api/v1"+tt.path,
				httpmock.NewStringResponder(http.StatusInternalServerError, `{"detail": "Upload failed: disk full"}`))

			err := tt.call(c)
			require.Error(t, err)
			assert.True(t, apperrors.IsType(err, apperrors.ErrorTypeBackend), "got %v", err)
			assert.Contains(t, err.Error(), "Upload failed: disk full")
			appErr, ok := apperrors.As(err)
			require.True(t, ok)
			assert.False(t, appErr.Retryable())
			assert.Equal(t, 1, mock.GetTotalCallCount())
		})
	}
}

func TestClient_CancelledContext(t *testing.T) {
	c, mock := newMockedClient(t, WithRetryDelay(time.Hour))
	mock.RegisterResponder(http.MethodGet, testBaseURL+"/api/v1/analysis/batch/b-1/status",
		httpmock.NewStringResponder(http.StatusServiceUnavailable, ""))

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()

	_, err := c.BatchStatus(ctx, "b-1")
	assert.True(t, apperrors.IsType(err, apperrors.ErrorTypeTimeout), "got %v", err)
	assert.Equal(t, 1, mock.GetTotalCallCount())
}

func TestClient_Visualization(t *testing.T) {
	c, mock := newMockedClient(t)
	jpeg := []byte{0xff, 0xd8, 0xff, 0xe0}
	mock.RegisterResponder(http.MethodGet, testBaseURL+"/api/v1/analysis/result/a-1/visualization/detailed",
		httpmock.NewBytesResponder(http.StatusOK, jpeg))

	data, err := c.Visualization(context.Background(), "a-1", VisualizationDetailed)
	require.NoError(t, err)
	assert.Equal(t, jpeg, data)

	_, err = c.Visualization(context.Background(), "a-1", "heatmap")
	assert.True(t, apperrors.IsType(err, apperrors.ErrorTypeValidation))
	assert.Equal(t, 1, mock.GetTotalCallCount(), "invalid kinds never reach the backend")
}

func TestClient_Health(t *testing.T) {
	c, mock := newMockedClient(t)
	mock.RegisterResponder(http.MethodGet, testBaseURL+"/health",
		httpmock.NewStringResponder(http.StatusOK, `{"status": "healthy", "api_version": "1.0.0", "model_loaded": true}`))

	h, err := c.Health(context.Background())
	require.NoError(t, err)
	assert.Equal(t, "healthy", h.Status)
	assert.True(t, h.ModelLoaded)
}
