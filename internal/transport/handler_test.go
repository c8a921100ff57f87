package transport

import (
	"bytes"
	"context"
	"encoding/json"
	"mime/multipart"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/crypto/bcrypt"

	"github.com/octapulse/fishlens/internal/backend"
	"github.com/octapulse/fishlens/internal/config"
	apperrors "github.com/octapulse/fishlens/internal/errors"
	"github.com/octapulse/fishlens/internal/service"
	"github.com/octapulse/fishlens/internal/session"
	"github.com/octapulse/fishlens/pkg/models"
)

func init() {
	gin.SetMode(gin.TestMode)
}

// stubService overrides the operations a test needs; anything else panics
type stubService struct {
	service.AnalysisService

	uploaded []backend.File
	params   models.AnalysisParams
	results  func(id string) (*models.BatchAnalysisResult, error)
	page     models.ResultsQuery
}

func (s *stubService) UploadSingle(_ context.Context, f backend.File, p models.AnalysisParams) (*models.UploadResponse, error) {
	s.uploaded = append(s.uploaded, f)
	s.params = p
	return &models.UploadResponse{Status: "success", FileInfo: models.UploadedFile{FilePath: "uploads/" + f.Name}}, nil
}

func (s *stubService) UploadBatch(_ context.Context, files []backend.File, p models.AnalysisParams) (*models.BatchUploadResponse, error) {
	s.uploaded = append(s.uploaded, files...)
	s.params = p
	return &models.BatchUploadResponse{Status: "success", BatchID: "batch-9"}, nil
}

func (s *stubService) BatchResults(_ context.Context, id string) (*models.BatchAnalysisResult, error) {
	return s.results(id)
}

func (s *stubService) ResultsPage(_ context.Context, _ string, q models.ResultsQuery) (*models.PaginatedResults, error) {
	s.page = q
	return &models.PaginatedResults{Items: []models.FishAnalysisResult{}}, nil
}

func (s *stubService) History(_ context.Context, imagePath string) ([]*models.FishAnalysisResult, error) {
	if imagePath == "" {
		return nil, apperrors.NewValidationError("image_path is required", nil)
	}
	return []*models.FishAnalysisResult{{AnalysisID: "a-2", ImagePath: imagePath}, {AnalysisID: "a-1", ImagePath: imagePath}}, nil
}

func (s *stubService) GetResult(_ context.Context, id string) (*models.FishAnalysisResult, error) {
	return nil, apperrors.NewNotFoundError("analysis "+id+" not found", nil)
}

func newTestServer(t *testing.T) (http.Handler, *session.Store, *stubService) {
	t.Helper()

	tokens := session.NewTokenIssuer("handler-test-secret-0123456789ab", time.Hour)
	auth, err := session.DemoCredentials(tokens, bcrypt.MinCost)
	require.NoError(t, err)
	store := session.NewStore(auth, session.NewMemoryRecordStore())
	store.RestoreSession(context.Background())

	svc := &stubService{}
	cfg := &config.Config{
		RequestTimeout:     5 * time.Second,
		MaxRequestBodySize: 1 << 20,
		MaxUploadSize:      1 << 10,
	}
	metrics := http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		_, _ = w.Write([]byte("# HELP fishlens_up\n"))
	})
	return NewHandler(svc, store, metrics, cfg), store, svc
}

func do(h http.Handler, method, target string, body *bytes.Buffer, contentType string) *httptest.ResponseRecorder {
	if body == nil {
		body = &bytes.Buffer{}
	}
	req := httptest.NewRequest(method, target, body)
	if contentType != "" {
		req.Header.Set("Content-Type", contentType)
	}
	w := httptest.NewRecorder()
	h.ServeHTTP(w, req)
	return w
}

func jsonBody(t *testing.T, v interface{}) *bytes.Buffer {
	t.Helper()
	data, err := json.Marshal(v)
	require.NoError(t, err)
	return bytes.NewBuffer(data)
}

func signInAdmin(t *testing.T, h http.Handler) {
	t.Helper()
	w := do(h, http.MethodPost, "/auth/sign-in",
		jsonBody(t, models.SignInRequest{Email: "admin@octapulse.com", Secret: "admin123"}), "application/json")
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
}

func TestHandler_HealthAndMetrics(t *testing.T) {
	h, _, _ := newTestServer(t)

	w := do(h, http.MethodGet, "/health", nil, "")
	require.Equal(t, http.StatusOK, w.Code)
	var health map[string]interface{}
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &health))
	assert.Equal(t, "available", health["status"])
	assert.Equal(t, "anonymous", health["session"])
	assert.NotEmpty(t, w.Header().Get(requestIDHeader))

	w = do(h, http.MethodGet, "/metrics", nil, "")
	assert.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Body.String(), "fishlens_up")
}

func TestHandler_SignInFlow(t *testing.T) {
	h, store, _ := newTestServer(t)

	w := do(h, http.MethodPost, "/auth/sign-in",
		jsonBody(t, models.SignInRequest{Email: "admin@octapulse.com", Secret: "nope"}), "application/json")
	assert.Equal(t, http.StatusUnauthorized, w.Code)
	var errResp models.ErrorResponse
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &errResp))
	assert.Equal(t, string(apperrors.ErrorTypeInvalidCredentials), errResp.Type)
	assert.Equal(t, session.StateAnonymous, store.State())

	w = do(h, http.MethodPost, "/auth/sign-in",
		jsonBody(t, models.SignInRequest{Email: "admin@octapulse.com", Secret: "admin123"}), "application/json")
	require.Equal(t, http.StatusOK, w.Code)
	var p models.Principal
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &p))
	assert.Equal(t, models.RoleAdmin, p.Role)
	assert.Equal(t, 10, p.Organization.Seats)
	assert.Equal(t, 7, p.Organization.ActiveMembers)
	assert.NotEmpty(t, p.SessionToken)

	w = do(h, http.MethodGet, "/auth/session", nil, "")
	var sess models.SessionResponse
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &sess))
	assert.Equal(t, "authenticated", sess.State)
	require.NotNil(t, sess.Principal)
	assert.Equal(t, "admin@octapulse.com", sess.Principal.Email)
	assert.True(t, sess.IsAdmin)

	w = do(h, http.MethodPost, "/auth/sign-out", nil, "")
	assert.Equal(t, http.StatusNoContent, w.Code)
	assert.Equal(t, session.StateAnonymous, store.State())

	w = do(h, http.MethodPost, "/auth/sign-in", bytes.NewBufferString("{"), "application/json")
	assert.Equal(t, http.StatusBadRequest, w.Code)
}

func TestHandler_SessionGate(t *testing.T) {
	h, _, _ := newTestServer(t)

	for _, target := range []string{"/analysis/batch/b1/results", "/analysis/results/a1", "/analysis/batch/b1/page"} {
		w := do(h, http.MethodGet, target, nil, "")
		assert.Equal(t, http.StatusUnauthorized, w.Code, target)

		var errResp models.ErrorResponse
		require.NoError(t, json.Unmarshal(w.Body.Bytes(), &errResp))
		assert.Equal(t, string(apperrors.ErrorTypeUnauthorized), errResp.Type)
	}
}

func TestHandler_BatchResults(t *testing.T) {
	h, _, svc := newTestServer(t)
	signInAdmin(t, h)

	svc.results = func(id string) (*models.BatchAnalysisResult, error) {
		return &models.BatchAnalysisResult{BatchID: id, Status: models.StatusFailed, TotalImages: 3, CompletedImages: 2, FailedImages: 1}, nil
	}
	w := do(h, http.MethodGet, "/analysis/batch/b1/results", nil, "")
	require.Equal(t, http.StatusOK, w.Code)
	var b models.BatchAnalysisResult
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &b))
	assert.Equal(t, models.StatusFailed, b.Status)

	svc.results = func(string) (*models.BatchAnalysisResult, error) { return nil, backend.ErrNotReady }
	w = do(h, http.MethodGet, "/analysis/batch/b1/results", nil, "")
	assert.Equal(t, http.StatusAccepted, w.Code)
	assert.Contains(t, w.Body.String(), `"processing"`)

	svc.results = func(string) (*models.BatchAnalysisResult, error) {
		return nil, apperrors.NewMalformedResultError("batch result failed validation", nil)
	}
	w = do(h, http.MethodGet, "/analysis/batch/b1/results", nil, "")
	assert.Equal(t, http.StatusBadGateway, w.Code)
}

func TestHandler_ResultsPageBindsQuery(t *testing.T) {
	h, _, svc := newTestServer(t)
	signInAdmin(t, h)

	w := do(h, http.MethodGet, "/analysis/batch/b1/page?page=2&per_page=5&status=completed&sort_by=image_path&sort_order=asc&search=trout", nil, "")
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, models.ResultsQuery{
		Page:         2,
		PerPage:      5,
		StatusFilter: models.StatusCompleted,
		SortBy:       "image_path",
		SortOrder:    "asc",
		Search:       "trout",
	}, svc.page)
}

func TestHandler_GetResultNotFound(t *testing.T) {
	h, _, _ := newTestServer(t)
	signInAdmin(t, h)

	w := do(h, http.MethodGet, "/analysis/results/missing", nil, "")
	assert.Equal(t, http.StatusNotFound, w.Code)
}

func TestHandler_SessionReportsRole(t *testing.T) {
	h, _, _ := newTestServer(t)

	w := do(h, http.MethodGet, "/auth/session", nil, "")
	var sess models.SessionResponse
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &sess))
	assert.Equal(t, "anonymous", sess.State)
	assert.False(t, sess.IsAdmin)

	w = do(h, http.MethodPost, "/auth/sign-in",
		jsonBody(t, models.SignInRequest{Email: "member@octapulse.com", Secret: "member123"}), "application/json")
	require.Equal(t, http.StatusOK, w.Code)

	w = do(h, http.MethodGet, "/auth/session", nil, "")
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &sess))
	assert.Equal(t, "authenticated", sess.State)
	assert.False(t, sess.IsAdmin)
}

func TestHandler_History(t *testing.T) {
	h, _, _ := newTestServer(t)

	w := do(h, http.MethodGet, "/analysis/history?image_path=uploads/trout.png", nil, "")
	assert.Equal(t, http.StatusUnauthorized, w.Code)

	signInAdmin(t, h)
	w = do(h, http.MethodGet, "/analysis/history?image_path=uploads/trout.png", nil, "")
	require.Equal(t, http.StatusOK, w.Code)
	var body struct {
		ImagePath string                      `json:"image_path"`
		Results   []models.FishAnalysisResult `json:"results"`
	}
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &body))
	assert.Equal(t, "uploads/trout.png", body.ImagePath)
	require.Len(t, body.Results, 2)
	assert.Equal(t, "a-2", body.Results[0].AnalysisID)

	w = do(h, http.MethodGet, "/analysis/history", nil, "")
	assert.Equal(t, http.StatusBadRequest, w.Code)
}

func multipartBody(t *testing.T, field string, names []string, values map[string]string) (*bytes.Buffer, string) {
	t.Helper()
	body := &bytes.Buffer{}
	mw := multipart.NewWriter(body)
	for _, name := range names {
		part, err := mw.CreateFormFile(field, name)
		require.NoError(t, err)
		_, err = part.Write([]byte("\x89PNG\r\n\x1a\n" + strings.Repeat("x", 32)))
		require.NoError(t, err)
	}
	for k, v := range values {
		require.NoError(t, mw.WriteField(k, v))
	}
	require.NoError(t, mw.Close())
	return body, mw.FormDataContentType()
}

func TestHandler_UploadSingle(t *testing.T) {
	h, _, svc := newTestServer(t)
	signInAdmin(t, h)

	body, ct := multipartBody(t, "file", []string{"trout.png"}, map[string]string{
		"grid_square_size":       "0.5",
		"include_visualizations": "false",
	})
	w := do(h, http.MethodPost, "/uploads/single", body, ct)
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())

	require.Len(t, svc.uploaded, 1)
	assert.Equal(t, "trout.png", svc.uploaded[0].Name)
	assert.Equal(t, 0.5, svc.params.GridSquareSize)
	assert.False(t, svc.params.IncludeVisualizations)

	body, ct = multipartBody(t, "file", []string{"trout.png"}, map[string]string{"grid_square_size": "-1"})
	w = do(h, http.MethodPost, "/uploads/single", body, ct)
	assert.Equal(t, http.StatusBadRequest, w.Code)

	body, ct = multipartBody(t, "other", []string{"trout.png"}, nil)
	w = do(h, http.MethodPost, "/uploads/single", body, ct)
	assert.Equal(t, http.StatusBadRequest, w.Code)
}

func TestHandler_UploadBatch(t *testing.T) {
	h, _, svc := newTestServer(t)
	signInAdmin(t, h)

	body, ct := multipartBody(t, "files", []string{"a.png", "b.png"}, nil)
	w := do(h, http.MethodPost, "/uploads/batch", body, ct)
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	assert.Len(t, svc.uploaded, 2)
	assert.Equal(t, models.DefaultAnalysisParams(), svc.params)
}

func TestHandler_RequestBodyLimit(t *testing.T) {
	h, _, _ := newTestServer(t)

	big := strings.Repeat("a", 2<<20)
	w := do(h, http.MethodPost, "/auth/sign-in", bytes.NewBufferString(`{"email":"`+big+`"}`), "application/json")
	assert.Equal(t, http.StatusBadRequest, w.Code)
}
