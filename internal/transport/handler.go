package transport

import (
	"context"
	"errors"
	"fmt"
	"io"
	"mime/multipart"
	"net/http"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/sirupsen/logrus"

	"github.com/octapulse/fishlens/internal/backend"
	"github.com/octapulse/fishlens/internal/config"
	apperrors "github.com/octapulse/fishlens/internal/errors"
	"github.com/octapulse/fishlens/internal/logger"
	"github.com/octapulse/fishlens/internal/service"
	"github.com/octapulse/fishlens/internal/session"
	"github.com/octapulse/fishlens/pkg/models"
)

const (
	version         = "1.0.0"
	requestIDHeader = "X-Request-ID"
)

// SessionManager is the session surface the API exposes
type SessionManager interface {
	SignIn(ctx context.Context, email, secret string) (*models.Principal, error)
	SignOut(ctx context.Context)
	State() session.State
	CurrentPrincipal() *models.Principal
	Authenticated() bool
}

// NewHandler builds the API router. metrics may be nil.
func NewHandler(analysis service.AnalysisService, sessions SessionManager, metrics http.Handler, cfg *config.Config) http.Handler {
	r := gin.New()

	r.Use(
		gin.Recovery(),
		requestLogger(),
		requestSizeLimiter(cfg.MaxRequestBodySize),
		errorHandler(),
	)

	r.GET("/health", healthCheck(sessions))
	if metrics != nil {
		r.GET("/metrics", gin.WrapH(metrics))
	}

	auth := r.Group("/auth")
	auth.POST("/sign-in", signIn(sessions))
	auth.POST("/sign-out", signOut(sessions))
	auth.GET("/session", currentSession(sessions))

	gated := r.Group("/", sessionGate(sessions))

	uploads := gated.Group("/uploads")
	uploads.POST("/single", uploadSingle(analysis, cfg))
	uploads.POST("/batch", uploadBatch(analysis, cfg))

	analyses := gated.Group("/analysis")
	analyses.POST("/single", analyzeSingle(analysis, cfg))
	analyses.POST("/batch", startBatch(analysis, cfg))
	analyses.GET("/batch/:id/status", batchStatus(analysis, cfg))
	analyses.GET("/batch/:id/results", batchResults(analysis, cfg))
	analyses.GET("/batch/:id/page", resultsPage(analysis, cfg))
	analyses.GET("/batch/:id/population", population(analysis, cfg))
	analyses.DELETE("/batch/:id", cancelBatch(analysis, cfg))
	analyses.GET("/results/:id", getResult(analysis, cfg))
	analyses.GET("/history", history(analysis, cfg))
	analyses.GET("/results/:id/visualization/:kind", visualization(analysis, cfg))

	return r
}

func healthCheck(sessions SessionManager) gin.HandlerFunc {
	return func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{
			"status":  "available",
			"version": version,
			"time":    time.Now().UTC().Format(time.RFC3339),
			"session": sessions.State(),
		})
	}
}

func signIn(sessions SessionManager) gin.HandlerFunc {
	return func(c *gin.Context) {
		var req models.SignInRequest
		if err := c.ShouldBindJSON(&req); err != nil {
			respondError(c, apperrors.NewValidationError("invalid request format", err))
			return
		}

		p, err := sessions.SignIn(c.Request.Context(), req.Email, req.Secret)
		if errors.Is(err, session.ErrSuperseded) {
			c.AbortWithStatusJSON(http.StatusConflict, models.ErrorResponse{
				Error:   http.StatusText(http.StatusConflict),
				Message: "a newer sign-in or sign-out replaced this attempt",
			})
			return
		}
		if err != nil {
			respondError(c, err)
			return
		}
		c.JSON(http.StatusOK, p)
	}
}

func signOut(sessions SessionManager) gin.HandlerFunc {
	return func(c *gin.Context) {
		sessions.SignOut(c.Request.Context())
		c.Status(http.StatusNoContent)
	}
}

func currentSession(sessions SessionManager) gin.HandlerFunc {
	return func(c *gin.Context) {
		p := sessions.CurrentPrincipal()
		c.JSON(http.StatusOK, models.SessionResponse{
			State:     string(sessions.State()),
			Principal: p,
			IsAdmin:   p.IsAdmin(),
		})
	}
}

func uploadSingle(a service.AnalysisService, cfg *config.Config) gin.HandlerFunc {
	return func(c *gin.Context) {
		ctx, cancel := context.WithTimeout(c.Request.Context(), cfg.RequestTimeout)
		defer cancel()

		header, err := c.FormFile("file")
		if err != nil {
			respondError(c, apperrors.NewValidationError("multipart field \"file\" is required", err))
			return
		}
		file, err := readUpload(header, cfg.MaxUploadSize)
		if err != nil {
			respondError(c, err)
			return
		}
		params, err := analysisParams(c)
		if err != nil {
			respondError(c, err)
			return
		}

		resp, err := a.UploadSingle(ctx, file, params)
		if err != nil {
			respondError(c, err)
			return
		}
		c.JSON(http.StatusOK, resp)
	}
}

func uploadBatch(a service.AnalysisService, cfg *config.Config) gin.HandlerFunc {
	return func(c *gin.Context) {
		ctx, cancel := context.WithTimeout(c.Request.Context(), cfg.RequestTimeout)
		defer cancel()

		form, err := c.MultipartForm()
		if err != nil {
			respondError(c, apperrors.NewValidationError("multipart form is required", err))
			return
		}
		headers := form.File["files"]
		if len(headers) == 0 {
			respondError(c, apperrors.NewValidationError("multipart field \"files\" is required", nil))
			return
		}

		files := make([]backend.File, 0, len(headers))
		for _, h := range headers {
			f, err := readUpload(h, cfg.MaxUploadSize)
			if err != nil {
				respondError(c, err)
				return
			}
			files = append(files, f)
		}
		params, err := analysisParams(c)
		if err != nil {
			respondError(c, err)
			return
		}

		resp, err := a.UploadBatch(ctx, files, params)
		if err != nil {
			respondError(c, err)
			return
		}
		c.JSON(http.StatusOK, resp)
	}
}

func analyzeSingle(a service.AnalysisService, cfg *config.Config) gin.HandlerFunc {
	return func(c *gin.Context) {
		ctx, cancel := context.WithTimeout(c.Request.Context(), cfg.RequestTimeout)
		defer cancel()

		var req models.AnalysisRequest
		if err := c.ShouldBindJSON(&req); err != nil {
			respondError(c, apperrors.NewValidationError("invalid request format", err))
			return
		}

		out, err := a.Analyze(ctx, req)
		if err != nil {
			respondError(c, err)
			return
		}

		logger.WithFields(logrus.Fields{
			"analysis_id":  out.Result.AnalysisID,
			"status":       out.Result.Status,
			"issues":       len(out.Issues),
			"measurements": len(out.Result.Measurements),
		}).Info("Analysis completed")
		c.JSON(http.StatusOK, out)
	}
}

func startBatch(a service.AnalysisService, cfg *config.Config) gin.HandlerFunc {
	return func(c *gin.Context) {
		ctx, cancel := context.WithTimeout(c.Request.Context(), cfg.RequestTimeout)
		defer cancel()

		var req models.BatchAnalysisRequest
		if err := c.ShouldBindJSON(&req); err != nil {
			respondError(c, apperrors.NewValidationError("invalid request format", err))
			return
		}

		resp, err := a.StartBatch(ctx, req)
		if err != nil {
			respondError(c, err)
			return
		}
		c.JSON(http.StatusAccepted, resp)
	}
}

func batchStatus(a service.AnalysisService, cfg *config.Config) gin.HandlerFunc {
	return func(c *gin.Context) {
		ctx, cancel := context.WithTimeout(c.Request.Context(), cfg.RequestTimeout)
		defer cancel()

		progress, err := a.BatchStatus(ctx, c.Param("id"))
		if err != nil {
			respondError(c, err)
			return
		}
		c.JSON(http.StatusOK, progress)
	}
}

func batchResults(a service.AnalysisService, cfg *config.Config) gin.HandlerFunc {
	return func(c *gin.Context) {
		ctx, cancel := context.WithTimeout(c.Request.Context(), cfg.RequestTimeout)
		defer cancel()

		id := c.Param("id")
		results, err := a.BatchResults(ctx, id)
		if apperrors.IsType(err, apperrors.ErrorTypeNotReady) {
			c.JSON(http.StatusAccepted, gin.H{
				"batch_id": id,
				"status":   models.StatusProcessing,
				"message":  "batch analysis still in progress",
			})
			return
		}
		if err != nil {
			respondError(c, err)
			return
		}
		c.JSON(http.StatusOK, results)
	}
}

func resultsPage(a service.AnalysisService, cfg *config.Config) gin.HandlerFunc {
	return func(c *gin.Context) {
		ctx, cancel := context.WithTimeout(c.Request.Context(), cfg.RequestTimeout)
		defer cancel()

		var q models.ResultsQuery
		if err := c.ShouldBindQuery(&q); err != nil {
			respondError(c, apperrors.NewValidationError("invalid query parameters", err))
			return
		}

		page, err := a.ResultsPage(ctx, c.Param("id"), q)
		if err != nil {
			respondError(c, err)
			return
		}
		c.JSON(http.StatusOK, page)
	}
}

func population(a service.AnalysisService, cfg *config.Config) gin.HandlerFunc {
	return func(c *gin.Context) {
		ctx, cancel := context.WithTimeout(c.Request.Context(), cfg.RequestTimeout)
		defer cancel()

		stats, err := a.Population(ctx, c.Param("id"))
		if err != nil {
			respondError(c, err)
			return
		}
		c.JSON(http.StatusOK, stats)
	}
}

func cancelBatch(a service.AnalysisService, cfg *config.Config) gin.HandlerFunc {
	return func(c *gin.Context) {
		ctx, cancel := context.WithTimeout(c.Request.Context(), cfg.RequestTimeout)
		defer cancel()

		resp, err := a.CancelBatch(ctx, c.Param("id"))
		if err != nil {
			respondError(c, err)
			return
		}
		c.JSON(http.StatusOK, resp)
	}
}

func getResult(a service.AnalysisService, cfg *config.Config) gin.HandlerFunc {
	return func(c *gin.Context) {
		ctx, cancel := context.WithTimeout(c.Request.Context(), cfg.RequestTimeout)
		defer cancel()

		r, err := a.GetResult(ctx, c.Param("id"))
		if err != nil {
			respondError(c, err)
			return
		}
		c.JSON(http.StatusOK, r)
	}
}

func history(a service.AnalysisService, cfg *config.Config) gin.HandlerFunc {
	return func(c *gin.Context) {
		ctx, cancel := context.WithTimeout(c.Request.Context(), cfg.RequestTimeout)
		defer cancel()

		results, err := a.History(ctx, c.Query("image_path"))
		if err != nil {
			respondError(c, err)
			return
		}
		c.JSON(http.StatusOK, gin.H{"image_path": c.Query("image_path"), "results": results})
	}
}

func visualization(a service.AnalysisService, cfg *config.Config) gin.HandlerFunc {
	return func(c *gin.Context) {
		ctx, cancel := context.WithTimeout(c.Request.Context(), cfg.RequestTimeout)
		defer cancel()

		data, err := a.Visualization(ctx, c.Param("id"), c.Param("kind"))
		if err != nil {
			respondError(c, err)
			return
		}
		c.Data(http.StatusOK, http.DetectContentType(data), data)
	}
}

// analysisParams reads the optional upload form parameters
func analysisParams(c *gin.Context) (models.AnalysisParams, error) {
	params := models.DefaultAnalysisParams()

	if raw := c.PostForm("grid_square_size"); raw != "" {
		v, err := strconv.ParseFloat(raw, 64)
		if err != nil || v <= 0 {
			return params, apperrors.NewValidationError("grid_square_size must be a positive number", err)
		}
		params.GridSquareSize = v
	}
	if raw := c.PostForm("include_visualizations"); raw != "" {
		v, err := strconv.ParseBool(raw)
		if err != nil {
			return params, apperrors.NewValidationError("include_visualizations must be a boolean", err)
		}
		params.IncludeVisualizations = v
	}
	return params, nil
}

// readUpload reads at most limit+1 bytes so oversized files are still
// rejected by upload validation
func readUpload(h *multipart.FileHeader, limit int64) (backend.File, error) {
	f, err := h.Open()
	if err != nil {
		return backend.File{}, apperrors.NewValidationError(fmt.Sprintf("cannot read upload %q", h.Filename), err)
	}
	defer f.Close()

	data, err := io.ReadAll(io.LimitReader(f, limit+1))
	if err != nil {
		return backend.File{}, apperrors.NewValidationError(fmt.Sprintf("cannot read upload %q", h.Filename), err)
	}
	return backend.File{
		Name:        h.Filename,
		ContentType: h.Header.Get("Content-Type"),
		Data:        data,
	}, nil
}

// Middleware and helper functions
func sessionGate(sessions SessionManager) gin.HandlerFunc {
	return func(c *gin.Context) {
		if !sessions.Authenticated() {
			respondError(c, apperrors.NewUnauthorizedError("sign in required", nil))
			return
		}
		c.Next()
	}
}

func requestLogger() gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		id := c.GetHeader(requestIDHeader)
		if id == "" {
			id = uuid.NewString()
		}
		c.Header(requestIDHeader, id)

		c.Next()

		logger.WithFields(logrus.Fields{
			"request_id":  id,
			"method":      c.Request.Method,
			"path":        c.Request.URL.Path,
			"status":      c.Writer.Status(),
			"duration_ms": time.Since(start).Milliseconds(),
			"ip":          c.ClientIP(),
		}).Info("Request handled")
	}
}

func requestSizeLimiter(maxBytes int64) gin.HandlerFunc {
	return func(c *gin.Context) {
		c.Request.Body = http.MaxBytesReader(c.Writer, c.Request.Body, maxBytes)
		c.Next()
	}
}

func errorHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		c.Next()

		if len(c.Errors) > 0 && !c.Writer.Written() {
			respondError(c, c.Errors.Last().Err)
		}
	}
}

func determineStatusCode(err error) int {
	if appErr, ok := apperrors.As(err); ok {
		return appErr.StatusCode
	}

	var maxBytes *http.MaxBytesError
	switch {
	case errors.As(err, &maxBytes):
		return http.StatusRequestEntityTooLarge
	case errors.Is(err, context.DeadlineExceeded):
		return http.StatusGatewayTimeout
	case errors.Is(err, context.Canceled):
		return http.StatusTooManyRequests
	default:
		return http.StatusInternalServerError
	}
}

func respondError(c *gin.Context, err error) {
	code := determineStatusCode(err)

	resp := models.ErrorResponse{
		Error:   http.StatusText(code),
		Message: err.Error(),
	}
	if appErr, ok := apperrors.As(err); ok {
		resp.Type = string(appErr.Type)
		resp.Message = appErr.Message
		if appErr.Details != "" {
			resp.Message = fmt.Sprintf("%s: %s", appErr.Message, appErr.Details)
		}
	}

	entry := logger.WithError(err).WithFields(logrus.Fields{
		"status_code": code,
		"path":        c.Request.URL.Path,
		"method":      c.Request.Method,
		"ip":          c.ClientIP(),
	})
	if code >= http.StatusInternalServerError {
		entry.Error("Request failed")
	} else {
		entry.Warn("Request rejected")
	}

	c.AbortWithStatusJSON(code, resp)
}
