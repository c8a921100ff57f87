package service

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/octapulse/fishlens/internal/backend"
	apperrors "github.com/octapulse/fishlens/internal/errors"
	"github.com/octapulse/fishlens/internal/factory"
	"github.com/octapulse/fishlens/internal/logger"
	"github.com/octapulse/fishlens/internal/observer"
	"github.com/octapulse/fishlens/internal/repository"
	"github.com/octapulse/fishlens/internal/strategy"
	"github.com/octapulse/fishlens/internal/workerpool"
	"github.com/octapulse/fishlens/pkg/batch"
	"github.com/octapulse/fishlens/pkg/models"
	"github.com/octapulse/fishlens/pkg/services"
	"github.com/octapulse/fishlens/pkg/validation"
)

// Backend is the subset of the analysis backend the service talks to
type Backend interface {
	UploadSingle(ctx context.Context, file backend.File, params models.AnalysisParams) (*models.UploadResponse, error)
	UploadBatch(ctx context.Context, files []backend.File, params models.AnalysisParams) (*models.BatchUploadResponse, error)
	AnalyzeSingle(ctx context.Context, req models.AnalysisRequest) (*models.FishAnalysisResult, error)
	StartBatch(ctx context.Context, req models.BatchAnalysisRequest) (*models.BatchStartResponse, error)
	BatchStatus(ctx context.Context, batchID string) (*models.BatchProgress, error)
	BatchResults(ctx context.Context, batchID string) (*models.BatchAnalysisResult, error)
	CancelBatch(ctx context.Context, batchID string) (*models.CancelResponse, error)
	Visualization(ctx context.Context, analysisID, kind string) ([]byte, error)
	Health(ctx context.Context) (*backend.Health, error)
}

// SessionGate reports whether analysis operations are allowed
type SessionGate interface {
	Authenticated() bool
	CurrentPrincipal() *models.Principal
}

// AnalysisOutcome is a normalized result together with its display warnings
type AnalysisOutcome struct {
	Result   *models.FishAnalysisResult `json:"result"`
	Issues   []validation.QualityIssue  `json:"quality_issues"`
	Critical bool                       `json:"has_critical_issues"`
}

// AnalysisService orchestrates validation, submission, normalization and
// aggregation of fish analyses
type AnalysisService interface {
	UploadSingle(ctx context.Context, file backend.File, params models.AnalysisParams) (*models.UploadResponse, error)
	UploadBatch(ctx context.Context, files []backend.File, params models.AnalysisParams) (*models.BatchUploadResponse, error)
	UploadRefs(ctx context.Context, refs []string, params models.AnalysisParams) (*models.BatchUploadResponse, error)
	UploadRef(ctx context.Context, ref string, params models.AnalysisParams) (*models.UploadResponse, error)
	InspectRef(ctx context.Context, ref string) (*repository.ImageMetadata, error)

	Analyze(ctx context.Context, req models.AnalysisRequest) (*AnalysisOutcome, error)
	StartBatch(ctx context.Context, req models.BatchAnalysisRequest) (*models.BatchStartResponse, error)
	BatchStatus(ctx context.Context, batchID string) (*models.BatchProgress, error)
	BatchResults(ctx context.Context, batchID string) (*models.BatchAnalysisResult, error)
	WaitBatch(ctx context.Context, batchID string, kind strategy.Kind, onProgress func(*models.BatchProgress)) (*models.BatchAnalysisResult, error)
	ResultsPage(ctx context.Context, batchID string, q models.ResultsQuery) (*models.PaginatedResults, error)
	Population(ctx context.Context, batchID string) (*models.PopulationStatistics, error)
	CancelBatch(ctx context.Context, batchID string) (*models.CancelResponse, error)

	GetResult(ctx context.Context, analysisID string) (*models.FishAnalysisResult, error)
	History(ctx context.Context, imagePath string) ([]*models.FishAnalysisResult, error)
	Visualization(ctx context.Context, analysisID, kind string) ([]byte, error)
	BackendHealth(ctx context.Context) (*backend.Health, error)
}

// Dependencies collects everything the analysis service needs
type Dependencies struct {
	Sessions   SessionGate
	Backend    Backend
	Images     repository.ImageRepository
	Results    repository.AnalysisRepository
	Strategies factory.StrategyFactory
	Uploads    *validation.UploadValidator
	Quality    *validation.QualityValidator
	Population *services.PopulationService
	Pool       *workerpool.WorkerPool
	Events     observer.Subject
}

// analysisService implements AnalysisService
type analysisService struct {
	sessions   SessionGate
	backend    Backend
	images     repository.ImageRepository
	results    repository.AnalysisRepository
	strategies factory.StrategyFactory
	uploads    *validation.UploadValidator
	quality    *validation.QualityValidator
	population *services.PopulationService
	pool       *workerpool.WorkerPool
	events     observer.Subject
}

// NewAnalysisService creates a new analysis service
func NewAnalysisService(deps Dependencies) AnalysisService {
	s := &analysisService{
		sessions:   deps.Sessions,
		backend:    deps.Backend,
		images:     deps.Images,
		results:    deps.Results,
		strategies: deps.Strategies,
		uploads:    deps.Uploads,
		quality:    deps.Quality,
		population: deps.Population,
		pool:       deps.Pool,
		events:     deps.Events,
	}
	if s.uploads == nil {
		s.uploads = validation.NewUploadValidator()
	}
	if s.quality == nil {
		s.quality = validation.NewQualityValidator()
	}
	if s.population == nil {
		s.population = services.NewPopulationService()
	}
	return s
}

func (s *analysisService) requireSession() error {
	if s.sessions == nil || !s.sessions.Authenticated() {
		return apperrors.NewUnauthorizedError("sign in before running analyses", nil)
	}
	return nil
}

// UploadSingle validates one in-memory image and submits it
func (s *analysisService) UploadSingle(ctx context.Context, file backend.File, params models.AnalysisParams) (*models.UploadResponse, error) {
	if err := s.requireSession(); err != nil {
		return nil, err
	}

	outcome := s.uploads.Validate(candidate(file))
	if !outcome.Valid {
		s.notify(ctx, observer.UploadRejected, file.Name, false, outcome.Message, nil)
		return nil, outcome.Err()
	}

	start := time.Now()
	resp, err := s.backend.UploadSingle(ctx, file, params)
	if err != nil {
		s.notify(ctx, observer.UploadRejected, file.Name, false, err.Error(), nil)
		return nil, err
	}

	event := observer.NewEvent(observer.UploadAccepted, file.Name, true)
	event.Duration = time.Since(start)
	event.Metadata = map[string]interface{}{"file_path": resp.PollTarget(), "size": len(file.Data)}
	observer.Notify(ctx, s.events, event)
	return resp, nil
}

// UploadBatch validates every image, submits the valid ones and reports the
// rejected ones as failed files
func (s *analysisService) UploadBatch(ctx context.Context, files []backend.File, params models.AnalysisParams) (*models.BatchUploadResponse, error) {
	if err := s.requireSession(); err != nil {
		return nil, err
	}
	if len(files) == 0 {
		return nil, apperrors.NewValidationError("at least one file is required", nil)
	}
	return s.uploadBatch(ctx, files, nil, params)
}

func (s *analysisService) uploadBatch(ctx context.Context, files []backend.File, failed []models.FailedFile, params models.AnalysisParams) (*models.BatchUploadResponse, error) {
	candidates := make([]validation.FileCandidate, len(files))
	for i, f := range files {
		candidates[i] = candidate(f)
	}

	var accepted []backend.File
	if len(files) > 0 {
		checked, err := s.uploads.ValidateBatch(candidates)
		if err != nil {
			return nil, err
		}
		for i, outcome := range checked.Outcomes {
			if outcome.Valid {
				accepted = append(accepted, files[i])
				continue
			}
			failed = append(failed, models.FailedFile{Filename: files[i].Name, Error: outcome.Message})
			s.notify(ctx, observer.UploadRejected, files[i].Name, false, outcome.Message, nil)
		}
	}

	if len(accepted) == 0 {
		return nil, apperrors.NewValidationError("no valid images to upload", nil).
			WithDetails(fmt.Sprintf("%d file(s) rejected", len(failed)))
	}

	start := time.Now()
	resp, err := s.backend.UploadBatch(ctx, accepted, params)
	if err != nil {
		return nil, err
	}

	resp.FailedFiles = append(resp.FailedFiles, failed...)
	resp.Summary.TotalFiles += len(failed)
	resp.Summary.FailedUploads += len(failed)

	event := observer.NewEvent(observer.UploadAccepted, resp.BatchID, true)
	event.Duration = time.Since(start)
	event.Metadata = map[string]interface{}{
		"uploaded": resp.Summary.SuccessfulUploads,
		"failed":   resp.Summary.FailedUploads,
	}
	observer.Notify(ctx, s.events, event)
	return resp, nil
}

// UploadRef loads one image reference and submits it
func (s *analysisService) UploadRef(ctx context.Context, ref string, params models.AnalysisParams) (*models.UploadResponse, error) {
	if err := s.requireSession(); err != nil {
		return nil, err
	}
	file, err := s.load(ctx, ref)
	if err != nil {
		return nil, err
	}
	return s.UploadSingle(ctx, *file, params)
}

// InspectRef loads an image reference and reports how the upload rules judge
// it, without submitting anything
func (s *analysisService) InspectRef(ctx context.Context, ref string) (*repository.ImageMetadata, error) {
	if err := s.requireSession(); err != nil {
		return nil, err
	}
	if err := s.images.ValidateImageRef(ref); err != nil {
		return nil, apperrors.NewValidationError(err.Error(), err)
	}
	meta, err := s.images.GetImageMetadata(ctx, ref)
	if err != nil {
		return nil, err
	}
	return meta, nil
}

// UploadRefs loads image references on the worker pool and submits them as
// one batch. References that cannot be loaded are reported as failed files.
func (s *analysisService) UploadRefs(ctx context.Context, refs []string, params models.AnalysisParams) (*models.BatchUploadResponse, error) {
	if err := s.requireSession(); err != nil {
		return nil, err
	}
	if len(refs) == 0 {
		return nil, apperrors.NewValidationError("at least one image reference is required", nil)
	}

	loaded := make([]*backend.File, len(refs))
	errs := make([]error, len(refs))

	group := s.pool.NewGroup()
	for i, ref := range refs {
		i, ref := i, ref
		if err := group.Go(ctx, func() {
			loaded[i], errs[i] = s.load(ctx, ref)
		}); err != nil {
			errs[i] = err
		}
	}
	group.Wait()

	var (
		files  []backend.File
		failed []models.FailedFile
	)
	for i, ref := range refs {
		if errs[i] != nil {
			failed = append(failed, models.FailedFile{Filename: ref, Error: errs[i].Error()})
			continue
		}
		files = append(files, *loaded[i])
	}
	return s.uploadBatch(ctx, files, failed, params)
}

func (s *analysisService) load(ctx context.Context, ref string) (*backend.File, error) {
	start := time.Now()
	img, err := s.images.FetchImage(ctx, ref)
	if err != nil {
		s.notify(ctx, observer.ImageFetchFailed, ref, false, err.Error(), nil)
		return nil, err
	}

	event := observer.NewEvent(observer.ImageFetched, ref, true)
	event.Duration = time.Since(start)
	event.Metadata = map[string]interface{}{"size": img.Size}
	observer.Notify(ctx, s.events, event)

	return &backend.File{Name: img.Name, ContentType: img.ContentType, Data: img.Data}, nil
}

// Analyze runs analysis of an uploaded image and reviews the result
func (s *analysisService) Analyze(ctx context.Context, req models.AnalysisRequest) (*AnalysisOutcome, error) {
	if err := s.requireSession(); err != nil {
		return nil, err
	}
	if req.ImagePath == "" {
		return nil, apperrors.NewValidationError("image_path is required", nil)
	}

	start := time.Now()
	result, err := s.backend.AnalyzeSingle(ctx, req)
	if err != nil {
		s.reportMalformed(ctx, req.ImagePath, err)
		return nil, err
	}
	s.store(ctx, result)

	eventType := observer.AnalysisCompleted
	if result.Status == models.StatusFailed {
		eventType = observer.AnalysisFailed
	}
	event := observer.NewEvent(eventType, result.AnalysisID, result.Status != models.StatusFailed)
	event.Duration = time.Since(start)
	if result.ErrorMessage != nil {
		event.ErrorMessage = *result.ErrorMessage
	}
	event.Metadata = map[string]interface{}{
		"image_path":   result.ImagePath,
		"measurements": len(result.Measurements),
	}
	observer.Notify(ctx, s.events, event)

	issues := s.quality.Review(result)
	return &AnalysisOutcome{
		Result:   result,
		Issues:   issues,
		Critical: s.quality.HasCriticalIssues(issues),
	}, nil
}

// StartBatch queues analysis of several uploaded images
func (s *analysisService) StartBatch(ctx context.Context, req models.BatchAnalysisRequest) (*models.BatchStartResponse, error) {
	if err := s.requireSession(); err != nil {
		return nil, err
	}
	if len(req.Images) == 0 {
		return nil, apperrors.NewValidationError("at least one image is required", nil)
	}
	if limit := s.uploads.MaxFiles(); len(req.Images) > limit {
		return nil, apperrors.NewValidationError(
			fmt.Sprintf("too many images: %d exceeds the batch limit of %d", len(req.Images), limit), nil)
	}

	resp, err := s.backend.StartBatch(ctx, req)
	if err != nil {
		return nil, err
	}

	event := observer.NewEvent(observer.BatchStarted, resp.BatchID, true)
	event.Metadata = map[string]interface{}{
		"total_images":   resp.TotalImages,
		"invalid_images": len(resp.InvalidImages),
	}
	observer.Notify(ctx, s.events, event)
	return resp, nil
}

// BatchStatus returns the backend progress snapshot of a batch
func (s *analysisService) BatchStatus(ctx context.Context, batchID string) (*models.BatchProgress, error) {
	if err := s.requireSession(); err != nil {
		return nil, err
	}
	progress, err := s.backend.BatchStatus(ctx, batchID)
	if err != nil {
		s.reportMalformed(ctx, batchID, err)
		return nil, err
	}
	return progress, nil
}

// BatchResults fetches the batch, derives its status and counts from its
// members and caches it. A batch still running yields backend.ErrNotReady.
func (s *analysisService) BatchResults(ctx context.Context, batchID string) (*models.BatchAnalysisResult, error) {
	if err := s.requireSession(); err != nil {
		return nil, err
	}
	return s.fetchBatch(ctx, batchID)
}

func (s *analysisService) fetchBatch(ctx context.Context, batchID string) (*models.BatchAnalysisResult, error) {
	raw, err := s.backend.BatchResults(ctx, batchID)
	if err != nil {
		s.reportMalformed(ctx, batchID, err)
		return nil, err
	}

	reconciled := batch.Reconcile(*raw)
	if err := s.results.SaveBatch(ctx, &reconciled); err != nil {
		logger.WithError(err).WithField("batch_id", batchID).Warn("Failed to cache batch results")
	}

	if reconciled.Status.IsTerminal() {
		event := observer.NewEvent(observer.BatchFinished, batchID, reconciled.Status == models.StatusCompleted)
		event.Metadata = map[string]interface{}{
			"total":     reconciled.TotalImages,
			"completed": reconciled.CompletedImages,
			"failed":    reconciled.FailedImages,
		}
		observer.Notify(ctx, s.events, event)
	}
	return &reconciled, nil
}

// cachedBatch serves a finished batch from the repository and fetches
// anything else
func (s *analysisService) cachedBatch(ctx context.Context, batchID string) (*models.BatchAnalysisResult, error) {
	if b, err := s.results.GetBatch(ctx, batchID); err == nil && b.Status.IsTerminal() {
		return b, nil
	}
	return s.fetchBatch(ctx, batchID)
}

// WaitBatch polls the batch with the chosen strategy until it finishes and
// then returns its reconciled results
func (s *analysisService) WaitBatch(ctx context.Context, batchID string, kind strategy.Kind, onProgress func(*models.BatchProgress)) (*models.BatchAnalysisResult, error) {
	if err := s.requireSession(); err != nil {
		return nil, err
	}
	poll, err := s.strategies.CreateStrategy(kind)
	if err != nil {
		return nil, apperrors.NewValidationError("invalid poll strategy", err)
	}

	pc := strategy.NewPollContext(poll)
	logger.WithFields(logrus.Fields{
		"batch_id": batchID,
		"strategy": pc.GetCurrentStrategy(),
	}).Info("Waiting for batch")

	if _, err := pc.Wait(ctx, func(ctx context.Context) (*models.BatchProgress, error) {
		return s.backend.BatchStatus(ctx, batchID)
	}, onProgress); err != nil {
		return nil, err
	}
	return s.fetchBatch(ctx, batchID)
}

// ResultsPage returns one page of batch members
func (s *analysisService) ResultsPage(ctx context.Context, batchID string, q models.ResultsQuery) (*models.PaginatedResults, error) {
	if err := s.requireSession(); err != nil {
		return nil, err
	}
	b, err := s.cachedBatch(ctx, batchID)
	if err != nil {
		return nil, err
	}
	return batch.Paginate(b.Results, q)
}

// Population computes statistics over the completed members of a batch
func (s *analysisService) Population(ctx context.Context, batchID string) (*models.PopulationStatistics, error) {
	if err := s.requireSession(); err != nil {
		return nil, err
	}
	b, err := s.cachedBatch(ctx, batchID)
	if err != nil {
		return nil, err
	}
	return s.population.Analyze(b.Results)
}

// CancelBatch asks the backend to stop a running batch
func (s *analysisService) CancelBatch(ctx context.Context, batchID string) (*models.CancelResponse, error) {
	if err := s.requireSession(); err != nil {
		return nil, err
	}
	resp, err := s.backend.CancelBatch(ctx, batchID)
	if err != nil {
		return nil, err
	}
	logger.WithField("batch_id", batchID).Info("Batch cancelled")
	return resp, nil
}

// GetResult returns a cached analysis result
func (s *analysisService) GetResult(ctx context.Context, analysisID string) (*models.FishAnalysisResult, error) {
	if err := s.requireSession(); err != nil {
		return nil, err
	}
	r, err := s.results.GetAnalysisResult(ctx, analysisID)
	if errors.Is(err, repository.ErrAnalysisNotFound) {
		return nil, apperrors.NewNotFoundError(fmt.Sprintf("analysis %s not found", analysisID), err)
	}
	return r, err
}

// History lists the cached results of one uploaded image, newest first
func (s *analysisService) History(ctx context.Context, imagePath string) ([]*models.FishAnalysisResult, error) {
	if err := s.requireSession(); err != nil {
		return nil, err
	}
	if imagePath == "" {
		return nil, apperrors.NewValidationError("image_path is required", nil)
	}
	history, err := s.results.GetAnalysisHistory(ctx, imagePath)
	if err != nil {
		return nil, err
	}
	if history == nil {
		history = []*models.FishAnalysisResult{}
	}
	return history, nil
}

// Visualization downloads a rendered overlay of a result
func (s *analysisService) Visualization(ctx context.Context, analysisID, kind string) ([]byte, error) {
	if err := s.requireSession(); err != nil {
		return nil, err
	}
	return s.backend.Visualization(ctx, analysisID, kind)
}

// BackendHealth reports the backend health without a session
func (s *analysisService) BackendHealth(ctx context.Context) (*backend.Health, error) {
	return s.backend.Health(ctx)
}

func (s *analysisService) store(ctx context.Context, result *models.FishAnalysisResult) {
	if err := s.results.SaveAnalysisResult(ctx, result); err != nil {
		logger.WithError(err).WithField("analysis_id", result.AnalysisID).Warn("Failed to cache analysis result")
	}
}

func (s *analysisService) reportMalformed(ctx context.Context, subject string, err error) {
	if apperrors.IsType(err, apperrors.ErrorTypeMalformedResult) {
		s.notify(ctx, observer.ResultMalformed, subject, false, err.Error(), nil)
	}
}

func (s *analysisService) notify(ctx context.Context, t observer.EventType, subject string, success bool, msg string, meta map[string]interface{}) {
	event := observer.NewEvent(t, subject, success)
	event.ErrorMessage = msg
	event.Metadata = meta
	observer.Notify(ctx, s.events, event)
}

func candidate(f backend.File) validation.FileCandidate {
	declared := f.ContentType
	if declared == "application/octet-stream" {
		declared = ""
	}
	head := f.Data
	if len(head) > validation.SniffLength {
		head = head[:validation.SniffLength]
	}
	return validation.FileCandidate{
		Name:         f.Name,
		DeclaredType: declared,
		Size:         int64(len(f.Data)),
		Head:         head,
	}
}
