package container

import (
	"context"
	"fmt"
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"golang.org/x/crypto/bcrypt"

	"github.com/octapulse/fishlens/internal/backend"
	"github.com/octapulse/fishlens/internal/config"
	"github.com/octapulse/fishlens/internal/factory"
	"github.com/octapulse/fishlens/internal/logger"
	"github.com/octapulse/fishlens/internal/observer"
	"github.com/octapulse/fishlens/internal/repository"
	"github.com/octapulse/fishlens/internal/service"
	"github.com/octapulse/fishlens/internal/session"
	"github.com/octapulse/fishlens/internal/transport"
	"github.com/octapulse/fishlens/internal/workerpool"
	"github.com/octapulse/fishlens/pkg/models"
	"github.com/octapulse/fishlens/pkg/services"
	"github.com/octapulse/fishlens/pkg/validation"
)

// Container holds all application dependencies
type Container struct {
	config          *config.Config
	registry        *prometheus.Registry
	events          *observer.EventPublisher
	metrics         *observer.MetricsObserver
	sessions        *session.Store
	factory         *factory.ComponentFactory
	backend         *backend.Client
	results         *repository.CacheAnalysisRepository
	imageRepository repository.ImageRepository
	pool            *workerpool.WorkerPool
	analysisService service.AnalysisService
	handler         http.Handler
}

// Option customizes the container before the dependency graph is built
type Option func(*options)

type options struct {
	records     session.RecordStore
	httpClient  *http.Client
	bcryptCost  int
	withHandler bool
}

// WithRecordStore replaces the file-backed session record
func WithRecordStore(r session.RecordStore) Option {
	return func(o *options) { o.records = r }
}

// WithHTTPClient sets the client used to reach the analysis backend
func WithHTTPClient(c *http.Client) Option {
	return func(o *options) { o.httpClient = c }
}

// WithBcryptCost sets the hashing cost of the demo credential table
func WithBcryptCost(cost int) Option {
	return func(o *options) { o.bcryptCost = cost }
}

// WithoutHandler skips building the HTTP API, for command line use
func WithoutHandler() Option {
	return func(o *options) { o.withHandler = false }
}

// NewContainer creates a new dependency injection container
func NewContainer(cfg *config.Config, opts ...Option) (*Container, error) {
	o := &options{
		records:     session.NewFileRecordStore(cfg.SessionDir, cfg.SessionKey),
		bcryptCost:  bcrypt.DefaultCost,
		withHandler: true,
	}
	for _, opt := range opts {
		opt(o)
	}

	logger.SetLevel(cfg.LogLevel)

	// Events
	registry := prometheus.NewRegistry()
	registry.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	metrics, err := observer.NewMetricsObserver(registry)
	if err != nil {
		return nil, fmt.Errorf("failed to register metrics: %w", err)
	}
	events := observer.NewEventPublisher()
	events.Subscribe(observer.NewLoggingObserver(logger.Logger))
	events.Subscribe(metrics)

	// Session
	tokens := session.NewTokenIssuer(cfg.SessionTokenSecret, cfg.SessionTokenTTL)
	credentials, err := session.DemoCredentials(tokens, o.bcryptCost)
	if err != nil {
		return nil, fmt.Errorf("failed to build credential table: %w", err)
	}
	sessions := session.NewStore(credentials, o.records,
		session.WithEvents(events),
		session.WithTokenVerification(tokens),
	)

	// Backend
	clientOpts := []backend.Option{
		backend.WithRetryDelay(cfg.BackendRetryDelay),
		backend.WithTokenSource(func() string {
			if p := sessions.CurrentPrincipal(); p != nil {
				return p.SessionToken
			}
			return ""
		}),
	}
	if o.httpClient != nil {
		clientOpts = append(clientOpts, backend.WithHTTPClient(o.httpClient))
	}
	client, err := backend.NewClient(cfg.BackendURL, cfg.BackendTimeout, clientOpts...)
	if err != nil {
		return nil, fmt.Errorf("failed to create backend client: %w", err)
	}

	// Images and results
	components := factory.NewComponentFactory(cfg)
	uploads := validation.NewUploadValidatorWithLimits(cfg.MaxUploadSize, cfg.MaxBatchSize)
	imageRepository := repository.NewSourceImageRepository(components.Resolver, validation.NewSourceValidator(), uploads)
	results := repository.NewCacheAnalysisRepository(cfg.ResultCacheTTL)

	pool := workerpool.NewWorkerPool(cfg.UploadWorkers)
	pool.Start()

	analysisService := service.NewAnalysisService(service.Dependencies{
		Sessions:   sessions,
		Backend:    client,
		Images:     imageRepository,
		Results:    results,
		Strategies: components.StrategyFactory,
		Uploads:    uploads,
		Quality:    validation.NewQualityValidator(),
		Population: services.NewPopulationService(),
		Pool:       pool,
		Events:     events,
	})

	c := &Container{
		config:          cfg,
		registry:        registry,
		events:          events,
		metrics:         metrics,
		sessions:        sessions,
		factory:         components,
		backend:         client,
		results:         results,
		imageRepository: imageRepository,
		pool:            pool,
		analysisService: analysisService,
	}
	if o.withHandler {
		metricsHandler := promhttp.HandlerFor(registry, promhttp.HandlerOpts{Registry: registry})
		c.handler = transport.NewHandler(analysisService, sessions, metricsHandler, cfg)
	}
	return c, nil
}

// Init restores the durable session, if any
func (c *Container) Init(ctx context.Context) *models.Principal {
	p := c.sessions.RestoreSession(ctx)
	if p != nil {
		logger.WithField("email", p.Email).Info("Restored session")
	}
	return p
}

// Close stops the worker pool, delivers pending events and drops cached
// results
func (c *Container) Close() {
	c.pool.Close()
	c.events.Close()
	c.results.Flush()
}

// Handler returns the HTTP handler
func (c *Container) Handler() http.Handler {
	return c.handler
}

// Config returns the configuration
func (c *Container) Config() *config.Config {
	return c.config
}

// Sessions returns the session store
func (c *Container) Sessions() *session.Store {
	return c.sessions
}

// Analysis returns the analysis service
func (c *Container) Analysis() service.AnalysisService {
	return c.analysisService
}

// Metrics returns the in-process analysis totals
func (c *Container) Metrics() map[string]interface{} {
	return c.metrics.GetMetrics()
}
