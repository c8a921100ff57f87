package factory

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/octapulse/fishlens/internal/config"
	"github.com/octapulse/fishlens/internal/storage"
	"github.com/octapulse/fishlens/internal/strategy"
	"github.com/octapulse/fishlens/pkg/validation"
)

// SourceFactory creates image sources
type SourceFactory interface {
	CreateSource(scheme string) (storage.ImageSource, error)
}

// StrategyFactory creates batch poll strategies
type StrategyFactory interface {
	CreateStrategy(kind strategy.Kind) (strategy.PollStrategy, error)
}

// sourceFactory implements SourceFactory. Sources are built lazily and
// reused, the cloud clients hold connection pools.
type sourceFactory struct {
	cfg *config.Config

	mu      sync.Mutex
	sources map[string]storage.ImageSource
}

// NewSourceFactory creates a new source factory
func NewSourceFactory(cfg *config.Config) SourceFactory {
	return &sourceFactory{cfg: cfg, sources: make(map[string]storage.ImageSource)}
}

// CreateSource returns the source for a reference scheme
func (f *sourceFactory) CreateSource(scheme string) (storage.ImageSource, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	if src, ok := f.sources[scheme]; ok {
		return src, nil
	}

	src, err := f.build(scheme)
	if err != nil {
		return nil, err
	}
	f.sources[scheme] = src
	return src, nil
}

func (f *sourceFactory) build(scheme string) (storage.ImageSource, error) {
	maxSize := f.cfg.MaxUploadSize

	switch scheme {
	case validation.SchemeFile:
		return storage.NewFileSource(maxSize), nil
	case validation.SchemeHTTP, validation.SchemeHTTPS:
		return storage.NewHTTPSource(maxSize, f.cfg.BackendRetryDelay), nil
	case validation.SchemeAzure:
		if !f.cfg.AzureEnabled() {
			return nil, fmt.Errorf("azure storage is not configured")
		}
		return storage.NewAzureSource(f.cfg.AzureStorageAccount, f.cfg.AzureStorageKey, maxSize)
	case validation.SchemeS3:
		return storage.NewS3Source(storage.S3Config{
			Region:          f.cfg.AWSRegion,
			AccessKeyID:     f.cfg.AWSAccessKeyID,
			SecretAccessKey: f.cfg.AWSSecretAccessKey,
			Endpoint:        f.cfg.S3Endpoint,
		}, maxSize)
	default:
		return nil, fmt.Errorf("unsupported source scheme: %s", scheme)
	}
}

// strategyFactory implements StrategyFactory
type strategyFactory struct {
	interval    time.Duration
	maxInterval time.Duration
}

// NewStrategyFactory creates a new strategy factory
func NewStrategyFactory(cfg *config.Config) StrategyFactory {
	return &strategyFactory{interval: cfg.PollInterval, maxInterval: cfg.PollMaxInterval}
}

// CreateStrategy creates a poll strategy based on the specified kind
func (f *strategyFactory) CreateStrategy(kind strategy.Kind) (strategy.PollStrategy, error) {
	switch kind {
	case strategy.KindFixed, "":
		return strategy.NewFixedPollStrategy(f.interval), nil
	case strategy.KindExponential:
		return strategy.NewExponentialPollStrategy(f.interval, f.maxInterval), nil
	default:
		return nil, fmt.Errorf("unsupported poll strategy: %s", kind)
	}
}

// ImageResolver turns raw image references into loaded images
type ImageResolver struct {
	validator *validation.SourceValidator
	sources   SourceFactory
}

// NewImageResolver creates a resolver over the given sources
func NewImageResolver(validator *validation.SourceValidator, sources SourceFactory) *ImageResolver {
	return &ImageResolver{validator: validator, sources: sources}
}

// Resolve validates the reference and loads it from the matching source
func (r *ImageResolver) Resolve(ctx context.Context, raw string) (*storage.Image, error) {
	ref, err := r.validator.ValidateSource(raw)
	if err != nil {
		return nil, err
	}
	src, err := r.sources.CreateSource(ref.Scheme)
	if err != nil {
		return nil, err
	}
	return src.Load(ctx, ref)
}

// ComponentFactory combines all factories
type ComponentFactory struct {
	SourceFactory   SourceFactory
	StrategyFactory StrategyFactory
	Resolver        *ImageResolver
}

// NewComponentFactory creates a new component factory
func NewComponentFactory(cfg *config.Config) *ComponentFactory {
	sources := NewSourceFactory(cfg)
	return &ComponentFactory{
		SourceFactory:   sources,
		StrategyFactory: NewStrategyFactory(cfg),
		Resolver:        NewImageResolver(validation.NewSourceValidator(), sources),
	}
}
