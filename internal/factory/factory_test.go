package factory

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/octapulse/fishlens/internal/config"
	apperrors "github.com/octapulse/fishlens/internal/errors"
	"github.com/octapulse/fishlens/internal/storage"
	"github.com/octapulse/fishlens/internal/strategy"
	"github.com/octapulse/fishlens/pkg/validation"
)

func testConfig() *config.Config {
	return &config.Config{
		MaxUploadSize:     validation.MaxUploadSize,
		BackendRetryDelay: time.Millisecond,
		PollInterval:      time.Second,
		PollMaxInterval:   8 * time.Second,
		AWSRegion:         "us-east-1",
	}
}

func TestSourceFactory_CreateSource(t *testing.T) {
	f := NewSourceFactory(testConfig())

	tests := []struct {
		scheme string
		want   interface{}
	}{
		{validation.SchemeFile, &storage.FileSource{}},
		{validation.SchemeHTTP, &storage.HTTPSource{}},
		{validation.SchemeHTTPS, &storage.HTTPSource{}},
		{validation.SchemeS3, &storage.S3Source{}},
	}
	for _, tt := range tests {
		t.Run(tt.scheme, func(t *testing.T) {
			src, err := f.CreateSource(tt.scheme)
			require.NoError(t, err)
			assert.IsType(t, tt.want, src)
		})
	}

	first, _ := f.CreateSource(validation.SchemeFile)
	second, _ := f.CreateSource(validation.SchemeFile)
	assert.Same(t, first, second, "sources are reused")
}

func TestSourceFactory_Unavailable(t *testing.T) {
	f := NewSourceFactory(testConfig())

	_, err := f.CreateSource(validation.SchemeAzure)
	assert.ErrorContains(t, err, "azure storage is not configured")

	_, err = f.CreateSource("ftp")
	assert.ErrorContains(t, err, "unsupported source scheme")
}

func TestSourceFactory_AzureConfigured(t *testing.T) {
	cfg := testConfig()
	cfg.AzureStorageAccount = "octapulse"
	// base64 of "fishlens-test-key"
	cfg.AzureStorageKey = "ZmlzaGxlbnMtdGVzdC1rZXk="

	src, err := NewSourceFactory(cfg).CreateSource(validation.SchemeAzure)
	require.NoError(t, err)
	assert.IsType(t, &storage.AzureSource{}, src)
}

func TestStrategyFactory(t *testing.T) {
	f := NewStrategyFactory(testConfig())

	fixed, err := f.CreateStrategy(strategy.KindFixed)
	require.NoError(t, err)
	assert.Equal(t, time.Second, fixed.NextDelay(5))

	defaulted, err := f.CreateStrategy("")
	require.NoError(t, err)
	assert.Equal(t, "fixed", defaulted.GetStrategyName())

	exp, err := f.CreateStrategy(strategy.KindExponential)
	require.NoError(t, err)
	assert.Equal(t, 8*time.Second, exp.NextDelay(10))

	_, err = f.CreateStrategy("linear")
	assert.Error(t, err)
}

func TestImageResolver_Resolve(t *testing.T) {
	path := filepath.Join(t.TempDir(), "trout.bmp")
	require.NoError(t, os.WriteFile(path, []byte("BM\x3a\x00\x00\x00\x00\x00\x00\x00\x36\x00\x00\x00"), 0o600))

	components := NewComponentFactory(testConfig())

	img, err := components.Resolver.Resolve(context.Background(), path)
	require.NoError(t, err)
	assert.Equal(t, "trout.bmp", img.Name)

	_, err = components.Resolver.Resolve(context.Background(), "   ")
	assert.True(t, apperrors.IsType(err, apperrors.ErrorTypeValidation))

	_, err = components.Resolver.Resolve(context.Background(), "az://samples/trout.png")
	assert.ErrorContains(t, err, "azure storage is not configured")
}
