package main

import (
	"context"
	"fmt"

	"github.com/google/uuid"
	"github.com/raine/city-vision-capture/internal/analysis"
	"github.com/raine/city-vision-capture/internal/config"
	"github.com/raine/city-vision-capture/internal/device"
	"github.com/raine/city-vision-capture/internal/location"
	"github.com/raine/city-vision-capture/internal/storage"
	"github.com/raine/city-vision-capture/internal/upload"
	"github.com/rs/zerolog/log"
)

// saltKey holds the per-installation salt for visitor id hashing.
const saltKey = "installSalt"

func openStore(path string) (*storage.SQLiteStore, error) {
	store, err := storage.NewSQLiteStore(path)
	if err != nil {
		return nil, fmt.Errorf("failed to initialize store: %w", err)
	}
	log.Info().Str("dbPath", path).Msg("store initialized")
	return store, nil
}

// installSalt returns the installation salt, generating and persisting one
// on first use.
func installSalt(store storage.Store) ([]byte, error) {
	salt, ok, err := store.Get(saltKey)
	if err != nil {
		return nil, fmt.Errorf("failed to read install salt: %w", err)
	}
	if ok && salt != "" {
		return []byte(salt), nil
	}

	salt = uuid.NewString()
	if err := store.Set(saltKey, salt); err != nil {
		return nil, fmt.Errorf("failed to store install salt: %w", err)
	}
	log.Info().Msg("generated install salt")
	return []byte(salt), nil
}

// clientClass is the device class the CLI and bot present to the services.
func clientClass(c config.Config) device.Class {
	if c.ClientUserAgent != "" {
		return device.Detect(c.ClientUserAgent)
	}
	return device.Parse(c.CameraDeviceClass)
}

func newUploadBackend(ctx context.Context, c config.Config) (upload.Backend, error) {
	switch c.UploadBackend {
	case config.UploadS3:
		return upload.NewS3BackendFromEnv(ctx, c.S3BucketName, c.AWSRegion)
	case config.UploadHTTP:
		return upload.NewHTTPBackend(c.UploadBaseURL), nil
	case config.UploadPresign:
		backend := upload.NewPresignBackend(c.UploadBaseURL)
		if c.S3BucketName != "" {
			backend = backend.WithBucket(c.S3BucketName, c.AWSRegion)
		}
		return backend, nil
	default:
		return nil, fmt.Errorf("unknown upload backend %q", c.UploadBackend)
	}
}

func newUploader(ctx context.Context, c config.Config) (*upload.Client, error) {
	backend, err := newUploadBackend(ctx, c)
	if err != nil {
		return nil, err
	}
	log.Info().Str("backend", c.UploadBackend).Msg("upload client initialized")
	return upload.NewClient(backend), nil
}

func newVisionClient(c config.Config, class device.Class) *analysis.Client {
	return analysis.NewClient(c.VisionAPIURL, c.ProxyBaseURL, class).WithAuthToken(c.VisionAPIToken)
}

func newAnalyzer(ctx context.Context, c config.Config, class device.Class) (analysis.Analyzer, error) {
	switch c.AnalysisBackend {
	case config.AnalysisRemote:
		client := newVisionClient(c, class)
		log.Info().Str("transport", client.Transport().String()).Msg("vision client initialized")
		return client, nil
	case config.AnalysisGemini:
		analyzer, err := analysis.NewGeminiAnalyzer(ctx, analysis.GeminiConfig{
			APIKey: c.GeminiAPIKey,
			Model:  c.GeminiModel,
		})
		if err != nil {
			return nil, fmt.Errorf("failed to initialize gemini analyzer: %w", err)
		}
		log.Info().Msg("gemini analyzer initialized")
		return analyzer, nil
	default:
		return nil, fmt.Errorf("unknown analysis backend %q", c.AnalysisBackend)
	}
}

func defaultPlace(c config.Config) location.Place {
	return location.Place{City: c.DefaultCity, Country: c.DefaultCountry}
}
