package server

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"

	"github.com/krau/petclassifier/config"
	"github.com/krau/petclassifier/onnx"
	"github.com/krau/petclassifier/service"
)

var (
	classifier *service.Classifier
	authToken  string
	topK       int
)

func Init(ctx context.Context) error {
	cfg := config.C()
	labels, err := service.ReadLines(filepath.Join(cfg.ModelDir, cfg.LabelsFileName))
	if errors.Is(err, os.ErrNotExist) {
		slog.Warn("Labels file not found, predictions will carry indices only", slog.String("file", cfg.LabelsFileName))
	} else if err != nil {
		return fmt.Errorf("failed to read labels: %w", err)
	}

	rt := onnx.NewRuntime(onnx.Options{
		ModelPath:  filepath.Join(cfg.ModelDir, cfg.ModelFileName),
		ModelUrl:   cfg.ModelUrl,
		InputName:  cfg.InputName,
		OutputName: cfg.OutputName,
		ImageSize:  cfg.ImageSize,
	})
	Setup(service.NewClassifier(rt, service.Options{
		ImageSize:      cfg.ImageSize,
		LoadTimeout:    cfg.LoadTimeout.Duration,
		MaxConcurrency: cfg.MaxConcurrency,
		MaxPixels:      cfg.MaxPixels,
		Labels:         labels,
	}), cfg.Token, cfg.TopK)

	if cfg.Preload {
		go func() {
			if _, err := classifier.EnsureModelLoaded(ctx); err != nil {
				slog.Error("Model preload failed", slog.String("error", err.Error()))
			}
		}()
	}
	return nil
}

// Setup installs the classifier used by the handlers.
func Setup(c *service.Classifier, token string, k int) {
	classifier = c
	authToken = token
	topK = k
}

// Close releases the model if it was ever loaded.
func Close(ctx context.Context) {
	if classifier == nil || classifier.State() != service.Loaded {
		return
	}
	m, err := classifier.EnsureModelLoaded(ctx)
	if err != nil {
		return
	}
	if closer, ok := m.(io.Closer); ok {
		if err := closer.Close(); err != nil {
			slog.Error("Failed to close model", slog.String("error", err.Error()))
		}
	}
}
