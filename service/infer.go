package service

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"golang.org/x/sync/semaphore"
)

type Options struct {
	ImageSize int
	// LoadTimeout bounds a single model load; 0 disables it.
	LoadTimeout time.Duration
	// MaxConcurrency bounds simultaneous forward passes; 0 means unbounded.
	MaxConcurrency int
	// MaxPixels rejects larger images before decoding; 0 uses DefaultMaxPixels.
	MaxPixels int
	Labels    []string
}

// Classifier predicts the class of an encoded image with a lazily loaded model.
type Classifier struct {
	loader    *modelLoader
	size      int
	maxPixels int
	labels    []string
	sem       *semaphore.Weighted
}

func NewClassifier(rt Runtime, opts Options) *Classifier {
	size := opts.ImageSize
	if size <= 0 {
		size = ImageSize
	}
	c := &Classifier{
		loader:    newModelLoader(rt, opts.LoadTimeout),
		size:      size,
		maxPixels: opts.MaxPixels,
		labels:    opts.Labels,
	}
	if opts.MaxConcurrency > 0 {
		c.sem = semaphore.NewWeighted(int64(opts.MaxConcurrency))
	}
	return c
}

func (c *Classifier) State() LoadState {
	return c.loader.State()
}

func (c *Classifier) ImageSize() int {
	return c.size
}

func (c *Classifier) Labels() []string {
	return c.labels
}

// EnsureModelLoaded returns the shared model, loading it on first call.
func (c *Classifier) EnsureModelLoaded(ctx context.Context) (Model, error) {
	return c.loader.get(ctx)
}

// Predict classifies a base64 data URL.
func (c *Classifier) Predict(ctx context.Context, encoded string) (*Prediction, error) {
	res, err := c.Classify(ctx, encoded, 0)
	if err != nil {
		return nil, err
	}
	return &res.Prediction, nil
}

// PredictBytes classifies raw image bytes.
func (c *Classifier) PredictBytes(ctx context.Context, raw []byte) (*Prediction, error) {
	res, err := c.ClassifyBytes(ctx, raw, 0)
	if err != nil {
		return nil, err
	}
	return &res.Prediction, nil
}

// Classify is Predict plus the k most likely classes.
func (c *Classifier) Classify(ctx context.Context, encoded string, k int) (*Result, error) {
	return c.classify(ctx, k, func(ctx context.Context) ([]float32, error) {
		return Preprocess(ctx, encoded, c.size, c.maxPixels)
	})
}

func (c *Classifier) ClassifyBytes(ctx context.Context, raw []byte, k int) (*Result, error) {
	return c.classify(ctx, k, func(ctx context.Context) ([]float32, error) {
		return PreprocessBytes(ctx, raw, c.size, c.maxPixels)
	})
}

func (c *Classifier) classify(ctx context.Context, k int, prepare func(context.Context) ([]float32, error)) (*Result, error) {
	logits, err := c.logits(ctx, prepare)
	if err != nil {
		return nil, err
	}
	return c.Rank(logits, k)
}

type Result struct {
	Prediction
	TopK []Prediction `json:"top_k,omitempty"`
}

// Rank labels the top class and the k best classes of logits.
func (c *Classifier) Rank(logits []float32, k int) (*Result, error) {
	top, err := ReduceTop(logits)
	if err != nil {
		return nil, err
	}
	top.Label = c.Label(top.TopIndex)
	res := &Result{Prediction: top}
	if k <= 0 {
		return res, nil
	}
	res.TopK, err = TopK(logits, k)
	if err != nil {
		return nil, err
	}
	for i := range res.TopK {
		res.TopK[i].Label = c.Label(res.TopK[i].TopIndex)
	}
	return res, nil
}

// Label returns the class name for idx, or class_<idx> when there is none.
func (c *Classifier) Label(idx int) string {
	if idx >= 0 && idx < len(c.labels) {
		return c.labels[idx]
	}
	return fmt.Sprintf("class_%d", idx)
}

// logits loads the model, builds the input with prepare and runs one forward
// pass. The returned slice is a copy owned by the caller.
func (c *Classifier) logits(ctx context.Context, prepare func(context.Context) ([]float32, error)) ([]float32, error) {
	m, err := c.EnsureModelLoaded(ctx)
	if err != nil {
		return nil, err
	}
	input, err := prepare(ctx)
	if err != nil {
		return nil, err
	}
	if c.sem != nil {
		if err := c.sem.Acquire(ctx, 1); err != nil {
			return nil, err
		}
		defer c.sem.Release(1)
	}
	return c.forward(m, input)
}

func (c *Classifier) forward(m Model, input []float32) (logits []float32, err error) {
	scope := &tensorScope{}
	defer func() {
		if rerr := scope.Close(); rerr != nil {
			slog.Error("Failed to release tensors", slog.String("error", rerr.Error()))
		}
	}()

	in, err := scope.acquire(m.NewTensor(InputShape(c.size), input))
	if err != nil {
		return nil, fmt.Errorf("failed to create input tensor: %w", err)
	}
	out, err := scope.acquire(m.Run(in))
	if err != nil {
		return nil, fmt.Errorf("inference failed: %w", err)
	}
	data, err := out.Data()
	if err != nil {
		return nil, fmt.Errorf("failed to read output: %w", err)
	}
	logits = make([]float32, len(data))
	copy(logits, data)
	return logits, nil
}

// tensorScope releases every tensor it acquired when closed.
type tensorScope struct {
	tensors []Tensor
}

func (s *tensorScope) acquire(t Tensor, err error) (Tensor, error) {
	if t != nil {
		s.tensors = append(s.tensors, t)
	}
	if err != nil {
		return nil, err
	}
	if t == nil {
		return nil, errors.New("runtime returned nil tensor")
	}
	return t, nil
}

func (s *tensorScope) Close() error {
	var errs []error
	for i := len(s.tensors) - 1; i >= 0; i-- {
		if err := s.tensors[i].Release(); err != nil {
			errs = append(errs, err)
		}
	}
	s.tensors = nil
	return errors.Join(errs...)
}
