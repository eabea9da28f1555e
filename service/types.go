package service

import (
	"context"
	"errors"
)

const (
	ImageSize = 224
	Channels  = 3
)

var (
	ErrDecode     = errors.New("image decode failed")
	ErrModelLoad  = errors.New("model load failed")
	ErrEmptyInput = errors.New("empty logits")
)

type Prediction struct {
	TopIndex int     `json:"topIndex"`
	TopProb  float64 `json:"topProb"`
	Label    string  `json:"label,omitempty"`
}

// Runtime loads a serialized model artifact.
type Runtime interface {
	Load(ctx context.Context) (Model, error)
}

// Model is a loaded, immutable model. Run must be safe for concurrent use.
type Model interface {
	NewTensor(shape []int64, data []float32) (Tensor, error)
	// Run returns a tensor owned by the caller.
	Run(input Tensor) (Tensor, error)
}

// Tensor is backed by runtime memory and must be released exactly once.
type Tensor interface {
	Data() ([]float32, error)
	Release() error
}

// InputShape is the NHWC shape fed to the model.
func InputShape(size int) []int64 {
	return []int64{1, int64(size), int64(size), Channels}
}
