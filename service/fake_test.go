package service

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/binary"
	"errors"
	"image"
	"image/color"
	"image/jpeg"
	"sync"
	"sync/atomic"
	"testing"

	"github.com/disintegration/imaging"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

type fakeRuntime struct {
	loads   atomic.Int32
	gate    chan struct{} // when set, Load blocks until closed
	started chan struct{}
	loadErr error
	model   *fakeModel
}

func (r *fakeRuntime) Load(ctx context.Context) (Model, error) {
	r.loads.Add(1)
	if r.started != nil {
		r.started <- struct{}{}
	}
	if r.gate != nil {
		select {
		case <-r.gate:
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
	if r.loadErr != nil {
		return nil, r.loadErr
	}
	return r.model, nil
}

type fakeModel struct {
	logits  []float32
	runErr  error
	dataErr error

	mu      sync.Mutex
	tensors []*fakeTensor
	shapes  [][]int64
}

func (m *fakeModel) track(t *fakeTensor) *fakeTensor {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.tensors = append(m.tensors, t)
	return t
}

func (m *fakeModel) NewTensor(shape []int64, data []float32) (Tensor, error) {
	m.mu.Lock()
	m.shapes = append(m.shapes, shape)
	m.mu.Unlock()
	return m.track(&fakeTensor{data: data}), nil
}

func (m *fakeModel) Run(input Tensor) (Tensor, error) {
	if m.runErr != nil {
		return nil, m.runErr
	}
	out := make([]float32, len(m.logits))
	copy(out, m.logits)
	return m.track(&fakeTensor{data: out, dataErr: m.dataErr}), nil
}

// allocated returns how many tensors were created and checks that each was
// released exactly once.
func (m *fakeModel) requireAllReleased(t *testing.T) int {
	t.Helper()
	m.mu.Lock()
	defer m.mu.Unlock()
	for i, tt := range m.tensors {
		require.Equal(t, int32(1), tt.releases.Load(), "tensor %d released %d times", i, tt.releases.Load())
	}
	return len(m.tensors)
}

type fakeTensor struct {
	data     []float32
	dataErr  error
	releases atomic.Int32
}

func (t *fakeTensor) Data() ([]float32, error) {
	if t.dataErr != nil {
		return nil, t.dataErr
	}
	if t.releases.Load() > 0 {
		return nil, errors.New("use after release")
	}
	return t.data, nil
}

func (t *fakeTensor) Release() error {
	t.releases.Add(1)
	return nil
}

func pngDataURL(t *testing.T, w, h int, c color.Color) string {
	t.Helper()
	var buf bytes.Buffer
	require.NoError(t, imaging.Encode(&buf, imaging.New(w, h, c), imaging.PNG))
	return "data:image/png;base64," + base64.StdEncoding.EncodeToString(buf.Bytes())
}

// jpegWithHeaderSize encodes a 1x1 JPEG and rewrites the frame header to
// claim w x h pixels.
func jpegWithHeaderSize(t *testing.T, w, h int) []byte {
	t.Helper()
	var buf bytes.Buffer
	require.NoError(t, jpeg.Encode(&buf, image.NewRGBA(image.Rect(0, 0, 1, 1)), nil))
	b := buf.Bytes()
	sof := bytes.Index(b, []byte{0xFF, 0xC0})
	require.GreaterOrEqual(t, sof, 0, "no SOF0 marker")
	binary.BigEndian.PutUint16(b[sof+5:], uint16(h))
	binary.BigEndian.PutUint16(b[sof+7:], uint16(w))
	return b
}

func jpegDataURL(t *testing.T, w, h int) string {
	return "data:image/jpeg;base64," + base64.StdEncoding.EncodeToString(jpegWithHeaderSize(t, w, h))
}
