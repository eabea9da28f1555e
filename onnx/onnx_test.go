package onnx

import (
	"context"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	ort "github.com/yalue/onnxruntime_go"
)

func TestFetchModelDownloads(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte("onnx-bytes"))
	}))
	defer srv.Close()

	path := filepath.Join(t.TempDir(), "models", "model.onnx")
	require.NoError(t, FetchModel(context.Background(), srv.Client(), srv.URL, path))

	data, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.Equal(t, "onnx-bytes", string(data))

	entries, err := os.ReadDir(filepath.Dir(path))
	require.NoError(t, err)
	assert.Len(t, entries, 1, "temp file left behind")
}

func TestFetchModelSkipsExisting(t *testing.T) {
	path := filepath.Join(t.TempDir(), "model.onnx")
	require.NoError(t, os.WriteFile(path, []byte("local"), 0o644))

	// unreachable url proves nothing is fetched
	require.NoError(t, FetchModel(context.Background(), nil, "http://127.0.0.1:1/model.onnx", path))
	data, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.Equal(t, "local", string(data))
}

func TestFetchModelErrors(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "gone", http.StatusNotFound)
	}))
	defer srv.Close()

	dir := t.TempDir()
	path := filepath.Join(dir, "model.onnx")
	err := FetchModel(context.Background(), srv.Client(), srv.URL, path)
	assert.ErrorContains(t, err, "404")
	assert.NoFileExists(t, path)

	err = FetchModel(context.Background(), nil, "", path)
	assert.ErrorContains(t, err, "no model_url")

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	err = FetchModel(ctx, srv.Client(), srv.URL, path)
	assert.ErrorIs(t, err, context.Canceled)
}

func TestRuntimeLoadMissingArtifact(t *testing.T) {
	inits := 0
	rt := NewRuntime(Options{ModelPath: filepath.Join(t.TempDir(), "absent.onnx"), ImageSize: 224})
	rt.initEnv = func() error { inits++; return nil }

	_, err := rt.Load(context.Background())
	assert.Error(t, err)
	assert.Zero(t, inits)
}

func TestSelectIO(t *testing.T) {
	inputs := []ort.InputOutputInfo{{Name: "input_1"}, {Name: "mask"}}
	outputs := []ort.InputOutputInfo{{Name: "logits"}}

	in, out, err := selectIO(inputs, outputs, "", "")
	require.NoError(t, err)
	assert.Equal(t, "input_1", in.Name)
	assert.Equal(t, "logits", out.Name)

	in, _, err = selectIO(inputs, outputs, "mask", "logits")
	require.NoError(t, err)
	assert.Equal(t, "mask", in.Name)

	_, _, err = selectIO(inputs, outputs, "pixels", "")
	assert.Error(t, err)
	_, _, err = selectIO(inputs, outputs, "", "probs")
	assert.Error(t, err)
	_, _, err = selectIO(nil, outputs, "", "")
	assert.Error(t, err)
}

func TestCheckInputDims(t *testing.T) {
	assert.NoError(t, checkInputDims(ort.NewShape(1, 224, 224, 3), 224))
	assert.NoError(t, checkInputDims(ort.NewShape(-1, 224, 224, 3), 224))
	assert.NoError(t, checkInputDims(ort.NewShape(-1, -1, -1, 3), 224))
	assert.Error(t, checkInputDims(ort.NewShape(1, 3, 224, 224), 224))
	assert.Error(t, checkInputDims(ort.NewShape(1, 224, 224, 3), 448))
	assert.Error(t, checkInputDims(ort.NewShape(1, 1000), 224))
}

func TestLoadLibPath(t *testing.T) {
	assert.Equal(t, "/opt/ort/libonnxruntime.so", loadLibPath("/opt/ort/libonnxruntime.so"))
}

func TestTensorWithoutValue(t *testing.T) {
	tensor := &Tensor{}
	_, err := tensor.Data()
	assert.Error(t, err)
	assert.NoError(t, tensor.Release())
}

func TestIsQuantized(t *testing.T) {
	q, err := isQuantized(ort.TensorElementDataTypeFloat)
	require.NoError(t, err)
	assert.False(t, q)

	q, err = isQuantized(ort.TensorElementDataTypeUint8)
	require.NoError(t, err)
	assert.True(t, q)

	_, err = isQuantized(ort.TensorElementDataTypeInt64)
	assert.Error(t, err)
}

func TestPixelConversion(t *testing.T) {
	assert.Equal(t, []uint8{0, 51, 128, 255, 0, 255}, toPixels([]float32{0, 0.2, 0.5, 1, -0.5, 3}))
	assert.Equal(t, []float32{0, 7, 255}, fromBytes([]uint8{0, 7, 255}))
}
