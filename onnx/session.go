package onnx

import (
	"context"
	"fmt"
	"math"
	"net/http"

	"github.com/krau/petclassifier/service"
	ort "github.com/yalue/onnxruntime_go"
)

type Options struct {
	ModelPath  string
	ModelUrl   string
	InputName  string
	OutputName string
	ImageSize  int
	HTTPClient *http.Client
}

// Runtime loads ONNX models for the classifier.
type Runtime struct {
	opts Options
	initEnv func() error
}

func NewRuntime(opts Options) *Runtime {
	return &Runtime{opts: opts, initEnv: InitEnvironment}
}

func (r *Runtime) Load(ctx context.Context) (service.Model, error) {
	if err := FetchModel(ctx, r.opts.HTTPClient, r.opts.ModelUrl, r.opts.ModelPath); err != nil {
		return nil, err
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if err := r.initEnv(); err != nil {
		return nil, fmt.Errorf("failed to initialize ONNX Runtime environment: %w", err)
	}

	inputs, outputs, err := ort.GetInputOutputInfo(r.opts.ModelPath)
	if err != nil {
		return nil, fmt.Errorf("failed to get model input/output info: %w", err)
	}
	in, out, err := selectIO(inputs, outputs, r.opts.InputName, r.opts.OutputName)
	if err != nil {
		return nil, err
	}
	if err := checkInputDims(in.Dimensions, r.opts.ImageSize); err != nil {
		return nil, err
	}
	quantized, err := isQuantized(in.DataType)
	if err != nil {
		return nil, err
	}

	opts, err := ort.NewSessionOptions()
	if err != nil {
		return nil, fmt.Errorf("failed to create session options: %w", err)
	}
	defer opts.Destroy()

	session, err := ort.NewDynamicAdvancedSession(
		r.opts.ModelPath,
		[]string{in.Name},
		[]string{out.Name},
		opts,
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create ONNX Runtime session: %w", err)
	}
	return &Model{session: session, quantized: quantized}, nil
}

// isQuantized reports whether the model takes raw 0-255 pixels instead of
// scaled floats.
func isQuantized(dt ort.TensorElementDataType) (bool, error) {
	switch dt {
	case ort.TensorElementDataTypeFloat:
		return false, nil
	case ort.TensorElementDataTypeUint8:
		return true, nil
	default:
		return false, fmt.Errorf("unsupported model input type %v", dt)
	}
}

func selectIO(inputs, outputs []ort.InputOutputInfo, inName, outName string) (ort.InputOutputInfo, ort.InputOutputInfo, error) {
	var in, out ort.InputOutputInfo
	if len(inputs) == 0 || len(outputs) == 0 {
		return in, out, fmt.Errorf("model has %d inputs and %d outputs", len(inputs), len(outputs))
	}
	in, ok := findIO(inputs, inName)
	if !ok {
		return in, out, fmt.Errorf("model has no input named %q", inName)
	}
	out, ok = findIO(outputs, outName)
	if !ok {
		return in, out, fmt.Errorf("model has no output named %q", outName)
	}
	return in, out, nil
}

func findIO(infos []ort.InputOutputInfo, name string) (ort.InputOutputInfo, bool) {
	if name == "" {
		return infos[0], true
	}
	for _, info := range infos {
		if info.Name == name {
			return info, true
		}
	}
	return ort.InputOutputInfo{}, false
}

// checkInputDims accepts [N, H, W, 3] where dynamic dims are negative.
func checkInputDims(dims ort.Shape, size int) error {
	if len(dims) != 4 {
		return fmt.Errorf("expected 4D input, got %dD", len(dims))
	}
	want := service.InputShape(size)
	for i := 1; i < 4; i++ {
		if dims[i] > 0 && dims[i] != want[i] {
			return fmt.Errorf("model input shape %v does not match %v", dims, want)
		}
	}
	return nil
}

// Model wraps a session. DynamicAdvancedSession.Run is safe for concurrent use.
type Model struct {
	session   *ort.DynamicAdvancedSession
	quantized bool
}

func (m *Model) NewTensor(shape []int64, data []float32) (service.Tensor, error) {
	var (
		t   ort.Value
		err error
	)
	if m.quantized {
		t, err = ort.NewTensor(ort.NewShape(shape...), toPixels(data))
	} else {
		t, err = ort.NewTensor(ort.NewShape(shape...), data)
	}
	if err != nil {
		return nil, err
	}
	return &Tensor{value: t}, nil
}

// toPixels maps [0,1] inputs back to 0-255 bytes.
func toPixels(data []float32) []uint8 {
	out := make([]uint8, len(data))
	for i, v := range data {
		out[i] = uint8(math.Round(float64(min(max(v, 0), 1)) * 255))
	}
	return out
}

func (m *Model) Run(input service.Tensor) (service.Tensor, error) {
	in, ok := input.(*Tensor)
	if !ok {
		return nil, fmt.Errorf("unexpected input tensor type %T", input)
	}
	outputs := []ort.Value{nil}
	if err := m.session.Run([]ort.Value{in.value}, outputs); err != nil {
		return nil, err
	}
	return &Tensor{value: outputs[0]}, nil
}

func (m *Model) Close() error {
	if m.session == nil {
		return nil
	}
	err := m.session.Destroy()
	m.session = nil
	return err
}

type Tensor struct {
	value ort.Value
}

func (t *Tensor) Data() ([]float32, error) {
	switch v := t.value.(type) {
	case *ort.Tensor[float32]:
		return v.GetData(), nil
	case *ort.Tensor[uint8]:
		return fromBytes(v.GetData()), nil
	default:
		return nil, fmt.Errorf("unexpected output type %T", t.value)
	}
}

// quantized models emit raw scores; they are ranked as they are
func fromBytes(data []uint8) []float32 {
	out := make([]float32, len(data))
	for i, v := range data {
		out[i] = float32(v)
	}
	return out
}

func (t *Tensor) Release() error {
	if t.value == nil {
		return nil
	}
	err := t.value.Destroy()
	t.value = nil
	return err
}
