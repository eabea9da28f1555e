package config

import (
	"errors"
	"fmt"
	"os"
	"sync"
	"time"

	"github.com/pelletier/go-toml/v2"
)

type Config struct {
	Token   string `toml:"token" mapstructure:"token"`
	Host    string `toml:"host" mapstructure:"host"`
	Port    string `toml:"port" mapstructure:"port"`
	Libonnx string `toml:"libonnx" mapstructure:"libonnx"`
	// origins allowed to call the API from a browser; "*" allows any
	CorsOrigins []string `toml:"cors_origins" mapstructure:"cors_origins"`

	ModelUrl       string `toml:"model_url" mapstructure:"model_url"`
	ModelDir       string `toml:"model_dir" mapstructure:"model_dir"`
	ModelFileName  string `toml:"model_file_name" mapstructure:"model_file_name"`
	LabelsFileName string `toml:"labels_file_name" mapstructure:"labels_file_name"`
	// empty means first input/output declared by the model
	InputName  string `toml:"input_name" mapstructure:"input_name"`
	OutputName string `toml:"output_name" mapstructure:"output_name"`

	ImageSize      int      `toml:"image_size" mapstructure:"image_size"`
	LoadTimeout    Duration `toml:"load_timeout" mapstructure:"load_timeout"`
	MaxConcurrency int      `toml:"max_concurrency" mapstructure:"max_concurrency"`
	MaxPixels      int      `toml:"max_pixels" mapstructure:"max_pixels"`
	Preload        bool     `toml:"preload" mapstructure:"preload"`
	TopK           int      `toml:"top_k" mapstructure:"top_k"`
}

// Duration reads "30s" style strings from toml.
type Duration struct {
	time.Duration
}

func (d *Duration) UnmarshalText(b []byte) error {
	v, err := time.ParseDuration(string(b))
	if err != nil {
		return fmt.Errorf("invalid duration %q: %w", string(b), err)
	}
	d.Duration = v
	return nil
}

func (d Duration) MarshalText() ([]byte, error) {
	return []byte(d.String()), nil
}

func Default() Config {
	return Config{
		Token:          "",
		Host:           "0.0.0.0",
		Port:           "8000",
		ModelUrl:       "",
		ModelDir:       "models",
		ModelFileName:  "model.onnx",
		LabelsFileName: "labels.txt",
		ImageSize:      224,
		LoadTimeout:    Duration{2 * time.Minute},
		CorsOrigins:    []string{"*"},
		MaxConcurrency: 0,
		MaxPixels:      40_000_000,
		Preload:        false,
		TopK:           5,
	}
}

var (
	cfg      = Default()
	loadOnce sync.Once
)

// Init loads path once. Later calls, including C, reuse the first result.
func Init(path string) error {
	var err error
	loadOnce.Do(func() {
		c, lerr := Load(path)
		if lerr != nil {
			err = lerr
			return
		}
		cfg = c
	})
	return err
}

func C() Config {
	if err := Init("config.toml"); err != nil {
		panic(err)
	}
	return cfg
}

// Load reads path over the defaults. A missing file is not an error.
func Load(path string) (Config, error) {
	c := Default()
	data, err := os.ReadFile(path)
	if errors.Is(err, os.ErrNotExist) {
		return c, nil
	}
	if err != nil {
		return c, fmt.Errorf("failed to read %s: %w", path, err)
	}
	if err := toml.Unmarshal(data, &c); err != nil {
		return c, fmt.Errorf("failed to parse %s: %w", path, err)
	}
	if c.ImageSize <= 0 {
		return c, fmt.Errorf("image_size must be positive, got %d", c.ImageSize)
	}
	if c.MaxPixels < 0 {
		return c, fmt.Errorf("max_pixels must not be negative, got %d", c.MaxPixels)
	}
	if c.MaxConcurrency < 0 {
		return c, fmt.Errorf("max_concurrency must not be negative, got %d", c.MaxConcurrency)
	}
	return c, nil
}
