// Package config loads the server configuration: a YAML file first, then a
// .env file and HELMET_* environment variables on top.
package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"runtime"
	"strconv"
	"strings"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"
)

const EnvPrefix = "HELMET_"

type Detector struct {
	Backend   string   `yaml:"backend"` // local or remote
	ModelPath string   `yaml:"modelPath"`
	NamesFile string   `yaml:"namesFile"`
	Names     []string `yaml:"names"`
	Conf      float32  `yaml:"conf"`
	Iou       float32  `yaml:"iou"`
	InputSize int      `yaml:"inputSize"`
	UseGPU    bool     `yaml:"useGPU"`
	RemoteURL string   `yaml:"remoteURL"`

	// RemoteTimeoutSeconds bounds one remote detection call.
	RemoteTimeoutSeconds int `yaml:"remoteTimeoutSeconds"`
}

type OCR struct {
	Language       string `yaml:"language"`
	Whitelist      string `yaml:"whitelist"`
	TessdataPrefix string `yaml:"tessdataPrefix"`
}

type Plate struct {
	Padding     int `yaml:"padding"`
	MinCropSize int `yaml:"minCropSize"`
}

type Database struct {
	Enabled bool   `yaml:"enabled"`
	Path    string `yaml:"path"`
}

type Config struct {
	HTTPPort    int    `yaml:"HTTPPort"`
	RPCPort     int    `yaml:"RPCPort"`
	MetricsPort int    `yaml:"MetricsPort"`
	WorkersNum  int    `yaml:"workersNum"`
	LogMode     string `yaml:"logMode"`
	LogLevel    string `yaml:"logLevel"`

	StaticDir   string `yaml:"staticDir"`
	UploadDir   string `yaml:"uploadDir"`
	OutputImage string `yaml:"outputImage"`

	// UniqueOutputs writes one annotated image per request instead of
	// overwriting OutputImage.
	UniqueOutputs     bool     `yaml:"uniqueOutputs"`
	AllowedExtensions []string `yaml:"allowedExtensions"`
	MaxUploadMB       int      `yaml:"maxUploadMB"`

	Detector Detector `yaml:"detector"`
	OCR      OCR      `yaml:"ocr"`
	Plate    Plate    `yaml:"plate"`
	Database Database `yaml:"database"`

	UseRegServer  bool   `yaml:"UseRegServer"`
	RegServerHost string `yaml:"RegServerHost"`
	RegServerPort int    `yaml:"RegServerPort"`
	InstanceClass string `yaml:"instanceClass"`

	// Warnings collects non-fatal adjustments made while loading.
	Warnings []string `yaml:"-"`
}

func Default() Config {
	return Config{
		HTTPPort:          5050,
		RPCPort:           50051,
		MetricsPort:       9100,
		WorkersNum:        1,
		LogMode:           "production",
		StaticDir:         "static",
		UploadDir:         filepath.Join("static", "uploads"),
		OutputImage:       filepath.Join("static", "uploads", "output.jpg"),
		AllowedExtensions: []string{"png", "jpg", "jpeg", "avif"},
		MaxUploadMB:       16,
		Detector: Detector{
			Backend:              "local",
			ModelPath:            filepath.Join("models", "best.onnx"),
			Conf:                 0.25,
			Iou:                  0.45,
			InputSize:            640,
			RemoteTimeoutSeconds: 10,
		},
		OCR:           OCR{Language: "eng"},
		Plate:         Plate{Padding: 15, MinCropSize: 10},
		Database:      Database{Enabled: true, Path: "helmet.db"},
		InstanceClass: "Cpu",
	}
}

// Load reads path (a missing file keeps the defaults), then envFile when it
// exists, then the process environment.
func Load(path, envFile string) (*Config, error) {
	cfg := Default()
	data, err := os.ReadFile(path)
	switch {
	case err == nil:
		if err := yaml.Unmarshal(data, &cfg); err != nil {
			return nil, fmt.Errorf("failed to parse config file: %w", err)
		}
	case errors.Is(err, os.ErrNotExist):
		cfg.Warnings = append(cfg.Warnings, fmt.Sprintf("config file %s not found, using defaults", path))
	default:
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	if envFile != "" {
		// variables already set in the environment win over the file
		if err := godotenv.Load(envFile); err != nil && !errors.Is(err, os.ErrNotExist) {
			return nil, fmt.Errorf("failed to load %s: %w", envFile, err)
		}
	}
	if err := cfg.applyEnv(); err != nil {
		return nil, err
	}
	if err := cfg.validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func (c *Config) applyEnv() error {
	ints := map[string]*int{
		"HTTP_PORT":     &c.HTTPPort,
		"RPC_PORT":      &c.RPCPort,
		"METRICS_PORT":  &c.MetricsPort,
		"WORKERS":       &c.WorkersNum,
		"INPUT_SIZE":    &c.Detector.InputSize,
		"PLATE_PADDING": &c.Plate.Padding,
		"MIN_CROP_SIZE": &c.Plate.MinCropSize,
		"REG_PORT":      &c.RegServerPort,
	}
	for key, dst := range ints {
		if v, ok := lookup(key); ok {
			n, err := strconv.Atoi(v)
			if err != nil {
				return fmt.Errorf("%s%s: %w", EnvPrefix, key, err)
			}
			*dst = n
		}
	}
	strs := map[string]*string{
		"LOG_MODE":   &c.LogMode,
		"LOG_LEVEL":  &c.LogLevel,
		"STATIC_DIR": &c.StaticDir,
		"UPLOAD_DIR": &c.UploadDir,
		"OUTPUT":     &c.OutputImage,
		"BACKEND":    &c.Detector.Backend,
		"MODEL":      &c.Detector.ModelPath,
		"REMOTE_URL": &c.Detector.RemoteURL,
		"OCR_LANG":   &c.OCR.Language,
		"TESSDATA":   &c.OCR.TessdataPrefix,
		"DB_PATH":    &c.Database.Path,
		"REG_HOST":   &c.RegServerHost,
	}
	for key, dst := range strs {
		if v, ok := lookup(key); ok {
			*dst = v
		}
	}
	floats := map[string]*float32{
		"CONF": &c.Detector.Conf,
		"IOU":  &c.Detector.Iou,
	}
	for key, dst := range floats {
		if v, ok := lookup(key); ok {
			f, err := strconv.ParseFloat(v, 32)
			if err != nil {
				return fmt.Errorf("%s%s: %w", EnvPrefix, key, err)
			}
			*dst = float32(f)
		}
	}
	bools := map[string]*bool{
		"USE_GPU":       &c.Detector.UseGPU,
		"DB_ENABLED":    &c.Database.Enabled,
		"USE_REG":       &c.UseRegServer,
		"UNIQUE_OUTPUT": &c.UniqueOutputs,
	}
	for key, dst := range bools {
		if v, ok := lookup(key); ok {
			b, err := strconv.ParseBool(v)
			if err != nil {
				return fmt.Errorf("%s%s: %w", EnvPrefix, key, err)
			}
			*dst = b
		}
	}
	return nil
}

func lookup(key string) (string, bool) {
	v, ok := os.LookupEnv(EnvPrefix + key)
	if !ok || strings.TrimSpace(v) == "" {
		return "", false
	}
	return strings.TrimSpace(v), true
}

func (c *Config) validate() error {
	cpuNum := runtime.NumCPU()
	if c.WorkersNum <= 0 {
		c.WorkersNum = 1
		c.Warnings = append(c.Warnings, "invalid workersNum, defaulting to 1")
	} else if c.WorkersNum > cpuNum {
		c.Warnings = append(c.Warnings, fmt.Sprintf("workersNum %d exceeds %d CPU cores, which may lead to performance degradation", c.WorkersNum, cpuNum))
	}

	switch c.Detector.Backend {
	case "local":
		if c.Detector.ModelPath == "" {
			return errors.New("detector.modelPath is required for the local backend")
		}
	case "remote":
		if c.Detector.RemoteURL == "" {
			return errors.New("detector.remoteURL is required for the remote backend")
		}
	default:
		return fmt.Errorf("unknown detector backend %q", c.Detector.Backend)
	}
	if c.Detector.Conf <= 0 || c.Detector.Conf > 1 {
		return fmt.Errorf("detector.conf must be in (0, 1], got %v", c.Detector.Conf)
	}
	if c.Detector.Iou <= 0 || c.Detector.Iou > 1 {
		return fmt.Errorf("detector.iou must be in (0, 1], got %v", c.Detector.Iou)
	}
	if c.Detector.InputSize <= 0 || c.Detector.InputSize%32 != 0 {
		return fmt.Errorf("detector.inputSize must be a positive multiple of 32, got %d", c.Detector.InputSize)
	}
	if c.Plate.Padding < 0 || c.Plate.MinCropSize < 1 {
		return errors.New("plate.padding must be >= 0 and plate.minCropSize >= 1")
	}
	if len(c.AllowedExtensions) == 0 {
		return errors.New("allowedExtensions must not be empty")
	}
	for i, ext := range c.AllowedExtensions {
		c.AllowedExtensions[i] = strings.ToLower(strings.TrimPrefix(ext, "."))
	}
	if c.OutputImage == "" {
		return errors.New("outputImage is required")
	}
	if c.UseRegServer && c.RegServerHost == "" {
		return errors.New("RegServerHost is required when UseRegServer is set")
	}
	return nil
}

// AllowedFile reports whether name has one of the accepted extensions.
func (c *Config) AllowedFile(name string) bool {
	ext := strings.ToLower(strings.TrimPrefix(filepath.Ext(name), "."))
	if ext == "" {
		return false
	}
	for _, a := range c.AllowedExtensions {
		if ext == a {
			return true
		}
	}
	return false
}
