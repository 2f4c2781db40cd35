package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"gopkg.in/ini.v1"

	"github.com/menta2k/autolabel/pkg/types"
	"github.com/menta2k/autolabel/pkg/validate"
)

const localConfigPath = "conf/config.ini"

// Config holds the application configuration
type Config struct {
	Default DefaultConfig
	Models  ModelsConfig
	Backend BackendConfig
	Output  OutputConfig
	Logging LoggingConfig

	// Path is the file the configuration was read from, empty for built-in defaults
	Path string
	// Warnings lists every key that fell back to its default
	Warnings []string
}

// DefaultConfig holds run defaults that the CLI can override
type DefaultConfig struct {
	Confidence       float64
	ImageExtensions  []string
	ImagesFolder     string
	OutputFolderName string
	ModelName        string
	AnnotationFormat string
}

// ModelsConfig restricts which model names are accepted
type ModelsConfig struct {
	ValidModels []string
}

// BackendConfig selects and tunes the vision model backend
type BackendConfig struct {
	Name        string
	URL         string
	APIKey      string
	SendFormat  string
	SendSize    int
	SendQuality int
	Timeout     time.Duration
}

// OutputConfig holds configuration for label output
type OutputConfig struct {
	MirrorSubdirs    bool
	Precision        int
	WriteClassesFile bool
	WriteSummary     bool
	SkipExisting     bool
	DebugOverlays    bool
	OverlayFormat    string
}

// LoggingConfig holds configuration for the logger
type LoggingConfig struct {
	Dir     string
	Verbose bool
}

// Backends lists the supported backend names
var Backends = []string{"ollama", "llamacpp", "gemini"}

// Default returns a configuration with default values
func Default() *Config {
	return &Config{
		Default: DefaultConfig{
			Confidence:       0.25,
			ImageExtensions:  []string{".bmp", ".jpeg", ".jpg", ".png"},
			ImagesFolder:     "images",
			OutputFolderName: "labels",
			ModelName:        "openbmb/minicpm-v4.5",
			AnnotationFormat: "yolo",
		},
		Backend: BackendConfig{
			Name:        "ollama",
			SendFormat:  "jpg",
			SendSize:    1536,
			SendQuality: 85,
			Timeout:     300 * time.Second,
		},
		Output: OutputConfig{
			MirrorSubdirs:    true,
			Precision:        6,
			WriteClassesFile: true,
			WriteSummary:     true,
			OverlayFormat:    "png",
		},
	}
}

// Load reads an ini configuration file. A missing file, a file that cannot
// be parsed, or a missing/malformed key falls back to built-in defaults and
// records a warning. Only a path that exists but cannot be read is an error.
func Load(path string) (*Config, error) {
	cfg := Default()
	if path == "" {
		return cfg, nil
	}

	info, err := os.Stat(path)
	if err != nil {
		if os.IsNotExist(err) {
			cfg.warnf("config file %s not found, using built-in defaults", path)
			return cfg, nil
		}
		return nil, fmt.Errorf("%w: %s: %w", types.ErrConfigFileNotFound, path, err)
	}
	if info.IsDir() {
		return nil, fmt.Errorf("%w: %s is a directory", types.ErrConfigFileNotFound, path)
	}

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("%w: cannot read %s: %w", types.ErrConfigFileNotFound, path, err)
	}

	file, err := ini.Load(data)
	if err != nil {
		cfg.warnf("failed to parse config file %s, using built-in defaults: %v", path, err)
		return cfg, nil
	}

	cfg.Path = path
	cfg.apply(file)
	return cfg, nil
}

func (c *Config) apply(f *ini.File) {
	d := f.Section("Default")
	c.Default.Confidence = c.getFloat(d, "conf", c.Default.Confidence, func(v float64) error {
		_, err := validate.Confidence(v)
		return err
	})
	if raw := c.getString(d, "image_extensions", ""); raw != "" {
		if exts, err := validate.ImageExtensions([]string{raw}); err == nil {
			c.Default.ImageExtensions = exts
		} else {
			c.warnf("[Default] image_extensions: %v, using default", err)
		}
	}
	c.Default.ImagesFolder = c.getString(d, "images_folder", c.Default.ImagesFolder)
	c.Default.OutputFolderName = c.getString(d, "output_folder_name", c.Default.OutputFolderName)
	c.Default.ModelName = c.getString(d, "model_name", c.Default.ModelName)
	c.Default.AnnotationFormat = c.getString(d, "annotation_format", c.Default.AnnotationFormat)

	if raw := c.getString(f.Section("Models"), "valid_models", ""); raw != "" {
		c.Models.ValidModels = strings.Fields(raw)
	}

	b := f.Section("Backend")
	c.Backend.Name = strings.ToLower(c.getString(b, "name", c.Backend.Name))
	c.Backend.URL = c.getString(b, "url", c.Backend.URL)
	c.Backend.APIKey = c.getString(b, "api_key", c.Backend.APIKey)
	c.Backend.SendFormat = strings.ToLower(c.getString(b, "send_format", c.Backend.SendFormat))
	c.Backend.SendSize = c.getInt(b, "send_size", c.Backend.SendSize, func(v int) bool { return v >= 0 })
	c.Backend.SendQuality = c.getInt(b, "send_quality", c.Backend.SendQuality, func(v int) bool { return v >= 1 && v <= 100 })
	secs := c.getInt(b, "timeout", int(c.Backend.Timeout/time.Second), func(v int) bool { return v > 0 })
	c.Backend.Timeout = time.Duration(secs) * time.Second

	o := f.Section("Output")
	c.Output.MirrorSubdirs = c.getBool(o, "mirror_subdirs", c.Output.MirrorSubdirs)
	c.Output.Precision = c.getInt(o, "precision", c.Output.Precision, func(v int) bool { return v >= 1 && v <= 12 })
	c.Output.WriteClassesFile = c.getBool(o, "write_classes_file", c.Output.WriteClassesFile)
	c.Output.WriteSummary = c.getBool(o, "write_summary", c.Output.WriteSummary)
	c.Output.SkipExisting = c.getBool(o, "skip_existing", c.Output.SkipExisting)
	c.Output.DebugOverlays = c.getBool(o, "debug_overlays", c.Output.DebugOverlays)
	c.Output.OverlayFormat = strings.ToLower(c.getString(o, "overlay_format", c.Output.OverlayFormat))

	l := f.Section("Logging")
	c.Logging.Dir = c.getString(l, "dir", c.Logging.Dir)
	c.Logging.Verbose = c.getBool(l, "verbose", c.Logging.Verbose)
}

func (c *Config) warnf(format string, args ...any) {
	c.Warnings = append(c.Warnings, fmt.Sprintf(format, args...))
}

func (c *Config) getString(sec *ini.Section, key, def string) string {
	if !sec.HasKey(key) {
		return def
	}
	if v := strings.TrimSpace(sec.Key(key).String()); v != "" {
		return v
	}
	c.warnf("[%s] %s is empty, using default %q", sec.Name(), key, def)
	return def
}

func (c *Config) getFloat(sec *ini.Section, key string, def float64, check func(float64) error) float64 {
	if !sec.HasKey(key) {
		return def
	}
	v, err := sec.Key(key).Float64()
	if err == nil {
		err = check(v)
	}
	if err != nil {
		c.warnf("[%s] %s: %v, using default %v", sec.Name(), key, err, def)
		return def
	}
	return v
}

func (c *Config) getInt(sec *ini.Section, key string, def int, ok func(int) bool) int {
	if !sec.HasKey(key) {
		return def
	}
	v, err := sec.Key(key).Int()
	if err != nil || !ok(v) {
		c.warnf("[%s] %s: invalid value %q, using default %d", sec.Name(), key, sec.Key(key).String(), def)
		return def
	}
	return v
}

func (c *Config) getBool(sec *ini.Section, key string, def bool) bool {
	if !sec.HasKey(key) {
		return def
	}
	v, err := sec.Key(key).Bool()
	if err != nil {
		c.warnf("[%s] %s: invalid value %q, using default %t", sec.Name(), key, sec.Key(key).String(), def)
		return def
	}
	return v
}

// ApplyEnv overrides backend and logging settings from the environment
func (c *Config) ApplyEnv() {
	c.Backend.Name = strings.ToLower(getEnv("AUTOLABEL_BACKEND", c.Backend.Name))
	c.Backend.URL = getEnv("AUTOLABEL_BACKEND_URL", c.Backend.URL)
	c.Default.ModelName = getEnv("AUTOLABEL_MODEL", c.Default.ModelName)
	c.Backend.APIKey = getEnv("AUTOLABEL_API_KEY", getEnv("GEMINI_API_KEY", c.Backend.APIKey))
	c.Logging.Dir = getEnv("AUTOLABEL_LOG_DIR", c.Logging.Dir)
	if secs := getEnvAsInt("AUTOLABEL_TIMEOUT", 0); secs > 0 {
		c.Backend.Timeout = time.Duration(secs) * time.Second
	}
}

// LoadDotEnv loads KEY=VALUE pairs from an .env file into the process
// environment without overriding variables that are already set. A missing
// file is not an error.
func LoadDotEnv(path string) error {
	if _, err := os.Stat(path); errors.Is(err, os.ErrNotExist) {
		return nil
	}
	if err := godotenv.Load(path); err != nil {
		return fmt.Errorf("%w: %s: %w", types.ErrConfigParse, path, err)
	}
	return nil
}

// SaveToFile saves configuration to an ini file
func (c *Config) SaveToFile(filename string) error {
	// Create directory if it doesn't exist
	dir := filepath.Dir(filename)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return fmt.Errorf("failed to create config directory: %w", err)
	}

	f := ini.Empty()
	sections := []struct {
		name string
		keys [][2]string
	}{
		{"Default", [][2]string{
			{"conf", strconv.FormatFloat(c.Default.Confidence, 'f', -1, 64)},
			{"image_extensions", strings.Join(c.Default.ImageExtensions, " ")},
			{"images_folder", c.Default.ImagesFolder},
			{"output_folder_name", c.Default.OutputFolderName},
			{"model_name", c.Default.ModelName},
			{"annotation_format", c.Default.AnnotationFormat},
		}},
		{"Models", [][2]string{
			{"valid_models", strings.Join(c.Models.ValidModels, " ")},
		}},
		{"Backend", [][2]string{
			{"name", c.Backend.Name},
			{"url", c.Backend.URL},
			{"send_format", c.Backend.SendFormat},
			{"send_size", strconv.Itoa(c.Backend.SendSize)},
			{"send_quality", strconv.Itoa(c.Backend.SendQuality)},
			{"timeout", strconv.Itoa(int(c.Backend.Timeout / time.Second))},
		}},
		{"Output", [][2]string{
			{"mirror_subdirs", strconv.FormatBool(c.Output.MirrorSubdirs)},
			{"precision", strconv.Itoa(c.Output.Precision)},
			{"write_classes_file", strconv.FormatBool(c.Output.WriteClassesFile)},
			{"write_summary", strconv.FormatBool(c.Output.WriteSummary)},
			{"skip_existing", strconv.FormatBool(c.Output.SkipExisting)},
			{"debug_overlays", strconv.FormatBool(c.Output.DebugOverlays)},
			{"overlay_format", c.Output.OverlayFormat},
		}},
		{"Logging", [][2]string{
			{"dir", c.Logging.Dir},
			{"verbose", strconv.FormatBool(c.Logging.Verbose)},
		}},
	}

	for _, s := range sections {
		sec, err := f.NewSection(s.name)
		if err != nil {
			return fmt.Errorf("failed to build config section %s: %w", s.name, err)
		}
		for _, kv := range s.keys {
			if kv[1] == "" {
				continue
			}
			if _, err := sec.NewKey(kv[0], kv[1]); err != nil {
				return fmt.Errorf("failed to build config key %s.%s: %w", s.name, kv[0], err)
			}
		}
	}

	if err := f.SaveTo(filename); err != nil {
		return fmt.Errorf("failed to write config file: %w", err)
	}

	return nil
}

// Validate checks if the configuration is valid
func (c *Config) Validate() error {
	if _, err := validate.Confidence(c.Default.Confidence); err != nil {
		return fmt.Errorf("%w: default.conf: %w", types.ErrConfigParse, err)
	}

	if len(c.Default.ImageExtensions) == 0 {
		return fmt.Errorf("%w: default.image_extensions cannot be empty", types.ErrConfigParse)
	}

	if _, err := validate.AnnotationFormat(c.Default.AnnotationFormat); err != nil {
		return fmt.Errorf("%w: default.annotation_format: %w", types.ErrConfigParse, err)
	}

	if !contains(Backends, c.Backend.Name) {
		return fmt.Errorf("%w: backend.name must be one of %s, got %q", types.ErrConfigParse, strings.Join(Backends, ", "), c.Backend.Name)
	}

	if c.Backend.SendFormat != "jpg" && c.Backend.SendFormat != "png" {
		return fmt.Errorf("%w: backend.send_format must be jpg or png", types.ErrConfigParse)
	}

	if c.Backend.SendQuality < 1 || c.Backend.SendQuality > 100 {
		return fmt.Errorf("%w: backend.send_quality must be between 1 and 100", types.ErrConfigParse)
	}

	if c.Backend.SendSize < 0 {
		return fmt.Errorf("%w: backend.send_size cannot be negative", types.ErrConfigParse)
	}

	if c.Output.Precision < 1 || c.Output.Precision > 12 {
		return fmt.Errorf("%w: output.precision must be between 1 and 12", types.ErrConfigParse)
	}

	switch c.Output.OverlayFormat {
	case "png", "jpg", "jpeg", "webp":
	default:
		return fmt.Errorf("%w: output.overlay_format must be png, jpg or webp", types.ErrConfigParse)
	}

	return nil
}

// GetConfigPath returns the configuration file to read: $AUTOLABEL_CONFIG,
// then ./conf/config.ini if present, then the per-user config file
func GetConfigPath() string {
	if p := os.Getenv("AUTOLABEL_CONFIG"); p != "" {
		return p
	}
	if _, err := os.Stat(localConfigPath); err == nil {
		return localConfigPath
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return localConfigPath
	}
	return filepath.Join(home, ".config", "autolabel", "config.ini")
}

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getEnvAsInt(key string, defaultValue int) int {
	if value := os.Getenv(key); value != "" {
		if intValue, err := strconv.Atoi(value); err == nil {
			return intValue
		}
	}
	return defaultValue
}

func contains(list []string, s string) bool {
	for _, v := range list {
		if v == s {
			return true
		}
	}
	return false
}
