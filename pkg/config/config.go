package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"
)

// Config is the contents of our YAML config file
type Config struct {
	Model   ModelConfig   `yaml:"model"`
	Data    DataConfig    `yaml:"data"`
	Storage StorageConfig `yaml:"storage"`
	Server  ServerConfig  `yaml:"server"`
}

type ModelConfig struct {
	Backend       string            `yaml:"backend"`        // "http" or "gemini"
	Name          string            `yaml:"name"`           // eg "yolo11m". Recorded in the run history.
	ConfThreshold float64           `yaml:"conf_threshold"` // Minimum detection confidence
	IouThreshold  float64           `yaml:"iou_threshold"`  // Overlapping boxes of the same class above this IoU are merged
	MergeClasses  map[string]string `yaml:"merge_classes"`  // eg {truck: car}
	ClassesFile   string            `yaml:"classes_file"`   // Optional text file with one label per line, in class index order
	InferenceURL  string            `yaml:"inference_url"`  // Base URL of the HTTP inference service
	GeminiModel   string            `yaml:"gemini_model"`
	GeminiAPIKey  string            `yaml:"-"`             // From GEMINI_API_KEY
	Workers       int               `yaml:"workers"`       // Number of images in flight at once
	ImageTimeout  time.Duration     `yaml:"image_timeout"` // Per image. Zero means no limit.
}

type DataConfig struct {
	ImageExtension Extensions `yaml:"image_extension"`
}

// At most one of the storage options may be configured. If none are, we use the local filesystem.
type StorageConfig struct {
	Filesystem *StorageConfigFS    `yaml:"filesystem"`
	GCS        *StorageConfigGCS   `yaml:"gcs"`
	Azure      *StorageConfigAzure `yaml:"azure"`
}

type StorageConfigFS struct {
	Root string `yaml:"root"` // Path to the root of the filesystem
}

type StorageConfigGCS struct {
	Bucket string `yaml:"bucket"` // Name of the GCS bucket
	Public bool   `yaml:"public"` // Whether the bucket is public
}

type StorageConfigAzure struct {
	Account   string `yaml:"account"`
	Container string `yaml:"container"`
	Key       string `yaml:"-"` // From AZURE_STORAGE_KEY
}

type ServerConfig struct {
	Listen       string `yaml:"listen"`         // eg ":8080"
	HTTPSDomain  string `yaml:"https_domain"`   // If set, serve HTTPS with an automatic certificate for this domain
	RunDB        string `yaml:"rundb"`          // SQLite file holding the history of inference runs
	HotReloadWWW bool   `yaml:"hot_reload_www"` // Serve the UI from disk instead of the embedded copy
}

// Extensions is a list of file extensions such as ".jpg".
// In YAML it may be written either as a list or as a single string.
type Extensions []string

func (e *Extensions) UnmarshalYAML(value *yaml.Node) error {
	var list []string
	if value.Kind == yaml.ScalarNode {
		list = []string{value.Value}
	} else if err := value.Decode(&list); err != nil {
		return err
	}
	*e = nil
	for _, ext := range list {
		*e = append(*e, NormalizeExtension(ext))
	}
	return nil
}

// NormalizeExtension turns "JPG" or ".JPG" into ".jpg"
func NormalizeExtension(ext string) string {
	ext = strings.ToLower(strings.TrimSpace(ext))
	if ext != "" && !strings.HasPrefix(ext, ".") {
		ext = "." + ext
	}
	return ext
}

func Default() *Config {
	return &Config{
		Model: ModelConfig{
			Backend:       "http",
			Name:          "yolo11m",
			ConfThreshold: 0.25,
			IouThreshold:  0.45,
			InferenceURL:  "http://localhost:5000",
			GeminiModel:   "gemini-1.5-flash",
			Workers:       4,
			ImageTimeout:  60 * time.Second,
		},
		Data: DataConfig{
			ImageExtension: Extensions{".jpg", ".jpeg", ".png"},
		},
		Server: ServerConfig{
			Listen: ":8080",
			RunDB:  "imgsearch.sqlite",
		},
	}
}

// Load reads a YAML config file on top of the defaults, then applies environment overrides.
// If filename is empty, only the defaults and the environment are used.
// A .env file in the working directory, if present, is loaded into the environment first.
func Load(filename string) (*Config, error) {
	if err := godotenv.Load(); err != nil && !errors.Is(err, os.ErrNotExist) {
		return nil, fmt.Errorf("Failed to load .env: %w", err)
	}

	cfg := Default()
	if filename != "" {
		raw, err := os.ReadFile(filename)
		if err != nil {
			return nil, err
		}
		if err := yaml.Unmarshal(raw, cfg); err != nil {
			return nil, fmt.Errorf("Failed to parse config file %v: %w", filename, err)
		}
	}
	cfg.applyEnv()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func (c *Config) applyEnv() {
	c.Model.GeminiAPIKey = getEnv("GEMINI_API_KEY", c.Model.GeminiAPIKey)
	c.Model.InferenceURL = getEnv("IMGSEARCH_INFERENCE_URL", c.Model.InferenceURL)
	c.Model.ConfThreshold = getEnvAsFloat("IMGSEARCH_CONF_THRESHOLD", c.Model.ConfThreshold)
	c.Model.Workers = getEnvAsInt("IMGSEARCH_WORKERS", c.Model.Workers)
	c.Server.Listen = getEnv("IMGSEARCH_LISTEN", c.Server.Listen)
	if c.Storage.Azure != nil {
		c.Storage.Azure.Key = getEnv("AZURE_STORAGE_KEY", c.Storage.Azure.Key)
	}
}

func (c *Config) Validate() error {
	m := &c.Model
	switch m.Backend {
	case "http":
		if m.InferenceURL == "" {
			return errors.New("model.inference_url is required for the http backend")
		}
	case "gemini":
		if m.GeminiModel == "" {
			return errors.New("model.gemini_model is required for the gemini backend")
		}
	default:
		return fmt.Errorf("Unknown model.backend '%v' (expected 'http' or 'gemini')", m.Backend)
	}
	if m.ConfThreshold < 0 || m.ConfThreshold > 1 {
		return fmt.Errorf("model.conf_threshold must be between 0 and 1 (not %v)", m.ConfThreshold)
	}
	if m.IouThreshold < 0 || m.IouThreshold > 1 {
		return fmt.Errorf("model.iou_threshold must be between 0 and 1 (not %v)", m.IouThreshold)
	}
	if m.Workers < 1 {
		return fmt.Errorf("model.workers must be at least 1 (not %v)", m.Workers)
	}
	if m.ImageTimeout < 0 {
		return errors.New("model.image_timeout may not be negative")
	}
	if len(c.Data.ImageExtension) == 0 {
		return errors.New("data.image_extension must list at least one extension")
	}
	for _, ext := range c.Data.ImageExtension {
		if ext == "" {
			return errors.New("data.image_extension contains an empty extension")
		}
	}
	n := 0
	if c.Storage.Filesystem != nil {
		n++
	}
	if c.Storage.GCS != nil {
		n++
		if c.Storage.GCS.Bucket == "" {
			return errors.New("storage.gcs.bucket is required")
		}
	}
	if c.Storage.Azure != nil {
		n++
		if c.Storage.Azure.Account == "" || c.Storage.Azure.Container == "" {
			return errors.New("storage.azure needs both account and container")
		}
	}
	if n > 1 {
		return errors.New("Only one of storage.filesystem, storage.gcs, storage.azure may be configured")
	}
	return nil
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

func getEnvAsFloat(key string, defaultValue float64) float64 {
	if value := os.Getenv(key); value != "" {
		if f, err := strconv.ParseFloat(value, 64); err == nil {
			return f
		}
	}
	return defaultValue
}
