// Package config provides YAML + environment configuration loading for the
// quality-control service.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"
	_ "time/tzdata"

	"gopkg.in/yaml.v3"

	"github.com/alikalatearabi/opera-qc-elastic/internal/db"
)

// Config is the top-level service configuration.
type Config struct {
	Environment string           `yaml:"environment"`
	LogLevel    string           `yaml:"log_level"`
	Timezone    string           `yaml:"timezone"`
	Server      ServerConfig     `yaml:"server"`
	Database    DatabaseConfig   `yaml:"database"`
	FileServer  FileServerConfig `yaml:"file_server"`
	Storage     StorageConfig    `yaml:"storage"`
	ASR         ServiceConfig    `yaml:"asr"`
	Analysis    ServiceConfig    `yaml:"analysis"`
	Dedup       DedupConfig      `yaml:"dedup"`
	Pipeline    PipelineConfig   `yaml:"pipeline"`
}

// ServerConfig holds HTTP listener settings.
type ServerConfig struct {
	Port         int           `yaml:"port"`
	ReadTimeout  time.Duration `yaml:"read_timeout"`
	WriteTimeout time.Duration `yaml:"write_timeout"`
	IdleTimeout  time.Duration `yaml:"idle_timeout"`
}

// DatabaseConfig selects the GORM driver backing the queues and the record
// store.
// For mysql an empty DSN is assembled from the connection fields.
type DatabaseConfig struct {
	Driver   string `yaml:"driver"`
	DSN      string `yaml:"dsn"`
	Host     string `yaml:"host"`
	Port     int    `yaml:"port"`
	User     string `yaml:"user"`
	Password string `yaml:"password"`
	Name     string `yaml:"name"`
}

// FileServerConfig points at the legacy two-channel recording server.
type FileServerConfig struct {
	BaseURL  string        `yaml:"base_url"`
	Username string        `yaml:"username"`
	Password string        `yaml:"password"`
	Timeout  time.Duration `yaml:"timeout"`
}

// StorageConfig holds the S3-compatible (MinIO) object store settings.
type StorageConfig struct {
	Endpoint  string `yaml:"endpoint"`
	Region    string `yaml:"region"`
	AccessKey string `yaml:"access_key"`
	SecretKey string `yaml:"secret_key"`
	Bucket    string `yaml:"bucket"`
}

// ServiceConfig describes one external HTTP collaborator.
type ServiceConfig struct {
	URL     string        `yaml:"url"`
	Timeout time.Duration `yaml:"timeout"`
	// Strict turns a malformed response into a job failure instead of a
	// logged pass-through. Only meaningful for the ASR service.
	Strict bool `yaml:"strict"`
}

// DedupConfig configures the ingestion dedup gate.
type DedupConfig struct {
	Backend string        `yaml:"backend"` // memory | db
	TTL     time.Duration `yaml:"ttl"`
}

// StageConfig configures one stage queue.
type StageConfig struct {
	Concurrency int `yaml:"concurrency"`
	Attempts    int `yaml:"attempts"`
}

// PipelineConfig holds queue and worker settings.
type PipelineConfig struct {
	TempDir        string        `yaml:"temp_dir"`
	PollInterval   time.Duration `yaml:"poll_interval"`
	BackoffInitial time.Duration `yaml:"backoff_initial"`
	StaleAfter     time.Duration `yaml:"stale_after"`
	Maintenance    string        `yaml:"maintenance_schedule"`
	KeepCompleted  int           `yaml:"keep_completed"`
	KeepFailed     int           `yaml:"keep_failed"`
	Intake         StageConfig   `yaml:"intake"`
	Transcription  StageConfig   `yaml:"transcription"`
	Analysis       StageConfig   `yaml:"analysis"`
}

// Load reads a YAML config file from path, applies environment overrides and
// returns a validated Config. An empty path skips the file.
func Load(path string) (*Config, error) {
	var data []byte
	if path != "" {
		b, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("config: read %s: %w", path, err)
		}
		data = b
	}
	return parse(data, os.LookupEnv)
}

func parse(data []byte, lookup func(string) (string, bool)) (*Config, error) {
	var cfg Config
	if len(data) > 0 {
		if err := yaml.Unmarshal(data, &cfg); err != nil {
			return nil, fmt.Errorf("config: parse: %w", err)
		}
	}
	if err := cfg.applyEnv(lookup); err != nil {
		return nil, err
	}
	cfg.applyDefaults()
	if err := cfg.validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// applyEnv overrides file values with environment variables.
func (c *Config) applyEnv(lookup func(string) (string, bool)) error {
	var errs []string
	str := func(key string, dst *string) {
		if v, ok := lookup(key); ok && v != "" {
			*dst = v
		}
	}
	num := func(key string, dst *int) {
		if v, ok := lookup(key); ok && v != "" {
			n, err := strconv.Atoi(v)
			if err != nil {
				errs = append(errs, fmt.Sprintf("%s: %q is not a number", key, v))
				return
			}
			*dst = n
		}
	}
	dur := func(key string, dst *time.Duration) {
		if v, ok := lookup(key); ok && v != "" {
			d, err := time.ParseDuration(v)
			if err != nil {
				errs = append(errs, fmt.Sprintf("%s: %q is not a duration", key, v))
				return
			}
			*dst = d
		}
	}
	flag := func(key string, dst *bool) {
		if v, ok := lookup(key); ok && v != "" {
			b, err := strconv.ParseBool(v)
			if err != nil {
				errs = append(errs, fmt.Sprintf("%s: %q is not a boolean", key, v))
				return
			}
			*dst = b
		}
	}

	str("ENVIRONMENT", &c.Environment)
	str("LOG_LEVEL", &c.LogLevel)
	str("TIMEZONE", &c.Timezone)
	num("PORT", &c.Server.Port)
	str("DATABASE_DRIVER", &c.Database.Driver)
	str("DATABASE_DSN", &c.Database.DSN)
	str("DATABASE_HOST", &c.Database.Host)
	num("DATABASE_PORT", &c.Database.Port)
	str("DATABASE_USER", &c.Database.User)
	str("DATABASE_PASSWORD", &c.Database.Password)
	str("DATABASE_NAME", &c.Database.Name)
	str("FILE_SERVER_BASE_URL", &c.FileServer.BaseURL)
	str("FILE_SERVER_USERNAME", &c.FileServer.Username)
	str("FILE_SERVER_PASSWORD", &c.FileServer.Password)
	str("MINIO_ENDPOINT_URL", &c.Storage.Endpoint)
	str("MINIO_ACCESS_KEY", &c.Storage.AccessKey)
	str("MINIO_SECRET_KEY", &c.Storage.SecretKey)
	str("MINIO_BUCKET_NAME", &c.Storage.Bucket)
	str("TRANSCRIPTION_API_URL", &c.ASR.URL)
	flag("ASR_STRICT_VALIDATION", &c.ASR.Strict)
	str("ANALYSIS_API_URL", &c.Analysis.URL)
	str("DEDUP_BACKEND", &c.Dedup.Backend)
	dur("DEDUP_TTL", &c.Dedup.TTL)
	str("PIPELINE_TEMP_DIR", &c.Pipeline.TempDir)

	if len(errs) > 0 {
		return fmt.Errorf("config: environment: %s", strings.Join(errs, "; "))
	}
	return nil
}

// applyDefaults fills in derived and default values.
func (c *Config) applyDefaults() {
	if c.Timezone == "" {
		c.Timezone = "Asia/Tehran"
	}
	if c.Server.Port == 0 {
		c.Server.Port = 8080
	}
	if c.Server.ReadTimeout == 0 {
		c.Server.ReadTimeout = 15 * time.Second
	}
	if c.Server.WriteTimeout == 0 {
		c.Server.WriteTimeout = 60 * time.Second
	}
	if c.Server.IdleTimeout == 0 {
		c.Server.IdleTimeout = 120 * time.Second
	}
	if c.Database.Driver == "" {
		c.Database.Driver = "sqlite"
	}
	if c.Database.DSN == "" && c.Database.Driver == db.DriverSQLite {
		c.Database.DSN = "opera-qc.db"
	}
	if c.Database.DSN == "" && c.Database.Driver == db.DriverMySQL && c.Database.Host != "" {
		d := &c.Database
		if d.Port == 0 {
			d.Port = 3306
		}
		if d.Name == "" {
			d.Name = "opera_qc"
		}
		d.DSN = db.DSN(d.User, d.Password, d.Host, d.Port, d.Name)
	}
	if c.FileServer.Timeout == 0 {
		c.FileServer.Timeout = 60 * time.Second
	}
	if c.Storage.Endpoint != "" && !strings.HasPrefix(c.Storage.Endpoint, "http://") && !strings.HasPrefix(c.Storage.Endpoint, "https://") {
		c.Storage.Endpoint = "http://" + c.Storage.Endpoint
	}
	if c.Storage.Region == "" {
		c.Storage.Region = "us-east-1"
	}
	if c.Storage.Bucket == "" {
		c.Storage.Bucket = "audio-files"
	}
	if c.ASR.Timeout == 0 {
		c.ASR.Timeout = 5 * time.Minute
	}
	if c.Analysis.Timeout == 0 {
		c.Analysis.Timeout = 5 * time.Minute
	}
	if c.Analysis.URL == "" && c.ASR.URL != "" {
		c.Analysis.URL = siblingURL(c.ASR.URL, "analyze/")
	}
	if c.Dedup.Backend == "" {
		c.Dedup.Backend = "memory"
	}
	if c.Dedup.TTL == 0 {
		c.Dedup.TTL = 5 * time.Minute
	}

	p := &c.Pipeline
	if p.TempDir == "" {
		p.TempDir = filepath.Join(os.TempDir(), "opera-qc")
	}
	if p.PollInterval == 0 {
		p.PollInterval = time.Second
	}
	if p.BackoffInitial == 0 {
		p.BackoffInitial = 2 * time.Second
	}
	if p.StaleAfter == 0 {
		p.StaleAfter = 15 * time.Minute
	}
	if p.Maintenance == "" {
		p.Maintenance = "* * * * *"
	}
	if p.KeepCompleted == 0 {
		p.KeepCompleted = 1000
	}
	if p.KeepFailed == 0 {
		p.KeepFailed = 5000
	}
	stageDefaults(&p.Intake, 4, 3)
	stageDefaults(&p.Transcription, 6, 3)
	stageDefaults(&p.Analysis, 4, 3)
}

func stageDefaults(s *StageConfig, concurrency, attempts int) {
	if s.Concurrency == 0 {
		s.Concurrency = concurrency
	}
	if s.Attempts == 0 {
		s.Attempts = attempts
	}
}

// siblingURL swaps the last path segment of an endpoint, e.g.
// http://asr:8003/transcription/ -> http://asr:8003/analyze/.
func siblingURL(endpoint, segment string) string {
	trimmed := strings.TrimRight(endpoint, "/")
	if i := strings.LastIndex(trimmed, "/"); i > len("https://") {
		return trimmed[:i+1] + segment
	}
	return trimmed + "/" + segment
}

// Location resolves the configured timezone used to read call dates.
func (c *Config) Location() (*time.Location, error) {
	loc, err := time.LoadLocation(c.Timezone)
	if err != nil {
		return nil, fmt.Errorf("config: timezone %q: %w", c.Timezone, err)
	}
	return loc, nil
}

// validate checks that all required fields are present and consistent.
func (c *Config) validate() error {
	var errs []string
	switch c.Database.Driver {
	case "mysql", "sqlite":
	default:
		errs = append(errs, fmt.Sprintf("database.driver %q must be mysql or sqlite", c.Database.Driver))
	}
	if c.Database.DSN == "" {
		errs = append(errs, "database.dsn is required")
	}
	switch c.Dedup.Backend {
	case "memory", "db":
	default:
		errs = append(errs, fmt.Sprintf("dedup.backend %q must be memory or db", c.Dedup.Backend))
	}
	if c.Dedup.TTL < 0 {
		errs = append(errs, "dedup.ttl must be positive")
	}
	if c.Server.Port < 0 || c.Server.Port > 65535 {
		errs = append(errs, fmt.Sprintf("server.port %d out of range", c.Server.Port))
	}
	for name, s := range map[string]StageConfig{
		"intake":        c.Pipeline.Intake,
		"transcription": c.Pipeline.Transcription,
		"analysis":      c.Pipeline.Analysis,
	} {
		if s.Concurrency < 1 {
			errs = append(errs, fmt.Sprintf("pipeline.%s.concurrency must be at least 1", name))
		}
		if s.Attempts < 1 {
			errs = append(errs, fmt.Sprintf("pipeline.%s.attempts must be at least 1", name))
		}
	}
	if _, err := time.LoadLocation(c.Timezone); err != nil {
		errs = append(errs, fmt.Sprintf("timezone %q is unknown", c.Timezone))
	}
	if len(errs) > 0 {
		return fmt.Errorf("config: validation failed: %s", strings.Join(errs, "; "))
	}
	return nil
}

// ValidateWorkers checks the settings only the worker pools need. The API
// process can run without them.
func (c *Config) ValidateWorkers() error {
	var errs []string
	if c.FileServer.BaseURL == "" {
		errs = append(errs, "file_server.base_url is required")
	}
	if c.Storage.Endpoint == "" {
		errs = append(errs, "storage.endpoint is required")
	}
	if c.ASR.URL == "" {
		errs = append(errs, "asr.url is required")
	}
	if c.Analysis.URL == "" {
		errs = append(errs, "analysis.url is required")
	}
	if len(errs) > 0 {
		return fmt.Errorf("config: validation failed: %s", strings.Join(errs, "; "))
	}
	return nil
}
