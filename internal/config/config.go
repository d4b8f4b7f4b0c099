// Package config loads runframe settings from defaults, an optional
// runframe.toml and RUNFRAME_* environment variables, in that order of
// increasing precedence.
package config

import (
	"errors"
	"fmt"
	"runtime"
	"strings"
	"time"

	"github.com/spf13/viper"

	"github.com/basekick-labs/runframe/internal/merge"
	"github.com/basekick-labs/runframe/internal/storage"
)

// Config holds all configuration for runframe
type Config struct {
	Server  ServerConfig
	Log     LogConfig
	Storage StorageConfig
	Ingest  IngestConfig
	Export  ExportConfig
	Catalog CatalogConfig
	Query   QueryConfig
	Import  ImportConfig
}

type ServerConfig struct {
	Host            string
	Port            int
	ReadTimeout     time.Duration
	WriteTimeout    time.Duration
	ShutdownTimeout time.Duration
	BodyLimit       int64
	// ImportRateLimit caps import requests per client address per minute;
	// 0 disables the limit
	ImportRateLimit int
}

type LogConfig struct {
	Level  string
	Format string // "json" or "console"
}

type StorageConfig struct {
	Backend   string
	LocalPath string
	Resilient bool

	S3Bucket    string
	S3Region    string
	S3Endpoint  string
	S3AccessKey string
	S3SecretKey string
	S3UseSSL    bool
	S3PathStyle bool

	AzureConnectionString string
	AzureAccountName      string
	AzureAccountKey       string
	AzureSASToken         string
	AzureContainer        string
	AzureEndpoint         string
	AzureManagedIdentity  bool
}

// IngestConfig carries the merge policy names and pipeline limits
type IngestConfig struct {
	DuplicatePolicy string
	GapPolicy       string
	OverlapPolicy   string
	Concurrency     int
	MaxFileSize     int64
}

type ExportConfig struct {
	Format      string // "parquet" or "arrow"
	Compression string // parquet codec: "zstd", "snappy", "gzip" or "none"
	Prefix      string
}

type CatalogConfig struct {
	Path string
}

// QueryConfig configures the embedded DuckDB engine
type QueryConfig struct {
	Enabled     bool
	MemoryLimit string
	ThreadCount int
	Timeout     time.Duration
}

// ImportConfig configures scheduled imports from storage
type ImportConfig struct {
	Enabled  bool
	Schedule string
	Prefix   string
}

// Load reads configuration from the default search path
func Load() (*Config, error) {
	return LoadFile("")
}

// LoadFile reads configuration from file when set, else from runframe.toml
// in ".", "/etc/runframe" or "$HOME/.runframe" if one exists.
func LoadFile(file string) (*Config, error) {
	v := viper.New()
	setDefaults(v)

	v.SetEnvPrefix("RUNFRAME")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if file != "" {
		v.SetConfigFile(file)
	} else {
		v.SetConfigName("runframe")
		v.SetConfigType("toml")
		v.AddConfigPath(".")
		v.AddConfigPath("/etc/runframe/")
		v.AddConfigPath("$HOME/.runframe/")
	}
	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if file != "" || !errors.As(err, &notFound) {
			return nil, fmt.Errorf("failed to read config: %w", err)
		}
	}

	bodyLimit, err := ParseSize(v.GetString("server.body_limit"))
	if err != nil {
		return nil, fmt.Errorf("invalid server.body_limit: %w", err)
	}
	maxFile, err := ParseSize(v.GetString("ingest.max_file_size"))
	if err != nil {
		return nil, fmt.Errorf("invalid ingest.max_file_size: %w", err)
	}

	cfg := &Config{
		Server: ServerConfig{
			Host:            v.GetString("server.host"),
			Port:            v.GetInt("server.port"),
			ReadTimeout:     v.GetDuration("server.read_timeout"),
			WriteTimeout:    v.GetDuration("server.write_timeout"),
			ShutdownTimeout: v.GetDuration("server.shutdown_timeout"),
			BodyLimit:       bodyLimit,
			ImportRateLimit: v.GetInt("server.import_rate_limit"),
		},
		Log: LogConfig{
			Level:  v.GetString("log.level"),
			Format: v.GetString("log.format"),
		},
		Storage: StorageConfig{
			Backend:               v.GetString("storage.backend"),
			LocalPath:             v.GetString("storage.local_path"),
			Resilient:             v.GetBool("storage.resilient"),
			S3Bucket:              v.GetString("storage.s3_bucket"),
			S3Region:              v.GetString("storage.s3_region"),
			S3Endpoint:            v.GetString("storage.s3_endpoint"),
			S3AccessKey:           v.GetString("storage.s3_access_key"),
			S3SecretKey:           v.GetString("storage.s3_secret_key"),
			S3UseSSL:              v.GetBool("storage.s3_use_ssl"),
			S3PathStyle:           v.GetBool("storage.s3_path_style"),
			AzureConnectionString: v.GetString("storage.azure_connection_string"),
			AzureAccountName:      v.GetString("storage.azure_account_name"),
			AzureAccountKey:       v.GetString("storage.azure_account_key"),
			AzureSASToken:         v.GetString("storage.azure_sas_token"),
			AzureContainer:        v.GetString("storage.azure_container"),
			AzureEndpoint:         v.GetString("storage.azure_endpoint"),
			AzureManagedIdentity:  v.GetBool("storage.azure_use_managed_identity"),
		},
		Ingest: IngestConfig{
			DuplicatePolicy: v.GetString("ingest.duplicate_policy"),
			GapPolicy:       v.GetString("ingest.gap_policy"),
			OverlapPolicy:   v.GetString("ingest.overlap_policy"),
			Concurrency:     v.GetInt("ingest.concurrency"),
			MaxFileSize:     maxFile,
		},
		Export: ExportConfig{
			Format:      strings.ToLower(v.GetString("export.format")),
			Compression: strings.ToLower(v.GetString("export.compression")),
			Prefix:      v.GetString("export.prefix"),
		},
		Catalog: CatalogConfig{
			Path: v.GetString("catalog.path"),
		},
		Query: QueryConfig{
			Enabled:     v.GetBool("query.enabled"),
			MemoryLimit: v.GetString("query.memory_limit"),
			ThreadCount: v.GetInt("query.thread_count"),
			Timeout:     v.GetDuration("query.timeout"),
		},
		Import: ImportConfig{
			Enabled:  v.GetBool("import.enabled"),
			Schedule: v.GetString("import.schedule"),
			Prefix:   v.GetString("import.prefix"),
		},
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("server.host", "0.0.0.0")
	v.SetDefault("server.port", 8080)
	v.SetDefault("server.read_timeout", "30s")
	v.SetDefault("server.write_timeout", "60s")
	v.SetDefault("server.shutdown_timeout", "30s")
	v.SetDefault("server.body_limit", "256MB")
	v.SetDefault("server.import_rate_limit", 120)

	v.SetDefault("log.level", "info")
	v.SetDefault("log.format", "json")

	v.SetDefault("storage.backend", "local")
	v.SetDefault("storage.local_path", "./data/runframe")
	v.SetDefault("storage.resilient", true)
	v.SetDefault("storage.s3_region", "us-east-1")
	v.SetDefault("storage.s3_use_ssl", true)

	v.SetDefault("ingest.duplicate_policy", string(merge.LastWins))
	v.SetDefault("ingest.gap_policy", string(merge.Missing))
	v.SetDefault("ingest.overlap_policy", string(merge.RejectOverlap))
	v.SetDefault("ingest.concurrency", getDefaultConcurrency())
	v.SetDefault("ingest.max_file_size", "128MB")

	v.SetDefault("export.format", "parquet")
	v.SetDefault("export.compression", "zstd")
	v.SetDefault("export.prefix", "exports")

	v.SetDefault("catalog.path", "./data/runframe/catalog.db")

	v.SetDefault("query.enabled", true)
	v.SetDefault("query.memory_limit", "1GB")
	v.SetDefault("query.thread_count", runtime.NumCPU())
	v.SetDefault("query.timeout", "30s")

	v.SetDefault("import.enabled", false)
	v.SetDefault("import.schedule", "*/15 * * * *")
	v.SetDefault("import.prefix", "inbox")
}

func getDefaultConcurrency() int {
	n := runtime.NumCPU()
	if n < 2 {
		return 2
	}
	if n > 16 {
		return 16
	}
	return n
}

// Validate rejects values the rest of the program cannot act on
func (c *Config) Validate() error {
	if _, err := c.Ingest.Policy(); err != nil {
		return err
	}
	if c.Ingest.Concurrency < 1 {
		return fmt.Errorf("ingest.concurrency must be at least 1, got %d", c.Ingest.Concurrency)
	}
	switch c.Export.Format {
	case "parquet", "arrow":
	default:
		return fmt.Errorf("export.format must be parquet or arrow, got %q", c.Export.Format)
	}
	switch c.Export.Compression {
	case "zstd", "snappy", "gzip", "none", "":
	default:
		return fmt.Errorf("unknown export.compression %q", c.Export.Compression)
	}
	switch strings.ToLower(c.Storage.Backend) {
	case "local", "memory", "s3", "minio", "azure", "azblob":
	default:
		return fmt.Errorf("unknown storage.backend %q", c.Storage.Backend)
	}
	if c.Server.ImportRateLimit < 0 {
		return fmt.Errorf("server.import_rate_limit must not be negative, got %d", c.Server.ImportRateLimit)
	}
	if c.Server.Port <= 0 || c.Server.Port > 65535 {
		return fmt.Errorf("server.port out of range: %d", c.Server.Port)
	}
	return nil
}

// Policy builds the merge policy named by the ingest settings
func (c IngestConfig) Policy() (merge.Policy, error) {
	d, err := merge.ParseDuplicatePolicy(c.DuplicatePolicy)
	if err != nil {
		return merge.Policy{}, fmt.Errorf("ingest.duplicate_policy: %w", err)
	}
	g, err := merge.ParseGapPolicy(c.GapPolicy)
	if err != nil {
		return merge.Policy{}, fmt.Errorf("ingest.gap_policy: %w", err)
	}
	o, err := merge.ParseOverlapPolicy(c.OverlapPolicy)
	if err != nil {
		return merge.Policy{}, fmt.Errorf("ingest.overlap_policy: %w", err)
	}
	return merge.Policy{Duplicates: d, Gaps: g, Overlap: o}, nil
}

// StorageBackend translates the flat settings into a storage config
func (c StorageConfig) StorageBackend() storage.Config {
	return storage.Config{
		Backend:   c.Backend,
		LocalPath: c.LocalPath,
		Resilient: c.Resilient,
		S3: storage.S3Config{
			Bucket:    c.S3Bucket,
			Region:    c.S3Region,
			Endpoint:  c.S3Endpoint,
			AccessKey: c.S3AccessKey,
			SecretKey: c.S3SecretKey,
			UseSSL:    c.S3UseSSL,
			PathStyle: c.S3PathStyle,
		},
		Azure: storage.AzureBlobConfig{
			ConnectionString:   c.AzureConnectionString,
			AccountName:        c.AzureAccountName,
			AccountKey:         c.AzureAccountKey,
			SASToken:           c.AzureSASToken,
			UseManagedIdentity: c.AzureManagedIdentity,
			ContainerName:      c.AzureContainer,
			Endpoint:           c.AzureEndpoint,
		},
	}
}

// ParseSize parses sizes such as "128MB", "1.5GB" or "4096" into bytes
func ParseSize(sizeStr string) (int64, error) {
	s := strings.TrimSpace(strings.ToUpper(sizeStr))
	if s == "" {
		return 0, fmt.Errorf("empty size string")
	}

	units := []struct {
		suffix     string
		multiplier int64
	}{
		{"GB", 1 << 30},
		{"MB", 1 << 20},
		{"KB", 1 << 10},
		{"B", 1},
	}
	for _, u := range units {
		if !strings.HasSuffix(s, u.suffix) {
			continue
		}
		numStr := strings.TrimSpace(strings.TrimSuffix(s, u.suffix))
		var num float64
		var trailing string
		if n, _ := fmt.Sscanf(numStr, "%f%s", &num, &trailing); n == 0 || trailing != "" {
			return 0, fmt.Errorf("invalid size format: %s (use e.g. '1GB', '500MB', '100KB')", sizeStr)
		}
		if num < 0 {
			return 0, fmt.Errorf("size cannot be negative: %s", sizeStr)
		}
		return int64(num * float64(u.multiplier)), nil
	}

	var num int64
	var trailing string
	if n, _ := fmt.Sscanf(s, "%d%s", &num, &trailing); n == 0 || trailing != "" {
		return 0, fmt.Errorf("invalid size format: %s (use e.g. '1GB', '500MB', '100KB')", sizeStr)
	}
	if num < 0 {
		return 0, fmt.Errorf("size cannot be negative: %s", sizeStr)
	}
	return num, nil
}
