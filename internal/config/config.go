package config

import (
	"fmt"
	"os"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Config represents the entire configuration file
type Config struct {
	DataDir     string            `yaml:"data_dir"`
	MetricsPort int               `yaml:"metrics_port"`
	Sources     map[string]Source `yaml:"sources"`
	Sinks       map[string]Sink   `yaml:"sinks"`
}

// Source represents a Kafka source configuration
type Source struct {
	Type              string    `yaml:"type"`
	Topics            []string  `yaml:"topics"`
	BootstrapServers  string    `yaml:"bootstrap_servers"`
	GroupID           string    `yaml:"group_id"`
	AutoOffsetReset   string    `yaml:"auto_offset_reset"`
	TLS               TLSConfig `yaml:"tls"`
	ChannelBufferSize int       `yaml:"channel_buffer_size"`
	FetchDefaultBytes int       `yaml:"fetch_default_bytes"`
	FetchMaxBytes     int       `yaml:"fetch_max_bytes"`
}

// TLSConfig represents TLS settings
type TLSConfig struct {
	Enabled bool `yaml:"enabled"`
}

// Sink represents a bucketed output destination
type Sink struct {
	Type   string   `yaml:"type"`
	Inputs []string `yaml:"inputs"`

	// Object store settings (aws_s3)
	Bucket string `yaml:"bucket"`
	Region string `yaml:"region"`
	// Filesystem settings
	Path string `yaml:"path"`

	// Directory is the final output directory within the sink; TempDirectory
	// roots the run-scoped temp namespace. Both are slash-terminated keys.
	Directory     string `yaml:"directory"`
	TempDirectory string `yaml:"temp_directory"`

	FilenamePrefix string `yaml:"filename_prefix"`
	FilenameSuffix string `yaml:"filename_suffix"`

	// Bucketed layout: num_buckets must be a power of two.
	NumBuckets int    `yaml:"num_buckets"`
	NumShards  int    `yaml:"num_shards"`
	KeyField   string `yaml:"key_field"`

	Spill    SpillConfig    `yaml:"spill"`
	Encoding EncodingConfig `yaml:"encoding"`
	Request  RequestConfig  `yaml:"request"`
}

// SpillConfig bounds the on-disk record buffers between consume and encode
type SpillConfig struct {
	MaxRecords       int   `yaml:"max_records"`
	MaxBytes         int64 `yaml:"max_bytes"`
	TimeoutSecs      int   `yaml:"timeout_secs"`
	TimeoutSplaySecs int   `yaml:"timeout_splay_secs"` // Random splay +/- this value
	// Backpressure and handle limits
	MaxPendingFlushes    int `yaml:"max_pending_flushes"`
	MaxConcurrentFlushes int `yaml:"max_concurrent_flushes"`
	MaxOpenFiles         int `yaml:"max_open_files"`
}

func (s SpillConfig) Timeout() time.Duration {
	return time.Duration(s.TimeoutSecs) * time.Second
}

func (s SpillConfig) TimeoutSplay() time.Duration {
	return time.Duration(s.TimeoutSplaySecs) * time.Second
}

// EncodingConfig represents encoding settings
type EncodingConfig struct {
	Parquet ParquetConfig `yaml:"parquet"`
}

// ParquetConfig represents parquet-specific settings
type ParquetConfig struct {
	Compression        string                 `yaml:"compression"`
	CompressionLevel   int                    `yaml:"compression_level"`
	MaxRowsPerRowGroup int                    `yaml:"max_rows_per_row_group"`
	PageBufferBytes    int                    `yaml:"page_buffer_bytes"`
	KeyColumn          string                 `yaml:"key_column"`
	Schema             map[string]SchemaField `yaml:"schema"`
}

// SchemaField represents a field in the schema
type SchemaField struct {
	Type string `yaml:"type"`
}

// SchemaFieldWithName wraps a schema field with its name
type SchemaFieldWithName struct {
	Name  string
	Field SchemaField
}

// RequestConfig represents upload retry settings
type RequestConfig struct {
	RetryInitialBackoff int `yaml:"retry_initial_backoff_secs"`
	RetryMaxDuration    int `yaml:"retry_max_duration_secs"`
}

func (r RequestConfig) InitialBackoff() time.Duration {
	return time.Duration(r.RetryInitialBackoff) * time.Second
}

func (r RequestConfig) MaxDuration() time.Duration {
	return time.Duration(r.RetryMaxDuration) * time.Second
}

// Load reads and parses a configuration file
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config file: %w", err)
	}

	// Set defaults
	if cfg.DataDir == "" {
		cfg.DataDir = "/data/"
	}
	if cfg.MetricsPort == 0 {
		cfg.MetricsPort = 8075
	}

	for name, sink := range cfg.Sinks {
		if sink.Directory == "" {
			sink.Directory = "output/"
		}
		if !strings.HasSuffix(sink.Directory, "/") {
			sink.Directory += "/"
		}
		if sink.TempDirectory == "" {
			sink.TempDirectory = ".smb-tmp/"
		}
		if !strings.HasSuffix(sink.TempDirectory, "/") {
			sink.TempDirectory += "/"
		}
		if sink.FilenamePrefix == "" {
			sink.FilenamePrefix = "bucket"
		}
		if sink.FilenameSuffix == "" {
			sink.FilenameSuffix = ".parquet"
		}
		if sink.NumBuckets == 0 {
			sink.NumBuckets = 1
		}
		if sink.NumShards == 0 {
			sink.NumShards = 1
		}
		if sink.Spill.MaxRecords == 0 {
			sink.Spill.MaxRecords = 100000
		}
		if sink.Spill.MaxBytes == 0 {
			sink.Spill.MaxBytes = 1024 * 1024 * 1024 // 1GB per buffer
		}
		if sink.Spill.TimeoutSecs == 0 {
			sink.Spill.TimeoutSecs = 60
		}
		if sink.Spill.MaxPendingFlushes == 0 {
			sink.Spill.MaxPendingFlushes = 100
		}
		if sink.Spill.MaxConcurrentFlushes == 0 {
			sink.Spill.MaxConcurrentFlushes = 4
		}
		if sink.Spill.MaxOpenFiles == 0 {
			sink.Spill.MaxOpenFiles = 256
		}
		if sink.Encoding.Parquet.MaxRowsPerRowGroup == 0 {
			sink.Encoding.Parquet.MaxRowsPerRowGroup = 1000
		}
		if sink.Encoding.Parquet.PageBufferBytes == 0 {
			sink.Encoding.Parquet.PageBufferBytes = 64 * 1024
		}
		if sink.Encoding.Parquet.CompressionLevel == 0 {
			sink.Encoding.Parquet.CompressionLevel = 5
		}
		if sink.Encoding.Parquet.KeyColumn == "" {
			sink.Encoding.Parquet.KeyColumn = "_key"
		}
		if sink.Request.RetryInitialBackoff == 0 {
			sink.Request.RetryInitialBackoff = 1
		}
		if sink.Request.RetryMaxDuration == 0 {
			sink.Request.RetryMaxDuration = 60
		}
		cfg.Sinks[name] = sink
	}

	return &cfg, nil
}

// GetKafkaSource returns the first Kafka source found in config
func (c *Config) GetKafkaSource() (*Source, string, error) {
	for name, src := range c.Sources {
		if src.Type == "kafka" {
			return &src, name, nil
		}
	}
	return nil, "", fmt.Errorf("no kafka source found in config")
}

// GetS3Sink returns the first S3 sink found in config
func (c *Config) GetS3Sink() (*Sink, string, error) {
	for name, sink := range c.Sinks {
		if sink.Type == "aws_s3" {
			return &sink, name, nil
		}
	}
	return nil, "", fmt.Errorf("no S3 sink found in config")
}

// GetFilesystemSink returns the first filesystem sink found in config
func (c *Config) GetFilesystemSink() (*Sink, string, error) {
	for name, sink := range c.Sinks {
		if sink.Type == "filesystem" {
			return &sink, name, nil
		}
	}
	return nil, "", fmt.Errorf("no filesystem sink found in config")
}

// ParseBootstrapServers splits the bootstrap servers string
func ParseBootstrapServers(servers string) []string {
	servers = strings.TrimSpace(servers)
	servers = strings.ReplaceAll(servers, "\n", ",")
	parts := strings.Split(servers, ",")
	var result []string
	for _, p := range parts {
		p = strings.TrimSpace(p)
		if p != "" {
			result = append(result, p)
		}
	}
	return result
}
