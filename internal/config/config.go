package config

import (
	"fmt"
	"time"

	"github.com/spf13/viper"
)

// Config holds all configuration for the application
type Config struct {
	Server     ServerConfig     `mapstructure:"server"`
	Database   DatabaseConfig   `mapstructure:"database"`
	Poller     PollerConfig     `mapstructure:"poller"`
	Queue      QueueConfig      `mapstructure:"queue"`
	Blob       BlobConfig       `mapstructure:"blob"`
	Classifier ClassifierConfig `mapstructure:"classifier"`
	Workflow   WorkflowConfig   `mapstructure:"workflow"`
	Gmail      GmailConfig      `mapstructure:"gmail"`
}

// ServerConfig holds HTTP server configuration
type ServerConfig struct {
	Port         string        `mapstructure:"port"`
	ReadTimeout  time.Duration `mapstructure:"read_timeout"`
	WriteTimeout time.Duration `mapstructure:"write_timeout"`
}

// DatabaseConfig holds database connection configuration
type DatabaseConfig struct {
	Host     string `mapstructure:"host"`
	Port     int    `mapstructure:"port"`
	User     string `mapstructure:"user"`
	Password string `mapstructure:"password"`
	DBName   string `mapstructure:"dbname"`
}

// PollerConfig holds account poller configuration
type PollerConfig struct {
	IntervalSeconds int           `mapstructure:"interval_seconds"`
	FetchLimit      int           `mapstructure:"fetch_limit"`
	LockTTL         time.Duration `mapstructure:"lock_ttl"`
	CheckpointTTL   time.Duration `mapstructure:"checkpoint_ttl"`
}

// QueueConfig holds ingest queue and worker pool configuration
type QueueConfig struct {
	Workers      int           `mapstructure:"workers"`
	MaxAttempts  int           `mapstructure:"max_attempts"`
	BaseBackoff  time.Duration `mapstructure:"base_backoff"`
	PollInterval time.Duration `mapstructure:"poll_interval"`
	LeaseTTL     time.Duration `mapstructure:"lease_ttl"`
}

// BlobConfig holds blob storage configuration
type BlobConfig struct {
	RootDir string `mapstructure:"root_dir"`
}

// ClassifierConfig holds intent classifier configuration
type ClassifierConfig struct {
	APIKey  string        `mapstructure:"api_key"`
	BaseURL string        `mapstructure:"base_url"`
	Model   string        `mapstructure:"model"`
	Timeout time.Duration `mapstructure:"timeout"`
}

// WorkflowConfig holds workflow engine configuration
type WorkflowConfig struct {
	ApprovalTimeout   time.Duration `mapstructure:"approval_timeout"`
	SideEffectRetries int           `mapstructure:"side_effect_retries"`
	SweepInterval     time.Duration `mapstructure:"sweep_interval"`
}

// GmailConfig holds the shared Gmail OAuth2 application credentials. Per
// account refresh tokens live on the Account rows.
type GmailConfig struct {
	ClientID     string `mapstructure:"client_id"`
	ClientSecret string `mapstructure:"client_secret"`
}

// LoadConfig loads configuration from environment variables and config file
func LoadConfig() (*Config, error) {
	viper.SetConfigName("config")
	viper.SetConfigType("yaml")
	viper.AddConfigPath(".")
	viper.AddConfigPath("./config")

	// Set defaults
	setDefaults()

	// Read config file if it exists
	if err := viper.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return nil, fmt.Errorf("error reading config file: %w", err)
		}
	}

	// Environment variables override config file
	viper.AutomaticEnv()

	// Bind environment variables
	bindEnvVars()

	var config Config
	if err := viper.Unmarshal(&config); err != nil {
		return nil, fmt.Errorf("error unmarshaling config: %w", err)
	}

	return &config, nil
}

// setDefaults sets default configuration values
func setDefaults() {
	viper.SetDefault("server.port", "8080")
	viper.SetDefault("server.read_timeout", "30s")
	viper.SetDefault("server.write_timeout", "30s")

	viper.SetDefault("database.host", "localhost")
	viper.SetDefault("database.port", 3306)

	viper.SetDefault("poller.interval_seconds", 60)
	viper.SetDefault("poller.fetch_limit", 50)
	viper.SetDefault("poller.lock_ttl", "5m")
	viper.SetDefault("poller.checkpoint_ttl", "720h")

	viper.SetDefault("queue.workers", 4)
	viper.SetDefault("queue.max_attempts", 5)
	viper.SetDefault("queue.base_backoff", "30s")
	viper.SetDefault("queue.poll_interval", "5s")
	viper.SetDefault("queue.lease_ttl", "10m")

	viper.SetDefault("blob.root_dir", "./data/blobs")

	viper.SetDefault("classifier.base_url", "https://openrouter.ai/api/v1/chat/completions")
	viper.SetDefault("classifier.timeout", "60s")

	viper.SetDefault("workflow.approval_timeout", "168h")
	viper.SetDefault("workflow.side_effect_retries", 3)
	viper.SetDefault("workflow.sweep_interval", "1m")
}

// bindEnvVars binds environment variables to configuration keys
func bindEnvVars() {
	// Server
	viper.BindEnv("server.port", "SERVER_PORT")
	viper.BindEnv("server.read_timeout", "SERVER_READ_TIMEOUT")
	viper.BindEnv("server.write_timeout", "SERVER_WRITE_TIMEOUT")

	// Database
	viper.BindEnv("database.host", "DB_HOST")
	viper.BindEnv("database.port", "DB_PORT")
	viper.BindEnv("database.user", "DB_USER")
	viper.BindEnv("database.password", "DB_PASSWORD")
	viper.BindEnv("database.dbname", "DB_NAME")

	// Poller
	viper.BindEnv("poller.interval_seconds", "POLLER_INTERVAL_SECONDS")
	viper.BindEnv("poller.fetch_limit", "POLLER_FETCH_LIMIT")
	viper.BindEnv("poller.lock_ttl", "POLLER_LOCK_TTL")
	viper.BindEnv("poller.checkpoint_ttl", "POLLER_CHECKPOINT_TTL")

	// Queue
	viper.BindEnv("queue.workers", "QUEUE_WORKERS")
	viper.BindEnv("queue.max_attempts", "QUEUE_MAX_ATTEMPTS")
	viper.BindEnv("queue.base_backoff", "QUEUE_BASE_BACKOFF")
	viper.BindEnv("queue.poll_interval", "QUEUE_POLL_INTERVAL")
	viper.BindEnv("queue.lease_ttl", "QUEUE_LEASE_TTL")

	// Blob storage
	viper.BindEnv("blob.root_dir", "BLOB_ROOT_DIR")

	// Classifier
	viper.BindEnv("classifier.api_key", "CLASSIFIER_API_KEY")
	viper.BindEnv("classifier.base_url", "CLASSIFIER_BASE_URL")
	viper.BindEnv("classifier.model", "CLASSIFIER_MODEL")
	viper.BindEnv("classifier.timeout", "CLASSIFIER_TIMEOUT")

	// Workflow
	viper.BindEnv("workflow.approval_timeout", "WORKFLOW_APPROVAL_TIMEOUT")
	viper.BindEnv("workflow.side_effect_retries", "WORKFLOW_SIDE_EFFECT_RETRIES")
	viper.BindEnv("workflow.sweep_interval", "WORKFLOW_SWEEP_INTERVAL")

	// Gmail application credentials
	viper.BindEnv("gmail.client_id", "GMAIL_CLIENT_ID")
	viper.BindEnv("gmail.client_secret", "GMAIL_CLIENT_SECRET")
}

// GetDSN returns the database connection string
func (c *DatabaseConfig) GetDSN() string {
	return fmt.Sprintf("%s:%s@tcp(%s:%d)/%s?charset=utf8mb4&parseTime=True&loc=Local",
		c.User, c.Password, c.Host, c.Port, c.DBName)
}

// Validate validates the configuration
func (c *Config) Validate() error {
	if c.Server.Port == "" {
		return fmt.Errorf("server port is required")
	}

	if c.Database.Host == "" || c.Database.User == "" || c.Database.DBName == "" {
		return fmt.Errorf("database host, user, and dbname are required")
	}

	if c.Poller.IntervalSeconds <= 0 {
		return fmt.Errorf("poller interval must be greater than 0")
	}

	if c.Poller.FetchLimit <= 0 {
		return fmt.Errorf("poller fetch limit must be greater than 0")
	}

	if c.Poller.LockTTL <= 0 {
		return fmt.Errorf("poller lock TTL must be greater than 0")
	}

	if c.Queue.Workers <= 0 {
		return fmt.Errorf("queue workers must be greater than 0")
	}

	if c.Queue.MaxAttempts <= 0 {
		return fmt.Errorf("queue max attempts must be greater than 0")
	}

	if c.Queue.LeaseTTL <= 0 {
		return fmt.Errorf("queue lease TTL must be greater than 0")
	}

	if c.Classifier.APIKey == "" {
		return fmt.Errorf("classifier API key is required")
	}

	if c.Workflow.ApprovalTimeout <= 0 {
		return fmt.Errorf("workflow approval timeout must be greater than 0")
	}

	return nil
}
