package config

import (
	"fmt"
	"net/url"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/sirupsen/logrus"
	"gopkg.in/yaml.v3"
)

// Config represents the complete application configuration
type Config struct {
	Server         ServerConfig         `yaml:"server"`
	Peerwave       PeerwaveConfig       `yaml:"peerwave"`
	Chat           ChatConfig           `yaml:"chat"`
	Database       DatabaseConfig       `yaml:"database"`
	Logging        LoggingConfig        `yaml:"logging"`
	CircuitBreaker CircuitBreakerConfig `yaml:"circuit_breaker"`
}

type ServerConfig struct {
	Host        string   `yaml:"host"`
	Port        string   `yaml:"port"`
	CorsOrigins []string `yaml:"cors_origins"`
}

type PeerwaveConfig struct {
	Endpoint string `yaml:"endpoint"`
	Model    string `yaml:"model"`
	// Token and TokenFile are both optional; the request is sent without
	// Authorization when neither yields a token.
	Token             string        `yaml:"token"`
	TokenFile         string        `yaml:"token_file"`
	PageURL           string        `yaml:"page_url"`
	RedirectPath      string        `yaml:"redirect_path"`
	Timeout           time.Duration `yaml:"timeout"`
	ChunkSize         int           `yaml:"chunk_size"`
	FlushTrailingLine bool          `yaml:"flush_trailing_line"`
	// Opener is run with the redirect location, e.g. "xdg-open"
	Opener string `yaml:"opener"`
	// RelayFallbackToken lets the relay send the configured token for
	// callers that bring no Authorization header of their own.
	RelayFallbackToken bool `yaml:"relay_fallback_token"`
}

type ChatConfig struct {
	Prompt   string `yaml:"prompt"`
	AutoSend bool   `yaml:"auto_send"`
}

type DatabaseConfig struct {
	EnablePersistence   bool   `yaml:"enable_persistence"`
	URL                 string `yaml:"url"`
	Host                string `yaml:"host"`
	Port                string `yaml:"port"`
	User                string `yaml:"user"`
	Password            string `yaml:"password"`
	Name                string `yaml:"name"`
	SSLMode             string `yaml:"ssl_mode"`
	Workers             int    `yaml:"workers"`
	BufferSize          int    `yaml:"buffer_size"`
	TranscriptCacheSize int    `yaml:"transcript_cache_size"`
}

type LoggingConfig struct {
	Level        string `yaml:"level"`
	Format       string `yaml:"format"`
	ReportCaller bool   `yaml:"report_caller"`
}

type CircuitBreakerConfig struct {
	Enabled          bool          `yaml:"enabled"`
	FailureThreshold uint32        `yaml:"failure_threshold"`
	Timeout          time.Duration `yaml:"timeout"`
	MaxRequests      uint32        `yaml:"max_requests"`
}

// LoadYAML loads configuration from YAML file with environment variable overrides
func LoadYAML(configPath string) (*Config, error) {
	if configPath == "" {
		configPath = "config.yaml"
	}

	config := getDefaultConfig()

	if _, err := os.Stat(configPath); err == nil {
		yamlFile, err := os.ReadFile(configPath)
		if err != nil {
			return nil, fmt.Errorf("failed to read config file: %w", err)
		}

		// Expand environment variables in YAML content
		expandedYAML := os.ExpandEnv(string(yamlFile))

		// Unmarshal over the defaults so a partial file keeps them
		if err := yaml.Unmarshal([]byte(expandedYAML), config); err != nil {
			return nil, fmt.Errorf("failed to parse config file: %w", err)
		}

		logrus.WithField("config_file", configPath).Info("Loaded configuration from YAML file")
	} else {
		logrus.WithField("config_file", configPath).Debug("Config file not found, using defaults and environment variables")
	}

	config = applyEnvironmentOverrides(config)

	if err := validateConfig(config); err != nil {
		return nil, fmt.Errorf("configuration validation failed: %w", err)
	}

	return config, nil
}

// getDefaultConfig returns a configuration with sensible defaults
func getDefaultConfig() *Config {
	return &Config{
		Server: ServerConfig{
			Host:        "0.0.0.0",
			Port:        "8080",
			CorsOrigins: []string{"*"},
		},
		Peerwave: PeerwaveConfig{
			Endpoint:     "https://api.peerwave.ai/api/chat/stream",
			Model:        "fastest",
			RedirectPath: "/",
			Timeout:      5 * time.Minute,
			ChunkSize:    4096,
		},
		Chat: ChatConfig{
			Prompt:   "Hello! Can you tell me a fun fact about cats?",
			AutoSend: true,
		},
		Database: DatabaseConfig{
			EnablePersistence:   false, // transcripts stay in memory unless a database is configured
			Host:                "localhost",
			Port:                "5432",
			User:                "peerwave",
			Name:                "peerwave_chat",
			SSLMode:             "disable",
			Workers:             2,
			BufferSize:          256,
			TranscriptCacheSize: 500,
		},
		Logging: LoggingConfig{
			Level:        "info",
			Format:       "text",
			ReportCaller: false,
		},
		CircuitBreaker: CircuitBreakerConfig{
			Enabled:          true,
			FailureThreshold: 5,
			Timeout:          60 * time.Second,
			MaxRequests:      2,
		},
	}
}

// applyEnvironmentOverrides applies environment variable overrides to config
func applyEnvironmentOverrides(config *Config) *Config {
	// Server overrides
	if val := os.Getenv("HOST"); val != "" {
		config.Server.Host = val
	}
	if val := os.Getenv("PORT"); val != "" {
		config.Server.Port = val
	}
	if val := os.Getenv("CORS_ORIGINS"); val != "" {
		config.Server.CorsOrigins = splitList(val)
	}

	// Peerwave overrides
	if val := os.Getenv("PEERWAVE_ENDPOINT"); val != "" {
		config.Peerwave.Endpoint = val
	}
	if val := os.Getenv("PEERWAVE_MODEL"); val != "" {
		config.Peerwave.Model = val
	}
	if val := os.Getenv("PEERWAVE_TOKEN"); val != "" {
		config.Peerwave.Token = val
	}
	if val := os.Getenv("PEERWAVE_TOKEN_FILE"); val != "" {
		config.Peerwave.TokenFile = val
	}
	if val := os.Getenv("PEERWAVE_PAGE_URL"); val != "" {
		config.Peerwave.PageURL = val
	}
	if val := os.Getenv("PEERWAVE_REDIRECT_PATH"); val != "" {
		config.Peerwave.RedirectPath = val
	}
	if val := os.Getenv("PEERWAVE_TIMEOUT"); val != "" {
		if d, err := time.ParseDuration(val); err == nil {
			config.Peerwave.Timeout = d
		}
	}
	if val := os.Getenv("PEERWAVE_CHUNK_SIZE"); val != "" {
		if i, err := strconv.Atoi(val); err == nil {
			config.Peerwave.ChunkSize = i
		}
	}
	if val := os.Getenv("PEERWAVE_FLUSH_TRAILING_LINE"); val != "" {
		if b, err := strconv.ParseBool(val); err == nil {
			config.Peerwave.FlushTrailingLine = b
		}
	}
	if val := os.Getenv("PEERWAVE_OPENER"); val != "" {
		config.Peerwave.Opener = val
	}
	if val := os.Getenv("PEERWAVE_RELAY_FALLBACK_TOKEN"); val != "" {
		if b, err := strconv.ParseBool(val); err == nil {
			config.Peerwave.RelayFallbackToken = b
		}
	}

	// Chat overrides
	if val := os.Getenv("CHAT_PROMPT"); val != "" {
		config.Chat.Prompt = val
	}
	if val := os.Getenv("CHAT_AUTO_SEND"); val != "" {
		if b, err := strconv.ParseBool(val); err == nil {
			config.Chat.AutoSend = b
		}
	}

	// Database overrides
	if val := os.Getenv("ENABLE_PERSISTENCE"); val != "" {
		if b, err := strconv.ParseBool(val); err == nil {
			config.Database.EnablePersistence = b
		}
	}
	if val := os.Getenv("DATABASE_URL"); val != "" {
		config.Database.URL = val
	}
	if val := os.Getenv("DATABASE_HOST"); val != "" {
		config.Database.Host = val
	}
	if val := os.Getenv("DATABASE_PORT"); val != "" {
		config.Database.Port = val
	}
	if val := os.Getenv("DATABASE_USER"); val != "" {
		config.Database.User = val
	}
	if val := os.Getenv("DATABASE_PASSWORD"); val != "" {
		config.Database.Password = val
	}
	if val := os.Getenv("DATABASE_NAME"); val != "" {
		config.Database.Name = val
	}
	if val := os.Getenv("DATABASE_SSL_MODE"); val != "" {
		config.Database.SSLMode = val
	}
	if val := os.Getenv("DATABASE_WORKERS"); val != "" {
		if i, err := strconv.Atoi(val); err == nil {
			config.Database.Workers = i
		}
	}
	if val := os.Getenv("DATABASE_BUFFER_SIZE"); val != "" {
		if i, err := strconv.Atoi(val); err == nil {
			config.Database.BufferSize = i
		}
	}
	if val := os.Getenv("TRANSCRIPT_CACHE_SIZE"); val != "" {
		if i, err := strconv.Atoi(val); err == nil {
			config.Database.TranscriptCacheSize = i
		}
	}

	// Logging overrides
	if val := os.Getenv("LOG_LEVEL"); val != "" {
		config.Logging.Level = val
	}
	if val := os.Getenv("LOG_FORMAT"); val != "" {
		config.Logging.Format = val
	}
	if val := os.Getenv("LOG_REPORT_CALLER"); val != "" {
		if b, err := strconv.ParseBool(val); err == nil {
			config.Logging.ReportCaller = b
		}
	}

	// Circuit breaker overrides
	if val := os.Getenv("CIRCUIT_BREAKER_ENABLED"); val != "" {
		if b, err := strconv.ParseBool(val); err == nil {
			config.CircuitBreaker.Enabled = b
		}
	}
	if val := os.Getenv("CIRCUIT_BREAKER_FAILURE_THRESHOLD"); val != "" {
		if i, err := strconv.ParseUint(val, 10, 32); err == nil {
			config.CircuitBreaker.FailureThreshold = uint32(i)
		}
	}
	if val := os.Getenv("CIRCUIT_BREAKER_TIMEOUT"); val != "" {
		if d, err := time.ParseDuration(val); err == nil {
			config.CircuitBreaker.Timeout = d
		}
	}
	if val := os.Getenv("CIRCUIT_BREAKER_MAX_REQUESTS"); val != "" {
		if i, err := strconv.ParseUint(val, 10, 32); err == nil {
			config.CircuitBreaker.MaxRequests = uint32(i)
		}
	}

	return config
}

func splitList(val string) []string {
	items := strings.Split(val, ",")
	for i := range items {
		items[i] = strings.TrimSpace(items[i])
	}
	return items
}

// validateConfig validates the configuration and returns errors for invalid values
func validateConfig(config *Config) error {
	var errors []string

	if config.Peerwave.Endpoint == "" {
		errors = append(errors, "PEERWAVE_ENDPOINT is required")
	} else if u, err := url.Parse(config.Peerwave.Endpoint); err != nil || u.Scheme == "" || u.Host == "" {
		errors = append(errors, fmt.Sprintf("PEERWAVE_ENDPOINT must be an absolute URL (current: %q)", config.Peerwave.Endpoint))
	}

	if config.Peerwave.ChunkSize <= 0 {
		errors = append(errors, fmt.Sprintf("PEERWAVE_CHUNK_SIZE must be positive (current: %d)", config.Peerwave.ChunkSize))
	}

	if config.Peerwave.Timeout < 0 {
		errors = append(errors, fmt.Sprintf("PEERWAVE_TIMEOUT must not be negative (current: %s)", config.Peerwave.Timeout))
	}

	if config.Peerwave.PageURL != "" {
		if _, err := url.Parse(config.Peerwave.PageURL); err != nil {
			errors = append(errors, fmt.Sprintf("PEERWAVE_PAGE_URL is not a valid URL: %v", err))
		}
	}

	if strings.TrimSpace(config.Chat.Prompt) == "" {
		errors = append(errors, "CHAT_PROMPT must not be empty")
	}

	if config.Database.EnablePersistence {
		if config.Database.Workers <= 0 {
			errors = append(errors, fmt.Sprintf("DATABASE_WORKERS must be positive (current: %d)", config.Database.Workers))
		}
		if config.Database.BufferSize <= 0 {
			errors = append(errors, fmt.Sprintf("DATABASE_BUFFER_SIZE must be positive (current: %d)", config.Database.BufferSize))
		}
	}

	if config.CircuitBreaker.Enabled && config.CircuitBreaker.FailureThreshold == 0 {
		errors = append(errors, "CIRCUIT_BREAKER_FAILURE_THRESHOLD must be at least 1")
	}

	switch strings.ToLower(config.Logging.Format) {
	case "", "text", "json":
	default:
		errors = append(errors, fmt.Sprintf("LOG_FORMAT must be text or json (current: %s)", config.Logging.Format))
	}

	if config.Peerwave.RelayFallbackToken && len(config.Server.CorsOrigins) == 1 && config.Server.CorsOrigins[0] == "*" {
		logrus.Warn("PEERWAVE_RELAY_FALLBACK_TOKEN with CORS_ORIGINS=* lets any site spend the configured token")
	}

	if config.Peerwave.Token != "" && config.Peerwave.TokenFile != "" {
		logrus.Warn("Both PEERWAVE_TOKEN and PEERWAVE_TOKEN_FILE are set - the static token wins")
	}

	if len(errors) > 0 {
		return fmt.Errorf("configuration validation errors: %s", strings.Join(errors, "; "))
	}

	return nil
}

// GetDatabaseDSN constructs the database connection string
func (c *Config) GetDatabaseDSN() string {
	if c.Database.URL != "" {
		return c.Database.URL
	}

	return fmt.Sprintf("host=%s port=%s user=%s password=%s dbname=%s sslmode=%s",
		c.Database.Host,
		c.Database.Port,
		c.Database.User,
		c.Database.Password,
		c.Database.Name,
		c.Database.SSLMode,
	)
}

// Address returns the host:port the relay listens on
func (c *Config) Address() string {
	return c.Server.Host + ":" + c.Server.Port
}

// Load reads config.yaml from the working directory
func Load() (*Config, error) {
	return LoadYAML("")
}
