package config

import (
	"fmt"
	"net/url"
	"os"
	"strconv"
	"time"

	"gopkg.in/yaml.v2"
)

// Credential store backends
const (
	BackendMemory     = "memory"
	BackendRedis      = "redis"
	BackendKubernetes = "kubernetes"
)

// Config holds the campadmin configuration
type Config struct {
	API         APIConfig         `yaml:"api"`
	Coordinator CoordinatorConfig `yaml:"coordinator"`
	Session     SessionConfig     `yaml:"session"`
	Credentials CredentialsConfig `yaml:"credentials"`
	Metrics     EndpointConfig    `yaml:"metrics"`
	HealthProbe EndpointConfig    `yaml:"healthProbe"`
}

// APIConfig holds the admin API endpoint configuration
type APIConfig struct {
	BaseURL     string        `yaml:"baseURL"`
	Timeout     time.Duration `yaml:"timeout"`
	LoginPath   string        `yaml:"loginPath"`
	RefreshPath string        `yaml:"refreshPath"`
}

// CoordinatorConfig holds request coordination settings
type CoordinatorConfig struct {
	// Concurrency bounds the number of running requests. Zero means unbounded.
	Concurrency int `yaml:"concurrency"`
}

// SessionConfig holds session refresh settings
type SessionConfig struct {
	ExpiryLeeway  time.Duration `yaml:"expiryLeeway"`
	CheckInterval time.Duration `yaml:"checkInterval"`
	RefreshBuffer time.Duration `yaml:"refreshBuffer"`
}

// CredentialsConfig selects where session credentials are persisted
type CredentialsConfig struct {
	Backend    string           `yaml:"backend"`
	Redis      RedisConfig      `yaml:"redis"`
	Kubernetes KubernetesConfig `yaml:"kubernetes"`
}

// RedisConfig holds Redis credential store settings
type RedisConfig struct {
	URL       string        `yaml:"url"`
	KeyPrefix string        `yaml:"keyPrefix"`
	TTL       time.Duration `yaml:"ttl"`
}

// KubernetesConfig locates the Secret holding session credentials
type KubernetesConfig struct {
	Namespace  string `yaml:"namespace"`
	SecretName string `yaml:"secretName"`
}

// EndpointConfig holds a listen address
type EndpointConfig struct {
	Address string `yaml:"address"`
}

// LoadConfig loads configuration from file and environment variables
func LoadConfig(configPath string) (*Config, error) {
	cfg := &Config{
		API: APIConfig{
			Timeout:     30 * time.Second,
			LoginPath:   "/auth/login",
			RefreshPath: "/refresh-token",
		},
		Coordinator: CoordinatorConfig{
			Concurrency: 6,
		},
		Session: SessionConfig{
			ExpiryLeeway:  30 * time.Second,
			CheckInterval: time.Minute,
			RefreshBuffer: 2 * time.Minute,
		},
		Credentials: CredentialsConfig{
			Backend: BackendMemory,
			Redis: RedisConfig{
				KeyPrefix: "campadmin:session:",
			},
			Kubernetes: KubernetesConfig{
				Namespace:  "campadmin",
				SecretName: "campadmin-session",
			},
		},
		Metrics: EndpointConfig{
			Address: ":8080",
		},
		HealthProbe: EndpointConfig{
			Address: ":8081",
		},
	}

	// Load from file if it exists
	if _, err := os.Stat(configPath); err == nil {
		data, err := os.ReadFile(configPath)
		if err != nil {
			return nil, fmt.Errorf("failed to read config file: %w", err)
		}

		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("failed to unmarshal config: %w", err)
		}
	}

	// Override with environment variables
	if baseURL := os.Getenv("ADMIN_API_BASE_URL"); baseURL != "" {
		cfg.API.BaseURL = baseURL
	}

	if concurrency := os.Getenv("COORDINATOR_CONCURRENCY"); concurrency != "" {
		n, err := strconv.Atoi(concurrency)
		if err != nil {
			return nil, fmt.Errorf("invalid COORDINATOR_CONCURRENCY: %w", err)
		}
		cfg.Coordinator.Concurrency = n
	}

	if backend := os.Getenv("CREDENTIALS_BACKEND"); backend != "" {
		cfg.Credentials.Backend = backend
	}

	if redisURL := os.Getenv("REDIS_URL"); redisURL != "" {
		cfg.Credentials.Redis.URL = redisURL
	}

	if namespace := os.Getenv("POD_NAMESPACE"); namespace != "" {
		cfg.Credentials.Kubernetes.Namespace = namespace
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	return cfg, nil
}

// Validate checks required fields and backend-specific settings
func (c *Config) Validate() error {
	if c.API.BaseURL == "" {
		return fmt.Errorf("admin API base URL is required")
	}
	u, err := url.Parse(c.API.BaseURL)
	if err != nil || u.Scheme == "" || u.Host == "" {
		return fmt.Errorf("invalid admin API base URL %q", c.API.BaseURL)
	}

	if c.Coordinator.Concurrency < 0 {
		return fmt.Errorf("coordinator concurrency must not be negative, got %d", c.Coordinator.Concurrency)
	}

	switch c.Credentials.Backend {
	case BackendMemory:
	case BackendRedis:
		if c.Credentials.Redis.URL == "" {
			return fmt.Errorf("Redis URL is required for the redis credentials backend")
		}
	case BackendKubernetes:
		if c.Credentials.Kubernetes.Namespace == "" || c.Credentials.Kubernetes.SecretName == "" {
			return fmt.Errorf("secret namespace and name are required for the kubernetes credentials backend")
		}
	default:
		return fmt.Errorf("unknown credentials backend %q", c.Credentials.Backend)
	}

	return nil
}
