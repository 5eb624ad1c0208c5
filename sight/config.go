package sight

import (
	"fmt"
	"os"
	"strconv"
	"time"

	"gopkg.in/yaml.v3"
)

// Config is the unified service configuration loaded from config.yaml
type Config struct {
	Server    ServerConfig    `yaml:"server"`
	Log       LogConfig       `yaml:"log"`
	MQTT      MQTTConfig      `yaml:"mqtt"`
	Geocoder  GeocoderConfig  `yaml:"geocoder"`
	Cache     CacheConfig     `yaml:"cache"`
	Index     IndexConfig     `yaml:"index"`
	Vision    VisionConfig    `yaml:"vision"`
	Stability StabilityConfig `yaml:"stability"`
	Sessions  SessionsConfig  `yaml:"sessions"`
}

type ServerConfig struct {
	Port int `yaml:"port"`
}

type LogConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
}

// MQTTConfig holds broker connection settings; an empty broker disables MQTT
type MQTTConfig struct {
	Broker      string `yaml:"broker"`
	ClientID    string `yaml:"clientId"`
	Username    string `yaml:"username,omitempty"`
	Password    string `yaml:"password,omitempty"`
	TopicPrefix string `yaml:"topicPrefix"`
}

type GeocoderConfig struct {
	BaseURL string        `yaml:"baseUrl"`
	APIKey  string        `yaml:"apiKey,omitempty"`
	Timeout time.Duration `yaml:"timeout"`
	Retries int           `yaml:"retries"`
}

// CacheConfig enables the Redis geocode cache when RedisAddr is set
type CacheConfig struct {
	RedisAddr string        `yaml:"redisAddr"`
	TTL       time.Duration `yaml:"ttl"`
}

// IndexConfig selects the spatial building index
type IndexConfig struct {
	Driver      string `yaml:"driver"` // memory or postgres
	CatalogPath string `yaml:"catalogPath"`
	DSN         string `yaml:"dsn,omitempty"`
	MaxConns    int    `yaml:"maxConns"`
	MaxIdle     int    `yaml:"maxIdle"`
}

// VisionConfig enables the vision analyzer when APIKey is set
type VisionConfig struct {
	BaseURL string        `yaml:"baseUrl"`
	APIKey  string        `yaml:"apiKey,omitempty"`
	Model   string        `yaml:"model"`
	Timeout time.Duration `yaml:"timeout"`
}

// StabilityConfig tunes the orientation stability detector
type StabilityConfig struct {
	WindowMs           int     `yaml:"windowMs"`
	HeadingTolerance   float64 `yaml:"headingTolerance"`
	RefireHeadingDelta float64 `yaml:"refireHeadingDelta"`
	RefireMoveMeters   float64 `yaml:"refireMoveMeters"`
	RefireDepthDelta   float64 `yaml:"refireDepthDelta"`
}

// Window returns the stability window as a duration
func (s StabilityConfig) Window() time.Duration {
	return time.Duration(s.WindowMs) * time.Millisecond
}

type SessionsConfig struct {
	MaxSessions int           `yaml:"maxSessions"`
	IdleTTL     time.Duration `yaml:"idleTtl"`
}

// Index drivers
const (
	IndexDriverMemory   = "memory"
	IndexDriverPostgres = "postgres"
)

// DefaultConfig returns a configuration that runs with no external services
func DefaultConfig() *Config {
	return &Config{
		Server: ServerConfig{Port: 4040},
		Log:    LogConfig{Level: "info", Format: "json"},
		MQTT:   MQTTConfig{ClientID: "sightline", TopicPrefix: "sightline"},
		Geocoder: GeocoderConfig{
			BaseURL: "https://dapi.kakao.com",
			Timeout: 3 * time.Second,
			Retries: 1,
		},
		Cache: CacheConfig{TTL: 24 * time.Hour},
		Index: IndexConfig{Driver: IndexDriverMemory, MaxConns: 10, MaxIdle: 5},
		Vision: VisionConfig{
			BaseURL: "https://generativelanguage.googleapis.com",
			Model:   "gemini-1.5-flash",
			Timeout: 10 * time.Second,
		},
		Stability: DefaultStabilityConfig(),
		Sessions:  SessionsConfig{MaxSessions: 1000, IdleTTL: 5 * time.Minute},
	}
}

// DefaultStabilityConfig holds the detector thresholds
func DefaultStabilityConfig() StabilityConfig {
	return StabilityConfig{
		WindowMs:           3000,
		HeadingTolerance:   15,
		RefireHeadingDelta: 10,
		RefireMoveMeters:   5,
		RefireDepthDelta:   2,
	}
}

// LoadConfig loads the configuration from a YAML file, applies defaults for
// anything left unset, then applies environment overrides.
func LoadConfig(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, fmt.Errorf("config file not found: %s", path)
		}
		return nil, fmt.Errorf("reading config file: %w", err)
	}
	return ParseConfig(data)
}

// ParseConfig decodes YAML bytes on top of DefaultConfig
func ParseConfig(data []byte) (*Config, error) {
	config := DefaultConfig()
	if err := yaml.Unmarshal(data, config); err != nil {
		return nil, fmt.Errorf("parsing config YAML: %w", err)
	}
	config.ApplyEnv()
	if err := config.Validate(); err != nil {
		return nil, err
	}
	return config, nil
}

// ApplyEnv overrides secrets and endpoints from the environment
func (c *Config) ApplyEnv() {
	envString("MQTT_BROKER", &c.MQTT.Broker)
	envString("MQTT_CLIENT_ID", &c.MQTT.ClientID)
	envString("MQTT_USERNAME", &c.MQTT.Username)
	envString("MQTT_PASSWORD", &c.MQTT.Password)
	envString("MQTT_TOPIC_PREFIX", &c.MQTT.TopicPrefix)
	envString("GEOCODER_API_KEY", &c.Geocoder.APIKey)
	envString("VISION_API_KEY", &c.Vision.APIKey)
	envString("REDIS_ADDR", &c.Cache.RedisAddr)
	envString("LOG_LEVEL", &c.Log.Level)
	if dsn := os.Getenv("DATABASE_URL"); dsn != "" {
		c.Index.DSN = dsn
		c.Index.Driver = IndexDriverPostgres
	}
	if port, err := strconv.Atoi(os.Getenv("HTTP_PORT")); err == nil && port > 0 {
		c.Server.Port = port
	}
}

func envString(key string, dst *string) {
	if v := os.Getenv(key); v != "" {
		*dst = v
	}
}

// Validate checks cross-field requirements
func (c *Config) Validate() error {
	switch c.Index.Driver {
	case IndexDriverMemory:
	case IndexDriverPostgres:
		if c.Index.DSN == "" {
			return fmt.Errorf("index.dsn is required for the postgres driver")
		}
	default:
		return fmt.Errorf("index.driver must be %q or %q, got %q", IndexDriverMemory, IndexDriverPostgres, c.Index.Driver)
	}
	if c.Server.Port <= 0 || c.Server.Port > 65535 {
		return fmt.Errorf("server.port must be between 1 and 65535")
	}
	if c.Stability.WindowMs <= 0 {
		return fmt.Errorf("stability.windowMs must be positive")
	}
	if c.Stability.HeadingTolerance <= 0 || c.Stability.HeadingTolerance > 180 {
		return fmt.Errorf("stability.headingTolerance must be in (0, 180]")
	}
	if c.Sessions.MaxSessions <= 0 {
		return fmt.Errorf("sessions.maxSessions must be positive")
	}
	if c.MQTT.TopicPrefix == "" {
		return fmt.Errorf("mqtt.topicPrefix must not be empty")
	}
	return nil
}

// SaveConfig writes the configuration as YAML
func SaveConfig(path string, config *Config) error {
	data, err := yaml.Marshal(config)
	if err != nil {
		return fmt.Errorf("marshaling config YAML: %w", err)
	}
	if err := os.WriteFile(path, data, 0644); err != nil {
		return fmt.Errorf("writing config file: %w", err)
	}
	return nil
}
