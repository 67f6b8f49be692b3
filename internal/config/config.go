package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"
)

// Config holds every runtime parameter of the streamvault service. Values
// come from the environment (a .env file is honored if present); a YAML file
// passed with --config overlays the environment.
type Config struct {
	// Telegram application credentials
	APIID   int    `yaml:"api_id"`
	APIHash string `yaml:"api_hash"`
	// Bot token used for authorization
	BotToken string `yaml:"bot_token"`
	// Path for the persisted MTProto session
	SessionFile string `yaml:"session_file"`

	// HTTP server
	ListenAddr string `yaml:"listen_addr"`
	PublicURL  string `yaml:"public_url"`

	// Log channel the bot indexes into; access hash is required to
	// address the channel directly as a bot
	LogChannelID   int64 `yaml:"log_channel_id"`
	LogChannelHash int64 `yaml:"log_channel_hash"`

	// Catalog store
	MongoURL string `yaml:"mongo_url"`
	MongoDB  string `yaml:"mongo_db"`

	// Per-RPC timeout for get-file calls
	GetFileTimeout time.Duration `yaml:"getfile_timeout"`
	// Flood waits at or below this threshold are slept through in place
	SleepThreshold time.Duration `yaml:"sleep_threshold"`
	// Home-DC sessions created eagerly at startup
	PoolWarm int `yaml:"pool_warm"`

	// Upload limits enforced by the bot surface
	MaxFileSizeMB int `yaml:"max_file_size_mb"`

	Debug bool `yaml:"debug"`
}

// Load reads configuration from the environment, then overlays the optional
// YAML file at path (empty path skips the overlay), then validates.
func Load(path string) (*Config, error) {
	_ = godotenv.Load() // .env is optional

	cfg := &Config{
		APIID:          getEnvInt("API_ID", 0),
		APIHash:        getEnv("API_HASH", ""),
		BotToken:       getEnv("BOT_TOKEN", ""),
		SessionFile:    getEnv("SESSION_FILE", "streamvault.session.json"),
		ListenAddr:     getEnv("LISTEN_ADDR", "0.0.0.0:7860"),
		PublicURL:      strings.TrimRight(getEnv("URL", "http://localhost:7860"), "/"),
		LogChannelID:   getEnvInt64("LOG_CHANNEL_ID", 0),
		LogChannelHash: getEnvInt64("LOG_CHANNEL_HASH", 0),
		MongoURL:       getEnv("MONGO_URL", "mongodb://localhost:27017"),
		MongoDB:        getEnv("MONGO_DB_NAME", "streamvault"),
		GetFileTimeout: getEnvDuration("TG_GETFILE_TIMEOUT", 60*time.Second),
		SleepThreshold: getEnvDuration("TG_SLEEP_THRESHOLD", 30*time.Second),
		PoolWarm:       getEnvInt("POOL_WARM", 2),
		MaxFileSizeMB:  getEnvInt("MAX_FILE_SIZE_MB", 500),
		Debug:          getEnvBool("DEBUG", false),
	}

	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("error reading config file: %v", err)
		}
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("error parsing config file: %v", err)
		}
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func (c *Config) Validate() error {
	if c.APIID == 0 || c.APIHash == "" || c.BotToken == "" {
		return fmt.Errorf("API_ID, API_HASH and BOT_TOKEN are required")
	}
	if c.ListenAddr == "" {
		return fmt.Errorf("LISTEN_ADDR must not be empty")
	}
	if c.GetFileTimeout <= 0 {
		return fmt.Errorf("TG_GETFILE_TIMEOUT must be positive")
	}
	if c.PoolWarm < 0 {
		return fmt.Errorf("POOL_WARM must not be negative")
	}
	return nil
}

func getEnv(key, fallback string) string {
	if v, ok := os.LookupEnv(key); ok && strings.TrimSpace(v) != "" {
		return strings.TrimSpace(v)
	}
	return fallback
}

func getEnvInt(key string, fallback int) int {
	v, ok := os.LookupEnv(key)
	if !ok {
		return fallback
	}
	n, err := strconv.Atoi(strings.TrimSpace(v))
	if err != nil {
		return fallback
	}
	return n
}

func getEnvInt64(key string, fallback int64) int64 {
	v, ok := os.LookupEnv(key)
	if !ok {
		return fallback
	}
	n, err := strconv.ParseInt(strings.TrimSpace(v), 10, 64)
	if err != nil {
		return fallback
	}
	return n
}

func getEnvBool(key string, fallback bool) bool {
	v, ok := os.LookupEnv(key)
	if !ok {
		return fallback
	}
	b, err := strconv.ParseBool(strings.TrimSpace(v))
	if err != nil {
		return fallback
	}
	return b
}

// getEnvDuration accepts Go duration strings as well as bare second counts.
func getEnvDuration(key string, fallback time.Duration) time.Duration {
	v, ok := os.LookupEnv(key)
	if !ok {
		return fallback
	}
	v = strings.TrimSpace(v)
	if secs, err := strconv.Atoi(v); err == nil {
		return time.Duration(secs) * time.Second
	}
	if d, err := time.ParseDuration(v); err == nil {
		return d
	}
	return fallback
}
