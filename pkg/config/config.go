package config

import (
	"fmt"
	"net/url"
	"strings"

	"github.com/spf13/viper"
)

type Config struct {
	Server   ServerConfig   `mapstructure:"server"`
	Gateway  GatewayConfig  `mapstructure:"gateway"`
	Database DatabaseConfig `mapstructure:"database"`
	OpenAI   OpenAIConfig   `mapstructure:"openai"`
	Bot      BotConfig      `mapstructure:"bot"`
	Ingest   IngestConfig   `mapstructure:"ingest"`
}

type ServerConfig struct {
	Addr string `mapstructure:"addr"`
}

type GatewayConfig struct {
	BaseURL  string `mapstructure:"base_url"`
	Username string `mapstructure:"username"`
	Password string `mapstructure:"password"`
	SelfJID  string `mapstructure:"self_jid"`
}

type DatabaseConfig struct {
	Host        string `mapstructure:"host"`
	Port        int    `mapstructure:"port"`
	User        string `mapstructure:"user"`
	Password    string `mapstructure:"password"`
	DBName      string `mapstructure:"dbname"`
	SSLMode     string `mapstructure:"sslmode"`
	UseInMemory bool   `mapstructure:"use_in_memory"`
}

type OpenAIConfig struct {
	APIKey         string `mapstructure:"api_key"`
	Model          string `mapstructure:"model"`
	EmbeddingModel string `mapstructure:"embedding_model"`
	MaxAttempts    int    `mapstructure:"max_attempts"`
}

type BotConfig struct {
	RateLimitMax           int    `mapstructure:"rate_limit_max"`
	RateLimitWindowMinutes int    `mapstructure:"rate_limit_window_minutes"`
	DedupTTLMinutes        int    `mapstructure:"dedup_ttl_minutes"`
	DigestCron             string `mapstructure:"digest_cron"`
	GroupSyncCron          string `mapstructure:"group_sync_cron"`
	IngestCron             string `mapstructure:"ingest_cron"`
}

type IngestConfig struct {
	GapHours float64 `mapstructure:"gap_hours"`
	MinSize  int     `mapstructure:"min_size"`
	MaxSize  int     `mapstructure:"max_size"`
	Overlap  int     `mapstructure:"overlap"`
}

func parseDatabaseURL(dbURL string) (DatabaseConfig, error) {
	u, err := url.Parse(dbURL)
	if err != nil {
		return DatabaseConfig{}, err
	}

	password, _ := u.User.Password()
	port := 5432 // default PostgreSQL port
	if u.Port() != "" {
		fmt.Sscanf(u.Port(), "%d", &port)
	}

	// Remove leading slash from path to get database name
	dbName := strings.TrimPrefix(u.Path, "/")

	return DatabaseConfig{
		Host:     u.Hostname(),
		Port:     port,
		User:     u.User.Username(),
		Password: password,
		DBName:   dbName,
		SSLMode:  "disable",
	}, nil
}

func LoadConfig(path string) (*Config, error) {
	v := viper.New()

	// Set default values
	v.SetDefault("server.addr", ":8080")
	v.SetDefault("database.port", 5432)
	v.SetDefault("database.host", "localhost")
	v.SetDefault("database.user", "postgres")
	v.SetDefault("database.sslmode", "disable")
	v.SetDefault("database.use_in_memory", false)
	v.SetDefault("openai.model", "gpt-4o-mini")
	v.SetDefault("openai.embedding_model", "text-embedding-3-small")
	v.SetDefault("openai.max_attempts", 6)
	v.SetDefault("bot.rate_limit_max", 5)
	v.SetDefault("bot.rate_limit_window_minutes", 10)
	v.SetDefault("bot.dedup_ttl_minutes", 4)
	v.SetDefault("bot.digest_cron", "0 18 * * 5")
	v.SetDefault("bot.group_sync_cron", "@hourly")
	v.SetDefault("bot.ingest_cron", "@every 6h")
	v.SetDefault("ingest.gap_hours", 2.0)
	v.SetDefault("ingest.min_size", 25)
	v.SetDefault("ingest.max_size", 200)
	v.SetDefault("ingest.overlap", 5)

	// Enable environment variable support
	v.AutomaticEnv()

	// Read the config file
	v.SetConfigFile(path)
	if err := v.ReadInConfig(); err != nil {
		return nil, err
	}

	var config Config
	if err := v.Unmarshal(&config); err != nil {
		return nil, err
	}

	// Check for DATABASE_URL environment variable
	if dbURL := v.GetString("DATABASE_URL"); dbURL != "" {
		dbConfig, err := parseDatabaseURL(dbURL)
		if err != nil {
			return nil, fmt.Errorf("failed to parse DATABASE_URL: %v", err)
		}
		config.Database = dbConfig
	}

	// Get other environment variables
	if baseURL := v.GetString("GATEWAY_BASE_URL"); baseURL != "" {
		config.Gateway.BaseURL = baseURL
	}
	if user := v.GetString("GATEWAY_USERNAME"); user != "" {
		config.Gateway.Username = user
	}
	if pass := v.GetString("GATEWAY_PASSWORD"); pass != "" {
		config.Gateway.Password = pass
	}
	if jid := v.GetString("GATEWAY_SELF_JID"); jid != "" {
		config.Gateway.SelfJID = jid
	}
	if apiKey := v.GetString("OPENAI_API_KEY"); apiKey != "" {
		config.OpenAI.APIKey = apiKey
	}

	return &config, nil
}
