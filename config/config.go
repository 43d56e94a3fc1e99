package config

import (
	"errors"
	"fmt"
	"time"

	"github.com/spf13/viper"
)

// Config holds all the configuration for the application
type Config struct {
	BotToken       string        `mapstructure:"bot_token"`
	OpenAIAPIKey   string        `mapstructure:"openai_api_key"`
	DeepseekAPIKey string        `mapstructure:"deepseek_api_key"`
	APIBaseURL     string        `mapstructure:"api_base_url"`
	Model          string        `mapstructure:"model"`
	Temperature    float32       `mapstructure:"temperature"`
	MaxTokens      int           `mapstructure:"max_tokens"`
	TopP           float32       `mapstructure:"top_p"`
	APITimeout     time.Duration `mapstructure:"api_timeout"`
	DatabasePath   string        `mapstructure:"db_path"`
	RequireAck     bool          `mapstructure:"require_ack"`
	SessionWindow  time.Duration `mapstructure:"session_window"`
	HTTPAddr       string        `mapstructure:"http_addr"`
	LogMode        string        `mapstructure:"log_mode"`
	Debug          bool          `mapstructure:"debug"`
}

// Load reads the configuration from environment variables, optionally layered
// over a YAML file. Environment variables win.
func Load(configFile string) (*Config, error) {
	v := viper.New()

	v.SetDefault("bot_token", "")
	v.SetDefault("openai_api_key", "")
	v.SetDefault("deepseek_api_key", "")
	v.SetDefault("api_base_url", "")
	v.SetDefault("model", "gpt-4")
	v.SetDefault("temperature", 0.7)
	v.SetDefault("max_tokens", 1500)
	v.SetDefault("top_p", 1.0)
	v.SetDefault("api_timeout", "60s")
	v.SetDefault("db_path", "./data/tutor.db")
	v.SetDefault("require_ack", true)
	v.SetDefault("session_window", "30m")
	v.SetDefault("http_addr", ":8080")
	v.SetDefault("log_mode", "dev")
	v.SetDefault("debug", false)

	v.AutomaticEnv()

	if configFile != "" {
		v.SetConfigFile(configFile)
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("failed to read config: %w", err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}

	if cfg.OpenAIAPIKey == "" {
		cfg.OpenAIAPIKey = cfg.DeepseekAPIKey
	}
	if cfg.OpenAIAPIKey == "" {
		return nil, errors.New("OPENAI_API_KEY (or DEEPSEEK_API_KEY) environment variable is required")
	}

	return &cfg, nil
}

// ValidateBot checks the settings only the Telegram bot needs
func (c *Config) ValidateBot() error {
	if c.BotToken == "" {
		return errors.New("BOT_TOKEN environment variable is required")
	}
	return nil
}
