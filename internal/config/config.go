package config

import (
	"fmt"
	"time"

	"github.com/caarlos0/env/v11"
	"github.com/joho/godotenv"
)

// Config application configuration
type Config struct {
	// Mi account
	MiUser   string `env:"MI_USER,required"`
	MiPass   string `env:"MI_PASS,required"`
	MiDID    string `env:"MI_DID"` // target speaker id, name or alias
	MiRegion string `env:"MI_REGION" envDefault:"cn"`

	// Polling
	Heartbeat    time.Duration `env:"HEARTBEAT" envDefault:"1s"`
	PollPageSize int           `env:"POLL_PAGE_SIZE" envDefault:"10"`
	PollMaxPages int           `env:"POLL_MAX_PAGES" envDefault:"3"`

	// Playback
	KeepAlive bool   `env:"KEEP_ALIVE" envDefault:"false"`
	TTSURL    string `env:"TTS_URL"` // external TTS endpoint prefix, optional

	// Answering
	AnswerURL string   `env:"ANSWER_URL"` // external answering service endpoint
	OnAsking  []string `env:"ON_ASKING" envSeparator:"|" envDefault:"让我想想|请稍等"`
	OnError   []string `env:"ON_ERROR" envSeparator:"|" envDefault:"啊哦，出错了，稍后再试吧！"`

	// Database
	DatabasePath string `env:"DATABASE_PATH" envDefault:"./data/mispeaker.db"`

	// Telegram notifications (optional)
	TelegramToken  string `env:"TELEGRAM_BOT_TOKEN"`
	TelegramChatID int64  `env:"TELEGRAM_CHAT_ID"`

	// Logging
	LogLevel  string `env:"LOG_LEVEL" envDefault:"info"`
	LogFormat string `env:"LOG_FORMAT" envDefault:"text"` // "json" or "text"
}

// TelegramEnabled returns true if the Telegram notifier is configured
func (c *Config) TelegramEnabled() bool {
	return c.TelegramToken != "" && c.TelegramChatID != 0
}

// Load loads configuration from environment variables
func Load() (*Config, error) {
	// Load .env file if exists (ignore error if not found)
	_ = godotenv.Load()

	cfg := &Config{}
	if err := env.Parse(cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config: %w", err)
	}

	if cfg.Heartbeat < 100*time.Millisecond {
		return nil, fmt.Errorf("HEARTBEAT must be at least 100ms, got %s", cfg.Heartbeat)
	}
	if cfg.PollPageSize < 2 {
		return nil, fmt.Errorf("POLL_PAGE_SIZE must be at least 2, got %d", cfg.PollPageSize)
	}

	return cfg, nil
}
