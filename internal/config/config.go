// Package config binds the process configuration from environment variables.
package config

import (
	"fmt"
	"time"

	"github.com/caarlos0/env/v9"
	"github.com/joho/godotenv"
)

// Config holds every tunable of the service. Values come from the
// environment; a .env file in the working directory is honoured when present.
type Config struct {
	Host  string `env:"HOST" envDefault:"0.0.0.0"`
	Port  int    `env:"PORT" envDefault:"8080"`
	Debug bool   `env:"DEBUG" envDefault:"false"`

	MLServiceURL            string  `env:"ML_SERVICE_URL" envDefault:"http://localhost:8000"`
	MLServiceTimeoutSeconds float64 `env:"ML_SERVICE_TIMEOUT" envDefault:"30"`

	FrameBufferSize      int     `env:"FRAME_BUFFER_SIZE" envDefault:"1000"`
	SlidingWindowSeconds float64 `env:"SLIDING_WINDOW_SECONDS" envDefault:"2"`
	FrameSampleRate      int     `env:"FRAME_SAMPLE_RATE" envDefault:"16"`
	InferenceIntervalMS  int     `env:"INFERENCE_INTERVAL_MS" envDefault:"200"`
	TargetFPS            int     `env:"TARGET_FPS" envDefault:"30"`
	ResizeWidth          int     `env:"RESIZE_WIDTH" envDefault:"640"`
	ResizeHeight         int     `env:"RESIZE_HEIGHT" envDefault:"360"`

	ViolenceThreshold      float64 `env:"VIOLENCE_THRESHOLD" envDefault:"0.50"`
	ViolenceAlertThreshold float64 `env:"VIOLENCE_ALERT_THRESHOLD" envDefault:"0.90"`
	MinConsecutiveFrames   int     `env:"MIN_CONSECUTIVE_FRAMES" envDefault:"2"`
	EndConsecutiveFrames   int     `env:"END_CONSECUTIVE_FRAMES" envDefault:"3"`
	SmoothingWindow        int     `env:"SMOOTHING_WINDOW" envDefault:"3"`
	AlertCooldownSeconds   float64 `env:"ALERT_COOLDOWN_SECONDS" envDefault:"5"`
	MotionVetoEnabled      bool    `env:"MOTION_VETO_ENABLED" envDefault:"false"`

	ClipDurationBefore float64 `env:"CLIP_DURATION_BEFORE" envDefault:"5"`
	ClipDurationAfter  float64 `env:"CLIP_DURATION_AFTER" envDefault:"10"`
	ClipsDir           string  `env:"CLIPS_DIR" envDefault:"./clips"`

	ReconnectDelaySeconds float64 `env:"RECONNECT_DELAY_SECONDS" envDefault:"3"`
	MaxReconnectAttempts  int     `env:"MAX_RECONNECT_ATTEMPTS" envDefault:"-1"`
	ReadTimeoutSeconds    float64 `env:"READ_TIMEOUT_SECONDS" envDefault:"10"`

	DatabaseURL string `env:"DATABASE_URL" envDefault:"./vigil.db"`
	ModelPath   string `env:"MODEL_PATH" envDefault:""`

	TelegramBotToken        string `env:"TELEGRAM_BOT_TOKEN" envDefault:""`
	TelegramChatID          string `env:"TELEGRAM_CHAT_ID" envDefault:""`
	TelegramEnabled         bool   `env:"TELEGRAM_ENABLED" envDefault:"false"`
	TelegramCooldownSeconds int    `env:"TELEGRAM_COOLDOWN_SECONDS" envDefault:"30"`

	LogLevel string `env:"LOG_LEVEL" envDefault:"info"`
	LogFile  string `env:"LOG_FILE" envDefault:""`
}

// Load reads the configuration from the environment. A missing .env file is
// not an error.
func Load() (*Config, error) {
	_ = godotenv.Load()

	cfg := &Config{}
	if err := env.Parse(cfg); err != nil {
		return nil, fmt.Errorf("parse environment: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate rejects configurations the pipeline cannot run with.
func (c *Config) Validate() error {
	if c.Port < 1 || c.Port > 65535 {
		return fmt.Errorf("invalid PORT %d", c.Port)
	}
	if c.TargetFPS < 1 || c.TargetFPS > 120 {
		return fmt.Errorf("invalid TARGET_FPS %d", c.TargetFPS)
	}
	if c.FrameBufferSize < c.FrameSampleRate {
		return fmt.Errorf("FRAME_BUFFER_SIZE %d must hold at least one window of %d frames", c.FrameBufferSize, c.FrameSampleRate)
	}
	if c.FrameSampleRate < 1 {
		return fmt.Errorf("invalid FRAME_SAMPLE_RATE %d", c.FrameSampleRate)
	}
	if c.InferenceIntervalMS < 10 {
		return fmt.Errorf("INFERENCE_INTERVAL_MS %d too small", c.InferenceIntervalMS)
	}
	if c.ViolenceThreshold <= 0 || c.ViolenceThreshold > 1 {
		return fmt.Errorf("VIOLENCE_THRESHOLD %v outside (0,1]", c.ViolenceThreshold)
	}
	if c.ViolenceAlertThreshold < c.ViolenceThreshold || c.ViolenceAlertThreshold > 1 {
		return fmt.Errorf("VIOLENCE_ALERT_THRESHOLD %v must be in [threshold,1]", c.ViolenceAlertThreshold)
	}
	if c.MinConsecutiveFrames < 1 {
		return fmt.Errorf("MIN_CONSECUTIVE_FRAMES %d must be >= 1", c.MinConsecutiveFrames)
	}
	if c.EndConsecutiveFrames < 1 {
		return fmt.Errorf("END_CONSECUTIVE_FRAMES %d must be >= 1", c.EndConsecutiveFrames)
	}
	if c.SmoothingWindow < 1 {
		return fmt.Errorf("SMOOTHING_WINDOW %d must be >= 1", c.SmoothingWindow)
	}
	if c.ResizeWidth < 16 || c.ResizeHeight < 16 {
		return fmt.Errorf("resize %dx%d too small", c.ResizeWidth, c.ResizeHeight)
	}
	if c.ClipDurationBefore < 0 || c.ClipDurationAfter < 0 {
		return fmt.Errorf("clip durations must be >= 0")
	}
	return nil
}

// MLTimeout returns the classifier call timeout.
func (c *Config) MLTimeout() time.Duration {
	return time.Duration(c.MLServiceTimeoutSeconds * float64(time.Second))
}

// InferenceInterval returns the scheduler cadence as a duration.
func (c *Config) InferenceInterval() time.Duration {
	return time.Duration(c.InferenceIntervalMS) * time.Millisecond
}

// ReconnectDelay returns the delay between reconnect attempts.
func (c *Config) ReconnectDelay() time.Duration {
	return time.Duration(c.ReconnectDelaySeconds * float64(time.Second))
}

// ReadTimeout returns the stale-read watchdog timeout.
func (c *Config) ReadTimeout() time.Duration {
	return time.Duration(c.ReadTimeoutSeconds * float64(time.Second))
}

// AlertCooldown returns the post-event refractory period.
func (c *Config) AlertCooldown() time.Duration {
	return time.Duration(c.AlertCooldownSeconds * float64(time.Second))
}

// ClipBefore returns the pre-roll duration.
func (c *Config) ClipBefore() time.Duration {
	return time.Duration(c.ClipDurationBefore * float64(time.Second))
}

// ClipAfter returns the post-roll duration.
func (c *Config) ClipAfter() time.Duration {
	return time.Duration(c.ClipDurationAfter * float64(time.Second))
}

// TelegramCooldown returns the per-stream notification rate limit.
func (c *Config) TelegramCooldown() time.Duration {
	return time.Duration(c.TelegramCooldownSeconds) * time.Second
}

// EndThreshold derives the hysteresis threshold used to close an event.
func EndThreshold(threshold float64) float64 {
	return threshold * 0.8
}

// Addr returns the HTTP listen address.
func (c *Config) Addr() string {
	return fmt.Sprintf("%s:%d", c.Host, c.Port)
}
