package config

import (
	"os"
	"path/filepath"
	"time"

	"gopkg.in/yaml.v3"
)

type Config struct {
	Server struct {
		Address       string `yaml:"address"`
		AdminToken    string `yaml:"admin_token"`
		HealthPort    int    `yaml:"health_port"`
		MetricsPort   int    `yaml:"metrics_port"`
		MetricsEnable bool   `yaml:"metrics_enabled"`
	} `yaml:"server"`

	Database struct {
		Path string `yaml:"path"`
	} `yaml:"database"`

	Backup struct {
		Enabled       bool   `yaml:"enabled"`
		IntervalHours int    `yaml:"interval_hours"`
		Path          string `yaml:"path"`
		RetentionDays int    `yaml:"retention_days"`
	} `yaml:"backup"`

	Redis struct {
		Address    string `yaml:"address"`
		Password   string `yaml:"password"`
		DB         int    `yaml:"db"`
		TTLMinutes int    `yaml:"ttl_minutes"`
	} `yaml:"redis"`

	LLM struct {
		BaseURL     string  `yaml:"base_url"`
		APIKey      string  `yaml:"api_key"`
		Model       string  `yaml:"model"`
		Temperature float64 `yaml:"temperature"`
		MaxTokens   int     `yaml:"max_tokens"`
	} `yaml:"llm"`

	WhatsApp struct {
		BaseURL     string `yaml:"base_url"`
		Instance    string `yaml:"instance"`
		APIKey      string `yaml:"api_key"`
		TypingDelay int    `yaml:"typing_delay_ms"`
		SendRate    int    `yaml:"send_rate_per_minute"`
	} `yaml:"whatsapp"`

	Calendar struct {
		Enabled         bool   `yaml:"enabled"`
		CredentialsFile string `yaml:"credentials_file"`
		CalendarID      string `yaml:"calendar_id"`
		TimeZone        string `yaml:"time_zone"`
	} `yaml:"calendar"`

	Sweeper struct {
		IntervalMinutes  int `yaml:"interval_minutes"`
		IdleAfterMinutes int `yaml:"idle_after_minutes"`
	} `yaml:"sweeper"`

	Pause struct {
		HandoffHours int `yaml:"handoff_hours"`
	} `yaml:"pause"`

	Reminders struct {
		Enabled              bool `yaml:"enabled"`
		CheckIntervalMinutes int  `yaml:"check_interval_minutes"`
		SendAfterHour        int  `yaml:"send_after_hour"`
	} `yaml:"reminders"`

	Clinic struct {
		Path                 string `yaml:"path"`
		WatchIntervalSeconds int    `yaml:"watch_interval_seconds"`
	} `yaml:"clinic"`
}

func Load(path string) (*Config, error) {
	if path == "" {
		path = "configs/config.yaml"
	}

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}

	// Support ${ENV_VAR} placeholders in YAML config.
	data = []byte(os.ExpandEnv(string(data)))

	var cfg Config
	if err = yaml.Unmarshal(data, &cfg); err != nil {
		return nil, err
	}

	if cfg.Database.Path == "" {
		cfg.Database.Path = "data/clinic.db"
	}
	if cfg.Clinic.Path == "" {
		cfg.Clinic.Path = "configs/clinic.yaml"
	}
	if cfg.Server.Address == "" {
		cfg.Server.Address = ":8080"
	}

	if err = os.MkdirAll(filepath.Dir(cfg.Database.Path), 0o755); err != nil {
		return nil, err
	}

	return &cfg, nil
}

func (c *Config) SweepInterval() time.Duration {
	if c.Sweeper.IntervalMinutes <= 0 {
		return 20 * time.Minute
	}
	return time.Duration(c.Sweeper.IntervalMinutes) * time.Minute
}

func (c *Config) IdleThreshold() time.Duration {
	if c.Sweeper.IdleAfterMinutes <= 0 {
		return time.Hour
	}
	return time.Duration(c.Sweeper.IdleAfterMinutes) * time.Minute
}

func (c *Config) HandoffPause() time.Duration {
	if c.Pause.HandoffHours <= 0 {
		return 2 * time.Hour
	}
	return time.Duration(c.Pause.HandoffHours) * time.Hour
}

func (c *Config) ReminderCheckInterval() time.Duration {
	if c.Reminders.CheckIntervalMinutes <= 0 {
		return 15 * time.Minute
	}
	return time.Duration(c.Reminders.CheckIntervalMinutes) * time.Minute
}

func (c *Config) SessionTTL() time.Duration {
	if c.Redis.TTLMinutes <= 0 {
		return 24 * time.Hour
	}
	return time.Duration(c.Redis.TTLMinutes) * time.Minute
}

func (c *Config) ClinicWatchInterval() time.Duration {
	if c.Clinic.WatchIntervalSeconds <= 0 {
		return 30 * time.Second
	}
	return time.Duration(c.Clinic.WatchIntervalSeconds) * time.Second
}
