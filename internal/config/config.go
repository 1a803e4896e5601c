package config

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"

	"github.com/t77yq/hazard-announcer/internal/filter"
	"github.com/t77yq/hazard-announcer/internal/model"
)

const envPrefix = "HAZARD"

// Storage drivers
const (
	StorageMemory    = "memory"
	StorageSQLite    = "sqlite"
	StorageJetStream = "jetstream"
)

var ErrInvalidConfig = errors.New("invalid config")

type Config struct {
	App struct {
		Name        string `mapstructure:"name"`
		Env         string `mapstructure:"env"`
		Location    string `mapstructure:"location"`
		MetricsAddr string `mapstructure:"metrics_addr"`
	} `mapstructure:"app"`

	NATS struct {
		Enabled        bool          `mapstructure:"enabled"`
		URLs           []string      `mapstructure:"urls"`
		MaxReconnects  int           `mapstructure:"max_reconnects"`
		ReconnectWait  time.Duration `mapstructure:"reconnect_wait"`
		ConnectTimeout time.Duration `mapstructure:"connect_timeout"`
	} `mapstructure:"nats"`

	Storage struct {
		Driver string `mapstructure:"driver"`
		Path   string `mapstructure:"path"`
		Bucket string `mapstructure:"bucket"`
	} `mapstructure:"storage"`

	Sources struct {
		FetchTimeout time.Duration `mapstructure:"fetch_timeout"`
		HTTP         []HTTPSource  `mapstructure:"http"`
		Risk         HTTPSource    `mapstructure:"risk"`
		Inbox        struct {
			Enabled  bool   `mapstructure:"enabled"`
			Subject  string `mapstructure:"subject"`
			Capacity int    `mapstructure:"capacity"`
		} `mapstructure:"inbox"`
	} `mapstructure:"sources"`

	Voice struct {
		Command  string        `mapstructure:"command"`
		Args     []string      `mapstructure:"args"`
		Duration time.Duration `mapstructure:"duration"`
	} `mapstructure:"voice"`

	Notifiers struct {
		Desktop bool `mapstructure:"desktop"`
		Toast   bool `mapstructure:"toast"`
		Tone    bool `mapstructure:"tone"`
	} `mapstructure:"notifiers"`

	Settings struct {
		Enabled                 bool   `mapstructure:"enabled"`
		MinSeverity             string `mapstructure:"min_severity"`
		PollIntervalMs          int64  `mapstructure:"poll_interval_ms"`
		MaxAnnouncementsPerHour int    `mapstructure:"max_announcements_per_hour"`
	} `mapstructure:"settings"`

	Criteria struct {
		HeatTemperatureC float64 `mapstructure:"heat_temperature_c"`
		AirQualityAQI    float64 `mapstructure:"air_quality_aqi"`
		RiskConfidence   float64 `mapstructure:"risk_confidence"`
	} `mapstructure:"criteria"`
}

// HTTPSource configures one polled JSON endpoint
type HTTPSource struct {
	Name     string            `mapstructure:"name"`
	URL      string            `mapstructure:"url"`
	Headers  map[string]string `mapstructure:"headers"`
	Attempts int               `mapstructure:"attempts"`
}

// Load reads config.yaml from path. A missing file is not an error; defaults
// and HAZARD_* environment variables apply either way.
func Load(path string) (*Config, error) {
	v := viper.New()
	v.SetConfigName("config")
	v.SetConfigType("yaml")
	v.AddConfigPath(path)
	v.SetEnvPrefix(envPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()
	setDefaults(v)

	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if !errors.As(err, &notFound) {
			return nil, fmt.Errorf("failed to read config file: %w", err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("unable to decode config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("app.name", "hazard-announcer")
	v.SetDefault("app.env", "development")
	v.SetDefault("app.location", "")
	v.SetDefault("app.metrics_addr", ":9090")

	v.SetDefault("nats.enabled", false)
	v.SetDefault("nats.urls", []string{"nats://localhost:4222"})
	v.SetDefault("nats.max_reconnects", 10)
	v.SetDefault("nats.reconnect_wait", 2*time.Second)
	v.SetDefault("nats.connect_timeout", 5*time.Second)

	v.SetDefault("storage.driver", StorageSQLite)
	v.SetDefault("storage.path", "hazard_state.db")
	v.SetDefault("storage.bucket", "HAZARD_STATE")

	v.SetDefault("sources.fetch_timeout", 20*time.Second)
	v.SetDefault("sources.risk.name", "risk-model")
	v.SetDefault("sources.risk.url", "")
	v.SetDefault("sources.risk.attempts", 3)
	v.SetDefault("sources.inbox.enabled", false)
	v.SetDefault("sources.inbox.subject", "hazard.events.>")
	v.SetDefault("sources.inbox.capacity", 256)

	v.SetDefault("voice.command", "")
	v.SetDefault("voice.duration", 5*time.Second)

	v.SetDefault("notifiers.desktop", false)
	v.SetDefault("notifiers.toast", false)
	v.SetDefault("notifiers.tone", false)

	defaults := model.DefaultSettings()
	v.SetDefault("settings.enabled", defaults.Enabled)
	v.SetDefault("settings.min_severity", defaults.MinSeverity.String())
	v.SetDefault("settings.poll_interval_ms", defaults.PollIntervalMs)
	v.SetDefault("settings.max_announcements_per_hour", defaults.MaxAnnouncementsPerHour)

	criteria := filter.DefaultCriteria()
	v.SetDefault("criteria.heat_temperature_c", criteria.HeatTemperatureC)
	v.SetDefault("criteria.air_quality_aqi", criteria.AirQualityAQI)
	v.SetDefault("criteria.risk_confidence", criteria.RiskConfidence)
}

// Validate checks values Load cannot type-check
func (c *Config) Validate() error {
	switch c.Storage.Driver {
	case StorageMemory, StorageSQLite:
	case StorageJetStream:
		if !c.NATS.Enabled {
			return fmt.Errorf("%w: storage driver %q needs nats.enabled", ErrInvalidConfig, c.Storage.Driver)
		}
	default:
		return fmt.Errorf("%w: unknown storage driver %q", ErrInvalidConfig, c.Storage.Driver)
	}
	if (c.Notifiers.Toast || c.Sources.Inbox.Enabled) && !c.NATS.Enabled {
		return fmt.Errorf("%w: toast notifier and inbox source need nats.enabled", ErrInvalidConfig)
	}
	for i, s := range c.Sources.HTTP {
		if s.URL == "" {
			return fmt.Errorf("%w: sources.http[%d] has no url", ErrInvalidConfig, i)
		}
	}
	if _, err := c.DefaultSettings(); err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidConfig, err)
	}
	return nil
}

// DefaultSettings returns the configured factory settings
func (c *Config) DefaultSettings() (model.Settings, error) {
	st := model.DefaultSettings()
	sev, err := model.ParseSeverity(c.Settings.MinSeverity)
	if err != nil {
		return st, err
	}
	st.Enabled = c.Settings.Enabled
	st.MinSeverity = sev
	st.PollIntervalMs = c.Settings.PollIntervalMs
	st.MaxAnnouncementsPerHour = c.Settings.MaxAnnouncementsPerHour
	st.Desktop = c.Notifiers.Desktop
	st.Toast = c.Notifiers.Toast
	st.Sound = c.Notifiers.Tone
	return st, st.Validate()
}

// FilterCriteria returns the criticality thresholds
func (c *Config) FilterCriteria() filter.Criteria {
	criteria := filter.DefaultCriteria()
	criteria.HeatTemperatureC = c.Criteria.HeatTemperatureC
	criteria.AirQualityAQI = c.Criteria.AirQualityAQI
	criteria.RiskConfidence = c.Criteria.RiskConfidence
	return criteria
}
