// Package config loads and validates the runtime configuration.
package config

import (
	"fmt"
	"time"

	"github.com/spf13/viper"
)

// CameraConfig describes one capture source
type CameraConfig struct {
	ID            string        `mapstructure:"id"`
	Kind          string        `mapstructure:"kind"` // rtsp, cloud, file
	URL           string        `mapstructure:"url"`
	Interval      time.Duration `mapstructure:"interval"`
	CredentialRef string        `mapstructure:"credential_ref"`
	CaptureRegexp string        `mapstructure:"capture_regexp"`
	QueueDepth    int           `mapstructure:"queue_depth"`
}

// CloudConfig configures the cloud session provider
type CloudConfig struct {
	LoginEndpoint string        `mapstructure:"login_endpoint"`
	Username      string        `mapstructure:"username"`
	Password      string        `mapstructure:"password"`
	SessionTTL    time.Duration `mapstructure:"session_ttl"`
	Timeout       time.Duration `mapstructure:"timeout"`
}

// DetectionConfig configures the inference service client
type DetectionConfig struct {
	Endpoint            string        `mapstructure:"endpoint"`
	ConfidenceThreshold float32       `mapstructure:"confidence_threshold"`
	ClassesFilter       string        `mapstructure:"classes_filter"`
	Timeout             time.Duration `mapstructure:"timeout"`
}

// SchedulerConfig tunes the capture loops
type SchedulerConfig struct {
	DegradedAfter    int           `mapstructure:"degraded_after"`
	UnreachableAfter int           `mapstructure:"unreachable_after"`
	BackoffMin       time.Duration `mapstructure:"backoff_min"`
	BackoffMax       time.Duration `mapstructure:"backoff_max"`
}

// OutputConfig controls where annotated frames land
type OutputConfig struct {
	Dir        string `mapstructure:"dir"`
	FilePrefix string `mapstructure:"file_prefix"`
}

// AlertConfig controls what raises an alert
type AlertConfig struct {
	Labels        []string `mapstructure:"labels"`
	MinConfidence float32  `mapstructure:"min_confidence"`
}

// MQTTConfig configures the alert publisher
type MQTTConfig struct {
	Enabled  bool   `mapstructure:"enabled"`
	Broker   string `mapstructure:"broker"`
	ClientID string `mapstructure:"client_id"`
	Topic    string `mapstructure:"topic"`
	QoS      int    `mapstructure:"qos"`
	Username string `mapstructure:"username"`
	Password string `mapstructure:"password"`
}

// ServerConfig configures the status HTTP server
type ServerConfig struct {
	Enabled bool   `mapstructure:"enabled"`
	Listen  string `mapstructure:"listen"`
}

// Config is the top-level configuration
type Config struct {
	Cameras      []CameraConfig  `mapstructure:"cameras"`
	Cloud        CloudConfig     `mapstructure:"cloud"`
	Detection    DetectionConfig `mapstructure:"detection"`
	Scheduler    SchedulerConfig `mapstructure:"scheduler"`
	QueueDepth   int             `mapstructure:"queue_depth"`
	Output       OutputConfig    `mapstructure:"output"`
	Alerts       AlertConfig     `mapstructure:"alerts"`
	MQTT         MQTTConfig      `mapstructure:"mqtt"`
	Server       ServerConfig    `mapstructure:"server"`
	DatabasePath string          `mapstructure:"database_path"`
	// Retention is how long detection records are kept. Zero keeps
	// them forever.
	Retention time.Duration `mapstructure:"retention"`
}

// Load reads the config file at path (or the default search locations
// when path is empty), applies defaults, and validates the result
func Load(path string) (*Config, error) {
	v := viper.New()
	if path != "" {
		v.SetConfigFile(path)
	} else {
		v.SetConfigName("cambanzo")
		v.SetConfigType("yaml")
		v.AddConfigPath(".")
		v.AddConfigPath("/etc/cambanzo")
	}
	v.SetEnvPrefix("CAMBANZO")
	v.AutomaticEnv()

	setDefaults(v)

	if err := v.ReadInConfig(); err != nil {
		return nil, fmt.Errorf("failed to read config: %w", err)
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("queue_depth", 2)
	v.SetDefault("database_path", "cambanzo.db")
	v.SetDefault("retention", "0")
	v.SetDefault("output.dir", "captures")
	v.SetDefault("detection.confidence_threshold", 0.5)
	v.SetDefault("detection.timeout", "15s")
	v.SetDefault("scheduler.degraded_after", 3)
	v.SetDefault("scheduler.unreachable_after", 10)
	v.SetDefault("scheduler.backoff_min", "1s")
	v.SetDefault("scheduler.backoff_max", "2m")
	v.SetDefault("alerts.min_confidence", 0.7)
	v.SetDefault("mqtt.topic", "cambanzo/alerts")
	v.SetDefault("server.listen", ":8080")
	v.SetDefault("cloud.session_ttl", "10m")
	v.SetDefault("cloud.timeout", "10s")
}

// Validate checks the configuration for fatal mistakes
func (c *Config) Validate() error {
	if len(c.Cameras) == 0 {
		return fmt.Errorf("config: at least one camera is required")
	}
	if c.Detection.Endpoint == "" {
		return fmt.Errorf("config: detection.endpoint is required")
	}

	seen := make(map[string]bool, len(c.Cameras))
	needsCloud := false
	for i, cam := range c.Cameras {
		if cam.ID == "" {
			return fmt.Errorf("config: camera %d has no id", i)
		}
		if seen[cam.ID] {
			return fmt.Errorf("config: duplicate camera id %q", cam.ID)
		}
		seen[cam.ID] = true

		switch cam.Kind {
		case "rtsp", "file":
		case "cloud":
			needsCloud = true
		default:
			return fmt.Errorf("config: camera %q has unknown kind %q", cam.ID, cam.Kind)
		}
		if cam.URL == "" {
			return fmt.Errorf("config: camera %q has no url", cam.ID)
		}
		if cam.Interval <= 0 {
			return fmt.Errorf("config: camera %q needs a positive interval", cam.ID)
		}
	}

	if needsCloud {
		if c.Cloud.LoginEndpoint == "" {
			return fmt.Errorf("config: cloud.login_endpoint is required for cloud cameras")
		}
		if c.Cloud.Username == "" {
			return fmt.Errorf("config: cloud.username is required for cloud cameras")
		}
	}

	if c.MQTT.Enabled && c.MQTT.Broker == "" {
		return fmt.Errorf("config: mqtt.broker is required when mqtt is enabled")
	}
	if c.MQTT.QoS < 0 || c.MQTT.QoS > 2 {
		return fmt.Errorf("config: mqtt.qos must be 0, 1, or 2")
	}
	if c.Retention < 0 {
		return fmt.Errorf("config: retention must not be negative")
	}
	return nil
}
