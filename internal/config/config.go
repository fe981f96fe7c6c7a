package config

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/goodtune/kguard/internal/policy"
	"github.com/spf13/viper"
)

// Config holds the complete application configuration
type Config struct {
	Monitor    MonitorConfig             `mapstructure:"monitor"`
	AgeGroups  map[string]AgeGroupConfig `mapstructure:"age_groups"`
	Classifier ClassifierConfig          `mapstructure:"classifier"`
	Sensor     SensorConfig              `mapstructure:"sensor"`
	Policy     PolicyConfig              `mapstructure:"policy"`
	Storage    StorageConfig             `mapstructure:"storage"`
	Usage      UsageConfig               `mapstructure:"usage"`
	Notify     NotifyConfig              `mapstructure:"notify"`
	Server     ServerConfig              `mapstructure:"server"`
	Logging    LoggingConfig             `mapstructure:"logging"`
}

// MonitorConfig defines detection cadence and acceptance settings
type MonitorConfig struct {
	DetectionInterval   string  `mapstructure:"detection_interval"`
	ConfidenceThreshold float64 `mapstructure:"confidence_threshold"`
	SilenceTimeout      string  `mapstructure:"silence_timeout"`
}

// AgeGroupConfig defines the limit and bedtime for one bracket
type AgeGroupConfig struct {
	LimitMinutes int    `mapstructure:"limit_minutes"`
	Bedtime      string `mapstructure:"bedtime"`
	IsChild      bool   `mapstructure:"is_child"`
}

// ClassifierConfig defines the inference service
type ClassifierConfig struct {
	Endpoint     string   `mapstructure:"endpoint"`
	ClassifyPath string   `mapstructure:"classify_path"`
	HealthPath   string   `mapstructure:"health_path"`
	Timeout      string   `mapstructure:"timeout"`
	Labels       []string `mapstructure:"labels"` // index order of probability vectors
}

// SensorConfig defines where frames come from
type SensorConfig struct {
	Type    string `mapstructure:"type"` // "dir" or "http"
	Dir     string `mapstructure:"dir"`
	URL     string `mapstructure:"url"`
	Timeout string `mapstructure:"timeout"`
}

// PolicyConfig selects the lock rule evaluator
type PolicyConfig struct {
	Engine       string `mapstructure:"engine"`         // "builtin" or "opa"
	OPAPolicyDir string `mapstructure:"opa_policy_dir"` // empty uses the embedded policy
}

// StorageConfig defines storage backend settings
type StorageConfig struct {
	Type           string      `mapstructure:"type"`
	Path           string      `mapstructure:"path"`
	MemoryCapacity int         `mapstructure:"memory_capacity"`
	Redis          RedisConfig `mapstructure:"redis"`
}

// RedisConfig defines redis connection settings
type RedisConfig struct {
	Host         string `mapstructure:"host"`
	Port         int    `mapstructure:"port"`
	Password     string `mapstructure:"password"`
	DB           int    `mapstructure:"db"`
	PoolSize     int    `mapstructure:"pool_size"`
	MinIdleConns int    `mapstructure:"min_idle_conns"`
	DialTimeout  string `mapstructure:"dial_timeout"`
	ReadTimeout  string `mapstructure:"read_timeout"`
	WriteTimeout string `mapstructure:"write_timeout"`
}

// UsageConfig defines daily accounting settings
type UsageConfig struct {
	DailyResetTime string `mapstructure:"daily_reset_time"`
	RetentionDays  int    `mapstructure:"retention_days"`
}

// NotifyConfig defines outbound notification channels
type NotifyConfig struct {
	MQTT MQTTConfig `mapstructure:"mqtt"`
}

// MQTTConfig defines the MQTT publisher
type MQTTConfig struct {
	Enabled     bool   `mapstructure:"enabled"`
	Broker      string `mapstructure:"broker"`
	ClientID    string `mapstructure:"client_id"`
	Username    string `mapstructure:"username"`
	Password    string `mapstructure:"password"`
	TopicPrefix string `mapstructure:"topic_prefix"`
	QoS         int    `mapstructure:"qos"`
}

// ServerConfig defines listener addresses
type ServerConfig struct {
	BindAddress string `mapstructure:"bind_address"`
	MetricsPort int    `mapstructure:"metrics_port"`
}

// LoggingConfig defines logging behavior
type LoggingConfig struct {
	Level  string `mapstructure:"level"`
	Format string `mapstructure:"format"`
}

// Load loads configuration from file and environment variables.
// An empty path uses defaults and environment variables only.
func Load(configPath string) (*Config, error) {
	v := newViper()

	if configPath != "" {
		v.SetConfigFile(configPath)
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("failed to read config file: %w", err)
		}
	}

	var config Config
	if err := v.Unmarshal(&config); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}

	if err := validate(&config); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}

	return &config, nil
}

// Defaults returns the configuration with no file and no environment applied.
func Defaults() *Config {
	v := viper.New()
	setDefaults(v)

	var cfg Config
	_ = v.Unmarshal(&cfg)
	return &cfg
}

// UnknownKeys reports keys present in the file that no setting consumes.
func UnknownKeys(configPath string) ([]string, error) {
	v := viper.New()
	v.SetConfigFile(configPath)
	if err := v.ReadInConfig(); err != nil {
		return nil, err
	}

	known := viper.New()
	setDefaults(known)
	valid := make(map[string]bool)
	for _, key := range known.AllKeys() {
		valid[key] = true
	}
	// Optional keys without defaults
	for _, key := range []string{"classifier.labels", "sensor.url"} {
		valid[key] = true
	}

	var unknown []string
	for _, key := range v.AllKeys() {
		if !valid[key] {
			unknown = append(unknown, key)
		}
	}
	return unknown, nil
}

func newViper() *viper.Viper {
	v := viper.New()
	setDefaults(v)
	v.SetEnvPrefix("KGUARD")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()
	return v
}

// setDefaults sets default configuration values
func setDefaults(v *viper.Viper) {
	// Monitor defaults
	v.SetDefault("monitor.detection_interval", "30s")
	v.SetDefault("monitor.confidence_threshold", 75.0)
	v.SetDefault("monitor.silence_timeout", "5m")

	// Age group defaults
	for _, p := range policy.DefaultTable() {
		prefix := "age_groups." + string(p.AgeGroup) + "."
		v.SetDefault(prefix+"limit_minutes", p.ScreenTimeLimitMinutes)
		v.SetDefault(prefix+"bedtime", p.Bedtime.String())
		v.SetDefault(prefix+"is_child", p.IsChild)
	}

	// Classifier defaults
	v.SetDefault("classifier.endpoint", "http://127.0.0.1:8501")
	v.SetDefault("classifier.classify_path", "/classify")
	v.SetDefault("classifier.health_path", "/health")
	v.SetDefault("classifier.timeout", "10s")

	// Sensor defaults
	v.SetDefault("sensor.type", "dir")
	v.SetDefault("sensor.dir", "/var/lib/kguard/frames")
	v.SetDefault("sensor.timeout", "5s")

	// Policy defaults
	v.SetDefault("policy.engine", "builtin")
	v.SetDefault("policy.opa_policy_dir", "")

	// Storage defaults
	v.SetDefault("storage.type", "memory")
	v.SetDefault("storage.path", "/var/lib/kguard/kguard.db")
	v.SetDefault("storage.memory_capacity", 1000)
	v.SetDefault("storage.redis.host", "localhost")
	v.SetDefault("storage.redis.port", 6379)
	v.SetDefault("storage.redis.password", "")
	v.SetDefault("storage.redis.db", 0)
	v.SetDefault("storage.redis.pool_size", 10)
	v.SetDefault("storage.redis.min_idle_conns", 2)
	v.SetDefault("storage.redis.dial_timeout", "5s")
	v.SetDefault("storage.redis.read_timeout", "3s")
	v.SetDefault("storage.redis.write_timeout", "3s")

	// Usage defaults
	v.SetDefault("usage.daily_reset_time", "00:00")
	v.SetDefault("usage.retention_days", 90)

	// Notify defaults
	v.SetDefault("notify.mqtt.enabled", false)
	v.SetDefault("notify.mqtt.broker", "tcp://localhost:1883")
	v.SetDefault("notify.mqtt.client_id", "kguard")
	v.SetDefault("notify.mqtt.username", "")
	v.SetDefault("notify.mqtt.password", "")
	v.SetDefault("notify.mqtt.topic_prefix", "kguard")
	v.SetDefault("notify.mqtt.qos", 1)

	// Server defaults
	v.SetDefault("server.bind_address", "0.0.0.0")
	v.SetDefault("server.metrics_port", 9090)

	// Logging defaults
	v.SetDefault("logging.level", "info")
	v.SetDefault("logging.format", "json")
}

// validate validates the configuration
func validate(cfg *Config) error {
	for name, value := range map[string]string{
		"monitor.detection_interval": cfg.Monitor.DetectionInterval,
		"monitor.silence_timeout":    cfg.Monitor.SilenceTimeout,
	} {
		d, err := time.ParseDuration(value)
		if err != nil {
			return fmt.Errorf("invalid %s %q: %w", name, value, err)
		}
		if d <= 0 {
			return fmt.Errorf("%s must be positive, got %s", name, value)
		}
	}

	if t := cfg.Monitor.ConfidenceThreshold; t <= 0 || t > 100 {
		return fmt.Errorf("confidence threshold must be within (0, 100], got %v", t)
	}

	if _, err := cfg.PolicyTable(); err != nil {
		return err
	}

	switch cfg.Sensor.Type {
	case "dir":
		if cfg.Sensor.Dir == "" {
			return errors.New("sensor.dir is required for the dir sensor")
		}
	case "http":
		if cfg.Sensor.URL == "" {
			return errors.New("sensor.url is required for the http sensor")
		}
	default:
		return fmt.Errorf("unsupported sensor type: %q", cfg.Sensor.Type)
	}

	if cfg.Classifier.Endpoint == "" {
		return errors.New("classifier.endpoint is required")
	}
	for _, label := range cfg.Classifier.Labels {
		if _, err := policy.ParseAgeGroup(label); err != nil {
			return fmt.Errorf("classifier.labels: %w", err)
		}
	}

	switch cfg.Policy.Engine {
	case "builtin", "opa":
	default:
		return fmt.Errorf("unsupported policy engine: %q", cfg.Policy.Engine)
	}

	switch cfg.Storage.Type {
	case "memory", "redis":
	case "sqlite":
		if cfg.Storage.Path == "" {
			return errors.New("storage.path is required for sqlite storage")
		}
	default:
		return fmt.Errorf("unsupported storage type: %q", cfg.Storage.Type)
	}

	if _, err := policy.ParseClockTime(cfg.Usage.DailyResetTime); err != nil {
		return fmt.Errorf("usage.daily_reset_time: %w", err)
	}
	if cfg.Usage.RetentionDays < 0 {
		return fmt.Errorf("usage.retention_days must not be negative, got %d", cfg.Usage.RetentionDays)
	}

	if cfg.Notify.MQTT.Enabled {
		if cfg.Notify.MQTT.Broker == "" {
			return errors.New("notify.mqtt.broker is required when MQTT is enabled")
		}
		if cfg.Notify.MQTT.QoS < 0 || cfg.Notify.MQTT.QoS > 2 {
			return fmt.Errorf("invalid MQTT QoS: %d", cfg.Notify.MQTT.QoS)
		}
	}

	if cfg.Server.MetricsPort < 0 || cfg.Server.MetricsPort > 65535 {
		return fmt.Errorf("invalid metrics port: %d", cfg.Server.MetricsPort)
	}

	return nil
}

// PolicyTable converts the age_groups section into a lookup table.
func (c *Config) PolicyTable() (policy.Table, error) {
	table := make(policy.Table, len(c.AgeGroups))
	for name, ag := range c.AgeGroups {
		group, err := policy.ParseAgeGroup(name)
		if err != nil {
			return nil, fmt.Errorf("age_groups: %w", err)
		}
		if ag.LimitMinutes < 0 {
			return nil, fmt.Errorf("age_groups.%s: limit must not be negative, got %d", name, ag.LimitMinutes)
		}
		bedtime, err := policy.ParseClockTime(ag.Bedtime)
		if err != nil {
			return nil, fmt.Errorf("age_groups.%s: %w", name, err)
		}
		table[group] = policy.AgeGroupPolicy{
			AgeGroup:               group,
			ScreenTimeLimitMinutes: ag.LimitMinutes,
			Bedtime:                bedtime,
			IsChild:                ag.IsChild,
		}
	}
	return table, nil
}

// Setting is one flattened key for display.
type Setting struct {
	Key     string
	Value   any
	Default any
}

// Settings flattens the configuration in display order with secrets redacted.
func (c *Config) Settings() []Setting {
	d := Defaults()
	s := []Setting{
		{"monitor.detection_interval", c.Monitor.DetectionInterval, d.Monitor.DetectionInterval},
		{"monitor.confidence_threshold", c.Monitor.ConfidenceThreshold, d.Monitor.ConfidenceThreshold},
		{"monitor.silence_timeout", c.Monitor.SilenceTimeout, d.Monitor.SilenceTimeout},
	}

	for _, g := range policy.AgeGroups {
		cur, ok := c.AgeGroups[string(g)]
		if !ok {
			continue
		}
		def := d.AgeGroups[string(g)]
		prefix := "age_groups." + string(g) + "."
		s = append(s,
			Setting{prefix + "limit_minutes", cur.LimitMinutes, def.LimitMinutes},
			Setting{prefix + "bedtime", cur.Bedtime, def.Bedtime},
			Setting{prefix + "is_child", cur.IsChild, def.IsChild},
		)
	}

	s = append(s,
		Setting{"classifier.endpoint", c.Classifier.Endpoint, d.Classifier.Endpoint},
		Setting{"classifier.classify_path", c.Classifier.ClassifyPath, d.Classifier.ClassifyPath},
		Setting{"classifier.health_path", c.Classifier.HealthPath, d.Classifier.HealthPath},
		Setting{"classifier.timeout", c.Classifier.Timeout, d.Classifier.Timeout},
		Setting{"classifier.labels", c.Classifier.Labels, d.Classifier.Labels},
		Setting{"sensor.type", c.Sensor.Type, d.Sensor.Type},
		Setting{"sensor.dir", c.Sensor.Dir, d.Sensor.Dir},
		Setting{"sensor.url", c.Sensor.URL, d.Sensor.URL},
		Setting{"sensor.timeout", c.Sensor.Timeout, d.Sensor.Timeout},
		Setting{"policy.engine", c.Policy.Engine, d.Policy.Engine},
		Setting{"policy.opa_policy_dir", c.Policy.OPAPolicyDir, d.Policy.OPAPolicyDir},
		Setting{"storage.type", c.Storage.Type, d.Storage.Type},
		Setting{"storage.path", c.Storage.Path, d.Storage.Path},
		Setting{"storage.memory_capacity", c.Storage.MemoryCapacity, d.Storage.MemoryCapacity},
		Setting{"storage.redis.host", c.Storage.Redis.Host, d.Storage.Redis.Host},
		Setting{"storage.redis.port", c.Storage.Redis.Port, d.Storage.Redis.Port},
		Setting{"storage.redis.password", redact(c.Storage.Redis.Password), redact(d.Storage.Redis.Password)},
		Setting{"storage.redis.db", c.Storage.Redis.DB, d.Storage.Redis.DB},
		Setting{"storage.redis.pool_size", c.Storage.Redis.PoolSize, d.Storage.Redis.PoolSize},
		Setting{"storage.redis.min_idle_conns", c.Storage.Redis.MinIdleConns, d.Storage.Redis.MinIdleConns},
		Setting{"storage.redis.dial_timeout", c.Storage.Redis.DialTimeout, d.Storage.Redis.DialTimeout},
		Setting{"storage.redis.read_timeout", c.Storage.Redis.ReadTimeout, d.Storage.Redis.ReadTimeout},
		Setting{"storage.redis.write_timeout", c.Storage.Redis.WriteTimeout, d.Storage.Redis.WriteTimeout},
		Setting{"usage.daily_reset_time", c.Usage.DailyResetTime, d.Usage.DailyResetTime},
		Setting{"usage.retention_days", c.Usage.RetentionDays, d.Usage.RetentionDays},
		Setting{"notify.mqtt.enabled", c.Notify.MQTT.Enabled, d.Notify.MQTT.Enabled},
		Setting{"notify.mqtt.broker", c.Notify.MQTT.Broker, d.Notify.MQTT.Broker},
		Setting{"notify.mqtt.client_id", c.Notify.MQTT.ClientID, d.Notify.MQTT.ClientID},
		Setting{"notify.mqtt.username", c.Notify.MQTT.Username, d.Notify.MQTT.Username},
		Setting{"notify.mqtt.password", redact(c.Notify.MQTT.Password), redact(d.Notify.MQTT.Password)},
		Setting{"notify.mqtt.topic_prefix", c.Notify.MQTT.TopicPrefix, d.Notify.MQTT.TopicPrefix},
		Setting{"notify.mqtt.qos", c.Notify.MQTT.QoS, d.Notify.MQTT.QoS},
		Setting{"server.bind_address", c.Server.BindAddress, d.Server.BindAddress},
		Setting{"server.metrics_port", c.Server.MetricsPort, d.Server.MetricsPort},
		Setting{"logging.level", c.Logging.Level, d.Logging.Level},
		Setting{"logging.format", c.Logging.Format, d.Logging.Format},
	)
	return s
}

// redact redacts password if not empty
func redact(password string) string {
	if password == "" {
		return ""
	}
	return "***REDACTED***"
}
