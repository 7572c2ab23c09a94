package config

import (
	"bytes"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"
	_ "time/tzdata"

	"github.com/spf13/viper"
	"gopkg.in/yaml.v3"
)

// Config models suas.yml.
type Config struct {
	Scope struct {
		MunicipalityID string   `yaml:"municipality_id"`
		Units          []string `yaml:"units"`
	} `yaml:"scope"`
	Referrals struct {
		DefaultDeadlineDays int `yaml:"default_deadline_days"`
	} `yaml:"referrals"`
	Automation AutomationConfig `yaml:"automation"`
	Compliance ComplianceConfig `yaml:"compliance"`
	Lock       LockConfig       `yaml:"lock"`
	Notify     NotifyConfig     `yaml:"notify"`
	Log        LogConfig        `yaml:"log"`
	Server     ServerConfig     `yaml:"server"`
}

type AutomationConfig struct {
	SchedulerEnabled    bool   `yaml:"scheduler_enabled"`
	PollIntervalSeconds int    `yaml:"poll_interval_seconds"`
	RuleTimeoutSeconds  int    `yaml:"rule_timeout_seconds"`
	MaxParallel         int    `yaml:"max_parallel"`
	IdempotencyPeriod   string `yaml:"idempotency_period"`
	Timezone            string `yaml:"timezone"`
}

func (a AutomationConfig) PollInterval() time.Duration {
	return time.Duration(a.PollIntervalSeconds) * time.Second
}

func (a AutomationConfig) RuleTimeout() time.Duration {
	return time.Duration(a.RuleTimeoutSeconds) * time.Second
}

// Location resolves the timezone used for daily idempotency periods.
func (a AutomationConfig) Location() *time.Location {
	if a.Timezone == "" {
		return time.UTC
	}
	loc, err := time.LoadLocation(a.Timezone)
	if err != nil {
		return time.UTC
	}
	return loc
}

const (
	PeriodCondition = "condition"
	PeriodDaily     = "daily"
)

type ComplianceConfig struct {
	OnTimeWeight  float64 `yaml:"on_time_weight"`
	SpeedWeight   float64 `yaml:"speed_weight"`
	SpeedRefHours float64 `yaml:"speed_ref_hours"`
	TopN          int     `yaml:"top_n"`
}

type LockConfig struct {
	Backend    string `yaml:"backend"`
	TTLSeconds int    `yaml:"ttl_seconds"`
	Redis      struct {
		Addr     string `yaml:"addr"`
		Password string `yaml:"password"`
		DB       int    `yaml:"db"`
		Prefix   string `yaml:"prefix"`
	} `yaml:"redis"`
}

func (l LockConfig) TTL() time.Duration {
	return time.Duration(l.TTLSeconds) * time.Second
}

type NotifyConfig struct {
	IntervalSeconds int             `yaml:"interval_seconds"`
	Webhooks        []WebhookConfig `yaml:"webhooks"`
	Kafka           KafkaConfig     `yaml:"kafka"`
}

type WebhookConfig struct {
	URL            string   `yaml:"url"`
	Secret         string   `yaml:"secret"`
	Events         []string `yaml:"events"`
	Enabled        *bool    `yaml:"enabled"`
	TimeoutSeconds int      `yaml:"timeout_seconds"`
}

type KafkaConfig struct {
	Enabled bool     `yaml:"enabled"`
	Brokers []string `yaml:"brokers"`
	Topic   string   `yaml:"topic"`
	Events  []string `yaml:"events"`
}

type LogConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
}

type ServerConfig struct {
	Addr                   string `yaml:"addr"`
	BasePath               string `yaml:"base_path"`
	JWTSecret              string `yaml:"jwt_secret"`
	AllowLegacyActorHeader bool   `yaml:"allow_legacy_actor_header"`
}

// Load reads and validates config from workspace.
func Load(workspace string) (*Config, error) {
	path := Path(workspace)
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, fmt.Errorf("config %s not found; create one with suas config init", path)
		}
		return nil, err
	}
	return FromYAML(data)
}

// Validate ensures the config meets required structure.
func (c *Config) Validate() error {
	if strings.TrimSpace(c.Scope.MunicipalityID) == "" {
		return fmt.Errorf("config.scope.municipality_id is required")
	}
	if c.Referrals.DefaultDeadlineDays <= 0 {
		return fmt.Errorf("config.referrals.default_deadline_days must be positive")
	}
	a := c.Automation
	if a.PollIntervalSeconds <= 0 {
		return fmt.Errorf("config.automation.poll_interval_seconds must be positive")
	}
	if a.RuleTimeoutSeconds <= 0 {
		return fmt.Errorf("config.automation.rule_timeout_seconds must be positive")
	}
	if a.MaxParallel <= 0 {
		return fmt.Errorf("config.automation.max_parallel must be positive")
	}
	switch a.IdempotencyPeriod {
	case PeriodCondition, PeriodDaily:
	default:
		return fmt.Errorf("config.automation.idempotency_period must be %q or %q", PeriodCondition, PeriodDaily)
	}
	if a.Timezone != "" {
		if _, err := time.LoadLocation(a.Timezone); err != nil {
			return fmt.Errorf("config.automation.timezone: %w", err)
		}
	}
	cc := c.Compliance
	if cc.OnTimeWeight < 0 || cc.SpeedWeight < 0 || cc.OnTimeWeight+cc.SpeedWeight == 0 {
		return fmt.Errorf("config.compliance weights must be non-negative and not both zero")
	}
	if cc.SpeedRefHours <= 0 {
		return fmt.Errorf("config.compliance.speed_ref_hours must be positive")
	}
	switch c.Lock.Backend {
	case "local":
	case "redis":
		if c.Lock.Redis.Addr == "" {
			return fmt.Errorf("config.lock.redis.addr is required for the redis backend")
		}
	default:
		return fmt.Errorf("config.lock.backend must be local or redis")
	}
	if c.Lock.TTLSeconds <= 0 {
		return fmt.Errorf("config.lock.ttl_seconds must be positive")
	}
	for i, hook := range c.Notify.Webhooks {
		if strings.TrimSpace(hook.URL) == "" {
			return fmt.Errorf("config.notify.webhooks[%d].url is required", i)
		}
	}
	if c.Notify.Kafka.Enabled {
		if len(c.Notify.Kafka.Brokers) == 0 {
			return fmt.Errorf("config.notify.kafka.brokers is required when kafka is enabled")
		}
		if c.Notify.Kafka.Topic == "" {
			return fmt.Errorf("config.notify.kafka.topic is required when kafka is enabled")
		}
	}
	switch c.Log.Format {
	case "", "json", "console":
	default:
		return fmt.Errorf("config.log.format must be json or console")
	}
	return nil
}

// Overlay applies values explicitly set in v (flags, SUAS_* env) on top of c.
func (c *Config) Overlay(v *viper.Viper) {
	if v == nil {
		return
	}
	if s := v.GetString("municipality"); s != "" {
		c.Scope.MunicipalityID = s
	}
	if s := v.GetString("log.level"); s != "" {
		c.Log.Level = s
	}
	if s := v.GetString("log.format"); s != "" {
		c.Log.Format = s
	}
	if s := v.GetString("server.jwt_secret"); s != "" {
		c.Server.JWTSecret = s
	}
	if s := v.GetString("lock.backend"); s != "" {
		c.Lock.Backend = s
	}
	if s := v.GetString("lock.redis.addr"); s != "" {
		c.Lock.Redis.Addr = s
	}
	if s := v.GetString("lock.redis.password"); s != "" {
		c.Lock.Redis.Password = s
	}
	if v.IsSet("automation.scheduler_enabled") {
		c.Automation.SchedulerEnabled = v.GetBool("automation.scheduler_enabled")
	}
	if brokers := v.GetStringSlice("notify.kafka.brokers"); len(brokers) > 0 {
		c.Notify.Kafka.Brokers = brokers
		c.Notify.Kafka.Enabled = true
	}
}

// Path returns the config file path for a workspace.
func Path(workspace string) string {
	if workspace == "" {
		workspace = "."
	}
	return filepath.Join(workspace, "suas.yml")
}

// GenerateDefault returns default config YAML.
func GenerateDefault(municipalityID string) string {
	return fmt.Sprintf(defaultTemplate, municipalityID)
}

// LoadOptional returns nil,nil if the config file does not exist.
func LoadOptional(workspace string) (*Config, error) {
	path := Path(workspace)
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, err
	}
	return FromYAML(data)
}

// Default returns the default Config struct for a municipality.
func Default(municipalityID string) *Config {
	var cfg Config
	_ = yaml.NewDecoder(bytes.NewBufferString(GenerateDefault(municipalityID))).Decode(&cfg)
	return &cfg
}

// FromYAML parses and validates config from raw YAML bytes. Missing keys
// keep their default values.
func FromYAML(data []byte) (*Config, error) {
	cfg := Default("")
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("invalid config yaml: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// FromFile reads YAML config from the given path.
func FromFile(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	return FromYAML(data)
}

const defaultTemplate = `scope:
  municipality_id: "%s"

referrals:
  default_deadline_days: 7

automation:
  scheduler_enabled: true
  poll_interval_seconds: 60
  rule_timeout_seconds: 30
  max_parallel: 4
  # condition: one task per condition instance, until it resolves
  # daily: at most one task per entity per calendar day
  idempotency_period: condition
  timezone: America/Sao_Paulo

compliance:
  on_time_weight: 0.7
  speed_weight: 0.3
  speed_ref_hours: 24
  top_n: 5

lock:
  backend: local
  ttl_seconds: 120
  redis:
    addr: ""
    db: 0
    prefix: "suas:lock:"

notify:
  interval_seconds: 2
  webhooks: []
  kafka:
    enabled: false
    topic: suas.events

log:
  level: info
  format: json

server:
  addr: 127.0.0.1:8080
  base_path: /v1
`
