package config

import (
	"strings"
	"time"

	log "github.com/sirupsen/logrus"
	"github.com/spf13/viper"
)

// Config is the process configuration
type Config struct {
	Server struct {
		Addr string `mapstructure:"addr"`
	} `mapstructure:"server"`

	Redis struct {
		Addr    string `mapstructure:"addr"`
		Enabled bool   `mapstructure:"enabled"`
		Prefix  string `mapstructure:"prefix"`
	} `mapstructure:"redis"`

	Kafka struct {
		Brokers    []string `mapstructure:"brokers"`
		AlertTopic string   `mapstructure:"alert_topic"`
	} `mapstructure:"kafka"`

	Cache struct {
		MaxEntries    int64         `mapstructure:"max_entries"`
		MaxBytes      int64         `mapstructure:"max_bytes"`
		DefaultTTL    time.Duration `mapstructure:"default_ttl"`
		SweepInterval time.Duration `mapstructure:"sweep_interval"`
	} `mapstructure:"cache"`

	Throttle struct {
		GlobalConcurrency int           `mapstructure:"global_concurrency"`
		QueueMaxSize      int           `mapstructure:"queue_max_size"`
		QueueTimeout      time.Duration `mapstructure:"queue_timeout"`
	} `mapstructure:"throttle"`

	Health struct {
		EvalInterval time.Duration `mapstructure:"eval_interval"`
	} `mapstructure:"health"`
}

// Load reads configuration from config.yaml and COSTGUARD_* env vars,
// falling back to defaults
func Load() *Config {
	viper.SetDefault("server.addr", ":8090")
	viper.SetDefault("redis.addr", "localhost:6379")
	viper.SetDefault("redis.enabled", false)
	viper.SetDefault("redis.prefix", "costguard:")
	viper.SetDefault("kafka.brokers", []string{})
	viper.SetDefault("kafka.alert_topic", "costguard-alerts")
	viper.SetDefault("cache.max_entries", 10000)
	viper.SetDefault("cache.max_bytes", 256*1024*1024)
	viper.SetDefault("cache.default_ttl", 5*time.Minute)
	viper.SetDefault("cache.sweep_interval", 30*time.Second)
	viper.SetDefault("throttle.global_concurrency", 200)
	viper.SetDefault("throttle.queue_max_size", 1000)
	viper.SetDefault("throttle.queue_timeout", 5*time.Second)
	viper.SetDefault("health.eval_interval", 15*time.Second)

	viper.SetEnvPrefix("COSTGUARD")
	viper.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	viper.AutomaticEnv()

	viper.SetConfigName("config")
	viper.SetConfigType("yaml")
	viper.AddConfigPath("./config")
	viper.AddConfigPath(".")

	if err := viper.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			log.Fatalf("Error reading config file: %v", err)
		}
		log.Info("No config file found, using defaults")
	}

	var config Config
	if err := viper.Unmarshal(&config); err != nil {
		log.Fatalf("Failed to unmarshal config: %v", err)
	}
	return &config
}
