// Package config loads server configuration from an optional YAML file with
// environment variable overrides. Env always wins so deployments can keep
// secrets out of the file.
package config

import (
	"fmt"
	"os"
	"strconv"
	"time"

	"gopkg.in/yaml.v3"
)

type Config struct {
	Port        string `yaml:"port"`
	DatabaseURL string `yaml:"databaseUrl"`
	RedisURL    string `yaml:"redisUrl"`

	Provider ProviderConfig `yaml:"provider"`
	Gateway  GatewayConfig  `yaml:"gateway"`
	Planner  PlannerConfig  `yaml:"planner"`
	Hub      HubConfig      `yaml:"hub"`
	Webhooks WebhookConfig  `yaml:"webhooks"`
}

type ProviderConfig struct {
	BaseURL     string        `yaml:"baseUrl"`
	APIKey      string        `yaml:"apiKey"`
	Timeout     time.Duration `yaml:"timeout"`
	MaxAttempts int           `yaml:"maxAttempts"`
}

type GatewayConfig struct {
	CallTimeout      time.Duration         `yaml:"callTimeout"`
	PlanTTL          time.Duration         `yaml:"planTtl"`
	EstimateTTL      time.Duration         `yaml:"estimateTtl"`
	CircuitThreshold int                   `yaml:"circuitThreshold"`
	CircuitCooldown  time.Duration         `yaml:"circuitCooldown"`
	RateMaxWait      time.Duration         `yaml:"rateMaxWait"`
	Rates            map[string]RateConfig `yaml:"rates"`
	Cost             CostConfig            `yaml:"cost"`
}

type RateConfig struct {
	CallsPerSecond float64 `yaml:"callsPerSecond"`
	Burst          int     `yaml:"burst"`
	DailyQuota     int     `yaml:"dailyQuota"`
}

type CostConfig struct {
	CostPerCall     map[string]float64 `yaml:"costPerCall"`
	DailyWarning    float64            `yaml:"dailyWarning"`
	DailyCritical   float64            `yaml:"dailyCritical"`
	MonthlyWarning  float64            `yaml:"monthlyWarning"`
	MonthlyCritical float64            `yaml:"monthlyCritical"`
}

type PlannerConfig struct {
	DepotLat   float64 `yaml:"depotLat"`
	DepotLng   float64 `yaml:"depotLng"`
	ShiftStart string  `yaml:"shiftStart"`
}

type HubConfig struct {
	QueueSize int `yaml:"queueSize"`
}

type WebhookConfig struct {
	MaxAttempts int `yaml:"maxAttempts"`
}

// Load reads the file at path (skipped when empty or missing) and then
// applies env overrides.
func Load(path string) (Config, error) {
	var cfg Config
	if path != "" {
		b, err := os.ReadFile(path)
		if err == nil {
			if err := yaml.Unmarshal(b, &cfg); err != nil {
				return Config{}, fmt.Errorf("config %s: %w", path, err)
			}
		} else if !os.IsNotExist(err) {
			return Config{}, err
		}
	}

	envStr(&cfg.Port, "PORT")
	envStr(&cfg.DatabaseURL, "DATABASE_URL")
	envStr(&cfg.RedisURL, "REDIS_URL")
	envStr(&cfg.Provider.BaseURL, "ROUTING_BASE_URL")
	envStr(&cfg.Provider.APIKey, "ROUTING_API_KEY")
	envInt(&cfg.Webhooks.MaxAttempts, "WEBHOOK_MAX_ATTEMPTS")

	if cfg.Port == "" {
		cfg.Port = "8080"
	}
	return cfg, nil
}

func envStr(dst *string, key string) {
	if v := os.Getenv(key); v != "" {
		*dst = v
	}
}

func envInt(dst *int, key string) {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			*dst = n
		}
	}
}
