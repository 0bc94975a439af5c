package config

import (
	"fmt"
	"os"
	"time"

	"github.com/spf13/viper"
)

type Config struct {
	Mode   string `mapstructure:"mode"`
	Port   int    `mapstructure:"port"`
	Secret string `mapstructure:"secret"`
	DBPath string `mapstructure:"db_path"`

	// AdminUserID is the privileged identity allowed past capacity and
	// into ghost mode.
	AdminUserID string `mapstructure:"admin_user_id"`

	SearchRadiusM      float64       `mapstructure:"search_radius_m"`
	CandidateScanLimit int           `mapstructure:"candidate_scan_limit"`
	MaxParticipants    int           `mapstructure:"max_participants"`
	CreatorGrace       time.Duration `mapstructure:"creator_grace"`
	DeletionBuffer     time.Duration `mapstructure:"deletion_buffer"`
	IdempotencyTTL     time.Duration `mapstructure:"idempotency_ttl"`
	JoinCooldown       time.Duration `mapstructure:"join_cooldown"`
	SessionHeartbeat   time.Duration `mapstructure:"session_heartbeat"`
	StaleThreshold     time.Duration `mapstructure:"stale_threshold"`
	PresenceHeartbeat  time.Duration `mapstructure:"presence_heartbeat"`
	PresenceOffline    time.Duration `mapstructure:"presence_offline"`
	ActivityTTL        time.Duration `mapstructure:"activity_ttl"`
	SweepInterval      time.Duration `mapstructure:"sweep_interval"`
	SweepInactivity    time.Duration `mapstructure:"sweep_inactivity"`
}

func Load() (*Config, error) {
	v := viper.New()
	v.SetConfigType("yaml")

	env := os.Getenv("CONFIG_ENV")
	if env == "" {
		env = "dev"
	}
	fileName := fmt.Sprintf("config/config.%s.yaml", env)

	v.SetConfigFile(fileName)
	v.AddConfigPath(".")
	v.AddConfigPath("./config")

	v.SetDefault("mode", "release")
	v.SetDefault("port", 8080)
	v.SetDefault("db_path", "./nearby.db")
	v.SetDefault("admin_user_id", "")
	v.SetDefault("search_radius_m", 500.0)
	v.SetDefault("candidate_scan_limit", 20)
	v.SetDefault("max_participants", 8)
	v.SetDefault("creator_grace", "120s")
	v.SetDefault("deletion_buffer", "30s")
	v.SetDefault("idempotency_ttl", "30s")
	v.SetDefault("join_cooldown", "1s")
	v.SetDefault("session_heartbeat", "20s")
	v.SetDefault("stale_threshold", "40s")
	v.SetDefault("presence_heartbeat", "10s")
	v.SetDefault("presence_offline", "15s")
	v.SetDefault("activity_ttl", "5m")
	v.SetDefault("sweep_interval", "30s")
	v.SetDefault("sweep_inactivity", "60s")

	if err := v.ReadInConfig(); err != nil {
		fmt.Printf("⚠️ Config file not found (%s), using defaults\n", fileName)
	} else {
		fmt.Printf("✅ Loaded config: %s\n", fileName)
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config: %w", err)
	}
	return &cfg, nil
}

// Default returns the config with every option at its default value.
// Used by tests; the server binary goes through Load.
func Default() *Config {
	return &Config{
		Mode:               "release",
		Port:               8080,
		DBPath:             "./nearby.db",
		SearchRadiusM:      500,
		CandidateScanLimit: 20,
		MaxParticipants:    8,
		CreatorGrace:       120 * time.Second,
		DeletionBuffer:     30 * time.Second,
		IdempotencyTTL:     30 * time.Second,
		JoinCooldown:       time.Second,
		SessionHeartbeat:   20 * time.Second,
		StaleThreshold:     40 * time.Second,
		PresenceHeartbeat:  10 * time.Second,
		PresenceOffline:    15 * time.Second,
		ActivityTTL:        5 * time.Minute,
		SweepInterval:      30 * time.Second,
		SweepInactivity:    60 * time.Second,
	}
}
