package config

import (
	"fmt"
	"os"
	"time"

	"github.com/spf13/viper"
)

type Config struct {
	Mode       string `mapstructure:"mode"`
	ListenAddr string `mapstructure:"listen_addr"`
	OpsAddr    string `mapstructure:"ops_addr"`
	LogLevel   string `mapstructure:"log_level"`

	Transport TransportConfig `mapstructure:"transport"`
	Session   SessionConfig   `mapstructure:"session"`
	Room      RoomConfig      `mapstructure:"room"`
	Punch     PunchConfig     `mapstructure:"punch"`
	Relay     RelayConfig     `mapstructure:"relay"`
}

type TransportConfig struct {
	RetransmitBase time.Duration `mapstructure:"retransmit_base"`
	RetransmitCap  time.Duration `mapstructure:"retransmit_cap"`
	MaxRetransmits int           `mapstructure:"max_retransmits"`
	ReorderWindow  uint32        `mapstructure:"reorder_window"`
}

type SessionConfig struct {
	Max             int           `mapstructure:"max"`
	LivenessTimeout time.Duration `mapstructure:"liveness_timeout"`
	SweepInterval   time.Duration `mapstructure:"sweep_interval"`
}

type RoomConfig struct {
	Max             int           `mapstructure:"max"`
	DefaultCapacity int           `mapstructure:"default_capacity"`
	EmptyGraceTTL   time.Duration `mapstructure:"empty_grace_ttl"`
}

type PunchConfig struct {
	Window      time.Duration `mapstructure:"window"`
	MaxAttempts int           `mapstructure:"max_attempts"`
}

type RelayConfig struct {
	MaxChannels    int `mapstructure:"max_channels"`
	BytesPerSecond int `mapstructure:"bytes_per_second"`
	Burst          int `mapstructure:"burst"`
	Backlog        int `mapstructure:"backlog"`
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
	v.SetDefault("listen_addr", ":7777")
	v.SetDefault("ops_addr", ":8080")
	v.SetDefault("log_level", "info")

	v.SetDefault("transport.retransmit_base", "200ms")
	v.SetDefault("transport.retransmit_cap", "3s")
	v.SetDefault("transport.max_retransmits", 8)
	v.SetDefault("transport.reorder_window", 256)

	v.SetDefault("session.max", 4096)
	v.SetDefault("session.liveness_timeout", "30s")
	v.SetDefault("session.sweep_interval", "5s")

	v.SetDefault("room.max", 512)
	v.SetDefault("room.default_capacity", 8)
	v.SetDefault("room.empty_grace_ttl", "30s")

	v.SetDefault("punch.window", "5s")
	v.SetDefault("punch.max_attempts", 3)

	v.SetDefault("relay.max_channels", 1024)
	v.SetDefault("relay.bytes_per_second", 262144)
	v.SetDefault("relay.burst", 65536)
	v.SetDefault("relay.backlog", 128)

	if err := v.ReadInConfig(); err != nil {
		fmt.Printf("config file not found (%s), using defaults\n", fileName)
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config: %w", err)
	}
	return &cfg, nil
}
