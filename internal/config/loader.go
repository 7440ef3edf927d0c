package config

import (
	"encoding/json"
	"fmt"
	"os"
	"time"

	"github.com/spf13/viper"
)

// Load reads the station configuration from viper (config file + env
// overrides), the same layering the teacher's Load uses for connection
// settings.
func Load() (*StationConfig, error) {
	cfg := DefaultConfig()

	cfg.StationID = viper.GetString("station_id")
	cfg.DisplayName = viper.GetString("display_name")
	cfg.Location = viper.GetString("location")
	cfg.Operator = viper.GetString("operator")

	cfg.Keys.PublicKey = viper.GetString("keys.public_key")
	cfg.Keys.PrivateKey = viper.GetString("keys.private_key")

	cfg.Discovery.ServiceURL = viper.GetString("discovery.service_url")
	if v := viper.GetInt("discovery.check_interval"); v > 0 {
		cfg.Discovery.CheckInterval = v
	}
	if v := viper.GetInt("discovery.timeout"); v > 0 {
		cfg.Discovery.Timeout = v
	}
	cfg.Discovery.SharedSecret = viper.GetString("discovery.shared_secret")

	if v := viper.GetInt("p2p.listen_port"); v > 0 {
		cfg.P2P.ListenPort = v
	}
	if v := viper.GetInt("p2p.max_connections"); v > 0 {
		cfg.P2P.MaxConnections = v
	}
	if v := viper.GetInt("p2p.connection_timeout"); v > 0 {
		cfg.P2P.ConnectionTimeout = v
	}

	cfg.Mesh.AutoDetect = viper.GetBool("mesh.auto_detect")
	cfg.Mesh.DevicePath = viper.GetString("mesh.device_path")
	if v := viper.GetInt("mesh.baud_rate"); v > 0 {
		cfg.Mesh.BaudRate = v
	}

	return cfg, nil
}

// LoadFile reads a StationConfig directly from a JSON file on disk, bypassing
// viper. It is the read counterpart of SaveFile.
func LoadFile(path string) (*StationConfig, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config file: %w", err)
	}
	cfg := DefaultConfig()
	if err := json.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parse config file: %w", err)
	}
	return cfg, nil
}

// SaveFile persists the StationConfig as JSON, bumping UpdatedAt.
func SaveFile(path string, cfg *StationConfig) error {
	cfg.Metadata.UpdatedAt = time.Now()
	data, err := json.MarshalIndent(cfg, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal config: %w", err)
	}
	if err := os.WriteFile(path, data, 0o600); err != nil {
		return fmt.Errorf("write config file: %w", err)
	}
	return nil
}
