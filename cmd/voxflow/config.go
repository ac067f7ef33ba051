package main

import (
	"encoding/json"
	"os"
	"path/filepath"
	"strconv"
)

// Config holds all voxflow server configuration.
// Priority: env vars > settings.json > defaults.
type Config struct {
	ListenAddr      string `json:"listen_addr"`
	DBPath          string `json:"db_path"`
	LogLevel        string `json:"log_level"`
	RedisAddr       string `json:"redis_addr"`
	RedisPassword   string `json:"redis_password"`
	RedisDB         int    `json:"redis_db"`
	ReasonerURL     string `json:"reasoner_url"`
	ToolsURL        string `json:"tools_url"`
	PollInterval    string `json:"poll_interval"`
	MaintenanceCron string `json:"maintenance_cron"`
}

func defaultConfig() Config {
	return Config{
		ListenAddr: ":4700",
		DBPath:     "file:" + filepath.Join(voxflowDir(), "voxflow.db"),
		LogLevel:   "info",
	}
}

func voxflowDir() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return ".voxflow"
	}
	return filepath.Join(home, ".voxflow")
}

func settingsPath() string {
	return filepath.Join(voxflowDir(), "settings.json")
}

func loadConfig() Config {
	cfg := defaultConfig()

	// Layer 2: settings.json (ignore if missing).
	if data, err := os.ReadFile(settingsPath()); err == nil {
		_ = json.Unmarshal(data, &cfg)
	}

	// Layer 3: env vars override.
	if v := os.Getenv("VOXFLOW_LISTEN_ADDR"); v != "" {
		cfg.ListenAddr = v
	}
	if v := os.Getenv("VOXFLOW_DB_PATH"); v != "" {
		cfg.DBPath = v
	}
	if v := os.Getenv("VOXFLOW_LOG_LEVEL"); v != "" {
		cfg.LogLevel = v
	}
	if v := os.Getenv("VOXFLOW_REDIS_ADDR"); v != "" {
		cfg.RedisAddr = v
	}
	if v := os.Getenv("VOXFLOW_REDIS_PASSWORD"); v != "" {
		cfg.RedisPassword = v
	}
	if v := os.Getenv("VOXFLOW_REDIS_DB"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			cfg.RedisDB = n
		}
	}
	if v := os.Getenv("VOXFLOW_REASONER_URL"); v != "" {
		cfg.ReasonerURL = v
	}
	if v := os.Getenv("VOXFLOW_TOOLS_URL"); v != "" {
		cfg.ToolsURL = v
	}
	if v := os.Getenv("VOXFLOW_POLL_INTERVAL"); v != "" {
		cfg.PollInterval = v
	}
	if v := os.Getenv("VOXFLOW_MAINTENANCE_CRON"); v != "" {
		cfg.MaintenanceCron = v
	}

	return cfg
}
