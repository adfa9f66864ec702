package config

import (
	"bytes"
	"encoding/hex"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/BurntSushi/toml"
)

type Config struct {
	ListenAddress string `toml:"ListenAddress"`
	DataDir       string `toml:"DataDir"`
	NetworkName   string `toml:"NetworkName"`
	Treasury      string `toml:"Treasury"`
	APIToken      string `toml:"APIToken"`
	Environment   string `toml:"Environment"`
}

// Load reads the daemon configuration from path. A missing file is created
// with defaults; missing fields fall back to their defaults.
func Load(path string) (*Config, error) {
	cfg := &Config{}
	if _, err := os.Stat(path); os.IsNotExist(err) {
		return createDefault(path)
	}

	if _, err := toml.DecodeFile(path, cfg); err != nil {
		return nil, err
	}
	applyDefaults(cfg)
	return cfg, nil
}

func applyDefaults(cfg *Config) {
	if strings.TrimSpace(cfg.ListenAddress) == "" {
		cfg.ListenAddress = ":8545"
	}
	if strings.TrimSpace(cfg.DataDir) == "" {
		cfg.DataDir = "./orbit-data"
	}
	if strings.TrimSpace(cfg.NetworkName) == "" {
		cfg.NetworkName = "orbit-local"
	}
	if strings.TrimSpace(cfg.Environment) == "" {
		cfg.Environment = "dev"
	}
}

func createDefault(path string) (*Config, error) {
	cfg := &Config{}
	applyDefaults(cfg)
	if dir := filepath.Dir(path); dir != "." && dir != "" {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, err
		}
	}
	if err := persist(path, cfg); err != nil {
		return nil, err
	}
	return cfg, nil
}

func persist(path string, cfg *Config) error {
	var buf bytes.Buffer
	if err := toml.NewEncoder(&buf).Encode(cfg); err != nil {
		return err
	}
	return os.WriteFile(path, buf.Bytes(), 0o644)
}

// TreasuryAddress parses the configured treasury address. An empty value
// returns the zero address, which disables standard-rate settlement until a
// treasury is configured.
func (c *Config) TreasuryAddress() ([20]byte, error) {
	var addr [20]byte
	raw := strings.TrimSpace(c.Treasury)
	if raw == "" {
		return addr, nil
	}
	raw = strings.TrimPrefix(raw, "0x")
	decoded, err := hex.DecodeString(raw)
	if err != nil {
		return addr, fmt.Errorf("config: invalid treasury address: %w", err)
	}
	if len(decoded) != len(addr) {
		return addr, fmt.Errorf("config: treasury address must be %d bytes", len(addr))
	}
	copy(addr[:], decoded)
	return addr, nil
}
