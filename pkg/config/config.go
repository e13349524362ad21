package config

import (
	"fmt"
	"os"
	"time"

	"github.com/BurntSushi/toml"

	"github.com/siohaza/blocksmith/internal/validation"
)

const DefaultHeartbeatURL = "http://www.minecraft.net/heartbeat.jsp"

type Config struct {
	Server    ServerConfig    `toml:"server"`
	Antispam  AntispamConfig  `toml:"antispam"`
	Heartbeat HeartbeatConfig `toml:"heartbeat"`
	Storage   StorageConfig   `toml:"storage"`
	Plugins   PluginsConfig   `toml:"plugins"`
	LAN       LANConfig       `toml:"lan"`
}

type ServerConfig struct {
	Name            string   `toml:"name"`
	MOTD            string   `toml:"motd"`
	Port            int      `toml:"port"`
	MaxPlayers      int      `toml:"max_players"`
	Public          bool     `toml:"public"`
	VerifyNames     bool     `toml:"verify_names"`
	RelayAllUpdates bool     `toml:"relay_all_updates"`
	WelcomeMessages []string `toml:"welcome_messages"`

	// logging configuration
	LogToFile bool `toml:"log_to_file"`

	DefaultWorld string `toml:"default_world"`
	WorldSize    [3]int `toml:"world_size"`
	RanksFile    string `toml:"ranks_file"`
	DefaultRank  string `toml:"default_rank"`
}

type AntispamConfig struct {
	MessageCount int           `toml:"message_count"`
	Interval     time.Duration `toml:"interval"`
	MaxWarnings  int           `toml:"max_warnings"`
	MuteDuration time.Duration `toml:"mute_duration"`
}

type HeartbeatConfig struct {
	Enabled         bool          `toml:"enabled"`
	URL             string        `toml:"url"`
	Period          time.Duration `toml:"period"`
	Timeout         time.Duration `toml:"timeout"`
	StatusFile      string        `toml:"status_file"`
	ExternalURLFile string        `toml:"external_url_file"`
}

type StorageConfig struct {
	Database    string `toml:"database"`
	Bans        string `toml:"bans"`
	BlockLogDir string `toml:"block_log_dir"`
	WorldDir    string `toml:"world_dir"`
}

type PluginsConfig struct {
	Enabled bool   `toml:"enabled"`
	Dir     string `toml:"dir"`
}

type LANConfig struct {
	Enabled bool `toml:"enabled"`
	Port    int  `toml:"port"`
}

// Default returns the configuration used when no file is given.
func Default() *Config {
	c := &Config{}
	c.applyDefaults()
	return c
}

func LoadConfig(path string) (*Config, error) {
	var config Config

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	if err := toml.Unmarshal(data, &config); err != nil {
		return nil, fmt.Errorf("failed to parse config: %w", err)
	}

	config.applyDefaults()
	return &config, nil
}

func (c *Config) applyDefaults() {
	if c.Server.Name == "" {
		c.Server.Name = "Blocksmith Server"
	}
	if c.Server.MOTD == "" {
		c.Server.MOTD = "Welcome to the server!"
	}
	if c.Server.Port == 0 {
		c.Server.Port = 25565
	}
	if c.Server.MaxPlayers == 0 {
		c.Server.MaxPlayers = 20
	}
	if c.Server.DefaultWorld == "" {
		c.Server.DefaultWorld = "main"
	}
	if c.Server.WorldSize == [3]int{} {
		c.Server.WorldSize = [3]int{128, 128, 64}
	}
	if c.Server.RanksFile == "" {
		c.Server.RanksFile = "configs/ranks.toml"
	}

	// antispam defaults
	if c.Antispam.MessageCount == 0 {
		c.Antispam.MessageCount = 3
	}
	if c.Antispam.Interval == 0 {
		c.Antispam.Interval = 4 * time.Second
	}
	if c.Antispam.MaxWarnings == 0 {
		c.Antispam.MaxWarnings = 2
	}
	if c.Antispam.MuteDuration == 0 {
		c.Antispam.MuteDuration = 5 * time.Second
	}

	// heartbeat defaults
	if c.Heartbeat.URL == "" {
		c.Heartbeat.URL = DefaultHeartbeatURL
	}
	if c.Heartbeat.Period == 0 {
		c.Heartbeat.Period = 30 * time.Second
	}
	if c.Heartbeat.Timeout == 0 {
		c.Heartbeat.Timeout = 10 * time.Second
	}
	if c.Heartbeat.StatusFile == "" {
		c.Heartbeat.StatusFile = "heartbeatdata.txt"
	}
	if c.Heartbeat.ExternalURLFile == "" {
		c.Heartbeat.ExternalURLFile = "externalurl.txt"
	}

	// storage defaults
	if c.Storage.Database == "" {
		c.Storage.Database = "data/players.db"
	}
	if c.Storage.Bans == "" {
		c.Storage.Bans = "data/bans.json"
	}
	if c.Storage.BlockLogDir == "" {
		c.Storage.BlockLogDir = "data/blocklog"
	}
	if c.Storage.WorldDir == "" {
		c.Storage.WorldDir = "maps"
	}

	if c.Plugins.Dir == "" {
		c.Plugins.Dir = "scripts/plugins"
	}
	if c.LAN.Port == 0 {
		c.LAN.Port = c.Server.Port + 1
	}
}

func (c *Config) Validate() error {
	if c.Server.Name == "" {
		return fmt.Errorf("server name cannot be empty")
	}

	if c.Server.Port <= 0 || c.Server.Port > 65535 {
		return fmt.Errorf("invalid port: %d", c.Server.Port)
	}

	if c.Server.MaxPlayers <= 0 || c.Server.MaxPlayers > 127 {
		return fmt.Errorf("max_players must be between 1 and 127")
	}

	for i, n := range c.Server.WorldSize {
		if n < 16 || n > 1024 {
			return fmt.Errorf("world_size[%d] must be between 16 and 1024, got %d", i, n)
		}
	}

	if c.Server.DefaultRank != "" && !validation.IsValidRankName(c.Server.DefaultRank) {
		return fmt.Errorf("invalid default_rank: %q", c.Server.DefaultRank)
	}

	if c.Antispam.MessageCount < 0 || c.Antispam.MaxWarnings < 0 {
		return fmt.Errorf("antispam counts cannot be negative")
	}
	if c.Antispam.Interval < 0 || c.Antispam.MuteDuration < 0 {
		return fmt.Errorf("antispam durations cannot be negative")
	}

	if c.Heartbeat.Enabled && c.Heartbeat.URL == "" {
		return fmt.Errorf("heartbeat url cannot be empty when heartbeat is enabled")
	}
	if c.Heartbeat.Period < time.Second {
		return fmt.Errorf("heartbeat period must be at least 1s")
	}
	if c.Heartbeat.Timeout <= 0 || c.Heartbeat.Timeout > c.Heartbeat.Period {
		return fmt.Errorf("heartbeat timeout must be positive and no longer than the period")
	}

	if c.LAN.Enabled && (c.LAN.Port <= 0 || c.LAN.Port > 65535) {
		return fmt.Errorf("invalid lan port: %d", c.LAN.Port)
	}

	return nil
}
