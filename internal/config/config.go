// Package config loads ccrelay's TOML configuration with environment
// overrides for secrets. The config file lives at ~/.ccrelay/config.toml;
// a missing file is not an error (defaults apply).
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/BurntSushi/toml"
)

// ConfigFileName is the TOML config file under the ccrelay directory.
const ConfigFileName = "config.toml"

// Config is the full runtime configuration.
type Config struct {
	// Telegram bot token. Overridden by CCRELAY_BOT_TOKEN.
	BotToken string `toml:"bot_token"`

	// AllowedUsers are the Telegram user ids permitted to use the bot.
	// Overridden by CCRELAY_ALLOWED_USERS (comma-separated).
	AllowedUsers []int64 `toml:"allowed_users"`

	// TmuxSession is the tmux session hosting agent windows.
	TmuxSession string `toml:"tmux_session"`

	// AgentCommand is run inside newly created windows.
	AgentCommand string `toml:"agent_command"`

	// ProjectsDir is the agent's transcript root
	// (default ~/.claude/projects).
	ProjectsDir string `toml:"projects_dir"`

	// StateFile persists the store (default ~/.ccrelay/state.json).
	StateFile string `toml:"state_file"`

	// SessionMapFile is the hook-written registration file
	// (default ~/.ccrelay/session_map.json).
	SessionMapFile string `toml:"session_map_file"`

	// PollIntervalMS is the status poller tick (default 1000).
	PollIntervalMS int `toml:"poll_interval_ms"`

	// SendIntervalMS is the minimum gap between sends to one user
	// (default 1100).
	SendIntervalMS int `toml:"send_interval_ms"`

	// MaxQueueSize is the per-user queue cap before compaction
	// (default 5).
	MaxQueueSize int `toml:"max_queue_size"`

	// MergeBudget is the max rendered length of a merged content
	// message (default 3800).
	MergeBudget int `toml:"merge_budget"`

	// ShowUserMessages mirrors the user's own prompts back to the chat.
	ShowUserMessages bool `toml:"show_user_messages"`

	Log LogSettings `toml:"log"`
}

// LogSettings controls the structured logger.
type LogSettings struct {
	Level  string `toml:"level"`
	Format string `toml:"format"`
}

// Dir returns the ccrelay config/state directory.
func Dir() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return filepath.Join(os.TempDir(), ".ccrelay")
	}
	return filepath.Join(home, ".ccrelay")
}

// Default returns a config populated with defaults only.
func Default() *Config {
	home, _ := os.UserHomeDir()
	return &Config{
		TmuxSession:      "ccrelay",
		AgentCommand:     "claude",
		ProjectsDir:      filepath.Join(home, ".claude", "projects"),
		StateFile:        filepath.Join(Dir(), "state.json"),
		SessionMapFile:   filepath.Join(Dir(), "session_map.json"),
		PollIntervalMS:   1000,
		SendIntervalMS:   1100,
		MaxQueueSize:     5,
		MergeBudget:      3800,
		ShowUserMessages: true,
		Log:              LogSettings{Level: "info", Format: "json"},
	}
}

// Load reads the config file, applies environment overrides, and
// validates required fields.
func Load() (*Config, error) {
	return LoadFrom(filepath.Join(Dir(), ConfigFileName))
}

// LoadFrom reads a specific config file path.
func LoadFrom(path string) (*Config, error) {
	cfg := Default()

	if data, err := os.ReadFile(path); err == nil {
		if err := toml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("parse %s: %w", path, err)
		}
	} else if !os.IsNotExist(err) {
		return nil, fmt.Errorf("read %s: %w", path, err)
	}

	applyEnv(cfg)

	if cfg.BotToken == "" {
		return nil, fmt.Errorf("bot token not set (config bot_token or CCRELAY_BOT_TOKEN)")
	}
	if len(cfg.AllowedUsers) == 0 {
		return nil, fmt.Errorf("no allowed users (config allowed_users or CCRELAY_ALLOWED_USERS)")
	}
	if cfg.PollIntervalMS <= 0 {
		cfg.PollIntervalMS = 1000
	}
	if cfg.SendIntervalMS <= 0 {
		cfg.SendIntervalMS = 1100
	}
	if cfg.MaxQueueSize <= 0 {
		cfg.MaxQueueSize = 5
	}
	if cfg.MergeBudget <= 0 {
		cfg.MergeBudget = 3800
	}
	return cfg, nil
}

func applyEnv(cfg *Config) {
	if v := os.Getenv("CCRELAY_BOT_TOKEN"); v != "" {
		cfg.BotToken = v
	}
	if v := os.Getenv("CCRELAY_ALLOWED_USERS"); v != "" {
		var users []int64
		for _, part := range strings.Split(v, ",") {
			part = strings.TrimSpace(part)
			if part == "" {
				continue
			}
			id, err := strconv.ParseInt(part, 10, 64)
			if err != nil {
				continue
			}
			users = append(users, id)
		}
		if len(users) > 0 {
			cfg.AllowedUsers = users
		}
	}
	if v := os.Getenv("CCRELAY_TMUX_SESSION"); v != "" {
		cfg.TmuxSession = v
	}
}

// IsUserAllowed reports whether a Telegram user id is on the allow list.
func (c *Config) IsUserAllowed(id int64) bool {
	for _, u := range c.AllowedUsers {
		if u == id {
			return true
		}
	}
	return false
}

// PollInterval returns the poller tick as a duration.
func (c *Config) PollInterval() time.Duration {
	return time.Duration(c.PollIntervalMS) * time.Millisecond
}

// SendInterval returns the per-user send throttle as a duration.
func (c *Config) SendInterval() time.Duration {
	return time.Duration(c.SendIntervalMS) * time.Millisecond
}
