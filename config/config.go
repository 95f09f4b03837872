package config

import (
	"os"
	"path/filepath"
	"time"

	"github.com/m4xw311/claude-acp/errors"
	"gopkg.in/yaml.v3"
)

// DirName is the per-user and per-project configuration directory.
const DirName = ".claude-acp"

type FilesystemAccess struct {
	Hidden   []string `yaml:"hidden"`
	ReadOnly []string `yaml:"read_only"`
}

type MCPServer struct {
	Name    string   `yaml:"name"`
	Command string   `yaml:"command"`
	Args    []string `yaml:"args"`
}

// Model describes how the stream-json model subprocess is launched.
type Model struct {
	Command                string            `yaml:"command"`
	Args                   []string          `yaml:"args"`
	Env                    map[string]string `yaml:"env"`
	Name                   string            `yaml:"name"`
	SystemPrompt           string            `yaml:"system_prompt"`
	IncludePartialMessages bool              `yaml:"include_partial_messages"`
}

// BusyPolicy selects what happens to a prompt that arrives while its session
// already runs a turn.
type BusyPolicy string

const (
	BusyReject BusyPolicy = "reject"
	BusyQueue  BusyPolicy = "queue"
)

type Turn struct {
	MaxTurnRequests uint       `yaml:"max_turn_requests"`
	BusyPolicy      BusyPolicy `yaml:"busy_policy"`
}

type Process struct {
	GracePeriod   time.Duration `yaml:"grace_period"`
	OutputBuffer  int           `yaml:"output_buffer"`
	ScannerBuffer int           `yaml:"scanner_buffer"`
	CrashWindow   time.Duration `yaml:"crash_window"`
	CrashLimit    int           `yaml:"crash_limit"`
}

// PermissionRule assigns a risk level to tool names matching Pattern.
type PermissionRule struct {
	Pattern string `yaml:"pattern"`
	Risk    string `yaml:"risk"`
}

type Permissions struct {
	Rules []PermissionRule `yaml:"rules"`
	// MediumPolicy is "ask", "allow" or "deny".
	MediumPolicy string        `yaml:"medium_policy"`
	Timeout      time.Duration `yaml:"timeout"`
	// TimeoutOutcome is "cancel" or "deny".
	TimeoutOutcome string `yaml:"timeout_outcome"`
	// AlwaysScope is where "always" answers are remembered: "session" or
	// "global".
	AlwaysScope string `yaml:"always_scope"`
}

type Tools struct {
	Parallel    bool `yaml:"parallel"`
	MaxParallel int  `yaml:"max_parallel"`
}

type Store struct {
	// Driver is "sqlite" or "jsonl".
	Driver string `yaml:"driver"`
	Path   string `yaml:"path"`
}

type Log struct {
	Debug bool   `yaml:"debug"`
	Dir   string `yaml:"dir"`
}

type Config struct {
	Model                Model            `yaml:"model"`
	Turn                 Turn             `yaml:"turn"`
	Process              Process          `yaml:"process"`
	Permissions          Permissions      `yaml:"permissions"`
	Tools                Tools            `yaml:"tools"`
	Store                Store            `yaml:"store"`
	Log                  Log              `yaml:"log"`
	AdditionalMCPServers []MCPServer      `yaml:"additional_mcp_servers"`
	AllowedCommands      []string         `yaml:"allowed_commands"`
	FilesystemAccess     FilesystemAccess `yaml:"filesystem_access"`
}

// Default returns a configuration with every value set.
func Default() *Config {
	return &Config{
		Model: Model{
			Command: "claude",
			Args:    []string{"-p", "--verbose", "--output-format", "stream-json", "--input-format", "stream-json"},
		},
		Turn: Turn{
			MaxTurnRequests: 25,
			BusyPolicy:      BusyReject,
		},
		Process: Process{
			GracePeriod:   5 * time.Second,
			OutputBuffer:  100,
			ScannerBuffer: 1024 * 1024,
			CrashWindow:   30 * time.Second,
			CrashLimit:    2,
		},
		Permissions: Permissions{
			Rules:          DefaultRules(),
			MediumPolicy:   "ask",
			Timeout:        30 * time.Second,
			TimeoutOutcome: "cancel",
			AlwaysScope:    "session",
		},
		Tools: Tools{MaxParallel: 4},
		Store: Store{
			Driver: "sqlite",
			Path:   filepath.Join(DirName, "sessions.db"),
		},
		Log: Log{Dir: filepath.Join(DirName, "logs")},
		FilesystemAccess: FilesystemAccess{
			Hidden: []string{DirName, DirName + "/**"},
		},
	}
}

// DefaultRules is the risk table used when the configuration has none.
func DefaultRules() []PermissionRule {
	return []PermissionRule{
		{Pattern: "{read_file,Read,Glob,Grep,LS,list_*,search_*,think,TodoWrite}", Risk: "low"},
		{Pattern: "{write_file,Write,Edit,MultiEdit,NotebookEdit,edit_*}", Risk: "medium"},
		{Pattern: "{execute_command,Bash,WebFetch,WebSearch,delete_*,move_*,fetch_*}", Risk: "high"},
		{Pattern: "mcp__*", Risk: "high"},
	}
}

// LoadConfig loads configuration from the user's home directory and the current
// working directory, with the latter taking precedence.
func LoadConfig() (*Config, error) {
	cfg := Default()

	home, err := os.UserHomeDir()
	if err == nil {
		userConfigPath := filepath.Join(home, DirName, "config.yaml")
		if _, err := os.Stat(userConfigPath); err == nil {
			if err := loadFromFile(userConfigPath, cfg); err != nil {
				return nil, errors.Wrapf(err, "error loading user config")
			}
		}
	}

	wd, err := os.Getwd()
	if err != nil {
		return nil, errors.Wrapf(err, "could not get working directory")
	}
	projectConfigPath := filepath.Join(wd, DirName, "config.yaml")
	if _, err := os.Stat(projectConfigPath); err == nil {
		if err := loadFromFile(projectConfigPath, cfg); err != nil {
			return nil, errors.Wrapf(err, "error loading project config")
		}
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// LoadFile loads a single configuration file on top of the defaults.
func LoadFile(path string) (*Config, error) {
	cfg := Default()
	if err := loadFromFile(path, cfg); err != nil {
		return nil, errors.Wrapf(err, "error loading config %s", path)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func loadFromFile(path string, cfg *Config) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return err
	}
	// Fields present in the YAML replace the current values; absent fields
	// keep what the previous layer set.
	return yaml.Unmarshal(data, cfg)
}

// Validate checks values that the rest of the program relies on.
func (c *Config) Validate() error {
	if c.Model.Command == "" {
		return errors.New("model.command must be set")
	}
	if c.Turn.MaxTurnRequests == 0 {
		return errors.New("turn.max_turn_requests must be greater than zero")
	}
	switch c.Turn.BusyPolicy {
	case BusyReject, BusyQueue:
	default:
		return errors.New("invalid turn.busy_policy %q", c.Turn.BusyPolicy)
	}
	switch c.Permissions.MediumPolicy {
	case "ask", "allow", "deny":
	default:
		return errors.New("invalid permissions.medium_policy %q", c.Permissions.MediumPolicy)
	}
	switch c.Permissions.TimeoutOutcome {
	case "cancel", "deny":
	default:
		return errors.New("invalid permissions.timeout_outcome %q", c.Permissions.TimeoutOutcome)
	}
	switch c.Permissions.AlwaysScope {
	case "session", "global":
	default:
		return errors.New("invalid permissions.always_scope %q", c.Permissions.AlwaysScope)
	}
	for _, r := range c.Permissions.Rules {
		switch r.Risk {
		case "low", "medium", "high":
		default:
			return errors.New("invalid risk %q for rule %q", r.Risk, r.Pattern)
		}
	}
	switch c.Store.Driver {
	case "sqlite", "jsonl":
	default:
		return errors.New("invalid store.driver %q", c.Store.Driver)
	}
	return nil
}
