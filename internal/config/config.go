package config

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"runtime"
	"strconv"
	"strings"
)

// Config represents the agentlink runtime configuration
type Config struct {
	ServerURL        string `json:"server_url"`        // Base HTTP(S) URL of the agent gateway
	AgentNamespace   string `json:"agent_namespace"`   // Namespace segment of the transport address
	TokenPath        string `json:"token_path"`        // File holding the bearer credential
	LogLevel         string `json:"log_level"`         // debug, info, warn, error, none
	LogPath          string `json:"-"`
	StateDir         string `json:"-"`
	OutboxDBPath     string `json:"outbox_db_path,omitempty"`
	HistoryDir       string `json:"history_dir,omitempty"`
	ExecutionProfile string `json:"execution_profile"`
	AllowProfileSync bool   `json:"allow_profile_sync"`

	// Tunables. Zero values are replaced with defaults on load.
	ReconnectDelaySeconds   int `json:"reconnect_delay_seconds"`
	FlushIntervalSeconds    int `json:"flush_interval_seconds"`
	WritebackGraceWindowMS  int `json:"writeback_grace_window_ms"`
	HistoryDebounceMS       int `json:"history_debounce_ms"`
	CommitTimeoutSeconds    int `json:"commit_timeout_seconds"`
	ApprovalDecisionCacheSz int `json:"approval_decision_cache_size"`

	// ApprovalFallback is applied when no interactive approver is attached:
	// "auto_approve" or "reject".
	ApprovalFallback string `json:"approval_fallback"`

	// Tool classification. Mutation tools produce write-back drafts;
	// delegated tools stream generated text into the assistant message.
	MutationTools  []string `json:"mutation_tools,omitempty"`
	DelegatedTools []string `json:"delegated_tools,omitempty"`
}

func defaultConfigDir() string {
	switch runtime.GOOS {
	case "windows":
		if appData := strings.TrimSpace(os.Getenv("APPDATA")); appData != "" {
			return filepath.Join(appData, "agentlink")
		}
		homeDir, _ := os.UserHomeDir()
		return filepath.Join(homeDir, "AppData", "Roaming", "agentlink")
	default:
		homeDir, _ := os.UserHomeDir()
		return filepath.Join(homeDir, ".config", "agentlink")
	}
}

func defaultStateDir() string {
	switch runtime.GOOS {
	case "linux":
		if stateHome := strings.TrimSpace(os.Getenv("XDG_STATE_HOME")); stateHome != "" {
			return filepath.Join(stateHome, "agentlink")
		}
		homeDir, _ := os.UserHomeDir()
		return filepath.Join(homeDir, ".local", "state", "agentlink")
	case "windows":
		if localAppData := strings.TrimSpace(os.Getenv("LOCALAPPDATA")); localAppData != "" {
			return filepath.Join(localAppData, "agentlink")
		}
		homeDir, _ := os.UserHomeDir()
		return filepath.Join(homeDir, "AppData", "Local", "agentlink")
	default:
		homeDir, _ := os.UserHomeDir()
		return filepath.Join(homeDir, ".config", "agentlink")
	}
}

// DefaultConfig returns default configuration
func DefaultConfig() *Config {
	configDir := defaultConfigDir()
	stateDir := defaultStateDir()

	return &Config{
		ServerURL:               "https://coach.lumohealth.dev",
		AgentNamespace:          "coach",
		TokenPath:               filepath.Join(configDir, "token"),
		LogLevel:                "info",
		LogPath:                 filepath.Join(stateDir, "agentlink.log"),
		StateDir:                stateDir,
		OutboxDBPath:            filepath.Join(stateDir, "outbox.db"),
		HistoryDir:              filepath.Join(stateDir, "history"),
		ExecutionProfile:        "standard",
		AllowProfileSync:        true,
		ReconnectDelaySeconds:   3,
		FlushIntervalSeconds:    15,
		WritebackGraceWindowMS:  5000,
		HistoryDebounceMS:       800,
		CommitTimeoutSeconds:    30,
		ApprovalDecisionCacheSz: 200,
		ApprovalFallback:        "reject",
		MutationTools:           []string{"save_care_plan", "update_goal", "log_metric"},
		DelegatedTools:          []string{"generate_summary"},
	}
}

// Load loads configuration from file, starting from defaults and applying
// environment overrides last
func Load(path string) (*Config, error) {
	config := DefaultConfig()

	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			config.applyEnv()
			return config, nil
		}
		return nil, err
	}

	if err := json.Unmarshal(data, config); err != nil {
		return nil, fmt.Errorf("failed to parse config %s: %w", path, err)
	}

	config.applyEnv()
	config.fillZeroes()
	return config, nil
}

// applyEnv applies AGENTLINK_* environment overrides
func (c *Config) applyEnv() {
	if v := strings.TrimSpace(os.Getenv("AGENTLINK_SERVER_URL")); v != "" {
		c.ServerURL = v
	}
	if v := strings.TrimSpace(os.Getenv("AGENTLINK_NAMESPACE")); v != "" {
		c.AgentNamespace = v
	}
	if v := strings.TrimSpace(os.Getenv("AGENTLINK_LOG_LEVEL")); v != "" {
		c.LogLevel = v
	}
	if v := strings.TrimSpace(os.Getenv("AGENTLINK_TOKEN_PATH")); v != "" {
		c.TokenPath = v
	}
	if v := strings.TrimSpace(os.Getenv("AGENTLINK_FLUSH_INTERVAL")); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			c.FlushIntervalSeconds = n
		}
	}
}

// fillZeroes replaces zero-valued tunables with defaults so a sparse config
// file never disables a timer outright
func (c *Config) fillZeroes() {
	def := DefaultConfig()
	if c.ReconnectDelaySeconds <= 0 {
		c.ReconnectDelaySeconds = def.ReconnectDelaySeconds
	}
	if c.FlushIntervalSeconds <= 0 {
		c.FlushIntervalSeconds = def.FlushIntervalSeconds
	}
	if c.WritebackGraceWindowMS <= 0 {
		c.WritebackGraceWindowMS = def.WritebackGraceWindowMS
	}
	if c.HistoryDebounceMS <= 0 {
		c.HistoryDebounceMS = def.HistoryDebounceMS
	}
	if c.CommitTimeoutSeconds <= 0 {
		c.CommitTimeoutSeconds = def.CommitTimeoutSeconds
	}
	if c.ApprovalDecisionCacheSz <= 0 {
		c.ApprovalDecisionCacheSz = def.ApprovalDecisionCacheSz
	}
	if c.OutboxDBPath == "" {
		c.OutboxDBPath = def.OutboxDBPath
	}
	if c.HistoryDir == "" {
		c.HistoryDir = def.HistoryDir
	}
	if c.ApprovalFallback != "auto_approve" && c.ApprovalFallback != "reject" {
		c.ApprovalFallback = def.ApprovalFallback
	}
}

// Save writes configuration to file
func (c *Config) Save(path string) error {
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return fmt.Errorf("failed to create config directory: %w", err)
	}

	data, err := json.MarshalIndent(c, "", "  ")
	if err != nil {
		return err
	}

	return os.WriteFile(path, data, 0600)
}

// GetConfigPath returns the default config file path
func GetConfigPath() string {
	return filepath.Join(defaultConfigDir(), "config.json")
}

// IsMutationTool reports whether toolName produces write-back drafts
func (c *Config) IsMutationTool(toolName string) bool {
	for _, name := range c.MutationTools {
		if name == toolName {
			return true
		}
	}
	return false
}

// IsDelegatedTool reports whether toolName delegates text generation
func (c *Config) IsDelegatedTool(toolName string) bool {
	for _, name := range c.DelegatedTools {
		if name == toolName {
			return true
		}
	}
	return false
}
