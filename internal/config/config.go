// Copyright (c) 2025 The dashchat Authors
// SPDX-License-Identifier: AGPL-3.0-or-later

// Package config provides unified configuration loading and management
// for dashchat.
//
// Configuration comes from a TOML file with sensible defaults and
// environment variable overrides (the env names match the deployment's
// .env contract, so a .env loaded at startup is enough to run without
// a config file).
//
// Locations (in order of precedence):
//   - ~/.dashchat/config.toml
//   - Built-in defaults
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"sync"

	"github.com/BurntSushi/toml"

	"dashchat/internal/util"
)

// =============================================================================
// CONFIG STRUCTURES
// =============================================================================

// Config represents the complete dashchat configuration.
type Config struct {
	Server    ServerConfig    `toml:"server"`
	DashScope DashScopeConfig `toml:"dashscope"`
	Bailian   BailianConfig   `toml:"bailian"`
	Files     FilesConfig     `toml:"files"`
	Client    ClientConfig    `toml:"client"`
	Storage   StorageConfig   `toml:"storage"`
}

// ServerConfig contains relay server settings.
type ServerConfig struct {
	// Host is the listen address.
	Host string `toml:"host"`
	// Port is the listen port. PORT overrides it.
	Port int `toml:"port"`
	// StreamTimeoutSecs bounds one upstream completion call end to end.
	StreamTimeoutSecs int `toml:"stream_timeout_secs"`
	// RateLimitPerSec is the per-client request rate. 0 disables limiting.
	RateLimitPerSec float64 `toml:"rate_limit_per_sec"`
	// RateLimitBurst is the per-client burst allowance.
	RateLimitBurst int `toml:"rate_limit_burst"`
}

// DashScopeConfig contains the completion API settings.
type DashScopeConfig struct {
	// APIKey authenticates against the completion API.
	APIKey string `toml:"api_key"`
	// BaseURL is the API origin. Overridable for tests.
	BaseURL string `toml:"base_url"`
	// WorkspaceID is sent as X-DashScope-WorkSpace when set.
	WorkspaceID string `toml:"workspace_id"`
	// DefaultAppID serves assistants with no dedicated app.
	DefaultAppID string `toml:"default_app_id"`
	// Apps maps an assistant type to its application id.
	Apps map[string]string `toml:"apps"`
}

// BailianConfig contains the file-service credentials. The session-file
// pipeline is disabled when the key pair is empty.
type BailianConfig struct {
	AccessKeyID     string `toml:"access_key_id"`
	AccessKeySecret string `toml:"access_key_secret"`
	// Endpoint is the OpenAPI host for file operations.
	Endpoint string `toml:"endpoint"`
	// WorkspaceID scopes lease and registration calls.
	WorkspaceID string `toml:"workspace_id"`
}

// FilesConfig contains attachment pipeline limits.
type FilesConfig struct {
	// MaxSizeMB is the per-file upload ceiling.
	MaxSizeMB int `toml:"max_size_mb"`
	// MaxPerConversation caps ready attachments on one conversation.
	MaxPerConversation int `toml:"max_per_conversation"`
	// AllowedExtensions lists accepted file suffixes (with dot).
	AllowedExtensions []string `toml:"allowed_extensions"`
	// PollIntervalSecs is the status poll cadence.
	PollIntervalSecs int `toml:"poll_interval_secs"`
	// PollMaxAttempts bounds the status poll loop.
	PollMaxAttempts int `toml:"poll_max_attempts"`
}

// ClientConfig contains terminal client settings.
type ClientConfig struct {
	// ServerURL is the relay the client talks to.
	ServerURL string `toml:"server_url"`
	// DefaultAssistant is the assistant type for new conversations.
	DefaultAssistant string `toml:"default_assistant"`
}

// StorageConfig contains conversation persistence settings.
type StorageConfig struct {
	// Path is the conversations file. Empty means the default under
	// the config directory.
	Path string `toml:"path"`
	// MaxConversations caps the stored list.
	MaxConversations int `toml:"max_conversations"`
}

// =============================================================================
// DEFAULT CONFIGURATION
// =============================================================================

// Default returns a Config with sensible default values.
func Default() *Config {
	return &Config{
		Server: ServerConfig{
			Host:              "0.0.0.0",
			Port:              4004,
			StreamTimeoutSecs: 60,
			RateLimitPerSec:   10,
			RateLimitBurst:    20,
		},
		DashScope: DashScopeConfig{
			BaseURL: "https://dashscope.aliyuncs.com",
			Apps:    map[string]string{},
		},
		Bailian: BailianConfig{
			Endpoint: "bailian.cn-beijing.aliyuncs.com",
		},
		Files: FilesConfig{
			MaxSizeMB:          50,
			MaxPerConversation: 5,
			AllowedExtensions: []string{
				".pdf", ".doc", ".docx", ".txt", ".md", ".json",
				".xml", ".csv", ".xlsx", ".xls", ".ppt", ".pptx",
			},
			PollIntervalSecs: 2,
			PollMaxAttempts:  60,
		},
		Client: ClientConfig{
			ServerURL:        "http://127.0.0.1:4004",
			DefaultAssistant: "abap-clean-core",
		},
		Storage: StorageConfig{
			MaxConversations: 100,
		},
	}
}

// =============================================================================
// CONFIG PATH HELPERS
// =============================================================================

// ConfigDir returns the dashchat configuration directory path.
func ConfigDir() (string, error) {
	home, err := os.UserHomeDir()
	if err != nil {
		return "", fmt.Errorf("could not determine home directory: %w", err)
	}
	return filepath.Join(home, ".dashchat"), nil
}

// ConfigPath returns the path to the TOML config file.
func ConfigPath() (string, error) {
	dir, err := ConfigDir()
	if err != nil {
		return "", err
	}
	return filepath.Join(dir, "config.toml"), nil
}

// ConversationsPath returns the effective conversations file path.
func (c *Config) ConversationsPath() (string, error) {
	if c.Storage.Path != "" {
		return c.Storage.Path, nil
	}
	dir, err := ConfigDir()
	if err != nil {
		return "", err
	}
	return filepath.Join(dir, "conversations.json"), nil
}

// ensureSecurePermissions tightens config files to 0600. They hold API
// keys.
func ensureSecurePermissions(path string) error {
	info, err := os.Stat(path)
	if err != nil {
		return err
	}
	if mode := info.Mode().Perm(); mode != 0600 {
		if err := os.Chmod(path, 0600); err != nil {
			return fmt.Errorf("failed to fix insecure permissions (was %o): %w", mode, err)
		}
	}
	return nil
}

// =============================================================================
// LOAD / SAVE
// =============================================================================

// Load loads configuration from the config file, falling back to
// defaults when no file exists. Environment overrides are applied last.
func Load() (*Config, error) {
	cfg := Default()

	path, err := ConfigPath()
	if err == nil {
		if _, statErr := os.Stat(path); statErr == nil {
			if err := loadTOML(cfg, path); err != nil {
				return nil, fmt.Errorf("failed to load config: %w", err)
			}
		}
	}

	cfg.ApplyEnvOverrides()
	cfg.fillDefaults()
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}
	return cfg, nil
}

// LoadFromPath loads configuration from a specific file with full
// validation.
func LoadFromPath(path string) (*Config, error) {
	cfg := Default()
	if err := loadTOML(cfg, path); err != nil {
		return nil, fmt.Errorf("failed to load config from %s: %w", path, err)
	}
	cfg.ApplyEnvOverrides()
	cfg.fillDefaults()
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}
	return cfg, nil
}

func loadTOML(cfg *Config, path string) error {
	if err := ensureSecurePermissions(path); err != nil {
		fmt.Fprintf(os.Stderr, "Warning: could not ensure secure permissions on %s: %v\n", path, err)
	}
	if _, err := toml.DecodeFile(path, cfg); err != nil {
		return fmt.Errorf("failed to decode TOML file: %w", err)
	}
	return nil
}

// Save writes the config to the default location with 0600 permissions.
func Save(cfg *Config) error {
	path, err := ConfigPath()
	if err != nil {
		return err
	}
	var sb strings.Builder
	if err := toml.NewEncoder(&sb).Encode(cfg); err != nil {
		return fmt.Errorf("failed to encode config: %w", err)
	}
	return util.AtomicWriteFile(path, []byte(sb.String()), 0600)
}

// fillDefaults fills in any missing values with defaults.
func (c *Config) fillDefaults() {
	defaults := Default()

	if c.Server.Host == "" {
		c.Server.Host = defaults.Server.Host
	}
	if c.Server.Port == 0 {
		c.Server.Port = defaults.Server.Port
	}
	if c.Server.StreamTimeoutSecs == 0 {
		c.Server.StreamTimeoutSecs = defaults.Server.StreamTimeoutSecs
	}
	if c.DashScope.BaseURL == "" {
		c.DashScope.BaseURL = defaults.DashScope.BaseURL
	}
	if c.DashScope.Apps == nil {
		c.DashScope.Apps = map[string]string{}
	}
	if c.Bailian.Endpoint == "" {
		c.Bailian.Endpoint = defaults.Bailian.Endpoint
	}
	if c.Files.MaxSizeMB == 0 {
		c.Files.MaxSizeMB = defaults.Files.MaxSizeMB
	}
	if c.Files.MaxPerConversation == 0 {
		c.Files.MaxPerConversation = defaults.Files.MaxPerConversation
	}
	if len(c.Files.AllowedExtensions) == 0 {
		c.Files.AllowedExtensions = defaults.Files.AllowedExtensions
	}
	if c.Files.PollIntervalSecs == 0 {
		c.Files.PollIntervalSecs = defaults.Files.PollIntervalSecs
	}
	if c.Files.PollMaxAttempts == 0 {
		c.Files.PollMaxAttempts = defaults.Files.PollMaxAttempts
	}
	if c.Client.ServerURL == "" {
		c.Client.ServerURL = defaults.Client.ServerURL
	}
	if c.Client.DefaultAssistant == "" {
		c.Client.DefaultAssistant = defaults.Client.DefaultAssistant
	}
	if c.Storage.MaxConversations == 0 {
		c.Storage.MaxConversations = defaults.Storage.MaxConversations
	}
}

// =============================================================================
// VALIDATION
// =============================================================================

// ValidationError represents a configuration validation error.
type ValidationError struct {
	Field   string
	Message string
}

func (e ValidationError) Error() string {
	return fmt.Sprintf("%s: %s", e.Field, e.Message)
}

// ValidateErrors is a collection of validation errors.
type ValidateErrors []ValidationError

func (e ValidateErrors) Error() string {
	if len(e) == 0 {
		return "no validation errors"
	}
	var msgs []string
	for _, err := range e {
		msgs = append(msgs, err.Error())
	}
	return strings.Join(msgs, "; ")
}

// Validate validates the configuration and returns any errors.
func (c *Config) Validate() error {
	var errs ValidateErrors

	if c.Server.Port < 1 || c.Server.Port > 65535 {
		errs = append(errs, ValidationError{
			Field:   "server.port",
			Message: fmt.Sprintf("invalid port %d, must be 1-65535", c.Server.Port),
		})
	}
	if c.Server.StreamTimeoutSecs < 1 {
		errs = append(errs, ValidationError{
			Field:   "server.stream_timeout_secs",
			Message: "timeout must be at least 1 second",
		})
	}
	if c.Server.RateLimitPerSec < 0 {
		errs = append(errs, ValidationError{
			Field:   "server.rate_limit_per_sec",
			Message: "rate limit cannot be negative",
		})
	}
	if !strings.HasPrefix(c.DashScope.BaseURL, "http://") && !strings.HasPrefix(c.DashScope.BaseURL, "https://") {
		errs = append(errs, ValidationError{
			Field:   "dashscope.base_url",
			Message: fmt.Sprintf("invalid URL '%s', must start with http:// or https://", c.DashScope.BaseURL),
		})
	}
	if c.Files.MaxSizeMB < 1 {
		errs = append(errs, ValidationError{
			Field:   "files.max_size_mb",
			Message: "max size must be at least 1 MB",
		})
	}
	if c.Files.MaxPerConversation < 1 {
		errs = append(errs, ValidationError{
			Field:   "files.max_per_conversation",
			Message: "attachment cap must be at least 1",
		})
	}
	for _, ext := range c.Files.AllowedExtensions {
		if !strings.HasPrefix(ext, ".") {
			errs = append(errs, ValidationError{
				Field:   "files.allowed_extensions",
				Message: fmt.Sprintf("extension '%s' must start with a dot", ext),
			})
		}
	}
	if c.Storage.MaxConversations < 1 {
		errs = append(errs, ValidationError{
			Field:   "storage.max_conversations",
			Message: "conversation cap must be at least 1",
		})
	}

	if len(errs) > 0 {
		return errs
	}
	return nil
}

// =============================================================================
// ENVIRONMENT OVERRIDES
// =============================================================================

// assistantAppEnv maps assistant types to their dedicated app-id env
// variables, matching the deployment's .env contract.
var assistantAppEnv = map[string]string{
	"abap-clean-core": "DASHSCOPE_APP_ID_ABAP",
	"cpi":             "DASHSCOPE_APP_ID_CPI",
	"func-doc":        "DASHSCOPE_APP_ID_FUNC_DOC",
	"tech-doc":        "DASHSCOPE_APP_ID_TECH_DOC",
	"code-review":     "DASHSCOPE_APP_ID_CODE_REVIEW",
	"unit-test":       "DASHSCOPE_APP_ID_UNIT_TEST",
	"diagram":         "DASHSCOPE_APP_ID_DIAGRAM",
}

// ApplyEnvOverrides applies environment variable overrides.
//
// Recognized variables:
//   - DASHSCOPE_API_KEY: completion API key
//   - DASHSCOPE_APP_ID: default application id
//   - DASHSCOPE_APP_ID_<ASSISTANT>: per-assistant application ids
//   - DASHSCOPE_WORKSPACE_ID: completion workspace header
//   - BAILIAN_ACCESS_KEY_ID / BAILIAN_ACCESS_KEY_SECRET: file service keys
//   - BAILIAN_WORKSPACE_ID: file service workspace
//   - PORT: server listen port
//   - DASHCHAT_SERVER_URL: client-side relay address
func (c *Config) ApplyEnvOverrides() {
	if key := os.Getenv("DASHSCOPE_API_KEY"); key != "" {
		c.DashScope.APIKey = key
	}
	if id := os.Getenv("DASHSCOPE_APP_ID"); id != "" {
		c.DashScope.DefaultAppID = id
	}
	if ws := os.Getenv("DASHSCOPE_WORKSPACE_ID"); ws != "" {
		c.DashScope.WorkspaceID = ws
	}
	if c.DashScope.Apps == nil {
		c.DashScope.Apps = map[string]string{}
	}
	for assistant, env := range assistantAppEnv {
		if id := os.Getenv(env); id != "" {
			c.DashScope.Apps[assistant] = id
		}
	}
	// The abap assistant historically shares the default app id.
	if c.DashScope.Apps["abap-clean-core"] == "" && c.DashScope.DefaultAppID != "" {
		c.DashScope.Apps["abap-clean-core"] = c.DashScope.DefaultAppID
	}
	if c.DashScope.DefaultAppID == "" {
		c.DashScope.DefaultAppID = c.DashScope.Apps["abap-clean-core"]
	}

	if ak := os.Getenv("BAILIAN_ACCESS_KEY_ID"); ak != "" {
		c.Bailian.AccessKeyID = ak
	}
	if sk := os.Getenv("BAILIAN_ACCESS_KEY_SECRET"); sk != "" {
		c.Bailian.AccessKeySecret = sk
	}
	if ws := os.Getenv("BAILIAN_WORKSPACE_ID"); ws != "" {
		c.Bailian.WorkspaceID = ws
	}

	if port := os.Getenv("PORT"); port != "" {
		if p, err := strconv.Atoi(port); err == nil {
			c.Server.Port = p
		}
	}
	if url := os.Getenv("DASHCHAT_SERVER_URL"); url != "" {
		c.Client.ServerURL = url
	}
}

// =============================================================================
// DERIVED ACCESSORS
// =============================================================================

// AppIDFor resolves the application id for an assistant type, falling
// back to the default app id for unknown or unmapped types.
func (c *Config) AppIDFor(assistant string) string {
	if id := c.DashScope.Apps[assistant]; id != "" {
		return id
	}
	return c.DashScope.DefaultAppID
}

// ChatConfigured reports whether the completion API can be called.
func (c *Config) ChatConfigured() bool {
	return c.DashScope.APIKey != "" && c.DashScope.DefaultAppID != ""
}

// FilesConfigured reports whether the file service can be called.
func (c *Config) FilesConfigured() bool {
	return c.Bailian.AccessKeyID != "" && c.Bailian.AccessKeySecret != ""
}

// MaxFileBytes returns the upload ceiling in bytes.
func (c *Config) MaxFileBytes() int64 {
	return int64(c.Files.MaxSizeMB) * 1024 * 1024
}

// ExtensionAllowed reports whether a filename's extension is accepted.
// Matching is case-insensitive.
func (c *Config) ExtensionAllowed(filename string) bool {
	ext := strings.ToLower(filepath.Ext(filename))
	if ext == "" {
		return false
	}
	for _, allowed := range c.Files.AllowedExtensions {
		if ext == strings.ToLower(allowed) {
			return true
		}
	}
	return false
}

// =============================================================================
// SINGLETON PATTERN (THREAD-SAFE)
// =============================================================================

var (
	globalConfig     *Config
	globalConfigOnce sync.Once
	globalConfigMu   sync.RWMutex
)

// Global returns the global configuration instance.
// Loads configuration on first access. Thread-safe.
func Global() *Config {
	globalConfigOnce.Do(func() {
		cfg, err := Load()
		if err != nil {
			fmt.Fprintf(os.Stderr, "Warning: %v (using defaults)\n", err)
			cfg = Default()
			cfg.ApplyEnvOverrides()
		}
		globalConfig = cfg
	})

	globalConfigMu.RLock()
	defer globalConfigMu.RUnlock()
	return globalConfig
}

// SetGlobal sets the global configuration instance. Thread-safe.
func SetGlobal(cfg *Config) {
	globalConfigMu.Lock()
	defer globalConfigMu.Unlock()
	globalConfig = cfg
}

// ResetGlobalForTesting resets the global config state for testing.
func ResetGlobalForTesting() {
	globalConfigMu.Lock()
	defer globalConfigMu.Unlock()
	globalConfig = nil
	globalConfigOnce = sync.Once{}
}
