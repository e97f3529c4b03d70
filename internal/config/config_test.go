// Copyright (c) 2025 The dashchat Authors
// SPDX-License-Identifier: AGPL-3.0-or-later

package config

import (
	"os"
	"path/filepath"
	"sync"
	"testing"
)

func TestDefault_Valid(t *testing.T) {
	cfg := Default()
	if err := cfg.Validate(); err != nil {
		t.Fatalf("Default() does not validate: %v", err)
	}
	if cfg.Server.Port != 4004 {
		t.Errorf("Port = %d, want 4004", cfg.Server.Port)
	}
	if cfg.Server.StreamTimeoutSecs != 60 {
		t.Errorf("StreamTimeoutSecs = %d, want 60", cfg.Server.StreamTimeoutSecs)
	}
	if cfg.Files.MaxSizeMB != 50 {
		t.Errorf("MaxSizeMB = %d, want 50", cfg.Files.MaxSizeMB)
	}
	if cfg.Storage.MaxConversations != 100 {
		t.Errorf("MaxConversations = %d, want 100", cfg.Storage.MaxConversations)
	}
}

func TestValidate_Errors(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(*Config)
	}{
		{"bad port", func(c *Config) { c.Server.Port = 0 }},
		{"bad timeout", func(c *Config) { c.Server.StreamTimeoutSecs = 0 }},
		{"negative rate limit", func(c *Config) { c.Server.RateLimitPerSec = -1 }},
		{"bad base url", func(c *Config) { c.DashScope.BaseURL = "dashscope.aliyuncs.com" }},
		{"extension without dot", func(c *Config) { c.Files.AllowedExtensions = []string{"pdf"} }},
		{"zero conversation cap", func(c *Config) { c.Storage.MaxConversations = 0 }},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := Default()
			tt.mutate(cfg)
			if err := cfg.Validate(); err == nil {
				t.Error("Validate() = nil, want error")
			}
		})
	}
}

func TestApplyEnvOverrides(t *testing.T) {
	t.Setenv("DASHSCOPE_API_KEY", "sk-test")
	t.Setenv("DASHSCOPE_APP_ID", "app-default")
	t.Setenv("DASHSCOPE_APP_ID_CPI", "app-cpi")
	t.Setenv("BAILIAN_ACCESS_KEY_ID", "ak")
	t.Setenv("BAILIAN_ACCESS_KEY_SECRET", "sk")
	t.Setenv("PORT", "8080")

	cfg := Default()
	cfg.ApplyEnvOverrides()

	if cfg.DashScope.APIKey != "sk-test" {
		t.Errorf("APIKey = %q, want %q", cfg.DashScope.APIKey, "sk-test")
	}
	if cfg.DashScope.DefaultAppID != "app-default" {
		t.Errorf("DefaultAppID = %q, want %q", cfg.DashScope.DefaultAppID, "app-default")
	}
	if cfg.DashScope.Apps["cpi"] != "app-cpi" {
		t.Errorf("Apps[cpi] = %q, want %q", cfg.DashScope.Apps["cpi"], "app-cpi")
	}
	// The abap assistant inherits the default id when not set directly.
	if cfg.DashScope.Apps["abap-clean-core"] != "app-default" {
		t.Errorf("Apps[abap-clean-core] = %q, want %q", cfg.DashScope.Apps["abap-clean-core"], "app-default")
	}
	if cfg.Server.Port != 8080 {
		t.Errorf("Port = %d, want 8080", cfg.Server.Port)
	}
	if !cfg.ChatConfigured() {
		t.Error("ChatConfigured() = false, want true")
	}
	if !cfg.FilesConfigured() {
		t.Error("FilesConfigured() = false, want true")
	}
}

func TestAppIDFor(t *testing.T) {
	cfg := Default()
	cfg.DashScope.DefaultAppID = "app-default"
	cfg.DashScope.Apps = map[string]string{"cpi": "app-cpi"}

	if got := cfg.AppIDFor("cpi"); got != "app-cpi" {
		t.Errorf("AppIDFor(cpi) = %q, want %q", got, "app-cpi")
	}
	if got := cfg.AppIDFor("no-such-assistant"); got != "app-default" {
		t.Errorf("AppIDFor(unknown) = %q, want %q", got, "app-default")
	}
	if got := cfg.AppIDFor(""); got != "app-default" {
		t.Errorf("AppIDFor(empty) = %q, want %q", got, "app-default")
	}
}

func TestExtensionAllowed(t *testing.T) {
	cfg := Default()

	tests := []struct {
		filename string
		want     bool
	}{
		{"report.pdf", true},
		{"REPORT.PDF", true},
		{"notes.md", true},
		{"data.xlsx", true},
		{"script.exe", false},
		{"noextension", false},
		{"archive.tar.gz", false},
	}

	for _, tt := range tests {
		if got := cfg.ExtensionAllowed(tt.filename); got != tt.want {
			t.Errorf("ExtensionAllowed(%q) = %v, want %v", tt.filename, got, tt.want)
		}
	}
}

func TestMaxFileBytes(t *testing.T) {
	cfg := Default()
	if got := cfg.MaxFileBytes(); got != 50*1024*1024 {
		t.Errorf("MaxFileBytes() = %d, want %d", got, 50*1024*1024)
	}
}

func TestLoadFromPath(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "config.toml")
	content := `
[server]
port = 9000

[dashscope]
api_key = "sk-file"
default_app_id = "app-file"

[dashscope.apps]
cpi = "app-cpi-file"
`
	if err := os.WriteFile(path, []byte(content), 0600); err != nil {
		t.Fatalf("write config: %v", err)
	}

	cfg, err := LoadFromPath(path)
	if err != nil {
		t.Fatalf("LoadFromPath failed: %v", err)
	}
	if cfg.Server.Port != 9000 {
		t.Errorf("Port = %d, want 9000", cfg.Server.Port)
	}
	if cfg.DashScope.APIKey != "sk-file" {
		t.Errorf("APIKey = %q, want %q", cfg.DashScope.APIKey, "sk-file")
	}
	if cfg.DashScope.Apps["cpi"] != "app-cpi-file" {
		t.Errorf("Apps[cpi] = %q", cfg.DashScope.Apps["cpi"])
	}
	// Unset fields fall back to defaults.
	if cfg.Server.StreamTimeoutSecs != 60 {
		t.Errorf("StreamTimeoutSecs = %d, want 60", cfg.Server.StreamTimeoutSecs)
	}
}

func TestConfig_ConcurrentAccess(t *testing.T) {
	ResetGlobalForTesting()

	var wg sync.WaitGroup
	for i := 0; i < 50; i++ {
		wg.Add(2)
		go func() {
			defer wg.Done()
			SetGlobal(Default())
		}()
		go func() {
			defer wg.Done()
			if cfg := Global(); cfg == nil {
				t.Error("Global() returned nil")
			}
		}()
	}
	wg.Wait()
}
