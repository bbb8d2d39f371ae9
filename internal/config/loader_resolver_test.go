package config

import (
	"os"
	"path/filepath"
	"testing"
)

func TestLoadWithIncludeAndEnvSubstitution(t *testing.T) {
	tmpDir := t.TempDir()
	configDir := filepath.Join(tmpDir, ".nanoclaw")
	if err := os.MkdirAll(configDir, 0o755); err != nil {
		t.Fatalf("mkdir config dir: %v", err)
	}

	basePath := filepath.Join(configDir, "base.json")
	mainPath := filepath.Join(configDir, "config.json")
	baseCfg := `{
		"router": { "assistantName": "base-bot", "timezone": "UTC" },
		"gateway": { "host": "127.0.0.1", "port": 9000 }
	}`
	mainCfg := `{
		"$include": "base.json",
		"router": { "assistantName": "${TEST_ASSISTANT_NAME}" },
		"gateway": { "port": 7777 }
	}`
	if err := os.WriteFile(basePath, []byte(baseCfg), 0o600); err != nil {
		t.Fatalf("write base config: %v", err)
	}
	if err := os.WriteFile(mainPath, []byte(mainCfg), 0o600); err != nil {
		t.Fatalf("write main config: %v", err)
	}

	origHome := os.Getenv("HOME")
	origName := os.Getenv("TEST_ASSISTANT_NAME")
	defer os.Setenv("HOME", origHome)
	defer os.Setenv("TEST_ASSISTANT_NAME", origName)
	_ = os.Setenv("HOME", tmpDir)
	_ = os.Setenv("TEST_ASSISTANT_NAME", "env-bot")

	cfg, err := Load()
	if err != nil {
		t.Fatalf("load config: %v", err)
	}

	if cfg.Router.AssistantName != "env-bot" {
		t.Fatalf("expected env-substituted assistant name, got %q", cfg.Router.AssistantName)
	}
	if cfg.Router.Timezone != "UTC" {
		t.Fatalf("expected timezone from include file, got %q", cfg.Router.Timezone)
	}
	if cfg.Gateway.Port != 7777 {
		t.Fatalf("expected main config override for gateway.port, got %d", cfg.Gateway.Port)
	}
}

func TestLoadWithIncludeArrayMergeOrder(t *testing.T) {
	tmpDir := t.TempDir()
	configDir := filepath.Join(tmpDir, ".nanoclaw")
	if err := os.MkdirAll(configDir, 0o755); err != nil {
		t.Fatalf("mkdir config dir: %v", err)
	}

	first := `{"router": {"assistantName": "first", "timezone": "UTC"}}`
	second := `{"router": {"assistantName": "second"}}`
	main := `{"$include": ["first.json", "second.json"], "router": {"botPrefix": "[x]"}}`

	_ = os.WriteFile(filepath.Join(configDir, "first.json"), []byte(first), 0o600)
	_ = os.WriteFile(filepath.Join(configDir, "second.json"), []byte(second), 0o600)
	_ = os.WriteFile(filepath.Join(configDir, "config.json"), []byte(main), 0o600)

	origHome := os.Getenv("HOME")
	defer os.Setenv("HOME", origHome)
	_ = os.Setenv("HOME", tmpDir)

	cfg, err := Load()
	if err != nil {
		t.Fatalf("load config: %v", err)
	}
	if cfg.Router.AssistantName != "second" {
		t.Fatalf("expected second include to override first, got %q", cfg.Router.AssistantName)
	}
	if cfg.Router.Timezone != "UTC" {
		t.Fatalf("expected timezone preserved from first include, got %q", cfg.Router.Timezone)
	}
	if cfg.Router.BotPrefix != "[x]" {
		t.Fatalf("expected bot prefix from main config, got %q", cfg.Router.BotPrefix)
	}
}

func TestLoadWithInvalidIncludeTypeReturnsError(t *testing.T) {
	tmpDir := t.TempDir()
	configDir := filepath.Join(tmpDir, ".nanoclaw")
	if err := os.MkdirAll(configDir, 0o755); err != nil {
		t.Fatalf("mkdir config dir: %v", err)
	}
	main := `{"$include": 123}`
	if err := os.WriteFile(filepath.Join(configDir, "config.json"), []byte(main), 0o600); err != nil {
		t.Fatalf("write config: %v", err)
	}

	origHome := os.Getenv("HOME")
	defer os.Setenv("HOME", origHome)
	_ = os.Setenv("HOME", tmpDir)

	if _, err := Load(); err == nil {
		t.Fatal("expected invalid $include error, got nil")
	}
}

func TestLoadWithIncludeCycleReturnsError(t *testing.T) {
	tmpDir := t.TempDir()
	configDir := filepath.Join(tmpDir, ".nanoclaw")
	if err := os.MkdirAll(configDir, 0o755); err != nil {
		t.Fatalf("mkdir config dir: %v", err)
	}
	main := `{"$include": "a.json"}`
	a := `{"$include": "b.json"}`
	b := `{"$include": "a.json"}`
	_ = os.WriteFile(filepath.Join(configDir, "config.json"), []byte(main), 0o600)
	_ = os.WriteFile(filepath.Join(configDir, "a.json"), []byte(a), 0o600)
	_ = os.WriteFile(filepath.Join(configDir, "b.json"), []byte(b), 0o600)

	origHome := os.Getenv("HOME")
	defer os.Setenv("HOME", origHome)
	_ = os.Setenv("HOME", tmpDir)

	if _, err := Load(); err == nil {
		t.Fatal("expected include cycle error, got nil")
	}
}

func TestParseIncludes(t *testing.T) {
	got, err := parseIncludes("one.json")
	if err != nil || len(got) != 1 || got[0] != "one.json" {
		t.Fatalf("unexpected parse result: got=%v err=%v", got, err)
	}
	got, err = parseIncludes([]any{"one.json", "two.json"})
	if err != nil || len(got) != 2 {
		t.Fatalf("unexpected array parse: got=%v err=%v", got, err)
	}
	if _, err := parseIncludes([]any{"ok.json", 42}); err == nil {
		t.Fatal("expected parse error for non-string include item")
	}
}
