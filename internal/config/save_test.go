package config

import (
	"encoding/json"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

func TestSaveCreatesParentDir(t *testing.T) {
	tmpDir := t.TempDir()
	path := filepath.Join(tmpDir, "nested", "deep", "config.json")

	if err := Save(DefaultConfig(), path); err != nil {
		t.Fatalf("Save failed: %v", err)
	}

	data, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("Config file was not created: %v", err)
	}

	var loaded Config
	if err := json.Unmarshal(data, &loaded); err != nil {
		t.Fatalf("Config file contains invalid JSON: %v", err)
	}
	if !strings.Contains(string(data), `"pass_interval": "100ms"`) {
		t.Errorf("durations should be written as text, got:\n%s", data)
	}
}

func TestSaveRoundTrip(t *testing.T) {
	for _, name := range []string{"config.json", "config.yaml"} {
		t.Run(name, func(t *testing.T) {
			path := filepath.Join(t.TempDir(), name)

			cfg := DefaultConfig()
			cfg.StorePath = "/var/lib/agentrt/state.db"
			cfg.Breaker.Cooldown = Duration(45 * time.Second)
			cfg.Resources["api_quota"] = 5
			cfg.Shared = SharedConfig{Backend: SharedRedis, URL: "redis://localhost:6379/0", Prefix: "site"}
			cfg.Agents["serp"] = AgentConfig{
				Command:    "serp-agent",
				Args:       []string{"--region", "eu"},
				Env:        map[string]string{"SERP_KEY": "x"},
				Operations: []string{"search"},
				Capacity:   3,
			}
			cfg.Workflows["research"] = WorkflowConfig{Steps: []WorkflowStepConfig{
				{Agent: "serp", Operation: "search"},
				{Operation: "search"},
			}}

			if err := Save(cfg, path); err != nil {
				t.Fatalf("Save failed: %v", err)
			}

			loaded, err := Load(path, "")
			if err != nil {
				t.Fatalf("Load failed: %v", err)
			}

			if loaded.StorePath != cfg.StorePath {
				t.Errorf("store_path = %q, want %q", loaded.StorePath, cfg.StorePath)
			}
			if loaded.Breaker.Cooldown.D() != 45*time.Second {
				t.Errorf("breaker.cooldown = %s, want 45s", loaded.Breaker.Cooldown.D())
			}
			if loaded.Resources["api_quota"] != 5 {
				t.Errorf("resources = %v", loaded.Resources)
			}
			if loaded.Shared != cfg.Shared {
				t.Errorf("shared = %+v, want %+v", loaded.Shared, cfg.Shared)
			}
			serp := loaded.Agents["serp"]
			if serp.Capacity != 3 || len(serp.Args) != 2 || serp.Env["SERP_KEY"] != "x" {
				t.Errorf("serp agent = %+v", serp)
			}
			if steps := loaded.Workflows["research"].Steps; len(steps) != 2 || steps[0].Agent != "serp" {
				t.Errorf("workflow steps = %+v", steps)
			}
		})
	}
}

func TestSaveOverwritesExisting(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.yaml")

	cfg1 := DefaultConfig()
	cfg1.Retry.MaxAttempts = 2
	if err := Save(cfg1, path); err != nil {
		t.Fatalf("First save failed: %v", err)
	}

	cfg2 := DefaultConfig()
	cfg2.Retry.MaxAttempts = 9
	if err := Save(cfg2, path); err != nil {
		t.Fatalf("Second save failed: %v", err)
	}

	loaded, err := Load(path, "")
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}
	if loaded.Retry.MaxAttempts != 9 {
		t.Errorf("Expected 9, got %d", loaded.Retry.MaxAttempts)
	}
}
