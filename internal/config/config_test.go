package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"
)

func TestLoadDefaults(t *testing.T) {
	cfg, err := Load("")
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.RateLimit.BurstLimit != 3 || cfg.RateLimit.SustainedLimit != 10 {
		t.Errorf("rate limit = %+v", cfg.RateLimit)
	}
	if cfg.Chat.MaxDocuments != 5 || cfg.Chat.MaxTurnsPerSession != 50 || cfg.Chat.MaxMessageLength != 1500 {
		t.Errorf("chat = %+v", cfg.Chat)
	}
	if cfg.Embedding.Remote.Dimensions != 1536 || cfg.Embedding.Local.Dimensions != 384 {
		t.Errorf("embedding dims = %d/%d", cfg.Embedding.Remote.Dimensions, cfg.Embedding.Local.Dimensions)
	}
	if cfg.Elasticsearch.VectorWeight != 0.7 || cfg.Elasticsearch.LexicalWeight != 0.3 {
		t.Errorf("weights = %v/%v", cfg.Elasticsearch.VectorWeight, cfg.Elasticsearch.LexicalWeight)
	}
}

func TestLoadFileAndEnv(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.yaml")
	yaml := `
server:
  port: "9090"
chat:
  default_document: "faq"
llm:
  backends:
    fast:
      model: "small-model"
      display_name: "Small"
moderation:
  rules:
    - pattern: "forbidden phrase"
      reason: "custom"
`
	if err := os.WriteFile(path, []byte(yaml), 0o600); err != nil {
		t.Fatalf("write config: %v", err)
	}
	t.Setenv("RAGCHAT_CHAT_MAX_DOCUMENTS", "3")

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.Server.Port != "9090" || cfg.Chat.DefaultDocument != "faq" {
		t.Errorf("file values = %q/%q", cfg.Server.Port, cfg.Chat.DefaultDocument)
	}
	if cfg.Chat.MaxDocuments != 3 {
		t.Errorf("MaxDocuments = %d, want env override 3", cfg.Chat.MaxDocuments)
	}
	if b := cfg.LLM.Backends["fast"]; b.Model != "small-model" || b.DisplayName != "Small" {
		t.Errorf("fast backend = %+v", b)
	}
	if len(cfg.Moderation.Rules) != 1 || cfg.Moderation.Rules[0].Reason != "custom" {
		t.Errorf("rules = %+v", cfg.Moderation.Rules)
	}
}

func TestLoadMissingFile(t *testing.T) {
	if _, err := Load(filepath.Join(t.TempDir(), "missing.yaml")); err == nil {
		t.Error("Load(missing) = nil error")
	}
}

func TestSeconds(t *testing.T) {
	if got := Seconds(0, 5*time.Second); got != 5*time.Second {
		t.Errorf("Seconds(0) = %s", got)
	}
	if got := Seconds(3, 5*time.Second); got != 3*time.Second {
		t.Errorf("Seconds(3) = %s", got)
	}
}
