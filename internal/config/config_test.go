package config_test

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"slide-guide/internal/config"
)

func isolate(t *testing.T) string {
	t.Helper()
	dir := t.TempDir()
	t.Setenv("CONFIG_FILE", "")
	t.Setenv("DATABASE_PATH", filepath.Join(dir, "db", "guide.db"))
	t.Setenv("WORKSPACE_ROOT", filepath.Join(dir, "workspaces"))
	t.Setenv("CACHE_ROOT", "")
	for _, key := range []string{
		"OPENAI_API_KEY", "OPENAI_MODEL", "RENDER_DPI", "ANALYSIS_CONCURRENCY",
		"DECODE_RETRIES", "VERIFY_ANSWERS", "CACHE_MAX_AGE", "CACHE_MAX_SIZE",
		"MAX_UPLOAD_SIZE", "PROVIDER_TIMEOUT", "RENDERER", "PORT",
	} {
		t.Setenv(key, "")
	}
	return dir
}

func TestLoadDefaults(t *testing.T) {
	dir := isolate(t)

	cfg, err := config.Load()
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.DPI != 300 || cfg.Concurrency != 4 || cfg.Renderer != "fitz" {
		t.Fatalf("unexpected defaults: %+v", cfg)
	}
	if cfg.LongLivedCache() {
		t.Fatal("cache root should default to per-session caching")
	}
	if cfg.MaxUploadBytes != 64_000_000 {
		t.Fatalf("max upload = %d", cfg.MaxUploadBytes)
	}
	for _, want := range []string{filepath.Join(dir, "db"), filepath.Join(dir, "workspaces")} {
		if info, err := os.Stat(want); err != nil || !info.IsDir() {
			t.Fatalf("expected %s to be created: %v", want, err)
		}
	}
}

func TestLoadFileThenEnv(t *testing.T) {
	dir := isolate(t)
	file := filepath.Join(dir, "guide.yaml")
	yaml := "openai_model: file-model\nrender_dpi: 150\ncache_max_size: 2GB\ncache_max_age: 48h\nverify_answers: true\n"
	if err := os.WriteFile(file, []byte(yaml), 0o644); err != nil {
		t.Fatal(err)
	}
	t.Setenv("CONFIG_FILE", file)
	t.Setenv("RENDER_DPI", "200")
	t.Setenv("CACHE_ROOT", filepath.Join(dir, "cache"))

	cfg, err := config.Load()
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.OpenAIModel != "file-model" {
		t.Errorf("model = %q, want file value", cfg.OpenAIModel)
	}
	if cfg.DPI != 200 {
		t.Errorf("dpi = %d, env should win over file", cfg.DPI)
	}
	if cfg.CacheMaxBytes != 2_000_000_000 {
		t.Errorf("cache max bytes = %d", cfg.CacheMaxBytes)
	}
	if cfg.CacheMaxAge != 48*time.Hour {
		t.Errorf("cache max age = %v", cfg.CacheMaxAge)
	}
	if !cfg.VerifyAnswers || !cfg.LongLivedCache() {
		t.Errorf("flags not applied: %+v", cfg)
	}
}

func TestLoadRejectsBadValues(t *testing.T) {
	cases := map[string][2]string{
		"dpi too high":   {"RENDER_DPI", "1200"},
		"dpi not int":    {"RENDER_DPI", "high"},
		"bad duration":   {"CACHE_MAX_AGE", "a week"},
		"bad size":       {"CACHE_MAX_SIZE", "lots"},
		"bad bool":       {"VERIFY_ANSWERS", "perhaps"},
		"missing config": {"CONFIG_FILE", "/nonexistent/guide.yaml"},
	}
	for name, kv := range cases {
		t.Run(name, func(t *testing.T) {
			isolate(t)
			t.Setenv(kv[0], kv[1])
			if _, err := config.Load(); err == nil {
				t.Fatalf("%s=%q accepted", kv[0], kv[1])
			}
		})
	}
}
