package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"

	logx "fiscalbot/pkg/logx"
)

func writeConfig(t *testing.T, name, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), name)
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatal(err)
	}
	return path
}

const minimalJSON = `{
  "telegram": {"token": "123:abc"},
  "storage": {"path": "/tmp/bot.db"}
}`

func TestLoadMinimalJSON(t *testing.T) {
	path := writeConfig(t, "config.json", minimalJSON)
	cfg, err := NewManager(path, logx.Nop()).Load()
	if err != nil {
		t.Fatal(err)
	}
	if cfg.Telegram.Token != "123:abc" || cfg.Storage.Path != "/tmp/bot.db" {
		t.Errorf("fields not decoded: %+v", cfg)
	}
}

func TestLoadYAML(t *testing.T) {
	path := writeConfig(t, "config.yaml", `
telegram:
  token: "123:abc"
  poll_timeout: 10s
storage:
  path: /tmp/bot.db
notify:
  batch_threshold: 5
  cooldown_window: 45m
`)
	cfg, err := NewManager(path, logx.Nop()).Load()
	if err != nil {
		t.Fatal(err)
	}
	if cfg.Notify.BatchThreshold != 5 || cfg.Notify.CooldownWindow != "45m" {
		t.Errorf("yaml fields not decoded: %+v", cfg.Notify)
	}
}

func TestLoadRejectsUnknownField(t *testing.T) {
	path := writeConfig(t, "config.json", `{
  "telegram": {"token": "123:abc", "owner": 42},
  "storage": {"path": "/tmp/bot.db"}
}`)
	if _, err := NewManager(path, logx.Nop()).Load(); err == nil {
		t.Fatal("unknown field should be rejected")
	}
}

func TestLoadRejectsTrailingData(t *testing.T) {
	path := writeConfig(t, "config.json", minimalJSON+`{"extra": true}`)
	if _, err := NewManager(path, logx.Nop()).Load(); err == nil {
		t.Fatal("trailing data should be rejected")
	}
}

func TestLoadRejectsBadDuration(t *testing.T) {
	path := writeConfig(t, "config.json", `{
  "telegram": {"token": "123:abc"},
  "storage": {"path": "/tmp/bot.db"},
  "notify": {"cooldown_window": "30 minutes"}
}`)
	_, err := NewManager(path, logx.Nop()).Load()
	if err == nil || !strings.Contains(err.Error(), "cooldown_window") {
		t.Fatalf("bad duration should name the field, got %v", err)
	}
}

func TestLoadRequiresTokenAndPath(t *testing.T) {
	for name, content := range map[string]string{
		"token": `{"storage": {"path": "/tmp/bot.db"}}`,
		"path":  `{"telegram": {"token": "123:abc"}}`,
	} {
		p := writeConfig(t, "config.json", content)
		if _, err := NewManager(p, logx.Nop()).Load(); err == nil {
			t.Errorf("missing %s should be rejected", name)
		}
	}
}

func TestDurationHelper(t *testing.T) {
	if got := Duration("45m", 0); got.Minutes() != 45 {
		t.Errorf("Duration(45m) = %s", got)
	}
	if got := Duration("", 42); got != 42 {
		t.Errorf("empty value should fall back to default, got %d", got)
	}
}
