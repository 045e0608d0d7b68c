package config

import (
	"log/slog"
	"os"
	"path/filepath"
	"testing"
	"time"
)

func writeConfig(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "config.yaml")
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatal(err)
	}
	return path
}

func TestLoadFull(t *testing.T) {
	path := writeConfig(t, `
listen:
  address: 127.0.0.1
  port: 9090
log_level: debug
api_timeout_sec: 5
onebot_v11:
  access_token: tok11
  secret: sekrit
  ws_urls:
    - ws://127.0.0.1:6700/ws
  api_roots:
    "12345": http://127.0.0.1:5700
  nicknames: [bot, robot]
onebot_v12:
  access_token: tok12
  use_msgpack: true
`)
	cfg, err := Load(path)
	if err != nil {
		t.Fatal(err)
	}
	if cfg.Listen.Port != 9090 || cfg.Listen.Address != "127.0.0.1" {
		t.Errorf("listen = %+v", cfg.Listen)
	}
	if cfg.APITimeout() != 5*time.Second {
		t.Errorf("APITimeout = %v", cfg.APITimeout())
	}
	if cfg.V11.Secret != "sekrit" || cfg.V11.APIRoots["12345"] != "http://127.0.0.1:5700" {
		t.Errorf("v11 = %+v", cfg.V11)
	}
	if !cfg.V12.UseMsgpack.Enabled("anything") {
		t.Error("use_msgpack: true should enable for all impls")
	}
}

func TestDefaults(t *testing.T) {
	cfg, err := Load(writeConfig(t, "{}"))
	if err != nil {
		t.Fatal(err)
	}
	if cfg.Listen.Port != 8080 {
		t.Errorf("default port = %d", cfg.Listen.Port)
	}
	if cfg.APITimeout() != 30*time.Second {
		t.Errorf("default timeout = %v", cfg.APITimeout())
	}
	if cfg.V12.UseMsgpack.Enabled("x") {
		t.Error("msgpack should default off")
	}
}

func TestMsgpackPerImpl(t *testing.T) {
	cfg, err := Load(writeConfig(t, `
onebot_v12:
  use_msgpack:
    walle: true
    other: false
`))
	if err != nil {
		t.Fatal(err)
	}
	if !cfg.V12.UseMsgpack.Enabled("walle") {
		t.Error("walle should be enabled")
	}
	if cfg.V12.UseMsgpack.Enabled("other") || cfg.V12.UseMsgpack.Enabled("unknown") {
		t.Error("other/unknown should be disabled")
	}
}

func TestBadWSURL(t *testing.T) {
	_, err := Load(writeConfig(t, `
onebot_v11:
  ws_urls: ["http://not-a-ws"]
`))
	if err == nil {
		t.Fatal("expected scheme error")
	}
}

func TestParseLogLevel(t *testing.T) {
	cases := []struct {
		in   string
		want slog.Level
	}{
		{"trace", LevelTrace},
		{"debug", slog.LevelDebug},
		{"", slog.LevelInfo},
		{"INFO", slog.LevelInfo},
		{"warn", slog.LevelWarn},
		{"error", slog.LevelError},
	}
	for _, c := range cases {
		got, err := ParseLogLevel(c.in)
		if err != nil {
			t.Errorf("ParseLogLevel(%q): %v", c.in, err)
		}
		if got != c.want {
			t.Errorf("ParseLogLevel(%q) = %v, want %v", c.in, got, c.want)
		}
	}
	if _, err := ParseLogLevel("loud"); err == nil {
		t.Error("expected error for unknown level")
	}
}

func TestFindConfigExplicitMissing(t *testing.T) {
	if _, err := FindConfig(filepath.Join(t.TempDir(), "nope.yaml")); err == nil {
		t.Fatal("expected error for missing explicit config")
	}
}
