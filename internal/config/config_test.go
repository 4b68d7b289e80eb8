package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

func writeConfig(t *testing.T, name, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), name)
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatalf("write config: %v", err)
	}
	return path
}

func TestLoadYAML(t *testing.T) {
	path := writeConfig(t, "config.yaml", `
log:
  level: debug
  console: true
listen:
  addr: ":9090"
  path: /socket
spool:
  driver: sqlite
  path: /tmp/spool.db
  busy_timeout: 2s
broadcast:
  workers: 8
  queue_size: 1024
  rate_per_sec: 500
digest:
  enabled: true
  schedule: "@every 5m"
  smtp:
    host: smtp.example.com
    port: 587
    from: bot@example.com
webhook:
  timeout: 3s
`)
	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.Log.Level != "debug" || !cfg.Log.Console {
		t.Fatalf("log = %+v", cfg.Log)
	}
	if cfg.Listen.Addr != ":9090" || cfg.Listen.Path != "/socket" {
		t.Fatalf("listen = %+v", cfg.Listen)
	}
	if cfg.Spool.Driver != "sqlite" || cfg.Spool.BusyTimeoutDuration() != 2*time.Second {
		t.Fatalf("spool = %+v", cfg.Spool)
	}
	if cfg.Broadcast.Workers != 8 || cfg.Broadcast.QueueSize != 1024 || cfg.Broadcast.RatePerSec != 500 {
		t.Fatalf("broadcast = %+v", cfg.Broadcast)
	}
	if !cfg.Digest.Enabled || cfg.Digest.Schedule != "@every 5m" {
		t.Fatalf("digest = %+v", cfg.Digest)
	}
	if cfg.Webhook.TimeoutDuration() != 3*time.Second {
		t.Fatalf("webhook timeout = %v", cfg.Webhook.TimeoutDuration())
	}
}

func TestLoadDefaults(t *testing.T) {
	path := writeConfig(t, "config.yaml", `
log:
  level: info
`)
	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.Listen.Addr != ":8080" {
		t.Fatalf("listen.addr = %q, want :8080", cfg.Listen.Addr)
	}
	if cfg.Listen.Path != "/ws" {
		t.Fatalf("listen.path = %q, want /ws", cfg.Listen.Path)
	}
	if cfg.Webhook.TimeoutDuration() != 10*time.Second {
		t.Fatalf("webhook timeout = %v, want 10s", cfg.Webhook.TimeoutDuration())
	}
}

func TestLoadRejectsUnknownKeys(t *testing.T) {
	path := writeConfig(t, "config.yaml", `
log:
  level: info
listne:
  addr: ":9090"
`)
	if _, err := Load(path); err == nil {
		t.Fatalf("Load accepted a misspelled key")
	}
}

func TestValidateErrors(t *testing.T) {
	cases := []struct {
		name string
		cfg  Config
		frag string
	}{
		{
			name: "pprof without addr",
			cfg:  Config{PProf: PProf{Enabled: true}},
			frag: "pprof.addr",
		},
		{
			name: "sqlite without path",
			cfg:  Config{Spool: Spool{Driver: "sqlite"}},
			frag: "spool.path",
		},
		{
			name: "unknown spool driver",
			cfg:  Config{Spool: Spool{Driver: "postgres"}},
			frag: "spool.driver",
		},
		{
			name: "bad busy timeout",
			cfg:  Config{Spool: Spool{BusyTimeout: "soon"}},
			frag: "spool.busy_timeout",
		},
		{
			name: "negative pipeline",
			cfg:  Config{Notify: Pipeline{Workers: -1}},
			frag: "notify",
		},
		{
			name: "digest without smtp host",
			cfg:  Config{Digest: Digest{Enabled: true, SMTP: SMTP{Port: 587, From: "x@y"}}},
			frag: "digest.smtp.host",
		},
		{
			name: "bad webhook timeout",
			cfg:  Config{Webhook: Webhook{Timeout: "never"}},
			frag: "webhook.timeout",
		},
	}
	for _, c := range cases {
		t.Run(c.name, func(t *testing.T) {
			err := c.cfg.Validate()
			if err == nil {
				t.Fatalf("Validate accepted %+v", c.cfg)
			}
			if !strings.Contains(err.Error(), c.frag) {
				t.Fatalf("err = %v, want mention of %q", err, c.frag)
			}
		})
	}
}

func TestParseDurationField(t *testing.T) {
	if d, err := ParseDurationField("x", "1m30s"); err != nil || d != 90*time.Second {
		t.Fatalf("ParseDurationField = %v, %v", d, err)
	}
	if d, err := ParseDurationField("x", ""); err != nil || d != 0 {
		t.Fatalf("empty = %v, %v, want 0", d, err)
	}
	if _, err := ParseDurationField("x", "-5s"); err == nil {
		t.Fatalf("negative duration accepted")
	}
	if _, err := ParseDurationField("x", "5 parsecs"); err == nil {
		t.Fatalf("garbage accepted")
	}
}
