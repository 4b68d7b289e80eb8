// Package config loads and watches the daemon configuration.
//
// Files are YAML (or JSON); both formats go through the same strict JSON
// decoder so unknown keys are rejected uniformly. Durations are strings
// ("500ms", "1m") parsed at validation time.
package config

import (
	"fmt"
	"strings"
	"time"
)

type Config struct {
	Log       Log       `json:"log"`
	Listen    Listen    `json:"listen"`
	PProf     PProf     `json:"pprof"`
	Spool     Spool     `json:"spool"`
	Broadcast Pipeline  `json:"broadcast"`
	Notify    Pipeline  `json:"notify"`
	Digest    Digest    `json:"digest"`
	Webhook   Webhook   `json:"webhook"`
}

type Log struct {
	Level   string `json:"level"`
	Console bool   `json:"console"`
	File    struct {
		Enabled bool   `json:"enabled"`
		Path    string `json:"path"`
	} `json:"file"`
}

type Listen struct {
	Addr string `json:"addr"`
	// Path is the websocket route clients attach to.
	Path string `json:"path"`
}

type PProf struct {
	Enabled bool   `json:"enabled"`
	Addr    string `json:"addr"`
}

type Spool struct {
	Driver      string `json:"driver"`
	Path        string `json:"path"`
	BusyTimeout string `json:"busy_timeout"`

	busyTimeout time.Duration
}

func (s Spool) BusyTimeoutDuration() time.Duration { return s.busyTimeout }

// Pipeline configures one worker-pool service (broadcast or notify).
type Pipeline struct {
	Workers    int `json:"workers"`
	QueueSize  int `json:"queue_size"`
	RatePerSec int `json:"rate_per_sec"`
}

type Digest struct {
	Enabled  bool   `json:"enabled"`
	Schedule string `json:"schedule"`
	SMTP     SMTP   `json:"smtp"`
}

type SMTP struct {
	Host     string `json:"host"`
	Port     int    `json:"port"`
	Username string `json:"username"`
	Password string `json:"password"`
	From     string `json:"from"`
}

type Webhook struct {
	Timeout string `json:"timeout"`

	timeout time.Duration
}

func (w Webhook) TimeoutDuration() time.Duration { return w.timeout }

// Validate applies defaults and rejects inconsistent settings. Paths in
// error messages name the offending field.
func (c *Config) Validate() error {
	if strings.TrimSpace(c.Listen.Addr) == "" {
		c.Listen.Addr = ":8080"
	}
	if strings.TrimSpace(c.Listen.Path) == "" {
		c.Listen.Path = "/ws"
	}
	if c.PProf.Enabled && strings.TrimSpace(c.PProf.Addr) == "" {
		return fmt.Errorf("pprof.addr: required when pprof is enabled")
	}

	switch strings.ToLower(strings.TrimSpace(c.Spool.Driver)) {
	case "", "memory":
	case "sqlite", "sqlite3":
		if strings.TrimSpace(c.Spool.Path) == "" {
			return fmt.Errorf("spool.path: required for sqlite driver")
		}
	default:
		return fmt.Errorf("spool.driver: unknown driver %q", c.Spool.Driver)
	}
	var err error
	if c.Spool.busyTimeout, err = ParseDurationField("spool.busy_timeout", c.Spool.BusyTimeout); err != nil {
		return err
	}

	for _, p := range []struct {
		name string
		v    Pipeline
	}{{"broadcast", c.Broadcast}, {"notify", c.Notify}} {
		if p.v.Workers < 0 || p.v.QueueSize < 0 || p.v.RatePerSec < 0 {
			return fmt.Errorf("%s: workers, queue_size and rate_per_sec must be >= 0", p.name)
		}
	}

	if c.Digest.Enabled {
		if strings.TrimSpace(c.Digest.Schedule) == "" {
			c.Digest.Schedule = "@every 15m"
		}
		if strings.TrimSpace(c.Digest.SMTP.Host) == "" {
			return fmt.Errorf("digest.smtp.host: required when digest is enabled")
		}
		if c.Digest.SMTP.Port <= 0 {
			return fmt.Errorf("digest.smtp.port: required when digest is enabled")
		}
		if strings.TrimSpace(c.Digest.SMTP.From) == "" {
			return fmt.Errorf("digest.smtp.from: required when digest is enabled")
		}
	}

	if c.Webhook.timeout, err = ParseDurationOrDefault("webhook.timeout", c.Webhook.Timeout, 10*time.Second); err != nil {
		return err
	}
	return nil
}
