package config

import (
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

func TestLoadDefaults(t *testing.T) {
	t.Setenv(ConfigPathEnvVar, filepath.Join(t.TempDir(), "missing.yaml"))
	chdirTemp(t)

	cfg, err := Load()
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.Server.Port != 8080 {
		t.Errorf("server.port = %d, want 8080", cfg.Server.Port)
	}
	if cfg.Live.KeepAlive != 15*time.Second {
		t.Errorf("live.keepalive = %s, want 15s", cfg.Live.KeepAlive)
	}
	if cfg.MQTT.Enabled {
		t.Error("mqtt should be disabled by default")
	}
}

func TestLoadEnvOverridesFile(t *testing.T) {
	dir := chdirTemp(t)
	path := filepath.Join(dir, "config.yaml")
	yaml := "server:\n  port: 9000\ndatabase:\n  path: /tmp/a.duckdb\n  max_conns: 3\n"
	if err := os.WriteFile(path, []byte(yaml), 0o644); err != nil {
		t.Fatal(err)
	}
	t.Setenv(ConfigPathEnvVar, path)
	t.Setenv("HTTP_PORT", "9100")
	t.Setenv("LIVE_KEEPALIVE", "5s")
	t.Setenv("CORS_ORIGINS", "http://a.local, http://b.local")

	cfg, err := Load()
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.Server.Port != 9100 {
		t.Errorf("env should win over file: port = %d", cfg.Server.Port)
	}
	if cfg.Database.MaxConns != 3 || cfg.Database.Path != "/tmp/a.duckdb" {
		t.Errorf("file values not applied: %+v", cfg.Database)
	}
	if cfg.Live.KeepAlive != 5*time.Second {
		t.Errorf("live.keepalive = %s", cfg.Live.KeepAlive)
	}
	if len(cfg.Server.CORSOrigins) != 2 || cfg.Server.CORSOrigins[1] != "http://b.local" {
		t.Errorf("cors origins = %v", cfg.Server.CORSOrigins)
	}
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name    string
		mutate  func(c *Config)
		wantErr string
	}{
		{"defaults ok", func(c *Config) {}, ""},
		{"bad port", func(c *Config) { c.Server.Port = 0 }, "server.port"},
		{"no db path", func(c *Config) { c.Database.Path = "" }, "database.path"},
		{"mqtt without topic", func(c *Config) { c.MQTT.Enabled = true; c.MQTT.BaseTopic = " " }, "mqtt.base_topic"},
		{"minio without keys", func(c *Config) { c.MinIO.Enabled = true }, "minio.access_key"},
		{"bad log format", func(c *Config) { c.Logging.Format = "xml" }, "logging.format"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			c := defaultConfig()
			tt.mutate(c)
			err := c.Validate()
			if tt.wantErr == "" {
				if err != nil {
					t.Fatalf("unexpected error: %v", err)
				}
				return
			}
			if err == nil || !strings.Contains(err.Error(), tt.wantErr) {
				t.Fatalf("error = %v, want containing %q", err, tt.wantErr)
			}
		})
	}
}

func TestCredentialEncryptorRoundTrip(t *testing.T) {
	enc, err := NewCredentialEncryptor("s3cret")
	if err != nil {
		t.Fatal(err)
	}
	ct, err := enc.Encrypt("admin123")
	if err != nil {
		t.Fatal(err)
	}
	if ct == "admin123" {
		t.Fatal("ciphertext equals plaintext")
	}
	pt, err := enc.Decrypt(ct)
	if err != nil {
		t.Fatal(err)
	}
	if pt != "admin123" {
		t.Errorf("round trip = %q", pt)
	}

	other, _ := NewCredentialEncryptor("other")
	if _, err := other.Decrypt(ct); !errors.Is(err, ErrDecryptionFailed) {
		t.Errorf("wrong key error = %v, want ErrDecryptionFailed", err)
	}
	if _, err := enc.Decrypt("AAAA"); !errors.Is(err, ErrCiphertextTooShort) {
		t.Errorf("short ciphertext error = %v", err)
	}
	if _, err := NewCredentialEncryptor(""); !errors.Is(err, ErrEmptySecret) {
		t.Errorf("empty secret error = %v", err)
	}
}

func chdirTemp(t *testing.T) string {
	t.Helper()
	dir := t.TempDir()
	wd, err := os.Getwd()
	if err != nil {
		t.Fatal(err)
	}
	if err := os.Chdir(dir); err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { _ = os.Chdir(wd) })
	return dir
}
