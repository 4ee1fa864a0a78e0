package config

import (
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/knadh/koanf/parsers/yaml"
	"github.com/knadh/koanf/providers/env"
	"github.com/knadh/koanf/providers/file"
	"github.com/knadh/koanf/providers/structs"
	"github.com/knadh/koanf/v2"
)

var DefaultConfigPaths = []string{
	"config.yaml",
	"config.yml",
	"/etc/cam-counter/config.yaml",
}

const ConfigPathEnvVar = "CONFIG_PATH"

func defaultConfig() *Config {
	return &Config{
		Server: ServerConfig{
			Host:            "0.0.0.0",
			Port:            8080,
			ReadTimeout:     15 * time.Second,
			WriteTimeout:    0, // SSE precisa de conexão longa
			RequestTimeout:  10 * time.Second,
			ShutdownTimeout: 10 * time.Second,
			MaxBodyBytes:    4 << 20,
			CORSOrigins:     []string{"*"},
			RateLimitReqs:   120,
			RateLimitWindow: time.Minute,
		},
		Database: DatabaseConfig{
			Path:      "/data/cam-counter.duckdb",
			MaxConns:  8,
			MaxMemory: "1GB",
			Threads:   0,
		},
		Live: LiveConfig{
			MaxSubscribers: 64,
			Buffer:         32,
			KeepAlive:      15 * time.Second,
		},
		MQTT: MQTTConfig{
			Enabled:   false,
			Host:      "localhost",
			Port:      1883,
			ClientID:  "cam-counter",
			BaseTopic: "cam-counter/cameras",
		},
		MinIO: MinIOConfig{
			Enabled:  false,
			Endpoint: "localhost:9000",
			Bucket:   "cam-counter-payloads",
		},
		Device: DeviceConfig{
			Timeout:          8 * time.Second,
			BreakerFailures:  5,
			BreakerOpenFor:   time.Minute,
			CapabilityProbes: true,
		},
		Status: StatusConfig{
			Interval: 30 * time.Second,
		},
		Logging: LoggingConfig{
			Level:  "info",
			Format: "json",
		},
	}
}

// Load monta a config: defaults -> arquivo (opcional) -> env.
func Load() (*Config, error) {
	k := koanf.New(".")

	if err := k.Load(structs.Provider(defaultConfig(), "koanf"), nil); err != nil {
		return nil, fmt.Errorf("failed to load defaults: %w", err)
	}

	if path := findConfigFile(); path != "" {
		if err := k.Load(file.Provider(path), yaml.Parser()); err != nil {
			return nil, fmt.Errorf("failed to load config file %s: %w", path, err)
		}
	}

	if err := k.Load(env.Provider("", ".", envTransformFunc), nil); err != nil {
		return nil, fmt.Errorf("failed to load environment variables: %w", err)
	}

	if err := processSliceFields(k); err != nil {
		return nil, fmt.Errorf("failed to process slice fields: %w", err)
	}

	cfg := &Config{}
	if err := k.Unmarshal("", cfg); err != nil {
		return nil, fmt.Errorf("failed to unmarshal configuration: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("configuration validation failed: %w", err)
	}
	return cfg, nil
}

func findConfigFile() string {
	if p := os.Getenv(ConfigPathEnvVar); p != "" {
		if _, err := os.Stat(p); err == nil {
			return p
		}
	}
	for _, p := range DefaultConfigPaths {
		if _, err := os.Stat(p); err == nil {
			return p
		}
	}
	return ""
}

var sliceConfigPaths = []string{
	"server.cors_origins",
}

// processSliceFields converte "a,b,c" vindo do env em lista.
func processSliceFields(k *koanf.Koanf) error {
	for _, path := range sliceConfigPaths {
		s, ok := k.Get(path).(string)
		if !ok || s == "" {
			continue
		}
		var out []string
		for _, p := range strings.Split(s, ",") {
			if p = strings.TrimSpace(p); p != "" {
				out = append(out, p)
			}
		}
		if err := k.Set(path, out); err != nil {
			return fmt.Errorf("failed to set %s: %w", path, err)
		}
	}
	return nil
}

// Nomes de env aceitos (MQTT_*, MINIO_* e afins) -> chave koanf.
var envMappings = map[string]string{
	"http_host":               "server.host",
	"http_port":               "server.port",
	"http_read_timeout":       "server.read_timeout",
	"http_write_timeout":      "server.write_timeout",
	"http_request_timeout":    "server.request_timeout",
	"http_shutdown_timeout":   "server.shutdown_timeout",
	"http_max_body_bytes":     "server.max_body_bytes",
	"cors_origins":            "server.cors_origins",
	"rate_limit_requests":     "server.rate_limit_requests",
	"rate_limit_window":       "server.rate_limit_window",
	"duckdb_path":             "database.path",
	"duckdb_max_conns":        "database.max_conns",
	"duckdb_max_memory":       "database.max_memory",
	"duckdb_threads":          "database.threads",
	"live_max_subscribers":    "live.max_subscribers",
	"live_buffer":             "live.buffer",
	"live_keepalive":          "live.keepalive",
	"mqtt_enabled":            "mqtt.enabled",
	"mqtt_host":               "mqtt.host",
	"mqtt_port":               "mqtt.port",
	"mqtt_username":           "mqtt.username",
	"mqtt_password":           "mqtt.password",
	"mqtt_client_id":          "mqtt.client_id",
	"mqtt_base_topic":         "mqtt.base_topic",
	"minio_enabled":           "minio.enabled",
	"minio_endpoint":          "minio.endpoint",
	"minio_access_key":        "minio.access_key",
	"minio_secret_key":        "minio.secret_key",
	"minio_bucket":            "minio.bucket",
	"minio_use_ssl":           "minio.use_ssl",
	"minio_public_base_url":   "minio.public_base_url",
	"encryption_key":          "security.encryption_key",
	"admin_token":             "security.admin_token",
	"device_timeout":          "device.timeout",
	"device_breaker_failures": "device.breaker_failures",
	"device_breaker_open_for": "device.breaker_open_for",
	"device_capability_probe": "device.capability_probes",
	"status_interval":         "status.interval",
	"log_level":               "logging.level",
	"log_format":              "logging.format",
	"log_caller":              "logging.caller",
}

func envTransformFunc(key string) string {
	if mapped, ok := envMappings[strings.ToLower(key)]; ok {
		return mapped
	}
	// variáveis desconhecidas são ignoradas
	return ""
}
