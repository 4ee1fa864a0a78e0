// Package config carrega a configuração do cam-counter em camadas
// (defaults, arquivo YAML opcional, variáveis de ambiente) via koanf.
package config

import (
	"errors"
	"fmt"
	"strings"
	"time"
)

type Config struct {
	Server   ServerConfig   `koanf:"server"`
	Database DatabaseConfig `koanf:"database"`
	Live     LiveConfig     `koanf:"live"`
	MQTT     MQTTConfig     `koanf:"mqtt"`
	MinIO    MinIOConfig    `koanf:"minio"`
	Security SecurityConfig `koanf:"security"`
	Device   DeviceConfig   `koanf:"device"`
	Status   StatusConfig   `koanf:"status"`
	Logging  LoggingConfig  `koanf:"logging"`
}

type ServerConfig struct {
	Host            string        `koanf:"host"`
	Port            int           `koanf:"port"`
	ReadTimeout     time.Duration `koanf:"read_timeout"`
	WriteTimeout    time.Duration `koanf:"write_timeout"`
	RequestTimeout  time.Duration `koanf:"request_timeout"`
	ShutdownTimeout time.Duration `koanf:"shutdown_timeout"`
	MaxBodyBytes    int64         `koanf:"max_body_bytes"`
	CORSOrigins     []string      `koanf:"cors_origins"`
	RateLimitReqs   int           `koanf:"rate_limit_requests"`
	RateLimitWindow time.Duration `koanf:"rate_limit_window"`
}

func (s ServerConfig) Addr() string {
	return fmt.Sprintf("%s:%d", s.Host, s.Port)
}

type DatabaseConfig struct {
	Path      string `koanf:"path"`
	MaxConns  int    `koanf:"max_conns"`
	MaxMemory string `koanf:"max_memory"`
	Threads   int    `koanf:"threads"`
}

type LiveConfig struct {
	MaxSubscribers int           `koanf:"max_subscribers"`
	Buffer         int           `koanf:"buffer"`
	KeepAlive      time.Duration `koanf:"keepalive"`
}

type MQTTConfig struct {
	Enabled   bool   `koanf:"enabled"`
	Host      string `koanf:"host"`
	Port      int    `koanf:"port"`
	Username  string `koanf:"username"`
	Password  string `koanf:"password"`
	ClientID  string `koanf:"client_id"`
	BaseTopic string `koanf:"base_topic"`
}

type MinIOConfig struct {
	Enabled   bool   `koanf:"enabled"`
	Endpoint  string `koanf:"endpoint"`
	AccessKey string `koanf:"access_key"`
	SecretKey string `koanf:"secret_key"`
	Bucket    string `koanf:"bucket"`
	UseSSL    bool   `koanf:"use_ssl"`

	// PublicBaseURL, se setado, é usado para montar o link dos objetos.
	PublicBaseURL string `koanf:"public_base_url"`
}

type SecurityConfig struct {
	// EncryptionKey deriva (HKDF) a chave AES das senhas dos devices.
	EncryptionKey string `koanf:"encryption_key"`
	// AdminToken protege os endpoints administrativos. Vazio = sem proteção.
	AdminToken string `koanf:"admin_token"`
}

type DeviceConfig struct {
	Timeout          time.Duration `koanf:"timeout"`
	BreakerFailures  uint32        `koanf:"breaker_failures"`
	BreakerOpenFor   time.Duration `koanf:"breaker_open_for"`
	CapabilityProbes bool          `koanf:"capability_probes"`
}

type StatusConfig struct {
	Interval time.Duration `koanf:"interval"`
}

type LoggingConfig struct {
	Level  string `koanf:"level"`
	Format string `koanf:"format"`
	Caller bool   `koanf:"caller"`
}

func (c *Config) Validate() error {
	var errs []error

	if c.Server.Port <= 0 || c.Server.Port > 65535 {
		errs = append(errs, fmt.Errorf("server.port inválida: %d", c.Server.Port))
	}
	if c.Server.RequestTimeout <= 0 {
		errs = append(errs, errors.New("server.request_timeout deve ser > 0"))
	}
	if c.Database.Path == "" {
		errs = append(errs, errors.New("database.path é obrigatório"))
	}
	if c.Database.MaxConns < 1 {
		errs = append(errs, fmt.Errorf("database.max_conns deve ser >= 1 (veio %d)", c.Database.MaxConns))
	}
	if c.Live.MaxSubscribers < 1 {
		errs = append(errs, errors.New("live.max_subscribers deve ser >= 1"))
	}
	if c.Live.Buffer < 1 {
		errs = append(errs, errors.New("live.buffer deve ser >= 1"))
	}
	if c.Live.KeepAlive <= 0 {
		errs = append(errs, errors.New("live.keepalive deve ser > 0"))
	}
	if c.MQTT.Enabled {
		if c.MQTT.Host == "" {
			errs = append(errs, errors.New("mqtt.host é obrigatório com mqtt.enabled"))
		}
		if c.MQTT.Port <= 0 || c.MQTT.Port > 65535 {
			errs = append(errs, fmt.Errorf("mqtt.port inválida: %d", c.MQTT.Port))
		}
		if strings.TrimSpace(c.MQTT.BaseTopic) == "" {
			errs = append(errs, errors.New("mqtt.base_topic é obrigatório com mqtt.enabled"))
		}
	}
	if c.MinIO.Enabled && (c.MinIO.AccessKey == "" || c.MinIO.SecretKey == "") {
		errs = append(errs, errors.New("minio.access_key / minio.secret_key não configurados"))
	}
	switch strings.ToLower(c.Logging.Format) {
	case "json", "console":
	default:
		errs = append(errs, fmt.Errorf("logging.format inválido: %q", c.Logging.Format))
	}

	return errors.Join(errs...)
}
