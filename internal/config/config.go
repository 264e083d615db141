// Package config provides environment-aware configuration management for
// the daemon and CLI.
package config

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/joeshaw/envdecode"
	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"
)

// ServerConfig controls the control-plane HTTP server.
type ServerConfig struct {
	Host string `json:"host" env:"BIND_HOST"`
	Port int    `json:"port" env:"API_PORT"`
}

// DatabaseConfig controls State Store persistence.
type DatabaseConfig struct {
	Driver          string `json:"driver" env:"DATABASE_DRIVER"`
	DSN             string `json:"dsn" env:"DATABASE_DSN"`
	Host            string `json:"host" env:"DATABASE_HOST"`
	Port            int    `json:"port" env:"DATABASE_PORT"`
	User            string `json:"user" env:"DATABASE_USER"`
	Password        string `json:"password" env:"DATABASE_PASSWORD"`
	Name            string `json:"name" env:"DATABASE_NAME"`
	SSLMode         string `json:"sslmode" env:"DATABASE_SSLMODE"`
	MaxOpenConns    int    `json:"max_open_conns" env:"DATABASE_MAX_OPEN_CONNS"`
	MaxIdleConns    int    `json:"max_idle_conns" env:"DATABASE_MAX_IDLE_CONNS"`
	ConnMaxLifetime int    `json:"conn_max_lifetime" env:"DATABASE_CONN_MAX_LIFETIME"`
	MigrateOnStart  bool   `json:"migrate_on_start" env:"DATABASE_MIGRATE_ON_START"`
}

// ConnectionString builds a PostgreSQL connection string using host parameters.
func (c DatabaseConfig) ConnectionString() string {
	return fmt.Sprintf(
		"host=%s port=%d user=%s password=%s dbname=%s sslmode=%s",
		c.Host, c.Port, c.User, c.Password, c.Name, c.SSLMode,
	)
}

// LoggingConfig controls application logging.
type LoggingConfig struct {
	Level      string `json:"level" env:"LOG_LEVEL"`
	Format     string `json:"format" env:"LOG_FORMAT"`
	Output     string `json:"output" env:"LOG_OUTPUT"`
	FilePrefix string `json:"file_prefix" env:"LOG_FILE_PREFIX"`
}

// SecurityConfig controls Safe-Edit backup-at-rest key derivation.
type SecurityConfig struct {
	BackupEncryptionKey string `json:"backup_encryption_key" env:"BACKUP_ENCRYPTION_KEY"`
}

// OperatorSpec is one configured operator account.
type OperatorSpec struct {
	Username string `json:"username"`
	Password string `json:"password"`
	Role     string `json:"role"`
}

// AuthConfig controls control-plane bearer-token authentication.
type AuthConfig struct {
	JWTSecret string         `json:"jwt_secret" env:"AUTH_JWT_SECRET"`
	Operators []OperatorSpec `json:"operators"`
}

// BusConfig controls the priority event bus.
type BusConfig struct {
	QueueSize int `json:"queue_size" env:"BUS_QUEUE_SIZE"`
}

// HeartbeatConfig controls agent runtime heartbeats.
type HeartbeatConfig struct {
	Interval time.Duration `json:"interval" env:"HEARTBEAT_INTERVAL"`
}

// PolicyConfig seeds the initial PolicySnapshot the gate starts from.
type PolicyConfig struct {
	CostAutoCap         float64 `json:"cost_auto_cap" env:"COST_AUTO_CAP"`
	CostConfirmCap      float64 `json:"cost_confirm_cap" env:"COST_CONFIRM_CAP"`
	QuietHoursStart     string  `json:"quiet_hours_start" env:"QUIET_HOURS_START"`
	QuietHoursEnd       string  `json:"quiet_hours_end" env:"QUIET_HOURS_END"`
	BackupRetentionDays int     `json:"backup_retention_days" env:"BACKUP_RETENTION_DAYS"`
}

// StorageConfig controls the on-disk persisted state layout.
type StorageConfig struct {
	DataRoot string `json:"data_root" yaml:"data_root" env:"DATA_ROOT"`
}

// Config is the top-level configuration structure.
type Config struct {
	Server    ServerConfig    `json:"server"`
	Database  DatabaseConfig  `json:"database"`
	Logging   LoggingConfig   `json:"logging"`
	Security  SecurityConfig  `json:"security"`
	Auth      AuthConfig      `json:"auth"`
	Bus       BusConfig       `json:"bus"`
	Heartbeat HeartbeatConfig `json:"heartbeat"`
	Policy    PolicyConfig    `json:"policy"`
	Storage   StorageConfig   `json:"storage"`
}

// New returns a configuration populated with defaults matching spec.md's
// recognized environment options.
func New() *Config {
	return &Config{
		Server: ServerConfig{
			Host: "0.0.0.0",
			Port: 8080,
		},
		Database: DatabaseConfig{
			Driver:          "postgres",
			SSLMode:         "disable",
			MaxOpenConns:    10,
			MaxIdleConns:    5,
			ConnMaxLifetime: 300,
			MigrateOnStart:  true,
		},
		Logging: LoggingConfig{
			Level:      "info",
			Format:     "text",
			Output:     "stdout",
			FilePrefix: "hearth",
		},
		Bus: BusConfig{
			QueueSize: 1024,
		},
		Heartbeat: HeartbeatConfig{
			Interval: 5 * time.Second,
		},
		Policy: PolicyConfig{
			CostAutoCap:         25.0,
			CostConfirmCap:      250.0,
			QuietHoursStart:     "22:00",
			QuietHoursEnd:       "07:00",
			BackupRetentionDays: 7,
		},
		Storage: StorageConfig{
			DataRoot: "./data",
		},
	}
}

// Load loads configuration from a file (if present) and environment
// variables, then validates the result.
func Load() (*Config, error) {
	_ = godotenv.Load()

	cfg := New()

	if path := strings.TrimSpace(os.Getenv("CONFIG_FILE")); path != "" {
		if err := loadFromFile(path, cfg); err != nil {
			return nil, err
		}
	} else {
		_ = loadFromFile("configs/config.yaml", cfg)
	}

	if err := envdecode.Decode(cfg); err != nil {
		// envdecode errors out when no tagged field was found in the
		// environment; treat that as "no overrides" so local runs work
		// without exporting every variable.
		if !strings.Contains(err.Error(), "none of the target fields were set") {
			return nil, fmt.Errorf("decode env: %w", err)
		}
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	return cfg, nil
}

func loadFromFile(path string, cfg *Config) error {
	expanded, err := filepath.Abs(path)
	if err != nil {
		return err
	}
	data, err := os.ReadFile(expanded)
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return err
	}
	return yaml.Unmarshal(data, cfg)
}

// LoadFile reads configuration from a YAML file, bypassing environment
// variables entirely — used by hearthd for a --config file that is not JSON.
func LoadFile(path string) (*Config, error) {
	cfg := New()
	if err := loadFromFile(path, cfg); err != nil {
		return nil, err
	}
	return cfg, nil
}

// LoadConfig reads configuration from a JSON file without environment-variable
// plumbing — used by hearthd for a .json --config file and by tests.
func LoadConfig(path string) (*Config, error) {
	cfg := New()
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	if err := json.Unmarshal(data, cfg); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate enforces the invariants spec.md requires of a runnable config:
// DATA_ROOT is mandatory, and the cost caps must be ordered sensibly.
func (c *Config) Validate() error {
	if strings.TrimSpace(c.Storage.DataRoot) == "" {
		return fmt.Errorf("DATA_ROOT is required")
	}
	if c.Policy.CostAutoCap < 0 {
		return fmt.Errorf("COST_AUTO_CAP must be >= 0")
	}
	if c.Policy.CostConfirmCap < c.Policy.CostAutoCap {
		return fmt.Errorf("COST_CONFIRM_CAP must be >= COST_AUTO_CAP")
	}
	if c.Bus.QueueSize <= 0 {
		return fmt.Errorf("BUS_QUEUE_SIZE must be > 0")
	}
	return nil
}
