package config

import (
	"os"
	"path/filepath"
	"testing"
)

func TestConnectionString(t *testing.T) {
	cfg := DatabaseConfig{Host: "localhost", Port: 5432, User: "user", Password: "pass", Name: "db", SSLMode: "disable"}
	want := "host=localhost port=5432 user=user password=pass dbname=db sslmode=disable"
	if got := cfg.ConnectionString(); got != want {
		t.Fatalf("connection string mismatch: %s", got)
	}
}

func TestNewDefaults(t *testing.T) {
	cfg := New()

	if cfg.Server.Host != "0.0.0.0" || cfg.Server.Port != 8080 {
		t.Errorf("unexpected server defaults: %+v", cfg.Server)
	}
	if cfg.Database.Driver != "postgres" {
		t.Errorf("expected default driver postgres, got %s", cfg.Database.Driver)
	}
	if cfg.Logging.Level != "info" || cfg.Logging.FilePrefix != "hearth" {
		t.Errorf("unexpected logging defaults: %+v", cfg.Logging)
	}
	if cfg.Bus.QueueSize != 1024 {
		t.Errorf("expected default bus queue size 1024, got %d", cfg.Bus.QueueSize)
	}
	if cfg.Policy.CostAutoCap != 25.0 || cfg.Policy.CostConfirmCap != 250.0 {
		t.Errorf("unexpected policy cap defaults: %+v", cfg.Policy)
	}
	if cfg.Storage.DataRoot == "" {
		t.Errorf("expected a non-empty default DATA_ROOT")
	}
}

func TestValidateRequiresDataRoot(t *testing.T) {
	cfg := New()
	cfg.Storage.DataRoot = ""
	if err := cfg.Validate(); err == nil {
		t.Fatal("expected validation error for empty DATA_ROOT")
	}
}

func TestValidateRejectsInvertedCostCaps(t *testing.T) {
	cfg := New()
	cfg.Policy.CostAutoCap = 500
	cfg.Policy.CostConfirmCap = 100
	if err := cfg.Validate(); err == nil {
		t.Fatal("expected validation error when confirm cap is below auto cap")
	}
}

func TestLoadFile_ValidYAML(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "config.yaml")
	yamlContent := `
server:
  host: "192.168.1.1"
  port: 9000
database:
  host: "db.example.com"
  port: 5432
  user: "admin"
  password: "secret"
  name: "hearth"
  sslmode: "require"
logging:
  level: "debug"
  format: "json"
storage:
  data_root: "/var/lib/hearth"
`
	if err := os.WriteFile(path, []byte(yamlContent), 0644); err != nil {
		t.Fatalf("write temp file: %v", err)
	}

	cfg, err := LoadFile(path)
	if err != nil {
		t.Fatalf("LoadFile error: %v", err)
	}

	if cfg.Server.Host != "192.168.1.1" || cfg.Server.Port != 9000 {
		t.Errorf("unexpected server override: %+v", cfg.Server)
	}
	if cfg.Database.Host != "db.example.com" || cfg.Database.SSLMode != "require" {
		t.Errorf("unexpected database override: %+v", cfg.Database)
	}
	if cfg.Storage.DataRoot != "/var/lib/hearth" {
		t.Errorf("expected DATA_ROOT override, got %s", cfg.Storage.DataRoot)
	}
}

func TestLoadFile_MissingFileReturnsDefaults(t *testing.T) {
	cfg, err := LoadFile("/nonexistent/config.yaml")
	if err != nil {
		t.Fatalf("LoadFile should not error on missing file: %v", err)
	}
	if cfg.Server.Port != 8080 {
		t.Errorf("expected default port, got %d", cfg.Server.Port)
	}
}

func TestLoadConfig_InvalidJSON(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "invalid.json")
	if err := os.WriteFile(path, []byte(`{invalid json}`), 0644); err != nil {
		t.Fatalf("write temp file: %v", err)
	}

	if _, err := LoadConfig(path); err == nil {
		t.Fatal("expected error for invalid JSON")
	}
}

func TestLoad_WithEnvOverride(t *testing.T) {
	t.Setenv("CONFIG_FILE", "")
	t.Setenv("BIND_HOST", "test.local")
	t.Setenv("API_PORT", "3000")
	t.Setenv("DATABASE_HOST", "db.test.local")
	t.Setenv("LOG_LEVEL", "warn")
	t.Setenv("DATA_ROOT", "/var/lib/hearth-test")

	cfg, err := Load()
	if err != nil {
		t.Fatalf("Load error: %v", err)
	}

	if cfg.Server.Host != "test.local" {
		t.Errorf("expected BIND_HOST override test.local, got %s", cfg.Server.Host)
	}
	if cfg.Server.Port != 3000 {
		t.Errorf("expected API_PORT override 3000, got %d", cfg.Server.Port)
	}
	if cfg.Database.Host != "db.test.local" {
		t.Errorf("expected DATABASE_HOST override db.test.local, got %s", cfg.Database.Host)
	}
	if cfg.Logging.Level != "warn" {
		t.Errorf("expected LOG_LEVEL override warn, got %s", cfg.Logging.Level)
	}
}

func TestValidate_FailsWithoutDataRoot(t *testing.T) {
	cfg := New()
	cfg.Storage.DataRoot = ""
	if err := cfg.Validate(); err == nil {
		t.Fatal("expected validation to fail without DATA_ROOT")
	}
}
