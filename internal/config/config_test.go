package config

import (
	"encoding/json"
	"os"
	"testing"
)

func TestDefaults(t *testing.T) {
	cfg := defaults()

	if cfg.SiteID != "RSNA" {
		t.Errorf("SiteID: got %s, want RSNA", cfg.SiteID)
	}
	if cfg.WorkerCount != 2 {
		t.Errorf("WorkerCount: got %d, want 2", cfg.WorkerCount)
	}
	if cfg.AutosaveSeconds != 30 {
		t.Errorf("AutosaveSeconds: got %d, want 30", cfg.AutosaveSeconds)
	}
	if cfg.LogLevel != "info" {
		t.Errorf("LogLevel: got %s", cfg.LogLevel)
	}
	if cfg.ManagementPort != 8143 {
		t.Errorf("ManagementPort: got %d, want 8143", cfg.ManagementPort)
	}
	if cfg.BindAddress != "127.0.0.1" {
		t.Errorf("BindAddress: got %s", cfg.BindAddress)
	}
	if cfg.ExportArchiveURL != "" {
		t.Errorf("ExportArchiveURL should default empty, got %s", cfg.ExportArchiveURL)
	}
}

func TestLoadEnv_SiteID(t *testing.T) {
	t.Setenv("ANONYMIZER_SITE_ID", "SITE42")
	cfg := defaults()
	loadEnv(cfg)
	if cfg.SiteID != "SITE42" {
		t.Errorf("SiteID: got %s, want SITE42", cfg.SiteID)
	}
}

func TestLoadEnv_WorkerCount(t *testing.T) {
	t.Setenv("ANONYMIZER_WORKER_COUNT", "6")
	cfg := defaults()
	loadEnv(cfg)
	if cfg.WorkerCount != 6 {
		t.Errorf("WorkerCount: got %d, want 6", cfg.WorkerCount)
	}
}

func TestLoadEnv_WorkerCount_ZeroIgnored(t *testing.T) {
	t.Setenv("ANONYMIZER_WORKER_COUNT", "0")
	cfg := defaults()
	loadEnv(cfg)
	if cfg.WorkerCount != 2 {
		t.Errorf("WorkerCount: got %d, want 2 (zero should be ignored)", cfg.WorkerCount)
	}
}

func TestLoadEnv_AutosaveSeconds(t *testing.T) {
	t.Setenv("ANONYMIZER_AUTOSAVE_SECONDS", "15")
	cfg := defaults()
	loadEnv(cfg)
	if cfg.AutosaveSeconds != 15 {
		t.Errorf("AutosaveSeconds: got %d, want 15", cfg.AutosaveSeconds)
	}
}

func TestLoadEnv_ManagementToken(t *testing.T) {
	t.Setenv("ANONYMIZER_MANAGEMENT_TOKEN", "secret-token")
	cfg := defaults()
	loadEnv(cfg)
	if cfg.ManagementToken != "secret-token" {
		t.Errorf("ManagementToken: got %s", cfg.ManagementToken)
	}
}

func TestLoadEnv_IncomingDir(t *testing.T) {
	t.Setenv("ANONYMIZER_INCOMING_DIR", "/data/incoming")
	cfg := defaults()
	loadEnv(cfg)
	if cfg.IncomingDir != "/data/incoming" {
		t.Errorf("IncomingDir: got %s, want /data/incoming", cfg.IncomingDir)
	}
}

func TestLoadEnv_InvalidWorkerCount_Ignored(t *testing.T) {
	t.Setenv("ANONYMIZER_WORKER_COUNT", "not-a-number")
	cfg := defaults()
	loadEnv(cfg)
	if cfg.WorkerCount != 2 {
		t.Errorf("WorkerCount: got %d, want 2 (invalid env should be ignored)", cfg.WorkerCount)
	}
}

func TestLoadFile_ValidJSON(t *testing.T) {
	f, err := os.CreateTemp(t.TempDir(), "config-*.json")
	if err != nil {
		t.Fatal(err)
	}

	data, marshalErr := json.Marshal(map[string]any{
		"siteId":      "DEMO",
		"workerCount": 4,
		"logLevel":    "debug",
	})
	if marshalErr != nil {
		t.Fatal(marshalErr)
	}
	if _, err := f.Write(data); err != nil {
		t.Fatal(err)
	}
	if err := f.Close(); err != nil {
		t.Fatal(err)
	}

	cfg := defaults()
	loadFile(cfg, f.Name())

	if cfg.SiteID != "DEMO" {
		t.Errorf("SiteID: got %s, want DEMO", cfg.SiteID)
	}
	if cfg.WorkerCount != 4 {
		t.Errorf("WorkerCount: got %d, want 4", cfg.WorkerCount)
	}
	if cfg.LogLevel != "debug" {
		t.Errorf("LogLevel: got %s, want debug", cfg.LogLevel)
	}
}

func TestLoadFile_Missing_IsNoOp(t *testing.T) {
	cfg := defaults()
	loadFile(cfg, "/nonexistent/path/config.json")
	if cfg.SiteID != "RSNA" {
		t.Errorf("SiteID changed unexpectedly: %s", cfg.SiteID)
	}
}

func TestLoadFile_InvalidJSON_PreservesDefaults(t *testing.T) {
	f, err := os.CreateTemp(t.TempDir(), "config-bad-*.json")
	if err != nil {
		t.Fatal(err)
	}
	if _, err := f.WriteString("{this is not json}"); err != nil {
		t.Fatal(err)
	}
	if err := f.Close(); err != nil {
		t.Fatal(err)
	}

	cfg := defaults()
	loadFile(cfg, f.Name())
	if cfg.SiteID != "RSNA" {
		t.Errorf("SiteID changed on bad JSON: %s", cfg.SiteID)
	}
}

func TestLoad_ReturnsNonNil(t *testing.T) {
	cfg := Load("")
	if cfg == nil {
		t.Fatal("Load() returned nil")
	}
	if cfg.WorkerCount <= 0 {
		t.Errorf("WorkerCount should be positive, got %d", cfg.WorkerCount)
	}
	if cfg.AutosaveInterval <= 0 {
		t.Errorf("AutosaveInterval should be positive, got %v", cfg.AutosaveInterval)
	}
}

func TestQuarantineAndImagesDirs(t *testing.T) {
	cfg := defaults()
	cfg.StorageDir = "/tmp/store"
	if got, want := cfg.QuarantineDir(), "/tmp/store/private/quarantine"; got != want {
		t.Errorf("QuarantineDir: got %s, want %s", got, want)
	}
	if got, want := cfg.ImagesDir(), "/tmp/store/public"; got != want {
		t.Errorf("ImagesDir: got %s, want %s", got, want)
	}
}
