// Package config loads and holds all anonymizer engine configuration.
// Settings are layered: defaults → anonymizer-config.json → environment
// variables (env vars win). This is the ProjectConfig external interface of
// the core's design: site_id, uid_root, project_name, storage_dir,
// accepted_storage_classes, script_path, worker_count, autosave_interval,
// quarantine_dir and images_dir are all read-only from the core's point of
// view once Load returns.
package config

import (
	"encoding/json"
	"log"
	"os"
	"path/filepath"
	"strconv"
	"time"
)

// Config holds the full engine configuration.
type Config struct {
	SiteID      string `json:"siteId"`
	UIDRoot     string `json:"uidRoot"`
	ProjectName string `json:"projectName"`

	StorageDir      string   `json:"storageDir"`
	ScriptPath      string   `json:"scriptPath"`
	AcceptedClasses []string `json:"acceptedStorageClasses"`

	// IncomingDir, if non-empty, is polled for new files by the directory
	// importer: one of the three ingestion sources spec §1 names alongside
	// the storage endpoint listener and the remote-archive query/retrieve
	// path. Empty means the file/directory importer is not started.
	IncomingDir string `json:"incomingDir"`

	WorkerCount      int           `json:"workerCount"`
	AutosaveInterval time.Duration `json:"-"`
	AutosaveSeconds  int           `json:"autosaveIntervalSeconds"`

	LogLevel        string `json:"logLevel"`
	ManagementPort  int    `json:"managementPort"`
	ManagementToken string `json:"managementToken"`
	BindAddress     string `json:"bindAddress"`

	// ExportArchiveURL, if non-empty, is the remote-archive HTTP endpoint
	// each successfully anonymized instance is forwarded to. Empty means
	// no export sink is wired (NullSink).
	ExportArchiveURL string `json:"exportArchiveUrl"`
}

// QuarantineDir returns the quarantine subtree root, per spec §6's
// <private>/quarantine layout.
func (c *Config) QuarantineDir() string {
	return filepath.Join(c.StorageDir, "private", "quarantine")
}

// ImagesDir returns the public anonymized-output tree root.
func (c *Config) ImagesDir() string {
	return filepath.Join(c.StorageDir, "public")
}

// PrivateDir returns the directory holding the PHI Store snapshot.
func (c *Config) PrivateDir() string {
	return filepath.Join(c.StorageDir, "private")
}

// Load returns config with defaults overridden by path (if it exists) and
// then environment variables.
func Load(path string) *Config {
	cfg := defaults()
	loadFile(cfg, path)
	loadEnv(cfg)
	cfg.AutosaveInterval = time.Duration(cfg.AutosaveSeconds) * time.Second
	return cfg
}

func defaults() *Config {
	return &Config{
		SiteID:           "RSNA",
		UIDRoot:          "1.2.826.0.1.3680043.10.474",
		ProjectName:      "anonymizer",
		StorageDir:       "./anonymizer-store",
		ScriptPath:       "default-anonymizer-script.xml",
		AcceptedClasses:  []string{},
		WorkerCount:      2,
		AutosaveSeconds:  30,
		LogLevel:         "info",
		ManagementPort:   8143,
		BindAddress:      "127.0.0.1",
		ExportArchiveURL: "",
	}
}

func loadFile(cfg *Config, path string) {
	if path == "" {
		return
	}
	data, err := os.ReadFile(path) //nolint:gosec // G703: path is a controlled config file path, not user input
	if err != nil {
		return // file is optional
	}
	if err := json.Unmarshal(data, cfg); err != nil {
		log.Printf("[CONFIG] Warning: could not parse %s: %v", path, err)
	} else {
		log.Printf("[CONFIG] Loaded %s", path)
	}
}

func loadEnv(cfg *Config) {
	if v := os.Getenv("ANONYMIZER_SITE_ID"); v != "" {
		cfg.SiteID = v
	}
	if v := os.Getenv("ANONYMIZER_UID_ROOT"); v != "" {
		cfg.UIDRoot = v
	}
	if v := os.Getenv("ANONYMIZER_PROJECT_NAME"); v != "" {
		cfg.ProjectName = v
	}
	if v := os.Getenv("ANONYMIZER_STORAGE_DIR"); v != "" {
		cfg.StorageDir = v
	}
	if v := os.Getenv("ANONYMIZER_SCRIPT_PATH"); v != "" {
		cfg.ScriptPath = v
	}
	if v := os.Getenv("ANONYMIZER_INCOMING_DIR"); v != "" {
		cfg.IncomingDir = v
	}
	if v := os.Getenv("ANONYMIZER_WORKER_COUNT"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			cfg.WorkerCount = n
		}
	}
	if v := os.Getenv("ANONYMIZER_AUTOSAVE_SECONDS"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			cfg.AutosaveSeconds = n
		}
	}
	if v := os.Getenv("ANONYMIZER_LOG_LEVEL"); v != "" {
		cfg.LogLevel = v
	}
	if v := os.Getenv("ANONYMIZER_MANAGEMENT_PORT"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			cfg.ManagementPort = n
		}
	}
	if v := os.Getenv("ANONYMIZER_MANAGEMENT_TOKEN"); v != "" {
		cfg.ManagementToken = v
	}
	if v := os.Getenv("ANONYMIZER_BIND_ADDRESS"); v != "" {
		cfg.BindAddress = v
	}
	if v := os.Getenv("ANONYMIZER_EXPORT_ARCHIVE_URL"); v != "" {
		cfg.ExportArchiveURL = v
	}
}
