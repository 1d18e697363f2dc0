// Command anonymizer runs the DICOM de-identification engine: it loads the
// configured anonymizer script, opens the PHI Store, and starts the Ingest
// Pipeline's worker pool alongside a management HTTP API for status,
// metrics, PHI export, and quarantine inspection.
//
// If ANONYMIZER_INCOMING_DIR (or incomingDir in the config file) is set, a
// directory importer polls it for new files and enqueues each one exactly
// once — one of the three ingestion sources spec §1 names alongside a
// storage-endpoint listener and a remote-archive query/retrieve path,
// neither of which this command implements.
//
// Usage:
//
//	./anonymizer
//	ANONYMIZER_INCOMING_DIR=/data/incoming ./anonymizer -config ./anonymizer-config.json
package main

import (
	"flag"
	"fmt"
	"log"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/rsna/dicom-anonymizer/internal/anonymizer"
	"github.com/rsna/dicom-anonymizer/internal/config"
	"github.com/rsna/dicom-anonymizer/internal/logger"
	"github.com/rsna/dicom-anonymizer/internal/management"
)

func main() {
	configPath := flag.String("config", "", "path to anonymizer-config.json")
	flag.Parse()

	cfg := config.Load(*configPath)
	printBanner(cfg)

	eng, err := anonymizer.New(cfg)
	if err != nil {
		log.Fatalf("[ANONYMIZER] Fatal: %v", err)
	}

	mgmt := management.New(cfg, eng.Store(), eng.Quarantine(), eng.Metrics(), logger.New("MANAGEMENT", cfg.LogLevel))
	go func() {
		if err := mgmt.ListenAndServe(); err != nil {
			log.Fatalf("[MANAGEMENT] Fatal: %v", err)
		}
	}()

	var watcherDone chan struct{}
	if cfg.IncomingDir != "" {
		watcherDone = make(chan struct{})
		go runImporter(cfg.IncomingDir, eng, watcherDone)
	}

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	log.Printf("[ANONYMIZER] Shutting down…")
	if watcherDone != nil {
		close(watcherDone)
	}
	eng.Stop()
}

// runImporter polls dir every two seconds and enqueues any file it has not
// already submitted, by name. It never deletes or moves the source file;
// the Ingest Pipeline's idempotency guarantee (keyed on SOPInstanceUID)
// protects against a file being re-enqueued after a restart.
func runImporter(dir string, eng *anonymizer.Anonymizer, done <-chan struct{}) {
	seen := make(map[string]bool)
	scan := func() {
		entries, err := os.ReadDir(dir)
		if err != nil {
			log.Printf("[IMPORTER] reading %s: %v", dir, err)
			return
		}
		for _, entry := range entries {
			if entry.IsDir() || seen[entry.Name()] {
				continue
			}
			seen[entry.Name()] = true
			eng.Enqueue("directory-importer", filepath.Join(dir, entry.Name()))
		}
	}

	scan()
	ticker := time.NewTicker(2 * time.Second)
	defer ticker.Stop()

	for {
		select {
		case <-done:
			return
		case <-ticker.C:
			scan()
		}
	}
}

func printBanner(cfg *config.Config) {
	fmt.Printf(`
╔══════════════════════════════════════════════════════╗
║          DICOM De-identification Engine (Go)         ║
╚══════════════════════════════════════════════════════╝
  Site ID          : %s
  Project          : %s
  Storage dir      : %s
  Worker count     : %d
  Autosave every   : %s
  Management port  : %d
  Incoming dir     : %s

  Check status:
    curl http://localhost:%d/status
`, cfg.SiteID, cfg.ProjectName, cfg.StorageDir, cfg.WorkerCount,
		cfg.AutosaveInterval, cfg.ManagementPort, incomingOrNone(cfg.IncomingDir),
		cfg.ManagementPort)
}

func incomingOrNone(dir string) string {
	if dir == "" {
		return "(none — directory importer disabled)"
	}
	return dir
}
