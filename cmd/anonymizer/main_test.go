package main

import (
	"bytes"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/rsna/dicom-anonymizer/internal/anonymizer"
	"github.com/rsna/dicom-anonymizer/internal/config"
)

func TestPrintBanner_ContainsExpectedFields(t *testing.T) {
	cfg := &config.Config{
		SiteID:           "RSNA",
		ProjectName:      "anonymizer",
		StorageDir:       "/data/store",
		WorkerCount:      4,
		AutosaveInterval: 30 * time.Second,
		ManagementPort:   8143,
		IncomingDir:      "/data/incoming",
	}

	old := os.Stdout
	r, w, _ := os.Pipe()
	os.Stdout = w

	printBanner(cfg)

	w.Close()
	os.Stdout = old

	var buf bytes.Buffer
	buf.ReadFrom(r)
	out := buf.String()

	for _, want := range []string{"RSNA", "/data/store", "4", "8143", "/data/incoming"} {
		if !strings.Contains(out, want) {
			t.Errorf("expected %q in banner output, got:\n%s", want, out)
		}
	}
}

func TestPrintBanner_NoIncomingDir_ShowsDisabled(t *testing.T) {
	cfg := &config.Config{ManagementPort: 8143}

	old := os.Stdout
	r, w, _ := os.Pipe()
	os.Stdout = w

	printBanner(cfg)

	w.Close()
	os.Stdout = old

	var buf bytes.Buffer
	buf.ReadFrom(r)
	out := buf.String()

	if !strings.Contains(out, "disabled") {
		t.Errorf("expected 'disabled' in banner with no incoming dir, got:\n%s", out)
	}
}

func TestRunImporter_EnqueuesEachFileOnce(t *testing.T) {
	scriptPath := filepath.Join(t.TempDir(), "script.xml")
	if err := os.WriteFile(scriptPath, []byte(`<script><e t="00100020">ptid</e></script>`), 0o644); err != nil {
		t.Fatal(err)
	}
	cfg := &config.Config{
		SiteID:      "RSNA",
		UIDRoot:     "1.2.826.0.1.3680043.10.474",
		ProjectName: "anonymizer",
		StorageDir:  t.TempDir(),
		ScriptPath:  scriptPath,
		WorkerCount: 1,
		LogLevel:    "error",
	}
	eng, err := anonymizer.New(cfg)
	if err != nil {
		t.Fatal(err)
	}
	defer eng.Stop()

	incoming := t.TempDir()
	if err := os.WriteFile(filepath.Join(incoming, "a.dcm"), []byte("x"), 0o644); err != nil {
		t.Fatal(err)
	}

	done := make(chan struct{})
	go runImporter(incoming, eng, done)
	time.Sleep(50 * time.Millisecond)
	close(done)

	counts, err := eng.Quarantine().Counts()
	if err != nil {
		t.Fatal(err)
	}
	total := 0
	for _, c := range counts {
		total += c
	}
	if total == 0 {
		t.Error("expected the non-DICOM incoming file to have been processed (and quarantined)")
	}
}

// TestMain_Smoke verifies the package compiles and the binary entry point exists.
func TestMain_Smoke(t *testing.T) {
	func() {
		defer func() {
			if r := recover(); r != nil {
				t.Errorf("printBanner panicked: %v", r)
			}
		}()
		old := os.Stdout
		_, w, _ := os.Pipe()
		os.Stdout = w
		printBanner(&config.Config{})
		w.Close()
		os.Stdout = old
	}()

	if fmt.Sprintf("%T", main) != "func()" {
		t.Error("expected main to be func()")
	}
}
