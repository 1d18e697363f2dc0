// Package quarantine isolates instances the Ingest Pipeline or Element
// Transformer could not process, grouped by the reason they failed, so an
// operator can triage without re-running the whole pipeline.
package quarantine

import (
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sort"

	"github.com/rsna/dicom-anonymizer/internal/logger"
)

// Kind is one of the six closed quarantine reasons. No other value is
// ever constructed; the set is exhaustive by design.
type Kind string

const (
	InvalidDICOM         Kind = "Invalid_DICOM"
	DICOMReadError       Kind = "DICOM_Read_Error"
	MissingAttributes    Kind = "Missing_Attributes"
	InvalidStorageClass  Kind = "Invalid_Storage_Class"
	CapturePHIError      Kind = "Capture_PHI_Error"
	StorageError         Kind = "Storage_Error"
)

// AllKinds lists the six quarantine kinds, in a stable order for listing
// and reporting.
var AllKinds = []Kind{
	InvalidDICOM, DICOMReadError, MissingAttributes,
	InvalidStorageClass, CapturePHIError, StorageError,
}

// Manager copies failed source files into <quarantineDir>/<kind>/, keeping
// their original filename so the forensic link back to the source instance
// survives. It never moves or deletes the source.
type Manager struct {
	dir string
	log *logger.Logger
}

// New returns a Manager rooted at dir (spec §6's quarantine_dir).
func New(dir string, log *logger.Logger) *Manager {
	return &Manager{dir: dir, log: log}
}

// Entry describes one quarantined file for listing purposes.
type Entry struct {
	Kind     Kind   `json:"kind"`
	Path     string `json:"path"`
	Original string `json:"original"`
}

// Quarantine copies sourcePath into the kind-specific subdirectory,
// preserving its base filename. reason is logged alongside the copy for
// operator context but is not otherwise persisted.
func (m *Manager) Quarantine(kind Kind, sourcePath string, reason error) (string, error) {
	destDir := filepath.Join(m.dir, string(kind))
	if err := os.MkdirAll(destDir, 0o755); err != nil {
		return "", fmt.Errorf("create quarantine dir %s: %w", destDir, err)
	}
	dest := filepath.Join(destDir, filepath.Base(sourcePath))
	if err := copyFile(sourcePath, dest); err != nil {
		return "", fmt.Errorf("copy to quarantine %s: %w", dest, err)
	}
	if m.log != nil {
		m.log.Warnf("quarantine", "%s -> %s (%v)", sourcePath, dest, reason)
	}
	return dest, nil
}

// datasetWriter is the subset of dcmio.Dataset QuarantineDataset needs.
// Declared locally so this package never imports dcmio, keeping the
// dependency direction (dcmio has no knowledge of quarantine) one-way.
type datasetWriter interface {
	WriteToFile(path string) error
}

// QuarantineDataset writes ds directly into the kind-specific subdirectory
// under label.dcm. Used when the rejected instance arrived as an in-memory
// dataset (e.g. from a DICOM SCP collaborator via Enqueue's dataset path)
// rather than as a file already on disk, so there is nothing to copy.
func (m *Manager) QuarantineDataset(kind Kind, label string, ds datasetWriter, reason error) (string, error) {
	destDir := filepath.Join(m.dir, string(kind))
	if err := os.MkdirAll(destDir, 0o755); err != nil {
		return "", fmt.Errorf("create quarantine dir %s: %w", destDir, err)
	}
	dest := filepath.Join(destDir, label+".dcm")
	if err := ds.WriteToFile(dest); err != nil {
		return "", fmt.Errorf("write to quarantine %s: %w", dest, err)
	}
	if m.log != nil {
		m.log.Warnf("quarantine", "dataset %s -> %s (%v)", label, dest, reason)
	}
	return dest, nil
}

// List returns every quarantined entry across all kinds, sorted by kind
// then filename, for the management API's /quarantine endpoint.
func (m *Manager) List() ([]Entry, error) {
	var entries []Entry
	for _, kind := range AllKinds {
		dir := filepath.Join(m.dir, string(kind))
		files, err := os.ReadDir(dir)
		if err != nil {
			if os.IsNotExist(err) {
				continue
			}
			return nil, err
		}
		for _, f := range files {
			if f.IsDir() {
				continue
			}
			entries = append(entries, Entry{
				Kind:     kind,
				Path:     filepath.Join(dir, f.Name()),
				Original: f.Name(),
			})
		}
	}
	sort.Slice(entries, func(i, j int) bool {
		if entries[i].Kind != entries[j].Kind {
			return entries[i].Kind < entries[j].Kind
		}
		return entries[i].Original < entries[j].Original
	})
	return entries, nil
}

// Counts returns the number of quarantined files per kind.
func (m *Manager) Counts() (map[Kind]int, error) {
	entries, err := m.List()
	if err != nil {
		return nil, err
	}
	counts := make(map[Kind]int, len(AllKinds))
	for _, k := range AllKinds {
		counts[k] = 0
	}
	for _, e := range entries {
		counts[e.Kind]++
	}
	return counts, nil
}

func copyFile(src, dest string) error {
	in, err := os.Open(src)
	if err != nil {
		return err
	}
	defer in.Close()

	out, err := os.Create(dest)
	if err != nil {
		return err
	}
	defer out.Close()

	if _, err := io.Copy(out, in); err != nil {
		return err
	}
	return out.Sync()
}
