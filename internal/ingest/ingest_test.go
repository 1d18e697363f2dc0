package ingest

import (
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/rsna/dicom-anonymizer/internal/dcmio"
	"github.com/rsna/dicom-anonymizer/internal/errs"
	"github.com/rsna/dicom-anonymizer/internal/export"
	"github.com/rsna/dicom-anonymizer/internal/logger"
	"github.com/rsna/dicom-anonymizer/internal/metrics"
	"github.com/rsna/dicom-anonymizer/internal/phistore"
	"github.com/rsna/dicom-anonymizer/internal/quarantine"
	"github.com/rsna/dicom-anonymizer/internal/script"
	"github.com/rsna/dicom-anonymizer/internal/transform"
)

// fakeReader returns a pre-built Dataset for any path, or a configured
// error, so pipeline tests never touch real DICOM bytes.
type fakeReader struct {
	ds  dcmio.Dataset
	err error
}

func (f fakeReader) Read(path string) (dcmio.Dataset, error) {
	if f.err != nil {
		return nil, f.err
	}
	return f.ds, nil
}

func validDataset() *dcmio.MemDataset {
	ds := dcmio.NewMemDataset()
	ds.Put(dcmio.Element{Tag: "00100020", VR: "LO", Value: "PHI-001", Group: 0x0010, Elem: 0x0020})
	ds.Put(dcmio.Element{Tag: "0020000D", VR: "UI", Value: "1.2.3", Group: 0x0020, Elem: 0x000D})
	ds.Put(dcmio.Element{Tag: "0020000E", VR: "UI", Value: "1.2.3.4", Group: 0x0020, Elem: 0x000E})
	ds.Put(dcmio.Element{Tag: "00080018", VR: "UI", Value: "1.2.3.4.5", Group: 0x0008, Elem: 0x0018})
	ds.Put(dcmio.Element{Tag: "00080016", VR: "UI", Value: "1.2.840.10008.5.1.4.1.1.2", Group: 0x0008, Elem: 0x0016})
	return ds
}

func newTestPipeline(t *testing.T, reader dcmio.Reader) (*Pipeline, *quarantine.Manager, string, string) {
	t.Helper()
	storeDir := t.TempDir()
	st, err := phistore.Open(storeDir, 16, logger.New("PHISTORE", "error"))
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { st.Close() })

	ident := phistore.IdentityConfig{SiteID: "RSNA", UIDRoot: "1.2.826.0.1.3680043.10.474"}
	scr := &script.Script{Keep: script.TagKeep{
		"00100020": "ptid",
		"0020000D": "uid",
		"0020000E": "uid",
		"00080018": "uid",
		"00080016": "",
	}}
	imagesDir := t.TempDir()
	tr := transform.New(st, scr, ident, nil, imagesDir, logger.New("TRANSFORM", "error"))

	qDir := t.TempDir()
	qm := quarantine.New(qDir, logger.New("QUARANTINE", "error"))

	p := New(Options{
		Reader:           reader,
		Transformer:      tr,
		Store:            st,
		Quarantine:       qm,
		Sink:             export.NullSink{},
		Metrics:          metrics.New(),
		WorkerCount:      2,
		QueueDepth:       8,
		AutosaveInterval: 0,
		Log:              logger.New("INGEST", "error"),
	})
	return p, qm, imagesDir, storeDir
}

func TestPipeline_ProcessesValidInstance(t *testing.T) {
	p, _, imagesDir, _ := newTestPipeline(t, fakeReader{ds: validDataset()})
	p.Start(2)
	p.Enqueue("source.dcm", "test")
	p.Stop()

	written := countFiles(t, imagesDir)
	if written == 0 {
		t.Error("expected at least one anonymized output file")
	}
}

func TestPipeline_NotDicomRoutesToInvalidDICOMQuarantine(t *testing.T) {
	p, qm, _, _ := newTestPipeline(t, fakeReader{err: &errs.ReadError{Kind: errs.ReadNotDicom, Path: "bad.dcm", Err: errors.New("no DICM magic")}})
	p.Start(1)

	src := writeTempFile(t, "bad.dcm")
	p.Enqueue(src, "test")
	p.Stop()

	counts, err := qm.Counts()
	if err != nil {
		t.Fatal(err)
	}
	if counts[quarantine.InvalidDICOM] != 1 {
		t.Errorf("expected 1 Invalid_DICOM entry, got %d", counts[quarantine.InvalidDICOM])
	}
}

func TestPipeline_IOErrorRoutesToDICOMReadErrorQuarantine(t *testing.T) {
	p, qm, _, _ := newTestPipeline(t, fakeReader{err: &errs.ReadError{Kind: errs.ReadIO, Path: "trunc.dcm", Err: errors.New("truncated element")}})
	p.Start(1)

	src := writeTempFile(t, "trunc.dcm")
	p.Enqueue(src, "test")
	p.Stop()

	counts, err := qm.Counts()
	if err != nil {
		t.Fatal(err)
	}
	if counts[quarantine.DICOMReadError] != 1 {
		t.Errorf("expected 1 DICOM_Read_Error entry, got %d", counts[quarantine.DICOMReadError])
	}
}

func TestPipeline_MissingAttributesRoutesToMissingAttributesQuarantine(t *testing.T) {
	ds := validDataset()
	ds.Delete("00080016")
	p, qm, _, _ := newTestPipeline(t, fakeReader{ds: ds})
	p.Start(1)

	src := writeTempFile(t, "missing.dcm")
	p.Enqueue(src, "test")
	p.Stop()

	counts, err := qm.Counts()
	if err != nil {
		t.Fatal(err)
	}
	if counts[quarantine.MissingAttributes] != 1 {
		t.Errorf("expected 1 Missing_Attributes entry, got %d", counts[quarantine.MissingAttributes])
	}
}

func TestPipeline_StopFlushesDirtyStoreEvenWithoutAutosave(t *testing.T) {
	p, _, _, storeDir := newTestPipeline(t, fakeReader{ds: validDataset()})
	p.Start(1)
	p.Enqueue("source.dcm", "test")
	p.Stop()

	snapshot := filepath.Join(storeDir, "AnonymizerModel.db")
	if _, err := os.Stat(snapshot); err != nil {
		t.Errorf("expected final save to write a snapshot: %v", err)
	}
}

func TestPipeline_AutosaveClearsDirtyFlagOnSuccess(t *testing.T) {
	p, _, _, _ := newTestPipeline(t, fakeReader{ds: validDataset()})
	p.autosaveInterval = 20 * time.Millisecond
	p.Start(1)
	p.Enqueue("source.dcm", "test")

	deadline := time.After(2 * time.Second)
	for p.metrics.InstancesAnonymized.Load() == 0 {
		select {
		case <-deadline:
			t.Fatal("the enqueued instance was never anonymized")
		case <-time.After(10 * time.Millisecond):
		}
	}
	for p.dirty.Load() {
		select {
		case <-deadline:
			t.Fatal("autosave never cleared the dirty flag")
		case <-time.After(10 * time.Millisecond):
		}
	}
	p.Stop()
}

type panicSink struct{}

func (panicSink) Send(string, string, string, string, string) error {
	panic("simulated sink failure")
}

func TestPipeline_WorkerRecoversFromPanicAndQuarantines(t *testing.T) {
	p, qm, _, _ := newTestPipeline(t, fakeReader{ds: validDataset()})
	p.sink = panicSink{}
	p.Start(1)
	src := writeTempFile(t, "source.dcm")
	p.Enqueue(src, "test")
	p.Stop()

	counts, err := qm.Counts()
	if err != nil {
		t.Fatal(err)
	}
	if counts[quarantine.StorageError] != 1 {
		t.Errorf("expected the panic to be quarantined as Storage_Error, got %v", counts)
	}
}

func writeTempFile(t *testing.T, name string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), name)
	if err := os.WriteFile(path, []byte("not real dicom bytes"), 0o644); err != nil {
		t.Fatal(err)
	}
	return path
}

func countFiles(t *testing.T, dir string) int {
	t.Helper()
	n := 0
	err := filepath.Walk(dir, func(path string, info os.FileInfo, err error) error {
		if err != nil {
			return err
		}
		if !info.IsDir() {
			n++
		}
		return nil
	})
	if err != nil {
		t.Fatal(err)
	}
	return n
}
