// Package anonymizer wires the Script Loader, PHI Store, Element
// Transformer, Quarantine Manager, Ingest Pipeline, and Export Sink into the
// single Anonymizer facade a host process constructs once and drives for
// the life of a run. Everything the other packages expose individually is
// reachable here, in the shapes the core design's external interfaces name.
package anonymizer

import (
	"fmt"

	"github.com/rsna/dicom-anonymizer/internal/config"
	"github.com/rsna/dicom-anonymizer/internal/dcmio"
	"github.com/rsna/dicom-anonymizer/internal/errs"
	"github.com/rsna/dicom-anonymizer/internal/export"
	"github.com/rsna/dicom-anonymizer/internal/ingest"
	"github.com/rsna/dicom-anonymizer/internal/logger"
	"github.com/rsna/dicom-anonymizer/internal/metrics"
	"github.com/rsna/dicom-anonymizer/internal/phistore"
	"github.com/rsna/dicom-anonymizer/internal/quarantine"
	"github.com/rsna/dicom-anonymizer/internal/script"
	"github.com/rsna/dicom-anonymizer/internal/transform"
)

// Anonymizer is the engine's top-level handle: one PHI Store, one
// Quarantine Manager, one Ingest Pipeline, running against one loaded
// script and one set of accepted storage classes.
type Anonymizer struct {
	cfg         *config.Config
	store       *phistore.Store
	quarantine  *quarantine.Manager
	transformer *transform.Transformer
	pipeline    *ingest.Pipeline
	metrics     *metrics.Metrics
	reader      dcmio.Reader
	log         *logger.Logger
}

// RejectionError reports why AnonymizeFile rejected a single instance,
// carrying the same Kind the Ingest Pipeline would have quarantined it
// under had it arrived through Enqueue instead.
type RejectionError struct {
	Kind quarantine.Kind
	Err  error
}

func (e *RejectionError) Error() string {
	return fmt.Sprintf("%s: %v", e.Kind, e.Err)
}

func (e *RejectionError) Unwrap() error { return e.Err }

// New loads the configured script, opens the PHI Store, and wires the
// Element Transformer, Quarantine Manager, Export Sink, and Ingest
// Pipeline. The returned Anonymizer owns all of their lifetimes; Stop
// releases them.
func New(cfg *config.Config) (*Anonymizer, error) {
	log := logger.New("ANONYMIZER", cfg.LogLevel)

	scr, err := script.Load(cfg.ScriptPath)
	if err != nil {
		return nil, err
	}

	store, err := phistore.Open(cfg.PrivateDir(), 4096, logger.New("PHISTORE", cfg.LogLevel))
	if err != nil {
		return nil, err
	}

	ident := phistore.IdentityConfig{SiteID: cfg.SiteID, UIDRoot: cfg.UIDRoot, ProjectName: cfg.ProjectName}
	tr := transform.New(store, scr, ident, cfg.AcceptedClasses, cfg.ImagesDir(), logger.New("TRANSFORM", cfg.LogLevel))
	qm := quarantine.New(cfg.QuarantineDir(), logger.New("QUARANTINE", cfg.LogLevel))
	m := metrics.New()
	sink := export.New(cfg.ExportArchiveURL)

	pipeline := ingest.New(ingest.Options{
		Reader:           dcmio.NewReader(),
		Transformer:      tr,
		Store:            store,
		Quarantine:       qm,
		Sink:             sink,
		Metrics:          m,
		WorkerCount:      cfg.WorkerCount,
		QueueDepth:       256,
		AutosaveInterval: cfg.AutosaveInterval,
		Log:              logger.New("INGEST", cfg.LogLevel),
	})
	pipeline.Start(cfg.WorkerCount)

	return &Anonymizer{
		cfg:         cfg,
		store:       store,
		quarantine:  qm,
		transformer: tr,
		pipeline:    pipeline,
		metrics:     m,
		reader:      dcmio.NewReader(),
		log:         log,
	}, nil
}

// Metrics returns the running counters, for a management server to expose.
func (a *Anonymizer) Metrics() *metrics.Metrics { return a.metrics }

// Store returns the underlying PHI Store, for a management server to query
// directly (phi_index, totals) without duplicating the facade's surface.
func (a *Anonymizer) Store() *phistore.Store { return a.store }

// Quarantine returns the underlying Quarantine Manager, for the same reason.
func (a *Anonymizer) Quarantine() *quarantine.Manager { return a.quarantine }

// AnonymizeFile runs one instance through the full pipeline synchronously,
// outside the worker pool, quarantining and returning a *RejectionError on
// any failure instead of routing the failure to a background worker. This
// is the path a one-shot CLI invocation or a synchronous HTTP upload
// handler uses, as opposed to Enqueue's fire-and-forget path.
func (a *Anonymizer) AnonymizeFile(path string) error {
	ds, err := a.reader.Read(path)
	if err != nil {
		kind := quarantine.DICOMReadError
		if re, ok := err.(*errs.ReadError); ok && re.Kind == errs.ReadNotDicom {
			kind = quarantine.InvalidDICOM
		}
		a.quarantineFile(kind, path, err)
		return &RejectionError{Kind: kind, Err: err}
	}

	if _, err := a.transformer.Transform(ds); err != nil {
		kind := rejectionKind(err)
		a.quarantineFile(kind, path, err)
		return &RejectionError{Kind: kind, Err: err}
	}
	return nil
}

func rejectionKind(err error) quarantine.Kind {
	switch e := err.(type) {
	case *errs.ClassificationError:
		if e.Kind == errs.ClassInvalidStorageClass {
			return quarantine.InvalidStorageClass
		}
		return quarantine.MissingAttributes
	case *errs.PhiError:
		return quarantine.CapturePHIError
	case *errs.StorageError:
		return quarantine.StorageError
	default:
		return quarantine.StorageError
	}
}

func (a *Anonymizer) quarantineFile(kind quarantine.Kind, path string, cause error) {
	if _, err := a.quarantine.Quarantine(kind, path, cause); err != nil {
		a.log.Errorf("anonymize_file", "failed to quarantine %s: %v", path, err)
	}
}

// Enqueue submits path for asynchronous processing by the Ingest
// Pipeline's worker pool, tagged with source for diagnostics (a watched
// directory name, "manual-upload", a DIMSE association identifier, …).
func (a *Anonymizer) Enqueue(source, path string) {
	a.pipeline.Enqueue(path, source)
}

// EnqueueDataset submits an already-parsed in-memory dataset for
// asynchronous processing, tagged with source for diagnostics. A DICOM SCP
// collaborator that receives a C-STORE already holds a parsed dataset, not
// a file on disk, so it uses this instead of writing to a temp file first.
func (a *Anonymizer) EnqueueDataset(source string, ds dcmio.Dataset) {
	a.pipeline.EnqueueDataset(source, ds)
}

// Stop drains the Ingest Pipeline, flushes the PHI Store one last time, and
// closes the store's database handle. No further calls should be made on
// this Anonymizer afterward.
func (a *Anonymizer) Stop() {
	a.pipeline.Stop()
	if err := a.store.Close(); err != nil {
		a.log.Errorf("stop", "closing phi store: %v", err)
	}
}

// PhiIndex returns the full PHI index projection, one row per study, for
// operator review and CSV export.
func (a *Anonymizer) PhiIndex() ([]phistore.PhiIndexRow, error) {
	return a.store.PhiIndex()
}

// RemovePHI forgets the traceback from anonPatientID to its source
// identity. When anonStudyUID is non-empty it is checked against the PHI
// index first, so a caller can scope removal to a single study's patient
// without accidentally forgetting a patient who still has other studies
// under active review; an empty anonStudyUID removes unconditionally.
// Reports whether a matching record was found and removed.
func (a *Anonymizer) RemovePHI(anonPatientID, anonStudyUID string) bool {
	if anonStudyUID != "" {
		rows, err := a.store.PhiIndex()
		if err != nil {
			return false
		}
		found := false
		for _, row := range rows {
			if row.AnonPatientID == anonPatientID && row.AnonStudyUID == anonStudyUID {
				found = true
				break
			}
		}
		if !found {
			return false
		}
	}
	return a.store.RemovePHI(anonPatientID) == nil
}

// Totals returns current record counts across patients, studies, series,
// UID mappings, and instances, merged with the current quarantine count
// per spec §4.2's get_totals() -> (patients, studies, series, instances,
// quarantined).
func (a *Anonymizer) Totals() phistore.Totals {
	t := a.store.GetTotals()
	counts, err := a.quarantine.Counts()
	if err != nil {
		a.log.Errorf("totals", "reading quarantine counts: %v", err)
		return t
	}
	for _, n := range counts {
		t.Quarantined += n
	}
	return t
}
