// Package errs defines the closed error taxonomy surfaced by the anonymizer
// core. Every fallible operation returns one of these types (or wraps one),
// so callers can classify a failure with errors.As instead of string
// matching, and the ingest pipeline can map a failure directly onto a
// quarantine kind.
package errs

import (
	"errors"
	"fmt"
)

// ErrNoScriptRoot is wrapped by ScriptError{Kind: ScriptParse} when an
// anonymizer script is well-formed XML but has no <script> root element.
var ErrNoScriptRoot = errors.New("script: no <script> root element")

// ScriptKind distinguishes Script Loader failures. Both are fatal during
// Anonymizer construction; neither is recoverable per-instance.
type ScriptKind int

const (
	ScriptNotFound ScriptKind = iota
	ScriptParse
)

// ScriptError is returned by the Script Loader.
type ScriptError struct {
	Kind ScriptKind
	Path string
	Err  error
}

func (e *ScriptError) Error() string {
	switch e.Kind {
	case ScriptNotFound:
		return fmt.Sprintf("script not found: %s", e.Path)
	default:
		return fmt.Sprintf("script parse error in %s: %v", e.Path, e.Err)
	}
}

func (e *ScriptError) Unwrap() error { return e.Err }

// PhiKind distinguishes PHI Store failures.
type PhiKind int

const (
	PhiMissingRequired PhiKind = iota
	PhiInconsistent
)

// PhiError is returned by PHI Store operations. It routes to the
// Capture_PHI_Error quarantine kind.
type PhiError struct {
	Kind PhiKind
	Msg  string
}

func (e *PhiError) Error() string { return "phi store: " + e.Msg }

// StorageError is returned when writing an anonymized output fails. It
// routes to the Storage_Error quarantine kind and triggers a UID-map
// rollback for the offending SOPInstanceUID.
type StorageError struct {
	Path string
	Err  error
}

func (e *StorageError) Error() string { return fmt.Sprintf("storage write %s: %v", e.Path, e.Err) }
func (e *StorageError) Unwrap() error { return e.Err }

// ReadKind distinguishes DicomReader failures.
type ReadKind int

const (
	ReadNotDicom ReadKind = iota
	ReadIO
)

// ReadError is returned by DicomReader.Read, to both the synchronous API and
// the Ingest Pipeline; routes to the corresponding quarantine kind
// (Invalid_DICOM or DICOM_Read_Error).
type ReadError struct {
	Kind ReadKind
	Path string
	Err  error
}

func (e *ReadError) Error() string {
	if e.Kind == ReadNotDicom {
		return fmt.Sprintf("not a dicom file: %s", e.Path)
	}
	return fmt.Sprintf("read error %s: %v", e.Path, e.Err)
}

func (e *ReadError) Unwrap() error { return e.Err }

// ClassificationKind distinguishes pre-transform rejections.
type ClassificationKind int

const (
	ClassMissingAttributes ClassificationKind = iota
	ClassInvalidStorageClass
)

// ClassificationError is returned when required attributes are missing or
// the SOP class is not accepted. Both the synchronous API and the Ingest
// Pipeline route it to the matching quarantine kind.
type ClassificationError struct {
	Kind   ClassificationKind
	Detail string
}

func (e *ClassificationError) Error() string { return "classification: " + e.Detail }

// PersistenceError is returned by PhiStore.save(). It is logged and retried
// on the next Autosave tick; it never fails a per-instance transaction.
type PersistenceError struct {
	Err error
}

func (e *PersistenceError) Error() string { return fmt.Sprintf("persistence: %v", e.Err) }
func (e *PersistenceError) Unwrap() error { return e.Err }
