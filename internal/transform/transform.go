// Package transform implements the Element Transformer: the fixed,
// seven-step procedure that turns one parsed DICOM instance into its
// de-identified counterpart and writes it under the public images tree.
package transform

import (
	"fmt"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/rsna/dicom-anonymizer/internal/dateuid"
	"github.com/rsna/dicom-anonymizer/internal/dcmio"
	"github.com/rsna/dicom-anonymizer/internal/errs"
	"github.com/rsna/dicom-anonymizer/internal/logger"
	"github.com/rsna/dicom-anonymizer/internal/phistore"
	"github.com/rsna/dicom-anonymizer/internal/script"
)

// Standard DICOM tags the Transformer reads or writes directly; all other
// tag handling is driven entirely by the loaded Script.
const (
	tagPatientID           = "00100020"
	tagPatientName         = "00100010"
	tagPatientSex          = "00100040"
	tagPatientBirthDate    = "00100030"
	tagEthnicGroup         = "00102160"
	tagStudyInstanceUID    = "0020000D"
	tagStudyDate           = "00080020"
	tagAccessionNumber     = "00080050"
	tagStudyDescription    = "00081030"
	tagStudySource         = "00321032"
	tagSeriesInstanceUID   = "0020000E"
	tagSeriesDescription   = "0008103E"
	tagModality            = "00080060"
	tagSOPInstanceUID      = "00080018"
	tagSOPClassUID         = "00080016"
	tagPatientIdentityRmvd = "00120062"
	tagDeidMethod          = "00120063"
	tagDeidMethodCodeSeq   = "00120064"
)

const rsnaPrivateGroup uint16 = 0x0013
const rsnaPrivateBlock uint8 = 0x10

// Transformer applies one loaded Script against parsed instances, backed
// by a PHI Store for identity capture and UID allocation.
type Transformer struct {
	store           *phistore.Store
	script          *script.Script
	ident           phistore.IdentityConfig
	acceptedClasses map[string]bool
	imagesDir       string
	log             *logger.Logger
}

// New returns a Transformer. acceptedClasses may be empty, meaning every
// SOP class is accepted.
func New(store *phistore.Store, scr *script.Script, ident phistore.IdentityConfig, acceptedClasses []string, imagesDir string, log *logger.Logger) *Transformer {
	classes := make(map[string]bool, len(acceptedClasses))
	for _, c := range acceptedClasses {
		classes[c] = true
	}
	return &Transformer{
		store:           store,
		script:          scr,
		ident:           ident,
		acceptedClasses: classes,
		imagesDir:       imagesDir,
		log:             log,
	}
}

// Transform runs the full seven-step procedure against ds and writes the
// result to the public images tree. It returns the output path on success.
// Every error returned is one of errs.ClassificationError, errs.PhiError,
// or errs.StorageError, so the Ingest Pipeline can route directly to the
// matching quarantine kind.
func (t *Transformer) Transform(ds dcmio.Dataset) (string, error) {
	patientID := value(ds, tagPatientID)
	studyUID := value(ds, tagStudyInstanceUID)
	seriesUID := value(ds, tagSeriesInstanceUID)
	sopInstanceUID := value(ds, tagSOPInstanceUID)
	sopClassUID := value(ds, tagSOPClassUID)

	if studyUID == "" || seriesUID == "" || sopInstanceUID == "" || sopClassUID == "" {
		return "", &errs.ClassificationError{
			Kind:   errs.ClassMissingAttributes,
			Detail: "one of StudyInstanceUID/SeriesInstanceUID/SOPInstanceUID/SOPClassUID is missing",
		}
	}
	if len(t.acceptedClasses) > 0 && !t.acceptedClasses[sopClassUID] {
		return "", &errs.ClassificationError{
			Kind:   errs.ClassInvalidStorageClass,
			Detail: "SOP class " + sopClassUID + " is not in the accepted storage class list",
		}
	}

	capture, err := t.store.CapturePHI(t.ident,
		phistore.PatientInput{
			PatientID:   patientID,
			PatientName: value(ds, tagPatientName),
			Sex:         value(ds, tagPatientSex),
			DateOfBirth: value(ds, tagPatientBirthDate),
			EthnicGroup: value(ds, tagEthnicGroup),
		},
		phistore.StudyInput{
			StudyUID:        studyUID,
			StudyDate:       value(ds, tagStudyDate),
			AccessionNumber: value(ds, tagAccessionNumber),
			Description:     value(ds, tagStudyDescription),
			Source:          value(ds, tagStudySource),
		},
		phistore.SeriesInput{
			SeriesUID:   seriesUID,
			Description: value(ds, tagSeriesDescription),
			Modality:    value(ds, tagModality),
		},
	)
	if err != nil {
		return "", err
	}

	if _, err := t.store.InstanceReceived(sopInstanceUID, seriesUID, studyUID); err != nil {
		return "", err
	}

	t.stripPrivateElements(ds)
	t.applyScript(ds, capture)
	t.setMandatoryElements(ds, capture)

	anonStudyUID := t.anonUIDFor(studyUID)
	anonSeriesUID := t.anonUIDFor(seriesUID)
	anonSOPUID := t.anonUIDFor(sopInstanceUID)

	ds.Set(tagPatientID, capture.AnonPatientID, "LO")
	ds.Set(tagPatientName, capture.AnonPatientID, "PN")

	outPath := filepath.Join(t.imagesDir, capture.AnonPatientID, anonStudyUID, anonSeriesUID, anonSOPUID+".dcm")
	if err := ds.WriteToFile(outPath); err != nil {
		t.store.RemoveUID(sopInstanceUID)
		return "", &errs.StorageError{Path: outPath, Err: err}
	}
	return outPath, nil
}

func value(ds dcmio.Dataset, tag string) string {
	if el, ok := ds.Find(tag); ok {
		return el.Value
	}
	return ""
}

// stripPrivateElements removes every odd-group element, including those
// nested inside sequence items.
// This runs unconditionally, regardless of the script's own "remove all
// private groups" directive: the contractual step order strips private
// data before the whitelist pass ever sees it.
func (t *Transformer) stripPrivateElements(ds dcmio.Dataset) {
	var privateTags []string
	ds.Walk(func(_ []string, el dcmio.Element) {
		if el.IsPrivate() {
			privateTags = append(privateTags, el.Tag)
		}
	})
	for _, tag := range privateTags {
		ds.Delete(tag)
	}
}

// applyScript walks every remaining (now private-free) element and applies
// the script's operation, removing any element the script does not
// mention — the whitelist-by-absence invariant.
func (t *Transformer) applyScript(ds dcmio.Dataset, capture phistore.CaptureResult) {
	var present []dcmio.Element
	ds.Walk(func(_ []string, el dcmio.Element) {
		present = append(present, el)
	})

	for _, el := range present {
		op, mentioned := t.script.Keep[el.Tag]
		if !mentioned {
			ds.Delete(el.Tag)
			continue
		}
		t.applyOp(ds, el, op, capture)
	}
}

func (t *Transformer) applyOp(ds dcmio.Dataset, el dcmio.Element, op string, capture phistore.CaptureResult) {
	switch {
	case op == "":
		// keep as-is
	case op == "@empty":
		ds.Set(el.Tag, "", el.VR)
	case op == "uid":
		ds.Set(el.Tag, t.anonUIDFor(el.Value), el.VR)
	case op == "ptid":
		ds.Set(el.Tag, capture.AnonPatientID, el.VR)
	case op == "acc":
		ds.Set(el.Tag, capture.AnonAccessionNumber, el.VR)
	case op == "@hashdate":
		v := dateuid.ApplyDelta(el.Value, capture.AnonDateDelta)
		if capture.DateIsSentinel {
			v = dateuid.SentinelDate
		}
		ds.Set(el.Tag, v, el.VR)
	case strings.HasPrefix(op, "@round"):
		n := parseRoundArg(op)
		ds.Set(el.Tag, roundAge(el.Value, n), el.VR)
	default:
		// Unknown operation text: treat as keep, matching the contract
		// that absence (not an unrecognized op) is what triggers removal.
	}
}

func parseRoundArg(op string) int {
	fields := strings.Fields(op)
	if len(fields) < 2 {
		return 1
	}
	n, err := strconv.Atoi(fields[1])
	if err != nil || n <= 0 {
		return 1
	}
	return n
}

// roundAge rounds a DICOM AS-VR age string ("034Y", "003M") down to the
// nearest multiple of n, re-padding the numeric portion to three digits —
// the left-pad convention this engine applies to keep the result a valid
// AS value regardless of how far rounding shrinks the number.
func roundAge(age string, n int) string {
	if len(age) < 4 {
		return age
	}
	numPart := age[:len(age)-1]
	unit := age[len(age)-1:]
	num, err := strconv.Atoi(numPart)
	if err != nil {
		return age
	}
	rounded := (num / n) * n
	return fmt.Sprintf("%03d%s", rounded, unit)
}

func (t *Transformer) anonUIDFor(realUID string) string {
	if anon, ok := t.store.GetAnonUID(realUID); ok {
		return anon
	}
	ordinal, err := t.store.NextAnonUID()
	if err != nil {
		return realUID // never leaves a blank UID; caller's write will surface the underlying failure
	}
	anon := dateuid.AnonUID(t.ident.UIDRoot, t.ident.SiteID, ordinal)
	t.store.SetAnonUID(realUID, anon)
	return anon
}

func (t *Transformer) setMandatoryElements(ds dcmio.Dataset, _ phistore.CaptureResult) {
	ds.Set(tagPatientIdentityRmvd, "YES", "CS")
	ds.Set(tagDeidMethod, "RSNA DICOM Anonymizer", "LO")
	ds.SetCodeSequence(tagDeidMethodCodeSeq, [][3]string{
		{"113100", "DCM", "Basic Application Confidentiality Profile"},
		{"113107", "DCM", "Retain Longitudinal Temporal Information Modified Dates Option"},
		{"113108", "DCM", "Retain Patient Characteristics Option"},
	})
	ds.SetPrivateBlock(rsnaPrivateGroup, rsnaPrivateBlock, "RSNA", map[uint8]string{
		0x01: t.ident.SiteID,
		0x02: "", // reserved: trial name, when this deployment is scoped to one
		0x03: t.ident.ProjectName,
	})
}
