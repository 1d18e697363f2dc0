package phistore

import (
	bolt "go.etcd.io/bbolt"

	"github.com/rsna/dicom-anonymizer/internal/dateuid"
	"github.com/rsna/dicom-anonymizer/internal/errs"
)

var bucketInstancesSeen = []byte("instances_seen")

func init() {
	allBuckets = append(allBuckets, bucketInstancesSeen)
}

// PatientInput is the raw, pre-anonymization patient identity captured
// from a single instance.
type PatientInput struct {
	PatientID   string
	PatientName string
	Sex         string
	DateOfBirth string
	EthnicGroup string
}

// StudyInput is the raw, pre-anonymization study identity.
type StudyInput struct {
	StudyUID        string
	StudyDate       string
	AccessionNumber string
	Description     string
	Source          string
}

// SeriesInput is the raw, pre-anonymization series identity.
type SeriesInput struct {
	SeriesUID   string
	Description string
	Modality    string
}

// CaptureResult is everything the Element Transformer needs to rewrite an
// instance's patient/study identity elements.
type CaptureResult struct {
	AnonPatientID       string
	AnonAccessionNumber string
	AnonDateDelta       int
	DateIsSentinel      bool
	ShiftedStudyDate    string
}

// IdentityConfig carries the identifiers CapturePHI and the UID/ordinal formatters
// need from ProjectConfig, so the store never imports the config package
// directly (avoiding an import cycle with the engine facade).
type IdentityConfig struct {
	SiteID      string
	UIDRoot     string
	ProjectName string
}

// reservedPatientKey is the bucketPatients key shared by every instance
// whose PatientID is blank. bbolt rejects a literal empty-string key, and
// the spec's reserved-default behavior requires a single shared identity
// for every blank phi_patient_id, not one per instance.
const reservedPatientKey = "\x00"

func patientKey(patientID string) string {
	if patientID == "" {
		return reservedPatientKey
	}
	return patientID
}

// CapturePHI records (or reuses) a patient/study/series identity triple and
// returns the anonymized identifiers the Element Transformer writes back
// into the instance. It is the Element Transformer's step 2: on any
// failure here the caller quarantines the instance as Capture_PHI_Error.
// PatientID may be blank per spec §3; only StudyUID and SeriesUID are
// required.
func (s *Store) CapturePHI(ident IdentityConfig, p PatientInput, st StudyInput, se SeriesInput) (CaptureResult, error) {
	if st.StudyUID == "" {
		return CaptureResult{}, &errs.PhiError{Kind: errs.PhiMissingRequired, Msg: "study uid is empty"}
	}
	if se.SeriesUID == "" {
		return CaptureResult{}, &errs.PhiError{Kind: errs.PhiMissingRequired, Msg: "series uid is empty"}
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	var result CaptureResult

	err := s.db.Update(func(tx *bolt.Tx) error {
		patient, err := s.upsertPatientLocked(tx, ident, p)
		if err != nil {
			return err
		}
		study, err := s.upsertStudyLocked(tx, ident, patient, st)
		if err != nil {
			return err
		}
		if err := s.upsertSeriesLocked(tx, se, st.StudyUID); err != nil {
			return err
		}

		result = CaptureResult{
			AnonPatientID:       patient.AnonPatientID,
			AnonAccessionNumber: study.AnonAccessionNumber,
			AnonDateDelta:       study.AnonDateDelta,
			DateIsSentinel:      study.DateIsSentinel,
			ShiftedStudyDate:    shiftedDate(st.StudyDate, study.AnonDateDelta, study.DateIsSentinel),
		}
		return nil
	})
	if err != nil {
		return CaptureResult{}, err
	}
	return result, nil
}

func shiftedDate(studyDate string, delta int, isSentinel bool) string {
	if isSentinel {
		return dateuid.SentinelDate
	}
	return dateuid.ApplyDelta(studyDate, delta)
}

func (s *Store) upsertPatientLocked(tx *bolt.Tx, ident IdentityConfig, p PatientInput) (Patient, error) {
	key := patientKey(p.PatientID)
	var patient Patient
	found, err := getJSON(tx, bucketPatients, key, &patient)
	if err != nil {
		return Patient{}, &errs.PhiError{Kind: errs.PhiInconsistent, Msg: "decode patient: " + err.Error()}
	}
	if found {
		return patient, nil
	}

	var anonID string
	if p.PatientID == "" {
		anonID = dateuid.ReservedAnonPatientID(ident.SiteID)
	} else {
		ordinal, err := s.nextOrdinal(tx, counterPatientOrdinal)
		if err != nil {
			return Patient{}, err
		}
		anonID = dateuid.AnonPatientID(ident.SiteID, ordinal)
	}

	patient = Patient{
		PhiPatientID:  p.PatientID,
		PatientName:   p.PatientName,
		Sex:           p.Sex,
		DateOfBirth:   p.DateOfBirth,
		EthnicGroup:   p.EthnicGroup,
		AnonPatientID: anonID,
	}
	if err := putJSON(tx, bucketPatients, key, patient); err != nil {
		return Patient{}, err
	}
	if err := tx.Bucket(bucketAnonPatientIndex).Put([]byte(anonID), []byte(key)); err != nil {
		return Patient{}, err
	}
	return patient, nil
}

func (s *Store) upsertStudyLocked(tx *bolt.Tx, ident IdentityConfig, patient Patient, st StudyInput) (Study, error) {
	var study Study
	found, err := getJSON(tx, bucketStudies, st.StudyUID, &study)
	if err != nil {
		return Study{}, &errs.PhiError{Kind: errs.PhiInconsistent, Msg: "decode study: " + err.Error()}
	}
	if found {
		return study, nil
	}

	shifted, delta := dateuid.HashDate(st.StudyDate, patient.PhiPatientID)
	ordinal, err := s.nextOrdinal(tx, counterAccessionOrdinal)
	if err != nil {
		return Study{}, err
	}

	study = Study{
		StudyUID:            st.StudyUID,
		PhiPatientID:        patient.PhiPatientID,
		StudyDate:           st.StudyDate,
		AnonDateDelta:       delta,
		DateIsSentinel:      shifted == dateuid.SentinelDate,
		AccessionNumber:     st.AccessionNumber,
		AnonAccessionNumber: dateuid.AnonAccessionNumber(ordinal),
		Description:         st.Description,
		Source:              st.Source,
	}
	if err := putJSON(tx, bucketStudies, st.StudyUID, study); err != nil {
		return Study{}, err
	}
	return study, nil
}

func (s *Store) upsertSeriesLocked(tx *bolt.Tx, se SeriesInput, studyUID string) error {
	var series Series
	found, err := getJSON(tx, bucketSeries, se.SeriesUID, &series)
	if err != nil {
		return &errs.PhiError{Kind: errs.PhiInconsistent, Msg: "decode series: " + err.Error()}
	}
	if found {
		return nil
	}
	series = Series{
		SeriesUID:   se.SeriesUID,
		StudyUID:    studyUID,
		Description: se.Description,
		Modality:    se.Modality,
	}
	return putJSON(tx, bucketSeries, se.SeriesUID, series)
}

// InstanceReceived records that sopInstanceUID has been ingested for the
// given series/study, incrementing their instance counts exactly once per
// distinct SOPInstanceUID — the idempotency anchor a re-ingested instance
// must not double-count against. Returns true if this call is the first
// time sopInstanceUID has been seen.
func (s *Store) InstanceReceived(sopInstanceUID, seriesUID, studyUID string) (isNew bool, err error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	err = s.db.Update(func(tx *bolt.Tx) error {
		seen := tx.Bucket(bucketInstancesSeen)
		if seen.Get([]byte(sopInstanceUID)) != nil {
			isNew = false
			return nil
		}
		if err := seen.Put([]byte(sopInstanceUID), []byte{1}); err != nil {
			return err
		}
		isNew = true

		var series Series
		if found, err := getJSON(tx, bucketSeries, seriesUID, &series); err != nil {
			return err
		} else if !found {
			return &errs.PhiError{Kind: errs.PhiInconsistent, Msg: "instance_received: unknown series " + seriesUID}
		}
		series.InstanceCount++
		if err := putJSON(tx, bucketSeries, seriesUID, series); err != nil {
			return err
		}

		var study Study
		if found, err := getJSON(tx, bucketStudies, studyUID, &study); err != nil {
			return err
		} else if !found {
			return &errs.PhiError{Kind: errs.PhiInconsistent, Msg: "instance_received: unknown study " + studyUID}
		}
		study.TargetInstanceCount++
		return putJSON(tx, bucketStudies, studyUID, study)
	})
	return isNew, err
}

// GetAnonUID returns the anonymous UID mapped to realUID, if one has been
// allocated.
func (s *Store) GetAnonUID(realUID string) (string, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.uidCache.Get(realUID)
}

// SetAnonUID records realUID → anonUID. Ordinals, and therefore anonUID
// values, are never reused even after RemoveUID.
func (s *Store) SetAnonUID(realUID, anonUID string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.uidCache.Set(realUID, anonUID)
}

// RemoveUID deletes the mapping for realUID. Used to roll back a UID
// allocation when the Element Transformer's storage write subsequently
// fails, per spec §4.3's rollback-then-quarantine step.
func (s *Store) RemoveUID(realUID string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.uidCache.Delete(realUID)
}

// NextAnonUID allocates and returns the next UID ordinal. Callers format it
// with dateuid.AnonUID using the configured uid_root and site_id.
func (s *Store) NextAnonUID() (uint64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var ordinal uint64
	err := s.db.Update(func(tx *bolt.Tx) error {
		var err error
		ordinal, err = s.nextOrdinal(tx, counterUIDOrdinal)
		return err
	})
	return ordinal, err
}

// GetAnonPatientID returns the anon_patient_id for the given phi_patient_id.
func (s *Store) GetAnonPatientID(patientID string) (string, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var patient Patient
	var found bool
	_ = s.db.View(func(tx *bolt.Tx) error {
		var err error
		found, err = getJSON(tx, bucketPatients, patientKey(patientID), &patient)
		return err
	})
	return patient.AnonPatientID, found
}

// GetAnonAccession returns the anon_accession_number recorded for studyUID.
func (s *Store) GetAnonAccession(studyUID string) (string, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var study Study
	var found bool
	_ = s.db.View(func(tx *bolt.Tx) error {
		var err error
		found, err = getJSON(tx, bucketStudies, studyUID, &study)
		return err
	})
	return study.AnonAccessionNumber, found
}

// GetPHI resolves an anon_patient_id back to its underlying PHI record, for
// operator review and support requests. It does not expose study-level PHI
// directly; callers join against PhiIndex for that.
func (s *Store) GetPHI(anonPatientID string) (Patient, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var patient Patient
	var found bool
	_ = s.db.View(func(tx *bolt.Tx) error {
		real := tx.Bucket(bucketAnonPatientIndex).Get([]byte(anonPatientID))
		if real == nil {
			return nil
		}
		var err error
		found, err = getJSON(tx, bucketPatients, string(real), &patient)
		return err
	})
	return patient, found
}

// RemovePHI deletes the patient record (and its anon-index entry) for
// anonPatientID. Studies, series, and UID mappings already written to
// anonymized output are left untouched — PHI removal only forgets the
// traceback to the source identity, never the de-identified archive.
func (s *Store) RemovePHI(anonPatientID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.db.Update(func(tx *bolt.Tx) error {
		idx := tx.Bucket(bucketAnonPatientIndex)
		real := idx.Get([]byte(anonPatientID))
		if real == nil {
			return &errs.PhiError{Kind: errs.PhiMissingRequired, Msg: "no phi record for " + anonPatientID}
		}
		if err := tx.Bucket(bucketPatients).Delete(real); err != nil {
			return err
		}
		return idx.Delete([]byte(anonPatientID))
	})
}

// GetTotals returns current record counts across all buckets.
func (s *Store) GetTotals() Totals {
	s.mu.Lock()
	defer s.mu.Unlock()
	var t Totals
	_ = s.db.View(func(tx *bolt.Tx) error {
		t.Patients = tx.Bucket(bucketPatients).Stats().KeyN
		t.Studies = tx.Bucket(bucketStudies).Stats().KeyN
		t.Series = tx.Bucket(bucketSeries).Stats().KeyN
		t.UIDs = tx.Bucket(bucketUIDMap).Stats().KeyN
		t.Instances = tx.Bucket(bucketInstancesSeen).Stats().KeyN
		return nil
	})
	return t
}

// PhiIndex returns the full twelve-column phi_index() projection, one row
// per study, for operator review and CSV export.
func (s *Store) PhiIndex() ([]PhiIndexRow, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var rows []PhiIndexRow
	err := s.db.View(func(tx *bolt.Tx) error {
		return tx.Bucket(bucketStudies).ForEach(func(_, v []byte) error {
			var study Study
			if err := decodeJSON(v, &study); err != nil {
				return err
			}
			var patient Patient
			found, err := getJSON(tx, bucketPatients, patientKey(study.PhiPatientID), &patient)
			if err != nil {
				return err
			}
			if !found {
				return nil
			}
			anonStudyUID, _ := s.uidCache.Get(study.StudyUID)
			rows = append(rows, PhiIndexRow{
				PhiPatientID:        patient.PhiPatientID,
				PatientName:         patient.PatientName,
				Sex:                 patient.Sex,
				DateOfBirth:         patient.DateOfBirth,
				EthnicGroup:         patient.EthnicGroup,
				AnonPatientID:       patient.AnonPatientID,
				StudyUID:            study.StudyUID,
				StudyDate:           study.StudyDate,
				AnonDateDelta:       study.AnonDateDelta,
				AccessionNumber:     study.AccessionNumber,
				AnonAccessionNumber: study.AnonAccessionNumber,
				AnonStudyUID:        anonStudyUID,
			})
			return nil
		})
	})
	return rows, err
}
