// Package phistore is the PHI Store: the single transactional, thread-safe
// index of every patient, study, series, and UID mapping the engine has
// ever seen, durable across restarts via an embedded bbolt database.
package phistore

import "strconv"

// Patient is the PHI-side record keyed by phi_patient_id (the source
// system's PatientID element).
type Patient struct {
	PhiPatientID  string `json:"phiPatientId"`
	PatientName   string `json:"patientName"`
	Sex           string `json:"sex"`
	DateOfBirth   string `json:"dateOfBirth"`
	EthnicGroup   string `json:"ethnicGroup"`
	AnonPatientID string `json:"anonPatientId"`
}

// Study is keyed by study_uid (StudyInstanceUID).
type Study struct {
	StudyUID            string `json:"studyUid"`
	PhiPatientID         string `json:"phiPatientId"`
	StudyDate            string `json:"studyDate"`
	AnonDateDelta        int    `json:"anonDateDelta"`
	// DateIsSentinel is true when the per-patient date shift could not be
	// derived (blank patient id, unparseable or pre-floor study date), so
	// every date element on instances in this study is written as
	// dateuid.SentinelDate rather than a zero-day shift of the real value.
	DateIsSentinel      bool   `json:"dateIsSentinel"`
	AccessionNumber      string `json:"accessionNumber"`
	AnonAccessionNumber  string `json:"anonAccessionNumber"`
	Description          string `json:"description"`
	Source               string `json:"source"`
	TargetInstanceCount  int    `json:"targetInstanceCount"`
}

// Series is keyed by series_uid (SeriesInstanceUID).
type Series struct {
	SeriesUID     string `json:"seriesUid"`
	StudyUID      string `json:"studyUid"`
	Description   string `json:"description"`
	Modality      string `json:"modality"`
	InstanceCount int    `json:"instanceCount"`
}

// Totals summarizes the PHI Store's contents, for the management API's
// /status endpoint and operator-facing reporting. Quarantined is always
// zero here; the PHI Store has no notion of the Quarantine Manager, so
// callers merge it in from quarantine.Manager.Counts() per spec §4.2's
// get_totals() contract.
type Totals struct {
	Patients    int `json:"patients"`
	Studies     int `json:"studies"`
	Series      int `json:"series"`
	UIDs        int `json:"uids"`
	Instances   int `json:"instances"`
	Quarantined int `json:"quarantined"`
}

// PhiIndexRow is one row of the phi_index() CSV projection: a flattened,
// read-only view joining patient and study identity for operator review and
// export, per spec §6's twelve-column phi_index output.
type PhiIndexRow struct {
	PhiPatientID        string
	PatientName         string
	Sex                 string
	DateOfBirth         string
	EthnicGroup          string
	AnonPatientID       string
	StudyUID            string
	StudyDate           string
	AnonDateDelta       int
	AccessionNumber     string
	AnonAccessionNumber string
	AnonStudyUID        string
}

// Header returns the twelve CSV column names, in PhiIndexRow field order.
func Header() []string {
	return []string{
		"phi_patient_id", "patient_name", "sex", "date_of_birth", "ethnic_group",
		"anon_patient_id", "study_uid", "study_date", "anon_date_delta",
		"accession_number", "anon_accession_number", "anon_study_uid",
	}
}

// Row returns r's values as CSV-ready strings, in Header() order.
func (r PhiIndexRow) Row() []string {
	return []string{
		r.PhiPatientID, r.PatientName, r.Sex, r.DateOfBirth, r.EthnicGroup,
		r.AnonPatientID, r.StudyUID, r.StudyDate, strconv.Itoa(r.AnonDateDelta),
		r.AccessionNumber, r.AnonAccessionNumber, r.AnonStudyUID,
	}
}
