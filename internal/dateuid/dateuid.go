// Package dateuid implements the engine's two derivation formulas: the
// per-patient deterministic date shift, and the anonymous UID format minted
// from a PHI Store ordinal.
package dateuid

import (
	"crypto/md5" //nolint:gosec // not used for security; deterministic shift only
	"fmt"
	"math/big"
	"strconv"
	"time"
)

// sentinelDays and SentinelDate are returned whenever the real date is
// missing, malformed, or precedes the DICOM epoch floor this engine
// recognizes (1900-01-01), or the patient identifier is empty.
const (
	sentinelDays = 0
	// SentinelDate is the anonymized date substituted whenever a per-patient
	// shift cannot be derived. Exported so callers that already hold a
	// fallback delta (e.g. the PHI Store recording DateIsSentinel) can
	// substitute it directly instead of re-deriving it from a date string.
	SentinelDate = "20000101"
	dateLayout   = "20060102"
	floorDate    = "19000101"
	shiftModulus = 3652
)

// HashDate computes the deterministic date shift for patientID and applies
// it to date (both in DICOM "YYYYMMDD" form). It returns the shifted date
// string and the delta in days actually applied (0..3651). On any
// unshiftable input it returns the sentinel date "20000101" with delta 0,
// so downstream study/series records always carry a valid, internally
// consistent date.
func HashDate(date, patientID string) (shifted string, delta int) {
	if patientID == "" {
		return SentinelDate, sentinelDays
	}
	t, ok := parseDate(date)
	if !ok {
		return SentinelDate, sentinelDays
	}
	floor, _ := parseDate(floorDate)
	if t.Before(floor) {
		return SentinelDate, sentinelDays
	}

	delta = deriveDelta(patientID)
	shiftedTime := t.AddDate(0, 0, delta)
	return shiftedTime.Format(dateLayout), delta
}

// deriveDelta computes md5(patientID) interpreted as a 128-bit big-endian
// unsigned integer, modulo 3652 — just under 10 years, so the shift stays
// within a clinically plausible range while remaining fully deterministic
// for a given patient identifier.
func deriveDelta(patientID string) int {
	sum := md5.Sum([]byte(patientID))
	n := new(big.Int).SetBytes(sum[:])
	mod := big.NewInt(shiftModulus)
	return int(new(big.Int).Mod(n, mod).Int64())
}

func parseDate(s string) (time.Time, bool) {
	t, err := time.Parse(dateLayout, s)
	if err != nil {
		return time.Time{}, false
	}
	return t, true
}

// ApplyDelta re-applies a previously computed shift delta to date, without
// recomputing it from the patient identifier. Used when a study record
// already carries its anon_date_delta and a caller needs the shifted date
// for a different instance of the same study (e.g. a re-ingested series).
func ApplyDelta(date string, delta int) string {
	t, ok := parseDate(date)
	if !ok {
		return SentinelDate
	}
	return t.AddDate(0, 0, delta).Format(dateLayout)
}

// AnonUID formats an anonymous UID from the configured uid_root, site_id,
// and a monotonically allocated ordinal: "{uid_root}.{site_id}.{ordinal}".
// Ordinals are minted by the PHI Store and never reused, so this function
// is a pure formatter with no knowledge of allocation state.
func AnonUID(uidRoot, siteID string, ordinal uint64) string {
	return fmt.Sprintf("%s.%s.%d", uidRoot, siteID, ordinal)
}

// AnonPatientID formats an anonymous patient identifier from site_id and a
// zero-padded 6-digit ordinal: "{site_id}-{NNNNNN}".
func AnonPatientID(siteID string, ordinal uint64) string {
	return fmt.Sprintf("%s-%06d", siteID, ordinal)
}

// ReservedAnonPatientID is the default anon_patient_id assigned when the
// source patient_id is blank: "{site_id}-000000".
func ReservedAnonPatientID(siteID string) string {
	return AnonPatientID(siteID, 0)
}

// AnonAccessionNumber formats an anonymous accession number as the decimal
// string of a monotonically allocated ordinal; the PHI Store guarantees
// ordinal uniqueness, this is a pure formatter.
func AnonAccessionNumber(ordinal uint64) string {
	return strconv.FormatUint(ordinal, 10)
}
