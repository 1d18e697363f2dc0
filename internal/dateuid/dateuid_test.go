package dateuid

import "testing"

func TestHashDate_EmptyPatientIDSentinel(t *testing.T) {
	shifted, delta := HashDate("20200101", "")
	if shifted != SentinelDate || delta != 0 {
		t.Errorf("got (%s, %d), want (%s, 0)", shifted, delta, SentinelDate)
	}
}

func TestHashDate_MalformedDateSentinel(t *testing.T) {
	shifted, delta := HashDate("not-a-date", "P-0001")
	if shifted != SentinelDate || delta != 0 {
		t.Errorf("got (%s, %d), want (%s, 0)", shifted, delta, SentinelDate)
	}
}

func TestHashDate_BeforeFloorSentinel(t *testing.T) {
	shifted, delta := HashDate("18991231", "P-0001")
	if shifted != SentinelDate || delta != 0 {
		t.Errorf("got (%s, %d), want (%s, 0)", shifted, delta, SentinelDate)
	}
}

func TestHashDate_Deterministic(t *testing.T) {
	a1, d1 := HashDate("20150615", "P-1234")
	a2, d2 := HashDate("20150615", "P-1234")
	if a1 != a2 || d1 != d2 {
		t.Errorf("hash_date not deterministic: (%s,%d) vs (%s,%d)", a1, d1, a2, d2)
	}
}

func TestHashDate_DifferentPatientsDifferentShift(t *testing.T) {
	_, d1 := HashDate("20150615", "P-AAAA")
	_, d2 := HashDate("20150615", "P-BBBB")
	if d1 == d2 {
		t.Skip("collision in this pair is possible but unlikely; not a correctness bug")
	}
}

func TestHashDate_DeltaInRange(t *testing.T) {
	for _, pid := range []string{"P-1", "P-2", "P-3", "a-very-long-patient-identifier-string"} {
		_, delta := HashDate("20100101", pid)
		if delta < 0 || delta > 3651 {
			t.Errorf("delta for %s out of range: %d", pid, delta)
		}
	}
}

func TestHashDate_ValidDateShiftsForward(t *testing.T) {
	shifted, delta := HashDate("20100101", "P-0001")
	if delta == 0 {
		t.Skip("zero delta is valid for some patients, nothing to assert")
	}
	if shifted == "20100101" {
		t.Error("expected shifted date to differ from input when delta is non-zero")
	}
}

func TestAnonUID_Format(t *testing.T) {
	got := AnonUID("1.2.826.0.1.3680043.10.474", "RSNA", 42)
	want := "1.2.826.0.1.3680043.10.474.RSNA.42"
	if got != want {
		t.Errorf("got %s, want %s", got, want)
	}
}

func TestAnonPatientID_ZeroPadded(t *testing.T) {
	got := AnonPatientID("RSNA", 7)
	want := "RSNA-000007"
	if got != want {
		t.Errorf("got %s, want %s", got, want)
	}
}

func TestReservedAnonPatientID(t *testing.T) {
	got := ReservedAnonPatientID("RSNA")
	want := "RSNA-000000"
	if got != want {
		t.Errorf("got %s, want %s", got, want)
	}
}

func TestAnonAccessionNumber_Monotonic(t *testing.T) {
	if AnonAccessionNumber(1) != "1" || AnonAccessionNumber(100) != "100" {
		t.Error("accession number should be the plain decimal ordinal")
	}
}
