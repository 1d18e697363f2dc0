package script

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/rsna/dicom-anonymizer/internal/errs"
)

func writeScript(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "script.xml")
	if err := os.WriteFile(path, []byte(body), 0o644); err != nil {
		t.Fatal(err)
	}
	return path
}

func TestLoad_NotFound(t *testing.T) {
	_, err := Load("/nonexistent/script.xml")
	var se *errs.ScriptError
	if !asScriptError(err, &se) {
		t.Fatalf("expected ScriptError, got %v", err)
	}
	if se.Kind != errs.ScriptNotFound {
		t.Errorf("expected ScriptNotFound, got %v", se.Kind)
	}
}

func TestLoad_ParseError(t *testing.T) {
	path := writeScript(t, "<script><e t=\"00100010\">keep</e>")
	_, err := Load(path)
	var se *errs.ScriptError
	if !asScriptError(err, &se) {
		t.Fatalf("expected ScriptError, got %v", err)
	}
	if se.Kind != errs.ScriptParse {
		t.Errorf("expected ScriptParse, got %v", se.Kind)
	}
}

func TestLoad_MissingRootElement(t *testing.T) {
	path := writeScript(t, "<notascript></notascript>")
	_, err := Load(path)
	var se *errs.ScriptError
	if !asScriptError(err, &se) {
		t.Fatalf("expected ScriptError, got %v", err)
	}
	if se.Kind != errs.ScriptParse {
		t.Errorf("expected ScriptParse, got %v", se.Kind)
	}
}

func TestLoad_BasicTagKeep(t *testing.T) {
	path := writeScript(t, `<script>
		<e t="00100010">@empty</e>
		<e t="(0010,0020)">ptid</e>
		<e t="0008,0020">@hashdate</e>
	</script>`)

	s, err := Load(path)
	if err != nil {
		t.Fatal(err)
	}
	if got, want := s.Keep["00100010"], "@empty"; got != want {
		t.Errorf("00100010: got %q, want %q", got, want)
	}
	if got, want := s.Keep["00100020"], "ptid"; got != want {
		t.Errorf("00100020 (parens/comma form): got %q, want %q", got, want)
	}
	if got, want := s.Keep["00080020"], "@hashdate"; got != want {
		t.Errorf("00080020 (bare comma form): got %q, want %q", got, want)
	}
}

func TestLoad_RemoveOperationExcludedFromKeep(t *testing.T) {
	path := writeScript(t, `<script>
		<e t="00100030">@remove</e>
		<e t="00100010">keep</e>
	</script>`)

	s, err := Load(path)
	if err != nil {
		t.Fatal(err)
	}
	if _, ok := s.Keep["00100030"]; ok {
		t.Error("@remove operation should be absent from TagKeep")
	}
	if _, ok := s.Keep["00100010"]; !ok {
		t.Error("non-remove operation should be present")
	}
}

func TestLoad_UnmentionedTagAbsentFromKeep(t *testing.T) {
	path := writeScript(t, `<script><e t="00100010">keep</e></script>`)
	s, err := Load(path)
	if err != nil {
		t.Fatal(err)
	}
	if _, ok := s.Keep["00081030"]; ok {
		t.Error("tag never mentioned in script should be absent from TagKeep")
	}
}

func TestLoad_RemoveAllPrivateGroupsDirective(t *testing.T) {
	path := writeScript(t, `<script>
		<r en="T" t="privategroups">Remove private groups</r>
		<e t="00100010">keep</e>
	</script>`)
	s, err := Load(path)
	if err != nil {
		t.Fatal(err)
	}
	if !s.RemoveAllPrivateGroups {
		t.Error("expected RemoveAllPrivateGroups to be set")
	}
}

func TestLoad_OtherGroupDirectivesIgnored(t *testing.T) {
	path := writeScript(t, `<script>
		<k n="some keep group">true</k>
		<r n="remove some other group">true</r>
		<e t="00100010">keep</e>
	</script>`)
	s, err := Load(path)
	if err != nil {
		t.Fatal(err)
	}
	if s.RemoveAllPrivateGroups {
		t.Error("non-private <r> directive should not set RemoveAllPrivateGroups")
	}
	if _, ok := s.Keep["00100010"]; !ok {
		t.Error("e entries should still be loaded alongside ignored group directives")
	}
}

func TestNormalizeTag(t *testing.T) {
	cases := map[string]string{
		"00100010":     "00100010",
		"(0010,0010)":  "00100010",
		"0010,0010":    "00100010",
		"0010 0010":    "00100010",
		"abcd1234":     "ABCD1234",
		"not-a-tag":    "",
		"001000100":    "",
		"(0010, 0010)": "00100010",
	}
	for in, want := range cases {
		if got := normalizeTag(in); got != want {
			t.Errorf("normalizeTag(%q) = %q, want %q", in, got, want)
		}
	}
}

func asScriptError(err error, target **errs.ScriptError) bool {
	se, ok := err.(*errs.ScriptError)
	if !ok {
		return false
	}
	*target = se
	return true
}
