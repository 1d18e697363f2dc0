// Package script loads RSNA CTP-style anonymizer scripts: an XML document
// whose <e t="GGGGEEEE">operation</e> elements map a DICOM tag to the
// operation the Element Transformer should apply to it. A tag with no <e>
// entry is removed by default.
//
// Parsing uses github.com/antchfx/xmlquery and github.com/antchfx/xpath —
// the script grammar is element/attribute-shaped, not map-convertible, so an
// XPath-capable DOM reader fits better here than a JSON-style XML-to-map
// library would.
package script

import (
	"os"
	"strings"

	"github.com/antchfx/xmlquery"

	"github.com/rsna/dicom-anonymizer/internal/errs"
)

// TagKeep maps a normalized "GGGGEEEE" tag to its operation string, as
// loaded from an <e> element's text. An empty string means "keep as-is".
type TagKeep map[string]string

// Script is a loaded anonymizer script. RemoveAllPrivateGroups is set when
// the script's <r> (remove) directive for the built-in "private groups"
// selector is present; it is recorded only, since the Element Transformer
// strips every private (odd-group) element whether or not it is set.
type Script struct {
	Keep                   TagKeep
	RemoveAllPrivateGroups bool
}

// Load parses the script at path into a Script. A missing file yields
// ScriptError{Kind: ScriptNotFound}; malformed XML yields
// ScriptError{Kind: ScriptParse}.
func Load(path string) (*Script, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, &errs.ScriptError{Kind: errs.ScriptNotFound, Path: path, Err: err}
	}

	doc, err := xmlquery.Parse(strings.NewReader(string(data)))
	if err != nil {
		return nil, &errs.ScriptError{Kind: errs.ScriptParse, Path: path, Err: err}
	}

	root := xmlquery.FindOne(doc, "//script")
	if root == nil {
		return nil, &errs.ScriptError{Kind: errs.ScriptParse, Path: path, Err: errs.ErrNoScriptRoot}
	}

	s := &Script{Keep: make(TagKeep)}

	for _, e := range xmlquery.Find(root, "//e") {
		rawTag := e.SelectAttr("t")
		if rawTag == "" {
			continue
		}
		tag := normalizeTag(rawTag)
		if tag == "" {
			continue
		}
		op := strings.TrimSpace(e.InnerText())
		if strings.Contains(op, "@remove") {
			continue // explicit removal: absent from TagKeep, same as unmentioned
		}
		s.Keep[tag] = op
	}

	// <r> directives select whole groups for removal. The only one this
	// engine records is the "remove all private groups" selector; other <r>
	// and all <k> (keep-group) directives are accepted but ignored, since
	// per-tag <e> entries already cover the cases this engine needs.
	for _, r := range xmlquery.Find(root, "//r") {
		if strings.Contains(strings.ToLower(r.InnerText()), "private") {
			s.RemoveAllPrivateGroups = true
		}
	}

	return s, nil
}

// normalizeTag strips parentheses, spaces, and commas from a raw tag
// attribute (scripts commonly write "(0010,0010)") and uppercases the
// remaining 8 hex digits. Returns "" if the result isn't 8 hex digits.
func normalizeTag(raw string) string {
	var b strings.Builder
	for _, r := range raw {
		switch r {
		case '(', ')', ' ', ',':
			continue
		default:
			b.WriteRune(r)
		}
	}
	tag := strings.ToUpper(b.String())
	if len(tag) != 8 {
		return ""
	}
	for _, r := range tag {
		if !isHex(r) {
			return ""
		}
	}
	return tag
}

func isHex(r rune) bool {
	return (r >= '0' && r <= '9') || (r >= 'A' && r <= 'F')
}
