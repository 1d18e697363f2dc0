package dcmio

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	godicom "github.com/suyashkumar/dicom"
	"github.com/suyashkumar/dicom/pkg/tag"

	"github.com/rsna/dicom-anonymizer/internal/errs"
)

// suyashkumarDataset adapts github.com/suyashkumar/dicom's flat
// element-list model to the Dataset interface above. The upstream library
// has no pydicom-style "private block" primitive; SetPrivateBlock
// synthesizes one by writing a creator element plus offset elements
// directly, the way they actually appear on the wire (PS3.5 §7.8.1).
type suyashkumarDataset struct {
	ds *godicom.Dataset
}

// NewReader returns a Reader backed by suyashkumar/dicom.
func NewReader() Reader { return suyashkumarReader{} }

type suyashkumarReader struct{}

func (suyashkumarReader) Read(path string) (Dataset, error) {
	ds, err := godicom.ParseFile(path, nil)
	if err != nil {
		if isNotDicom(err) {
			return nil, &errs.ReadError{Kind: errs.ReadNotDicom, Path: path, Err: err}
		}
		return nil, &errs.ReadError{Kind: errs.ReadIO, Path: path, Err: err}
	}
	return &suyashkumarDataset{ds: &ds}, nil
}

// isNotDicom treats any failure while the parser is still looking for the
// 128-byte preamble and "DICM" magic as "not a DICOM file"; anything past
// that point (truncated element, bad VR, unsupported transfer syntax) is an
// I/O/decode error on a file that is at least claiming to be DICOM.
func isNotDicom(err error) bool {
	msg := err.Error()
	return strings.Contains(msg, "DICM") || strings.Contains(msg, "preamble") || strings.Contains(msg, "magic")
}

func normalizeTag(t tag.Tag) string {
	return fmt.Sprintf("%04X%04X", t.Group, t.Element)
}

func parseTag(s string) (tag.Tag, bool) {
	if len(s) != 8 {
		return tag.Tag{}, false
	}
	g, err1 := strconv.ParseUint(s[0:4], 16, 16)
	e, err2 := strconv.ParseUint(s[4:8], 16, 16)
	if err1 != nil || err2 != nil {
		return tag.Tag{}, false
	}
	return tag.Tag{Group: uint16(g), Element: uint16(e)}, true
}

func toElement(e *godicom.Element) Element {
	t := e.Tag
	return Element{
		Tag:   normalizeTag(t),
		VR:    e.RawValueRepresentation,
		Value: elementValueString(e),
		Group: t.Group,
		Elem:  t.Element,
	}
}

func elementValueString(e *godicom.Element) string {
	if e.Value == nil {
		return ""
	}
	switch v := e.Value.GetValue().(type) {
	case []string:
		return strings.Join(v, "\\")
	case []int:
		parts := make([]string, len(v))
		for i, n := range v {
			parts[i] = strconv.Itoa(n)
		}
		return strings.Join(parts, "\\")
	default:
		return fmt.Sprintf("%v", v)
	}
}

func (d *suyashkumarDataset) Find(t string) (Element, bool) {
	tg, ok := parseTag(t)
	if !ok {
		return Element{}, false
	}
	el, err := d.ds.FindElementByTag(tg)
	if err != nil || el == nil {
		return Element{}, false
	}
	return toElement(el), true
}

func (d *suyashkumarDataset) Walk(visit func(path []string, el Element)) {
	var walkElements func(path []string, elements []*godicom.Element)
	walkElements = func(path []string, elements []*godicom.Element) {
		for _, e := range elements {
			el := toElement(e)
			visit(path, el)
			if e.Value == nil {
				continue
			}
			items, ok := e.Value.GetValue().([]*godicom.SequenceItemValue)
			if !ok {
				continue
			}
			for i, item := range items {
				itemPath := append(append([]string{}, path...), fmt.Sprintf("%s[%d]", el.Tag, i))
				walkElements(itemPath, item.Elements)
			}
		}
	}
	walkElements(nil, d.ds.Elements)
}

func (d *suyashkumarDataset) Delete(t string) {
	tg, ok := parseTag(t)
	if !ok {
		return
	}
	d.ds.Elements = deleteTagRecursive(d.ds.Elements, tg)
}

// deleteTagRecursive filters tg out of elements and, for every remaining
// element holding a sequence value, recurses into each item's own element
// list — the same traversal Walk performs, so a tag nested inside a
// sequence item is actually removed instead of silently surviving because
// it never appears in the top-level slice.
func deleteTagRecursive(elements []*godicom.Element, tg tag.Tag) []*godicom.Element {
	out := elements[:0]
	for _, e := range elements {
		if e.Tag == tg {
			continue
		}
		if items, ok := sequenceItems(e); ok {
			for _, item := range items {
				item.Elements = deleteTagRecursive(item.Elements, tg)
			}
		}
		out = append(out, e)
	}
	return out
}

func (d *suyashkumarDataset) Set(t, value, defaultVR string) {
	tg, ok := parseTag(t)
	if !ok {
		return
	}
	if setTagRecursive(d.ds.Elements, tg, value) {
		return
	}
	el, err := godicom.NewElement(tg, []string{value})
	if err != nil {
		return
	}
	d.ds.Elements = append(d.ds.Elements, el)
}

// setTagRecursive writes value into every occurrence of tg, at the top
// level of elements and inside every sequence item nested under it,
// reporting whether any occurrence was found and updated.
func setTagRecursive(elements []*godicom.Element, tg tag.Tag, value string) bool {
	found := false
	for _, e := range elements {
		if e.Tag == tg {
			if nv, err := godicom.NewValue([]string{value}); err == nil {
				e.Value = nv
			}
			found = true
			continue
		}
		if items, ok := sequenceItems(e); ok {
			for _, item := range items {
				if setTagRecursive(item.Elements, tg, value) {
					found = true
				}
			}
		}
	}
	return found
}

func sequenceItems(e *godicom.Element) ([]*godicom.SequenceItemValue, bool) {
	if e.Value == nil {
		return nil, false
	}
	items, ok := e.Value.GetValue().([]*godicom.SequenceItemValue)
	return items, ok
}

func (d *suyashkumarDataset) SetPrivateBlock(group uint16, blockNum uint8, creatorName string, elements map[uint8]string) {
	creatorTag := tag.Tag{Group: group, Element: uint16(blockNum)}
	if el, err := godicom.NewElement(creatorTag, []string{creatorName}); err == nil {
		d.ds.Elements = append(d.ds.Elements, el)
	}
	base := uint16(blockNum) << 8
	for offset, value := range elements {
		t := tag.Tag{Group: group, Element: base | uint16(offset)}
		if el, err := godicom.NewElement(t, []string{value}); err == nil {
			d.ds.Elements = append(d.ds.Elements, el)
		}
	}
}

// codeSequenceSubTags are the three elements written into each code
// sequence item: CodeValue, CodingSchemeDesignator, CodeMeaning.
var codeSequenceSubTags = [3]tag.Tag{
	{Group: 0x0008, Element: 0x0100},
	{Group: 0x0008, Element: 0x0102},
	{Group: 0x0008, Element: 0x0104},
}

func (d *suyashkumarDataset) SetCodeSequence(t string, items [][3]string) {
	tg, ok := parseTag(t)
	if !ok {
		return
	}
	seqItems := make([]*godicom.SequenceItemValue, 0, len(items))
	for _, triplet := range items {
		var elems []*godicom.Element
		for i, v := range triplet {
			if el, err := godicom.NewElement(codeSequenceSubTags[i], []string{v}); err == nil {
				elems = append(elems, el)
			}
		}
		seqItems = append(seqItems, godicom.NewSequenceItemValue(elems))
	}
	el, err := godicom.NewElement(tg, seqItems)
	if err != nil {
		return
	}
	for i, e := range d.ds.Elements {
		if e.Tag == tg {
			d.ds.Elements[i] = el
			return
		}
	}
	d.ds.Elements = append(d.ds.Elements, el)
}

func (d *suyashkumarDataset) WriteToFile(path string) error {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return err
	}
	f, err := os.Create(path)
	if err != nil {
		return err
	}
	defer f.Close()
	if err := godicom.Write(f, *d.ds); err != nil {
		f.Close()
		os.Remove(path)
		return err
	}
	return nil
}
