package dicom

import (
	"fmt"
	"os"
	"sort"
	"strconv"
	"strings"

	"github.com/suyashkumar/dicom"
	"github.com/suyashkumar/dicom/pkg/tag"

	"github.com/mrsinham/lungmask/internal/metadata"
)

// mustNewElement creates a DICOM element, panicking on error.
// Only for constant tag/value pairs whose types are known to match.
func mustNewElement(t tag.Tag, value any) *dicom.Element {
	elem, err := dicom.NewElement(t, value)
	if err != nil {
		panic(fmt.Sprintf("failed to create element %v: %v", t, err))
	}
	return elem
}

// writeDatasetToFile writes a DICOM dataset to a file
func writeDatasetToFile(filename string, ds dicom.Dataset, opts ...dicom.WriteOption) (err error) {
	f, err := os.Create(filename)
	if err != nil {
		return err
	}
	defer func() {
		if cerr := f.Close(); err == nil {
			err = cerr
		}
	}()

	return dicom.Write(f, ds, opts...)
}

// setValue replaces the value of tag t, keeping the element's original VR, or
// inserts a new element in tag order when t is absent.
func setValue(ds *dicom.Dataset, t tag.Tag, data any) error {
	for _, e := range ds.Elements {
		if e.Tag == t {
			v, err := dicom.NewValue(data)
			if err != nil {
				return fmt.Errorf("build value for %v: %w", t, err)
			}
			e.Value = v
			return nil
		}
	}

	elem, err := dicom.NewElement(t, data)
	if err != nil {
		return fmt.Errorf("build element %v: %w", t, err)
	}
	ds.Elements = append(ds.Elements, elem)
	sortElements(ds.Elements)
	return nil
}

// hasElement reports whether t is present at the top level of ds.
func hasElement(ds *dicom.Dataset, t tag.Tag) bool {
	_, err := ds.FindElementByTag(t)
	return err == nil
}

// sortElements orders elements by (Group, Element) as the encoding requires.
func sortElements(elems []*dicom.Element) {
	sort.SliceStable(elems, func(i, j int) bool {
		if elems[i].Tag.Group != elems[j].Tag.Group {
			return elems[i].Tag.Group < elems[j].Tag.Group
		}
		return elems[i].Tag.Element < elems[j].Tag.Element
	})
}

// stringValue returns the value of a string element, multi-values joined with `\`
// and the even-length padding removed.
func stringValue(ds *dicom.Dataset, t tag.Tag) (string, error) {
	e, err := ds.FindElementByTag(t)
	if err != nil {
		return "", fmt.Errorf("find %v: %w", t, err)
	}
	v, ok := e.Value.GetValue().([]string)
	if !ok || len(v) == 0 {
		return "", fmt.Errorf("%v has no string value", t)
	}
	return trimPadding(strings.Join(v, `\`)), nil
}

// intValue returns the first value of an integer element (US, SS, UL, SL or IS).
func intValue(ds *dicom.Dataset, t tag.Tag) (int, error) {
	e, err := ds.FindElementByTag(t)
	if err != nil {
		return 0, fmt.Errorf("find %v: %w", t, err)
	}
	switch v := e.Value.GetValue().(type) {
	case []int:
		if len(v) > 0 {
			return v[0], nil
		}
	case []string:
		if len(v) > 0 {
			n, err := strconv.Atoi(trimPadding(v[0]))
			if err != nil {
				return 0, fmt.Errorf("parse %v: %w", t, err)
			}
			return n, nil
		}
	}
	return 0, fmt.Errorf("%v has no integer value", t)
}

// floatValues parses a decimal string element (DS) or a float element (FL, FD).
func floatValues(ds *dicom.Dataset, t tag.Tag) ([]float64, error) {
	e, err := ds.FindElementByTag(t)
	if err != nil {
		return nil, fmt.Errorf("find %v: %w", t, err)
	}
	switch v := e.Value.GetValue().(type) {
	case []float64:
		return v, nil
	case []string:
		out := make([]float64, 0, len(v))
		for _, s := range v {
			f, err := strconv.ParseFloat(trimPadding(s), 64)
			if err != nil {
				return nil, fmt.Errorf("parse %v: %w", t, err)
			}
			out = append(out, f)
		}
		return out, nil
	}
	return nil, fmt.Errorf("%v has no numeric value", t)
}

func trimPadding(s string) string {
	return strings.TrimRight(strings.TrimSpace(s), "\x00")
}

// datasetMetadata flattens the top-level, non-sequence attributes of ds into
// metadata keyed like "0010|0010". File meta and pixel data are skipped.
func datasetMetadata(ds *dicom.Dataset) metadata.Metadata {
	md := make(metadata.Metadata)
	for _, e := range ds.Elements {
		if e.Tag.Group == 0x0002 || e.Tag == tag.PixelData {
			continue
		}
		var parts []string
		switch v := e.Value.GetValue().(type) {
		case []string:
			for _, s := range v {
				parts = append(parts, trimPadding(s))
			}
		case []int:
			for _, n := range v {
				parts = append(parts, strconv.Itoa(n))
			}
		case []float64:
			for _, f := range v {
				parts = append(parts, strconv.FormatFloat(f, 'g', -1, 64))
			}
		default:
			continue
		}
		md[metadata.KeyFromTag(e.Tag)] = strings.Join(parts, `\`)
	}
	return md
}

// isStringVR reports whether values of t are written as text.
func isStringVR(t tag.Tag) bool {
	info, err := tag.Find(t)
	if err != nil || len(info.VRs) == 0 {
		return false
	}
	switch info.VRs[0] {
	case "AE", "AS", "CS", "DA", "DS", "DT", "IS", "LO", "LT", "PN", "SH", "ST", "TM", "UC", "UI", "UR", "UT":
		return true
	}
	return false
}
