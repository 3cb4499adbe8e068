// Package metadata defines which source metadata may travel to an output volume.
package metadata

import (
	"fmt"
	"maps"
	"slices"
	"strconv"
	"strings"

	"github.com/suyashkumar/dicom/pkg/tag"
)

// Key identifies a DICOM attribute as "gggg|eeee" in lowercase hex.
type Key string

// KeyFromTag returns the Key for a DICOM tag.
func KeyFromTag(t tag.Tag) Key {
	return Key(fmt.Sprintf("%04x|%04x", t.Group, t.Element))
}

// ParseKey parses "gggg|eeee" (any case).
func ParseKey(s string) (Key, error) {
	group, element, ok := strings.Cut(strings.TrimSpace(s), "|")
	if !ok || len(group) != 4 || len(element) != 4 {
		return "", fmt.Errorf("invalid metadata key %q, want gggg|eeee", s)
	}
	g, err := strconv.ParseUint(group, 16, 16)
	if err != nil {
		return "", fmt.Errorf("invalid metadata key %q: %w", s, err)
	}
	e, err := strconv.ParseUint(element, 16, 16)
	if err != nil {
		return "", fmt.Errorf("invalid metadata key %q: %w", s, err)
	}
	return KeyFromTag(tag.Tag{Group: uint16(g), Element: uint16(e)}), nil
}

// Tag returns the DICOM tag for k. k must be well formed.
func (k Key) Tag() tag.Tag {
	var g, e uint16
	_, _ = fmt.Sscanf(string(k), "%04x|%04x", &g, &e)
	return tag.Tag{Group: g, Element: e}
}

// Metadata maps keys to their string values. Multi-valued attributes are joined with `\`.
type Metadata map[Key]string

// SortedKeys returns the keys of m in ascending order.
func (m Metadata) SortedKeys() []Key {
	return slices.Sorted(maps.Keys(m))
}

// Scope groups allow-listed attributes by what they describe.
type Scope int

const (
	// ScopePatient covers patient identity.
	ScopePatient Scope = iota
	// ScopeStudy covers study identity.
	ScopeStudy
	// ScopeAcquisition covers the acquisition context.
	ScopeAcquisition
)

// String returns the string representation of a Scope.
func (s Scope) String() string {
	switch s {
	case ScopePatient:
		return "Patient"
	case ScopeStudy:
		return "Study"
	case ScopeAcquisition:
		return "Acquisition"
	default:
		return "Unknown"
	}
}

// Entry describes one allow-listed attribute.
type Entry struct {
	Key   Key
	Name  string
	Scope Scope
}

// defaultEntries never contains SeriesInstanceUID or SOPInstanceUID: those are
// always regenerated.
var defaultEntries = []Entry{
	{Key: KeyFromTag(tag.PatientName), Name: "PatientName", Scope: ScopePatient},
	{Key: KeyFromTag(tag.PatientID), Name: "PatientID", Scope: ScopePatient},
	{Key: KeyFromTag(tag.PatientBirthDate), Name: "PatientBirthDate", Scope: ScopePatient},
	{Key: KeyFromTag(tag.PatientSex), Name: "PatientSex", Scope: ScopePatient},
	{Key: KeyFromTag(tag.PatientAge), Name: "PatientAge", Scope: ScopePatient},

	{Key: KeyFromTag(tag.StudyInstanceUID), Name: "StudyInstanceUID", Scope: ScopeStudy},
	{Key: KeyFromTag(tag.StudyID), Name: "StudyID", Scope: ScopeStudy},
	{Key: KeyFromTag(tag.StudyDate), Name: "StudyDate", Scope: ScopeStudy},
	{Key: KeyFromTag(tag.StudyTime), Name: "StudyTime", Scope: ScopeStudy},
	{Key: KeyFromTag(tag.AccessionNumber), Name: "AccessionNumber", Scope: ScopeStudy},
	{Key: KeyFromTag(tag.StudyDescription), Name: "StudyDescription", Scope: ScopeStudy},
	{Key: KeyFromTag(tag.ReferringPhysicianName), Name: "ReferringPhysicianName", Scope: ScopeStudy},

	{Key: KeyFromTag(tag.Modality), Name: "Modality", Scope: ScopeAcquisition},
	{Key: KeyFromTag(tag.Manufacturer), Name: "Manufacturer", Scope: ScopeAcquisition},
	{Key: KeyFromTag(tag.InstitutionName), Name: "InstitutionName", Scope: ScopeAcquisition},
	{Key: KeyFromTag(tag.ManufacturerModelName), Name: "ManufacturerModelName", Scope: ScopeAcquisition},
	{Key: KeyFromTag(tag.BodyPartExamined), Name: "BodyPartExamined", Scope: ScopeAcquisition},
	{Key: KeyFromTag(tag.KVP), Name: "KVP", Scope: ScopeAcquisition},
	{Key: KeyFromTag(tag.ConvolutionKernel), Name: "ConvolutionKernel", Scope: ScopeAcquisition},
	{Key: KeyFromTag(tag.FrameOfReferenceUID), Name: "FrameOfReferenceUID", Scope: ScopeAcquisition},
}

// Policy is an immutable allow-list of preservable keys.
type Policy struct {
	entries map[Key]Entry
}

// NewPolicy builds a Policy from entries.
func NewPolicy(entries []Entry) Policy {
	m := make(map[Key]Entry, len(entries))
	for _, e := range entries {
		m[e.Key] = e
	}
	return Policy{entries: m}
}

// DefaultPolicy returns the patient, study and acquisition allow-list.
func DefaultPolicy() Policy {
	return NewPolicy(defaultEntries)
}

// IsPreservable reports whether k may be copied from a source to an output.
func (p Policy) IsPreservable(k Key) bool {
	_, ok := p.entries[k]
	return ok
}

// Entries returns the allow-list ordered by scope, then key.
func (p Policy) Entries() []Entry {
	out := slices.Collect(maps.Values(p.entries))
	slices.SortFunc(out, func(a, b Entry) int {
		if a.Scope != b.Scope {
			return int(a.Scope) - int(b.Scope)
		}
		return strings.Compare(string(a.Key), string(b.Key))
	})
	return out
}

// Filter returns the subset of m whose keys are preservable.
func (p Policy) Filter(m Metadata) Metadata {
	out := make(Metadata)
	for k, v := range m {
		if p.IsPreservable(k) {
			out[k] = v
		}
	}
	return out
}
