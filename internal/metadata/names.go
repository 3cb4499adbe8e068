package metadata

import (
	"fmt"
	"strings"

	"github.com/suyashkumar/dicom/pkg/tag"
)

// extraEntries are attributes that may be added to a policy by keyword on top
// of defaultEntries.
var extraEntries = []Entry{
	{Key: KeyFromTag(tag.InstitutionalDepartmentName), Name: "InstitutionalDepartmentName", Scope: ScopeStudy},
	{Key: KeyFromTag(tag.PerformingPhysicianName), Name: "PerformingPhysicianName", Scope: ScopeStudy},
	{Key: KeyFromTag(tag.OperatorsName), Name: "OperatorsName", Scope: ScopeStudy},
	{Key: KeyFromTag(tag.RequestedProcedureDescription), Name: "RequestedProcedureDescription", Scope: ScopeStudy},
	{Key: KeyFromTag(tag.PatientWeight), Name: "PatientWeight", Scope: ScopePatient},
	{Key: KeyFromTag(tag.PatientSize), Name: "PatientSize", Scope: ScopePatient},

	{Key: KeyFromTag(tag.StationName), Name: "StationName", Scope: ScopeAcquisition},
	{Key: KeyFromTag(tag.ProtocolName), Name: "ProtocolName", Scope: ScopeAcquisition},
	{Key: KeyFromTag(tag.SliceThickness), Name: "SliceThickness", Scope: ScopeAcquisition},
	{Key: KeyFromTag(tag.ContrastBolusAgent), Name: "ContrastBolusAgent", Scope: ScopeAcquisition},
	{Key: KeyFromTag(tag.SeriesDate), Name: "SeriesDate", Scope: ScopeAcquisition},
	{Key: KeyFromTag(tag.SeriesTime), Name: "SeriesTime", Scope: ScopeAcquisition},
	{Key: KeyFromTag(tag.AcquisitionDate), Name: "AcquisitionDate", Scope: ScopeAcquisition},
	{Key: KeyFromTag(tag.SoftwareVersions), Name: "SoftwareVersions", Scope: ScopeAcquisition},
}

// keywords maps lowercase attribute keywords to their entries.
var keywords = func() map[string]Entry {
	m := make(map[string]Entry, len(defaultEntries)+len(extraEntries))
	for _, list := range [][]Entry{defaultEntries, extraEntries} {
		for _, e := range list {
			m[strings.ToLower(e.Name)] = e
		}
	}
	return m
}()

// Lookup resolves s, either a "gggg|eeee" key or an attribute keyword such as
// "Manufacturer", to a policy entry. Keywords are matched case-insensitively;
// an unknown keyword yields an error naming the closest known one.
func Lookup(s string) (Entry, error) {
	s = strings.TrimSpace(s)
	if strings.Contains(s, "|") {
		k, err := ParseKey(s)
		if err != nil {
			return Entry{}, err
		}
		for _, e := range keywords {
			if e.Key == k {
				return e, nil
			}
		}
		name := "Custom"
		if info, err := tag.Find(k.Tag()); err == nil {
			name = info.Name
		}
		return Entry{Key: k, Name: name, Scope: ScopeAcquisition}, nil
	}

	if e, ok := keywords[strings.ToLower(s)]; ok {
		return e, nil
	}
	if suggestion := closestKeyword(strings.ToLower(s)); suggestion != "" {
		return Entry{}, fmt.Errorf("unknown attribute %q, did you mean %q?", s, suggestion)
	}
	return Entry{}, fmt.Errorf("unknown attribute %q, use a keyword or a gggg|eeee key", s)
}

// closestKeyword returns the keyword within edit distance 5 of input, or "".
func closestKeyword(input string) string {
	const maxDistance = 5
	best := maxDistance + 1
	var match string
	for key, e := range keywords {
		d := levenshtein(input, key)
		if d < best || (d == best && e.Name < match) {
			best, match = d, e.Name
		}
	}
	if best > maxDistance {
		return ""
	}
	return match
}

func levenshtein(a, b string) int {
	if a == "" {
		return len(b)
	}
	if b == "" {
		return len(a)
	}
	prev := make([]int, len(b)+1)
	cur := make([]int, len(b)+1)
	for j := range prev {
		prev[j] = j
	}
	for i := 1; i <= len(a); i++ {
		cur[0] = i
		for j := 1; j <= len(b); j++ {
			cost := 1
			if a[i-1] == b[j-1] {
				cost = 0
			}
			cur[j] = min(prev[j]+1, cur[j-1]+1, prev[j-1]+cost)
		}
		prev, cur = cur, prev
	}
	return prev[len(b)]
}
