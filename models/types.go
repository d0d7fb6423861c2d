package models

import (
	"sort"
	"strings"
)

// CanonicalType normalizes a detector label into the canonical casing used for
// street counter keys: trimmed, lowercased, first letter upper-cased. Counter
// keys must be produced by this single function; call sites never capitalize
// labels themselves.
func CanonicalType(label string) string {
	label = strings.TrimSpace(label)
	if label == "" {
		return ""
	}
	lower := strings.ToLower(label)
	return strings.ToUpper(lower[:1]) + lower[1:]
}

// CanonicalTypes normalizes a label list, dropping empties and duplicates.
// The result is sorted for deterministic comparison.
func CanonicalTypes(labels []string) []string {
	seen := make(map[string]bool, len(labels))
	out := make([]string, 0, len(labels))
	for _, label := range labels {
		c := CanonicalType(label)
		if c == "" || seen[c] {
			continue
		}
		seen[c] = true
		out = append(out, c)
	}
	sort.Strings(out)
	return out
}

// NormalizeLabels normalizes detector labels as stored on defect records:
// trimmed, lowercased, deduplicated, sorted. Street counter keys are derived
// from these via CanonicalType.
func NormalizeLabels(labels []string) []string {
	seen := make(map[string]bool, len(labels))
	out := make([]string, 0, len(labels))
	for _, label := range labels {
		l := strings.ToLower(strings.TrimSpace(label))
		if l == "" || seen[l] {
			continue
		}
		seen[l] = true
		out = append(out, l)
	}
	sort.Strings(out)
	return out
}

// EqualTypeSets compares two already-canonical type lists as sets.
func EqualTypeSets(a, b []string) bool {
	if len(a) != len(b) {
		return false
	}
	set := make(map[string]bool, len(a))
	for _, t := range a {
		set[t] = true
	}
	for _, t := range b {
		if !set[t] {
			return false
		}
	}
	return true
}
