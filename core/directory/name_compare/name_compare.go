// Package namecompare provides the filename comparators injected into the
// directory B-tree. A directory's comparator is chosen when the filesystem
// is created and must never change afterwards; the on-disk sort order of
// every directory node depends on it.
package namecompare

import (
	"strings"

	"golang.org/x/text/cases"
	"golang.org/x/text/unicode/norm"
)

// Compare is a total order over filenames. It returns a negative number,
// zero, or a positive number when a sorts before, equal to, or after b.
type Compare func(a, b string) int

// Binary compares filenames byte for byte.
func Binary(a, b string) int {
	return strings.Compare(a, b)
}

// CaseInsensitive compares filenames after Unicode case folding.
func CaseInsensitive(a, b string) int {
	return strings.Compare(foldCase(a), foldCase(b))
}

// UninormInsensitive compares filenames after NFC normalization, so that
// composed and decomposed spellings of the same name collide.
func UninormInsensitive(a, b string) int {
	return strings.Compare(norm.NFC.String(a), norm.NFC.String(b))
}

// CaseUninormInsensitive applies both NFC normalization and case folding.
func CaseUninormInsensitive(a, b string) int {
	return strings.Compare(foldCase(norm.NFC.String(a)), foldCase(norm.NFC.String(b)))
}

func foldCase(s string) string {
	return cases.Fold().String(s)
}
