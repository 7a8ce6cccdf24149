package catalog

import (
	"strings"

	"golang.org/x/text/cases"
	"golang.org/x/text/language"
)

// Clean trims label and collapses inner whitespace.
func Clean(label string) string {
	return strings.Join(strings.Fields(label), " ")
}

// Normalize title-cases the cleaned label the way ingestion stores categorical text.
func Normalize(label string) string {
	cleaned := Clean(label)
	if cleaned == "" {
		return ""
	}
	return cases.Title(language.Spanish).String(cleaned)
}

// Key returns the comparison key for label. Two labels match when their keys are equal.
func Key(label string) string {
	return Normalize(label)
}
