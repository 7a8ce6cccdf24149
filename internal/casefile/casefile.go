// Package casefile derives case-file numbers for adjudicated works.
package casefile

import (
	"log/slog"
	"math/rand/v2"
	"strconv"
	"strings"
	"unicode"
)

const DefaultPrefix = "EX"

// connectors are skipped when taking area initials.
var connectors = map[string]bool{
	"de": true, "del": true, "la": true, "las": true,
	"los": true, "el": true, "y": true, "e": true,
}

// Generator builds codes of the form PREFIX-DDDDDDDD-INITIALS where the digits are a
// permutation of 0..7.
type Generator struct {
	Prefix string
	Rand   *rand.Rand
	Logger *slog.Logger
}

// Generate returns a fresh code for the responsible area name. Each call draws a new
// permutation.
func (g Generator) Generate(areaName string) string {
	prefix := g.Prefix
	if prefix == "" {
		prefix = DefaultPrefix
	}
	initials := Initials(areaName)
	if initials == "" {
		logger := g.Logger
		if logger == nil {
			logger = slog.Default()
		}
		logger.Warn("case file for work without responsible area initials", "area", areaName)
	}
	return prefix + "-" + g.digits() + "-" + initials
}

func (g Generator) digits() string {
	perm := g.perm(8)
	var b strings.Builder
	for _, d := range perm {
		b.WriteString(strconv.Itoa(d))
	}
	return b.String()
}

func (g Generator) perm(n int) []int {
	if g.Rand != nil {
		return g.Rand.Perm(n)
	}
	return rand.Perm(n)
}

// Initials returns the upper-cased first letter of every non-connector word in name.
func Initials(name string) string {
	var b strings.Builder
	for _, w := range strings.Fields(name) {
		if connectors[strings.ToLower(w)] {
			continue
		}
		r := []rune(w)[0]
		if !unicode.IsLetter(r) && !unicode.IsDigit(r) {
			continue
		}
		b.WriteRune(unicode.ToUpper(r))
	}
	return b.String()
}
