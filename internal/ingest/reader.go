// Package ingest loads the public-works dataset from its CSV export.
package ingest

import (
	"encoding/csv"
	"errors"
	"fmt"
	"io"
	"strings"

	"golang.org/x/text/encoding/charmap"
	"golang.org/x/text/transform"
)

// Record is one CSV row keyed by trimmed header.
type Record struct {
	Line   int
	Fields map[string]string
}

func (r Record) Get(col string) string {
	return strings.TrimSpace(r.Fields[col])
}

type ReadOptions struct {
	// Delimiter defaults to ';'.
	Delimiter rune
	// Encoding is "latin1" (default) or "utf-8".
	Encoding string
}

// Read decodes the export. Headers are trimmed and columns named Unnamed* are dropped.
func Read(r io.Reader, opts ReadOptions) ([]Record, error) {
	if opts.Delimiter == 0 {
		opts.Delimiter = ';'
	}
	switch strings.ToLower(opts.Encoding) {
	case "", "latin1", "iso-8859-1":
		r = transform.NewReader(r, charmap.ISO8859_1.NewDecoder())
	case "utf-8", "utf8":
	default:
		return nil, fmt.Errorf("unsupported encoding %q", opts.Encoding)
	}
	cr := csv.NewReader(r)
	cr.Comma = opts.Delimiter
	cr.FieldsPerRecord = -1
	cr.LazyQuotes = true

	header, err := cr.Read()
	if errors.Is(err, io.EOF) {
		return nil, errors.New("empty csv")
	}
	if err != nil {
		return nil, fmt.Errorf("read header: %w", err)
	}
	cols := make([]string, len(header))
	for i, h := range header {
		h = strings.TrimSpace(strings.TrimPrefix(h, "\ufeff"))
		if strings.HasPrefix(h, "Unnamed") {
			continue
		}
		cols[i] = h
	}

	var out []Record
	line := 1
	for {
		row, err := cr.Read()
		line++
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			return nil, fmt.Errorf("line %d: %w", line, err)
		}
		rec := Record{Line: line, Fields: make(map[string]string, len(cols))}
		for i, v := range row {
			if i < len(cols) && cols[i] != "" {
				rec.Fields[cols[i]] = v
			}
		}
		out = append(out, rec)
	}
	return out, nil
}
