package engine

import (
	"errors"

	"obrasurbanas/internal/metrics"
)

// Report collects the soft failures of one lifecycle operation. Each warning is a
// domain.ReferenceNotFoundError or domain.ValidationError for a field that was withheld.
type Report struct {
	Op       string
	Warnings []error
	// Rejected is set when the requested change was refused entirely.
	Rejected bool
}

func (r *Report) warn(err error) {
	r.Warnings = append(r.Warnings, err)
}

func (r *Report) reject(err error) {
	r.Rejected = true
	r.warn(err)
}

// OK reports whether every requested field was applied.
func (r Report) OK() bool {
	return len(r.Warnings) == 0 && !r.Rejected
}

// Err joins the warnings, nil when there are none.
func (r Report) Err() error {
	return errors.Join(r.Warnings...)
}

func (r Report) outcome() string {
	switch {
	case r.Rejected:
		return metrics.OutcomeRejected
	case len(r.Warnings) > 0:
		return metrics.OutcomePartial
	default:
		return metrics.OutcomeOK
	}
}

func (r Report) warningStrings() []string {
	out := make([]string, 0, len(r.Warnings))
	for _, w := range r.Warnings {
		out = append(out, w.Error())
	}
	return out
}
