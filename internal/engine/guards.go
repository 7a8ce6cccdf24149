package engine

import (
	"fmt"
	"time"

	"obrasurbanas/internal/domain"
)

// GuardResult is the outcome of a pure lifecycle rule check.
type GuardResult struct {
	Allowed bool
	Field   string
	Reason  string
}

func allow() GuardResult { return GuardResult{Allowed: true} }

func deny(field, format string, args ...any) GuardResult {
	return GuardResult{Field: field, Reason: fmt.Sprintf(format, args...)}
}

// Err returns the rejection as a domain.ValidationError, or nil when allowed.
func (r GuardResult) Err() error {
	if r.Allowed {
		return nil
	}
	return domain.ValidationError{Field: r.Field, Reason: r.Reason}
}

// CanStartProject: a work enters Proyecto only once.
func CanStartProject(o domain.Obra) GuardResult {
	if o.Started() {
		return deny("stage", "work %d already started", o.ID)
	}
	return allow()
}

// CanUpdateProgress: progress never decreases and stays within [0,100].
func CanUpdateProgress(current, next int) GuardResult {
	if next > 100 {
		return deny("progress", "%d exceeds 100", next)
	}
	if next < current {
		return deny("progress", "%d is below current progress %d", next, current)
	}
	return allow()
}

// CanExtendTerm: the term never shrinks. An unset term accepts any non-negative value.
func CanExtendTerm(current *int, next int) GuardResult {
	if next < 0 {
		return deny("term_months", "%d is negative", next)
	}
	if current != nil && next < *current {
		return deny("term_months", "%d is below current term %d", next, *current)
	}
	return allow()
}

func CanAddLabor(delta int) GuardResult {
	if delta <= 0 {
		return deny("labor_force", "%d must be positive", delta)
	}
	return allow()
}

// CanSetDates: the initial end date must not precede the start date.
func CanSetDates(start, end *time.Time) GuardResult {
	if start != nil && end != nil && end.Before(*start) {
		return deny("dates", "end %s precedes start %s", end.Format(time.DateOnly), start.Format(time.DateOnly))
	}
	return allow()
}

func CanSetLabor(n int) GuardResult {
	if n < 0 {
		return deny("labor_force", "%d is negative", n)
	}
	return allow()
}
