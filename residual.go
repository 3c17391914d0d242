package deepseq

import "github.com/unixpickle/anydiff"

// A ResidualUnit wraps another unit and adds the wrapped
// unit's primary output to its own running input, emitting
// the sum as its primary output ahead of the wrapped
// outputs.
//
// It contributes one output-only recurrence (the summed
// passthrough) in addition to all of the wrapped unit's
// declarations, and passes the wrapped unit's non-sequences
// through unchanged.
type ResidualUnit struct {
	wrapped Unit
	recs    []*Recurrence
}

// NewResidualUnit wraps a unit. The wrapper owns the
// wrapped unit exclusively.
func NewResidualUnit(wrapped Unit) *ResidualUnit {
	res := &Recurrence{
		Name: "residual",
		Size: wrapped.Recurrences()[0].Size,
		Init: OutputOnly(),
	}
	return &ResidualUnit{
		wrapped: wrapped,
		recs:    append([]*Recurrence{res}, wrapped.Recurrences()...),
	}
}

// Wrapped returns the wrapped unit.
func (r *ResidualUnit) Wrapped() Unit {
	return r.wrapped
}

// Recurrences returns the passthrough channel followed by
// the wrapped unit's channels.
func (r *ResidualUnit) Recurrences() []*Recurrence {
	return r.recs
}

// NonSequences returns the wrapped unit's non-sequences.
func (r *ResidualUnit) NonSequences() []*NonSequence {
	return r.wrapped.NonSequences()
}

// Parameters returns the wrapped unit's parameters.
func (r *ResidualUnit) Parameters() []*anydiff.Var {
	return r.wrapped.Parameters()
}

// Step delegates to the wrapped unit and prepends the
// residual sum.
func (r *ResidualUnit) Step(n int, in anydiff.Res, recs,
	nonseqs []anydiff.Res) []anydiff.Res {
	inner := r.wrapped.Step(n, in, recs, nonseqs)
	out := anydiff.Add(in, inner[0])
	return append([]anydiff.Res{out}, inner...)
}
