// Package deepseq stacks independently defined recurrent
// units into one deep recurrent sequence model.
// The composed model can be unrolled over a whole padded
// batch of timesteps, or stepped one timestep at a time by
// an incremental decoder such as beam search, with the same
// per-unit transition logic in both modes.
package deepseq

import (
	"fmt"

	"github.com/unixpickle/anydiff"
)

// An InitKind distinguishes the ways a recurrent channel
// obtains its initial state.
type InitKind int

const (
	// InitExternal means the caller supplies the initial
	// state at call time.
	InitExternal InitKind = iota

	// InitTrainable means the initial state is a trainable
	// parameter, expanded to the batch size.
	InitTrainable

	// InitOutputOnly marks a channel that is produced every
	// step but never fed back in, so it needs no initial
	// state and is never frozen by the mask.
	InitOutputOnly
)

// An Init describes where a Recurrence's initial state
// comes from.
// The zero value is an external init.
type Init struct {
	kind  InitKind
	param *anydiff.Var
}

// ExternalInit marks a channel whose initial state is
// passed in as an argument.
func ExternalInit() Init {
	return Init{kind: InitExternal}
}

// TrainableInit marks a channel whose initial state is the
// parameter p, repeated across the batch.
func TrainableInit(p *anydiff.Var) Init {
	if p == nil {
		panic("deepseq: nil trainable init")
	}
	return Init{kind: InitTrainable, param: p}
}

// OutputOnly marks a channel that exists only in the
// outputs.
func OutputOnly() Init {
	return Init{kind: InitOutputOnly}
}

// Kind returns the kind of initial state.
func (i Init) Kind() InitKind {
	return i.kind
}

// Param returns the trainable init parameter, or nil for
// other kinds.
func (i Init) Param() *anydiff.Var {
	return i.param
}

// A Recurrence declares one recurrent state channel of a
// Unit: a batch-major matrix threaded from one timestep to
// the next.
type Recurrence struct {
	// Name identifies the channel in error messages.
	Name string

	// Size is the per-row feature count, or 0 when the
	// width depends on the call (e.g. attention weights).
	Size int

	// Init determines the channel's initial state.
	Init Init

	// Dropout is the intended state dropout probability in
	// [0,1). Mask generation is the job of an external
	// collaborator; this package only carries the declared
	// value.
	Dropout float64
}

// A NonSequence declares one auxiliary input to a Unit's
// transition, constant across the timesteps of one call.
type NonSequence struct {
	// Name identifies the input in error messages.
	Name string

	// Func, if non-nil, precomputes the value once per call
	// from one of the unit's externally supplied
	// non-sequences instead of taking it as an argument.
	Func func(anydiff.Res) anydiff.Res

	// Idx is the index of the external non-sequence passed
	// to Func.
	Idx int
}

// A Unit is one recurrent computation block with its own
// state channels and transition logic.
//
// Declaration order is significant: it defines the layout
// of the flattened argument vectors a DeepSequence builds.
// Declarations are never mutated after construction, and
// their pointer identity keys the precomputation cache.
type Unit interface {
	// Recurrences returns the unit's state channels in
	// declaration order.
	Recurrences() []*Recurrence

	// NonSequences returns the unit's per-call constant
	// inputs in declaration order.
	NonSequences() []*NonSequence

	// Step applies the transition for one timestep on a
	// batch of n rows.
	//
	// The recs argument has one entry per non-output-only
	// recurrence. The result has one entry per declared
	// recurrence; its first element becomes the next unit's
	// input.
	Step(n int, in anydiff.Res, recs, nonseqs []anydiff.Res) []anydiff.Res

	// Parameters returns the unit's trainable parameters,
	// making every Unit an anynet.Parameterizer.
	Parameters() []*anydiff.Var
}

// Declarations collects a unit's recurrence and
// non-sequence declarations.
// It is meant to be embedded by Unit implementations, which
// call AddRecurrence and AddNonSequence during
// construction.
type Declarations struct {
	recs        []*Recurrence
	nonseqs     []*NonSequence
	numExternal int
}

// AddRecurrence appends a recurrent channel declaration.
func (d *Declarations) AddRecurrence(r Recurrence) {
	d.recs = append(d.recs, &r)
}

// AddNonSequence appends a non-sequence declaration.
//
// A precomputed declaration whose Idx does not reference an
// already-declared external non-sequence of this unit is a
// construction-time error.
func (d *Declarations) AddNonSequence(ns NonSequence) {
	if ns.Func != nil {
		if ns.Idx < 0 || ns.Idx >= d.numExternal {
			panic(fmt.Sprintf("deepseq: non-sequence %q: index %d does not "+
				"reference a declared non-sequence", ns.Name, ns.Idx))
		}
	} else {
		d.numExternal++
	}
	d.nonseqs = append(d.nonseqs, &ns)
}

// Recurrences returns the declared recurrent channels.
func (d *Declarations) Recurrences() []*Recurrence {
	return d.recs
}

// NonSequences returns the declared non-sequence inputs.
func (d *Declarations) NonSequences() []*NonSequence {
	return d.nonseqs
}
