package deepseq

import (
	"fmt"
	"sync"

	"github.com/unixpickle/anydiff"
	"github.com/unixpickle/anynet"
	"github.com/unixpickle/anyvec"
)

// A StepFunc applies the flattened per-timestep transition.
//
// The mask holds one entry per batch row: 1 for a valid
// token, 0 for padding. The recs argument holds the current
// state of every fed-back channel and nonseqs every
// declared non-sequence, both in declaration order. The
// result holds the new value of every channel, with frozen
// states for masked-out rows.
type StepFunc func(in anydiff.Res, mask anyvec.Vector, recs,
	nonseqs []anydiff.Res) []anydiff.Res

// A DeepSequence composes an ordered stack of units into
// one recurrent sequence model.
// Unit i's primary output becomes unit i+1's input.
//
// A DeepSequence is stateless across calls except for two
// lazily built caches: the memoized non-sequence
// precomputations and the bound single-step function.
type DeepSequence struct {
	units     []Unit
	backwards bool
	sc        *schema

	cacheLock sync.Mutex
	stepFn    StepFunc
	nsCache   map[*NonSequence]*nsEval
}

type nsEval struct {
	in  anydiff.Res
	out anydiff.Res
}

// NewDeepSequence stacks units into a sequence model.
// If backwards is set, whole-sequence calls run over the
// time axis in reverse, with outputs restored to forward
// order.
func NewDeepSequence(units []Unit, backwards bool) *DeepSequence {
	return &DeepSequence{
		units:     units,
		backwards: backwards,
		sc:        newSchema(units),
	}
}

// Units returns the stack in composition order.
func (d *DeepSequence) Units() []Unit {
	return d.units
}

// Recurrences returns all units' recurrent channels,
// concatenated in unit order.
func (d *DeepSequence) Recurrences() []*Recurrence {
	res := make([]*Recurrence, len(d.sc.recs))
	for i, slot := range d.sc.recs {
		res[i] = slot.decl
	}
	return res
}

// NonSequences returns all units' non-sequence
// declarations, concatenated in unit order.
func (d *DeepSequence) NonSequences() []*NonSequence {
	res := make([]*NonSequence, len(d.sc.nonseqs))
	for i, slot := range d.sc.nonseqs {
		res[i] = slot.decl
	}
	return res
}

// Parameters returns the parameters of every unit.
func (d *DeepSequence) Parameters() []*anydiff.Var {
	objs := make([]interface{}, len(d.units))
	for i, u := range d.units {
		objs[i] = u
	}
	return anynet.AllParameters(objs...)
}

// MakeInits builds the initial-state vector for a batch of
// n rows.
//
// The external list supplies, in declaration order, one
// value per channel whose init is external; trainable inits
// are expanded to the batch size, and output-only channels
// contribute nothing. Too few external values is a
// configuration error naming the first missing channel.
func (d *DeepSequence) MakeInits(external []anydiff.Res, n int) []anydiff.Res {
	inits := make([]anydiff.Res, 0, d.sc.numStates)
	for _, slot := range d.sc.recs {
		switch slot.decl.Init.Kind() {
		case InitOutputOnly:
		case InitTrainable:
			inits = append(inits, expandToBatch(slot.decl.Init.Param(), n))
		default:
			if len(external) == 0 {
				panic(fmt.Sprintf("deepseq: too few initial states: "+
					"init for %q onwards missing", slot.decl.Name))
			}
			inits = append(inits, external[0])
			external = external[1:]
		}
	}
	return inits
}

// MakeNonSequences builds the flat non-sequence vector in
// declaration order.
//
// The external list supplies one value per non-precomputed
// declaration. Precomputed entries are evaluated from the
// unit's external snapshot through a cache keyed by
// declaration identity, so repeated calls with the same
// declaration and input reuse the previous result.
func (d *DeepSequence) MakeNonSequences(external []anydiff.Res) []anydiff.Res {
	out := make([]anydiff.Res, 0, len(d.sc.nonseqs))
	for _, u := range d.units {
		// Earlier units' externals are already consumed.
		snapshot := external
		for _, ns := range u.NonSequences() {
			if ns.Func != nil {
				if ns.Idx >= len(snapshot) {
					panic(fmt.Sprintf("deepseq: non-sequence %q: "+
						"missing input %d", ns.Name, ns.Idx))
				}
				out = append(out, d.nsValue(ns, snapshot[ns.Idx]))
			} else {
				if len(external) == 0 {
					panic(fmt.Sprintf("deepseq: too few non-sequences: "+
						"value for %q onwards missing", ns.Name))
				}
				out = append(out, external[0])
				external = external[1:]
			}
		}
	}
	return out
}

func (d *DeepSequence) nsValue(ns *NonSequence, in anydiff.Res) anydiff.Res {
	d.cacheLock.Lock()
	defer d.cacheLock.Unlock()
	if d.nsCache == nil {
		d.nsCache = map[*NonSequence]*nsEval{}
	}
	if e, ok := d.nsCache[ns]; ok && e.in == in {
		return e.out
	}
	out := ns.Func(in)
	d.nsCache[ns] = &nsEval{in: in, out: out}
	return out
}

// Step applies the transition for a single timestep outside
// of a whole-sequence unroll, e.g. from a beam-search
// decoder that manages its own state bookkeeping.
//
// The argument layout matches StepFunc; MakeInits and
// MakeNonSequences build the initial recs and nonseqs
// vectors.
func (d *DeepSequence) Step(in anydiff.Res, mask anyvec.Vector, recs,
	nonseqs []anydiff.Res) []anydiff.Res {
	return d.StepFunc()(in, mask, recs, nonseqs)
}

// StepFunc returns the bound single-step transition,
// building it on first use and reusing it afterwards.
func (d *DeepSequence) StepFunc() StepFunc {
	d.cacheLock.Lock()
	defer d.cacheLock.Unlock()
	if d.stepFn == nil {
		d.stepFn = func(in anydiff.Res, mask anyvec.Vector, recs,
			nonseqs []anydiff.Res) []anydiff.Res {
			if len(recs) != d.sc.numStates {
				panic(fmt.Sprintf("deepseq: got %d recurrent inputs, need %d",
					len(recs), d.sc.numStates))
			}
			args := make([]anydiff.Res, 0, len(recs)+len(nonseqs))
			args = append(args, recs...)
			args = append(args, nonseqs...)
			return d.step(mask.Len(), in, anydiff.NewConst(mask), args)
		}
	}
	return d.stepFn
}

// Apply unrolls the model over a whole padded batch.
//
// inputs[t] is the batch-major input at timestep t and
// mask[t] the matching validity row (1 valid, 0 padding).
// inits supplies initial states for every external-init
// channel and nonseqs every external non-sequence, both in
// declaration order.
//
// Each timestep is evaluated as its own graph joined to its
// neighbors by pooled variables, so back-propagation via
// Result walks the sequence one step at a time.
//
// TODO: support extra per-timestep sequences alongside the
// input and mask.
func (d *DeepSequence) Apply(inputs []anydiff.Res, mask []anyvec.Vector,
	inits, nonseqs []anydiff.Res) *Result {
	if len(inputs) != len(mask) {
		panic("deepseq: inputs and mask length mismatch")
	}
	if len(inputs) == 0 {
		panic("deepseq: empty sequence")
	}
	n := mask[0].Len()

	initRes := d.MakeInits(inits, n)
	nsRes := d.MakeNonSequences(nonseqs)

	res := &Result{
		ds:       d,
		n:        n,
		channels: make([][]anyvec.Vector, len(d.sc.recs)),
		initRes:  initRes,
		nsRes:    nsRes,
		nsPools:  make([]*anydiff.Var, len(nsRes)),
		inputRes: inputs,
	}
	for i := range res.channels {
		res.channels[i] = make([]anyvec.Vector, len(inputs))
	}

	nsArgs := make([]anydiff.Res, len(nsRes))
	for i, r := range nsRes {
		res.nsPools[i] = anydiff.NewVar(r.Output())
		nsArgs[i] = res.nsPools[i]
	}

	states := make([]anyvec.Vector, len(initRes))
	for i, r := range initRes {
		states[i] = r.Output()
	}

	for k := range inputs {
		t := k
		if d.backwards {
			t = len(inputs) - 1 - k
		}
		st := &stepRes{
			time:       t,
			inPool:     anydiff.NewVar(inputs[t].Output()),
			statePools: make([]*anydiff.Var, len(states)),
		}
		args := make([]anydiff.Res, 0, len(states)+len(nsArgs))
		for i, s := range states {
			st.statePools[i] = anydiff.NewVar(s)
			args = append(args, st.statePools[i])
		}
		args = append(args, nsArgs...)
		st.outs = d.step(n, st.inPool, anydiff.NewConst(mask[t]), args)
		for i, out := range st.outs {
			res.channels[i][t] = out.Output()
			if slot := d.sc.recs[i]; slot.state >= 0 {
				states[slot.state] = out.Output()
			}
		}
		res.steps = append(res.steps, st)
	}
	return res
}

// step runs the flattened transition: it splits the flat
// argument vector into per-unit groups, threads the running
// input through the stack, concatenates the unit outputs,
// and freezes masked-out rows of every fed-back channel.
func (d *DeepSequence) step(n int, in, mask anydiff.Res,
	args []anydiff.Res) []anydiff.Res {
	tail := args
	groupedRec := make([][]anydiff.Res, len(d.units))
	// recsIn parallels the flat output list; nil marks an
	// output-only channel, which has no previous value.
	recsIn := make([]anydiff.Res, 0, len(d.sc.recs))
	for i, u := range d.units {
		for _, rec := range u.Recurrences() {
			if rec.Init.Kind() == InitOutputOnly {
				recsIn = append(recsIn, nil)
				continue
			}
			if len(tail) == 0 {
				panic("deepseq: not enough recurrent inputs")
			}
			groupedRec[i] = append(groupedRec[i], tail[0])
			recsIn = append(recsIn, tail[0])
			tail = tail[1:]
		}
	}
	groupedNS := make([][]anydiff.Res, len(d.units))
	for i := range d.units {
		count := d.sc.nsCount[i]
		if len(tail) < count {
			panic("deepseq: not enough non-sequences")
		}
		groupedNS[i] = tail[:count]
		tail = tail[count:]
	}

	out := in
	recsOut := make([]anydiff.Res, 0, len(d.sc.recs))
	for i, u := range d.units {
		unitOut := u.Step(n, out, groupedRec[i], groupedNS[i])
		if len(unitOut) != d.sc.recOut[i] {
			panic(fmt.Sprintf("deepseq: unit %d produced %d outputs, declared %d",
				i, len(unitOut), d.sc.recOut[i]))
		}
		out = unitOut[0]
		recsOut = append(recsOut, unitOut...)
	}

	for i, prev := range recsIn {
		if prev != nil {
			recsOut[i] = maskSelect(n, mask, recsOut[i], prev)
		}
	}
	return recsOut
}

// maskSelect freezes rows whose mask entry is 0: the result
// is mask*next + (1-mask)*prev, row by row.
func maskSelect(n int, mask, next, prev anydiff.Res) anydiff.Res {
	c := mask.Output().Creator()
	cols := next.Output().Len() / n
	nextM := &anydiff.Matrix{Data: next, Rows: n, Cols: cols}
	prevM := &anydiff.Matrix{Data: prev, Rows: n, Cols: cols}
	inv := anydiff.Scale(anydiff.AddScalar(mask, c.MakeNumeric(-1)),
		c.MakeNumeric(-1))
	return anydiff.Add(anydiff.ScaleRows(nextM, mask).Data,
		anydiff.ScaleRows(prevM, inv).Data)
}

// expandToBatch repeats a parameter row n times.
func expandToBatch(p *anydiff.Var, n int) anydiff.Res {
	c := p.Vector.Creator()
	zero := anydiff.NewConst(c.MakeVector(n * p.Vector.Len()))
	return anydiff.AddRepeated(zero, p)
}
