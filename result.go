package deepseq

import (
	"github.com/unixpickle/anydiff"
	"github.com/unixpickle/anyvec"
)

// A stepRes is one timestep's graph, joined to its
// neighbors by pooled variables.
type stepRes struct {
	time       int
	inPool     *anydiff.Var
	statePools []*anydiff.Var
	outs       []anydiff.Res
}

// A Result is the evaluated output of a whole-sequence
// call.
//
// Channels whose init is not output-only are states (valid
// next-step recurrent inputs); output-only channels are
// per-timestep side products such as attention weights.
type Result struct {
	ds *DeepSequence
	n  int

	// channels[i][t] is flat channel i at timestep t, in
	// forward time order regardless of direction.
	channels [][]anyvec.Vector

	steps    []*stepRes
	initRes  []anydiff.Res
	nsRes    []anydiff.Res
	nsPools  []*anydiff.Var
	inputRes []anydiff.Res
}

// Output returns the primary output channel of the last
// unit, one batch-major matrix per timestep.
func (r *Result) Output() []anyvec.Vector {
	return r.channels[r.ds.sc.finalOut]
}

// States returns the sequence of every fed-back channel, in
// declaration order.
func (r *Result) States() [][]anyvec.Vector {
	out := make([][]anyvec.Vector, 0, r.ds.sc.numStates)
	for i, slot := range r.ds.sc.recs {
		if slot.state >= 0 {
			out = append(out, r.channels[i])
		}
	}
	return out
}

// Outputs returns the sequence of every output-only
// channel, in declaration order.
func (r *Result) Outputs() [][]anyvec.Vector {
	var out [][]anyvec.Vector
	for i, slot := range r.ds.sc.recs {
		if slot.state < 0 {
			out = append(out, r.channels[i])
		}
	}
	return out
}

// Vars returns the variables the result depends on.
func (r *Result) Vars() anydiff.VarSet {
	vs := anydiff.NewVarSet(r.ds.Parameters()...)
	for _, group := range [][]anydiff.Res{r.initRes, r.nsRes, r.inputRes} {
		for _, res := range group {
			vs = anydiff.MergeVarSets(vs, res.Vars())
		}
	}
	return vs
}

// Propagate back-propagates through the unroll given one
// upstream vector per timestep for the final output
// channel, in forward time order.
func (r *Result) Propagate(upstream []anyvec.Vector, g anydiff.Grad) {
	full := make([][]anyvec.Vector, len(upstream))
	for t, u := range upstream {
		full[t] = make([]anyvec.Vector, len(r.ds.sc.recs))
		full[t][r.ds.sc.finalOut] = u
	}
	r.PropagateFull(full, g)
}

// PropagateFull back-propagates given an upstream vector
// per timestep and flat channel, in forward time order.
// Nil entries mean a zero upstream.
//
// Gradients are chained backwards through the per-step
// pools, then pushed into the initial-state expansions, the
// input results, and the non-sequence results.
func (r *Result) PropagateFull(upstream [][]anyvec.Vector, g anydiff.Grad) {
	if len(upstream) != len(r.steps) {
		panic("deepseq: upstream length mismatch")
	}
	c := r.creator()

	stateUp := make([]anyvec.Vector, r.ds.sc.numStates)
	inputUp := make([]anyvec.Vector, len(r.steps))

	for _, p := range r.nsPools {
		g[p] = c.MakeVector(p.Vector.Len())
	}

	for k := len(r.steps) - 1; k >= 0; k-- {
		st := r.steps[k]
		if len(upstream[st.time]) != len(st.outs) {
			panic("deepseq: upstream channel count mismatch")
		}
		g[st.inPool] = c.MakeVector(st.inPool.Vector.Len())
		for _, p := range st.statePools {
			g[p] = c.MakeVector(p.Vector.Len())
		}
		for i, out := range st.outs {
			var u anyvec.Vector
			if up := upstream[st.time][i]; up != nil {
				u = up.Copy()
			}
			slot := r.ds.sc.recs[i]
			if slot.state >= 0 && stateUp[slot.state] != nil {
				if u == nil {
					u = stateUp[slot.state]
				} else {
					u.Add(stateUp[slot.state])
				}
			}
			if u == nil {
				continue
			}
			out.Propagate(u, g)
		}
		for i, p := range st.statePools {
			stateUp[i] = g[p]
			delete(g, p)
		}
		inputUp[st.time] = g[st.inPool]
		delete(g, st.inPool)
	}

	for i, res := range r.initRes {
		if stateUp[i] != nil && g.Intersects(res.Vars()) {
			res.Propagate(stateUp[i], g)
		}
	}
	for t, res := range r.inputRes {
		if g.Intersects(res.Vars()) {
			res.Propagate(inputUp[t], g)
		}
	}
	for i := len(r.nsRes) - 1; i >= 0; i-- {
		p := r.nsPools[i]
		u := g[p]
		delete(g, p)
		if g.Intersects(r.nsRes[i].Vars()) {
			r.nsRes[i].Propagate(u, g)
		}
	}
}

func (r *Result) creator() anyvec.Creator {
	return r.steps[0].inPool.Vector.Creator()
}
