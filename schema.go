package deepseq

import "fmt"

// A recSlot places one recurrent channel in the flattened
// argument layout.
type recSlot struct {
	unit int
	decl *Recurrence

	// state is the channel's index in the fed-back state
	// vector, or -1 for output-only channels.
	state int
}

// An nsSlot places one non-sequence in the flattened
// layout.
type nsSlot struct {
	unit int
	decl *NonSequence
}

// A schema is the flattening table for a fixed unit stack.
// It is built once at composer construction so that
// splitting and joining flat argument vectors at each step
// is table lookups rather than repeated declaration walks.
type schema struct {
	recs    []recSlot
	nonseqs []nsSlot

	// Per-unit counts, in stack order.
	recIn   []int // fed-back recurrences
	recOut  []int // all recurrences
	nsCount []int

	// numStates is the width of the fed-back state vector.
	numStates int

	// finalOut is the flat index of the last unit's primary
	// output channel.
	finalOut int
}

func newSchema(units []Unit) *schema {
	if len(units) == 0 {
		panic("deepseq: need at least one unit")
	}
	s := &schema{
		recIn:   make([]int, len(units)),
		recOut:  make([]int, len(units)),
		nsCount: make([]int, len(units)),
	}
	for i, u := range units {
		recs := u.Recurrences()
		if len(recs) == 0 {
			panic(fmt.Sprintf("deepseq: unit %d declares no recurrences", i))
		}
		for _, rec := range recs {
			slot := recSlot{unit: i, decl: rec, state: -1}
			if rec.Init.Kind() != InitOutputOnly {
				slot.state = s.numStates
				s.numStates++
				s.recIn[i]++
			}
			s.recs = append(s.recs, slot)
		}
		s.recOut[i] = len(recs)
		for _, ns := range u.NonSequences() {
			s.nonseqs = append(s.nonseqs, nsSlot{unit: i, decl: ns})
			s.nsCount[i]++
		}
	}
	s.finalOut = len(s.recs) - s.recOut[len(units)-1]
	return s
}
