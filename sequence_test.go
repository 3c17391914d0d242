package deepseq

import (
	"testing"

	"github.com/unixpickle/anydiff"
	"github.com/unixpickle/anyvec"
	"github.com/unixpickle/anyvec/anyvec64"
)

// testUnitRef mirrors testUnit.Step on plain slices.
func testUnitRef(in, acc, bias []float64) (newAcc, twice []float64) {
	size := len(bias)
	newAcc = make([]float64, len(in))
	twice = make([]float64, len(in))
	for i := range in {
		newAcc[i] = in[i] + acc[i] + 3*bias[i%size]
		twice[i] = 2 * newAcc[i]
	}
	return
}

func TestApplyGrouping(t *testing.T) {
	c := anyvec64.DefaultCreator{}
	ds := NewDeepSequence([]Unit{newTestUnit(2)}, false)

	inputs := [][]float64{{1, 2, 3, 4}, {0.5, 0.5, 1, 1}}
	bias := []float64{0.5, 1}
	init := []float64{0.1, 0.2, 0.3, 0.4}

	var inRes []anydiff.Res
	var mask []anyvec.Vector
	for _, in := range inputs {
		inRes = append(inRes, constRes(c, in))
		mask = append(mask, maskRow(c, []float64{1, 1}))
	}
	inits := ds.MakeInits([]anydiff.Res{constRes(c, init)}, 2)
	nonseqs := ds.MakeNonSequences([]anydiff.Res{constRes(c, bias)})

	res := ds.Apply(inRes, mask, inits, nonseqs)
	states, outs := res.States(), res.Outputs()
	if len(states) != 1 || len(outs) != 1 {
		t.Fatalf("got %d states and %d outputs", len(states), len(outs))
	}

	acc := init
	for tm := range inputs {
		var twice []float64
		acc, twice = testUnitRef(inputs[tm], acc, bias)
		if diff := maxDiff(states[0][tm], acc); diff > 1e-12 {
			t.Errorf("time %d: acc diff %v", tm, diff)
		}
		if diff := maxDiff(outs[0][tm], twice); diff > 1e-12 {
			t.Errorf("time %d: twice diff %v", tm, diff)
		}
		if diff := maxDiff(res.Output()[tm], acc); diff > 1e-12 {
			t.Errorf("time %d: primary output diff %v", tm, diff)
		}
	}
}

func TestMaskFreeze(t *testing.T) {
	c := anyvec64.DefaultCreator{}
	ds := NewDeepSequence([]Unit{newTestUnit(2)}, false)

	inputs := [][]float64{{1, 2, 3, 4}, {5, 6, 7, 8}}
	bias := []float64{0.5, 1}
	inRes := []anydiff.Res{constRes(c, inputs[0]), constRes(c, inputs[1])}
	mask := []anyvec.Vector{
		maskRow(c, []float64{1, 1}),
		maskRow(c, []float64{1, 0}),
	}
	inits := ds.MakeInits([]anydiff.Res{constRes(c, []float64{0, 0, 0, 0})}, 2)
	nonseqs := ds.MakeNonSequences([]anydiff.Res{constRes(c, bias)})

	res := ds.Apply(inRes, mask, inits, nonseqs)
	states, outs := res.States(), res.Outputs()

	acc1, _ := testUnitRef(inputs[0], []float64{0, 0, 0, 0}, bias)
	acc2, twice2 := testUnitRef(inputs[1], acc1, bias)

	got1 := vecData(states[0][1])
	want1 := vecData(states[0][0])
	for i := 2; i < 4; i++ {
		if got1[i] != want1[i] {
			t.Errorf("masked state entry %d: got %v, want frozen %v",
				i, got1[i], want1[i])
		}
	}
	if diff := maxDiff(states[0][1].Slice(0, 2), acc2[:2]); diff > 1e-12 {
		t.Errorf("unmasked state diff %v", diff)
	}

	// Output-only channels are never frozen.
	if diff := maxDiff(outs[0][1].Slice(2, 4), twice2[2:]); diff > 1e-12 {
		t.Errorf("output-only channel was frozen: diff %v", diff)
	}
}

func TestBackwards(t *testing.T) {
	c := anyvec64.DefaultCreator{}
	fwd := NewDeepSequence([]Unit{newTestUnit(2)}, false)
	bwd := NewDeepSequence([]Unit{newTestUnit(2)}, true)

	inputs := [][]float64{{1, 2, 3, 4}, {0.5, 0.5, 1, 1}, {-1, 0, 1, 2}}
	bias := []float64{0.25, 0.75}
	init := constRes(c, []float64{0, 0, 0, 0})

	var fwdIn, bwdIn []anydiff.Res
	var mask []anyvec.Vector
	for i := range inputs {
		fwdIn = append(fwdIn, constRes(c, inputs[len(inputs)-1-i]))
		bwdIn = append(bwdIn, constRes(c, inputs[i]))
		mask = append(mask, maskRow(c, []float64{1, 1}))
	}

	fwdRes := fwd.Apply(fwdIn, mask,
		fwd.MakeInits([]anydiff.Res{init}, 2),
		fwd.MakeNonSequences([]anydiff.Res{constRes(c, bias)}))
	bwdRes := bwd.Apply(bwdIn, mask,
		bwd.MakeInits([]anydiff.Res{init}, 2),
		bwd.MakeNonSequences([]anydiff.Res{constRes(c, bias)}))

	for tm := range inputs {
		want := vecData(fwdRes.Output()[len(inputs)-1-tm])
		if diff := maxDiff(bwdRes.Output()[tm], want); diff > 1e-12 {
			t.Errorf("time %d: diff %v", tm, diff)
		}
	}
}

func TestStepAgreement(t *testing.T) {
	c := anyvec64.DefaultCreator{}
	units := []Unit{newTestUnit(2), newTestUnit(2)}
	ds := NewDeepSequence(units, false)

	inputs := [][]float64{{1, 2, 3, 4}, {0.5, -0.5, 1, -1}, {2, 2, 0, 0}}
	masks := [][]float64{{1, 1}, {1, 0}, {0, 1}}
	biases := []anydiff.Res{
		constRes(c, []float64{0.5, 1}),
		constRes(c, []float64{-0.25, 0.25}),
	}
	initExt := []anydiff.Res{
		constRes(c, []float64{0.1, 0.2, 0.3, 0.4}),
		constRes(c, []float64{0, 0, 0, 0}),
	}

	var inRes []anydiff.Res
	var mask []anyvec.Vector
	for i := range inputs {
		inRes = append(inRes, constRes(c, inputs[i]))
		mask = append(mask, maskRow(c, masks[i]))
	}
	inits := ds.MakeInits(initExt, 2)
	nonseqs := ds.MakeNonSequences(biases)

	res := ds.Apply(inRes, mask, inits, biases)
	flat := flatChannels(ds, res)

	states := inits
	for tm := range inputs {
		outs := ds.Step(inRes[tm], mask[tm], states, nonseqs)
		if len(outs) != len(flat) {
			t.Fatalf("got %d step outputs, want %d", len(outs), len(flat))
		}
		states = nil
		for i, rec := range ds.Recurrences() {
			want := vecData(flat[i][tm])
			if diff := maxDiff(outs[i].Output(), want); diff > 1e-4 {
				t.Errorf("time %d channel %d: diff %v", tm, i, diff)
			}
			if rec.Init.Kind() != InitOutputOnly {
				states = append(states, outs[i])
			}
		}
	}
}

func TestConfigErrors(t *testing.T) {
	c := anyvec64.DefaultCreator{}
	ds := NewDeepSequence([]Unit{newTestUnit(2)}, false)

	mustPanic(t, `init for "acc" onwards missing`, func() {
		ds.MakeInits(nil, 2)
	})
	mustPanic(t, "bias", func() {
		ds.MakeNonSequences(nil)
	})

	nonseqs := ds.MakeNonSequences([]anydiff.Res{constRes(c, []float64{0.5, 1})})
	mustPanic(t, "got 0 recurrent inputs", func() {
		ds.Step(constRes(c, []float64{1, 2, 3, 4}),
			maskRow(c, []float64{1, 1}), nil, nonseqs)
	})
}
