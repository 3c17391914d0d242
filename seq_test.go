package deepseq

import (
	"testing"

	"github.com/unixpickle/anydiff/anyseq"
	"github.com/unixpickle/anyvec"
	"github.com/unixpickle/anyvec/anyvec64"
)

func TestMaskFromLengths(t *testing.T) {
	c := anyvec64.DefaultCreator{}
	mask := MaskFromLengths(c, []int{3, 1})
	if len(mask) != 3 {
		t.Fatalf("got %d timesteps", len(mask))
	}
	want := [][]float64{{1, 1}, {1, 0}, {1, 0}}
	for tm := range want {
		if diff := maxDiff(mask[tm], want[tm]); diff != 0 {
			t.Errorf("time %d: got %v", tm, vecData(mask[tm]))
		}
	}
}

func TestMaskFromPresent(t *testing.T) {
	c := anyvec64.DefaultCreator{}
	m := MaskFromPresent(c, []bool{true, false, true})
	if diff := maxDiff(m, []float64{1, 0, 1}); diff != 0 {
		t.Errorf("got %v", vecData(m))
	}
}

func TestFromSeq(t *testing.T) {
	c := anyvec64.DefaultCreator{}
	seqs := [][]anyvec.Vector{
		{
			c.MakeVectorData(c.MakeNumericList([]float64{1, 2})),
			c.MakeVectorData(c.MakeNumericList([]float64{3, 4})),
		},
		{
			c.MakeVectorData(c.MakeNumericList([]float64{5, 6})),
		},
	}
	inputs, mask := FromSeq(anyseq.ConstSeqList(c, seqs))
	if len(inputs) != 2 || len(mask) != 2 {
		t.Fatalf("got %d inputs and %d masks", len(inputs), len(mask))
	}

	if diff := maxDiff(inputs[0].Output(), []float64{1, 2, 5, 6}); diff != 0 {
		t.Errorf("time 0: got %v", vecData(inputs[0].Output()))
	}
	// The absent row is zero-padded.
	if diff := maxDiff(inputs[1].Output(), []float64{3, 4, 0, 0}); diff != 0 {
		t.Errorf("time 1: got %v", vecData(inputs[1].Output()))
	}
	if diff := maxDiff(mask[0], []float64{1, 1}); diff != 0 {
		t.Errorf("mask 0: got %v", vecData(mask[0]))
	}
	if diff := maxDiff(mask[1], []float64{1, 0}); diff != 0 {
		t.Errorf("mask 1: got %v", vecData(mask[1]))
	}
}
