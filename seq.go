package deepseq

import (
	"github.com/unixpickle/anydiff"
	"github.com/unixpickle/anydiff/anyseq"
	"github.com/unixpickle/anyvec"
	"github.com/unixpickle/essentials"
)

// FromSeq converts a batched sequence with present maps
// into the fixed-width padded inputs and float mask that
// Apply consumes. Absent rows are zero-filled with mask 0.
//
// The conversion reads the sequence's outputs, so gradients
// do not flow back into seq; it is intended for inference
// and decoding.
func FromSeq(seq anyseq.Seq) (inputs []anydiff.Res, mask []anyvec.Vector) {
	batches := seq.Output()
	if len(batches) == 0 {
		return nil, nil
	}
	c := seq.Creator()
	full := make([]bool, len(batches[0].Present))
	for i := range full {
		full[i] = true
	}
	for _, b := range batches {
		expanded := b.Expand(full)
		inputs = append(inputs, anydiff.NewConst(expanded.Packed))
		mask = append(mask, MaskFromPresent(c, b.Present))
	}
	return
}

// MaskFromPresent builds a 1/0 row mask from a present map.
func MaskFromPresent(c anyvec.Creator, present []bool) anyvec.Vector {
	data := make([]float64, len(present))
	for i, p := range present {
		if p {
			data[i] = 1
		}
	}
	return c.MakeVectorData(c.MakeNumericList(data))
}

// MaskFromLengths builds a time-major mask for a batch of
// sequence lengths: one row vector per timestep up to the
// longest length, with 1 while t is inside the sequence.
func MaskFromLengths(c anyvec.Creator, lengths []int) []anyvec.Vector {
	var maxLen int
	for _, l := range lengths {
		maxLen = essentials.MaxInt(maxLen, l)
	}
	mask := make([]anyvec.Vector, maxLen)
	for t := range mask {
		data := make([]float64, len(lengths))
		for i, l := range lengths {
			if t < l {
				data[i] = 1
			}
		}
		mask[t] = c.MakeVectorData(c.MakeNumericList(data))
	}
	return mask
}
