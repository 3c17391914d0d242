package deepseq

import (
	"math"

	"github.com/unixpickle/anydiff"
	"github.com/unixpickle/anynet"
	"github.com/unixpickle/anyvec"
)

// A NormMode selects where layer normalization is applied
// inside the gated transition.
type NormMode int

const (
	// NormOff disables normalization.
	NormOff NormMode = iota

	// NormProjections normalizes the input and state
	// projections before they are summed, the attention
	// query, and the cell content.
	NormProjections

	// NormCell normalizes only the cell content before the
	// output nonlinearity.
	NormCell
)

// An LSTMConfig configures a gated transition unit.
type LSTMConfig struct {
	InSize    int
	StateSize int

	// AttentionSize and AttendedSize enable attention when
	// both are set: AttendedSize is the feature size of the
	// attended sequence and AttentionSize the hidden size
	// of the scoring network. Setting exactly one of them
	// is a construction-time error.
	AttentionSize int
	AttendedSize  int

	Norm NormMode

	// TrainableInit starts h and c from trainable
	// parameters instead of caller-supplied values.
	TrainableInit bool

	// Dropout is declared on the hidden-state channel for
	// an external mask generator; no mask is generated
	// here.
	Dropout float64
}

// An LSTMUnit is a gated recurrent unit, optionally
// augmented with attention over an external sequence.
//
// One affine combination of the input and previous hidden
// state produces five equal slices: input gate, forget
// gate, output gate, candidate cell content, and a
// secondary content slice. The unit declares recurrences h
// and c, and with attention an output-only attention-weight
// channel plus non-sequences attended, attended_dot_u
// (precomputed) and attention_mask.
type LSTMUnit struct {
	Declarations

	conf LSTMConfig

	wx     *anydiff.Var
	wh     *anydiff.Var
	biases *anydiff.Var

	// Context weights; the attention context enters the
	// affine step through its own slice of weights, which
	// is equivalent to concatenating it onto the input.
	wc *anydiff.Var

	attnU *anynet.FC
	attnW *anydiff.Var
	attnV *anydiff.Var

	ln1, ln2, lnA, lnH *layerNorm

	h0, c0 *anydiff.Var
}

// NewLSTMUnit creates a gated unit.
func NewLSTMUnit(c anyvec.Creator, conf LSTMConfig) *LSTMUnit {
	u := newLSTMUnit(c, conf)
	u.declare(false)
	return u
}

func newLSTMUnit(c anyvec.Creator, conf LSTMConfig) *LSTMUnit {
	if (conf.AttentionSize == 0) != (conf.AttendedSize == 0) {
		panic("deepseq: attention needs both AttentionSize and AttendedSize")
	}
	in, s := conf.InSize, conf.StateSize
	u := &LSTMUnit{conf: conf}
	u.wx = gaussianVar(c, in*5*s, in)
	u.wh = gaussianVar(c, s*5*s, s)
	u.biases = anydiff.NewVar(forgetBias(c, s))
	if conf.AttentionSize > 0 {
		u.wc = gaussianVar(c, conf.AttendedSize*5*s, conf.AttendedSize)
		u.attnU = anynet.NewFC(c, conf.AttendedSize, conf.AttentionSize)
		u.attnW = gaussianVar(c, s*conf.AttentionSize, s)
		u.attnV = gaussianVar(c, conf.AttentionSize, conf.AttentionSize)
	}
	switch conf.Norm {
	case NormProjections:
		u.ln1 = newLayerNorm(c, 5*s)
		u.ln2 = newLayerNorm(c, 5*s)
		if conf.AttentionSize > 0 {
			u.lnA = newLayerNorm(c, conf.AttentionSize)
		}
		u.lnH = newLayerNorm(c, s)
	case NormCell:
		u.lnH = newLayerNorm(c, s)
	}
	if conf.TrainableInit {
		u.h0 = gaussianVar(c, s, s)
		u.c0 = gaussianVar(c, s, s)
	}
	return u
}

func (u *LSTMUnit) declare(separatePath bool) {
	s := u.conf.StateSize
	hInit, cInit := ExternalInit(), ExternalInit()
	if u.conf.TrainableInit {
		hInit, cInit = TrainableInit(u.h0), TrainableInit(u.c0)
	}
	u.AddRecurrence(Recurrence{Name: "h", Size: s, Init: hInit,
		Dropout: u.conf.Dropout})
	u.AddRecurrence(Recurrence{Name: "c", Size: s, Init: cInit})
	if u.useAttention() {
		u.AddRecurrence(Recurrence{Name: "attention", Init: OutputOnly()})
		u.AddNonSequence(NonSequence{Name: "attended"})
		u.AddNonSequence(NonSequence{Name: "attended_dot_u",
			Func: u.projectAttended, Idx: 0})
		u.AddNonSequence(NonSequence{Name: "attention_mask"})
	}
	if separatePath {
		u.AddRecurrence(Recurrence{Name: "h_breve", Size: s, Init: OutputOnly()})
	}
}

func (u *LSTMUnit) useAttention() bool {
	return u.conf.AttentionSize > 0
}

// projectAttended precomputes the scoring projection of the
// attended sequence (srcLen x batch x AttendedSize), reused
// at every timestep of a call.
func (u *LSTMUnit) projectAttended(attended anydiff.Res) anydiff.Res {
	rows := attended.Output().Len() / u.conf.AttendedSize
	return u.attnU.Apply(attended, rows)
}

// Parameters returns the unit's trainable parameters.
func (u *LSTMUnit) Parameters() []*anydiff.Var {
	res := []*anydiff.Var{u.wx, u.wh, u.biases}
	if u.useAttention() {
		res = append(res, u.wc)
		res = append(res, u.attnU.Parameters()...)
		res = append(res, u.attnW, u.attnV)
	}
	for _, ln := range []*layerNorm{u.ln1, u.ln2, u.lnA, u.lnH} {
		if ln != nil {
			res = append(res, ln.gain, ln.bias)
		}
	}
	if u.h0 != nil {
		res = append(res, u.h0, u.c0)
	}
	return res
}

// Step applies the gated transition.
func (u *LSTMUnit) Step(n int, in anydiff.Res, recs,
	nonseqs []anydiff.Res) []anydiff.Res {
	h, cOut, attn, _ := u.transition(n, in, recs, nonseqs, false)
	outs := []anydiff.Res{h, cOut}
	if attn != nil {
		outs = append(outs, attn)
	}
	return outs
}

func (u *LSTMUnit) transition(n int, in anydiff.Res, recs,
	nonseqs []anydiff.Res, wantBreve bool) (h, cOut, attnOut,
	hBreve anydiff.Res) {
	hPrev, cPrev := recs[0], recs[1]
	s := u.conf.StateSize

	xProj := matProduct(in, n, u.conf.InSize, u.wx, 5*s)
	if u.useAttention() {
		var context anydiff.Res
		attnOut, context = u.attend(n, hPrev, nonseqs[0], nonseqs[1], nonseqs[2])
		xProj = anydiff.Add(xProj,
			matProduct(context, n, u.conf.AttendedSize, u.wc, 5*s))
	}
	hProj := matProduct(hPrev, n, s, u.wh, 5*s)
	if u.ln1 != nil {
		xProj = u.ln1.apply(n, xProj)
		hProj = u.ln2.apply(n, hProj)
	}
	x := anydiff.AddRepeated(anydiff.Add(xProj, hProj), u.biases)

	// Column slices of the batch-major affine output are
	// contiguous in the transposed layout.
	xT := transpose(x, n, 5*s)
	part := func(i int) anydiff.Res {
		return anydiff.Slice(xT, i*s*n, (i+1)*s*n)
	}
	inGate := anydiff.Sigmoid(part(0))
	forget := anydiff.Sigmoid(part(1))
	outGate := anydiff.Sigmoid(part(2))
	cand := anydiff.Tanh(part(3))

	cPrevT := transpose(cPrev, n, s)
	cT := anydiff.Add(anydiff.Mul(forget, cPrevT), anydiff.Mul(inGate, cand))
	cOut = transpose(cT, s, n)

	inner := cOut
	if u.lnH != nil {
		inner = u.lnH.apply(n, cOut)
	}
	h = anydiff.Mul(transpose(outGate, s, n), anydiff.Tanh(inner))
	if wantBreve {
		hBreve = transpose(anydiff.Tanh(part(4)), s, n)
	}
	return
}

// attend computes masked attention over the attended
// sequence, returning the batch-major weight matrix
// (batch x srcLen) and the weighted context
// (batch x AttendedSize).
func (u *LSTMUnit) attend(n int, hPrev, attended, attendedDotU,
	attnMask anydiff.Res) (weights, context anydiff.Res) {
	c := hPrev.Output().Creator()
	srcLen := attnMask.Output().Len() / n

	query := matProduct(hPrev, n, u.conf.StateSize, u.attnW,
		u.conf.AttentionSize)
	if u.lnA != nil {
		query = u.lnA.apply(n, query)
	}
	energy := anydiff.Tanh(anydiff.AddRepeated(attendedDotU, query))
	scores := anydiff.MatMul(false, false,
		&anydiff.Matrix{Data: energy, Rows: srcLen * n,
			Cols: u.conf.AttentionSize},
		&anydiff.Matrix{Data: u.attnV, Rows: u.conf.AttentionSize,
			Cols: 1}).Data

	// Push padding positions to an effectively negative
	// infinite score before normalizing.
	masked := anydiff.Add(scores, anydiff.Scale(
		anydiff.AddScalar(attnMask, c.MakeNumeric(-1)), c.MakeNumeric(1e30)))

	scoresByRow := transpose(masked, srcLen, n)
	maskByRow := transpose(attnMask, srcLen, n)
	weights = anydiff.Mul(anydiff.Exp(anydiff.LogSoftmax(scoresByRow, srcLen)),
		maskByRow)

	weightsByPos := transpose(weights, n, srcLen)
	for t := 0; t < srcLen; t++ {
		at := anydiff.Slice(attended, t*n*u.conf.AttendedSize,
			(t+1)*n*u.conf.AttendedSize)
		wt := anydiff.Slice(weightsByPos, t*n, (t+1)*n)
		term := anydiff.ScaleRows(&anydiff.Matrix{Data: at, Rows: n,
			Cols: u.conf.AttendedSize}, wt).Data
		if context == nil {
			context = term
		} else {
			context = anydiff.Add(context, term)
		}
	}
	return weights, context
}

// A SeparatePathLSTMUnit is an LSTMUnit that additionally
// emits the pre-output-gate secondary content (h_breve) as
// a trailing output-only channel, for consumption by a
// separate downstream path such as a character-level
// decoder.
type SeparatePathLSTMUnit struct {
	*LSTMUnit
}

// NewSeparatePathLSTMUnit creates a gated unit with the
// secondary output path.
func NewSeparatePathLSTMUnit(c anyvec.Creator, conf LSTMConfig) *SeparatePathLSTMUnit {
	u := newLSTMUnit(c, conf)
	u.declare(true)
	return &SeparatePathLSTMUnit{LSTMUnit: u}
}

// Step applies the gated transition and appends h_breve.
func (u *SeparatePathLSTMUnit) Step(n int, in anydiff.Res, recs,
	nonseqs []anydiff.Res) []anydiff.Res {
	h, cOut, attn, hBreve := u.transition(n, in, recs, nonseqs, true)
	outs := []anydiff.Res{h, cOut}
	if attn != nil {
		outs = append(outs, attn)
	}
	return append(outs, hBreve)
}

// A layerNorm rescales each batch row to zero mean and unit
// variance, with a learned per-feature gain and bias.
type layerNorm struct {
	gain *anydiff.Var
	bias *anydiff.Var
}

const layerNormEps = 1e-6

func newLayerNorm(c anyvec.Creator, size int) *layerNorm {
	return &layerNorm{
		gain: anydiff.NewVar(onesVector(c, size)),
		bias: anydiff.NewVar(c.MakeVector(size)),
	}
}

func (l *layerNorm) apply(n int, in anydiff.Res) anydiff.Res {
	c := in.Output().Creator()
	cols := in.Output().Len() / n
	m := &anydiff.Matrix{Data: in, Rows: n, Cols: cols}

	negMean := anydiff.Scale(anydiff.SumCols(m), c.MakeNumeric(-1/float64(cols)))
	onesM := &anydiff.Matrix{Data: anydiff.NewConst(onesVector(c, n*cols)),
		Rows: n, Cols: cols}
	centered := anydiff.Add(in, anydiff.ScaleRows(onesM, negMean).Data)

	sq := anydiff.Mul(centered, centered)
	variance := anydiff.Scale(anydiff.SumCols(&anydiff.Matrix{Data: sq,
		Rows: n, Cols: cols}), c.MakeNumeric(1/float64(cols)))
	invStd := anydiff.Pow(anydiff.AddScalar(variance,
		c.MakeNumeric(layerNormEps)), c.MakeNumeric(-0.5))

	normed := anydiff.ScaleRows(&anydiff.Matrix{Data: centered, Rows: n,
		Cols: cols}, invStd).Data
	scaled := anydiff.Mul(normed,
		anydiff.AddRepeated(anydiff.NewConst(c.MakeVector(n*cols)), l.gain))
	return anydiff.AddRepeated(scaled, l.bias)
}

// transpose reinterprets a packed rows x cols matrix as its
// transpose.
func transpose(r anydiff.Res, rows, cols int) anydiff.Res {
	return anydiff.Transpose(&anydiff.Matrix{Data: r, Rows: rows,
		Cols: cols}).Data
}

// matProduct multiplies a batch-major matrix by a weight
// matrix.
func matProduct(in anydiff.Res, rows, inCols int, w *anydiff.Var,
	outCols int) anydiff.Res {
	return anydiff.MatMul(false, false,
		&anydiff.Matrix{Data: in, Rows: rows, Cols: inCols},
		&anydiff.Matrix{Data: w, Rows: inCols, Cols: outCols}).Data
}

// gaussianVar creates a parameter with Gaussian entries
// scaled by the inverse square root of the fan-in.
func gaussianVar(c anyvec.Creator, size, fanIn int) *anydiff.Var {
	vec := c.MakeVector(size)
	anyvec.Rand(vec, anyvec.Normal, nil)
	vec.Scale(c.MakeNumeric(1 / math.Sqrt(float64(fanIn))))
	return anydiff.NewVar(vec)
}

// forgetBias builds the 5*s gate bias with the forget gate
// initialized to 1.
func forgetBias(c anyvec.Creator, s int) anyvec.Vector {
	data := make([]float64, 5*s)
	for i := s; i < 2*s; i++ {
		data[i] = 1
	}
	return c.MakeVectorData(c.MakeNumericList(data))
}

func onesVector(c anyvec.Creator, size int) anyvec.Vector {
	v := c.MakeVector(size)
	v.AddScalar(c.MakeNumeric(1.0))
	return v
}
