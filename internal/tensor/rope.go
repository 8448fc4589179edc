package tensor

import "math"

// RoPEInvFreq precomputes the inverse frequency table for rotary position
// embeddings: invFreq[i] = theta^(-2i/rotaryDim) for pair index i.
func RoPEInvFreq(rotaryDim int, theta float64) []float64 {
	invFreq := make([]float64, rotaryDim/2)
	for i := range invFreq {
		invFreq[i] = 1.0 / math.Pow(theta, float64(2*i)/float64(rotaryDim))
	}
	return invFreq
}

// ApplyRoPE rotates adjacent element pairs of each head in x by the angle
// pos*invFreq[pair]. Only the first rotaryDim = 2*len(invFreq) elements of
// each head are rotated; the tail passes through untouched (partial rotary
// embedding). headDim must be even.
func ApplyRoPE(x []float32, nHead, headDim, pos int, invFreq []float64) {
	if headDim%2 != 0 {
		panic("headDim must be even for RoPE")
	}
	if 2*len(invFreq) > headDim {
		panic("rotary span exceeds head dim")
	}
	for h := 0; h < nHead; h++ {
		base := h * headDim
		for i := range invFreq {
			angle := float64(pos) * invFreq[i]
			c := float32(math.Cos(angle))
			s := float32(math.Sin(angle))
			i0 := base + 2*i
			i1 := i0 + 1
			x0 := x[i0]
			x1 := x[i1]
			x[i0] = x0*c - x1*s
			x[i1] = x0*s + x1*c
		}
	}
}
