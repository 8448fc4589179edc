package tensor

import (
	"math"
)

// Add adds src to dst element-wise.
func Add(dst, src []float32) {
	for i := range dst {
		dst[i] += src[i]
	}
}

// Scale multiplies dst by s element-wise.
func Scale(dst []float32, s float32) {
	for i := range dst {
		dst[i] *= s
	}
}

// Dot computes the dot product of a and b.
func Dot(a, b []float32) float32 {
	var sum float32
	for i := range a {
		sum += a[i] * b[i]
	}
	return sum
}

// RMSNorm performs Root Mean Square Normalization: no mean subtraction,
// divide by the root-mean-square of src (plus eps) and scale by weight.
func RMSNorm(dst, src, weight []float32, eps float32) {
	var sum float32
	for _, v := range src {
		sum += v * v
	}
	mean := sum / float32(len(src))
	scale := float32(1.0) / float32(math.Sqrt(float64(mean+eps)))
	for i := range src {
		dst[i] = src[i] * scale * weight[i]
	}
}

// LayerNorm performs classic mean/variance normalization, scaled by weight
// and shifted by bias. bias may be nil.
func LayerNorm(dst, src, weight, bias []float32, eps float32) {
	n := float32(len(src))
	var mean float32
	for _, v := range src {
		mean += v
	}
	mean /= n
	var variance float32
	for _, v := range src {
		d := v - mean
		variance += d * d
	}
	variance /= n
	scale := float32(1.0) / float32(math.Sqrt(float64(variance+eps)))
	for i := range src {
		dst[i] = (src[i] - mean) * scale * weight[i]
	}
	if bias != nil {
		for i := range dst {
			dst[i] += bias[i]
		}
	}
}

// Softmax applies a numerically stable (max-subtracted) softmax to x in
// place.
func Softmax(x []float32) {
	if len(x) == 0 {
		return
	}
	maxv := x[0]
	for i := 1; i < len(x); i++ {
		if x[i] > maxv {
			maxv = x[i]
		}
	}
	var sum float64
	for i := range x {
		v := math.Exp(float64(x[i] - maxv))
		x[i] = float32(v)
		sum += v
	}
	if sum == 0 {
		return
	}
	inv := float32(1.0 / sum)
	for i := range x {
		x[i] *= inv
	}
}

// Sigmoid computes the logistic sigmoid activation.
func Sigmoid(x float32) float32 {
	return float32(1.0 / (1.0 + math.Exp(float64(-x))))
}

// Silu computes the Sigmoid Linear Unit (SiLU) activation.
func Silu(x float32) float32 {
	return x * Sigmoid(x)
}

// Gelu computes the Gaussian Error Linear Unit with the tanh approximation.
func Gelu(x float32) float32 {
	x64 := float64(x)
	return float32(0.5 * x64 * (1.0 + math.Tanh(0.797884560802865*(x64+0.044715*x64*x64*x64))))
}
