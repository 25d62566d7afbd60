package core

import "math"

// Sigmoid computes 1 / (1 + exp(-z)) without overflowing for large |z|.
func Sigmoid(z float64) float64 {
	if z >= 0 {
		return 1 / (1 + math.Exp(-z))
	}
	e := math.Exp(z)
	return e / (1 + e)
}

// LogSigmoid computes log(sigmoid(z)) = -log(1 + exp(-z)).
//
// Rewritten as min(z, 0) - log1p(exp(-|z|)) so exp never sees a large
// positive argument.
func LogSigmoid(z float64) float64 {
	return math.Min(z, 0) - math.Log1p(math.Exp(-math.Abs(z)))
}
