package ml

// Dense evaluates one fully-connected layer as a row vector times the weight matrix:
//
//	out[i] = act(bias[i] + sum_j input[j] * weights[j][i])
//
// weights is indexed [input][output]. The output has len(bias) elements. Shapes are not
// checked here; Model construction guarantees them.
func Dense(input []float64, weights [][]float64, bias []float64, act Activation) []float64 {
	out := make([]float64, len(bias))
	for i := range bias {
		sum := bias[i]
		for j, x := range input {
			// explicit conversion keeps the product rounded (no fused multiply-add)
			sum += float64(x * weights[j][i])
		}
		out[i] = act.Apply(sum)
	}
	return out
}
