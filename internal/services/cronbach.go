package services

// CronbachAlpha computes Cronbach's alpha over an answer matrix shaped
// [respondents][questions]. Population variance is used for both item and
// total variance, so perfectly correlated questions yield 1.0. The result is
// clamped to [0, 1]; ragged rows or fewer than two questions give 0.
func CronbachAlpha(matrix [][]float64) float64 {
	n := len(matrix)
	if n == 0 {
		return 0
	}
	k := len(matrix[0])
	if k < 2 {
		return 0
	}

	means := make([]float64, k)
	totals := make([]float64, n)
	for i, row := range matrix {
		if len(row) != k {
			return 0
		}
		for j, v := range row {
			means[j] += v
			totals[i] += v
		}
	}
	for j := range means {
		means[j] /= float64(n)
	}

	var sumItemVars float64
	for j := 0; j < k; j++ {
		sumItemVars += populationVariance(column(matrix, j), means[j])
	}
	totalVar := populationVariance(totals, mean(totals))
	if totalVar == 0 {
		return 0
	}

	kf := float64(k)
	alpha := (kf / (kf - 1.0)) * (1.0 - sumItemVars/totalVar)
	switch {
	case alpha < 0:
		return 0
	case alpha > 1:
		return 1
	}
	return alpha
}

func column(matrix [][]float64, j int) []float64 {
	out := make([]float64, len(matrix))
	for i, row := range matrix {
		out[i] = row[j]
	}
	return out
}

func mean(xs []float64) float64 {
	if len(xs) == 0 {
		return 0
	}
	var sum float64
	for _, x := range xs {
		sum += x
	}
	return sum / float64(len(xs))
}

func populationVariance(xs []float64, m float64) float64 {
	if len(xs) == 0 {
		return 0
	}
	var sum float64
	for _, x := range xs {
		d := x - m
		sum += d * d
	}
	return sum / float64(len(xs))
}
