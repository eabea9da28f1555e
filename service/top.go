package service

import (
	"math"
	"sort"
)

// ReduceTop returns the index of the largest logit (first one wins on ties)
// and its softmax probability exp(max) / sum(exp(v)).
//
// The exponentials are not shifted by the max, so very large logits overflow
// and the probability degrades to 0.
func ReduceTop(logits []float32) (Prediction, error) {
	if len(logits) == 0 {
		return Prediction{}, ErrEmptyInput
	}
	top := 0
	best := logits[0]
	for i := 1; i < len(logits); i++ {
		if logits[i] > best {
			best = logits[i]
			top = i
		}
	}
	return Prediction{TopIndex: top, TopProb: softmaxAt(best, expSum(logits))}, nil
}

// TopK returns the k most likely classes, highest first. Equal logits keep
// index order.
func TopK(logits []float32, k int) ([]Prediction, error) {
	if len(logits) == 0 {
		return nil, ErrEmptyInput
	}
	k = min(max(k, 0), len(logits))

	idx := make([]int, len(logits))
	for i := range idx {
		idx[i] = i
	}
	sort.SliceStable(idx, func(a, b int) bool {
		return logits[idx[a]] > logits[idx[b]]
	})

	denom := expSum(logits)
	out := make([]Prediction, 0, k)
	for _, i := range idx[:k] {
		out = append(out, Prediction{TopIndex: i, TopProb: softmaxAt(logits[i], denom)})
	}
	return out, nil
}

func expSum(logits []float32) float64 {
	var sum float64
	for _, v := range logits {
		sum += math.Exp(float64(v))
	}
	return sum
}

func softmaxAt(v float32, denom float64) float64 {
	if denom == 0 || math.IsNaN(denom) || math.IsInf(denom, 0) {
		return 0
	}
	p := math.Exp(float64(v)) / denom
	if math.IsNaN(p) {
		return 0
	}
	return p
}
