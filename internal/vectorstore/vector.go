package vectorstore

import (
	"fmt"
	"math"
)

// checkVector rejects embeddings that cannot be normalised.
func checkVector(vector []float32) error {
	if len(vector) == 0 {
		return fmt.Errorf("empty vector")
	}
	var norm float64
	for i, value := range vector {
		v := float64(value)
		if math.IsNaN(v) || math.IsInf(v, 0) {
			return fmt.Errorf("invalid value at index %d", i)
		}
		norm += v * v
	}
	if norm == 0 {
		return fmt.Errorf("zero vector norm")
	}
	return nil
}
