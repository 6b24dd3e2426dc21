// Package vecmath holds the small amount of vector arithmetic the service
// does locally. Nearest-neighbour search itself is left to the index.
package vecmath

import "math"

// Cosine returns dot(a,b) / (|a|*|b|). It is 0 when either vector has zero
// magnitude or the lengths differ, so a zero vector is never similar.
func Cosine(a, b []float32) float64 {
	if len(a) != len(b) || len(a) == 0 {
		return 0
	}

	var dot, normA, normB float64
	for i := range a {
		dot += float64(a[i]) * float64(b[i])
		normA += float64(a[i]) * float64(a[i])
		normB += float64(b[i]) * float64(b[i])
	}

	if normA == 0 || normB == 0 {
		return 0
	}
	return dot / (math.Sqrt(normA) * math.Sqrt(normB))
}
