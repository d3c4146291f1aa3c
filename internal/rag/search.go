package rag

import (
	"math"
	"slices"
)

// DefaultTopK is the number of chunks used to ground an answer when no
// explicit value is configured.
const DefaultTopK = 5

// Scored pairs a chunk with its similarity to a query.
type Scored struct {
	// Chunk is the candidate passage.
	Chunk Chunk
	// Score is the cosine similarity in [-1, 1].
	Score float64
}

// Cosine returns the cosine similarity of a and b. Vectors of different
// length, empty vectors and zero-magnitude vectors have similarity 0.
func Cosine(a, b []float32) float64 {
	if len(a) == 0 || len(a) != len(b) {
		return 0
	}
	var dot, na, nb float64
	for i := range a {
		x, y := float64(a[i]), float64(b[i])
		dot += x * y
		na += x * x
		nb += y * y
	}
	if na == 0 || nb == 0 {
		return 0
	}
	return dot / (math.Sqrt(na) * math.Sqrt(nb))
}

// TopK scores every candidate against query and returns the k most similar,
// highest first. Equal scores are ordered by ascending chunk index, then by
// document id, so results are deterministic. Candidates whose dimension
// differs from the query are skipped. k <= 0 or k >= len(candidates) returns
// every eligible candidate. An empty candidate set returns an empty result.
func TopK(query []float32, candidates []Chunk, k int) []Scored {
	scored := make([]Scored, 0, len(candidates))
	for _, c := range candidates {
		if len(c.Embedding) != len(query) {
			continue
		}
		scored = append(scored, Scored{Chunk: c, Score: Cosine(query, c.Embedding)})
	}

	slices.SortStableFunc(scored, func(a, b Scored) int {
		switch {
		case a.Score > b.Score:
			return -1
		case a.Score < b.Score:
			return 1
		case a.Chunk.Index != b.Chunk.Index:
			return a.Chunk.Index - b.Chunk.Index
		}
		switch {
		case a.Chunk.DocumentID < b.Chunk.DocumentID:
			return -1
		case a.Chunk.DocumentID > b.Chunk.DocumentID:
			return 1
		}
		return 0
	})

	if k > 0 && k < len(scored) {
		scored = scored[:k]
	}
	return scored
}
