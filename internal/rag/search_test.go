package rag

import (
	"math"
	"testing"
)

func TestCosine(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name string
		a, b []float32
		want float64
	}{
		{"identical", []float32{1, 2, 3}, []float32{1, 2, 3}, 1},
		{"opposite", []float32{1, 0}, []float32{-1, 0}, -1},
		{"orthogonal", []float32{1, 0}, []float32{0, 1}, 0},
		{"scaled", []float32{1, 1}, []float32{5, 5}, 1},
		{"zero magnitude", []float32{0, 0}, []float32{1, 1}, 0},
		{"length mismatch", []float32{1, 2}, []float32{1, 2, 3}, 0},
		{"empty", nil, nil, 0},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()
			if got := Cosine(tc.a, tc.b); math.Abs(got-tc.want) > 1e-9 {
				t.Errorf("Cosine = %v, want %v", got, tc.want)
			}
		})
	}
}

func TestTopK_OrdersBySimilarity(t *testing.T) {
	t.Parallel()

	candidates := []Chunk{
		{ID: "far", Index: 0, Embedding: []float32{0, 1}},
		{ID: "near", Index: 1, Embedding: []float32{1, 0.1}},
		{ID: "mid", Index: 2, Embedding: []float32{1, 1}},
	}
	got := TopK([]float32{1, 0}, candidates, 2)

	if len(got) != 2 {
		t.Fatalf("want 2 results, got %d", len(got))
	}
	if got[0].Chunk.ID != "near" || got[1].Chunk.ID != "mid" {
		t.Errorf("order = [%s %s], want [near mid]", got[0].Chunk.ID, got[1].Chunk.ID)
	}
	if got[0].Score < got[1].Score {
		t.Error("scores must be descending")
	}
}

func TestTopK_TiesBrokenByLowerIndex(t *testing.T) {
	t.Parallel()

	candidates := []Chunk{
		{ID: "c7", Index: 7, Embedding: []float32{2, 0}},
		{ID: "c3", Index: 3, Embedding: []float32{1, 0}},
		{ID: "c5", Index: 5, Embedding: []float32{3, 0}},
	}
	got := TopK([]float32{1, 0}, candidates, 3)

	want := []string{"c3", "c5", "c7"}
	for i, id := range want {
		if got[i].Chunk.ID != id {
			t.Errorf("result %d = %s, want %s", i, got[i].Chunk.ID, id)
		}
	}
}

func TestTopK_KLargerThanCandidates(t *testing.T) {
	t.Parallel()

	candidates := []Chunk{
		{ID: "a", Index: 0, Embedding: []float32{0, 1}},
		{ID: "b", Index: 1, Embedding: []float32{1, 0}},
	}
	got := TopK([]float32{1, 0}, candidates, 10)
	if len(got) != 2 {
		t.Fatalf("want all 2 candidates, got %d", len(got))
	}
	if got[0].Chunk.ID != "b" {
		t.Errorf("first result = %s, want b", got[0].Chunk.ID)
	}
}

func TestTopK_EmptyAndMismatched(t *testing.T) {
	t.Parallel()

	if got := TopK([]float32{1, 0}, nil, 5); len(got) != 0 {
		t.Errorf("empty candidates: want 0 results, got %d", len(got))
	}

	candidates := []Chunk{
		{ID: "wrong-dim", Embedding: []float32{1, 0, 0}},
		{ID: "ok", Embedding: []float32{1, 0}},
	}
	got := TopK([]float32{1, 0}, candidates, 5)
	if len(got) != 1 || got[0].Chunk.ID != "ok" {
		t.Errorf("want only the matching-dimension candidate, got %+v", got)
	}
}
