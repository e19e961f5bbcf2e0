package identity

import (
	"errors"
	"fmt"
	"sort"

	"gonum.org/v1/gonum/floats"
)

// Added to the norm before dividing, so that a zero vector doesn't produce NaNs
const normEpsilon = 1e-6

var ErrDimensionMismatch = errors.New("Embedding dimension mismatch")

// Normalize scales v in place to unit length (v / (|v| + epsilon)), and returns v
func Normalize(v []float64) []float64 {
	floats.Scale(1/(floats.Norm(v, 2)+normEpsilon), v)
	return v
}

// CosineSimilarity of two unit vectors is their dot product
func CosineSimilarity(a, b []float64) float64 {
	return floats.Dot(a, b)
}

// Gallery holds one appearance embedding per known identity.
// Entries are always unit length.
// A Gallery is owned by one camera group, and is not safe for concurrent use.
type Gallery struct {
	entries map[string][]float64
	names   []string // sorted, so that matching is deterministic when similarities tie
}

func NewGallery() *Gallery {
	return &Gallery{
		entries: map[string][]float64{},
	}
}

func (g *Gallery) Len() int {
	return len(g.entries)
}

// Get returns the embedding of a name, or nil
func (g *Gallery) Get(name string) []float64 {
	return g.entries[name]
}

// Update folds sample into the embedding for name, using new = alpha*old + (1-alpha)*sample,
// and re-normalizes. If name is not yet in the gallery, it is created from sample.
func (g *Gallery) Update(name string, sample []float64, alpha float64) error {
	old, ok := g.entries[name]
	if !ok {
		g.entries[name] = Normalize(append([]float64(nil), sample...))
		i := sort.SearchStrings(g.names, name)
		g.names = append(g.names, "")
		copy(g.names[i+1:], g.names[i:])
		g.names[i] = name
		return nil
	}
	return g.blend(old, sample, alpha)
}

// Drift is like Update, but only touches names that are already in the gallery.
// Returns false if name is unknown.
func (g *Gallery) Drift(name string, sample []float64, alpha float64) (bool, error) {
	old, ok := g.entries[name]
	if !ok {
		return false, nil
	}
	return true, g.blend(old, sample, alpha)
}

func (g *Gallery) blend(old, sample []float64, alpha float64) error {
	if len(old) != len(sample) {
		return fmt.Errorf("%w: gallery has %v, sample has %v", ErrDimensionMismatch, len(old), len(sample))
	}
	floats.Scale(alpha, old)
	floats.AddScaled(old, 1-alpha, sample)
	Normalize(old)
	return nil
}

// Best returns the gallery entry most similar to sample.
// ok is false if the gallery has no entry of the same dimension.
func (g *Gallery) Best(sample []float64) (name string, similarity float64, ok bool) {
	for _, n := range g.names {
		e := g.entries[n]
		if len(e) != len(sample) {
			continue
		}
		s := CosineSimilarity(e, sample)
		if !ok || s > similarity {
			name = n
			similarity = s
			ok = true
		}
	}
	return
}
