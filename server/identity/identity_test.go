package identity

import (
	"math"
	"math/rand"
	"testing"

	"github.com/cyclopcam/logs"
	"github.com/stretchr/testify/require"
	"gonum.org/v1/gonum/floats"
)

func newResolver(t *testing.T) *Resolver {
	return NewResolver(logs.NewTestingLog(t), DefaultSettings())
}

func unit(v ...float64) []float64 {
	return Normalize(append([]float64(nil), v...))
}

func TestConfirmOnce(t *testing.T) {
	r := newResolver(t)
	nConfirm := 0
	for i := 0; i < 10; i++ {
		res := r.Update(1, "Ana", nil)
		if res.Confirmed {
			nConfirm++
			require.Equal(t, 2, i) // MinMatches = 3
			require.Equal(t, MethodFace, res.Method)
		}
		if i < 2 {
			require.Equal(t, Unknown, res.Name)
		} else {
			require.Equal(t, "Ana", res.Name)
		}
	}
	require.Equal(t, 1, nConfirm)
	require.Equal(t, "Ana", r.Name(1))
}

func TestDifferingMatchResetsVotes(t *testing.T) {
	r := newResolver(t)
	for i := 0; i < 2; i++ {
		require.False(t, r.Update(1, "Ana", nil).Confirmed)
	}
	require.False(t, r.Update(1, "Bob", nil).Confirmed)
	require.False(t, r.Update(1, "Bob", nil).Confirmed)
	require.Equal(t, Unknown, r.Name(1))
	// Bob's 3rd consecutive match confirms
	require.True(t, r.Update(1, "Bob", nil).Confirmed)
}

func TestUnknownFaceDoesNotVote(t *testing.T) {
	r := newResolver(t)
	r.Update(1, "Ana", nil)
	r.Update(1, Unknown, nil)
	r.Update(1, "", nil)
	r.Update(1, "Ana", nil)
	require.True(t, r.Update(1, "Ana", nil).Confirmed)
}

func TestIdentityChange(t *testing.T) {
	r := newResolver(t)
	for i := 0; i < 3; i++ {
		r.Update(1, "Ana", nil)
	}
	require.Equal(t, "Ana", r.Name(1))
	r.Update(1, "Bob", nil)
	r.Update(1, "Bob", nil)
	require.Equal(t, "Ana", r.Name(1))
	res := r.Update(1, "Bob", nil)
	require.True(t, res.Confirmed)
	require.Equal(t, "Ana", res.Previous)
	require.Equal(t, "Bob", r.Name(1))
}

func TestShouldVerify(t *testing.T) {
	r := newResolver(t)
	require.True(t, r.ShouldVerify(100005, 5, 1))
	for i := 0; i < 3; i++ {
		r.Update(100005, "Ana", nil)
	}
	n := 0
	for frame := int64(1); frame <= 90; frame++ {
		if r.ShouldVerify(100005, 5, frame) {
			n++
			require.Equal(t, int64(0), (frame+5)%30)
		}
	}
	require.Equal(t, 3, n)
}

func TestFaceConfirmationSeedsGallery(t *testing.T) {
	r := newResolver(t)
	emb := unit(1, 0, 0)
	r.Update(1, "Ana", emb)
	r.Update(1, "Ana", emb)
	require.Equal(t, 0, r.Gallery().Len())
	r.Update(1, "Ana", emb)
	require.Equal(t, 1, r.Gallery().Len())
	require.InDeltaSlice(t, emb, r.Gallery().Get("Ana"), 1e-5)
}

func TestAppearanceThresholdIsExclusive(t *testing.T) {
	settings := DefaultSettings()
	r := NewResolver(logs.NewTestingLog(t), settings)
	for i := 0; i < 3; i++ {
		r.Update(1, "Ana", unit(1, 0))
	}
	ana := r.Gallery().Get("Ana")

	// Build a sample whose similarity to Ana's entry is exactly the threshold,
	// then set the threshold to that exact value.
	sample := unit(0.75, math.Sqrt(1-0.75*0.75))
	exact := CosineSimilarity(ana, sample)
	r.settings.SimilarityThreshold = exact

	res := r.Update(2, "", sample)
	require.False(t, res.Confirmed)
	require.Equal(t, Unknown, res.Name)
	require.Equal(t, exact, res.Similarity)

	r.settings.SimilarityThreshold = math.Nextafter(exact, 0)
	res = r.Update(2, "", sample)
	require.True(t, res.Confirmed)
	require.Equal(t, MethodAppearance, res.Method)
	require.Equal(t, "Ana", r.Name(2))
}

func TestAppearanceMatchWithoutFace(t *testing.T) {
	r := newResolver(t)
	for i := 0; i < 3; i++ {
		r.Update(1, "Ana", unit(1, 0.1, 0))
	}
	for i := 0; i < 3; i++ {
		r.Update(2, "Bob", unit(0, 1, 0.1))
	}
	res := r.Update(3, Unknown, unit(0.95, 0.05, 0.05))
	require.True(t, res.Confirmed)
	require.Equal(t, "Ana", res.Name)

	// Below threshold: stays unknown
	res = r.Update(4, Unknown, unit(0, 0, 1))
	require.False(t, res.Confirmed)
	require.Equal(t, Unknown, r.Name(4))

	// No embedding: appearance path skipped, but face voting still works
	res = r.Update(5, Unknown, nil)
	require.Equal(t, 0.0, res.Similarity)
	require.Equal(t, Unknown, res.Name)
}

func TestGalleryStaysUnitNorm(t *testing.T) {
	rng := rand.New(rand.NewSource(1))
	randomVec := func() []float64 {
		v := make([]float64, 64)
		for i := range v {
			v[i] = rng.NormFloat64()
		}
		return v
	}
	g := NewGallery()
	require.NoError(t, g.Update("Ana", randomVec(), 0.5))
	require.InDelta(t, 1.0, floats.Norm(g.Get("Ana"), 2), 1e-5)
	for _, alpha := range []float64{0.01, 0.1, 0.5, 0.9, 0.95, 0.98, 0.999} {
		for i := 0; i < 20; i++ {
			require.NoError(t, g.Update("Ana", randomVec(), alpha))
			require.InDelta(t, 1.0, floats.Norm(g.Get("Ana"), 2), 1e-5)
			ok, err := g.Drift("Ana", randomVec(), alpha)
			require.True(t, ok)
			require.NoError(t, err)
			require.InDelta(t, 1.0, floats.Norm(g.Get("Ana"), 2), 1e-5)
		}
	}
	ok, err := g.Drift("Nobody", randomVec(), 0.5)
	require.False(t, ok)
	require.NoError(t, err)
	require.ErrorIs(t, g.Update("Ana", []float64{1, 2}, 0.5), ErrDimensionMismatch)
}

func TestDriftUpdate(t *testing.T) {
	r := newResolver(t)
	for i := 0; i < 3; i++ {
		r.Update(1, "Ana", unit(1, 0))
	}
	before := append([]float64(nil), r.Gallery().Get("Ana")...)
	// Confirmed, no new face result: the drift update nudges the entry slightly
	r.Update(1, "", unit(0, 1))
	after := r.Gallery().Get("Ana")
	require.Greater(t, after[1], before[1])
	require.Greater(t, CosineSimilarity(before, after), 0.99)
}

func TestForget(t *testing.T) {
	r := newResolver(t)
	for i := 0; i < 3; i++ {
		r.Update(1, "Ana", unit(1, 0))
	}
	r.Update(2, "Bob", nil)
	require.Equal(t, 2, r.NumTracks())
	r.Forget(1)
	r.Forget(2)
	require.Equal(t, 0, r.NumTracks())
	require.Equal(t, Unknown, r.Name(1))
	require.Equal(t, 1, r.Gallery().Len())
}
