package vec

import (
	"math"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestEncodeDecodeRoundTrip(t *testing.T) {
	v := []float32{0.25, -1.5, 3.75, 0}
	decoded, err := Decode(Encode(v))
	require.NoError(t, err)
	assert.Equal(t, v, decoded)
}

func TestDecodeRejectsGarbage(t *testing.T) {
	_, err := Decode([]byte{1, 2})
	assert.ErrorIs(t, err, ErrInvalidBlob)

	// Length prefix disagreeing with payload size.
	blob := Encode([]float32{1, 2, 3})
	_, err = Decode(blob[:len(blob)-4])
	assert.ErrorIs(t, err, ErrInvalidBlob)
}

func TestNormalize(t *testing.T) {
	v := Normalize([]float32{3, 4})
	assert.InDelta(t, 1.0, Norm(v), 1e-4)
	assert.InDelta(t, 0.6, float64(v[0]), 1e-6)
	assert.InDelta(t, 0.8, float64(v[1]), 1e-6)

	zero := []float32{0, 0, 0}
	assert.Equal(t, zero, Normalize(zero))
}

func TestCosineSimilarity(t *testing.T) {
	a := []float32{1, 0}
	b := []float32{0, 1}

	assert.InDelta(t, 1.0, CosineSimilarity(a, a), 1e-9)
	assert.InDelta(t, 0.0, CosineSimilarity(a, b), 1e-9)
	assert.InDelta(t, -1.0, CosineSimilarity(a, []float32{-1, 0}), 1e-9)
	assert.Equal(t, 0.0, CosineSimilarity(a, []float32{1, 2, 3}), "mismatched dims")
	assert.InDelta(t, 2.0, CosineDistance(a, []float32{-1, 0}), 1e-9)
}

func TestIsFinite(t *testing.T) {
	assert.True(t, IsFinite([]float32{1, -2, 0.5}))
	assert.False(t, IsFinite([]float32{1, float32(math.NaN())}))
	assert.False(t, IsFinite([]float32{float32(math.Inf(1))}))
}
