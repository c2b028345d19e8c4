// Package semantic detects duplicated or conflicting work between
// intents: same target branch, different plans, high embedding
// similarity. Embedding generation is pluggable; the deterministic
// hash provider ships as the dependency-free default.
package semantic

import (
	"crypto/sha256"
	"encoding/binary"
	"fmt"
	"math"
)

// Provider turns text into a fixed-dimension vector. Implementations
// must be deterministic per model name: the stored vectors are compared
// across processes and restarts.
type Provider interface {
	ModelName() string
	Dimension() int
	Embed(text string) ([]float32, error)
}

const (
	deterministicModel     = "deterministic-v1"
	deterministicDimension = 64
)

// DeterministicProvider expands SHA-256 over the input into a unit
// vector. Identical text gives identical vectors (similarity 1.0), so
// it catches exact-duplicate intents without any ML dependency. Real
// paraphrase similarity needs an external provider.
type DeterministicProvider struct {
	dimension int
}

var _ Provider = (*DeterministicProvider)(nil)

// NewDeterministicProvider builds the hash provider. dimension <= 0
// uses the default 64.
func NewDeterministicProvider(dimension int) *DeterministicProvider {
	if dimension <= 0 {
		dimension = deterministicDimension
	}
	return &DeterministicProvider{dimension: dimension}
}

func (p *DeterministicProvider) ModelName() string { return deterministicModel }

func (p *DeterministicProvider) Dimension() int { return p.dimension }

// Embed expands the hash stream to dimension float32 values in [-1, 1]
// and L2-normalizes.
func (p *DeterministicProvider) Embed(text string) ([]float32, error) {
	raw := make([]byte, 0, p.dimension*4+sha256.Size)
	for i := 0; len(raw) < p.dimension*4; i++ {
		sum := sha256.Sum256([]byte(fmt.Sprintf("%s:%d", text, i)))
		raw = append(raw, sum[:]...)
	}

	vec := make([]float64, p.dimension)
	var norm float64
	for j := 0; j < p.dimension; j++ {
		v := binary.BigEndian.Uint32(raw[j*4:])
		f := float64(v)/float64(1<<32)*2 - 1
		vec[j] = f
		norm += f * f
	}
	norm = math.Sqrt(norm)

	out := make([]float32, p.dimension)
	for j, f := range vec {
		if norm > 0 {
			f /= norm
		}
		out[j] = float32(f)
	}
	return out, nil
}

// CosineSimilarity of two vectors. Mismatched or empty vectors score 0.
func CosineSimilarity(a, b []float32) float64 {
	if len(a) != len(b) || len(a) == 0 {
		return 0
	}
	var dot, na, nb float64
	for i := range a {
		dot += float64(a[i]) * float64(b[i])
		na += float64(a[i]) * float64(a[i])
		nb += float64(b[i]) * float64(b[i])
	}
	if na == 0 || nb == 0 {
		return 0
	}
	return dot / (math.Sqrt(na) * math.Sqrt(nb))
}
