// Package embedding defines the narrow interface the chat memory engine
// uses to obtain text embeddings, plus cosine similarity. The production
// model client implements Embedder externally; Local is the deterministic
// offline fallback.
package embedding

import (
	"context"
	"hash/fnv"
	"math"
	"strings"
	"unicode"
)

// Embedder produces a vector for a text. Implementations must be
// deterministic within a model version. Failures are tolerated by callers.
type Embedder interface {
	Embed(ctx context.Context, text string) ([]float64, error)
}

// Cosine returns the cosine similarity of a and b in [-1, 1].
// Mismatched or zero-length vectors yield 0.
func Cosine(a, b []float64) float64 {
	if len(a) == 0 || len(a) != len(b) {
		return 0
	}
	var dot, na, nb float64
	for i := range a {
		dot += a[i] * b[i]
		na += a[i] * a[i]
		nb += b[i] * b[i]
	}
	if na == 0 || nb == 0 {
		return 0
	}
	return dot / (math.Sqrt(na) * math.Sqrt(nb))
}

// DefaultDims is the dimensionality of the local embedder.
const DefaultDims = 256

// Local is a deterministic hashed bag-of-words embedder. It keeps semantic
// search functional when no model client is configured.
type Local struct {
	dims int
}

// NewLocal creates a local embedder.
func NewLocal() *Local {
	return &Local{dims: DefaultDims}
}

// Embed hashes lowercase word tokens into a fixed-size count vector and
// L2-normalizes it.
func (l *Local) Embed(_ context.Context, text string) ([]float64, error) {
	vec := make([]float64, l.dims)
	for _, tok := range tokenize(text) {
		h := fnv.New32a()
		_, _ = h.Write([]byte(tok))
		vec[int(h.Sum32())%l.dims]++
	}

	var norm float64
	for _, v := range vec {
		norm += v * v
	}
	if norm > 0 {
		norm = math.Sqrt(norm)
		for i := range vec {
			vec[i] /= norm
		}
	}
	return vec, nil
}

// tokenize splits text into lowercase alphanumeric runs.
func tokenize(text string) []string {
	return strings.FieldsFunc(strings.ToLower(text), func(r rune) bool {
		return !unicode.IsLetter(r) && !unicode.IsDigit(r)
	})
}
