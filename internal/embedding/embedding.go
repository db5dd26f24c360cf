package embedding

import (
	"hash/fnv"
	"math"
	"strings"
	"unicode"

	"gonum.org/v1/gonum/floats"
)

// DefaultDim is the embedding dimensionality.
const DefaultDim = 384

// Embedder maps ticket text to a unit-length dense vector. Empty text maps
// to the zero vector so it has zero similarity with everything.
type Embedder interface {
	Embed(subject, body string) []float64
	EmbedBatch(texts []string) [][]float64
	Dim() int
}

// HashingEmbedder is a deterministic feature-hashing embedder: unigram and
// bigram features are hashed into a fixed number of signed buckets and the
// result is L2-normalized. It stands in for the sentence-embedding model,
// which is a black box as far as the dedup engine is concerned; all the
// engine relies on is unit length and determinism.
type HashingEmbedder struct {
	dim int
}

// NewHashingEmbedder creates an embedder with the given dimensionality.
// Non-positive dims fall back to DefaultDim.
func NewHashingEmbedder(dim int) *HashingEmbedder {
	if dim <= 0 {
		dim = DefaultDim
	}
	return &HashingEmbedder{dim: dim}
}

// Dim returns the vector dimensionality.
func (e *HashingEmbedder) Dim() int { return e.dim }

// Embed embeds subject and body into a single unit vector.
func (e *HashingEmbedder) Embed(subject, body string) []float64 {
	return e.embedText(strings.TrimSpace(subject + " " + body))
}

// EmbedBatch embeds each text independently; equivalent to per-item Embed.
func (e *HashingEmbedder) EmbedBatch(texts []string) [][]float64 {
	out := make([][]float64, len(texts))
	for i, text := range texts {
		out[i] = e.embedText(strings.TrimSpace(text))
	}
	return out
}

func (e *HashingEmbedder) embedText(text string) []float64 {
	vec := make([]float64, e.dim)
	if text == "" {
		return vec
	}

	tokens := tokenize(text)
	for i, tok := range tokens {
		addFeature(vec, tok)
		if i+1 < len(tokens) {
			addFeature(vec, tok+" "+tokens[i+1])
		}
	}

	if norm := floats.Norm(vec, 2); norm > 0 {
		floats.Scale(1/norm, vec)
	}
	return vec
}

// addFeature hashes the feature into a bucket; one hash bit picks the sign
// so colliding features cancel rather than pile up.
func addFeature(vec []float64, feature string) {
	h := fnv.New64a()
	h.Write([]byte(feature))
	sum := h.Sum64()
	idx := int(sum % uint64(len(vec)))
	if sum&(1<<63) != 0 {
		vec[idx] -= 1
	} else {
		vec[idx] += 1
	}
}

func tokenize(text string) []string {
	return strings.FieldsFunc(strings.ToLower(text), func(r rune) bool {
		return !unicode.IsLetter(r) && !unicode.IsDigit(r)
	})
}

// Cosine returns the cosine similarity of two vectors, assuming both are
// already unit length so it reduces to a clamped dot product. Mismatched
// or empty vectors score zero. Rounded to 6 decimals so equality checks
// against stored similarities are stable.
func Cosine(a, b []float64) float64 {
	if len(a) == 0 || len(a) != len(b) {
		return 0
	}
	dot := floats.Dot(a, b)
	dot = math.Min(1.0, math.Max(-1.0, dot))
	return math.Round(dot*1e6) / 1e6
}
