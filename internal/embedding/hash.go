package embedding

import (
	"context"
	"crypto/sha256"
	"encoding/binary"
	"math"
	"regexp"
	"strings"
)

var tokenRe = regexp.MustCompile(`[a-zA-Zа-яА-Я0-9_]+`)

// HashProvider is a deterministic bag-of-tokens embedder. Each token is
// hashed into a fixed-dimension signed bucket and the vector is
// L2-normalized. It needs no external service and the same text always
// maps to the same vector.
type HashProvider struct {
	dimension int
}

// NewHashProvider creates a hash embedder with the given dimension.
func NewHashProvider(dimension int) *HashProvider {
	if dimension <= 0 {
		dimension = 128
	}
	return &HashProvider{dimension: dimension}
}

// Embed maps each text to its normalized bag-of-tokens vector.
func (p *HashProvider) Embed(_ context.Context, texts []string) ([][]float32, error) {
	if len(texts) == 0 {
		return nil, nil
	}
	vectors := make([][]float32, len(texts))
	for i, text := range texts {
		vectors[i] = p.embedOne(text)
	}
	return vectors, nil
}

func (p *HashProvider) embedOne(text string) []float32 {
	vec := make([]float32, p.dimension)
	tokens := tokenRe.FindAllString(strings.ToLower(text), -1)
	if len(tokens) == 0 {
		return vec
	}

	for _, token := range tokens {
		h := sha256.Sum256([]byte(token))
		idx := binary.BigEndian.Uint32(h[:4]) % uint32(p.dimension)
		sign := float32(1)
		if h[4]%2 != 0 {
			sign = -1
		}
		vec[idx] += sign
	}

	var norm float64
	for _, v := range vec {
		norm += float64(v) * float64(v)
	}
	if norm == 0 {
		return vec
	}
	inv := float32(1 / math.Sqrt(norm))
	for i := range vec {
		vec[i] *= inv
	}
	return vec
}

// Dimension returns the fixed embedding dimension.
func (p *HashProvider) Dimension() int {
	return p.dimension
}
