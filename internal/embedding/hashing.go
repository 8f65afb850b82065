package embedding

import (
	"context"
	"fmt"
	"hash/fnv"
	"math"
	"strings"
	"unicode"
)

// Hashing is a deterministic, offline provider: each lowercase word is hashed
// into one of Dim buckets and the result is L2-normalised. Texts that share
// words end up close under cosine distance. It backs tests and air-gapped
// deployments that still want a dense ranking.
type Hashing struct {
	Dim int
}

// NewHashing returns a Hashing provider of dimension dim (default 64).
func NewHashing(dim int) *Hashing {
	if dim <= 0 {
		dim = 64
	}
	return &Hashing{Dim: dim}
}

func (h *Hashing) Model() string  { return fmt.Sprintf("hashing-%d", h.Dim) }
func (h *Hashing) Dimension() int { return h.Dim }

func (h *Hashing) Embed(ctx context.Context, texts []string) ([][]float32, error) {
	out := make([][]float32, len(texts))
	for i, t := range texts {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		out[i] = h.vector(t)
	}
	return out, nil
}

func (h *Hashing) vector(text string) []float32 {
	v := make([]float32, h.Dim)
	words := strings.FieldsFunc(strings.ToLower(text), func(r rune) bool {
		return !unicode.IsLetter(r) && !unicode.IsDigit(r)
	})
	for _, w := range words {
		f := fnv.New32a()
		_, _ = f.Write([]byte(w))
		v[f.Sum32()%uint32(h.Dim)]++
	}
	var norm float64
	for _, x := range v {
		norm += float64(x * x)
	}
	if norm == 0 {
		v[0] = 1
		return v
	}
	n := float32(math.Sqrt(norm))
	for i := range v {
		v[i] /= n
	}
	return v
}
