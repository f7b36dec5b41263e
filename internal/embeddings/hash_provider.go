package embeddings

import (
	"context"
	"crypto/sha256"
	"encoding/binary"
	"strings"

	pkgembeddings "github.com/cargohub/hub/pkg/embeddings"
)

// HashProvider is a deterministic, offline provider. Each token is hashed to a signed bucket
// (feature hashing), so texts sharing tokens get similar vectors. Used for development and tests.
type HashProvider struct{}

// NewHashProvider creates a HashProvider.
func NewHashProvider() *HashProvider {
	return &HashProvider{}
}

// Name implements Provider.
func (*HashProvider) Name() string { return ProviderHash }

// Embed implements Provider.
func (*HashProvider) Embed(ctx context.Context, model ModelSpec, texts []string) (Batch, error) {
	if err := ctx.Err(); err != nil {
		return Batch{}, err
	}

	out := Batch{Vectors: make([][]float32, len(texts))}

	for i, text := range texts {
		out.Vectors[i] = hashVector(text, model.Dimension)
		out.PromptTokens += EstimateTokens(text)
	}

	return out, nil
}

func hashVector(text string, dim int) []float32 {
	vec := make([]float32, dim)

	for _, token := range strings.Fields(strings.ToLower(text)) {
		sum := sha256.Sum256([]byte(token))
		idx := binary.BigEndian.Uint32(sum[:4]) % uint32(dim) //nolint:gosec // dim is a positive model dimension

		if sum[4]&1 == 0 {
			vec[idx]++
		} else {
			vec[idx]--
		}
	}

	pkgembeddings.NormalizeL2(vec)

	return vec
}
