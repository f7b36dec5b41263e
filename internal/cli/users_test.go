package cli

import (
	"bytes"
	"crypto/rand"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestGenerateAPIKey(t *testing.T) {
	key, err := generateAPIKey(rand.Reader)
	require.NoError(t, err)
	assert.Len(t, key, apiKeyLength)

	for _, c := range key {
		assert.True(t, strings.ContainsRune(apiKeyCharset, c), "unexpected character %q", c)
	}

	other, err := generateAPIKey(rand.Reader)
	require.NoError(t, err)
	assert.NotEqual(t, key, other)
}

func TestGenerateAPIKey_RejectsBiasedBytes(t *testing.T) {
	// 248 is the first rejected byte for a 62-character charset; 0 maps to 'A' and 63 to 'B'.
	src := append(bytes.Repeat([]byte{255, 248, 0}, apiKeyLength/2), bytes.Repeat([]byte{63}, apiKeyLength/2)...)

	key, err := generateAPIKey(bytes.NewReader(src))
	require.NoError(t, err)
	assert.Equal(t, strings.Repeat("A", apiKeyLength/2)+strings.Repeat("B", apiKeyLength/2), key)
}

func TestGenerateAPIKey_ShortRead(t *testing.T) {
	_, err := generateAPIKey(bytes.NewReader([]byte{1, 2, 3}))
	require.Error(t, err)
}
