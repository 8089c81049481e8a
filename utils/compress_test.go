package utils

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCompressRoundTrip(t *testing.T) {
	original := []byte(strings.Repeat("trend report: oversized blazers ", 100))

	packed, err := Compress(original)
	require.NoError(t, err)
	assert.Less(t, len(packed), len(original))

	unpacked, err := Decompress(packed)
	require.NoError(t, err)
	assert.Equal(t, original, unpacked)
}

func TestCompressEmpty(t *testing.T) {
	packed, err := Compress(nil)
	require.NoError(t, err)

	unpacked, err := Decompress(packed)
	require.NoError(t, err)
	assert.Empty(t, unpacked)
}

func TestDecompressGarbage(t *testing.T) {
	_, err := Decompress([]byte("definitely not brotli"))
	require.Error(t, err)
}
