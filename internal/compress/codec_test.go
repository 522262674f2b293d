package compress_test

import (
	"bytes"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/JEflyer/CognitionStream-sub000/internal/compress"
)

func TestGzip_RoundTrip(t *testing.T) {
	codec := compress.NewGzip()

	original := bytes.Repeat([]byte("cognition stream "), 200)
	compressed, err := codec.Compress(original)
	require.NoError(t, err)

	// Repetitive input must actually shrink.
	assert.Less(t, len(compressed), len(original))

	restored, err := codec.Decompress(compressed)
	require.NoError(t, err)
	assert.Equal(t, original, restored)
}

func TestGzip_EmptyValue(t *testing.T) {
	codec := compress.NewGzip()

	compressed, err := codec.Compress(nil)
	require.NoError(t, err)

	restored, err := codec.Decompress(compressed)
	require.NoError(t, err)
	assert.Empty(t, restored)
}

func TestGzip_DecompressGarbage(t *testing.T) {
	codec := compress.NewGzip()

	_, err := codec.Decompress([]byte("definitely not gzip"))
	assert.Error(t, err)
}

func TestGzip_InvalidLevel(t *testing.T) {
	codec := &compress.Gzip{Level: 99}

	_, err := codec.Compress([]byte("x"))
	assert.Error(t, err)
}
