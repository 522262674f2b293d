package compress

import (
	"bytes"
	"compress/gzip"
	"fmt"
	"io"
)

// Codec is the compression collaborator contract. Implementations must be
// deterministic and lossless; the engine treats the codec as a black box
// and only tags records with a compressed flag.
type Codec interface {
	Compress(value []byte) ([]byte, error)
	Decompress(data []byte) ([]byte, error)
}

// Gzip is the default codec.
type Gzip struct {
	Level int
}

// NewGzip returns a gzip codec at the default compression level.
func NewGzip() *Gzip {
	return &Gzip{Level: gzip.DefaultCompression}
}

// Compress gzips the value.
func (g *Gzip) Compress(value []byte) ([]byte, error) {
	var buf bytes.Buffer
	w, err := gzip.NewWriterLevel(&buf, g.Level)
	if err != nil {
		return nil, fmt.Errorf("invalid compression level %d: %w", g.Level, err)
	}
	if _, err := w.Write(value); err != nil {
		return nil, fmt.Errorf("compress: %w", err)
	}
	if err := w.Close(); err != nil {
		return nil, fmt.Errorf("compress: %w", err)
	}
	return buf.Bytes(), nil
}

// Decompress reverses Compress.
func (g *Gzip) Decompress(data []byte) ([]byte, error) {
	r, err := gzip.NewReader(bytes.NewReader(data))
	if err != nil {
		return nil, fmt.Errorf("decompress: %w", err)
	}
	defer r.Close()

	out, err := io.ReadAll(r)
	if err != nil {
		return nil, fmt.Errorf("decompress: %w", err)
	}
	return out, nil
}
