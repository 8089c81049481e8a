package utils

import (
	"bytes"
	"io"
	"sync"

	"github.com/andybalholm/brotli"
)

const (
	// CompressionThreshold is the payload size above which persistent
	// backends compress the serialized value before writing it.
	CompressionThreshold = 1024
	compressionLevel     = 6
)

var brotliWriterPool = sync.Pool{
	New: func() interface{} {
		return brotli.NewWriterLevel(io.Discard, compressionLevel)
	},
}

func Compress(data []byte) ([]byte, error) {
	var buf bytes.Buffer
	buf.Grow(len(data) / 2)

	w := brotliWriterPool.Get().(*brotli.Writer)
	defer brotliWriterPool.Put(w)

	w.Reset(&buf)
	if _, err := w.Write(data); err != nil {
		return nil, err
	}
	if err := w.Close(); err != nil {
		return nil, err
	}

	return buf.Bytes(), nil
}

func Decompress(data []byte) ([]byte, error) {
	r := brotli.NewReader(bytes.NewReader(data))
	return io.ReadAll(r)
}
