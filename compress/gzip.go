package compress

import (
	"bytes"
	"compress/gzip"
	"fmt"
	"io"
)

// Gzip compresses data and returns the compressed bytes.
func Gzip(data []byte) ([]byte, error) {
	var buf bytes.Buffer
	w := gzip.NewWriter(&buf)
	if _, err := w.Write(data); err != nil {
		w.Close()
		return nil, fmt.Errorf("error compressing data: %w", err)
	}
	if err := w.Close(); err != nil {
		return nil, fmt.Errorf("error compressing data: %w", err)
	}
	return buf.Bytes(), nil
}

// Gunzip decompresses gzip data and returns the original bytes.
func Gunzip(data []byte) ([]byte, error) {
	r, err := gzip.NewReader(bytes.NewReader(data))
	if err != nil {
		return nil, fmt.Errorf("error decompressing data: %w", err)
	}
	defer r.Close()
	out, err := io.ReadAll(r)
	if err != nil {
		return nil, fmt.Errorf("error decompressing data: %w", err)
	}
	return out, nil
}
