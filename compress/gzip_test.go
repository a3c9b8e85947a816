package compress

import (
	"bytes"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestGzipRoundTrip(t *testing.T) {
	tests := []struct {
		name string
		data []byte
	}{
		{
			name: "empty payload",
			data: []byte{},
		},
		{
			name: "short text",
			data: []byte("hello world"),
		},
		{
			name: "repetitive payload compresses",
			data: bytes.Repeat([]byte("attractions near oslo "), 512),
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			compressed, err := Gzip(tt.data)
			require.NoError(t, err)
			got, err := Gunzip(compressed)
			require.NoError(t, err)
			assert.Equal(t, tt.data, got)
		})
	}
}

func TestGzipShrinksRepetitiveData(t *testing.T) {
	data := bytes.Repeat([]byte("0123456789"), 1000)
	compressed, err := Gzip(data)
	require.NoError(t, err)
	assert.Less(t, len(compressed), len(data))
}

func TestGunzipRejectsBadInput(t *testing.T) {
	tests := []struct {
		name string
		data []byte
	}{
		{
			name: "empty input",
			data: []byte{},
		},
		{
			name: "not gzip data",
			data: []byte{1, 2, 3, 4},
		},
		{
			name: "truncated stream",
			data: []byte{31, 139, 8},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := Gunzip(tt.data)
			assert.Error(t, err)
			assert.Nil(t, got)
		})
	}
}
