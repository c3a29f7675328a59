package store

import (
	"bytes"
	"strings"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/r3e-network/swarm-memory/internal/domain"
)

func TestCodecSkipsSmallValues(t *testing.T) {
	c := NewCodec(domain.CompressionLZ4, 1024)
	out, algo, err := c.Compress([]byte("short value"))
	require.NoError(t, err)
	require.Equal(t, domain.CompressionNone, algo)
	require.Equal(t, []byte("short value"), out)
}

func TestCodecLZ4RoundTrip(t *testing.T) {
	c := NewCodec(domain.CompressionLZ4, 8)
	plaintext := []byte(strings.Repeat("swarm-memory ", 200))

	compressed, algo, err := c.Compress(plaintext)
	require.NoError(t, err)
	require.Equal(t, domain.CompressionLZ4, algo)
	require.Less(t, len(compressed), len(plaintext))

	decompressed, err := c.Decompress(compressed, algo)
	require.NoError(t, err)
	require.True(t, bytes.Equal(plaintext, decompressed))
}

func TestCodecGzipRoundTrip(t *testing.T) {
	c := NewCodec(domain.CompressionGzip, 8)
	plaintext := []byte(strings.Repeat("artifact-blob-", 300))

	compressed, algo, err := c.Compress(plaintext)
	require.NoError(t, err)
	require.Equal(t, domain.CompressionGzip, algo)

	decompressed, err := c.Decompress(compressed, algo)
	require.NoError(t, err)
	require.True(t, bytes.Equal(plaintext, decompressed))
}

func TestCodecFallsBackWhenNotSmaller(t *testing.T) {
	c := NewCodec(domain.CompressionLZ4, 1)
	// High-entropy-ish small input that lz4 cannot shrink.
	plaintext := []byte("x")
	out, algo, err := c.Compress(plaintext)
	require.NoError(t, err)
	require.Equal(t, domain.CompressionNone, algo)
	require.Equal(t, plaintext, out)
}

func TestChecksumVerification(t *testing.T) {
	plaintext := []byte("payload")
	sum := Checksum(plaintext)
	require.True(t, VerifyChecksum(plaintext, sum))
	require.False(t, VerifyChecksum([]byte("tampered"), sum))
}
