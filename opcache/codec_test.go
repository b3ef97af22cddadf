package opcache

import (
	"crypto/rand"
	"strings"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestCodecRoundTrip(t *testing.T) {
	c, err := newCodec()
	require.NoError(t, err)
	defer c.close()

	original := []byte(strings.Repeat("the same generated output line\n", 200))

	blob, ok := c.compress(original)
	require.True(t, ok)
	require.Less(t, len(blob), len(original))

	out, err := c.decompress(blob)
	require.NoError(t, err)
	require.Equal(t, original, out)
}

func TestCodecSkipsIncompressibleData(t *testing.T) {
	c, err := newCodec()
	require.NoError(t, err)
	defer c.close()

	data := make([]byte, 64)
	_, err = rand.Read(data)
	require.NoError(t, err)

	_, ok := c.compress(data)
	require.False(t, ok, "compression that does not shrink the payload is skipped")
}

func TestCodecDecompressRejectsGarbage(t *testing.T) {
	c, err := newCodec()
	require.NoError(t, err)
	defer c.close()

	_, err = c.decompress([]byte("definitely not zstd"))
	require.Error(t, err)
}

func TestCodecClosed(t *testing.T) {
	c, err := newCodec()
	require.NoError(t, err)
	c.close()

	_, ok := c.compress([]byte(strings.Repeat("x", 1024)))
	require.False(t, ok)

	_, err = c.decompress([]byte{0x28, 0xb5, 0x2f, 0xfd})
	require.Error(t, err)
}
