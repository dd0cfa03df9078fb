package codec

import (
	"bytes"
	"errors"
	"io"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestBase64_BinaryRoundTrip(t *testing.T) {
	payload := []byte{0x00, 0xff, '\n', 'a', 0x7f, '\r', 0x80, '\'', '"'}

	decoded, err := DecodeBase64(EncodeBase64(payload))
	require.NoError(t, err)
	assert.Equal(t, payload, decoded)
}

func TestDecodeBase64_IgnoresWhitespace(t *testing.T) {
	// coreutils base64 wraps at 76 columns.
	data := bytes.Repeat([]byte("polybox"), 40)
	encoded := EncodeBase64(data)
	var wrapped strings.Builder
	for i := 0; i < len(encoded); i += 76 {
		wrapped.WriteString(encoded[i:min(i+76, len(encoded))])
		wrapped.WriteString("\n")
	}

	decoded, err := DecodeBase64(" " + wrapped.String() + "\r\n")
	require.NoError(t, err)
	assert.Equal(t, data, decoded)
}

func TestDecodeBase64_Empty(t *testing.T) {
	decoded, err := DecodeBase64("\n")
	require.NoError(t, err)
	assert.Empty(t, decoded)
}

func TestDecodeBase64_Invalid(t *testing.T) {
	_, err := DecodeBase64("not*base64")
	assert.Error(t, err)
}

func TestDecodeBase64Exact(t *testing.T) {
	encoded := EncodeBase64([]byte("hello"))

	out, err := DecodeBase64Exact(encoded, 5)
	require.NoError(t, err)
	assert.Equal(t, "hello", string(out))

	_, err = DecodeBase64Exact(encoded, 6)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "expected 6")
}

func TestBytesToText(t *testing.T) {
	assert.Equal(t, "héllo", BytesToText(TextToBytes("héllo")))
	assert.Equal(t, "a�b", BytesToText([]byte{'a', 0xff, 'b'}))
}

type failingReader struct{}

func (failingReader) Read([]byte) (int, error) { return 0, errors.New("boom") }

func TestDrain(t *testing.T) {
	t.Run("reader", func(t *testing.T) {
		out, err := Drain(io.MultiReader(strings.NewReader("ab"), strings.NewReader("cd")))
		require.NoError(t, err)
		assert.Equal(t, "abcd", string(out))
	})
	t.Run("nil reader", func(t *testing.T) {
		out, err := Drain(nil)
		require.NoError(t, err)
		assert.Empty(t, out)
	})
	t.Run("error", func(t *testing.T) {
		_, err := Drain(failingReader{})
		assert.ErrorContains(t, err, "boom")
	})
}
