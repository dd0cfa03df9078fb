// Package codec moves binary payloads through text-only channels.
//
// Remote shells only exchange text, so file contents are carried as base64
// and decoded on the way back. Stream payloads are aggregated into a single
// buffer before they are encoded.
package codec

import (
	"bytes"
	"encoding/base64"
	"fmt"
	"io"
	"strings"
	"unicode"
	"unicode/utf8"
)

// EncodeBase64 returns the standard, padded base64 form of data.
func EncodeBase64(data []byte) string {
	return base64.StdEncoding.EncodeToString(data)
}

// DecodeBase64 decodes base64 text captured from a shell.
// Whitespace anywhere in the input is ignored: coreutils wraps its output at
// 76 columns and some shells append a trailing newline.
func DecodeBase64(text string) ([]byte, error) {
	compact := strings.Map(func(r rune) rune {
		if unicode.IsSpace(r) {
			return -1
		}
		return r
	}, text)
	if compact == "" {
		return []byte{}, nil
	}
	out, err := base64.StdEncoding.DecodeString(compact)
	if err != nil {
		return nil, fmt.Errorf("decoding base64 payload: %w", err)
	}
	return out, nil
}

// DecodeBase64Exact decodes text and checks the decoded length.
func DecodeBase64Exact(text string, want int64) ([]byte, error) {
	out, err := DecodeBase64(text)
	if err != nil {
		return nil, err
	}
	if int64(len(out)) != want {
		return nil, fmt.Errorf("decoded %d bytes, expected %d", len(out), want)
	}
	return out, nil
}

// TextToBytes returns the UTF-8 encoding of s.
func TextToBytes(s string) []byte {
	return []byte(s)
}

// BytesToText decodes UTF-8 bytes into a string. Invalid sequences are
// replaced with U+FFFD so the result is always valid text.
func BytesToText(b []byte) string {
	if utf8.Valid(b) {
		return string(b)
	}
	return strings.ToValidUTF8(string(b), string(utf8.RuneError))
}

// Drain reads r to EOF and returns everything it produced.
// A nil reader yields an empty buffer.
func Drain(r io.Reader) ([]byte, error) {
	if r == nil {
		return []byte{}, nil
	}
	var buf bytes.Buffer
	if _, err := buf.ReadFrom(r); err != nil {
		return nil, fmt.Errorf("draining stream: %w", err)
	}
	return buf.Bytes(), nil
}
