package durable

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestExtensionForMIME(t *testing.T) {
	cases := map[string]string{
		"image/png":                 "png",
		"IMAGE/JPEG":                "jpg",
		"audio/mpeg":                "mp3",
		"text/plain; charset=utf-8": "txt",
		"application/octet-stream":  "bin",
		"":                          "bin",
		"application/x-nothing":     "bin",
		"image/svg+xml":             "svg",
	}
	for in, want := range cases {
		require.Equal(t, want, ExtensionForMIME(in), in)
	}
}
