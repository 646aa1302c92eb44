package durable

import (
	"mime"
	"strings"
)

var extByMIME = map[string]string{
	"image/png":                "png",
	"image/jpeg":               "jpg",
	"image/jpg":                "jpg",
	"image/gif":                "gif",
	"image/webp":               "webp",
	"image/avif":               "avif",
	"image/svg+xml":            "svg",
	"image/bmp":                "bmp",
	"image/x-icon":             "ico",
	"image/vnd.microsoft.icon": "ico",
	"audio/mpeg":               "mp3",
	"audio/mp3":                "mp3",
	"audio/wav":                "wav",
	"audio/x-wav":              "wav",
	"audio/wave":               "wav",
	"audio/ogg":                "ogg",
	"audio/webm":               "weba",
	"audio/aac":                "aac",
	"audio/flac":               "flac",
	"audio/mp4":                "m4a",
	"video/mp4":                "mp4",
	"video/webm":               "webm",
	"video/ogg":                "ogv",
	"font/woff":                "woff",
	"font/woff2":               "woff2",
	"font/ttf":                 "ttf",
	"font/otf":                 "otf",
	"application/json":         "json",
	"application/pdf":          "pdf",
	"text/plain":               "txt",
	"text/css":                 "css",
	"application/octet-stream": "bin",
}

// ExtensionForMIME maps a content type to a file extension without the
// dot. Parameters are ignored. Unknown types map to "bin".
func ExtensionForMIME(mimeType string) string {
	mt, _, err := mime.ParseMediaType(mimeType)
	if err != nil {
		mt, _, _ = strings.Cut(mimeType, ";")
		mt = strings.ToLower(strings.TrimSpace(mt))
	}
	if ext, ok := extByMIME[mt]; ok {
		return ext
	}
	if mt != "" {
		if exts, err := mime.ExtensionsByType(mt); err == nil && len(exts) > 0 {
			return strings.TrimPrefix(exts[0], ".")
		}
	}
	return "bin"
}
