package util

import (
	"strconv"
	"strings"
	"unicode/utf16"
)

// KeySeparator joins the identifier and its tags before hashing.
const KeySeparator = "|"

// KeyLen is the fixed width of a derived key.
const KeyLen = 8

// DeriveKey returns an 8-char lowercase hex key for identifier and tags.
// Tag order is significant. The hash runs over UTF-16 code units:
// h = h*31 + cu, wrapped to int32, starting at 0.
func DeriveKey(identifier string, tags []string) string {
	parts := make([]string, 0, len(tags)+1)
	parts = append(parts, identifier)
	parts = append(parts, tags...)
	joined := strings.Join(parts, KeySeparator)

	var h int32
	for _, cu := range utf16.Encode([]rune(joined)) {
		h = h*31 + int32(cu)
	}

	// int64 so that |MinInt32| does not overflow
	abs := int64(h)
	if abs < 0 {
		abs = -abs
	}
	s := strconv.FormatInt(abs, 16)
	if len(s) < KeyLen {
		s = strings.Repeat("0", KeyLen-len(s)) + s
	}
	return s[:KeyLen]
}

// ValidKey reports whether k is usable as an explicit cache key.
func ValidKey(k string) bool {
	if strings.TrimSpace(k) == "" || len(k) > 512 {
		return false
	}
	return !strings.ContainsAny(k, "/\\\n\r\x00")
}
