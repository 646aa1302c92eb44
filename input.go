package blobcache

import (
	"fmt"
	"net/http"
	"net/url"
	"strings"

	"github.com/unkn0wn-root/blobcache/internal/util"
)

// source is a normalized Fetch/Cached input. id is the identifier used for
// key derivation; req is set when the caller handed us a request to replay.
type source struct {
	id  string
	req *http.Request
}

func normalize(input any) (source, error) {
	switch v := input.(type) {
	case string:
		if strings.TrimSpace(v) == "" {
			return source{}, fmt.Errorf("%w: empty identifier", ErrUnsupportedInput)
		}
		return source{id: v}, nil
	case *url.URL:
		if v == nil {
			return source{}, fmt.Errorf("%w: nil *url.URL", ErrUnsupportedInput)
		}
		return source{id: v.String()}, nil
	case url.URL:
		return normalize(&v)
	case *http.Request:
		if v == nil || v.URL == nil {
			return source{}, fmt.Errorf("%w: request without URL", ErrUnsupportedInput)
		}
		return source{id: v.URL.String(), req: v}, nil
	default:
		return source{}, fmt.Errorf("%w: %T", ErrUnsupportedInput, input)
	}
}

// selectKey picks the cache row for an identifier. An explicit key wins
// over tags; the conflict is reported but not an error.
func (c *cache) selectKey(id string, opts KeyOptions) (string, error) {
	if opts.Key == "" {
		return util.DeriveKey(id, opts.Tags), nil
	}
	if !util.ValidKey(opts.Key) {
		return "", fmt.Errorf("%w: %q", ErrInvalidKey, opts.Key)
	}
	if len(opts.Tags) > 0 {
		c.log.Warn("explicit key given with tags; tags ignored", Fields{"key": opts.Key, "tags": opts.Tags})
		c.hooks.KeyConflict(opts.Key, opts.Tags)
	}
	return opts.Key, nil
}
