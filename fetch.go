package blobcache

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"mime"
	"net/http"
	"strings"
	"time"
)

// retrieve performs the network step of Fetch. Non-2xx responses are
// reported as *FetchError and never retried.
func (c *cache) retrieve(ctx context.Context, key string, src source, opts FetchOptions) ([]byte, string, error) {
	req, err := buildRequest(ctx, src, opts.Transport)
	if err != nil {
		return nil, "", &FetchError{Key: key, URL: src.id, Err: err}
	}

	begin := time.Now()
	resp, err := c.client.Do(req)
	if err != nil {
		c.hooks.NetworkFetch(key, 0, 0, time.Since(begin))
		return nil, "", &FetchError{Key: key, URL: src.id, Err: err}
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, 4<<10)) // let the conn be reused
		c.hooks.NetworkFetch(key, resp.StatusCode, 0, time.Since(begin))
		return nil, "", &FetchError{Key: key, URL: src.id, StatusCode: resp.StatusCode}
	}

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		c.hooks.NetworkFetch(key, resp.StatusCode, len(body), time.Since(begin))
		return nil, "", &FetchError{Key: key, URL: src.id, StatusCode: resp.StatusCode,
			Err: fmt.Errorf("read body: %w", err)}
	}
	c.hooks.NetworkFetch(key, resp.StatusCode, len(body), time.Since(begin))

	mimeType := opts.MimeType
	if mimeType == "" {
		mimeType = mediaType(resp.Header.Get("Content-Type"))
	}
	return body, coalesce(mimeType, DefaultMimeType), nil
}

func buildRequest(ctx context.Context, src source, t *TransportOptions) (*http.Request, error) {
	if src.req != nil {
		req := src.req.Clone(ctx)
		if t != nil {
			if t.Method != "" {
				req.Method = t.Method
			}
			for k, vs := range t.Header {
				req.Header[k] = append([]string(nil), vs...)
			}
			if t.Body != nil {
				req.Body = io.NopCloser(bytes.NewReader(t.Body))
				req.ContentLength = int64(len(t.Body))
			}
		}
		return req, nil
	}

	method := http.MethodGet
	var body io.Reader
	if t != nil {
		method = coalesce(t.Method, http.MethodGet)
		if t.Body != nil {
			body = bytes.NewReader(t.Body)
		}
	}
	req, err := http.NewRequestWithContext(ctx, method, src.id, body)
	if err != nil {
		return nil, err
	}
	if t != nil {
		for k, vs := range t.Header {
			req.Header[k] = append([]string(nil), vs...)
		}
	}
	return req, nil
}

// mediaType strips parameters ("; charset=...") from a Content-Type value.
func mediaType(ct string) string {
	if ct == "" {
		return ""
	}
	mt, _, err := mime.ParseMediaType(ct)
	if err != nil {
		mt, _, _ = strings.Cut(ct, ";")
		return strings.ToLower(strings.TrimSpace(mt))
	}
	return mt
}
