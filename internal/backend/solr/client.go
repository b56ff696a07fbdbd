package solr

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"

	"github.com/kailas-cloud/needle/internal/domain"
)

const maxErrorBody = 512

// client speaks the Solr JSON API of one core.
type client struct {
	base string
	http *http.Client
}

func (c *client) get(ctx context.Context, path string, params url.Values, out any) error {
	return c.do(ctx, http.MethodGet, path, params, nil, out)
}

// postForm sends params form-encoded so long queries do not hit URL limits.
func (c *client) postForm(ctx context.Context, path string, params url.Values, out any) error {
	return c.do(ctx, http.MethodPost, path, nil, params, out)
}

func (c *client) postJSON(ctx context.Context, path string, params url.Values, body, out any) error {
	return c.do(ctx, http.MethodPost, path, params, body, out)
}

func (c *client) do(ctx context.Context, method, path string, params url.Values, body, out any) error {
	if params == nil {
		params = url.Values{}
	}
	params.Set("wt", "json")

	var (
		reader      io.Reader
		contentType string
	)
	u := c.base + path
	switch b := body.(type) {
	case nil:
		u += "?" + params.Encode()
	case url.Values:
		for k, v := range params {
			b[k] = v
		}
		reader = strings.NewReader(b.Encode())
		contentType = "application/x-www-form-urlencoded"
	default:
		data, err := json.Marshal(b)
		if err != nil {
			return fmt.Errorf("marshal request: %w", err)
		}
		u += "?" + params.Encode()
		reader = bytes.NewReader(data)
		contentType = "application/json"
	}

	req, err := http.NewRequestWithContext(ctx, method, u, reader)
	if err != nil {
		return fmt.Errorf("build request: %w", err)
	}
	if contentType != "" {
		req.Header.Set("Content-Type", contentType)
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("%s %s: %w", method, path, err)
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		msg, _ := io.ReadAll(io.LimitReader(resp.Body, maxErrorBody))
		return fmt.Errorf("%s %s: %w", method, path, &domain.HTTPStatusError{StatusCode: resp.StatusCode, Body: string(msg)})
	}
	if out == nil {
		_, _ = io.Copy(io.Discard, resp.Body)
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("decode %s response: %w", path, err)
	}
	return nil
}
