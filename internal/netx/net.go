// Package netx holds the small HTTP helpers shared by the REST storage
// backends.
package netx

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
)

// ErrConnection wraps transport level failures (DNS, refused, timeouts).
var ErrConnection = errors.New("connection failed")

// maxBody caps how much of a response is read into memory.
const maxBody = 64 << 20

// StatusError is returned for non-2xx responses.
type StatusError struct {
	Method     string
	URL        string
	StatusCode int
	Status     string
	Body       string
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("%s %s failed: %s; body: %s", e.Method, e.URL, e.Status, e.Body)
}

// IsStatus reports whether err is a *StatusError with the given code.
func IsStatus(err error, code int) bool {
	var se *StatusError
	return errors.As(err, &se) && se.StatusCode == code
}

// Request is one HTTP call.
type Request struct {
	Method      string
	URL         string
	Header      http.Header
	Body        []byte
	ContentType string
}

// Do sends r with client and returns the response body of a 2xx reply.
func Do(ctx context.Context, client *http.Client, r Request) ([]byte, error) {
	if client == nil {
		client = http.DefaultClient
	}

	var body io.Reader
	if r.Body != nil {
		body = bytes.NewReader(r.Body)
	}

	req, err := http.NewRequestWithContext(ctx, r.Method, r.URL, body)
	if err != nil {
		return nil, err
	}
	for k, vs := range r.Header {
		for _, v := range vs {
			req.Header.Add(k, v)
		}
	}
	if r.ContentType != "" {
		req.Header.Set("Content-Type", r.ContentType)
	}

	resp, err := client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("%w: %s %s: %w", ErrConnection, r.Method, redact(r.URL), err)
	}
	defer resp.Body.Close()

	b, err := io.ReadAll(io.LimitReader(resp.Body, maxBody))
	if err != nil {
		return nil, fmt.Errorf("%w: read body: %w", ErrConnection, err)
	}

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return nil, &StatusError{
			Method:     r.Method,
			URL:        redact(r.URL),
			StatusCode: resp.StatusCode,
			Status:     resp.Status,
			Body:       strings.TrimSpace(string(b)),
		}
	}

	return b, nil
}

// DoJSON sends in as a JSON body (when non-nil) and decodes a JSON reply
// into out (when non-nil).
func DoJSON(ctx context.Context, client *http.Client, method, rawURL string, header http.Header, in, out any) error {
	r := Request{Method: method, URL: rawURL, Header: header}
	if in != nil {
		b, err := json.Marshal(in)
		if err != nil {
			return fmt.Errorf("marshal request: %w", err)
		}
		r.Body = b
		r.ContentType = "application/json"
	}

	b, err := Do(ctx, client, r)
	if err != nil {
		return err
	}

	if out == nil || len(b) == 0 {
		return nil
	}
	if err := json.Unmarshal(b, out); err != nil {
		return fmt.Errorf("decode %s response: %w", method, err)
	}
	return nil
}

// PutBytes uploads data with a single PUT, the way presigned object URLs
// expect it.
func PutBytes(ctx context.Context, client *http.Client, rawURL string, data []byte, contentType string) ([]byte, error) {
	if contentType == "" {
		contentType = "application/octet-stream"
	}
	return Do(ctx, client, Request{Method: http.MethodPut, URL: rawURL, Body: data, ContentType: contentType})
}

// redact drops the query string, which may carry signatures or tokens.
func redact(raw string) string {
	u, err := url.Parse(raw)
	if err != nil {
		return raw
	}
	u.RawQuery = ""
	u.User = nil
	return u.String()
}
