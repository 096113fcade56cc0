package remote

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"time"
)

const maxErrorBody = 512

// client is the JSON over HTTP plumbing shared by the collaborators.
type client struct {
	http    *http.Client
	timeout time.Duration
	log     *slog.Logger
}

func newClient(httpClient *http.Client, timeout time.Duration) client {
	if httpClient == nil {
		httpClient = &http.Client{}
	}
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	return client{http: httpClient, timeout: timeout, log: slog.Default()}
}

// do sends body (when non-nil) as JSON and decodes a 2xx response into out.
func (c client) do(ctx context.Context, op, method, url string, header http.Header, body, out any) error {
	ctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	var reader io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			return &TransportError{Op: op, Err: fmt.Errorf("encode request: %w", err)}
		}
		reader = bytes.NewReader(data)
	}

	req, err := http.NewRequestWithContext(ctx, method, url, reader)
	if err != nil {
		return &TransportError{Op: op, Err: err}
	}
	for k, vs := range header {
		for _, v := range vs {
			req.Header.Add(k, v)
		}
	}
	req.Header.Set("Accept", "application/json")
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	start := time.Now()
	resp, err := c.http.Do(req)
	if err != nil {
		c.log.Warn("remote call failed", "op", op, "url", url, "error", err)
		return networkError(op, err)
	}
	defer resp.Body.Close()

	c.log.Debug("remote call", "op", op, "url", url, "status", resp.StatusCode, "elapsed", time.Since(start))

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		snippet, _ := io.ReadAll(io.LimitReader(resp.Body, maxErrorBody))
		return &TransportError{
			Op:         op,
			StatusCode: resp.StatusCode,
			Retryable:  retryableStatus(resp.StatusCode),
			Err:        fmt.Errorf("%w: %s", ErrUnexpectedStatus, strings.TrimSpace(string(snippet))),
		}
	}

	if out == nil {
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil && !errors.Is(err, io.EOF) {
		return &TransportError{
			Op:         op,
			StatusCode: resp.StatusCode,
			Err:        fmt.Errorf("%w: %v", ErrBadPayload, err),
		}
	}
	return nil
}

func joinURL(base string, path string) string {
	return strings.TrimRight(base, "/") + path
}
