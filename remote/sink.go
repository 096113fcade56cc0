package remote

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"time"

	"evoting-tally/apportion"
)

// ErrNoSink no result sink URL is configured
var ErrNoSink = errors.New("result sink url not configured")

// IdentityRequest is the payload forwarded to the post-processing service.
type IdentityRequest struct {
	Type    string                  `json:"type"`
	Options []apportion.OptionVotes `json:"options"`
}

// ResultSink receives per-option counts once a voting is tallied.
type ResultSink interface {
	Post(ctx context.Context, req IdentityRequest) (json.RawMessage, error)
}

// HTTPResultSink posts to the postproc module.
type HTTPResultSink struct {
	baseURL string
	c       client
}

// NewHTTPResultSink creates a sink client.
func NewHTTPResultSink(baseURL string, timeout time.Duration, httpClient *http.Client) *HTTPResultSink {
	return &HTTPResultSink{baseURL: baseURL, c: newClient(httpClient, timeout)}
}

// Post implements ResultSink. The response body is returned verbatim.
func (s *HTTPResultSink) Post(ctx context.Context, req IdentityRequest) (json.RawMessage, error) {
	if s.baseURL == "" {
		return nil, &TransportError{Op: "sink.post", Err: ErrNoSink}
	}
	if req.Options == nil {
		req.Options = []apportion.OptionVotes{}
	}
	var out json.RawMessage
	if err := s.c.do(ctx, "sink.post", http.MethodPost, joinURL(s.baseURL, "/postproc/"), nil, req, &out); err != nil {
		return nil, err
	}
	return out, nil
}
