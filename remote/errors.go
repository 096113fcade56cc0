package remote

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
)

// TransportError is a failed call to a collaborator service.
type TransportError struct {
	Op         string // store.fetch, mixnet.shuffle, mixnet.decrypt, sink.post
	StatusCode int    // 0 when no response was received
	Retryable  bool
	Err        error
}

func (e *TransportError) Error() string {
	if e.StatusCode != 0 {
		return fmt.Sprintf("%s: status %d: %v", e.Op, e.StatusCode, e.Err)
	}
	return fmt.Sprintf("%s: %v", e.Op, e.Err)
}

func (e *TransportError) Unwrap() error {
	return e.Err
}

var (
	// ErrUnexpectedStatus the collaborator answered with a non-2xx status
	ErrUnexpectedStatus = errors.New("unexpected status")
	// ErrBadPayload the collaborator answered with a body we cannot decode
	ErrBadPayload = errors.New("undecodable response body")
)

// IsRetryable reports whether err is a transport failure worth retrying.
func IsRetryable(err error) bool {
	var te *TransportError
	if errors.As(err, &te) {
		return te.Retryable
	}
	return false
}

// IsTransportError reports whether err came from a collaborator call.
func IsTransportError(err error) bool {
	var te *TransportError
	return errors.As(err, &te)
}

func retryableStatus(code int) bool {
	switch code {
	case http.StatusTooManyRequests, http.StatusBadGateway,
		http.StatusServiceUnavailable, http.StatusGatewayTimeout:
		return true
	}
	return false
}

// networkError wraps a failure that produced no response.
func networkError(op string, err error) *TransportError {
	retryable := true
	// cancelled by the caller
	if errors.Is(err, context.Canceled) {
		retryable = false
	}
	var ne net.Error
	if errors.As(err, &ne) && ne.Timeout() {
		retryable = true
	}
	return &TransportError{Op: op, Retryable: retryable, Err: err}
}
