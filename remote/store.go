package remote

import (
	"context"
	"errors"
	"net/http"
	"net/url"
	"strconv"
	"time"

	"evoting-tally/models"
)

// ErrNoStore no ballot store URL is configured
var ErrNoStore = errors.New("ballot store url not configured")

// BallotStore returns the encrypted ballots cast in a voting.
type BallotStore interface {
	FetchBallots(ctx context.Context, votingID uint, token string) ([]models.Ciphertext, error)
}

// HTTPBallotStore talks to the store module of the voting platform.
type HTTPBallotStore struct {
	baseURL      string
	defaultToken string
	c            client
}

// NewHTTPBallotStore creates a store client. defaultToken is used when the
// caller does not forward its own.
func NewHTTPBallotStore(baseURL, defaultToken string, timeout time.Duration, httpClient *http.Client) *HTTPBallotStore {
	return &HTTPBallotStore{
		baseURL:      baseURL,
		defaultToken: defaultToken,
		c:            newClient(httpClient, timeout),
	}
}

// FetchBallots implements BallotStore. An empty store yields no ballots.
func (s *HTTPBallotStore) FetchBallots(ctx context.Context, votingID uint, token string) ([]models.Ciphertext, error) {
	if s.baseURL == "" {
		return nil, &TransportError{Op: "store.fetch", Err: ErrNoStore}
	}
	if token == "" {
		token = s.defaultToken
	}

	q := url.Values{}
	q.Set("voting_id", strconv.FormatUint(uint64(votingID), 10))
	u := joinURL(s.baseURL, "/store/") + "?" + q.Encode()

	header := http.Header{}
	if token != "" {
		header.Set("Authorization", "Token "+token)
	}

	var ballots []models.Ciphertext
	if err := s.c.do(ctx, "store.fetch", http.MethodGet, u, header, nil, &ballots); err != nil {
		return nil, err
	}
	if ballots == nil {
		ballots = []models.Ciphertext{}
	}
	s.c.log.Info("fetched ballots", "voting_id", votingID, "count", len(ballots))
	return ballots, nil
}
