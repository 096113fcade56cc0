package remote

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"evoting-tally/models"
)

// MixAuthority shuffles and decrypts ciphertext batches of a voting.
type MixAuthority interface {
	Shuffle(ctx context.Context, authURL string, votingID uint, msgs []models.CipherPair) ([]models.CipherPair, error)
	Decrypt(ctx context.Context, authURL string, votingID uint, msgs []models.CipherPair) ([]int64, error)
}

type mixRequest struct {
	Msgs []models.CipherPair `json:"msgs"`
}

// HTTPMixAuthority calls the mixnet module of an authority.
type HTTPMixAuthority struct {
	c client
}

// NewHTTPMixAuthority creates a mixnet client.
func NewHTTPMixAuthority(timeout time.Duration, httpClient *http.Client) *HTTPMixAuthority {
	return &HTTPMixAuthority{c: newClient(httpClient, timeout)}
}

// Shuffle re-encrypts and permutes msgs.
func (m *HTTPMixAuthority) Shuffle(ctx context.Context, authURL string, votingID uint, msgs []models.CipherPair) ([]models.CipherPair, error) {
	u := joinURL(authURL, fmt.Sprintf("/mixnet/shuffle/%d/", votingID))
	var out []models.CipherPair
	if err := m.c.do(ctx, "mixnet.shuffle", http.MethodPost, u, nil, mixRequest{Msgs: nonNil(msgs)}, &out); err != nil {
		return nil, err
	}
	if len(out) != len(msgs) {
		return nil, &TransportError{
			Op:         "mixnet.shuffle",
			StatusCode: http.StatusOK,
			Err:        fmt.Errorf("%w: sent %d ciphertexts, got %d back", ErrBadPayload, len(msgs), len(out)),
		}
	}
	return out, nil
}

// Decrypt returns the plaintext option numbers of msgs.
func (m *HTTPMixAuthority) Decrypt(ctx context.Context, authURL string, votingID uint, msgs []models.CipherPair) ([]int64, error) {
	u := joinURL(authURL, fmt.Sprintf("/mixnet/decrypt/%d/", votingID))
	var plain []models.BigInt
	if err := m.c.do(ctx, "mixnet.decrypt", http.MethodPost, u, nil, mixRequest{Msgs: nonNil(msgs)}, &plain); err != nil {
		return nil, err
	}
	out := make([]int64, len(plain))
	for i, p := range plain {
		n := p.Int()
		if !n.IsInt64() {
			return nil, &TransportError{
				Op:         "mixnet.decrypt",
				StatusCode: http.StatusOK,
				Err:        fmt.Errorf("%w: plaintext %s out of range", ErrBadPayload, n),
			}
		}
		out[i] = n.Int64()
	}
	return out, nil
}

func nonNil(msgs []models.CipherPair) []models.CipherPair {
	if msgs == nil {
		return []models.CipherPair{}
	}
	return msgs
}
