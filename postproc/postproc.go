// Package postproc gates and applies apportionment techniques to counted
// votes.
package postproc

import (
	"context"
	"fmt"

	"evoting-tally/apportion"

	"golang.org/x/sync/errgroup"
)

// IdentityType is the payload type forwarded to the result sink.
const IdentityType = "IDENTITY"

// OptionResult is the post-processed view of one option.
type OptionResult struct {
	Option      string               `json:"option"`
	Number      int64                `json:"number"`
	Votes       int64                `json:"votes"`
	Percentage  float64              `json:"percentage"`
	DHondt      []apportion.Quotient `json:"dhont,omitempty"`
	SainteLague *int                 `json:"saintLague,omitempty"`
	Droop       *int                 `json:"droop,omitempty"`
}

// Identity builds results carrying only the counted votes and their share.
func Identity(opts []apportion.OptionVotes) []OptionResult {
	total := apportion.TotalVotes(opts)
	results := make([]OptionResult, len(opts))
	for i, o := range opts {
		results[i] = OptionResult{
			Option:     o.Option,
			Number:     o.Number,
			Votes:      o.Votes,
			Percentage: apportion.Percentage(o.Votes, total),
		}
	}
	return results
}

// Apply runs the requested techniques over opts and merges their output
// into one result per option. Techniques run concurrently; each one only
// reads opts and owns its own output slice. MethodNone entries are ignored.
func Apply(ctx context.Context, opts []apportion.OptionVotes, seats int, methods ...Method) ([]OptionResult, error) {
	if err := ValidateSeats(seats); err != nil {
		return nil, err
	}
	if err := ValidateVotes(opts); err != nil {
		return nil, err
	}
	for _, m := range methods {
		if !m.Valid() {
			return nil, &ConfigError{
				Field:   "postproc_method",
				Message: fmt.Sprintf("unknown apportionment method %q", string(m)),
				Err:     ErrUnknownMethod,
			}
		}
	}

	var (
		ladders []apportion.QuotientLadder
		saint   []apportion.SeatAllocation
		droop   []apportion.DroopAllocation
	)

	g, gctx := errgroup.WithContext(ctx)
	for _, m := range dedupe(methods) {
		switch m {
		case MethodDHondt:
			g.Go(func() error {
				ladders = apportion.QuotientTable(opts, seats)
				return gctx.Err()
			})
		case MethodSainteLague:
			g.Go(func() error {
				saint = apportion.SainteLague(opts, seats)
				return gctx.Err()
			})
		case MethodDroop:
			g.Go(func() error {
				droop = apportion.DroopQuota(opts, seats)
				return gctx.Err()
			})
		}
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}

	results := Identity(opts)
	for i := range results {
		if ladders != nil {
			results[i].DHondt = ladders[i].Quotients
		}
		if saint != nil {
			s := saint[i].Seats
			results[i].SainteLague = &s
		}
		if droop != nil {
			d := droop[i].Droop
			results[i].Droop = &d
		}
	}
	return results, nil
}

// ApplyConfigured validates the voting configuration and applies its
// single configured method. It never substitutes another method.
func ApplyConfigured(ctx context.Context, votingType VotingType, method Method, opts []apportion.OptionVotes, seats int) ([]OptionResult, error) {
	if err := Validate(votingType, method); err != nil {
		return nil, err
	}
	return Apply(ctx, opts, seats, method)
}

func dedupe(methods []Method) []Method {
	seen := make(map[Method]bool, len(methods))
	out := make([]Method, 0, len(methods))
	for _, m := range methods {
		if m == MethodNone || seen[m] {
			continue
		}
		seen[m] = true
		out = append(out, m)
	}
	return out
}
