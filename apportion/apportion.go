// Package apportion turns per-option vote counts into seat apportionments.
package apportion

import "math"

const quotientPrecision = 1e4

// OptionVotes is the vote count of one ballot option.
type OptionVotes struct {
	Option string `json:"option"`
	Number int64  `json:"number"`
	Votes  int64  `json:"votes"`
}

// Quotient is one rung of an option's quotient ladder.
type Quotient struct {
	Seat     int     `json:"seat"`
	Quotient float64 `json:"quotient"`
}

// QuotientLadder is an option together with its D'Hondt quotients.
type QuotientLadder struct {
	OptionVotes
	Quotients []Quotient `json:"dhont"`
}

// SeatAllocation is an option together with its Sainte-Laguë seats.
type SeatAllocation struct {
	OptionVotes
	Seats int `json:"saintLague"`
}

// DroopAllocation is an option together with its Droop-quota seats.
type DroopAllocation struct {
	OptionVotes
	Droop int `json:"droop"`
}

// QuotientTable reports, for each option independently, votes/seat for
// seat = 1..totalSeats rounded to four decimals.
//
// The ladder is per option: it shows how an option's strength decays round
// over round and does not rank options against each other.
func QuotientTable(opts []OptionVotes, totalSeats int) []QuotientLadder {
	out := make([]QuotientLadder, len(opts))
	for i, o := range opts {
		out[i].OptionVotes = o
		if totalSeats <= 0 {
			out[i].Quotients = []Quotient{}
			continue
		}
		ladder := make([]Quotient, 0, totalSeats)
		for seat := 1; seat <= totalSeats; seat++ {
			ladder = append(ladder, Quotient{
				Seat:     seat,
				Quotient: roundQuotient(float64(o.Votes) / float64(seat)),
			})
		}
		out[i].Quotients = ladder
	}
	return out
}

// SainteLague allocates totalSeats across opts with odd divisors.
//
// Each round i compares working/(2i-1) across options; the strictly largest
// quotient wins the seat, the first option in input order on ties. The
// winner's working count is then divided by 2i+1 and carried into the next
// round instead of being recomputed from the original count.
func SainteLague(opts []OptionVotes, totalSeats int) []SeatAllocation {
	out := make([]SeatAllocation, len(opts))
	working := make([]float64, len(opts))
	for i, o := range opts {
		out[i].OptionVotes = o
		working[i] = float64(o.Votes)
	}
	if len(opts) == 0 {
		return out
	}

	for round := 1; round <= totalSeats; round++ {
		divisor := float64(2*round - 1)
		best, bestQuotient := 0, working[0]/divisor
		for i := 1; i < len(working); i++ {
			if q := working[i] / divisor; q > bestQuotient {
				best, bestQuotient = i, q
			}
		}
		out[best].Seats++
		working[best] /= float64(2*round + 1)
	}
	return out
}

// DroopQuota allocates seats using the Droop quota total/(seats+1).
//
// Each option first receives floor(votes/quota) seats. Seats the floors
// leave unassigned go to the largest remainders (first in input order on
// ties). When all remainders are zero the floors can exceed totalSeats by
// one; the surplus is taken back from the last holder in input order.
// A zero vote total or zero seats yields zero seats everywhere.
func DroopQuota(opts []OptionVotes, totalSeats int) []DroopAllocation {
	out := make([]DroopAllocation, len(opts))
	var total int64
	for i, o := range opts {
		out[i].OptionVotes = o
		total += o.Votes
	}
	if total == 0 || totalSeats <= 0 {
		return out
	}

	quota := float64(total) / float64(totalSeats+1)
	remainders := make([]float64, len(opts))
	assigned := 0
	for i, o := range opts {
		share := float64(o.Votes) / quota
		whole := math.Floor(share)
		out[i].Droop = int(whole)
		remainders[i] = share - whole
		assigned += out[i].Droop
	}

	awarded := make([]bool, len(opts))
	for assigned < totalSeats {
		best := -1
		for i, r := range remainders {
			if awarded[i] {
				continue
			}
			if best == -1 || r > remainders[best] {
				best = i
			}
		}
		if best == -1 {
			break
		}
		awarded[best] = true
		out[best].Droop++
		assigned++
	}

	for assigned > totalSeats {
		victim := -1
		for i := len(out) - 1; i >= 0; i-- {
			if out[i].Droop == 0 {
				continue
			}
			if victim == -1 || remainders[i] < remainders[victim] {
				victim = i
			}
		}
		if victim == -1 {
			break
		}
		out[victim].Droop--
		assigned--
	}
	return out
}

func Percentage(part, whole int64) float64 {
	if whole == 0 {
		return 0
	}
	return float64(part) / float64(whole) * 100
}

func TotalVotes(opts []OptionVotes) int64 {
	var total int64
	for _, o := range opts {
		total += o.Votes
	}
	return total
}

func roundQuotient(v float64) float64 {
	return math.Round(v*quotientPrecision) / quotientPrecision
}
