package postproc

import (
	"errors"
	"fmt"
	"strings"

	"evoting-tally/apportion"
)

// VotingType is the ballot shape of a voting.
type VotingType string

const (
	SingleChoice   VotingType = "S"
	MultipleChoice VotingType = "M"
	Hierarchy      VotingType = "H"
	ManyQuestions  VotingType = "Q"
)

// Method is an apportionment technique applied after counting.
type Method string

const (
	MethodNone        Method = "none"
	MethodDHondt      Method = "dhondt"
	MethodDroop       Method = "droop"
	MethodSainteLague Method = "sainte_lague"
)

// IncompatibleMethodMessage is shown to whoever configures the voting.
const IncompatibleMethodMessage = "Apportionment techniques cannot be applied to non-Single votings."

var (
	// ErrIncompatibleMethod apportionment method used on a non single-choice voting
	ErrIncompatibleMethod = errors.New(IncompatibleMethodMessage)
	// ErrUnknownMethod method name not recognised
	ErrUnknownMethod = errors.New("unknown apportionment method")
	// ErrUnknownVotingType voting type not recognised
	ErrUnknownVotingType = errors.New("unknown voting type")
	// ErrInvalidSeats seat count out of range
	ErrInvalidSeats = errors.New("seats out of range")
	// ErrNegativeVotes an option carries a negative vote count
	ErrNegativeVotes = errors.New("votes must not be negative")
)

// ConfigError reports a voting configuration that cannot be post-processed.
type ConfigError struct {
	Field   string
	Message string
	Err     error
}

func (e *ConfigError) Error() string {
	return e.Message
}

func (e *ConfigError) Unwrap() error {
	return e.Err
}

// IsConfigError reports whether err carries a *ConfigError.
func IsConfigError(err error) bool {
	var cfgErr *ConfigError
	return errors.As(err, &cfgErr)
}

// Methods lists every technique the engine can apply, in payload order.
func Methods() []Method {
	return []Method{MethodDHondt, MethodSainteLague, MethodDroop}
}

// ParseMethod maps a configured name onto a Method. An empty name is "none".
func ParseMethod(name string) (Method, error) {
	m := Method(strings.ToLower(strings.TrimSpace(name)))
	if m == "" {
		return MethodNone, nil
	}
	if !m.Valid() {
		return "", &ConfigError{
			Field:   "postproc_method",
			Message: fmt.Sprintf("unknown apportionment method %q", name),
			Err:     ErrUnknownMethod,
		}
	}
	return m, nil
}

func (m Method) Valid() bool {
	switch m {
	case MethodNone, MethodDHondt, MethodDroop, MethodSainteLague:
		return true
	}
	return false
}

func (t VotingType) Valid() bool {
	switch t {
	case SingleChoice, MultipleChoice, Hierarchy, ManyQuestions:
		return true
	}
	return false
}

// Validate is the gate run whenever a method is attached to a voting and
// again before a tally applies it. Only single-choice votings accept a
// method other than none.
func Validate(votingType VotingType, method Method) error {
	if !votingType.Valid() {
		return &ConfigError{
			Field:   "voting_type",
			Message: fmt.Sprintf("unknown voting type %q", string(votingType)),
			Err:     ErrUnknownVotingType,
		}
	}
	if !method.Valid() {
		return &ConfigError{
			Field:   "postproc_method",
			Message: fmt.Sprintf("unknown apportionment method %q", string(method)),
			Err:     ErrUnknownMethod,
		}
	}
	if method != MethodNone && votingType != SingleChoice {
		return &ConfigError{
			Field:   "postproc_method",
			Message: IncompatibleMethodMessage,
			Err:     ErrIncompatibleMethod,
		}
	}
	return nil
}

// MaxSeats bounds every seat count. Quotient tables grow with seats per
// option.
const MaxSeats = 1000

// ValidateSeats accepts 0..MaxSeats. Zero seats is a valid boundary that
// yields empty apportionments.
func ValidateSeats(seats int) error {
	if seats < 0 {
		return &ConfigError{
			Field:   "seats",
			Message: fmt.Sprintf("seats must not be negative, got %d", seats),
			Err:     ErrInvalidSeats,
		}
	}
	if seats > MaxSeats {
		return &ConfigError{
			Field:   "seats",
			Message: fmt.Sprintf("seats must not exceed %d, got %d", MaxSeats, seats),
			Err:     ErrInvalidSeats,
		}
	}
	return nil
}

// ValidateVotes rejects negative vote counts.
func ValidateVotes(opts []apportion.OptionVotes) error {
	for _, o := range opts {
		if o.Votes < 0 {
			return &ConfigError{
				Field:   "votes",
				Message: fmt.Sprintf("votes of option %d must not be negative, got %d", o.Number, o.Votes),
				Err:     ErrNegativeVotes,
			}
		}
	}
	return nil
}
