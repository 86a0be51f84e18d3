// Package ids generates and validates the structured identifiers that tie
// every inbound interaction to a user, session, connection, thread and run.
//
// Generic identifiers have the form
//
//	<type>_<scope>_<sequence>_<random>
//
// where scope is optional, sequence is a process-local counter and random is
// eight lowercase hex characters. Run identifiers embed their thread:
//
//	run_<threadID>_<random>
//
// and carry no counter so the thread can be recovered unambiguously.
package ids

import (
	"fmt"
	"regexp"
	"strconv"
	"time"

	"github.com/baaaht/dispatch/internal/config"
	"github.com/baaaht/dispatch/pkg/types"
)

// Type is the type tag of a structured identifier.
type Type string

const (
	TypeUser      Type = "user"
	TypeSession   Type = "session"
	TypeExecution Type = "execution"
	TypeWebSocket Type = "websocket"
	TypeThread    Type = "thread"
	TypeRun       Type = "run"
)

// AllTypes lists every known type tag in a stable order.
var AllTypes = []Type{TypeUser, TypeSession, TypeExecution, TypeWebSocket, TypeThread, TypeRun}

// Valid reports whether t is a known type tag.
func (t Type) Valid() bool {
	for _, known := range AllTypes {
		if t == known {
			return true
		}
	}
	return false
}

func (t Type) String() string {
	return string(t)
}

const (
	// RandomLength is the number of hex characters in the random suffix.
	RandomLength = 8

	// MaxIDLength bounds any identifier accepted for parsing.
	MaxIDLength = config.MaxIdentifierLength
)

var (
	structuredPattern = regexp.MustCompile(`^(user|session|execution|websocket|thread|run)_(?:([A-Za-z0-9_-]+)_)?([0-9]+)_([0-9a-f]{8})$`)
	scopePattern      = regexp.MustCompile(`^[A-Za-z0-9_-]+$`)
	threadPattern     = regexp.MustCompile(`^[A-Za-z0-9][A-Za-z0-9_-]*$`)
	runPattern        = regexp.MustCompile(`^run_([A-Za-z0-9][A-Za-z0-9_-]*)_([0-9a-f]{8})$`)
	randomPattern     = regexp.MustCompile(`^[0-9a-f]{8}$`)
)

// StructuredID is an immutable generated identifier.
type StructuredID struct {
	Type      Type
	Scope     string
	Sequence  uint64
	Random    string
	CreatedAt time.Time
}

// String returns the canonical textual form.
func (s StructuredID) String() string {
	seq := strconv.FormatUint(s.Sequence, 10)
	if s.Scope == "" {
		return string(s.Type) + "_" + seq + "_" + s.Random
	}
	return string(s.Type) + "_" + s.Scope + "_" + seq + "_" + s.Random
}

// Validate checks every field against the identifier grammar.
func (s StructuredID) Validate() error {
	if !s.Type.Valid() {
		return types.NewError(types.ErrCodeInvalidArgument, fmt.Sprintf("unknown id type %q", s.Type))
	}
	if s.Scope != "" && !scopePattern.MatchString(s.Scope) {
		return types.WrapError(types.ErrCodeInvalidScope, fmt.Sprintf("scope %q", s.Scope), types.ErrInvalidScope)
	}
	if !randomPattern.MatchString(s.Random) {
		return types.NewError(types.ErrCodeInvalidArgument, fmt.Sprintf("random suffix %q is not %d hex characters", s.Random, RandomLength))
	}
	return nil
}

// Parse recovers a StructuredID from its textual form. CreatedAt is not part
// of the text and is left zero.
//
// A scope may itself contain underscores; the last two segments are always
// the sequence and random suffix.
func Parse(text string) (StructuredID, error) {
	if len(text) > MaxIDLength {
		return StructuredID{}, types.NewError(types.ErrCodeInvalidArgument,
			fmt.Sprintf("identifier exceeds %d characters", MaxIDLength))
	}

	m := structuredPattern.FindStringSubmatch(text)
	if m == nil {
		return StructuredID{}, types.NewError(types.ErrCodeInvalidArgument,
			fmt.Sprintf("malformed structured id %q", text))
	}

	seq, err := strconv.ParseUint(m[3], 10, 64)
	if err != nil {
		return StructuredID{}, types.WrapError(types.ErrCodeInvalidArgument, "sequence out of range", err)
	}

	return StructuredID{
		Type:     Type(m[1]),
		Scope:    m[2],
		Sequence: seq,
		Random:   m[4],
	}, nil
}

// IsValidThreadID reports whether s satisfies the thread grammar and maxLen.
func IsValidThreadID(s string, maxLen int) bool {
	return len(s) <= maxLen && threadPattern.MatchString(s)
}

// IsValidRunID reports whether s satisfies the run grammar.
func IsValidRunID(s string) bool {
	return len(s) <= MaxIDLength && runPattern.MatchString(s)
}
