// Package syncerr defines the closed set of error kinds a sync session,
// secure stream, or broadcast ingestion path can terminate with (component
// design §7), so callers can branch on Kind without string-matching.
package syncerr

import (
	"errors"
	"fmt"
)

// Kind enumerates the outcomes a sync operation can fail with.
type Kind int

const (
	// Unknown is the zero value; Error always sets a real Kind, so seeing
	// this means a Kind was never assigned before wrapping.
	Unknown Kind = iota
	// NotAMember means the peer is not in the context's member set.
	NotAMember
	// SignatureInvalid means a handshake or message signature failed
	// verification.
	SignatureInvalid
	// ProtocolMismatch means the peer selected a sync strategy or
	// sub-protocol the local side does not support.
	ProtocolMismatch
	// Unapplicable means a delta could not be applied because one or more
	// parents are missing; MissingParents on the wrapping Error carries
	// which ones.
	Unapplicable
	// Pruned means the requested history is no longer available locally.
	Pruned
	// WasmRequired means a Custom-typed CRDT merge was attempted with no
	// sandbox callback registered.
	WasmRequired
	// Divergent means two replicas' root hashes disagree after a sync
	// round that should have converged them.
	Divergent
	// Timeout means the session deadline elapsed before completion.
	Timeout
	// Rejected means the incoming value was refused: either the peer
	// explicitly refused the request (an opaque wire-level rejection), or
	// a local invariant (the tombstone reinsert gate, a first-writer-wins
	// rule) rejected it. Either way it is a per-entity outcome, not a
	// reason to abort the session.
	Rejected
	// Fatal means an unrecoverable local error (I/O failure, corrupt
	// local state) aborted the session.
	Fatal
)

func (k Kind) String() string {
	switch k {
	case NotAMember:
		return "not_a_member"
	case SignatureInvalid:
		return "signature_invalid"
	case ProtocolMismatch:
		return "protocol_mismatch"
	case Unapplicable:
		return "unapplicable"
	case Pruned:
		return "pruned"
	case WasmRequired:
		return "wasm_required"
	case Divergent:
		return "divergent"
	case Timeout:
		return "timeout"
	case Rejected:
		return "rejected"
	case Fatal:
		return "fatal"
	default:
		return "unknown"
	}
}

// Error wraps an underlying error with a Kind so callers can use
// errors.As to inspect it without depending on message text.
type Error struct {
	Kind           Kind
	Err            error
	MissingParents [][32]byte // populated only for Unapplicable
}

func (e *Error) Error() string {
	if e.Err == nil {
		return e.Kind.String()
	}
	return fmt.Sprintf("%s: %v", e.Kind, e.Err)
}

func (e *Error) Unwrap() error { return e.Err }

// New wraps err under kind.
func New(kind Kind, err error) *Error {
	return &Error{Kind: kind, Err: err}
}

// Unapplicable builds the Unapplicable variant carrying missing parent ids.
func UnapplicableWith(missing [][32]byte) *Error {
	return &Error{Kind: Unapplicable, Err: errors.New("missing causal parents"), MissingParents: missing}
}

// KindOf extracts the Kind from err if it (or something it wraps) is an
// *Error; otherwise returns Fatal, treating unclassified errors as
// unrecoverable rather than silently matching a more lenient kind.
func KindOf(err error) Kind {
	var se *Error
	if errors.As(err, &se) {
		return se.Kind
	}
	return Fatal
}

// Is reports whether err (or anything it wraps) carries kind.
func Is(err error, kind Kind) bool {
	return KindOf(err) == kind
}
