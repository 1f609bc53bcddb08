// Package sandbox defines the execution capability that runs a context's
// application methods: an isolated callback that turns (method, payload,
// identity) into state-mutating actions. The sandbox's own isolation
// technology (a WASM runtime) is out of scope here; this repo only needs
// the boundary it crosses, so it can dispatch Custom-typed CRDT merges and
// local method execution through a well-defined interface.
package sandbox

import (
	"context"

	"github.com/decube/meshcore/pkg/crdt"
)

// Action is a single state mutation the sandbox asked the caller to apply,
// expressed against an entity id rather than the sandbox's own memory.
type Action struct {
	EntityID [32]byte
	CRDTType string
	// TypeID distinguishes Custom-tagged payload variants for
	// crdt.CustomMerger dispatch; zero for every built-in CRDTType.
	TypeID  uint32
	Payload []byte
	// Remove marks this action as an observed-remove tombstone rather than
	// a value write: the entity store drops Payload/CRDTType and records
	// only that the entity was removed at this action's HLC.
	Remove bool
}

// Event is an application-level notification emitted alongside actions,
// carried on the wire in a StateDelta's optional events field.
type Event struct {
	Kind string
	Data []byte
}

// Result is what executing a method against the sandbox produces.
type Result struct {
	Actions []Action
	Logs    []string
	Events  []Event
	Return  []byte
}

// Executor runs one method call against one context's sandboxed
// application logic.
type Executor interface {
	Execute(ctx context.Context, contextID [32]byte, method string, payload []byte, identity [32]byte) (*Result, error)
	// MergeCustom delegates a Custom-typed CRDT merge to sandboxed
	// application logic, satisfying crdt.CustomMerger.
	MergeCustom(typeID uint32, existing, incoming []byte) ([]byte, error)
}

// Mock is a deterministic in-memory Executor for tests: it records calls
// and returns canned results keyed by method name, with no actual
// isolation.
type Mock struct {
	Results map[string]*Result
	Merges  map[uint32]func(existing, incoming []byte) ([]byte, error)

	Calls []Call
}

// Call records one Execute invocation for test assertions.
type Call struct {
	ContextID [32]byte
	Method    string
	Payload   []byte
	Identity  [32]byte
}

// NewMock returns an empty Mock executor.
func NewMock() *Mock {
	return &Mock{
		Results: make(map[string]*Result),
		Merges:  make(map[uint32]func(existing, incoming []byte) ([]byte, error)),
	}
}

func (m *Mock) Execute(_ context.Context, contextID [32]byte, method string, payload []byte, identity [32]byte) (*Result, error) {
	m.Calls = append(m.Calls, Call{ContextID: contextID, Method: method, Payload: payload, Identity: identity})
	res, ok := m.Results[method]
	if !ok {
		return &Result{}, nil
	}
	return res, nil
}

func (m *Mock) MergeCustom(typeID uint32, existing, incoming []byte) ([]byte, error) {
	fn, ok := m.Merges[typeID]
	if !ok {
		return nil, crdt.ErrWasmRequired
	}
	return fn(existing, incoming)
}
