package pkproto

import (
	"time"

	"github.com/amken3d/pkcmd/pkproto/frame"
)

// Event is the discriminated union of externally observable outcomes an
// Engine reports from Poll, per spec §4.6.
type Event struct {
	Kind EventKind

	// Valid for EventChainCompleted and EventIncomingRequest.
	RootOp     frame.Op
	RootObject string

	// Valid for EventChainCompleted (the Device's RTURN payload: as
	// received on the Host, as sent on the Device) and
	// EventIncomingRequest (the inbound bytes the Host sent, as seen by
	// the Device).
	Bytes []byte

	// Valid for EventChainFailed.
	Reason FailureReason

	// Valid for EventIncomingRequest: the Device-side handle used to
	// satisfy the request once the caller has computed a result.
	Reply *ReplyHandle
}

// EventKind enumerates the Event variants.
type EventKind int

const (
	// EventChainCompleted fires on either role when a chain's final
	// ENDTR is acknowledged; RootOp/Bytes carry the result.
	EventChainCompleted EventKind = iota
	// EventChainFailed fires on either role when a chain aborts with an
	// ERROR frame.
	EventChainFailed
	// EventIncomingRequest fires on the Device once QUERY has been
	// acknowledged and inbound bytes are available, letting the driver
	// invert control rather than only going through pkvars/pkmethods.
	EventIncomingRequest
)

// ReplyHandle lets a Device-side driver resolve an EventIncomingRequest
// out of band, if it chose not to route the request through pkvars or
// pkmethods.
type ReplyHandle struct {
	engine *Engine
	chain  *chain
}

// Resolve supplies the outbound bytes (or none) for the chain this handle
// belongs to. It is a no-op if the chain has already moved on.
func (h *ReplyHandle) Resolve(data []byte, ok bool) {
	if h == nil || h.engine == nil || h.engine.active != h.chain {
		return
	}
	h.engine.resolveExternal(h.chain, data, ok)
}

// Step is the result of advancing an Engine by one Poll call.
type Step struct {
	ToSend []byte
	Events []Event
	WakeAt time.Time
}
