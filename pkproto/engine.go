// Package pkproto is the PK Command Protocol engine: a symmetric state
// machine that drives one peer (Host or Device) through the four-phase
// transaction chain described in spec §4.4, over an abstract, lossy,
// point-to-point byte channel. The engine performs no I/O itself; callers
// feed it received frames via OnFrame and drive it forward via Poll,
// exactly as spec §4.6 and §5 describe.
package pkproto

import (
	"errors"
	"fmt"
	"time"

	"github.com/amken3d/pkcmd/internal/pklog"
	"github.com/amken3d/pkcmd/internal/pkmetrics"
	"github.com/amken3d/pkcmd/pkmethods"
	"github.com/amken3d/pkcmd/pkproto/frame"
	"github.com/amken3d/pkcmd/pkvars"
)

// Collaborators bundles the external contracts the engine consumes (spec
// §4.5). Vars and Methods may be nil, in which case the Device engine
// inverts control to the caller via an EventIncomingRequest instead of
// resolving SENDV/REQUV/INVOK chains itself.
type Collaborators struct {
	Vars    pkvars.Accessor
	Methods pkmethods.Invoker
	Version string // overrides Version if non-empty

	Log     *pklog.Logger
	Metrics *pkmetrics.Metrics
}

// Engine is one Session (spec §3): the Role, the shared MsgId counter, the
// collaborator handles, and at most one active ChainContext. It is not
// re-entrant; callers must serialize OnFrame/Poll/StartHostChain calls
// (spec §5 "Shared-resource policy").
type Engine struct {
	role Role
	cfg  Config

	vars    pkvars.Accessor
	methods pkmethods.Invoker
	version string

	log     *pklog.Logger
	metrics *pkmetrics.Metrics

	nextSendID frame.MsgID

	haveLastRecv bool
	lastRecvID   frame.MsgID
	lastRecvOp   frame.Op
	lastAckSent  []byte

	outstanding *outstanding
	active      *chain

	sent   [][]byte
	events []Event
}

// New constructs an Engine for the given Role and MTU using recommended
// default timings. Use NewWithConfig to override them.
func New(role Role, mtu int, collab Collaborators) *Engine {
	return NewWithConfig(role, DefaultConfig(mtu), collab)
}

// NewWithConfig constructs an Engine with an explicit Config.
func NewWithConfig(role Role, cfg Config, collab Collaborators) *Engine {
	version := collab.Version
	if version == "" {
		version = Version
	}
	log := collab.Log
	if log == nil {
		log = pklog.NewSilent()
	}
	metrics := collab.Metrics
	if metrics == nil {
		metrics = pkmetrics.New(role.String())
	}
	return &Engine{
		role:    role,
		cfg:     cfg,
		vars:    collab.Vars,
		methods: collab.Methods,
		version: version,
		log:     log.With(map[string]any{"role": role.String()}),
		metrics: metrics,
	}
}

// Role reports which end of the chain this engine plays.
func (e *Engine) Role() Role { return e.role }

// StartHostChain enqueues a new Host-initiated chain. It returns ErrBusy if
// a chain is already active. The actual START frame is emitted on the next
// Poll call, per spec §4.6 ("the engine never performs I/O itself").
func (e *Engine) StartHostChain(rootOp frame.Op, rootObject string, inbound []byte) error {
	if e.role != RoleHost {
		return errors.New("pkproto: StartHostChain is Host-only")
	}
	if e.active != nil {
		return ErrBusy
	}
	if !frame.IsRootOp(rootOp) {
		return fmt.Errorf("pkproto: %q is not a root operation", rootOp)
	}
	hasObject := rootOp != frame.OpPkVer
	if hasObject && rootObject == "" {
		return fmt.Errorf("pkproto: %s requires a root object", rootOp)
	}
	if !hasObject && rootObject != "" {
		return errors.New("pkproto: PKVER takes no root object")
	}
	if e.cfg.MaxPayload > 0 && len(inbound) > e.cfg.MaxPayload {
		return fmt.Errorf("pkproto: inbound payload of %d bytes exceeds MaxPayload %d", len(inbound), e.cfg.MaxPayload)
	}

	e.active = &chain{
		rootOp:        rootOp,
		rootObject:    rootObject,
		hasRootObject: hasObject,
		uploadBuf:     append([]byte(nil), inbound...),
		phase:         phasePendingStart,
	}
	return nil
}

// Cancel aborts the current chain (if any) with an outgoing ERROR frame,
// per spec §5 "A cancellation request from the user-facing driver MUST
// abort the current chain via an outgoing ERROR". The session counter is
// preserved.
func (e *Engine) Cancel(now time.Time) {
	if e.active == nil {
		return
	}
	e.raiseError(KindHandlerFailed, "cancelled by caller", now)
}

// OnFrame feeds one received wire frame into the engine.
func (e *Engine) OnFrame(data []byte, now time.Time) {
	f, err := frame.Decode(data)
	if err != nil {
		e.log.Warnf("decode error: %v", err)
		e.raiseError(KindParseError, err.Error(), now)
		return
	}

	e.countReceived(f)

	switch {
	case f.Op == frame.OpError:
		e.onIncomingError(f, now)
	case f.Op == frame.OpAckNo:
		e.onAck(f, now)
	default:
		e.onIncomingCommand(f, now)
	}
}

// Poll advances the engine given the current time: it flushes any
// retransmissions and keep-alives that are due, drains frames to send and
// events to report, and returns the next deadline by which Poll must be
// called again (even without new bytes).
func (e *Engine) Poll(now time.Time) Step {
	if e.active != nil && e.active.phase == phasePendingStart && e.outstanding == nil {
		e.hostSendStart(e.active, now)
	}

	if e.active != nil {
		e.pollWork(e.active, now)
	}

	if e.outstanding != nil && !now.Before(e.outstanding.deadline(e.cfg.AckTimeout)) {
		e.retransmit(now)
	}

	if e.active != nil && e.outstanding == nil && e.role == RoleDevice && e.active.phase == phaseWorking {
		e.driveWorking(now)
	}

	if e.active != nil && e.active.phase != phaseErrorWait {
		if now.Sub(e.active.lastProgress) > e.cfg.InterCommandTimeout {
			e.raiseError(KindInterCommandTimeout, "", now)
		}
	}

	if e.outstanding != nil {
		e.metrics.OutstandingAge.Set(now.Sub(e.outstanding.sentAt).Seconds())
	} else {
		e.metrics.OutstandingAge.Set(0)
	}

	return Step{
		ToSend: e.flushSend(),
		Events: e.flushEvents(),
		WakeAt: e.nextWake(now),
	}
}

// --- outgoing frame helpers -------------------------------------------------

func (e *Engine) newFrame(op frame.Op, object frame.ObjectTag, hasObject bool, data []byte) frame.Frame {
	f := frame.Frame{ID: e.nextSendID, Op: op, Object: object, HasObject: hasObject}
	if data != nil {
		f.Data = data
		f.HasData = true
	}
	return f
}

func (e *Engine) send(f frame.Frame, now time.Time) {
	wire, err := frame.Encode(f)
	if err != nil {
		// A frame we construct ourselves should always encode; a failure
		// here is a bug, not a protocol-level condition.
		e.log.Errorf("internal encode error: %v", err)
		return
	}
	if len(wire) > e.cfg.MTU {
		e.log.Errorf("constructed frame of %d bytes exceeds MTU %d", len(wire), e.cfg.MTU)
	}
	e.sent = append(e.sent, wire)
	e.outstanding = &outstanding{
		wire:     wire,
		sentinel: f.Sentinel,
		expectID: f.ID,
		expectOp: f.Op,
		sentAt:   now,
		attempts: 1,
	}
	e.countSent(f.Op)
}

func (e *Engine) sendAck(f frame.Frame) []byte {
	ack := frame.Frame{ID: f.ID, Sentinel: f.Sentinel, Op: frame.OpAckNo, Object: frame.ObjectTag(f.Op), HasObject: true}
	wire, err := frame.Encode(ack)
	if err != nil {
		e.log.Errorf("internal ack encode error: %v", err)
		return nil
	}
	e.sent = append(e.sent, wire)
	e.countSent(ack.Op)
	return wire
}

// flushSend hands out one queued frame per Poll, so Step.ToSend always
// holds a single frame; frames still queued go out on the following Poll
// calls, which nextWake asks for immediately.
func (e *Engine) flushSend() []byte {
	if len(e.sent) == 0 {
		return nil
	}
	out := e.sent[0]
	e.sent = e.sent[1:]
	if len(e.sent) == 0 {
		e.sent = nil
	}
	return out
}

func (e *Engine) flushEvents() []Event {
	if len(e.events) == 0 {
		return nil
	}
	out := e.events
	e.events = nil
	return out
}

func (e *Engine) nextWake(now time.Time) time.Time {
	var wake time.Time
	have := false
	consider := func(t time.Time) {
		if !have || t.Before(wake) {
			wake = t
			have = true
		}
	}

	if len(e.sent) > 0 {
		consider(now)
	}
	if e.outstanding != nil {
		consider(e.outstanding.deadline(e.cfg.AckTimeout))
	}
	if e.active != nil {
		if e.active.phase == phasePendingStart {
			consider(now)
		} else {
			consider(e.active.lastProgress.Add(e.cfg.InterCommandTimeout))
		}
		if e.role == RoleDevice && e.active.phase == phaseWorking && e.outstanding == nil &&
			!e.active.workDone && !e.active.workFailed {
			if !e.active.awaitSentOnce {
				consider(now)
			} else {
				consider(e.active.lastAwaitAt.Add(e.cfg.AwaitInterval))
			}
		}
	}

	if !have {
		return time.Time{}
	}
	return wake
}

// --- counters ---------------------------------------------------------------

func (e *Engine) countSent(op frame.Op) {
	e.metrics.FramesSent.WithLabelValues(string(op)).Inc()
}

func (e *Engine) countReceived(f frame.Frame) {
	e.metrics.FramesReceived.WithLabelValues(string(f.Op)).Inc()
}
