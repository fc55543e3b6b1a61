package pkproto

import (
	"errors"
	"time"

	"github.com/amken3d/pkcmd/pkmethods"
	"github.com/amken3d/pkcmd/pkproto/frame"
	"github.com/amken3d/pkcmd/pkvars"
)

// --- receive path ------------------------------------------------------------

// onIncomingError handles a peer-originated ERROR frame: it is always
// acknowledged, and any active chain is aborted locally. Per spec §5, a
// simultaneous ERROR crossing our own is handled idempotently: we drop our
// own outstanding send (if any) in favor of the incoming abort.
func (e *Engine) onIncomingError(f frame.Frame, now time.Time) {
	e.ackAndRemember(f)
	e.outstanding = nil
	if e.active == nil {
		return
	}
	if e.active.phase == phaseErrorWait {
		// Our own ERROR already reported this chain as failed.
		e.active = nil
		return
	}
	reason := FailureReason{Kind: KindHandlerFailed, Description: string(f.Data)}
	e.metrics.ChainsFailed.WithLabelValues("remote_error").Inc()
	e.events = append(e.events, Event{Kind: EventChainFailed, Reason: reason})
	e.active = nil
}

// onAck handles an ACKNO frame: either the sentinel ACK of an ERROR we
// raised, or the ordinary ACK of the single outstanding send.
func (e *Engine) onAck(f frame.Frame, now time.Time) {
	if e.outstanding == nil {
		return // stray or duplicate ACK for a send we already retired
	}
	if f.Sentinel != e.outstanding.sentinel {
		e.countAckMismatch()
		e.raiseError(KindAckMismatch, "sentinel mismatch", now)
		return
	}
	if f.Sentinel {
		e.outstanding = nil
		if e.active != nil && e.active.phase == phaseErrorWait {
			e.active = nil
		}
		return
	}
	if f.ID != e.outstanding.expectID || !f.HasObject || f.Object != frame.ObjectTag(e.outstanding.expectOp) {
		e.countAckMismatch()
		e.raiseError(KindAckMismatch, "", now)
		return
	}
	e.outstanding = nil
	e.nextSendID = frame.Next(e.nextSendID)
	if e.active != nil {
		e.advanceAfterAck(now)
	}
}

func (e *Engine) countAckMismatch() {
	e.metrics.AckMismatches.Inc()
}

// onIncomingCommand handles every non-ACK, non-ERROR incoming frame. The
// leading duplicate check implements the reliability layer's receiver-side
// idempotence (spec §5 "duplicate-detection"): a retransmitted frame we
// already processed gets its cached ACK resent without being reprocessed.
func (e *Engine) onIncomingCommand(f frame.Frame, now time.Time) {
	if e.haveLastRecv && !f.Sentinel && f.ID == e.lastRecvID && f.Op == e.lastRecvOp {
		if e.lastAckSent != nil {
			e.sent = append(e.sent, e.lastAckSent)
		}
		return
	}
	if e.role == RoleDevice {
		e.deviceOnIncomingCommand(f, now)
	} else {
		e.hostOnIncomingCommand(f, now)
	}
}

func (e *Engine) ackAndRemember(f frame.Frame) {
	ack := e.sendAck(f)
	e.haveLastRecv = true
	e.lastRecvID = f.ID
	e.lastRecvOp = f.Op
	e.lastAckSent = ack
}

// deviceOnIncomingCommand drives the Device's receiver-side phases:
// awaiting START, the root op frame, and the inbound byte stream.
func (e *Engine) deviceOnIncomingCommand(f frame.Frame, now time.Time) {
	if e.active == nil {
		if f.Op != frame.OpStart {
			e.raiseError(KindUnexpectedFrame, "expected START", now)
			return
		}
		e.active = &chain{phase: phaseAwaitRootFrame, lastProgress: now}
		e.ackAndRemember(f)
		return
	}

	c := e.active
	switch c.phase {
	case phaseAwaitRootFrame:
		e.deviceAcceptRoot(c, f, now)
	case phaseAwaitInboundFrame:
		e.deviceAcceptInbound(c, f, now)
	case phaseAwaitQueryFrame:
		if f.Op != frame.OpQuery {
			e.raiseError(KindUnexpectedFrame, "expected QUERY", now)
			return
		}
		e.ackAndRemember(f)
		e.beginWork(c, now)
	default:
		e.raiseError(KindUnexpectedFrame, "", now)
	}
}

func (e *Engine) deviceAcceptRoot(c *chain, f frame.Frame, now time.Time) {
	if !frame.IsRootOp(f.Op) {
		e.raiseError(KindUnexpectedFrame, "expected a root operation", now)
		return
	}
	wantObject := f.Op != frame.OpPkVer
	if wantObject != f.HasObject {
		e.raiseError(KindObjectMismatch, "", now)
		return
	}
	c.rootOp = f.Op
	c.hasRootObject = wantObject
	if wantObject {
		c.rootObject = string(f.Object)
	}
	e.ackAndRemember(f)
	c.phase = phaseAwaitInboundFrame
	c.lastProgress = now
}

// withinPayloadBudget enforces cfg.MaxPayload against an accumulating
// inbound/outbound buffer as SDATA chunks stream in, so embedded targets
// can reject an oversize transfer instead of growing an unbounded buffer
// (spec §9: "a bounded cap should be exposed so embedded targets can
// reject oversize payloads up front"). Raises KindPayloadTooLarge and
// aborts the chain if accepting incoming would exceed the budget.
func (e *Engine) withinPayloadBudget(accumulated int, incoming []byte, now time.Time) bool {
	if e.cfg.MaxPayload <= 0 {
		return true
	}
	if accumulated+len(incoming) > e.cfg.MaxPayload {
		e.raiseError(KindPayloadTooLarge, "", now)
		return false
	}
	return true
}

func (e *Engine) deviceAcceptInbound(c *chain, f frame.Frame, now time.Time) {
	rootTag := frame.ObjectTag(c.rootOp)
	switch f.Op {
	case frame.OpEmpty:
		if c.inboundMarkerSeen {
			e.raiseError(KindUnexpectedFrame, "", now)
			return
		}
		c.inboundMarkerSeen = true
		e.ackAndRemember(f)
		c.lastProgress = now
	case frame.OpSData:
		if f.Object != rootTag || !f.HasData || len(f.Data) == 0 {
			e.raiseError(KindObjectMismatch, "", now)
			return
		}
		if !e.withinPayloadBudget(len(c.downloadIn), f.Data, now) {
			return
		}
		c.inboundMarkerSeen = true
		c.downloadIn = append(c.downloadIn, f.Data...)
		e.ackAndRemember(f)
		c.lastProgress = now
	case frame.OpEndTr:
		if !c.inboundMarkerSeen {
			e.raiseError(KindUnexpectedFrame, "ENDTR without a preceding marker", now)
			return
		}
		e.ackAndRemember(f)
		c.phase = phaseAwaitQueryFrame
		c.lastProgress = now
	default:
		e.raiseError(KindUnexpectedFrame, "", now)
	}
}

// hostOnIncomingCommand drives the Host's receiver-side phases: the
// device's keep-alives and the outbound result stream.
func (e *Engine) hostOnIncomingCommand(f frame.Frame, now time.Time) {
	c := e.active
	if c == nil {
		e.raiseError(KindUnexpectedFrame, "no active chain", now)
		return
	}
	rootTag := frame.ObjectTag(c.rootOp)

	switch f.Op {
	case frame.OpAwait:
		if c.phase != phaseWorking {
			e.raiseError(KindUnexpectedFrame, "", now)
			return
		}
		e.ackAndRemember(f)
		c.lastProgress = now
	case frame.OpRturn:
		if c.phase != phaseWorking {
			e.raiseError(KindUnexpectedFrame, "", now)
			return
		}
		switch {
		case f.Object == frame.ObjectEmpty:
			c.resultIsEmpty = true
		case f.Object == rootTag:
			c.resultIsEmpty = false
		default:
			e.raiseError(KindObjectMismatch, "", now)
			return
		}
		e.ackAndRemember(f)
		c.phase = phaseAwaitOutboundFrame
		c.lastProgress = now
	case frame.OpSData:
		if c.phase != phaseAwaitOutboundFrame || f.Object != rootTag || !f.HasData || len(f.Data) == 0 {
			e.raiseError(KindUnexpectedFrame, "", now)
			return
		}
		if !e.withinPayloadBudget(len(c.downloadOut), f.Data, now) {
			return
		}
		c.downloadOut = append(c.downloadOut, f.Data...)
		c.outboundHasData = true
		e.ackAndRemember(f)
		c.lastProgress = now
	case frame.OpEndTr:
		if c.phase != phaseAwaitOutboundFrame {
			e.raiseError(KindUnexpectedFrame, "", now)
			return
		}
		e.ackAndRemember(f)
		e.finishChain(c, now, c.downloadOut)
	default:
		e.raiseError(KindUnexpectedFrame, "", now)
	}
}

// --- ack-driven send progression --------------------------------------------

func (e *Engine) advanceAfterAck(now time.Time) {
	if e.role == RoleHost {
		e.hostAdvance(now)
	} else {
		e.deviceAdvance(now)
	}
}

func (e *Engine) hostAdvance(now time.Time) {
	c := e.active
	switch c.phase {
	case phaseAwaitStartAck:
		e.hostSendRoot(c, now)
	case phaseAwaitRootAck:
		e.hostBeginInbound(c, now)
	case phaseAwaitInboundAck:
		e.hostAdvanceInbound(c, now)
	case phaseAwaitQueryAck:
		c.phase = phaseWorking
		c.lastProgress = now
	}
}

func (e *Engine) deviceAdvance(now time.Time) {
	c := e.active
	switch c.phase {
	case phaseWorking:
		// AWAIT just acked; further progress is driven by the next Poll's
		// driveWorking call once the job/var/external result is ready.
	case phaseAwaitWorkingAck:
		if c.resultIsEmpty {
			e.deviceSendEndtr(c, now)
		} else {
			e.deviceAdvanceOutbound(c, now)
		}
	case phaseAwaitOutboundAck:
		if c.lastSentOp == frame.OpEndTr {
			e.finishChain(c, now, c.resultBuf)
		} else {
			e.deviceAdvanceOutbound(c, now)
		}
	}
}

// --- Host-side senders --------------------------------------------------------

func (e *Engine) hostSendStart(c *chain, now time.Time) {
	f := e.newFrame(frame.OpStart, "", false, nil)
	e.send(f, now)
	c.phase = phaseAwaitStartAck
	c.lastSentOp = frame.OpStart
	c.lastProgress = now
}

func (e *Engine) hostSendRoot(c *chain, now time.Time) {
	var obj frame.ObjectTag
	if c.hasRootObject {
		obj = frame.ObjectTag(c.rootObject)
	}
	f := e.newFrame(c.rootOp, obj, c.hasRootObject, nil)
	e.send(f, now)
	c.phase = phaseAwaitRootAck
	c.lastSentOp = c.rootOp
	c.lastProgress = now
}

func (e *Engine) hostBeginInbound(c *chain, now time.Time) {
	rootTag := frame.ObjectTag(c.rootOp)
	if len(c.uploadBuf) == 0 {
		f := e.newFrame(frame.OpEmpty, "", false, nil)
		e.send(f, now)
		c.uploadEmptySent = true
		c.lastSentOp = frame.OpEmpty
	} else {
		chunk := nextChunk(c.uploadBuf, c.uploadCursor, e.cfg.chunkSize())
		f := e.newFrame(frame.OpSData, rootTag, true, chunk)
		e.send(f, now)
		c.uploadCursor += len(chunk)
		c.lastSentOp = frame.OpSData
	}
	c.phase = phaseAwaitInboundAck
	c.lastProgress = now
}

func (e *Engine) hostAdvanceInbound(c *chain, now time.Time) {
	rootTag := frame.ObjectTag(c.rootOp)
	switch c.lastSentOp {
	case frame.OpEmpty:
		f := e.newFrame(frame.OpEndTr, "", false, nil)
		e.send(f, now)
		c.lastSentOp = frame.OpEndTr
		c.lastProgress = now
	case frame.OpSData:
		if c.uploadCursor < len(c.uploadBuf) {
			chunk := nextChunk(c.uploadBuf, c.uploadCursor, e.cfg.chunkSize())
			f := e.newFrame(frame.OpSData, rootTag, true, chunk)
			e.send(f, now)
			c.uploadCursor += len(chunk)
			c.lastSentOp = frame.OpSData
		} else {
			f := e.newFrame(frame.OpEndTr, "", false, nil)
			e.send(f, now)
			c.lastSentOp = frame.OpEndTr
		}
		c.lastProgress = now
	case frame.OpEndTr:
		f := e.newFrame(frame.OpQuery, "", false, nil)
		e.send(f, now)
		c.lastSentOp = frame.OpQuery
		c.phase = phaseAwaitQueryAck
		c.lastProgress = now
	}
}

// --- Device-side senders -------------------------------------------------------

func (e *Engine) deviceSendAwait(c *chain, now time.Time) {
	f := e.newFrame(frame.OpAwait, "", false, nil)
	e.send(f, now)
	c.lastSentOp = frame.OpAwait
	c.awaitSentOnce = true
	c.lastAwaitAt = now
	c.lastProgress = now
}

func (e *Engine) deviceSendRTurn(c *chain, now time.Time) {
	var obj frame.ObjectTag
	if c.resultIsEmpty {
		obj = frame.ObjectEmpty
	} else {
		obj = frame.ObjectTag(c.rootOp)
	}
	f := e.newFrame(frame.OpRturn, obj, true, nil)
	e.send(f, now)
	c.lastSentOp = frame.OpRturn
	c.sentRTurn = true
	c.phase = phaseAwaitWorkingAck
	c.lastProgress = now
}

func (e *Engine) deviceSendEndtr(c *chain, now time.Time) {
	f := e.newFrame(frame.OpEndTr, "", false, nil)
	e.send(f, now)
	c.lastSentOp = frame.OpEndTr
	c.phase = phaseAwaitOutboundAck
	c.lastProgress = now
}

func (e *Engine) deviceAdvanceOutbound(c *chain, now time.Time) {
	rootTag := frame.ObjectTag(c.rootOp)
	if c.resultCursor < len(c.resultBuf) {
		chunk := nextChunk(c.resultBuf, c.resultCursor, e.cfg.chunkSize())
		f := e.newFrame(frame.OpSData, rootTag, true, chunk)
		e.send(f, now)
		c.resultCursor += len(chunk)
		c.lastSentOp = frame.OpSData
	} else {
		f := e.newFrame(frame.OpEndTr, "", false, nil)
		e.send(f, now)
		c.lastSentOp = frame.OpEndTr
	}
	c.phase = phaseAwaitOutboundAck
	c.lastProgress = now
}

func nextChunk(buf []byte, cursor, size int) []byte {
	end := cursor + size
	if end > len(buf) {
		end = len(buf)
	}
	return buf[cursor:end]
}

// --- Device-side work dispatch ------------------------------------------------

// beginWork dispatches a fully-received root operation to the configured
// collaborators, or inverts control to the caller via EventIncomingRequest
// when they are nil (spec §4.5).
func (e *Engine) beginWork(c *chain, now time.Time) {
	switch c.rootOp {
	case frame.OpPkVer:
		c.workDone = true
		c.resultBuf = []byte(e.version)
	case frame.OpSendV:
		if e.vars == nil {
			e.emitIncomingRequest(c)
			break
		}
		if err := e.vars.Set(c.rootObject, c.downloadIn); err != nil {
			e.failWork(c, err)
		} else {
			c.workDone = true
		}
	case frame.OpReqUV:
		if e.vars == nil {
			e.emitIncomingRequest(c)
			break
		}
		v, err := e.vars.Get(c.rootObject)
		if err != nil {
			e.failWork(c, err)
		} else {
			c.workDone = true
			c.resultBuf = v
		}
	case frame.OpInvok:
		if e.methods == nil {
			e.emitIncomingRequest(c)
			break
		}
		job, err := e.methods.Begin(c.rootObject, c.downloadIn)
		if err != nil {
			e.failWork(c, err)
		} else {
			j := job
			c.job = &j
		}
	}

	c.phase = phaseWorking
	c.lastProgress = now
}

func (e *Engine) failWork(c *chain, err error) {
	c.workFailed = true
	c.workFailReason = err.Error()
	switch {
	case errors.Is(err, pkvars.ErrNotFound), errors.Is(err, pkmethods.ErrNotFound):
		c.workFailKind = KindNotFound
	case errors.Is(err, pkvars.ErrBadValue), errors.Is(err, pkmethods.ErrBadArgs):
		c.workFailKind = KindHandlerFailed
	default:
		c.workFailKind = KindHandlerFailed
	}
}

func (e *Engine) emitIncomingRequest(c *chain) {
	c.externalPending = true
	e.events = append(e.events, Event{
		Kind:       EventIncomingRequest,
		RootOp:     c.rootOp,
		RootObject: c.rootObject,
		Bytes:      c.downloadIn,
		Reply:      &ReplyHandle{engine: e, chain: c},
	})
}

// resolveExternal is invoked by ReplyHandle.Resolve to supply a result for
// a chain whose request was handed off via EventIncomingRequest.
func (e *Engine) resolveExternal(c *chain, data []byte, ok bool) {
	if c.phase != phaseWorking || !c.externalPending || c.externalResolved {
		return
	}
	c.externalResolved = true
	if ok {
		c.workDone = true
		c.resultBuf = data
	} else {
		c.workFailed = true
		c.workFailKind = KindHandlerFailed
		c.workFailReason = "rejected by caller"
	}
}

// pollWork advances any in-flight Job for the active Device chain. SENDV,
// REQUV and PKVER resolve synchronously inside beginWork, and externally
// handed-off requests resolve through ReplyHandle.Resolve; only INVOK's Job
// is polled here.
func (e *Engine) pollWork(c *chain, now time.Time) {
	if e.role != RoleDevice || c.phase != phaseWorking {
		return
	}
	if c.workDone || c.workFailed || c.job == nil {
		return
	}
	p := c.job.PollNow()
	switch p.Status {
	case pkmethods.Done:
		c.workDone = true
		c.resultBuf = p.Result
	case pkmethods.Failed:
		c.workFailed = true
		c.workFailKind = KindHandlerFailed
		c.workFailReason = p.Reason
	case pkmethods.Pending:
	}
}

// driveWorking emits the Device's half of the working sub-state: an ERROR
// if the work failed, the start of the outbound stream once it succeeded,
// or an AWAIT keep-alive while it is still pending (spec §4.3).
func (e *Engine) driveWorking(now time.Time) {
	c := e.active
	if c.workFailed {
		e.raiseError(c.workFailKind, c.workFailReason, now)
		return
	}
	if c.workDone {
		c.resultIsEmpty = len(c.resultBuf) == 0
		e.deviceSendRTurn(c, now)
		return
	}
	if !c.awaitSentOnce || !now.Before(c.lastAwaitAt.Add(e.cfg.AwaitInterval)) {
		e.deviceSendAwait(c, now)
	}
}

// --- termination --------------------------------------------------------------

func (e *Engine) raiseError(kind Kind, detail string, now time.Time) {
	reason := newReason(kind, detail)
	f := frame.Frame{
		Sentinel:  true,
		Op:        frame.OpError,
		Object:    frame.ObjectError,
		HasObject: true,
		Data:      []byte(reason.Description),
		HasData:   len(reason.Description) > 0,
	}
	wire, err := frame.Encode(f)
	if err != nil {
		e.log.Errorf("internal error-frame encode failure: %v", err)
		return
	}
	e.sent = append(e.sent, wire)
	e.outstanding = &outstanding{wire: wire, sentinel: true, expectOp: frame.OpError, sentAt: now, attempts: 1}
	e.countSent(frame.OpError)

	if e.active != nil {
		e.active.phase = phaseErrorWait
		e.metrics.ChainsFailed.WithLabelValues(string(kind)).Inc()
		e.events = append(e.events, Event{Kind: EventChainFailed, Reason: reason})
	}
}

func (e *Engine) retransmit(now time.Time) {
	if e.outstanding == nil {
		return
	}
	if e.outstanding.attempts >= e.cfg.MaxAttempts {
		wasErrorRetry := e.outstanding.sentinel
		e.outstanding = nil
		if wasErrorRetry {
			e.active = nil
			return
		}
		e.raiseError(KindRetryExhausted, "peer did not acknowledge after max attempts", now)
		return
	}
	e.outstanding.attempts++
	e.outstanding.sentAt = now
	e.sent = append(e.sent, e.outstanding.wire)
	e.metrics.Retransmits.Inc()
}

func (e *Engine) finishChain(c *chain, now time.Time, result []byte) {
	e.metrics.ChainsDone.WithLabelValues(string(c.rootOp)).Inc()
	e.events = append(e.events, Event{
		Kind:       EventChainCompleted,
		RootOp:     c.rootOp,
		RootObject: c.rootObject,
		Bytes:      result,
	})
	e.active = nil
}
