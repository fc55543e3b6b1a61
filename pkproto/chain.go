package pkproto

import (
	"time"

	"github.com/amken3d/pkcmd/pkproto/frame"
	"github.com/amken3d/pkcmd/pkmethods"
)

// phaseT is the chain's position in the 4-phase transaction, generalized
// across roles per spec §4.4's state table: a phase name like
// phaseAwaitInboundAck means "I am the sender and I am waiting for the ACK
// of an inbound-phase frame I just transmitted", while phaseAwaitInboundFrame
// means "I am the receiver, waiting for the next inbound-phase frame".
type phaseT int

const (
	phaseIdle phaseT = iota

	phasePendingStart // Host: StartHostChain staged, START not yet on the wire
	phaseAwaitStartAck
	phaseAwaitRootFrame // Device: waiting for the root op frame
	phaseAwaitRootAck

	phaseAwaitInboundFrame // Device: waiting SDATA/EMPTY/ENDTR
	phaseAwaitInboundAck

	phaseAwaitQueryFrame // Device: waiting QUERY
	phaseAwaitQueryAck

	phaseWorking // Device: polling job/var; Host: waiting AWAIT/RTURN
	phaseAwaitWorkingAck

	phaseAwaitOutboundFrame // Host: waiting SDATA/ENDTR
	phaseAwaitOutboundAck

	phaseErrorWait // both: sent ERROR, waiting the sentinel ACK
)

// chain is the single active ChainContext a Session may hold (spec §3).
type chain struct {
	rootOp        frame.Op
	rootObject    string
	hasRootObject bool

	phase      phaseT
	lastSentOp frame.Op

	// Inbound phase: bytes the Host streams to the Device.
	uploadBuf       []byte
	uploadCursor    int
	uploadEmptySent bool

	// Device's view of the inbound stream.
	downloadIn        []byte
	inboundMarkerSeen bool

	// Device-side work tracking.
	job              *pkmethods.Job
	workDone         bool
	workFailed       bool
	workFailReason   string
	workFailKind     Kind
	externalPending  bool
	externalResolved bool

	awaitSentOnce bool
	lastAwaitAt   time.Time

	// Outbound phase: the Device's result.
	resultBuf     []byte
	resultIsEmpty bool
	resultCursor  int
	sentRTurn     bool

	// Host's view of the outbound stream.
	downloadOut     []byte
	outboundHasData bool

	lastProgress time.Time
}
