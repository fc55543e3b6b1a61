package pkproto

import (
	"time"

	"github.com/amken3d/pkcmd/pkproto/frame"
)

// outstanding tracks the single non-ACK frame this peer has sent and not
// yet seen acknowledged (spec §3 "OutstandingSend"). At most one exists at
// a time: the engine is stop-and-wait.
type outstanding struct {
	wire     []byte
	sentinel bool
	expectID frame.MsgID
	expectOp frame.Op

	sentAt   time.Time
	attempts int
}

func (o *outstanding) deadline(ackTimeout time.Duration) time.Time {
	return o.sentAt.Add(ackTimeout)
}
