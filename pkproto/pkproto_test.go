package pkproto

import (
	"testing"
	"time"

	"github.com/amken3d/pkcmd/pkproto/frame"
	"github.com/amken3d/pkcmd/pkvars"
)

// TestIDMonotonicity exercises spec.md §4.2's "next_send_id ... never
// reset by ENDTR" invariant across several back-to-back chains, mirroring
// the round-trip-loop style of frame's own TestMsgIDRoundTrip.
func TestIDMonotonicity(t *testing.T) {
	host, device, _ := newPair(t)
	now := time.Now()

	for i := 0; i < 5; i++ {
		idBefore := host.nextSendID
		if err := host.StartHostChain(frame.OpPkVer, "", nil); err != nil {
			t.Fatalf("chain %d: StartHostChain: %v", i, err)
		}
		hostEvents, _ := pump(t, host, device, now)
		if _, ok := findCompleted(hostEvents); !ok {
			t.Fatalf("chain %d: expected ChainCompleted, got %+v", i, hostEvents)
		}
		if host.nextSendID == idBefore {
			t.Fatalf("chain %d: next_send_id did not advance past %d", i, idBefore)
		}
		if i > 0 && host.nextSendID == 0 {
			t.Fatalf("chain %d: next_send_id was reset to 0 by the previous chain's ENDTR", i)
		}
	}
}

// TestDuplicateIdempotence exercises spec.md §5's duplicate-detection rule
// directly: redelivering an already-processed frame (same MsgId, same op)
// must resend the cached ACK bitwise-identical, without mutating chain
// state a second time.
func TestDuplicateIdempotence(t *testing.T) {
	device := New(RoleDevice, 64, Collaborators{Vars: pkvars.NewStore()})
	now := time.Now()

	start, err := frame.Encode(frame.Frame{ID: 0, Op: frame.OpStart})
	if err != nil {
		t.Fatalf("encode START: %v", err)
	}
	device.OnFrame(start, now)
	if device.Poll(now).ToSend == nil {
		t.Fatalf("expected ACKNO START")
	}

	root, err := frame.Encode(frame.Frame{ID: 1, Op: frame.OpSendV, Object: "VARIA", HasObject: true})
	if err != nil {
		t.Fatalf("encode SENDV: %v", err)
	}
	device.OnFrame(root, now)
	if device.Poll(now).ToSend == nil {
		t.Fatalf("expected ACKNO SENDV")
	}

	sdata, err := frame.Encode(frame.Frame{ID: 2, Op: frame.OpSData, Object: "SENDV", HasObject: true, Data: []byte("hi"), HasData: true})
	if err != nil {
		t.Fatalf("encode SDATA: %v", err)
	}

	device.OnFrame(sdata, now)
	firstAck := device.Poll(now).ToSend
	if firstAck == nil {
		t.Fatalf("expected ACKNO SDATA")
	}
	if got := len(device.active.downloadIn); got != len("hi") {
		t.Fatalf("downloadIn = %d bytes after first SDATA, want %d", got, len("hi"))
	}

	// Redeliver the identical SDATA frame, as a retransmitting sender
	// would after a lost ACK. It must not be reprocessed into downloadIn a
	// second time, and the resent ACK must match the first byte-for-byte.
	device.OnFrame(sdata, now)
	secondAck := device.Poll(now).ToSend
	if secondAck == nil {
		t.Fatalf("expected resent cached ACK for duplicate SDATA")
	}
	if string(secondAck) != string(firstAck) {
		t.Fatalf("duplicate ACK mismatch: first=%q second=%q", firstAck, secondAck)
	}
	if got := len(device.active.downloadIn); got != len("hi") {
		t.Fatalf("duplicate SDATA was reprocessed: downloadIn now %d bytes, want %d", got, len("hi"))
	}
}
