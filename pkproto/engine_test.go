package pkproto

import (
	"testing"
	"time"

	"github.com/amken3d/pkcmd/pkmethods"
	"github.com/amken3d/pkcmd/pkproto/frame"
	"github.com/amken3d/pkcmd/pkvars"
)

// pump wires two engines together with an in-memory channel, running until
// neither side has a frame to send or a chain in progress, or 200 rounds
// (1ms apart) have run.
func pump(t *testing.T, host, device *Engine, now time.Time) (hostEvents, deviceEvents []Event) {
	t.Helper()
	var hostOut, deviceOut []byte

	for round := 0; round < 200; round++ {
		hs := host.Poll(now)
		ds := device.Poll(now)
		hostEvents = append(hostEvents, hs.Events...)
		deviceEvents = append(deviceEvents, ds.Events...)
		hostOut = hs.ToSend
		deviceOut = ds.ToSend

		if hostOut == nil && deviceOut == nil && host.active == nil && device.active == nil {
			break
		}
		if hostOut != nil {
			device.OnFrame(hostOut, now)
		}
		if deviceOut != nil {
			host.OnFrame(deviceOut, now)
		}
		now = now.Add(time.Millisecond)
	}
	return hostEvents, deviceEvents
}

func newPair(t *testing.T) (*Engine, *Engine, *pkvars.Store) {
	t.Helper()
	vars := pkvars.NewStore()
	methods := pkmethods.NewRegistry()
	methods.Register("echo", pkmethods.Immediate(func(_ string, args []byte) ([]byte, error) {
		return args, nil
	}))
	methods.Register("count", pkmethods.CountingPending(3, func(_ string, _ []byte) ([]byte, error) {
		return []byte("done"), nil
	}))

	host := New(RoleHost, 30, Collaborators{})
	device := New(RoleDevice, 30, Collaborators{Vars: vars, Methods: methods})
	return host, device, vars
}

func findCompleted(events []Event) (Event, bool) {
	for _, e := range events {
		if e.Kind == EventChainCompleted {
			return e, true
		}
	}
	return Event{}, false
}

func findFailed(events []Event) (Event, bool) {
	for _, e := range events {
		if e.Kind == EventChainFailed {
			return e, true
		}
	}
	return Event{}, false
}

func TestSendVThenReqUVRoundTrip(t *testing.T) {
	host, device, _ := newPair(t)
	now := time.Now()

	payload := []byte("this payload is longer than one chunk of a thirty byte MTU frame")
	if err := host.StartHostChain(frame.OpSendV, "VARIA", payload); err != nil {
		t.Fatalf("StartHostChain: %v", err)
	}
	hostEvents, deviceEvents := pump(t, host, device, now)

	if _, ok := findCompleted(hostEvents); !ok {
		t.Fatalf("host did not see ChainCompleted; events=%+v", hostEvents)
	}
	if _, ok := findCompleted(deviceEvents); !ok {
		t.Fatalf("device did not see ChainCompleted; events=%+v", deviceEvents)
	}

	if err := host.StartHostChain(frame.OpReqUV, "VARIA", nil); err != nil {
		t.Fatalf("StartHostChain REQUV: %v", err)
	}
	hostEvents, _ = pump(t, host, device, now)
	done, ok := findCompleted(hostEvents)
	if !ok {
		t.Fatalf("host did not see ChainCompleted for REQUV; events=%+v", hostEvents)
	}
	if string(done.Bytes) != string(payload) {
		t.Errorf("REQUV returned %q, want %q", done.Bytes, payload)
	}
}

func TestPkVerRoundTrip(t *testing.T) {
	host, device, _ := newPair(t)
	now := time.Now()

	if err := host.StartHostChain(frame.OpPkVer, "", nil); err != nil {
		t.Fatalf("StartHostChain: %v", err)
	}
	hostEvents, _ := pump(t, host, device, now)
	done, ok := findCompleted(hostEvents)
	if !ok {
		t.Fatalf("expected ChainCompleted, got %+v", hostEvents)
	}
	if string(done.Bytes) != Version {
		t.Errorf("PKVER returned %q, want %q", done.Bytes, Version)
	}
}

func TestInvokWithAwaitKeepalive(t *testing.T) {
	host, device, _ := newPair(t)
	now := time.Now()

	if err := host.StartHostChain(frame.OpInvok, "count", []byte("go")); err != nil {
		t.Fatalf("StartHostChain: %v", err)
	}
	hostEvents, _ := pump(t, host, device, now)
	done, ok := findCompleted(hostEvents)
	if !ok {
		t.Fatalf("expected ChainCompleted, got %+v", hostEvents)
	}
	if string(done.Bytes) != "done" {
		t.Errorf("INVOK returned %q, want %q", done.Bytes, "done")
	}
}

func TestReqUVNotFoundRaisesError(t *testing.T) {
	host, device, _ := newPair(t)
	now := time.Now()

	if err := host.StartHostChain(frame.OpReqUV, "NOPE1", nil); err != nil {
		t.Fatalf("StartHostChain: %v", err)
	}
	hostEvents, deviceEvents := pump(t, host, device, now)

	if _, ok := findFailed(hostEvents); !ok {
		t.Fatalf("expected ChainFailed on host, got %+v", hostEvents)
	}
	if _, ok := findFailed(deviceEvents); !ok {
		t.Fatalf("expected ChainFailed on device, got %+v", deviceEvents)
	}
}

// TestDroppedAckRetransmits verifies the sender retransmits an outstanding
// frame whose ACK never arrives, and that the duplicate is handled
// idempotently by the receiver.
func TestDroppedAckRetransmits(t *testing.T) {
	host, device, _ := newPair(t)
	now := time.Now()

	if err := host.StartHostChain(frame.OpPkVer, "", nil); err != nil {
		t.Fatalf("StartHostChain: %v", err)
	}

	// First Poll emits START; simulate it reaching the device, but drop the
	// device's ACK reply so the host must retransmit.
	step := host.Poll(now)
	if step.ToSend == nil {
		t.Fatalf("expected START frame")
	}
	device.OnFrame(step.ToSend, now)
	dstep := device.Poll(now)
	if dstep.ToSend == nil {
		t.Fatalf("expected device ACK")
	}
	// Drop the ACK: do not deliver dstep.ToSend to host.

	// Advance past the ack timeout; host should retransmit the same frame.
	later := now.Add(2 * DefaultAckTimeout)
	step2 := host.Poll(later)
	if step2.ToSend == nil {
		t.Fatalf("expected retransmitted START frame")
	}

	// Now deliver the (retransmitted) frame to the device: it is a true
	// duplicate of the one it already acked, so it must re-send the cached
	// ACK without reprocessing.
	device.OnFrame(step2.ToSend, later)
	dstep2 := device.Poll(later)
	if dstep2.ToSend == nil {
		t.Fatalf("expected device to resend its cached ACK")
	}
	host.OnFrame(dstep2.ToSend, later)

	hostEvents, _ := pump(t, host, device, later)
	if _, ok := findCompleted(hostEvents); !ok {
		t.Fatalf("expected chain to still complete after retransmit, got %+v", hostEvents)
	}
}

func TestAckMismatchRaisesError(t *testing.T) {
	host, _, _ := newPair(t)
	now := time.Now()

	if err := host.StartHostChain(frame.OpPkVer, "", nil); err != nil {
		t.Fatalf("StartHostChain: %v", err)
	}
	step := host.Poll(now)
	if step.ToSend == nil {
		t.Fatalf("expected START frame")
	}

	// Feed the host a bogus ACK that doesn't match what it sent (it sent
	// START, not SENDV).
	bogusAck, err := frame.Encode(frame.Frame{ID: 0, Op: frame.OpAckNo, Object: "SENDV", HasObject: true})
	if err != nil {
		t.Fatalf("encode bogus ack: %v", err)
	}
	host.OnFrame(bogusAck, now)

	hostEvents := host.Poll(now).Events
	if _, ok := findFailed(hostEvents); !ok {
		t.Fatalf("expected ChainFailed after ack mismatch, got %+v", hostEvents)
	}
}

func TestStartHostChainRejectsConcurrentChain(t *testing.T) {
	host, _, _ := newPair(t)
	if err := host.StartHostChain(frame.OpPkVer, "", nil); err != nil {
		t.Fatalf("first StartHostChain: %v", err)
	}
	if err := host.StartHostChain(frame.OpPkVer, "", nil); err != ErrBusy {
		t.Fatalf("expected ErrBusy, got %v", err)
	}
}
