package frame

import (
	"bytes"
	"testing"
)

func TestMsgIDRoundTrip(t *testing.T) {
	for id := MsgID(0); id <= MaxMsgID; id += 37 {
		wire := EncodeMsgID(id)
		got, err := DecodeMsgID(wire)
		if err != nil {
			t.Fatalf("DecodeMsgID(%v) unexpected error: %v", wire, err)
		}
		if got != id {
			t.Errorf("round trip mismatch: want %d, got %d", id, got)
		}
	}
}

func TestMsgIDZeroIsBangBang(t *testing.T) {
	wire := EncodeMsgID(0)
	if wire != [2]byte{'!', '!'} {
		t.Errorf("expected MsgId 0 to encode as \"!!\", got %q", wire[:])
	}
}

func TestMsgIDMax(t *testing.T) {
	wire := EncodeMsgID(MaxMsgID)
	if wire[0] != 0x7E || wire[1] != 0x7E {
		t.Errorf("expected MaxMsgID to encode as two 0x7E bytes, got %v", wire)
	}
}

func TestMsgIDSentinel(t *testing.T) {
	_, err := DecodeMsgID(Sentinel)
	if err != ErrSentinel {
		t.Fatalf("expected ErrSentinel, got %v", err)
	}
}

func TestNextWraps(t *testing.T) {
	if got := Next(MaxMsgID); got != 0 {
		t.Errorf("Next(MaxMsgID) = %d, want 0", got)
	}
	if got := Next(0); got != 1 {
		t.Errorf("Next(0) = %d, want 1", got)
	}
}

func TestFrameRoundTrip(t *testing.T) {
	cases := []Frame{
		{ID: 0, Op: OpStart},
		{ID: 1, Op: OpAckNo, Object: "START", HasObject: true},
		{ID: 2, Op: OpSendV, Object: "VARIA", HasObject: true},
		{ID: 3, Op: OpSData, Object: "SENDV", HasObject: true, Data: []byte("hello"), HasData: true},
		{ID: 4, Op: OpEmpty},
		{ID: 5, Op: OpRturn, Object: ObjectEmpty, HasObject: true},
		{Sentinel: true, Op: OpError, Object: ObjectError, HasObject: true, Data: []byte("ack mismatch"), HasData: true},
		{Sentinel: true, Op: OpAckNo, Object: ObjectError, HasObject: true},
	}

	for _, want := range cases {
		wire, err := Encode(want)
		if err != nil {
			t.Fatalf("Encode(%+v): %v", want, err)
		}
		got, err := Decode(wire)
		if err != nil {
			t.Fatalf("Decode(%q): %v", wire, err)
		}
		if got.ID != want.ID || got.Sentinel != want.Sentinel || got.Op != want.Op ||
			got.HasObject != want.HasObject || got.Object != want.Object ||
			got.HasData != want.HasData || !bytes.Equal(got.Data, want.Data) {
			t.Errorf("round trip mismatch: want %+v, got %+v", want, got)
		}
	}
}

func TestDecodeRejectsMalformed(t *testing.T) {
	cases := map[string][]byte{
		"too short":                []byte("!!ST"),
		"unknown op":               []byte("!!ZZZZZ"),
		"missing separator":        []byte("!!STARTXVARIA"),
		"partial sentinel":         append([]byte{' ', '!'}, "START"...),
		"sentinel with wrong op":   []byte("  START"),
		"sentinel object mismatch": []byte("  ACKNO SENDV"),
	}

	for name, wire := range cases {
		if _, err := Decode(wire); err == nil {
			t.Errorf("%s: expected parse error, got none", name)
		}
	}
}

func TestEncodeRejectsDataWithoutObject(t *testing.T) {
	_, err := Encode(Frame{ID: 0, Op: OpSData, Data: []byte("x"), HasData: true})
	if err == nil {
		t.Fatal("expected error encoding data without object")
	}
}

func TestScenarioOneWireBytes(t *testing.T) {
	// Full transcript of spec.md §8 scenario 1 (SENDV with two chunks,
	// MTU=30): chunk payloads aren't given literal bytes in the spec, so
	// two arbitrary fillers stand in for chunk1/chunk2.
	chunk1 := []byte("0123456789abcdef")
	chunk2 := []byte("ZZ")

	cases := []struct {
		name string
		f    Frame
		want string
	}{
		{"START", Frame{ID: 0, Op: OpStart}, "!!START"},
		{"ACKNO START", Frame{ID: 0, Op: OpAckNo, Object: "START", HasObject: true}, "!!ACKNO START"},
		{"SENDV VARIA", Frame{ID: 1, Op: OpSendV, Object: "VARIA", HasObject: true}, "!\"SENDV VARIA"},
		{"ACKNO SENDV", Frame{ID: 1, Op: OpAckNo, Object: "SENDV", HasObject: true}, "!\"ACKNO SENDV"},
		{"SDATA chunk1", Frame{ID: 2, Op: OpSData, Object: "SENDV", HasObject: true, Data: chunk1, HasData: true}, "!#SDATA SENDV " + string(chunk1)},
		{"ACKNO SDATA 1", Frame{ID: 2, Op: OpAckNo, Object: "SDATA", HasObject: true}, "!#ACKNO SDATA"},
		{"SDATA chunk2", Frame{ID: 3, Op: OpSData, Object: "SENDV", HasObject: true, Data: chunk2, HasData: true}, "!$SDATA SENDV " + string(chunk2)},
		{"ACKNO SDATA 2", Frame{ID: 3, Op: OpAckNo, Object: "SDATA", HasObject: true}, "!$ACKNO SDATA"},
		{"ENDTR", Frame{ID: 4, Op: OpEndTr}, "!%ENDTR"},
		{"ACKNO ENDTR", Frame{ID: 4, Op: OpAckNo, Object: "ENDTR", HasObject: true}, "!%ACKNO ENDTR"},
		{"QUERY", Frame{ID: 5, Op: OpQuery}, "!&QUERY"},
		{"ACKNO QUERY", Frame{ID: 5, Op: OpAckNo, Object: "QUERY", HasObject: true}, "!&ACKNO QUERY"},
		{"RTURN EMPTY", Frame{ID: 6, Op: OpRturn, Object: ObjectEmpty, HasObject: true}, "!'RTURN EMPTY"},
		{"ACKNO RTURN", Frame{ID: 6, Op: OpAckNo, Object: "RTURN", HasObject: true}, "!'ACKNO RTURN"},
		{"ENDTR 2", Frame{ID: 7, Op: OpEndTr}, "!(ENDTR"},
		{"ACKNO ENDTR 2", Frame{ID: 7, Op: OpAckNo, Object: "ENDTR", HasObject: true}, "!(ACKNO ENDTR"},
	}

	for _, tc := range cases {
		wire, err := Encode(tc.f)
		if err != nil {
			t.Fatalf("%s: Encode: %v", tc.name, err)
		}
		if string(wire) != tc.want {
			t.Errorf("%s = %q, want %q", tc.name, wire, tc.want)
		}
	}
}
