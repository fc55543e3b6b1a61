package frame

import (
	"errors"
	"fmt"
)

// Op is one of the thirteen fixed 5-byte protocol operation tokens.
type Op string

// The closed operation set. Every wire Op must be one of these.
const (
	OpSendV Op = "SENDV"
	OpReqUV Op = "REQUV"
	OpInvok Op = "INVOK"
	OpPkVer Op = "PKVER"
	OpStart Op = "START"
	OpEndTr Op = "ENDTR"
	OpAckNo Op = "ACKNO"
	OpQuery Op = "QUERY"
	OpRturn Op = "RTURN"
	OpEmpty Op = "EMPTY"
	OpSData Op = "SDATA"
	OpAwait Op = "AWAIT"
	OpError Op = "ERROR"
)

// RootOps are the four operations that may open a chain.
var RootOps = []Op{OpSendV, OpReqUV, OpInvok, OpPkVer}

// IsRootOp reports whether op is a legal chain root.
func IsRootOp(op Op) bool {
	for _, r := range RootOps {
		if r == op {
			return true
		}
	}
	return false
}

var validOps = map[Op]bool{
	OpSendV: true, OpReqUV: true, OpInvok: true, OpPkVer: true,
	OpStart: true, OpEndTr: true, OpAckNo: true, OpQuery: true,
	OpRturn: true, OpEmpty: true, OpSData: true, OpAwait: true,
	OpError: true,
}

// ObjectTag is the 5-byte OBJECT field: a variable/method name, an echoed
// root-op name, or one of the literals EMPTY/ERROR.
type ObjectTag string

const (
	ObjectEmpty ObjectTag = "EMPTY"
	ObjectError ObjectTag = "ERROR"
)

const fieldLen = 5

// Frame is an immutable decoded wire frame.
type Frame struct {
	ID        MsgID
	Sentinel  bool // true for the reserved ERROR MsgId (two spaces)
	Op        Op
	Object    ObjectTag
	HasObject bool
	Data      []byte
	HasData   bool
}

// ParseError reports a malformed frame; the engine reacts to it by raising
// an ERROR frame and terminating the current chain.
type ParseError struct {
	Reason string
}

func (e *ParseError) Error() string { return "frame: parse error: " + e.Reason }

func parseErrf(format string, args ...any) error {
	return &ParseError{Reason: fmt.Sprintf(format, args...)}
}

// Encode renders f as its wire bytes. The caller is responsible for
// ensuring the result fits within the transport MTU.
func Encode(f Frame) ([]byte, error) {
	if !validOps[f.Op] {
		return nil, errors.New("frame: unknown op " + string(f.Op))
	}
	if len(f.Op) != fieldLen {
		return nil, errors.New("frame: op must be 5 bytes")
	}
	if f.HasData && !f.HasObject {
		return nil, errors.New("frame: data present without object")
	}
	if f.HasObject && len(f.Object) != fieldLen {
		return nil, errors.New("frame: object must be 5 bytes")
	}

	out := make([]byte, 0, 2+fieldLen+1+fieldLen+1+len(f.Data))

	if f.Sentinel {
		out = append(out, Sentinel[:]...)
	} else {
		id := EncodeMsgID(f.ID)
		out = append(out, id[:]...)
	}

	out = append(out, []byte(f.Op)...)

	if f.HasObject {
		out = append(out, ' ')
		out = append(out, []byte(f.Object)...)
		if f.HasData {
			out = append(out, ' ')
			out = append(out, f.Data...)
		}
	}

	return out, nil
}

// Decode parses the wire bytes of a single frame.
func Decode(b []byte) (Frame, error) {
	if len(b) < 2+fieldLen {
		return Frame{}, parseErrf("frame too short (%d bytes)", len(b))
	}

	var idBytes [2]byte
	copy(idBytes[:], b[:2])

	var f Frame
	id, err := DecodeMsgID(idBytes)
	switch {
	case err == nil:
		f.ID = id
	case errors.Is(err, ErrSentinel):
		f.Sentinel = true
	default:
		return Frame{}, parseErrf("%v", err)
	}

	op := Op(b[2 : 2+fieldLen])
	if !validOps[op] {
		return Frame{}, parseErrf("unknown op %q", string(op))
	}
	f.Op = op

	rest := b[2+fieldLen:]

	if len(rest) > 0 {
		if rest[0] != ' ' {
			return Frame{}, parseErrf("expected field separator after op")
		}
		rest = rest[1:]

		if len(rest) < fieldLen {
			return Frame{}, parseErrf("object field truncated")
		}
		f.Object = ObjectTag(rest[:fieldLen])
		f.HasObject = true
		rest = rest[fieldLen:]

		if len(rest) > 0 {
			if rest[0] != ' ' {
				return Frame{}, parseErrf("expected field separator after object")
			}
			f.Data = rest[1:]
			f.HasData = true
		}
	}

	if f.Sentinel {
		if err := validateSentinelFrame(f); err != nil {
			return Frame{}, err
		}
	}

	return f, nil
}

// validateSentinelFrame enforces that the sentinel MsgId is only used on an
// ERROR frame or an ACKNO of ERROR, per spec: "accepting the two-space
// sentinel only if the rest of the frame is exactly ERROR ERROR or
// ACKNO ERROR, possibly with a description".
func validateSentinelFrame(f Frame) error {
	switch f.Op {
	case OpError:
		if !f.HasObject || f.Object != ObjectError {
			return parseErrf("ERROR frame object must be ERROR, got %q", string(f.Object))
		}
		return nil
	case OpAckNo:
		if !f.HasObject || f.Object != ObjectError {
			return parseErrf("sentinel ACKNO must target object ERROR")
		}
		return nil
	default:
		return parseErrf("sentinel msg id used with non-error op %q", string(f.Op))
	}
}
