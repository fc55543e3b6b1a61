// Package frame implements the wire-level codec for the PK Command
// Protocol: the fixed ASCII frame layout and the base-94 MsgId encoding.
package frame

import "errors"

// MaxMsgID is the highest legal MsgId value (94*94 - 1).
const MaxMsgID = 8835

// idBase is the first printable ASCII byte used by the base-94 MsgId alphabet.
const idBase = 0x21

// idTop is the last printable ASCII byte used by the base-94 MsgId alphabet.
const idTop = 0x7E

// sentinelByte is the reserved MsgId byte used only by ERROR / ACKNO ERROR
// frames. It is not part of the base-94 alphabet.
const sentinelByte = 0x20

// ErrSentinel reports that a decoded MsgId was the two-space ERROR sentinel,
// not an ordinary base-94 value. Callers that need the sentinel (frame
// decoding) check for it explicitly; DecodeMsgID returns a zero MsgID with it.
var ErrSentinel = errors.New("frame: msg id is the error sentinel")

// MsgID is a session-scoped message identifier in 0..=MaxMsgID.
type MsgID uint16

// EncodeMsgID renders id as its two-byte base-94 wire form.
func EncodeMsgID(id MsgID) [2]byte {
	v := uint16(id)
	return [2]byte{
		byte(idBase + v/94),
		byte(idBase + v%94),
	}
}

// DecodeMsgID parses the two-byte wire form of a MsgId. It returns
// ErrSentinel (with a zero MsgID) when b is the reserved two-space sentinel;
// callers that accept ERROR frames must check for that case themselves.
func DecodeMsgID(b [2]byte) (MsgID, error) {
	c1, c2 := b[0], b[1]
	if c1 == sentinelByte && c2 == sentinelByte {
		return 0, ErrSentinel
	}
	if c1 < idBase || c1 > idTop || c2 < idBase || c2 > idTop {
		return 0, errors.New("frame: msg id byte out of range")
	}
	return MsgID(uint16(c1-idBase)*94 + uint16(c2-idBase)), nil
}

// Sentinel is the wire form of the reserved ERROR MsgId: two spaces.
var Sentinel = [2]byte{sentinelByte, sentinelByte}

// Next returns the MsgId that follows id, wrapping modulo MaxMsgID+1.
func Next(id MsgID) MsgID {
	return MsgID((uint16(id) + 1) % (MaxMsgID + 1))
}
