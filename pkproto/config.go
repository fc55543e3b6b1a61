package pkproto

import "time"

// Recommended timing constants from spec §4.3/§5. Implementations may tune
// them per deployment; MaxAttempts in particular is implementation-chosen
// (spec §9 notes 5 is "a reasonable default").
const (
	DefaultAckTimeout          = 100 * time.Millisecond
	DefaultAwaitInterval       = 300 * time.Millisecond
	DefaultInterCommandTimeout = 500 * time.Millisecond
	DefaultMaxAttempts         = 5

	// frameOverhead is the fixed non-payload wire cost of an SDATA/RTURN
	// frame: 2 (MsgId) + 5 (op) + 1 (space) + 5 (object) + 1 (space) = 14,
	// matching spec §4.4's chunking policy (MTU - 14 payload bytes).
	frameOverhead = 14
)

// Config carries the tunable knobs of one Engine instance.
type Config struct {
	// MTU is the maximum wire size in bytes of a single frame, including
	// header and field separators.
	MTU int

	AckTimeout          time.Duration
	AwaitInterval       time.Duration
	InterCommandTimeout time.Duration
	MaxAttempts         int

	// MaxPayload bounds the total inbound/outbound byte buffer size, so
	// embedded targets can reject oversize payloads up front (spec §9
	// "Buffering"). Zero means unbounded.
	MaxPayload int
}

// DefaultConfig returns a Config with the recommended timings for the
// given MTU.
func DefaultConfig(mtu int) Config {
	return Config{
		MTU:                 mtu,
		AckTimeout:          DefaultAckTimeout,
		AwaitInterval:       DefaultAwaitInterval,
		InterCommandTimeout: DefaultInterCommandTimeout,
		MaxAttempts:         DefaultMaxAttempts,
	}
}

func (c Config) chunkSize() int {
	n := c.MTU - frameOverhead
	if n < 1 {
		n = 1
	}
	return n
}
