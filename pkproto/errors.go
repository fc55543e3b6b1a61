package pkproto

import "errors"

// ErrBusy is returned by StartHostChain when a chain is already active.
var ErrBusy = errors.New("pkproto: session busy")

// Kind enumerates the error kinds the engine can surface in an ERROR
// frame's DATA, per spec §7.
type Kind string

const (
	KindParseError           Kind = "parse_error"
	KindUnexpectedFrame      Kind = "unexpected_frame"
	KindAckMismatch          Kind = "ack_mismatch"
	KindObjectMismatch       Kind = "object_mismatch"
	KindNotFound             Kind = "not_found"
	KindHandlerFailed        Kind = "handler_failed"
	KindRetryExhausted       Kind = "retry_exhausted"
	KindInterCommandTimeout  Kind = "inter_command_timeout"
	KindPayloadTooLarge      Kind = "payload_too_large"
)

// descriptions maps each Kind to the human-readable English text carried
// in the ERROR frame's DATA field.
var descriptions = map[Kind]string{
	KindParseError:          "parse error",
	KindUnexpectedFrame:     "unexpected frame",
	KindAckMismatch:         "ack mismatch",
	KindObjectMismatch:      "object mismatch",
	KindNotFound:            "not found",
	KindHandlerFailed:       "handler failed",
	KindRetryExhausted:      "retry exhausted",
	KindInterCommandTimeout: "inter-command timeout",
	KindPayloadTooLarge:     "payload too large",
}

// FailureReason describes why a chain was aborted, delivered to the
// caller via a ChainFailed event.
type FailureReason struct {
	Kind        Kind
	Description string
}

func newReason(kind Kind, detail string) FailureReason {
	desc := descriptions[kind]
	if detail != "" {
		desc = desc + ": " + detail
	}
	return FailureReason{Kind: kind, Description: desc}
}

func (r FailureReason) Error() string {
	return string(r.Kind) + ": " + r.Description
}
