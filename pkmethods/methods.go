// Package pkmethods provides the Method invoker collaborator consumed by
// the protocol engine for INVOK chains (see spec §4.5, §9 "coroutine-like
// handler"). A Job is a lazy, restartable producer of "result-or-still-
// pending" that the engine drives from inside its own Poll call; no
// runtime or scheduler is required to use it.
package pkmethods

import (
	"errors"
	"sync"

	"github.com/rs/xid"
)

// ErrNotFound reports that no method is registered under the given name.
var ErrNotFound = errors.New("pkmethods: method not found")

// ErrBadArgs reports that a method rejected its argument bytes.
var ErrBadArgs = errors.New("pkmethods: bad arguments")

// Status is the outcome of polling a Job.
type Status int

const (
	// Pending means the job has not produced a result yet; the engine
	// keeps emitting AWAIT keep-alives.
	Pending Status = iota
	// Done means the job finished; Result holds the (possibly empty)
	// output bytes.
	Done
	// Failed means the job finished unsuccessfully; Reason holds a
	// human-readable description that becomes the ERROR frame's DATA.
	Failed
)

// Poll is the single poll operation of a running Job.
type Poll struct {
	Status Status
	Result []byte // valid when Status == Done
	Reason string // valid when Status == Failed
}

// Job is a handle to one in-flight method invocation.
type Job struct {
	ID xid.ID
	// poll is supplied by the invoker that created this Job; it must be
	// non-blocking and safe to call repeatedly until it returns a
	// terminal Status.
	poll func() Poll
}

// JobID returns the job's correlation id, suitable for logs and metrics.
func (j Job) JobID() string { return j.ID.String() }

// PollNow advances the job by one step. The engine calls this on every
// engine.Poll while an INVOK chain is in the device-working sub-state.
func (j Job) PollNow() Poll {
	if j.poll == nil {
		return Poll{Status: Failed, Reason: "job has no poll function"}
	}
	return j.poll()
}

// Invoker is the contract the engine uses to start and drive methods.
type Invoker interface {
	// Begin starts a method invocation and returns a pollable Job. It
	// must return promptly; long-running work belongs inside the Job's
	// poll function, never in Begin itself.
	Begin(name string, args []byte) (Job, error)
}

// Func starts one invocation: given the method name and argument bytes, it
// returns the Job's poll function, which must be non-blocking and returns
// Pending until it reports a terminal Poll. A nil poll function makes
// Registry.Begin fail with ErrBadArgs.
//
// Handlers that complete in one step can return a terminal Poll on the
// first call.
type Func func(name string, args []byte) func() Poll

// Registry is an in-memory Invoker keyed by method name, analogous to the
// ancestor's CommandRegistry but dispatching to a job-producing function
// instead of a one-shot handler, since INVOK methods may run across many
// engine.Poll calls.
type Registry struct {
	mu      sync.RWMutex
	methods map[string]Func
}

// NewRegistry creates an empty method registry.
func NewRegistry() *Registry {
	return &Registry{methods: make(map[string]Func)}
}

// Register installs a method under name, overwriting any previous
// registration.
func (r *Registry) Register(name string, fn Func) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.methods[name] = fn
}

// Begin implements Invoker.
func (r *Registry) Begin(name string, args []byte) (Job, error) {
	r.mu.RLock()
	fn, ok := r.methods[name]
	r.mu.RUnlock()
	if !ok {
		return Job{}, ErrNotFound
	}
	poll := fn(name, args)
	if poll == nil {
		return Job{}, ErrBadArgs
	}
	return Job{ID: xid.New(), poll: poll}, nil
}

// Immediate wraps a function that always completes on its first poll,
// for methods with no asynchronous work (e.g. PKVER-like queries).
func Immediate(fn func(name string, args []byte) ([]byte, error)) Func {
	return func(name string, args []byte) func() Poll {
		done := false
		return func() Poll {
			if done {
				return Poll{Status: Pending}
			}
			done = true
			out, err := fn(name, args)
			if err != nil {
				return Poll{Status: Failed, Reason: err.Error()}
			}
			return Poll{Status: Done, Result: out}
		}
	}
}

// CountingPending simulates a method that must be polled pendingCount
// times before it completes, for exercising AWAIT keep-alive without real
// blocking work (mirrors the ancestor's test doubles for timing-sensitive
// behavior).
func CountingPending(pendingCount int, fn func(name string, args []byte) ([]byte, error)) Func {
	return func(name string, args []byte) func() Poll {
		remaining := pendingCount
		return func() Poll {
			if remaining > 0 {
				remaining--
				return Poll{Status: Pending}
			}
			out, err := fn(name, args)
			if err != nil {
				return Poll{Status: Failed, Reason: err.Error()}
			}
			return Poll{Status: Done, Result: out}
		}
	}
}
