package pkmethods

// Blocking wraps an ordinary Go function that may block as a Func, so a
// blocking handler can still be driven by the engine's single-threaded,
// non-blocking poll loop: the work runs on its own goroutine and the Job
// reports Pending until it finishes.
func Blocking(fn func(name string, args []byte) ([]byte, error)) Func {
	return func(name string, args []byte) func() Poll {
		result := make(chan Poll, 1)

		go func() {
			out, err := fn(name, args)
			p := Poll{Status: Done, Result: out}
			if err != nil {
				p = Poll{Status: Failed, Reason: err.Error()}
			}
			result <- p
		}()

		var cached Poll
		haveCached := false

		return func() Poll {
			if haveCached {
				return cached
			}
			select {
			case p := <-result:
				cached = p
				haveCached = true
				return p
			default:
				return Poll{Status: Pending}
			}
		}
	}
}
