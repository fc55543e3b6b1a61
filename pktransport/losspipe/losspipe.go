// Package losspipe is a Transport test double that deliberately drops,
// duplicates, reorders, and delays frames, for exercising the protocol
// engine's reliability layer (retransmission and duplicate detection)
// without a real flaky channel.
package losspipe

import (
	"math/rand"
	"sync"
	"time"

	"github.com/amken3d/pkcmd/pktransport"
)

// Policy controls how a single direction of a Pair misbehaves. Zero value
// is a perfect channel.
type Policy struct {
	DropProb      float64
	DuplicateProb float64
	ReorderDelay  time.Duration // if non-zero, a duplicated/reordered frame is resent after this delay
	Rand          *rand.Rand    // nil uses a package-private default source
}

func (p Policy) rng() *rand.Rand {
	if p.Rand != nil {
		return p.Rand
	}
	return defaultRand
}

// defaultRand is seeded once; callers that need reproducible test runs
// should supply their own Policy.Rand instead of relying on this.
var defaultRand = rand.New(rand.NewSource(1))

// Pair returns two Transports connected through independently-configurable
// lossy links, a→b per aToB and b→a per bToA.
func Pair(aToB, bToA Policy) (a, b pktransport.Transport) {
	ab := make(chan []byte, 64)
	ba := make(chan []byte, 64)
	closed := make(chan struct{})
	var once sync.Once

	pa := &endpoint{out: ab, in: ba, policy: aToB, closed: closed, once: &once}
	pb := &endpoint{out: ba, in: ab, policy: bToA, closed: closed, once: &once}
	return pa, pb
}

type endpoint struct {
	out    chan<- []byte
	in     <-chan []byte
	policy Policy
	closed chan struct{}
	once   *sync.Once
}

func (e *endpoint) Send(frameBytes []byte) error {
	cp := append([]byte(nil), frameBytes...)
	p := e.policy
	r := p.rng()

	if p.DropProb > 0 && r.Float64() < p.DropProb {
		return nil // silently lost, exactly as a real lossy channel would
	}

	select {
	case <-e.closed:
		return pktransport.ErrClosed
	case e.out <- cp:
	}

	if p.DuplicateProb > 0 && r.Float64() < p.DuplicateProb {
		dup := append([]byte(nil), frameBytes...)
		if p.ReorderDelay > 0 {
			go func() {
				time.Sleep(p.ReorderDelay)
				select {
				case <-e.closed:
				case e.out <- dup:
				}
			}()
		} else {
			select {
			case <-e.closed:
			case e.out <- dup:
			}
		}
	}
	return nil
}

func (e *endpoint) Recv() ([]byte, error) {
	select {
	case <-e.closed:
		return nil, pktransport.ErrClosed
	case f := <-e.in:
		return f, nil
	}
}

func (e *endpoint) Close() error {
	e.once.Do(func() { close(e.closed) })
	return nil
}
