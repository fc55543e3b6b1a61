// Package mempipe provides an in-memory, loss-free Transport pair for
// exercising the protocol engine without a real byte channel.
package mempipe

import (
	"sync"

	"github.com/amken3d/pkcmd/pktransport"
)

// Pair returns two connected Transports: frames sent on a arrive (in order,
// unmodified) on b's Recv, and vice versa.
func Pair() (a, b pktransport.Transport) {
	ab := make(chan []byte, 64)
	ba := make(chan []byte, 64)
	closeOnce := &sync.Once{}
	closed := make(chan struct{})

	pa := &endpoint{out: ab, in: ba, closed: closed, closeOnce: closeOnce}
	pb := &endpoint{out: ba, in: ab, closed: closed, closeOnce: closeOnce}
	return pa, pb
}

type endpoint struct {
	out       chan<- []byte
	in        <-chan []byte
	closed    chan struct{}
	closeOnce *sync.Once
}

func (e *endpoint) Send(frameBytes []byte) error {
	cp := append([]byte(nil), frameBytes...)
	select {
	case <-e.closed:
		return pktransport.ErrClosed
	case e.out <- cp:
		return nil
	}
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
	e.closeOnce.Do(func() { close(e.closed) })
	return nil
}
