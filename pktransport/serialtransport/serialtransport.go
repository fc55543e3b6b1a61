// Package serialtransport adapts a physical serial port into a
// pktransport.Transport, grounded on the ancestor's host/serial port
// abstraction (itself wrapping github.com/tarm/serial) but replaced at the
// framing layer: where the ancestor spoke Klipper's newline-delimited text
// protocol directly, this layer frames arbitrary PK Command Protocol frame
// bytes with a 2-byte big-endian length prefix, since frame DATA payloads
// are not guaranteed to avoid any particular byte value.
package serialtransport

import (
	"bufio"
	"encoding/binary"
	"fmt"
	"io"
	"sync"
	"time"

	"github.com/tarm/serial"

	"github.com/amken3d/pkcmd/pktransport"
)

// MaxFrameLen is the largest frame length the 2-byte length prefix can
// carry; Send rejects longer frames.
const MaxFrameLen = 1<<16 - 1

// Config mirrors the ancestor's serial.Config, renamed to this package's
// vocabulary.
type Config struct {
	Device      string
	Baud        int
	ReadTimeout time.Duration
}

// DefaultConfig returns sane defaults for a USB-CDC style link; unlike the
// ancestor's Klipper-tuned default, PKVER-speaking devices are not assumed
// to run at a fixed baud, so Baud here is left at a conservative common
// value callers will usually override.
func DefaultConfig(device string) Config {
	return Config{Device: device, Baud: 115200, ReadTimeout: 100 * time.Millisecond}
}

// Transport is a pktransport.Transport over a physical serial port.
type Transport struct {
	port io.ReadWriteCloser
	r    *bufio.Reader

	writeMu sync.Mutex
}

// Open opens the configured serial port.
func Open(cfg Config) (*Transport, error) {
	sc := &serial.Config{
		Name:        cfg.Device,
		Baud:        cfg.Baud,
		ReadTimeout: cfg.ReadTimeout,
	}
	port, err := serial.OpenPort(sc)
	if err != nil {
		return nil, fmt.Errorf("serialtransport: open %s: %w", cfg.Device, err)
	}
	return &Transport{port: port, r: bufio.NewReaderSize(port, 4096)}, nil
}

// Send writes one length-prefixed frame. Concurrent Send calls are
// serialized so a frame's bytes are never interleaved with another's.
func (t *Transport) Send(frameBytes []byte) error {
	if len(frameBytes) > MaxFrameLen {
		return fmt.Errorf("serialtransport: frame of %d bytes exceeds MaxFrameLen", len(frameBytes))
	}
	t.writeMu.Lock()
	defer t.writeMu.Unlock()

	var hdr [2]byte
	binary.BigEndian.PutUint16(hdr[:], uint16(len(frameBytes)))
	if _, err := t.port.Write(hdr[:]); err != nil {
		return fmt.Errorf("serialtransport: write header: %w", err)
	}
	if _, err := t.port.Write(frameBytes); err != nil {
		return fmt.Errorf("serialtransport: write frame: %w", err)
	}
	return nil
}

// Recv reads the next length-prefixed frame, blocking until it arrives.
func (t *Transport) Recv() ([]byte, error) {
	var hdr [2]byte
	if _, err := io.ReadFull(t.r, hdr[:]); err != nil {
		return nil, fmt.Errorf("serialtransport: read header: %w", err)
	}
	n := binary.BigEndian.Uint16(hdr[:])
	if int(n) > MaxFrameLen {
		return nil, fmt.Errorf("serialtransport: advertised frame length %d exceeds MaxFrameLen", n)
	}
	buf := make([]byte, n)
	if _, err := io.ReadFull(t.r, buf); err != nil {
		return nil, fmt.Errorf("serialtransport: read frame: %w", err)
	}
	return buf, nil
}

// Close closes the underlying port.
func (t *Transport) Close() error {
	return t.port.Close()
}

var _ pktransport.Transport = (*Transport)(nil)
