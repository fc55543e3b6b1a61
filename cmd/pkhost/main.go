// Command pkhost is an interactive Host-side driver for the PK Command
// Protocol: it reads commands from stdin, drives one chain at a time to
// completion over a serial port, and prints the result. It has no
// in-memory loopback peer of its own.
package main

import (
	"bufio"
	"flag"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/amken3d/pkcmd/internal/pklog"
	"github.com/amken3d/pkcmd/pkproto"
	"github.com/amken3d/pkcmd/pkproto/frame"
	"github.com/amken3d/pkcmd/pktransport"
	"github.com/amken3d/pkcmd/pktransport/serialtransport"
)

func main() {
	device := flag.String("device", "", "serial device path (required)")
	baud := flag.Int("baud", 115200, "serial baud rate")
	mtu := flag.Int("mtu", 512, "maximum frame size in bytes")
	flag.Parse()

	log := pklog.New()

	if *device == "" {
		fmt.Fprintln(os.Stderr, "pkhost: -device is required (no loopback peer in this binary; run pkdevice -device= for a local in-memory peer)")
		os.Exit(2)
	}

	transport, err := serialtransport.Open(serialtransport.Config{Device: *device, Baud: *baud, ReadTimeout: 100 * time.Millisecond})
	if err != nil {
		fmt.Fprintf(os.Stderr, "pkhost: %v\n", err)
		os.Exit(1)
	}
	defer transport.Close()

	engine := pkproto.New(pkproto.RoleHost, *mtu, pkproto.Collaborators{Log: log})

	fmt.Println("pkhost ready. Commands: sendv <name> <value> | requv <name> | invok <name> <args> | pkver | quit")
	scanner := bufio.NewScanner(os.Stdin)
	for {
		fmt.Print("> ")
		if !scanner.Scan() {
			return
		}
		line := strings.TrimSpace(scanner.Text())
		if line == "" {
			continue
		}
		fields := strings.SplitN(line, " ", 3)
		cmd := strings.ToLower(fields[0])

		if cmd == "quit" || cmd == "exit" {
			return
		}

		op, object, data, ok := parseCommand(cmd, fields)
		if !ok {
			fmt.Println("unrecognized command")
			continue
		}

		if err := engine.StartHostChain(op, object, data); err != nil {
			fmt.Printf("error: %v\n", err)
			continue
		}

		result, err := runChain(engine, transport)
		if err != nil {
			fmt.Printf("chain failed: %v\n", err)
			continue
		}
		fmt.Printf("ok: %q\n", string(result))
	}
}

func parseCommand(cmd string, fields []string) (op frame.Op, object string, data []byte, ok bool) {
	switch cmd {
	case "pkver":
		return "PKVER", "", nil, true
	case "sendv":
		if len(fields) < 3 {
			return "", "", nil, false
		}
		return "SENDV", fields[1], []byte(fields[2]), true
	case "requv":
		if len(fields) < 2 {
			return "", "", nil, false
		}
		return "REQUV", fields[1], nil, true
	case "invok":
		if len(fields) < 2 {
			return "", "", nil, false
		}
		var args []byte
		if len(fields) == 3 {
			args = []byte(fields[2])
		}
		return "INVOK", fields[1], args, true
	default:
		return "", "", nil, false
	}
}

// runChain drives engine's Poll/Recv/Send loop until the active chain
// completes or fails.
func runChain(engine *pkproto.Engine, transport pktransport.Transport) ([]byte, error) {
	recvCh := make(chan []byte, 1)
	errCh := make(chan error, 1)
	go func() {
		f, err := transport.Recv()
		if err != nil {
			errCh <- err
			return
		}
		recvCh <- f
	}()

	for {
		step := engine.Poll(time.Now())
		if step.ToSend != nil {
			if err := transport.Send(step.ToSend); err != nil {
				return nil, err
			}
		}
		for _, ev := range step.Events {
			switch ev.Kind {
			case pkproto.EventChainCompleted:
				return ev.Bytes, nil
			case pkproto.EventChainFailed:
				return nil, ev.Reason
			}
		}

		wait := 20 * time.Millisecond
		if !step.WakeAt.IsZero() {
			if d := time.Until(step.WakeAt); d > 0 {
				wait = d
			} else {
				wait = 0
			}
		}
		timer := time.NewTimer(wait)
		select {
		case f := <-recvCh:
			timer.Stop()
			engine.OnFrame(f, time.Now())
			go func() {
				f, err := transport.Recv()
				if err != nil {
					errCh <- err
					return
				}
				recvCh <- f
			}()
		case err := <-errCh:
			timer.Stop()
			return nil, err
		case <-timer.C:
		}
	}
}
