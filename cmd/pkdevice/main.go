// Command pkdevice is a reference Device endpoint: it serves a small
// in-memory variable store and two demonstration methods over the PK
// Command Protocol, on either a real serial port or an in-memory transport
// for local smoke-testing, and exposes Prometheus metrics over HTTP.
package main

import (
	"flag"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/amken3d/pkcmd/internal/pklog"
	"github.com/amken3d/pkcmd/internal/pkmetrics"
	"github.com/amken3d/pkcmd/pkmethods"
	"github.com/amken3d/pkcmd/pkproto"
	"github.com/amken3d/pkcmd/pktransport"
	"github.com/amken3d/pkcmd/pktransport/mempipe"
	"github.com/amken3d/pkcmd/pktransport/serialtransport"
	"github.com/amken3d/pkcmd/pkvars"
)

func main() {
	device := flag.String("device", "", "serial device path (e.g. /dev/ttyACM0); empty runs an in-memory loopback for local testing")
	baud := flag.Int("baud", 115200, "serial baud rate")
	mtu := flag.Int("mtu", 512, "maximum frame size in bytes")
	metricsAddr := flag.String("metrics", ":9112", "address to serve /metrics on")
	flag.Parse()

	log := pklog.New()

	vars := pkvars.NewStore()
	vars.Declare("GREET", []byte("hello"))

	methods := pkmethods.NewRegistry()
	methods.Register("echos", pkmethods.Immediate(func(_ string, args []byte) ([]byte, error) {
		return args, nil
	}))
	methods.Register("count", pkmethods.CountingPending(5, func(_ string, _ []byte) ([]byte, error) {
		return []byte("counted to 5"), nil
	}))

	metrics := pkmetrics.New("device")
	http.Handle("/metrics", promhttp.HandlerFor(metrics.Registry, promhttp.HandlerOpts{}))
	go func() {
		if err := http.ListenAndServe(*metricsAddr, nil); err != nil {
			log.Errorf("metrics server: %v", err)
		}
	}()

	var transport pktransport.Transport
	if *device == "" {
		log.Infof("no -device given, running an in-memory loopback peer for local testing")
		a, b := mempipe.Pair()
		go runLoopbackHost(a, *mtu, log)
		transport = b
	} else {
		t, err := serialtransport.Open(serialtransport.Config{Device: *device, Baud: *baud, ReadTimeout: 100 * time.Millisecond})
		if err != nil {
			log.Errorf("open serial port: %v", err)
			return
		}
		transport = t
	}

	engine := pkproto.New(pkproto.RoleDevice, *mtu, pkproto.Collaborators{
		Vars:    vars,
		Methods: methods,
		Log:     log,
		Metrics: metrics,
	})

	if err := serve(engine, transport, log); err != nil {
		log.Errorf("device loop exited: %v", err)
	}
}

// serve drives engine against transport until the transport is closed or
// returns an unrecoverable error.
func serve(engine *pkproto.Engine, transport pktransport.Transport, log *pklog.Logger) error {
	recvCh := make(chan []byte)
	errCh := make(chan error, 1)
	go func() {
		for {
			f, err := transport.Recv()
			if err != nil {
				errCh <- err
				return
			}
			recvCh <- f
		}
	}()

	for {
		step := engine.Poll(time.Now())
		for _, ev := range step.Events {
			logEvent(log, ev)
		}
		if step.ToSend != nil {
			if err := transport.Send(step.ToSend); err != nil {
				return err
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
		case err := <-errCh:
			timer.Stop()
			return err
		case <-timer.C:
		}
	}
}

func logEvent(log *pklog.Logger, ev pkproto.Event) {
	switch ev.Kind {
	case pkproto.EventChainCompleted:
		log.Infof("chain completed: op=%s object=%s bytes=%d", ev.RootOp, ev.RootObject, len(ev.Bytes))
	case pkproto.EventChainFailed:
		log.Warnf("chain failed: %s", ev.Reason.Error())
	case pkproto.EventIncomingRequest:
		log.Infof("incoming request outside vars/methods: op=%s object=%s", ev.RootOp, ev.RootObject)
		if ev.Reply != nil {
			ev.Reply.Resolve(nil, false)
		}
	}
}

// runLoopbackHost is a tiny Host peer used only when pkdevice is run
// without -device, so the binary is runnable without physical hardware.
func runLoopbackHost(transport pktransport.Transport, mtu int, log *pklog.Logger) {
	engine := pkproto.New(pkproto.RoleHost, mtu, pkproto.Collaborators{Log: log})
	if err := engine.StartHostChain("PKVER", "", nil); err != nil {
		log.Errorf("loopback StartHostChain: %v", err)
		return
	}
	_ = serve(engine, transport, log)
}
