// Package serial drives a point-to-point wired connection (a direct link
// to a neighboring gateway node, or a KISS-speaking radio TNC attached over
// USB) framed with the byte-stuffed encoding in pkg/framing. Grounded on
// the teacher's use of github.com/tarm/serial for its hardware convergence
// layers (pkg/cla/bbc's device-opening pattern) and original_source/src/
// KISS.cpp for the framing this driver wraps.
package serial

import (
	"io"
	"sync"

	"github.com/tarm/serial"

	"github.com/rns-mesh/gwnode/pkg/framing"
	"github.com/rns-mesh/gwnode/pkg/routing"
	"github.com/rns-mesh/gwnode/pkg/transport"
)

// Tag identifies this driver in routing.Entry.TransportTag.
const Tag = "serial"

// DefaultBaud matches the rate the original gateway's serial neighbor link
// runs at (original_source/include/Config.h).
const DefaultBaud = 115200

// Config describes how to open the serial device.
type Config struct {
	Device string
	Baud   int
}

// Driver frames outbound writes with KISS and decodes inbound bytes back
// into whole packets with a framing.Decoder. There is exactly one peer on
// this medium — the far end of the wire — so it carries no peer table and
// every Locator it hands out is the zero value.
type Driver struct {
	port *serial.Port

	mu     sync.Mutex
	closed bool
}

// Open opens the serial device described by cfg. cfg.Baud <= 0 uses
// DefaultBaud.
func Open(cfg Config) (*Driver, error) {
	baud := cfg.Baud
	if baud <= 0 {
		baud = DefaultBaud
	}

	port, err := serial.OpenPort(&serial.Config{Name: cfg.Device, Baud: baud})
	if err != nil {
		return nil, err
	}
	return &Driver{port: port}, nil
}

func (d *Driver) Tag() string { return Tag }

// Start launches a read loop feeding bytes into a framing.Decoder, which
// delivers each complete deframed packet to onFrame.
func (d *Driver) Start(onFrame transport.InboundHandler) error {
	dec := framing.NewDecoder(func(f []byte) {
		onFrame(Tag, routing.Locator{}, f)
	})

	go func() {
		buf := make([]byte, framing.MaxFrame)
		for {
			n, err := d.port.Read(buf)
			if err != nil {
				d.mu.Lock()
				closed := d.closed
				d.mu.Unlock()
				if closed || err == io.EOF {
					return
				}
				continue
			}
			if n > 0 {
				dec.Write(buf[:n])
			}
		}
	}()

	return nil
}

// Send writes frame KISS-encoded to the wire. peer is ignored: there is
// only one possible destination on a point-to-point serial line.
func (d *Driver) Send(_ routing.Locator, frame []byte) error {
	_, err := d.port.Write(framing.Encode(frame))
	return err
}

// Broadcast is identical to Send on a point-to-point medium.
func (d *Driver) Broadcast(frame []byte) error {
	return d.Send(routing.Locator{}, frame)
}

// Close closes the underlying serial port.
func (d *Driver) Close() error {
	d.mu.Lock()
	d.closed = true
	d.mu.Unlock()
	return d.port.Close()
}
