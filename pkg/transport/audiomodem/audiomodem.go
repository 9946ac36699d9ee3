// Package audiomodem drives an external AFSK/1200-baud packet-radio TNC
// attached over a serial line, speaking the same KISS framing as
// pkg/transport/serial but at the TNC's much lower control-port baud rate
// and with hardware flow control expected off (most audio TNCs are
// half-duplex and manage PTT themselves). No dedicated Go AFSK/TNC library
// exists among the examples, so this reuses tarm/serial the way the
// teacher already does for pkg/transport/serial rather than reaching for
// the standard library's raw termios handling.
package audiomodem

import (
	"sync"

	"github.com/tarm/serial"

	"github.com/rns-mesh/gwnode/pkg/framing"
	"github.com/rns-mesh/gwnode/pkg/routing"
	"github.com/rns-mesh/gwnode/pkg/transport"
)

// Tag identifies this driver in routing.Entry.TransportTag.
const Tag = "audiomodem"

// DefaultBaud is the conventional KISS TNC control-port rate; it is
// independent of the over-the-air 1200 baud AFSK rate, which the TNC
// hardware itself manages.
const DefaultBaud = 9600

// Config describes how to open the TNC's serial control port.
type Config struct {
	Device string
	Baud   int
}

// Driver is a KISS TNC reached over a serial control port. Like
// pkg/transport/serial it has exactly one peer — the TNC itself — but
// unlike a direct wired link, frames it emits are relayed over the air to
// every station within range, so Send behaves like Broadcast.
type Driver struct {
	port *serial.Port

	mu     sync.Mutex
	closed bool
}

// Open opens the TNC's serial device. cfg.Baud <= 0 uses DefaultBaud.
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

// Start launches a read loop decoding KISS frames from the TNC.
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
				if closed {
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

// Send transmits frame over the air; the TNC has no notion of a specific
// next hop, so peer is ignored.
func (d *Driver) Send(_ routing.Locator, frame []byte) error {
	return d.Broadcast(frame)
}

// Broadcast KISS-encodes frame and writes it to the TNC's data port.
func (d *Driver) Broadcast(frame []byte) error {
	_, err := d.port.Write(framing.Encode(frame))
	return err
}

// Close closes the TNC's serial port.
func (d *Driver) Close() error {
	d.mu.Lock()
	d.closed = true
	d.mu.Unlock()
	return d.port.Close()
}
