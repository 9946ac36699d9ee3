// Package lora drives a LoRa radio through an rf95modem-flashed module,
// broadcasting whole legacy/official packets as single LoRa frames. There
// is no addressable peer concept on this medium — every node hears every
// transmission within range — so every send is effectively a broadcast.
// Grounded on pkg/cla/bbc/modem_rf95.go, adapted from bundle fragments to
// this gateway's own framed packets.
package lora

import (
	"errors"
	"sync"

	"github.com/dtn7/rf95modem-go/rf95"
	log "github.com/sirupsen/logrus"

	"github.com/rns-mesh/gwnode/pkg/routing"
	"github.com/rns-mesh/gwnode/pkg/transport"
)

// Tag identifies this driver in routing.Entry.TransportTag.
const Tag = "lora"

// ErrFrameTooLarge is returned by Send/Broadcast when a frame exceeds the
// modem's negotiated MTU.
var ErrFrameTooLarge = errors.New("lora: frame exceeds modem MTU")

// Driver wraps an rf95modem device.
type Driver struct {
	modem *rf95.Modem

	mu     sync.Mutex
	closed bool
}

// Open connects to the rf95modem exposed at device (e.g. /dev/ttyUSB0).
func Open(device string) (*Driver, error) {
	modem, err := rf95.OpenSerial(device)
	if err != nil {
		return nil, err
	}
	return &Driver{modem: modem}, nil
}

func (d *Driver) Tag() string { return Tag }

// Start launches a read loop delivering every received frame to onFrame.
// LoRa carries no addressing of its own, so From is always the zero
// Locator; the forwarding engine identifies the sender from the packet's
// own source/destination fields.
func (d *Driver) Start(onFrame transport.InboundHandler) error {
	mtu, err := d.modem.Mtu()
	if err != nil {
		return err
	}

	go func() {
		buf := make([]byte, mtu)
		for {
			n, err := d.modem.Read(buf)
			if err != nil {
				d.mu.Lock()
				closed := d.closed
				d.mu.Unlock()
				if closed {
					return
				}
				log.WithError(err).Warn("lora: read failed")
				continue
			}
			if n == 0 {
				continue
			}
			frame := append([]byte(nil), buf[:n]...)
			onFrame(Tag, routing.Locator{}, frame)
		}
	}()

	return nil
}

// Send ignores peer: LoRa has no point-to-point addressing at this layer,
// so every send is a broadcast.
func (d *Driver) Send(_ routing.Locator, frame []byte) error {
	return d.Broadcast(frame)
}

// Broadcast transmits frame as a single LoRa packet.
func (d *Driver) Broadcast(frame []byte) error {
	mtu, err := d.modem.Mtu()
	if err == nil && len(frame) > mtu {
		return ErrFrameTooLarge
	}
	_, err = d.modem.Write(frame)
	return err
}

// Close releases the modem device.
func (d *Driver) Close() error {
	d.mu.Lock()
	d.closed = true
	d.mu.Unlock()
	closer, ok := interface{}(d.modem).(interface{ Close() error })
	if !ok {
		return nil
	}
	return closer.Close()
}
