package transport

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"sync"

	"github.com/axdl-go/axdl/internal/axdlerr"
)

// LoopbackTransport is an in-process Transport for engine and command
// tests: OpenDevice returns a Device that records writes and answers
// reads from a reply queue a test preloads with Feed, with no real USB
// or serial I/O involved.
type LoopbackTransport struct {
	mu      sync.Mutex
	devices map[string]*LoopbackDevice
}

// NewLoopbackTransport returns a transport with no registered devices.
func NewLoopbackTransport() *LoopbackTransport {
	return &LoopbackTransport{devices: make(map[string]*LoopbackDevice)}
}

// Register adds a device under selector, for later OpenDevice calls.
func (t *LoopbackTransport) Register(selector string, dev *LoopbackDevice) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.devices[selector] = dev
}

func (t *LoopbackTransport) ListDevices(ctx context.Context) ([]string, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	names := make([]string, 0, len(t.devices))
	for name := range t.devices {
		names = append(names, name)
	}
	return names, nil
}

func (t *LoopbackTransport) OpenDevice(ctx context.Context, selector string) (Device, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if selector == "" {
		for _, dev := range t.devices {
			return dev, nil
		}
		return nil, fmt.Errorf("axdl/transport: no loopback devices registered: %w", axdlerr.ErrDeviceNotFound)
	}
	dev, ok := t.devices[selector]
	if !ok {
		return nil, fmt.Errorf("axdl/transport: no loopback device %q: %w", selector, axdlerr.ErrDeviceNotFound)
	}
	return dev, nil
}

// LoopbackDevice is a Device backed by a written-bytes log and a queue of
// discrete read packets: Written records every byte a caller has sent,
// and each Feed call enqueues one packet a subsequent Read will return
// whole, matching how a real USB bulk transfer or serial read never
// merges two logical packets into one call.
type LoopbackDevice struct {
	mu      sync.Mutex
	Written bytes.Buffer
	inbox   [][]byte
	closed  bool
}

// Feed enqueues buf as the next packet a Read call will return. Feeding
// a nil or empty buf enqueues a placeholder that Read reports as io.EOF,
// letting a test represent "the device has nothing to say yet" (e.g. a
// flow-control poll finding no marker) at a precise point in the
// sequence.
func (d *LoopbackDevice) Feed(buf []byte) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.inbox = append(d.inbox, append([]byte(nil), buf...))
}

func (d *LoopbackDevice) Read(ctx context.Context, buf []byte) (int, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.closed {
		return 0, io.ErrClosedPipe
	}
	if len(d.inbox) == 0 {
		return 0, io.EOF
	}
	packet := d.inbox[0]
	d.inbox = d.inbox[1:]
	if len(packet) == 0 {
		return 0, io.EOF
	}
	return copy(buf, packet), nil
}

func (d *LoopbackDevice) Write(ctx context.Context, buf []byte) (int, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.closed {
		return 0, io.ErrClosedPipe
	}
	return d.Written.Write(buf)
}

func (d *LoopbackDevice) MaxWriteChunk() int {
	return 0
}

// Flush is a no-op: the loopback device has no packet-boundary rule to
// enforce, unlike a real USB bulk endpoint's zero-length-packet
// termination (see usbDevice.Flush).
func (d *LoopbackDevice) Flush(ctx context.Context) error {
	return nil
}

func (d *LoopbackDevice) Close() error {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.closed = true
	return nil
}
