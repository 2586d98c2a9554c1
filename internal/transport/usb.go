package transport

import (
	"context"
	"fmt"
	"io"

	"github.com/axdl-go/axdl/internal/axdlerr"
)

// USBOpener enumerates and claims USB devices, returning a raw
// read/write/close pipe bound to the device's bulk endpoints. No Go USB
// binding is wired into this module (see DESIGN.md); an integrator
// supplies one here, keeping the rest of the engine free of any specific
// USB library's types.
type USBOpener interface {
	List(ctx context.Context) ([]string, error)
	Open(ctx context.Context, selector string) (io.ReadWriteCloser, error)
}

// MaxPacketSize is the full-speed USB bulk endpoint's max packet size
// (spec.md §6: "data frames carried as raw bulk transfers with ZLP
// termination where size ≡ 0 mod MPS"), distinct from MaxWriteChunk,
// which bounds a single logical Write rather than one wire-level packet.
const MaxPacketSize = 64

// USBTransport adapts a USBOpener to the Transport interface, fixing the
// chunk size bulk transfers are split at.
type USBTransport struct {
	Opener USBOpener
}

func (t *USBTransport) ListDevices(ctx context.Context) ([]string, error) {
	if t.Opener == nil {
		return nil, fmt.Errorf("axdl/transport: no USB opener configured: %w", axdlerr.ErrDeviceNotFound)
	}
	return t.Opener.List(ctx)
}

func (t *USBTransport) OpenDevice(ctx context.Context, selector string) (Device, error) {
	if t.Opener == nil {
		return nil, fmt.Errorf("axdl/transport: no USB opener configured: %w", axdlerr.ErrDeviceNotFound)
	}
	pipe, err := t.Opener.Open(ctx, selector)
	if err != nil {
		return nil, fmt.Errorf("axdl/transport: open USB device %q: %w", selector, err)
	}
	return &usbDevice{pipeDevice: &pipeDevice{pipe: pipe, maxWriteChunk: 512}}, nil
}

// usbDevice layers the USB bulk zero-length-packet termination rule on
// top of a pipeDevice: a bulk OUT transfer whose size is an exact
// multiple of MaxPacketSize must be followed by an empty packet, or the
// device keeps waiting for the rest of a transfer that has already
// ended.
type usbDevice struct {
	*pipeDevice
	lastWriteLen int
}

func (d *usbDevice) Write(ctx context.Context, buf []byte) (int, error) {
	n, err := d.pipeDevice.Write(ctx, buf)
	if err == nil {
		d.lastWriteLen = n
	}
	return n, err
}

// Flush sends the trailing zero-length packet when the immediately
// preceding Write landed exactly on a MaxPacketSize boundary; spec.md
// §4.5 requires the engine to call this at the end of every partition.
// A short last write already signals end-of-transfer on its own, so
// Flush is a no-op in that case.
func (d *usbDevice) Flush(ctx context.Context) error {
	if d.lastWriteLen == 0 || d.lastWriteLen%MaxPacketSize != 0 {
		return nil
	}
	if _, err := d.pipeDevice.Write(ctx, nil); err != nil {
		return fmt.Errorf("axdl/transport: zero-length packet: %w", err)
	}
	d.lastWriteLen = 0
	return nil
}
