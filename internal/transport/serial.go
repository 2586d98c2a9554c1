package transport

import (
	"context"
	"fmt"
	"io"

	"golang.org/x/time/rate"

	"github.com/axdl-go/axdl/internal/axdlerr"
)

// SerialOpener enumerates and opens serial ports at SerialBaudRate 8N1.
// As with USBOpener, no concrete serial library is wired into this
// module; an integrator supplies the binding.
type SerialOpener interface {
	List(ctx context.Context) ([]string, error)
	Open(ctx context.Context, portName string) (io.ReadWriteCloser, error)
}

// SerialTransport adapts a SerialOpener to the Transport interface. The
// serial fallback has no USB-style bulk transfer ceiling, so
// MaxWriteChunk reports 0 (unbounded).
//
// A serial link has no hardware flow control (spec: "no hardware flow
// control; marker frames serve as software flow control"), so a fast
// sender can overrun the target UART's receive FIFO between marker
// polls. BytesPerSecond, when non-zero, paces writes to that ceiling.
type SerialTransport struct {
	Opener         SerialOpener
	BytesPerSecond int
}

func (t *SerialTransport) ListDevices(ctx context.Context) ([]string, error) {
	if t.Opener == nil {
		return nil, fmt.Errorf("axdl/transport: no serial opener configured: %w", axdlerr.ErrDeviceNotFound)
	}
	return t.Opener.List(ctx)
}

func (t *SerialTransport) OpenDevice(ctx context.Context, portName string) (Device, error) {
	if t.Opener == nil {
		return nil, fmt.Errorf("axdl/transport: no serial opener configured: %w", axdlerr.ErrDeviceNotFound)
	}
	pipe, err := t.Opener.Open(ctx, portName)
	if err != nil {
		return nil, fmt.Errorf("axdl/transport: open serial port %q: %w", portName, err)
	}
	dev := Device(&pipeDevice{pipe: pipe, maxWriteChunk: 0})
	if t.BytesPerSecond > 0 {
		burst := t.BytesPerSecond
		if burst < pacedWriteBurstFloor {
			burst = pacedWriteBurstFloor
		}
		dev = &pacedDevice{
			Device:  dev,
			limiter: rate.NewLimiter(rate.Limit(t.BytesPerSecond), burst),
		}
	}
	return dev, nil
}

// pacedWriteBurstFloor keeps the limiter's burst at least one chunking
// policy's worth of bytes (spec.md §4.5's chunking uses transport MTU
// hints up to 4096 for serial), so a single Write never exceeds the
// limiter's burst size regardless of how low BytesPerSecond is set.
const pacedWriteBurstFloor = 4096

// pacedDevice throttles Write to a Device's underlying byte-per-second
// ceiling, mirroring fatedier-fft's rate.Limiter-backed RateReader but
// applied on the write side, where AXDL's serial transport needs it.
type pacedDevice struct {
	Device
	limiter *rate.Limiter
}

func (d *pacedDevice) Write(ctx context.Context, buf []byte) (int, error) {
	if err := d.limiter.WaitN(ctx, len(buf)); err != nil {
		return 0, wrapTimeout(ctx, err)
	}
	return d.Device.Write(ctx, buf)
}
