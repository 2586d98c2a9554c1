// Package transport defines the AXDL device transport contract (C2): a
// narrow read/write/close surface that native USB bulk transfer, a serial
// port, and a browser WebUSB binding can all satisfy, plus the constants
// identifying the device over USB.
package transport

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/axdl-go/axdl/internal/axdlerr"
)

// VendorID and ProductID identify the AXDL-capable device over USB.
const (
	VendorID  = 0x32c9
	ProductID = 0x1000
)

// USB bulk endpoint addresses used once the device is claimed.
const (
	BulkOutEndpoint = 0x01
	BulkInEndpoint  = 0x81
)

// SerialBaudRate is the fixed rate for the 8N1 serial fallback transport.
const SerialBaudRate = 115200

// DefaultTimeout is a 5s per-call bound for callers to put on ctx. The
// Device implementations in this package do not apply it themselves: a
// Read or Write is bounded only by the ctx it is given.
const DefaultTimeout = 5 * time.Second

// Device is a single open channel to the target: a raw byte pipe with no
// framing of its own. Implementations must make Read/Write safe to call
// from one goroutine at a time and must honor ctx cancellation by
// unblocking any in-flight call with axdlerr.ErrCancelled or
// axdlerr.ErrTimeout.
type Device interface {
	// Read blocks until at least one byte is available, ctx is done, or
	// the implementation's own deadline elapses.
	Read(ctx context.Context, buf []byte) (int, error)

	// Write blocks until buf is fully accepted by the underlying pipe.
	Write(ctx context.Context, buf []byte) (int, error)

	// MaxWriteChunk reports the largest single Write the device accepts
	// without internal fragmentation (e.g. a USB bulk transfer size); 0
	// means no limit is known.
	MaxWriteChunk() int

	// Flush signals end-of-transfer to the device after the last Write
	// of a logical unit (spec.md §4.5: the engine must call flush at
	// partition end). A USB bulk device must append a zero-length packet
	// here when the immediately preceding Write's size was an exact
	// multiple of the endpoint's max packet size, or the device keeps
	// waiting for more data past the intended end of the transfer;
	// transports with no such boundary (serial, loopback) may no-op.
	Flush(ctx context.Context) error

	Close() error
}

// Transport enumerates and opens Devices of one kind (USB, serial, or a
// test loopback).
type Transport interface {
	// ListDevices returns an implementation-defined selector string for
	// every candidate device currently present.
	ListDevices(ctx context.Context) ([]string, error)

	// OpenDevice opens the device named by selector, or the first
	// available device when selector is empty.
	OpenDevice(ctx context.Context, selector string) (Device, error)
}

// wrapTimeout classifies a context/deadline error the way the rest of the
// engine expects: explicit cancellation becomes ErrCancelled, a deadline
// elapsing (or any other unblock cause) becomes ErrTimeout.
func wrapTimeout(ctx context.Context, cause error) error {
	if errors.Is(ctx.Err(), context.Canceled) {
		return fmt.Errorf("axdl/transport: %w: %w", axdlerr.ErrCancelled, ctx.Err())
	}
	return fmt.Errorf("axdl/transport: %w: %w", axdlerr.ErrTimeout, cause)
}
