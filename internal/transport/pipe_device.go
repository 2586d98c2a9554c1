package transport

import (
	"context"
	"io"
)

// pipeDevice adapts a bare io.ReadWriteCloser to Device by racing the
// blocking call against ctx. The underlying pipe has no native deadline
// API (unlike net.Conn), so cancellation is enforced by abandoning the
// call rather than blocking forever on it.
//
// Read and Write treat an expired ctx differently. spec.md: a read
// timeout "is not fatal — the command layer may retry", so Read leaves
// the pipe open and simply abandons the in-flight call (its background
// goroutine keeps running to completion against the buffered channel and
// is discarded); the exchange's retransmit then reuses the same, still
// live, pipe. A write timeout is "fatal for the session" — nothing will
// retry it — so Write closes the pipe, since the caller is about to give
// up on the whole session anyway and an abandoned in-flight write must
// not be left to land against a buffer the caller has already reused.
type pipeDevice struct {
	pipe          io.ReadWriteCloser
	maxWriteChunk int
}

type ioResult struct {
	n   int
	err error
}

func (d *pipeDevice) Read(ctx context.Context, buf []byte) (int, error) {
	done := make(chan ioResult, 1)
	go func() {
		n, err := d.pipe.Read(buf)
		done <- ioResult{n, err}
	}()

	select {
	case res := <-done:
		return res.n, res.err
	case <-ctx.Done():
		return 0, wrapTimeout(ctx, ctx.Err())
	}
}

func (d *pipeDevice) Write(ctx context.Context, buf []byte) (int, error) {
	done := make(chan ioResult, 1)
	go func() {
		n, err := d.pipe.Write(buf)
		done <- ioResult{n, err}
	}()

	select {
	case res := <-done:
		return res.n, res.err
	case <-ctx.Done():
		d.pipe.Close()
		return 0, wrapTimeout(ctx, ctx.Err())
	}
}

func (d *pipeDevice) MaxWriteChunk() int {
	return d.maxWriteChunk
}

// Flush is a no-op: a bare read/write pipe has no end-of-transfer
// boundary of its own to signal (unlike a USB bulk pipe's zero-length-
// packet rule, which usbDevice layers on top for the transports that
// need it).
func (d *pipeDevice) Flush(ctx context.Context) error {
	return nil
}

func (d *pipeDevice) Close() error {
	return d.pipe.Close()
}
