// Package command implements the AXDL command layer (C4): typed
// request/response operations built on top of the frame codec (C1) and a
// transport device (C2).
package command

import (
	"context"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"strings"
	"time"
	"unicode/utf16"

	"github.com/axdl-go/axdl/internal/axdlerr"
	"github.com/axdl-go/axdl/internal/frame"
	"github.com/axdl-go/axdl/internal/partition"
	"github.com/axdl-go/axdl/internal/transport"
)

const (
	cmdStartPartition    = 0x0001
	cmdStartBlock        = 0x0002
	cmdEndPartition      = 0x0003
	cmdEndRAMDownload    = 0x0004
	cmdSetPartitionTable = 0x000b
	cmdSuccess           = 0x0080
)

// startPartitionIDNameField is the 72-byte name field of the 88-byte
// "begin named-partition write" payload variant, distinct from the
// partition table's own 64-byte name field.
const startPartitionIDNameField = 72

// DefaultTimeout is the bounded reply window for every command exchange.
const DefaultTimeout = 5 * time.Second

// ImageWriteTimeout bounds the write and ack of one raw data chunk,
// longer than DefaultTimeout because a chunk write itself can take a
// while on a slow transport.
const ImageWriteTimeout = 60 * time.Second

// readBufferSize matches the reference implementation's fixed read
// buffer for command/handshake replies.
const readBufferSize = 65536

// WaitHandshake writes the marker frame and reads back a command frame
// whose payload, decoded as UTF-8 and matched by substring containment,
// must contain expected ("romcode" or "fdl1").
func WaitHandshake(ctx context.Context, dev transport.Device, expected string) error {
	readCtx, cancel := context.WithTimeout(ctx, DefaultTimeout)
	defer cancel()

	if _, err := dev.Write(readCtx, frame.Marker[:]); err != nil {
		return fmt.Errorf("axdl/command: write handshake probe: %w", err)
	}

	buf := make([]byte, 64)
	n, err := dev.Read(readCtx, buf)
	if err != nil {
		return fmt.Errorf("axdl/command: read handshake reply: %w", err)
	}

	f, err := frame.Decode(buf[:n])
	if err != nil {
		return fmt.Errorf("axdl/command: decode handshake reply: %w", err)
	}
	if len(f.Payload) == 0 {
		return fmt.Errorf("axdl/command: %w", axdlerr.ErrNoPayload)
	}

	handshake := string(f.Payload)
	slog.Debug("handshake received", "payload", handshake)
	if !strings.Contains(handshake, expected) {
		return fmt.Errorf("axdl/command: got %q, want substring %q: %w", handshake, expected, axdlerr.ErrUnexpectedHandshake)
	}
	return nil
}

// StartRAMDownload begins a RAM-resident download session (command
// 0x0000, the frame's finalize step alone — no payload, no explicit
// command byte beyond the zeroed default).
func StartRAMDownload(ctx context.Context, dev transport.Device) error {
	return exchange(ctx, dev, frame.Frame{Command: 0x0000}, DefaultTimeout)
}

// StartPartitionAbsolute32 begins a 32-bit ranged write at startAddress.
func StartPartitionAbsolute32(ctx context.Context, dev transport.Device, startAddress, totalLength uint32) error {
	payload := make([]byte, 8)
	binary.LittleEndian.PutUint32(payload[0:4], startAddress)
	binary.LittleEndian.PutUint32(payload[4:8], totalLength)
	return exchange(ctx, dev, frame.Frame{Command: cmdStartPartition, Payload: payload}, DefaultTimeout)
}

// StartPartitionAbsolute64 begins a 64-bit ranged write at startAddress.
func StartPartitionAbsolute64(ctx context.Context, dev transport.Device, startAddress, totalLength uint64) error {
	payload := make([]byte, 16)
	binary.LittleEndian.PutUint64(payload[0:8], startAddress)
	binary.LittleEndian.PutUint64(payload[8:16], totalLength)
	return exchange(ctx, dev, frame.Frame{Command: cmdStartPartition, Payload: payload}, DefaultTimeout)
}

// StartPartitionID begins a named-partition write, identified by
// partitionName (zero-padded into a 72-byte UTF-16LE field) and
// totalLength (an 8-byte field at offset 72, leaving 8 trailing bytes of
// the 88-byte payload unused).
func StartPartitionID(ctx context.Context, dev transport.Device, partitionName string, totalLength uint64) error {
	nameBytes := encodeUTF16LE(partitionName)
	if len(nameBytes) > startPartitionIDNameField {
		return fmt.Errorf("axdl/command: partition name %q: %w", partitionName, axdlerr.ErrNameTooLong)
	}

	payload := make([]byte, 88)
	copy(payload[:startPartitionIDNameField], nameBytes)
	binary.LittleEndian.PutUint64(payload[startPartitionIDNameField:startPartitionIDNameField+8], totalLength)
	return exchange(ctx, dev, frame.Frame{Command: cmdStartPartition, Payload: payload}, DefaultTimeout)
}

// StartBlock announces the exact byte length of the raw chunk that
// follows. The payload field is 12 bytes wide but only the first 2 carry
// block_size; the rest is reserved and left zero.
func StartBlock(ctx context.Context, dev transport.Device, blockSize uint16) error {
	payload := make([]byte, 12)
	binary.LittleEndian.PutUint16(payload[0:2], blockSize)
	return exchange(ctx, dev, frame.Frame{Command: cmdStartBlock, Payload: payload}, DefaultTimeout)
}

// EndPartition closes out the current partition write. timeout bounds the
// wait for the device's ack; a flash-backed CODE partition can take
// noticeably longer to flush than a RAM-resident FDL stage, so callers
// writing to flash should pass ImageWriteTimeout rather than
// DefaultTimeout (original_source/axdl/src/lib.rs uses the same 5s bound
// for both FDL end_partition calls but a 60s bound for the CODE-image one).
func EndPartition(ctx context.Context, dev transport.Device, timeout time.Duration) error {
	return exchange(ctx, dev, frame.Frame{Command: cmdEndPartition}, timeout)
}

// EndRAMDownload closes out the current RAM download session.
func EndRAMDownload(ctx context.Context, dev transport.Device) error {
	return exchange(ctx, dev, frame.Frame{Command: cmdEndRAMDownload}, DefaultTimeout)
}

// SetPartitionTable announces table to the device.
func SetPartitionTable(ctx context.Context, dev transport.Device, table partition.Table) error {
	payload, err := table.Bytes()
	if err != nil {
		return fmt.Errorf("axdl/command: encode partition table: %w", err)
	}
	return exchange(ctx, dev, frame.Frame{Command: cmdSetPartitionTable, Payload: payload}, DefaultTimeout)
}

// ProgressFunc reports bytes sent so far against the partition's declared
// total.
type ProgressFunc func(bytesSent, bytesTotal int64)

// WriteImage streams totalSize bytes from r in chunkSize-sized pieces,
// preceding each with StartBlock and awaiting the per-chunk ack, exactly
// as the reference implementation's write_image. It polls for a marker
// frame before each chunk in case the device has raised mid-partition
// flow control, pausing until a follow-up token arrives.
func WriteImage(ctx context.Context, dev transport.Device, r io.Reader, chunkSize int, totalSize int64, onProgress ProgressFunc) error {
	if chunkSize <= 0 {
		chunkSize = 4096
	}
	buf := make([]byte, chunkSize)
	var sent int64

	for {
		if err := ctx.Err(); err != nil {
			return fmt.Errorf("axdl/command: %w: %w", axdlerr.ErrCancelled, err)
		}

		n, err := r.Read(buf)
		if n > 0 {
			if err := awaitFlowControl(ctx, dev); err != nil {
				return err
			}

			chunk := buf[:n]
			if err := StartBlock(ctx, dev, uint16(n)); err != nil {
				return err
			}

			writeCtx, cancel := context.WithTimeout(ctx, ImageWriteTimeout)
			_, writeErr := dev.Write(writeCtx, chunk)
			cancel()
			if writeErr != nil {
				return fmt.Errorf("axdl/command: write chunk: %w", writeErr)
			}

			readCtx, cancel := context.WithTimeout(ctx, ImageWriteTimeout)
			ackFrame, ackErr := readResponse(readCtx, dev)
			cancel()
			if ackErr != nil {
				return ackErr
			}
			if ackFrame.Command != cmdSuccess {
				if len(ackFrame.Payload) > 0 {
					return fmt.Errorf("axdl/command: chunk ack command=%#04x: %w", ackFrame.Command, &axdlerr.DeviceNack{Status: ackFrame.Payload})
				}
				return fmt.Errorf("axdl/command: chunk ack command=%#04x: %w", ackFrame.Command, axdlerr.ErrUnexpectedResponse)
			}

			sent += int64(n)
			if onProgress != nil {
				onProgress(sent, totalSize)
			}
		}
		if err == io.EOF {
			return nil
		}
		if err != nil {
			return fmt.Errorf("axdl/command: read image chunk: %w", err)
		}
	}
}

// awaitFlowControl polls briefly for a marker frame signalling the
// device wants the host to pause; if one arrives, it blocks until the
// follow-up token is received before letting the caller proceed.
func awaitFlowControl(ctx context.Context, dev transport.Device) error {
	pollCtx, cancel := context.WithTimeout(ctx, 20*time.Millisecond)
	defer cancel()

	buf := make([]byte, 8)
	n, err := dev.Read(pollCtx, buf)
	if err != nil {
		if errors.Is(err, axdlerr.ErrTimeout) || errors.Is(err, axdlerr.ErrCancelled) || errors.Is(err, io.EOF) {
			return nil // no pending marker; proceed immediately
		}
		return fmt.Errorf("axdl/command: poll flow control: %w", err)
	}
	if !frame.IsMarker(buf[:n]) {
		return nil
	}

	slog.Debug("device raised flow control, waiting for resume token")
	resumeCtx, cancel := context.WithTimeout(ctx, DefaultTimeout)
	defer cancel()
	if _, err := dev.Read(resumeCtx, buf); err != nil {
		return fmt.Errorf("axdl/command: await flow control resume: %w", err)
	}
	return nil
}

// writeStageError marks an error produced by dev.Write itself, as opposed
// to one produced while awaiting or decoding the reply. spec.md: "A write
// timeout is fatal for the session" (unlike a read timeout, which the
// command layer may retry) — isRetryable uses this tag to escalate a
// write-stage failure immediately, without spending the one-retransmit
// budget a read-stage failure gets.
type writeStageError struct{ err error }

func (e *writeStageError) Error() string { return e.err.Error() }
func (e *writeStageError) Unwrap() error { return e.err }

// exchange writes f, then reads and validates one reply, retransmitting
// the command frame exactly once on a read-stage timeout or corrupt reply
// before escalating to DeviceUnresponsive. A write-stage failure is never
// retried; it fails the exchange immediately with the underlying error.
func exchange(ctx context.Context, dev transport.Device, f frame.Frame, timeout time.Duration) error {
	encoded, err := frame.Encode(f)
	if err != nil {
		return fmt.Errorf("axdl/command: encode command %#04x: %w", f.Command, err)
	}

	reply, err := send(ctx, dev, encoded, timeout)
	if isRetryable(err) {
		slog.Debug("command retry", "command", fmt.Sprintf("%#04x", f.Command))
		reply, err = send(ctx, dev, encoded, timeout)
		if isRetryable(err) {
			return fmt.Errorf("axdl/command: command %#04x: %w", f.Command, axdlerr.ErrDeviceUnresponsive)
		}
	}
	if err != nil {
		return err
	}
	if reply.Command != cmdSuccess {
		if len(reply.Payload) > 0 {
			return fmt.Errorf("axdl/command: command %#04x ack=%#04x: %w", f.Command, reply.Command, &axdlerr.DeviceNack{Status: reply.Payload})
		}
		return fmt.Errorf("axdl/command: command %#04x ack=%#04x: %w", f.Command, reply.Command, axdlerr.ErrUnexpectedResponse)
	}
	return nil
}

func send(ctx context.Context, dev transport.Device, encoded []byte, timeout time.Duration) (frame.Frame, error) {
	writeCtx, cancel := context.WithTimeout(ctx, timeout)
	_, err := dev.Write(writeCtx, encoded)
	cancel()
	if err != nil {
		return frame.Frame{}, &writeStageError{fmt.Errorf("axdl/command: write: %w", err)}
	}

	readCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()
	return readResponse(readCtx, dev)
}

func readResponse(ctx context.Context, dev transport.Device) (frame.Frame, error) {
	buf := make([]byte, readBufferSize)
	n, err := dev.Read(ctx, buf)
	if err != nil {
		return frame.Frame{}, fmt.Errorf("axdl/command: read response: %w", err)
	}
	f, err := frame.Decode(buf[:n])
	if err != nil {
		return frame.Frame{}, fmt.Errorf("axdl/command: decode response: %w", err)
	}
	return f, nil
}

// isRetryable reports whether err came from the read stage of one send
// and is a class of failure worth one retransmit. A write-stage error is
// never retryable, regardless of its underlying cause.
func isRetryable(err error) bool {
	var writeErr *writeStageError
	if errors.As(err, &writeErr) {
		return false
	}
	return errors.Is(err, axdlerr.ErrTimeout) ||
		errors.Is(err, axdlerr.ErrFrameCorrupt) ||
		errors.Is(err, axdlerr.ErrShortFrame) ||
		errors.Is(err, axdlerr.ErrNotACommandFrame)
}

func encodeUTF16LE(s string) []byte {
	units := utf16.Encode([]rune(s))
	buf := make([]byte, len(units)*2)
	for i, u := range units {
		buf[i*2] = byte(u)
		buf[i*2+1] = byte(u >> 8)
	}
	return buf
}
