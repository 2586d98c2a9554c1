// Package engine drives the AXDL download state machine (C5): from first
// handshake, through the two-stage FDL bootstrap, to partition-table
// announcement and per-partition streaming.
package engine

import (
	"archive/zip"
	"context"
	"fmt"
	"log/slog"

	"github.com/axdl-go/axdl/internal/archive"
	"github.com/axdl-go/axdl/internal/axdlerr"
	"github.com/axdl-go/axdl/internal/command"
	"github.com/axdl-go/axdl/internal/partition"
	"github.com/axdl-go/axdl/internal/transport"
)

// State names one step of the download sequence, reported to the
// observer alongside Progress so a caller can render a phase label.
type State int

const (
	StateIdle State = iota
	StateHandshakeROM
	StateDownloadFDL1
	StateHandshakeFDL1
	StateDownloadFDL2
	StateTableAnnounce
	StateWritePartition
	StateFinalize
	StateDone
	StateFailed
)

func (s State) String() string {
	switch s {
	case StateIdle:
		return "Idle"
	case StateHandshakeROM:
		return "HandshakeROM"
	case StateDownloadFDL1:
		return "DownloadFDL1"
	case StateHandshakeFDL1:
		return "HandshakeFDL1"
	case StateDownloadFDL2:
		return "DownloadFDL2"
	case StateTableAnnounce:
		return "TableAnnounce"
	case StateWritePartition:
		return "WritePartition"
	case StateFinalize:
		return "Finalize"
	case StateDone:
		return "Done"
	default:
		return "Failed"
	}
}

// Progress is an immutable snapshot delivered to the observer after every
// chunk; it must be safe to invoke from the driving goroutine with no
// further synchronization.
type Progress struct {
	State          State
	PartitionIndex int
	PartitionCount int
	PartitionName  string
	BytesSent      int64
	BytesTotal     int64
}

// ProgressFunc receives immutable Progress snapshots.
type ProgressFunc func(Progress)

// Options configures one download session.
type Options struct {
	// ChunkSize bounds a single data write; it should be set from the
	// transport's MaxWriteChunk hint when non-zero.
	ChunkSize int

	// ExcludeRootfs drops the CODE image named "ROOTFS" from the
	// partition-write phase.
	ExcludeRootfs bool

	OnProgress ProgressFunc
}

// Run drives project through the full download sequence over dev,
// reading image bytes from zr. It returns axdlerr.ErrCancelled if ctx is
// done at any suspension point, and otherwise the first fatal protocol
// error encountered.
func Run(ctx context.Context, dev transport.Device, project *archive.Project, zr *zip.Reader, opts Options) error {
	chunkSize := opts.ChunkSize
	if chunkSize <= 0 {
		chunkSize = dev.MaxWriteChunk()
	}
	if chunkSize <= 0 {
		chunkSize = 4096
	}

	report := opts.OnProgress
	if report == nil {
		report = func(Progress) {}
	}

	fdl1, err := findAbsoluteImage(project.Images, "FDL1")
	if err != nil {
		return err
	}
	fdl2, err := findAbsoluteImage(project.Images, "FDL2")
	if err != nil {
		return err
	}
	codeImages := archive.FilterExcludeRootfs(filterByType(project.Images, partition.ImageCode), opts.ExcludeRootfs)

	report(Progress{State: StateHandshakeROM})
	if err := command.WaitHandshake(ctx, dev, "romcode"); err != nil {
		return fmt.Errorf("axdl/engine: handshake romcode: %w", err)
	}

	report(Progress{State: StateDownloadFDL1})
	if err := downloadRAMImage(ctx, dev, zr, fdl1, chunkSize, func(sent, total int64) {
		report(Progress{State: StateDownloadFDL1, PartitionName: fdl1.Name, BytesSent: sent, BytesTotal: total})
	}, downloadAbsolute32); err != nil {
		return fmt.Errorf("axdl/engine: download FDL1: %w", err)
	}

	report(Progress{State: StateHandshakeFDL1})
	if err := command.WaitHandshake(ctx, dev, "fdl1"); err != nil {
		return fmt.Errorf("axdl/engine: handshake fdl1: %w", err)
	}

	report(Progress{State: StateDownloadFDL2})
	if err := downloadRAMImage(ctx, dev, zr, fdl2, chunkSize, func(sent, total int64) {
		report(Progress{State: StateDownloadFDL2, PartitionName: fdl2.Name, BytesSent: sent, BytesTotal: total})
	}, downloadAbsolute64); err != nil {
		return fmt.Errorf("axdl/engine: download FDL2: %w", err)
	}

	report(Progress{State: StateTableAnnounce})
	if err := command.SetPartitionTable(ctx, dev, project.Table); err != nil {
		return fmt.Errorf("axdl/engine: set partition table: %w", err)
	}

	for i, img := range codeImages {
		if err := ctx.Err(); err != nil {
			return fmt.Errorf("axdl/engine: %w: %w", axdlerr.ErrCancelled, err)
		}

		report(Progress{State: StateWritePartition, PartitionIndex: i, PartitionCount: len(codeImages), PartitionName: img.Name})
		if err := writePartitionImage(ctx, dev, zr, img, chunkSize, func(sent, total int64) {
			report(Progress{State: StateWritePartition, PartitionIndex: i, PartitionCount: len(codeImages), PartitionName: img.Name, BytesSent: sent, BytesTotal: total})
		}); err != nil {
			return fmt.Errorf("axdl/engine: write partition %q: %w", img.Name, err)
		}
	}

	report(Progress{State: StateFinalize})
	report(Progress{State: StateDone})
	slog.Info("download complete", "partitions", len(codeImages))
	return nil
}

// downloadAbsolute32/downloadAbsolute64 start the two flavors of
// RAM-resident ranged write the FDL bootstrap stages use.
func downloadAbsolute32(ctx context.Context, dev transport.Device, img partition.Descriptor) error {
	return command.StartPartitionAbsolute32(ctx, dev, uint32(img.Block.Address), uint32(img.TotalLength))
}

func downloadAbsolute64(ctx context.Context, dev transport.Device, img partition.Descriptor) error {
	return command.StartPartitionAbsolute64(ctx, dev, img.Block.Address, img.TotalLength)
}

type startFunc func(ctx context.Context, dev transport.Device, img partition.Descriptor) error

// downloadRAMImage runs the StartRAMDownload -> start-partition ->
// stream -> EndPartition -> EndRAMDownload sequence shared by FDL1 and
// FDL2, differing only in which ranged-write variant begins it.
func downloadRAMImage(ctx context.Context, dev transport.Device, zr *zip.Reader, img partition.Descriptor, chunkSize int, onProgress command.ProgressFunc, start startFunc) error {
	if err := command.StartRAMDownload(ctx, dev); err != nil {
		return err
	}
	if err := start(ctx, dev, img); err != nil {
		return err
	}
	if err := streamImage(ctx, dev, zr, img, chunkSize, onProgress); err != nil {
		return err
	}
	if err := dev.Flush(ctx); err != nil {
		return fmt.Errorf("axdl/engine: flush: %w", err)
	}
	if err := command.EndPartition(ctx, dev, command.DefaultTimeout); err != nil {
		return err
	}
	return command.EndRAMDownload(ctx, dev)
}

// writePartitionImage runs the StartPartitionID -> stream -> EndPartition
// sequence for one CODE-type flash image. A flash write can take
// noticeably longer to flush+ack than a RAM-resident FDL stage, so its
// EndPartition wait uses the same longer bound as a chunk ack
// (command.ImageWriteTimeout) rather than command.DefaultTimeout.
func writePartitionImage(ctx context.Context, dev transport.Device, zr *zip.Reader, img partition.Descriptor, chunkSize int, onProgress command.ProgressFunc) error {
	if err := command.StartPartitionID(ctx, dev, img.Block.PartitionID, img.TotalLength); err != nil {
		return err
	}
	if err := streamImage(ctx, dev, zr, img, chunkSize, onProgress); err != nil {
		return err
	}
	if err := dev.Flush(ctx); err != nil {
		return fmt.Errorf("axdl/engine: flush: %w", err)
	}
	return command.EndPartition(ctx, dev, command.ImageWriteTimeout)
}

func streamImage(ctx context.Context, dev transport.Device, zr *zip.Reader, img partition.Descriptor, chunkSize int, onProgress command.ProgressFunc) error {
	rc, err := archive.Reader(zr, img.FileRef)
	if err != nil {
		return err
	}
	defer rc.Close()
	return command.WriteImage(ctx, dev, rc, chunkSize, int64(img.TotalLength), onProgress)
}

func findAbsoluteImage(images []partition.Descriptor, name string) (partition.Descriptor, error) {
	for _, img := range images {
		if img.Name == name && img.Block.Absolute {
			return img, nil
		}
	}
	return partition.Descriptor{}, fmt.Errorf("axdl/engine: no absolute-block image named %q: %w", name, axdlerr.ErrArchiveInvalid)
}

func filterByType(images []partition.Descriptor, t partition.ImageType) []partition.Descriptor {
	filtered := make([]partition.Descriptor, 0, len(images))
	for _, img := range images {
		if img.Type == t {
			filtered = append(filtered, img)
		}
	}
	return filtered
}
