// Command axdl is a thin reference shell around the AXDL download engine:
// argument parsing and progress rendering only, exactly the "external
// collaborator" role spec.md §1 scopes out of the core. It exists to
// exercise internal/engine end to end, not as a polished product CLI.
package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"
	"time"

	"github.com/cheggaaa/pb"
	"github.com/spf13/cobra"
	"golang.org/x/term"

	"github.com/axdl-go/axdl/internal/archive"
	"github.com/axdl-go/axdl/internal/axdlerr"
	"github.com/axdl-go/axdl/internal/config"
	"github.com/axdl-go/axdl/internal/discovery"
	"github.com/axdl-go/axdl/internal/engine"
	"github.com/axdl-go/axdl/internal/transport"
)

// Exit codes, per spec.md §6.
const (
	exitSuccess         = 0
	exitUserError       = 1
	exitDeviceNotFound  = 2
	exitProtocolFailure = 3
	exitArchiveInvalid  = 4
	exitCancelled       = 130
)

var (
	flagFile           string
	flagExcludeRootfs  bool
	flagTransport      string
	flagSerialPort     string
	flagWaitForDevice  bool
	flagDeviceDeadline time.Duration
	flagChunkSize      int
	flagSerialRate     int
	flagLogLevel       string
)

func main() {
	os.Exit(run())
}

func run() int {
	rootCmd := newRootCmd()
	if err := rootCmd.Execute(); err != nil {
		return exitCodeFor(err)
	}
	return exitSuccess
}

func newRootCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:           "axdl",
		Short:         "axdl writes an Axera vendor image archive to a device in ROM download mode",
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE:          runDownload,
	}
	cmd.Flags().StringVar(&flagFile, "file", "", "path to the .axp image archive (required)")
	cmd.Flags().BoolVar(&flagExcludeRootfs, "exclude-rootfs", false, "skip the ROOTFS CODE image")
	cmd.Flags().StringVar(&flagTransport, "transport", "usb", "transport to use: usb|serial")
	cmd.Flags().StringVar(&flagSerialPort, "serial-port", "", "serial port selector (serial transport only)")
	cmd.Flags().BoolVar(&flagWaitForDevice, "wait-for-device", false, "poll for a matching device instead of requiring one to already be present")
	cmd.Flags().DurationVar(&flagDeviceDeadline, "device-deadline", 30*time.Second, "deadline for --wait-for-device polling")
	cmd.Flags().IntVar(&flagChunkSize, "chunk-size", 0, "override the transport's MaxWriteChunk hint (0 = use transport default)")
	cmd.Flags().IntVar(&flagSerialRate, "serial-rate", 0, "pace serial writes to this many bytes/sec (0 = unpaced)")
	cmd.Flags().StringVar(&flagLogLevel, "log-level", "info", "debug|info|warn|error")
	return cmd
}

func runDownload(cmd *cobra.Command, args []string) error {
	slog.SetDefault(slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: parseLogLevel(flagLogLevel)})))

	if flagFile == "" {
		return userError("--file is required")
	}

	store, err := openConfigStore()
	if err != nil {
		return userError(fmt.Sprintf("open config store: %v", err))
	}
	settings := mergeSettings(store.Get())

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	f, err := os.Open(flagFile)
	if err != nil {
		return userError(fmt.Sprintf("open archive: %v", err))
	}
	defer f.Close()
	stat, err := f.Stat()
	if err != nil {
		return userError(fmt.Sprintf("stat archive: %v", err))
	}

	project, zr, err := archive.Open(f, stat.Size())
	if err != nil {
		return err
	}
	slog.Info("archive opened", "project", project.Name, "version", project.Version, "images", len(project.Images))

	tr, selector, err := buildTransport(settings)
	if err != nil {
		return err
	}

	var dev transport.Device
	if flagWaitForDevice {
		dev, err = discovery.WaitForDevice(ctx, tr, selector, settings.DiscoveryDeadline)
	} else {
		dev, err = tr.OpenDevice(ctx, selector)
	}
	if err != nil {
		return err
	}
	defer dev.Close()

	bar := newProgressBar()
	opts := engine.Options{
		ChunkSize:     settings.ChunkSize,
		ExcludeRootfs: settings.ExcludeRootfs,
		OnProgress:    renderProgress(bar),
	}

	err = engine.Run(ctx, dev, project, zr, opts)
	bar.finish()
	if err != nil {
		return err
	}

	slog.Info("download finished")
	return nil
}

// userError marks a message as an exitUserError without wrapping it in
// the protocol error taxonomy, so exitCodeFor does not mistake a config
// mistake for a device/protocol failure.
type configError struct{ msg string }

func (e *configError) Error() string { return e.msg }

func userError(msg string) error { return &configError{msg: msg} }

func exitCodeFor(err error) int {
	var cfgErr *configError
	switch {
	case err == nil:
		return exitSuccess
	case errors.As(err, &cfgErr):
		fmt.Fprintln(os.Stderr, "axdl:", err)
		return exitUserError
	case errors.Is(err, axdlerr.ErrCancelled):
		fmt.Fprintln(os.Stderr, "axdl: cancelled")
		return exitCancelled
	case errors.Is(err, axdlerr.ErrDeviceNotFound):
		fmt.Fprintln(os.Stderr, "axdl:", err)
		return exitDeviceNotFound
	case errors.Is(err, axdlerr.ErrArchiveInvalid):
		fmt.Fprintln(os.Stderr, "axdl:", err)
		return exitArchiveInvalid
	default:
		fmt.Fprintln(os.Stderr, "axdl:", err)
		return exitProtocolFailure
	}
}

// mergeSettings layers CLI flags on top of the store's persisted
// defaults. --serial-port and --chunk-size fall back to the stored value
// when left empty/zero; --transport and --device-deadline have non-empty
// flag defaults and --exclude-rootfs is always copied, so those three
// always take the flag's value, whether or not the user set it.
func mergeSettings(base config.Settings) config.Settings {
	out := base
	if flagTransport != "" {
		out.Transport = flagTransport
	}
	if flagSerialPort != "" {
		out.SerialPort = flagSerialPort
	}
	if flagChunkSize != 0 {
		out.ChunkSize = flagChunkSize
	}
	out.ExcludeRootfs = flagExcludeRootfs
	if flagDeviceDeadline != 0 {
		out.DiscoveryDeadline = flagDeviceDeadline
	}
	return out
}

func openConfigStore() (*config.Store, error) {
	dir, err := os.UserConfigDir()
	if err != nil {
		return config.NewMemoryStore(), nil
	}
	return config.NewStore(filepath.Join(dir, "axdl"))
}

// buildTransport resolves the requested transport kind to a
// transport.Transport and the selector OpenDevice/WaitForDevice should
// use. No concrete USB/serial binding is wired into this module (see
// DESIGN.md): integrating a real libusb or tty backend means supplying a
// transport.USBOpener or transport.SerialOpener here. With no opener
// configured, OpenDevice/ListDevices already surface a clear
// ErrDeviceNotFound-wrapped error, so this binary still fails with the
// right exit code rather than a nil-pointer panic.
func buildTransport(settings config.Settings) (transport.Transport, string, error) {
	switch strings.ToLower(settings.Transport) {
	case "", "usb":
		return &transport.USBTransport{Opener: nil}, fmt.Sprintf("%04x:%04x", transport.VendorID, transport.ProductID), nil
	case "serial":
		return &transport.SerialTransport{Opener: nil, BytesPerSecond: flagSerialRate}, settings.SerialPort, nil
	default:
		return nil, "", userError(fmt.Sprintf("unknown --transport %q: want usb|serial", settings.Transport))
	}
}

func parseLogLevel(s string) slog.Level {
	switch strings.ToLower(s) {
	case "debug":
		return slog.LevelDebug
	case "warn", "warning":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

// progressBar wraps a cheggaaa/pb bar per engine state and partition
// index, since the engine streams several logically distinct images
// (FDL1, FDL2, then each CODE partition) and each deserves its own
// total/speed readout rather than one bar silently resetting its
// denominator mid-run.
type progressBar struct {
	tty     bool
	current *pb.ProgressBar
	state   engine.State
	index   int
	sent    int64
}

func newProgressBar() *progressBar {
	return &progressBar{tty: term.IsTerminal(int(os.Stdout.Fd()))}
}

func renderProgress(b *progressBar) engine.ProgressFunc {
	return func(p engine.Progress) {
		if p.State != engine.StateDone {
			slog.Debug("progress", "state", p.State, "partition", p.PartitionName, "sent", p.BytesSent, "total", p.BytesTotal)
		}
		if !b.tty || p.BytesTotal == 0 {
			return
		}
		if p.State != b.state || p.PartitionIndex != b.index || b.current == nil {
			b.finish()
			b.current = pb.New(int(p.BytesTotal))
			b.current.ShowSpeed = true
			b.current.SetUnits(pb.U_BYTES)
			b.current.Start()
			b.state = p.State
			b.index = p.PartitionIndex
			b.sent = 0
		}
		if delta := p.BytesSent - b.sent; delta > 0 {
			b.current.Add(int(delta))
			b.sent = p.BytesSent
		}
	}
}

func (b *progressBar) finish() {
	if b.current != nil {
		b.current.Finish()
		b.current = nil
	}
}
