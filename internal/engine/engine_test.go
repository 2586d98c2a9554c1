package engine

import (
	"archive/zip"
	"bytes"
	"context"
	"errors"
	"testing"

	"github.com/axdl-go/axdl/internal/archive"
	"github.com/axdl-go/axdl/internal/axdlerr"
	"github.com/axdl-go/axdl/internal/frame"
	"github.com/axdl-go/axdl/internal/transport"
)

const fixtureManifest = `
<Config>
<Project alias="AX620E" name="AX630C" version="1.0">
    <FDLLevel>2</FDLLevel>
    <Partitions strategy="1" unit="2">
    <Partition gap="0" id="rootfs" size="4" />
    <Partition gap="0" id="kernel" size="4" />
    </Partitions>
    <ImgList>
    <Img flag="2" name="FDL1" select="1">
        <ID>FDL1</ID>
        <Type>FDL1</Type>
        <Block><Base>0x100</Base><Size>0x4</Size></Block>
        <File>fdl1.bin</File>
        <Auth algo="0" />
        <Description>stage 1 loader</Description>
    </Img>
    <Img flag="2" name="FDL2" select="1">
        <ID>FDL2</ID>
        <Type>FDL2</Type>
        <Block><Base>0x200</Base><Size>0x4</Size></Block>
        <File>fdl2.bin</File>
        <Auth algo="0" />
        <Description>stage 2 loader</Description>
    </Img>
    <Img flag="2" name="ROOTFS" select="1">
        <ID>ROOTFS</ID>
        <Type>CODE</Type>
        <Block id="rootfs"><Base>0x0</Base><Size>0x4</Size></Block>
        <File>rootfs.bin</File>
        <Auth algo="0" />
        <Description>root filesystem</Description>
    </Img>
    <Img flag="2" name="KERNEL" select="1">
        <ID>KERNEL</ID>
        <Type>CODE</Type>
        <Block id="kernel"><Base>0x0</Base><Size>0x4</Size></Block>
        <File>kernel.bin</File>
        <Auth algo="0" />
        <Description>kernel image</Description>
    </Img>
    </ImgList>
</Project>
</Config>
`

func buildFixture(t *testing.T) (*archive.Project, *zip.Reader) {
	t.Helper()
	var buf bytes.Buffer
	zw := zip.NewWriter(&buf)

	files := map[string]string{
		// Deliberately not "Config.xml": real .axp archives name the
		// manifest after the target device, and the archive reader must
		// find it by .xml suffix rather than by a fixed file name.
		"AX630C_emmc_arm64_k419.xml": fixtureManifest,
		"fdl1.bin":   "fdl1",
		"fdl2.bin":   "fdl2",
		"rootfs.bin": "root",
		"kernel.bin": "kern",
	}
	for name, content := range files {
		w, err := zw.Create(name)
		if err != nil {
			t.Fatalf("create %q: %v", name, err)
		}
		if _, err := w.Write([]byte(content)); err != nil {
			t.Fatalf("write %q: %v", name, err)
		}
	}
	if err := zw.Close(); err != nil {
		t.Fatalf("close zip: %v", err)
	}

	data := buf.Bytes()
	project, zr, err := archive.Open(bytes.NewReader(data), int64(len(data)))
	if err != nil {
		t.Fatalf("archive.Open() error = %v", err)
	}
	return project, zr
}

func ack(t *testing.T) []byte {
	t.Helper()
	encoded, err := frame.Encode(frame.Frame{Command: 0x0080})
	if err != nil {
		t.Fatalf("frame.Encode() error = %v", err)
	}
	return encoded
}

func handshakeReply(t *testing.T, payload string) []byte {
	t.Helper()
	encoded, err := frame.Encode(frame.Frame{Command: 0x0081, Payload: []byte(payload)})
	if err != nil {
		t.Fatalf("frame.Encode() error = %v", err)
	}
	return encoded
}

// feedStageAcks preloads the reply sequence for one StartRAMDownload ->
// start-partition -> one data chunk -> EndPartition -> EndRAMDownload
// stage. The nil Feed in the middle stands in for the per-chunk
// flow-control poll, which must see no queued packet (io.EOF) rather
// than consume the StartBlock ack meant for the next read.
func feedStageAcks(t *testing.T, dev *transport.LoopbackDevice) {
	t.Helper()
	dev.Feed(ack(t)) // StartRAMDownload
	dev.Feed(ack(t)) // start-partition (32 or 64-bit)
	dev.Feed(nil)    // flow-control poll: nothing pending
	dev.Feed(ack(t)) // StartBlock
	dev.Feed(ack(t)) // chunk ack
	dev.Feed(ack(t)) // EndPartition
	dev.Feed(ack(t)) // EndRAMDownload
}

// feedPartitionAcks preloads the reply sequence for one
// StartPartitionID -> one data chunk -> EndPartition write.
func feedPartitionAcks(t *testing.T, dev *transport.LoopbackDevice) {
	t.Helper()
	dev.Feed(ack(t)) // StartPartitionID
	dev.Feed(nil)    // flow-control poll: nothing pending
	dev.Feed(ack(t)) // StartBlock
	dev.Feed(ack(t)) // chunk ack
	dev.Feed(ack(t)) // EndPartition
}

func TestRun_FullDownloadSequence(t *testing.T) {
	project, zr := buildFixture(t)

	dev := &transport.LoopbackDevice{}
	dev.Feed(handshakeReply(t, "romcode v1.0"))
	feedStageAcks(t, dev) // FDL1: StartRAMDownload, StartPartitionAbsolute32, chunk ack, EndPartition, EndRAMDownload
	dev.Feed(handshakeReply(t, "fdl1 v1.0"))
	feedStageAcks(t, dev) // FDL2: same shape, 64-bit start
	dev.Feed(ack(t))      // SetPartitionTable
	feedPartitionAcks(t, dev) // KERNEL

	var states []State
	err := Run(context.Background(), dev, project, zr, Options{
		ChunkSize:     4096,
		ExcludeRootfs: true,
		OnProgress:    func(p Progress) { states = append(states, p.State) },
	})
	if err != nil {
		t.Fatalf("Run() error = %v", err)
	}

	if states[len(states)-1] != StateDone {
		t.Errorf("final state = %v, want StateDone", states[len(states)-1])
	}

	var sawWritePartition bool
	for _, s := range states {
		if s == StateWritePartition {
			sawWritePartition = true
		}
	}
	if !sawWritePartition {
		t.Error("Run() never reported StateWritePartition")
	}
}

func TestRun_MissingFDL1IsArchiveInvalid(t *testing.T) {
	project, zr := buildFixture(t)
	project.Images = project.Images[1:] // drop FDL1

	dev := &transport.LoopbackDevice{}
	err := Run(context.Background(), dev, project, zr, Options{})
	if err == nil {
		t.Fatal("Run() with no FDL1 image: expected error, got nil")
	}
	if !errors.Is(err, axdlerr.ErrArchiveInvalid) {
		t.Errorf("Run() error = %v, want ErrArchiveInvalid", err)
	}
}

func TestRun_HandshakeMismatchFails(t *testing.T) {
	project, zr := buildFixture(t)

	dev := &transport.LoopbackDevice{}
	dev.Feed(handshakeReply(t, "unrelated-device-string"))

	err := Run(context.Background(), dev, project, zr, Options{})
	if err == nil {
		t.Fatal("Run() with mismatched handshake: expected error, got nil")
	}
}
