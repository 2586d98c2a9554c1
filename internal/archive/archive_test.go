package archive

import (
	"archive/zip"
	"bytes"
	"errors"
	"io"
	"testing"

	"github.com/axdl-go/axdl/internal/axdlerr"
	"github.com/axdl-go/axdl/internal/partition"
)

// manifestXML reproduces the reference implementation's own deserialize
// unit test fixture, so the parsed result can be checked against the same
// values it asserts.
const manifestXML = `
<Config>
<Project alias="AX620E" name="AX630C" version="V2.0.0_P7_20240513101106_20250206093423">
    <FDLLevel>2</FDLLevel>
    <Partitions strategy="1" unit="2">
    <Partition gap="0" id="spl" size="768" />
    <Partition gap="0" id="ddrinit" size="512" />
    </Partitions>
    <ImgList>
    <Img flag="2" name="INIT" select="1">
        <ID>INIT</ID>
        <Type>INIT</Type>
        <Block>
        <Base>0x0</Base>
        <Size>0x0</Size>
        </Block>
        <File></File>
        <Auth algo="0" />
        <Description>Handshake with romcode</Description>
    </Img>
    <Img flag="2" name="ROOTFS" select="1">
        <ID>ROOTFS</ID>
        <Type>CODE</Type>
        <Block id="rootfs">
        <Base>0x0</Base>
        <Size>0x1000</Size>
        </Block>
        <File>rootfs.img</File>
        <Auth algo="0" />
        <Description>Root filesystem</Description>
    </Img>
    </ImgList>
</Project>
</Config>
`

func buildFixtureZip(t *testing.T) ([]byte, int64) {
	t.Helper()
	var buf bytes.Buffer
	zw := zip.NewWriter(&buf)

	// Real .axp archives name the manifest after the target device (e.g.
	// "AX630C_emmc_arm64_k419.xml"), not a fixed name — this fixture
	// deliberately does not use a generic "Config.xml" so a regression to
	// exact-name matching would fail every test in this file.
	manifestWriter, err := zw.Create("AX630C_emmc_arm64_k419.xml")
	if err != nil {
		t.Fatalf("create manifest entry: %v", err)
	}
	if _, err := manifestWriter.Write([]byte(manifestXML)); err != nil {
		t.Fatalf("write manifest entry: %v", err)
	}

	imgWriter, err := zw.Create("rootfs.img")
	if err != nil {
		t.Fatalf("create image entry: %v", err)
	}
	if _, err := imgWriter.Write([]byte("firmware-bytes")); err != nil {
		t.Fatalf("write image entry: %v", err)
	}

	if err := zw.Close(); err != nil {
		t.Fatalf("close zip: %v", err)
	}
	data := buf.Bytes()
	return data, int64(len(data))
}

func TestOpen_ParsesManifest(t *testing.T) {
	data, size := buildFixtureZip(t)
	project, _, err := Open(bytes.NewReader(data), size)
	if err != nil {
		t.Fatalf("Open() error = %v", err)
	}

	if project.Alias != "AX620E" || project.Name != "AX630C" {
		t.Errorf("Alias/Name = %q/%q, want AX620E/AX630C", project.Alias, project.Name)
	}

	if project.Table.Strategy != 1 || project.Table.Unit != 2 {
		t.Errorf("Strategy/Unit = %d/%d, want 1/2", project.Table.Strategy, project.Table.Unit)
	}
	if len(project.Table.Entries) != 2 {
		t.Fatalf("len(Entries) = %d, want 2", len(project.Table.Entries))
	}
	if project.Table.Entries[0].Name != "spl" || project.Table.Entries[0].Size != 768 {
		t.Errorf("Entries[0] = %+v, want spl/768", project.Table.Entries[0])
	}
	if project.Table.Entries[1].Name != "ddrinit" || project.Table.Entries[1].Size != 512 {
		t.Errorf("Entries[1] = %+v, want ddrinit/512", project.Table.Entries[1])
	}

	if len(project.Images) != 2 {
		t.Fatalf("len(Images) = %d, want 2", len(project.Images))
	}

	init := project.Images[0]
	if init.Type != partition.ImageInit {
		t.Errorf("Images[0].Type = %v, want ImageInit", init.Type)
	}
	if !init.Block.Absolute || init.Block.Address != 0 {
		t.Errorf("Images[0].Block = %+v, want Absolute(0)", init.Block)
	}
	if init.FileRef != "" {
		t.Errorf("Images[0].FileRef = %q, want empty", init.FileRef)
	}

	rootfs := project.Images[1]
	if rootfs.Type != partition.ImageCode {
		t.Errorf("Images[1].Type = %v, want ImageCode", rootfs.Type)
	}
	if rootfs.Block.Absolute || rootfs.Block.PartitionID != "rootfs" {
		t.Errorf("Images[1].Block = %+v, want Partition(rootfs)", rootfs.Block)
	}
}

func TestReader_StreamsImageBytes(t *testing.T) {
	data, size := buildFixtureZip(t)
	_, zr, err := Open(bytes.NewReader(data), size)
	if err != nil {
		t.Fatalf("Open() error = %v", err)
	}

	rc, err := Reader(zr, "rootfs.img")
	if err != nil {
		t.Fatalf("Reader() error = %v", err)
	}
	defer rc.Close()

	got, err := io.ReadAll(rc)
	if err != nil {
		t.Fatalf("ReadAll() error = %v", err)
	}
	if string(got) != "firmware-bytes" {
		t.Errorf("image bytes = %q, want %q", got, "firmware-bytes")
	}
}

func TestOpen_ManifestMatchedBySuffixNotFixedName(t *testing.T) {
	var buf bytes.Buffer
	zw := zip.NewWriter(&buf)

	readmeWriter, err := zw.Create("README.txt")
	if err != nil {
		t.Fatalf("create README entry: %v", err)
	}
	if _, err := readmeWriter.Write([]byte("not the manifest")); err != nil {
		t.Fatalf("write README entry: %v", err)
	}

	manifestWriter, err := zw.Create("AX620E_nand_arm32_k510.xml")
	if err != nil {
		t.Fatalf("create manifest entry: %v", err)
	}
	if _, err := manifestWriter.Write([]byte(manifestXML)); err != nil {
		t.Fatalf("write manifest entry: %v", err)
	}
	if err := zw.Close(); err != nil {
		t.Fatalf("close zip: %v", err)
	}

	data := buf.Bytes()
	project, _, err := Open(bytes.NewReader(data), int64(len(data)))
	if err != nil {
		t.Fatalf("Open() error = %v", err)
	}
	if project.Alias != "AX620E" {
		t.Errorf("Alias = %q, want AX620E (manifest with a device-specific .xml name was not found)", project.Alias)
	}
}

func TestOpen_MissingManifestIsArchiveInvalid(t *testing.T) {
	var buf bytes.Buffer
	zw := zip.NewWriter(&buf)
	zw.Close()

	_, _, err := Open(bytes.NewReader(buf.Bytes()), int64(buf.Len()))
	if err == nil {
		t.Fatal("Open() on archive with no manifest: expected error, got nil")
	}
	if !errors.Is(err, axdlerr.ErrArchiveInvalid) {
		t.Errorf("Open() error = %v, want ErrArchiveInvalid", err)
	}
}

func TestFilterExcludeRootfs(t *testing.T) {
	images := []partition.Descriptor{
		{Name: "INIT", Type: partition.ImageInit},
		{Name: "ROOTFS", Type: partition.ImageCode},
		{Name: "KERNEL", Type: partition.ImageCode},
	}

	kept := FilterExcludeRootfs(images, true)
	if len(kept) != 2 {
		t.Fatalf("len(kept) = %d, want 2", len(kept))
	}
	for _, img := range kept {
		if img.Name == "ROOTFS" {
			t.Error("FilterExcludeRootfs(true) kept ROOTFS")
		}
	}

	all := FilterExcludeRootfs(images, false)
	if len(all) != len(images) {
		t.Errorf("FilterExcludeRootfs(false) changed length: %d, want %d", len(all), len(images))
	}
}
