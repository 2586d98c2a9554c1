// Package archive reads an AXDL firmware package: a ZIP file containing
// an XML project manifest plus the image files it references (C3).
package archive

import (
	"archive/zip"
	"encoding/xml"
	"fmt"
	"io"
	"strconv"
	"strings"

	"github.com/axdl-go/axdl/internal/axdlerr"
	"github.com/axdl-go/axdl/internal/partition"
)

// manifestSuffix identifies the project descriptor entry: real .axp
// archives ship it under a device-specific name (e.g.
// "AX630C_emmc_arm64_k419.xml"), not a fixed file name, so it is located
// by suffix rather than by an exact match.
const manifestSuffix = ".xml"

// Project is the parsed manifest: a partition table plus the ordered
// list of images it describes.
type Project struct {
	Alias   string
	Name    string
	Version string
	Table   partition.Table
	Images  []partition.Descriptor
}

// manifestConfig mirrors the <Config> root element.
type manifestConfig struct {
	XMLName xml.Name        `xml:"Config"`
	Project manifestProject `xml:"Project"`
}

type manifestProject struct {
	Alias      string             `xml:"alias,attr"`
	Name       string             `xml:"name,attr"`
	Version    string             `xml:"version,attr"`
	FDLLevel   int                `xml:"FDLLevel"`
	Partitions manifestPartitions `xml:"Partitions"`
	ImgList    manifestImgList    `xml:"ImgList"`
}

type manifestPartitions struct {
	Strategy   uint8               `xml:"strategy,attr"`
	Unit       uint8               `xml:"unit,attr"`
	Partitions []manifestPartition `xml:"Partition"`
}

type manifestPartition struct {
	Gap  uint64 `xml:"gap,attr"`
	ID   string `xml:"id,attr"`
	Size uint64 `xml:"size,attr"`
}

type manifestImgList struct {
	Images []manifestImg `xml:"Img"`
}

type manifestImg struct {
	Flag        uint32        `xml:"flag,attr"`
	Name        string        `xml:"name,attr"`
	Select      uint32        `xml:"select,attr"`
	ID          string        `xml:"ID"`
	Type        string        `xml:"Type"`
	Block       manifestBlock `xml:"Block"`
	File        string        `xml:"File"`
	Auth        manifestAuth  `xml:"Auth"`
	Description string        `xml:"Description"`
}

type manifestBlock struct {
	ID   string `xml:"id,attr"`
	Base string `xml:"Base"`
	Size string `xml:"Size"`
}

type manifestAuth struct {
	Algo uint32 `xml:"algo,attr"`
}

// Open reads r (a ZIP archive of size size) and returns its parsed
// manifest. It does not read any image file's contents; use Reader to
// stream an individual image later.
func Open(r io.ReaderAt, size int64) (*Project, *zip.Reader, error) {
	zr, err := zip.NewReader(r, size)
	if err != nil {
		return nil, nil, fmt.Errorf("axdl/archive: open zip: %w: %w", axdlerr.ErrArchiveInvalid, err)
	}

	manifestFile, err := findManifest(zr)
	if err != nil {
		return nil, nil, err
	}

	project, err := parseManifest(manifestFile)
	if err != nil {
		return nil, nil, err
	}

	return project, zr, nil
}

func findFile(zr *zip.Reader, name string) (*zip.File, error) {
	for _, f := range zr.File {
		if f.Name == name {
			return f, nil
		}
	}
	return nil, fmt.Errorf("axdl/archive: %q not found: %w", name, axdlerr.ErrArchiveInvalid)
}

// findManifest returns the first archive entry whose name ends in
// manifestSuffix, in the same central-directory order the reference
// implementation walks (archive.by_index(i) with a break on the first
// match), rather than requiring a fixed manifest file name.
func findManifest(zr *zip.Reader) (*zip.File, error) {
	for _, f := range zr.File {
		if strings.HasSuffix(f.Name, manifestSuffix) {
			return f, nil
		}
	}
	return nil, fmt.Errorf("axdl/archive: no %s manifest found: %w", manifestSuffix, axdlerr.ErrArchiveInvalid)
}

func parseManifest(f *zip.File) (*Project, error) {
	rc, err := f.Open()
	if err != nil {
		return nil, fmt.Errorf("axdl/archive: open manifest: %w: %w", axdlerr.ErrArchiveInvalid, err)
	}
	defer rc.Close()

	var config manifestConfig
	if err := xml.NewDecoder(rc).Decode(&config); err != nil {
		return nil, fmt.Errorf("axdl/archive: decode manifest: %w: %w", axdlerr.ErrArchiveInvalid, err)
	}

	table := partition.Table{
		Strategy: config.Project.Partitions.Strategy,
		Unit:     config.Project.Partitions.Unit,
	}
	for _, p := range config.Project.Partitions.Partitions {
		table.Entries = append(table.Entries, partition.Entry{Name: p.ID, Gap: p.Gap, Size: p.Size})
	}

	images := make([]partition.Descriptor, 0, len(config.Project.ImgList.Images))
	for _, img := range config.Project.ImgList.Images {
		desc, err := toDescriptor(img)
		if err != nil {
			return nil, err
		}
		images = append(images, desc)
	}

	return &Project{
		Alias:   config.Project.Alias,
		Name:    config.Project.Name,
		Version: config.Project.Version,
		Table:   table,
		Images:  images,
	}, nil
}

func toDescriptor(img manifestImg) (partition.Descriptor, error) {
	imageType, err := partition.ParseImageType(img.Type)
	if err != nil {
		return partition.Descriptor{}, err
	}

	size, err := parseHex(img.Block.Size)
	if err != nil {
		return partition.Descriptor{}, fmt.Errorf("axdl/archive: image %q block size: %w", img.Name, err)
	}

	var block partition.Block
	if img.Block.ID != "" {
		block = partition.Block{Absolute: false, PartitionID: img.Block.ID}
	} else {
		base, err := parseHex(img.Block.Base)
		if err != nil {
			return partition.Descriptor{}, fmt.Errorf("axdl/archive: image %q block base: %w", img.Name, err)
		}
		block = partition.Block{Absolute: true, Address: base}
	}

	return partition.Descriptor{
		Name:        img.Name,
		Type:        imageType,
		Block:       block,
		FileRef:     img.File,
		TotalLength: size,
	}, nil
}

func parseHex(s string) (uint64, error) {
	s = strings.TrimPrefix(s, "0x")
	return strconv.ParseUint(s, 16, 64)
}

// Reader opens the named image file for forward-only, lazily-read
// streaming; callers must Close it when done.
func Reader(zr *zip.Reader, name string) (io.ReadCloser, error) {
	f, err := findFile(zr, name)
	if err != nil {
		return nil, err
	}
	rc, err := f.Open()
	if err != nil {
		return nil, fmt.Errorf("axdl/archive: open %q: %w: %w", name, axdlerr.ErrArchiveInvalid, err)
	}
	return rc, nil
}

// FilterExcludeRootfs returns images with CODE type images named "ROOTFS"
// removed when exclude is true, matching the reference download
// sequence's rootfs-skip option.
func FilterExcludeRootfs(images []partition.Descriptor, exclude bool) []partition.Descriptor {
	if !exclude {
		return images
	}
	filtered := make([]partition.Descriptor, 0, len(images))
	for _, img := range images {
		if img.Type == partition.ImageCode && strings.EqualFold(img.Name, "ROOTFS") {
			continue
		}
		filtered = append(filtered, img)
	}
	return filtered
}
