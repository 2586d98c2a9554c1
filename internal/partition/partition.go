// Package partition holds the AXDL partition data model: descriptors parsed
// from an archive manifest, and the wire encoding of the partition table
// announced to the device (command 0x000B).
package partition

import (
	"fmt"
	"unicode/utf16"

	"github.com/hashicorp/go-multierror"

	"github.com/axdl-go/axdl/internal/axdlerr"
)

// tableNameFieldSize is the name field width inside a partition-table
// entry (0x40 bytes). It is distinct from the 72-byte name field used by
// the "begin named-partition write" command payload.
const tableNameFieldSize = 0x40

// tableEntrySize is the fixed size of one partition-table entry: a
// 64-byte UTF-16LE name, an 8-byte gap, and an 8-byte size.
const tableEntrySize = tableNameFieldSize + 8 + 8 // 0x58 = 88 bytes

// tableHeader is "par:" — the 4-byte magic opening a partition table.
var tableHeader = [4]byte{0x70, 0x61, 0x72, 0x3a}

// ImageType classifies an image entry from the manifest.
type ImageType int

const (
	ImageInit ImageType = iota
	ImageEIP
	ImageFDL1
	ImageFDL2
	ImageEraseFlash
	ImageCode
)

// ParseImageType maps the manifest's <Type> text to an ImageType.
func ParseImageType(s string) (ImageType, error) {
	switch s {
	case "INIT":
		return ImageInit, nil
	case "EIP":
		return ImageEIP, nil
	case "FDL1":
		return ImageFDL1, nil
	case "FDL2":
		return ImageFDL2, nil
	case "ERASEFLASH":
		return ImageEraseFlash, nil
	case "CODE":
		return ImageCode, nil
	default:
		return 0, fmt.Errorf("axdl/partition: unknown image type %q: %w", s, axdlerr.ErrArchiveInvalid)
	}
}

// Block identifies where an image is written: either an absolute address
// or a named partition from the partition table.
type Block struct {
	Absolute    bool
	Address     uint64
	PartitionID string
}

// Descriptor is a single image entry from the manifest, carrying the
// fields the engine needs to sequence and stream it.
type Descriptor struct {
	Name        string
	Type        ImageType
	Block       Block
	FileRef     string // path within the archive; empty if not streamed
	TotalLength uint64
}

// Role reports the selection-filter tag for this descriptor (e.g.
// "rootfs"), derived from its Name for filter predicates such as
// exclude-rootfs.
func (d Descriptor) Role() string {
	return d.Name
}

// Entry is one row of the partition table: a named region with a gap and
// a size, in the unit the table header declares.
type Entry struct {
	Name string
	Gap  uint64
	Size uint64
}

// Table is the partition table announced to the device with command
// 0x000B: a strategy/unit pair plus an ordered list of entries.
type Table struct {
	Strategy byte
	Unit     byte
	Entries  []Entry
}

// Validate aggregates every structural problem in t instead of stopping at
// the first one, so a caller building a table from a manifest sees every
// bad entry in one pass.
func (t Table) Validate() error {
	var result *multierror.Error
	if len(t.Entries) == 0 {
		result = multierror.Append(result, fmt.Errorf("axdl/partition: empty partition table"))
	}
	seen := make(map[string]struct{}, len(t.Entries))
	for _, e := range t.Entries {
		if _, dup := seen[e.Name]; dup {
			result = multierror.Append(result, fmt.Errorf("axdl/partition: duplicate partition name %q", e.Name))
		}
		seen[e.Name] = struct{}{}
		if len(utf16.Encode([]rune(e.Name)))*2 > tableNameFieldSize {
			result = multierror.Append(result, fmt.Errorf("axdl/partition: name %q exceeds %d bytes: %w", e.Name, tableNameFieldSize, axdlerr.ErrNameTooLong))
		}
	}
	return result.ErrorOrNil()
}

// Bytes encodes t in the on-wire form the device expects: "par:" header,
// strategy, unit, entry count, then each entry's fixed 88-byte record.
func (t Table) Bytes() ([]byte, error) {
	if err := t.Validate(); err != nil {
		return nil, err
	}

	buf := make([]byte, 0, 8+len(t.Entries)*tableEntrySize)
	buf = append(buf, tableHeader[:]...)
	buf = append(buf, t.Strategy, t.Unit)
	buf = append(buf, byte(len(t.Entries)), byte(len(t.Entries)>>8))

	for _, e := range t.Entries {
		entry, err := encodeEntry(e)
		if err != nil {
			return nil, err
		}
		buf = append(buf, entry...)
	}
	return buf, nil
}

func encodeEntry(e Entry) ([]byte, error) {
	nameBytes := encodeUTF16LE(e.Name)
	if len(nameBytes) > tableNameFieldSize {
		return nil, fmt.Errorf("axdl/partition: name %q exceeds %d bytes: %w", e.Name, tableNameFieldSize, axdlerr.ErrNameTooLong)
	}

	buf := make([]byte, tableEntrySize)
	copy(buf[:tableNameFieldSize], nameBytes)
	putUint64LE(buf[tableNameFieldSize:tableNameFieldSize+8], e.Gap)
	putUint64LE(buf[tableNameFieldSize+8:tableNameFieldSize+16], e.Size)
	return buf, nil
}

// encodeUTF16LE encodes s as null-padding-free UTF-16LE bytes (the caller
// is responsible for zero-padding to the target field width).
func encodeUTF16LE(s string) []byte {
	units := utf16.Encode([]rune(s))
	buf := make([]byte, len(units)*2)
	for i, u := range units {
		buf[i*2] = byte(u)
		buf[i*2+1] = byte(u >> 8)
	}
	return buf
}

func putUint64LE(buf []byte, v uint64) {
	for i := 0; i < 8; i++ {
		buf[i] = byte(v >> (8 * i))
	}
}
