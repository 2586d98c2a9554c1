package partition

import (
	"bytes"
	"errors"
	"testing"

	"github.com/axdl-go/axdl/internal/axdlerr"
)

func TestTable_Bytes_HeaderAndCount(t *testing.T) {
	table := Table{
		Strategy: 0,
		Unit:     1,
		Entries: []Entry{
			{Name: "splloader", Gap: 0, Size: 0x20000},
			{Name: "fdl1", Gap: 0, Size: 0x10000},
		},
	}

	encoded, err := table.Bytes()
	if err != nil {
		t.Fatalf("Bytes() error = %v", err)
	}

	wantHeader := []byte{0x70, 0x61, 0x72, 0x3a, 0x00, 0x01, 0x02, 0x00}
	if !bytes.Equal(encoded[:8], wantHeader) {
		t.Errorf("header = % x, want % x", encoded[:8], wantHeader)
	}
	wantLen := 8 + 2*tableEntrySize
	if len(encoded) != wantLen {
		t.Errorf("len(encoded) = %d, want %d", len(encoded), wantLen)
	}
}

func TestTable_Bytes_EntryLayout(t *testing.T) {
	table := Table{Entries: []Entry{{Name: "fdl1", Gap: 0x10, Size: 0x20000}}}

	encoded, err := table.Bytes()
	if err != nil {
		t.Fatalf("Bytes() error = %v", err)
	}

	entry := encoded[8:]
	if len(entry) != tableEntrySize {
		t.Fatalf("len(entry) = %d, want %d", len(entry), tableEntrySize)
	}

	name := entry[:tableNameFieldSize]
	wantName := append(encodeUTF16LE("fdl1"), make([]byte, tableNameFieldSize-8)...)
	if !bytes.Equal(name, wantName) {
		t.Errorf("name field = % x, want % x", name, wantName)
	}

	gap := entry[tableNameFieldSize : tableNameFieldSize+8]
	wantGap := []byte{0x10, 0, 0, 0, 0, 0, 0, 0}
	if !bytes.Equal(gap, wantGap) {
		t.Errorf("gap field = % x, want % x", gap, wantGap)
	}

	size := entry[tableNameFieldSize+8:]
	wantSize := []byte{0x00, 0x00, 0x02, 0, 0, 0, 0, 0}
	if !bytes.Equal(size, wantSize) {
		t.Errorf("size field = % x, want % x", size, wantSize)
	}
}

func TestTable_Validate_EmptyTable(t *testing.T) {
	if err := (Table{}).Validate(); err == nil {
		t.Fatal("Validate() on empty table: expected error, got nil")
	}
}

func TestTable_Validate_DuplicateNames(t *testing.T) {
	table := Table{Entries: []Entry{
		{Name: "fdl1", Size: 1},
		{Name: "fdl1", Size: 2},
	}}
	if err := table.Validate(); err == nil {
		t.Fatal("Validate() with duplicate names: expected error, got nil")
	}
}

func TestTable_Validate_NameTooLong(t *testing.T) {
	long := make([]rune, tableNameFieldSize) // 64 UTF-16 units, 128 bytes > 64-byte field
	for i := range long {
		long[i] = 'a'
	}
	table := Table{Entries: []Entry{{Name: string(long), Size: 1}}}

	err := table.Validate()
	if !errors.Is(err, axdlerr.ErrNameTooLong) {
		t.Errorf("Validate() error = %v, want ErrNameTooLong", err)
	}
}

func TestTable_Bytes_RejectsInvalidTable(t *testing.T) {
	if _, err := (Table{}).Bytes(); err == nil {
		t.Error("Bytes() on empty table: expected error, got nil")
	}
}

func TestParseImageType(t *testing.T) {
	tests := []struct {
		in      string
		want    ImageType
		wantErr bool
	}{
		{"INIT", ImageInit, false},
		{"EIP", ImageEIP, false},
		{"FDL1", ImageFDL1, false},
		{"FDL2", ImageFDL2, false},
		{"ERASEFLASH", ImageEraseFlash, false},
		{"CODE", ImageCode, false},
		{"BOGUS", 0, true},
	}
	for _, tt := range tests {
		got, err := ParseImageType(tt.in)
		if tt.wantErr {
			if !errors.Is(err, axdlerr.ErrArchiveInvalid) {
				t.Errorf("ParseImageType(%q) error = %v, want ErrArchiveInvalid", tt.in, err)
			}
			continue
		}
		if err != nil {
			t.Errorf("ParseImageType(%q) unexpected error: %v", tt.in, err)
		}
		if got != tt.want {
			t.Errorf("ParseImageType(%q) = %v, want %v", tt.in, got, tt.want)
		}
	}
}
