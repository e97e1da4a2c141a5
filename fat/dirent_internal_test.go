package fat

import (
	"strings"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"
)

func TestShortEntryRoundTrip(t *testing.T) {
	mod := time.Date(2024, 6, 15, 10, 30, 42, 0, time.Local)
	de := &Entry{
		filenameShort:   "README",
		fileExtension:   "TXT",
		isArchiveDirty:  true,
		createTime:      mod,
		modifyTime:      mod,
		accessTime:      mod,
		clusterLocation: 0x00120034,
		fileSize:        5000,
	}
	b, err := de.toBytes()
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(b) != slotSize {
		t.Fatalf("serialized length = %d, want %d", len(b), slotSize)
	}
	got := shortEntryFromBytes(b)
	if got.filenameShort != "README" || got.fileExtension != "TXT" {
		t.Errorf("name = %q.%q, want README.TXT", got.filenameShort, got.fileExtension)
	}
	if got.clusterLocation != 0x00120034 {
		t.Errorf("cluster = 0x%x, want 0x00120034", got.clusterLocation)
	}
	if got.fileSize != 5000 {
		t.Errorf("size = %d, want 5000", got.fileSize)
	}
	if !got.modifyTime.Equal(mod) {
		t.Errorf("mtime = %v, want %v", got.modifyTime, mod)
	}
	if !got.isArchiveDirty || got.isSubdirectory {
		t.Errorf("attributes lost in round trip: %+v", got)
	}
}

func TestEntryName(t *testing.T) {
	tests := []struct {
		name string
		de   Entry
		want string
	}{
		{"long wins", Entry{filenameShort: "LONGFI~1", fileExtension: "TXT", filenameLong: "Long File Name.txt"}, "Long File Name.txt"},
		{"plain short", Entry{filenameShort: "README", fileExtension: "TXT"}, "README.TXT"},
		{"no extension", Entry{filenameShort: "MAKEFILE"}, "MAKEFILE"},
		{"nt lowercase base", Entry{filenameShort: "README", fileExtension: "TXT", lowercaseShortname: true}, "readme.TXT"},
		{"nt lowercase both", Entry{filenameShort: "README", fileExtension: "TXT", lowercaseShortname: true, lowercaseExtension: true}, "readme.txt"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := tt.de.Name(); got != tt.want {
				t.Errorf("Name() = %q, want %q", got, tt.want)
			}
		})
	}
}

func TestDeletedByteSubstitution(t *testing.T) {
	de := &Entry{filenameShort: string([]byte{0xe5}) + "NAME"}
	b := de.shortNameBytes()
	if b[0] != 0x05 {
		t.Errorf("leading byte = 0x%02x, want 0x05", b[0])
	}
	raw, err := de.toBytes()
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	got := shortEntryFromBytes(raw)
	if got.filenameShort != de.filenameShort {
		t.Errorf("round trip name = %q, want %q", got.filenameShort, de.filenameShort)
	}
}

func TestLongNameFragments(t *testing.T) {
	name := "Long File Name With Many Words.txt" // 34 units, 3 slots
	de := &Entry{filenameShort: "LONGFI~1", fileExtension: "TXT", filenameLong: name}
	b, err := de.toBytes()
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(b) != 4*slotSize {
		t.Fatalf("serialized length = %d slots, want 4", len(b)/slotSize)
	}
	sum := lfnChecksum(de.shortNameBytes())

	// fragments come highest ordinal first, flagged on the first
	var fragments []lfnFragment
	for i := 0; i < 3; i++ {
		s := b[i*slotSize : (i+1)*slotSize]
		if s[11] != attrLongName {
			t.Fatalf("slot %d attr = 0x%02x, want long-name", i, s[11])
		}
		f := lfnFragmentFromBytes(s)
		if f.checksum != sum {
			t.Errorf("slot %d checksum = 0x%02x, want 0x%02x", i, f.checksum, sum)
		}
		if f.ordinal != 3-i {
			t.Errorf("slot %d ordinal = %d, want %d", i, f.ordinal, 3-i)
		}
		if (i == 0) != f.last {
			t.Errorf("slot %d last = %v", i, f.last)
		}
		fragments = append(fragments, f)
	}

	// reassemble in ascending order
	ascending := []lfnFragment{fragments[2], fragments[1], fragments[0]}
	got, err := assembleLongName(ascending)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if got != name {
		t.Errorf("assembled = %q, want %q", got, name)
	}
}

func TestLongNameNonASCII(t *testing.T) {
	name := "fächer 世界.txt"
	fragments, err := longNameFragments(name, 0x42)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	var parsed []lfnFragment
	for i := len(fragments)/slotSize - 1; i >= 0; i-- {
		parsed = append(parsed, lfnFragmentFromBytes(fragments[i*slotSize:(i+1)*slotSize]))
	}
	got, err := assembleLongName(parsed)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if got != name {
		t.Errorf("assembled = %q, want %q", got, name)
	}
}

func TestLongNameTooLong(t *testing.T) {
	_, err := longNameFragments(strings.Repeat("x", 256), 0)
	if err == nil || !strings.Contains(err.Error(), "UTF-16 units") {
		t.Errorf("error = %v, want name-too-long", err)
	}
	if _, err := longNameFragments(strings.Repeat("x", 255), 0); err != nil {
		t.Errorf("255 units rejected: %v", err)
	}
}

func TestCalculateSlots(t *testing.T) {
	tests := []struct {
		name string
		want int
	}{
		{"short.txt", 1},
		{strings.Repeat("a", 13), 1},
		{strings.Repeat("a", 14), 2},
		{strings.Repeat("a", 255), 20},
		{"emoji \U0001f600", 1}, // 6 + 2 surrogate units
	}
	for _, tt := range tests {
		if got := calculateSlots(tt.name); got != tt.want {
			t.Errorf("calculateSlots(%q) = %d, want %d", tt.name, got, tt.want)
		}
	}
}

func TestLfnChecksum(t *testing.T) {
	// known value for "FILENAMETXT" computed with the rotate-add algorithm
	de := Entry{filenameShort: "FILENAME", fileExtension: "TXT"}
	sum := lfnChecksum(de.shortNameBytes())
	var want byte
	for _, c := range []byte("FILENAMETXT") {
		want = (want&1)<<7 + want>>1 + c
	}
	if sum != want {
		t.Errorf("checksum = 0x%02x, want 0x%02x", sum, want)
	}
}

func TestMsDosTime(t *testing.T) {
	tests := []struct {
		name string
		in   time.Time
		want time.Time
	}{
		{
			"even second",
			time.Date(2023, 3, 7, 14, 25, 30, 0, time.Local),
			time.Date(2023, 3, 7, 14, 25, 30, 0, time.Local),
		},
		{
			"odd second survives via tenths",
			time.Date(2023, 3, 7, 14, 25, 31, 0, time.Local),
			time.Date(2023, 3, 7, 14, 25, 31, 0, time.Local),
		},
		{
			"pre-epoch clamps to 1980",
			time.Date(1975, 1, 1, 0, 0, 0, 0, time.Local),
			time.Date(1980, 1, 1, 0, 0, 0, 0, time.Local),
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			date, tod, tenths := timeToMsDos(tt.in)
			got := msDosToTime(date, tod, tenths)
			if !got.Equal(tt.want) {
				t.Errorf("round trip = %v, want %v", got, tt.want)
			}
		})
	}
}

func TestValidateRun(t *testing.T) {
	short := Entry{filenameShort: "LONGFI~1", fileExtension: "TXT"}
	shortName := short.shortNameBytes()
	sum := lfnChecksum(shortName)
	raw, err := longNameFragments("Long File Name.txt", sum)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	var run []lfnFragment
	for i := 0; i < len(raw)/slotSize; i++ {
		run = append(run, lfnFragmentFromBytes(raw[i*slotSize:(i+1)*slotSize]))
	}

	name, ok := validateRun(run, shortName)
	if !ok || name != "Long File Name.txt" {
		t.Errorf("validateRun = %q, %v", name, ok)
	}

	// wrong checksum falls back to the short name
	bad := make([]lfnFragment, len(run))
	copy(bad, run)
	bad[0].checksum ^= 0xff
	if _, ok := validateRun(bad, shortName); ok {
		t.Error("checksum mismatch accepted")
	}

	// incomplete run is rejected
	if _, ok := validateRun(run[1:], shortName); ok {
		t.Error("truncated run accepted")
	}
}

func TestEntrySlotBytesStable(t *testing.T) {
	// serializing twice yields identical bytes
	de := &Entry{
		filenameShort:  "STABLE",
		fileExtension:  "BIN",
		filenameLong:   "Stable Name.bin",
		isArchiveDirty: true,
		modifyTime:     time.Date(2024, 1, 2, 3, 4, 6, 0, time.Local),
	}
	b1, err := de.toBytes()
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	b2, err := de.toBytes()
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if diff := cmp.Diff(b1, b2); diff != "" {
		t.Errorf("serialization not stable (-first +second):\n%s", diff)
	}
}

func TestLongNameExactSlotFill(t *testing.T) {
	// 26 units fill two slots exactly; no terminator, no padding slot
	name := strings.Repeat("b", 26)
	fragments, err := longNameFragments(name, 0x17)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if want := calculateSlots(name) * slotSize; len(fragments) != want {
		t.Fatalf("fragments = %d bytes, want %d", len(fragments), want)
	}

	var parsed []lfnFragment
	for i := len(fragments)/slotSize - 1; i >= 0; i-- {
		parsed = append(parsed, lfnFragmentFromBytes(fragments[i*slotSize:(i+1)*slotSize]))
	}
	got, err := assembleLongName(parsed)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if got != name {
		t.Errorf("assembled = %q, want %q", got, name)
	}
}
