package fat

import (
	"encoding/binary"
	"fmt"
	"strings"
	"time"

	"golang.org/x/text/encoding/unicode"
)

const (
	attrReadOnly    = 0x01
	attrHidden      = 0x02
	attrSystem      = 0x04
	attrVolumeLabel = 0x08
	attrDirectory   = 0x10
	attrArchive     = 0x20
	attrLongName    = 0x0f

	// NT reserved-byte flags recording all-lowercase 8.3 names
	ntFlagLowercaseName      = 0x08
	ntFlagLowercaseExtension = 0x10

	slotSize = 32

	// slotDeleted marks a reusable slot, slotEndOfDirectory terminates the
	// used portion of a directory region.
	slotDeleted        = 0xe5
	slotEndOfDirectory = 0x00

	// lfnLastFragment flags the highest-ordinal fragment of a long name.
	lfnLastFragment = 0x40
	// lfnUnitsPerSlot is the number of UTF-16 units one fragment stores.
	lfnUnitsPerSlot = 13

	// maxNameLength is the longest name FAT can store, in UTF-16 units.
	maxNameLength = 255
)

var (
	utf16Decoder = unicode.UTF16(unicode.LittleEndian, unicode.IgnoreBOM).NewDecoder()
	utf16Encoder = unicode.UTF16(unicode.LittleEndian, unicode.IgnoreBOM).NewEncoder()
)

// Entry is a single directory entry: one file, subdirectory or volume label.
// The slot offsets record where in the parent directory region the entry
// lives, long-name fragments included.
type Entry struct {
	filenameShort string
	fileExtension string
	filenameLong  string

	lowercaseShortname bool
	lowercaseExtension bool

	isReadOnly     bool
	isHidden       bool
	isSystem       bool
	isVolumeLabel  bool
	isSubdirectory bool
	isArchiveDirty bool

	createTime time.Time
	modifyTime time.Time
	accessTime time.Time

	clusterLocation uint32
	fileSize        uint32

	longFilenameSlots int

	// byte offsets within the parent directory region; slotStart is the
	// first long-name slot, slotEnd the 8.3 entry itself
	slotStart int
	slotEnd   int
}

// Name returns the long filename when one exists, otherwise the 8.3 name
// with any recorded lowercase flags applied.
func (de *Entry) Name() string {
	if de.filenameLong != "" {
		return de.filenameLong
	}
	base := de.filenameShort
	if de.lowercaseShortname {
		base = strings.ToLower(base)
	}
	ext := de.fileExtension
	if de.lowercaseExtension {
		ext = strings.ToLower(ext)
	}
	if ext != "" {
		return base + "." + ext
	}
	return base
}

// ShortName returns the 8.3 form, uppercase, dot included only when an
// extension exists.
func (de *Entry) ShortName() string {
	if de.fileExtension != "" {
		return de.filenameShort + "." + de.fileExtension
	}
	return de.filenameShort
}

func (de *Entry) IsDir() bool          { return de.isSubdirectory }
func (de *Entry) IsVolumeLabel() bool  { return de.isVolumeLabel }
func (de *Entry) IsReadOnly() bool     { return de.isReadOnly }
func (de *Entry) IsHidden() bool       { return de.isHidden }
func (de *Entry) IsSystem() bool       { return de.isSystem }
func (de *Entry) Size() int64          { return int64(de.fileSize) }
func (de *Entry) StartCluster() uint32 { return de.clusterLocation }
func (de *Entry) ModTime() time.Time   { return de.modifyTime }
func (de *Entry) CreateTime() time.Time { return de.createTime }
func (de *Entry) AccessTime() time.Time { return de.accessTime }

// SlotOffset is the byte offset of the 8.3 slot within the parent directory
// region. Together with the parent's start cluster it identifies the entry
// on disk.
func (de *Entry) SlotOffset() int { return de.slotEnd }

func (de *Entry) isDot() bool {
	return de.filenameShort == "." || de.filenameShort == ".."
}

// shortNameBytes packs the 8.3 name into the 11-byte on-disk form. A real
// leading 0xe5 byte is stored as 0x05 so it is not read as a deleted slot.
func (de *Entry) shortNameBytes() [11]byte {
	var b [11]byte
	for i := range b {
		b[i] = ' '
	}
	copy(b[0:8], de.filenameShort)
	copy(b[8:11], de.fileExtension)
	if b[0] == slotDeleted {
		b[0] = 0x05
	}
	return b
}

// toBytes serializes the entry: long-name fragments in descending ordinal
// order followed by the 8.3 slot.
func (de *Entry) toBytes() ([]byte, error) {
	var b []byte
	shortName := de.shortNameBytes()
	if de.filenameLong != "" {
		fragments, err := longNameFragments(de.filenameLong, lfnChecksum(shortName))
		if err != nil {
			return nil, err
		}
		de.longFilenameSlots = len(fragments)
		b = append(b, fragments...)
	} else {
		de.longFilenameSlots = 0
	}

	s := make([]byte, slotSize)
	copy(s[0:11], shortName[:])
	var attr byte
	if de.isReadOnly {
		attr |= attrReadOnly
	}
	if de.isHidden {
		attr |= attrHidden
	}
	if de.isSystem {
		attr |= attrSystem
	}
	if de.isVolumeLabel {
		attr |= attrVolumeLabel
	}
	if de.isSubdirectory {
		attr |= attrDirectory
	}
	if de.isArchiveDirty {
		attr |= attrArchive
	}
	s[11] = attr
	if de.lowercaseShortname {
		s[12] |= ntFlagLowercaseName
	}
	if de.lowercaseExtension {
		s[12] |= ntFlagLowercaseExtension
	}
	createDate, createTime, createTenths := timeToMsDos(de.createTime)
	s[13] = createTenths
	binary.LittleEndian.PutUint16(s[14:16], createTime)
	binary.LittleEndian.PutUint16(s[16:18], createDate)
	accessDate, _, _ := timeToMsDos(de.accessTime)
	binary.LittleEndian.PutUint16(s[18:20], accessDate)
	binary.LittleEndian.PutUint16(s[20:22], uint16(de.clusterLocation>>16))
	writeDate, writeTime, _ := timeToMsDos(de.modifyTime)
	binary.LittleEndian.PutUint16(s[22:24], writeTime)
	binary.LittleEndian.PutUint16(s[24:26], writeDate)
	binary.LittleEndian.PutUint16(s[26:28], uint16(de.clusterLocation&0xffff))
	binary.LittleEndian.PutUint32(s[28:32], de.fileSize)
	return append(b, s...), nil
}

// shortEntryFromBytes decodes one 8.3 slot. The caller has already
// classified the slot as a short entry.
func shortEntryFromBytes(b []byte) *Entry {
	attr := b[11]
	name := b[0:8]
	first := name[0]
	shortName := strings.TrimRight(string(name), " ")
	if first == 0x05 {
		shortName = string([]byte{slotDeleted}) + shortName[1:]
	}
	de := &Entry{
		filenameShort:      shortName,
		fileExtension:      strings.TrimRight(string(b[8:11]), " "),
		lowercaseShortname: b[12]&ntFlagLowercaseName != 0,
		lowercaseExtension: b[12]&ntFlagLowercaseExtension != 0,
		isReadOnly:         attr&attrReadOnly != 0,
		isHidden:           attr&attrHidden != 0,
		isSystem:           attr&attrSystem != 0,
		isVolumeLabel:      attr&attrVolumeLabel != 0,
		isSubdirectory:     attr&attrDirectory != 0,
		isArchiveDirty:     attr&attrArchive != 0,
		createTime:         msDosToTime(binary.LittleEndian.Uint16(b[16:18]), binary.LittleEndian.Uint16(b[14:16]), b[13]),
		accessTime:         msDosToTime(binary.LittleEndian.Uint16(b[18:20]), 0, 0),
		modifyTime:         msDosToTime(binary.LittleEndian.Uint16(b[24:26]), binary.LittleEndian.Uint16(b[22:24]), 0),
		clusterLocation:    uint32(binary.LittleEndian.Uint16(b[20:22]))<<16 | uint32(binary.LittleEndian.Uint16(b[26:28])),
		fileSize:           binary.LittleEndian.Uint32(b[28:32]),
	}
	return de
}

// lfnFragment is one long-name slot: 13 UTF-16 units of the name plus the
// ordinal and the checksum of the 8.3 name it belongs to.
type lfnFragment struct {
	ordinal  int
	last     bool
	checksum byte
	raw      []byte // 26 bytes, the name units in slot order
}

func lfnFragmentFromBytes(b []byte) lfnFragment {
	raw := make([]byte, 0, lfnUnitsPerSlot*2)
	raw = append(raw, b[1:11]...)
	raw = append(raw, b[14:26]...)
	raw = append(raw, b[28:32]...)
	return lfnFragment{
		ordinal:  int(b[0] &^ lfnLastFragment),
		last:     b[0]&lfnLastFragment != 0,
		checksum: b[13],
		raw:      raw,
	}
}

// longNameFragments splits a long name into slots, highest ordinal first,
// with the last-fragment flag on the first slot emitted.
func longNameFragments(name string, checksum byte) ([]byte, error) {
	encoded, err := utf16Encoder.Bytes([]byte(name))
	if err != nil {
		return nil, fmt.Errorf("%w: name %q cannot be encoded as UTF-16", ErrInvalidName, name)
	}
	if len(encoded)/2 > maxNameLength {
		return nil, fmt.Errorf("%w: name is %d UTF-16 units, maximum is %d", ErrNameTooLong, len(encoded)/2, maxNameLength)
	}
	// the terminator and 0xffff padding fill the last slot; a name that is
	// an exact multiple of 13 units carries neither
	slots := calculateSlots(name)
	if len(encoded) < slots*lfnUnitsPerSlot*2 {
		encoded = append(encoded, 0x00, 0x00)
	}
	for len(encoded) < slots*lfnUnitsPerSlot*2 {
		encoded = append(encoded, 0xff, 0xff)
	}

	b := make([]byte, 0, slots*slotSize)
	for i := slots - 1; i >= 0; i-- {
		chunk := encoded[i*lfnUnitsPerSlot*2 : (i+1)*lfnUnitsPerSlot*2]
		s := make([]byte, slotSize)
		s[0] = byte(i + 1)
		if i == slots-1 {
			s[0] |= lfnLastFragment
		}
		copy(s[1:11], chunk[0:10])
		s[11] = attrLongName
		s[13] = checksum
		copy(s[14:26], chunk[10:22])
		copy(s[28:32], chunk[22:26])
		b = append(b, s...)
	}
	return b, nil
}

// assembleLongName joins a complete fragment run (ascending ordinals 1..n)
// back into the original name.
func assembleLongName(fragments []lfnFragment) (string, error) {
	raw := make([]byte, 0, len(fragments)*lfnUnitsPerSlot*2)
	for _, f := range fragments {
		raw = append(raw, f.raw...)
	}
	// cut at the 0x0000 terminator; trailing slots are 0xffff padded
	for i := 0; i+1 < len(raw); i += 2 {
		if raw[i] == 0 && raw[i+1] == 0 {
			raw = raw[:i]
			break
		}
	}
	decoded, err := utf16Decoder.Bytes(raw)
	if err != nil {
		return "", fmt.Errorf("undecodable long filename: %w", err)
	}
	return string(decoded), nil
}

// calculateSlots is the number of long-name slots a name needs.
func calculateSlots(name string) int {
	if name == "" {
		return 0
	}
	units := 0
	for _, r := range name {
		units++
		if r > 0xffff {
			units++ // surrogate pair
		}
	}
	return (units + lfnUnitsPerSlot - 1) / lfnUnitsPerSlot
}

// lfnChecksum is the rotate-and-add checksum of the 11-byte short name that
// every long-name fragment carries for validation.
func lfnChecksum(shortName [11]byte) byte {
	var sum byte
	for _, c := range shortName {
		sum = (sum&1)<<7 + sum>>1 + c
	}
	return sum
}

// timeToMsDos packs a timestamp into the FAT date, 2-second time, and
// tenths-of-a-second forms. Dates before 1980 clamp to the epoch.
func timeToMsDos(t time.Time) (date, timeOfDay uint16, tenths byte) {
	if t.IsZero() || t.Year() < 1980 {
		return 0x21, 0, 0 // 1980-01-01
	}
	date = uint16(t.Year()-1980)<<9 | uint16(t.Month())<<5 | uint16(t.Day())
	timeOfDay = uint16(t.Hour())<<11 | uint16(t.Minute())<<5 | uint16(t.Second()/2)
	tenths = byte(t.Second()%2*100 + t.Nanosecond()/10000000)
	return date, timeOfDay, tenths
}

// msDosToTime unpacks FAT date/time fields. A zero date yields the zero
// time, matching entries that never set the field.
func msDosToTime(date, timeOfDay uint16, tenths byte) time.Time {
	if date == 0 {
		return time.Time{}
	}
	year := int(date>>9) + 1980
	month := time.Month(date >> 5 & 0x0f)
	day := int(date & 0x1f)
	hour := int(timeOfDay >> 11)
	minute := int(timeOfDay >> 5 & 0x3f)
	second := int(timeOfDay&0x1f) * 2
	nsec := 0
	if tenths >= 100 {
		second++
		tenths -= 100
	}
	nsec = int(tenths) * 10000000
	return time.Date(year, month, day, hour, minute, second, nsec, time.Local)
}
