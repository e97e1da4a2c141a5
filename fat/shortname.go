package fat

import (
	"fmt"
	"strconv"
	"strings"
)

// Bytes allowed in an 8.3 name besides letters and digits.
const shortNameExtraChars = "$%'-_@~`!(){}^#&"

func validShortNameByte(c byte) bool {
	switch {
	case c >= 'A' && c <= 'Z':
		return true
	case c >= '0' && c <= '9':
		return true
	case c >= 0x80:
		return true
	default:
		return strings.IndexByte(shortNameExtraChars, c) >= 0
	}
}

// splitBaseExt splits a filename on its final dot. Leading dots (as in
// dotfiles) do not count as a separator.
func splitBaseExt(name string) (base, ext string) {
	i := strings.LastIndexByte(name, '.')
	if i <= 0 {
		return name, ""
	}
	return name[:i], name[i+1:]
}

// isNativeShortName reports whether name can be stored directly in an 8.3
// slot. A name in consistent lowercase is still native: the NT lowercase
// flags record the case without long-name slots.
func isNativeShortName(name string) (base, ext string, lowerBase, lowerExt, ok bool) {
	base, ext = splitBaseExt(name)
	if base == "" || len(base) > 8 || len(ext) > 3 {
		return "", "", false, false, false
	}
	checkCase := func(s string) (string, bool, bool) {
		upper := strings.ToUpper(s)
		lower := strings.ToLower(s)
		switch s {
		case "":
			return "", false, true
		case upper:
			return upper, false, upper != lower || !strings.ContainsAny(s, "abcdefghijklmnopqrstuvwxyz")
		case lower:
			return upper, true, true
		default:
			// mixed case needs a long name
			return "", false, false
		}
	}
	var baseOK, extOK bool
	base, lowerBase, baseOK = checkCase(base)
	ext, lowerExt, extOK = checkCase(ext)
	if !baseOK || !extOK {
		return "", "", false, false, false
	}
	for i := 0; i < len(base); i++ {
		if !validShortNameByte(base[i]) {
			return "", "", false, false, false
		}
	}
	for i := 0; i < len(ext); i++ {
		if !validShortNameByte(ext[i]) {
			return "", "", false, false, false
		}
	}
	return base, ext, lowerBase, lowerExt, true
}

// sanitizeShortName uppercases and strips a long name down to 8.3 material:
// spaces and extra dots are dropped, anything else invalid becomes '_'.
func sanitizeShortName(name string) (base, ext string) {
	rawBase, rawExt := splitBaseExt(name)
	clean := func(s string, max int) string {
		s = strings.ToUpper(s)
		var b strings.Builder
		for i := 0; i < len(s) && b.Len() < max; i++ {
			c := s[i]
			switch {
			case c == ' ' || c == '.':
				// dropped entirely
			case validShortNameByte(c):
				b.WriteByte(c)
			default:
				b.WriteByte('_')
			}
		}
		return b.String()
	}
	return clean(rawBase, 8), clean(rawExt, 3)
}

// generateShortName produces the 8.3 name for longName, appending a ~N
// disambiguator when the name is not natively 8.3-representable or the
// natural candidate collides with an existing short name in the directory.
// taken reports whether an 8.3 form (base, ext both uppercase) is in use.
func generateShortName(longName string, taken func(base, ext string) bool) (base, ext string, lowerBase, lowerExt, needsLFN bool, err error) {
	if !validLongName(longName) {
		return "", "", false, false, false, fmt.Errorf("%w: %q", ErrInvalidName, longName)
	}
	units := 0
	for _, r := range longName {
		units++
		if r > 0xffff {
			units++
		}
	}
	if units > maxNameLength {
		return "", "", false, false, false, fmt.Errorf("%w: name is %d UTF-16 units, maximum is %d", ErrNameTooLong, units, maxNameLength)
	}

	if b, e, lb, le, ok := isNativeShortName(longName); ok && !taken(b, e) {
		return b, e, lb, le, false, nil
	}

	base, ext = sanitizeShortName(longName)
	if base == "" {
		base = "_"
	}
	for n := 1; n < 1000000; n++ {
		tail := "~" + strconv.Itoa(n)
		trimmed := base
		if len(trimmed)+len(tail) > 8 {
			trimmed = trimmed[:8-len(tail)]
		}
		candidate := trimmed + tail
		if !taken(candidate, ext) {
			return candidate, ext, false, false, true, nil
		}
	}
	return "", "", false, false, false, fmt.Errorf("%w: no free short name for %q", ErrExist, longName)
}

// validLongName rejects names no FAT directory can hold: empty, dot-only,
// or containing path separators and other forbidden characters.
func validLongName(name string) bool {
	if name == "" || name == "." || name == ".." {
		return false
	}
	for _, r := range name {
		switch r {
		case '/', '\\', ':', '*', '?', '"', '<', '>', '|':
			return false
		}
		if r < 0x20 {
			return false
		}
	}
	return true
}
