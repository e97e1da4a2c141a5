package fat

import (
	"errors"
	"testing"
)

func TestIsNativeShortName(t *testing.T) {
	tests := []struct {
		name      string
		wantBase  string
		wantExt   string
		lowerBase bool
		lowerExt  bool
		ok        bool
	}{
		{"README.TXT", "README", "TXT", false, false, true},
		{"readme.txt", "README", "TXT", true, true, true},
		{"readme.TXT", "README", "TXT", true, false, true},
		{"MAKEFILE", "MAKEFILE", "", false, false, true},
		{"Readme.txt", "", "", false, false, false}, // mixed case needs a long name
		{"toolongname.txt", "", "", false, false, false},
		{"a.toolong", "", "", false, false, false},
		{"has space.txt", "", "", false, false, false},
		{"two.dots.txt", "", "", false, false, false},
		{"NAME~1.TXT", "NAME~1", "TXT", false, false, true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			base, ext, lb, le, ok := isNativeShortName(tt.name)
			if ok != tt.ok {
				t.Fatalf("ok = %v, want %v", ok, tt.ok)
			}
			if !ok {
				return
			}
			if base != tt.wantBase || ext != tt.wantExt || lb != tt.lowerBase || le != tt.lowerExt {
				t.Errorf("got %q.%q lower=%v/%v, want %q.%q lower=%v/%v",
					base, ext, lb, le, tt.wantBase, tt.wantExt, tt.lowerBase, tt.lowerExt)
			}
		})
	}
}

func TestGenerateShortName(t *testing.T) {
	none := func(base, ext string) bool { return false }

	t.Run("native name passes through", func(t *testing.T) {
		base, ext, _, _, needsLFN, err := generateShortName("README.TXT", none)
		if err != nil {
			t.Fatalf("unexpected error: %v", err)
		}
		if base != "README" || ext != "TXT" || needsLFN {
			t.Errorf("got %q.%q needsLFN=%v", base, ext, needsLFN)
		}
	})

	t.Run("long name gets tilde", func(t *testing.T) {
		base, ext, _, _, needsLFN, err := generateShortName("Long File Name.txt", none)
		if err != nil {
			t.Fatalf("unexpected error: %v", err)
		}
		if base != "LONGFI~1" || ext != "TXT" || !needsLFN {
			t.Errorf("got %q.%q needsLFN=%v, want LONGFI~1.TXT with long name", base, ext, needsLFN)
		}
	})

	t.Run("collision bumps the counter", func(t *testing.T) {
		used := map[string]bool{"LONGFI~1.TXT": true, "LONGFI~2.TXT": true}
		taken := func(base, ext string) bool { return used[base+"."+ext] }
		base, _, _, _, _, err := generateShortName("Long File Name.txt", taken)
		if err != nil {
			t.Fatalf("unexpected error: %v", err)
		}
		if base != "LONGFI~3" {
			t.Errorf("base = %q, want LONGFI~3", base)
		}
	})

	t.Run("native collision forces tilde", func(t *testing.T) {
		taken := func(base, ext string) bool { return base == "README" && ext == "TXT" }
		base, _, _, _, needsLFN, err := generateShortName("README.TXT", taken)
		if err != nil {
			t.Fatalf("unexpected error: %v", err)
		}
		if base != "README~1" || !needsLFN {
			t.Errorf("got %q needsLFN=%v, want README~1 with long name", base, needsLFN)
		}
	})

	t.Run("invalid characters sanitized", func(t *testing.T) {
		base, ext, _, _, _, err := generateShortName("hello+world.txt", none)
		if err != nil {
			t.Fatalf("unexpected error: %v", err)
		}
		if base != "HELLO_~1" || ext != "TXT" {
			t.Errorf("got %q.%q, want HELLO_~1.TXT", base, ext)
		}
	})

	t.Run("invalid name rejected", func(t *testing.T) {
		for _, name := range []string{"", ".", "..", "a/b", "a\\b", "a:b", "a*b", "a?b", "a\"b", "a<b", "a|b"} {
			if _, _, _, _, _, err := generateShortName(name, none); !errors.Is(err, ErrInvalidName) {
				t.Errorf("generateShortName(%q) error = %v, want ErrInvalidName", name, err)
			}
		}
	})
}

func TestSplitBaseExt(t *testing.T) {
	tests := []struct {
		in       string
		wantBase string
		wantExt  string
	}{
		{"a.txt", "a", "txt"},
		{"archive.tar.gz", "archive.tar", "gz"},
		{"noext", "noext", ""},
		{".profile", ".profile", ""}, // leading dot is part of the base
		{"trailing.", "trailing", ""},
	}
	for _, tt := range tests {
		base, ext := splitBaseExt(tt.in)
		if base != tt.wantBase || ext != tt.wantExt {
			t.Errorf("splitBaseExt(%q) = %q, %q, want %q, %q", tt.in, base, ext, tt.wantBase, tt.wantExt)
		}
	}
}
