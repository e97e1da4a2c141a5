package backend_test

import (
	"bytes"
	"testing"

	"github.com/diskimage/fatfs/backend"
	"github.com/diskimage/fatfs/backend/mem"
)

func TestSubWindow(t *testing.T) {
	base := mem.New(4096)
	w, err := base.Writable()
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if _, err := w.WriteAt([]byte("outside"), 0); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if _, err := w.WriteAt([]byte("inside"), 1024); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	sub := backend.Sub(base, 1024, 1024)
	b := make([]byte, 6)
	if _, err := sub.ReadAt(b, 0); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !bytes.Equal(b, []byte("inside")) {
		t.Errorf("read %q through window, want inside", b)
	}

	// writes land at the window offset of the parent
	sw, err := sub.Writable()
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if _, err := sw.WriteAt([]byte("moved"), 100); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if _, err := base.ReadAt(b[:5], 1124); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !bytes.Equal(b[:5], []byte("moved")) {
		t.Errorf("parent sees %q at 1124, want moved", b[:5])
	}
}

func TestSubBounds(t *testing.T) {
	base := mem.New(4096)
	sub := backend.Sub(base, 1024, 1024)

	b := make([]byte, 16)
	if _, err := sub.ReadAt(b, 1020); err == nil {
		t.Error("read past the window succeeded")
	}
	sw, err := sub.Writable()
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if _, err := sw.WriteAt(b, 1020); err == nil {
		t.Error("write past the window succeeded")
	}
}
