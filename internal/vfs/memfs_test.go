package vfs

import (
	"bytes"
	"testing"
)

func TestMem_WriteReadRoundTrip(t *testing.T) {
	fs := NewMem()

	f, err := fs.Open("a/b/c")
	if err != nil {
		t.Fatalf("Open: %v", err)
	}

	if _, err := f.WriteAt([]byte("hello"), 10); err != nil {
		t.Fatalf("WriteAt: %v", err)
	}

	size, err := f.Size()
	if err != nil {
		t.Fatalf("Size: %v", err)
	}
	if size != 15 {
		t.Fatalf("Size = %d, want 15", size)
	}

	buf := make([]byte, 5)
	if _, err := f.ReadAt(buf, 10); err != nil {
		t.Fatalf("ReadAt: %v", err)
	}
	if !bytes.Equal(buf, []byte("hello")) {
		t.Fatalf("ReadAt = %q, want %q", buf, "hello")
	}

	if !bytes.Equal(fs.Contents("a/b/c")[10:], []byte("hello")) {
		t.Fatalf("Contents mismatch")
	}
}

func TestMem_ReadAt_ShortRead(t *testing.T) {
	fs := NewMem()
	f, _ := fs.Open("x")
	_, _ = f.WriteAt([]byte("ab"), 0)

	buf := make([]byte, 5)
	if _, err := f.ReadAt(buf, 0); err == nil {
		t.Fatalf("want error for short read, got nil")
	}
}

func TestMem_SamePathSharesState(t *testing.T) {
	fs := NewMem()
	f1, _ := fs.Open("x")
	f2, _ := fs.Open("x")

	if _, err := f1.WriteAt([]byte("data"), 0); err != nil {
		t.Fatalf("WriteAt: %v", err)
	}

	buf := make([]byte, 4)
	if _, err := f2.ReadAt(buf, 0); err != nil {
		t.Fatalf("ReadAt: %v", err)
	}
	if string(buf) != "data" {
		t.Fatalf("got %q, want %q", buf, "data")
	}
}
