package membridge

import (
	"testing"
	"unsafe"

	cerrors "github.com/butterdotdev/bvisor/errors"
)

func TestReadWriteRoundTrip(t *testing.T) {
	b := NewTestBridge()
	var local uint64 = 0
	addr := uintptr(unsafe.Pointer(&local))

	if err := Write(b, addr, uint64(0xdeadbeef)); err != nil {
		t.Fatalf("Write: %v", err)
	}

	got, err := Read[uint64](b, addr)
	if err != nil {
		t.Fatalf("Read: %v", err)
	}
	if got != 0xdeadbeef {
		t.Errorf("got %#x, want %#x", got, 0xdeadbeef)
	}
}

func TestReadSliceWriteSlice(t *testing.T) {
	b := NewTestBridge()
	buf := make([]byte, 16)
	addr := uintptr(unsafe.Pointer(&buf[0]))

	data := []byte("12345\n")
	if err := b.WriteSlice(addr, data); err != nil {
		t.Fatalf("WriteSlice: %v", err)
	}

	got, err := b.ReadSlice(addr, len(data))
	if err != nil {
		t.Fatalf("ReadSlice: %v", err)
	}
	if string(got) != string(data) {
		t.Errorf("got %q, want %q", got, data)
	}
}

func TestReadString(t *testing.T) {
	b := NewTestBridge()
	buf := make([]byte, 32)
	copy(buf, "/tmp/example\x00trailing garbage")
	addr := uintptr(unsafe.Pointer(&buf[0]))

	s, err := b.ReadString(addr)
	if err != nil {
		t.Fatalf("ReadString: %v", err)
	}
	if s != "/tmp/example" {
		t.Errorf("got %q, want %q", s, "/tmp/example")
	}
}

func TestReadStringTooLong(t *testing.T) {
	b := NewTestBridge()
	buf := make([]byte, maxStringLen+64)
	for i := range buf {
		buf[i] = 'a'
	}
	addr := uintptr(unsafe.Pointer(&buf[0]))

	_, err := b.ReadString(addr)
	if !cerrors.Is(err, cerrors.ErrStringTooLong) {
		t.Errorf("expected ErrStringTooLong, got %v", err)
	}
}

func TestReadSliceZeroLength(t *testing.T) {
	b := NewTestBridge()
	got, err := b.ReadSlice(0, 0)
	if err != nil {
		t.Fatalf("ReadSlice(0 len): %v", err)
	}
	if got != nil {
		t.Errorf("expected nil slice, got %v", got)
	}
}
