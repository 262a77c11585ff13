package pv

import (
	"bytes"
	"encoding/binary"
	"testing"
)

func TestBuildIPIBFormat(t *testing.T) {
	args := []Stage3bArgs{
		{Role: RoleKernel, SrcAddr: 0x20000, DestSize: 0x4000},
		{Role: RoleCmdline, SrcAddr: 0x25000, DestSize: 0x20},
	}
	ipib := buildIPIB(args)
	if len(ipib) != 4+2*ipibEntrySize {
		t.Fatalf("len(ipib) = %d, want %d", len(ipib), 4+2*ipibEntrySize)
	}
	if got := binary.BigEndian.Uint32(ipib[0:4]); got != 2 {
		t.Fatalf("count field = %d, want 2", got)
	}
	entry0 := ipib[4 : 4+ipibEntrySize]
	if got := binary.BigEndian.Uint16(entry0[0:2]); Role(got) != RoleKernel {
		t.Fatalf("entry0 role = %d, want RoleKernel", got)
	}
	if got := binary.BigEndian.Uint64(entry0[8:16]); got != 0x20000 {
		t.Fatalf("entry0 addr = %#x, want 0x20000", got)
	}
	if got := binary.BigEndian.Uint64(entry0[16:24]); got != 0x4000 {
		t.Fatalf("entry0 size = %#x, want 0x4000", got)
	}
}

func TestPatchStage3bWritesTuplesAndPSW(t *testing.T) {
	template := make([]byte, stage3bPatchOffset+stage3bPatchSize+16)
	args := []Stage3bArgs{
		{Role: RoleKernel, SrcAddr: 0x10000, DestSize: 0x1000},
		{Role: RoleCmdline, SrcAddr: 0x30000, DestSize: 0x10},
	}
	out, err := patchStage3b(template, args, DefaultInitialPSWMask, 0x10000)
	if err != nil {
		t.Fatalf("patchStage3b: %v", err)
	}
	if len(out) != len(template) {
		t.Fatalf("len(out) = %d, want %d (same length as template)", len(out), len(template))
	}

	off := stage3bPatchOffset
	if got := binary.BigEndian.Uint64(out[off : off+8]); got != 0x10000 {
		t.Fatalf("kernel addr tuple = %#x, want 0x10000", got)
	}
	off += stage3bArgTupleSize // cmdline slot
	if got := binary.BigEndian.Uint64(out[off : off+8]); got != 0x30000 {
		t.Fatalf("cmdline addr tuple = %#x, want 0x30000", got)
	}
	off += stage3bArgTupleSize // initrd slot, absent -> zero
	if got := binary.BigEndian.Uint64(out[off : off+8]); got != 0 {
		t.Fatalf("absent initrd addr tuple = %#x, want 0", got)
	}
	off += stage3bArgTupleSize // PSW
	if got := binary.BigEndian.Uint64(out[off : off+8]); got != DefaultInitialPSWMask {
		t.Fatalf("PSW mask = %#x, want %#x", got, DefaultInitialPSWMask)
	}
	if got := binary.BigEndian.Uint64(out[off+8 : off+16]); got != 0x10000 {
		t.Fatalf("PSW addr = %#x, want 0x10000", got)
	}
}

func TestPatchStage3bRejectsUndersizedTemplate(t *testing.T) {
	tiny := make([]byte, 4)
	_, err := patchStage3b(tiny, nil, 0, 0)
	if err == nil {
		t.Fatal("expected an error for an undersized template")
	}
	if !IsImageError(err) {
		t.Fatalf("expected an ImageError, got %T", err)
	}
}

func TestPatchStage3aAppendsIPIBAndHeader(t *testing.T) {
	template := []byte("TEMPLATE")
	ipib := []byte("IPIB")
	header := []byte("HEADER")
	out := patchStage3a(template, ipib, header)
	want := append(append(append([]byte{}, template...), ipib...), header...)
	if !bytes.Equal(out, want) {
		t.Fatalf("patchStage3a() = %q, want %q", out, want)
	}
}
