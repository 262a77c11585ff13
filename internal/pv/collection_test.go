package pv

import "testing"

func TestCollectionAddAllocatesAddresses(t *testing.T) {
	tmp := t.TempDir()
	col := NewCollection()
	if err := col.SetOffset(0x20000); err != nil {
		t.Fatalf("SetOffset: %v", err)
	}

	kernel, err := NewComponentFromBuffer(RoleKernel, make([]byte, PageSize), tmp)
	if err != nil {
		t.Fatalf("NewComponentFromBuffer: %v", err)
	}
	if err := kernel.Align(); err != nil {
		t.Fatalf("Align: %v", err)
	}
	if err := col.Add(kernel); err != nil {
		t.Fatalf("Add: %v", err)
	}
	addr, ok := kernel.SrcAddr()
	if !ok || addr != 0x20000 {
		t.Fatalf("SrcAddr() = (%d, %v), want (0x20000, true)", addr, ok)
	}
	if col.NextSrc() != 0x21000 {
		t.Fatalf("NextSrc() = %#x, want 0x21000", col.NextSrc())
	}

	cmdline, err := NewComponentFromBuffer(RoleCmdline, nil, tmp)
	if err != nil {
		t.Fatalf("NewComponentFromBuffer: %v", err)
	}
	if err := cmdline.Align(); err != nil {
		t.Fatalf("Align: %v", err)
	}
	if err := col.Add(cmdline); err != nil {
		t.Fatalf("Add: %v", err)
	}
	if col.NextSrc() != 0x22000 {
		t.Fatalf("an empty component must still reserve one page: NextSrc() = %#x, want 0x22000", col.NextSrc())
	}
}

func TestCollectionSetOffsetAfterAddFails(t *testing.T) {
	tmp := t.TempDir()
	col := NewCollection()
	comp, _ := NewComponentFromBuffer(RoleKernel, []byte{1}, tmp)
	comp.Align()
	if err := col.Add(comp); err != nil {
		t.Fatalf("Add: %v", err)
	}
	if err := col.SetOffset(0x1000); err == nil {
		t.Fatal("expected SetOffset to fail once components were added")
	}
}

func TestCollectionAddAfterFinalizeFails(t *testing.T) {
	tmp := t.TempDir()
	col := NewCollection()
	comp, _ := NewComponentFromBuffer(RoleKernel, []byte{1}, tmp)
	comp.Align()
	comp.SetSrcAddr(0x1000)
	if err := col.Add(comp); err != nil {
		t.Fatalf("Add: %v", err)
	}
	xts, _ := newXTSEngine(make([]byte, XTSKeySize))
	comp.AlignAndEncrypt(xts, true)
	if _, err := col.Finalize(); err != nil {
		t.Fatalf("Finalize: %v", err)
	}

	other, _ := NewComponentFromBuffer(RoleInitrd, []byte{2}, tmp)
	if err := col.Add(other); err == nil {
		t.Fatal("expected Add to fail after Finalize")
	}
}

func TestCollectionStage3bArgsListOrder(t *testing.T) {
	tmp := t.TempDir()
	col := NewCollection()
	mk := func(role Role, data []byte) *Component {
		c, _ := NewComponentFromBuffer(role, data, tmp)
		c.Align()
		col.Add(c)
		return c
	}
	mk(RoleKernel, []byte("kernel"))
	mk(RoleInitrd, []byte("initrd"))
	mk(RoleCmdline, []byte("root=/dev/sda"))

	args := col.Stage3bArgsList()
	if len(args) != 3 {
		t.Fatalf("len(args) = %d, want 3", len(args))
	}
	wantOrder := []Role{RoleKernel, RoleCmdline, RoleInitrd}
	for i, a := range args {
		if a.Role != wantOrder[i] {
			t.Fatalf("args[%d].Role = %v, want %v", i, a.Role, wantOrder[i])
		}
	}
}

func TestCollectionFinalizeDigestsAreDeterministic(t *testing.T) {
	tmp := t.TempDir()
	build := func() (FinalizeResult, error) {
		col := NewCollection()
		xts, _ := newXTSEngine(make([]byte, XTSKeySize))
		comp, _ := NewComponentFromBuffer(RoleKernel, []byte("same bytes every time"), tmp)
		// Tweaks carry CSPRNG bytes; pin one so both builds start from identical inputs.
		comp.tweak = [TweakSize]byte{0x00, 0x00, 1, 2, 3, 4, 5, 6}
		comp.AlignAndEncrypt(xts, true)
		col.Add(comp)
		return col.Finalize()
	}
	r1, err := build()
	if err != nil {
		t.Fatalf("Finalize: %v", err)
	}
	r2, err := build()
	if err != nil {
		t.Fatalf("Finalize: %v", err)
	}
	if r1.PLD != r2.PLD || r1.ALD != r2.ALD || r1.TLD != r2.TLD || r1.NEP != r2.NEP {
		t.Fatal("identical builds produced different measurements")
	}
}
