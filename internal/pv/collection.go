package pv

// Collection is the append-only, ordered sequence of components that
// allocates their guest addresses and streams their content through the
// three measurement digests. Grounded on pv_comps.c's PvImgComps.
type Collection struct {
	components []*Component
	nextSrc    uint64
	finalized  bool

	pld *digestStream
	ald *digestStream
	tld *digestStream
}

// NewCollection allocates a collection with three SHA-512 digest
// contexts, per spec §4.4 ("Allocates digest contexts (SHA-512 for all
// three measurement streams)").
func NewCollection() *Collection {
	return &Collection{
		pld: newDigestStream(true),
		ald: newDigestStream(true),
		tld: newDigestStream(true),
	}
}

// SetOffset reserves the address range consumed by the stage3a blob so
// the first user component lands just past it. Callable only while the
// collection is empty. Grounded on pv_img_comps_set_offset.
func (c *Collection) SetOffset(offset uint64) error {
	if len(c.components) != 0 {
		return NewImageError(ImageOffset, "cannot change offset after components were added", nil)
	}
	c.nextSrc += offset
	return nil
}

// Add assigns src_addr = next_src, advances next_src by
// max(page_align(size), PAGE_SIZE), and appends comp. Forbidden once the
// collection has been finalized. The caller is responsible for
// preserving role-tag ordering (guaranteed by argument parsing upstream).
// Grounded on pv_img_comps_add_component.
func (c *Collection) Add(comp *Component) error {
	if c.finalized {
		return NewComponentError(ComponentFinalized, "cannot add component after finalize")
	}
	comp.SetSrcAddr(c.nextSrc)
	size := comp.Size()
	step := PageAlign(size)
	if step == 0 {
		step = PageSize
	}
	c.nextSrc += step
	c.components = append(c.components, comp)
	return nil
}

// Components returns the components in insertion order.
func (c *Collection) Components() []*Component { return c.components }

// NextSrc reports the current allocation cursor.
func (c *Collection) NextSrc() uint64 { return c.nextSrc }

// Stage3bArgs describes one placed component for the stage3b argument
// block: its guest source address and its original (unpadded) size.
// Grounded on pv_img_comps_get_stage3b_args.
type Stage3bArgs struct {
	Role     Role
	SrcAddr  uint64
	DestSize uint64
}

// Stage3bArgsList iterates kernel, cmdline, initrd (in that documented
// order), skipping absent roles. The PSW the stage3b trampoline will load
// is not included; the caller passes it to patchStage3b separately.
func (c *Collection) Stage3bArgsList() []Stage3bArgs {
	byRole := map[Role]*Component{}
	for _, comp := range c.components {
		byRole[comp.Role()] = comp
	}
	var out []Stage3bArgs
	for _, role := range []Role{RoleKernel, RoleCmdline, RoleInitrd} {
		comp, ok := byRole[role]
		if !ok {
			continue
		}
		addr, _ := comp.SrcAddr()
		out = append(out, Stage3bArgs{Role: role, SrcAddr: addr, DestSize: comp.OrigSize()})
	}
	return out
}

// FinalizeResult bundles the three measurement digests and the total
// encrypted-page count produced by Finalize.
type FinalizeResult struct {
	PLD [DigestSize]byte
	ALD [DigestSize]byte
	TLD [DigestSize]byte
	NEP uint64
}

// Finalize sets the finalized flag, then streams every component's
// content, addresses, and tweaks through the three digest contexts in
// insertion order, accumulating the encrypted-page count. If a single
// component's three update calls disagree on page count it panics (an
// internal invariant violation, not a returned error) — mirrors the
// reference's assertion that the three routines return equal counts.
// Grounded on pv_img_comps_finalize.
func (c *Collection) Finalize() (FinalizeResult, error) {
	c.finalized = true

	var nep uint64
	for _, comp := range c.components {
		pldPages, err := comp.UpdatePLD(c.pld)
		if err != nil {
			return FinalizeResult{}, err
		}
		aldPages, err := comp.UpdateALD(c.ald)
		if err != nil {
			return FinalizeResult{}, err
		}
		tldPages, err := comp.UpdateTLD(c.tld)
		if err != nil {
			return FinalizeResult{}, err
		}
		if pldPages != aldPages || aldPages != tldPages {
			panic("genprotimg: measurement page-count mismatch across pld/ald/tld")
		}
		nep += pldPages
	}

	var res FinalizeResult
	copy(res.PLD[:], c.pld.Finalize())
	copy(res.ALD[:], c.ald.Finalize())
	copy(res.TLD[:], c.tld.Finalize())
	res.NEP = nep
	return res, nil
}

// Finalized reports whether Finalize has already run.
func (c *Collection) Finalized() bool { return c.finalized }
