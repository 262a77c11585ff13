package pv

import "encoding/binary"

// stage3a and stage3b are opaque firmware-visible trampoline templates
// loaded from disk (loading itself is an external collaborator concern
// per spec §1/§6); this file implements the documented patch points the
// builder writes into them, grounded on pv_image.c's template-patching
// calls in pv_img_finalize.

const (
	// stage3bPatchOffset is where the stage3b template's argument block
	// begins: three (addr uint64, size uint64) tuples for kernel,
	// cmdline, initrd in that order, followed by the initial PSW
	// (mask uint64, addr uint64).
	stage3bPatchOffset  = 0x10
	stage3bArgTupleSize = 16
	stage3bArgCount     = 3
	stage3bPatchSize    = stage3bArgCount*stage3bArgTupleSize + 16
)

// ipibEntrySize is one IPIB component descriptor: role (2B, padded to
// 8B for alignment), guest address (8B), original size (8B).
const ipibEntrySize = 24

// buildIPIB serialises the initial-program-information block describing
// every placed user component (kernel, initrd, cmdline — not stage3b,
// which the firmware reaches via the patched PSW rather than the IPIB)
// in big-endian wire format: a 4-byte count followed by ipibEntrySize
// records.
func buildIPIB(args []Stage3bArgs) []byte {
	out := make([]byte, 0, 4+len(args)*ipibEntrySize)
	var u32 [4]byte
	binary.BigEndian.PutUint32(u32[:], uint32(len(args)))
	out = append(out, u32[:]...)

	for _, a := range args {
		var entry [ipibEntrySize]byte
		binary.BigEndian.PutUint16(entry[0:2], uint16(a.Role))
		binary.BigEndian.PutUint64(entry[8:16], a.SrcAddr)
		binary.BigEndian.PutUint64(entry[16:24], a.DestSize)
		out = append(out, entry[:]...)
	}
	return out
}

// patchStage3b writes the component argument block and initial PSW into
// a copy of the stage3b template. Grounded on pv_img_comps_get_stage3b_args
// feeding the stage3b template patch in pv_img_finalize.
func patchStage3b(template []byte, args []Stage3bArgs, pswMask, pswAddr uint64) ([]byte, error) {
	if len(template) < stage3bPatchOffset+stage3bPatchSize {
		return nil, NewImageError(ImageInternal, "stage3b template too small for patch region", nil)
	}
	out := append([]byte(nil), template...)
	off := stage3bPatchOffset

	byRole := map[Role]Stage3bArgs{}
	for _, a := range args {
		byRole[a.Role] = a
	}
	for _, role := range []Role{RoleKernel, RoleCmdline, RoleInitrd} {
		a := byRole[role] // zero value (addr=0,size=0) if absent, matching an unused slot
		binary.BigEndian.PutUint64(out[off:off+8], a.SrcAddr)
		binary.BigEndian.PutUint64(out[off+8:off+16], a.DestSize)
		off += stage3bArgTupleSize
	}
	binary.BigEndian.PutUint64(out[off:off+8], pswMask)
	binary.BigEndian.PutUint64(out[off+8:off+16], pswAddr)
	return out, nil
}

// patchStage3a appends the IPIB and serialised header to the opaque
// stage3a template bytes, forming the variable-sized buffer described in
// spec §3 ("template bytes + appended patched data area holding the IPIB
// and the header"). Grounded on pv_img_finalize's stage3a data-area
// build (step (f) of §4.6).
func patchStage3a(template []byte, ipib, header []byte) []byte {
	out := make([]byte, 0, len(template)+len(ipib)+len(header))
	out = append(out, template...)
	out = append(out, ipib...)
	out = append(out, header...)
	return out
}
