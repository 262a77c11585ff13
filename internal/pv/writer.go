package pv

import (
	"encoding/binary"
	"os"
)

// shortPSW converts the stage3a load PSW into the 8-byte short PSW
// written at output offset 0. Grounded on pv_image.c's
// convert_psw_to_short_psw: rejects bit 12 or any bit inside the
// short-address mask being set in mask, or an address that exceeds the
// short-address mask; otherwise composes mask | PSWMaskBit12 | addr.
func shortPSW(mask, addr uint64) (uint64, error) {
	if mask&PSWMaskBit12 != 0 {
		return 0, NewImageError(ImageInternal, "PSW mask already has bit 12 set", nil)
	}
	if mask&PSWShortAddrMax != 0 {
		return 0, NewImageError(ImageInternal, "PSW mask overlaps the short-address field", nil)
	}
	if addr > PSWShortAddrMax {
		return 0, NewImageError(ImageInternal, "PSW address exceeds the short-address mask", nil)
	}
	return mask | PSWMaskBit12 | addr, nil
}

// writeImage implements §4.7's output writer: a short PSW at offset 0,
// the stage3a blob at its load address, then each component at its
// assigned guest source address, in collection order. Grounded on
// pv_img_write.
func writeImage(outputPath string, stage3a []byte, components []*Component) error {
	psw, err := shortPSW(DefaultInitialPSWMask, Stage3AInitEntry)
	if err != nil {
		return err
	}

	f, err := os.OpenFile(outputPath, os.O_WRONLY|os.O_CREATE|os.O_TRUNC, 0o644)
	if err != nil {
		return NewIOErr(IOOpen, outputPath, err)
	}
	defer f.Close()

	var pswBuf [8]byte
	binary.BigEndian.PutUint64(pswBuf[:], psw)
	if err := seekAndWrite(f, outputPath, 0, pswBuf[:]); err != nil {
		return err
	}

	if err := seekAndWrite(f, outputPath, int64(Stage3ALoadAddress), stage3a); err != nil {
		return err
	}

	for _, comp := range components {
		if err := comp.WriteAt(f); err != nil {
			return err
		}
	}

	return nil
}
