package pv

import (
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"os"
)

// backingKind tags which storage variant a Component uses. Modeled as a
// tagged sum rather than unified into one representation per spec §9:
// large initrds need the file-backed path to avoid resident-memory
// blow-up, buffer-backed suits small generated blobs like stage3b.
type backingKind int

const (
	backingBuffer backingKind = iota
	backingFile
)

// Component is the uniform abstraction over a role-tagged payload region,
// backed by either an in-memory buffer or a file on disk. Grounded on
// pv_comp.c's PvComponent.
type Component struct {
	role     Role
	kind     backingKind
	buf      *Buffer
	path     string
	tmpDir   string
	origSize uint64
	tweak    [TweakSize]byte
	srcAddr  uint64
	hasAddr  bool
}

// NewComponentFromFile creates a file-backed component, stat'ing path to
// record its original size. Grounded on pv_component_new_file.
func NewComponentFromFile(role Role, path, tmpDir string) (*Component, error) {
	size, err := fileSize(path)
	if err != nil {
		return nil, err
	}
	tweak, err := newTweak(role)
	if err != nil {
		return nil, err
	}
	return &Component{
		role:     role,
		kind:     backingFile,
		path:     path,
		tmpDir:   tmpDir,
		origSize: uint64(size),
		tweak:    tweak,
	}, nil
}

// NewComponentFromBuffer creates a buffer-backed component by duplicating
// data. Grounded on pv_component_new_buf.
func NewComponentFromBuffer(role Role, data []byte, tmpDir string) (*Component, error) {
	tweak, err := newTweak(role)
	if err != nil {
		return nil, err
	}
	return &Component{
		role:     role,
		kind:     backingBuffer,
		buf:      NewBufferFrom(data),
		tmpDir:   tmpDir,
		origSize: uint64(len(data)),
		tweak:    tweak,
	}, nil
}

// Role reports the component's role tag.
func (c *Component) Role() Role { return c.role }

// OrigSize reports the size recorded at creation, before any padding.
func (c *Component) OrigSize() uint64 { return c.origSize }

// Size reports the component's current stored size: the original size
// until Align or AlignAndEncrypt has run, the page-aligned size after.
func (c *Component) Size() uint64 {
	if c.kind == backingBuffer {
		if c.buf == nil {
			return 0
		}
		return uint64(c.buf.Len())
	}
	if c.path == "" {
		return 0
	}
	n, err := fileSize(c.path)
	if err != nil {
		return 0
	}
	return uint64(n)
}

// Pages reports how many PageSize pages this component occupies once
// placed: an empty component still contributes exactly one page.
func (c *Component) Pages() uint64 {
	size := c.Size()
	if size == 0 {
		return 1
	}
	return size / PageSize
}

// Tweak returns the component's base tweak (page index 0).
func (c *Component) Tweak() [TweakSize]byte { return c.tweak }

// SetSrcAddr assigns the guest source address; it may only be set once,
// by the collection during add().
func (c *Component) SetSrcAddr(addr uint64) {
	c.srcAddr = addr
	c.hasAddr = true
}

// SrcAddr returns the assigned guest source address.
func (c *Component) SrcAddr() (uint64, bool) { return c.srcAddr, c.hasAddr }

func (c *Component) alignedPath(suffix string) string {
	return fmt.Sprintf("%s/%s.%s", c.tmpDir, c.role.String(), suffix)
}

// Align page-aligns the component's stored content with zero padding,
// without encryption. Grounded on pv_component_align.
func (c *Component) Align() error {
	if c.kind == backingBuffer {
		c.buf = c.buf.DupPageAligned(true)
		return nil
	}
	dst := c.alignedPath("aligned")
	if _, err := padFileRight(c.path, dst); err != nil {
		return err
	}
	c.path = dst
	return nil
}

// AlignAndEncrypt page-aligns and, unless noDecryption is set, drives the
// AES-256-XTS engine page-by-page using the component's tweak. Grounded
// on pv_component_align_and_encrypt. The encrypting file path fails if the
// source file's size differs from the size recorded at creation; with
// noDecryption, Align's padFileRight only detects a size change that
// happens during its own copy.
func (c *Component) AlignAndEncrypt(xts *xtsEngine, noDecryption bool) error {
	if noDecryption {
		return c.Align()
	}
	if c.kind == backingBuffer {
		return c.alignAndEncryptBuffer(xts)
	}
	return c.alignAndEncryptFile(xts)
}

func (c *Component) alignAndEncryptBuffer(xts *xtsEngine) error {
	aligned := c.buf.DupPageAligned(true)
	data := aligned.Bytes()
	tweak := c.tweak
	for off := 0; off < len(data); off += PageSize {
		page := data[off : off+PageSize]
		enc, err := xts.EncryptPage(page, tweak)
		if err != nil {
			return err
		}
		copy(page, enc)
		tweak = advanceTweak(tweak, PageSize)
	}
	c.buf = aligned
	return nil
}

func (c *Component) alignAndEncryptFile(xts *xtsEngine) error {
	origSize, err := fileSize(c.path)
	if err != nil {
		return err
	}
	if uint64(origSize) != c.origSize {
		return NewIOErr(IOChanged, c.path, errFileChanged)
	}

	src, err := os.Open(c.path)
	if err != nil {
		return NewIOErr(IOOpen, c.path, err)
	}
	defer src.Close()

	dstPath := c.alignedPath("enc")
	dst, err := os.OpenFile(dstPath, os.O_WRONLY|os.O_CREATE|os.O_TRUNC, 0o644)
	if err != nil {
		return NewIOErr(IOOpen, dstPath, err)
	}
	defer dst.Close()

	tweak := c.tweak
	page := make([]byte, PageSize)
	remaining := origSize
	for remaining > 0 {
		toRead := int64(PageSize)
		if remaining < toRead {
			toRead = remaining
		}
		// io.ReadFull, not a bare Read: Read may return fewer bytes than
		// the buffer even before EOF, which would otherwise zero-pad and
		// encrypt a truncated page as if it were whole and desync the
		// tweak chain from the true byte stream.
		n, err := io.ReadFull(src, page[:toRead])
		if err != nil {
			return NewIOErr(IORead, c.path, err)
		}
		for i := n; i < PageSize; i++ {
			page[i] = 0
		}
		enc, err := xts.EncryptPage(page, tweak)
		if err != nil {
			return err
		}
		if _, err := dst.Write(enc); err != nil {
			return NewIOErr(IOWrite, dstPath, err)
		}
		tweak = advanceTweak(tweak, PageSize)
		remaining -= int64(n)
	}
	c.path = dstPath
	return nil
}

// readPage reads the i'th PageSize page of the component's current
// (post-align[-and-encrypt]) content.
func (c *Component) readPage(i uint64) ([]byte, error) {
	if c.kind == backingBuffer {
		data := c.buf.Bytes()
		start := i * PageSize
		return data[start : start+PageSize], nil
	}
	f, err := os.Open(c.path)
	if err != nil {
		return nil, NewIOErr(IOOpen, c.path, err)
	}
	defer f.Close()
	page := make([]byte, PageSize)
	if _, err := f.ReadAt(page, int64(i*PageSize)); err != nil {
		return nil, NewIOErr(IORead, c.path, err)
	}
	return page, nil
}

// UpdatePLD absorbs the component's page-aligned content into ctx,
// absorbing one page of zeros for an empty component. Returns the page
// count absorbed. Grounded on pv_comp.c's pv_component_update_pld.
func (c *Component) UpdatePLD(ctx *digestStream) (uint64, error) {
	pages := c.Pages()
	if c.Size() == 0 {
		zero := make([]byte, PageSize)
		if err := ctx.Absorb(zero); err != nil {
			return 0, err
		}
		return 1, nil
	}
	for i := uint64(0); i < pages; i++ {
		page, err := c.readPage(i)
		if err != nil {
			return 0, err
		}
		if err := ctx.Absorb(page); err != nil {
			return 0, err
		}
	}
	return pages, nil
}

// UpdateALD absorbs the big-endian guest address of each page the
// component occupies. Grounded on pv_component_update_ald.
func (c *Component) UpdateALD(ctx *digestStream) (uint64, error) {
	if !c.hasAddr {
		return 0, NewComponentError(ComponentUnaligned, "component has no assigned address")
	}
	pages := c.Pages()
	var buf [8]byte
	for i := uint64(0); i < pages; i++ {
		binary.BigEndian.PutUint64(buf[:], c.srcAddr+i*PageSize)
		if err := ctx.Absorb(buf[:]); err != nil {
			return 0, err
		}
	}
	return pages, nil
}

// UpdateTLD absorbs the current 16-byte tweak for each page, advancing
// the running tweak by PageSize after each absorb. Grounded on
// pv_component_update_tld.
func (c *Component) UpdateTLD(ctx *digestStream) (uint64, error) {
	pages := c.Pages()
	tweak := c.tweak
	for i := uint64(0); i < pages; i++ {
		if err := ctx.Absorb(tweak[:]); err != nil {
			return 0, err
		}
		tweak = advanceTweak(tweak, PageSize)
	}
	return pages, nil
}

// WriteAt writes the component's current content to f at its assigned
// guest source address. Grounded on pv_component_write.
func (c *Component) WriteAt(f *os.File) error {
	addr, ok := c.SrcAddr()
	if !ok {
		return NewComponentError(ComponentUnaligned, "component has no assigned address")
	}
	if c.kind == backingBuffer {
		return seekAndWrite(f, "<output>", int64(addr), c.buf.Bytes())
	}
	src, err := os.Open(c.path)
	if err != nil {
		return NewIOErr(IOOpen, c.path, err)
	}
	defer src.Close()
	if _, err := f.Seek(int64(addr), 0); err != nil {
		return NewIOErr(IOSeek, "<output>", err)
	}
	buf := make([]byte, PageSize)
	for {
		n, rerr := src.Read(buf)
		if n > 0 {
			if _, werr := f.Write(buf[:n]); werr != nil {
				return NewIOErr(IOWrite, "<output>", werr)
			}
		}
		if rerr != nil {
			if errors.Is(rerr, io.EOF) {
				return nil
			}
			return NewIOErr(IORead, c.path, rerr)
		}
	}
}
