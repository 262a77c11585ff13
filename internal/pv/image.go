package pv

import (
	"crypto/ecdh"
	"crypto/rand"
	"crypto/x509"
)

// BuildArgs carries the resolved inputs to Image construction: parsed
// paths and optional explicit key material, independent of how the CLI
// layer gathered them. Grounded on pv_image.h's PvImage fields that are
// populated from PvArgs in pv_img_new.
type BuildArgs struct {
	KernelPath   string
	InitrdPath   string // optional
	CmdlinePath  string // optional
	HostCertPEMs [][]byte

	HeaderKey []byte // optional explicit cust_root_key, 32 bytes
	CompKey   []byte // optional explicit xts_key, 64 bytes
	CommKey   []byte // optional explicit cust_comm_key, 32 bytes (--x-comm-key)

	PCF     uint64 // --x-pcf, default 0
	SCF     uint64 // --x-scf, default 0
	PSWAddr uint64 // --x-psw, default ImageEntry

	NoCertCheck bool
	TrustRoots  *x509.CertPool // used only when NoCertCheck is false

	TmpDir string
}

// NoDecryption reports whether the plaintext-control-flag bit that
// disables component XTS encryption is set.
func (a *BuildArgs) NoDecryption() bool {
	return a.PCF&ControlFlagNoDecryption != 0
}

// Image is the top-level build pipeline: it owns every key, the customer
// EC key pair, the host-key list, the component collection, and the
// trampoline buffers. Constructed once (New), consumed once
// (AddComponent* then Finalize then Write). Grounded on pv_image.c's
// PvImage / pv_img_new / pv_img_finalize / pv_img_write.
type Image struct {
	args BuildArgs

	xtsKey      [XTSKeySize]byte
	custCommKey [CustCommKeySize]byte
	custRootKey [CustRootKeySize]byte
	gcmIV       [GCMIVSize]byte

	custKeyPair *ecKeyPair
	hostPubKeys []*ecdh.PublicKey
	keySlots    []KeySlot

	xts *xtsEngine

	stage3aTemplate []byte
	stage3bTemplate []byte

	collection *Collection

	headerBytes []byte
	finalized   bool
}

// New implements §4.4's builder constructor: allocates keys (parsing
// explicit key files or generating them), the customer EC key pair,
// loads and validates host certificates, builds one key slot per host,
// loads the stage3a template, and reserves the collection's starting
// offset past the stage3a load address.
func New(args BuildArgs, stage3aTemplatePath string) (*Image, error) {
	if args.KernelPath == "" {
		return nil, NewImageError(ImageInternal, "image (kernel) component is required", nil)
	}
	if len(args.HostCertPEMs) == 0 {
		return nil, NewParseError(ParseMissingRequired, "--host-certificate", "at least one host certificate is required")
	}

	img := &Image{args: args, collection: NewCollection()}

	if err := img.initKeys(); err != nil {
		return nil, err
	}

	custKeyPair, err := generateECKeyPair()
	if err != nil {
		return nil, err
	}
	img.custKeyPair = custKeyPair

	for _, pemBytes := range args.HostCertPEMs {
		pub, cert, err := loadHostCertificate(pemBytes)
		if err != nil {
			return nil, err
		}
		if !args.NoCertCheck {
			if err := verifyTrustStore(cert, args.TrustRoots); err != nil {
				return nil, err
			}
		}
		img.hostPubKeys = append(img.hostPubKeys, pub)
	}

	for _, hostPub := range img.hostPubKeys {
		slot, err := BuildKeySlot(img.custKeyPair.priv, hostPub, img.custRootKey)
		if err != nil {
			return nil, err
		}
		img.keySlots = append(img.keySlots, slot)
	}

	xts, err := newXTSEngine(img.xtsKey[:])
	if err != nil {
		return nil, err
	}
	img.xts = xts

	tmpl, err := readAll(stage3aTemplatePath)
	if err != nil {
		return nil, err
	}
	img.stage3aTemplate = tmpl

	if err := img.collection.SetOffset(PageAlign(Stage3ALoadAddress + uint64(len(tmpl)))); err != nil {
		return nil, err
	}

	return img, nil
}

// initKeys parses explicit key material from BuildArgs or generates it
// via the system CSPRNG, validating any explicit key's length against
// its cipher's declared size. Grounded on pv_img_new's key-material
// setup block.
func (img *Image) initKeys() error {
	if err := fillOrGenerate(img.args.CompKey, img.xtsKey[:]); err != nil {
		return err
	}
	if err := fillOrGenerate(img.args.HeaderKey, img.custRootKey[:]); err != nil {
		return err
	}
	if err := fillOrGenerate(img.args.CommKey, img.custCommKey[:]); err != nil {
		return err
	}
	if _, err := rand.Read(img.gcmIV[:]); err != nil {
		return NewCryptoError(CryptoRandomness, "failed to generate header GCM IV", err)
	}
	return nil
}

func fillOrGenerate(explicit []byte, dst []byte) error {
	if explicit == nil {
		_, err := rand.Read(dst)
		if err != nil {
			return NewCryptoError(CryptoRandomness, "failed to generate key material", err)
		}
		return nil
	}
	if len(explicit) != len(dst) {
		return NewCryptoError(CryptoInvalidKeySize, "explicit key file has the wrong length", nil)
	}
	copy(dst, explicit)
	return nil
}

// AddComponent creates a file-backed component for the given role and
// path, aligns-and-encrypts it (or merely aligns it under
// --x-pcf no-decryption), and adds it to the collection. Grounded on
// pv_img_add_component.
func (img *Image) AddComponent(role Role, path string) error {
	if img.finalized {
		return NewComponentError(ComponentFinalized, "cannot add component after finalize")
	}
	comp, err := NewComponentFromFile(role, path, img.args.TmpDir)
	if err != nil {
		return err
	}
	if err := comp.AlignAndEncrypt(img.xts, img.args.NoDecryption()); err != nil {
		return err
	}
	return img.collection.Add(comp)
}

// AddComponents adds the kernel, and the optional initrd and cmdline,
// in the mandated role order (kernel < initrd < cmdline).
func (img *Image) AddComponents() error {
	if err := img.AddComponent(RoleKernel, img.args.KernelPath); err != nil {
		return err
	}
	if img.args.InitrdPath != "" {
		if err := img.AddComponent(RoleInitrd, img.args.InitrdPath); err != nil {
			return err
		}
	}
	if img.args.CmdlinePath != "" {
		if err := img.AddComponent(RoleCmdline, img.args.CmdlinePath); err != nil {
			return err
		}
	}
	return nil
}

// Finalize implements §4.6 steps 3-5: build and add the stage3b
// component (fixing every address), build the secure header over the
// now-complete collection, then build the stage3a data area. No
// component may be added after this call returns successfully.
func (img *Image) Finalize(stage3bTemplatePath string) error {
	tmpl, err := readAll(stage3bTemplatePath)
	if err != nil {
		return err
	}
	img.stage3bTemplate = tmpl

	args := img.collection.Stage3bArgsList()
	pswMask := DefaultInitialPSWMask
	pswAddr := img.args.PSWAddr
	if pswAddr == 0 {
		pswAddr = ImageEntry
	}

	stage3b, err := patchStage3b(tmpl, args, pswMask, pswAddr)
	if err != nil {
		return err
	}

	stage3bComp, err := NewComponentFromBuffer(RoleStage3b, stage3b, img.args.TmpDir)
	if err != nil {
		return err
	}
	if err := stage3bComp.AlignAndEncrypt(img.xts, img.args.NoDecryption()); err != nil {
		return err
	}
	if err := img.collection.Add(stage3bComp); err != nil {
		return err
	}

	res, err := img.collection.Finalize()
	if err != nil {
		return err
	}

	stage3bAddr, _ := stage3bComp.SrcAddr()

	x, y, err := affineCoords(img.custKeyPair.priv.PublicKey())
	if err != nil {
		return err
	}

	header := &Header{
		GCMIV:       img.gcmIV,
		PCF:         img.args.PCF,
		CustPubKeyX: x,
		CustPubKeyY: y,
		PLD:         res.PLD,
		ALD:         res.ALD,
		TLD:         res.TLD,
		NEP:         res.NEP,
		KeySlots:    img.keySlots,
		CustCommKey: img.custCommKey,
		XTSKey:      img.xtsKey,
		PSWMask:     pswMask,
		PSWAddr:     stage3bAddr,
		SCF:         img.args.SCF,
	}
	headerBytes, err := header.Serialize(img.custRootKey)
	if err != nil {
		return err
	}
	img.headerBytes = headerBytes

	ipib := buildIPIB(args)
	img.stage3aTemplate = patchStage3a(img.stage3aTemplate, ipib, headerBytes)

	img.finalized = true
	return nil
}

// Write implements §4.7 via the output writer. Grounded on pv_img_write.
func (img *Image) Write(outputPath string) error {
	if !img.finalized {
		return NewImageError(ImageInternal, "image must be finalized before write", nil)
	}
	return writeImage(outputPath, img.stage3aTemplate, img.collection.Components())
}
