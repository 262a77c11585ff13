package pv

import (
	"bytes"
	"crypto/ecdh"
	"encoding/binary"
)

const (
	keySlotSize   = KeySlotDigestLen + KeySlotWrapLen + KeySlotTagLen // 80
	headAADSize   = 388                                               // magic..tld, see Header.writeAAD
	encRegionSize = CustCommKeySize + XTSKeySize + 8 + 8 + 8 + 4 + 4  // 128, no optional items in v1
)

// KeySlot is the per-host wrapped copy of the header-encryption key.
// Grounded on pv_hdr_def.h's PvHdrKeySlot.
type KeySlot struct {
	DigestKey  [KeySlotDigestLen]byte
	WrappedKey [KeySlotWrapLen]byte
	Tag        [KeySlotTagLen]byte
}

func (k KeySlot) serialize() []byte {
	out := make([]byte, 0, keySlotSize)
	out = append(out, k.DigestKey[:]...)
	out = append(out, k.WrappedKey[:]...)
	out = append(out, k.Tag[:]...)
	return out
}

// BuildKeySlot implements §4.4's key-slot construction for one host
// public key: serialise-and-hash for the digest, ECDH+KDF-finalise for
// the wrap key, then AES-256-GCM-seal cust_root_key under a zero IV — the
// reference tool's zero-initialised GCM parameter struct, preserved here
// as a documented wire-format quirk rather than "improved" away (§9).
func BuildKeySlot(custPriv *ecdh.PrivateKey, hostPub *ecdh.PublicKey, custRootKey [CustRootKeySize]byte) (KeySlot, error) {
	var slot KeySlot

	exch, err := serializeExchangeKey(hostPub)
	if err != nil {
		return slot, err
	}
	slot.DigestKey = sha256Sum(exch[:])

	wrapKey, err := deriveExchangeKey(custPriv, hostPub)
	if err != nil {
		return slot, err
	}

	eng, err := newGCMEngine(wrapKey[:])
	if err != nil {
		return slot, err
	}
	var zeroIV [GCMIVSize]byte
	ct, tag, err := eng.Seal(zeroIV[:], custRootKey[:], nil)
	if err != nil {
		return slot, err
	}
	copy(slot.WrappedKey[:], ct)
	copy(slot.Tag[:], tag)
	return slot, nil
}

// Header is the secure header's AAD and encrypted-region fields. Grounded
// on pv_hdr.c / pv_hdr_def.h.
type Header struct {
	// AAD (Head) fields.
	GCMIV       [GCMIVSize]byte
	PCF         uint64
	CustPubKeyX [ECCoordSize]byte
	CustPubKeyY [ECCoordSize]byte
	PLD         [DigestSize]byte
	ALD         [DigestSize]byte
	TLD         [DigestSize]byte
	NEP         uint64
	KeySlots    []KeySlot

	// Encrypted-region fields.
	CustCommKey [CustCommKeySize]byte
	XTSKey      [XTSKeySize]byte
	PSWMask     uint64
	PSWAddr     uint64
	SCF         uint64
}

// phs computes the total header size per §3's invariant:
// phs = size(Head) + nks*sizeof(KeySlot) + sea + 16.
func (h *Header) phs() uint64 {
	return uint64(headAADSize) + uint64(len(h.KeySlots))*keySlotSize + encRegionSize + GCMTagSize
}

func (h *Header) sea() uint64 { return encRegionSize }

func (h *Header) writeAAD(buf *bytes.Buffer) {
	var u64 [8]byte
	var u32 [4]byte

	binary.BigEndian.PutUint64(u64[:], HeaderMagic)
	buf.Write(u64[:])

	binary.BigEndian.PutUint32(u32[:], HeaderVersion1)
	buf.Write(u32[:])

	binary.BigEndian.PutUint32(u32[:], uint32(h.phs()))
	buf.Write(u32[:])

	buf.Write(h.GCMIV[:])

	binary.BigEndian.PutUint32(u32[:], 0) // reserved
	buf.Write(u32[:])

	binary.BigEndian.PutUint64(u64[:], uint64(len(h.KeySlots)))
	buf.Write(u64[:])

	binary.BigEndian.PutUint64(u64[:], h.sea())
	buf.Write(u64[:])

	binary.BigEndian.PutUint64(u64[:], h.NEP)
	buf.Write(u64[:])

	binary.BigEndian.PutUint64(u64[:], h.PCF)
	buf.Write(u64[:])

	buf.Write(h.CustPubKeyX[:])
	buf.Write(h.CustPubKeyY[:])

	buf.Write(h.PLD[:])
	buf.Write(h.ALD[:])
	buf.Write(h.TLD[:])

	for _, slot := range h.KeySlots {
		buf.Write(slot.serialize())
	}
}

func (h *Header) writeEncrypted(buf *bytes.Buffer) {
	var u64 [8]byte
	var u32 [4]byte

	buf.Write(h.CustCommKey[:])
	buf.Write(h.XTSKey[:32])
	buf.Write(h.XTSKey[32:])

	binary.BigEndian.PutUint64(u64[:], h.PSWMask)
	buf.Write(u64[:])
	binary.BigEndian.PutUint64(u64[:], h.PSWAddr)
	buf.Write(u64[:])

	binary.BigEndian.PutUint64(u64[:], h.SCF)
	buf.Write(u64[:])

	binary.BigEndian.PutUint32(u32[:], 0) // noi = 0, no optional items in v1
	buf.Write(u32[:])
	binary.BigEndian.PutUint32(u32[:], 0) // reserved
	buf.Write(u32[:])
}

// Serialize writes Head, key slots, and the encrypted region, then
// GCM-seals the encrypted region in place (AAD = Head+slots prefix,
// plaintext = the encrypted region), returning the completed phs-byte
// buffer. Grounded on pv_hdr_serialize + pv_hdr_encrypt_decrypt.
func (h *Header) Serialize(custRootKey [CustRootKeySize]byte) ([]byte, error) {
	var aad bytes.Buffer
	h.writeAAD(&aad)

	var enc bytes.Buffer
	h.writeEncrypted(&enc)

	eng, err := newGCMEngine(custRootKey[:])
	if err != nil {
		return nil, err
	}
	ciphertext, tag, err := eng.Seal(h.GCMIV[:], enc.Bytes(), aad.Bytes())
	if err != nil {
		return nil, err
	}

	out := make([]byte, 0, h.phs())
	out = append(out, aad.Bytes()...)
	out = append(out, ciphertext...)
	out = append(out, tag...)
	return out, nil
}
