package pv

import (
	"bytes"
	"crypto/ecdh"
	"crypto/rand"
	"testing"
)

func TestGCMRoundTrip(t *testing.T) {
	key := make([]byte, 32)
	if _, err := rand.Read(key); err != nil {
		t.Fatalf("rand.Read: %v", err)
	}
	iv := make([]byte, GCMIVSize)
	if _, err := rand.Read(iv); err != nil {
		t.Fatalf("rand.Read: %v", err)
	}
	plaintext := bytes.Repeat([]byte{0x42}, 64) // block-size multiple, no padding
	aad := []byte("header prefix")

	eng, err := newGCMEngine(key)
	if err != nil {
		t.Fatalf("newGCMEngine: %v", err)
	}

	ciphertext, tag, err := eng.Seal(iv, plaintext, aad)
	if err != nil {
		t.Fatalf("Seal: %v", err)
	}
	if len(ciphertext) != len(plaintext) {
		t.Fatalf("ciphertext length = %d, want %d", len(ciphertext), len(plaintext))
	}
	if len(tag) != GCMTagSize {
		t.Fatalf("tag length = %d, want %d", len(tag), GCMTagSize)
	}

	got, err := eng.Open(iv, ciphertext, tag, aad)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	if !bytes.Equal(got, plaintext) {
		t.Fatalf("round trip mismatch: got %x, want %x", got, plaintext)
	}
}

func TestGCMOpenRejectsTamperedTag(t *testing.T) {
	key := make([]byte, 32)
	iv := make([]byte, GCMIVSize)
	eng, err := newGCMEngine(key)
	if err != nil {
		t.Fatalf("newGCMEngine: %v", err)
	}
	ciphertext, tag, err := eng.Seal(iv, bytes.Repeat([]byte{1}, 16), nil)
	if err != nil {
		t.Fatalf("Seal: %v", err)
	}
	tag[0] ^= 0xFF
	if _, err := eng.Open(iv, ciphertext, tag, nil); err == nil {
		t.Fatal("Open succeeded with a tampered tag")
	}
}

func TestXTSRoundTrip(t *testing.T) {
	key := make([]byte, XTSKeySize)
	for i := range key {
		key[i] = byte(i)
	}
	eng, err := newXTSEngine(key)
	if err != nil {
		t.Fatalf("newXTSEngine: %v", err)
	}

	var tweak [TweakSize]byte
	tweak[0] = 0x00
	tweak[1] = 0x01 // role index

	plaintext := bytes.Repeat([]byte{0xAA}, PageSize)
	ciphertext, err := eng.EncryptPage(plaintext, tweak)
	if err != nil {
		t.Fatalf("EncryptPage: %v", err)
	}
	if bytes.Equal(ciphertext, plaintext) {
		t.Fatal("ciphertext equals plaintext")
	}

	decrypted, err := eng.DecryptPage(ciphertext, tweak)
	if err != nil {
		t.Fatalf("DecryptPage: %v", err)
	}
	if !bytes.Equal(decrypted, plaintext) {
		t.Fatalf("round trip mismatch")
	}
}

func TestXTSMultiPageTweakAdvance(t *testing.T) {
	key := make([]byte, XTSKeySize)
	eng, err := newXTSEngine(key)
	if err != nil {
		t.Fatalf("newXTSEngine: %v", err)
	}

	var tweak [TweakSize]byte
	page1 := bytes.Repeat([]byte{0x01}, PageSize)
	page2 := bytes.Repeat([]byte{0x01}, PageSize)

	c1, _ := eng.EncryptPage(page1, tweak)
	tweak2 := advanceTweak(tweak, PageSize)
	c2, _ := eng.EncryptPage(page2, tweak2)

	if bytes.Equal(c1, c2) {
		t.Fatal("identical plaintext pages under advancing tweaks produced identical ciphertext")
	}
}

func TestAdvanceTweakCarries(t *testing.T) {
	var tweak [TweakSize]byte
	for i := range tweak {
		tweak[i] = 0xFF
	}
	tweak[0] = 0x00 // headroom in the top byte: the carry from + PageSize stops there instead of overflowing 128 bits
	advanced := advanceTweak(tweak, PageSize)
	if advanced == tweak {
		t.Fatal("tweak did not advance")
	}
}

func TestECDHSymmetryAndExchangeKey(t *testing.T) {
	custPriv, err := ecdh.P521().GenerateKey(rand.Reader)
	if err != nil {
		t.Fatalf("GenerateKey: %v", err)
	}
	hostPriv, err := ecdh.P521().GenerateKey(rand.Reader)
	if err != nil {
		t.Fatalf("GenerateKey: %v", err)
	}

	a, err := custPriv.ECDH(hostPriv.PublicKey())
	if err != nil {
		t.Fatalf("ECDH: %v", err)
	}
	b, err := hostPriv.ECDH(custPriv.PublicKey())
	if err != nil {
		t.Fatalf("ECDH: %v", err)
	}
	if !bytes.Equal(a, b) {
		t.Fatal("ECDH(C.priv, H.pub) != ECDH(H.priv, C.pub)")
	}

	wrapA, err := deriveExchangeKey(custPriv, hostPriv.PublicKey())
	if err != nil {
		t.Fatalf("deriveExchangeKey: %v", err)
	}
	wrapB, err := deriveExchangeKey(hostPriv, custPriv.PublicKey())
	if err != nil {
		t.Fatalf("deriveExchangeKey: %v", err)
	}
	if wrapA != wrapB {
		t.Fatal("exchange-key finalisation diverged between the two sides")
	}
}

func TestAffineCoordsRoundTrip(t *testing.T) {
	priv, err := ecdh.P521().GenerateKey(rand.Reader)
	if err != nil {
		t.Fatalf("GenerateKey: %v", err)
	}
	exch, err := serializeExchangeKey(priv.PublicKey())
	if err != nil {
		t.Fatalf("serializeExchangeKey: %v", err)
	}
	if len(exch) != PubKeyExchSize {
		t.Fatalf("exchange form length = %d, want %d", len(exch), PubKeyExchSize)
	}
}

func TestGCMRejectsWrongKeySize(t *testing.T) {
	if _, err := newGCMEngine(make([]byte, 16)); err == nil {
		t.Fatal("expected an error for a 16-byte key")
	}
}

func TestXTSRejectsWrongKeySize(t *testing.T) {
	if _, err := newXTSEngine(make([]byte, 32)); err == nil {
		t.Fatal("expected an error for a 32-byte XTS key")
	}
}
