// Copyright 2020 GRAIL, Inc. All rights reserved.
// Use of this source code is governed by the Apache 2.0
// license that can be found in the LICENSE file.

package cipher

import (
	"bytes"
	"crypto/aes"
	stdcipher "crypto/cipher"
	"crypto/subtle"
	"encoding/binary"
	"fmt"
	"io"

	"github.com/grailbio/s3crypt/errors"
	"github.com/grailbio/s3crypt/materials"
)

const (
	gcmNonceSize = 12
	gcmTagSize   = 16

	// gcmMaxPlaintext is the largest plaintext a single nonce may
	// encrypt, per NIST SP 800-38D: 2^39-256 bits.
	gcmMaxPlaintext = 1<<36 - 32
)

// gcmStream is an incremental AES-GCM encoder. The standard library's
// AEAD interface is one-shot; multipart uploads need GCM state that
// survives across arbitrarily aligned chunks of one logical message, so
// the counter mode and GHASH are implemented here, following NIST SP
// 800-38D. There is no AAD: the stored envelope, not the cipher,
// carries the object's metadata.
type gcmStream struct {
	block   stdcipher.Block
	h       gcmElem  // GHASH subkey
	y       gcmElem  // running GHASH state
	tagMask [16]byte // E(K, J0)
	counter [16]byte
	ks      [16]byte // current keystream block
	ksUsed  int
	buf     [16]byte // partial GHASH block carried between chunks
	bufLen  int
	clen    uint64 // ciphertext bytes absorbed so far
}

// gcmElem is an element of GF(2^128) in the bit order GCM uses.
type gcmElem struct {
	hi, lo uint64
}

func newGCMStream(key, iv []byte) (*gcmStream, error) {
	if err := checkKeySize(key); err != nil {
		return nil, err
	}
	if len(iv) != gcmNonceSize {
		return nil, errors.E(errors.Crypto,
			fmt.Sprintf("gcm: iv is %d bytes, want %d", len(iv), gcmNonceSize))
	}
	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, errors.E(errors.Crypto, "gcm: content key", err)
	}
	g := &gcmStream{block: block}
	g.ksUsed = len(g.ks)
	var h [16]byte
	block.Encrypt(h[:], h[:])
	g.h = gcmElem{binary.BigEndian.Uint64(h[:8]), binary.BigEndian.Uint64(h[8:])}
	// J0 = IV || 0^31 || 1 for 96-bit IVs.
	copy(g.counter[:], iv)
	g.counter[15] = 1
	block.Encrypt(g.tagMask[:], g.counter[:])
	return g, nil
}

// xorKeyStream applies the content keystream, whose counter sequence
// begins one past J0. dst and src may overlap exactly.
func (g *gcmStream) xorKeyStream(dst, src []byte) {
	for i := range src {
		if g.ksUsed == len(g.ks) {
			gcmInc32(&g.counter)
			g.block.Encrypt(g.ks[:], g.counter[:])
			g.ksUsed = 0
		}
		dst[i] = src[i] ^ g.ks[g.ksUsed]
		g.ksUsed++
	}
}

// absorb folds ciphertext into the running GHASH, carrying partial
// blocks across calls so chunk boundaries cannot affect the result.
func (g *gcmStream) absorb(ct []byte) {
	g.clen += uint64(len(ct))
	if g.bufLen > 0 {
		n := copy(g.buf[g.bufLen:], ct)
		g.bufLen += n
		ct = ct[n:]
		if g.bufLen < len(g.buf) {
			return
		}
		g.ghashBlock(g.buf[:])
		g.bufLen = 0
	}
	for len(ct) >= 16 {
		g.ghashBlock(ct[:16])
		ct = ct[16:]
	}
	g.bufLen = copy(g.buf[:], ct)
}

func (g *gcmStream) ghashBlock(block []byte) {
	g.y.hi ^= binary.BigEndian.Uint64(block[:8])
	g.y.lo ^= binary.BigEndian.Uint64(block[8:])
	g.y = gcmMul(g.y, g.h)
}

// tag closes the GHASH with the zero-padded final block and the length
// block, and returns the authentication tag. The stream must not be
// used afterwards.
func (g *gcmStream) tag() []byte {
	if g.bufLen > 0 {
		var last [16]byte
		copy(last[:], g.buf[:g.bufLen])
		g.ghashBlock(last[:])
		g.bufLen = 0
	}
	var lens [16]byte
	binary.BigEndian.PutUint64(lens[8:], g.clen*8)
	g.ghashBlock(lens[:])
	t := make([]byte, gcmTagSize)
	binary.BigEndian.PutUint64(t[:8], g.y.hi)
	binary.BigEndian.PutUint64(t[8:], g.y.lo)
	for i := range t {
		t[i] ^= g.tagMask[i]
	}
	return t
}

// gcmMul returns x*y in GF(2^128), per NIST SP 800-38D section 6.3.
func gcmMul(x, y gcmElem) gcmElem {
	var z gcmElem
	v := y
	for i := 0; i < 128; i++ {
		var bit uint64
		if i < 64 {
			bit = (x.hi >> (63 - uint(i))) & 1
		} else {
			bit = (x.lo >> (127 - uint(i))) & 1
		}
		if bit == 1 {
			z.hi ^= v.hi
			z.lo ^= v.lo
		}
		lsb := v.lo & 1
		v.lo = v.lo>>1 | v.hi<<63
		v.hi >>= 1
		if lsb == 1 {
			v.hi ^= 0xe100000000000000
		}
	}
	return z
}

// gcmInc32 increments the low 32 bits of the counter block.
func gcmInc32(counter *[16]byte) {
	n := binary.BigEndian.Uint32(counter[12:])
	binary.BigEndian.PutUint32(counter[12:], n+1)
}

// gcmSession is the EncryptSession for GCM-based suites. cd is the
// material reported to envelope construction; the keystream may run
// under a key derived from it rather than cd.Key itself.
type gcmSession struct {
	g    *gcmStream
	cd   materials.CipherData
	done bool
}

func newGCMSession(key, iv []byte, cd materials.CipherData) (*gcmSession, error) {
	g, err := newGCMStream(key, iv)
	if err != nil {
		return nil, err
	}
	return &gcmSession{g: g, cd: cd}, nil
}

func (s *gcmSession) Data() materials.CipherData { return s.cd }

func (s *gcmSession) Encrypt(p []byte) ([]byte, error) {
	if s.done {
		return nil, errors.E(errors.Invalid, "gcm: encrypt after finalize")
	}
	if s.g.clen+uint64(len(p)) > gcmMaxPlaintext {
		return nil, errors.E(errors.Invalid, "gcm: object exceeds the maximum size for a single encryption")
	}
	ct := make([]byte, len(p))
	s.g.xorKeyStream(ct, p)
	s.g.absorb(ct)
	return ct, nil
}

func (s *gcmSession) Finalize(p []byte) ([]byte, error) {
	ct, err := s.Encrypt(p)
	if err != nil {
		return nil, err
	}
	s.done = true
	return append(ct, s.g.tag()...), nil
}

// newGCMSuiteSession starts a chunked encryption for the plain GCM
// suite.
func newGCMSuiteSession(cd materials.CipherData) (EncryptSession, error) {
	cd.TagBits = gcmTagSize * 8
	return newGCMSession(cd.Key, cd.IV, cd)
}

// gcmCipher is the single-shot ContentCipher for the plain GCM suite.
type gcmCipher struct {
	cd materials.CipherData
}

func newGCMCipher(cd materials.CipherData) (ContentCipher, error) {
	if err := checkKeySize(cd.Key); err != nil {
		return nil, err
	}
	if len(cd.IV) != gcmNonceSize {
		return nil, errors.E(errors.Crypto,
			fmt.Sprintf("gcm: iv is %d bytes, want %d", len(cd.IV), gcmNonceSize))
	}
	cd.TagBits = gcmTagSize * 8
	return &gcmCipher{cd: cd}, nil
}

func (c *gcmCipher) Data() materials.CipherData { return c.cd }

func (c *gcmCipher) EncryptContents(src io.Reader) (io.Reader, error) {
	sess, err := newGCMSession(c.cd.Key, c.cd.IV, c.cd)
	if err != nil {
		return nil, err
	}
	return &encryptReader{src: src, sess: sess}, nil
}

func (c *gcmCipher) DecryptContents(src io.ReadCloser) (io.ReadCloser, error) {
	return newGCMDecryptReader(src, c.cd.Key, c.cd.IV)
}

// gcmDecryptReader decrypts a GCM stream. No plaintext is released
// until the whole ciphertext has been read and the trailing tag
// verified: a reader of a tampered object sees an error and zero bytes,
// never a prefix of the plaintext. The object is therefore buffered in
// memory during decryption, as with a one-shot AEAD.
type gcmDecryptReader struct {
	src     io.ReadCloser
	g       *gcmStream
	hold    [gcmTagSize]byte
	holdLen int
	plain   bytes.Buffer
	scratch [8192]byte
	err     error
	done    bool
}

func newGCMDecryptReader(src io.ReadCloser, key, iv []byte) (io.ReadCloser, error) {
	g, err := newGCMStream(key, iv)
	if err != nil {
		return nil, err
	}
	return &gcmDecryptReader{src: src, g: g}, nil
}

func (r *gcmDecryptReader) Read(p []byte) (int, error) {
	for r.err == nil && !r.done {
		r.fill()
	}
	if r.err != nil {
		return 0, r.err
	}
	return r.plain.Read(p)
}

// fill reads one chunk from the source, releasing for decryption every
// byte that can no longer be part of the trailing tag.
func (r *gcmDecryptReader) fill() {
	n, err := r.src.Read(r.scratch[:])
	if n > 0 {
		c := r.scratch[:n]
		if total := r.holdLen + n; total > gcmTagSize {
			release := total - gcmTagSize
			fromHold := release
			if fromHold > r.holdLen {
				fromHold = r.holdLen
			}
			r.decrypt(r.hold[:fromHold])
			copy(r.hold[:], r.hold[fromHold:r.holdLen])
			r.holdLen -= fromHold
			r.decrypt(c[:release-fromHold])
			c = c[release-fromHold:]
		}
		r.holdLen += copy(r.hold[r.holdLen:], c)
	}
	switch err {
	case nil:
	case io.EOF:
		if r.holdLen < gcmTagSize {
			r.err = errors.E(errors.Crypto, "gcm: ciphertext truncated: no authentication tag")
			return
		}
		if subtle.ConstantTimeCompare(r.g.tag(), r.hold[:]) != 1 {
			r.plain.Reset()
			r.err = errors.E(errors.Crypto, "gcm: ciphertext authentication failed")
			return
		}
		r.done = true
	default:
		r.err = err
	}
}

// decrypt absorbs ciphertext into the GHASH and appends the decrypted
// bytes to the plaintext buffer.
func (r *gcmDecryptReader) decrypt(ct []byte) {
	if len(ct) == 0 {
		return
	}
	r.g.absorb(ct)
	r.g.xorKeyStream(ct, ct)
	r.plain.Write(ct)
}

func (r *gcmDecryptReader) Close() error {
	return r.src.Close()
}
