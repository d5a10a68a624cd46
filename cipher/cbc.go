// Copyright 2020 GRAIL, Inc. All rights reserved.
// Use of this source code is governed by the Apache 2.0
// license that can be found in the LICENSE file.

package cipher

import (
	"bytes"
	"crypto/aes"
	stdcipher "crypto/cipher"
	"fmt"
	"io"

	"github.com/grailbio/s3crypt/errors"
	"github.com/grailbio/s3crypt/materials"
)

const cbcIVSize = aes.BlockSize

// cbcSession is the EncryptSession for the legacy CBC suite. Plaintext
// that does not fill a block is carried to the next call; Finalize
// emits the PKCS#7 padding, one full block of it when the plaintext is
// already aligned.
type cbcSession struct {
	enc    stdcipher.BlockMode
	cd     materials.CipherData
	rem    [aes.BlockSize]byte
	remLen int
	done   bool
}

func newCBCSession(cd materials.CipherData) (EncryptSession, error) {
	enc, err := newCBC(cd, stdcipher.NewCBCEncrypter)
	if err != nil {
		return nil, err
	}
	return &cbcSession{enc: enc, cd: cd}, nil
}

func newCBC(cd materials.CipherData, mode func(stdcipher.Block, []byte) stdcipher.BlockMode) (stdcipher.BlockMode, error) {
	if err := checkKeySize(cd.Key); err != nil {
		return nil, err
	}
	if len(cd.IV) != cbcIVSize {
		return nil, errors.E(errors.Crypto,
			fmt.Sprintf("cbc: iv is %d bytes, want %d", len(cd.IV), cbcIVSize))
	}
	block, err := aes.NewCipher(cd.Key)
	if err != nil {
		return nil, errors.E(errors.Crypto, "cbc: content key", err)
	}
	return mode(block, cd.IV), nil
}

func (s *cbcSession) Data() materials.CipherData { return s.cd }

func (s *cbcSession) Encrypt(p []byte) ([]byte, error) {
	if s.done {
		return nil, errors.E(errors.Invalid, "cbc: encrypt after finalize")
	}
	total := s.remLen + len(p)
	n := total - total%aes.BlockSize
	if n == 0 {
		s.remLen += copy(s.rem[s.remLen:], p)
		return nil, nil
	}
	buf := make([]byte, n)
	k := copy(buf, s.rem[:s.remLen])
	copy(buf[k:], p[:n-k])
	s.enc.CryptBlocks(buf, buf)
	s.remLen = copy(s.rem[:], p[n-k:])
	return buf, nil
}

func (s *cbcSession) Finalize(p []byte) ([]byte, error) {
	head, err := s.Encrypt(p)
	if err != nil {
		return nil, err
	}
	pad := aes.BlockSize - s.remLen
	last := make([]byte, aes.BlockSize)
	copy(last, s.rem[:s.remLen])
	for i := s.remLen; i < aes.BlockSize; i++ {
		last[i] = byte(pad)
	}
	s.enc.CryptBlocks(last, last)
	s.done = true
	return append(head, last...), nil
}

// cbcCipher is the ContentCipher for the legacy CBC suite.
type cbcCipher struct {
	cd materials.CipherData
}

func newCBCCipher(cd materials.CipherData) (ContentCipher, error) {
	// Validate the material eagerly so failures surface before any
	// content is streamed.
	if _, err := newCBC(cd, stdcipher.NewCBCEncrypter); err != nil {
		return nil, err
	}
	return &cbcCipher{cd: cd}, nil
}

func (c *cbcCipher) Data() materials.CipherData { return c.cd }

func (c *cbcCipher) EncryptContents(src io.Reader) (io.Reader, error) {
	sess, err := newCBCSession(c.cd)
	if err != nil {
		return nil, err
	}
	return &encryptReader{src: src, sess: sess}, nil
}

func (c *cbcCipher) DecryptContents(src io.ReadCloser) (io.ReadCloser, error) {
	dec, err := newCBC(c.cd, stdcipher.NewCBCDecrypter)
	if err != nil {
		return nil, err
	}
	return &cbcDecryptReader{src: src, dec: dec}, nil
}

// cbcDecryptReader decrypts a CBC stream. As with GCM, no plaintext is
// released until the stream ends and the PKCS#7 padding checks out, so
// a truncated or corrupted object yields an error and zero bytes.
type cbcDecryptReader struct {
	src     io.ReadCloser
	dec     stdcipher.BlockMode
	hold    []byte
	plain   bytes.Buffer
	scratch [8192]byte
	err     error
	done    bool
}

func (r *cbcDecryptReader) Read(p []byte) (int, error) {
	for r.err == nil && !r.done {
		r.fill()
	}
	if r.err != nil {
		return 0, r.err
	}
	return r.plain.Read(p)
}

func (r *cbcDecryptReader) fill() {
	n, err := r.src.Read(r.scratch[:])
	if n > 0 {
		r.hold = append(r.hold, r.scratch[:n]...)
		// Decrypt every full block except the last one, which may hold
		// the padding.
		if release := len(r.hold) - aes.BlockSize; release >= aes.BlockSize {
			release -= release % aes.BlockSize
			r.dec.CryptBlocks(r.hold[:release], r.hold[:release])
			r.plain.Write(r.hold[:release])
			r.hold = r.hold[release:]
		}
	}
	switch err {
	case nil:
	case io.EOF:
		r.finish()
	default:
		r.err = err
	}
}

func (r *cbcDecryptReader) finish() {
	if len(r.hold) != aes.BlockSize {
		r.err = errors.E(errors.Crypto,
			fmt.Sprintf("cbc: ciphertext length is not a whole number of blocks (%d trailing bytes)", len(r.hold)))
		return
	}
	r.dec.CryptBlocks(r.hold, r.hold)
	pad := int(r.hold[aes.BlockSize-1])
	if pad < 1 || pad > aes.BlockSize {
		r.plain.Reset()
		r.err = errors.E(errors.Crypto, "cbc: invalid padding")
		return
	}
	for _, b := range r.hold[aes.BlockSize-pad:] {
		if int(b) != pad {
			r.plain.Reset()
			r.err = errors.E(errors.Crypto, "cbc: invalid padding")
			return
		}
	}
	r.plain.Write(r.hold[:aes.BlockSize-pad])
	r.done = true
}

func (r *cbcDecryptReader) Close() error {
	return r.src.Close()
}
