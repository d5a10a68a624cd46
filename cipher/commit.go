// Copyright 2020 GRAIL, Inc. All rights reserved.
// Use of this source code is governed by the Apache 2.0
// license that can be found in the LICENSE file.

package cipher

import (
	"crypto/sha512"
	"crypto/subtle"
	"io"

	"github.com/grailbio/s3crypt/errors"
	"github.com/grailbio/s3crypt/materials"
	"golang.org/x/crypto/hkdf"
)

const commitmentSize = 32

// HKDF info prefixes. Together with the suite identifier they
// domain-separate the content key from the commitment, so neither can
// be confused for the other or reused under another suite.
const (
	deriveKeyInfo = "DERIVEKEY"
	commitKeyInfo = "COMMITKEY"
)

// deriveCommitted derives the content-encryption key actually used by
// the keystream and the key-commitment value from the enveloped CEK.
// The stored IV serves as HKDF salt, making both derivations unique per
// object; the content nonce is fixed instead, since a derived key is
// never reused.
func deriveCommitted(cd materials.CipherData) (contentKey, commitment []byte, err error) {
	prk := hkdf.Extract(sha512.New, cd.Key, cd.IV)
	contentKey = make([]byte, len(cd.Key))
	info := append([]byte(deriveKeyInfo), cd.CEKAlgorithm...)
	if _, err := io.ReadFull(hkdf.Expand(sha512.New, prk, info), contentKey); err != nil {
		return nil, nil, errors.E(errors.Crypto, "deriving content key", err)
	}
	commitment = make([]byte, commitmentSize)
	info = append([]byte(commitKeyInfo), cd.CEKAlgorithm...)
	if _, err := io.ReadFull(hkdf.Expand(sha512.New, prk, info), commitment); err != nil {
		return nil, nil, errors.E(errors.Crypto, "deriving key commitment", err)
	}
	return contentKey, commitment, nil
}

// commitNonce is the content nonce for committing suites: the stored IV
// salts the key derivation instead of counting blocks, so the nonce is
// a constant.
func commitNonce() []byte {
	n := make([]byte, gcmNonceSize)
	for i := range n {
		n[i] = 1
	}
	return n
}

// commitCipher is the ContentCipher for the committing GCM suite. The
// GCM engine runs under the derived content key; Data reports the
// original material with the commitment filled in, which is what the
// envelope must record.
type commitCipher struct {
	cd         materials.CipherData
	contentKey []byte
}

func prepareCommit(cd materials.CipherData) (materials.CipherData, []byte, error) {
	if err := checkKeySize(cd.Key); err != nil {
		return materials.CipherData{}, nil, err
	}
	contentKey, commitment, err := deriveCommitted(cd)
	if err != nil {
		return materials.CipherData{}, nil, err
	}
	cd.TagBits = gcmTagSize * 8
	cd.KeyCommitment = commitment
	return cd, contentKey, nil
}

func newCommitCipher(cd materials.CipherData) (ContentCipher, error) {
	cd, contentKey, err := prepareCommit(cd)
	if err != nil {
		return nil, err
	}
	return &commitCipher{cd: cd, contentKey: contentKey}, nil
}

// newCommitDecryptCipher verifies the stored commitment against the
// recovered CEK before constructing a cipher. The comparison is
// constant time and happens before any ciphertext is read.
func newCommitDecryptCipher(cd materials.CipherData) (ContentCipher, error) {
	stored := cd.KeyCommitment
	cd, contentKey, err := prepareCommit(cd)
	if err != nil {
		return nil, err
	}
	if subtle.ConstantTimeCompare(stored, cd.KeyCommitment) != 1 {
		return nil, errors.E(errors.Crypto, "key commitment mismatch: content key does not belong to this object")
	}
	return &commitCipher{cd: cd, contentKey: contentKey}, nil
}

func newCommitSession(cd materials.CipherData) (EncryptSession, error) {
	cd, contentKey, err := prepareCommit(cd)
	if err != nil {
		return nil, err
	}
	return newGCMSession(contentKey, commitNonce(), cd)
}

func (c *commitCipher) Data() materials.CipherData { return c.cd }

func (c *commitCipher) EncryptContents(src io.Reader) (io.Reader, error) {
	sess, err := newGCMSession(c.contentKey, commitNonce(), c.cd)
	if err != nil {
		return nil, err
	}
	return &encryptReader{src: src, sess: sess}, nil
}

func (c *commitCipher) DecryptContents(src io.ReadCloser) (io.ReadCloser, error) {
	return newGCMDecryptReader(src, c.contentKey, commitNonce())
}
