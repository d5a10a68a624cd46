// Copyright 2020 GRAIL, Inc. All rights reserved.
// Use of this source code is governed by the Apache 2.0
// license that can be found in the LICENSE file.

package materials

import (
	"context"
	"crypto/aes"
	stdcipher "crypto/cipher"
	"fmt"

	"github.com/grailbio/s3crypt/errors"
)

const wrapNonceSize = 12

// SymmetricProvider wraps content keys with AES-GCM under a local
// symmetric master key. The content-encryption algorithm identifier is
// bound into the wrap as additional authenticated data, so a wrapped
// key presented under a different suite fails to unwrap.
type SymmetricProvider struct {
	aead stdcipher.AEAD
	desc Description
}

var _ Provider = (*SymmetricProvider)(nil)

// NewSymmetricProvider returns a provider backed by the given master
// key, which must be 16, 24 or 32 bytes long. desc identifies the key;
// envelopes whose description does not match are refused on decrypt.
func NewSymmetricProvider(key []byte, desc Description) (*SymmetricProvider, error) {
	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, errors.E(errors.Config, "symmetric master key", err)
	}
	aead, err := stdcipher.NewGCM(block)
	if err != nil {
		return nil, errors.E(errors.Config, "symmetric master key", err)
	}
	return &SymmetricProvider{aead: aead, desc: desc.Clone()}, nil
}

// GenerateCipherData implements Provider.
func (p *SymmetricProvider) GenerateCipherData(ctx context.Context, keySize, ivSize int, cekAlg string) (CipherData, error) {
	key, err := randomBytes(keySize)
	if err != nil {
		return CipherData{}, err
	}
	iv, err := randomBytes(ivSize)
	if err != nil {
		return CipherData{}, err
	}
	nonce, err := randomBytes(wrapNonceSize)
	if err != nil {
		return CipherData{}, err
	}
	wrapped := make([]byte, wrapNonceSize, wrapNonceSize+len(key)+p.aead.Overhead())
	copy(wrapped, nonce)
	wrapped = p.aead.Seal(wrapped, nonce, key, []byte(cekAlg))
	return CipherData{
		Key:           key,
		IV:            iv,
		EncryptedKey:  wrapped,
		WrapAlgorithm: AESGCMWrap,
		CEKAlgorithm:  cekAlg,
		Description:   p.desc.Clone(),
	}, nil
}

// DecryptKey implements Provider.
func (p *SymmetricProvider) DecryptKey(ctx context.Context, key EncryptedKey) ([]byte, error) {
	if key.WrapAlgorithm != AESGCMWrap {
		return nil, errors.E(errors.KeyManagement,
			fmt.Sprintf("symmetric provider cannot unwrap %q keys", key.WrapAlgorithm))
	}
	if !p.desc.Equal(key.Description) {
		return nil, errors.E(errors.KeyManagement,
			"material description does not match the configured master key")
	}
	if len(key.Ciphertext) < wrapNonceSize+p.aead.Overhead() {
		return nil, errors.E(errors.Envelope, "wrapped key too short")
	}
	nonce, sealed := key.Ciphertext[:wrapNonceSize], key.Ciphertext[wrapNonceSize:]
	cek, err := p.aead.Open(nil, nonce, sealed, []byte(key.CEKAlgorithm))
	if err != nil {
		return nil, errors.E(errors.Crypto, "unwrapping content key", err)
	}
	return cek, nil
}
