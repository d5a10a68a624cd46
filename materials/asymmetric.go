// Copyright 2020 GRAIL, Inc. All rights reserved.
// Use of this source code is governed by the Apache 2.0
// license that can be found in the LICENSE file.

package materials

import (
	"context"
	"crypto/rsa"
	"crypto/sha1"
	"fmt"

	"github.com/grailbio/s3crypt/errors"
)

// AsymmetricProvider wraps content keys with RSA-OAEP (SHA-1, no label)
// under a local key pair. A provider constructed with only the public
// key can encrypt but not decrypt.
type AsymmetricProvider struct {
	priv *rsa.PrivateKey
	pub  *rsa.PublicKey
	desc Description
}

var _ Provider = (*AsymmetricProvider)(nil)

// NewAsymmetricProvider returns a provider backed by the given key
// pair. priv may be nil for an encrypt-only provider; if pub is nil it
// is taken from priv. desc identifies the key pair; envelopes whose
// description does not match are refused on decrypt.
func NewAsymmetricProvider(priv *rsa.PrivateKey, pub *rsa.PublicKey, desc Description) (*AsymmetricProvider, error) {
	if pub == nil {
		if priv == nil {
			return nil, errors.E(errors.Config, "asymmetric provider requires a key")
		}
		pub = &priv.PublicKey
	}
	return &AsymmetricProvider{priv: priv, pub: pub, desc: desc.Clone()}, nil
}

// GenerateCipherData implements Provider.
func (p *AsymmetricProvider) GenerateCipherData(ctx context.Context, keySize, ivSize int, cekAlg string) (CipherData, error) {
	key, err := randomBytes(keySize)
	if err != nil {
		return CipherData{}, err
	}
	iv, err := randomBytes(ivSize)
	if err != nil {
		return CipherData{}, err
	}
	wrapped, err := rsa.EncryptOAEP(sha1.New(), randomSource, p.pub, key, nil)
	if err != nil {
		return CipherData{}, errors.E(errors.Crypto, "wrapping content key", err)
	}
	return CipherData{
		Key:           key,
		IV:            iv,
		EncryptedKey:  wrapped,
		WrapAlgorithm: RSAOAEPWrap,
		CEKAlgorithm:  cekAlg,
		Description:   p.desc.Clone(),
	}, nil
}

// DecryptKey implements Provider.
func (p *AsymmetricProvider) DecryptKey(ctx context.Context, key EncryptedKey) ([]byte, error) {
	if key.WrapAlgorithm != RSAOAEPWrap {
		return nil, errors.E(errors.KeyManagement,
			fmt.Sprintf("asymmetric provider cannot unwrap %q keys", key.WrapAlgorithm))
	}
	if !p.desc.Equal(key.Description) {
		return nil, errors.E(errors.KeyManagement,
			"material description does not match the configured key pair")
	}
	if p.priv == nil {
		return nil, errors.E(errors.KeyManagement, "no private key; provider is encrypt-only")
	}
	cek, err := rsa.DecryptOAEP(sha1.New(), nil, p.priv, key.Ciphertext, nil)
	if err != nil {
		return nil, errors.E(errors.Crypto, "unwrapping content key", err)
	}
	return cek, nil
}
