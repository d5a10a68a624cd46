// Copyright 2020 GRAIL, Inc. All rights reserved.
// Use of this source code is governed by the Apache 2.0
// license that can be found in the LICENSE file.

package materials

import (
	"context"
	"fmt"

	"github.com/aws/aws-sdk-go/aws"
	"github.com/aws/aws-sdk-go/service/kms"
	"github.com/aws/aws-sdk-go/service/kms/kmsiface"
	"github.com/grailbio/s3crypt/errors"
	"github.com/grailbio/s3crypt/suite"
)

// kmsCEKContextKey is the reserved encryption-context key that binds
// the content-encryption algorithm into a kms+context wrap. The "aws:"
// namespace is reserved by KMS for callers like this one; user material
// descriptions may not use it.
const kmsCEKContextKey = "aws:x-amz-cek-alg"

// kmsKeyIDKey records the master key id inside legacy material
// descriptions, where it doubles as encryption context.
const kmsKeyIDKey = "kms_cmk_id"

// KMSProvider generates and unwraps content keys through AWS KMS. The
// master key never leaves KMS; GenerateDataKey hands back the CEK in
// both plaintext and wrapped form, and Decrypt recovers it. For
// authenticated suites the provider uses the kms+context wrap, binding
// the content-encryption algorithm into the KMS encryption context; the
// legacy suite keeps the original kms wrap for compatibility with old
// objects.
type KMSProvider struct {
	api   kmsiface.KMSAPI
	keyID string
	desc  Description
}

var _ Provider = (*KMSProvider)(nil)

// NewKMSProvider returns a provider that generates keys under the given
// KMS key id and refuses to unwrap envelopes recorded under a different
// one. desc is added to the KMS encryption context of every call; it
// may not use the reserved "aws:x-amz-cek-alg" key.
func NewKMSProvider(api kmsiface.KMSAPI, keyID string, desc Description) (*KMSProvider, error) {
	if keyID == "" {
		return nil, errors.E(errors.Config, "kms: no key id")
	}
	return newKMSProvider(api, keyID, desc)
}

// NewKMSProviderAnyKey returns a decrypt-oriented provider that accepts
// envelopes recorded under any KMS key id the caller can access.
// Encrypting through it fails; writers must name their key.
func NewKMSProviderAnyKey(api kmsiface.KMSAPI, desc Description) (*KMSProvider, error) {
	return newKMSProvider(api, "", desc)
}

func newKMSProvider(api kmsiface.KMSAPI, keyID string, desc Description) (*KMSProvider, error) {
	if _, ok := desc[kmsCEKContextKey]; ok {
		return nil, errors.E(errors.Config,
			fmt.Sprintf("kms: material description may not use the reserved key %q", kmsCEKContextKey))
	}
	return &KMSProvider{api: api, keyID: keyID, desc: desc.Clone()}, nil
}

// Remote marks the provider as backed by a key management service.
func (p *KMSProvider) Remote() bool { return true }

// GenerateCipherData implements Provider.
func (p *KMSProvider) GenerateCipherData(ctx context.Context, keySize, ivSize int, cekAlg string) (CipherData, error) {
	if p.keyID == "" {
		return CipherData{}, errors.E(errors.KeyManagement, "kms: provider has no key id; encryption requires one")
	}
	var keySpec string
	switch keySize {
	case 32:
		keySpec = kms.DataKeySpecAes256
	case 16:
		keySpec = kms.DataKeySpecAes128
	default:
		return CipherData{}, errors.E(errors.Invalid, fmt.Sprintf("kms: unsupported key size %d", keySize))
	}
	iv, err := randomBytes(ivSize)
	if err != nil {
		return CipherData{}, err
	}
	wrapAlg := KMSContextWrap
	desc := p.desc.Clone()
	if cekAlg == suite.AESCBC {
		wrapAlg = KMSWrap
		desc[kmsKeyIDKey] = p.keyID
	} else {
		desc[kmsCEKContextKey] = cekAlg
	}
	out, err := p.api.GenerateDataKeyWithContext(ctx, &kms.GenerateDataKeyInput{
		EncryptionContext: aws.StringMap(desc),
		KeyId:             aws.String(p.keyID),
		KeySpec:           aws.String(keySpec),
	})
	if err != nil {
		return CipherData{}, errors.E(errors.KeyManagement, "kms: generating data key", err)
	}
	return CipherData{
		Key:           out.Plaintext,
		IV:            iv,
		EncryptedKey:  out.CiphertextBlob,
		WrapAlgorithm: wrapAlg,
		CEKAlgorithm:  cekAlg,
		Description:   desc,
	}, nil
}

// DecryptKey implements Provider.
func (p *KMSProvider) DecryptKey(ctx context.Context, key EncryptedKey) ([]byte, error) {
	stored := key.Description
	switch key.WrapAlgorithm {
	case KMSContextWrap:
		if alg := stored[kmsCEKContextKey]; alg != key.CEKAlgorithm {
			return nil, errors.E(errors.KeyManagement, fmt.Sprintf(
				"kms: stored encryption context %q=%q does not match content algorithm %q",
				kmsCEKContextKey, alg, key.CEKAlgorithm))
		}
		if !p.descMatches(stored, kmsCEKContextKey) {
			return nil, errors.E(errors.KeyManagement, "kms: encryption context not matched by the configured material description")
		}
	case KMSWrap:
		if p.keyID != "" && stored[kmsKeyIDKey] != p.keyID {
			return nil, errors.E(errors.KeyManagement, fmt.Sprintf(
				"kms: object was encrypted under key %q, not the configured %q",
				stored[kmsKeyIDKey], p.keyID))
		}
		if !p.descMatches(stored, kmsKeyIDKey) {
			return nil, errors.E(errors.KeyManagement, "kms: encryption context not matched by the configured material description")
		}
	default:
		return nil, errors.E(errors.KeyManagement,
			fmt.Sprintf("kms provider cannot unwrap %q keys", key.WrapAlgorithm))
	}
	in := &kms.DecryptInput{
		CiphertextBlob:    key.Ciphertext,
		EncryptionContext: aws.StringMap(stored),
	}
	if p.keyID != "" {
		in.KeyId = aws.String(p.keyID)
	}
	out, err := p.api.DecryptWithContext(ctx, in)
	if err != nil {
		return nil, errors.E(errors.KeyManagement, "kms: unwrapping content key", err)
	}
	return out.Plaintext, nil
}

// descMatches reports whether the stored description equals the
// configured one once the provider-owned key is set aside.
func (p *KMSProvider) descMatches(stored Description, ownKey string) bool {
	user := stored.Clone()
	delete(user, ownKey)
	return p.desc.Equal(user)
}
