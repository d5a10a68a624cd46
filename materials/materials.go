// Copyright 2020 GRAIL, Inc. All rights reserved.
// Use of this source code is governed by the Apache 2.0
// license that can be found in the LICENSE file.

// Package materials implements the master-key side of client-side
// encryption: providers that wrap and unwrap the one-time content
// encryption key (CEK) protecting a single object. Three providers are
// implemented: a local symmetric master key (AES-GCM key wrap), a local
// asymmetric key pair (RSA-OAEP), and AWS KMS. Providers are stateless
// after construction and may be shared by any number of concurrent
// operations.
package materials

import (
	"context"
	"crypto/rand"
	"encoding/json"
	"fmt"
	"io"

	"github.com/grailbio/s3crypt/errors"
)

// Key-wrapping algorithm identifiers, as stored in the x-amz-wrap-alg
// envelope field. The values are part of the wire format and must never
// change.
const (
	// AESGCMWrap wraps the CEK with AES-GCM under a local symmetric
	// master key. The wrapped key is nonce || ciphertext || tag.
	AESGCMWrap = "AES/GCM"
	// RSAOAEPWrap wraps the CEK with RSA-OAEP (SHA-1, no label) under a
	// local public key.
	RSAOAEPWrap = "RSA-OAEP-SHA1"
	// KMSWrap is the legacy remote wrap: the CEK is generated and
	// wrapped by AWS KMS with the material description alone as
	// encryption context.
	KMSWrap = "kms"
	// KMSContextWrap is the remote wrap used by authenticated suites:
	// the KMS encryption context additionally binds the
	// content-encryption algorithm, so a ciphertext cannot be replayed
	// under a weaker suite.
	KMSContextWrap = "kms+context"
)

// Description identifies encryption materials: an arbitrary set of
// key/value pairs chosen by the key owner, stored alongside the object
// and presented back to the provider on decrypt. Local providers use it
// to refuse keys they do not own; the KMS provider uses it as
// encryption context.
type Description map[string]string

// Encode returns the canonical JSON encoding of the description, with
// keys sorted. An empty or nil description encodes as "{}".
func (d Description) Encode() ([]byte, error) {
	if d == nil {
		d = Description{}
	}
	b, err := json.Marshal(d)
	if err != nil {
		return nil, errors.E(errors.Envelope, "encoding material description", err)
	}
	return b, nil
}

// DecodeDescription parses a JSON material description.
func DecodeDescription(b []byte) (Description, error) {
	d := Description{}
	if len(b) == 0 {
		return d, nil
	}
	if err := json.Unmarshal(b, &d); err != nil {
		return nil, errors.E(errors.Envelope, "malformed material description", err)
	}
	return d, nil
}

// Clone returns a copy of the description that shares no storage with
// the original.
func (d Description) Clone() Description {
	c := make(Description, len(d))
	for k, v := range d {
		c[k] = v
	}
	return c
}

// Equal reports whether two descriptions hold exactly the same pairs.
func (d Description) Equal(other Description) bool {
	if len(d) != len(other) {
		return false
	}
	for k, v := range d {
		if w, ok := other[k]; !ok || v != w {
			return false
		}
	}
	return true
}

// CipherData is the per-object encryption material produced by a
// provider: the plaintext CEK and IV consumed by the content cipher,
// and the wrapped form of the CEK destined for the envelope.
type CipherData struct {
	// Key is the plaintext content-encryption key. It is never stored.
	Key []byte
	// IV is the initialization vector stored in the envelope.
	IV []byte
	// EncryptedKey is the CEK wrapped by the master key.
	EncryptedKey []byte
	// WrapAlgorithm names the scheme that produced EncryptedKey.
	WrapAlgorithm string
	// CEKAlgorithm names the content-encryption algorithm the material
	// was generated for.
	CEKAlgorithm string
	// Description identifies the master key material.
	Description Description
	// TagBits is the content cipher's authentication tag length in
	// bits, filled in by the cipher when it differs from zero.
	TagBits int
	// KeyCommitment is the commitment value computed by committing
	// suites, empty otherwise.
	KeyCommitment []byte
}

// EncryptedKey is the wrapped-CEK portion of a stored envelope,
// presented to a provider for unwrapping.
type EncryptedKey struct {
	// Ciphertext is the wrapped CEK.
	Ciphertext []byte
	// WrapAlgorithm names the scheme that wrapped the key.
	WrapAlgorithm string
	// CEKAlgorithm names the content-encryption algorithm recorded in
	// the envelope.
	CEKAlgorithm string
	// Description is the material description recorded in the envelope.
	Description Description
}

// Provider represents a master key. A provider generates fresh cipher
// material for new objects and recovers the CEK from stored envelopes.
// Implementations must be safe for concurrent use.
type Provider interface {
	// GenerateCipherData returns material for encrypting a single
	// object: a fresh CEK of keySize bytes, never reused across calls, a
	// random IV of ivSize bytes, and the CEK wrapped by the master key.
	// cekAlg names the content-encryption algorithm the material will be
	// used with; remote providers bind it into their encryption context.
	GenerateCipherData(ctx context.Context, keySize, ivSize int, cekAlg string) (CipherData, error)

	// DecryptKey unwraps the CEK carried by a stored envelope. It must
	// fail, rather than substitute other material, when the wrapped key
	// or its description does not correspond to this provider's master
	// key.
	DecryptKey(ctx context.Context, key EncryptedKey) ([]byte, error)
}

// UsesRemoteService reports whether the provider calls out to a key
// management service. Remote providers constrain envelope storage:
// their wrapped keys are only written to object metadata, never to
// instruction files.
func UsesRemoteService(p Provider) bool {
	r, ok := p.(interface{ Remote() bool })
	return ok && r.Remote()
}

var randomSource io.Reader = rand.Reader

// SetRandSource substitutes the source of randomness used to generate
// keys, IVs and wrap nonces. It is intended for deterministic tests and
// must not be called concurrently with encryption.
func SetRandSource(r io.Reader) {
	randomSource = r
}

func randomBytes(n int) ([]byte, error) {
	b := make([]byte, n)
	if _, err := io.ReadFull(randomSource, b); err != nil {
		return nil, errors.E(errors.Fatal, fmt.Sprintf("reading %d random bytes", n), err)
	}
	return b, nil
}
