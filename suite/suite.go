// Copyright 2020 GRAIL, Inc. All rights reserved.
// Use of this source code is governed by the Apache 2.0
// license that can be found in the LICENSE file.

// Package suite defines the algorithm suites understood by this library
// and the policy gates that decide which of them a client may read or
// write. Three generations coexist on the wire: the legacy CBC suite,
// the AES-GCM suite, and the key-committing AES-GCM suite. Each suite is
// a row in a registry keyed by the content-encryption-algorithm
// identifier stored in the object envelope; adding a generation is
// adding a row, not a type hierarchy.
package suite

import (
	"fmt"
	"sync"

	"github.com/grailbio/s3crypt/errors"
)

// Content-encryption algorithm identifiers, as stored in the
// x-amz-cek-alg envelope field. The values are part of the wire format
// and must never change.
const (
	// AESCBC is the first-generation suite: AES-256 in CBC mode with
	// PKCS#7 padding and no authentication. It remains readable for old
	// objects but should not be written by new clients.
	AESCBC = "AES/CBC/PKCS5Padding"
	// AESGCM is the second-generation suite: AES-256 in GCM mode with a
	// 12-byte IV and a 128-bit authentication tag.
	AESGCM = "AES/GCM/NoPadding"
	// AESGCMCommitKey is the third-generation suite: AES-256 GCM where
	// the content key and a key-commitment value are both derived from
	// the CEK with HKDF-SHA512, so that a substituted key is detected
	// independently of the authentication tag.
	AESGCMCommitKey = "AES/GCM/HKDF-SHA512/CommitKey"
)

// A Suite describes one content-encryption algorithm generation: the
// sizes of its key and IV, its tag length, and whether it supports key
// commitment. Suites are immutable values.
type Suite struct {
	// ID is the content-encryption-algorithm identifier stored in the
	// envelope.
	ID string
	// Generation is the protocol generation that introduced the suite.
	Generation int
	// KeySize is the size of the content-encryption key in bytes.
	KeySize int
	// IVSize is the size of the stored IV in bytes.
	IVSize int
	// TagBits is the authentication tag length in bits, or 0 for suites
	// without one.
	TagBits int
	// Committing reports whether the suite carries a key-commitment
	// value in its envelope.
	Committing bool
	// Legacy marks suites that predate authenticated encryption.
	Legacy bool
}

// TagSize returns the authentication tag length in bytes.
func (s Suite) TagSize() int { return s.TagBits / 8 }

func (s Suite) String() string { return s.ID }

type registry struct {
	sync.Mutex
	suites map[string]Suite
}

var suites = &registry{suites: map[string]Suite{}}

// Register adds a suite to the registry. It returns an error if a suite
// with the same identifier is already registered.
func Register(s Suite) error {
	suites.Lock()
	defer suites.Unlock()
	if _, present := suites.suites[s.ID]; present {
		return fmt.Errorf("suite already registered: %v", s.ID)
	}
	suites.suites[s.ID] = s
	return nil
}

// Lookup returns the suite registered under the given
// content-encryption-algorithm identifier. An unknown identifier is an
// envelope error: either the object was written by a later client
// generation, or the stored identifier was tampered with.
func Lookup(id string) (Suite, error) {
	suites.Lock()
	defer suites.Unlock()
	s, ok := suites.suites[id]
	if !ok {
		return Suite{}, errors.E(errors.Envelope, fmt.Sprintf("unknown content-encryption algorithm %q", id))
	}
	return s, nil
}

func init() {
	for _, s := range []Suite{
		{ID: AESCBC, Generation: 1, KeySize: 32, IVSize: 16, Legacy: true},
		{ID: AESGCM, Generation: 2, KeySize: 32, IVSize: 12, TagBits: 128},
		{ID: AESGCMCommitKey, Generation: 3, KeySize: 32, IVSize: 12, TagBits: 128, Committing: true},
	} {
		if err := Register(s); err != nil {
			panic(err)
		}
	}
}
