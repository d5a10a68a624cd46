// Copyright 2020 GRAIL, Inc. All rights reserved.
// Use of this source code is governed by the Apache 2.0
// license that can be found in the LICENSE file.

// Package cipher implements the content-encryption engines for the
// registered algorithm suites. Each suite contributes an Entry with
// three constructors: single-shot encryption, decryption, and a chunked
// encryption session for multipart uploads. A session encrypts an
// object piece by piece such that the concatenated ciphertext is
// byte-identical to a single-shot encryption of the same plaintext, so
// readers never learn how an object was uploaded.
package cipher

import (
	"bytes"
	"fmt"
	"io"
	"sync"

	"github.com/grailbio/s3crypt/errors"
	"github.com/grailbio/s3crypt/materials"
	"github.com/grailbio/s3crypt/suite"
)

// aes256KeySize is the content-encryption key size shared by every
// registered suite.
const aes256KeySize = 32

// ContentCipher encrypts or decrypts the content of one object. A
// cipher is single-use: it holds per-object material and must not be
// shared across objects.
type ContentCipher interface {
	// EncryptContents wraps src so that reading returns ciphertext.
	EncryptContents(src io.Reader) (io.Reader, error)
	// DecryptContents wraps src so that reading returns plaintext. The
	// returned reader fails before reporting EOF if the ciphertext does
	// not authenticate.
	DecryptContents(src io.ReadCloser) (io.ReadCloser, error)
	// Data returns the cipher material, including any fields the cipher
	// itself contributes, such as the tag length or key commitment.
	Data() materials.CipherData
}

// An EncryptSession encrypts one object as a sequence of chunks.
type EncryptSession interface {
	// Encrypt encrypts the next chunk of plaintext. It may return less
	// ciphertext than plaintext consumed when the suite buffers
	// internally.
	Encrypt(p []byte) ([]byte, error)
	// Finalize encrypts a final, possibly empty, chunk and appends the
	// suite's trailer: padding or authentication tag. The session is
	// unusable afterwards.
	Finalize(p []byte) ([]byte, error)
	// Data returns the cipher material, as for ContentCipher.
	Data() materials.CipherData
}

// Builder constructs a cipher from per-object material.
type Builder func(cd materials.CipherData) (ContentCipher, error)

// Entry holds the cipher constructors for one algorithm suite.
type Entry struct {
	// ForEncrypt builds a cipher around freshly generated material.
	ForEncrypt Builder
	// ForDecrypt builds a cipher around material recovered from an
	// envelope. Suites with key commitment verify it here, before any
	// content is touched.
	ForDecrypt Builder
	// Session starts a chunked encryption.
	Session func(cd materials.CipherData) (EncryptSession, error)
}

type registry struct {
	sync.Mutex
	entries map[string]Entry
}

var ciphers = &registry{entries: map[string]Entry{}}

// Register makes an entry available under a suite identifier. It
// returns an error if the identifier is taken.
func Register(id string, e Entry) error {
	ciphers.Lock()
	defer ciphers.Unlock()
	if _, present := ciphers.entries[id]; present {
		return fmt.Errorf("cipher already registered: %v", id)
	}
	ciphers.entries[id] = e
	return nil
}

// Lookup returns the entry registered for a suite identifier.
func Lookup(id string) (Entry, error) {
	ciphers.Lock()
	defer ciphers.Unlock()
	e, ok := ciphers.entries[id]
	if !ok {
		return Entry{}, errors.E(errors.NotSupported, fmt.Sprintf("no cipher registered for suite %q", id))
	}
	return e, nil
}

func init() {
	for _, r := range []struct {
		id string
		e  Entry
	}{
		{suite.AESCBC, Entry{ForEncrypt: newCBCCipher, ForDecrypt: newCBCCipher, Session: newCBCSession}},
		{suite.AESGCM, Entry{ForEncrypt: newGCMCipher, ForDecrypt: newGCMCipher, Session: newGCMSuiteSession}},
		{suite.AESGCMCommitKey, Entry{ForEncrypt: newCommitCipher, ForDecrypt: newCommitDecryptCipher, Session: newCommitSession}},
	} {
		if err := Register(r.id, r.e); err != nil {
			panic(err)
		}
	}
}

func checkKeySize(key []byte) error {
	if len(key) != aes256KeySize {
		return errors.E(errors.Crypto,
			fmt.Sprintf("content key is %d bytes, want %d", len(key), aes256KeySize))
	}
	return nil
}

// encryptReader adapts an EncryptSession into the reader returned by
// EncryptContents.
type encryptReader struct {
	src     io.Reader
	sess    EncryptSession
	buf     bytes.Buffer
	scratch [8192]byte
	done    bool
	err     error
}

func (r *encryptReader) Read(p []byte) (int, error) {
	for r.err == nil && !r.done && r.buf.Len() == 0 {
		n, err := r.src.Read(r.scratch[:])
		if n > 0 {
			ct, cerr := r.sess.Encrypt(r.scratch[:n])
			if cerr != nil {
				r.err = cerr
				break
			}
			r.buf.Write(ct)
		}
		switch err {
		case nil:
		case io.EOF:
			trailer, cerr := r.sess.Finalize(nil)
			if cerr != nil {
				r.err = cerr
				break
			}
			r.buf.Write(trailer)
			r.done = true
		default:
			r.err = err
		}
	}
	if r.buf.Len() > 0 {
		return r.buf.Read(p)
	}
	if r.err != nil {
		return 0, r.err
	}
	return 0, io.EOF
}
