// Copyright 2020 GRAIL, Inc. All rights reserved.
// Use of this source code is governed by the Apache 2.0
// license that can be found in the LICENSE file.

package s3crypt

import (
	"context"
	"fmt"
	"io"
	"io/ioutil"

	"github.com/grailbio/s3crypt/cipher"
	"github.com/grailbio/s3crypt/envelope"
	"github.com/grailbio/s3crypt/errors"
	"github.com/grailbio/s3crypt/materials"
)

// GetOpts carries optional parameters for Get.
type GetOpts struct {
	// Offset and Length request a sub-range of the object. Encrypted
	// objects can only be authenticated end to end, so any range request
	// is refused before a single byte is fetched.
	Offset int64
	Length int64
}

// A Reader streams the decrypted content of one object. No plaintext
// is ever produced from an object that fails a policy, key, or
// authenticity check: such failures surface either from Get itself or
// from Read, before any plaintext byte.
type Reader struct {
	rc      io.ReadCloser
	length  int64
	suiteID string
}

func (r *Reader) Read(p []byte) (int, error) { return r.rc.Read(p) }

// Close releases the underlying object stream.
func (r *Reader) Close() error { return r.rc.Close() }

// PlaintextLength returns the plaintext length recorded in the
// envelope at write time, or -1 when none was. The value is advisory:
// it is not authenticated and callers must not trust it for anything
// but sizing hints.
func (r *Reader) PlaintextLength() int64 { return r.length }

// Suite returns the content-encryption algorithm identifier the object
// was stored with.
func (r *Reader) Suite() string { return r.suiteID }

// Get fetches the object at key, checks its envelope against the
// configured security profile and commitment policy, unwraps the
// content key, verifies the key commitment for committing suites, and
// returns a reader over the plaintext. Each of those gates fails with
// its own error kind: Envelope for a malformed or missing envelope,
// Policy for a suite the configuration refuses, KeyManagement for
// unwrap failures, and Crypto for commitment or authenticity failures.
func (c *Client) Get(ctx context.Context, key string, opts ...GetOpts) (*Reader, error) {
	opt := mergeGetOpts(opts)
	if opt.Offset != 0 || opt.Length != 0 {
		return nil, errors.E(errors.NotSupported,
			"range reads of encrypted objects are not supported: a sub-range cannot be authenticated")
	}
	env, body, err := c.open(ctx, key)
	if err != nil {
		return nil, err
	}
	r, err := c.decrypt(ctx, env, body)
	if err != nil {
		body.Close() // nolint: errcheck
		return nil, err
	}
	return r, nil
}

// open fetches the object and its envelope from wherever the
// configured storage mode says the envelope lives. An object written
// under the other storage mode is an envelope error, never a fallback.
func (c *Client) open(ctx context.Context, key string) (envelope.Envelope, io.ReadCloser, error) {
	body, md, err := c.store.Get(ctx, key)
	if err != nil {
		return envelope.Envelope{}, nil, err
	}
	env, inMetadata := envelope.FromMetadata(md)
	if c.cfg.Storage == MetadataStorage {
		if !inMetadata {
			body.Close() // nolint: errcheck
			return envelope.Envelope{}, nil, errors.E(errors.Envelope,
				fmt.Sprintf("%s: no encryption envelope in object metadata", key))
		}
		return env, body, nil
	}
	instrKey := c.instructionKey(key)
	rc, _, err := c.store.Get(ctx, instrKey)
	if err != nil {
		body.Close() // nolint: errcheck
		if inMetadata {
			return envelope.Envelope{}, nil, errors.E(errors.Envelope,
				fmt.Sprintf("%s: no instruction object at %s, but the object itself carries an envelope; it was not written in instruction-file mode", key, instrKey), err)
		}
		return envelope.Envelope{}, nil, errors.E(errors.Envelope,
			fmt.Sprintf("%s: no instruction object at %s", key, instrKey), err)
	}
	instr, err := readAndClose(rc)
	if err != nil {
		body.Close() // nolint: errcheck
		return envelope.Envelope{}, nil, errors.E(errors.Envelope,
			fmt.Sprintf("%s: reading instruction object", key), err)
	}
	env, err = envelope.DecodeInstruction(instr)
	if err != nil {
		body.Close() // nolint: errcheck
		return envelope.Envelope{}, nil, err
	}
	return env, body, nil
}

// decrypt runs the read-side gates in order and wires up the content
// cipher. The caller owns body until decrypt succeeds.
func (c *Client) decrypt(ctx context.Context, env envelope.Envelope, body io.ReadCloser) (*Reader, error) {
	cd, s, err := env.Materials()
	if err != nil {
		return nil, err
	}
	if !c.cfg.Profile.AllowsRead(s) {
		return nil, errors.E(errors.Policy,
			fmt.Sprintf("security profile %v does not permit reading objects encrypted with %v", c.cfg.Profile, s))
	}
	if !c.cfg.Commitment.AllowsDecrypt(s) {
		return nil, errors.E(errors.Policy,
			fmt.Sprintf("commitment policy %v does not permit reading objects encrypted with non-committing %v", c.cfg.Commitment, s))
	}
	cek, err := c.provider.DecryptKey(ctx, materials.EncryptedKey{
		Ciphertext:    cd.EncryptedKey,
		WrapAlgorithm: cd.WrapAlgorithm,
		CEKAlgorithm:  cd.CEKAlgorithm,
		Description:   cd.Description,
	})
	if err != nil {
		return nil, err
	}
	cd.Key = cek
	entry, err := cipher.Lookup(s.ID)
	if err != nil {
		return nil, err
	}
	// Committing suites verify the stored key commitment here, before
	// any ciphertext is touched.
	cc, err := entry.ForDecrypt(cd)
	if err != nil {
		return nil, err
	}
	length, err := env.PlaintextLength()
	if err != nil {
		return nil, err
	}
	rc, err := cc.DecryptContents(body)
	if err != nil {
		return nil, err
	}
	return &Reader{rc: rc, length: length, suiteID: s.ID}, nil
}

func readAndClose(r io.ReadCloser) (_ []byte, err error) {
	defer errors.CleanUp(r.Close, &err)
	return ioutil.ReadAll(r)
}

func mergeGetOpts(opts []GetOpts) (o GetOpts) {
	switch len(opts) {
	case 0:
	case 1:
		o = opts[0]
	default:
		panic(fmt.Sprintf("more than one GetOpts specified: %+v", opts))
	}
	return
}
