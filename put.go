// Copyright 2020 GRAIL, Inc. All rights reserved.
// Use of this source code is governed by the Apache 2.0
// license that can be found in the LICENSE file.

package s3crypt

import (
	"bytes"
	"context"
	"fmt"
	"io"

	"github.com/grailbio/s3crypt/cipher"
	"github.com/grailbio/s3crypt/envelope"
)

// PutOpts carries optional parameters for Put.
type PutOpts struct {
	// ContentLength, when positive, is recorded in the envelope as the
	// advisory plaintext length. When zero it is detected from the body
	// where possible. The value never affects encryption, only the
	// stored hint.
	ContentLength int64
}

// Put encrypts body under a fresh content key and stores it at key.
// The encryption envelope is fully determined before the first
// plaintext byte is consumed; depending on the configured storage mode
// it is written to the object's metadata or to a companion instruction
// object. The CEK is used for this object only and discarded when Put
// returns.
func (c *Client) Put(ctx context.Context, key string, body io.Reader, opts ...PutOpts) error {
	opt := mergePutOpts(opts)
	cd, err := c.provider.GenerateCipherData(ctx, c.write.KeySize, c.write.IVSize, c.write.ID)
	if err != nil {
		return err
	}
	entry, err := cipher.Lookup(c.write.ID)
	if err != nil {
		return err
	}
	cc, err := entry.ForEncrypt(cd)
	if err != nil {
		return err
	}
	env, err := envelope.New(cc.Data(), plaintextLength(body, opt))
	if err != nil {
		return err
	}
	enc, err := cc.EncryptContents(body)
	if err != nil {
		return err
	}
	if c.cfg.Storage == MetadataStorage {
		return c.store.Put(ctx, key, enc, env.ToMetadata())
	}
	if err := c.store.Put(ctx, key, enc, nil); err != nil {
		return err
	}
	instr, md, err := envelope.EncodeInstruction(env)
	if err != nil {
		return err
	}
	if err := c.store.Put(ctx, c.instructionKey(key), bytes.NewReader(instr), md); err != nil {
		// Without its envelope the object can never be decrypted; remove
		// it rather than leave it stranded.
		_ = c.store.Delete(ctx, key)
		return err
	}
	return nil
}

// plaintextLength returns the advisory plaintext length for the
// envelope: the caller's explicit value when given, otherwise whatever
// the body reveals about itself, otherwise -1 for unknown.
func plaintextLength(body io.Reader, opt PutOpts) int64 {
	if opt.ContentLength > 0 {
		return opt.ContentLength
	}
	switch r := body.(type) {
	case interface{ Len() int }:
		return int64(r.Len())
	case io.Seeker:
		cur, err := r.Seek(0, io.SeekCurrent)
		if err != nil {
			return -1
		}
		end, err := r.Seek(0, io.SeekEnd)
		if err != nil {
			return -1
		}
		if _, err := r.Seek(cur, io.SeekStart); err != nil {
			return -1
		}
		return end - cur
	}
	return -1
}

func mergePutOpts(opts []PutOpts) (o PutOpts) {
	switch len(opts) {
	case 0:
	case 1:
		o = opts[0]
	default:
		panic(fmt.Sprintf("more than one PutOpts specified: %+v", opts))
	}
	return
}
