// Copyright 2020 GRAIL, Inc. All rights reserved.
// Use of this source code is governed by the Apache 2.0
// license that can be found in the LICENSE file.

package s3crypt

import (
	"bytes"
	"context"
	"crypto/aes"
	"fmt"
	"io"
	"sync"

	"github.com/grailbio/s3crypt/cipher"
	"github.com/grailbio/s3crypt/envelope"
	"github.com/grailbio/s3crypt/errors"
)

// Upload is an in-progress encrypted multipart upload. All parts of
// one upload continue a single cipher stream, so the resulting object
// is byte-identical to a single-shot Put of the concatenated parts and
// a reader can never tell how it was uploaded. The final tag (or
// padding) is produced only by Complete; until then the object does
// not exist and nothing stored for it can be decrypted.
//
// The cipher stream is positional. Parts must be uploaded in strictly
// increasing order, one at a time; out-of-order or concurrent
// submissions are rejected outright rather than risking ciphertext
// corruption. A failure while encrypting or storing a part leaves the
// upload unusable except to Abort.
type Upload struct {
	client   *Client
	key      string
	uploadID string
	env      envelope.Envelope
	legacy   bool

	mu        sync.Mutex
	busy      bool
	done      bool
	err       errors.Once
	sess      cipher.EncryptSession
	nextPart  int64
	plaintext int64
}

// CreateMultipart begins an encrypted multipart upload of key. The
// content key and envelope are resolved now: in metadata storage mode
// the envelope travels with the upload's initiation, in
// instruction-file mode it is written only when the upload completes,
// so aborting leaves no envelope behind either way.
func (c *Client) CreateMultipart(ctx context.Context, key string) (*Upload, error) {
	cd, err := c.provider.GenerateCipherData(ctx, c.write.KeySize, c.write.IVSize, c.write.ID)
	if err != nil {
		return nil, err
	}
	entry, err := cipher.Lookup(c.write.ID)
	if err != nil {
		return nil, err
	}
	sess, err := entry.Session(cd)
	if err != nil {
		return nil, err
	}
	// The total plaintext length is unknowable here; the envelope
	// carries no length hint for multipart objects.
	env, err := envelope.New(sess.Data(), -1)
	if err != nil {
		return nil, err
	}
	var md map[string]string
	if c.cfg.Storage == MetadataStorage {
		md = env.ToMetadata()
	}
	uploadID, err := c.store.CreateMultipart(ctx, key, md)
	if err != nil {
		return nil, err
	}
	return &Upload{
		client:   c,
		key:      key,
		uploadID: uploadID,
		env:      env,
		legacy:   c.write.Legacy,
		sess:     sess,
		nextPart: 1,
	}, nil
}

// ID returns the underlying multipart upload id.
func (u *Upload) ID() string { return u.uploadID }

// UploadPart encrypts the next part and uploads its ciphertext. num
// must be exactly one past the previous part's number, starting at 1.
// Parts may be any size the store accepts, except that the legacy CBC
// suite requires every non-final part to be a whole number of cipher
// blocks.
//
// An out-of-order part number is rejected before the cipher state is
// touched and leaves the upload usable; any other failure poisons it.
func (u *Upload) UploadPart(ctx context.Context, num int64, body io.Reader) error {
	if err := u.acquire(); err != nil {
		return err
	}
	if num != u.nextPart {
		u.mu.Lock()
		u.busy = false
		u.mu.Unlock()
		return errors.E(errors.Precondition,
			fmt.Sprintf("%s: part %d submitted out of order: the cipher stream is positional and expects part %d", u.key, num, u.nextPart))
	}
	err := u.uploadPart(ctx, num, body)
	if err == nil {
		u.nextPart++
	}
	return u.release(err)
}

func (u *Upload) uploadPart(ctx context.Context, num int64, body io.Reader) error {
	// Only the final part may leave the stream unaligned under the
	// legacy block suite. A part proves itself non-final when another
	// one arrives, so that is where the violation surfaces.
	if u.legacy && u.plaintext%aes.BlockSize != 0 {
		return errors.E(errors.Invalid,
			fmt.Sprintf("%s: part %d: previous part was not a multiple of %d bytes; the legacy suite requires whole cipher blocks in non-final parts", u.key, num, aes.BlockSize))
	}
	var (
		ct      bytes.Buffer
		scratch = make([]byte, 64<<10)
	)
	for {
		n, err := body.Read(scratch)
		if n > 0 {
			c, cerr := u.sess.Encrypt(scratch[:n])
			if cerr != nil {
				return cerr
			}
			ct.Write(c)
			u.plaintext += int64(n)
		}
		if err == io.EOF {
			break
		}
		if err != nil {
			return err
		}
	}
	return u.client.store.UploadPart(ctx, u.key, u.uploadID, num, &ct)
}

// Complete finalizes the cipher stream, uploads the trailing tag or
// padding as the last part, and completes the multipart upload. Only
// now does the object become decryptable. In instruction-file storage
// mode the instruction object is written as the final step.
func (u *Upload) Complete(ctx context.Context) error {
	if err := u.acquire(); err != nil {
		return err
	}
	err := u.complete(ctx)
	u.mu.Lock()
	u.busy = false
	if err != nil {
		u.err.Set(err)
	} else {
		u.done = true
	}
	u.mu.Unlock()
	return err
}

func (u *Upload) complete(ctx context.Context) error {
	trailer, err := u.sess.Finalize(nil)
	if err != nil {
		return err
	}
	if err := u.client.store.UploadPart(ctx, u.key, u.uploadID, u.nextPart, bytes.NewReader(trailer)); err != nil {
		return err
	}
	u.nextPart++
	if err := u.client.store.CompleteMultipart(ctx, u.key, u.uploadID); err != nil {
		return err
	}
	if u.client.cfg.Storage == InstructionFileStorage {
		instr, md, err := envelope.EncodeInstruction(u.env)
		if err != nil {
			return err
		}
		if err := u.client.store.Put(ctx, u.client.instructionKey(u.key), bytes.NewReader(instr), md); err != nil {
			return err
		}
	}
	return nil
}

// Abort abandons the upload and discards its stored parts. Nothing
// decryptable is left behind: the ciphertext was never finalized, so
// even parts that reached the store are not a readable object. Abort
// is permitted after a failed part or a failed Complete.
func (u *Upload) Abort(ctx context.Context) error {
	u.mu.Lock()
	if u.done {
		u.mu.Unlock()
		return errors.E(errors.Invalid, fmt.Sprintf("%s: upload is finished", u.key))
	}
	if u.busy {
		u.mu.Unlock()
		return errors.E(errors.Invalid, fmt.Sprintf("%s: upload is busy", u.key))
	}
	u.busy = true
	u.mu.Unlock()

	err := u.client.store.AbortMultipart(ctx, u.key, u.uploadID)
	u.mu.Lock()
	u.busy = false
	u.done = true
	u.mu.Unlock()
	return err
}

// acquire takes the upload's single-flight slot, refusing if the
// upload is finished, failed, or already has a call in flight.
func (u *Upload) acquire() error {
	u.mu.Lock()
	defer u.mu.Unlock()
	if u.done {
		return errors.E(errors.Invalid, fmt.Sprintf("%s: upload is finished", u.key))
	}
	if err := u.err.Err(); err != nil {
		return err
	}
	if u.busy {
		return errors.E(errors.Invalid,
			fmt.Sprintf("%s: another call is in flight; parts of one upload cannot be sent concurrently", u.key))
	}
	u.busy = true
	return nil
}

// release gives up the single-flight slot, recording err, if any, as
// the upload's terminal error.
func (u *Upload) release(err error) error {
	u.mu.Lock()
	defer u.mu.Unlock()
	u.busy = false
	u.err.Set(err)
	return err
}
