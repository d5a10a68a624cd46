// Copyright 2020 GRAIL, Inc. All rights reserved.
// Use of this source code is governed by the Apache 2.0
// license that can be found in the LICENSE file.

package s3crypt_test

import (
	"bytes"
	"context"
	"crypto/rand"
	"io"
	"io/ioutil"
	"sync"
	"testing"

	"github.com/grailbio/s3crypt"
	"github.com/grailbio/s3crypt/errors"
	"github.com/grailbio/s3crypt/internal/testutil"
	"github.com/grailbio/s3crypt/materials"
	"github.com/grailbio/testutil/assert"
	"github.com/grailbio/testutil/expect"
)

// uploadAll drives a fresh multipart upload of payload split at the
// given part sizes.
func uploadAll(t *testing.T, c *s3crypt.Client, key string, payload []byte, sizes []int) {
	t.Helper()
	ctx := context.Background()
	up, err := c.CreateMultipart(ctx, key)
	assert.NoError(t, err)
	off := 0
	for i, n := range sizes {
		assert.NoError(t, up.UploadPart(ctx, int64(i+1), bytes.NewReader(payload[off:off+n])))
		off += n
	}
	assert.EQ(t, off, len(payload))
	assert.NoError(t, up.Complete(ctx))
}

func TestMultipartRoundTrip(t *testing.T) {
	ctx := context.Background()
	c, store := symClient(t, s3crypt.Config{})
	payload := testPayload(100 + 64<<10 + 7)
	uploadAll(t, c, "obj", payload, []int{100, 64 << 10, 7})

	assert.EQ(t, len(store.Uploads()), 0)
	assert.EQ(t, store.Ops(), []string{
		"create obj",
		"uploadpart(1) obj",
		"uploadpart(2) obj",
		"uploadpart(3) obj",
		"uploadpart(4) obj", // the finalizing tag
		"complete obj",
	})

	r, err := c.Get(ctx, "obj")
	assert.NoError(t, err)
	// Multipart envelopes carry no length hint.
	assert.EQ(t, r.PlaintextLength(), int64(-1))
	got, err := ioutil.ReadAll(r)
	assert.NoError(t, err)
	assert.NoError(t, r.Close())
	assert.EQ(t, got, payload)
}

// TestMultipartMatchesPut pins the material source and expects every
// split of the same plaintext, multipart or single-shot, to store the
// identical ciphertext: a reader cannot tell how an object was
// uploaded.
func TestMultipartMatchesPut(t *testing.T) {
	materials.SetRandSource(fixedRand{})
	defer materials.SetRandSource(rand.Reader)

	ctx := context.Background()
	c, store := symClient(t, s3crypt.Config{})
	payload := testPayload(4196)
	assert.NoError(t, c.Put(ctx, "whole", bytes.NewReader(payload)))
	uploadAll(t, c, "two", payload, []int{4096, 100})
	uploadAll(t, c, "three", payload, []int{1000, 2000, 1196})
	uploadAll(t, c, "one", payload, []int{4196})

	whole := store.Object("whole").Body
	for _, key := range []string{"two", "three", "one"} {
		if !bytes.Equal(store.Object(key).Body, whole) {
			t.Errorf("%s: ciphertext differs from single-shot put", key)
		}
	}
	assert.EQ(t, mustGet(t, c, "three"), payload)

	// The legacy block suite holds ragged chunk tails back internally,
	// so boundaries do not show there either.
	legacy := clientAt(t, store, symProvider(t), legacyConfig())
	assert.NoError(t, legacy.Put(ctx, "leg-whole", bytes.NewReader(payload[:100])))
	uploadAll(t, legacy, "leg-split", payload[:100], []int{48, 52})
	if !bytes.Equal(store.Object("leg-split").Body, store.Object("leg-whole").Body) {
		t.Error("legacy ciphertext differs from single-shot put")
	}
}

type fixedRand struct{}

func (fixedRand) Read(p []byte) (int, error) {
	for i := range p {
		p[i] = 0x42
	}
	return len(p), nil
}

func TestMultipartOutOfOrder(t *testing.T) {
	ctx := context.Background()
	c, _ := symClient(t, s3crypt.Config{})
	up, err := c.CreateMultipart(ctx, "obj")
	assert.NoError(t, err)

	err = up.UploadPart(ctx, 5, bytes.NewReader(testPayload(10)))
	assert.True(t, errors.Is(errors.Precondition, err))
	expect.HasSubstr(t, err, "out of order")

	// A rejected part number does not poison the upload.
	payload := testPayload(200)
	assert.NoError(t, up.UploadPart(ctx, 1, bytes.NewReader(payload[:150])))
	err = up.UploadPart(ctx, 3, bytes.NewReader(payload[150:]))
	assert.True(t, errors.Is(errors.Precondition, err))
	assert.NoError(t, up.UploadPart(ctx, 2, bytes.NewReader(payload[150:])))
	assert.NoError(t, up.Complete(ctx))

	assert.EQ(t, mustGet(t, c, "obj"), payload)
}

// gatedStore blocks one UploadPart call until released, so a test can
// hold an upload in flight.
type gatedStore struct {
	*testutil.Store
	mu      sync.Mutex
	gate    chan struct{}
	entered chan struct{}
}

func (s *gatedStore) arm() (gate, entered chan struct{}) {
	gate, entered = make(chan struct{}), make(chan struct{})
	s.mu.Lock()
	s.gate, s.entered = gate, entered
	s.mu.Unlock()
	return gate, entered
}

func (s *gatedStore) UploadPart(ctx context.Context, key, uploadID string, num int64, body io.Reader) error {
	s.mu.Lock()
	gate, entered := s.gate, s.entered
	s.gate, s.entered = nil, nil
	s.mu.Unlock()
	if gate != nil {
		entered <- struct{}{}
		<-gate
	}
	return s.Store.UploadPart(ctx, key, uploadID, num, body)
}

func TestMultipartSingleFlight(t *testing.T) {
	ctx := context.Background()
	store := &gatedStore{Store: testutil.NewStore()}
	c := clientAt(t, store, symProvider(t), s3crypt.Config{})
	payload := testPayload(300)

	up, err := c.CreateMultipart(ctx, "obj")
	assert.NoError(t, err)
	gate, entered := store.arm()
	done := make(chan error)
	go func() {
		done <- up.UploadPart(ctx, 1, bytes.NewReader(payload[:200]))
	}()
	<-entered

	// Part 1 is in flight: everything else is refused, whatever the
	// part number.
	err = up.UploadPart(ctx, 2, bytes.NewReader(payload[200:]))
	assert.True(t, errors.Is(errors.Invalid, err))
	expect.HasSubstr(t, err, "concurrently")
	err = up.Complete(ctx)
	assert.True(t, errors.Is(errors.Invalid, err))
	err = up.Abort(ctx)
	expect.HasSubstr(t, err, "busy")

	close(gate)
	assert.NoError(t, <-done)

	// The refused calls left the upload untouched.
	assert.NoError(t, up.UploadPart(ctx, 2, bytes.NewReader(payload[200:])))
	assert.NoError(t, up.Complete(ctx))
	assert.EQ(t, mustGet(t, c, "obj"), payload)
}

func TestMultipartAbort(t *testing.T) {
	ctx := context.Background()
	c, store := symClient(t, s3crypt.Config{Storage: s3crypt.InstructionFileStorage})
	up, err := c.CreateMultipart(ctx, "obj")
	assert.NoError(t, err)
	assert.NoError(t, up.UploadPart(ctx, 1, bytes.NewReader(testPayload(100))))
	assert.EQ(t, store.Uploads(), []string{up.ID()})

	assert.NoError(t, up.Abort(ctx))
	// Nothing is left: no object, no envelope, no upload.
	assert.EQ(t, len(store.Uploads()), 0)
	assert.True(t, store.Object("obj") == nil)
	assert.True(t, store.Object("obj.instruction") == nil)

	for _, err := range []error{
		up.UploadPart(ctx, 2, bytes.NewReader(nil)),
		up.Complete(ctx),
		up.Abort(ctx),
	} {
		assert.True(t, errors.Is(errors.Invalid, err))
		expect.HasSubstr(t, err, "finished")
	}
}

func TestMultipartUseAfterComplete(t *testing.T) {
	ctx := context.Background()
	c, _ := symClient(t, s3crypt.Config{})
	up, err := c.CreateMultipart(ctx, "obj")
	assert.NoError(t, err)
	assert.NoError(t, up.UploadPart(ctx, 1, bytes.NewReader(testPayload(10))))
	assert.NoError(t, up.Complete(ctx))

	for _, err := range []error{
		up.UploadPart(ctx, 2, bytes.NewReader(nil)),
		up.Complete(ctx),
		up.Abort(ctx),
	} {
		assert.True(t, errors.Is(errors.Invalid, err))
	}
}

// TestMultipartFailurePoisons fails the store mid-upload; afterwards
// only Abort may touch the upload, since the cipher stream can no
// longer be trusted to line up with what was stored.
func TestMultipartFailurePoisons(t *testing.T) {
	ctx := context.Background()
	c, store := symClient(t, s3crypt.Config{})
	up, err := c.CreateMultipart(ctx, "obj")
	assert.NoError(t, err)

	store.Err = func(op, key string) error {
		if op == "uploadpart" {
			return errors.New("store down")
		}
		return nil
	}
	err = up.UploadPart(ctx, 1, bytes.NewReader(testPayload(10)))
	expect.HasSubstr(t, err, "store down")
	store.Err = nil

	err = up.UploadPart(ctx, 2, bytes.NewReader(testPayload(10)))
	expect.HasSubstr(t, err, "store down")
	err = up.Complete(ctx)
	expect.HasSubstr(t, err, "store down")
	assert.NoError(t, up.Abort(ctx))
	assert.EQ(t, len(store.Uploads()), 0)
}

func TestMultipartEmpty(t *testing.T) {
	ctx := context.Background()
	c, _ := symClient(t, s3crypt.Config{})
	up, err := c.CreateMultipart(ctx, "obj")
	assert.NoError(t, err)
	assert.NoError(t, up.Complete(ctx))
	assert.EQ(t, len(mustGet(t, c, "obj")), 0)
}

func TestMultipartLegacyAlignment(t *testing.T) {
	ctx := context.Background()
	c, _ := symClient(t, legacyConfig())

	// An unaligned part may only be the final one.
	up, err := c.CreateMultipart(ctx, "bad")
	assert.NoError(t, err)
	assert.NoError(t, up.UploadPart(ctx, 1, bytes.NewReader(testPayload(100))))
	err = up.UploadPart(ctx, 2, bytes.NewReader(testPayload(16)))
	assert.True(t, errors.Is(errors.Invalid, err))
	expect.HasSubstr(t, err, "cipher blocks")
	assert.NoError(t, up.Abort(ctx))

	// Aligned parts with an unaligned tail are fine.
	payload := testPayload(32 + 100)
	uploadAll(t, c, "good", payload, []int{32, 100})
	assert.EQ(t, mustGet(t, c, "good"), payload)
}

func TestMultipartInstructionMode(t *testing.T) {
	ctx := context.Background()
	c, store := symClient(t, s3crypt.Config{Storage: s3crypt.InstructionFileStorage})
	payload := testPayload(500)

	up, err := c.CreateMultipart(ctx, "obj")
	assert.NoError(t, err)
	assert.NoError(t, up.UploadPart(ctx, 1, bytes.NewReader(payload)))
	// The envelope is written only once the object exists.
	assert.True(t, store.Object("obj.instruction") == nil)
	assert.NoError(t, up.Complete(ctx))
	assert.True(t, store.Object("obj.instruction") != nil)

	assert.EQ(t, mustGet(t, c, "obj"), payload)
}
