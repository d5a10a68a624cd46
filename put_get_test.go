// Copyright 2020 GRAIL, Inc. All rights reserved.
// Use of this source code is governed by the Apache 2.0
// license that can be found in the LICENSE file.

package s3crypt_test

import (
	"bytes"
	"context"
	"crypto/rand"
	"crypto/rsa"
	"encoding/base64"
	"fmt"
	"io/ioutil"
	mathrand "math/rand"
	"strconv"
	"testing"

	"github.com/grailbio/s3crypt"
	"github.com/grailbio/s3crypt/errors"
	"github.com/grailbio/s3crypt/internal/testutil"
	"github.com/grailbio/s3crypt/materials"
	"github.com/grailbio/s3crypt/suite"
	"github.com/grailbio/testutil/assert"
	"github.com/grailbio/testutil/expect"
)

func clientAt(t *testing.T, store s3crypt.Store, p materials.Provider, cfg s3crypt.Config) *s3crypt.Client {
	t.Helper()
	c, err := s3crypt.New(store, p, cfg)
	assert.NoError(t, err)
	return c
}

// testPayload returns n bytes that are stable for a given n.
func testPayload(n int) []byte {
	b := make([]byte, n)
	mathrand.New(mathrand.NewSource(int64(n) + 1)).Read(b)
	return b
}

func mustGet(t *testing.T, c *s3crypt.Client, key string) []byte {
	t.Helper()
	r, err := c.Get(context.Background(), key)
	assert.NoError(t, err)
	defer r.Close() // nolint: errcheck
	b, err := ioutil.ReadAll(r)
	assert.NoError(t, err)
	return b
}

func TestRoundTrip(t *testing.T) {
	ctx := context.Background()
	for _, storage := range []s3crypt.Storage{s3crypt.MetadataStorage, s3crypt.InstructionFileStorage} {
		for _, size := range []int{0, 1, 100, 1<<16 + 17} {
			t.Run(fmt.Sprintf("%v/%d", storage, size), func(t *testing.T) {
				c, store := symClient(t, s3crypt.Config{Storage: storage})
				want := testPayload(size)
				assert.NoError(t, c.Put(ctx, "dir/object", bytes.NewReader(want)))

				// The stored body must not be the plaintext.
				obj := store.Object("dir/object")
				assert.True(t, obj != nil)
				if size > 0 && bytes.Contains(obj.Body, want) {
					t.Error("stored body contains the plaintext")
				}
				if got, want := len(obj.Body), size+16; got != want {
					t.Errorf("ciphertext length: got %d, want %d", got, want)
				}

				r, err := c.Get(ctx, "dir/object")
				assert.NoError(t, err)
				assert.EQ(t, r.Suite(), suite.AESGCMCommitKey)
				assert.EQ(t, r.PlaintextLength(), int64(size))
				got, err := ioutil.ReadAll(r)
				assert.NoError(t, err)
				assert.NoError(t, r.Close())
				if !bytes.Equal(got, want) {
					t.Errorf("plaintext mismatch: got %d bytes, want %d", len(got), len(want))
				}
			})
		}
	}
}

func TestRoundTripProviders(t *testing.T) {
	ctx := context.Background()
	priv, err := rsa.GenerateKey(rand.Reader, 2048)
	assert.NoError(t, err)
	rsaProvider, err := materials.NewAsymmetricProvider(priv, nil, materials.Description{"team": "genomics"})
	assert.NoError(t, err)

	want := testPayload(4 << 10)

	t.Run("rsa", func(t *testing.T) {
		for _, storage := range []s3crypt.Storage{s3crypt.MetadataStorage, s3crypt.InstructionFileStorage} {
			store := testutil.NewStore()
			c := clientAt(t, store, rsaProvider, s3crypt.Config{Storage: storage})
			assert.NoError(t, c.Put(ctx, "obj", bytes.NewReader(want)))
			assert.EQ(t, mustGet(t, c, "obj"), want)
		}
	})

	t.Run("kms", func(t *testing.T) {
		c, store, fake := kmsClient(t, s3crypt.Config{}, materials.Description{"team": "genomics"})
		assert.NoError(t, c.Put(ctx, "obj", bytes.NewReader(want)))
		assert.EQ(t, mustGet(t, c, "obj"), want)
		assert.EQ(t, fake.Decrypts(), 1)

		// Remote wraps record the key under the v2 field, and the
		// content algorithm rides in the encryption context.
		md := store.Object("obj").Metadata
		assert.EQ(t, md["x-amz-key"], "")
		assert.True(t, md["x-amz-key-v2"] != "")
		assert.EQ(t, md["x-amz-wrap-alg"], "kms+context")
		expect.HasSubstr(t, md["x-amz-matdesc"], "aws:x-amz-cek-alg")
	})
}

func TestRoundTripSuites(t *testing.T) {
	ctx := context.Background()
	want := testPayload(777)
	for _, test := range []struct {
		cfg           s3crypt.Config
		wantTagLen    string
		wantCommitted bool
	}{
		{s3crypt.Config{}, "128", true},
		{s3crypt.Config{ContentAlgorithm: suite.AESGCM, Commitment: suite.ForbidEncryptAllowDecrypt}, "128", false},
		{legacyConfig(), "", false},
	} {
		c, store := symClient(t, test.cfg)
		name := c.Config().ContentAlgorithm
		assert.NoError(t, c.Put(ctx, "obj", bytes.NewReader(want)), name)

		md := store.Object("obj").Metadata
		assert.EQ(t, md["x-amz-cek-alg"], name)
		assert.EQ(t, md["x-amz-wrap-alg"], "AES/GCM")
		assert.EQ(t, md["x-amz-tag-len"], test.wantTagLen)
		if got := md["x-amz-key-commitment"] != ""; got != test.wantCommitted {
			t.Errorf("%s: commitment present: got %v, want %v", name, got, test.wantCommitted)
		}
		assert.EQ(t, md["x-amz-unencrypted-content-length"], strconv.Itoa(len(want)))

		r, err := c.Get(ctx, "obj")
		assert.NoError(t, err)
		assert.EQ(t, r.Suite(), name)
		got, err := ioutil.ReadAll(r)
		assert.NoError(t, err)
		assert.EQ(t, got, want, name)
		assert.NoError(t, r.Close())
	}
}

func TestPutLengthHint(t *testing.T) {
	ctx := context.Background()
	c, store := symClient(t, s3crypt.Config{})

	// Sized bodies record their length.
	assert.NoError(t, c.Put(ctx, "sized", bytes.NewReader(make([]byte, 99))))
	assert.EQ(t, store.Object("sized").Metadata["x-amz-unencrypted-content-length"], "99")

	// Unsized bodies record nothing.
	assert.NoError(t, c.Put(ctx, "unsized", ioutil.NopCloser(bytes.NewReader(make([]byte, 99)))))
	assert.EQ(t, store.Object("unsized").Metadata["x-amz-unencrypted-content-length"], "")
	r, err := c.Get(ctx, "unsized")
	assert.NoError(t, err)
	assert.EQ(t, r.PlaintextLength(), int64(-1))
	assert.NoError(t, r.Close())

	// An explicit length wins. It is advisory and unverified.
	assert.NoError(t, c.Put(ctx, "explicit", bytes.NewReader(make([]byte, 99)), s3crypt.PutOpts{ContentLength: 42}))
	assert.EQ(t, store.Object("explicit").Metadata["x-amz-unencrypted-content-length"], "42")
}

func TestGetMissing(t *testing.T) {
	c, _ := symClient(t, s3crypt.Config{})
	_, err := c.Get(context.Background(), "no/such/object")
	assert.True(t, errors.Is(errors.NotExist, err))
}

func TestRangeGetRejected(t *testing.T) {
	ctx := context.Background()
	c, store := symClient(t, s3crypt.Config{})
	for _, opt := range []s3crypt.GetOpts{{Offset: 1}, {Length: 10}, {Offset: 5, Length: 10}} {
		_, err := c.Get(ctx, "obj", opt)
		if !errors.Is(errors.NotSupported, err) {
			t.Errorf("%+v: got %v", opt, err)
		}
	}
	// Refused before any store traffic.
	assert.EQ(t, len(store.Ops()), 0)
}

func TestCiphertextTamper(t *testing.T) {
	ctx := context.Background()
	c, store := symClient(t, s3crypt.Config{})
	want := testPayload(4 << 10)
	assert.NoError(t, c.Put(ctx, "obj", bytes.NewReader(want)))
	body := store.Object("obj").Body

	for _, i := range []int{0, len(body) / 2, len(body) - 1} {
		body[i] ^= 0x01
		r, err := c.Get(ctx, "obj")
		assert.NoError(t, err)
		got, err := ioutil.ReadAll(r)
		if !errors.Is(errors.Crypto, err) {
			t.Errorf("flip at %d: got %v", i, err)
		}
		if len(got) != 0 {
			t.Errorf("flip at %d: %d plaintext bytes escaped", i, len(got))
		}
		assert.NoError(t, r.Close())
		body[i] ^= 0x01
	}

	// Untampered control: the object still reads back.
	assert.EQ(t, mustGet(t, c, "obj"), want)
}

func TestTruncatedCiphertext(t *testing.T) {
	ctx := context.Background()
	c, store := symClient(t, s3crypt.Config{})
	assert.NoError(t, c.Put(ctx, "obj", bytes.NewReader(testPayload(1000))))
	obj := store.Object("obj")
	obj.Body = obj.Body[:len(obj.Body)-1]

	r, err := c.Get(ctx, "obj")
	assert.NoError(t, err)
	got, err := ioutil.ReadAll(r)
	assert.True(t, errors.Is(errors.Crypto, err))
	assert.EQ(t, len(got), 0)
	assert.NoError(t, r.Close())
}

// TestSuiteSwapTamper relabels a committing object as a non-committing
// suite. The envelope is rejected as inconsistent before the wrapped
// key ever reaches the key-management service.
func TestSuiteSwapTamper(t *testing.T) {
	ctx := context.Background()
	c, store, fake := kmsClient(t, s3crypt.Config{}, nil)
	assert.NoError(t, c.Put(ctx, "obj", bytes.NewReader(testPayload(100))))

	store.Object("obj").Metadata["x-amz-cek-alg"] = suite.AESGCM
	_, err := c.Get(ctx, "obj")
	assert.True(t, errors.Is(errors.Envelope, err))
	expect.HasSubstr(t, err, "x-amz-key-commitment")
	assert.EQ(t, fake.Decrypts(), 0)
}

func TestCommitmentTamper(t *testing.T) {
	ctx := context.Background()
	c, store := symClient(t, s3crypt.Config{})
	assert.NoError(t, c.Put(ctx, "obj", bytes.NewReader(testPayload(100))))
	md := store.Object("obj").Metadata

	b, err := base64.StdEncoding.DecodeString(md["x-amz-key-commitment"])
	assert.NoError(t, err)
	b[0] ^= 0x01
	md["x-amz-key-commitment"] = base64.StdEncoding.EncodeToString(b)

	_, err = c.Get(ctx, "obj")
	assert.True(t, errors.Is(errors.Crypto, err))
	expect.HasSubstr(t, err, "key commitment")
}

// TestCommitmentPolicyGate writes a non-committing object and reads it
// back under a policy that requires commitment. The refusal is a policy
// error and happens before the content key is unwrapped.
func TestCommitmentPolicyGate(t *testing.T) {
	ctx := context.Background()
	writer, store, fake := kmsClient(t, s3crypt.Config{
		ContentAlgorithm: suite.AESGCM,
		Commitment:       suite.ForbidEncryptAllowDecrypt,
	}, nil)
	want := testPayload(100)
	assert.NoError(t, writer.Put(ctx, "obj", bytes.NewReader(want)))

	strict := kmsClientAt(t, store, fake, s3crypt.Config{Commitment: suite.RequireEncryptRequireDecrypt}, nil)
	_, err := strict.Get(ctx, "obj")
	assert.True(t, errors.Is(errors.Policy, err))
	expect.HasSubstr(t, err, "non-committing")
	assert.EQ(t, fake.Decrypts(), 0)

	// The default policy still reads it.
	lenient := kmsClientAt(t, store, fake, s3crypt.Config{}, nil)
	assert.EQ(t, mustGet(t, lenient, "obj"), want)
}

// TestProfileGate writes a legacy object and reads it back under each
// security profile.
func TestProfileGate(t *testing.T) {
	ctx := context.Background()
	store := testutil.NewStore()
	p := symProvider(t)
	writer := clientAt(t, store, p, legacyConfig())
	want := testPayload(100)
	assert.NoError(t, writer.Put(ctx, "obj", bytes.NewReader(want)))

	migrating := clientAt(t, store, p, s3crypt.Config{Profile: suite.LegacyAndNew})
	assert.EQ(t, mustGet(t, migrating, "obj"), want)

	strict := clientAt(t, store, p, s3crypt.Config{})
	_, err := strict.Get(ctx, "obj")
	assert.True(t, errors.Is(errors.Policy, err))
	expect.HasSubstr(t, err, "does not permit reading")
}

func TestStorageModeMismatch(t *testing.T) {
	ctx := context.Background()
	store := testutil.NewStore()
	p := symProvider(t)
	metadataClient := clientAt(t, store, p, s3crypt.Config{})
	instructionClient := clientAt(t, store, p, s3crypt.Config{Storage: s3crypt.InstructionFileStorage})
	want := testPayload(100)

	// Written with the envelope inline, read expecting an instruction
	// object: refused, never a fallback to the inline envelope.
	assert.NoError(t, metadataClient.Put(ctx, "inline", bytes.NewReader(want)))
	_, err := instructionClient.Get(ctx, "inline")
	assert.True(t, errors.Is(errors.Envelope, err))
	expect.HasSubstr(t, err, "not written in instruction-file mode")

	// And the other way around.
	assert.NoError(t, instructionClient.Put(ctx, "companion", bytes.NewReader(want)))
	_, err = metadataClient.Get(ctx, "companion")
	assert.True(t, errors.Is(errors.Envelope, err))
	expect.HasSubstr(t, err, "no encryption envelope in object metadata")

	// Each client still reads its own writes.
	assert.EQ(t, mustGet(t, metadataClient, "inline"), want)
	assert.EQ(t, mustGet(t, instructionClient, "companion"), want)
}

func TestKMSContextMismatch(t *testing.T) {
	ctx := context.Background()
	store := testutil.NewStore()
	fake := &testutil.KMS{}
	writer := kmsClientAt(t, store, fake, s3crypt.Config{}, materials.Description{"team": "genomics"})
	assert.NoError(t, writer.Put(ctx, "obj", bytes.NewReader(testPayload(100))))

	reader := kmsClientAt(t, store, fake, s3crypt.Config{}, materials.Description{"team": "other"})
	_, err := reader.Get(ctx, "obj")
	assert.True(t, errors.Is(errors.KeyManagement, err))
	expect.HasSubstr(t, err, "configured material description")
	assert.EQ(t, fake.Decrypts(), 0)
}

func TestMatdescTamper(t *testing.T) {
	ctx := context.Background()
	c, store := symClient(t, s3crypt.Config{})
	assert.NoError(t, c.Put(ctx, "obj", bytes.NewReader(testPayload(100))))

	store.Object("obj").Metadata["x-amz-matdesc"] = `{"team":"other"}`
	_, err := c.Get(ctx, "obj")
	assert.True(t, errors.Is(errors.KeyManagement, err))
	expect.HasSubstr(t, err, "material description")
}

func TestInstructionObjects(t *testing.T) {
	ctx := context.Background()
	c, store := symClient(t, s3crypt.Config{Storage: s3crypt.InstructionFileStorage})
	assert.NoError(t, c.Put(ctx, "obj", bytes.NewReader(testPayload(100))))

	// The data object carries no envelope of its own; the companion
	// carries the envelope as JSON and is marked as an instruction.
	data := store.Object("obj")
	assert.EQ(t, len(data.Metadata), 0)
	instr := store.Object("obj.instruction")
	assert.True(t, instr != nil)
	if _, ok := instr.Metadata["x-amz-crypto-instr-file"]; !ok {
		t.Error("instruction object is not marked")
	}
	expect.HasSubstr(t, string(instr.Body), "x-amz-iv")

	assert.EQ(t, store.Ops(), []string{"put obj", "put obj.instruction"})
}

func TestInstructionSuffix(t *testing.T) {
	ctx := context.Background()
	c, store := symClient(t, s3crypt.Config{
		Storage:           s3crypt.InstructionFileStorage,
		InstructionSuffix: ".envelope",
	})
	assert.NoError(t, c.Put(ctx, "obj", bytes.NewReader(testPayload(10))))
	assert.True(t, store.Object("obj.envelope") != nil)
	assert.EQ(t, mustGet(t, c, "obj"), testPayload(10))
	assert.NoError(t, c.Delete(ctx, "obj"))
	assert.True(t, store.Object("obj.envelope") == nil)
}

// TestInstructionPutCleanup fails the instruction write and expects the
// freshly stored data object to be removed: without its envelope it
// could never be decrypted.
func TestInstructionPutCleanup(t *testing.T) {
	ctx := context.Background()
	c, store := symClient(t, s3crypt.Config{Storage: s3crypt.InstructionFileStorage})
	store.Err = func(op, key string) error {
		if op == "put" && key == "obj.instruction" {
			return errors.New("instruction write refused")
		}
		return nil
	}
	err := c.Put(ctx, "obj", bytes.NewReader(testPayload(100)))
	expect.HasSubstr(t, err, "instruction write refused")
	assert.True(t, store.Object("obj") == nil)
}
