// Copyright 2020 GRAIL, Inc. All rights reserved.
// Use of this source code is governed by the Apache 2.0
// license that can be found in the LICENSE file.

package cipher

import (
	"bytes"
	"io/ioutil"
	"testing"

	"github.com/grailbio/s3crypt/errors"
	"github.com/grailbio/s3crypt/materials"
	"github.com/grailbio/s3crypt/suite"
	"github.com/grailbio/testutil/assert"
	"github.com/grailbio/testutil/expect"
)

func TestLookup(t *testing.T) {
	for _, id := range []string{suite.AESCBC, suite.AESGCM, suite.AESGCMCommitKey} {
		e, err := Lookup(id)
		assert.NoError(t, err)
		assert.True(t, e.ForEncrypt != nil)
		assert.True(t, e.ForDecrypt != nil)
		assert.True(t, e.Session != nil)
	}
	_, err := Lookup("AES/XTS")
	assert.True(t, errors.Is(errors.NotSupported, err))
}

func TestRegisterDuplicate(t *testing.T) {
	err := Register(suite.AESGCM, Entry{})
	expect.HasSubstr(t, err, "already registered")
}

func TestSessionMatchesSingleShot(t *testing.T) {
	pt := randBytes(20000, 13)
	for _, id := range []string{suite.AESCBC, suite.AESGCM, suite.AESGCMCommitKey} {
		s, err := suite.Lookup(id)
		assert.NoError(t, err)
		cd := materials.CipherData{
			Key:          append([]byte{}, gcmTestKey...),
			IV:           randBytes(s.IVSize, 14),
			CEKAlgorithm: id,
		}
		entry, err := Lookup(id)
		assert.NoError(t, err)

		cc, err := entry.ForEncrypt(cd)
		assert.NoError(t, err)
		r, err := cc.EncryptContents(bytes.NewReader(pt))
		assert.NoError(t, err)
		want, err := ioutil.ReadAll(r)
		assert.NoError(t, err)

		sess, err := entry.Session(cd)
		assert.NoError(t, err)
		var got []byte
		off := 0
		for _, end := range []int{1, 4097, 4098, 15000} {
			ct, err := sess.Encrypt(pt[off:end])
			assert.NoError(t, err)
			got = append(got, ct...)
			off = end
		}
		trailer, err := sess.Finalize(pt[off:])
		assert.NoError(t, err)
		got = append(got, trailer...)
		if !bytes.Equal(got, want) {
			t.Errorf("%s: session ciphertext differs from single shot", id)
		}
	}
}
