// Copyright 2020 GRAIL, Inc. All rights reserved.
// Use of this source code is governed by the Apache 2.0
// license that can be found in the LICENSE file.

package suite_test

import (
	"testing"

	"github.com/grailbio/s3crypt/errors"
	"github.com/grailbio/s3crypt/suite"
	"github.com/grailbio/testutil/assert"
	"github.com/grailbio/testutil/expect"
)

func TestLookup(t *testing.T) {
	for _, tc := range []struct {
		id                       string
		generation, keySize, ivSize, tagBits int
		committing, legacy       bool
	}{
		{"AES/CBC/PKCS5Padding", 1, 32, 16, 0, false, true},
		{"AES/GCM/NoPadding", 2, 32, 12, 128, false, false},
		{"AES/GCM/HKDF-SHA512/CommitKey", 3, 32, 12, 128, true, false},
	} {
		s, err := suite.Lookup(tc.id)
		assert.NoError(t, err)
		if got, want := s.Generation, tc.generation; got != want {
			t.Errorf("%s: generation %v, want %v", tc.id, got, want)
		}
		if got, want := s.KeySize, tc.keySize; got != want {
			t.Errorf("%s: key size %v, want %v", tc.id, got, want)
		}
		if got, want := s.IVSize, tc.ivSize; got != want {
			t.Errorf("%s: iv size %v, want %v", tc.id, got, want)
		}
		if got, want := s.TagBits, tc.tagBits; got != want {
			t.Errorf("%s: tag bits %v, want %v", tc.id, got, want)
		}
		if got, want := s.Committing, tc.committing; got != want {
			t.Errorf("%s: committing %v, want %v", tc.id, got, want)
		}
		if got, want := s.Legacy, tc.legacy; got != want {
			t.Errorf("%s: legacy %v, want %v", tc.id, got, want)
		}
	}
}

func TestLookupUnknown(t *testing.T) {
	_, err := suite.Lookup("AES/XTS/NoPadding")
	expect.HasSubstr(t, err, "unknown content-encryption algorithm")
	if !errors.Is(errors.Envelope, err) {
		t.Errorf("expected envelope error, got %v", err)
	}
}

func TestRegisterDuplicate(t *testing.T) {
	err := suite.Register(suite.Suite{ID: suite.AESGCM})
	expect.HasSubstr(t, err, "already registered")
}

func TestProfile(t *testing.T) {
	cbc, err := suite.Lookup(suite.AESCBC)
	assert.NoError(t, err)
	gcm, err := suite.Lookup(suite.AESGCM)
	assert.NoError(t, err)
	commit, err := suite.Lookup(suite.AESGCMCommitKey)
	assert.NoError(t, err)

	for _, tc := range []struct {
		profile              suite.Profile
		s                    suite.Suite
		canRead, canWrite    bool
	}{
		{suite.NewOnly, cbc, false, false},
		{suite.NewOnly, gcm, true, true},
		{suite.NewOnly, commit, true, true},
		{suite.LegacyAndNew, cbc, true, false},
		{suite.LegacyAndNew, gcm, true, true},
		{suite.LegacyAndNew, commit, true, true},
		{suite.LegacyOnly, cbc, true, true},
		{suite.LegacyOnly, gcm, false, false},
		{suite.LegacyOnly, commit, false, false},
	} {
		if got, want := tc.profile.AllowsRead(tc.s), tc.canRead; got != want {
			t.Errorf("%v.AllowsRead(%v) = %v, want %v", tc.profile, tc.s, got, want)
		}
		if got, want := tc.profile.AllowsWrite(tc.s), tc.canWrite; got != want {
			t.Errorf("%v.AllowsWrite(%v) = %v, want %v", tc.profile, tc.s, got, want)
		}
	}
}

func TestZeroValuesAreStrict(t *testing.T) {
	var p suite.Profile
	if got, want := p, suite.NewOnly; got != want {
		t.Errorf("zero profile is %v, want %v", got, want)
	}
	var c suite.CommitmentPolicy
	if got, want := c, suite.RequireEncryptAllowDecrypt; got != want {
		t.Errorf("zero commitment policy is %v, want %v", got, want)
	}
}

func TestCommitmentPolicy(t *testing.T) {
	cbc, err := suite.Lookup(suite.AESCBC)
	assert.NoError(t, err)
	gcm, err := suite.Lookup(suite.AESGCM)
	assert.NoError(t, err)
	commit, err := suite.Lookup(suite.AESGCMCommitKey)
	assert.NoError(t, err)

	for _, tc := range []struct {
		policy                 suite.CommitmentPolicy
		s                      suite.Suite
		canEncrypt, canDecrypt bool
	}{
		{suite.RequireEncryptAllowDecrypt, cbc, false, true},
		{suite.RequireEncryptAllowDecrypt, gcm, false, true},
		{suite.RequireEncryptAllowDecrypt, commit, true, true},
		{suite.RequireEncryptRequireDecrypt, cbc, false, false},
		{suite.RequireEncryptRequireDecrypt, gcm, false, false},
		{suite.RequireEncryptRequireDecrypt, commit, true, true},
		{suite.ForbidEncryptAllowDecrypt, cbc, true, true},
		{suite.ForbidEncryptAllowDecrypt, gcm, true, true},
		{suite.ForbidEncryptAllowDecrypt, commit, false, true},
	} {
		if got, want := tc.policy.AllowsEncrypt(tc.s), tc.canEncrypt; got != want {
			t.Errorf("%v.AllowsEncrypt(%v) = %v, want %v", tc.policy, tc.s, got, want)
		}
		if got, want := tc.policy.AllowsDecrypt(tc.s), tc.canDecrypt; got != want {
			t.Errorf("%v.AllowsDecrypt(%v) = %v, want %v", tc.policy, tc.s, got, want)
		}
	}
}
