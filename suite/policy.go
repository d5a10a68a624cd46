// Copyright 2020 GRAIL, Inc. All rights reserved.
// Use of this source code is governed by the Apache 2.0
// license that can be found in the LICENSE file.

package suite

// Profile restricts the set of suites a client will read or write. The
// zero value is NewOnly, so a client that does not set a profile refuses
// legacy ciphertext in both directions.
type Profile int

const (
	// NewOnly permits only authenticated suites. Legacy objects cannot
	// be read or written.
	NewOnly Profile = iota
	// LegacyAndNew permits reading every registered suite. Writing is
	// still restricted to authenticated suites; the profile exists to
	// migrate old data, not to produce more of it.
	LegacyAndNew
	// LegacyOnly permits only the legacy suite. It is intended for
	// fleets that must interoperate with clients that cannot yet read
	// authenticated ciphertext.
	LegacyOnly
)

func (p Profile) String() string {
	switch p {
	case NewOnly:
		return "NewOnly"
	case LegacyAndNew:
		return "LegacyAndNew"
	case LegacyOnly:
		return "LegacyOnly"
	}
	return "Profile(unknown)"
}

// AllowsRead reports whether objects encrypted with suite s may be
// decrypted under this profile.
func (p Profile) AllowsRead(s Suite) bool {
	switch p {
	case LegacyAndNew:
		return true
	case LegacyOnly:
		return s.Legacy
	}
	return !s.Legacy
}

// AllowsWrite reports whether new objects may be encrypted with suite s
// under this profile.
func (p Profile) AllowsWrite(s Suite) bool {
	if p == LegacyOnly {
		return s.Legacy
	}
	return !s.Legacy
}

// CommitmentPolicy controls whether the client insists on key-committing
// suites. The zero value is RequireEncryptAllowDecrypt: new objects
// commit to their key, but objects written before commitment existed
// remain readable.
type CommitmentPolicy int

const (
	// RequireEncryptAllowDecrypt writes only committing suites and reads
	// anything the profile allows.
	RequireEncryptAllowDecrypt CommitmentPolicy = iota
	// RequireEncryptRequireDecrypt writes only committing suites and
	// refuses to decrypt objects that do not commit to their key.
	RequireEncryptRequireDecrypt
	// ForbidEncryptAllowDecrypt writes only non-committing suites. It
	// exists so a fleet can be upgraded to read commitment before any
	// writer produces it.
	ForbidEncryptAllowDecrypt
)

func (c CommitmentPolicy) String() string {
	switch c {
	case RequireEncryptAllowDecrypt:
		return "RequireEncryptAllowDecrypt"
	case RequireEncryptRequireDecrypt:
		return "RequireEncryptRequireDecrypt"
	case ForbidEncryptAllowDecrypt:
		return "ForbidEncryptAllowDecrypt"
	}
	return "CommitmentPolicy(unknown)"
}

// AllowsEncrypt reports whether new objects may be encrypted with suite
// s under this policy.
func (c CommitmentPolicy) AllowsEncrypt(s Suite) bool {
	if c == ForbidEncryptAllowDecrypt {
		return !s.Committing
	}
	return s.Committing
}

// AllowsDecrypt reports whether objects encrypted with suite s may be
// decrypted under this policy.
func (c CommitmentPolicy) AllowsDecrypt(s Suite) bool {
	if c == RequireEncryptRequireDecrypt {
		return s.Committing
	}
	return true
}
