// Copyright 2020 GRAIL, Inc. All rights reserved.
// Use of this source code is governed by the Apache 2.0
// license that can be found in the LICENSE file.

// Package envelope implements the encryption envelope stored alongside
// every encrypted object: the wrapped content key, IV, material
// description and algorithm identifiers, carried either directly in
// object metadata or in a companion instruction object. Field names and
// encodings are wire format shared with other client implementations
// and must never change.
//
// Parsing is deliberately asymmetric: it is flexible about JSON value
// types, since instruction objects written by other clients encode
// numbers variously as strings, numbers or null, but strict about the
// fields a suite requires. A missing required field is an error, never
// a default.
package envelope

import (
	"encoding/base64"
	"encoding/json"
	"fmt"
	"strconv"
	"strings"

	"github.com/grailbio/s3crypt/errors"
	"github.com/grailbio/s3crypt/materials"
	"github.com/grailbio/s3crypt/suite"
)

// Envelope field names. The keys appear verbatim in object metadata and
// as JSON keys in instruction objects.
const (
	keyV1Field      = "x-amz-key"
	keyV2Field      = "x-amz-key-v2"
	ivField         = "x-amz-iv"
	matDescField    = "x-amz-matdesc"
	wrapAlgField    = "x-amz-wrap-alg"
	cekAlgField     = "x-amz-cek-alg"
	tagLenField     = "x-amz-tag-len"
	contentLenField = "x-amz-unencrypted-content-length"
	commitmentField = "x-amz-key-commitment"
)

// metaPrefix is prepended to user metadata by the service and stripped
// by most, but not all, client stacks.
const metaPrefix = "x-amz-meta-"

// Envelope is the stored form of an object's encryption material. All
// fields hold their wire encoding: binary values are base64, numbers
// are decimal strings, and the material description is itself JSON.
type Envelope struct {
	// CipherKey is the wrapped CEK for locally wrapped keys.
	CipherKey string `json:"x-amz-key,omitempty"`
	// CipherKeyV2 is the wrapped CEK for keys wrapped by a remote
	// service.
	CipherKeyV2 string `json:"x-amz-key-v2,omitempty"`
	// IV is the initialization vector recorded for the object.
	IV string `json:"x-amz-iv"`
	// MatDesc is the JSON material description.
	MatDesc string `json:"x-amz-matdesc"`
	// WrapAlg names the key-wrapping algorithm.
	WrapAlg string `json:"x-amz-wrap-alg"`
	// CEKAlg names the content-encryption algorithm suite.
	CEKAlg string `json:"x-amz-cek-alg"`
	// TagLen is the authentication tag length in bits, for suites that
	// carry one.
	TagLen string `json:"x-amz-tag-len,omitempty"`
	// UnencryptedContentLen is an advisory plaintext length. It is not
	// authenticated and must never drive a security decision.
	UnencryptedContentLen string `json:"x-amz-unencrypted-content-length,omitempty"`
	// KeyCommitment is the commitment value written by committing
	// suites.
	KeyCommitment string `json:"x-amz-key-commitment,omitempty"`
}

// New records the given cipher material as an envelope. unencryptedLen
// is stored as a length hint when nonnegative.
func New(cd materials.CipherData, unencryptedLen int64) (Envelope, error) {
	desc, err := cd.Description.Encode()
	if err != nil {
		return Envelope{}, err
	}
	e := Envelope{
		IV:      base64.StdEncoding.EncodeToString(cd.IV),
		MatDesc: string(desc),
		WrapAlg: cd.WrapAlgorithm,
		CEKAlg:  cd.CEKAlgorithm,
	}
	key := base64.StdEncoding.EncodeToString(cd.EncryptedKey)
	if remoteWrap(cd.WrapAlgorithm) {
		e.CipherKeyV2 = key
	} else {
		e.CipherKey = key
	}
	if cd.TagBits > 0 {
		e.TagLen = strconv.Itoa(cd.TagBits)
	}
	if len(cd.KeyCommitment) > 0 {
		e.KeyCommitment = base64.StdEncoding.EncodeToString(cd.KeyCommitment)
	}
	if unencryptedLen >= 0 {
		e.UnencryptedContentLen = strconv.FormatInt(unencryptedLen, 10)
	}
	return e, nil
}

func remoteWrap(alg string) bool {
	return alg == materials.KMSWrap || alg == materials.KMSContextWrap
}

// set assigns a value to the field named by the lowercased wire key k,
// reporting whether the key is an envelope field at all.
func (e *Envelope) set(k, v string) bool {
	switch k {
	case keyV1Field:
		e.CipherKey = v
	case keyV2Field:
		e.CipherKeyV2 = v
	case ivField:
		e.IV = v
	case matDescField:
		e.MatDesc = v
	case wrapAlgField:
		e.WrapAlg = v
	case cekAlgField:
		e.CEKAlg = v
	case tagLenField:
		e.TagLen = v
	case contentLenField:
		e.UnencryptedContentLen = v
	case commitmentField:
		e.KeyCommitment = v
	default:
		return false
	}
	return true
}

// UnmarshalJSON accepts each envelope field as a JSON string, number or
// null. Unknown fields are ignored.
func (e *Envelope) UnmarshalJSON(b []byte) error {
	var raw map[string]json.RawMessage
	if err := json.Unmarshal(b, &raw); err != nil {
		return err
	}
	for k, v := range raw {
		s, err := flexString(v)
		if err != nil {
			return fmt.Errorf("envelope field %s: %v", k, err)
		}
		e.set(strings.ToLower(k), s)
	}
	return nil
}

// flexString renders a JSON scalar as the string form used internally:
// strings verbatim, numbers as their literal text, null as empty.
func flexString(raw json.RawMessage) (string, error) {
	v := strings.TrimSpace(string(raw))
	switch {
	case v == "null":
		return "", nil
	case strings.HasPrefix(v, `"`):
		var s string
		if err := json.Unmarshal(raw, &s); err != nil {
			return "", err
		}
		return s, nil
	default:
		var n json.Number
		if err := json.Unmarshal(raw, &n); err != nil {
			return "", fmt.Errorf("expected a string or number, got %s", v)
		}
		return n.String(), nil
	}
}

// ToMetadata returns the envelope as object metadata. Empty fields are
// omitted.
func (e Envelope) ToMetadata() map[string]string {
	md := map[string]string{}
	for _, f := range []struct{ k, v string }{
		{keyV1Field, e.CipherKey},
		{keyV2Field, e.CipherKeyV2},
		{ivField, e.IV},
		{matDescField, e.MatDesc},
		{wrapAlgField, e.WrapAlg},
		{cekAlgField, e.CEKAlg},
		{tagLenField, e.TagLen},
		{contentLenField, e.UnencryptedContentLen},
		{commitmentField, e.KeyCommitment},
	} {
		if f.v != "" {
			md[f.k] = f.v
		}
	}
	return md
}

// FromMetadata extracts an envelope from object metadata. Keys are
// matched case-insensitively and with any residual service prefix
// stripped, since metadata returned by the service does not preserve
// the case it was stored with. The second result reports whether any
// envelope field was present at all.
func FromMetadata(md map[string]string) (Envelope, bool) {
	var (
		e       Envelope
		present bool
	)
	for k, v := range md {
		k = strings.TrimPrefix(strings.ToLower(k), metaPrefix)
		if e.set(k, v) {
			present = true
		}
	}
	return e, present
}

// PlaintextLength returns the advisory plaintext length recorded in the
// envelope, or -1 when absent. The value is a hint only.
func (e Envelope) PlaintextLength() (int64, error) {
	if e.UnencryptedContentLen == "" {
		return -1, nil
	}
	n, err := strconv.ParseInt(e.UnencryptedContentLen, 10, 64)
	if err != nil || n < 0 {
		return -1, errors.E(errors.Envelope,
			fmt.Sprintf("malformed %s %q", contentLenField, e.UnencryptedContentLen))
	}
	return n, nil
}

// Materials validates the envelope against the suite its
// content-encryption-algorithm field names and returns the decoded
// cipher material, with everything filled in except the plaintext key,
// alongside the suite itself. Validation is strict: fields the suite
// requires must be present and consistent, and fields it cannot have
// must be absent.
func (e Envelope) Materials() (materials.CipherData, suite.Suite, error) {
	if e.CEKAlg == "" {
		return materials.CipherData{}, suite.Suite{}, missing(cekAlgField)
	}
	s, err := suite.Lookup(e.CEKAlg)
	if err != nil {
		return materials.CipherData{}, suite.Suite{}, err
	}
	if e.WrapAlg == "" {
		return materials.CipherData{}, s, missing(wrapAlgField)
	}
	if e.CipherKey != "" && e.CipherKeyV2 != "" {
		return materials.CipherData{}, s, errors.E(errors.Envelope,
			fmt.Sprintf("exclusive fields %s and %s are both present", keyV1Field, keyV2Field))
	}
	keyField, keyB64 := keyV1Field, e.CipherKey
	if remoteWrap(e.WrapAlg) {
		keyField, keyB64 = keyV2Field, e.CipherKeyV2
	}
	if keyB64 == "" {
		return materials.CipherData{}, s, errors.E(errors.Envelope,
			fmt.Sprintf("wrap algorithm %q requires %s", e.WrapAlg, keyField))
	}
	wrappedKey, err := decodeBase64(keyField, keyB64)
	if err != nil {
		return materials.CipherData{}, s, err
	}
	if e.IV == "" {
		return materials.CipherData{}, s, missing(ivField)
	}
	iv, err := decodeBase64(ivField, e.IV)
	if err != nil {
		return materials.CipherData{}, s, err
	}
	if len(iv) != s.IVSize {
		return materials.CipherData{}, s, errors.E(errors.Envelope,
			fmt.Sprintf("%s is %d bytes, want %d for %v", ivField, len(iv), s.IVSize, s))
	}
	if e.MatDesc == "" {
		return materials.CipherData{}, s, missing(matDescField)
	}
	desc, err := materials.DecodeDescription([]byte(e.MatDesc))
	if err != nil {
		return materials.CipherData{}, s, err
	}
	cd := materials.CipherData{
		IV:            iv,
		EncryptedKey:  wrappedKey,
		WrapAlgorithm: e.WrapAlg,
		CEKAlgorithm:  e.CEKAlg,
		Description:   desc,
	}
	if s.TagBits > 0 {
		if e.TagLen == "" {
			return materials.CipherData{}, s, missing(tagLenField)
		}
		bits, err := strconv.Atoi(e.TagLen)
		if err != nil {
			return materials.CipherData{}, s, errors.E(errors.Envelope,
				fmt.Sprintf("malformed %s %q", tagLenField, e.TagLen))
		}
		if bits != s.TagBits {
			return materials.CipherData{}, s, errors.E(errors.Envelope,
				fmt.Sprintf("%s is %d, want %d for %v", tagLenField, bits, s.TagBits, s))
		}
		cd.TagBits = bits
	} else if e.TagLen != "" {
		return materials.CipherData{}, s, unexpected(tagLenField, s)
	}
	if s.Committing {
		if e.KeyCommitment == "" {
			return materials.CipherData{}, s, missing(commitmentField)
		}
		commitment, err := decodeBase64(commitmentField, e.KeyCommitment)
		if err != nil {
			return materials.CipherData{}, s, err
		}
		cd.KeyCommitment = commitment
	} else if e.KeyCommitment != "" {
		return materials.CipherData{}, s, unexpected(commitmentField, s)
	}
	if _, err := e.PlaintextLength(); err != nil {
		return materials.CipherData{}, s, err
	}
	return cd, s, nil
}

func missing(field string) error {
	return errors.E(errors.Envelope, fmt.Sprintf("missing required field %s", field))
}

func unexpected(field string, s suite.Suite) error {
	return errors.E(errors.Envelope, fmt.Sprintf("unexpected field %s for %v", field, s))
}

func decodeBase64(field, v string) ([]byte, error) {
	b, err := base64.StdEncoding.DecodeString(v)
	if err != nil {
		return nil, errors.E(errors.Envelope, fmt.Sprintf("malformed %s", field), err)
	}
	return b, nil
}
