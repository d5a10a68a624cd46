// Copyright 2020 GRAIL, Inc. All rights reserved.
// Use of this source code is governed by the Apache 2.0
// license that can be found in the LICENSE file.

// Package testutil provides in-memory fakes for the external services
// this library talks to: a KMS endpoint and an object store.
package testutil

import (
	"crypto/rand"
	"encoding/json"
	"fmt"
	"io"
	"sync"

	"github.com/aws/aws-sdk-go/aws"
	"github.com/aws/aws-sdk-go/aws/awserr"
	"github.com/aws/aws-sdk-go/aws/request"
	"github.com/aws/aws-sdk-go/service/kms"
	"github.com/aws/aws-sdk-go/service/kms/kmsiface"
)

// KMS is an in-memory kmsiface.KMSAPI. Wrapped keys are JSON blobs
// recording the key id, plaintext and encryption context, so Decrypt
// can enforce the same context-equality rule as the real service.
// Methods other than GenerateDataKey and Decrypt panic.
type KMS struct {
	kmsiface.KMSAPI

	// Err, when set, is returned by every call.
	Err error

	mu       sync.Mutex
	decrypts int
}

type kmsBlob struct {
	KeyID     string            `json:"key_id"`
	Plaintext []byte            `json:"plaintext"`
	Context   map[string]string `json:"context,omitempty"`
}

// Decrypts returns the number of Decrypt calls served so far.
func (f *KMS) Decrypts() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.decrypts
}

// GenerateDataKeyWithContext implements kmsiface.KMSAPI.
func (f *KMS) GenerateDataKeyWithContext(ctx aws.Context, in *kms.GenerateDataKeyInput, opts ...request.Option) (*kms.GenerateDataKeyOutput, error) {
	if f.Err != nil {
		return nil, f.Err
	}
	var size int
	switch aws.StringValue(in.KeySpec) {
	case kms.DataKeySpecAes256:
		size = 32
	case kms.DataKeySpecAes128:
		size = 16
	default:
		return nil, awserr.New("ValidationException",
			fmt.Sprintf("unsupported key spec %v", aws.StringValue(in.KeySpec)), nil)
	}
	plaintext := make([]byte, size)
	if _, err := io.ReadFull(rand.Reader, plaintext); err != nil {
		return nil, err
	}
	blob, err := json.Marshal(kmsBlob{
		KeyID:     aws.StringValue(in.KeyId),
		Plaintext: plaintext,
		Context:   aws.StringValueMap(in.EncryptionContext),
	})
	if err != nil {
		return nil, err
	}
	return &kms.GenerateDataKeyOutput{
		CiphertextBlob: blob,
		KeyId:          in.KeyId,
		Plaintext:      plaintext,
	}, nil
}

// DecryptWithContext implements kmsiface.KMSAPI.
func (f *KMS) DecryptWithContext(ctx aws.Context, in *kms.DecryptInput, opts ...request.Option) (*kms.DecryptOutput, error) {
	f.mu.Lock()
	f.decrypts++
	f.mu.Unlock()
	if f.Err != nil {
		return nil, f.Err
	}
	var blob kmsBlob
	if err := json.Unmarshal(in.CiphertextBlob, &blob); err != nil {
		return nil, awserr.New("InvalidCiphertextException", "malformed ciphertext blob", nil)
	}
	if got := aws.StringValueMap(in.EncryptionContext); !mapsEqual(got, blob.Context) {
		return nil, awserr.New("InvalidCiphertextException", "encryption context mismatch", nil)
	}
	if want := aws.StringValue(in.KeyId); want != "" && want != blob.KeyID {
		return nil, awserr.New("IncorrectKeyException",
			fmt.Sprintf("ciphertext was encrypted under %q, not %q", blob.KeyID, want), nil)
	}
	return &kms.DecryptOutput{
		KeyId:     aws.String(blob.KeyID),
		Plaintext: blob.Plaintext,
	}, nil
}

func mapsEqual(a, b map[string]string) bool {
	if len(a) != len(b) {
		return false
	}
	for k, v := range a {
		if b[k] != v {
			return false
		}
	}
	return true
}
