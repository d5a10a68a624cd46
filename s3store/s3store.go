// Copyright 2020 GRAIL, Inc. All rights reserved.
// Use of this source code is governed by the Apache 2.0
// license that can be found in the LICENSE file.

// Package s3store implements the encryption client's object store on
// top of the AWS S3 API. It is a thin transport: bodies are opaque
// bytes, metadata is passed through untouched, and multipart uploads
// materialize nothing until completed. Transient request failures are
// retried here with backoff, so the encryption layer above never
// retries; its own failures are not transient.
package s3store

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"io/ioutil"
	"sort"
	"sync"

	"github.com/aws/aws-sdk-go/aws"
	"github.com/aws/aws-sdk-go/service/s3"
	"github.com/aws/aws-sdk-go/service/s3/s3iface"
	"github.com/grailbio/s3crypt/errors"
)

// Store reads and writes the objects of one S3 bucket. Multipart
// uploads must complete through the same Store that uploaded their
// parts: the part ETags S3 demands at completion are tracked here.
type Store struct {
	api    s3iface.S3API
	bucket string

	mu    sync.Mutex
	parts map[string][]*s3.CompletedPart
}

// New returns a Store bound to bucket.
func New(api s3iface.S3API, bucket string) (*Store, error) {
	if api == nil {
		return nil, errors.E(errors.Config, "s3store: no s3 client")
	}
	if bucket == "" {
		return nil, errors.E(errors.Config, "s3store: no bucket")
	}
	return &Store{api: api, bucket: bucket, parts: map[string][]*s3.CompletedPart{}}, nil
}

func (s *Store) url(key string) string {
	return fmt.Sprintf("s3://%s/%s", s.bucket, key)
}

// Put stores an object. The body is read fully up front so that a
// retried request can resend it.
func (s *Store) Put(ctx context.Context, key string, body io.Reader, metadata map[string]string) error {
	b, err := ioutil.ReadAll(body)
	if err != nil {
		return err
	}
	policy := newRetrier()
	for {
		input := &s3.PutObjectInput{
			Bucket: aws.String(s.bucket),
			Key:    aws.String(key),
			Body:   bytes.NewReader(b),
		}
		if len(metadata) > 0 {
			input.Metadata = aws.StringMap(metadata)
		}
		var ids s3RequestIDs
		_, err := s.api.PutObjectWithContext(ctx, input, ids.captureOption())
		if policy.shouldRetry(ctx, err, s.url(key)) {
			continue
		}
		if err != nil {
			return annotate(err, ids, &policy, "s3store.PutObject", s.url(key))
		}
		return nil
	}
}

// Get returns an object's body and metadata. Only the request itself
// is retried: once the body starts streaming, a failure surfaces to
// the caller, who is the only one able to restart consistently.
func (s *Store) Get(ctx context.Context, key string) (io.ReadCloser, map[string]string, error) {
	policy := newRetrier()
	for {
		var ids s3RequestIDs
		resp, err := s.api.GetObjectWithContext(ctx, &s3.GetObjectInput{
			Bucket: aws.String(s.bucket),
			Key:    aws.String(key),
		}, ids.captureOption())
		if policy.shouldRetry(ctx, err, s.url(key)) {
			continue
		}
		if err != nil {
			return nil, nil, annotate(err, ids, &policy, "s3store.GetObject", s.url(key))
		}
		return resp.Body, aws.StringValueMap(resp.Metadata), nil
	}
}

// Delete removes an object. S3 reports success for keys that do not
// exist, which is exactly the semantics the client wants.
func (s *Store) Delete(ctx context.Context, key string) error {
	policy := newRetrier()
	for {
		var ids s3RequestIDs
		_, err := s.api.DeleteObjectWithContext(ctx, &s3.DeleteObjectInput{
			Bucket: aws.String(s.bucket),
			Key:    aws.String(key),
		}, ids.captureOption())
		if policy.shouldRetry(ctx, err, s.url(key)) {
			continue
		}
		if err != nil {
			return annotate(err, ids, &policy, "s3store.DeleteObject", s.url(key))
		}
		return nil
	}
}

// CreateMultipart starts a multipart upload of key and returns its
// upload id.
func (s *Store) CreateMultipart(ctx context.Context, key string, metadata map[string]string) (string, error) {
	input := &s3.CreateMultipartUploadInput{
		Bucket: aws.String(s.bucket),
		Key:    aws.String(key),
	}
	if len(metadata) > 0 {
		input.Metadata = aws.StringMap(metadata)
	}
	policy := newRetrier()
	for {
		var ids s3RequestIDs
		resp, err := s.api.CreateMultipartUploadWithContext(ctx, input, ids.captureOption())
		if policy.shouldRetry(ctx, err, s.url(key)) {
			continue
		}
		if err != nil {
			return "", annotate(err, ids, &policy, "s3store.CreateMultipartUpload", s.url(key))
		}
		id := aws.StringValue(resp.UploadId)
		if id == "" {
			return "", errors.E(fmt.Sprintf("s3store: empty upload id for %s, awsrequestID: %v", s.url(key), ids))
		}
		s.mu.Lock()
		s.parts[id] = nil
		s.mu.Unlock()
		return id, nil
	}
}

// UploadPart stores one part of an upload and records its ETag for
// completion.
func (s *Store) UploadPart(ctx context.Context, key, uploadID string, num int64, body io.Reader) error {
	b, err := ioutil.ReadAll(body)
	if err != nil {
		return err
	}
	policy := newRetrier()
	for {
		var ids s3RequestIDs
		resp, err := s.api.UploadPartWithContext(ctx, &s3.UploadPartInput{
			Bucket:     aws.String(s.bucket),
			Key:        aws.String(key),
			UploadId:   aws.String(uploadID),
			PartNumber: aws.Int64(num),
			Body:       bytes.NewReader(b),
		}, ids.captureOption())
		if policy.shouldRetry(ctx, err, s.url(key)) {
			continue
		}
		if err != nil {
			return annotate(err, ids, &policy, "s3store.UploadPart", s.url(key))
		}
		partNum := num
		completed := &s3.CompletedPart{ETag: resp.ETag, PartNumber: &partNum}
		s.mu.Lock()
		// Re-uploading a part number replaces the part, so the manifest
		// must hold one entry per number.
		parts := s.parts[uploadID]
		for i := range parts {
			if *parts[i].PartNumber == num {
				parts[i] = completed
				completed = nil
				break
			}
		}
		if completed != nil {
			s.parts[uploadID] = append(parts, completed)
		}
		s.mu.Unlock()
		return nil
	}
}

// CompleteMultipart concatenates the uploaded parts in part-number
// order and materializes the object.
func (s *Store) CompleteMultipart(ctx context.Context, key, uploadID string) error {
	s.mu.Lock()
	parts := s.parts[uploadID]
	s.mu.Unlock()
	sort.Slice(parts, func(i, j int) bool {
		return *parts[i].PartNumber < *parts[j].PartNumber
	})
	policy := newRetrier()
	for {
		var ids s3RequestIDs
		_, err := s.api.CompleteMultipartUploadWithContext(ctx, &s3.CompleteMultipartUploadInput{
			Bucket:          aws.String(s.bucket),
			Key:             aws.String(key),
			UploadId:        aws.String(uploadID),
			MultipartUpload: &s3.CompletedMultipartUpload{Parts: parts},
		}, ids.captureOption())
		if policy.shouldRetry(ctx, err, s.url(key)) {
			continue
		}
		if err != nil {
			return annotate(err, ids, &policy, "s3store.CompleteMultipartUpload", s.url(key))
		}
		s.mu.Lock()
		delete(s.parts, uploadID)
		s.mu.Unlock()
		return nil
	}
}

// AbortMultipart discards an upload and any parts stored for it.
func (s *Store) AbortMultipart(ctx context.Context, key, uploadID string) error {
	policy := newRetrier()
	for {
		var ids s3RequestIDs
		_, err := s.api.AbortMultipartUploadWithContext(ctx, &s3.AbortMultipartUploadInput{
			Bucket:   aws.String(s.bucket),
			Key:      aws.String(key),
			UploadId: aws.String(uploadID),
		}, ids.captureOption())
		if policy.shouldRetry(ctx, err, s.url(key)) {
			continue
		}
		if err != nil {
			return annotate(err, ids, &policy, "s3store.AbortMultipartUpload", s.url(key))
		}
		s.mu.Lock()
		delete(s.parts, uploadID)
		s.mu.Unlock()
		return nil
	}
}
