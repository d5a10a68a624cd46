// Copyright 2020 GRAIL, Inc. All rights reserved.
// Use of this source code is governed by the Apache 2.0
// license that can be found in the LICENSE file.

package testutil

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"io/ioutil"
	"net/textproto"
	"sort"
	"sync"

	"github.com/grailbio/s3crypt/errors"
)

// Object is one stored object. Tests mutate Body and Metadata in place
// to simulate tampering.
type Object struct {
	Body     []byte
	Metadata map[string]string
}

// Store is an in-memory object store with S3-like semantics: put/get by
// key with a string metadata side channel, deletes of missing keys
// succeed, and multipart uploads materialize nothing until completed.
// Metadata keys are returned in canonical MIME form, as the real
// service does.
type Store struct {
	// Err, when set, is consulted before every operation; a non-nil
	// return aborts the call with that error. op is one of put, get,
	// delete, create, uploadpart, complete, abort.
	Err func(op, key string) error

	mu      sync.Mutex
	objects map[string]*Object
	uploads map[string]*upload
	nextID  int
	ops     []string
}

type upload struct {
	key      string
	metadata map[string]string
	parts    map[int64][]byte
}

// NewStore returns an empty store.
func NewStore() *Store {
	return &Store{
		objects: map[string]*Object{},
		uploads: map[string]*upload{},
	}
}

func (s *Store) fail(op, key string) error {
	if s.Err == nil {
		return nil
	}
	return s.Err(op, key)
}

func (s *Store) record(op, key string) {
	s.ops = append(s.ops, op+" "+key)
}

// Ops returns the operations served so far, in order, each formatted as
// "op key".
func (s *Store) Ops() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]string{}, s.ops...)
}

// Object returns the stored object for key, or nil.
func (s *Store) Object(key string) *Object {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.objects[key]
}

// Put stores an object.
func (s *Store) Put(ctx context.Context, key string, body io.Reader, metadata map[string]string) error {
	if err := s.fail("put", key); err != nil {
		return err
	}
	b, err := ioutil.ReadAll(body)
	if err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.record("put", key)
	s.objects[key] = &Object{Body: b, Metadata: cloneMap(metadata)}
	return nil
}

// Get returns an object's body and metadata.
func (s *Store) Get(ctx context.Context, key string) (io.ReadCloser, map[string]string, error) {
	if err := s.fail("get", key); err != nil {
		return nil, nil, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.record("get", key)
	obj, ok := s.objects[key]
	if !ok {
		return nil, nil, errors.E(errors.NotExist, fmt.Sprintf("no such key %q", key))
	}
	md := make(map[string]string, len(obj.Metadata))
	for k, v := range obj.Metadata {
		md[textproto.CanonicalMIMEHeaderKey(k)] = v
	}
	return ioutil.NopCloser(bytes.NewReader(append([]byte{}, obj.Body...))), md, nil
}

// Delete removes an object. Deleting a missing key succeeds.
func (s *Store) Delete(ctx context.Context, key string) error {
	if err := s.fail("delete", key); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.record("delete", key)
	delete(s.objects, key)
	return nil
}

// CreateMultipart starts a multipart upload and returns its id.
func (s *Store) CreateMultipart(ctx context.Context, key string, metadata map[string]string) (string, error) {
	if err := s.fail("create", key); err != nil {
		return "", err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.record("create", key)
	s.nextID++
	id := fmt.Sprintf("upload-%04d", s.nextID)
	s.uploads[id] = &upload{key: key, metadata: cloneMap(metadata), parts: map[int64][]byte{}}
	return id, nil
}

// UploadPart stores one part of an upload.
func (s *Store) UploadPart(ctx context.Context, key, uploadID string, num int64, body io.Reader) error {
	if err := s.fail("uploadpart", key); err != nil {
		return err
	}
	b, err := ioutil.ReadAll(body)
	if err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.record(fmt.Sprintf("uploadpart(%d)", num), key)
	up, ok := s.uploads[uploadID]
	if !ok || up.key != key {
		return errors.E(errors.NotExist, fmt.Sprintf("no such upload %q", uploadID))
	}
	up.parts[num] = b
	return nil
}

// CompleteMultipart concatenates the uploaded parts in part-number
// order and materializes the object.
func (s *Store) CompleteMultipart(ctx context.Context, key, uploadID string) error {
	if err := s.fail("complete", key); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.record("complete", key)
	up, ok := s.uploads[uploadID]
	if !ok || up.key != key {
		return errors.E(errors.NotExist, fmt.Sprintf("no such upload %q", uploadID))
	}
	nums := make([]int64, 0, len(up.parts))
	for n := range up.parts {
		nums = append(nums, n)
	}
	sort.Slice(nums, func(i, j int) bool { return nums[i] < nums[j] })
	var body []byte
	for _, n := range nums {
		body = append(body, up.parts[n]...)
	}
	s.objects[key] = &Object{Body: body, Metadata: up.metadata}
	delete(s.uploads, uploadID)
	return nil
}

// AbortMultipart discards an upload and any parts stored for it.
func (s *Store) AbortMultipart(ctx context.Context, key, uploadID string) error {
	if err := s.fail("abort", key); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.record("abort", key)
	delete(s.uploads, uploadID)
	return nil
}

// Uploads returns the ids of multipart uploads still in progress.
func (s *Store) Uploads() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	ids := make([]string, 0, len(s.uploads))
	for id := range s.uploads {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

func cloneMap(m map[string]string) map[string]string {
	c := make(map[string]string, len(m))
	for k, v := range m {
		c[k] = v
	}
	return c
}
