// Copyright 2020 GRAIL, Inc. All rights reserved.
// Use of this source code is governed by the Apache 2.0
// license that can be found in the LICENSE file.

// Package s3crypt implements client-side envelope encryption for
// objects held in S3-compatible storage. Each object is encrypted
// under a fresh one-time content-encryption key (CEK); the CEK is
// wrapped by a master key, the materials.Provider, and stored in an
// encryption envelope alongside the ciphertext, either in the object's
// own metadata or in a companion instruction object. A compatible
// client holding the same master key can recover the object years
// later, across three generations of wire format.
//
// The client is configured once, validated eagerly, and immutable
// afterwards; it may be shared freely by concurrent operations. Storage
// itself is delegated to a Store, an opaque byte transport with a
// metadata side channel; package s3store implements it for AWS S3.
//
// Objects must be read end to end: a ciphertext's authenticity is only
// established by its final tag, so range reads are refused rather than
// returning unauthenticated bytes.
package s3crypt

import (
	"context"
	"fmt"
	"io"

	"github.com/grailbio/s3crypt/cipher"
	"github.com/grailbio/s3crypt/envelope"
	"github.com/grailbio/s3crypt/errors"
	"github.com/grailbio/s3crypt/materials"
	"github.com/grailbio/s3crypt/suite"
)

// Store is the object-storage surface the client writes through. It is
// a plain byte transport addressed by key, with a string metadata side
// channel, and multipart uploads that materialize nothing until
// completed. Implementations handle their own transient-error retries;
// the client never retries, since its failures are not transient.
type Store interface {
	// Put stores an object.
	Put(ctx context.Context, key string, body io.Reader, metadata map[string]string) error
	// Get returns an object's body and metadata. The metadata keys may
	// come back in a different case than they were stored with.
	Get(ctx context.Context, key string) (io.ReadCloser, map[string]string, error)
	// Delete removes an object. Deleting a missing object is not an
	// error.
	Delete(ctx context.Context, key string) error
	// CreateMultipart starts a multipart upload of key and returns its
	// upload id.
	CreateMultipart(ctx context.Context, key string, metadata map[string]string) (uploadID string, err error)
	// UploadPart stores one part of an upload.
	UploadPart(ctx context.Context, key, uploadID string, num int64, body io.Reader) error
	// CompleteMultipart concatenates the uploaded parts in part-number
	// order and materializes the object.
	CompleteMultipart(ctx context.Context, key, uploadID string) error
	// AbortMultipart discards an upload and any parts stored for it.
	AbortMultipart(ctx context.Context, key, uploadID string) error
}

// Storage selects where the encryption envelope is persisted. The
// location is part of how an object must be read back: a client
// configured for one mode refuses objects written in the other rather
// than falling back silently.
type Storage int

const (
	// MetadataStorage keeps the envelope in the object's own metadata.
	MetadataStorage Storage = iota
	// InstructionFileStorage keeps the envelope in a separate
	// instruction object named by appending a fixed suffix to the
	// object's key.
	InstructionFileStorage
)

func (s Storage) String() string {
	switch s {
	case MetadataStorage:
		return "Metadata"
	case InstructionFileStorage:
		return "InstructionFile"
	}
	return "Storage(unknown)"
}

// Config carries the client's policy knobs. The zero value is the
// recommended configuration: envelopes in object metadata, only
// authenticated suites readable, and new objects written with the
// key-committing suite.
type Config struct {
	// Storage selects where envelopes are persisted.
	Storage Storage
	// Profile restricts which suite generations the client reads and
	// writes.
	Profile suite.Profile
	// Commitment controls whether the client insists on key-committing
	// suites.
	Commitment suite.CommitmentPolicy
	// ContentAlgorithm is the content-encryption algorithm for new
	// writes. It defaults to the key-committing GCM suite and must be
	// consistent with Profile and Commitment.
	ContentAlgorithm string
	// InstructionSuffix names instruction objects: instruction-object
	// key = object key + suffix. Empty means ".instruction".
	InstructionSuffix string
}

// Client encrypts objects on their way into a Store and decrypts them
// on the way out. A Client is immutable and safe for concurrent use;
// every operation generates its own per-object cipher state.
type Client struct {
	store    Store
	provider materials.Provider
	cfg      Config
	write    suite.Suite
}

// New validates the configuration against the materials provider and
// returns a client. All contradictions between storage mode, materials,
// profile, commitment policy and content algorithm are configuration
// errors here, at construction, never later at request time.
func New(store Store, provider materials.Provider, cfg Config) (*Client, error) {
	if store == nil {
		return nil, errors.E(errors.Config, "no store")
	}
	if provider == nil {
		return nil, errors.E(errors.Config, "no materials provider")
	}
	switch cfg.Storage {
	case MetadataStorage, InstructionFileStorage:
	default:
		return nil, errors.E(errors.Config, fmt.Sprintf("unknown storage mode %d", int(cfg.Storage)))
	}
	switch cfg.Profile {
	case suite.NewOnly, suite.LegacyAndNew, suite.LegacyOnly:
	default:
		return nil, errors.E(errors.Config, fmt.Sprintf("unknown security profile %d", int(cfg.Profile)))
	}
	switch cfg.Commitment {
	case suite.RequireEncryptAllowDecrypt, suite.RequireEncryptRequireDecrypt, suite.ForbidEncryptAllowDecrypt:
	default:
		return nil, errors.E(errors.Config, fmt.Sprintf("unknown commitment policy %d", int(cfg.Commitment)))
	}
	if cfg.ContentAlgorithm == "" {
		cfg.ContentAlgorithm = suite.AESGCMCommitKey
	}
	if cfg.InstructionSuffix == "" {
		cfg.InstructionSuffix = envelope.DefaultInstructionSuffix
	}
	s, err := suite.Lookup(cfg.ContentAlgorithm)
	if err != nil {
		return nil, errors.E(errors.Config, fmt.Sprintf("content algorithm %q is not registered", cfg.ContentAlgorithm))
	}
	if _, err := cipher.Lookup(s.ID); err != nil {
		return nil, errors.E(errors.Config, fmt.Sprintf("content algorithm %q has no cipher", s.ID))
	}
	if !cfg.Profile.AllowsWrite(s) {
		return nil, errors.E(errors.Config,
			fmt.Sprintf("security profile %v does not permit writing %v", cfg.Profile, s))
	}
	if !cfg.Commitment.AllowsEncrypt(s) {
		return nil, errors.E(errors.Config,
			fmt.Sprintf("commitment policy %v does not permit writing %v", cfg.Commitment, s))
	}
	if materials.UsesRemoteService(provider) && cfg.Storage == InstructionFileStorage {
		return nil, errors.E(errors.Config,
			"remote key management requires metadata storage; instruction files do not carry remote-wrapped keys")
	}
	return &Client{store: store, provider: provider, cfg: cfg, write: s}, nil
}

// Config returns the client's resolved configuration.
func (c *Client) Config() Config { return c.cfg }

// Delete removes the object at key together with its instruction
// object, if one exists. Either may already be absent.
func (c *Client) Delete(ctx context.Context, key string) error {
	if err := c.store.Delete(ctx, key); err != nil {
		return err
	}
	return c.store.Delete(ctx, envelope.InstructionKey(key, c.cfg.InstructionSuffix))
}

// instructionKey names the instruction object for key under the
// client's configured suffix.
func (c *Client) instructionKey(key string) string {
	return envelope.InstructionKey(key, c.cfg.InstructionSuffix)
}
