// Copyright 2020 GRAIL, Inc. All rights reserved.
// Use of this source code is governed by the Apache 2.0
// license that can be found in the LICENSE file.

package envelope

import (
	"encoding/json"

	"github.com/grailbio/s3crypt/errors"
)

// DefaultInstructionSuffix is appended to an object's key to name its
// instruction object when no other suffix is configured.
const DefaultInstructionSuffix = ".instruction"

// instructionMarker labels an instruction object in its own metadata so
// that tooling can tell instruction objects from data.
const instructionMarker = "x-amz-crypto-instr-file"

// InstructionKey returns the key of the instruction object paired with
// the object at key.
func InstructionKey(key, suffix string) string {
	if suffix == "" {
		suffix = DefaultInstructionSuffix
	}
	return key + suffix
}

// EncodeInstruction renders the envelope as an instruction-object body
// and the metadata marking the object as an instruction.
func EncodeInstruction(e Envelope) ([]byte, map[string]string, error) {
	b, err := json.Marshal(e)
	if err != nil {
		return nil, nil, errors.E(errors.Envelope, "encoding instruction object", err)
	}
	return b, map[string]string{instructionMarker: ""}, nil
}

// DecodeInstruction parses an instruction-object body.
func DecodeInstruction(b []byte) (Envelope, error) {
	var e Envelope
	if err := json.Unmarshal(b, &e); err != nil {
		return Envelope{}, errors.E(errors.Envelope, "malformed instruction object", err)
	}
	return e, nil
}
