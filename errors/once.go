// Copyright 2020 GRAIL, Inc. All rights reserved.
// Use of this source code is governed by the Apache 2.0
// license that can be found in the LICENSE file.

package errors

import "sync"

// Once captures the first error of a multi-step operation, such as a
// multipart upload, where later steps must keep reporting the failure
// that sank the whole thing. It is safe for concurrent use. A zero
// Once is ready to use.
type Once struct {
	mu  sync.Mutex
	err error
}

// Err returns the first non-nil error passed to Set, or nil if none
// has been recorded.
func (o *Once) Err() error {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.err
}

// Set records err. Only the first non-nil error is kept; setting nil
// or setting after a recorded error is a no-op.
func (o *Once) Set(err error) {
	if err == nil {
		return
	}
	o.mu.Lock()
	if o.err == nil {
		o.err = err
	}
	o.mu.Unlock()
}
