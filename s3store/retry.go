// Copyright 2020 GRAIL, Inc. All rights reserved.
// Use of this source code is governed by the Apache 2.0
// license that can be found in the LICENSE file.

package s3store

import (
	"context"
	"strings"
	"time"

	awsrequest "github.com/aws/aws-sdk-go/aws/request"
	"github.com/grailbio/s3crypt/log"
	"github.com/grailbio/s3crypt/retry"
)

var (
	// BackoffPolicy defines the backoff timing for retried S3
	// requests. It is exposed for unittests.
	BackoffPolicy = retry.Jitter(retry.Backoff(500*time.Millisecond, time.Minute, 1.2), 0.2)

	// MaxRetryDuration bounds the total time one request may spend
	// retrying.
	MaxRetryDuration = 60 * time.Minute
)

// retrier manages the retry loop around a single request.
type retrier struct {
	policy        retry.Policy
	startTime     time.Time
	retryDeadline time.Time
	retries       int
	waitErr       error // error seen while waiting for the next try
}

func newRetrier() retrier {
	now := time.Now()
	return retrier{
		policy:        BackoffPolicy,
		startTime:     now,
		retryDeadline: now.Add(MaxRetryDuration),
	}
}

// shouldRetry reports whether the caller should retry after err. It
// sleeps per the backoff policy before reporting true.
func (r *retrier) shouldRetry(ctx context.Context, err error, message string) bool {
	if err == nil {
		return false
	}
	if !(awsrequest.IsErrorRetryable(err) || awsrequest.IsErrorThrottle(err) || otherRetriableError(err)) {
		return false
	}
	log.Printf("retry %s: %v", message, err)
	ctx2, cancel := context.WithDeadline(ctx, r.retryDeadline)
	r.waitErr = retry.Wait(ctx2, r.policy, r.retries)
	cancel()
	if r.waitErr != nil {
		return false
	}
	r.retries++
	return true
}

// otherRetriableError catches transient failures that the aws-sdk
// retry predicates miss.
func otherRetriableError(err error) bool {
	if aerr, ok := getAWSError(err); ok {
		switch aerr.Code() {
		case awsrequest.ErrCodeSerialization, awsrequest.ErrCodeRead,
			// A "RequestError" wraps whatever kept the request off the
			// wire (dial failures, connection resets); all are safe to
			// retry regardless of the underlying cause.
			"RequestError",
			"SlowDown", "InternalError", "InternalServerError",
			// Sporadic checksum disagreement; retrying has always
			// cleared it.
			"XAmzContentSHA256Mismatch":
			return true
		}
		// Client-side DNS lookup failures show up as a wrapped message
		// rather than a code.
		if strings.HasSuffix(strings.TrimSpace(aerr.Message()), "no such host") {
			return true
		}
	}
	return false
}
