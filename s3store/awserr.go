// Copyright 2020 GRAIL, Inc. All rights reserved.
// Use of this source code is governed by the Apache 2.0
// license that can be found in the LICENSE file.

package s3store

import (
	"fmt"
	"time"

	"github.com/aws/aws-sdk-go/aws/awserr"
	awsrequest "github.com/aws/aws-sdk-go/aws/request"
	"github.com/aws/aws-sdk-go/service/s3"
	"github.com/grailbio/s3crypt/errors"
)

// annotate interprets err as an AWS request error and returns a
// version of it wrapped with a kind from the errors package. The
// optional args are passed through to errors.E.
func annotate(err error, ids s3RequestIDs, r *retrier, args ...interface{}) error {
	e := func(prefixArgs ...interface{}) error {
		msgs := append(prefixArgs, args...)
		msgs = append(msgs, fmt.Sprintf("awsrequestID: %v", ids))
		if r.retries > 0 {
			msgs = append(msgs, fmt.Sprintf("[retried %d times over %v]", r.retries, time.Since(r.startTime)))
		}
		if r.waitErr != nil {
			msgs = append(msgs, fmt.Sprintf("[retry wait: %v]", r.waitErr))
		}
		return errors.E(msgs...)
	}
	aerr, ok := getAWSError(err)
	if !ok {
		return e(err)
	}
	if awsrequest.IsErrorThrottle(err) {
		return e(err, errors.Temporary, errors.Unavailable)
	}
	if awsrequest.IsErrorRetryable(err) {
		return e(err, errors.Temporary)
	}
	switch aerr.Code() {
	// Code "NotFound" is not documented, but it's what the API
	// actually returns for missing keys in some code paths.
	case s3.ErrCodeNoSuchBucket, s3.ErrCodeNoSuchKey, "NotFound",
		s3.ErrCodeNoSuchUpload:
		return e(err, errors.NotExist)
	case "AccessDenied":
		return e(err, errors.NotAllowed)
	case "InvalidRequest", "InvalidArgument", "EntityTooSmall",
		"EntityTooLarge", "KeyTooLong", "MethodNotAllowed":
		return e(err, errors.Invalid)
	case "ExpiredToken", "AccountProblem", "ServiceUnavailable",
		"TokenRefreshRequired", "OperationAborted":
		return e(err, errors.Unavailable)
	case "PreconditionFailed":
		return e(err, errors.Precondition)
	case "SlowDown":
		return e(err, errors.Temporary, errors.Unavailable)
	}
	return e(err)
}

// getAWSError digs an awserr.Error out of a (possibly wrapped) error
// chain.
func getAWSError(err error) (awsError awserr.Error, found bool) {
	errors.Visit(err, func(err error) {
		if err == nil || awsError != nil {
			return
		}
		if e, ok := err.(awserr.Error); ok {
			found = true
			awsError = e
		}
	})
	return
}

// s3RequestIDs records the AWS request IDs of a response so that
// errors can name them. AWS support asks for these when
// troubleshooting.
type s3RequestIDs struct {
	amzRequestID string
	amzID2       string
}

func (ids s3RequestIDs) String() string {
	return fmt.Sprintf("x-amz-request-id: %s, x-amz-id-2: %s", ids.amzRequestID, ids.amzID2)
}

func withGetResponseHeaderWithNilCheck(key string, val *string) awsrequest.Option {
	return func(r *awsrequest.Request) {
		r.Handlers.Complete.PushBack(func(req *awsrequest.Request) {
			// req.HTTPResponse can be nil when the request never made
			// it onto the wire.
			if req.HTTPResponse != nil {
				*val = req.HTTPResponse.Header.Get(key)
			}
		})
	}
}

func (ids *s3RequestIDs) captureOption() awsrequest.Option {
	h := withGetResponseHeaderWithNilCheck
	return func(r *awsrequest.Request) {
		h("x-amz-request-id", &ids.amzRequestID)(r)
		h("x-amz-id-2", &ids.amzID2)(r)
	}
}
