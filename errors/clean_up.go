package errors

import (
	"fmt"
)

// CleanUp is defer-able syntactic sugar that calls f and reports an error, if any,
// to *err. Pass the caller's named return error. Example usage:
//
//	func readObject(ctx context.Context, key string) (_ []byte, err error) {
//	  body, err := store.Get(ctx, key)
//	  if err != nil { ... }
//	  defer errors.CleanUp(body.Close, &err)
//	  ...
//	}
//
// If the caller returns with its own error, any error from cleanUp will be chained.
func CleanUp(cleanUp func() error, dst *error) {
	if err2 := cleanUp(); err2 != nil {
		if *dst == nil {
			*dst = err2
			return
		}
		// We don't chain err2 as *dst's cause because *dst may already have
		// a meaningful cause, and err2 may be something entirely different.
		*dst = E(*dst, fmt.Sprintf("second error in Close: %v", err2))
	}
}
