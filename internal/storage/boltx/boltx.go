// Package boltx holds small helpers shared by the bbolt-backed stores.
package boltx

import (
	"context"
	"errors"
	"os"
	"time"

	"go.etcd.io/bbolt"
)

// Open creates and opens a database at the given path.
//
// If mode is zero, 0600 is used. If ctx has a deadline sooner than the file
// lock timeout in opts, the context deadline is used instead.
func Open(ctx context.Context, path string, mode os.FileMode, opts *bbolt.Options) (*bbolt.DB, error) {
	if mode == 0 {
		mode = 0600
	}
	if ctx.Err() != nil {
		// A non-positive timeout in bbolt.Options means "wait forever".
		return nil, ctx.Err()
	}

	if deadline, ok := ctx.Deadline(); ok {
		timeout := time.Until(deadline)
		if timeout <= 0 {
			return nil, context.DeadlineExceeded
		}
		if opts == nil {
			clone := *bbolt.DefaultOptions
			opts = &clone
			opts.Timeout = timeout
		} else if opts.Timeout == 0 || opts.Timeout > timeout {
			clone := *opts
			opts = &clone
			opts.Timeout = timeout
		}
	}

	db, err := bbolt.Open(path, mode, opts)
	if errors.Is(err, bbolt.ErrTimeout) {
		err = context.DeadlineExceeded
	}
	return db, err
}

// BucketParent is implemented by *bbolt.Tx and *bbolt.Bucket.
type BucketParent interface {
	Bucket(name []byte) *bbolt.Bucket
	CreateBucketIfNotExists(name []byte) (*bbolt.Bucket, error)
}

// PanicSentinel wraps errors raised by the Must helpers.
type PanicSentinel struct {
	Cause error
}

// Recover converts a panic raised by a Must helper back into an error. It is
// intended to be used in a defer statement.
func Recover(err *error) {
	if err == nil {
		panic("err must be a non-nil pointer")
	}
	switch v := recover().(type) {
	case PanicSentinel:
		*err = v.Cause
	case nil:
		return
	default:
		panic(v)
	}
}

// Must panics with a PanicSentinel if err is non-nil.
func Must(err error) {
	if err != nil {
		panic(PanicSentinel{err})
	}
}

// MustCreateBucketIfNotExists creates nested buckets named by path.
func MustCreateBucketIfNotExists(p BucketParent, path ...[]byte) *bbolt.Bucket {
	if len(path) == 0 {
		panic("at least one path element must be provided")
	}
	var b *bbolt.Bucket
	for _, n := range path {
		var err error
		b, err = p.CreateBucketIfNotExists(n)
		Must(err)
		p = b
	}
	return b
}

// Bucket gets nested buckets named by path. It returns nil if any of them does
// not exist.
func Bucket(p BucketParent, path ...[]byte) (b *bbolt.Bucket) {
	if len(path) == 0 {
		panic("at least one path element must be provided")
	}
	for _, n := range path {
		b = p.Bucket(n)
		if b == nil {
			return nil
		}
		p = b
	}
	return b
}

// MustPut writes a value to a bucket.
func MustPut(b *bbolt.Bucket, k, v []byte) {
	Must(b.Put(k, v))
}
