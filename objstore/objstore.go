// Package objstore fronts the binary object store that holds card images.
//
// Gateways never return errors to their callers.  Failures are logged and
// reported as false or nil, and a missing object looks the same as a failed
// read.  Retrying is left to the caller.
package objstore

import (
	"context"
	"io"

	"golang.org/x/sync/errgroup"
	"golang.org/x/sync/semaphore"
)

// Object is an open read stream for a stored blob.  The caller must close
// Body.
type Object struct {
	Body          io.ReadCloser
	ContentType   string
	ContentLength int64
}

// Gateway is implemented by every object store backend.  Implementations are
// safe for concurrent use.
type Gateway interface {
	// Put stores data under key, replacing any existing object.
	Put(ctx context.Context, key string, data []byte, contentType string) bool

	// GetStream opens the object stored under key.  It returns nil if the
	// object does not exist or could not be opened.
	GetStream(ctx context.Context, key string) *Object

	// DeleteMany removes every key.  Keys that do not exist count as deleted.
	DeleteMany(ctx context.Context, keys []string) bool
}

// deleteConcurrency bounds the number of in-flight deletes in DeleteMany.
const deleteConcurrency = 16

// deleteEach runs del for every key with bounded concurrency and reports
// whether all of them succeeded.  One failure does not stop the others.
func deleteEach(ctx context.Context, keys []string, del func(context.Context, string) bool) bool {
	var eg errgroup.Group
	sem := semaphore.NewWeighted(deleteConcurrency)

	results := make([]bool, len(keys))
	for i, key := range keys {
		i, key := i, key

		if err := sem.Acquire(ctx, 1); err != nil {
			break
		}

		eg.Go(func() error {
			defer sem.Release(1)
			results[i] = del(ctx, key)
			return nil
		})
	}
	eg.Wait()

	for _, ok := range results {
		if !ok {
			return false
		}
	}
	return true
}
