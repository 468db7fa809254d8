package blockcache

import "context"

// RetryDecision is returned by an ObjectStore PutAsync completion callback to
// tell the adapter whether to attempt the PUT again. It exists so retry
// policy stays inside the ObjectStore implementation: this module only ever
// says "retry" or "done", never how long to wait.
type RetryDecision int

const (
	// Done means the attempt is final and the adapter stops retrying. This
	// module's uploader returns it only after a successful attempt.
	Done RetryDecision = iota
	// Retry means the adapter should attempt the PUT again per its own
	// backoff policy.
	Retry
)

// OnComplete is invoked by ObjectStore.PutAsync after each attempt. code is 0
// on success and implementation-defined otherwise. Returning Retry instructs
// the adapter to try again; the adapter — not this module — owns the backoff
// schedule and, per spec, will keep retrying indefinitely unless Done is
// returned.
type OnComplete func(code int) RetryDecision

// ObjectStore is the remote object-store capability this module is built
// against. It is a collaborator, not implemented by this module's core; a
// concrete adapter lives in internal/objectstore/s3.
type ObjectStore interface {
	// Put is a synchronous PUT of buf under storeKey.
	Put(ctx context.Context, storeKey string, buf []byte) error
	// PutAsync submits buf for upload under storeKey; onComplete is invoked
	// after every attempt (including retries) until it returns Done.
	// PutAsync itself never blocks on the network.
	PutAsync(storeKey string, buf []byte, onComplete OnComplete)
	// RangeGet reads [offset, offset+len) of storeKey. Used by cache-miss
	// read paths outside this core.
	RangeGet(ctx context.Context, storeKey string, offset, length int64) ([]byte, error)
}

// LocalFs is the on-host filesystem capability this module is built against.
type LocalFs interface {
	MkdirAll(path string) error
	ReadFile(path string) ([]byte, error)
	// WriteFile writes buf to path, replacing any existing content. If
	// direct is true and the underlying filesystem supports it, the write
	// uses O_DIRECT.
	WriteFile(path string, buf []byte, direct bool) error
	Hardlink(oldPath, newPath string) error
	Unlink(path string) error
	Exists(path string) bool
	FileSize(path string) (int64, error)
	// Open returns a BlockReader positioned at the start of path.
	Open(path string) (BlockReader, error)
	// SupportsDirectIO probes whether O_DIRECT works on the filesystem
	// backing dir, by creating, closing, and unlinking a throwaway file.
	SupportsDirectIO(dir string) bool
	// ListDir returns the base names of dir's regular-file entries. It does
	// not recurse; stage/ and cache/ are flat.
	ListDir(dir string) ([]string, error)
}

// BlockReader is a read handle over a cached block file.
type BlockReader interface {
	ReadAt(offset int64, length int) ([]byte, error)
	Close() error
}

// UploadFn is injected into each disk cache by its owning store. Calling it
// is purely a submission into the uploader's pending queue; it never blocks
// on the network.
type UploadFn func(key BlockKey, stagePath string, ctx BlockContext)
