// Package blockcache defines the data model and collaborator interfaces shared
// by every component of the client-side block cache: the fixed-shape key that
// addresses a block, the value types that flow through staging and caching,
// and the external interfaces (object store, local filesystem, upload
// submission) that the cache is built against but does not implement itself.
package blockcache

import (
	"fmt"
	"strconv"
	"strings"
	"time"
)

// BlockFrom records why a block entered the upload pipeline. It is carried
// end to end from Stage through the uploader and used both for admission
// fairness and for deciding whether a block counts against a wait_flush.
type BlockFrom int

const (
	// NoCtoFlush is an ordinary background write with no synchronous waiter.
	NoCtoFlush BlockFrom = iota
	// CtoFlush is a close-to-open flush: a caller is blocked in wait_flush
	// waiting for this block (and its siblings) to reach the object store.
	CtoFlush
	// Reload marks a block rediscovered by the loader at startup; its
	// original writer is gone.
	Reload
)

func (f BlockFrom) String() string {
	switch f {
	case NoCtoFlush:
		return "no_cto_flush"
	case CtoFlush:
		return "cto_flush"
	case Reload:
		return "reload"
	default:
		return "unknown"
	}
}

// BlockKey identifies a block body. It is immutable and value-compared; two
// keys with equal fields address the same block regardless of instance.
type BlockKey struct {
	FsID    uint32
	Inode   uint64
	ChunkID uint64
	Index   uint64
	Version uint64
}

// Filename renders the on-disk name for both stage/ and cache/ trees:
// "{fs_id}_{inode}_{chunk_id}_{index}_{version}".
func (k BlockKey) Filename() string {
	return fmt.Sprintf("%d_%d_%d_%d_%d", k.FsID, k.Inode, k.ChunkID, k.Index, k.Version)
}

// StoreKey renders the object-store key given a configured prefix:
// "{store_prefix}/{filename}".
func (k BlockKey) StoreKey(storePrefix string) string {
	if storePrefix == "" {
		return k.Filename()
	}
	return strings.TrimSuffix(storePrefix, "/") + "/" + k.Filename()
}

// ParseBlockKey parses a filename produced by Filename back into a BlockKey.
// Names that do not match the five-field, underscore-separated, all-decimal
// grammar are rejected; callers must leave rejected files untouched rather
// than deleting them.
func ParseBlockKey(filename string) (BlockKey, error) {
	parts := strings.Split(filename, "_")
	if len(parts) != 5 {
		return BlockKey{}, fmt.Errorf("blockcache: malformed block filename %q", filename)
	}

	nums := make([]uint64, 5)
	for i, p := range parts {
		if p == "" || (len(p) > 1 && p[0] == '0') {
			return BlockKey{}, fmt.Errorf("blockcache: malformed block filename %q", filename)
		}
		n, err := strconv.ParseUint(p, 10, 64)
		if err != nil {
			return BlockKey{}, fmt.Errorf("blockcache: malformed block filename %q: %w", filename, err)
		}
		nums[i] = n
	}

	return BlockKey{
		FsID:    uint32(nums[0]),
		Inode:   nums[1],
		ChunkID: nums[2],
		Index:   nums[3],
		Version: nums[4],
	}, nil
}

// Lane returns the serialization key within which upload completion order
// must equal Seq order (see StageBlock). This module uses the conservative
// per-inode rule spec.md §4.5 permits in place of the finer
// (inode, chunk_id, index) lane.
func (k BlockKey) Lane() uint64 { return k.Inode }

// Block is an in-memory block body. It has no identity beyond its bytes and
// is not shared across goroutines beyond the single call that consumes it.
type Block struct {
	Data []byte
	Size int64
}

// NewBlock wraps buf as a Block, deriving Size from len(buf).
func NewBlock(buf []byte) Block {
	return Block{Data: buf, Size: int64(len(buf))}
}

// BlockContext is a scheduling hint carried from Stage through the uploader.
type BlockContext struct {
	From BlockFrom
}

// StageBlock is one unit of work in the upload pipeline.
type StageBlock struct {
	// Seq is a monotonically increasing sequence number assigned at
	// enqueue time; it is the sole tie-breaker for ordering within a Lane.
	Seq         uint64
	Key         BlockKey
	StagePath   string
	Ctx         BlockContext
	// SubmittedAt is when Submit enqueued the block, used to derive the
	// upload_latency_seconds metric on completion.
	SubmittedAt time.Time
}

// CacheValue is the LRU payload for one live cache file.
type CacheValue struct {
	Size  int64
	Atime time.Time
}
