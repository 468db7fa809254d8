package uploader

import (
	"context"
	"reflect"
	"sync"
	"testing"
	"time"

	"github.com/dingodb/dingofs-blockcache/internal/cachemgr"
	"github.com/dingodb/dingofs-blockcache/internal/layout"
	"github.com/dingodb/dingofs-blockcache/pkg/blockcache"
	"github.com/dingodb/dingofs-blockcache/pkg/errors"
)

func TestCanUpload_CtoFlushAlwaysAdmitted(t *testing.T) {
	t.Parallel()

	if !canUpload(blockcache.CtoFlush, 1000, 100) {
		t.Error("CtoFlush should always be admitted regardless of queue fullness")
	}
}

func TestCanUpload_FairnessRule(t *testing.T) {
	t.Parallel()

	if !canUpload(blockcache.NoCtoFlush, 40, 100) {
		t.Error("40/100 (below 50%) should be admitted")
	}
	if canUpload(blockcache.NoCtoFlush, 60, 100) {
		t.Error("60/100 (above 50%) should not be admitted")
	}
	if canUpload(blockcache.NoCtoFlush, 0, 0) != true {
		t.Error("zero-capacity queue is treated as always-admit")
	}
}

// fakeFs backs stage file reads/unlinks with an in-memory map.
type fakeFs struct {
	mu       sync.Mutex
	files    map[string][]byte
	unlinked []string
}

func newFakeFs() *fakeFs { return &fakeFs{files: make(map[string][]byte)} }

func (f *fakeFs) put(path string, data []byte) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.files[path] = data
}
func (f *fakeFs) ReadFile(path string) ([]byte, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	data, ok := f.files[path]
	if !ok {
		return nil, errors.New(errors.CodeNotFound, "no such stage file")
	}
	return data, nil
}
func (f *fakeFs) Unlink(path string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.unlinked = append(f.unlinked, path)
	delete(f.files, path)
	return nil
}
func (f *fakeFs) unlinkedCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.unlinked)
}
func (f *fakeFs) MkdirAll(path string) error                          { return nil }
func (f *fakeFs) WriteFile(path string, buf []byte, direct bool) error { return nil }
func (f *fakeFs) Hardlink(oldPath, newPath string) error              { return nil }
func (f *fakeFs) Exists(path string) bool                             { return false }
func (f *fakeFs) FileSize(path string) (int64, error)                 { return 0, nil }
func (f *fakeFs) Open(path string) (blockcache.BlockReader, error) {
	return nil, errors.New(errors.CodeNotSupported, "unused")
}
func (f *fakeFs) SupportsDirectIO(dir string) bool     { return false }
func (f *fakeFs) ListDir(dir string) ([]string, error) { return nil, nil }

// fakeStore succeeds every PutAsync call on the first attempt.
type fakeStore struct {
	mu   sync.Mutex
	puts []string
}

func (s *fakeStore) Put(ctx context.Context, storeKey string, buf []byte) error { return nil }
func (s *fakeStore) PutAsync(storeKey string, buf []byte, onComplete blockcache.OnComplete) {
	s.mu.Lock()
	s.puts = append(s.puts, storeKey)
	s.mu.Unlock()
	onComplete(0)
}
func (s *fakeStore) RangeGet(ctx context.Context, storeKey string, offset, length int64) ([]byte, error) {
	return nil, errors.New(errors.CodeNotSupported, "unused")
}

// delayFakeStore records the order in which PutAsync calls complete,
// artificially delaying each storeKey by a configured amount so that a
// naive worker pool with no per-lane serialization would tend to complete
// them out of submission order.
type delayFakeStore struct {
	mu     sync.Mutex
	order  []string
	delays map[string]time.Duration
}

func (s *delayFakeStore) Put(ctx context.Context, storeKey string, buf []byte) error { return nil }
func (s *delayFakeStore) PutAsync(storeKey string, buf []byte, onComplete blockcache.OnComplete) {
	go func() {
		time.Sleep(s.delays[storeKey])
		s.mu.Lock()
		s.order = append(s.order, storeKey)
		s.mu.Unlock()
		onComplete(0)
	}()
}
func (s *delayFakeStore) RangeGet(ctx context.Context, storeKey string, offset, length int64) ([]byte, error) {
	return nil, errors.New(errors.CodeNotSupported, "unused")
}

func TestUploader_SubmitAndUpload(t *testing.T) {
	t.Parallel()

	l := layout.New("/data/disk0")
	fs := newFakeFs()
	fs.put(l.StagePath("1_2_3_4_5"), []byte("payload"))

	mgr := cachemgr.New(cachemgr.Config{StageCapBytes: 1000}, fs, l, "disk0", nil)
	mgr.AddStageBytes(7)
	store := &fakeStore{}

	u := New(Config{Workers: 2, QueueCap: 4}, store, fs, mgr, nil, nil)
	u.Start()
	defer u.Stop()

	key := blockcache.BlockKey{FsID: 1, Inode: 2, ChunkID: 3, Index: 4, Version: 5}
	u.Submit(key, l.StagePath("1_2_3_4_5"), blockcache.BlockContext{From: blockcache.NoCtoFlush})

	if err := u.WaitAllUploaded(context.Background()); err != nil {
		t.Fatalf("WaitAllUploaded() error = %v", err)
	}
	if mgr.StageUsedBytes() != 0 {
		t.Errorf("StageUsedBytes() = %d, want 0 after successful upload", mgr.StageUsedBytes())
	}
	if fs.unlinkedCount() != 1 {
		t.Errorf("unlinked count = %d, want 1", fs.unlinkedCount())
	}
}

func TestUploader_WaitFlush_BlocksUntilDecrement(t *testing.T) {
	t.Parallel()

	l := layout.New("/data/disk0")
	fs := newFakeFs()
	fs.put(l.StagePath("1_2_3_4_5"), []byte("x"))
	mgr := cachemgr.New(cachemgr.Config{StageCapBytes: 1000}, fs, l, "disk0", nil)
	store := &fakeStore{}

	u := New(Config{Workers: 1, QueueCap: 4}, store, fs, mgr, nil, nil)
	u.Start()
	defer u.Stop()

	key := blockcache.BlockKey{FsID: 1, Inode: 42, ChunkID: 1, Index: 0, Version: 1}
	u.Submit(key, l.StagePath("1_2_3_4_5"), blockcache.BlockContext{From: blockcache.CtoFlush})

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if err := u.WaitFlush(ctx, key.Inode); err != nil {
		t.Fatalf("WaitFlush() error = %v", err)
	}
}

func TestUploader_WaitFlush_NoPendingWorkReturnsImmediately(t *testing.T) {
	t.Parallel()

	l := layout.New("/data/disk0")
	fs := newFakeFs()
	mgr := cachemgr.New(cachemgr.Config{}, fs, l, "disk0", nil)
	u := New(Config{}, &fakeStore{}, fs, mgr, nil, nil)

	ctx, cancel := context.WithTimeout(context.Background(), 100*time.Millisecond)
	defer cancel()
	if err := u.WaitFlush(ctx, 999); err != nil {
		t.Errorf("WaitFlush() with no pending work should return immediately, got %v", err)
	}
}

// TestUploader_SameLaneCompletesInSeqOrder exercises spec.md §5's ordering
// invariant: within a lane (here, one inode), upload completion order must
// equal seq order. Workers is set well above the number of blocks so that,
// absent per-lane routing, the artificially reversed delays below would let
// a later-submitted block finish first.
func TestUploader_SameLaneCompletesInSeqOrder(t *testing.T) {
	t.Parallel()

	l := layout.New("/data/disk0")
	fs := newFakeFs()
	names := []string{"1_10_1_0_1", "1_10_1_1_1", "1_10_1_2_1"}
	for _, n := range names {
		fs.put(l.StagePath(n), []byte("x"))
	}
	mgr := cachemgr.New(cachemgr.Config{StageCapBytes: 1000}, fs, l, "disk0", nil)

	store := &delayFakeStore{delays: map[string]time.Duration{
		"prefix/" + names[0]: 30 * time.Millisecond,
		"prefix/" + names[1]: 15 * time.Millisecond,
		"prefix/" + names[2]: 0,
	}}

	u := New(Config{Workers: 4, QueueCap: 16, StorePrefix: "prefix"}, store, fs, mgr, nil, nil)
	u.Start()
	defer u.Stop()

	for _, n := range names {
		key, err := blockcache.ParseBlockKey(n)
		if err != nil {
			t.Fatalf("ParseBlockKey(%q) error = %v", n, err)
		}
		u.Submit(key, l.StagePath(n), blockcache.BlockContext{From: blockcache.NoCtoFlush})
	}

	if err := u.WaitAllUploaded(context.Background()); err != nil {
		t.Fatalf("WaitAllUploaded() error = %v", err)
	}

	store.mu.Lock()
	got := append([]string(nil), store.order...)
	store.mu.Unlock()

	want := []string{"prefix/" + names[0], "prefix/" + names[1], "prefix/" + names[2]}
	if !reflect.DeepEqual(got, want) {
		t.Errorf("completion order = %v, want %v (same-lane blocks must complete in seq order)", got, want)
	}
}

func TestUploader_WaitFlush_ReturnsErrorWhenABlockFailedToUpload(t *testing.T) {
	t.Parallel()

	l := layout.New("/data/disk0")
	fs := newFakeFs()
	k1 := blockcache.BlockKey{FsID: 1, Inode: 5, ChunkID: 1, Index: 0, Version: 1}
	k2 := blockcache.BlockKey{FsID: 1, Inode: 5, ChunkID: 1, Index: 1, Version: 1}
	// k1's stage file is deliberately never written, so its read fails.
	fs.put(l.StagePath(k2.Filename()), []byte("ok"))
	mgr := cachemgr.New(cachemgr.Config{StageCapBytes: 1000}, fs, l, "disk0", nil)
	store := &fakeStore{}

	u := New(Config{Workers: 2, QueueCap: 4}, store, fs, mgr, nil, nil)
	u.Start()
	defer u.Stop()

	u.Submit(k1, l.StagePath(k1.Filename()), blockcache.BlockContext{From: blockcache.CtoFlush})
	u.Submit(k2, l.StagePath(k2.Filename()), blockcache.BlockContext{From: blockcache.CtoFlush})

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	err := u.WaitFlush(ctx, 5)
	if err == nil {
		t.Fatal("WaitFlush() should return an error when a contributing block failed to upload")
	}
	if !errors.IsCode(err, errors.CodeIO) {
		t.Errorf("expected CodeIO, got %v", err)
	}
}

func TestUploader_StopWithoutWorkDoesNotDeadlock(t *testing.T) {
	t.Parallel()

	l := layout.New("/data/disk0")
	fs := newFakeFs()
	mgr := cachemgr.New(cachemgr.Config{}, fs, l, "disk0", nil)
	u := New(Config{Workers: 1}, &fakeStore{}, fs, mgr, nil, nil)
	u.Start()
	u.Stop() // should not deadlock even with no work submitted
}
