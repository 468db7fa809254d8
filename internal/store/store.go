// Package store implements CacheStore (spec.md §4.1): the facade that owns
// every configured disk and routes each key to one of them by a stable hash,
// falling back to the next candidate when a disk is down and surfacing
// CacheDown only once every disk has been tried.
package store

import (
	"context"
	"hash/fnv"
	"log/slog"
	"time"

	"github.com/dingodb/dingofs-blockcache/internal/cachemgr"
	"github.com/dingodb/dingofs-blockcache/internal/config"
	"github.com/dingodb/dingofs-blockcache/internal/diskcache"
	"github.com/dingodb/dingofs-blockcache/internal/layout"
	"github.com/dingodb/dingofs-blockcache/internal/metrics"
	"github.com/dingodb/dingofs-blockcache/internal/uploader"
	"github.com/dingodb/dingofs-blockcache/pkg/blockcache"
	"github.com/dingodb/dingofs-blockcache/pkg/errors"
)

type disk struct {
	cache    *diskcache.DiskCache
	uploader *uploader.Uploader
	mgr      *cachemgr.Manager
}

// CacheStore is the single entry point the rest of the client uses: it never
// exposes individual disks.
type CacheStore struct {
	cfg     *config.Configuration
	fs      blockcache.LocalFs
	store   blockcache.ObjectStore
	log     *slog.Logger
	metrics *metrics.Collector

	disks []*disk
}

// New constructs a CacheStore. Call Init before using it. mc may be nil, in
// which case every disk's metrics recorders are no-ops.
func New(cfg *config.Configuration, fs blockcache.LocalFs, objStore blockcache.ObjectStore, mc *metrics.Collector, log *slog.Logger) *CacheStore {
	if log == nil {
		log = slog.Default()
	}
	return &CacheStore{cfg: cfg, fs: fs, store: objStore, metrics: mc, log: log}
}

// Init builds and starts every configured disk concurrently.
func (s *CacheStore) Init() error {
	s.disks = make([]*disk, len(s.cfg.Disks))

	type result struct {
		idx int
		err error
	}
	results := make(chan result, len(s.cfg.Disks))

	for i, dc := range s.cfg.Disks {
		go func(i int, dc config.DiskConfig) {
			mgrCfg := cachemgr.Config{
				CacheCapBytes: dc.CacheCapBytes(),
				StageCapBytes: dc.StageCapBytes(),
				ExpireTTL:     time.Duration(dc.CacheExpireSecs) * time.Second,
				HighWater:     dc.SweepHighWater,
				LowWater:      dc.SweepLowWater,
				SweepInterval: time.Duration(dc.SweepIntervalMs) * time.Millisecond,
			}

			var d disk
			d.mgr = cachemgr.New(mgrCfg, s.fs, layout.New(dc.RootDir), dc.RootDir, s.metrics)
			d.uploader = uploader.New(uploader.Config{
				Workers:       s.cfg.Upload.UploadWorkers,
				QueueCap:      s.cfg.Upload.UploadQueueCap,
				StorePrefix:   s.cfg.ObjectStore.StorePrefix,
				DropPageCache: dc.DropPageCache,
			}, s.store, s.fs, d.mgr, s.metrics, s.log)
			d.cache = diskcache.New(dc, s.cfg.Health, s.fs, d.mgr, d.uploader.Submit, s.metrics, s.log)

			s.disks[i] = &d

			d.uploader.Start()
			results <- result{i, d.cache.Init()}
		}(i, dc)
	}

	var firstErr error
	for range s.cfg.Disks {
		r := <-results
		if r.err != nil && firstErr == nil {
			firstErr = r.err
		}
	}
	return firstErr
}

// Shutdown stops every disk's uploader and background sweeps.
func (s *CacheStore) Shutdown() {
	for _, d := range s.disks {
		if d == nil {
			continue
		}
		d.uploader.Stop()
		d.cache.Shutdown()
	}
}

func (s *CacheStore) pickOrder(key blockcache.BlockKey) []int {
	n := len(s.disks)
	order := make([]int, n)
	h := fnv.New64a()
	_, _ = h.Write([]byte(key.Filename()))
	start := int(h.Sum64() % uint64(n))
	for i := 0; i < n; i++ {
		order[i] = (start + i) % n
	}
	return order
}

// Stage writes a block to the disk key hashes to, or the next disk if that
// one is down or unhealthy. Any other error, including CacheFull, is returned
// without trying another disk.
func (s *CacheStore) Stage(key blockcache.BlockKey, buf []byte, ctx blockcache.BlockContext) error {
	var lastErr error
	for _, i := range s.pickOrder(key) {
		err := s.disks[i].cache.Stage(key, buf, ctx)
		if err == nil {
			return nil
		}
		lastErr = err
		if !isDiskDown(err) {
			return err
		}
	}
	return orCacheDown(lastErr)
}

// RemoveStage releases key's stage/ file, trying disks in hash order and
// stopping at the first one that returns nil. DiskCache.RemoveStage returns
// nil for a missing file, so a stage file held by a later disk is not
// removed unless every earlier disk returns an error.
func (s *CacheStore) RemoveStage(key blockcache.BlockKey) error {
	var lastErr error
	for _, i := range s.pickOrder(key) {
		if err := s.disks[i].cache.RemoveStage(key); err == nil {
			return nil
		} else if !errors.IsNotFound(err) {
			lastErr = err
		}
	}
	return lastErr
}

// Cache admits a block fetched from the object store into the cache/ tree.
func (s *CacheStore) Cache(key blockcache.BlockKey, buf []byte) error {
	var lastErr error
	for _, i := range s.pickOrder(key) {
		err := s.disks[i].cache.Cache(key, buf)
		if err == nil {
			return nil
		}
		lastErr = err
		if !isDiskDown(err) {
			return err
		}
	}
	return orCacheDown(lastErr)
}

// Load opens key's cache/ file on whichever candidate disk holds it, trying
// candidates in hash order. The returned BlockReader supports ReadAt so a
// caller can read_at(offset, len) without slurping the whole block.
func (s *CacheStore) Load(ctx context.Context, key blockcache.BlockKey) (blockcache.BlockReader, error) {
	var lastErr error
	for _, i := range s.pickOrder(key) {
		r, err := s.disks[i].cache.Load(ctx, key)
		if err == nil {
			return r, nil
		}
		lastErr = err
		if !isDiskDown(err) {
			return nil, err
		}
	}
	return nil, orCacheDown(lastErr)
}

// IsCached reports whether key is cached on any disk.
func (s *CacheStore) IsCached(key blockcache.BlockKey) bool {
	for _, i := range s.pickOrder(key) {
		if s.disks[i].cache.IsCached(key) {
			return true
		}
	}
	return false
}

// WaitFlush blocks until every CtoFlush block for inode has been uploaded,
// across every disk (a given inode's blocks may have landed on more than one
// disk over time).
func (s *CacheStore) WaitFlush(ctx context.Context, inode uint64) error {
	for _, d := range s.disks {
		if err := d.uploader.WaitFlush(ctx, inode); err != nil {
			return err
		}
	}
	return nil
}

func isDiskDown(err error) bool {
	return errors.IsCode(err, errors.CodeCacheUnhealthy) || errors.IsCode(err, errors.CodeCacheDown)
}

func orCacheDown(lastErr error) error {
	if lastErr == nil {
		return errors.New(errors.CodeCacheDown, "no configured disk accepted the request").
			WithComponent("store")
	}
	if isDiskDown(lastErr) {
		return errors.New(errors.CodeCacheDown, "all configured disks are down or unhealthy").
			WithComponent("store").WithCause(lastErr)
	}
	return lastErr
}
