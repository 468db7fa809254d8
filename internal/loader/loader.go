// Package loader implements DiskCacheLoader (spec.md §4.4): the one-shot
// startup scan that rediscovers stage/ and cache/ contents left behind by a
// prior process, grounded on disk_cache.cpp's loader concurrently walking
// both trees. DiskCache.Init starts it in the background after the disk is
// already admitted to service.
package loader

import (
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/dingodb/dingofs-blockcache/internal/cachemgr"
	"github.com/dingodb/dingofs-blockcache/internal/layout"
	"github.com/dingodb/dingofs-blockcache/pkg/blockcache"
)

// Loader rescans one disk's stage/ and cache/ trees at startup.
type Loader struct {
	fs      blockcache.LocalFs
	layout  *layout.DiskLayout
	mgr     *cachemgr.Manager
	upload  blockcache.UploadFn
	log     *slog.Logger

	loading atomic.Bool
}

// New creates a Loader for one disk. upload is called once per rediscovered
// stage/ file, with BlockContext.From set to Reload, so it re-enters the
// upload pipeline exactly as a freshly staged block would.
func New(fs blockcache.LocalFs, l *layout.DiskLayout, mgr *cachemgr.Manager, upload blockcache.UploadFn, log *slog.Logger) *Loader {
	if log == nil {
		log = slog.Default()
	}
	return &Loader{fs: fs, layout: l, mgr: mgr, upload: upload, log: log}
}

// IsLoading reports whether a scan is currently in flight. DiskCache.IsCached
// consults this to avoid a false NotFound while the loader hasn't yet
// repopulated the manager for a file that in fact exists on disk.
func (l *Loader) IsLoading() bool { return l.loading.Load() }

// Load runs the stage/ and cache/ scans concurrently and blocks until both
// finish.
func (l *Loader) Load() {
	l.loading.Store(true)
	defer l.loading.Store(false)

	var wg sync.WaitGroup
	wg.Add(2)
	go func() { defer wg.Done(); l.loadStage() }()
	go func() { defer wg.Done(); l.loadCache() }()
	wg.Wait()
}

func (l *Loader) loadStage() {
	names, err := l.fs.ListDir(l.layout.StageDir())
	if err != nil {
		l.log.Error("loader: list stage dir failed", "error", err)
		return
	}

	for _, name := range names {
		key, err := blockcache.ParseBlockKey(name)
		if err != nil {
			l.log.Warn("loader: skipping unparseable stage file", "name", name)
			continue
		}

		path := l.layout.StagePath(name)
		size, err := l.fs.FileSize(path)
		if err != nil {
			l.log.Warn("loader: stat stage file failed", "name", name, "error", err)
			continue
		}
		l.mgr.AddStageBytes(size)

		l.upload(key, path, blockcache.BlockContext{From: blockcache.Reload})
	}
}

func (l *Loader) loadCache() {
	names, err := l.fs.ListDir(l.layout.CacheDir())
	if err != nil {
		l.log.Error("loader: list cache dir failed", "error", err)
		return
	}

	for _, name := range names {
		key, err := blockcache.ParseBlockKey(name)
		if err != nil {
			l.log.Warn("loader: skipping unparseable cache file", "name", name)
			continue
		}

		path := l.layout.CachePath(name)
		size, err := l.fs.FileSize(path)
		if err != nil {
			l.log.Warn("loader: stat cache file failed", "name", name, "error", err)
			continue
		}

		// LocalFs exposes no mtime accessor; a freshly loaded entry starts at
		// the front of the LRU rather than being immediately eviction-eligible.
		l.mgr.Add(key, blockcache.CacheValue{Size: size, Atime: time.Now()})
	}
}
