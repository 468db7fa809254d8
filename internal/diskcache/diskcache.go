// Package diskcache implements DiskCache (spec.md §4.2): the per-disk
// lifecycle, directory layout, admission gate, and stage/cache coupling that
// CacheStore fans requests out to. Grounded on disk_cache.cpp's DiskCache,
// generalized from its C++ shape into the collaborator interfaces defined in
// pkg/blockcache.
package diskcache

import (
	"context"
	"log/slog"
	"strings"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"github.com/dingodb/dingofs-blockcache/internal/cachemgr"
	"github.com/dingodb/dingofs-blockcache/internal/config"
	"github.com/dingodb/dingofs-blockcache/internal/diskhealth"
	"github.com/dingodb/dingofs-blockcache/internal/layout"
	"github.com/dingodb/dingofs-blockcache/internal/loader"
	"github.com/dingodb/dingofs-blockcache/internal/metrics"
	"github.com/dingodb/dingofs-blockcache/pkg/blockcache"
	"github.com/dingodb/dingofs-blockcache/pkg/errors"
)

// Want bits compose the admission check a caller performs before an
// operation touches the disk.
const (
	WantExec  = 1 << iota // base health gate; implied by every other bit
	WantStage             // additionally require stage/ capacity headroom
	WantCache             // additionally require cache/ capacity headroom
)

// DiskCache owns one configured disk: its directory tree, identity, health
// machine, capacity manager, and startup loader.
type DiskCache struct {
	cfg     config.DiskConfig
	layout  *layout.DiskLayout
	fs      blockcache.LocalFs
	metrics *metrics.Collector
	log     *slog.Logger

	health *diskhealth.Health
	mgr    *cachemgr.Manager
	load   *loader.Loader

	uploadFn blockcache.UploadFn
	directIO bool
	lockID   string
	running  atomic.Bool
}

// New constructs a DiskCache over an externally owned Manager, so the same
// Manager instance can be shared with the disk's Uploader for stage-byte
// accounting. uploadFn is the disk's uploader submission entry point; it is
// threaded through to both live Stage calls and the startup loader's
// rediscovered stage/ files. mc may be nil.
func New(cfg config.DiskConfig, health config.HealthConfig, fs blockcache.LocalFs, mgr *cachemgr.Manager, uploadFn blockcache.UploadFn, mc *metrics.Collector, log *slog.Logger) *DiskCache {
	if log == nil {
		log = slog.Default()
	}
	l := layout.New(cfg.RootDir)

	healthCfg := diskhealth.Config{
		SampleWindow:       time.Duration(health.SampleWindowSecs) * time.Second,
		ErrRateThreshold:   health.ErrRateThreshold,
		ProbeInterval:      time.Duration(health.ProbeIntervalMs) * time.Millisecond,
		ProbeFailThreshold: health.ProbeFailThreshold,
		ProbeOkThreshold:   health.ProbeOkThreshold,
		RecoverWindow:      time.Duration(health.RecoverWindowSecs) * time.Second,
	}
	h := diskhealth.New(healthCfg, fs, l.ProbeDir())
	h.OnChange(func(st diskhealth.State) { mc.SetDiskHealth(cfg.RootDir, int(st)) })

	ld := loader.New(fs, l, mgr, uploadFn, log)

	return &DiskCache{
		cfg:      cfg,
		layout:   l,
		fs:       fs,
		metrics:  mc,
		log:      log,
		health:   h,
		mgr:      mgr,
		load:     ld,
		uploadFn: uploadFn,
	}
}

// Init creates the directory tree, establishes the disk's identity, probes
// O_DIRECT support, and launches the startup rescan in the background before
// admitting the disk to service. It must complete before any Stage/Cache/Load
// call, but does not itself wait for the rescan to finish.
func (d *DiskCache) Init() error {
	if err := d.createDirs(); err != nil {
		return err
	}
	if err := d.loadLockFile(); err != nil {
		return err
	}
	d.directIO = d.fs.SupportsDirectIO(d.layout.RootDir())

	d.health.Start()
	d.mgr.Start()
	d.running.Store(true)

	// The startup rescan runs in the background, matching disk_cache.cpp:
	// the disk is admitted to service immediately, and IsCached falls back to
	// a direct existence check for anything the rescan hasn't reached yet.
	go d.load.Load()

	return nil
}

// Shutdown marks the disk not running and stops the health prober and
// capacity sweeps. It does not touch on-disk state; a subsequent Init on the
// same root resumes from the loader.
func (d *DiskCache) Shutdown() {
	d.running.Store(false)
	d.health.Stop()
	d.mgr.Stop()
}

func (d *DiskCache) createDirs() error {
	for _, dir := range d.layout.Dirs() {
		if err := d.fs.MkdirAll(dir); err != nil {
			return err
		}
	}
	return nil
}

// loadLockFile reads the disk's persisted identity, generating and writing
// one on first use. The id itself is not consumed by any operation here; it
// exists so a future clustered deployment can tell disks apart.
func (d *DiskCache) loadLockFile() error {
	path := d.layout.LockPath()
	if d.fs.Exists(path) {
		data, err := d.fs.ReadFile(path)
		if err != nil {
			return err
		}
		d.lockID = strings.TrimSpace(string(data))
		return nil
	}

	d.lockID = uuid.NewString()
	return d.fs.WriteFile(path, []byte(d.lockID), false)
}

// LockID returns the disk's persisted identity.
func (d *DiskCache) LockID() string { return d.lockID }

// Check performs the admission gate for want, a bitwise-or of Want*
// constants. RemoveStage deliberately does not call Check: a disk that has
// gone Unstable or Bad must still be able to free stage/ space.
func (d *DiskCache) Check(want int) error {
	if !d.running.Load() {
		return errors.New(errors.CodeCacheDown, "disk is not running").
			WithComponent("diskcache").WithOperation("Check").WithContext("root_dir", d.cfg.RootDir)
	}
	if st := d.health.State(); st != diskhealth.Normal {
		return diskhealth.AsErrorCode(st).WithComponent("diskcache").WithOperation("Check")
	}
	if want&WantStage != 0 && d.mgr.StageFull() {
		return errors.New(errors.CodeCacheFull, "stage capacity exceeded").
			WithComponent("diskcache").WithOperation("Check").WithContext("root_dir", d.cfg.RootDir)
	}
	if want&WantCache != 0 && d.mgr.CacheFull() {
		return errors.New(errors.CodeCacheFull, "cache capacity exceeded").
			WithComponent("diskcache").WithOperation("Check").WithContext("root_dir", d.cfg.RootDir)
	}
	return nil
}

// Stage durably writes buf to stage/, opportunistically hardlinks it into
// cache/ so concurrent reads can hit immediately, and submits it to the
// uploader.
func (d *DiskCache) Stage(key blockcache.BlockKey, buf []byte, ctx blockcache.BlockContext) error {
	if err := d.Check(WantExec | WantStage); err != nil {
		return err
	}

	path := d.layout.StagePath(key.Filename())
	if err := d.fs.WriteFile(path, buf, d.directIO); err != nil {
		d.health.RecordSample(false)
		return err
	}
	d.health.RecordSample(true)
	d.mgr.AddStageBytes(int64(len(buf)))

	cachePath := d.layout.CachePath(key.Filename())
	if err := d.fs.Hardlink(path, cachePath); err != nil {
		d.log.Warn("diskcache: hardlink stage into cache failed", "key", key.Filename(), "error", err)
	} else {
		d.mgr.Add(key, blockcache.CacheValue{Size: int64(len(buf)), Atime: time.Now()})
	}

	d.uploadFn(key, path, ctx)
	return nil
}

// RemoveStage deletes key's stage/ file without going through Check, so a
// caller can always release its own staged writes regardless of disk health.
func (d *DiskCache) RemoveStage(key blockcache.BlockKey) error {
	path := d.layout.StagePath(key.Filename())

	size, statErr := d.fs.FileSize(path)

	if err := d.fs.Unlink(path); err != nil {
		if errors.IsNotFound(err) {
			return nil
		}
		return err
	}
	if statErr == nil {
		d.mgr.RemoveStageBytes(size)
	}
	return nil
}

// Cache admits buf directly into cache/, bypassing stage/ entirely. Used for
// blocks fetched from the object store on a read miss.
func (d *DiskCache) Cache(key blockcache.BlockKey, buf []byte) error {
	if err := d.Check(WantExec | WantCache); err != nil {
		return err
	}

	path := d.layout.CachePath(key.Filename())
	if err := d.fs.WriteFile(path, buf, d.directIO); err != nil {
		d.health.RecordSample(false)
		return err
	}
	d.health.RecordSample(true)
	d.mgr.Add(key, blockcache.CacheValue{Size: int64(len(buf)), Atime: time.Now()})
	return nil
}

// Load opens key's cache/ file and returns a handle supporting read_at,
// rather than slurping the whole block, matching spec.md §4.1's
// load(key).read_at(offset, len) shape. A NotFound result triggers lazy
// cleanup of any stale manager entry, matching Load's behavior in
// disk_cache.cpp.
func (d *DiskCache) Load(_ context.Context, key blockcache.BlockKey) (blockcache.BlockReader, error) {
	if err := d.Check(WantExec); err != nil {
		return nil, err
	}

	path := d.layout.CachePath(key.Filename())
	r, err := d.fs.Open(path)
	if err != nil {
		if errors.IsNotFound(err) {
			d.metrics.RecordCacheMiss()
			_ = d.mgr.Delete(key)
			return nil, err
		}
		d.health.RecordSample(false)
		return nil, err
	}
	d.health.RecordSample(true)
	d.metrics.RecordCacheHit()
	_, _ = d.mgr.Get(key)
	return r, nil
}

// IsCached reports whether key has a live cache/ entry. While the startup
// loader is still scanning, the manager may not yet know about a file that
// genuinely exists, so IsCached falls back to a direct existence check.
func (d *DiskCache) IsCached(key blockcache.BlockKey) bool {
	if _, err := d.mgr.Get(key); err == nil {
		return true
	}
	if d.load.IsLoading() {
		return d.fs.Exists(d.layout.CachePath(key.Filename()))
	}
	return false
}

// IsHealthy reports whether the disk is currently admitting new work.
func (d *DiskCache) IsHealthy() bool { return d.health.IsHealthy() }

// RecordProbeSample lets external I/O outside Stage/Cache/Load (such as a
// caller-side read-through) contribute to this disk's error-rate window.
func (d *DiskCache) RecordProbeSample(ok bool) { d.health.RecordSample(ok) }
