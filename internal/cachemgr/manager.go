// Package cachemgr implements DiskCacheManager (spec.md §4.3): the per-disk
// LRU over cache/ entries plus the capacity and expiry sweeps that keep a
// disk within its configured budget. It generalizes the teacher's
// internal/cache.LRUCache (byte-range keyed, container/list based) to a
// BlockKey-keyed LRU whose eviction also deletes the backing file.
package cachemgr

import (
	"container/list"
	"sync"
	"sync/atomic"
	"time"

	"github.com/dingodb/dingofs-blockcache/internal/layout"
	"github.com/dingodb/dingofs-blockcache/internal/metrics"
	"github.com/dingodb/dingofs-blockcache/pkg/blockcache"
	"github.com/dingodb/dingofs-blockcache/pkg/errors"
)

// Config parametrizes one disk's manager.
type Config struct {
	CacheCapBytes int64
	StageCapBytes int64
	ExpireTTL     time.Duration
	HighWater     float64
	LowWater      float64
	SweepInterval time.Duration
}

type entry struct {
	key     blockcache.BlockKey
	value   blockcache.CacheValue
	element *list.Element
}

// Manager owns one disk's LRU and stage-byte counter.
type Manager struct {
	cfg     Config
	fs      blockcache.LocalFs
	layout  *layout.DiskLayout
	disk    string
	metrics *metrics.Collector

	mu        sync.Mutex
	items     map[string]*entry
	evictList *list.List
	cacheUsed int64

	stageUsed atomic.Int64

	stopCh  chan struct{}
	stopped chan struct{}
}

// New creates a Manager for one disk. fs and layout are used only by the
// eviction path, to delete the underlying cache file. disk labels every
// metric this Manager reports through mc; mc may be nil.
func New(cfg Config, fs blockcache.LocalFs, l *layout.DiskLayout, disk string, mc *metrics.Collector) *Manager {
	if cfg.HighWater <= 0 {
		cfg.HighWater = 0.95
	}
	if cfg.LowWater <= 0 {
		cfg.LowWater = 0.90
	}
	return &Manager{
		cfg:       cfg,
		fs:        fs,
		layout:    l,
		disk:      disk,
		metrics:   mc,
		items:     make(map[string]*entry),
		evictList: list.New(),
	}
}

// Start launches the background expiry and capacity sweeps.
func (m *Manager) Start() {
	m.mu.Lock()
	if m.stopCh != nil {
		m.mu.Unlock()
		return
	}
	m.stopCh = make(chan struct{})
	m.stopped = make(chan struct{})
	stopCh := m.stopCh
	stopped := m.stopped
	m.mu.Unlock()

	go m.sweepLoop(stopCh, stopped)
}

// Stop halts the background sweeps and waits for them to exit.
func (m *Manager) Stop() {
	m.mu.Lock()
	stopCh := m.stopCh
	stopped := m.stopped
	m.stopCh = nil
	m.stopped = nil
	m.mu.Unlock()

	if stopCh == nil {
		return
	}
	close(stopCh)
	<-stopped
}

func (m *Manager) sweepLoop(stopCh, stopped chan struct{}) {
	defer close(stopped)

	interval := m.cfg.SweepInterval
	if interval <= 0 {
		interval = 30 * time.Second
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-stopCh:
			return
		case <-ticker.C:
			m.sweepExpired()
			m.sweepCapacity()
		}
	}
}

// Add admits key to the LRU, or refreshes an existing entry's atime and
// moves it to MRU. Idempotent on the key.
func (m *Manager) Add(key blockcache.BlockKey, value blockcache.CacheValue) {
	m.mu.Lock()
	defer m.mu.Unlock()

	name := key.Filename()
	if e, ok := m.items[name]; ok {
		m.cacheUsed += value.Size - e.value.Size
		e.value = value
		m.evictList.MoveToFront(e.element)
		m.metrics.SetCacheBytes(m.disk, m.cacheUsed)
		return
	}

	e := &entry{key: key, value: value}
	e.element = m.evictList.PushFront(e)
	m.items[name] = e
	m.cacheUsed += value.Size
	m.metrics.SetCacheBytes(m.disk, m.cacheUsed)
}

// Get touches key's entry, moving it to MRU, and returns its value.
func (m *Manager) Get(key blockcache.BlockKey) (blockcache.CacheValue, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	e, ok := m.items[key.Filename()]
	if !ok {
		return blockcache.CacheValue{}, errors.New(errors.CodeNotFound, "block not in cache").
			WithComponent("cachemgr").WithOperation("Get")
	}
	e.value.Atime = time.Now()
	m.evictList.MoveToFront(e.element)
	return e.value, nil
}

// Delete removes key from the LRU and deletes its backing cache file.
func (m *Manager) Delete(key blockcache.BlockKey) error {
	m.mu.Lock()
	m.removeLocked(key.Filename())
	m.mu.Unlock()

	if err := m.fs.Unlink(m.layout.CachePath(key.Filename())); err != nil && !errors.IsNotFound(err) {
		return err
	}
	return nil
}

func (m *Manager) removeLocked(name string) {
	e, ok := m.items[name]
	if !ok {
		return
	}
	m.evictList.Remove(e.element)
	delete(m.items, name)
	m.cacheUsed -= e.value.Size
	m.metrics.SetCacheBytes(m.disk, m.cacheUsed)
}

// CacheUsedBytes returns the current sum of tracked CacheValue.Size.
func (m *Manager) CacheUsedBytes() int64 {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.cacheUsed
}

// CacheFull reports whether cache usage has reached the configured cap.
func (m *Manager) CacheFull() bool {
	return m.CacheUsedBytes() >= m.cfg.CacheCapBytes
}

// AddStageBytes and RemoveStageBytes track the stage/ tree's total size,
// maintained separately from the LRU since stage files are not LRU-managed.
func (m *Manager) AddStageBytes(n int64) {
	m.metrics.SetStageBytes(m.disk, m.stageUsed.Add(n))
}
func (m *Manager) RemoveStageBytes(n int64) {
	m.metrics.SetStageBytes(m.disk, m.stageUsed.Add(-n))
}

// StageUsedBytes returns the current tracked stage/ tree size.
func (m *Manager) StageUsedBytes() int64 { return m.stageUsed.Load() }

// StageFull reports whether stage usage has reached the configured cap.
func (m *Manager) StageFull() bool {
	return m.stageUsed.Load() >= m.cfg.StageCapBytes
}

func (m *Manager) sweepExpired() {
	if m.cfg.ExpireTTL <= 0 {
		return
	}
	now := time.Now()

	var toDelete []blockcache.BlockKey
	m.mu.Lock()
	for e := m.evictList.Back(); e != nil; e = e.Prev() {
		it := e.Value.(*entry)
		if now.Sub(it.value.Atime) <= m.cfg.ExpireTTL {
			break
		}
		toDelete = append(toDelete, it.key)
	}
	m.mu.Unlock()

	for _, k := range toDelete {
		if err := m.Delete(k); err == nil {
			m.metrics.RecordEviction("expiry")
		}
	}
}

func (m *Manager) sweepCapacity() {
	if m.cfg.CacheCapBytes <= 0 {
		return
	}
	high := int64(float64(m.cfg.CacheCapBytes) * m.cfg.HighWater)
	low := int64(float64(m.cfg.CacheCapBytes) * m.cfg.LowWater)

	if m.CacheUsedBytes() <= high {
		return
	}

	var toDelete []blockcache.BlockKey
	m.mu.Lock()
	for m.cacheUsed > low && m.evictList.Len() > 0 {
		back := m.evictList.Back()
		it := back.Value.(*entry)
		toDelete = append(toDelete, it.key)
		m.evictList.Remove(back)
		delete(m.items, it.key.Filename())
		m.cacheUsed -= it.value.Size
	}
	m.metrics.SetCacheBytes(m.disk, m.cacheUsed)
	m.mu.Unlock()

	for _, k := range toDelete {
		_ = m.fs.Unlink(m.layout.CachePath(k.Filename()))
		m.metrics.RecordEviction("capacity")
	}
}
