/*
Package config loads the block cache's configuration: one entry per disk,
plus the upload, health, object-store, and monitoring settings shared
across all of them.

# Sources and precedence

	Environment variables (DINGOFS_BLOCKCACHE_*)   ← highest priority
	YAML file (LoadFromFile)
	Compiled-in defaults (NewDefault)               ← lowest priority

Typical startup sequence:

	cfg := config.NewDefault()
	if err := cfg.LoadFromFile(path); err != nil {
		return err
	}
	if err := cfg.LoadFromEnv(); err != nil {
		return err
	}
	if err := cfg.Validate(); err != nil {
		return err
	}

# Configuration file format

	disks:
	  - root_dir: /var/lib/dingofs/blockcache/disk0
	    disk_capacity_bytes: 107374182400
	    stage_cap_ratio: 0.5
	    sweep_high_water: 0.95
	    sweep_low_water: 0.90
	    sweep_interval_ms: 30000

	upload:
	  upload_workers: 4
	  upload_queue_cap: 256

	health:
	  err_rate_threshold: 0.1
	  probe_fail_threshold: 3
	  probe_ok_threshold: 3

	object_store:
	  bucket: my-bucket
	  region: us-east-1

	monitoring:
	  metrics:
	    enabled: true
	    addr: ":9090"

# Environment variables

	DINGOFS_BLOCKCACHE_LOG_LEVEL
	DINGOFS_BLOCKCACHE_METRICS_PORT
	DINGOFS_BLOCKCACHE_UPLOAD_WORKERS
	DINGOFS_BLOCKCACHE_UPLOAD_QUEUE_CAP
	DINGOFS_BLOCKCACHE_STORE_PREFIX
	DINGOFS_BLOCKCACHE_DROP_PAGE_CACHE

Validate reports configuration mistakes (missing disks, duplicate roots,
non-positive capacities, an inverted sweep watermark pair) before they
surface as confusing errors deep inside the cache.
*/
package config
