/*
Package config assembles the configuration of a sync run from several sources.

# Precedence

Sources are applied in order, each overriding the fields it sets:

	┌─────────────────────────────────────────────┐
	│          Command-line flags                 │ ← Highest Priority
	└─────────────────────────────────────────────┘
	                      │
	┌─────────────────────────────────────────────┐
	│        Environment Variables                │
	│           (OBJECTSYNC_*)                    │
	└─────────────────────────────────────────────┘
	                      │
	┌─────────────────────────────────────────────┐
	│         Configuration File (YAML)           │
	└─────────────────────────────────────────────┘
	                      │
	┌─────────────────────────────────────────────┐
	│           Default Values                    │ ← Lowest Priority
	└─────────────────────────────────────────────┘

Environment variables are parsed into an empty overlay and merged onto the
current configuration, so an unset variable never clobbers a file value. The
variable name is OBJECTSYNC_ followed by the section prefix and the field:

	OBJECTSYNC_JOB_SOURCE=s3://photos/2024
	OBJECTSYNC_OPT_SYNC_THREADS=32
	OBJECTSYNC_OPT_RETRY_MAX_DELAY=10s
	OBJECTSYNC_STORE_DRIVER=sqlite3
	OBJECTSYNC_TARGET_S3_REGION=eu-west-1
	OBJECTSYNC_LOG_LEVEL=debug

# File Format

	job:
	  source: /data/archive
	  target: s3://backup/archive
	  filters:
	    - name: compress
	      options: {level: "3"}
	options:
	  sync_threads: 16
	  queue_size: 1000
	  verify: true
	  max_retries: 3
	store:
	  driver: sqlite3
	  dsn: /var/lib/objectsync/progress.db
	target_storage:
	  s3:
	    region: us-west-2
	    enable_cargoship: true
	logging:
	  level: info
	  format: json
	  output: /var/log/objectsync/sync.log
	  max_size_mb: 100
	  max_backups: 5
	  compress: true

# Usage

	cfg, err := config.Load(path)
	if err != nil {
		return err
	}
	if err := cfg.Validate(); err != nil {
		return err
	}

Validate reports every problem as a configuration error, which aborts the
run before any object is touched.
*/
package config
