// Package config loads the YAML configuration of the coordination core.
//
// A file lists the connection pools in setup order and tunes the
// transaction coordinator, the task dispatcher, the result cache, the
// performance monitor and the journal:
//
//	telemetry:
//	  log_level: info
//	  metrics:
//	    enabled: true
//	    listen_address: ":9090"
//	pools:
//	  - name: kv
//	    backend: key_value
//	    max_size: 8
//	    key_value:
//	      path: data/kv
//	  - name: sql
//	    backend: relational
//	    max_size: 4
//	    relational:
//	      path: data/analytics.db
//	cache:
//	  remote_pool: kv
//	  default_ttl: 1h
//	monitor:
//	  requirements:
//	    dispatch:
//	      max_p95_duration: 250ms
//	      min_success_rate: 0.99
//
// Load rejects unknown keys and returns ValidationErrors listing every
// problem with its path in the file. Watch re-reads the file on change and
// hands each valid config to a callback.
package config
