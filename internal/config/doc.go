// Package config handles configuration loading for crewd.
//
// # Overview
//
// Configuration is loaded from YAML files with environment variable expansion.
// The package provides validation and duration parsing.
//
// # Environment Variable Expansion
//
// Configuration values can reference environment variables:
//
//	database:
//	  path: "${CREWD_DB_PATH}"
//
// Syntax: ${VAR_NAME}. Unset variables expand to the empty string.
//
// # Duration Parsing
//
// Duration values use Go's time.ParseDuration syntax:
//
//	steering:
//	  poll_interval: "2s"
//	runs:
//	  heartbeat_interval: "30s"
//
// Supported units: ns, us, ms, s, m, h
//
// # Configuration Sections
//
// Server settings:
//
//	server:
//	  http_addr: "0.0.0.0:8080"   # API, SSE event streams, metrics
//
// Database:
//
//	database:
//	  path: "/var/lib/crewd/crewd.db"
//
// Steering queue (must be a directory shared by all workers):
//
//	steering:
//	  root: "/var/lib/crewd/steering"
//	  poll_interval: "2s"
//
// Worker role:
//
//	worker:
//	  leader: true   # exactly one process; owns adapters and the scheduler
//
// Scheduler:
//
//	scheduler:
//	  enabled: true
//	  poll_interval: "5s"
//
// Logging:
//
//	logging:
//	  level: "info"   # debug, info, warn, error
//	  format: "text"  # text, json
//
// # Usage
//
// Load configuration from a path:
//
//	cfg, err := config.Load("/etc/crewd/config.yaml")
//	if err != nil {
//	    log.Fatal(err)
//	}
package config
