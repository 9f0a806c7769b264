// Package config handles configuration loading for botfleet.
//
// # Overview
//
// Configuration is loaded from YAML or TOML files with environment variable
// expansion. The format is chosen by file extension: .toml is decoded as
// TOML, anything else as YAML.
//
// # Configuration File
//
// Default location (see DefaultPath):
//
//  1. Path from BOTFLEET_CONFIG environment variable
//  2. $XDG_CONFIG_HOME/botfleet/config.yaml
//  3. ~/.config/botfleet/config.yaml
//
// BOTFLEET_DB_PATH, when set, overrides database.path.
//
// # Environment Variable Expansion
//
//	session:
//	  bridge_url: "${BOTFLEET_BRIDGE_URL}"
//
// Syntax: ${VAR_NAME}. Unset variables expand to the empty string.
//
// # Duration Parsing
//
// Duration values use Go's time.ParseDuration syntax:
//
//	resume:
//	  stagger_interval: "3s"
//	  grace_period: "2m"
//
// # Configuration Sections
//
//	tenant:
//	  name: "server-1"       # tenant this process acts as (required)
//	  max_capacity: 50       # asserted at boot
//	hosted_tenants:          # extra tenants resumed by this process
//	  - name: "server-2"
//	database:
//	  path: "/var/lib/botfleet/fleet.db"
//	session:
//	  bridge_url: ""         # empty selects the in-process loopback
//	  connect_timeout: "30s"
//	  send_timeout: "15s"
//	resume:
//	  enabled: true
//	  stagger_interval: "3s"
//	  grace_period: "2m"
//	expiry:
//	  schedule: "@every 1h"  # robfig/cron syntax
//	logging:
//	  level: "info"          # debug, info, warn, error
//	  format: "text"         # text, json
//	metrics:
//	  enabled: true
//	  http_addr: "127.0.0.1:9090"
//	  path: "/metrics"
//
// # Usage
//
//	cfg, err := config.Load(config.DefaultPath())
//	if err != nil {
//	    log.Fatal(err)
//	}
package config
