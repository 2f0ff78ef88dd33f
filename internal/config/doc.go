// Package config handles configuration loading for tracery-gateway.
//
// # Overview
//
// Configuration is loaded from YAML files with environment variable expansion.
// The package provides validation and sensible defaults.
//
// # Configuration File
//
// Default locations (in order):
//
//  1. Path from the --config flag
//  2. Path from TRACERY_CONFIG environment variable
//  3. $XDG_CONFIG_HOME/tracery/gateway.yaml
//  4. ~/.config/tracery/gateway.yaml
//
// # Environment Variable Expansion
//
// Configuration values can reference environment variables:
//
//	workspace:
//	  root: "${TRACERY_WORKSPACE}"
//
// Syntax: ${VAR_NAME}
//
// # Duration Parsing
//
// Duration values use Go's time.ParseDuration syntax:
//
//	calls:
//	  timeout: "30s"
//	  ready_delay: "2s"
//
// Supported units: ns, us, ms, s, m, h
//
// # Configuration Sections
//
// Server settings:
//
//	server:
//	  http_addr: "127.0.0.1:7411"
//	  allowed_origins:
//	    - "app://tracery"
//
// Invocation audit database:
//
//	database:
//	  path: "/var/lib/tracery/audit.db"
//
// Tool-server registry:
//
//	registry:
//	  path: "/etc/tracery/servers.toml"
//	  watch: true
//
// Workspace served by the filesystem adapter:
//
//	workspace:
//	  root: "/srv/drawings"
//
// Tailscale:
//
//	tailscale:
//	  enabled: false
//	  hostname: "tracery-gateway"
//	  auth_key: "${TS_AUTHKEY}"
//	  funnel: false
//
// Logging:
//
//	logging:
//	  level: "info"   # debug, info, warn, error
//	  format: "text"  # text, json
//
// # Usage
//
// Load configuration:
//
//	cfg, err := config.Load("/etc/tracery/gateway.yaml")
//	if err != nil {
//	    log.Fatal(err)
//	}
package config
