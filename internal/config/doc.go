// Package config handles configuration loading for coven-projects.
//
// # Configuration File
//
// Default locations (in order):
//
//  1. Path from COVEN_PROJECTS_CONFIG environment variable
//  2. $XDG_CONFIG_HOME/coven/projects.yaml
//  3. ~/.config/coven/projects.yaml
//
// Files ending in .toml are decoded as TOML; everything else is YAML.
//
// # Environment Variable Expansion
//
// Configuration values can reference environment variables:
//
//	matrix:
//	  password: "${COVEN_MATRIX_PASSWORD}"
//
// # Configuration Sections
//
// Matrix account (password login, or a pre-issued access token):
//
//	matrix:
//	  homeserver: "https://matrix.org"
//	  username: "claudebot"
//	  password: "${COVEN_MATRIX_PASSWORD}"
//	  recovery_key: ""          # enables end-to-end encryption
//	  allowed_rooms: []         # empty = every joined room
//
// Routing and queueing:
//
//	bridge:
//	  project_prefix: "Claude: "
//	  projects_root: "~/.local/share/coven/projects"
//	  max_queue: 10
//	  dedupe_window: "10m"
//	  shutdown_timeout: "30s"
//
// Agent CLI:
//
//	agent:
//	  binary: "claude"
//	  allowed_tools: [Read, Write, Edit, Bash, WebSearch, WebFetch]
//	  permission_mode: "acceptEdits"
//
// Persisted state and the instance lock:
//
//	state:
//	  backend: "json"     # json, sqlite
//	  path: ""            # defaults under the data directory
//	  lock_path: ""
//
// Message audit log and logging:
//
//	audit:
//	  disabled: false
//	  dir: ""
//	logging:
//	  level: "info"   # debug, info, warn, error
//	  format: "text"  # text, json
package config
