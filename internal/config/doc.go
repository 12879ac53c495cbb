// Package config loads keel's TOML configuration.
//
// # Configuration Discovery
//
// Load follows this resolution order:
//
//  1. If a path is explicitly provided, use it
//  2. Otherwise, use ~/.config/keel/config.toml
//  3. If the file doesn't exist, fall back to Default()
//  4. If the file exists but fields are missing or empty, use defaults
//
// # Default Values
//
//   - API base URL: 127.0.0.1:8080
//   - keep_unused_data_for: 60 seconds
//   - poll_interval: 5 seconds
//   - log_level: info
//   - log_file: ~/.local/state/keel/keel.log
//   - state_file: ~/.local/state/keel/state.toml
//
// # TOML Format
//
//	base_url = "127.0.0.1:8080"
//	keep_unused_data_for = 60
//	poll_interval = 5
//	log_level = "info"
//
//	[[watch]]
//	name = "status"
//	path = "/api/status"
//	tags = ["Status"]
//
// Durations are seconds and may be fractional. Every watch needs a unique
// name and a path; a missing leading slash is added. Tilde expansion is
// performed for log_file and state_file.
//
// # Error Handling
//
// Load returns errors for path expansion failures, read errors other than
// os.ErrNotExist, TOML parse errors and invalid watch tables. A missing
// config file is not an error.
package config
