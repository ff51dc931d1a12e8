// Package config holds the operator settings: per-kind batching (worker
// limit, idle timeout, batch window, exit and close timeouts), watching
// (server timeout, reconnect backoff, list paging) and discovery (resource
// selectors, namespace, rescan interval).
//
// Settings come from DefaultSettings, optionally overlaid by a YAML file
// (Load), then by explicitly set command-line flags (BindFlags / Apply).
package config
