// Package config loads the harbormaster service configuration and the
// descriptor catalogs that declare desired state.
//
// # Service configuration
//
// Load reads a CUE or YAML file over Default and validates it:
//
//	store: {driver: "postgres", dsn: "postgres://harbormaster@db/harbormaster"}
//	reconcile: {schedule: "@every 2m", descriptors: "/etc/harbormaster/descriptors"}
//	adapter: {driver: "ssh", ssh: {target: "core@docker-1.internal", keyPath: "/etc/harbormaster/id_ed25519"}}
//
// CUE files are checked against a closed schema first, so misspelled fields
// are rejected. Durations are strings such as "30s"; schedules are cron specs
// such as "@every 5m".
//
// # Descriptor catalogs
//
// A catalog is a set of CUE files with a descriptors struct keyed by name:
//
//	descriptors: web: {
//		image:       "nginx:1.27"
//		env:         ["MODE=prod"]
//		clusterSize: 3
//		healthConfig: autoRedeploy: true
//	}
//
// CatalogLoader parses and validates catalogs, Apply upserts them into the
// document store and CatalogWatcher reapplies them when files change.
package config
