// Package stores provides the SQLite persistence layer of the deployer.
// It keeps projects, quotas, sessions with their resources, the audit
// trail, deployment history and provisioning state snapshots, and applies
// its schema from embedded migrations.
package stores
