// Package stores persists execution reports in SQLite.
//
// Each scheduler run becomes one row in runs and one row per instance in
// instance_results; remote instances get one row per target host. Reports
// are an output artifact and are never read back into a run.
package stores
