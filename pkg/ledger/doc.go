// Package ledger tracks configuration versions and modification times.
//
// A Ledger keeps three tables keyed by configuration name:
//   - local: files found in the locally authored config directory (mtime)
//   - remote: files found in the remote config directory, versioned by
//     their name@version.yaml file name
//   - server: the last version applied from the configuration server, which
//     is what the agent announces in its heartbeat
//
// ScanDir rescans one directory and reports whether anything changed since
// the previous scan. Diff compares two name→version maps and produces the
// NEW / MODIFIED / DELETED check results a configuration server returns; the
// reference server uses it directly.
package ledger
