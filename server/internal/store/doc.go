// Package store holds the configuration server's state.
//
//   - Pipelines: one per <name>.yaml (or .yml, .json) file in the pipelines
//     directory. Reload bumps a pipeline's version whenever its content
//     changes; removed files stop being served and come back at a higher
//     version.
//   - State: with LoadState the served versions and content hashes are kept
//     in a YAML file, so after a restart unchanged pipelines keep their
//     version and changed ones move past it.
//   - Agents: the latest heartbeat of each agent, listed until the TTL
//     elapses and then evicted.
//
// Run watches the directory with fsnotify, rescans it periodically and
// evicts stale agents.
package store
