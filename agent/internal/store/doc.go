// Package store is the agent's configuration store.
//
// The name→config map lives in immutable epochs. Replace publishes a new
// epoch with one atomic store; readers holding an older *Epoch keep a
// consistent view until they load again. Configs are owned by the epoch that
// published them and are never mutated afterwards.
//
// Side tables (each behind its own lock, never held across I/O):
//   - container paths, staged by discovery and published at reload through
//     a snapshot.DoubleBuffer
//   - per-user access keys with their update time
//   - the region set and the region→profile project map
package store
