// Package matcher resolves filesystem paths to pipeline configurations and
// keeps the dispatcher's watch table in line with the current store epoch.
//
// Queries:
//   - FindBestMatch: the most specific config (longest base path, then
//     earliest registration)
//   - FindAllMatch: every matching config in that order
//   - FindMatchWithForceFlag: the best match plus configs flagged
//     force_multi_config, capped at MaxMultiConfigSize
//
// Results are memoised per (path, name). The cache belongs to one store
// epoch: it is dropped when a lookup sees a newer epoch and by
// ClearConfigMatchCache. More than one non-force match for a path raises a
// MULTI_CONFIG_MATCH alarm, at most once per MultiConfigAlarmInterval for
// each cached entry.
//
// Registration walks base directories bounded by each config's depth
// and by a wall-clock budget, and registers the shared handler for every
// directory found. Ancestors of a base path that exist are watched as well so
// that creation of the base directory is noticed.
package matcher
