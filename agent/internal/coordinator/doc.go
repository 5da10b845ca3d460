// Package coordinator hands configuration updates from the checker goroutine
// to the dispatch goroutine.
//
// The only shared variable is an atomic State:
//   - Normal: the checker owns the staged data and may replace it
//   - UpdateConfig: the dispatch goroutine owns it and is applying it
//
// RunChecker drives the Checker once per Tick. Every ConfigUpdateInterval
// it runs the remote cycle, then (only while Normal) retires handlers and
// asks for a local update; if one was staged it flips the state to
// UpdateConfig. File tags are refreshed every FileTagsUpdateInterval.
//
// Dispatch is called from the dispatch loop. When the state is UpdateConfig
// it runs the Reloader and flips back to Normal. At most one reload is in
// flight; a slow dispatcher holds the checker's local staging back.
package coordinator
