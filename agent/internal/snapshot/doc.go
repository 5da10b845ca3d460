// Package snapshot provides wait-free read primitives for data that one
// writer replaces while many readers keep using the previous value.
//
//   - DoubleBuffer[T]: two slots; the writer fills the hidden slot and Swap
//     publishes it with a single atomic pointer exchange
//   - Versioned[T]: an atomically replaced immutable value with a
//     monotonically increasing version number (an "epoch")
package snapshot
