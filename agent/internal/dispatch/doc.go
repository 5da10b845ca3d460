// Package dispatch is the agent's event loop.
//
// A Dispatcher owns one fsnotify watcher and a directory→Handler table.
// AddNewHandler and RemoveHandler add and drop directory watches; Run reads
// filesystem events on the calling goroutine, hands each to the handler of
// the directory it happened in, and calls an onTick hook at a fixed cadence.
// That goroutine is the dispatch goroutine: reloads run in onTick, so they
// never overlap with event handling.
//
// Router is the handler shared by every watched directory. It registers
// directories created under a watched tree, drops watches on removed ones and
// passes each file event to a Sink once for the best match and once for every
// force_multi_config config that also claims it.
package dispatch
