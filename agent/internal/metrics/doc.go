// Package metrics holds the agent's Prometheus instruments.
//
// New registers every instrument on the given registerer. Handler serves the
// registry over HTTP (promhttp). WriteText renders it in the text exposition
// format, which the agent writes to its textfile path at shutdown, and
// Summary sums each family for the shutdown log line.
package metrics
