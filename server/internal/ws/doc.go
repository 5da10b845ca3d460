// Package ws implements the WebSocket hub of loghaven-server.
//
// Hub manages a set of connected dashboard clients and broadcasts the fleet
// view (live agents with the versions they hold, served pipelines) to all of
// them every interval.
//
// New(store, interval) creates a Hub.
// Hub.Run(ctx) starts the broadcast ticker. It blocks until ctx is cancelled,
// then closes all active connections.
// Hub.ServeHTTP upgrades an HTTP connection to WebSocket, sends the current
// view immediately on connect, then streams updates on each tick.
//
// Message format sent to clients:
//
//	{
//	  "event": "fleet",
//	  "data":  { /* same schema as GET /api/v1/snapshot */ }
//	}
//
// The upgrader accepts all origins. The server mounts the hub at /ws/fleet.
package ws
