// Package api implements the HTTP surface of loghaven-server.
//
// New(store, registerer) returns an http.Handler that serves:
//
//	POST /Agent/HeartBeat            - record the agent, answer per-config status
//	POST /Agent/FetchPipelineConfig  - return the bodies of the requested configs
//	GET  /api/v1/health              - state, served pipeline and live agent counts
//	GET  /api/v1/agents              - live agents with the versions they hold
//	GET  /api/v1/pipelines           - served pipelines with their versions
//	GET  /api/v1/snapshot            - agents and pipelines plus generated_at
//
// The agent endpoints speak application/x-protobuf messages from pkg/protocol
// and echo the request id. Statuses come from ledger.Diff, so configs already
// at the served version are omitted. REST endpoints respond with JSON and
// return 405 for non-GET methods.
package api
