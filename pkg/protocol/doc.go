// Package protocol defines the messages exchanged between loghaven-agent and a
// configuration server, shared by both binaries.
//
// Messages:
//   - HeartbeatRequest / HeartbeatResponse: version announcement and the
//     server's ConfigCheckResult verdicts
//   - FetchRequest / FetchResponse: batched download of ConfigDetail bodies
//   - ConfigInfo, ConfigCheckResult, ConfigDetail: per-configuration records
//
// Every message has Marshal and Unmarshal methods producing the protobuf
// binary encoding (via protowire, no generated code). Unknown fields are
// skipped on decode so either side can add fields without breaking the other.
//
// HTTP paths and the content type used to carry the messages are exported as
// constants (HeartbeatPath, FetchPath, ContentType).
//
// Sign, Verify and the Authorization helpers implement HMAC-SHA256 request
// signing over StringToSign(method, path, content type, date, body hash).
package protocol
