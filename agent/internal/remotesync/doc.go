// Package remotesync keeps the remote configuration directory in step with a
// configuration server.
//
// One Sync cycle:
//  1. SendHeartbeat reports the versions last applied from the server and
//     returns the server's NEW / MODIFIED / DELETED verdicts. A 400, 401 or
//     403 answer triggers one FlushCredential, re-sign and resend.
//  2. FetchPipelineConfig downloads every non-DELETED body in one batch.
//     A transport error, request id mismatch or missing body aborts the
//     cycle before anything is written.
//  3. UpdateRemoteConfig persists the results as <name>@<version>.yaml in
//     remote_config_dir and records them in the ledger.
//
// A failed cycle rotates to the next configured server address. If the
// remote directory cannot be created, remote sync is disabled for the life
// of the process and a REMOTE_SYNC_DISABLED alarm is raised.
package remotesync
