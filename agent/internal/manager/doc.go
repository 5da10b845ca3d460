// Package manager composes the configuration core of the agent.
//
// Manager is built once in main and shared by the two goroutines:
//   - as a coordinator.Checker on the checker goroutine it scans the local
//     config dir, the remote config dir and the user config file, parses
//     what changed and stages the new config set; it also runs remote sync,
//     drains retired handlers and refreshes file tags
//   - as a coordinator.Reloader on the dispatch goroutine it publishes the
//     staged set as a new store epoch, swaps container paths, clears the
//     match cache, registers watches for every config and prunes the rest
//
// LoadAllConfig performs the same scan and reload synchronously at startup.
// Parse failures skip the file and raise USER_CONFIG_ALARM.
package manager
