// Package hostfunc implements the native capabilities scripts reach through
// the $native bridge, and the bridge's call table itself.
//
// # Registry
//
// A [Registry] maps capability names to constructors. [Registry.Open]
// validates the constructor arguments against the capability's
// [Signature] before any host code runs, so a malformed call fails with
// [ErrInvalidArguments] and an unknown name with [ErrUnknownCapability]:
//
//	registry := hostfunc.DefaultRegistry()
//	lock, err := registry.Open(inv, "lock", "orders")
//
// # Invocations and shared resources
//
// Every script execution gets an [Invocation]. Capabilities register
// cleanups on it: open transactions are rolled back, held locks released,
// sockets closed and subscriptions cancelled when the invocation ends.
//
// Resources addressed by name (locks, pipes) and the cache, event bus and
// database live on the process-wide [Host] and are visible to every
// concurrent invocation. Named resources are created on first reference
// and dropped once unreferenced and idle.
//
// # Security Model
//
// Capabilities follow the principle of least privilege:
//   - sockets and HTTP requests are limited to [Config.AllowedHosts]
//   - files are reachable only through mounts with explicit permissions
//   - process execution is limited to [Config.AllowedCommands]
//   - request and response bodies have configurable size limits
package hostfunc
