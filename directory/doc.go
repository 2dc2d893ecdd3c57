// Package directory is the client for the external authentication backend.
//
// The backend owns everything the broker deliberately does not: password
// hashing, duplicate-email policy, mail delivery, federation. The broker only
// ever asks it two questions, "create this account" and "is this password
// right", over an opaque HTTP call, and optionally lets it rotate upstream
// refresh material for deployments where the backend issues its own.
//
// [Client] is the interface the broker consumes; [HTTPClient] talks to a real
// backend, [Memory] is an in-process fake for tests and the demo daemon.
package directory
