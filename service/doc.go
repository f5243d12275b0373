// Package service holds the request-side objects handed to handler
// scripts: the per-request Context, the Response a handler builds, and the
// WebSocket a Context can be upgraded to.
//
// A Context moves through Created, Reading, Responding or Upgraded, and
// Closed. Streaming through Write/Flush and returning a built Response are
// exclusive; the first conflicting call fails with
// hostfunc.ErrResponseStarted. After an upgrade only the WebSocket may be
// used.
package service
