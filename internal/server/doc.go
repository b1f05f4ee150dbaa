// Package server hosts the Fiber HTTP service in front of the image cache:
// request IDs, Host/port resolution to a configured scope, and the shared
// upstream transport that the cache worker wraps.
// Control and diagnostics endpoints live under /-/ and skip host routing so
// operators can reach them through any hostname.
package server
