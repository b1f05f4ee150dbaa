// Package worker implements the image response cache: a cache-first policy
// for signed object-storage image URLs with request coalescing,
// stale-while-revalidate upgrades of legacy entries, and out-of-band
// invalidation messages.
//
// A Worker owns all of its state (lifecycle, in-flight table, background
// refreshes); nothing is kept at package level. Install brings a worker online
// and retires cache generations that do not match the configured name.
// Transport wraps the worker as an http.RoundTripper so any Go HTTP client,
// including the edge server in internal/proxy, can route requests through it.
// Requests that are not GET or do not match the allow-list never touch the
// cache.
package worker
