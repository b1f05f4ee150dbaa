// Package cache defines the named, versioned response stores used by the
// image cache worker. A Storage holds any number of cache generations keyed by
// name; each Cache maps a request identity (method + URL) to a fully buffered
// response Entry. Three backends share the same contract: a disk store that
// keeps StoragePath/<cache>/<sha1>.body plus a JSON .meta sidecar written via
// temp file + rename, an in-memory store for tests and ephemeral runs, and a
// Redis store that keeps one hash per generation. Callers treat ErrNotFound
// as a miss and must not mutate entries returned by Match.
package cache
