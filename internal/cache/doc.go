// Package cache defines the generation-scoped store that keeps response
// snapshots for the offline engine. A Store holds one Bucket per cache
// generation (StoragePath/<generation>/... for the filesystem driver, key
// prefixes for the leveldb driver) and exposes open/list/delete by name so the
// lifecycle controller can garbage-collect obsolete generations. Buckets keep
// fully buffered Snapshot values keyed by request identity; writes are atomic
// per key (temp file + rename, or a leveldb batch) so concurrent last-writer-
// wins overwrites never leave torn entries behind.
package cache
