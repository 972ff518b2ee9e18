// Package shardstore is a filesystem-backed JSON document store sharded by
// numeric ID.
//
// Every entity lives in its own directory,
//
//	<root>/<category>/<shard>/<prefix>_<id>/<sub-document>.json
//
// where the shard is id mod ShardCount, zero-padded. Sub-documents are
// replaced atomically (temp file, fsync, rename). Unique secondary keys
// (username, email, ...) live in flat JSON maps under <root>/indexes.
//
// Multi-step updates of one entity are serialized by a per-entity key lock,
// index mutations by a per-index key lock. Create writes documents before
// index entries and Delete removes index entries before documents, so a
// crash leaves at worst an entity without its index entry or an index entry
// pointing at nothing. [Store.Check] finds both and [Store.Repair] fixes them.
package shardstore
