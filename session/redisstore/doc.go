// Package redisstore implements session.Store on Redis so that every server
// instance sharing the same Redis sees the same sessions.
//
// Design Notes
//   - Metadata: hash at <prefix>session:<id> with status, length, created_at
//   - Content: string at <prefix>session:<id>:content grown with APPEND
//   - Writes: Lua scripts check the status and mutate both keys atomically
//   - Reads: a Lua script returns metadata and content from one point in time
//   - Retention: both keys carry a sliding TTL refreshed on every write
//
// Lengths are counted in characters by the writer and accumulated with
// HINCRBY, so snapshots never need to decode the content server side.
package redisstore
