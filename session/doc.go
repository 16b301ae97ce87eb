// Package session defines the server-side record of one generation run: the
// accumulated content of a stream, its status and the Store contract that
// backends implement.
//
// Layers & Roles
//
//	controller -> sole writer of a session (Create, Append, SetStatus)
//	Store      -> durability & consistent snapshots (memorystore, redisstore)
//	gateway    -> reader; computes replay offsets from snapshots
//
// # Cursors
//
// A cursor is the number of characters (Unicode code points) of a session's
// content that a caller has already seen. Snapshot.Since turns a cursor into
// the tail the caller is missing; cursors beyond Snapshot.Length are rejected.
//
// # Consistency
//
// Every Store read returns content, length and status observed together, so a
// reader never sees a terminal status paired with a content that is still
// missing its tail.
//
// Implementations
//
//	memorystore : in-process, capacity and TTL bounded (single instance)
//	redisstore  : Redis hash + string keys shared by every server instance
package session
