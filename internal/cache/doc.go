// Package cache holds the in-memory mirror of one entity kind.
//
// A Table keeps entities under stable internal handles. External ids live in a
// separate handle→id map, so reconciling a client-generated id with the
// server-assigned one rewrites a single map entry and nothing else. Reads are
// synchronous and return copies; every mutation is applied immediately and the
// new snapshot is emitted to subscribers before the mutating call returns,
// unless another snapshot is being delivered at that moment. Then the goroutine
// delivering it hands the new one over next.
//
// Mutations return Undo records. Rolling one back restores only the entity it
// touched, so two failed mutations on different entities never clobber each
// other.
//
// Listeners run one snapshot at a time, in mutation order. They may read and
// mutate the table; a snapshot caused by a listener is delivered after that
// listener returns.
//
// A pending entity can be told the server id it will get (Expect). Rows that
// arrive under that id before the swap resolve to the pending entity, so the
// echo of a local insert never shows up as a second copy.
package cache
