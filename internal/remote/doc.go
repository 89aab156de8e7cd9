// Package remote defines the boundary between the sync store and the durable
// relational store.
//
// # Overview
//
// An Adapter fetches, inserts, updates and deletes rows. A ChangeSource pushes
// row-level change events. Both speak Row, a loosely-typed column map; rows are
// decoded into schema types by the stores and never travel further than that.
//
// Three implementations live in subpackages:
//
//   - sqlite: embedded SQLite (ncruces/go-sqlite3) or remote libSQL/Turso
//     (go-libsql). Changes are captured by triggers into a change_log table that
//     a tailer follows, woken by fsnotify and a poll ticker.
//   - postgres: pgx pool; changes arrive through LISTEN/NOTIFY.
//   - memory: in-process tables with failure injection for tests.
//
// The feed package can serve a ChangeSource over a websocket and consume one
// from a remote process; WithChanges pairs any Adapter with such a source.
//
// # Events
//
// Change events carry the new row and, for updates, the previous one, so
// consumers can merge only the columns that changed. Adapters may also emit
// delete and invalidate events; consumers treat both as "refetch".
package remote
