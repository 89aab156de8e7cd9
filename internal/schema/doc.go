// Package schema defines the strongly-typed entities held by the sync store.
//
// # Overview
//
// Rows arrive from the remote store as loosely-typed maps. They are decoded into
// the types in this package at the adapter boundary and never travel further as
// maps. Encoding goes the other way through each entity's Row method.
//
// # Entities
//
//   - Task, with its owned Sections
//   - Project
//   - User (initials are derived, never stored)
//   - Channel and ChannelMember
//   - Message (soft-deleted messages stay as placeholders)
//   - Notification
//   - File (project-scoped object metadata)
//
// # Decoding
//
// Decode maps a row onto a value. Keys missing from the row leave the existing
// field untouched and explicit nulls clear it, so the same function serves both
// full rows and field-level patches:
//
//	var task schema.Task
//	if err := schema.Decode(row, &task); err != nil {
//	    return err
//	}
//	task.SetDefaults()
//
// # Design Principles
//
//   - Flat JSON-friendly structures (last-write-wins at the row level)
//   - Missing collections default to empty, never nil
//   - Malformed rows are defaulted, not rejected, when decoded from the remote side
//   - Validate is applied to locally created values before they are persisted
package schema
