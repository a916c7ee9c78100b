// Package schema defines the database-side records exchanged between the
// persistence layer and the sync orchestrator.
//
// # Contacts
//
// A Contact is identified by an internal numeric ID and by its VCardID (the
// vCard UID). Only contacts with a VCardID take part in synchronization.
// Multi-valued fields are stored as JSON arrays:
//
//	{
//	  "value": "555-1234",
//	  "type": "CELL,PREF"
//	}
//
// # Sync Metadata
//
// Each contact carries two watermarks, one per direction:
//   - LastSyncedToFileAt - last successful database → file write
//   - LastSyncedFromFileAt - last successful file → database read
//
// ContentHash is the hash of the last known good file body and FileMtime the
// modification time of the file it was read from or written to.
//
// # Address Books
//
// Contacts belong to zero or more AddressBooks. A contact without membership
// falls back to the default book. When no books exist at all, the legacy
// single-book layout is used (see LegacyBook).
package schema
