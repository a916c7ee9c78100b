// Package sync reconciles the contacts database with the CardDAV file tree.
//
// Overview
//
// Two passes keep the stores consistent. Each is idempotent and can run at
// any time:
//
//	Database (contacts, books, memberships)
//	     │ Outbound                 ▲ Inbound
//	     ▼                          │
//	collection-root/{bookID}/{vcardID}.vcf          master copy
//	collection-root/{user}-{bookID}/{vcardID}.vcf   fan-out copies
//	collection-root/{readonly}/{vcardID}.vcf        read-only mirror
//
// Outbound writes contacts whose updated_at is past their to-file watermark
// into the master directory of every book they belong to and into each
// composite account of that book. Afterwards master files no contact claims
// are removed together with their fan-out copies, and books with a
// read-only subscription are mirrored (copy only).
//
// Inbound reads every master and account directory. Copies of the same
// (book, file name) are collapsed to the most recently modified one, which is
// created or updated in the database. A file whose hash equals the stored
// content hash is the file the outbound pass wrote, and is skipped.
//
// Watermarks
//
//	last_synced_to_file_at     updated_at of the version last written out
//	last_synced_from_file_at   when the file was last imported
//	content_hash               sha256 of the last file body either pass agreed on
//
// Conflicts
//
// When both sides changed since their watermarks and the hashes differ, the
// later timestamp wins (see package conflict). Ties go to the database on the
// outbound pass and to the file on the inbound pass.
//
// Error Handling
//
// A failing contact or file is logged and collected in Result.Failures;
// the pass continues. Errors returned by Outbound and Inbound mean the pass
// could not run and should be retried on the next tick.
//
// Concurrency
//
// An Orchestrator runs one pass at a time. Outbound, Inbound and RemoveFile
// may be called from different goroutines; later calls wait.
package sync
