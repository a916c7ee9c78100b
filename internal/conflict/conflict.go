// Package conflict classifies and resolves divergence between a contact's
// database record and its file.
//
// A conflict exists only when all three hold:
//   - the database record changed since the last sync in the pass direction
//   - the file changed since it was last read into the database
//   - the stored content hash differs from the file's current hash
//
// A side that has never synced counts as changed. Resolution is
// last-writer-wins on the two observed timestamps; ties go to the bias the
// caller passes, because each pass favors a different side.
package conflict

import (
	"crypto/sha256"
	"encoding/hex"
	"time"

	"github.com/cardsync/cardsync/internal/schema"
)

// Direction selects which watermark measures database-side change.
type Direction int

const (
	// Outbound is the database → files pass. It uses the to-file watermark.
	Outbound Direction = iota
	// Inbound is the files → database pass. It uses the from-file watermark.
	Inbound
)

func (d Direction) String() string {
	switch d {
	case Outbound:
		return "outbound"
	case Inbound:
		return "inbound"
	default:
		return "unknown"
	}
}

// Winner names the side whose content is kept.
type Winner string

const (
	Database Winner = "database"
	File     Winner = "file"
)

// Info is the ephemeral result of one comparison. It is never persisted.
type Info struct {
	HasConflict bool
	DBNewer     bool
	FileNewer   bool
	DBTime      time.Time
	FileTime    time.Time
}

// Hash returns the hex SHA-256 of a file body.
func Hash(body []byte) string {
	sum := sha256.Sum256(body)
	return hex.EncodeToString(sum[:])
}

// Detect compares a contact with the current state of its file.
func Detect(c *schema.Contact, fileMtime time.Time, fileHash string, dir Direction) Info {
	watermark := c.Sync.LastSyncedToFileAt
	if dir == Inbound {
		watermark = c.Sync.LastSyncedFromFileAt
	}

	dbChanged := changedSince(c.UpdatedAt, watermark)
	fileChanged := changedSince(fileMtime, c.Sync.LastSyncedFromFileAt)
	hashDiffers := c.Sync.ContentHash != fileHash

	return Info{
		HasConflict: dbChanged && fileChanged && hashDiffers,
		DBNewer:     c.UpdatedAt.After(fileMtime),
		FileNewer:   fileMtime.After(c.UpdatedAt),
		DBTime:      c.UpdatedAt,
		FileTime:    fileMtime,
	}
}

// Resolve picks the side with the strictly later timestamp, or tieBias.
func Resolve(info Info, tieBias Winner) Winner {
	switch {
	case info.DBNewer:
		return Database
	case info.FileNewer:
		return File
	default:
		return tieBias
	}
}

func changedSince(t time.Time, watermark *time.Time) bool {
	if watermark == nil || watermark.IsZero() {
		return true
	}
	return t.After(*watermark)
}
