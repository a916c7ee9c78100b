// Package migrate moves contact files from the single-book layout into the
// address book layout.
//
// Before address books existed every contact lived in
// collection-root/contacts. Once a book exists those files belong in the
// default book's master directory, from where the outbound pass fans them
// out to composite accounts.
package migrate

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"time"

	"github.com/cardsync/cardsync/internal/filestore"
	"github.com/cardsync/cardsync/internal/fsutil"
	"github.com/cardsync/cardsync/internal/schema"
)

// Options contains configuration for the migration.
type Options struct {
	DryRun bool // Preview without touching files
	Backup bool // Copy the legacy directory next to collection-root first
}

// Result contains statistics about the migration.
type Result struct {
	Target        string
	FilesMoved    int
	Duplicates    int      // identical copies already in the target, source removed
	Conflicts     []string // different copies already in the target, source kept
	BackupCreated string
	LegacyRemoved bool
	Errors        []string
}

// LegacyDir returns the single-book directory of files.
func LegacyDir(files *filestore.Store) string {
	return files.MasterDir(schema.LegacyCollectionName)
}

// Layout moves every contact file of the legacy directory into target's
// master directory. Files already present with identical content are
// dropped from the source; different content is reported as a conflict and
// left in place. The legacy directory is removed once it holds no contact
// files. A missing legacy directory is not an error.
func Layout(ctx context.Context, files *filestore.Store, target schema.AddressBook, opts Options) (*Result, error) {
	if target.IsLegacy() {
		return nil, fmt.Errorf("no address book to migrate into: create a book first")
	}

	legacy := LegacyDir(files)
	result := &Result{Target: files.MasterDir(target.ID)}

	if _, err := os.Stat(legacy); errors.Is(err, fs.ErrNotExist) {
		return result, nil
	} else if err != nil {
		return nil, fmt.Errorf("failed to stat %s: %w", legacy, err)
	}

	ids, err := files.ListMaster(schema.LegacyCollectionName)
	if err != nil {
		return nil, fmt.Errorf("failed to list legacy contacts: %w", err)
	}

	if opts.Backup && !opts.DryRun {
		backup := filepath.Join(filepath.Dir(files.Root()),
			schema.LegacyCollectionName+".backup."+time.Now().Format("20060102-150405"))
		if err := copyContacts(legacy, backup, ids); err != nil {
			return nil, fmt.Errorf("failed to create backup: %w", err)
		}
		result.BackupCreated = backup
	}

	if !opts.DryRun {
		if err := files.EnsureCollection(result.Target, target); err != nil {
			return nil, fmt.Errorf("failed to create target directory: %w", err)
		}
	}

	remaining := 0
	for _, id := range ids {
		if err := ctx.Err(); err != nil {
			return result, err
		}

		src := filestore.ContactPath(legacy, id)
		dst := filestore.ContactPath(result.Target, id)

		switch same, err := sameContent(src, dst); {
		case err != nil:
			result.Errors = append(result.Errors, err.Error())
			remaining++
		case same == contentMissing:
			if !opts.DryRun {
				if err := os.Rename(src, dst); err != nil {
					result.Errors = append(result.Errors, fmt.Sprintf("failed to move %s: %v", id, err))
					remaining++
					continue
				}
			}
			result.FilesMoved++
		case same == contentEqual:
			if !opts.DryRun {
				if err := os.Remove(src); err != nil {
					result.Errors = append(result.Errors, fmt.Sprintf("failed to remove duplicate %s: %v", id, err))
					remaining++
					continue
				}
			}
			result.Duplicates++
		default:
			result.Conflicts = append(result.Conflicts, id)
			remaining++
		}
	}

	if remaining == 0 && !opts.DryRun {
		_ = os.Remove(filepath.Join(legacy, filestore.MarkerFile))
		// Fails harmlessly if anything else is still in there.
		if err := os.Remove(legacy); err == nil {
			result.LegacyRemoved = true
		}
	}

	return result, nil
}

type comparison int

const (
	contentMissing comparison = iota
	contentEqual
	contentDiffers
)

func sameContent(src, dst string) (comparison, error) {
	existing, err := os.ReadFile(dst)
	if errors.Is(err, fs.ErrNotExist) {
		return contentMissing, nil
	}
	if err != nil {
		return 0, fmt.Errorf("failed to read %s: %w", dst, err)
	}
	data, err := os.ReadFile(src)
	if err != nil {
		return 0, fmt.Errorf("failed to read %s: %w", src, err)
	}
	if bytes.Equal(existing, data) {
		return contentEqual, nil
	}
	return contentDiffers, nil
}

func copyContacts(from, to string, ids []string) error {
	for _, id := range ids {
		data, err := os.ReadFile(filestore.ContactPath(from, id))
		if err != nil {
			return err
		}
		if err := fsutil.WriteFileAtomic(filestore.ContactPath(to, id), data, 0o600); err != nil {
			return err
		}
	}
	return nil
}
