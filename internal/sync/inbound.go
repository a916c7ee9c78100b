package sync

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/cardsync/cardsync/internal/conflict"
	"github.com/cardsync/cardsync/internal/filestore"
	"github.com/cardsync/cardsync/internal/fsutil"
	"github.com/cardsync/cardsync/internal/schema"
	"github.com/cardsync/cardsync/internal/syncerr"
	"github.com/cardsync/cardsync/internal/vcard"
)

// contactFile is the authoritative copy of one (book, file name) pair.
type contactFile struct {
	path   string
	book   schema.AddressBook
	stem   string
	data   []byte
	mtime  time.Time
	master bool
}

// Inbound implements Syncer.Inbound.
func (o *Orchestrator) Inbound(ctx context.Context) (*Result, error) {
	if err := o.pass.Acquire(ctx, 1); err != nil {
		return nil, err
	}
	defer o.pass.Release(1)

	started := o.now()
	start := time.Now()
	result := &Result{Direction: conflict.Inbound}

	books, _, err := o.loadBooks(ctx)
	if err != nil {
		return nil, err
	}
	var names []string
	if o.accounts != nil {
		if names, err = o.accounts.AccountNames(); err != nil {
			return nil, fmt.Errorf("failed to list accounts: %w", err)
		}
	}
	paths, err := o.files.ListAll(books, names)
	if err != nil {
		return nil, fmt.Errorf("failed to list contact files: %w", err)
	}

	files := o.collect(paths, books, result)

	seen := make(map[string]map[string]bool, len(books))
	markSeen := func(bookID, vcardID string) {
		if seen[bookID] == nil {
			seen[bookID] = make(map[string]bool)
		}
		seen[bookID][vcardID] = true
	}

	for _, f := range files {
		if err := ctx.Err(); err != nil {
			return result, err
		}
		markSeen(f.book.ID, f.stem)
		vcardID, err := o.importFile(ctx, f, result)
		if vcardID != "" {
			markSeen(f.book.ID, vcardID)
		}
		if err != nil {
			o.logger.Printf("WARNING: Failed to import %s: %v", f.path, err)
			result.fail(f.path, err)
		}
	}

	// Revoke membership of contacts whose files are gone
	if err := o.revoke(ctx, books, seen, result); err != nil {
		return result, fmt.Errorf("failed to revoke memberships: %w", err)
	}

	o.lastInbound = started
	result.Duration = time.Since(start)
	o.logger.Printf("Inbound pass complete: %s", result)
	o.notify(result)
	return result, nil
}

// collect reads every file and keeps, per (book, file name), the most
// recently modified copy. Ties go to the master copy.
func (o *Orchestrator) collect(paths []string, books []schema.AddressBook, result *Result) []*contactFile {
	latest := make(map[string]*contactFile)
	for _, path := range paths {
		book := o.files.ResolveBookFromPath(path, books)
		if book == nil {
			continue
		}
		data, mtime, err := o.files.ReadContact(path)
		if err != nil {
			// Vanished between listing and reading.
			if errors.Is(err, fs.ErrNotExist) {
				continue
			}
			result.fail(path, err)
			continue
		}

		f := &contactFile{
			path:   path,
			book:   *book,
			stem:   filestore.VCardIDFromPath(path),
			data:   data,
			mtime:  mtime,
			master: filepath.Dir(path) == o.files.MasterDir(book.ID),
		}
		key := f.book.ID + "/" + f.stem
		prev, ok := latest[key]
		switch {
		case !ok, f.mtime.After(prev.mtime), f.mtime.Equal(prev.mtime) && f.master && !prev.master:
			latest[key] = f
		}
	}

	keys := make([]string, 0, len(latest))
	for k := range latest {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	files := make([]*contactFile, 0, len(keys))
	for _, k := range keys {
		files = append(files, latest[k])
	}
	return files
}

// importFile creates or updates the contact described by one file and
// returns its vcard id.
func (o *Orchestrator) importFile(ctx context.Context, f *contactFile, result *Result) (string, error) {
	card, err := vcard.Parse(string(f.data))
	if err != nil {
		return "", fmt.Errorf("failed to parse: %w", err)
	}

	vcardID := card.UID
	if !validVCardID(vcardID) {
		vcardID = f.stem
	}
	hash := conflict.Hash(f.data)
	now := o.now()

	existing, err := o.store.ContactByVCardID(ctx, vcardID)
	if errors.Is(err, syncerr.ErrNotFound) {
		c := &schema.Contact{VCardID: vcardID, CreatedAt: now}
		c.Sync.Origin = schema.OriginFile
		applyCard(c, card)
		recordFile(c, f, card, hash, now)

		err = o.store.CreateContact(ctx, c)
		if err == nil {
			if err := o.addMembership(ctx, c.ID, f.book); err != nil {
				return vcardID, err
			}
			o.logger.Printf("Imported new contact %s from %s", vcardID, f.path)
			result.Created++
			return vcardID, nil
		}
		if !errors.Is(err, syncerr.ErrAlreadyExists) {
			return vcardID, fmt.Errorf("failed to create contact: %w", err)
		}
		// Created concurrently; fall through to an update.
		existing, err = o.store.ContactByVCardID(ctx, vcardID)
	}
	if err != nil {
		return vcardID, fmt.Errorf("failed to look up contact: %w", err)
	}

	if existing.Sync.ContentHash == hash {
		result.Skipped++
		if existing.Sync.FileMtime == nil || !existing.Sync.FileMtime.Equal(f.mtime) {
			meta := existing.Sync
			mtime := f.mtime
			meta.FileMtime = &mtime
			if err := o.store.UpdateSyncMetadata(ctx, existing.ID, meta); err != nil {
				return vcardID, fmt.Errorf("failed to update sync metadata: %w", err)
			}
		}
		return vcardID, nil
	}

	info := conflict.Detect(existing, f.mtime, hash, conflict.Inbound)
	if info.HasConflict {
		result.Conflicts++
		// Ties favor the file on this pass.
		if conflict.Resolve(info, conflict.File) == conflict.Database {
			o.logger.Printf("Conflict on %s: database is newer, ignoring %s", vcardID, f.path)
			mtime := f.mtime
			existing.Sync.LastSyncedFromFileAt = &now
			existing.Sync.FileMtime = &mtime
			existing.Sync.ContentHash = hash
			// Force the database version back out over the file.
			existing.Sync.LastSyncedToFileAt = nil
			existing.RawVCard = ""
			if err := o.store.UpdateContact(ctx, existing); err != nil {
				return vcardID, fmt.Errorf("failed to record conflict: %w", err)
			}
			return vcardID, nil
		}
		o.logger.Printf("Conflict on %s: file is newer, importing %s", vcardID, f.path)
	}

	applyCard(existing, card)
	recordFile(existing, f, card, hash, now)
	if err := o.store.UpdateContact(ctx, existing); err != nil {
		return vcardID, fmt.Errorf("failed to update contact: %w", err)
	}
	if err := o.addMembership(ctx, existing.ID, f.book); err != nil {
		return vcardID, err
	}
	result.Updated++
	return vcardID, nil
}

// recordFile stamps c as freshly imported from f. The raw text is kept only
// when it carries its own UID, so that it can be written back verbatim.
func recordFile(c *schema.Contact, f *contactFile, card *vcard.Card, hash string, now time.Time) {
	c.RawVCard = ""
	if card.UID != "" && card.UID == c.VCardID {
		c.RawVCard = string(f.data)
	}
	mtime := f.mtime
	imported := now
	c.UpdatedAt = now
	c.Sync.LastSyncedFromFileAt = &imported
	c.Sync.ContentHash = hash
	c.Sync.FileMtime = &mtime
}

func (o *Orchestrator) addMembership(ctx context.Context, contactID int64, book schema.AddressBook) error {
	if book.IsLegacy() {
		return nil
	}
	if err := o.store.AddMembership(ctx, contactID, book.ID); err != nil {
		return fmt.Errorf("failed to record membership: %w", err)
	}
	return nil
}

// revoke removes memberships of contacts whose files were not seen in a book
// whose master directory exists. Only contacts that have been written out
// and have no pending outbound write are considered, so a contact never
// loses a book before its file had a chance to appear there.
func (o *Orchestrator) revoke(ctx context.Context, books []schema.AddressBook, seen map[string]map[string]bool, result *Result) error {
	memberships, err := o.store.AllMemberships(ctx)
	if err != nil {
		return err
	}
	if len(memberships) == 0 {
		return nil
	}
	contacts, err := o.store.AllContacts(ctx)
	if err != nil {
		return err
	}
	byID := make(map[int64]*schema.Contact, len(contacts))
	for _, c := range contacts {
		byID[c.ID] = c
	}

	ids := make([]int64, 0, len(memberships))
	for id := range memberships {
		ids = append(ids, id)
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })

	for _, book := range books {
		if book.IsLegacy() || !o.files.MasterExists(book.ID) {
			continue
		}
		for _, id := range ids {
			c := byID[id]
			if c == nil || !c.Syncable() || !contains(memberships[id], book.ID) {
				continue
			}
			if seen[book.ID][c.VCardID] || isPending(c) {
				continue
			}

			if err := o.store.RemoveMembership(ctx, id, book.ID); err != nil {
				result.fail(c.VCardID, err)
				continue
			}
			memberships[id] = without(memberships[id], book.ID)
			result.Revoked++
			o.logger.Printf("Removed %s from book %s: file is gone", c.VCardID, book.ID)

			if len(memberships[id]) == 0 && c.Sync.Origin == schema.OriginFile {
				if err := o.store.DeleteContact(ctx, id); err != nil {
					result.fail(c.VCardID, err)
					continue
				}
				result.Deleted++
				o.logger.Printf("Deleted contact %s: no book contains it", c.VCardID)
			}
		}
	}
	return nil
}

// RemoveFile implements Syncer.RemoveFile.
func (o *Orchestrator) RemoveFile(ctx context.Context, path string) error {
	if !filestore.IsContactFile(path) {
		return nil
	}
	if err := o.pass.Acquire(ctx, 1); err != nil {
		return err
	}
	defer o.pass.Release(1)

	// Replaced by a rename, not deleted.
	if exists, err := fsutil.Exists(path); err == nil && exists {
		return nil
	}

	books, _, err := o.loadBooks(ctx)
	if err != nil {
		return err
	}
	book := o.files.ResolveBookFromPath(path, books)
	if book == nil {
		return nil
	}

	vcardID := filestore.VCardIDFromPath(path)
	c, err := o.store.ContactByVCardID(ctx, vcardID)
	if errors.Is(err, syncerr.ErrNotFound) {
		return nil
	}
	if err != nil {
		return fmt.Errorf("failed to look up contact %s: %w", vcardID, err)
	}

	if book.IsLegacy() {
		if err := o.deleteContact(ctx, c, path); err != nil {
			return err
		}
		return o.removeCopies(*book, vcardID)
	}

	ids, err := o.store.Membership(ctx, c.ID)
	if err != nil {
		return fmt.Errorf("failed to read membership of %s: %w", vcardID, err)
	}
	if !contains(ids, book.ID) {
		return nil
	}
	if err := o.store.RemoveMembership(ctx, c.ID, book.ID); err != nil {
		return fmt.Errorf("failed to remove %s from book %s: %w", vcardID, book.ID, err)
	}
	o.logger.Printf("Removed %s from book %s: %s was deleted", vcardID, book.ID, path)

	if len(ids) == 1 {
		if err := o.deleteContact(ctx, c, path); err != nil {
			return err
		}
	}
	return o.removeCopies(*book, vcardID)
}

// removeCopies deletes the master and fan-out copies of vcardID left in
// book, so the next inbound pass cannot import the contact back.
func (o *Orchestrator) removeCopies(book schema.AddressBook, vcardID string) error {
	var fanout []string
	if o.accounts != nil && !book.IsLegacy() {
		names, err := o.accounts.AccountsForBook(book.ID)
		if err != nil {
			return fmt.Errorf("failed to list accounts of book %s: %w", book.ID, err)
		}
		fanout = names
	}
	if err := o.files.Delete(book, vcardID, fanout); err != nil {
		return fmt.Errorf("failed to remove copies of %s from book %s: %w", vcardID, book.ID, err)
	}
	return nil
}

func (o *Orchestrator) deleteContact(ctx context.Context, c *schema.Contact, path string) error {
	if err := o.store.DeleteContact(ctx, c.ID); err != nil && !errors.Is(err, syncerr.ErrNotFound) {
		return fmt.Errorf("failed to delete contact %s: %w", c.VCardID, err)
	}
	o.logger.Printf("Deleted contact %s: %s was deleted", c.VCardID, path)
	return nil
}

func validVCardID(id string) bool {
	return id != "" && !strings.HasPrefix(id, ".") && !strings.ContainsAny(id, "/\\\x00")
}

func contains(ids []string, id string) bool {
	for _, v := range ids {
		if v == id {
			return true
		}
	}
	return false
}

func without(ids []string, id string) []string {
	out := make([]string, 0, len(ids))
	for _, v := range ids {
		if v != id {
			out = append(out, v)
		}
	}
	return out
}
