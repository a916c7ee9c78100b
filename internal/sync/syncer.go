package sync

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"log"
	"os"
	"time"

	"golang.org/x/sync/semaphore"

	"github.com/cardsync/cardsync/internal/conflict"
	"github.com/cardsync/cardsync/internal/filestore"
	"github.com/cardsync/cardsync/internal/schema"
	"github.com/cardsync/cardsync/internal/vcard"
)

// Orchestrator implements Syncer on top of a Store, the contact file tree
// and the credential-backed account list.
//
// Passes run one at a time; a pass started while another is running waits
// for it.
type Orchestrator struct {
	store    Store
	files    *filestore.Store
	accounts Accounts
	logger   *log.Logger

	now      func() time.Time
	pass     *semaphore.Weighted
	observer func(*Result)

	// lastInbound is the start of the last completed inbound pass.
	// Guarded by pass.
	lastInbound time.Time
}

var _ Syncer = (*Orchestrator)(nil)

// New creates an Orchestrator.
//
// If logger is nil, a default logger writing to stderr is used.
//
// Example:
//
//	files := filestore.New(cfg.Storage.Root, nil)
//	manager := accounts.NewManager(creds, files, database, nil)
//	syncer := sync.New(database, files, manager, nil)
//	result, err := syncer.Outbound(ctx)
func New(store Store, files *filestore.Store, accts Accounts, logger *log.Logger) *Orchestrator {
	if logger == nil {
		logger = log.New(os.Stderr, "[sync] ", log.LstdFlags)
	}
	return &Orchestrator{
		store:    store,
		files:    files,
		accounts: accts,
		logger:   logger,
		now:      func() time.Time { return time.Now().UTC() },
		pass:     semaphore.NewWeighted(1),
	}
}

// OnPass registers fn to receive the Result of every completed pass. It is
// called synchronously while the pass still holds the pass lock, so fn must
// not start another pass. Call before the first pass.
func (o *Orchestrator) OnPass(fn func(*Result)) {
	o.observer = fn
}

func (o *Orchestrator) notify(result *Result) {
	if o.observer != nil {
		o.observer(result)
	}
}

// Outbound implements Syncer.Outbound.
func (o *Orchestrator) Outbound(ctx context.Context) (*Result, error) {
	if err := o.pass.Acquire(ctx, 1); err != nil {
		return nil, err
	}
	defer o.pass.Release(1)

	start := time.Now()
	result := &Result{Direction: conflict.Outbound}

	books, def, err := o.loadBooks(ctx)
	if err != nil {
		return nil, err
	}
	contacts, err := o.store.ContactsNeedingSync(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to load contacts needing sync: %w", err)
	}
	memberships, err := o.store.AllMemberships(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to load memberships: %w", err)
	}

	fanouts := newFanoutCache(o.accounts)
	byID := indexBooks(books)

	for _, c := range contacts {
		if err := ctx.Err(); err != nil {
			return result, err
		}
		if !c.Syncable() {
			continue
		}
		targets, err := o.targetBooks(ctx, c, memberships, byID, def)
		if err != nil {
			o.logger.Printf("WARNING: Failed to resolve books of %s: %v", c.VCardID, err)
			result.fail(c.VCardID, err)
			continue
		}
		o.exportContact(ctx, c, targets, fanouts, result)
	}

	// Remove master files no contact claims any more
	if err := o.sweep(ctx, books, def, fanouts, result); err != nil {
		return result, fmt.Errorf("failed to sweep orphaned files: %w", err)
	}

	// Mirror books into their read-only subscription accounts
	o.mirror(books, result)

	result.Duration = time.Since(start)
	o.logger.Printf("Outbound pass complete: %s", result)
	o.notify(result)
	return result, nil
}

// exportContact writes one contact to every target book and advances its
// outbound watermark. Failures are recorded in result.
func (o *Orchestrator) exportContact(ctx context.Context, c *schema.Contact, targets []schema.AddressBook, fanouts *fanoutCache, result *Result) {
	body := candidateBody(c)
	bodyHash := conflict.Hash(body)
	upToDate := isUpToDate(c, bodyHash)

	var (
		wrote      bool
		keptFile   bool
		incomplete bool
		mtime      *time.Time
	)

	for _, book := range targets {
		master := filestore.ContactPath(o.files.MasterDir(book.ID), c.VCardID)

		existing, fileMtime, err := o.files.ReadContact(master)
		if err != nil && !errors.Is(err, fs.ErrNotExist) {
			o.logger.Printf("WARNING: Failed to read %s: %v", master, err)
			result.fail(c.VCardID, err)
			return
		}

		if err == nil {
			fileHash := conflict.Hash(existing)
			if fileHash == bodyHash && upToDate {
				continue
			}
			if fileHash != bodyHash {
				info := conflict.Detect(c, fileMtime, fileHash, conflict.Outbound)
				if info.HasConflict {
					result.Conflicts++
					// Ties favor the database on this pass.
					if conflict.Resolve(info, conflict.Database) == conflict.File {
						o.logger.Printf("Conflict on %s in book %s: file is newer, keeping file", c.VCardID, book.ID)
						keptFile = true
						continue
					}
					o.logger.Printf("Conflict on %s in book %s: database is newer, overwriting file", c.VCardID, book.ID)
				}
			}
		}

		fanout, err := fanouts.get(book.ID)
		if err != nil {
			o.logger.Printf("WARNING: Failed to list accounts of book %s: %v", book.ID, err)
			result.fail(c.VCardID, err)
			return
		}

		written, err := o.files.Write(book, c.VCardID, body, fanout)
		if err != nil {
			o.logger.Printf("WARNING: Failed to write %s to book %s: %v", c.VCardID, book.ID, err)
			result.fail(c.VCardID, err)
			return
		}
		for _, f := range written.Failures {
			result.fail(f.Path, f.Err)
			incomplete = true
		}
		wrote = true

		if info, err := os.Stat(master); err == nil {
			t := info.ModTime()
			mtime = &t
		}
	}

	// The file that won stays pending until the inbound pass imports it;
	// a failed fan-out copy is retried on the next pass.
	if keptFile || incomplete {
		return
	}

	meta := c.Sync
	exported := c.UpdatedAt
	meta.LastSyncedToFileAt = &exported
	meta.ContentHash = bodyHash
	if mtime != nil {
		meta.FileMtime = mtime
	}
	if err := o.store.UpdateSyncMetadata(ctx, c.ID, meta); err != nil {
		o.logger.Printf("WARNING: Failed to update sync metadata of %s: %v", c.VCardID, err)
		result.fail(c.VCardID, err)
		return
	}

	if wrote {
		result.Written++
	} else {
		result.Skipped++
	}
}

// sweep deletes master files (and their fan-out copies) whose vcard id no
// contact in the database places in that book.
func (o *Orchestrator) sweep(ctx context.Context, books []schema.AddressBook, def schema.AddressBook, fanouts *fanoutCache, result *Result) error {
	contacts, err := o.store.AllContacts(ctx)
	if err != nil {
		return err
	}
	memberships, err := o.store.AllMemberships(ctx)
	if err != nil {
		return err
	}

	byID := indexBooks(books)
	confirmed := make(map[string]map[string]bool, len(books))
	confirm := func(bookID, vcardID string) {
		if confirmed[bookID] == nil {
			confirmed[bookID] = make(map[string]bool)
		}
		confirmed[bookID][vcardID] = true
	}
	for _, c := range contacts {
		if !c.Syncable() {
			continue
		}
		claimed := false
		for _, id := range memberships[c.ID] {
			if _, ok := byID[id]; ok {
				confirm(id, c.VCardID)
				claimed = true
			}
		}
		if !claimed {
			confirm(def.ID, c.VCardID)
		}
	}

	for _, book := range books {
		if !o.files.MasterExists(book.ID) {
			continue
		}
		ids, err := o.files.ListMaster(book.ID)
		if err != nil {
			result.fail(book.ID, err)
			continue
		}
		for _, id := range ids {
			if confirmed[book.ID][id] {
				continue
			}
			path := filestore.ContactPath(o.files.MasterDir(book.ID), id)
			if o.unimported(path) {
				continue
			}
			fanout, err := fanouts.get(book.ID)
			if err != nil {
				result.fail(path, err)
				continue
			}
			if err := o.files.Delete(book, id, fanout); err != nil {
				result.fail(path, err)
				continue
			}
			o.logger.Printf("Removed orphaned contact %s from book %s", id, book.ID)
			result.Deleted++
		}
	}
	return nil
}

// unimported reports whether path changed after the last inbound pass
// started, so the database cannot know about it yet. Before any inbound
// pass has run every file is eligible for the sweep.
func (o *Orchestrator) unimported(path string) bool {
	if o.lastInbound.IsZero() {
		return false
	}
	info, err := os.Stat(path)
	if err != nil {
		return false
	}
	return info.ModTime().After(o.lastInbound)
}

// mirror copies each book's master directory into its read-only
// subscription account. Nothing is ever deleted from the mirror.
func (o *Orchestrator) mirror(books []schema.AddressBook, result *Result) {
	for _, book := range books {
		if !book.HasReadOnlySubscription() || !o.files.MasterExists(book.ID) {
			continue
		}
		if err := o.files.EnsureAccount(book.ReadOnlyUsername, book); err != nil {
			o.logger.Printf("WARNING: Failed to prepare read-only account %s: %v", book.ReadOnlyUsername, err)
			result.fail(book.ReadOnlyUsername, err)
			continue
		}
		n, err := o.files.CopyMaster(book.ID, book.ReadOnlyUsername)
		if err != nil {
			o.logger.Printf("WARNING: Failed to mirror book %s: %v", book.ID, err)
			result.fail(book.ReadOnlyUsername, err)
		}
		result.Mirrored += n
	}
}

// loadBooks returns the known books and the default one. Without any book
// the implicit legacy book stands in for both.
func (o *Orchestrator) loadBooks(ctx context.Context) ([]schema.AddressBook, schema.AddressBook, error) {
	books, err := o.store.ListBooks(ctx)
	if err != nil {
		return nil, schema.AddressBook{}, fmt.Errorf("failed to list address books: %w", err)
	}
	if len(books) == 0 {
		legacy := schema.LegacyBook()
		return []schema.AddressBook{legacy}, legacy, nil
	}

	def, err := o.store.DefaultBook(ctx)
	if err != nil {
		return nil, schema.AddressBook{}, fmt.Errorf("failed to get default address book: %w", err)
	}
	if def == nil {
		def = &books[0]
	}
	return books, *def, nil
}

// targetBooks returns the books a contact is written to. A contact without
// any membership is assigned to the default book, and the assignment is
// persisted unless the default is the implicit legacy book.
func (o *Orchestrator) targetBooks(ctx context.Context, c *schema.Contact, memberships map[int64][]string, byID map[string]schema.AddressBook, def schema.AddressBook) ([]schema.AddressBook, error) {
	var targets []schema.AddressBook
	for _, id := range memberships[c.ID] {
		if b, ok := byID[id]; ok {
			targets = append(targets, b)
		}
	}
	if len(targets) > 0 {
		return targets, nil
	}

	if !def.IsLegacy() {
		if err := o.store.SetMembership(ctx, c.ID, []string{def.ID}); err != nil {
			return nil, fmt.Errorf("failed to assign default book: %w", err)
		}
		memberships[c.ID] = []string{def.ID}
	}
	return []schema.AddressBook{def}, nil
}

// candidateBody returns the file content for a contact. The stored raw text
// is used while it still describes the record, that is when the record has
// not changed since it was imported; otherwise the codec regenerates it.
func candidateBody(c *schema.Contact) []byte {
	from := c.Sync.LastSyncedFromFileAt
	if c.RawVCard != "" && from != nil && !c.UpdatedAt.After(*from) {
		return []byte(c.RawVCard)
	}
	return []byte(vcard.Generate(cardFromContact(c)))
}

// isUpToDate reports whether the last outbound write already produced
// bodyHash and nothing was imported since.
func isUpToDate(c *schema.Contact, bodyHash string) bool {
	to := c.Sync.LastSyncedToFileAt
	if to == nil || c.Sync.ContentHash != bodyHash {
		return false
	}
	from := c.Sync.LastSyncedFromFileAt
	return from == nil || !from.After(*to)
}

// isPending reports whether the contact waits for an outbound write.
func isPending(c *schema.Contact) bool {
	to := c.Sync.LastSyncedToFileAt
	return to == nil || c.UpdatedAt.After(*to)
}

func indexBooks(books []schema.AddressBook) map[string]schema.AddressBook {
	byID := make(map[string]schema.AddressBook, len(books))
	for _, b := range books {
		byID[b.ID] = b
	}
	return byID
}

// fanoutCache reads the composite accounts of each book once per pass.
type fanoutCache struct {
	accounts Accounts
	byBook   map[string][]string
}

func newFanoutCache(accts Accounts) *fanoutCache {
	return &fanoutCache{accounts: accts, byBook: make(map[string][]string)}
}

func (f *fanoutCache) get(bookID string) ([]string, error) {
	if names, ok := f.byBook[bookID]; ok {
		return names, nil
	}
	if f.accounts == nil {
		return nil, nil
	}
	names, err := f.accounts.AccountsForBook(bookID)
	if err != nil {
		return nil, err
	}
	f.byBook[bookID] = names
	return names, nil
}
