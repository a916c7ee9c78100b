package accounts

import (
	"context"
	"errors"
	"fmt"
	"log"
	"os"
	"sort"

	"github.com/cardsync/cardsync/internal/credstore"
	"github.com/cardsync/cardsync/internal/schema"
	"github.com/cardsync/cardsync/internal/syncerr"
)

// Credentials is the subset of the credential store the manager needs.
type Credentials interface {
	List() ([]credstore.Entry, error)
	Exists(username string) (bool, error)
	Hash(username string) (string, error)
	SetHash(ctx context.Context, username, hash string) error
	Delete(ctx context.Context, username string) error
}

// Directories scaffolds account directories in the contact file store.
type Directories interface {
	// EnsureAccount creates the account directory and its collection
	// marker if missing.
	EnsureAccount(account string, book schema.AddressBook) error
	// CopyMaster copies every contact file of the book's master directory
	// into the account directory and returns the number of files copied.
	CopyMaster(bookID, account string) (int, error)
	// PruneAccount removes files of the account directory that the book's
	// master directory no longer holds.
	PruneAccount(bookID, account string) (int, error)
}

// Books resolves book metadata for collection markers.
type Books interface {
	ListBooks(ctx context.Context) ([]schema.AddressBook, error)
}

// Failure records one item that could not be reconciled.
type Failure struct {
	Account string
	Err     error
}

// Result summarizes a Reconcile call.
type Result struct {
	Created  []string
	Retired  []string
	Failures []Failure
}

// Err joins every failure, or returns nil.
func (r *Result) Err() error {
	errs := make([]error, 0, len(r.Failures))
	for _, f := range r.Failures {
		errs = append(errs, fmt.Errorf("%s: %w", f.Account, f.Err))
	}
	return errors.Join(errs...)
}

// Manager provisions and retires composite accounts.
type Manager struct {
	creds  Credentials
	dirs   Directories
	books  Books
	logger *log.Logger
}

// NewManager creates a Manager. If logger is nil, a default logger writing
// to stderr is used.
func NewManager(creds Credentials, dirs Directories, books Books, logger *log.Logger) *Manager {
	if logger == nil {
		logger = log.New(os.Stderr, "[accounts] ", log.LstdFlags)
	}
	return &Manager{creds: creds, dirs: dirs, books: books, logger: logger}
}

// Ensure provisions the composite account for base and bookID.
//
// If the credential entry already exists only the directory and marker are
// checked. Otherwise the base user's hash is copied into a new entry, the
// directory is created, cleared of files left from a retired account that
// the master directory no longer holds, and seeded from the master.
// Returns ErrNotFound when the base user has no credential entry.
func (m *Manager) Ensure(ctx context.Context, base, bookID string) error {
	if !IsBookID(bookID) {
		return syncerr.Validation("book id %q is not a canonical id", bookID)
	}
	name := DeriveName(base, bookID)
	book := m.lookupBook(ctx, bookID)

	exists, err := m.creds.Exists(name)
	if err != nil {
		return fmt.Errorf("failed to check account %s: %w", name, err)
	}
	if exists {
		if err := m.dirs.EnsureAccount(name, book); err != nil {
			return fmt.Errorf("failed to ensure directory for %s: %w", name, err)
		}
		return nil
	}

	hash, err := m.creds.Hash(base)
	if err != nil {
		return fmt.Errorf("failed to read hash of base user %s: %w", base, err)
	}
	if err := m.creds.SetHash(ctx, name, hash); err != nil {
		return fmt.Errorf("failed to create account %s: %w", name, err)
	}
	if err := m.dirs.EnsureAccount(name, book); err != nil {
		return fmt.Errorf("failed to create directory for %s: %w", name, err)
	}
	pruned, err := m.dirs.PruneAccount(bookID, name)
	if err != nil {
		return fmt.Errorf("failed to prune %s: %w", name, err)
	}
	copied, err := m.dirs.CopyMaster(bookID, name)
	if err != nil {
		return fmt.Errorf("failed to seed %s: %w", name, err)
	}

	if pruned > 0 {
		m.logger.Printf("Removed %d stale contacts from %s", pruned, name)
	}
	m.logger.Printf("Provisioned composite account %s (%d contacts seeded)", name, copied)
	return nil
}

// Retire removes the composite account's credential entry. The directory is
// left in place for the sync passes to reconcile. Retiring an account that
// does not exist is not an error.
func (m *Manager) Retire(ctx context.Context, base, bookID string) error {
	name := DeriveName(base, bookID)
	err := m.creds.Delete(ctx, name)
	if errors.Is(err, syncerr.ErrNotFound) {
		return nil
	}
	if err != nil {
		return fmt.Errorf("failed to retire account %s: %w", name, err)
	}
	m.logger.Printf("Retired composite account %s", name)
	return nil
}

// Reconcile ensures accounts for books in current but not previous and
// retires accounts for books in previous but not current. Every item is
// attempted; failures are logged and collected in the Result.
func (m *Manager) Reconcile(ctx context.Context, base string, current, previous []string) *Result {
	result := &Result{}
	cur := toSet(current)
	prev := toSet(previous)

	for _, id := range sortedKeys(cur) {
		if prev[id] {
			continue
		}
		if err := m.Ensure(ctx, base, id); err != nil {
			m.logger.Printf("WARNING: failed to ensure %s: %v", DeriveName(base, id), err)
			result.Failures = append(result.Failures, Failure{Account: DeriveName(base, id), Err: err})
			continue
		}
		result.Created = append(result.Created, DeriveName(base, id))
	}

	for _, id := range sortedKeys(prev) {
		if cur[id] {
			continue
		}
		if err := m.Retire(ctx, base, id); err != nil {
			m.logger.Printf("WARNING: failed to retire %s: %v", DeriveName(base, id), err)
			result.Failures = append(result.Failures, Failure{Account: DeriveName(base, id), Err: err})
			continue
		}
		result.Retired = append(result.Retired, DeriveName(base, id))
	}

	return result
}

// AccountsForBook returns the composite accounts that fan out bookID.
func (m *Manager) AccountsForBook(bookID string) ([]string, error) {
	entries, err := m.creds.List()
	if err != nil {
		return nil, err
	}
	var names []string
	for _, e := range entries {
		if _, id, ok := ParseName(e.Username); ok && id == bookID {
			names = append(names, e.Username)
		}
	}
	return names, nil
}

// AccountNames returns every username in the credential store: base users,
// composite accounts and read-only subscription accounts.
func (m *Manager) AccountNames() ([]string, error) {
	entries, err := m.creds.List()
	if err != nil {
		return nil, err
	}
	names := make([]string, 0, len(entries))
	for _, e := range entries {
		names = append(names, e.Username)
	}
	return names, nil
}

// BaseUsers returns the usernames that are neither composite accounts nor
// listed in readOnly.
func (m *Manager) BaseUsers(readOnly []string) ([]string, error) {
	entries, err := m.creds.List()
	if err != nil {
		return nil, err
	}
	skip := toSet(readOnly)
	var names []string
	for _, e := range entries {
		if IsComposite(e.Username) || skip[e.Username] {
			continue
		}
		names = append(names, e.Username)
	}
	sort.Strings(names)
	return names, nil
}

// BooksForUser returns the ids of books base currently has composite
// accounts for.
func (m *Manager) BooksForUser(base string) ([]string, error) {
	entries, err := m.creds.List()
	if err != nil {
		return nil, err
	}
	var ids []string
	for _, e := range entries {
		if b, id, ok := ParseName(e.Username); ok && b == base {
			ids = append(ids, id)
		}
	}
	return ids, nil
}

// ProvisionReadOnly creates or refreshes the read-only subscription account
// of book and ensures its directory exists.
func (m *Manager) ProvisionReadOnly(ctx context.Context, book schema.AddressBook) error {
	if !book.HasReadOnlySubscription() {
		return nil
	}
	if err := m.creds.SetHash(ctx, book.ReadOnlyUsername, book.ReadOnlyPasswordHash); err != nil {
		return fmt.Errorf("failed to provision read-only account %s: %w", book.ReadOnlyUsername, err)
	}
	if err := m.dirs.EnsureAccount(book.ReadOnlyUsername, book); err != nil {
		return fmt.Errorf("failed to create directory for %s: %w", book.ReadOnlyUsername, err)
	}
	return nil
}

func (m *Manager) lookupBook(ctx context.Context, bookID string) schema.AddressBook {
	if m.books != nil {
		books, err := m.books.ListBooks(ctx)
		if err == nil {
			for _, b := range books {
				if b.ID == bookID {
					return b
				}
			}
		}
	}
	return schema.AddressBook{ID: bookID, Slug: bookID}
}

func toSet(ids []string) map[string]bool {
	set := make(map[string]bool, len(ids))
	for _, id := range ids {
		set[id] = true
	}
	return set
}

func sortedKeys(set map[string]bool) []string {
	keys := make([]string, 0, len(set))
	for k := range set {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}
