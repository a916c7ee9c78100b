package sync

import (
	"context"

	"github.com/cardsync/cardsync/internal/schema"
)

// Syncer keeps the contacts database and the contact file tree consistent.
//
// Both passes are idempotent and safe to re-run at any time. Individual
// contact failures never stop a pass: they are logged and collected in the
// Result. A returned error means the pass itself could not run (the database
// or the file tree was unreachable) and should be retried on the next tick.
type Syncer interface {
	// Outbound writes contacts changed in the database to their master
	// files and every fan-out copy, removes master files of contacts that
	// no longer belong to the book, and mirrors each book into its
	// read-only subscription account.
	//
	// Example:
	//   result, err := syncer.Outbound(ctx)
	Outbound(ctx context.Context) (*Result, error)

	// Inbound reads every contact file and creates or updates the matching
	// database rows. Membership of books whose directories are present but
	// no longer contain a contact is revoked, and file-origin contacts left
	// without any book are deleted.
	//
	// Example:
	//   result, err := syncer.Inbound(ctx)
	Inbound(ctx context.Context) (*Result, error)

	// RemoveFile handles the deletion of one contact file. The contact
	// loses its membership in the file's book, and is deleted once it
	// belongs to no book. The remaining copies of the contact in that book
	// (master and fan-out) are removed with it. Returns nil if the file
	// still exists or maps to no known contact (idempotent).
	//
	// Example:
	//   err := syncer.RemoveFile(ctx, "/data/collection-root/alice-<book>/c1.vcf")
	RemoveFile(ctx context.Context, path string) error
}

// Store is the persistence contract the orchestrator relies on. Each call is
// assumed consistent on its own; no multi-call transaction is required.
//
// Lookups that find nothing return an error matching syncerr.ErrNotFound,
// and CreateContact reports a taken vcard id with syncerr.ErrAlreadyExists.
type Store interface {
	ContactsNeedingSync(ctx context.Context) ([]*schema.Contact, error)
	AllContacts(ctx context.Context) ([]*schema.Contact, error)
	ContactByVCardID(ctx context.Context, vcardID string) (*schema.Contact, error)
	CreateContact(ctx context.Context, c *schema.Contact) error
	UpdateContact(ctx context.Context, c *schema.Contact) error
	DeleteContact(ctx context.Context, id int64) error
	UpdateSyncMetadata(ctx context.Context, id int64, meta schema.SyncMetadata) error

	Membership(ctx context.Context, contactID int64) ([]string, error)
	SetMembership(ctx context.Context, contactID int64, bookIDs []string) error
	AddMembership(ctx context.Context, contactID int64, bookID string) error
	RemoveMembership(ctx context.Context, contactID int64, bookID string) error
	AllMemberships(ctx context.Context) (map[int64][]string, error)

	ListBooks(ctx context.Context) ([]schema.AddressBook, error)
	DefaultBook(ctx context.Context) (*schema.AddressBook, error)
}

// Accounts reports the physical accounts that receive fan-out copies.
// Implementations must read the credential store on every call.
type Accounts interface {
	// AccountsForBook returns the composite accounts of a book.
	AccountsForBook(bookID string) ([]string, error)
	// AccountNames returns every account in the credential store.
	AccountNames() ([]string, error)
}
