// Package engine owns the long-lived state of a cardsync process: the
// database pool, the credential store with its writer lock, the contact file
// tree and the components built on them. One Engine is constructed at
// startup and handed to the daemon and the CLI commands.
package engine

import (
	"context"
	"errors"
	"fmt"
	"log"
	"sort"

	"github.com/cardsync/cardsync/internal/accounts"
	"github.com/cardsync/cardsync/internal/config"
	"github.com/cardsync/cardsync/internal/credstore"
	"github.com/cardsync/cardsync/internal/daemon"
	"github.com/cardsync/cardsync/internal/db"
	"github.com/cardsync/cardsync/internal/filestore"
	"github.com/cardsync/cardsync/internal/health"
	"github.com/cardsync/cardsync/internal/logging"
	"github.com/cardsync/cardsync/internal/schema"
	contactsync "github.com/cardsync/cardsync/internal/sync"
	"github.com/cardsync/cardsync/internal/syncerr"
)

// Engine wires the sync components together.
type Engine struct {
	cfg    *config.Config
	out    *logging.Output
	logger *log.Logger

	db       *db.DB
	tracker  *health.Tracker
	creds    *credstore.Store
	files    *filestore.Store
	accounts *accounts.Manager
	syncer   *contactsync.Orchestrator
}

var (
	_ daemon.Provisioner = (*Engine)(nil)
	_ daemon.WatchSet    = (*Engine)(nil)
)

// New opens the database and builds every component. It does not run
// migrations; call Migrate (or Run, which does) before syncing.
// A nil out logs to stderr.
func New(cfg *config.Config, out *logging.Output) (*Engine, error) {
	if cfg == nil {
		return nil, fmt.Errorf("config cannot be nil")
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if out == nil {
		out = logging.NewOutput(config.LogConfig{})
	}

	database, err := db.Open(cfg.Database.Driver, cfg.Database.DSN)
	if err != nil {
		return nil, err
	}
	database.SetLogger(out.Logger("db"))

	opts := []credstore.Option{
		credstore.WithLockTimeout(cfg.Credentials.LockTimeout),
		credstore.WithLogger(out.Logger("credstore")),
	}
	if cfg.Credentials.BcryptCost > 0 {
		opts = append(opts, credstore.WithCost(cfg.Credentials.BcryptCost))
	}
	creds := credstore.New(cfg.Credentials.File, opts...)

	files := filestore.New(cfg.Storage.Root, out.Logger("filestore"))
	manager := accounts.NewManager(creds, files, database, out.Logger("accounts"))

	return &Engine{
		cfg:      cfg,
		out:      out,
		logger:   out.Logger("engine"),
		db:       database,
		tracker:  health.NewTracker(),
		creds:    creds,
		files:    files,
		accounts: manager,
		syncer:   contactsync.New(database, files, manager, out.Logger("sync")),
	}, nil
}

// DB returns the database.
func (e *Engine) DB() *db.DB { return e.db }

// Files returns the contact file tree.
func (e *Engine) Files() *filestore.Store { return e.files }

// Syncer returns the sync orchestrator.
func (e *Engine) Syncer() *contactsync.Orchestrator { return e.syncer }

// Health returns the readiness tracker.
func (e *Engine) Health() *health.Tracker { return e.tracker }

// Migrate applies pending schema migrations and records the outcome in the
// readiness tracker.
func (e *Engine) Migrate(ctx context.Context) error {
	if err := e.db.Migrate(ctx); err != nil {
		err = fmt.Errorf("migrations failed: %w", err)
		e.tracker.MarkFatal(err)
		return err
	}
	e.tracker.MarkMigrated()
	return nil
}

// Close releases the database and the log file.
func (e *Engine) Close() error {
	return errors.Join(e.db.Close(), e.out.Close())
}

// Books returns every address book, or the legacy book when none exist.
func (e *Engine) Books(ctx context.Context) ([]schema.AddressBook, error) {
	books, err := e.db.ListBooks(ctx)
	if err != nil {
		return nil, err
	}
	if len(books) == 0 {
		return []schema.AddressBook{schema.LegacyBook()}, nil
	}
	return books, nil
}

// WatchDirs returns the master directory of every book and the directory of
// every account that receives fan-out copies.
func (e *Engine) WatchDirs(ctx context.Context) ([]string, error) {
	books, err := e.Books(ctx)
	if err != nil {
		return nil, err
	}
	names, err := e.accounts.AccountNames()
	if err != nil {
		return nil, err
	}
	return e.files.ScanDirs(books, names), nil
}

// ProvisionAccounts brings the credential store in line with the database:
// every book gets its master directory, every base user gets one composite
// account per book it can access, and read-only subscription accounts are
// refreshed. Failures are collected without stopping the rest.
func (e *Engine) ProvisionAccounts(ctx context.Context) error {
	books, err := e.db.ListBooks(ctx)
	if err != nil {
		return fmt.Errorf("failed to list books: %w", err)
	}
	if len(books) == 0 {
		return nil
	}

	var errs []error
	for _, b := range books {
		if err := e.files.EnsureCollection(e.files.MasterDir(b.ID), b); err != nil {
			errs = append(errs, err)
		}
	}

	users, err := e.accounts.BaseUsers(e.readOnlyUsers(books))
	if err != nil {
		return fmt.Errorf("failed to list users: %w", err)
	}
	for _, user := range users {
		result, err := e.reconcileAccess(ctx, user)
		if err != nil {
			errs = append(errs, fmt.Errorf("%s: %w", user, err))
			continue
		}
		if err := result.Err(); err != nil {
			errs = append(errs, err)
		}
	}

	for _, b := range books {
		if err := e.accounts.ProvisionReadOnly(ctx, b); err != nil {
			errs = append(errs, err)
		}
	}

	return errors.Join(errs...)
}

// readOnlyUsers lists the configured subscription-only accounts plus the
// read-only account of every book.
func (e *Engine) readOnlyUsers(books []schema.AddressBook) []string {
	names := append([]string(nil), e.cfg.Books.ReadOnlyUsers...)
	for _, b := range books {
		if b.ReadOnlyUsername != "" {
			names = append(names, b.ReadOnlyUsername)
		}
	}
	return names
}

// reconcileAccess reconciles base against the books the database grants it.
func (e *Engine) reconcileAccess(ctx context.Context, base string) (*accounts.Result, error) {
	current, err := e.db.UserBookAccess(ctx, base)
	if err != nil {
		return nil, err
	}
	previous, err := e.accounts.BooksForUser(base)
	if err != nil {
		return nil, err
	}
	return e.ReconcileUser(ctx, base, current, previous), nil
}

// ReconcileUser creates composite accounts for books in current but not in
// previous and retires those only in previous.
func (e *Engine) ReconcileUser(ctx context.Context, base string, current, previous []string) *accounts.Result {
	result := e.accounts.Reconcile(ctx, base, current, previous)
	if len(result.Created) > 0 || len(result.Retired) > 0 {
		e.logger.Printf("Reconciled %s: created %v, retired %v", base, result.Created, result.Retired)
	}
	return result
}

// ReconcileAccess reconciles one base user against the database.
func (e *Engine) ReconcileAccess(ctx context.Context, base string) (*accounts.Result, error) {
	if accounts.IsComposite(base) {
		return nil, syncerr.Validation("%q is a composite account", base)
	}
	return e.reconcileAccess(ctx, base)
}

// CreateUser adds a base user to the credential store and the database and
// provisions composite accounts for the books it can access.
func (e *Engine) CreateUser(ctx context.Context, username, password string) error {
	if accounts.IsComposite(username) {
		return syncerr.Validation("username %q is reserved for composite accounts", username)
	}
	if err := e.creds.Create(ctx, username, password); err != nil {
		return err
	}
	if err := e.db.CreateUser(ctx, username); err != nil && !errors.Is(err, syncerr.ErrAlreadyExists) {
		return err
	}
	result, err := e.reconcileAccess(ctx, username)
	if err != nil {
		return err
	}
	return result.Err()
}

// UpdatePassword changes a base user's password and copies the new hash to
// each of its composite accounts.
func (e *Engine) UpdatePassword(ctx context.Context, username, password string) error {
	if err := e.creds.Update(ctx, username, password); err != nil {
		return err
	}
	hash, err := e.creds.Hash(username)
	if err != nil {
		return err
	}
	bookIDs, err := e.accounts.BooksForUser(username)
	if err != nil {
		return err
	}
	var errs []error
	for _, id := range bookIDs {
		if err := e.creds.SetHash(ctx, accounts.DeriveName(username, id), hash); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// DeleteUser removes a base user, retires its composite accounts and drops
// its book assignments. Account directories are left in place.
func (e *Engine) DeleteUser(ctx context.Context, username string) error {
	if err := e.creds.Delete(ctx, username); err != nil {
		return err
	}
	previous, err := e.accounts.BooksForUser(username)
	if err != nil {
		return err
	}
	result := e.ReconcileUser(ctx, username, nil, previous)
	if err := e.db.DeleteUser(ctx, username); err != nil && !errors.Is(err, syncerr.ErrNotFound) {
		return err
	}
	return result.Err()
}

// UserInfo describes one base user.
type UserInfo struct {
	Username string   `yaml:"username"`
	Books    []string `yaml:"books"`
}

// ListUsers returns every base user with the slugs of the books it has
// composite accounts for.
func (e *Engine) ListUsers(ctx context.Context) ([]UserInfo, error) {
	books, err := e.db.ListBooks(ctx)
	if err != nil {
		return nil, err
	}
	users, err := e.accounts.BaseUsers(e.readOnlyUsers(books))
	if err != nil {
		return nil, err
	}
	slugs := make(map[string]string, len(books))
	for _, b := range books {
		slugs[b.ID] = b.Slug
	}

	infos := make([]UserInfo, 0, len(users))
	for _, u := range users {
		ids, err := e.accounts.BooksForUser(u)
		if err != nil {
			return nil, err
		}
		info := UserInfo{Username: u, Books: []string{}}
		for _, id := range ids {
			if slug, ok := slugs[id]; ok {
				info.Books = append(info.Books, slug)
			} else {
				info.Books = append(info.Books, id)
			}
		}
		sort.Strings(info.Books)
		infos = append(infos, info)
	}
	return infos, nil
}

// CreateBook adds an address book. The first book becomes the default.
func (e *Engine) CreateBook(ctx context.Context, b *schema.AddressBook) error {
	if err := e.db.CreateBook(ctx, b); err != nil {
		return err
	}
	return e.files.EnsureCollection(e.files.MasterDir(b.ID), *b)
}

// SetReadOnly enables a read-only subscription account for a book. The
// password is hashed with the credential store's cost; an empty username
// disables the subscription.
func (e *Engine) SetReadOnly(ctx context.Context, slug, username, password string) error {
	book, err := e.db.BookBySlug(ctx, slug)
	if err != nil {
		return err
	}
	if username == "" {
		return e.db.SetReadOnlySubscription(ctx, book.ID, "", "")
	}
	hash, err := e.creds.HashPassword(username, password)
	if err != nil {
		return err
	}
	if err := e.db.SetReadOnlySubscription(ctx, book.ID, username, hash); err != nil {
		return err
	}
	book.ReadOnlyUsername, book.ReadOnlyPasswordHash = username, hash
	return e.accounts.ProvisionReadOnly(ctx, *book)
}

// AssignBook grants a user access to a book and provisions the composite
// account.
func (e *Engine) AssignBook(ctx context.Context, username, slug string) error {
	book, err := e.db.BookBySlug(ctx, slug)
	if err != nil {
		return err
	}
	if err := e.db.AssignBook(ctx, username, book.ID); err != nil {
		return err
	}
	result, err := e.reconcileAccess(ctx, username)
	if err != nil {
		return err
	}
	return result.Err()
}

// UnassignBook revokes a user's explicit access to a book and retires the
// composite account unless the book is public.
func (e *Engine) UnassignBook(ctx context.Context, username, slug string) error {
	book, err := e.db.BookBySlug(ctx, slug)
	if err != nil {
		return err
	}
	if err := e.db.UnassignBook(ctx, username, book.ID); err != nil {
		return err
	}
	result, err := e.reconcileAccess(ctx, username)
	if err != nil {
		return err
	}
	return result.Err()
}

// Direction selects the passes SyncOnce runs.
type Direction string

const (
	DirectionBoth     Direction = "both"
	DirectionInbound  Direction = "inbound"
	DirectionOutbound Direction = "outbound"
)

// SyncOnce provisions accounts and runs the requested passes, inbound
// first. The returned results are in execution order.
func (e *Engine) SyncOnce(ctx context.Context, dir Direction) ([]*contactsync.Result, error) {
	if err := e.ProvisionAccounts(ctx); err != nil {
		e.logger.Printf("Warning: %v", err)
	}

	var results []*contactsync.Result
	if dir == DirectionBoth || dir == DirectionInbound {
		r, err := e.syncer.Inbound(ctx)
		if err != nil {
			return results, err
		}
		results = append(results, r)
	}
	if dir == DirectionBoth || dir == DirectionOutbound {
		r, err := e.syncer.Outbound(ctx)
		if err != nil {
			return results, err
		}
		results = append(results, r)
	}
	return results, nil
}
