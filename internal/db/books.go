package db

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"sort"
	"time"

	"github.com/google/uuid"

	"github.com/cardsync/cardsync/internal/schema"
	"github.com/cardsync/cardsync/internal/syncerr"
)

const bookColumns = `id, slug, name, description, is_public, is_default,
	readonly_username, readonly_password_hash, created_at`

// ListBooks returns every address book, default first, then by slug.
func (db *DB) ListBooks(ctx context.Context) ([]schema.AddressBook, error) {
	rows, err := db.query(ctx, `
		SELECT `+bookColumns+`
		FROM address_books
		ORDER BY is_default DESC, slug
	`)
	if err != nil {
		return nil, fmt.Errorf("failed to query address books: %w", err)
	}
	defer rows.Close()

	var books []schema.AddressBook
	for rows.Next() {
		b, err := scanBook(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan address book: %w", err)
		}
		books = append(books, *b)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to iterate address books: %w", err)
	}
	return books, nil
}

// DefaultBook returns the book flagged as default, else the first book by
// slug. It returns nil, nil when no books exist.
func (db *DB) DefaultBook(ctx context.Context) (*schema.AddressBook, error) {
	row := db.queryRow(ctx, `
		SELECT `+bookColumns+`
		FROM address_books
		ORDER BY is_default DESC, slug
		LIMIT 1
	`)
	b, err := scanBook(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get default address book: %w", err)
	}
	return b, nil
}

// BookBySlug returns the book with the given slug, or ErrNotFound.
func (db *DB) BookBySlug(ctx context.Context, slug string) (*schema.AddressBook, error) {
	row := db.queryRow(ctx, `SELECT `+bookColumns+` FROM address_books WHERE slug = ?`, slug)
	b, err := scanBook(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get address book %s: %w", slug, err)
	}
	return b, nil
}

// CreateBook inserts b, assigning a new id when empty. The first book
// created becomes the default; creating another default clears the flag on
// the others.
func (db *DB) CreateBook(ctx context.Context, b *schema.AddressBook) error {
	if b.ID == "" {
		b.ID = uuid.NewString()
	}
	if err := b.Validate(); err != nil {
		return syncerr.Validation("address book: %v", err)
	}
	if b.CreatedAt.IsZero() {
		b.CreatedAt = time.Now().UTC()
	}

	tx, err := db.conn.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	var count int
	if err := tx.QueryRowContext(ctx, `SELECT COUNT(*) FROM address_books`).Scan(&count); err != nil {
		return fmt.Errorf("failed to count address books: %w", err)
	}
	if count == 0 {
		b.IsDefault = true
	}
	if b.IsDefault && count > 0 {
		if _, err := tx.ExecContext(ctx, `UPDATE address_books SET is_default = 0`); err != nil {
			return fmt.Errorf("failed to clear default address book: %w", err)
		}
	}

	_, err = tx.ExecContext(ctx, db.rebind(`
		INSERT INTO address_books (`+bookColumns+`)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
	`),
		b.ID, b.Slug, b.Name, b.Description,
		boolToInt(b.Public), boolToInt(b.IsDefault),
		b.ReadOnlyUsername, b.ReadOnlyPasswordHash,
		formatTime(b.CreatedAt),
	)
	if isUniqueViolation(err) {
		return fmt.Errorf("address book %s: %w", b.Slug, syncerr.ErrAlreadyExists)
	}
	if err != nil {
		return fmt.Errorf("failed to create address book: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit transaction: %w", err)
	}
	return nil
}

// SetReadOnlySubscription enables (non-empty username) or disables the
// read-only subscription account of a book.
func (db *DB) SetReadOnlySubscription(ctx context.Context, bookID, username, hash string) error {
	res, err := db.exec(ctx, `
		UPDATE address_books SET readonly_username = ?, readonly_password_hash = ?
		WHERE id = ?
	`, username, hash, bookID)
	if err != nil {
		return fmt.Errorf("failed to update address book %s: %w", bookID, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to read affected rows: %w", err)
	}
	if n == 0 {
		return fmt.Errorf("address book %s: %w", bookID, ErrNotFound)
	}
	return nil
}

func scanBook(row rowScanner) (*schema.AddressBook, error) {
	var (
		b                 schema.AddressBook
		public, isDefault int
		createdAt         string
	)
	err := row.Scan(&b.ID, &b.Slug, &b.Name, &b.Description, &public, &isDefault,
		&b.ReadOnlyUsername, &b.ReadOnlyPasswordHash, &createdAt)
	if err != nil {
		return nil, err
	}
	b.Public = public != 0
	b.IsDefault = isDefault != 0
	if b.CreatedAt, err = parseTime(createdAt); err != nil {
		return nil, err
	}
	return &b, nil
}

// ===== Memberships =====

// Membership returns the ids of the books a contact belongs to.
func (db *DB) Membership(ctx context.Context, contactID int64) ([]string, error) {
	rows, err := db.query(ctx, `
		SELECT address_book_id FROM contact_address_books
		WHERE contact_id = ?
		ORDER BY address_book_id
	`, contactID)
	if err != nil {
		return nil, fmt.Errorf("failed to query membership of contact %d: %w", contactID, err)
	}
	defer rows.Close()

	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, fmt.Errorf("failed to scan membership: %w", err)
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}

// SetMembership replaces the book set of a contact in one transaction.
func (db *DB) SetMembership(ctx context.Context, contactID int64, bookIDs []string) error {
	tx, err := db.conn.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	if _, err := tx.ExecContext(ctx, db.rebind(`DELETE FROM contact_address_books WHERE contact_id = ?`), contactID); err != nil {
		return fmt.Errorf("failed to clear membership of contact %d: %w", contactID, err)
	}
	for _, id := range dedupe(bookIDs) {
		if _, err := tx.ExecContext(ctx, db.rebind(`
			INSERT INTO contact_address_books (contact_id, address_book_id) VALUES (?, ?)
		`), contactID, id); err != nil {
			return fmt.Errorf("failed to add contact %d to book %s: %w", contactID, id, err)
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit transaction: %w", err)
	}
	return nil
}

// AddMembership adds one book to a contact. Existing membership is kept.
func (db *DB) AddMembership(ctx context.Context, contactID int64, bookID string) error {
	_, err := db.exec(ctx, `
		INSERT INTO contact_address_books (contact_id, address_book_id) VALUES (?, ?)
		ON CONFLICT DO NOTHING
	`, contactID, bookID)
	if err != nil {
		return fmt.Errorf("failed to add contact %d to book %s: %w", contactID, bookID, err)
	}
	return nil
}

// RemoveMembership removes one book from a contact. Removing a membership
// that does not exist is not an error.
func (db *DB) RemoveMembership(ctx context.Context, contactID int64, bookID string) error {
	_, err := db.exec(ctx, `
		DELETE FROM contact_address_books WHERE contact_id = ? AND address_book_id = ?
	`, contactID, bookID)
	if err != nil {
		return fmt.Errorf("failed to remove contact %d from book %s: %w", contactID, bookID, err)
	}
	return nil
}

// AllMemberships returns the book ids of every contact that has at least one.
func (db *DB) AllMemberships(ctx context.Context) (map[int64][]string, error) {
	rows, err := db.query(ctx, `
		SELECT contact_id, address_book_id FROM contact_address_books
		ORDER BY contact_id, address_book_id
	`)
	if err != nil {
		return nil, fmt.Errorf("failed to query memberships: %w", err)
	}
	defer rows.Close()

	result := make(map[int64][]string)
	for rows.Next() {
		var (
			contactID int64
			bookID    string
		)
		if err := rows.Scan(&contactID, &bookID); err != nil {
			return nil, fmt.Errorf("failed to scan membership: %w", err)
		}
		result[contactID] = append(result[contactID], bookID)
	}
	return result, rows.Err()
}

// ===== Users =====

// CreateUser records a base user. Returns syncerr.ErrAlreadyExists when the
// user is already present.
func (db *DB) CreateUser(ctx context.Context, username string) error {
	_, err := db.exec(ctx, `INSERT INTO users (username, created_at) VALUES (?, ?)`,
		username, formatTime(time.Now()))
	if isUniqueViolation(err) {
		return fmt.Errorf("user %s: %w", username, syncerr.ErrAlreadyExists)
	}
	if err != nil {
		return fmt.Errorf("failed to create user %s: %w", username, err)
	}
	return nil
}

// DeleteUser removes a base user and its book assignments. A missing user
// is not an error.
func (db *DB) DeleteUser(ctx context.Context, username string) error {
	if _, err := db.exec(ctx, `DELETE FROM users WHERE username = ?`, username); err != nil {
		return fmt.Errorf("failed to delete user %s: %w", username, err)
	}
	return nil
}

// ListUsers returns every recorded base user, sorted.
func (db *DB) ListUsers(ctx context.Context) ([]string, error) {
	rows, err := db.query(ctx, `SELECT username FROM users ORDER BY username`)
	if err != nil {
		return nil, fmt.Errorf("failed to query users: %w", err)
	}
	defer rows.Close()

	var users []string
	for rows.Next() {
		var u string
		if err := rows.Scan(&u); err != nil {
			return nil, fmt.Errorf("failed to scan user: %w", err)
		}
		users = append(users, u)
	}
	return users, rows.Err()
}

// AssignBook grants a user explicit access to a private book. The user row
// is created if missing.
func (db *DB) AssignBook(ctx context.Context, username, bookID string) error {
	if _, err := db.exec(ctx, `
		INSERT INTO users (username, created_at) VALUES (?, ?)
		ON CONFLICT DO NOTHING
	`, username, formatTime(time.Now())); err != nil {
		return fmt.Errorf("failed to ensure user %s: %w", username, err)
	}
	if _, err := db.exec(ctx, `
		INSERT INTO user_address_books (username, address_book_id) VALUES (?, ?)
		ON CONFLICT DO NOTHING
	`, username, bookID); err != nil {
		return fmt.Errorf("failed to assign book %s to %s: %w", bookID, username, err)
	}
	return nil
}

// UnassignBook revokes an explicit assignment.
func (db *DB) UnassignBook(ctx context.Context, username, bookID string) error {
	if _, err := db.exec(ctx, `
		DELETE FROM user_address_books WHERE username = ? AND address_book_id = ?
	`, username, bookID); err != nil {
		return fmt.Errorf("failed to unassign book %s from %s: %w", bookID, username, err)
	}
	return nil
}

// UserBookAccess returns the ids of every book a user can see: explicitly
// assigned books plus every public book. Sorted.
func (db *DB) UserBookAccess(ctx context.Context, username string) ([]string, error) {
	rows, err := db.query(ctx, `
		SELECT address_book_id FROM user_address_books WHERE username = ?
		UNION
		SELECT id FROM address_books WHERE is_public = 1
	`, username)
	if err != nil {
		return nil, fmt.Errorf("failed to query book access of %s: %w", username, err)
	}
	defer rows.Close()

	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, fmt.Errorf("failed to scan book access: %w", err)
		}
		ids = append(ids, id)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	sort.Strings(ids)
	return ids, nil
}

// Stats summarizes the database for status output.
type Stats struct {
	Contacts    int `yaml:"contacts"`
	Syncable    int `yaml:"syncable"`
	PendingSync int `yaml:"pending_sync"`
	Books       int `yaml:"books"`
	Users       int `yaml:"users"`
}

// Stats counts contacts, books and users.
func (db *DB) Stats(ctx context.Context) (*Stats, error) {
	var s Stats
	err := db.queryRow(ctx, `
		SELECT
			(SELECT COUNT(*) FROM contacts),
			(SELECT COUNT(*) FROM contacts WHERE vcard_id IS NOT NULL AND vcard_id != ''),
			(SELECT COUNT(*) FROM contacts
			  WHERE vcard_id IS NOT NULL AND vcard_id != ''
			    AND (last_synced_to_file_at IS NULL OR updated_at > last_synced_to_file_at)),
			(SELECT COUNT(*) FROM address_books),
			(SELECT COUNT(*) FROM users)
	`).Scan(&s.Contacts, &s.Syncable, &s.PendingSync, &s.Books, &s.Users)
	if err != nil {
		return nil, fmt.Errorf("failed to compute stats: %w", err)
	}
	return &s, nil
}

func dedupe(ids []string) []string {
	seen := make(map[string]bool, len(ids))
	out := make([]string, 0, len(ids))
	for _, id := range ids {
		if id == "" || seen[id] {
			continue
		}
		seen[id] = true
		out = append(out, id)
	}
	return out
}
