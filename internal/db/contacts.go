package db

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/cardsync/cardsync/internal/schema"
)

const birthdayLayout = "2006-01-02"

const contactColumns = `
	id, vcard_id,
	display_name, first_name, last_name, middle_name, prefix, suffix, nickname, maiden_name,
	emails, phones, addresses, urls,
	organization, job_title, role, birthday, notes,
	photo, photo_mime, photo_hash,
	custom_fields, raw_vcard,
	created_at, updated_at,
	last_synced_to_file_at, last_synced_from_file_at, content_hash, file_mtime, origin`

// ContactsNeedingSync returns syncable contacts changed since their last
// outbound sync, or never synced.
func (db *DB) ContactsNeedingSync(ctx context.Context) ([]*schema.Contact, error) {
	rows, err := db.query(ctx, `
		SELECT `+contactColumns+`
		FROM contacts
		WHERE vcard_id IS NOT NULL AND vcard_id != ''
		  AND (last_synced_to_file_at IS NULL OR updated_at > last_synced_to_file_at)
		ORDER BY id
	`)
	if err != nil {
		return nil, fmt.Errorf("failed to query contacts needing sync: %w", err)
	}
	defer rows.Close()

	return scanContacts(rows)
}

// AllContacts returns every contact, syncable or not.
func (db *DB) AllContacts(ctx context.Context) ([]*schema.Contact, error) {
	rows, err := db.query(ctx, `SELECT `+contactColumns+` FROM contacts ORDER BY id`)
	if err != nil {
		return nil, fmt.Errorf("failed to query contacts: %w", err)
	}
	defer rows.Close()

	return scanContacts(rows)
}

// ContactByVCardID returns the contact with the given vcard id, or ErrNotFound.
func (db *DB) ContactByVCardID(ctx context.Context, vcardID string) (*schema.Contact, error) {
	row := db.queryRow(ctx, `SELECT `+contactColumns+` FROM contacts WHERE vcard_id = ?`, vcardID)
	c, err := scanContact(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get contact %s: %w", vcardID, err)
	}
	return c, nil
}

// ContactByID returns the contact with the given internal id, or ErrNotFound.
func (db *DB) ContactByID(ctx context.Context, id int64) (*schema.Contact, error) {
	row := db.queryRow(ctx, `SELECT `+contactColumns+` FROM contacts WHERE id = ?`, id)
	c, err := scanContact(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get contact %d: %w", id, err)
	}
	return c, nil
}

// CreateContact inserts c and sets c.ID. Zero timestamps are filled with the
// current time and an empty origin becomes OriginDatabase. Returns
// ErrDuplicate when the vcard id is already taken.
func (db *DB) CreateContact(ctx context.Context, c *schema.Contact) error {
	if err := c.Validate(); err != nil {
		return fmt.Errorf("invalid contact: %w", err)
	}

	now := time.Now().UTC()
	if c.CreatedAt.IsZero() {
		c.CreatedAt = now
	}
	if c.UpdatedAt.IsZero() {
		c.UpdatedAt = c.CreatedAt
	}
	if c.Sync.Origin == "" {
		c.Sync.Origin = schema.OriginDatabase
	}

	args, err := contactArgs(c)
	if err != nil {
		return err
	}

	err = db.queryRow(ctx, `
		INSERT INTO contacts (
			vcard_id,
			display_name, first_name, last_name, middle_name, prefix, suffix, nickname, maiden_name,
			emails, phones, addresses, urls,
			organization, job_title, role, birthday, notes,
			photo, photo_mime, photo_hash,
			custom_fields, raw_vcard,
			created_at, updated_at,
			last_synced_to_file_at, last_synced_from_file_at, content_hash, file_mtime, origin
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		RETURNING id
	`, args...).Scan(&c.ID)
	if isUniqueViolation(err) {
		return fmt.Errorf("%w: %s", ErrDuplicate, c.VCardID)
	}
	if err != nil {
		return fmt.Errorf("failed to create contact: %w", err)
	}
	return nil
}

// UpdateContact overwrites every column of the contact identified by c.ID,
// sync metadata included. Returns ErrNotFound when no row matches.
func (db *DB) UpdateContact(ctx context.Context, c *schema.Contact) error {
	if err := c.Validate(); err != nil {
		return fmt.Errorf("invalid contact: %w", err)
	}
	if c.UpdatedAt.IsZero() {
		c.UpdatedAt = time.Now().UTC()
	}

	args, err := contactArgs(c)
	if err != nil {
		return err
	}
	args = append(args, c.ID)

	res, err := db.exec(ctx, `
		UPDATE contacts SET
			vcard_id = ?,
			display_name = ?, first_name = ?, last_name = ?, middle_name = ?,
			prefix = ?, suffix = ?, nickname = ?, maiden_name = ?,
			emails = ?, phones = ?, addresses = ?, urls = ?,
			organization = ?, job_title = ?, role = ?, birthday = ?, notes = ?,
			photo = ?, photo_mime = ?, photo_hash = ?,
			custom_fields = ?, raw_vcard = ?,
			created_at = ?, updated_at = ?,
			last_synced_to_file_at = ?, last_synced_from_file_at = ?,
			content_hash = ?, file_mtime = ?, origin = ?
		WHERE id = ?
	`, args...)
	if isUniqueViolation(err) {
		return fmt.Errorf("%w: %s", ErrDuplicate, c.VCardID)
	}
	if err != nil {
		return fmt.Errorf("failed to update contact %d: %w", c.ID, err)
	}
	return requireRow(res, c.ID)
}

// DeleteContact removes a contact and, through the foreign key cascade, its
// memberships. Returns ErrNotFound when no row matches.
func (db *DB) DeleteContact(ctx context.Context, id int64) error {
	res, err := db.exec(ctx, `DELETE FROM contacts WHERE id = ?`, id)
	if err != nil {
		return fmt.Errorf("failed to delete contact %d: %w", id, err)
	}
	return requireRow(res, id)
}

// UpdateSyncMetadata writes only the watermark columns of a contact.
// updated_at is left alone so the write is not mistaken for a user edit.
func (db *DB) UpdateSyncMetadata(ctx context.Context, id int64, meta schema.SyncMetadata) error {
	if meta.Origin == "" {
		meta.Origin = schema.OriginDatabase
	}
	res, err := db.exec(ctx, `
		UPDATE contacts SET
			last_synced_to_file_at = ?,
			last_synced_from_file_at = ?,
			content_hash = ?,
			file_mtime = ?,
			origin = ?
		WHERE id = ?
	`,
		timeToNull(meta.LastSyncedToFileAt),
		timeToNull(meta.LastSyncedFromFileAt),
		stringToNull(meta.ContentHash),
		timeToNull(meta.FileMtime),
		string(meta.Origin),
		id,
	)
	if err != nil {
		return fmt.Errorf("failed to update sync metadata of contact %d: %w", id, err)
	}
	return requireRow(res, id)
}

// TouchContact sets updated_at to now so the next outbound pass re-exports
// the contact. Membership edits go through it.
func (db *DB) TouchContact(ctx context.Context, id int64) error {
	res, err := db.exec(ctx, `UPDATE contacts SET updated_at = ? WHERE id = ?`, formatTime(time.Now()), id)
	if err != nil {
		return fmt.Errorf("failed to touch contact %d: %w", id, err)
	}
	return requireRow(res, id)
}

func requireRow(res sql.Result, id int64) error {
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to read affected rows: %w", err)
	}
	if n == 0 {
		return fmt.Errorf("contact %d: %w", id, ErrNotFound)
	}
	return nil
}

// contactArgs returns the insert/update arguments in contactColumns order,
// without the id.
func contactArgs(c *schema.Contact) ([]any, error) {
	emails, err := marshalList(c.Emails)
	if err != nil {
		return nil, err
	}
	phones, err := marshalList(c.Phones)
	if err != nil {
		return nil, err
	}
	addresses, err := marshalList(c.Addresses)
	if err != nil {
		return nil, err
	}
	urls, err := marshalList(c.URLs)
	if err != nil {
		return nil, err
	}
	custom, err := marshalList(c.CustomFields)
	if err != nil {
		return nil, err
	}

	var birthday sql.NullString
	if c.Birthday != nil && !c.Birthday.IsZero() {
		birthday = sql.NullString{String: c.Birthday.Format(birthdayLayout), Valid: true}
	}

	origin := c.Sync.Origin
	if origin == "" {
		origin = schema.OriginDatabase
	}

	return []any{
		stringToNull(c.VCardID),
		c.DisplayName, c.FirstName, c.LastName, c.MiddleName, c.Prefix, c.Suffix, c.Nickname, c.MaidenName,
		emails, phones, addresses, urls,
		c.Organization, c.JobTitle, c.Role, birthday, c.Notes,
		c.Photo, c.PhotoMime, c.PhotoHash,
		custom, c.RawVCard,
		formatTime(c.CreatedAt), formatTime(c.UpdatedAt),
		timeToNull(c.Sync.LastSyncedToFileAt),
		timeToNull(c.Sync.LastSyncedFromFileAt),
		stringToNull(c.Sync.ContentHash),
		timeToNull(c.Sync.FileMtime),
		string(origin),
	}, nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanContacts(rows *sql.Rows) ([]*schema.Contact, error) {
	var contacts []*schema.Contact
	for rows.Next() {
		c, err := scanContact(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan contact: %w", err)
		}
		contacts = append(contacts, c)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to iterate contacts: %w", err)
	}
	return contacts, nil
}

func scanContact(row rowScanner) (*schema.Contact, error) {
	var (
		c                               schema.Contact
		vcardID, birthday, contentHash  sql.NullString
		emails, phones, addresses, urls string
		custom, origin                  string
		createdAt, updatedAt            string
		syncedTo, syncedFrom, fileMtime sql.NullString
		photo                           []byte
	)

	err := row.Scan(
		&c.ID, &vcardID,
		&c.DisplayName, &c.FirstName, &c.LastName, &c.MiddleName, &c.Prefix, &c.Suffix, &c.Nickname, &c.MaidenName,
		&emails, &phones, &addresses, &urls,
		&c.Organization, &c.JobTitle, &c.Role, &birthday, &c.Notes,
		&photo, &c.PhotoMime, &c.PhotoHash,
		&custom, &c.RawVCard,
		&createdAt, &updatedAt,
		&syncedTo, &syncedFrom, &contentHash, &fileMtime, &origin,
	)
	if err != nil {
		return nil, err
	}

	c.VCardID = vcardID.String
	c.Sync.ContentHash = contentHash.String
	c.Sync.Origin = schema.Origin(origin)
	if len(photo) > 0 {
		c.Photo = photo
	}

	if err := unmarshalList(emails, &c.Emails); err != nil {
		return nil, err
	}
	if err := unmarshalList(phones, &c.Phones); err != nil {
		return nil, err
	}
	if err := unmarshalList(addresses, &c.Addresses); err != nil {
		return nil, err
	}
	if err := unmarshalList(urls, &c.URLs); err != nil {
		return nil, err
	}
	if err := unmarshalList(custom, &c.CustomFields); err != nil {
		return nil, err
	}

	if birthday.Valid && birthday.String != "" {
		if t, err := time.Parse(birthdayLayout, birthday.String); err == nil {
			c.Birthday = &t
		}
	}

	if c.CreatedAt, err = parseTime(createdAt); err != nil {
		return nil, err
	}
	if c.UpdatedAt, err = parseTime(updatedAt); err != nil {
		return nil, err
	}
	if c.Sync.LastSyncedToFileAt, err = nullToTime(syncedTo); err != nil {
		return nil, err
	}
	if c.Sync.LastSyncedFromFileAt, err = nullToTime(syncedFrom); err != nil {
		return nil, err
	}
	if c.Sync.FileMtime, err = nullToTime(fileMtime); err != nil {
		return nil, err
	}

	return &c, nil
}

func marshalList[T any](items []T) (string, error) {
	if len(items) == 0 {
		return "[]", nil
	}
	data, err := json.Marshal(items)
	if err != nil {
		return "", fmt.Errorf("failed to encode list: %w", err)
	}
	return string(data), nil
}

func unmarshalList[T any](data string, dst *[]T) error {
	if data == "" || data == "[]" {
		return nil
	}
	if err := json.Unmarshal([]byte(data), dst); err != nil {
		return fmt.Errorf("failed to decode list: %w", err)
	}
	return nil
}

func stringToNull(s string) sql.NullString {
	if s == "" {
		return sql.NullString{}
	}
	return sql.NullString{String: s, Valid: true}
}
