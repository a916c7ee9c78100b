package schema

import (
	"fmt"
	"strings"
	"time"
)

// Origin records which side first created a contact.
type Origin string

const (
	// OriginDatabase marks contacts created through the web UI.
	OriginDatabase Origin = "database"
	// OriginAPI marks contacts created through the HTTP API.
	OriginAPI Origin = "api"
	// OriginFile marks contacts first seen as a file in the CardDAV store.
	OriginFile Origin = "file"
)

// Valid reports whether o is one of the known origins.
func (o Origin) Valid() bool {
	switch o {
	case OriginDatabase, OriginAPI, OriginFile:
		return true
	}
	return false
}

// TypedValue is one email, phone or URL entry.
type TypedValue struct {
	Value string `json:"value"`
	Type  string `json:"type,omitempty"`
}

// Address is one structured postal address.
type Address struct {
	Type       string `json:"type,omitempty"`
	POBox      string `json:"po_box,omitempty"`
	Extended   string `json:"extended,omitempty"`
	Street     string `json:"street,omitempty"`
	Locality   string `json:"locality,omitempty"`
	Region     string `json:"region,omitempty"`
	PostalCode string `json:"postal_code,omitempty"`
	Country    string `json:"country,omitempty"`
}

// CustomField is a preserved vCard property without a column of its own:
// X- extensions, plus LABEL, LOGO, SOUND, KEY, AGENT and CATEGORIES under
// their own names.
type CustomField struct {
	Name   string `json:"name"`
	Params string `json:"params,omitempty"`
	Value  string `json:"value"`
}

// SyncMetadata is the per-contact watermark state.
type SyncMetadata struct {
	LastSyncedToFileAt   *time.Time `json:"last_synced_to_file_at,omitempty"`
	LastSyncedFromFileAt *time.Time `json:"last_synced_from_file_at,omitempty"`
	ContentHash          string     `json:"content_hash,omitempty"`
	FileMtime            *time.Time `json:"file_mtime,omitempty"`
	Origin               Origin     `json:"origin"`
}

// Contact is the canonical database record.
type Contact struct {
	// ===== Identification =====
	ID      int64  `json:"id"`
	VCardID string `json:"vcard_id,omitempty"`

	// ===== Name =====
	DisplayName string `json:"display_name,omitempty"`
	FirstName   string `json:"first_name,omitempty"`
	LastName    string `json:"last_name,omitempty"`
	MiddleName  string `json:"middle_name,omitempty"`
	Prefix      string `json:"prefix,omitempty"`
	Suffix      string `json:"suffix,omitempty"`
	Nickname    string `json:"nickname,omitempty"`
	MaidenName  string `json:"maiden_name,omitempty"`

	// ===== Contact Details =====
	Emails    []TypedValue `json:"emails,omitempty"`
	Phones    []TypedValue `json:"phones,omitempty"`
	Addresses []Address    `json:"addresses,omitempty"`
	URLs      []TypedValue `json:"urls,omitempty"`

	// ===== Work =====
	Organization string `json:"organization,omitempty"`
	JobTitle     string `json:"job_title,omitempty"`
	Role         string `json:"role,omitempty"`

	// ===== Personal =====
	Birthday *time.Time `json:"birthday,omitempty"`
	Notes    string     `json:"notes,omitempty"`

	// ===== Photo =====
	Photo     []byte `json:"-"`
	PhotoMime string `json:"photo_mime,omitempty"`
	PhotoHash string `json:"photo_hash,omitempty"`

	// ===== vCard Passthrough =====
	CustomFields []CustomField `json:"custom_fields,omitempty"`
	RawVCard     string        `json:"raw_vcard,omitempty"`

	// ===== Timestamps =====
	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`

	Sync SyncMetadata `json:"sync"`
}

// Validate checks the fields the database requires.
func (c *Contact) Validate() error {
	if strings.ContainsAny(c.VCardID, "/\\\x00") {
		return fmt.Errorf("vcard_id %q contains a path separator", c.VCardID)
	}
	if c.Sync.Origin != "" && !c.Sync.Origin.Valid() {
		return fmt.Errorf("invalid origin %q", c.Sync.Origin)
	}
	return nil
}

// Syncable reports whether the contact takes part in file synchronization.
func (c *Contact) Syncable() bool {
	return c.VCardID != ""
}

// Filename returns the canonical file name for this contact: {vcard_id}.vcf
func (c *Contact) Filename() string {
	return c.VCardID + ".vcf"
}

// PrimaryEmail returns the first email address, or "".
func (c *Contact) PrimaryEmail() string {
	if len(c.Emails) == 0 {
		return ""
	}
	return c.Emails[0].Value
}
