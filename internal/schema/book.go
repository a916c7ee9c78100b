package schema

import (
	"fmt"
	"regexp"
	"time"
)

// LegacyCollectionName is the directory used by single-book installations
// that predate address books.
const LegacyCollectionName = "contacts"

var slugPattern = regexp.MustCompile(`^[a-z0-9][a-z0-9_-]*$`)

// AddressBook is a named collection of contacts.
type AddressBook struct {
	ID          string    `json:"id"`
	Slug        string    `json:"slug"`
	Name        string    `json:"name"`
	Description string    `json:"description,omitempty"`
	Public      bool      `json:"public"`
	IsDefault   bool      `json:"is_default"`
	CreatedAt   time.Time `json:"created_at"`

	// ReadOnlyUsername enables a read-only subscription account whose
	// directory mirrors the master copy. Empty means disabled.
	ReadOnlyUsername     string `json:"readonly_username,omitempty"`
	ReadOnlyPasswordHash string `json:"-"`
}

// LegacyBook is the implicit book assumed when no address books exist.
func LegacyBook() AddressBook {
	return AddressBook{
		ID:        LegacyCollectionName,
		Slug:      LegacyCollectionName,
		Name:      "Contacts",
		IsDefault: true,
	}
}

// IsLegacy reports whether b is the implicit single-book fallback.
func (b AddressBook) IsLegacy() bool {
	return b.ID == LegacyCollectionName
}

// HasReadOnlySubscription reports whether a read-only mirror account is configured.
func (b AddressBook) HasReadOnlySubscription() bool {
	return b.ReadOnlyUsername != "" && b.ReadOnlyPasswordHash != ""
}

// DisplayName returns Name, falling back to the slug.
func (b AddressBook) DisplayName() string {
	if b.Name != "" {
		return b.Name
	}
	return b.Slug
}

// Validate checks the fields the database requires.
func (b *AddressBook) Validate() error {
	if b.ID == "" {
		return fmt.Errorf("id is required")
	}
	if !slugPattern.MatchString(b.Slug) {
		return fmt.Errorf("slug %q must be lowercase letters, digits, '-' or '_'", b.Slug)
	}
	if b.Slug == LegacyCollectionName {
		return fmt.Errorf("slug %q is reserved", b.Slug)
	}
	return nil
}
