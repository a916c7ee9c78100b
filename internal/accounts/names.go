// Package accounts derives, provisions and retires composite accounts.
//
// A composite account is the physical CardDAV identity "{base}-{bookID}"
// that gives one user a separate account per address book. It exists only as
// a credential entry (with the base user's hash copied in) plus a directory
// under the collection root. It is never stored anywhere else.
package accounts

import (
	"regexp"
	"strings"
)

// Delimiter separates the base username from the book id.
const Delimiter = "-"

// bookIDPattern is the canonical lowercase hyphenated UUID shape.
var bookIDPattern = regexp.MustCompile(`^[0-9a-f]{8}-[0-9a-f]{4}-[0-9a-f]{4}-[0-9a-f]{4}-[0-9a-f]{12}$`)

const bookIDLen = 36

// DeriveName returns the composite username for base and bookID.
func DeriveName(base, bookID string) string {
	return base + Delimiter + bookID
}

// ParseName splits a composite username into its base and book id.
// It returns ok=false for any name that does not end in the delimiter plus a
// canonical book id, so ordinary usernames are never misclassified.
func ParseName(name string) (base, bookID string, ok bool) {
	if len(name) < bookIDLen+len(Delimiter)+1 {
		return "", "", false
	}
	split := len(name) - bookIDLen
	bookID = name[split:]
	if !IsBookID(bookID) {
		return "", "", false
	}
	base, found := strings.CutSuffix(name[:split], Delimiter)
	if !found || base == "" {
		return "", "", false
	}
	return base, bookID, true
}

// IsBookID reports whether s has the canonical book id shape.
func IsBookID(s string) bool {
	return bookIDPattern.MatchString(s)
}

// IsComposite reports whether name is a composite account.
func IsComposite(name string) bool {
	_, _, ok := ParseName(name)
	return ok
}
