// Package vcard parses and generates vCard 3.0 text.
//
// The codec is tolerant on input: folded lines are unfolded, property groups
// are stripped, unknown extension properties are kept, and malformed lines
// are skipped rather than failing the whole document. Output is always
// CRLF-terminated, folded at 75 octets, and carries BEGIN, VERSION, UID and FN.
package vcard

import (
	"errors"
	"strings"
)

// DefaultVersion is emitted when a Card carries no VERSION.
const DefaultVersion = "3.0"

// ErrNotVCard is returned by Parse when the input has no BEGIN:VCARD line.
var ErrNotVCard = errors.New("input is not a vCard")

// TypedValue is one entry of a multi-valued property such as EMAIL or TEL.
// Type holds the normalized TYPE parameter: upper case, comma separated,
// de-duplicated, in first-seen order.
type TypedValue struct {
	Value string `json:"value"`
	Type  string `json:"type,omitempty"`
}

// Name is the 5-part structured N property.
type Name struct {
	Family     string `json:"family,omitempty"`
	Given      string `json:"given,omitempty"`
	Additional string `json:"additional,omitempty"`
	Prefix     string `json:"prefix,omitempty"`
	Suffix     string `json:"suffix,omitempty"`
}

// IsZero reports whether every component is empty.
func (n Name) IsZero() bool {
	return n == Name{}
}

// Address is the 7-part structured ADR property.
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

// IsZero reports whether every address component is empty. Type is ignored.
func (a Address) IsZero() bool {
	for _, part := range a.parts() {
		if part != "" {
			return false
		}
	}
	return true
}

// Flat joins the non-empty components with ", ".
func (a Address) Flat() string {
	var out []string
	for _, part := range a.parts() {
		if part != "" {
			out = append(out, part)
		}
	}
	return strings.Join(out, ", ")
}

func (a Address) parts() []string {
	return []string{a.POBox, a.Extended, a.Street, a.Locality, a.Region, a.PostalCode, a.Country}
}

// Photo is an inline or referenced image. When Encoding is empty, Data is a URI.
type Photo struct {
	Data     string `json:"data"`
	Encoding string `json:"encoding,omitempty"`
	Type     string `json:"type,omitempty"`
}

// CustomField is an extension (X-) property kept verbatim.
type CustomField struct {
	Name   string `json:"name"`
	Params string `json:"params,omitempty"`
	Value  string `json:"value"`
}

// Card is the structured form of a single vCard.
//
// Email, Phone, URL and Address are legacy scalars: Parse fills them from the
// first value of the matching multi-valued property, and Generate only emits
// them when the corresponding list is empty.
type Card struct {
	Version    string
	UID        string
	FN         string
	N          Name
	Nickname   string
	Org        string
	Title      string
	Role       string
	Birthday   string
	Note       string
	Agent      string
	Categories string

	Emails    []TypedValue
	Phones    []TypedValue
	Addresses []Address
	URLs      []TypedValue
	Labels    []TypedValue
	Logos     []TypedValue
	Sounds    []TypedValue
	Keys      []TypedValue

	Photo  *Photo
	Custom []CustomField

	Email   string
	Phone   string
	URL     string
	Address string
}
