package sync

import (
	"crypto/sha256"
	"encoding/base64"
	"encoding/hex"
	"strings"
	"time"

	"github.com/cardsync/cardsync/internal/schema"
	"github.com/cardsync/cardsync/internal/vcard"
)

const (
	maidenNamePrefix = "Maiden name:"
	typeParamPrefix  = "TYPE="
)

// cardFromContact builds the codec record for a database contact.
func cardFromContact(c *schema.Contact) *vcard.Card {
	card := &vcard.Card{
		Version: vcard.DefaultVersion,
		UID:     c.VCardID,
		FN:      c.DisplayName,
		N: vcard.Name{
			Family:     c.LastName,
			Given:      c.FirstName,
			Additional: c.MiddleName,
			Prefix:     c.Prefix,
			Suffix:     c.Suffix,
		},
		Nickname: c.Nickname,
		Org:      c.Organization,
		Title:    c.JobTitle,
		Role:     c.Role,
		Note:     joinNote(c.Notes, c.MaidenName),
	}

	if c.Birthday != nil && !c.Birthday.IsZero() {
		card.Birthday = c.Birthday.Format("2006-01-02")
	}

	card.Emails = toCardValues(c.Emails)
	card.Phones = toCardValues(c.Phones)
	card.URLs = toCardValues(c.URLs)
	for _, a := range c.Addresses {
		card.Addresses = append(card.Addresses, vcard.Address(a))
	}

	if len(c.Photo) > 0 {
		card.Photo = &vcard.Photo{
			Data:     base64.StdEncoding.EncodeToString(c.Photo),
			Encoding: "b",
			Type:     photoType(c.PhotoMime),
		}
	}

	for _, f := range c.CustomFields {
		v := vcard.TypedValue{Value: f.Value, Type: strings.TrimPrefix(f.Params, typeParamPrefix)}
		switch strings.ToUpper(f.Name) {
		case "LABEL":
			card.Labels = append(card.Labels, v)
		case "LOGO":
			card.Logos = append(card.Logos, v)
		case "SOUND":
			card.Sounds = append(card.Sounds, v)
		case "KEY":
			card.Keys = append(card.Keys, v)
		case "AGENT":
			card.Agent = f.Value
		case "CATEGORIES":
			card.Categories = f.Value
		default:
			card.Custom = append(card.Custom, vcard.CustomField(f))
		}
	}
	return card
}

// applyCard overwrites the content fields of c with the parsed card.
// Identity, timestamps and sync metadata are left alone.
func applyCard(c *schema.Contact, card *vcard.Card) {
	c.DisplayName = card.FN
	c.FirstName = card.N.Given
	c.LastName = card.N.Family
	c.MiddleName = card.N.Additional
	c.Prefix = card.N.Prefix
	c.Suffix = card.N.Suffix
	c.Nickname = card.Nickname
	c.Organization = card.Org
	c.JobTitle = card.Title
	c.Role = card.Role
	c.Birthday = parseBirthday(card.Birthday)
	c.Notes, c.MaidenName = splitNote(card.Note)

	c.Emails = fromCardValues(card.Emails)
	c.Phones = fromCardValues(card.Phones)
	c.URLs = fromCardValues(card.URLs)
	c.Addresses = nil
	for _, a := range card.Addresses {
		c.Addresses = append(c.Addresses, schema.Address(a))
	}

	c.Photo, c.PhotoMime, c.PhotoHash = nil, "", ""
	if card.Photo != nil && card.Photo.Encoding != "" {
		if data, ok := decodePhoto(card.Photo.Data); ok {
			sum := sha256.Sum256(data)
			c.Photo = data
			c.PhotoMime = photoMime(card.Photo.Type)
			c.PhotoHash = hex.EncodeToString(sum[:])
		}
	}

	c.CustomFields = nil
	for _, f := range card.Custom {
		c.CustomFields = append(c.CustomFields, schema.CustomField(f))
	}
	c.CustomFields = append(c.CustomFields, keptProperties(card)...)
}

// keptProperties returns the card properties that have no column of their
// own, stored as custom fields under their own names.
func keptProperties(card *vcard.Card) []schema.CustomField {
	var out []schema.CustomField
	typed := func(name string, values []vcard.TypedValue) {
		for _, v := range values {
			f := schema.CustomField{Name: name, Value: v.Value}
			if v.Type != "" {
				f.Params = typeParamPrefix + v.Type
			}
			out = append(out, f)
		}
	}
	typed("LABEL", card.Labels)
	typed("LOGO", card.Logos)
	typed("SOUND", card.Sounds)
	typed("KEY", card.Keys)
	if card.Agent != "" {
		out = append(out, schema.CustomField{Name: "AGENT", Value: card.Agent})
	}
	if card.Categories != "" {
		out = append(out, schema.CustomField{Name: "CATEGORIES", Value: card.Categories})
	}
	return out
}

func toCardValues(values []schema.TypedValue) []vcard.TypedValue {
	var out []vcard.TypedValue
	for _, v := range values {
		if v.Value == "" {
			continue
		}
		out = append(out, vcard.TypedValue(v))
	}
	return out
}

func fromCardValues(values []vcard.TypedValue) []schema.TypedValue {
	var out []schema.TypedValue
	for _, v := range values {
		out = append(out, schema.TypedValue(v))
	}
	return out
}

// parseBirthday accepts YYYYMMDD and YYYY-MM-DD, optionally followed by a
// time part. Anything else yields nil.
func parseBirthday(s string) *time.Time {
	s = strings.TrimSpace(s)
	if i := strings.IndexByte(s, 'T'); i > 0 {
		s = s[:i]
	}
	for _, layout := range []string{"2006-01-02", "20060102"} {
		if t, err := time.Parse(layout, s); err == nil {
			return &t
		}
	}
	return nil
}

// splitNote extracts a "Maiden name: ..." line from a NOTE value.
func splitNote(note string) (notes, maiden string) {
	lines := strings.Split(note, "\n")
	kept := lines[:0]
	for _, line := range lines {
		if maiden == "" && strings.HasPrefix(strings.TrimSpace(line), maidenNamePrefix) {
			maiden = strings.TrimSpace(strings.TrimPrefix(strings.TrimSpace(line), maidenNamePrefix))
			continue
		}
		kept = append(kept, line)
	}
	return strings.TrimSpace(strings.Join(kept, "\n")), maiden
}

func joinNote(notes, maiden string) string {
	if maiden == "" {
		return notes
	}
	line := maidenNamePrefix + " " + maiden
	if notes == "" {
		return line
	}
	return notes + "\n" + line
}

func decodePhoto(data string) ([]byte, bool) {
	data = strings.Map(func(r rune) rune {
		if r == ' ' || r == '\t' || r == '\r' || r == '\n' {
			return -1
		}
		return r
	}, data)
	if b, err := base64.StdEncoding.DecodeString(data); err == nil {
		return b, true
	}
	if b, err := base64.RawStdEncoding.DecodeString(data); err == nil {
		return b, true
	}
	return nil, false
}

// photoMime maps a vCard TYPE such as JPEG to a mime type.
func photoMime(t string) string {
	t = strings.ToLower(strings.TrimSpace(t))
	switch {
	case t == "":
		return ""
	case strings.Contains(t, "/"):
		return t
	case t == "jpg":
		return "image/jpeg"
	default:
		return "image/" + t
	}
}

// photoType maps a mime type to the vCard TYPE parameter.
func photoType(mime string) string {
	if mime == "" {
		return ""
	}
	_, sub, found := strings.Cut(mime, "/")
	if !found {
		sub = mime
	}
	return strings.ToUpper(sub)
}
