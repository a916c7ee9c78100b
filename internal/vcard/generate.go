package vcard

import (
	"strings"

	"github.com/google/uuid"
)

// Generate renders c as vCard text.
//
// A missing UID is filled with a new random UUID and written back to c so the
// caller can persist it. FN is always emitted; when empty it is derived from
// the structured name, the organization or the first email address. When N
// is empty it is derived from FN.
//
// No value can break out of its property: line breaks are escaped in every
// value, and parameters lose the characters that would end them.
func Generate(c *Card) string {
	if c.UID == "" {
		c.UID = uuid.NewString()
	}

	version := c.Version
	if version == "" {
		version = DefaultVersion
	}

	var b strings.Builder
	fold(&b, "BEGIN:VCARD")
	fold(&b, "VERSION:"+escapeBreaks(version))
	fold(&b, "UID:"+escapeBreaks(c.UID))
	fold(&b, "FN:"+escapeText(c.displayName()))
	fold(&b, "N:"+joinStructured(c.structuredName().parts()))

	writeText(&b, "NICKNAME", c.Nickname)
	writeRaw(&b, "ORG", c.Org)
	writeText(&b, "TITLE", c.Title)
	writeText(&b, "ROLE", c.Role)
	writeRaw(&b, "BDAY", c.Birthday)

	writeTyped(&b, "EMAIL", c.Emails, c.Email, false)
	writeTyped(&b, "TEL", c.Phones, c.Phone, false)

	addresses := c.Addresses
	if len(addresses) == 0 && c.Address != "" {
		addresses = []Address{{Street: c.Address}}
	}
	for _, a := range addresses {
		fold(&b, "ADR"+typeParam(a.Type)+":"+joinStructured(a.parts()))
	}

	writeTyped(&b, "LABEL", c.Labels, "", true)
	writeTyped(&b, "URL", c.URLs, c.URL, false)
	writeText(&b, "NOTE", c.Note)
	writeText(&b, "AGENT", c.Agent)
	writeRaw(&b, "CATEGORIES", c.Categories)

	if c.Photo != nil && c.Photo.Data != "" {
		fold(&b, photoLine(c.Photo))
	}

	writeTyped(&b, "LOGO", c.Logos, "", true)
	writeTyped(&b, "SOUND", c.Sounds, "", true)
	writeTyped(&b, "KEY", c.Keys, "", true)

	for _, f := range c.Custom {
		if !isExtensionName(f.Name) {
			continue
		}
		head := strings.ToUpper(f.Name)
		if params := stripBreaks(f.Params); params != "" {
			head += ";" + params
		}
		fold(&b, head+":"+escapeBreaks(f.Value))
	}

	fold(&b, "END:VCARD")
	return b.String()
}

func (c *Card) displayName() string {
	if c.FN != "" {
		return c.FN
	}
	if name := strings.TrimSpace(strings.Join(nonEmpty(c.N.Prefix, c.N.Given, c.N.Additional, c.N.Family, c.N.Suffix), " ")); name != "" {
		return name
	}
	if org, _, _ := strings.Cut(c.Org, ";"); org != "" {
		return org
	}
	if len(c.Emails) > 0 {
		return c.Emails[0].Value
	}
	return c.Email
}

// structuredName returns N, deriving it from FN when N is empty:
// the last word becomes the family name and the rest the given name.
func (c *Card) structuredName() Name {
	if !c.N.IsZero() || c.FN == "" {
		return c.N
	}
	fields := strings.Fields(c.FN)
	if len(fields) == 1 {
		return Name{Given: fields[0]}
	}
	return Name{
		Family: fields[len(fields)-1],
		Given:  strings.Join(fields[:len(fields)-1], " "),
	}
}

func (n Name) parts() []string {
	return []string{n.Family, n.Given, n.Additional, n.Prefix, n.Suffix}
}

func writeText(b *strings.Builder, name, value string) {
	if value != "" {
		fold(b, name+":"+escapeText(value))
	}
}

// writeRaw emits a value kept in its wire form. Only line breaks are escaped.
func writeRaw(b *strings.Builder, name, value string) {
	if value != "" {
		fold(b, name+":"+escapeBreaks(value))
	}
}

// writeTyped emits one line per value. The legacy scalar is only used when
// the list is empty.
func writeTyped(b *strings.Builder, name string, values []TypedValue, legacy string, escape bool) {
	if len(values) == 0 && legacy != "" {
		values = []TypedValue{{Value: legacy}}
	}
	for _, v := range values {
		if v.Value == "" {
			continue
		}
		value := escapeBreaks(v.Value)
		if escape {
			value = escapeText(v.Value)
		}
		fold(b, name+typeParam(v.Type)+":"+value)
	}
}

func typeParam(t string) string {
	t = paramToken(t)
	if t == "" {
		return ""
	}
	return ";TYPE=" + t
}

// photoLine renders PHOTO. Base64 and URIs carry no meaningful line breaks,
// so they are dropped from the data.
func photoLine(p *Photo) string {
	data := stripBreaks(p.Data)
	encoding := paramToken(p.Encoding)
	if encoding == "" {
		return "PHOTO;VALUE=uri:" + data
	}
	return "PHOTO;ENCODING=" + encoding + typeParam(p.Type) + ":" + data
}

// isExtensionName reports whether name is a well-formed X- property name.
func isExtensionName(name string) bool {
	if len(name) < 3 || !strings.EqualFold(name[:2], "X-") {
		return false
	}
	for _, r := range name {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9', r == '-':
		default:
			return false
		}
	}
	return true
}

func joinStructured(parts []string) string {
	escaped := make([]string, len(parts))
	for i, p := range parts {
		escaped[i] = escapeText(p)
	}
	return strings.Join(escaped, ";")
}

func nonEmpty(values ...string) []string {
	out := values[:0:0]
	for _, v := range values {
		if v != "" {
			out = append(out, v)
		}
	}
	return out
}
