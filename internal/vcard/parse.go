package vcard

import (
	"io"
	"mime/quotedprintable"
	"strings"
)

// property is one unfolded logical line split into its parts.
type property struct {
	name   string
	params []string
	types  []string
	value  string
}

// param returns the value of a KEY=VALUE parameter, or "".
func (p *property) param(key string) string {
	for _, raw := range p.params {
		k, v, ok := strings.Cut(raw, "=")
		if ok && strings.EqualFold(k, key) {
			return strings.Trim(v, `"`)
		}
	}
	return ""
}

// hasBare reports whether a vCard 2.1 style bare parameter is present.
func (p *property) hasBare(name string) bool {
	for _, raw := range p.params {
		if !strings.Contains(raw, "=") && strings.EqualFold(raw, name) {
			return true
		}
	}
	return false
}

func (p *property) typeTag() string {
	return normalizeTypes(p.types)
}

// Parse reads the first vCard in text.
//
// Lines without a colon are skipped. Extension properties (X-) are kept as
// custom fields; other unknown properties are dropped. ErrNotVCard is
// returned when the text contains no BEGIN:VCARD line.
func Parse(text string) (*Card, error) {
	card := &Card{}
	begun := false

	for _, line := range unfold(text) {
		prop, ok := parseLine(line)
		if !ok {
			continue
		}

		if !begun {
			if prop.name == "BEGIN" && strings.EqualFold(strings.TrimSpace(prop.value), "VCARD") {
				begun = true
			}
			continue
		}
		if prop.name == "END" && strings.EqualFold(strings.TrimSpace(prop.value), "VCARD") {
			break
		}

		card.apply(prop)
	}

	if !begun {
		return nil, ErrNotVCard
	}

	if len(card.Emails) > 0 {
		card.Email = card.Emails[0].Value
	}
	if len(card.Phones) > 0 {
		card.Phone = card.Phones[0].Value
	}
	if len(card.URLs) > 0 {
		card.URL = card.URLs[0].Value
	}
	if len(card.Addresses) > 0 {
		card.Address = card.Addresses[0].Flat()
	}

	return card, nil
}

func (c *Card) apply(p *property) {
	switch p.name {
	case "VERSION":
		c.Version = unescapeBreaks(strings.TrimSpace(p.value))
	case "UID":
		c.UID = unescapeBreaks(strings.TrimSpace(p.value))
	case "FN":
		c.FN = unescapeText(p.value)
	case "N":
		parts := structured(p.value, 5)
		c.N = Name{Family: parts[0], Given: parts[1], Additional: parts[2], Prefix: parts[3], Suffix: parts[4]}
	case "NICKNAME":
		c.Nickname = unescapeText(p.value)
	case "ORG":
		c.Org = unescapeBreaks(p.value)
	case "TITLE":
		c.Title = unescapeText(p.value)
	case "ROLE":
		c.Role = unescapeText(p.value)
	case "BDAY":
		c.Birthday = unescapeBreaks(strings.TrimSpace(p.value))
	case "NOTE":
		c.Note = unescapeText(p.value)
	case "AGENT":
		c.Agent = unescapeText(p.value)
	case "CATEGORIES":
		c.Categories = unescapeBreaks(p.value)
	case "EMAIL":
		c.Emails = append(c.Emails, TypedValue{Value: rawValue(p), Type: p.typeTag()})
	case "TEL":
		c.Phones = append(c.Phones, TypedValue{Value: rawValue(p), Type: p.typeTag()})
	case "URL":
		c.URLs = append(c.URLs, TypedValue{Value: rawValue(p), Type: p.typeTag()})
	case "ADR":
		parts := structured(p.value, 7)
		c.Addresses = append(c.Addresses, Address{
			Type:       p.typeTag(),
			POBox:      parts[0],
			Extended:   parts[1],
			Street:     parts[2],
			Locality:   parts[3],
			Region:     parts[4],
			PostalCode: parts[5],
			Country:    parts[6],
		})
	case "LABEL":
		c.Labels = append(c.Labels, TypedValue{Value: unescapeText(p.value), Type: p.typeTag()})
	case "LOGO":
		c.Logos = append(c.Logos, TypedValue{Value: unescapeText(p.value), Type: p.typeTag()})
	case "SOUND":
		c.Sounds = append(c.Sounds, TypedValue{Value: unescapeText(p.value), Type: p.typeTag()})
	case "KEY":
		c.Keys = append(c.Keys, TypedValue{Value: unescapeText(p.value), Type: p.typeTag()})
	case "PHOTO":
		c.Photo = parsePhoto(p)
	default:
		if strings.HasPrefix(p.name, "X-") {
			c.Custom = append(c.Custom, CustomField{
				Name:   p.name,
				Params: strings.Join(p.params, ";"),
				Value:  unescapeBreaks(p.value),
			})
		}
	}
}

// rawValue returns a trimmed value kept in its wire form, with escaped line
// breaks restored.
func rawValue(p *property) string {
	return unescapeBreaks(strings.TrimSpace(p.value))
}

func parsePhoto(p *property) *Photo {
	value := strings.TrimSpace(p.value)

	// vCard 4.0 inline data URI: data:image/jpeg;base64,....
	if rest, ok := strings.CutPrefix(value, "data:"); ok {
		meta, data, found := strings.Cut(rest, ",")
		if found {
			mime, _, _ := strings.Cut(meta, ";")
			_, sub, _ := strings.Cut(mime, "/")
			return &Photo{Data: data, Encoding: "b", Type: strings.ToUpper(sub)}
		}
	}

	photo := &Photo{Data: value}
	switch {
	case p.param("ENCODING") != "":
		photo.Encoding = p.param("ENCODING")
	case p.hasBare("BASE64"):
		photo.Encoding = "BASE64"
	case p.hasBare("B"):
		photo.Encoding = "B"
	}
	if len(p.types) > 0 {
		photo.Type = p.types[0]
	}
	return photo
}

// structured splits a structured value into exactly n unescaped components.
func structured(value string, n int) []string {
	raw := splitUnescaped(value, ';')
	parts := make([]string, n)
	for i := 0; i < n && i < len(raw); i++ {
		parts[i] = unescapeText(raw[i])
	}
	// Extra components are folded into the last one rather than lost.
	if len(raw) > n {
		extra := make([]string, 0, len(raw)-n)
		for _, r := range raw[n:] {
			extra = append(extra, unescapeText(r))
		}
		parts[n-1] = strings.Join(append([]string{parts[n-1]}, extra...), ";")
	}
	return parts
}

// unfold splits text into logical lines. A physical line starting with a
// space or tab continues the previous logical line. Quoted-printable soft
// line breaks (a trailing "=") are joined as well.
func unfold(text string) []string {
	text = strings.ReplaceAll(text, "\r\n", "\n")
	text = strings.ReplaceAll(text, "\r", "\n")

	var lines []string
	for _, physical := range strings.Split(text, "\n") {
		if physical == "" {
			continue
		}
		n := len(lines)
		if n > 0 && (physical[0] == ' ' || physical[0] == '\t') {
			lines[n-1] += physical[1:]
			continue
		}
		if n > 0 && isSoftBreak(lines[n-1]) {
			lines[n-1] = strings.TrimSuffix(lines[n-1], "=") + physical
			continue
		}
		lines = append(lines, physical)
	}
	return lines
}

func isSoftBreak(line string) bool {
	if !strings.HasSuffix(line, "=") {
		return false
	}
	idx := indexValueColon(line)
	return idx > 0 && strings.Contains(strings.ToUpper(line[:idx]), "QUOTED-PRINTABLE")
}

// parseLine splits a logical line into name, params and value.
func parseLine(line string) (*property, bool) {
	idx := indexValueColon(line)
	if idx <= 0 {
		return nil, false
	}

	head := splitOutsideQuotes(line[:idx], ';')
	name := strings.TrimSpace(head[0])
	if dot := strings.LastIndexByte(name, '.'); dot >= 0 {
		name = name[dot+1:]
	}
	if name == "" {
		return nil, false
	}

	p := &property{
		name:   strings.ToUpper(name),
		params: head[1:],
		value:  line[idx+1:],
	}

	for _, raw := range p.params {
		key, val, hasValue := strings.Cut(raw, "=")
		key = strings.ToUpper(strings.TrimSpace(key))
		switch {
		case !hasValue:
			if !isEncodingToken(key) {
				p.types = append(p.types, key)
			}
		case key == "TYPE":
			for _, t := range strings.Split(strings.Trim(val, `"`), ",") {
				p.types = append(p.types, t)
			}
		case key == "PREF":
			p.types = append(p.types, "PREF")
		}
	}

	if strings.EqualFold(p.param("ENCODING"), "QUOTED-PRINTABLE") || p.hasBare("QUOTED-PRINTABLE") {
		if decoded, err := io.ReadAll(quotedprintable.NewReader(strings.NewReader(p.value))); err == nil {
			p.value = strings.ReplaceAll(string(decoded), "\r\n", "\n")
		}
	}

	return p, true
}

func isEncodingToken(token string) bool {
	switch token {
	case "BASE64", "B", "QUOTED-PRINTABLE", "8BIT", "7BIT":
		return true
	}
	return false
}

// normalizeTypes upper-cases, trims and de-duplicates TYPE values,
// keeping first-seen order.
func normalizeTypes(types []string) string {
	seen := make(map[string]bool, len(types))
	out := make([]string, 0, len(types))
	for _, t := range types {
		t = strings.ToUpper(strings.TrimSpace(t))
		if t == "" || seen[t] {
			continue
		}
		seen[t] = true
		out = append(out, t)
	}
	return strings.Join(out, ",")
}
