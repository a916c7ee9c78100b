package vcard

import (
	"strings"
	"unicode/utf8"
)

// maxLineOctets is the folding limit for a physical line, excluding CRLF.
const maxLineOctets = 75

// Line breaks of every kind are written as the \n escape, so a value can
// never end its physical line early. CR and CRLF read back as LF.
var textEscaper = strings.NewReplacer(
	`\`, `\\`,
	"\r\n", `\n`,
	"\r", `\n`,
	"\n", `\n`,
	",", `\,`,
	";", `\;`,
)

var breakEscaper = strings.NewReplacer(
	"\r\n", `\n`,
	"\r", `\n`,
	"\n", `\n`,
)

// escapeText escapes a free-text value or structured component.
func escapeText(s string) string {
	return textEscaper.Replace(s)
}

// escapeBreaks escapes only the line breaks of a value that is otherwise
// kept in its wire form, such as ORG, CATEGORIES or an X- property.
func escapeBreaks(s string) string {
	return breakEscaper.Replace(s)
}

// unescapeBreaks reverses escapeBreaks. Every other escape sequence,
// including an escaped backslash, is kept as written.
func unescapeBreaks(s string) string {
	if !strings.Contains(s, `\`) {
		return s
	}
	var b strings.Builder
	b.Grow(len(s))
	for i := 0; i < len(s); i++ {
		c := s[i]
		if c != '\\' || i == len(s)-1 {
			b.WriteByte(c)
			continue
		}
		i++
		switch s[i] {
		case 'n', 'N':
			b.WriteByte('\n')
		default:
			b.WriteByte(c)
			b.WriteByte(s[i])
		}
	}
	return b.String()
}

// paramToken drops the characters that would end a parameter or the
// property head early.
func paramToken(s string) string {
	return strings.Map(func(r rune) rune {
		switch r {
		case '\r', '\n', ':', ';', '"':
			return -1
		}
		return r
	}, s)
}

// stripBreaks drops CR and LF.
func stripBreaks(s string) string {
	return strings.Map(func(r rune) rune {
		if r == '\r' || r == '\n' {
			return -1
		}
		return r
	}, s)
}

// unescapeText reverses escapeText. Unknown escapes keep the escaped character.
func unescapeText(s string) string {
	if !strings.Contains(s, `\`) {
		return s
	}
	var b strings.Builder
	b.Grow(len(s))
	for i := 0; i < len(s); i++ {
		c := s[i]
		if c != '\\' || i == len(s)-1 {
			b.WriteByte(c)
			continue
		}
		i++
		switch s[i] {
		case 'n', 'N':
			b.WriteByte('\n')
		default:
			b.WriteByte(s[i])
		}
	}
	return b.String()
}

// splitUnescaped splits s on sep, ignoring backslash-escaped separators.
// Components are returned still escaped.
func splitUnescaped(s string, sep byte) []string {
	var parts []string
	start := 0
	for i := 0; i < len(s); i++ {
		switch s[i] {
		case '\\':
			i++
		case sep:
			parts = append(parts, s[start:i])
			start = i + 1
		}
	}
	return append(parts, s[start:])
}

// splitOutsideQuotes splits s on sep, ignoring separators inside double quotes.
func splitOutsideQuotes(s string, sep byte) []string {
	var parts []string
	inQuotes := false
	start := 0
	for i := 0; i < len(s); i++ {
		switch s[i] {
		case '"':
			inQuotes = !inQuotes
		case sep:
			if !inQuotes {
				parts = append(parts, s[start:i])
				start = i + 1
			}
		}
	}
	return append(parts, s[start:])
}

// indexValueColon finds the colon separating the property head from its value.
func indexValueColon(line string) int {
	inQuotes := false
	for i := 0; i < len(line); i++ {
		switch line[i] {
		case '"':
			inQuotes = !inQuotes
		case ':':
			if !inQuotes {
				return i
			}
		}
	}
	return -1
}

// fold writes line to b, breaking it into physical lines of at most
// maxLineOctets octets. Continuation lines start with a single space and
// never split a multi-byte character.
func fold(b *strings.Builder, line string) {
	limit := maxLineOctets
	for len(line) > limit {
		cut := limit
		for cut > 0 && !utf8.RuneStart(line[cut]) {
			cut--
		}
		if cut == 0 {
			cut = limit
		}
		b.WriteString(line[:cut])
		b.WriteString("\r\n ")
		line = line[cut:]
		limit = maxLineOctets - 1
	}
	b.WriteString(line)
	b.WriteString("\r\n")
}
