// Package sanitize cleans inbound chat text before it is stored or sent to a
// language model.
package sanitize

import (
	"regexp"
	"strings"
	"unicode"

	"golang.org/x/text/unicode/norm"
)

// htmlTagRegex only matches things that look like markup, so "<3" and
// "a < b" survive.
var htmlTagRegex = regexp.MustCompile(`</?[a-zA-Z][^<>]*>`)

// StripHTML removes markup tags, decodes common entities and strips again to
// catch encoded tags.
func StripHTML(s string) string {
	result := htmlTagRegex.ReplaceAllString(s, "")
	result = entityReplacer.Replace(result)
	result = htmlTagRegex.ReplaceAllString(result, "")
	return strings.TrimSpace(result)
}

var entityReplacer = strings.NewReplacer(
	"&lt;", "<",
	"&gt;", ">",
	"&amp;", "&",
	"&quot;", "\"",
	"&#39;", "'",
	"&nbsp;", " ",
)

// Message prepares a chat message: NFC normalization, markup removal,
// control characters dropped (newlines and tabs kept), runs of blank lines
// collapsed to one.
func Message(s string) string {
	s = norm.NFC.String(s)
	s = StripHTML(s)
	s = strings.Map(func(r rune) rune {
		if r == '\n' || r == '\t' {
			return r
		}
		if r == '\r' || unicode.IsControl(r) || r == '\u200b' || r == '\ufeff' {
			return -1
		}
		return r
	}, s)

	lines := strings.Split(s, "\n")
	out := lines[:0]
	blank := false
	for _, line := range lines {
		line = strings.TrimRightFunc(line, unicode.IsSpace)
		if line == "" {
			if blank {
				continue
			}
			blank = true
		} else {
			blank = false
		}
		out = append(out, line)
	}
	return strings.TrimSpace(strings.Join(out, "\n"))
}

// Name is Message collapsed to a single line.
func Name(s string) string {
	return strings.Join(strings.Fields(Message(s)), " ")
}
