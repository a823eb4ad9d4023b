package gmail

import (
	"encoding/base64"
	"regexp"
	"strings"

	"github.com/PuerkitoBio/goquery"
	"google.golang.org/api/gmail/v1"
)

// Mode selects what Extract looks for in a MIME tree.
type Mode int

const (
	// Rendered prefers text/plain, then tag-stripped text/html.
	Rendered Mode = iota
	// Raw prefers text/html, then text/plain, and never strips markup.
	Raw
)

var multipartOrder = []string{"multipart/alternative", "multipart/related", "multipart/mixed"}

// Extract returns the body found in parts according to mode, or "" when
// nothing usable exists.
func Extract(parts []*gmail.MessagePart, mode Mode) string {
	first, second := "text/plain", "text/html"
	if mode == Raw {
		first, second = second, first
	}

	var content string
	switch {
	case findPart(parts, first) != nil:
		content = render(decodeBody(findPart(parts, first)), first, mode)
	case findPart(parts, second) != nil:
		content = render(decodeBody(findPart(parts, second)), second, mode)
	case hasMultipart(parts):
		for _, mt := range multipartOrder {
			if p := findPart(parts, mt); p != nil && len(p.Parts) > 0 {
				return Extract(p.Parts, mode)
			}
		}
		return ""
	}

	if mode == Rendered && content == "" {
		content = cleanText(Extract(parts, Raw))
	}
	return content
}

func render(body, mimeType string, mode Mode) string {
	if mode == Rendered && mimeType == "text/html" {
		return stripTags(body)
	}
	return body
}

func findPart(parts []*gmail.MessagePart, mimeType string) *gmail.MessagePart {
	for _, p := range parts {
		if p != nil && p.MimeType == mimeType {
			return p
		}
	}
	return nil
}

func hasMultipart(parts []*gmail.MessagePart) bool {
	for _, p := range parts {
		if p != nil && strings.HasPrefix(p.MimeType, "multipart/") {
			return true
		}
	}
	return false
}

// decodeBody decodes the URL-safe base64 body of p. Padding is optional.
func decodeBody(p *gmail.MessagePart) string {
	if p.Body == nil || p.Body.Data == "" {
		return ""
	}
	b, err := base64.URLEncoding.DecodeString(p.Body.Data)
	if err != nil {
		b, err = base64.RawURLEncoding.DecodeString(strings.TrimRight(p.Body.Data, "="))
		if err != nil {
			return ""
		}
	}
	return strings.TrimSpace(strings.ToValidUTF8(string(b), "\uFFFD"))
}

// stripTags keeps only the text nodes of an HTML document, entities decoded.
func stripTags(html string) string {
	doc, err := goquery.NewDocumentFromReader(strings.NewReader(html))
	if err != nil {
		return ""
	}
	doc.Find("script, style, head").Remove()
	return strings.TrimSpace(doc.Text())
}

var (
	brokenHyphen = regexp.MustCompile(`(\w+)-\n(\w+)`)
	looseHyphen  = regexp.MustCompile(`(\w)\s*-\s*(\w)`)
	whitespace   = regexp.MustCompile(`\s+`)

	noise = []*regexp.Regexp{
		regexp.MustCompile(`(?s)<style\b.*?</style>`),
		regexp.MustCompile(`(?s)<!--.*?-->`),
		regexp.MustCompile(`(?s)<code>.+?</code>`),
		regexp.MustCompile(`(?s)` + "```.+?```"),
		regexp.MustCompile(`\\n`),
		regexp.MustCompile(`—{5,}|  —`),
		regexp.MustCompile(`\\u[\dA-Fa-f]{4}`),
		regexp.MustCompile("[\uf075\uf0b7]"),
		regexp.MustCompile(`https?://[^\s"'<>]+`),
		regexp.MustCompile(`<[^>]+>`),
		regexp.MustCompile(`\{[^}]+\}`),
		regexp.MustCompile(`\[.+?\]`),
		regexp.MustCompile(`~~/[^/]+/~~`),
		regexp.MustCompile(`@\S+`),
		regexp.MustCompile(`\s*style\s*=\s*"[^"]*"`),
		regexp.MustCompile(`\s*id\s*=\s*"[^"]*"`),
		regexp.MustCompile(`&amp;[^;\s]*;`),
		regexp.MustCompile(`&\w+;`),
	}
)

// cleanText reduces raw markup-laden text to a single line of prose.
func cleanText(s string) string {
	if strings.TrimSpace(s) == "" {
		return ""
	}
	s = brokenHyphen.ReplaceAllString(s, "$1$2")
	for _, re := range noise {
		s = re.ReplaceAllString(s, "")
	}
	s = looseHyphen.ReplaceAllString(s, "$1-$2")
	return strings.TrimSpace(whitespace.ReplaceAllString(s, " "))
}
