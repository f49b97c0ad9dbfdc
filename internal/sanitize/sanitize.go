// Package sanitize filters untrusted message HTML down to a fixed allowlist
// before it is rendered.
package sanitize

import (
	"strings"

	"golang.org/x/net/html"

	"github.com/vdavid/vmail/mailcore/internal/models"
)

var allowedTags = map[string]bool{
	"p": true, "br": true, "div": true, "span": true, "hr": true,
	"h1": true, "h2": true, "h3": true, "h4": true, "h5": true, "h6": true,
	"ul": true, "ol": true, "li": true,
	"table": true, "thead": true, "tbody": true, "tfoot": true, "tr": true, "td": true, "th": true,
	"caption": true, "colgroup": true, "col": true,
	"blockquote": true, "pre": true, "code": true,
	"b": true, "strong": true, "i": true, "em": true, "u": true, "s": true,
	"strike": true, "sub": true, "sup": true, "small": true, "center": true,
	"a": true, "img": true,
}

var allowedAttrs = map[string]bool{
	"href": true, "src": true, "alt": true, "class": true,
	"style": true, "target": true, "width": true, "height": true,
}

// Content inside these tags is dropped along with the tag.
var droppedContent = map[string]bool{
	"script": true, "style": true, "iframe": true, "object": true, "embed": true,
	"noscript": true, "template": true, "head": true, "title": true, "svg": true,
	"math": true, "textarea": true, "select": true, "frameset": true, "applet": true,
}

// The tokenizer reads whatever follows these tags as raw text, even when the
// tag is written self-closing.
var rawTextTags = map[string]bool{
	"iframe": true, "noembed": true, "noframes": true, "noscript": true, "plaintext": true,
	"script": true, "style": true, "textarea": true, "title": true, "xmp": true,
}

// Sanitize returns rawHTML with every tag and attribute outside the allowlist removed.
// Text inside a removed tag is kept unless the tag is one whose content is
// never displayable, such as script or style.
func Sanitize(rawHTML string) string {
	z := html.NewTokenizer(strings.NewReader(rawHTML))
	var b strings.Builder
	skipDepth := 0
	// Set after a self-closing raw-text tag such as <script/>; its raw
	// text is dropped like the content of a regular <script>.
	skipRaw := false

	for {
		tt := z.Next()
		if tt == html.ErrorToken {
			// io.EOF or a read error; either way the input is exhausted.
			return b.String()
		}

		token := z.Token()
		if tt == html.TextToken && skipRaw {
			skipRaw = false
			continue
		}
		skipRaw = false
		switch tt {
		case html.StartTagToken:
			if droppedContent[token.Data] {
				skipDepth++
				continue
			}
			if skipDepth > 0 || !allowedTags[token.Data] {
				continue
			}
			writeTag(&b, token, false)
		case html.SelfClosingTagToken:
			if rawTextTags[token.Data] {
				skipRaw = true
				continue
			}
			if skipDepth > 0 || !allowedTags[token.Data] {
				continue
			}
			writeTag(&b, token, true)
		case html.EndTagToken:
			if droppedContent[token.Data] {
				if skipDepth > 0 {
					skipDepth--
				}
				continue
			}
			if skipDepth > 0 || !allowedTags[token.Data] || isVoid(token.Data) {
				continue
			}
			b.WriteString("</")
			b.WriteString(token.Data)
			b.WriteString(">")
		case html.TextToken:
			if skipDepth > 0 {
				continue
			}
			b.WriteString(html.EscapeString(token.Data))
		}
	}
}

func writeTag(b *strings.Builder, token html.Token, selfClosing bool) {
	b.WriteString("<")
	b.WriteString(token.Data)
	for _, attr := range token.Attr {
		if attr.Namespace != "" || !allowedAttrs[attr.Key] {
			continue
		}
		if !safeAttrValue(token.Data, attr.Key, attr.Val) {
			continue
		}
		b.WriteString(" ")
		b.WriteString(attr.Key)
		b.WriteString(`="`)
		b.WriteString(html.EscapeString(attr.Val))
		b.WriteString(`"`)
	}
	if selfClosing && !isVoid(token.Data) {
		b.WriteString("></")
		b.WriteString(token.Data)
	}
	b.WriteString(">")
}

func isVoid(tag string) bool {
	return tag == "br" || tag == "hr" || tag == "img" || tag == "col"
}

func safeAttrValue(tag, key, val string) bool {
	switch key {
	case "href", "src":
		return safeURL(tag, key, val)
	case "style":
		lower := strings.ToLower(val)
		return !strings.Contains(lower, "expression(") &&
			!strings.Contains(lower, "javascript:") &&
			!strings.Contains(lower, "behavior:")
	}
	return true
}

func safeURL(tag, key, val string) bool {
	// Browsers ignore whitespace and control characters inside the scheme.
	cleaned := strings.Map(func(r rune) rune {
		if r <= ' ' {
			return -1
		}
		return r
	}, strings.ToLower(val))

	colon := strings.IndexByte(cleaned, ':')
	if colon < 0 {
		return true
	}
	if slash := strings.IndexAny(cleaned, "/?#"); slash >= 0 && slash < colon {
		return true
	}

	scheme := cleaned[:colon]
	switch scheme {
	case "http", "https", "mailto", "cid", "tel":
		return true
	case "data":
		return tag == "img" && key == "src" && strings.HasPrefix(cleaned, "data:image/")
	}
	return false
}

// Body is a message body ready for display. Exactly one of SafeHTML and
// PlainText is set; PlainText must be rendered as text, not markup.
type Body struct {
	SafeHTML  string `json:"safe_html,omitempty"`
	PlainText string `json:"plain_text,omitempty"`
}

// MessageBody picks the displayable body of a remote message. HTML goes
// through Sanitize; without HTML the plain text or the preview is used as is.
func MessageBody(msg *models.EmailMessage) Body {
	if msg == nil {
		return Body{}
	}
	if strings.TrimSpace(msg.UnsafeBodyHTML) != "" {
		return Body{SafeHTML: Sanitize(msg.UnsafeBodyHTML)}
	}
	if msg.BodyText != "" {
		return Body{PlainText: msg.BodyText}
	}
	return Body{PlainText: msg.Preview}
}
