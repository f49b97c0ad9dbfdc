// Package signature renders signature templates and manages the signature records of a user.
package signature

import (
	"fmt"
	"strings"

	"golang.org/x/net/html"

	"github.com/vdavid/vmail/mailcore/internal/models"
)

// Placeholders are the template keys Render substitutes.
var Placeholders = []string{"name", "title", "company", "phone", "email"}

type socialLink struct {
	label string
	url   func(models.SocialLinks) string
}

// Rendered in this order regardless of how the links were entered.
var socialOrder = []socialLink{
	{"LinkedIn", func(s models.SocialLinks) string { return s.LinkedIn }},
	{"Twitter", func(s models.SocialLinks) string { return s.Twitter }},
	{"Facebook", func(s models.SocialLinks) string { return s.Facebook }},
	{"Instagram", func(s models.SocialLinks) string { return s.Instagram }},
	{"YouTube", func(s models.SocialLinks) string { return s.YouTube }},
	{"Website", func(s models.SocialLinks) string { return s.Website }},
}

// Render fills the template of sig with fields. Placeholders without a value
// in fields are left as they are.
func Render(sig *models.EmailSignature, fields models.SignatureFields) string {
	if sig == nil {
		return ""
	}

	body := sig.HTMLTemplate
	for _, key := range Placeholders {
		value, ok := fields[key]
		if !ok {
			continue
		}
		body = strings.ReplaceAll(body, "{{"+key+"}}", html.EscapeString(value))
	}

	var b strings.Builder
	if sig.LogoURL != "" {
		width := sig.EffectiveLogoWidth()
		fmt.Fprintf(&b, `<img src="%s" alt="Logo" width="%d" style="max-width: %dpx; height: auto;"><br>`,
			html.EscapeString(sig.LogoURL), width, width)
	}
	b.WriteString(body)
	if links := renderSocial(sig.Social); links != "" {
		b.WriteString(links)
	}
	return b.String()
}

func renderSocial(social models.SocialLinks) string {
	if !social.Enabled {
		return ""
	}
	var parts []string
	for _, link := range socialOrder {
		url := strings.TrimSpace(link.url(social))
		if url == "" {
			continue
		}
		parts = append(parts, fmt.Sprintf(`<a href="%s" target="_blank">%s</a>`, html.EscapeString(url), link.label))
	}
	if len(parts) == 0 {
		return ""
	}
	return `<div class="signature-social">` + strings.Join(parts, " | ") + `</div>`
}
