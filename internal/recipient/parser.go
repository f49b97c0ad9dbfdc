// Package recipient turns free text typed into an address field into recipients.
package recipient

import (
	"regexp"
	"strings"

	"github.com/vdavid/vmail/mailcore/internal/models"
)

var (
	// "Display Name" <a@b.com> or Name <a@b.com>; the name part is optional.
	namedPattern = regexp.MustCompile(`^\s*(?:"([^"]*)"|([^"<]*?))\s*<\s*([^<>\s@]+@[^<>\s@]+)\s*>\s*$`)
	barePattern  = regexp.MustCompile(`^\s*([^<>\s",;@]+@[^<>\s",;@]+)\s*$`)
)

// Parse parses one recipient token. It returns nil for anything that is not
// a named address or a bare address containing @.
func Parse(text string) *models.Recipient {
	if !strings.Contains(text, "@") {
		return nil
	}

	if m := namedPattern.FindStringSubmatch(text); m != nil {
		name := m[1]
		if name == "" {
			name = m[2]
		}
		return &models.Recipient{
			Name:    strings.TrimSpace(name),
			Address: m[3],
		}
	}

	if m := barePattern.FindStringSubmatch(text); m != nil {
		return &models.Recipient{Address: m[1]}
	}

	return nil
}

// Add appends r to list unless an entry with the same address exists.
// Address equality is case-sensitive. The second result reports whether r was added.
func Add(list []models.Recipient, r models.Recipient) ([]models.Recipient, bool) {
	if Contains(list, r.Address) {
		return list, false
	}
	return append(list, r), true
}

// Remove drops the entry with the given address.
func Remove(list []models.Recipient, address string) ([]models.Recipient, bool) {
	for i, r := range list {
		if r.Address == address {
			out := make([]models.Recipient, 0, len(list)-1)
			out = append(out, list[:i]...)
			return append(out, list[i+1:]...), true
		}
	}
	return list, false
}

// Contains reports whether list holds address.
func Contains(list []models.Recipient, address string) bool {
	for _, r := range list {
		if r.Address == address {
			return true
		}
	}
	return false
}

// ParseList splits a header-style list ("a@b.com, Name <c@d.com>") into
// recipients, skipping tokens that do not parse.
func ParseList(text string) []models.Recipient {
	var out []models.Recipient
	for _, token := range splitTokens(text) {
		if r := Parse(token); r != nil {
			out, _ = Add(out, *r)
		}
	}
	return out
}

// splitTokens splits on commas and semicolons outside quotes and angle brackets.
func splitTokens(text string) []string {
	var tokens []string
	var b strings.Builder
	inQuotes, inAngle := false, false
	for _, r := range text {
		switch {
		case r == '"':
			inQuotes = !inQuotes
		case r == '<' && !inQuotes:
			inAngle = true
		case r == '>' && !inQuotes:
			inAngle = false
		case (r == ',' || r == ';') && !inQuotes && !inAngle:
			tokens = append(tokens, b.String())
			b.Reset()
			continue
		}
		b.WriteRune(r)
	}
	if strings.TrimSpace(b.String()) != "" {
		tokens = append(tokens, b.String())
	}
	return tokens
}
