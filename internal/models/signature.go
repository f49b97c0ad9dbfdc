package models

import "time"

const (
	DefaultLogoWidth = 150
	MinLogoWidth     = 50
	MaxLogoWidth     = 400
)

// SocialLinks are the optional profile links rendered under a signature.
type SocialLinks struct {
	Enabled   bool   `json:"enabled"`
	LinkedIn  string `json:"linkedin,omitempty"`
	Twitter   string `json:"twitter,omitempty"`
	Facebook  string `json:"facebook,omitempty"`
	Instagram string `json:"instagram,omitempty"`
	YouTube   string `json:"youtube,omitempty"`
	Website   string `json:"website,omitempty"`
}

// EmailSignature is a reusable HTML signature template.
type EmailSignature struct {
	ID           string      `json:"id"`
	UserID       string      `json:"user_id"`
	Name         string      `json:"name"`
	HTMLTemplate string      `json:"html_template"`
	LogoURL      string      `json:"logo_url,omitempty"`
	LogoWidth    int         `json:"logo_width,omitempty"`
	Social       SocialLinks `json:"social"`
	IsDefault    bool        `json:"is_default"`
	CreatedAt    time.Time   `json:"created_at"`
	UpdatedAt    time.Time   `json:"updated_at"`
}

// EffectiveLogoWidth returns the width the logo is rendered at, clamped to the editable range.
func (s *EmailSignature) EffectiveLogoWidth() int {
	switch {
	case s.LogoWidth == 0:
		return DefaultLogoWidth
	case s.LogoWidth < MinLogoWidth:
		return MinLogoWidth
	case s.LogoWidth > MaxLogoWidth:
		return MaxLogoWidth
	default:
		return s.LogoWidth
	}
}

// SignatureFields are the values substituted into a signature template.
// A missing key leaves its placeholder untouched.
type SignatureFields map[string]string
