// Package i18n renders user-facing error messages per locale.
package i18n

import (
	"bytes"
	"strings"
	"sync"
	"text/template"

	"golang.org/x/text/language"
)

// Code mirrors errors.Code as a plain string so this package stays a leaf.
type Code = string

// BaseLocale is the fallback locale.
const BaseLocale = "en-US"

// Catalog maps codes to message templates for one locale.
type Catalog struct {
	locale   string
	messages map[Code]string
}

var (
	catalogsMu sync.RWMutex
	catalogs   = map[string]*Catalog{
		BaseLocale: NewCatalog(BaseLocale, enUS),
		"pt-BR":    NewCatalog("pt-BR", ptBR),
	}

	supportedTags = []language.Tag{
		language.AmericanEnglish,
		language.BrazilianPortuguese,
	}
	matcher = language.NewMatcher(supportedTags)
)

// NewCatalog builds a catalog from a copy of messages.
func NewCatalog(locale string, messages map[Code]string) *Catalog {
	cloned := make(map[Code]string, len(messages))
	for key, value := range messages {
		cloned[key] = value
	}
	return &Catalog{locale: locale, messages: cloned}
}

// RegisterCatalog installs or replaces the catalog for locale.
func RegisterCatalog(locale string, cat *Catalog) {
	catalogsMu.Lock()
	defer catalogsMu.Unlock()
	catalogs[locale] = cat
}

// GetCatalog returns the catalog for locale, falling back to BaseLocale.
func GetCatalog(locale string) *Catalog {
	locale = strings.TrimSpace(locale)
	catalogsMu.RLock()
	defer catalogsMu.RUnlock()
	if cat, ok := catalogs[locale]; ok {
		return cat
	}
	return catalogs[BaseLocale]
}

// ResolveLocale picks the best supported locale for an Accept-Language
// header value.
func ResolveLocale(acceptLanguage string) string {
	acceptLanguage = strings.TrimSpace(acceptLanguage)
	if acceptLanguage == "" {
		return BaseLocale
	}
	tags, _, err := language.ParseAcceptLanguage(acceptLanguage)
	if err != nil || len(tags) == 0 {
		return BaseLocale
	}
	_, index, confidence := matcher.Match(tags...)
	if confidence == language.No {
		return BaseLocale
	}
	return supportedTags[index].String()
}

// Locale returns the catalog's locale.
func (c *Catalog) Locale() string {
	return c.locale
}

// Format renders the template for code with metadata. Unknown codes render
// as the code itself; broken templates render raw.
func (c *Catalog) Format(code Code, metadata map[string]string) string {
	tmpl, ok := c.messages[code]
	if !ok {
		return code
	}
	if metadata == nil {
		metadata = map[string]string{}
	}
	t, err := template.New("msg").Option("missingkey=zero").Parse(tmpl)
	if err != nil {
		return tmpl
	}
	var buf bytes.Buffer
	if err := t.Execute(&buf, metadata); err != nil {
		return tmpl
	}
	return buf.String()
}
