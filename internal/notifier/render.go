package notifier

import (
	"strings"
	"time"

	"casewatch/internal/core"
	"casewatch/internal/i18n"
)

const (
	keySubject = "notification.status_changed.subject"
	keyBody    = "notification.status_changed.body"
)

// Translator is the part of *i18n.Resolver the renderer needs.
type Translator interface {
	Resolve(key, locale string, params i18n.Params) string
	Lookup(key, locale string) (text, usedLocale string, ok bool)
}

// Render produces the localized subject and body for a status change.
// Status values are translated through "status.<value>"; the details line
// prefers "details.<new>" and falls back to the plugin's own text.
func Render(tr Translator, t core.Tenant, ev core.StatusChangedEvent) (subject, body string) {
	loc := t.Locale
	name := strings.TrimSpace(t.ApplicantName)
	if name == "" {
		name = t.QueryCode
	}
	details := ev.Details
	if s, _, ok := tr.Lookup("details."+ev.New, loc); ok {
		details = s
	}
	params := i18n.Params{
		"name":         name,
		"jurisdiction": t.Jurisdiction,
		"code":         t.QueryCode,
		"old":          statusText(tr, ev.Old, loc),
		"new":          statusText(tr, ev.New, loc),
		"details":      details,
		"at":           ev.At.UTC().Format(time.RFC822),
	}
	return tr.Resolve(keySubject, loc, params), tr.Resolve(keyBody, loc, params)
}

func statusText(tr Translator, status, loc string) string {
	if s, _, ok := tr.Lookup("status."+status, loc); ok {
		return s
	}
	return status
}
