// Package detect decides whether a freshly fetched status is a change worth
// reporting.
package detect

import (
	"time"

	"casewatch/internal/core"
)

// Compare normalises both statuses (empty is "unknown") and reports a change
// when they differ. The first poll of a tenant compares against "unknown", so
// any real status on first sight is a change; "unknown" to "unknown" is not.
// The returned event has no TenantID or Details; see ForTenant.
func Compare(prev, next string, at time.Time) (core.StatusChangedEvent, bool) {
	old, cur := core.NormalizeStatus(prev), core.NormalizeStatus(next)
	if old == cur {
		return core.StatusChangedEvent{}, false
	}
	return core.StatusChangedEvent{Old: old, New: cur, At: at}, true
}

// ForTenant compares t.LastStatus with next and fills the tenant fields of the
// resulting event.
func ForTenant(t core.Tenant, next, details string, at time.Time) (core.StatusChangedEvent, bool) {
	ev, changed := Compare(t.LastStatus, next, at)
	if !changed {
		return ev, false
	}
	ev.TenantID = t.ID
	ev.Details = details
	return ev, true
}
