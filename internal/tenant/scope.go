// Package tenant builds organization-scoped cache keys.
//
// Every key written by leadrelay encodes the tenant it belongs to. A key can
// only be built from an explicit organization id or from the explicit Global
// marker; the zero Scope is rejected so a missing organization can never
// silently fall into a shared namespace.
package tenant

import (
	"errors"

	"github.com/fyrsmithlabs/leadrelay/internal/sanitize"
)

// Common errors.
var (
	ErrMissingScope = errors.New("key scope requires an organization id or tenant.Global")
	ErrInvalidClass = errors.New("invalid data class")
)

const (
	globalSegment = "global"
	orgPrefix     = "o-"
)

// Scope is the tenant boundary of a key: one organization, or the global
// namespace. The zero value is invalid.
type Scope struct {
	orgID  string
	global bool
}

// Global is the explicit marker for data that belongs to no organization.
var Global = Scope{global: true}

// Org returns the scope of one organization. Org("") is the invalid zero Scope.
func Org(orgID string) Scope {
	return Scope{orgID: orgID}
}

// IsZero reports whether the scope names neither an organization nor Global.
func (s Scope) IsZero() bool {
	return !s.global && s.orgID == ""
}

// IsGlobal reports whether s is the Global marker.
func (s Scope) IsGlobal() bool {
	return s.global
}

// OrgID returns the organization id, or "" for Global.
func (s Scope) OrgID() string {
	return s.orgID
}

// String returns a human readable form for logs.
func (s Scope) String() string {
	switch {
	case s.global:
		return globalSegment
	case s.orgID == "":
		return "<none>"
	default:
		return "org:" + s.orgID
	}
}

// segment renders the scope as a key segment. Organization segments always
// carry the "o-" prefix, so no organization id can render as "global".
func (s Scope) segment() (string, error) {
	if s.global {
		return globalSegment, nil
	}
	if s.orgID == "" {
		return "", ErrMissingScope
	}
	return orgPrefix + sanitize.Segment(s.orgID), nil
}
