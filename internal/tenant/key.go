package tenant

import (
	"fmt"
	"strings"

	"github.com/fyrsmithlabs/leadrelay/internal/sanitize"
)

// KeyPrefix namespaces every leadrelay key inside a shared cache.
const KeyPrefix = "lr"

// DataClass identifies the kind of record stored under a key. Each class has
// its own TTL policy in the cache layer.
type DataClass string

const (
	// ClassContext holds the ordered message history of one customer.
	ClassContext DataClass = "context"
	// ClassSummary holds the latest post-call summary of one customer.
	ClassSummary DataClass = "summary"
	// ClassLeadByPhone maps a canonical phone number to its active lead.
	ClassLeadByPhone DataClass = "lead_by_phone"
	// ClassPhoneByLead maps a lead to its canonical phone number.
	ClassPhoneByLead DataClass = "phone_by_lead"
	// ClassConversation maps a voice conversation id to (lead, phone).
	ClassConversation DataClass = "conversation"
	// ClassPhoneConversation maps a phone number to its most recent conversation id.
	ClassPhoneConversation DataClass = "phone_conversation"
	// ClassOrganization caches organization lookups.
	ClassOrganization DataClass = "organization"
	// ClassPerf holds short-lived per-request and performance caches.
	ClassPerf DataClass = "perf"
)

var validClasses = map[DataClass]bool{
	ClassContext:           true,
	ClassSummary:           true,
	ClassLeadByPhone:       true,
	ClassPhoneByLead:       true,
	ClassConversation:      true,
	ClassPhoneConversation: true,
	ClassOrganization:      true,
	ClassPerf:              true,
}

// Classes returns every known data class.
func Classes() []DataClass {
	return []DataClass{
		ClassContext, ClassSummary, ClassLeadByPhone, ClassPhoneByLead,
		ClassConversation, ClassPhoneConversation, ClassOrganization, ClassPerf,
	}
}

// Valid reports whether c is a known data class.
func (c DataClass) Valid() bool {
	return validClasses[c]
}

// Key builds the cache key for identifier within scope.
//
// Format: lr.<class>.<scope>.<identifier>
//
//	Key(ClassContext, Org("orgA"), "+15551234567") -> "lr.context.o-orgA.=2B15551234567"
//	Key(ClassPerf, Global, "warmup")                -> "lr.perf.global.warmup"
//
// Organization id and identifier are escaped with sanitize.Segment, which
// never emits '.', so a crafted id cannot reach into another segment.
func Key(class DataClass, scope Scope, identifier string) (string, error) {
	if !class.Valid() {
		return "", fmt.Errorf("%w: %q", ErrInvalidClass, class)
	}
	scopeSeg, err := scope.segment()
	if err != nil {
		return "", err
	}
	return KeyPrefix + "." + string(class) + "." + scopeSeg + "." + sanitize.Segment(identifier), nil
}

// OrgKey is Key for an organization scope. An empty orgID is refused with
// ErrMissingScope rather than mapped to Global.
func OrgKey(class DataClass, orgID, identifier string) (string, error) {
	return Key(class, Org(orgID), identifier)
}

// ClassOf returns the data class encoded in key, or "" if key was not built by Key.
func ClassOf(key string) DataClass {
	parts := strings.SplitN(key, ".", 4)
	if len(parts) != 4 || parts[0] != KeyPrefix {
		return ""
	}
	class := DataClass(parts[1])
	if !class.Valid() {
		return ""
	}
	return class
}
