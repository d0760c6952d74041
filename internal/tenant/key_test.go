package tenant

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestKey(t *testing.T) {
	tests := []struct {
		name        string
		class       DataClass
		scope       Scope
		identifier  string
		expected    string
		expectedErr error
	}{
		{
			name:       "org scoped context",
			class:      ClassContext,
			scope:      Org("orgA"),
			identifier: "+15551234567",
			expected:   "lr.context.o-orgA.=2B15551234567",
		},
		{
			name:       "global perf",
			class:      ClassPerf,
			scope:      Global,
			identifier: "warmup",
			expected:   "lr.perf.global.warmup",
		},
		{
			name:       "org id with dots is escaped",
			class:      ClassLeadByPhone,
			scope:      Org("acme.motors"),
			identifier: "x",
			expected:   "lr.lead_by_phone.o-acme=2Emotors.x",
		},
		{
			name:        "zero scope refused",
			class:       ClassContext,
			scope:       Scope{},
			identifier:  "+15551234567",
			expectedErr: ErrMissingScope,
		},
		{
			name:        "empty org refused",
			class:       ClassContext,
			scope:       Org(""),
			identifier:  "+15551234567",
			expectedErr: ErrMissingScope,
		},
		{
			name:        "unknown class",
			class:       DataClass("bogus"),
			scope:       Org("orgA"),
			identifier:  "x",
			expectedErr: ErrInvalidClass,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			key, err := Key(tt.class, tt.scope, tt.identifier)
			if tt.expectedErr != nil {
				require.ErrorIs(t, err, tt.expectedErr)
				assert.Empty(t, key)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.expected, key)
		})
	}
}

func TestKey_TenantIsolation(t *testing.T) {
	orgs := []string{"orgA", "orgB", "org.A", "org_A", "org:A", "global", "o-orgA", "=", "orgA.x"}
	identifiers := []string{"+15551234567", "", "lead-1", "a.b"}

	for _, class := range Classes() {
		seen := make(map[string]string)
		for _, org := range orgs {
			for _, id := range identifiers {
				key, err := OrgKey(class, org, id)
				require.NoError(t, err)
				tag := org + "|" + id
				if prev, dup := seen[key]; dup {
					t.Fatalf("class %s: %q and %q both map to %q", class, prev, tag, key)
				}
				seen[key] = tag
			}
		}
	}
}

func TestKey_GlobalNeverCollidesWithOrg(t *testing.T) {
	global, err := Key(ClassOrganization, Global, "x")
	require.NoError(t, err)

	for _, org := range []string{"global", "GLOBAL", "", "_global"} {
		if org == "" {
			continue
		}
		key, err := OrgKey(ClassOrganization, org, "x")
		require.NoError(t, err)
		assert.NotEqual(t, global, key, "org %q", org)
	}
}

func TestKey_SegmentCount(t *testing.T) {
	key, err := OrgKey(ClassContext, "a.b.c", "d.e.f")
	require.NoError(t, err)
	assert.Len(t, strings.Split(key, "."), 4)
}

func TestClassOf(t *testing.T) {
	key, err := OrgKey(ClassSummary, "orgA", "+15551234567")
	require.NoError(t, err)
	assert.Equal(t, ClassSummary, ClassOf(key))
	assert.Equal(t, DataClass(""), ClassOf("other.key"))
	assert.Equal(t, DataClass(""), ClassOf("lr.bogus.global.x"))
}

func TestScope(t *testing.T) {
	assert.True(t, Scope{}.IsZero())
	assert.False(t, Global.IsZero())
	assert.True(t, Global.IsGlobal())
	assert.Equal(t, "orgA", Org("orgA").OrgID())
	assert.Equal(t, "org:orgA", Org("orgA").String())
	assert.Equal(t, "global", Global.String())
}
