package channel

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseValid(t *testing.T) {
	tests := []struct {
		in   string
		want Channel
	}{
		{"agent:output:a1", Channel{Scope: ScopeAgent, Type: "output", ID: "a1"}},
		{"workspace:reservations:w1", Channel{Scope: ScopeWorkspace, Type: "reservations", ID: "w1"}},
		{"user:mail:u1", Channel{Scope: ScopeUser, Type: "mail", ID: "u1"}},
		{"system:maintenance", Channel{Scope: ScopeSystem, Type: "maintenance"}},
	}
	for _, tc := range tests {
		got, err := Parse(tc.in)
		require.NoError(t, err, tc.in)
		assert.Equal(t, tc.want, got)
		assert.Equal(t, tc.in, got.String())
	}
}

func TestParseRejectsMalformed(t *testing.T) {
	tests := []string{
		"",
		"agent",
		"agent:output:a1:extra",
		"bogus:output:a1",
		"agent:bogus:a1",
		"agent:output",           // missing required id
		"system:maintenance:x1",  // system channels take no id
		"agent::a1",
	}
	for _, tc := range tests {
		_, err := Parse(tc)
		assert.Error(t, err, tc)
	}
}

func TestClass(t *testing.T) {
	out, _ := Parse("agent:output:a1")
	assert.Equal(t, CapacityHighVolume, out.Class())

	sysHealth, _ := Parse("system:health")
	assert.Equal(t, CapacitySmall, sysHealth.Class())

	git, _ := Parse("workspace:git:w1")
	assert.Equal(t, CapacityStandard, git.Class())
}
