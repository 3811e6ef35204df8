package authz

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/agentrelay/gateway/internal/channel"
)

type stubResolver struct {
	allow bool
}

func (s stubResolver) CanAccessAgent(userID, agentID string) bool { return s.allow }

func mustParse(t *testing.T, s string) channel.Channel {
	t.Helper()
	ch, err := channel.Parse(s)
	require.NoError(t, err)
	return ch
}

func TestUnauthenticatedDeniesAll(t *testing.T) {
	ch := mustParse(t, "system:health")
	d := Authorize(Principal{}, ch, nil)
	assert.False(t, d.Allowed)
}

func TestAdminAllowsAll(t *testing.T) {
	p := Principal{Authenticated: true, IsAdmin: true}
	ch := mustParse(t, "agent:output:a1")
	d := Authorize(p, ch, nil)
	assert.True(t, d.Allowed)
}

func TestAgentChannelRequiresResolver(t *testing.T) {
	p := Principal{Authenticated: true, UserID: "u1"}
	ch := mustParse(t, "agent:output:a1")

	d := Authorize(p, ch, nil)
	assert.False(t, d.Allowed)

	d = Authorize(p, ch, stubResolver{allow: false})
	assert.False(t, d.Allowed)

	d = Authorize(p, ch, stubResolver{allow: true})
	assert.True(t, d.Allowed)
}

func TestWorkspaceChannelRequiresMembership(t *testing.T) {
	p := Principal{Authenticated: true, UserID: "u1", WorkspaceIDs: []string{"w1", "w2"}}
	allowed := mustParse(t, "workspace:reservations:w1")
	denied := mustParse(t, "workspace:reservations:w3")

	assert.True(t, Authorize(p, allowed, nil).Allowed)
	assert.False(t, Authorize(p, denied, nil).Allowed)
}

func TestUserChannelRequiresMatchingID(t *testing.T) {
	p := Principal{Authenticated: true, UserID: "u1"}
	own := mustParse(t, "user:mail:u1")
	other := mustParse(t, "user:mail:u2")

	assert.True(t, Authorize(p, own, nil).Allowed)
	assert.False(t, Authorize(p, other, nil).Allowed)
}

func TestSystemChannelAllowsAuthenticated(t *testing.T) {
	p := Principal{Authenticated: true, UserID: "u1"}
	ch := mustParse(t, "system:maintenance")
	assert.True(t, Authorize(p, ch, nil).Allowed)
}

func TestAuthorizeNeverPanics(t *testing.T) {
	assert.NotPanics(t, func() {
		Authorize(Principal{}, channel.Channel{}, nil)
	})
}
