package bridge

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestInput_RequestInputPromptsMatchingPattern(t *testing.T) {
	h := newTestHarness(t)
	registration := NewRegistration(h.base, NewMessages(h.base), h.service)
	input := NewInput(h.base, h.service, registration)
	require.NoError(t, registration.Init())
	require.NoError(t, input.Init())

	user := "@alice:matrix.example.org"
	account := &Account{ID: 1, User: user, Network: "prpl-jabber", ExtUser: "alice@jabber.org"}
	h.base.AddAccount(user, account)

	var okCalled bool
	err := input.onRequestInput("prpl-jabber", "alice@jabber.org", "Authorize", "oauth-code-needed", "", "",
		func(string) error { okCalled = true; return nil },
		func() error { return nil })
	require.NoError(t, err)
	assert.False(t, okCalled, "ok callback only runs once the user replies")

	roomID, ok := findServiceRoom(h.service, user)
	require.True(t, ok)
	pending, ok := h.service.Rooms[roomID].Data[pendingInputKey].(*PendingInput)
	require.True(t, ok)
	assert.Equal(t, "prpl-jabber", pending.Network)
}

func TestInput_RequestInputNoMatchingPatternIsIgnored(t *testing.T) {
	h := newTestHarness(t)
	registration := NewRegistration(h.base, NewMessages(h.base), h.service)
	input := NewInput(h.base, h.service, registration)
	require.NoError(t, registration.Init())
	require.NoError(t, input.Init())

	user := "@alice:matrix.example.org"
	h.base.AddAccount(user, &Account{ID: 1, User: user, Network: "prpl-jabber", ExtUser: "alice@jabber.org"})

	err := input.onRequestInput("prpl-jabber", "alice@jabber.org", "Authorize", "nothing matches this", "", "",
		func(string) error { return nil }, func() error { return nil })
	require.NoError(t, err)
	_, ok := findServiceRoom(h.service, user)
	assert.False(t, ok, "no service room should be created when no input pattern matches")
}

func TestInput_FullMessageConsumesPendingPrompt(t *testing.T) {
	h := newTestHarness(t)
	registration := NewRegistration(h.base, NewMessages(h.base), h.service)
	input := NewInput(h.base, h.service, registration)
	require.NoError(t, registration.Init())
	require.NoError(t, input.Init())

	user := "@alice:matrix.example.org"
	h.base.AddAccount(user, &Account{ID: 1, User: user, Network: "prpl-jabber", ExtUser: "alice@jabber.org"})

	var received string
	require.NoError(t, input.onRequestInput("prpl-jabber", "alice@jabber.org", "Authorize", "oauth-code-needed", "", "",
		func(v string) error { received = v; return nil },
		func() error { return nil }))

	roomID, ok := findServiceRoom(h.service, user)
	require.True(t, ok)

	handled := input.onFullMessage("txn1", map[string]any{
		"room_id": roomID,
		"sender":  user,
		"content": map[string]any{"body": "ABC123"},
	}, nil)
	assert.True(t, handled)
	assert.Equal(t, "ABC123", received)
	_, stillPending := h.service.Rooms[roomID].Data[pendingInputKey]
	assert.False(t, stillPending)
}

func TestInput_FullMessageIgnoresRoomsWithoutPendingPrompt(t *testing.T) {
	h := newTestHarness(t)
	registration := NewRegistration(h.base, NewMessages(h.base), h.service)
	input := NewInput(h.base, h.service, registration)
	require.NoError(t, registration.Init())
	require.NoError(t, input.Init())

	handled := input.onFullMessage("txn1", map[string]any{
		"room_id": "!unknown:matrix.example.org",
		"sender":  "@alice:matrix.example.org",
		"content": map[string]any{"body": "hello"},
	}, nil)
	assert.False(t, handled)
}

func findServiceRoom(service *Service, user string) (string, bool) {
	for roomID, room := range service.Rooms {
		if room.User == user {
			return roomID, true
		}
	}
	return "", false
}
