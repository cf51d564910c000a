package bridge

import (
	"context"
	"database/sql"
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ndl/pumaduct/internal/storage"
)

// lastServiceReply returns the body of the most recent service reply. The
// harness home-server stub answers sends with no event_id, so every reply
// lands in the matrix-bound offline queue.
func lastServiceReply(t *testing.T, h *testHarness) string {
	t.Helper()
	queued, err := h.base.Store().MessagesToMatrix(context.Background())
	require.NoError(t, err)
	require.NotEmpty(t, queued)
	var payload struct {
		Body string `json:"body"`
	}
	require.NoError(t, json.Unmarshal(queued[len(queued)-1].Payload, &payload))
	return payload.Body
}

func TestInfo_AccountsNoneRegistered(t *testing.T) {
	h := newTestHarness(t)
	messages := NewMessages(h.base)
	info := NewInfo(h.base, h.service, messages)
	require.NoError(t, info.Init())

	h.service.Rooms["!svc:matrix.example.org"] = &ServiceRoom{User: "@alice:matrix.example.org", Data: map[string]any{}}

	handled := info.onServiceAccounts("txn1", map[string]any{
		"room_id": "!svc:matrix.example.org",
		"sender":  "@alice:matrix.example.org",
	}, []string{"accounts"})
	assert.True(t, handled)
	assert.Equal(t, "You have no registered accounts.", lastServiceReply(t, h))
}

func TestInfo_AccountsListsConnectedState(t *testing.T) {
	h := newTestHarness(t)
	messages := NewMessages(h.base)
	info := NewInfo(h.base, h.service, messages)
	require.NoError(t, info.Init())

	user := "@alice:matrix.example.org"
	account := &Account{
		ID:        1,
		User:      user,
		Network:   "prpl-jabber",
		ExtUser:   "alice@jabber.org",
		Connected: true,
		Contacts:  map[string]struct{}{"@xmpp-bob:matrix.example.org": {}},
	}
	h.base.AddAccount(user, account)

	handled := info.onServiceAccounts("txn1", map[string]any{
		"room_id": "!svc:matrix.example.org",
		"sender":  user,
	}, []string{"accounts"})
	assert.True(t, handled)
	assert.Equal(t, "prpl-jabber alice@jabber.org: online, 1 contact(s), 0 offline message(s)", lastServiceReply(t, h))
}

func TestInfo_ContactsUnknownAccount(t *testing.T) {
	h := newTestHarness(t)
	messages := NewMessages(h.base)
	info := NewInfo(h.base, h.service, messages)
	require.NoError(t, info.Init())

	handled := info.onServiceContacts("txn1", map[string]any{
		"room_id": "!svc:matrix.example.org",
		"sender":  "@alice:matrix.example.org",
	}, []string{"contacts", "prpl-jabber", "alice@jabber.org"})
	assert.True(t, handled)
}

func TestInfo_ContactsWrongArgCount(t *testing.T) {
	h := newTestHarness(t)
	messages := NewMessages(h.base)
	info := NewInfo(h.base, h.service, messages)
	require.NoError(t, info.Init())

	handled := info.onServiceContacts("txn1", map[string]any{
		"room_id": "!svc:matrix.example.org",
		"sender":  "@alice:matrix.example.org",
	}, []string{"contacts"})
	assert.True(t, handled)
}

func TestInfo_ContactsListsOwnedAccount(t *testing.T) {
	h := newTestHarness(t)
	messages := NewMessages(h.base)
	info := NewInfo(h.base, h.service, messages)
	require.NoError(t, info.Init())

	user := "@alice:matrix.example.org"
	contactMxid, err := h.base.ExtContactToMxid("prpl-jabber", "bob@jabber.org")
	require.NoError(t, err)

	account := &Account{
		ID:       1,
		User:     user,
		Network:  "prpl-jabber",
		ExtUser:  "alice@jabber.org",
		Client:   h.client,
		Contacts: map[string]struct{}{contactMxid: {}},
	}
	h.base.AddAccount(user, account)

	ctx := context.Background()
	require.NoError(t, h.client.Login(ctx, "prpl-jabber", "alice@jabber.org", "pw", ""))

	handled := info.onServiceContacts("txn1", map[string]any{
		"room_id": "!svc:matrix.example.org",
		"sender":  user,
	}, []string{"contacts", "prpl-jabber", "alice@jabber.org"})
	assert.True(t, handled)
	assert.Equal(t, contactMxid+" (bob@jabber.org): available", lastServiceReply(t, h))
}

func TestInfo_AccountsCountsPendingOfflineMessages(t *testing.T) {
	h := newTestHarness(t)
	messages := NewMessages(h.base)
	info := NewInfo(h.base, h.service, messages)
	require.NoError(t, info.Init())

	user := "@alice:matrix.example.org"
	account := &Account{ID: 1, User: user, Network: "prpl-jabber", ExtUser: "alice@jabber.org"}
	h.base.AddAccount(user, account)

	ctx := context.Background()
	_, err := h.base.Store().InsertMessage(ctx, storage.Message{
		Network:     sql.NullString{String: "prpl-jabber", Valid: true},
		ExtUser:     sql.NullString{String: "alice@jabber.org", Valid: true},
		Sender:      user,
		Recipient:   sql.NullString{String: "@xmpp-bob:matrix.example.org", Valid: true},
		Destination: storage.DestinationClient,
		Payload:     []byte(`{"msgtype":"m.text","body":"hi"}`),
	})
	require.NoError(t, err)

	handled := info.onServiceAccounts("txn1", map[string]any{
		"room_id": "!svc:matrix.example.org",
		"sender":  user,
	}, []string{"accounts"})
	assert.True(t, handled)
	assert.Equal(t, "prpl-jabber alice@jabber.org: offline, 0 contact(s), 1 offline message(s)", lastServiceReply(t, h))
}
