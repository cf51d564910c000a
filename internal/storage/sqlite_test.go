package storage

import (
	"context"
	"database/sql"
	"encoding/json"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func openTestStore(t *testing.T) *Store {
	t.Helper()
	dbPath := filepath.Join(t.TempDir(), "pumaduct.db")
	s, err := Open(dbPath)
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })
	return s
}

func TestCreateAndListAccounts(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	id, err := s.CreateAccount(ctx, Account{
		User:     "@alice:matrix.example.org",
		Network:  "prpl-jabber",
		ExtUser:  "alice@jabber.org",
		Password: "hunter2",
	})
	require.NoError(t, err)
	assert.NotZero(t, id)

	accounts, err := s.ListAccounts(ctx)
	require.NoError(t, err)
	require.Len(t, accounts, 1)
	assert.Equal(t, "@alice:matrix.example.org", accounts[0].User)
	assert.False(t, accounts[0].AuthToken.Valid)
}

func TestUpdateAuthToken(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	id, err := s.CreateAccount(ctx, Account{User: "@a:b", Network: "n", ExtUser: "u", Password: "p"})
	require.NoError(t, err)

	require.NoError(t, s.UpdateAuthToken(ctx, id, "new-token"))

	accounts, err := s.ListAccounts(ctx)
	require.NoError(t, err)
	require.Len(t, accounts, 1)
	assert.True(t, accounts[0].AuthToken.Valid)
	assert.Equal(t, "new-token", accounts[0].AuthToken.String)
}

func TestDeleteAccount(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	id, err := s.CreateAccount(ctx, Account{User: "@a:b", Network: "n", ExtUser: "u", Password: "p"})
	require.NoError(t, err)

	require.NoError(t, s.DeleteAccount(ctx, id))

	accounts, err := s.ListAccounts(ctx)
	require.NoError(t, err)
	assert.Empty(t, accounts)
}

func TestInsertAndFetchMessagesToClient(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	network := "prpl-jabber"
	extUser := "alice@jabber.org"
	payload, _ := json.Marshal(map[string]string{"msgtype": "m.text", "body": "hi"})

	_, err := s.InsertMessage(ctx, Message{
		Network:     sql.NullString{String: network, Valid: true},
		ExtUser:     sql.NullString{String: extUser, Valid: true},
		Sender:      "@alice:matrix.example.org",
		Destination: DestinationClient,
		Time:        time.Now().UTC(),
		Payload:     payload,
	})
	require.NoError(t, err)

	messages, err := s.MessagesToClient(ctx, "@alice:matrix.example.org", &network, &extUser)
	require.NoError(t, err)
	require.Len(t, messages, 1)
	assert.Equal(t, DestinationClient, messages[0].Destination)
}

func TestMessagesToClient_WithoutAccount(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	payload, _ := json.Marshal(map[string]string{"msgtype": "m.text", "body": "hi"})
	_, err := s.InsertMessage(ctx, Message{
		Sender:      "@alice:matrix.example.org",
		Destination: DestinationClient,
		Time:        time.Now().UTC(),
		Payload:     payload,
	})
	require.NoError(t, err)

	messages, err := s.MessagesToClient(ctx, "@alice:matrix.example.org", nil, nil)
	require.NoError(t, err)
	require.Len(t, messages, 1)
}

func TestMessagesToMatrix_OrderedByTime(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	payload, _ := json.Marshal(map[string]string{"msgtype": "m.text", "body": "hi"})
	older := time.Now().UTC().Add(-time.Hour)
	newer := time.Now().UTC()

	_, err := s.InsertMessage(ctx, Message{Sender: "a", Destination: DestinationMatrix, Time: newer, Payload: payload})
	require.NoError(t, err)
	_, err = s.InsertMessage(ctx, Message{Sender: "a", Destination: DestinationMatrix, Time: older, Payload: payload})
	require.NoError(t, err)

	messages, err := s.MessagesToMatrix(ctx)
	require.NoError(t, err)
	require.Len(t, messages, 2)
	assert.True(t, messages[0].Time.Before(messages[1].Time) || messages[0].Time.Equal(messages[1].Time))
}

func TestDeleteMessage(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	payload, _ := json.Marshal(map[string]string{"msgtype": "m.text", "body": "hi"})
	id, err := s.InsertMessage(ctx, Message{Sender: "a", Destination: DestinationMatrix, Time: time.Now().UTC(), Payload: payload})
	require.NoError(t, err)

	require.NoError(t, s.DeleteMessage(ctx, id))

	messages, err := s.MessagesToMatrix(ctx)
	require.NoError(t, err)
	assert.Empty(t, messages)
}
