package homeserver

import (
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestHasUser(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "as-token", r.URL.Query().Get("access_token"))
		w.WriteHeader(http.StatusOK)
		w.Write([]byte(`{"presence":"offline"}`))
	}))
	defer srv.Close()

	c := New(srv.URL, "as-token", true)
	exists, err := c.HasUser(t.Context(), "@xmpp-alice:matrix.example.org")
	require.NoError(t, err)
	assert.True(t, exists)
}

func TestHasUser_NotFound(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusNotFound)
	}))
	defer srv.Close()

	c := New(srv.URL, "as-token", true)
	exists, err := c.HasUser(t.Context(), "@xmpp-alice:matrix.example.org")
	require.NoError(t, err)
	assert.False(t, exists)
}

func TestCreateRoom(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "@alice:matrix.example.org", r.URL.Query().Get("user_id"))
		w.WriteHeader(http.StatusOK)
		w.Write([]byte(`{"room_id":"!abc:matrix.example.org"}`))
	}))
	defer srv.Close()

	c := New(srv.URL, "as-token", true)
	roomID, err := c.CreateRoom(t.Context(), "@alice:matrix.example.org", []string{"@xmpp-bob:matrix.example.org"})
	require.NoError(t, err)
	assert.Equal(t, "!abc:matrix.example.org", roomID)
}

func TestCreateRoom_Failure(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer srv.Close()

	c := New(srv.URL, "as-token", true)
	roomID, err := c.CreateRoom(t.Context(), "@alice:matrix.example.org", nil)
	require.NoError(t, err)
	assert.Empty(t, roomID)
}

func TestSendMessage(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "@alice:matrix.example.org", r.URL.Query().Get("user_id"))
		w.WriteHeader(http.StatusOK)
		w.Write([]byte(`{"event_id":"$event1"}`))
	}))
	defer srv.Close()

	c := New(srv.URL, "as-token", true)
	eventID, err := c.SendMessage(t.Context(), "!room:matrix.example.org", "@alice:matrix.example.org",
		time.Now(), []byte(`{"msgtype":"m.text","body":"hi"}`))
	require.NoError(t, err)
	assert.Equal(t, "$event1", eventID)
}

func TestUploadContent_Failure(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusServiceUnavailable)
	}))
	defer srv.Close()

	c := New(srv.URL, "as-token", true)
	uri, err := c.UploadContent(t.Context(), "image/png", []byte{1, 2, 3})
	require.NoError(t, err)
	assert.Empty(t, uri)
}

func TestLocalUsername(t *testing.T) {
	u, err := localUsername("@xmpp-alice:matrix.example.org")
	require.NoError(t, err)
	assert.Equal(t, "xmpp-alice", u)

	_, err = localUsername("not-an-mxid")
	assert.Error(t, err)
}
