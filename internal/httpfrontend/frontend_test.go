package httpfrontend

import (
	"bytes"
	"context"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ndl/pumaduct/internal/auth"
)

// syncLoop runs posted jobs inline, standing in for bridge.MainLoop in
// these handler-level tests.
type syncLoop struct{}

func (syncLoop) Post(job func()) { job() }

type fakeBackend struct {
	contacts      map[string]bool
	transactionID string
	events        []map[string]any
}

func (b *fakeBackend) HasContact(contact string) bool { return b.contacts[contact] }

func (b *fakeBackend) ProcessTransaction(ctx context.Context, transactionID string, events []map[string]any) bool {
	b.transactionID = transactionID
	b.events = events
	return true
}

func TestGetUser_Exists(t *testing.T) {
	verifier := auth.NewVerifier("as-token")
	backend := &fakeBackend{contacts: map[string]bool{"@xmpp-bob:matrix.example.org": true}}
	srv := New("127.0.0.1:0", verifier, syncLoop{}, backend)

	req := httptest.NewRequest(http.MethodGet, "/users/%40xmpp-bob%3Amatrix.example.org?access_token=as-token", nil)
	rec := httptest.NewRecorder()
	srv.engine.ServeHTTP(rec, req)

	assert.Equal(t, http.StatusOK, rec.Code)
}

func TestGetUser_NotFound(t *testing.T) {
	verifier := auth.NewVerifier("as-token")
	backend := &fakeBackend{contacts: map[string]bool{}}
	srv := New("127.0.0.1:0", verifier, syncLoop{}, backend)

	req := httptest.NewRequest(http.MethodGet, "/users/%40nobody%3Amatrix.example.org?access_token=as-token", nil)
	rec := httptest.NewRecorder()
	srv.engine.ServeHTTP(rec, req)

	assert.Equal(t, http.StatusNotFound, rec.Code)
	assert.Contains(t, rec.Body.String(), "CH.ENDL.PUMADUCT_NOT_FOUND")
}

func TestGetUser_MissingToken(t *testing.T) {
	verifier := auth.NewVerifier("as-token")
	backend := &fakeBackend{}
	srv := New("127.0.0.1:0", verifier, syncLoop{}, backend)

	req := httptest.NewRequest(http.MethodGet, "/users/%40nobody%3Amatrix.example.org", nil)
	rec := httptest.NewRecorder()
	srv.engine.ServeHTTP(rec, req)

	assert.Equal(t, http.StatusUnauthorized, rec.Code)
}

func TestGetUser_WrongToken(t *testing.T) {
	verifier := auth.NewVerifier("as-token")
	backend := &fakeBackend{}
	srv := New("127.0.0.1:0", verifier, syncLoop{}, backend)

	req := httptest.NewRequest(http.MethodGet, "/users/%40nobody%3Amatrix.example.org?access_token=wrong", nil)
	rec := httptest.NewRecorder()
	srv.engine.ServeHTTP(rec, req)

	assert.Equal(t, http.StatusForbidden, rec.Code)
}

func TestPutTransaction_MissingContentLength(t *testing.T) {
	verifier := auth.NewVerifier("as-token")
	backend := &fakeBackend{}
	srv := New("127.0.0.1:0", verifier, syncLoop{}, backend)

	req := httptest.NewRequest(http.MethodPut, "/transactions/1?access_token=as-token", nil)
	req.ContentLength = -1
	req.Header.Del("Content-Length")
	rec := httptest.NewRecorder()
	srv.engine.ServeHTTP(rec, req)

	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestPutTransaction_DispatchesToBackend(t *testing.T) {
	verifier := auth.NewVerifier("as-token")
	backend := &fakeBackend{}
	srv := New("127.0.0.1:0", verifier, syncLoop{}, backend)

	body := bytes.NewBufferString(`{"events":[{"type":"m.room.message","room_id":"!a:matrix.example.org"}]}`)
	req := httptest.NewRequest(http.MethodPut, "/transactions/42?access_token=as-token", body)
	req.Header.Set("Content-Length", "64")
	req.ContentLength = 64
	rec := httptest.NewRecorder()
	srv.engine.ServeHTTP(rec, req)

	assert.Equal(t, http.StatusOK, rec.Code)
	require.Equal(t, "42", backend.transactionID)
	require.Len(t, backend.events, 1)
	assert.Equal(t, "m.room.message", backend.events[0]["type"])
}

func TestPutTransaction_BadJSON(t *testing.T) {
	verifier := auth.NewVerifier("as-token")
	backend := &fakeBackend{}
	srv := New("127.0.0.1:0", verifier, syncLoop{}, backend)

	body := bytes.NewBufferString(`not json`)
	req := httptest.NewRequest(http.MethodPut, "/transactions/42?access_token=as-token", body)
	req.Header.Set("Content-Length", "8")
	req.ContentLength = 8
	rec := httptest.NewRecorder()
	srv.engine.ServeHTTP(rec, req)

	assert.Equal(t, http.StatusBadRequest, rec.Code)
}
