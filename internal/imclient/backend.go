// Package imclient defines the pluggable interface a back-end
// (libpurple, an XMPP library, ...) implements to participate in the
// bridge. Concrete back-ends are out of scope (spec §1 Non-goals); this
// package only defines the contract and a deterministic mock used by
// the bridge's own tests.
//
// Grounded on original_source/pumaduct/im_client_base.py's ImClientBase.
package imclient

import (
	"context"
	"errors"
	"time"
)

// Event names dispatched from a back-end up into the bridge's callback
// registry, grounded on the callback vocabulary used throughout
// layers/connection.py, messages.py, presence.py and typing.py.
const (
	EventUserSignedOn          = "user-signed-on"
	EventUserSignedOff         = "user-signed-off"
	EventConnectionError       = "connection-error"
	EventContactUpdated        = "contact-updated"
	EventNewAuthToken          = "new-auth-token"
	EventNewMessage            = "new-message"
	EventNewImage              = "new-image"
	EventNewFile               = "new-file"
	EventConversationDestroyed = "conversation-destroyed"
	EventContactStatusChanged  = "contact-status-changed"
	EventContactTyping         = "contact-typing"
	EventRequestInput          = "request-input"
)

// Error is a back-end-originated failure, grounded on ClientError.
type Error struct {
	Network string
	Reason  string
	Message string
}

func (e *Error) Error() string {
	return "imclient: " + e.Network + ": " + e.Reason + ": " + e.Message
}

// ErrNotConnected is returned by operations that require an active
// session when the account has none.
var ErrNotConnected = errors.New("imclient: account not connected")

// Contact is a single entry returned by GetContacts.
type Contact struct {
	ExtUser     string
	DisplayName string
}

// Icon is raw avatar image data with its MIME content type.
type Icon struct {
	Data        []byte
	ContentType string
}

// Callback receives back-end-originated events. args mirrors the
// positional arguments the Python callables received; the bridge's
// dispatcher inspects args[0]/args[1] as (network, ext_user) when a
// registration's map_account flag requires it.
type Callback func(args ...any) error

// Backend is the contract a pluggable IM back-end implements.
type Backend interface {
	// AddCallback/RemoveCallback register for one of the Event* names.
	AddCallback(eventID string, cb Callback) error
	RemoveCallback(eventID string, cb Callback) error

	// Login establishes a session; password is used for interactive
	// registration, authToken for session resumption after a restart.
	Login(ctx context.Context, network, user string, password, authToken string) error
	Logout(ctx context.Context, network, user string) error
	GetAuthToken(ctx context.Context, network, user string) (string, error)

	CreateConversation(ctx context.Context, network, user, contact string) (string, error)

	SendMessage(ctx context.Context, network, user, convID string, t time.Time, body string) error
	SendImage(ctx context.Context, network, user, convID string, data []byte, contentType string) error
	SendFile(ctx context.Context, network, user, convID, filename string, data []byte) error

	SetTyping(ctx context.Context, network, user, convID string, isTyping bool) error

	GetContacts(ctx context.Context, network, user string) ([]Contact, error)
	GetContactStatus(ctx context.Context, network, user, contact string) (string, error)
	GetContactDisplayName(ctx context.Context, network, user, contact string) (string, error)
	GetContactIcon(ctx context.Context, network, user, contact string) (*Icon, error)

	SetAccountStatus(ctx context.Context, network, user, status string) error
	GetAccountDisplayName(ctx context.Context, network, user string) (string, error)
	SetAccountDisplayName(ctx context.Context, network, user, name string) error
	GetAccountIcon(ctx context.Context, network, user string) (*Icon, error)
	SetAccountIcon(ctx context.Context, network, user string, icon Icon) error
}
