// Package mock is a deterministic, in-memory imclient.Backend used by
// the bridge's own tests in place of a real libpurple/XMPP back-end.
package mock

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/ndl/pumaduct/internal/imclient"
)

type conversation struct {
	network, user, contact string
}

// Backend is a fake imclient.Backend with scriptable responses and a
// record of every call made, for use in assertions.
type Backend struct {
	mu sync.Mutex

	callbacks map[string][]imclient.Callback

	loggedIn      map[string]bool // "network\x00user"
	authTokens    map[string]string
	conversations map[string]conversation // convID -> parties
	nextConvID    int

	Contacts map[string][]imclient.Contact // "network\x00user" -> contacts

	SentMessages []SentMessage
	SentImages   []SentMessage
	SentFiles    []SentMessage

	TypingCalls []TypingCall
}

// SentMessage records a SendMessage/SendImage/SendFile call.
type SentMessage struct {
	Network, User, ConvID, Body string
}

// TypingCall records a SetTyping call.
type TypingCall struct {
	Network, User, ConvID string
	IsTyping              bool
}

// New builds an empty mock backend.
func New() *Backend {
	return &Backend{
		callbacks:     make(map[string][]imclient.Callback),
		loggedIn:      make(map[string]bool),
		authTokens:    make(map[string]string),
		conversations: make(map[string]conversation),
		Contacts:      make(map[string][]imclient.Contact),
	}
}

func key(network, user string) string {
	return network + "\x00" + user
}

// AddCallback registers cb for eventID.
func (b *Backend) AddCallback(eventID string, cb imclient.Callback) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.callbacks[eventID] = append(b.callbacks[eventID], cb)
	return nil
}

// RemoveCallback deregisters cb; this mock matches by slice position
// since Go funcs aren't comparable, so callers should remove in the
// reverse order they added distinct closures, or prefer Fire in tests.
func (b *Backend) RemoveCallback(eventID string, cb imclient.Callback) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	cbs := b.callbacks[eventID]
	if len(cbs) == 0 {
		return fmt.Errorf("mock: no callbacks registered for %q", eventID)
	}
	b.callbacks[eventID] = cbs[:len(cbs)-1]
	return nil
}

// Fire dispatches eventID to every registered callback, the way a real
// back-end would report an asynchronous event.
func (b *Backend) Fire(eventID string, args ...any) error {
	b.mu.Lock()
	cbs := append([]imclient.Callback(nil), b.callbacks[eventID]...)
	b.mu.Unlock()

	for _, cb := range cbs {
		if err := cb(args...); err != nil {
			return err
		}
	}
	return nil
}

// Login marks (network, user) as connected.
func (b *Backend) Login(ctx context.Context, network, user string, password, authToken string) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.loggedIn[key(network, user)] = true
	if authToken != "" {
		b.authTokens[key(network, user)] = authToken
	}
	return nil
}

// Logout marks (network, user) as disconnected.
func (b *Backend) Logout(ctx context.Context, network, user string) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	delete(b.loggedIn, key(network, user))
	return nil
}

// GetAuthToken returns the last non-empty token Login stored.
func (b *Backend) GetAuthToken(ctx context.Context, network, user string) (string, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.authTokens[key(network, user)], nil
}

// CreateConversation allocates a fake conversation id.
func (b *Backend) CreateConversation(ctx context.Context, network, user, contact string) (string, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.nextConvID++
	id := fmt.Sprintf("conv-%d", b.nextConvID)
	b.conversations[id] = conversation{network: network, user: user, contact: contact}
	return id, nil
}

// SendMessage records the send.
func (b *Backend) SendMessage(ctx context.Context, network, user, convID string, t time.Time, body string) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.SentMessages = append(b.SentMessages, SentMessage{Network: network, User: user, ConvID: convID, Body: body})
	return nil
}

// SendImage records the send.
func (b *Backend) SendImage(ctx context.Context, network, user, convID string, data []byte, contentType string) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.SentImages = append(b.SentImages, SentMessage{Network: network, User: user, ConvID: convID, Body: contentType})
	return nil
}

// SendFile records the send.
func (b *Backend) SendFile(ctx context.Context, network, user, convID, filename string, data []byte) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.SentFiles = append(b.SentFiles, SentMessage{Network: network, User: user, ConvID: convID, Body: filename})
	return nil
}

// SetTyping records the call.
func (b *Backend) SetTyping(ctx context.Context, network, user, convID string, isTyping bool) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.TypingCalls = append(b.TypingCalls, TypingCall{Network: network, User: user, ConvID: convID, IsTyping: isTyping})
	return nil
}

// GetContacts returns the scripted contact list for (network, user).
func (b *Backend) GetContacts(ctx context.Context, network, user string) ([]imclient.Contact, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.Contacts[key(network, user)], nil
}

// GetContactStatus always reports "available".
func (b *Backend) GetContactStatus(ctx context.Context, network, user, contact string) (string, error) {
	return "available", nil
}

// GetContactDisplayName echoes the contact id back as its own display name.
func (b *Backend) GetContactDisplayName(ctx context.Context, network, user, contact string) (string, error) {
	return contact, nil
}

// GetContactIcon always reports no icon set.
func (b *Backend) GetContactIcon(ctx context.Context, network, user, contact string) (*imclient.Icon, error) {
	return nil, nil
}

// SetAccountStatus is a no-op; the call is not recorded.
func (b *Backend) SetAccountStatus(ctx context.Context, network, user, status string) error {
	return nil
}

// GetAccountDisplayName always reports the account's own user id.
func (b *Backend) GetAccountDisplayName(ctx context.Context, network, user string) (string, error) {
	return user, nil
}

// SetAccountDisplayName is a no-op.
func (b *Backend) SetAccountDisplayName(ctx context.Context, network, user, name string) error {
	return nil
}

// GetAccountIcon always reports no icon set.
func (b *Backend) GetAccountIcon(ctx context.Context, network, user string) (*imclient.Icon, error) {
	return nil, nil
}

// SetAccountIcon is a no-op.
func (b *Backend) SetAccountIcon(ctx context.Context, network, user string, icon imclient.Icon) error {
	return nil
}

var _ imclient.Backend = (*Backend)(nil)
