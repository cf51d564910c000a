package bridge

import (
	"context"
	"fmt"
	"net/url"
	"strings"

	"github.com/prometheus/client_golang/prometheus"
	"go.uber.org/zap"

	"github.com/ndl/pumaduct/internal/config"
	"github.com/ndl/pumaduct/internal/homeserver"
	"github.com/ndl/pumaduct/internal/identity"
	"github.com/ndl/pumaduct/internal/imclient"
	"github.com/ndl/pumaduct/internal/logging"
	"github.com/ndl/pumaduct/internal/metrics"
	"github.com/ndl/pumaduct/internal/storage"
)

// ignoredEventTypes are home-server event types the bridge never acts on
// and doesn't warn about, grounded on base.py's IGNORED_EVENTS.
var ignoredEventTypes = map[string]struct{}{
	"m.room.create":             {},
	"m.room.power_levels":       {},
	"m.room.join_rules":         {},
	"m.room.history_visibility": {},
	"m.room.guest_access":       {},
}

// adminPowerLevel mirrors BaseLayer.ADMIN_POWER_LEVEL.
const adminPowerLevel = 100

// Base is the dispatcher every other layer is built on top of: it owns
// the callback registry, the in-memory account/room indexes, identity
// translation and the ACL, and it is the single point that talks to the
// home-server client and the back-end clients map.
//
// Grounded on layers/base.py's BaseLayer.
type Base struct {
	baseLayer

	cfg     *config.Config
	loop    *MainLoop
	hs      *homeserver.Client
	store   *storage.Store
	mapper  *identity.Mapper
	acl     *identity.AccessList
	clients map[string]imclient.Backend
	hsHost  string

	*CallbackRegistry

	// Accounts indexes every known account by owning Matrix user id.
	Accounts map[string][]*Account
	// Rooms indexes every tracked room by room id.
	Rooms map[string]*Room

	UserPowerLevel *int
}

// NewBase builds the dispatcher. clients must contain one entry per
// configured, enabled network.
func NewBase(cfg *config.Config, loop *MainLoop, hs *homeserver.Client, store *storage.Store,
	mapper *identity.Mapper, acl *identity.AccessList, clients map[string]imclient.Backend) *Base {
	return &Base{
		cfg:              cfg,
		loop:             loop,
		hs:               hs,
		store:            store,
		mapper:           mapper,
		acl:              acl,
		clients:          clients,
		hsHost:           parseHSHost(cfg.HSServer),
		CallbackRegistry: newCallbackRegistry(),
		Accounts:         make(map[string][]*Account),
		Rooms:            make(map[string]*Room),
		UserPowerLevel:   cfg.UserPowerLevel,
	}
}

// parseHSHost extracts the bare host (no scheme, no port) from the
// configured hs_server URL, grounded on base.py's _parse_hs_host.
func parseHSHost(hsServer string) string {
	u, err := url.Parse(hsServer)
	if err != nil || u.Host == "" {
		return hsServer
	}
	host := u.Host
	if idx := strings.IndexByte(host, ':'); idx != -1 {
		host = host[:idx]
	}
	return host
}

// HSHost returns the bare home-server host, used to build the service
// user's mxid and for Input layer prompt-template substitution.
func (b *Base) HSHost() string { return b.hsHost }

// ServiceUser returns the mxid of the bridge's service user.
func (b *Base) ServiceUser() string {
	return fmt.Sprintf("@%s:%s", b.cfg.ServiceLocalpart, b.hsHost)
}

func (b *Base) Init() error { return nil }
func (b *Base) Start()      {}

// AddClientsCallback wraps CallbackRegistry.addClientCallback, binding
// in this Base's clients map and account resolver.
func (b *Base) AddClientsCallback(callbackID string, fn ClientCallbackFunc, autoMap bool) error {
	return b.addClientCallback(callbackID, fn, autoMap, b.clients, b.FindUserAndAccount)
}

// RemoveClientsCallback wraps CallbackRegistry.removeClientCallback.
func (b *Base) RemoveClientsCallback(callbackID string, fn ClientCallbackFunc) error {
	return b.removeClientCallback(callbackID, fn, b.clients)
}

// DispatchClientsCallbacks wraps CallbackRegistry.dispatchClientCallbacks.
func (b *Base) DispatchClientsCallbacks(callbackID string, args ...any) {
	b.dispatchClientCallbacks(callbackID, args...)
}

// ProcessTransaction dispatches every event of an AS transaction to its
// registered transaction callbacks, after checking the sender ACL,
// grounded on base.py's process_transaction. Always returns true:
// a per-event callback panic is recovered and logged, never propagated,
// so one bad event cannot fail the whole transaction.
func (b *Base) ProcessTransaction(ctx context.Context, transactionID string, events []map[string]any) bool {
	timer := prometheus.NewTimer(metrics.TransactionProcessingDuration.WithLabelValues())
	defer timer.ObserveDuration()

	for _, event := range events {
		eventType, _ := event["type"].(string)
		if eventType == "" {
			logging.Warn(ctx, "event missing required attributes, discarding", zap.Any("event", event))
			continue
		}
		if sender, ok := event["sender"].(string); ok && !b.acl.IsSenderAllowed(sender) {
			logging.Warn(ctx, "sender not allowed by access list, discarding event",
				zap.String("sender", sender), zap.String("event_type", eventType))
			continue
		}

		callbacks := b.transactionCallbacksFor(eventType)
		if len(callbacks) > 0 {
			for _, cb := range callbacks {
				b.runTransactionCallback(ctx, cb, transactionID, event)
			}
			continue
		}
		if _, ignored := ignoredEventTypes[eventType]; ignored {
			continue
		}
		logging.Error(ctx, "unknown event type in transaction, ignoring", zap.String("event_type", eventType))
	}
	metrics.TransactionsProcessed.WithLabelValues("ok").Inc()
	return true
}

func (b *Base) runTransactionCallback(ctx context.Context, cb TransactionCallbackFunc, transactionID string, event map[string]any) {
	defer func() {
		if r := recover(); r != nil {
			logPanic(ctx, "transaction:"+transactionID, r)
		}
	}()
	cb(transactionID, event)
}

// EnsureRoom finds (or creates) a room suitable for communication
// between user and contact, associating convID with it, grounded on
// base.py's ensure_room.
func (b *Base) EnsureRoom(ctx context.Context, user, contact, convID string) (string, error) {
	if roomID := b.findRoom(user, contact, convID); roomID != "" {
		room := b.Rooms[roomID]
		if room.ConvID == "" {
			room.ConvID = convID
		}
		return roomID, nil
	}

	roomID, err := b.hs.CreateRoom(ctx, contact, []string{user})
	if err != nil {
		return "", fmt.Errorf("bridge: creating room for %s/%s: %w", user, contact, err)
	}
	if roomID == "" {
		return "", fmt.Errorf("%w: create_room returned no room id", ErrTransportFailure)
	}

	room := &Room{User: user, ConvID: convID}
	room.AddMember(contact)
	b.Rooms[roomID] = room

	if b.UserPowerLevel != nil {
		// Synapse resets a non-member's power level to 0 on room
		// creation; without also granting the contact admin here
		// PuMaDuct cannot act on its behalf afterwards (e.g. to send
		// messages), per base.py's comment on ensure_room.
		levels := map[string]int{user: *b.UserPowerLevel, contact: adminPowerLevel}
		if err := b.hs.SetUsersPowerLevels(ctx, roomID, contact, levels); err != nil {
			logging.Warn(ctx, "failed to set room power levels", zap.String("room_id", roomID), zap.Error(err))
		}
	}
	return roomID, nil
}

func (b *Base) findRoomSinglePass(user, contact, convID string) string {
	for roomID, room := range b.Rooms {
		if room.HasMember(contact) && room.User == user && (convID == room.ConvID || convID == "") {
			return roomID
		}
	}
	return ""
}

func (b *Base) findRoom(user, contact, convID string) string {
	if roomID := b.findRoomSinglePass(user, contact, convID); roomID != "" {
		return roomID
	}
	return b.findRoomSinglePass(user, contact, "")
}

// ExtContactToMxid delegates to the identity mapper.
func (b *Base) ExtContactToMxid(network, extContact string) (string, error) {
	return b.mapper.ExtContactToMxid(network, extContact)
}

// MxidToExtContact delegates to the identity mapper.
func (b *Base) MxidToExtContact(network, mxid string) (string, error) {
	return b.mapper.MxidToExtContact(network, mxid)
}

// FindAccountForContact returns the account of user that has contact
// among its contacts, or nil, grounded on base.py's find_account_for_contact.
func (b *Base) FindAccountForContact(user, contact string) *Account {
	for _, account := range b.Accounts[user] {
		if account.HasContact(contact) {
			return account
		}
	}
	return nil
}

// FindUserAndAccount returns the Matrix user id and account matching the
// given (network, ext_user) pair, or ("", nil), grounded on base.py's
// find_user_and_account.
func (b *Base) FindUserAndAccount(network, extUser string) (string, *Account) {
	for user, accounts := range b.Accounts {
		for _, account := range accounts {
			if account.Network == network && account.ExtUser == extUser {
				return user, account
			}
		}
	}
	return "", nil
}

// HasContact reports whether contact belongs to any known account,
// grounded on base.py's has_contact.
func (b *Base) HasContact(contact string) bool {
	for _, accounts := range b.Accounts {
		for _, account := range accounts {
			if account.HasContact(contact) {
				return true
			}
		}
	}
	return false
}

// AddAccount registers account under user, creating the slice if needed.
func (b *Base) AddAccount(user string, account *Account) {
	b.Accounts[user] = append(b.Accounts[user], account)
}

// RemoveAccount removes account (matched by pointer identity) from user's
// account list.
func (b *Base) RemoveAccount(user string, account *Account) {
	accounts := b.Accounts[user]
	for i, a := range accounts {
		if a == account {
			b.Accounts[user] = append(accounts[:i], accounts[i+1:]...)
			break
		}
	}
	if len(b.Accounts[user]) == 0 {
		delete(b.Accounts, user)
	}
}

// Client returns the configured back-end for network, or nil.
func (b *Base) Client(network string) imclient.Backend {
	return b.clients[network]
}

// HomeServer exposes the home-server client for layers built on top of Base.
func (b *Base) HomeServer() *homeserver.Client { return b.hs }

// Store exposes the persistence layer for layers built on top of Base.
func (b *Base) Store() *storage.Store { return b.store }

// Config exposes the loaded configuration.
func (b *Base) Config() *config.Config { return b.cfg }

// Loop exposes the main loop so layers can Post jobs and arm timers.
func (b *Base) Loop() *MainLoop { return b.loop }

// NetworkConfig returns the configured settings for network, or the zero
// value and false if unknown.
func (b *Base) NetworkConfig(network string) (config.NetworkConfig, bool) {
	nc, ok := b.cfg.Networks[network]
	return nc, ok
}
