package bridge

import (
	"context"
	"fmt"

	"github.com/ndl/pumaduct/internal/metrics"
	"github.com/ndl/pumaduct/internal/storage"
)

// fatalRegistrationErrors are connection-error reasons that mean a
// pending registration should be abandoned rather than retried,
// grounded on registration.py's FATAL_REGISTRATION_ERRORS.
var fatalRegistrationErrors = map[string]struct{}{
	"invalid username":        {},
	"authentication failed":   {},
	"authentication impossible": {},
	"name in use":             {},
	"invalid settings":        {},
}

// pendingRegistration tracks one in-flight "register" service command,
// grounded on registration.py's Registration.
type pendingRegistration struct {
	roomID   string
	password string
}

type pendingKey struct {
	network string
	extUser string
}

// Registration lets a Matrix user attach an existing external-network
// account to the bridge (and detach it again), grounded on
// layers/registration.py's RegistrationLayer. It does not perform
// registration on the external network itself.
type Registration struct {
	baseLayer

	base     *Base
	messages *Messages
	service  *Service

	pending map[pendingKey]*pendingRegistration
}

// NewRegistration builds the Registration layer.
func NewRegistration(base *Base, messages *Messages, service *Service) *Registration {
	return &Registration{
		base:     base,
		messages: messages,
		service:  service,
		pending:  make(map[pendingKey]*pendingRegistration),
	}
}

func (r *Registration) Init() error {
	if err := r.base.AddClientsCallback("user-signed-on", r.dispatchUserSignedOnWithoutAccount, false); err != nil {
		return err
	}
	if err := r.base.AddClientsCallback("connection-error", r.dispatchConnectionErrorWithoutAccount, false); err != nil {
		return err
	}
	r.service.AddServiceCallback("register", r.onServiceRegister,
		"register network user password - registers new account, "+
			"the message will be redacted afterwards so that password doesn't stay in the history.")
	r.service.AddServiceCallback("unregister", r.onServiceUnregister,
		"unregister network user - unregisters existing account.")
	return nil
}

func (r *Registration) Stop() {
	_ = r.base.RemoveClientsCallback("user-signed-on", r.dispatchUserSignedOnWithoutAccount)
	_ = r.base.RemoveClientsCallback("connection-error", r.dispatchConnectionErrorWithoutAccount)
	_ = r.service.RemoveServiceCallback("register", r.onServiceRegister)
	_ = r.service.RemoveServiceCallback("unregister", r.onServiceUnregister)
}

func (r *Registration) Start() {}

// PendingRoomID returns the service room id backing an in-flight
// registration for (network, extUser), used by the Input layer to find
// a target user before the account row exists, grounded on
// registration.py's Registration being passed into input.py's lookup.
func (r *Registration) PendingRoomID(network, extUser string) (string, bool) {
	reg, ok := r.pending[pendingKey{network, extUser}]
	if !ok {
		return "", false
	}
	return reg.roomID, true
}

func (r *Registration) dispatchUserSignedOnWithoutAccount(args ...any) error {
	network, _ := args[0].(string)
	extUser, _ := args[1].(string)
	return r.onUserSignedOnWithoutAccount(context.Background(), network, extUser)
}

func (r *Registration) dispatchConnectionErrorWithoutAccount(args ...any) error {
	network, _ := args[0].(string)
	extUser, _ := args[1].(string)
	reason, _ := args[2].(string)
	description, _ := args[3].(string)
	r.onConnectionErrorWithoutAccount(network, extUser, reason, description)
	return nil
}

// onUserSignedOnWithoutAccount completes a pending registration once the
// corresponding client account successfully signs on, grounded on
// registration.py's on_user_signed_on_without_account.
func (r *Registration) onUserSignedOnWithoutAccount(ctx context.Context, network, extUser string) error {
	key := pendingKey{network, extUser}
	reg, ok := r.pending[key]
	if !ok {
		return nil
	}
	delete(r.pending, key)

	serviceRoom, ok := r.service.Rooms[reg.roomID]
	if !ok {
		return fmt.Errorf("%w: room id %q not found in service rooms", ErrInternal, reg.roomID)
	}
	user := serviceRoom.User

	nc, _ := r.base.NetworkConfig(network)
	client := r.base.Client(nc.Client)

	storedID, err := r.base.Store().CreateAccount(ctx, storage.Account{
		User:     user,
		Network:  network,
		ExtUser:  extUser,
		Password: reg.password,
	})
	if err != nil {
		return err
	}
	account := &Account{
		ID:       storedID,
		User:     user,
		Network:  network,
		ExtUser:  extUser,
		Password: reg.password,
		Config:   nc,
		Client:   client,
		Contacts: make(map[string]struct{}),
	}
	r.base.AddAccount(user, account)
	r.service.SendMessage(reg.roomID, user, fmt.Sprintf("Successfully registered %s on the network %s", user, network))
	r.base.DispatchClientsCallbacks("user-signed-on", network, extUser)
	return nil
}

// onConnectionErrorWithoutAccount discards a pending registration when
// the connection error is permanent, grounded on registration.py's
// on_connection_error_without_account.
func (r *Registration) onConnectionErrorWithoutAccount(network, extUser, reason, description string) {
	key := pendingKey{network, extUser}
	reg, ok := r.pending[key]
	if !ok {
		return
	}
	if _, fatal := fatalRegistrationErrors[reason]; !fatal {
		return
	}
	serviceRoom, ok := r.service.Rooms[reg.roomID]
	if !ok {
		return
	}
	r.service.SendMessage(reg.roomID, serviceRoom.User, fmt.Sprintf(
		"Failed to register %s on network %s: error reason is '%s', error description is: '%s'",
		serviceRoom.User, network, reason, description))
	delete(r.pending, key)
}

// onServiceRegister handles the `register network user password` service
// command, grounded on registration.py's on_service_register.
func (r *Registration) onServiceRegister(transactionID string, event map[string]any, args []string) bool {
	metrics.CommandsHandled.WithLabelValues("register").Inc()
	roomID, _ := event["room_id"].(string)
	sender, _ := event["sender"].(string)

	if len(args) != 4 {
		r.service.SendMessage(roomID, sender, fmt.Sprintf("Wrong number of arguments for 'register' command: %v", args))
		return true
	}
	network, extUser, password := args[1], args[2], args[3]

	nc, ok := r.base.NetworkConfig(network)
	if !ok {
		r.service.SendMessage(roomID, sender, fmt.Sprintf("Network '%s' is not configured in PuMaDuct config, don't know how to register.", network))
		return true
	}
	if user, _ := r.base.FindUserAndAccount(network, extUser); user != "" {
		r.service.SendMessage(roomID, sender, fmt.Sprintf("Account %s on the network %s is already registered.", extUser, network))
		return true
	}
	if !nc.IsEnabled() {
		r.service.SendMessage(roomID, sender, fmt.Sprintf("Network '%s' is configured but currently disabled, cannot register.", network))
		return true
	}

	eventID, _ := event["event_id"].(string)
	ctx := context.Background()
	if err := r.base.HomeServer().RedactEvent(ctx, roomID, r.service.User, eventID, "Stripped sensitive data"); err != nil {
		_ = err // redaction best-effort: the password still shouldn't block registration
	}
	r.service.SendMessage(roomID, sender, fmt.Sprintf("Registering account %s on the network %s...", extUser, network))

	key := pendingKey{network, extUser}
	if _, exists := r.pending[key]; !exists {
		r.pending[key] = &pendingRegistration{roomID: roomID, password: password}
		client := r.base.Client(nc.Client)
		if client != nil {
			if err := client.Login(ctx, network, extUser, password, ""); err != nil {
				r.service.SendMessage(roomID, sender, fmt.Sprintf("Failed to start registration for %s on %s: %v", extUser, network, err))
				delete(r.pending, key)
			}
		}
	}
	return true
}

// onServiceUnregister handles the `unregister network user` service
// command, grounded on registration.py's on_service_unregister.
func (r *Registration) onServiceUnregister(transactionID string, event map[string]any, args []string) bool {
	metrics.CommandsHandled.WithLabelValues("unregister").Inc()
	roomID, _ := event["room_id"].(string)
	sender, _ := event["sender"].(string)

	if len(args) != 3 {
		r.service.SendMessage(roomID, sender, fmt.Sprintf("Wrong number of arguments for 'unregister' command: %v", args))
		return true
	}
	network, extUser := args[1], args[2]

	if _, ok := r.base.NetworkConfig(network); !ok {
		r.service.SendMessage(roomID, sender, fmt.Sprintf("Network '%s' is not configured in PuMaDuct config, don't know how to unregister.", network))
		return true
	}
	user, account := r.base.FindUserAndAccount(network, extUser)
	if user == "" {
		r.service.SendMessage(roomID, sender, fmt.Sprintf("Cannot find the account %s on the network %s to unregister.", extUser, network))
		return true
	}

	// The contacts and rooms linked to this account are left in place: a
	// contact could in principle be shared between multiple accounts.
	// The account's queued offline messages are not deleted here either.
	ctx := context.Background()
	if err := r.base.Store().DeleteAccount(ctx, account.ID); err != nil {
		r.service.SendMessage(roomID, sender, fmt.Sprintf("Failed to unregister account %s: %v", extUser, err))
		return true
	}
	r.base.RemoveAccount(user, account)
	r.messages.forgetPendingDeliveries(user, account)

	r.service.SendMessage(roomID, sender, fmt.Sprintf("Unregistered account %s for the user %s on the network %s.", extUser, user, network))
	return true
}
