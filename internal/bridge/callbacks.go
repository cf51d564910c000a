package bridge

import (
	"context"
	"fmt"
	"reflect"

	"github.com/ndl/pumaduct/internal/imclient"
	"github.com/ndl/pumaduct/internal/metrics"
)

// TransactionCallbackFunc handles a single home-server transaction event
// of a registered type, grounded on layers/base.py's transaction
// callback signature callback(transaction_id, event).
type TransactionCallbackFunc func(transactionID string, event map[string]any)

// ClientCallbackFunc handles a back-end-originated event. Its positional
// args mirror the Python callback signatures in §6.2; when an entry's
// autoMap flag is set the dispatcher replaces the first two arguments
// (network, ext_user) with (user, account) before calling it, per
// base.py's _callback_dispatcher.
type ClientCallbackFunc func(args ...any) error

type clientCallbackEntry struct {
	id         string
	fn         ClientCallbackFunc
	autoMap    bool
	dispatcher imclient.Callback
}

func funcIdentity(fn any) uintptr {
	return reflect.ValueOf(fn).Pointer()
}

// CallbackRegistry holds the two callback tables described in spec.md
// §3 (CallbackRegistry): transaction callbacks keyed by home-server
// event type, and client callbacks keyed by the §6.2 event vocabulary.
//
// Grounded on layers/base.py's self.transaction_callbacks /
// self.clients_callbacks and ClientsCallbackConfig.
type CallbackRegistry struct {
	transactionCbs map[string][]TransactionCallbackFunc
	clientCbs      map[string][]*clientCallbackEntry
}

func newCallbackRegistry() *CallbackRegistry {
	return &CallbackRegistry{
		transactionCbs: make(map[string][]TransactionCallbackFunc),
		clientCbs:      make(map[string][]*clientCallbackEntry),
	}
}

// AddTransactionCallback appends fn for eventType.
func (r *CallbackRegistry) AddTransactionCallback(eventType string, fn TransactionCallbackFunc) {
	r.transactionCbs[eventType] = append(r.transactionCbs[eventType], fn)
}

// RemoveTransactionCallback removes a previously added fn, failing with
// ErrNotFound if it was never registered for eventType.
func (r *CallbackRegistry) RemoveTransactionCallback(eventType string, fn TransactionCallbackFunc) error {
	cbs := r.transactionCbs[eventType]
	target := funcIdentity(fn)
	for i, cb := range cbs {
		if funcIdentity(cb) == target {
			r.transactionCbs[eventType] = append(cbs[:i], cbs[i+1:]...)
			if len(r.transactionCbs[eventType]) == 0 {
				delete(r.transactionCbs, eventType)
			}
			return nil
		}
	}
	return fmt.Errorf("%w: transaction callback for %q", ErrNotFound, eventType)
}

func (r *CallbackRegistry) transactionCallbacksFor(eventType string) []TransactionCallbackFunc {
	return r.transactionCbs[eventType]
}

// addClientCallback registers fn for callbackID, building the dispatcher
// closure that back-ends actually call. clients lists every configured
// back-end so the dispatcher can be registered with each of them,
// grounded on base.py's add_clients_callback.
func (r *CallbackRegistry) addClientCallback(
	callbackID string, fn ClientCallbackFunc, autoMap bool,
	clients map[string]imclient.Backend, resolve func(network, extUser string) (string, *Account),
) error {
	entry := &clientCallbackEntry{id: callbackID, fn: fn, autoMap: autoMap}
	entry.dispatcher = func(args ...any) (err error) {
		defer func() {
			if r := recover(); r != nil {
				logPanic(context.Background(), "client:"+callbackID, r)
				err = nil
			}
		}()
		metrics.CallbacksDispatched.WithLabelValues(callbackID, "client").Inc()
		if !entry.autoMap {
			return entry.fn(args...)
		}
		if len(args) < 2 {
			return fmt.Errorf("%w: callback %q requires at least two args for account mapping", ErrInternal, callbackID)
		}
		network, _ := args[0].(string)
		extUser, _ := args[1].(string)
		user, account := resolve(network, extUser)
		if user == "" {
			// Unknown account: silently skip, per base.py's
			// _callback_dispatcher (map_account path only calls back
			// when find_user_and_account resolves).
			return nil
		}
		rest := append([]any{user, account}, args[2:]...)
		return entry.fn(rest...)
	}
	r.clientCbs[callbackID] = append(r.clientCbs[callbackID], entry)
	for _, client := range clients {
		if err := client.AddCallback(callbackID, entry.dispatcher); err != nil {
			return err
		}
	}
	return nil
}

// removeClientCallback deregisters fn, matching by function identity.
func (r *CallbackRegistry) removeClientCallback(
	callbackID string, fn ClientCallbackFunc, clients map[string]imclient.Backend,
) error {
	entries := r.clientCbs[callbackID]
	target := funcIdentity(fn)
	for i, entry := range entries {
		if funcIdentity(entry.fn) == target {
			for _, client := range clients {
				_ = client.RemoveCallback(callbackID, entry.dispatcher)
			}
			r.clientCbs[callbackID] = append(entries[:i], entries[i+1:]...)
			if len(r.clientCbs[callbackID]) == 0 {
				delete(r.clientCbs, callbackID)
			}
			return nil
		}
	}
	return fmt.Errorf("%w: client callback %q", ErrNotFound, callbackID)
}

// dispatchClientCallbacks forces every dispatcher registered for
// callbackID to run, used to simulate a client-originated event (e.g.
// after successful in-band registration), grounded on
// base.py's dispatch_callbacks.
func (r *CallbackRegistry) dispatchClientCallbacks(callbackID string, args ...any) {
	for _, entry := range r.clientCbs[callbackID] {
		_ = entry.dispatcher(args...)
	}
}
