// Package bridge implements the event routing and state-coherence engine
// described in spec.md §4: the Base dispatcher plus the Service,
// Messages, Connection, RoomState, Presence, Typing, Registration, Input
// and Info layers that sit on top of it, all executed serially on a
// single main-loop goroutine (mainloop.go).
//
// Grounded on original_source/pumaduct/layers/*.py; each layer file in
// this package corresponds to one original layer module, named after it.
package bridge

import (
	"github.com/ndl/pumaduct/internal/config"
	"github.com/ndl/pumaduct/internal/imclient"
)

// Account is the runtime, in-memory representation of a user's identity
// on an external network. The persisted subset (id, user, network,
// ext_user, password, auth_token) lives in storage.Account; Connected and
// Contacts are reconstructed/mutated only from main-loop closures.
//
// Grounded on layers/base.py's Account.
type Account struct {
	ID        int64
	User      string
	Network   string
	ExtUser   string
	Password  string
	AuthToken string
	Config    config.NetworkConfig
	Client    imclient.Backend

	Connected bool
	// Contacts holds mxids, not external ids, mirroring the Python
	// Account.contacts set ("stored in Matrix ID format").
	Contacts map[string]struct{}
}

// HasContact reports whether mxid is a known contact of this account.
func (a *Account) HasContact(mxid string) bool {
	_, ok := a.Contacts[mxid]
	return ok
}

// AddContact records mxid as a contact of this account.
func (a *Account) AddContact(mxid string) {
	if a.Contacts == nil {
		a.Contacts = make(map[string]struct{})
	}
	a.Contacts[mxid] = struct{}{}
}

// Room is a home-server room that includes at least one bridge-puppet
// contact. Invariant: Members is a subset of User's accounts' contacts.
//
// Grounded on layers/base.py's Room.
type Room struct {
	User    string // owning home-server user id
	ConvID  string // back-end-opaque conversation handle, "" if unset
	Members map[string]struct{}
}

// HasMember reports whether mxid is tracked as a member of this room.
func (r *Room) HasMember(mxid string) bool {
	_, ok := r.Members[mxid]
	return ok
}

// AddMember adds mxid to the room's puppet member set.
func (r *Room) AddMember(mxid string) {
	if r.Members == nil {
		r.Members = make(map[string]struct{})
	}
	r.Members[mxid] = struct{}{}
}

// RemoveMember removes mxid from the room's puppet member set.
func (r *Room) RemoveMember(mxid string) {
	delete(r.Members, mxid)
}

// ServiceRoom is the 1-to-1 room between a user and the service user.
//
// Grounded on layers/service.py's ServiceRoom.
type ServiceRoom struct {
	User string
	Data map[string]any
}

// PendingInput is stashed in a ServiceRoom's Data under the
// "pending-input" key while an Input-layer prompt awaits a reply.
//
// Grounded on layers/input.py's PendingInput namedtuple.
type PendingInput struct {
	Pattern       config.InputPattern
	Network       string
	ExtUser       string
	OK            func(value string) error
	Cancel        func() error
}
