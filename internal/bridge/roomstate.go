package bridge

import (
	"context"

	"go.uber.org/zap"

	"github.com/ndl/pumaduct/internal/homeserver"
	"github.com/ndl/pumaduct/internal/logging"
)

// RoomState reconciles the bridge's in-memory room/membership view with
// the home server's, grounded on layers/room_state.py's RoomStateLayer.
type RoomState struct {
	baseLayer

	base    *Base
	service *Service

	contactRoomsPopulated map[string]struct{}
}

// NewRoomState builds the RoomState layer.
func NewRoomState(base *Base, service *Service) *RoomState {
	return &RoomState{
		base:                  base,
		service:               service,
		contactRoomsPopulated: make(map[string]struct{}),
	}
}

func (rs *RoomState) Init() error {
	if err := rs.base.AddClientsCallback("user-signed-on", rs.dispatchUserSignedOn, true); err != nil {
		return err
	}
	if err := rs.base.AddClientsCallback("contact-updated", rs.dispatchContactUpdated, true); err != nil {
		return err
	}
	rs.base.AddTransactionCallback("m.room.member", rs.onTransactionMembership)
	return nil
}

func (rs *RoomState) Stop() {
	rs.base.RemoveTransactionCallback("m.room.member", rs.onTransactionMembership)
}

// Start populates the service-room view, which wouldn't otherwise
// happen since the service user doesn't sign on, grounded on
// room_state.py's start.
func (rs *RoomState) Start() {
	rs.populateServiceRooms(context.Background())
}

func (rs *RoomState) dispatchUserSignedOn(args ...any) error {
	user, account := args[0].(string), args[1].(*Account)
	ctx := context.Background()
	for contact := range account.Contacts {
		extContact, err := rs.base.MxidToExtContact(account.Network, contact)
		if err != nil {
			logging.Warn(ctx, "failed to translate contact on sign-on", zap.Error(err))
			continue
		}
		rs.onContactUpdated(ctx, user, account, extContact)
	}
	return nil
}

func (rs *RoomState) dispatchContactUpdated(args ...any) error {
	user, account := args[0].(string), args[1].(*Account)
	extContact, _ := args[2].(string)
	rs.onContactUpdated(context.Background(), user, account, extContact)
	return nil
}

// onContactUpdated populates this contact's room state exactly once,
// grounded on room_state.py's on_contact_updated.
func (rs *RoomState) onContactUpdated(ctx context.Context, user string, account *Account, extContact string) {
	contact, err := rs.base.ExtContactToMxid(account.Network, extContact)
	if err != nil {
		logging.Warn(ctx, "failed to translate ext contact to mxid", zap.Error(err))
		return
	}
	key := user + "\x00" + contact
	if _, done := rs.contactRoomsPopulated[key]; done {
		return
	}
	rs.contactRoomsPopulated[key] = struct{}{}
	rs.populateContactRooms(ctx, user, contact)
}

func (rs *RoomState) onTransactionMembership(transactionID string, event map[string]any) {
	_ = transactionID
	ctx := context.Background()
	content, _ := event["content"].(map[string]any)
	membership, _ := content["membership"].(string)
	switch membership {
	case "invite":
		rs.handleInviteEvent(ctx, event)
	case "leave", "ban":
		rs.handleLeaveEvent(event)
	case "join":
		rs.handleJoinEvent(ctx, event)
	default:
		logging.Error(ctx, "unknown membership event in transaction, ignoring", zap.Any("event", event))
	}
}

// handleInviteEvent auto-accepts invites on behalf of the service user
// or a contact puppet, assuming (as room_state.py does) that invited
// puppets never need manual confirmation — a simplification that holds
// for 1:1 chats but not multi-user rooms.
func (rs *RoomState) handleInviteEvent(ctx context.Context, event map[string]any) {
	sender, _ := event["sender"].(string)
	invitedUser, _ := event["state_key"].(string)
	roomID, _ := event["room_id"].(string)

	if invitedUser == rs.service.User {
		if err := rs.base.HomeServer().JoinRoom(ctx, roomID, invitedUser); err != nil {
			logging.Warn(ctx, "service user failed to join room", zap.Error(err))
			return
		}
		if room, ok := rs.service.Rooms[roomID]; ok {
			room.User = sender
		}
		return
	}
	if rs.base.FindAccountForContact(sender, invitedUser) == nil {
		return
	}
	if rs.roomHasMember(roomID, invitedUser) {
		return
	}
	if err := rs.base.HomeServer().JoinRoom(ctx, roomID, invitedUser); err != nil {
		logging.Warn(ctx, "contact puppet failed to join room", zap.Error(err))
		return
	}
	room := rs.ensureRoom(roomID)
	if room.User == "" {
		room.User = sender
	}
	room.AddMember(invitedUser)
}

func (rs *RoomState) handleLeaveEvent(event map[string]any) {
	sender, _ := event["sender"].(string)
	leftUser, _ := event["state_key"].(string)
	roomID, _ := event["room_id"].(string)

	if leftUser == rs.service.User {
		if _, ok := rs.service.Rooms[roomID]; ok {
			delete(rs.service.Rooms, roomID)
		} else {
			logging.Error(context.Background(), "tried to remove service user from unknown service room",
				zap.String("user", leftUser), zap.String("room_id", roomID))
		}
		return
	}
	if rs.base.FindAccountForContact(sender, leftUser) == nil {
		return
	}
	if rs.roomHasMember(roomID, leftUser) {
		rs.base.Rooms[roomID].RemoveMember(leftUser)
	}
}

func (rs *RoomState) handleJoinEvent(ctx context.Context, event map[string]any) {
	sender, _ := event["sender"].(string)
	joinedUser, _ := event["state_key"].(string)
	roomID, _ := event["room_id"].(string)

	if joinedUser == rs.service.User {
		if _, ok := rs.service.Rooms[roomID]; !ok {
			logging.Error(ctx, "service user joined room not recorded in our state",
				zap.String("user", joinedUser), zap.String("room_id", roomID))
		}
		return
	}
	if rs.base.FindAccountForContact(sender, joinedUser) == nil {
		return
	}
	if !rs.roomHasMember(roomID, joinedUser) {
		logging.Error(ctx, "user joined room not recorded in our state",
			zap.String("user", joinedUser), zap.String("room_id", roomID))
	}
}

func (rs *RoomState) roomHasMember(roomID, member string) bool {
	room, ok := rs.base.Rooms[roomID]
	return ok && room.HasMember(member)
}

func (rs *RoomState) ensureRoom(roomID string) *Room {
	room, ok := rs.base.Rooms[roomID]
	if !ok {
		room = &Room{}
		rs.base.Rooms[roomID] = room
	}
	return room
}

func (rs *RoomState) populateContactRooms(ctx context.Context, user, contact string) {
	members, err := rs.getJoinedMembers(ctx, contact)
	if err != nil {
		logging.Error(ctx, "failed to fetch room state for contact", zap.Error(err))
		return
	}
	for roomID, roomMembers := range members {
		if _, hasUser := roomMembers[user]; !hasUser {
			continue
		}
		if _, hasContact := roomMembers[contact]; !hasContact {
			continue
		}
		room := rs.ensureRoom(roomID)
		room.User = user
		room.AddMember(contact)
	}
}

func (rs *RoomState) populateServiceRooms(ctx context.Context) {
	members, err := rs.getJoinedMembers(ctx, rs.service.User)
	if err != nil {
		logging.Error(ctx, "failed to fetch room state for service user", zap.Error(err))
		return
	}
	for roomID, roomMembers := range members {
		if _, ok := roomMembers[rs.service.User]; !ok || len(roomMembers) <= 1 {
			continue
		}
		var other string
		for m := range roomMembers {
			if m != rs.service.User {
				other = m
				break
			}
		}
		if room, ok := rs.service.Rooms[roomID]; ok {
			room.User = other
		} else {
			rs.service.Rooms[roomID] = &ServiceRoom{User: other, Data: make(map[string]any)}
		}
	}
}

// getJoinedMembers repeatedly syncs, filtered to membership state only,
// until next_batch stops advancing, treating that as the current
// timeline position, grounded on room_state.py's _get_rooms_state /
// _get_joined_members. There's no cheaper way to read a room's current
// member list for an arbitrary acting user via the client-server API.
func (rs *RoomState) getJoinedMembers(ctx context.Context, actingAs string) (map[string]map[string]struct{}, error) {
	var prevBatch, nextBatch string
	var sync *homeserver.SyncResponse
	for nextBatch == "" || nextBatch != prevBatch {
		s, err := rs.base.HomeServer().Sync(ctx, actingAs, nextBatch)
		if err != nil {
			return nil, err
		}
		sync = s
		if s.NextBatch == "" {
			break
		}
		prevBatch = nextBatch
		nextBatch = s.NextBatch
	}

	result := make(map[string]map[string]struct{})
	if sync == nil {
		return result, nil
	}
	for roomID, roomState := range sync.Rooms.Join {
		members := make(map[string]struct{})
		for _, ev := range roomState.State.Events {
			if ev.StateKey != "" && ev.Content.Membership == "join" {
				members[ev.StateKey] = struct{}{}
			}
		}
		result[roomID] = members
	}
	return result, nil
}
