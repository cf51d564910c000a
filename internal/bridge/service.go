package bridge

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/google/shlex"
	"go.uber.org/zap"

	"github.com/ndl/pumaduct/internal/logging"
)

// ServiceCallbackFunc handles one service-room command. transactionID and
// event are the AS transaction context the m.room.message arrived in;
// args is the shlex-tokenized command line, args[0] being the command
// word itself. The "full-message" pseudo-command's callback instead
// receives the whole message and returns true if it handled it,
// short-circuiting normal command parsing — grounded on service.py's
// on_transaction_message.
type ServiceCallbackFunc func(transactionID string, event map[string]any, args []string) bool

type serviceCallbackEntry struct {
	fn          ServiceCallbackFunc
	description string
}

// Service provides the 1-to-1 "service user" room every bridged Matrix
// user talks to the bridge through: command parsing, the `help` command,
// and service-room bookkeeping other layers build on (registration,
// input prompts, info queries).
//
// Grounded on layers/service.py's ServiceLayer.
type Service struct {
	baseLayer

	base     *Base
	messages *Messages

	User        string
	DisplayName string

	Rooms     map[string]*ServiceRoom
	callbacks map[string][]serviceCallbackEntry
}

// NewService builds the service layer. User is the service user's full
// mxid (Base.ServiceUser); DisplayName is conf's service_display_name.
func NewService(base *Base, messages *Messages) *Service {
	return &Service{
		base:        base,
		messages:    messages,
		User:        base.ServiceUser(),
		DisplayName: base.Config().ServiceDisplayName,
		Rooms:       make(map[string]*ServiceRoom),
		callbacks:   make(map[string][]serviceCallbackEntry),
	}
}

func (s *Service) Init() error {
	s.base.AddTransactionCallback("m.room.message", s.onTransactionMessage)
	return nil
}

func (s *Service) Stop() {
	s.base.RemoveTransactionCallback("m.room.message", s.onTransactionMessage)
}

// Start registers the service user with the home server if its profile
// isn't set up yet, grounded on service.py's start: presence lookups are
// unreliable as an existence check on some home-server implementations,
// so the displayname's presence is used instead.
func (s *Service) Start() {
	ctx := context.Background()
	profile, err := s.base.HomeServer().GetUserProfile(ctx, s.User)
	if err != nil {
		logging.Error(ctx, "failed to fetch service user profile", zap.Error(err))
		return
	}
	if profile == nil || profile.Displayname == "" {
		if err := s.base.HomeServer().RegisterUser(ctx, s.User); err != nil {
			logging.Error(ctx, "failed to register service user", zap.Error(err))
			return
		}
		if err := s.base.HomeServer().SetUserDisplayName(ctx, s.User, s.DisplayName); err != nil {
			logging.Error(ctx, "failed to set service user displayname", zap.Error(err))
		}
	}
}

// AddServiceCallback registers a handler for cmdID (a command word, or
// the pseudo-IDs "help"/"full-message").
func (s *Service) AddServiceCallback(cmdID string, fn ServiceCallbackFunc, description string) {
	s.callbacks[cmdID] = append(s.callbacks[cmdID], serviceCallbackEntry{fn: fn, description: description})
}

// RemoveServiceCallback removes a previously added handler, matched by
// function identity.
func (s *Service) RemoveServiceCallback(cmdID string, fn ServiceCallbackFunc) error {
	entries := s.callbacks[cmdID]
	target := funcIdentity(fn)
	for i, e := range entries {
		if funcIdentity(e.fn) == target {
			s.callbacks[cmdID] = append(entries[:i], entries[i+1:]...)
			if len(s.callbacks[cmdID]) == 0 {
				delete(s.callbacks, cmdID)
			}
			return nil
		}
	}
	return fmt.Errorf("%w: service callback %q", ErrNotFound, cmdID)
}

// EnsureRoom finds (or creates) the 1-to-1 room between user and the
// service user, grounded on service.py's ensure_room.
func (s *Service) EnsureRoom(ctx context.Context, user string) (string, error) {
	for roomID, room := range s.Rooms {
		if room.User == user {
			return roomID, nil
		}
	}
	roomID, err := s.base.HomeServer().CreateRoom(ctx, s.User, []string{user})
	if err != nil {
		return "", fmt.Errorf("bridge: creating service room for %s: %w", user, err)
	}
	if roomID == "" {
		return "", fmt.Errorf("%w: create_room returned no room id", ErrTransportFailure)
	}
	s.Rooms[roomID] = &ServiceRoom{User: user, Data: make(map[string]any)}
	return roomID, nil
}

// SendMessage sends a plain-text message into roomID as the service
// user, grounded on service.py's send_message.
func (s *Service) SendMessage(roomID, user, text string) {
	s.messages.SendMessageToMatrix(context.Background(), nil, roomID, s.User, user, time.Now().UTC(),
		map[string]any{"msgtype": "m.text", "body": text}, false)
}

// onTransactionMessage routes an m.room.message event either to the
// service command framework (if the room is a known service room) or to
// the normal message path, grounded on service.py's on_transaction_message.
func (s *Service) onTransactionMessage(transactionID string, event map[string]any) {
	roomID, _ := event["room_id"].(string)
	room, isServiceRoom := s.Rooms[roomID]
	if !isServiceRoom {
		s.messages.ProcessTransactionMessage(transactionID, event)
		return
	}

	sender, _ := event["sender"].(string)
	if sender == s.User {
		return
	}
	message := eventBody(event)

	if entries, ok := s.callbacks["full-message"]; ok {
		for _, e := range entries {
			if e.fn(transactionID, event, nil) {
				return
			}
		}
	}

	_ = room
	for _, line := range strings.Split(message, "\n") {
		args, err := shlex.Split(line)
		if err != nil || len(args) == 0 {
			continue
		}
		if entries, ok := s.callbacks[args[0]]; ok {
			for _, e := range entries {
				e.fn(transactionID, event, args)
			}
			continue
		}
		if args[0] == "help" {
			s.SendMessage(roomID, sender, s.usage())
			continue
		}
		s.SendMessage(roomID, sender, fmt.Sprintf("Unknown command: %q\n%s", line, s.usage()))
		return
	}
}

func (s *Service) usage() string {
	var descrs []string
	for cmdID, entries := range s.callbacks {
		if cmdID == "full-message" {
			continue
		}
		for _, e := range entries {
			descrs = append(descrs, e.description)
		}
	}
	sort.Strings(descrs)
	return "Usage:\n" + strings.Join(descrs, "\n") + "\nhelp - this help"
}

func eventBody(event map[string]any) string {
	content, _ := event["content"].(map[string]any)
	body, _ := content["body"].(string)
	return body
}
