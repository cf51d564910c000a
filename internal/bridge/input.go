package bridge

import (
	"context"
	"fmt"
	"regexp"
	"strings"

	"go.uber.org/zap"

	"github.com/ndl/pumaduct/internal/config"
	"github.com/ndl/pumaduct/internal/identity"
	"github.com/ndl/pumaduct/internal/logging"
)

const pendingInputKey = "pending-input"

// Input prompts a home-server user for an extra out-of-band token a
// back-end needs (e.g. an OAuth code), relaying it through the service
// room, grounded on layers/input.py's InputLayer.
type Input struct {
	baseLayer

	base         *Base
	service      *Service
	registration *Registration
}

// NewInput builds the Input layer.
func NewInput(base *Base, service *Service, registration *Registration) *Input {
	return &Input{base: base, service: service, registration: registration}
}

func (i *Input) Init() error {
	// auto_map is false: a request-input can arrive before the account
	// row exists (mid-registration), so the dispatcher must not skip it
	// for lack of a resolvable (user, account) pair.
	if err := i.base.AddClientsCallback("request-input", i.dispatchRequestInput, false); err != nil {
		return err
	}
	i.service.AddServiceCallback("full-message", i.onFullMessage, "")
	return nil
}

func (i *Input) Stop() {
	_ = i.base.RemoveClientsCallback("request-input", i.dispatchRequestInput)
	_ = i.service.RemoveServiceCallback("full-message", i.onFullMessage)
}

func (i *Input) Start() {}

func (i *Input) dispatchRequestInput(args ...any) error {
	network, _ := args[0].(string)
	extUser, _ := args[1].(string)
	title, _ := args[2].(string)
	primary, _ := args[3].(string)
	secondary, _ := args[4].(string)
	defaultValue, _ := args[5].(string)
	okCb, _ := args[6].(func(string) error)
	cancelCb, _ := args[7].(func() error)
	return i.onRequestInput(network, extUser, title, primary, secondary, defaultValue, okCb, cancelCb)
}

// onRequestInput matches primary against the network's configured input
// patterns and, on the first match, prompts the user in their service
// room, grounded on input.py's on_request_input.
func (i *Input) onRequestInput(network, extUser, title, primary, secondary, defaultValue string, okCb func(string) error, cancelCb func() error) error {
	ctx := context.Background()
	nc, ok := i.base.NetworkConfig(network)
	if !ok {
		return nil
	}

	var pattern *config.InputPattern
	for idx, p := range nc.Inputs {
		re, err := regexp.Compile(p.Pattern)
		if err != nil {
			logging.Warn(ctx, "invalid input pattern in config", zap.String("network", network), zap.Error(err))
			continue
		}
		if re.MatchString(primary) {
			pattern = &nc.Inputs[idx]
			break
		}
	}
	if pattern == nil {
		return nil
	}

	user, _ := i.base.FindUserAndAccount(network, extUser)
	roomID := ""
	if user != "" {
		var err error
		roomID, err = i.service.EnsureRoom(ctx, user)
		if err != nil {
			logging.Error(ctx, "failed to ensure service room for input prompt", zap.Error(err))
			return err
		}
	} else if pendingRoomID, ok := i.registration.PendingRoomID(network, extUser); ok {
		roomID = pendingRoomID
	} else {
		logging.Error(ctx, "request-input for unknown account and no pending registration",
			zap.String("network", network), zap.String("ext_user", extUser))
		return nil
	}

	room, ok := i.service.Rooms[roomID]
	if !ok {
		return fmt.Errorf("%w: service room %q not found for input prompt", ErrInternal, roomID)
	}
	room.Data[pendingInputKey] = &PendingInput{
		Pattern: *pattern,
		Network: network,
		ExtUser: extUser,
		OK:      okCb,
		Cancel:  cancelCb,
	}

	prompt := identity.Substitute(pattern.Message, map[string]string{
		"title":         title,
		"primary":       primary,
		"secondary":     secondary,
		"default_value": defaultValue,
		"hs_host":       i.base.HSHost(),
	})
	i.service.SendMessage(roomID, room.User, prompt)
	return nil
}

// onFullMessage consumes the first message in a service room that has a
// pending input prompt, short-circuiting the normal command parser,
// grounded on input.py's on_full_message.
func (i *Input) onFullMessage(transactionID string, event map[string]any, args []string) bool {
	roomID, _ := event["room_id"].(string)
	room, ok := i.service.Rooms[roomID]
	if !ok {
		return false
	}
	pending, ok := room.Data[pendingInputKey].(*PendingInput)
	if !ok {
		return false
	}
	delete(room.Data, pendingInputKey)

	value := strings.TrimSpace(eventBody(event))
	if pending.OK != nil {
		if err := pending.OK(value); err != nil {
			logging.Warn(context.Background(), "input ok callback failed", zap.Error(err))
		}
	}
	return true
}
