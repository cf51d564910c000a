package bridge

import (
	"context"

	"go.uber.org/zap"

	"github.com/ndl/pumaduct/internal/logging"
)

// Typing routes typing notifications between clients and Matrix,
// grounded on layers/typing.py's TypingLayer.
type Typing struct {
	baseLayer

	base *Base
}

// NewTyping builds the Typing layer.
func NewTyping(base *Base) *Typing {
	return &Typing{base: base}
}

func (t *Typing) Init() error {
	if err := t.base.AddClientsCallback("contact-typing", t.dispatchContactTyping, true); err != nil {
		return err
	}
	t.base.AddTransactionCallback("m.typing", t.onTransactionTyping)
	return nil
}

func (t *Typing) Stop() {
	t.base.RemoveTransactionCallback("m.typing", t.onTransactionTyping)
}

func (t *Typing) Start() {}

func (t *Typing) dispatchContactTyping(args ...any) error {
	user, account := args[0].(string), args[1].(*Account)
	convID, _ := args[2].(string)
	extContact, _ := args[3].(string)
	isTyping, _ := args[4].(bool)
	t.onContactTyping(context.Background(), user, account, convID, extContact, isTyping)
	return nil
}

// onContactTyping routes a client-originated typing notification to
// Matrix, grounded on typing.py's on_contact_typing.
func (t *Typing) onContactTyping(ctx context.Context, user string, account *Account, convID, extContact string, isTyping bool) {
	contact, err := t.base.ExtContactToMxid(account.Network, extContact)
	if err != nil {
		logging.Warn(ctx, "failed to translate ext contact to mxid", zap.Error(err))
		return
	}
	roomID, err := t.base.EnsureRoom(ctx, user, contact, convID)
	if err != nil {
		logging.Warn(ctx, "failed to ensure room for typing notification", zap.Error(err))
		return
	}
	if err := t.base.HomeServer().SetUserTyping(ctx, contact, roomID, isTyping); err != nil {
		logging.Warn(ctx, "failed to set matrix typing state", zap.Error(err))
	}
}

// onTransactionTyping routes a Matrix typing event to the client,
// assuming (as typing.py does) that every tracked room is a 1:1 chat,
// grounded on typing.py's on_transaction_typing.
func (t *Typing) onTransactionTyping(transactionID string, event map[string]any) {
	_ = transactionID
	ctx := context.Background()
	roomID, _ := event["room_id"].(string)

	room, ok := t.base.Rooms[roomID]
	if !ok || len(room.Members) == 0 {
		logging.Info(ctx, "room is unknown, cannot set typing state", zap.String("room_id", roomID))
		return
	}
	user := room.User

	content, _ := event["content"].(map[string]any)
	rawUserIDs, _ := content["user_ids"].([]any)
	typingUserIDs := make(map[string]struct{}, len(rawUserIDs))
	for _, raw := range rawUserIDs {
		if id, ok := raw.(string); ok {
			typingUserIDs[id] = struct{}{}
		}
	}

	var contact string
	for member := range room.Members {
		contact = member
		break
	}

	account := t.base.FindAccountForContact(user, contact)
	if account == nil {
		logging.Info(ctx, "cannot figure out account for room, cannot set typing state", zap.String("room_id", roomID))
		return
	}

	convID := room.ConvID
	if convID == "" {
		extContact, err := t.base.MxidToExtContact(account.Network, contact)
		if err != nil {
			logging.Warn(ctx, "failed to translate contact to ext contact", zap.Error(err))
			return
		}
		id, err := account.Client.CreateConversation(ctx, account.Network, account.ExtUser, extContact)
		if err != nil {
			logging.Warn(ctx, "failed to create conversation for typing state", zap.Error(err))
			return
		}
		convID = id
		room.ConvID = id
	}
	if convID == "" {
		logging.Info(ctx, "cannot figure out conversation id for room, cannot set typing state", zap.String("room_id", roomID))
		return
	}

	_, isTyping := typingUserIDs[user]
	// This can also be reached via the feedback loop created by our own
	// typing notification to Matrix; there's no way to distinguish that
	// from a genuine update, so the best available behavior is to always
	// resend the correct current state.
	if err := account.Client.SetTyping(ctx, account.Network, account.ExtUser, convID, isTyping); err != nil {
		logging.Warn(ctx, "failed to set client typing state", zap.Error(err))
	}
}
