package bridge

import (
	"context"
	"database/sql"
	"encoding/base64"
	"encoding/json"
	"net/url"
	"time"

	"github.com/gabriel-vasile/mimetype"
	"go.uber.org/zap"

	"github.com/ndl/pumaduct/internal/logging"
	"github.com/ndl/pumaduct/internal/metrics"
	"github.com/ndl/pumaduct/internal/storage"
)

// deliveryKey identifies a pending client-bound offline delivery by
// (user, account); account may be nil for messages stored without a
// known account, grounded on messages.py's (user, account) tuple keys
// into pending_deliveries_to_clients.
type deliveryKey struct {
	user    string
	account *Account
}

// Messages handles message delivery in both directions and the offline
// queue backing it, grounded on layers/messages.py's MessagesLayer.
type Messages struct {
	base *Base

	offlineInterval time.Duration

	pendingToClients map[deliveryKey]struct{}
	// sentIDs suppresses the echo loop: event ids this process itself
	// sent to Matrix, so the transaction reporting them back isn't
	// redelivered to a client. Not persisted: see SPEC_FULL.md's known
	// limitation, a restart between send and transaction arrival can
	// cause one redelivery.
	sentIDs map[string]struct{}

	toMatrixTimer  *retryTimer
	toClientsTimer *retryTimer
}

// NewMessages builds the Messages layer.
func NewMessages(base *Base) *Messages {
	seconds := base.Config().OfflineMessagesDeliveryIntervalSeconds
	return &Messages{
		base:             base,
		offlineInterval:  time.Duration(seconds) * time.Second,
		pendingToClients: make(map[deliveryKey]struct{}),
		sentIDs:          make(map[string]struct{}),
		toMatrixTimer:    newRetryTimer(time.Duration(seconds) * time.Second),
		toClientsTimer:   newRetryTimer(time.Duration(seconds) * time.Second),
	}
}

func (m *Messages) Init() error {
	if err := m.base.AddClientsCallback("user-signed-on", m.dispatchUserSignedOn, true); err != nil {
		return err
	}
	if err := m.base.AddClientsCallback("new-message", m.dispatchNewMessage, true); err != nil {
		return err
	}
	if err := m.base.AddClientsCallback("new-image", m.dispatchNewImage, true); err != nil {
		return err
	}
	if err := m.base.AddClientsCallback("new-file", m.dispatchNewFile, true); err != nil {
		return err
	}
	return m.base.AddClientsCallback("conversation-destroyed", m.dispatchConversationDestroyed, true)
}

func (m *Messages) Start() {
	ctx := context.Background()
	m.seedOfflineQueueDepth(ctx)
	m.attemptDeliveryToMatrix(ctx)
	if msgs, err := m.GetMessagesToMatrix(ctx); err == nil && len(msgs) > 0 {
		m.scheduleDeliveryToMatrix()
	}
}

// seedOfflineQueueDepth sets the gauge to the queue depth already
// persisted from a prior run, so a restart doesn't momentarily read as
// an empty queue before the first insert/delete touches the metric.
func (m *Messages) seedOfflineQueueDepth(ctx context.Context) {
	if msgs, err := m.GetMessagesToMatrix(ctx); err == nil {
		metrics.OfflineQueueDepth.WithLabelValues(string(storage.DestinationMatrix)).Set(float64(len(msgs)))
	}
	clientCount := 0
	for user, accounts := range m.base.Accounts {
		for _, account := range accounts {
			msgs, err := m.GetMessagesToClient(ctx, user, account)
			if err != nil {
				continue
			}
			clientCount += len(msgs)
		}
	}
	metrics.OfflineQueueDepth.WithLabelValues(string(storage.DestinationClient)).Set(float64(clientCount))
}

func (m *Messages) Stop() {
	m.toMatrixTimer.Disarm()
	m.toClientsTimer.Disarm()
}

func (m *Messages) Stopped() bool { return true }

func (m *Messages) dispatchUserSignedOn(args ...any) error {
	user, account := args[0].(string), args[1].(*Account)
	m.OnUserSignedOn(context.Background(), user, account)
	return nil
}

func (m *Messages) dispatchNewMessage(args ...any) error {
	user, account := args[0].(string), args[1].(*Account)
	convID, _ := args[2].(string)
	extContact, _ := args[3].(string)
	direction, _ := args[4].(string)
	body, _ := args[5].(string)
	t, _ := args[6].(time.Time)
	return m.OnNewMessage(context.Background(), user, account, convID, extContact, direction, body, t)
}

func (m *Messages) dispatchNewImage(args ...any) error {
	return m.dispatchNewFileLike(args, "m.image")
}

func (m *Messages) dispatchNewFile(args ...any) error {
	return m.dispatchNewFileLike(args, "m.file")
}

func (m *Messages) dispatchNewFileLike(args []any, msgtype string) error {
	user, account := args[0].(string), args[1].(*Account)
	convID, _ := args[2].(string)
	extContact, _ := args[3].(string)
	direction, _ := args[4].(string)
	description, _ := args[5].(string)
	content, _ := args[6].([]byte)
	t, _ := args[7].(time.Time)
	return m.sendFileToMatrix(context.Background(), user, account, convID, extContact, direction, description, content, t, msgtype)
}

func (m *Messages) dispatchConversationDestroyed(args ...any) error {
	convID, _ := args[2].(string)
	m.OnConversationDestroyed(convID)
	return nil
}

// OnUserSignedOn schedules offline message delivery for user/account, if
// any is pending, grounded on on_user_signed_on.
func (m *Messages) OnUserSignedOn(ctx context.Context, user string, account *Account) {
	m.attemptDeliveryToClient(ctx, user, account)
	if msgs, _ := m.GetMessagesToClient(ctx, user, account); len(msgs) > 0 {
		m.pendingToClients[deliveryKey{user, account}] = struct{}{}
		m.scheduleDeliveryToClients()
	}
	if msgs, _ := m.GetMessagesToClient(ctx, user, nil); len(msgs) > 0 {
		m.pendingToClients[deliveryKey{user, nil}] = struct{}{}
		m.scheduleDeliveryToClients()
	}
}

// OnNewMessage routes a client-originated text message into Matrix,
// grounded on on_new_message.
func (m *Messages) OnNewMessage(ctx context.Context, user string, account *Account, convID, extContact, direction, body string, t time.Time) error {
	contact, err := m.base.ExtContactToMxid(account.Network, extContact)
	if err != nil {
		return err
	}
	roomID, err := m.base.EnsureRoom(ctx, user, contact, convID)
	if err != nil {
		return err
	}
	sender, recipient := user, contact
	if direction == "recv" {
		sender, recipient = contact, user
	}
	payload := m.createMatrixTextPayload(account, body)
	m.SendMessageToMatrix(ctx, account, roomID, sender, recipient, t, payload, false)
	return nil
}

// sendFileToMatrix routes a client-originated image/file into Matrix,
// grounded on on_new_image/on_new_file/_send_file_to_matrix.
func (m *Messages) sendFileToMatrix(ctx context.Context, user string, account *Account, convID, extContact, direction, description string, content []byte, t time.Time, msgtype string) error {
	contact, err := m.base.ExtContactToMxid(account.Network, extContact)
	if err != nil {
		return err
	}
	roomID, err := m.base.EnsureRoom(ctx, user, contact, convID)
	if err != nil {
		return err
	}
	sender, recipient := user, contact
	if direction == "recv" {
		sender, recipient = contact, user
	}
	payload := map[string]any{"body": description, "msgtype": msgtype}
	contentType := mimetype.Detect(content).String()
	url, err := m.base.HomeServer().UploadContent(ctx, contentType, content)
	if err != nil {
		logging.Warn(ctx, "upload_content transport failure", zap.Error(err))
		url = ""
	}
	if url != "" {
		payload["url"] = url
		m.SendMessageToMatrix(ctx, account, roomID, sender, recipient, t, payload, false)
	} else {
		payload["content"] = base64.StdEncoding.EncodeToString(content)
		payload["content-type"] = contentType
		m.storeOfflineMessageToMatrix(ctx, account, roomID, sender, recipient, t, payload)
	}
	return nil
}

// OnConversationDestroyed clears a removed conv_id from tracked rooms,
// grounded on on_conversation_destroyed.
func (m *Messages) OnConversationDestroyed(convID string) {
	for _, room := range m.base.Rooms {
		if room.ConvID == convID {
			room.ConvID = ""
		}
	}
}

// ProcessTransactionMessage handles an m.room.message event Service
// determined isn't a service command, grounded on process_transaction_message.
func (m *Messages) ProcessTransactionMessage(transactionID string, event map[string]any) {
	_ = transactionID
	ctx := context.Background()
	sender, _ := event["sender"].(string)
	roomID, _ := event["room_id"].(string)
	payload, _ := event["content"].(map[string]any)

	if _, isBridgeUser := m.base.Accounts[sender]; isBridgeUser {
		eventID, _ := event["event_id"].(string)
		if _, sent := m.sentIDs[eventID]; sent {
			delete(m.sentIDs, eventID)
			return
		}
		if room, ok := m.base.Rooms[roomID]; ok {
			for member := range room.Members {
				m.SendMessageToClient(ctx, roomID, sender, member, payload, false)
			}
			return
		}
		m.storeOfflineMessageToClientsWithoutAccount(ctx, roomID, sender, eventTime(event), payload)
	}
}

// SendMessageToMatrix sends payload into roomID as sender, queueing it
// as an offline message on failure (unless this call is itself an
// offline-retry attempt), grounded on send_message_to_matrix. account
// may be nil: messages from the service user have no associated account.
func (m *Messages) SendMessageToMatrix(ctx context.Context, account *Account, roomID, sender, recipient string, t time.Time, payload map[string]any, offline bool) string {
	raw, err := json.Marshal(payload)
	if err != nil {
		logging.Error(ctx, "failed to marshal matrix payload", zap.Error(err))
		return ""
	}
	eventID, err := m.base.HomeServer().SendMessage(ctx, roomID, sender, t, raw)
	if err != nil {
		logging.Warn(ctx, "send_message transport failure", zap.Error(err))
		eventID = ""
	}
	if eventID != "" {
		if _, isBridgeUser := m.base.Accounts[sender]; isBridgeUser {
			m.sentIDs[eventID] = struct{}{}
		}
	} else if !offline {
		m.storeOfflineMessageToMatrix(ctx, account, roomID, sender, recipient, t, payload)
	}
	return eventID
}

// SendMessageToClient delivers payload to a contact via its account's
// back-end, queueing it offline on failure, grounded on send_message_to_client.
func (m *Messages) SendMessageToClient(ctx context.Context, roomID, sender, recipient string, payload map[string]any, offline bool) bool {
	account := m.base.FindAccountForContact(sender, recipient)
	if account == nil {
		logging.Error(ctx, "cannot retrieve account for sender/recipient",
			zap.String("sender", sender), zap.String("recipient", recipient))
		return false
	}

	delivered := false
	if account.Connected {
		delivered = m.tryDeliverToClient(ctx, account, roomID, recipient, payload)
	}
	if !delivered && !offline {
		m.storeOfflineMessageToClients(ctx, account, roomID, sender, recipient, payload)
	}
	return delivered
}

func (m *Messages) tryDeliverToClient(ctx context.Context, account *Account, roomID, recipient string, payload map[string]any) bool {
	room := m.base.Rooms[roomID]
	var convID string
	if room.ConvID == "" {
		extContact, err := m.base.MxidToExtContact(account.Network, recipient)
		if err != nil {
			logging.Error(ctx, "failed to translate recipient to ext contact", zap.Error(err))
			return false
		}
		id, err := account.Client.CreateConversation(ctx, account.Network, account.ExtUser, extContact)
		if err != nil {
			logging.Warn(ctx, "client failure creating conversation", zap.Error(err))
			return false
		}
		room.ConvID = id
		convID = id
	} else {
		convID = room.ConvID
	}

	msgtype, _ := payload["msgtype"].(string)
	switch msgtype {
	case "m.text":
		renderedBody := m.renderPayloadForClient(account, payload)
		if err := account.Client.SendMessage(ctx, account.Network, account.ExtUser, convID, time.Now().UTC(), renderedBody); err != nil {
			logging.Warn(ctx, "client failure sending message", zap.Error(err))
			return false
		}
		return true
	case "m.image", "m.file":
		return m.sendFileToClient(ctx, account, convID, payload)
	}
	return false
}

func (m *Messages) sendFileToClient(ctx context.Context, account *Account, convID string, payload map[string]any) bool {
	rawURL, _ := payload["url"].(string)
	u, err := url.Parse(rawURL)
	if err != nil {
		return false
	}
	content, err := m.base.HomeServer().DownloadContent(ctx, u.Host, u.Path)
	if err != nil || len(content) == 0 {
		return false
	}
	body, _ := payload["body"].(string)
	msgtype, _ := payload["msgtype"].(string)
	if msgtype == "m.image" {
		err = account.Client.SendImage(ctx, account.Network, account.ExtUser, convID, content, mimetype.Detect(content).String())
	} else {
		err = account.Client.SendFile(ctx, account.Network, account.ExtUser, convID, body, content)
	}
	return err == nil
}

// GetMessagesToClient returns offline messages queued for (user, account).
func (m *Messages) GetMessagesToClient(ctx context.Context, user string, account *Account) ([]storage.Message, error) {
	var network, extUser *string
	if account != nil {
		network, extUser = &account.Network, &account.ExtUser
	}
	return m.base.Store().MessagesToClient(ctx, user, network, extUser)
}

// GetMessagesToMatrix returns every offline message queued for Matrix.
func (m *Messages) GetMessagesToMatrix(ctx context.Context) ([]storage.Message, error) {
	return m.base.Store().MessagesToMatrix(ctx)
}

func (m *Messages) onAttemptDeliveryToClients() {
	ctx := context.Background()
	delivered := make([]deliveryKey, 0)
	for key := range m.pendingToClients {
		m.attemptDeliveryToClient(ctx, key.user, key.account)
		remaining, _ := m.GetMessagesToClient(ctx, key.user, key.account)
		if len(remaining) == 0 {
			delivered = append(delivered, key)
		}
	}
	for _, key := range delivered {
		delete(m.pendingToClients, key)
	}
	if len(m.pendingToClients) > 0 {
		m.scheduleDeliveryToClients()
	}
}

func (m *Messages) onAttemptDeliveryToMatrix() {
	ctx := context.Background()
	m.attemptDeliveryToMatrix(ctx)
	if msgs, _ := m.GetMessagesToMatrix(ctx); len(msgs) > 0 {
		m.scheduleDeliveryToMatrix()
	}
}

func (m *Messages) attemptDeliveryToClient(ctx context.Context, user string, account *Account) {
	msgs, err := m.GetMessagesToClient(ctx, user, account)
	if err != nil {
		logging.Error(ctx, "failed to list offline client messages", zap.Error(err))
		return
	}
	for _, msg := range msgs {
		var payload map[string]any
		if err := json.Unmarshal(msg.Payload, &payload); err != nil {
			logging.Error(ctx, "failed to decode offline message payload", zap.Error(err))
			continue
		}
		if !msg.Recipient.Valid {
			if !msg.RoomID.Valid {
				logging.Error(ctx, "inconsistent offline message: both recipient and room_id are null")
				continue
			}
			room, ok := m.base.Rooms[msg.RoomID.String]
			if !ok {
				continue
			}
			failed := false
			for member := range room.Members {
				if !m.SendMessageToClient(ctx, msg.RoomID.String, msg.Sender, member, payload, true) {
					failed = true
					break
				}
			}
			if failed {
				return
			}
		} else {
			roomID := msg.RoomID.String
			if roomID == "" {
				var err error
				roomID, err = m.base.EnsureRoom(ctx, user, msg.Recipient.String, "")
				if err != nil {
					logging.Error(ctx, "failed to ensure room for offline delivery", zap.Error(err))
					return
				}
			}
			if !m.SendMessageToClient(ctx, roomID, msg.Sender, msg.Recipient.String, payload, true) {
				return
			}
		}
		if err := m.base.Store().DeleteMessage(ctx, msg.ID); err != nil {
			logging.Error(ctx, "failed to delete delivered offline message", zap.Error(err))
		} else {
			metrics.OfflineQueueDepth.WithLabelValues(string(storage.DestinationClient)).Dec()
		}
	}
}

func (m *Messages) attemptDeliveryToMatrix(ctx context.Context) {
	msgs, err := m.GetMessagesToMatrix(ctx)
	if err != nil {
		logging.Error(ctx, "failed to list offline matrix messages", zap.Error(err))
		return
	}
	for _, msg := range msgs {
		roomID, err := m.base.EnsureRoom(ctx, msg.Recipient.String, msg.Sender, "")
		if err != nil {
			logging.Error(ctx, "failed to ensure room for offline matrix delivery", zap.Error(err))
			return
		}
		var payload map[string]any
		if err := json.Unmarshal(msg.Payload, &payload); err != nil {
			logging.Error(ctx, "failed to decode offline matrix payload", zap.Error(err))
			continue
		}
		if content, ok := payload["content"].(string); ok {
			contentType, _ := payload["content-type"].(string)
			data, err := base64.StdEncoding.DecodeString(content)
			if err != nil {
				continue
			}
			url, err := m.base.HomeServer().UploadContent(ctx, contentType, data)
			if err != nil || url == "" {
				return
			}
			payload["url"] = url
			delete(payload, "content")
			delete(payload, "content-type")
		}
		eventID := m.SendMessageToMatrix(ctx, nil, roomID, msg.Sender, msg.Recipient.String, msg.Time, payload, true)
		if eventID == "" {
			return
		}
		if err := m.base.Store().DeleteMessage(ctx, msg.ID); err != nil {
			logging.Error(ctx, "failed to delete delivered offline matrix message", zap.Error(err))
		} else {
			metrics.OfflineQueueDepth.WithLabelValues(string(storage.DestinationMatrix)).Dec()
		}
	}
}

// forgetPendingDeliveries drops (user, account) from the pending offline
// client-delivery set, grounded on registration.py's on_service_unregister
// removing the pair from pending_deliveries_to_clients.
func (m *Messages) forgetPendingDeliveries(user string, account *Account) {
	delete(m.pendingToClients, deliveryKey{user, account})
}

func (m *Messages) scheduleDeliveryToMatrix() {
	m.toMatrixTimer.Arm(m.base.Loop(), m.onAttemptDeliveryToMatrix)
}

func (m *Messages) scheduleDeliveryToClients() {
	m.toClientsTimer.Arm(m.base.Loop(), m.onAttemptDeliveryToClients)
}

func (m *Messages) storeOfflineMessageToMatrix(ctx context.Context, account *Account, roomID, sender, recipient string, t time.Time, payload map[string]any) {
	raw, err := json.Marshal(payload)
	if err != nil {
		logging.Error(ctx, "failed to marshal offline matrix payload", zap.Error(err))
		return
	}
	row := storage.Message{
		RoomID:      sql.NullString{String: roomID, Valid: roomID != ""},
		Sender:      sender,
		Recipient:   sql.NullString{String: recipient, Valid: recipient != ""},
		Destination: storage.DestinationMatrix,
		Time:        t,
		Payload:     raw,
	}
	if account != nil {
		row.Network = sql.NullString{String: account.Network, Valid: true}
		row.ExtUser = sql.NullString{String: account.ExtUser, Valid: true}
	}
	if _, err := m.base.Store().InsertMessage(ctx, row); err != nil {
		logging.Error(ctx, "failed to store offline matrix message", zap.Error(err))
		return
	}
	metrics.OfflineQueueDepth.WithLabelValues(string(storage.DestinationMatrix)).Inc()
	m.scheduleDeliveryToMatrix()
}

func (m *Messages) storeOfflineMessageToClients(ctx context.Context, account *Account, roomID, sender, recipient string, payload map[string]any) {
	raw, err := json.Marshal(payload)
	if err != nil {
		logging.Error(ctx, "failed to marshal offline client payload", zap.Error(err))
		return
	}
	row := storage.Message{
		Network:     sql.NullString{String: account.Network, Valid: true},
		ExtUser:     sql.NullString{String: account.ExtUser, Valid: true},
		RoomID:      sql.NullString{String: roomID, Valid: roomID != ""},
		Sender:      sender,
		Recipient:   sql.NullString{String: recipient, Valid: recipient != ""},
		Destination: storage.DestinationClient,
		Time:        time.Now().UTC(),
		Payload:     raw,
	}
	if _, err := m.base.Store().InsertMessage(ctx, row); err != nil {
		logging.Error(ctx, "failed to store offline client message", zap.Error(err))
		return
	}
	metrics.OfflineQueueDepth.WithLabelValues(string(storage.DestinationClient)).Inc()
	m.pendingToClients[deliveryKey{sender, account}] = struct{}{}
	m.scheduleDeliveryToClients()
}

func (m *Messages) storeOfflineMessageToClientsWithoutAccount(ctx context.Context, roomID, sender string, t time.Time, payload map[string]any) {
	raw, err := json.Marshal(payload)
	if err != nil {
		logging.Error(ctx, "failed to marshal offline client payload", zap.Error(err))
		return
	}
	row := storage.Message{
		RoomID:      sql.NullString{String: roomID, Valid: roomID != ""},
		Sender:      sender,
		Destination: storage.DestinationClient,
		Time:        t,
		Payload:     raw,
	}
	if _, err := m.base.Store().InsertMessage(ctx, row); err != nil {
		logging.Error(ctx, "failed to store offline client message without account", zap.Error(err))
		return
	}
	metrics.OfflineQueueDepth.WithLabelValues(string(storage.DestinationClient)).Inc()
	m.pendingToClients[deliveryKey{sender, nil}] = struct{}{}
	m.scheduleDeliveryToClients()
}

func (m *Messages) createMatrixTextPayload(account *Account, body string) map[string]any {
	textBody := body
	var formattedBody, format string
	if account != nil {
		textBody = convertToText(account.Config.ConvertToText, body)
		if account.Config.Format != "" {
			format = account.Config.Format
			formattedBody = body
		}
	}
	payload := map[string]any{"body": textBody, "msgtype": "m.text"}
	if format != "" {
		payload["format"] = format
		payload["formatted_body"] = formattedBody
	}
	return payload
}

func (m *Messages) renderPayloadForClient(account *Account, payload map[string]any) string {
	body, _ := payload["body"].(string)
	format, _ := payload["format"].(string)
	formattedBody, _ := payload["formatted_body"].(string)
	if account.Config.Format != "" && format != "" && account.Config.Format == format {
		return formattedBody
	}
	return convertFromText(account.Config.ConvertFromText, body)
}

func eventTime(event map[string]any) time.Time {
	if ms, ok := event["origin_server_ts"].(float64); ok {
		return time.UnixMilli(int64(ms)).UTC()
	}
	return time.Now().UTC()
}
