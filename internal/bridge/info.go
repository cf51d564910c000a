package bridge

import (
	"context"
	"fmt"
	"strings"

	"go.uber.org/zap"

	"github.com/ndl/pumaduct/internal/logging"
	"github.com/ndl/pumaduct/internal/metrics"
)

// Info serves the read-only `accounts`/`contacts` service commands,
// grounded on layers/info.py's InfoLayer.
type Info struct {
	baseLayer

	base     *Base
	service  *Service
	messages *Messages
}

// NewInfo builds the Info layer.
func NewInfo(base *Base, service *Service, messages *Messages) *Info {
	return &Info{base: base, service: service, messages: messages}
}

func (i *Info) Init() error {
	i.service.AddServiceCallback("accounts", i.onServiceAccounts,
		"accounts - lists your accounts, their connection status, contact count and pending offline messages.")
	i.service.AddServiceCallback("contacts", i.onServiceContacts,
		"contacts network user - lists the contacts of the given account.")
	return nil
}

func (i *Info) Stop() {
	_ = i.service.RemoveServiceCallback("accounts", i.onServiceAccounts)
	_ = i.service.RemoveServiceCallback("contacts", i.onServiceContacts)
}

func (i *Info) Start() {}

// onServiceAccounts handles the `accounts` command, grounded on
// info.py's on_service_accounts.
func (i *Info) onServiceAccounts(transactionID string, event map[string]any, args []string) bool {
	metrics.CommandsHandled.WithLabelValues("accounts").Inc()
	roomID, _ := event["room_id"].(string)
	sender, _ := event["sender"].(string)

	accounts := i.base.Accounts[sender]
	if len(accounts) == 0 {
		i.service.SendMessage(roomID, sender, "You have no registered accounts.")
		return true
	}

	ctx := context.Background()
	var lines []string
	for _, account := range accounts {
		status := "offline"
		if account.Connected {
			status = "online"
		}
		pending, err := i.messages.GetMessagesToClient(ctx, sender, account)
		if err != nil {
			logging.Warn(ctx, "failed to count pending offline messages", zap.Error(err))
		}
		lines = append(lines, fmt.Sprintf("%s %s: %s, %d contact(s), %d offline message(s)",
			account.Network, account.ExtUser, status, len(account.Contacts), len(pending)))
	}
	i.service.SendMessage(roomID, sender, strings.Join(lines, "\n"))
	return true
}

// onServiceContacts handles the `contacts network user` command,
// grounded on info.py's on_service_contacts.
func (i *Info) onServiceContacts(transactionID string, event map[string]any, args []string) bool {
	metrics.CommandsHandled.WithLabelValues("contacts").Inc()
	roomID, _ := event["room_id"].(string)
	sender, _ := event["sender"].(string)

	if len(args) != 3 {
		i.service.SendMessage(roomID, sender, fmt.Sprintf("Wrong number of arguments for 'contacts' command: %v", args))
		return true
	}
	network, extUser := args[1], args[2]

	_, account := i.base.FindUserAndAccount(network, extUser)
	if account == nil {
		i.service.SendMessage(roomID, sender, fmt.Sprintf("Cannot find the account %s on the network %s.", extUser, network))
		return true
	}
	if len(account.Contacts) == 0 {
		i.service.SendMessage(roomID, sender, "This account has no contacts.")
		return true
	}

	ctx := context.Background()
	var lines []string
	for contact := range account.Contacts {
		extContact, err := i.base.MxidToExtContact(network, contact)
		if err != nil {
			logging.Warn(ctx, "failed to translate contact to ext contact", zap.Error(err))
			continue
		}
		displayName, err := account.Client.GetContactDisplayName(ctx, network, extUser, extContact)
		if err != nil {
			logging.Warn(ctx, "failed to fetch contact displayname", zap.Error(err))
		}
		status, err := account.Client.GetContactStatus(ctx, network, extUser, extContact)
		if err != nil {
			logging.Warn(ctx, "failed to fetch contact status", zap.Error(err))
		}
		lines = append(lines, fmt.Sprintf("%s (%s): %s", contact, displayName, status))
	}
	i.service.SendMessage(roomID, sender, strings.Join(lines, "\n"))
	return true
}
