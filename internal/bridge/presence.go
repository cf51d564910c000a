package bridge

import (
	"context"
	"time"

	"go.uber.org/zap"

	"github.com/ndl/pumaduct/internal/logging"
)

// Presence routes presence changes between clients and Matrix, grounded
// on layers/presence.py's PresenceLayer.
type Presence struct {
	base    *Base
	service *Service

	refreshInterval time.Duration
	refreshTimer    *periodicTimer
	presenceList    map[string]struct{}
}

// NewPresence builds the Presence layer.
func NewPresence(base *Base, service *Service) *Presence {
	return &Presence{
		base:            base,
		service:         service,
		refreshInterval: time.Duration(base.Config().PresenceRefreshIntervalSeconds) * time.Second,
		presenceList:    make(map[string]struct{}),
	}
}

func (p *Presence) Init() error {
	if err := p.base.AddClientsCallback("user-signed-on", p.dispatchUserSignedOn, true); err != nil {
		return err
	}
	if err := p.base.AddClientsCallback("connection-error", p.dispatchConnectionError, true); err != nil {
		return err
	}
	if err := p.base.AddClientsCallback("user-signed-off", p.dispatchUserSignedOff, true); err != nil {
		return err
	}
	if err := p.base.AddClientsCallback("contact-status-changed", p.dispatchContactStatusChanged, true); err != nil {
		return err
	}
	p.base.AddTransactionCallback("m.presence", p.onTransactionPresence)
	return nil
}

// Start arms the periodic contact-presence refresh, backfills the
// service user's presence list, and marks it online, grounded on
// presence.py's start.
func (p *Presence) Start() {
	ctx := context.Background()
	p.refreshTimer = startPeriodicTimer(p.base.Loop(), p.refreshInterval, p.onPresenceRefresh)

	list, err := p.base.HomeServer().GetPresenceList(ctx, p.service.User)
	if err != nil {
		logging.Warn(ctx, "failed to fetch service presence list", zap.Error(err))
	}
	for _, user := range list {
		p.presenceList[user] = struct{}{}
	}

	for user := range p.base.Accounts {
		if _, ok := p.presenceList[user]; ok {
			continue
		}
		logging.Info(ctx, "service doesn't have presence for user, requesting",
			zap.String("service_user", p.service.User), zap.String("user", user))
		if err := p.base.HomeServer().AddToPresenceList(ctx, user, p.service.User); err != nil {
			logging.Warn(ctx, "failed to add user to presence list", zap.Error(err))
		}
	}

	if err := p.base.HomeServer().SetUserPresence(ctx, p.service.User, "online"); err != nil {
		logging.Warn(ctx, "failed to set service user presence online", zap.Error(err))
	}
}

// Stop marks the service user offline and disarms the refresh timer,
// grounded on presence.py's __exit__/stop.
func (p *Presence) Stop() {
	if err := p.base.HomeServer().SetUserPresence(context.Background(), p.service.User, "offline"); err != nil {
		logging.Warn(context.Background(), "failed to set service user presence offline", zap.Error(err))
	}
	p.base.RemoveTransactionCallback("m.presence", p.onTransactionPresence)
	if p.refreshTimer != nil {
		p.refreshTimer.Stop()
		p.refreshTimer = nil
	}
}

func (p *Presence) Stopped() bool { return true }

func (p *Presence) dispatchUserSignedOn(args ...any) error {
	user, account := args[0].(string), args[1].(*Account)
	p.onUserSignedOn(context.Background(), user, account)
	return nil
}

func (p *Presence) dispatchConnectionError(args ...any) error {
	account := args[1].(*Account)
	p.setContactsStatuses(context.Background(), account, "offline")
	return nil
}

func (p *Presence) dispatchUserSignedOff(args ...any) error {
	account := args[1].(*Account)
	p.setContactsStatuses(context.Background(), account, "offline")
	return nil
}

func (p *Presence) dispatchContactStatusChanged(args ...any) error {
	account := args[1].(*Account)
	extContact, _ := args[2].(string)
	status, _ := args[3].(string)
	p.onContactStatusChanged(context.Background(), account, extContact, status)
	return nil
}

// onUserSignedOn subscribes user if necessary, mirrors their own Matrix
// presence back to the client, and refreshes every contact's status,
// grounded on presence.py's on_user_signed_on.
func (p *Presence) onUserSignedOn(ctx context.Context, user string, account *Account) {
	if _, ok := p.presenceList[user]; !ok {
		logging.Info(ctx, "service doesn't have presence for user, requesting",
			zap.String("service_user", p.service.User), zap.String("user", user))
		if err := p.base.HomeServer().AddToPresenceList(ctx, user, p.service.User); err != nil {
			logging.Warn(ctx, "failed to add user to presence list", zap.Error(err))
		} else {
			p.presenceList[user] = struct{}{}
		}
	}

	presence, err := p.base.HomeServer().GetNonManagedUserPresence(ctx, user)
	if err != nil {
		logging.Warn(ctx, "failed to fetch user's matrix presence", zap.Error(err))
	} else if presence != "" {
		if err := account.Client.SetAccountStatus(ctx, account.Network, account.ExtUser, presence); err != nil {
			logging.Warn(ctx, "failed to mirror presence to client", zap.Error(err))
		}
	}

	p.setContactsStatuses(ctx, account, "")
}

func (p *Presence) onContactStatusChanged(ctx context.Context, account *Account, extContact, status string) {
	contact, err := p.base.ExtContactToMxid(account.Network, extContact)
	if err != nil {
		logging.Warn(ctx, "failed to translate contact to mxid", zap.Error(err))
		return
	}
	if err := p.base.HomeServer().SetUserPresence(ctx, contact, status); err != nil {
		logging.Warn(ctx, "failed to set contact presence", zap.Error(err))
	}
}

// onPresenceRefresh periodically re-pushes every account's contacts'
// statuses to Matrix, grounded on presence.py's on_presence_refresh.
func (p *Presence) onPresenceRefresh() {
	ctx := context.Background()
	for _, accounts := range p.base.Accounts {
		for _, account := range accounts {
			for contact := range account.Contacts {
				extContact, err := p.base.MxidToExtContact(account.Network, contact)
				if err != nil {
					logging.Warn(ctx, "failed to translate contact on refresh", zap.Error(err))
					continue
				}
				status, err := account.Client.GetContactStatus(ctx, account.Network, account.ExtUser, extContact)
				if err != nil {
					logging.Warn(ctx, "failed to fetch contact status", zap.Error(err))
					continue
				}
				p.onContactStatusChanged(ctx, account, extContact, status)
			}
		}
	}
	if err := p.base.HomeServer().SetUserPresence(ctx, p.service.User, "online"); err != nil {
		logging.Warn(ctx, "failed to refresh service user presence", zap.Error(err))
	}
}

// onTransactionPresence mirrors a Matrix user's presence change onto
// every account they own, grounded on presence.py's on_transaction_presence.
func (p *Presence) onTransactionPresence(transactionID string, event map[string]any) {
	_ = transactionID
	content, _ := event["content"].(map[string]any)
	user, _ := content["user_id"].(string)
	presence, _ := content["presence"].(string)
	for _, account := range p.base.Accounts[user] {
		if err := account.Client.SetAccountStatus(context.Background(), account.Network, account.ExtUser, presence); err != nil {
			logging.Warn(context.Background(), "failed to set account status from transaction", zap.Error(err))
		}
	}
}

// setContactsStatuses pushes status (or, if empty, the freshly-queried
// client status) for every contact of account to Matrix, grounded on
// presence.py's _set_contacts_statuses.
func (p *Presence) setContactsStatuses(ctx context.Context, account *Account, status string) {
	for contact := range account.Contacts {
		extContact, err := p.base.MxidToExtContact(account.Network, contact)
		if err != nil {
			logging.Warn(ctx, "failed to translate contact to ext contact", zap.Error(err))
			continue
		}
		newStatus := status
		if newStatus == "" {
			newStatus, err = account.Client.GetContactStatus(ctx, account.Network, account.ExtUser, extContact)
			if err != nil {
				logging.Warn(ctx, "failed to fetch contact status", zap.Error(err))
				continue
			}
		}
		p.onContactStatusChanged(ctx, account, extContact, newStatus)
	}
}
