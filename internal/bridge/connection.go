package bridge

import (
	"context"
	"net/url"
	"strings"

	"github.com/gabriel-vasile/mimetype"
	"go.uber.org/zap"

	"github.com/ndl/pumaduct/internal/imclient"
	"github.com/ndl/pumaduct/internal/logging"
	"github.com/ndl/pumaduct/internal/metrics"
)

// Connection performs account login/logoff on start/stop, tracks
// connectivity state, and syncs account/contact profiles between Matrix
// and the back-end clients, grounded on layers/connection.py.
type Connection struct {
	base *Base

	syncAccountProfileChanges  bool
	syncContactsProfileChanges bool
}

// NewConnection builds the Connection layer.
func NewConnection(base *Base) *Connection {
	return &Connection{
		base:                       base,
		syncAccountProfileChanges:  base.Config().SyncAccountProfileChanges,
		syncContactsProfileChanges: base.Config().SyncContactsProfilesChanges,
	}
}

// Init loads persisted accounts into memory and wires client callbacks,
// grounded on connection.py's __enter__.
func (c *Connection) Init() error {
	ctx := context.Background()
	accounts, err := c.base.Store().ListAccounts(ctx)
	if err != nil {
		return err
	}
	for _, a := range accounts {
		nc, ok := c.base.NetworkConfig(a.Network)
		if !ok || !nc.IsEnabled() {
			continue
		}
		client := c.base.Client(nc.Client)
		if client == nil {
			continue
		}
		account := &Account{
			ID:        a.ID,
			User:      a.User,
			Network:   a.Network,
			ExtUser:   a.ExtUser,
			Password:  a.Password,
			AuthToken: a.AuthToken.String,
			Config:    nc,
			Client:    client,
			Contacts:  make(map[string]struct{}),
		}
		c.base.AddAccount(a.User, account)
	}

	if err := c.base.AddClientsCallback("user-signed-on", c.dispatchUserSignedOn, true); err != nil {
		return err
	}
	if err := c.base.AddClientsCallback("user-signed-off", c.dispatchUserSignedOff, true); err != nil {
		return err
	}
	if err := c.base.AddClientsCallback("connection-error", c.dispatchConnectionError, true); err != nil {
		return err
	}
	if err := c.base.AddClientsCallback("contact-updated", c.dispatchContactUpdated, true); err != nil {
		return err
	}
	return c.base.AddClientsCallback("new-auth-token", c.dispatchNewAuthToken, true)
}

// Start logs every loaded account in, grounded on connection.py's start.
func (c *Connection) Start() {
	for user, accounts := range c.base.Accounts {
		for _, account := range accounts {
			ctx := accountContext(user, account)
			if err := account.Client.Login(ctx, account.Network, account.ExtUser, account.Password, account.AuthToken); err != nil {
				logging.Error(ctx, "account login failed", zap.String("ext_user", account.ExtUser), zap.Error(err))
			}
		}
	}
}

// Stop logs every account off, grounded on connection.py's stop.
func (c *Connection) Stop() {
	for user, accounts := range c.base.Accounts {
		for _, account := range accounts {
			ctx := accountContext(user, account)
			if err := account.Client.Logout(ctx, account.Network, account.ExtUser); err != nil {
				logging.Warn(ctx, "account logout failed", zap.String("ext_user", account.ExtUser), zap.Error(err))
			}
		}
	}
}

// Stopped reports whether every account has disconnected, grounded on
// connection.py's stopped.
func (c *Connection) Stopped() bool {
	for _, accounts := range c.base.Accounts {
		for _, account := range accounts {
			if account.Connected {
				return false
			}
		}
	}
	return true
}

// accountContext stamps the background context with the home-server
// user and network this account belongs to, so every log line emitted
// while handling one of its events carries both.
func accountContext(user string, account *Account) context.Context {
	return logging.WithHSUser(logging.WithNetwork(context.Background(), account.Network), user)
}

func (c *Connection) dispatchUserSignedOn(args ...any) error {
	user, account := args[0].(string), args[1].(*Account)
	c.onUserSignedOn(accountContext(user, account), user, account)
	return nil
}

func (c *Connection) dispatchUserSignedOff(args ...any) error {
	account := args[1].(*Account)
	if account.Connected {
		account.Connected = false
		metrics.ConnectedAccounts.Dec()
	}
	return nil
}

func (c *Connection) dispatchConnectionError(args ...any) error {
	account := args[1].(*Account)
	if account.Connected {
		account.Connected = false
		metrics.ConnectedAccounts.Dec()
	}
	return nil
}

func (c *Connection) dispatchContactUpdated(args ...any) error {
	user, account := args[0].(string), args[1].(*Account)
	extContact, _ := args[2].(string)
	displayName, _ := args[3].(string)
	c.onContactUpdated(accountContext(user, account), user, account, extContact, displayName)
	return nil
}

func (c *Connection) dispatchNewAuthToken(args ...any) error {
	user, account := args[0].(string), args[1].(*Account)
	authToken, _ := args[2].(string)
	c.onNewAuthToken(accountContext(user, account), account, authToken)
	return nil
}

// onUserSignedOn stores the auth token if configured to, syncs the
// Matrix profile down to the client, and walks the client's contact
// list, grounded on connection.py's on_user_signed_on.
func (c *Connection) onUserSignedOn(ctx context.Context, user string, account *Account) {
	if !account.Connected {
		account.Connected = true
		metrics.ConnectedAccounts.Inc()
	}

	if account.Config.UseAuthToken {
		authToken, err := account.Client.GetAuthToken(ctx, account.Network, account.ExtUser)
		if err != nil {
			logging.Warn(ctx, "failed to fetch client auth token", zap.Error(err))
		} else {
			c.onNewAuthToken(ctx, account, authToken)
		}
	}

	profile, err := c.base.HomeServer().GetUserProfile(ctx, user)
	if err != nil {
		logging.Warn(ctx, "failed to fetch matrix profile on sign-on", zap.Error(err))
		profile = nil
	}
	if profile != nil {
		accountDisplayName, err := account.Client.GetAccountDisplayName(ctx, account.Network, account.ExtUser)
		if err != nil {
			logging.Warn(ctx, "failed to fetch account displayname", zap.Error(err))
		}
		if profile.Displayname != "" && (accountDisplayName == "" ||
			(c.syncAccountProfileChanges && accountDisplayName != profile.Displayname)) {
			if err := account.Client.SetAccountDisplayName(ctx, account.Network, account.ExtUser, profile.Displayname); err != nil {
				logging.Warn(ctx, "failed to sync displayname to client", zap.Error(err))
			}
		}
		if profile.AvatarURL != "" {
			icon, err := account.Client.GetAccountIcon(ctx, account.Network, account.ExtUser)
			if err != nil {
				logging.Warn(ctx, "failed to fetch account icon", zap.Error(err))
			}
			// No API to check the existing avatar's version, so it's only
			// fetched once, same simplification as connection.py.
			if icon == nil {
				u, err := url.Parse(profile.AvatarURL)
				if err == nil {
					data, err := c.base.HomeServer().DownloadContent(ctx, u.Host, u.Path)
					if err != nil {
						logging.Warn(ctx, "failed to download matrix avatar", zap.Error(err))
					} else if len(data) > 0 {
						icon := imclient.Icon{Data: data, ContentType: mimetype.Detect(data).String()}
						if err := account.Client.SetAccountIcon(ctx, account.Network, account.ExtUser, icon); err != nil {
							logging.Warn(ctx, "failed to set client avatar", zap.Error(err))
						}
					}
				}
			}
		}
	}

	contacts, err := account.Client.GetContacts(ctx, account.Network, account.ExtUser)
	if err != nil {
		logging.Warn(ctx, "failed to list contacts on sign-on", zap.Error(err))
		return
	}
	for _, contact := range contacts {
		c.onContactUpdated(ctx, user, account, contact.ExtUser, contact.DisplayName)
	}
}

// onNewAuthToken persists the refreshed auth token, grounded on
// connection.py's on_new_auth_token.
func (c *Connection) onNewAuthToken(ctx context.Context, account *Account, authToken string) {
	if err := c.base.Store().UpdateAuthToken(ctx, account.ID, authToken); err != nil {
		logging.Error(ctx, "failed to persist new auth token", zap.Error(err))
		return
	}
	account.AuthToken = authToken
}

// onContactUpdated registers/syncs a client contact's Matrix puppet,
// grounded on connection.py's on_contact_updated. Updates are applied
// only once per contact (the first callback) to avoid excessive load on
// the home server from chatty back-ends.
func (c *Connection) onContactUpdated(ctx context.Context, user string, account *Account, extContact, displayName string) {
	contact, err := c.base.ExtContactToMxid(account.Network, extContact)
	if err != nil {
		logging.Error(ctx, "failed to translate contact to mxid", zap.Error(err))
		return
	}
	if _, known := account.Contacts[contact]; known {
		return
	}
	account.Contacts[contact] = struct{}{}

	exists, err := c.base.HomeServer().HasUser(ctx, contact)
	if err != nil {
		logging.Warn(ctx, "failed to check contact existence", zap.Error(err))
	} else if !exists {
		if err := c.base.HomeServer().RegisterUser(ctx, contact); err != nil {
			logging.Error(ctx, "failed to register contact puppet", zap.Error(err))
			return
		}
	}

	profile, err := c.base.HomeServer().GetUserProfile(ctx, contact)
	if err != nil {
		logging.Warn(ctx, "failed to fetch contact profile", zap.Error(err))
		profile = nil
	}
	if displayName != "" && (profile == nil || profile.Displayname == "" ||
		(c.syncContactsProfileChanges && profile.Displayname != displayName)) {
		if err := c.base.HomeServer().SetUserDisplayName(ctx, contact, displayName); err != nil {
			logging.Warn(ctx, "failed to set contact displayname", zap.Error(err))
		}
	}

	icon, err := account.Client.GetContactIcon(ctx, account.Network, account.ExtUser, extContact)
	if err != nil {
		logging.Warn(ctx, "failed to fetch contact icon", zap.Error(err))
		return
	}
	if icon != nil && len(icon.Data) > 0 && (profile == nil || profile.AvatarURL == "") {
		contentType := icon.ContentType
		if contentType == "" {
			contentType = "image/icon"
		} else if !strings.Contains(contentType, "/") {
			contentType = "image/" + contentType
		}
		contentURI, err := c.base.HomeServer().UploadContent(ctx, contentType, icon.Data)
		if err != nil {
			logging.Warn(ctx, "failed to upload contact icon", zap.Error(err))
			return
		}
		if contentURI != "" {
			if err := c.base.HomeServer().SetUserAvatarURL(ctx, contact, contentURI); err != nil {
				logging.Warn(ctx, "failed to set contact avatar url", zap.Error(err))
			}
		}
	}
}
