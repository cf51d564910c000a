// Package homeserver wraps the home-server's client-server and
// application-service HTTP APIs the bridge calls as the `as_access_token`
// principal, acting on behalf of puppeted users via the `user_id` query
// parameter.
//
// Grounded on original_source/pumaduct/matrix_client.py's Client class —
// method names, endpoint paths and response-shape handling mirror it
// directly.
package homeserver

import (
	"bytes"
	"context"
	"crypto/tls"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/sony/gobreaker"

	"github.com/ndl/pumaduct/internal/logging"
	"github.com/ndl/pumaduct/internal/metrics"
	"go.uber.org/zap"
)

// Client talks to the home server's REST API over HTTP, wrapping every
// call in a circuit breaker so a home-server outage degrades gracefully
// into offline-queueing rather than blocking the main loop's goroutine.
type Client struct {
	httpClient  *http.Client
	baseURL     string
	accessToken string
	cb          *gobreaker.CircuitBreaker
}

// New builds a Client for hsServer using accessToken as the application
// service's as_access_token. verifyCert disables TLS verification when
// false, matching matrix_client.py's verify_hs_cert config knob.
func New(hsServer, accessToken string, verifyCert bool) *Client {
	transport := &http.Transport{}
	if !verifyCert {
		transport.TLSClientConfig = &tls.Config{InsecureSkipVerify: true} //nolint:gosec
	}

	st := gobreaker.Settings{
		Name:        "homeserver",
		MaxRequests: 5,
		Interval:    1 * time.Minute,
		Timeout:     15 * time.Second,
		OnStateChange: func(name string, from gobreaker.State, to gobreaker.State) {
			var stateVal float64
			switch to {
			case gobreaker.StateClosed:
				stateVal = 0
			case gobreaker.StateOpen:
				stateVal = 1
			case gobreaker.StateHalfOpen:
				stateVal = 2
			}
			metrics.SetCircuitBreakerState("homeserver", stateVal)
			logging.GetLogger().Info("homeserver circuit breaker state change",
				zap.String("from", from.String()), zap.String("to", to.String()))
		},
	}

	return &Client{
		httpClient:  &http.Client{Transport: transport, Timeout: 30 * time.Second},
		baseURL:     strings.TrimRight(hsServer, "/"),
		accessToken: accessToken,
		cb:          gobreaker.NewCircuitBreaker(st),
	}
}

// buildURL quotes each path segment and appends access_token (and,
// when acting on behalf of a puppet, user_id) query parameters,
// grounded on matrix_client.py's _create_url.
func (c *Client) buildURL(pathTmpl string, actingAs string, args ...string) string {
	quoted := make([]any, len(args))
	for i, a := range args {
		quoted[i] = url.PathEscape(a)
	}
	path := fmt.Sprintf(pathTmpl, quoted...)

	q := url.Values{}
	q.Set("access_token", c.accessToken)
	if actingAs != "" {
		q.Set("user_id", actingAs)
	}
	return c.baseURL + path + "?" + q.Encode()
}

func localUsername(mxid string) (string, error) {
	if !strings.HasPrefix(mxid, "@") {
		return "", fmt.Errorf("homeserver: %q is not a valid mxid", mxid)
	}
	parts := strings.SplitN(mxid[1:], ":", 2)
	return parts[0], nil
}

type breakerResult struct {
	status int
	body   []byte
}

func (c *Client) do(ctx context.Context, method string, requestURL string, body []byte) (breakerResult, error) {
	start := time.Now()
	res, err := c.cb.Execute(func() (interface{}, error) {
		var reqBody io.Reader
		if body != nil {
			reqBody = bytes.NewReader(body)
		}
		req, err := http.NewRequestWithContext(ctx, method, requestURL, reqBody)
		if err != nil {
			return breakerResult{}, err
		}
		if body != nil {
			req.Header.Set("Content-Type", "application/json")
		}
		resp, err := c.httpClient.Do(req)
		if err != nil {
			return breakerResult{}, err
		}
		defer resp.Body.Close()
		data, err := io.ReadAll(resp.Body)
		if err != nil {
			return breakerResult{}, err
		}
		return breakerResult{status: resp.StatusCode, body: data}, nil
	})

	status := "error"
	if err == nil {
		status = strconv.Itoa(res.(breakerResult).status)
	}
	metrics.HomeserverRequestDuration.WithLabelValues(method).Observe(time.Since(start).Seconds())
	metrics.HomeserverRequestsTotal.WithLabelValues(method, status).Inc()

	if err != nil {
		return breakerResult{}, fmt.Errorf("homeserver: %s %s: %w", method, requestURL, err)
	}
	return res.(breakerResult), nil
}

// HasUser reports whether a user id is already registered, grounded on
// has_user (presence-status lookup used as an existence probe).
func (c *Client) HasUser(ctx context.Context, userID string) (bool, error) {
	requestURL := c.buildURL("/_matrix/client/r0/presence/%s/status", "", userID)
	res, err := c.do(ctx, http.MethodGet, requestURL, nil)
	if err != nil {
		return false, err
	}
	return res.status == http.StatusOK, nil
}

// RegisterUser registers a puppet account via the application-service
// registration flow, grounded on register_user.
func (c *Client) RegisterUser(ctx context.Context, mxid string) error {
	username, err := localUsername(mxid)
	if err != nil {
		return err
	}
	body, err := json.Marshal(map[string]string{
		"type":     "m.login.application_service",
		"username": username,
	})
	if err != nil {
		return fmt.Errorf("homeserver: marshaling register body: %w", err)
	}
	requestURL := c.buildURL("/_matrix/client/r0/register", "")
	res, err := c.do(ctx, http.MethodPost, requestURL, body)
	if err != nil {
		return err
	}
	if res.status != http.StatusOK {
		return fmt.Errorf("homeserver: register_user %s failed with status %d", mxid, res.status)
	}
	return nil
}

// AddToPresenceList invites target to actingAs's presence list, grounded
// on add_to_presence_list.
func (c *Client) AddToPresenceList(ctx context.Context, actingAs, target string) error {
	username, err := localUsername(actingAs)
	if err != nil {
		return err
	}
	body, err := json.Marshal(map[string][]string{"invite": {target}})
	if err != nil {
		return fmt.Errorf("homeserver: marshaling presence list body: %w", err)
	}
	requestURL := c.buildURL("/_matrix/client/r0/presence/list/%s", actingAs, username)
	_, err = c.do(ctx, http.MethodPost, requestURL, body)
	return err
}

// GetPresenceList fetches actingAs's presence list. Retained per SPEC_FULL.md
// §9's open-question resolution: kept, though matrix_client.py flags this
// call as possibly unnecessary and never verified against a live server.
func (c *Client) GetPresenceList(ctx context.Context, actingAs string) ([]string, error) {
	username, err := localUsername(actingAs)
	if err != nil {
		return nil, err
	}
	requestURL := c.buildURL("/_matrix/client/r0/presence/list/%s", actingAs, username)
	res, err := c.do(ctx, http.MethodGet, requestURL, nil)
	if err != nil {
		return nil, err
	}
	var entries []struct {
		UserID string `json:"user_id"`
	}
	if err := json.Unmarshal(res.body, &entries); err != nil {
		return nil, fmt.Errorf("homeserver: decoding presence list: %w", err)
	}
	userIDs := make([]string, 0, len(entries))
	for _, e := range entries {
		userIDs = append(userIDs, e.UserID)
	}
	return userIDs, nil
}

// SetUserPresence sets actingAs's presence state, grounded on set_user_presence.
func (c *Client) SetUserPresence(ctx context.Context, actingAs, presence string) error {
	username, err := localUsername(actingAs)
	if err != nil {
		return err
	}
	body, err := json.Marshal(map[string]string{"presence": presence})
	if err != nil {
		return fmt.Errorf("homeserver: marshaling presence body: %w", err)
	}
	requestURL := c.buildURL("/_matrix/client/r0/presence/%s/status", actingAs, username)
	_, err = c.do(ctx, http.MethodPut, requestURL, body)
	return err
}

// GetNonManagedUserPresence fetches the presence of a regular Matrix
// user not puppeted by the bridge, acting as the application service
// itself (there is no puppet to act as), grounded on
// matrix_client.py's get_non_managed_user_presence. Returns ("", nil)
// if the home server has no presence on record for the user.
func (c *Client) GetNonManagedUserPresence(ctx context.Context, userID string) (string, error) {
	requestURL := c.buildURL("/_matrix/client/r0/presence/%s/status", "", userID)
	res, err := c.do(ctx, http.MethodGet, requestURL, nil)
	if err != nil {
		return "", err
	}
	if res.status != http.StatusOK {
		return "", nil
	}
	var body struct {
		Presence string `json:"presence"`
	}
	if err := json.Unmarshal(res.body, &body); err != nil {
		return "", fmt.Errorf("homeserver: decoding presence status: %w", err)
	}
	return body.Presence, nil
}

// UserProfile is the displayname/avatar pair returned by GetUserProfile.
type UserProfile struct {
	Displayname string `json:"displayname"`
	AvatarURL   string `json:"avatar_url"`
}

// GetUserProfile fetches a user's profile, grounded on get_user_profile.
// Returns (nil, nil) on a non-200 response, mirroring the Python's
// log-and-return-None behavior (profile absence is routine, not fatal).
func (c *Client) GetUserProfile(ctx context.Context, actingAs string) (*UserProfile, error) {
	requestURL := c.buildURL("/_matrix/client/r0/profile/%s", actingAs, actingAs)
	res, err := c.do(ctx, http.MethodGet, requestURL, nil)
	if err != nil {
		return nil, err
	}
	if res.status != http.StatusOK {
		logging.GetLogger().Warn("homeserver: get_user_profile non-200", zap.String("user", actingAs), zap.Int("status", res.status))
		return nil, nil
	}
	var profile UserProfile
	if err := json.Unmarshal(res.body, &profile); err != nil {
		return nil, fmt.Errorf("homeserver: decoding profile: %w", err)
	}
	return &profile, nil
}

// SetUserDisplayName sets actingAs's displayname, grounded on set_user_display_name.
func (c *Client) SetUserDisplayName(ctx context.Context, actingAs, displayName string) error {
	body, err := json.Marshal(map[string]string{"displayname": displayName})
	if err != nil {
		return fmt.Errorf("homeserver: marshaling displayname body: %w", err)
	}
	requestURL := c.buildURL("/_matrix/client/r0/profile/%s/displayname", actingAs, actingAs)
	_, err = c.do(ctx, http.MethodPut, requestURL, body)
	return err
}

// SetUserAvatarURL sets actingAs's avatar mxc:// URL, grounded on set_user_avatar_url.
func (c *Client) SetUserAvatarURL(ctx context.Context, actingAs, avatarURL string) error {
	body, err := json.Marshal(map[string]string{"avatar_url": avatarURL})
	if err != nil {
		return fmt.Errorf("homeserver: marshaling avatar body: %w", err)
	}
	requestURL := c.buildURL("/_matrix/client/r0/profile/%s/avatar_url", actingAs, actingAs)
	_, err = c.do(ctx, http.MethodPut, requestURL, body)
	return err
}

// UploadContent uploads media and returns its mxc:// content URI, or ""
// on failure, grounded on upload_content.
func (c *Client) UploadContent(ctx context.Context, contentType string, data []byte) (string, error) {
	start := time.Now()
	res, err := c.cb.Execute(func() (interface{}, error) {
		requestURL := c.baseURL + "/_matrix/media/r0/upload?" + url.Values{"access_token": {c.accessToken}}.Encode()
		req, err := http.NewRequestWithContext(ctx, http.MethodPost, requestURL, bytes.NewReader(data))
		if err != nil {
			return breakerResult{}, err
		}
		req.Header.Set("Content-Type", contentType)
		resp, err := c.httpClient.Do(req)
		if err != nil {
			return breakerResult{}, err
		}
		defer resp.Body.Close()
		respBody, err := io.ReadAll(resp.Body)
		if err != nil {
			return breakerResult{}, err
		}
		return breakerResult{status: resp.StatusCode, body: respBody}, nil
	})
	metrics.HomeserverRequestDuration.WithLabelValues("upload").Observe(time.Since(start).Seconds())
	if err != nil {
		metrics.HomeserverRequestsTotal.WithLabelValues("upload", "error").Inc()
		return "", fmt.Errorf("homeserver: uploading content: %w", err)
	}
	br := res.(breakerResult)
	metrics.HomeserverRequestsTotal.WithLabelValues("upload", strconv.Itoa(br.status)).Inc()
	if br.status != http.StatusOK {
		return "", nil
	}
	var decoded struct {
		ContentURI string `json:"content_uri"`
	}
	if err := json.Unmarshal(br.body, &decoded); err != nil {
		return "", fmt.Errorf("homeserver: decoding upload response: %w", err)
	}
	return decoded.ContentURI, nil
}

// DownloadContent fetches media from a remote server+media id pair, or
// nil on failure, grounded on download_content.
func (c *Client) DownloadContent(ctx context.Context, server, mediaID string) ([]byte, error) {
	requestURL := c.buildURL("/_matrix/media/r0/download/%s/%s", "", server, mediaID)
	res, err := c.do(ctx, http.MethodGet, requestURL, nil)
	if err != nil {
		return nil, err
	}
	if res.status != http.StatusOK {
		return nil, nil
	}
	return res.body, nil
}

// SetUserTyping sets actingAs's typing indicator in room_id, grounded on
// set_user_typing.
func (c *Client) SetUserTyping(ctx context.Context, actingAs, roomID string, isTyping bool) error {
	body, err := json.Marshal(map[string]any{"typing": isTyping, "timeout": 30000})
	if err != nil {
		return fmt.Errorf("homeserver: marshaling typing body: %w", err)
	}
	requestURL := c.buildURL("/_matrix/client/r0/rooms/%s/typing/%s", actingAs, roomID, actingAs)
	_, err = c.do(ctx, http.MethodPut, requestURL, body)
	return err
}

// SendMessage sends a message into roomID as sender, returning the new
// event id, or "" if the send failed, grounded on send_message. time is
// used verbatim as the ts query parameter (milliseconds since epoch).
func (c *Client) SendMessage(ctx context.Context, roomID, sender string, t time.Time, payload json.RawMessage) (string, error) {
	txnID := fmt.Sprintf("%d", t.UnixNano())
	requestURL := c.buildURL("/_matrix/client/r0/rooms/%s/send/m.room.message/%s", sender, roomID, txnID)
	requestURL += "&ts=" + strconv.FormatInt(t.UnixMilli(), 10)

	res, err := c.do(ctx, http.MethodPut, requestURL, payload)
	if err != nil {
		return "", err
	}
	if res.status != http.StatusOK {
		return "", nil
	}
	var decoded struct {
		EventID string `json:"event_id"`
	}
	if err := json.Unmarshal(res.body, &decoded); err != nil {
		return "", fmt.Errorf("homeserver: decoding send_message response: %w", err)
	}
	return decoded.EventID, nil
}

// CreateRoom creates a private_chat room with creator as the acting user
// and invites invitees, returning the new room id or "" on failure,
// grounded on create_room.
func (c *Client) CreateRoom(ctx context.Context, creator string, invitees []string) (string, error) {
	body, err := json.Marshal(map[string]any{
		"invite": invitees,
		"preset": "private_chat",
	})
	if err != nil {
		return "", fmt.Errorf("homeserver: marshaling create_room body: %w", err)
	}
	requestURL := c.buildURL("/_matrix/client/r0/createRoom", creator)
	res, err := c.do(ctx, http.MethodPost, requestURL, body)
	if err != nil {
		return "", err
	}
	if res.status != http.StatusOK {
		return "", nil
	}
	var decoded struct {
		RoomID string `json:"room_id"`
	}
	if err := json.Unmarshal(res.body, &decoded); err != nil {
		return "", fmt.Errorf("homeserver: decoding create_room response: %w", err)
	}
	return decoded.RoomID, nil
}

// JoinRoom joins actingAs to roomID, grounded on join_room.
func (c *Client) JoinRoom(ctx context.Context, roomID, actingAs string) error {
	requestURL := c.buildURL("/_matrix/client/r0/rooms/%s/join", actingAs, roomID)
	_, err := c.do(ctx, http.MethodPost, requestURL, []byte("{}"))
	return err
}

// SyncResponse is the subset of /sync this client needs: room membership
// state, grounded on _get_rooms_state / _get_joined_members.
type SyncResponse struct {
	NextBatch string `json:"next_batch"`
	Rooms     struct {
		Join map[string]struct {
			State struct {
				Events []struct {
					Type     string `json:"type"`
					StateKey string `json:"state_key"`
					Content  struct {
						Membership string `json:"membership"`
					} `json:"content"`
				} `json:"events"`
			} `json:"state"`
		} `json:"join"`
	} `json:"rooms"`
}

// Sync performs a filtered state-only /sync call for actingAs, grounded
// on get_user_state.
func (c *Client) Sync(ctx context.Context, actingAs, since string) (*SyncResponse, error) {
	filter := `{"room":{"state":{"types":["m.room.member"]},"timeline":{"limit":0},"ephemeral":{"types":[]},"account_data":{"types":[]}}}`
	q := url.Values{}
	q.Set("access_token", c.accessToken)
	q.Set("user_id", actingAs)
	q.Set("full_state", "true")
	q.Set("filter", filter)
	if since != "" {
		q.Set("since", since)
	}
	requestURL := c.baseURL + "/_matrix/client/r0/sync?" + q.Encode()

	res, err := c.do(ctx, http.MethodGet, requestURL, nil)
	if err != nil {
		return nil, err
	}
	var sync SyncResponse
	if err := json.Unmarshal(res.body, &sync); err != nil {
		return nil, fmt.Errorf("homeserver: decoding sync response: %w", err)
	}
	return &sync, nil
}

// RedactEvent redacts eventID in roomID, grounded on redact_event — used
// to strip the password argument out of a `register` command immediately
// after it is parsed.
func (c *Client) RedactEvent(ctx context.Context, roomID, actingAs, eventID, reason string) error {
	body, err := json.Marshal(map[string]string{"reason": reason})
	if err != nil {
		return fmt.Errorf("homeserver: marshaling redact body: %w", err)
	}
	txnID := fmt.Sprintf("%d", time.Now().UnixNano())
	requestURL := c.buildURL("/_matrix/client/r0/rooms/%s/redact/%s/%s", actingAs, roomID, eventID, txnID)
	_, err = c.do(ctx, http.MethodPut, requestURL, body)
	return err
}

// SetUsersPowerLevels patches a room's power_levels state event, grounded
// on set_users_power_levels. The empty "events" object is required
// because some home-server implementations reject a power_levels payload
// that omits it.
func (c *Client) SetUsersPowerLevels(ctx context.Context, roomID, actingAs string, levels map[string]int) error {
	body, err := json.Marshal(map[string]any{
		"events": map[string]any{},
		"users":  levels,
	})
	if err != nil {
		return fmt.Errorf("homeserver: marshaling power_levels body: %w", err)
	}
	requestURL := c.buildURL("/_matrix/client/r0/rooms/%s/state/m.room.power_levels", actingAs, roomID)
	_, err = c.do(ctx, http.MethodPut, requestURL, body)
	return err
}
