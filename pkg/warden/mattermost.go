// Copyright 2024-2026 Aiku AI

package warden

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"sync"

	"github.com/mattermost/mattermost/server/public/model"
	"github.com/rs/zerolog"
)

// Credential cookie names recognized in the opaque blob. MMAUTHTOKEN is the
// cookie Mattermost itself issues; MMURL carries the server base URL.
const (
	cookieServerURL = "MMURL"
	cookieAuthToken = "MMAUTHTOKEN"
)

type credentialCookie struct {
	Name  string `json:"name"`
	Value string `json:"value"`
}

// parseCredentials extracts the server URL and auth token from the cookie
// blob.
func parseCredentials(creds json.RawMessage) (serverURL, token string, err error) {
	var cookies []credentialCookie
	if err := json.Unmarshal(creds, &cookies); err != nil {
		return "", "", fmt.Errorf("credential blob is not a cookie array: %w", err)
	}
	for _, c := range cookies {
		switch c.Name {
		case cookieServerURL:
			serverURL = c.Value
		case cookieAuthToken:
			token = c.Value
		}
	}
	if serverURL == "" || token == "" {
		return "", "", errors.New("credential blob is missing server URL or token")
	}
	return serverURL, token, nil
}

// MattermostTransport opens Mattermost sessions from a stored cookie blob.
type MattermostTransport struct {
	log zerolog.Logger
}

func NewMattermostTransport(log zerolog.Logger) *MattermostTransport {
	return &MattermostTransport{log: log.With().Str("component", "mm_transport").Logger()}
}

var _ Transport = (*MattermostTransport)(nil)

// Login verifies the credentials against the Mattermost API and attaches
// the websocket event stream. Any failure here is a LoginError; the session
// manager retries those indefinitely.
func (t *MattermostTransport) Login(ctx context.Context, creds json.RawMessage, opts ListenOptions) (Conn, error) {
	serverURL, token, err := parseCredentials(creds)
	if err != nil {
		return nil, &LoginError{Err: err}
	}

	client := model.NewAPIv4Client(serverURL)
	client.SetToken(token)

	me, _, err := client.GetMe(ctx, "")
	if err != nil {
		return nil, &LoginError{Err: fmt.Errorf("failed to verify session: %w", err)}
	}

	conn := &mmConn{
		client:    client,
		serverURL: serverURL,
		token:     token,
		userID:    me.Id,
		opts:      opts,
		stopChan:  make(chan struct{}),
		log:       t.log.With().Str("user_id", me.Id).Logger(),
	}
	if err := conn.subscribe(); err != nil {
		return nil, &LoginError{Err: err}
	}

	t.log.Info().
		Str("server_url", serverURL).
		Str("username", me.Username).
		Msg("Mattermost session established")
	return conn, nil
}

// mmConn is a live Mattermost session. Groups map to channels; the channel
// header slot carries the group photo reference, since Mattermost channels
// have no avatar of their own.
type mmConn struct {
	client    *model.Client4
	serverURL string
	token     string
	userID    string
	opts      ListenOptions

	mu     sync.Mutex
	ws     *model.WebSocketClient
	events chan Event

	stopOnce sync.Once
	stopChan chan struct{}
	log      zerolog.Logger
}

var _ Conn = (*mmConn)(nil)

// httpToWS converts an HTTP(S) URL to a WS(S) URL.
func httpToWS(url string) string {
	if strings.HasPrefix(url, "https://") {
		return "wss://" + strings.TrimPrefix(url, "https://")
	}
	if strings.HasPrefix(url, "http://") {
		return "ws://" + strings.TrimPrefix(url, "http://")
	}
	return url
}

func (c *mmConn) subscribe() error {
	ws, err := model.NewWebSocketClient4(httpToWS(c.serverURL), c.token)
	if err != nil {
		return fmt.Errorf("failed to connect websocket: %w", err)
	}
	ws.Listen()

	out := make(chan Event, 64)
	c.mu.Lock()
	c.ws = ws
	c.events = out
	c.mu.Unlock()

	go c.pump(ws, out)
	c.log.Debug().Msg("Event stream attached")
	return nil
}

// pump translates raw websocket events onto the out channel until the
// stream drops. Closing out is the stream-error signal the dispatcher
// reports to the session manager.
func (c *mmConn) pump(ws *model.WebSocketClient, out chan<- Event) {
	defer close(out)
	for {
		select {
		case <-c.stopChan:
			return
		case raw, ok := <-ws.EventChannel:
			if !ok {
				c.log.Warn().Msg("WebSocket event channel closed")
				return
			}
			if raw == nil {
				continue
			}
			for _, evt := range c.translate(raw) {
				select {
				case out <- evt:
				case <-c.stopChan:
					return
				}
			}
		}
	}
}

// translate maps a raw Mattermost websocket event onto warden events. A
// channel update fans out to both a rename and a photo event; the engine's
// idempotence makes the superfluous one a no-op.
func (c *mmConn) translate(raw *model.WebSocketEvent) []Event {
	switch raw.EventType() {
	case model.WebsocketEventPosted:
		return c.translatePosted(raw)
	case model.WebsocketEventChannelUpdated:
		return c.translateChannelUpdated(raw)
	case model.WebsocketEventUserUpdated:
		return c.translateUserUpdated(raw)
	case model.WebsocketEventUserAdded:
		return c.translateUserAdded(raw)
	default:
		c.log.Trace().Str("event_type", string(raw.EventType())).Msg("Ignoring event type")
		return nil
	}
}

func (c *mmConn) translatePosted(raw *model.WebSocketEvent) []Event {
	var post model.Post
	if err := decodeEventData(raw.GetData()["post"], &post); err != nil {
		c.log.Warn().Err(err).Msg("Failed to decode posted event")
		return nil
	}
	// System messages are not chat; join/rename notices arrive as their own
	// websocket events.
	if post.Type != "" && post.Type != model.PostTypeDefault {
		return nil
	}
	senderName, _ := raw.GetData()["sender_name"].(string)
	senderName = strings.TrimPrefix(senderName, "@")
	return []Event{{
		Kind:           EventChatMessage,
		GroupID:        post.ChannelId,
		SenderID:       post.UserId,
		SenderName:     senderName,
		Text:           post.Message,
		SelfOriginated: post.UserId == c.userID,
	}}
}

func (c *mmConn) translateChannelUpdated(raw *model.WebSocketEvent) []Event {
	var channel model.Channel
	if err := decodeEventData(raw.GetData()["channel"], &channel); err != nil {
		c.log.Warn().Err(err).Msg("Failed to decode channel update")
		return nil
	}
	return []Event{
		{
			Kind:    EventThreadRenamed,
			GroupID: channel.Id,
			Title:   channel.DisplayName,
		},
		{
			Kind:     EventThreadPhotoChanged,
			GroupID:  channel.Id,
			PhotoRef: channel.Header,
		},
	}
}

func (c *mmConn) translateUserUpdated(raw *model.WebSocketEvent) []Event {
	var user model.User
	if err := decodeEventData(raw.GetData()["user"], &user); err != nil {
		c.log.Warn().Err(err).Msg("Failed to decode user update")
		return nil
	}
	// Profile updates are broadcast without a channel; the engine resolves
	// the affected groups from its own policies.
	return []Event{{
		Kind:           EventMemberRenamed,
		GroupID:        raw.GetBroadcast().ChannelId,
		MemberID:       user.Id,
		Nickname:       user.Nickname,
		SelfOriginated: user.Id == c.userID,
	}}
}

func (c *mmConn) translateUserAdded(raw *model.WebSocketEvent) []Event {
	memberID, ok := raw.GetData()["user_id"].(string)
	if !ok {
		return nil
	}
	return []Event{{
		Kind:           EventMemberAdded,
		GroupID:        raw.GetBroadcast().ChannelId,
		MemberID:       memberID,
		SelfOriginated: memberID == c.userID,
	}}
}

// decodeEventData decodes an event payload that Mattermost delivers either
// as a JSON string or as an already-decoded object.
func decodeEventData(data any, v any) error {
	switch d := data.(type) {
	case nil:
		return errors.New("missing event payload")
	case string:
		return json.Unmarshal([]byte(d), v)
	default:
		raw, err := json.Marshal(d)
		if err != nil {
			return err
		}
		return json.Unmarshal(raw, v)
	}
}

func (c *mmConn) Events() <-chan Event {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.events
}

func (c *mmConn) Resubscribe() error {
	c.mu.Lock()
	ws := c.ws
	c.mu.Unlock()
	if ws != nil {
		ws.Close()
	}
	return c.subscribe()
}

func (c *mmConn) SelfID() string {
	return c.userID
}

func (c *mmConn) SetThreadTitle(ctx context.Context, groupID, title string) error {
	_, _, err := c.client.PatchChannel(ctx, groupID, &model.ChannelPatch{DisplayName: &title})
	if err != nil {
		return fmt.Errorf("failed to set channel name: %w", err)
	}
	return nil
}

func (c *mmConn) SetMemberNickname(ctx context.Context, _, memberID, nickname string) error {
	// Mattermost nicknames are account-wide, not per-channel; the group ID
	// only scopes the event that triggered the change.
	_, _, err := c.client.PatchUser(ctx, memberID, &model.UserPatch{Nickname: &nickname})
	if err != nil {
		return fmt.Errorf("failed to set nickname: %w", err)
	}
	return nil
}

func (c *mmConn) SetThreadPhoto(ctx context.Context, groupID, photoRef string) error {
	_, _, err := c.client.PatchChannel(ctx, groupID, &model.ChannelPatch{Header: &photoRef})
	if err != nil {
		return fmt.Errorf("failed to set channel photo: %w", err)
	}
	return nil
}

func (c *mmConn) SendMessage(ctx context.Context, groupID, text string) error {
	_, _, err := c.client.CreatePost(ctx, &model.Post{ChannelId: groupID, Message: text})
	if err != nil {
		return fmt.Errorf("failed to send message: %w", err)
	}
	return nil
}

func (c *mmConn) ThreadInfo(ctx context.Context, groupID string) (*ThreadInfo, error) {
	channel, _, err := c.client.GetChannel(ctx, groupID, "")
	if err != nil {
		return nil, fmt.Errorf("failed to get channel info: %w", err)
	}
	members, _, err := c.client.GetChannelMembers(ctx, groupID, 0, 200, "")
	if err != nil {
		return nil, fmt.Errorf("failed to get channel members: %w", err)
	}

	info := &ThreadInfo{
		ID:       channel.Id,
		Title:    channel.DisplayName,
		PhotoRef: channel.Header,
	}

	ids := make([]string, 0, len(members))
	for _, member := range members {
		ids = append(ids, member.UserId)
	}
	if len(ids) > 0 {
		users, _, err := c.client.GetUsersByIds(ctx, ids)
		if err != nil {
			return nil, fmt.Errorf("failed to get member profiles: %w", err)
		}
		for _, user := range users {
			info.Members = append(info.Members, Member{
				ID:          user.Id,
				DisplayName: user.Username,
				Nickname:    user.Nickname,
			})
		}
	}
	return info, nil
}

func (c *mmConn) UserInfo(ctx context.Context, userID string) (*UserInfo, error) {
	user, _, err := c.client.GetUser(ctx, userID, "")
	if err != nil {
		return nil, fmt.Errorf("failed to get user info: %w", err)
	}
	return &UserInfo{
		ID:          user.Id,
		Username:    user.Username,
		DisplayName: user.GetDisplayName(model.ShowNicknameFullName),
		Nickname:    user.Nickname,
	}, nil
}

func (c *mmConn) JoinedThreads(ctx context.Context) ([]string, error) {
	channels, _, err := c.client.GetChannelsForUserWithLastDeleteAt(ctx, c.userID, 0)
	if err != nil {
		return nil, fmt.Errorf("failed to list channels: %w", err)
	}
	ids := make([]string, 0, len(channels))
	for _, channel := range channels {
		ids = append(ids, channel.Id)
	}
	return ids, nil
}

// Credentials reconstructs the cookie blob from the live session state.
// Mattermost tokens do not rotate mid-session, so this is a round-trip of
// the login material.
func (c *mmConn) Credentials(_ context.Context) (json.RawMessage, error) {
	blob, err := json.Marshal([]credentialCookie{
		{Name: cookieServerURL, Value: c.serverURL},
		{Name: cookieAuthToken, Value: c.client.AuthToken},
	})
	if err != nil {
		return nil, fmt.Errorf("failed to encode credentials: %w", err)
	}
	return blob, nil
}

func (c *mmConn) Close() error {
	c.stopOnce.Do(func() {
		close(c.stopChan)
	})
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.ws != nil {
		c.ws.Close()
		c.ws = nil
	}
	return nil
}
