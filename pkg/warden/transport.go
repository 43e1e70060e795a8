// Copyright 2024-2026 Aiku AI

package warden

import (
	"context"
	"encoding/json"
)

// EventKind identifies the class of a platform event after translation.
type EventKind int

const (
	EventUnknown EventKind = iota
	EventChatMessage
	EventThreadRenamed
	EventMemberRenamed
	EventThreadPhotoChanged
	EventMemberAdded
)

func (k EventKind) String() string {
	switch k {
	case EventChatMessage:
		return "chat_message"
	case EventThreadRenamed:
		return "thread_renamed"
	case EventMemberRenamed:
		return "member_renamed"
	case EventThreadPhotoChanged:
		return "thread_photo_changed"
	case EventMemberAdded:
		return "member_added"
	default:
		return "unknown"
	}
}

// Event is a single translated platform event. Only the fields relevant to
// the kind are populated.
type Event struct {
	Kind    EventKind
	GroupID string

	// SenderID and SenderName identify the actor for chat messages.
	SenderID   string
	SenderName string
	Text       string

	// Title is the new thread title for EventThreadRenamed.
	Title string

	// MemberID and Nickname describe EventMemberRenamed and EventMemberAdded.
	MemberID string
	Nickname string

	// PhotoRef is the new photo reference for EventThreadPhotoChanged.
	PhotoRef string

	// SelfOriginated marks events generated by this session's own actions.
	SelfOriginated bool
}

// Member is a single thread member as reported by the platform.
type Member struct {
	ID          string
	DisplayName string
	Nickname    string
}

// ThreadInfo is the current state of a group thread.
type ThreadInfo struct {
	ID       string
	Title    string
	PhotoRef string
	Members  []Member
}

// UserInfo is the platform's view of a single user.
type UserInfo struct {
	ID          string
	Username    string
	DisplayName string
	Nickname    string
}

// ListenOptions are applied when a session is established.
type ListenOptions struct {
	// SelfEvents requests delivery of events generated by the session itself.
	SelfEvents bool
	// Presence enables presence broadcasting for the session.
	Presence bool
}

// Conn is a live authenticated session on the messaging platform. The
// concrete platform client is an opaque collaborator behind this interface
// so the engine and its tests can inject a fake.
type Conn interface {
	// Events returns the current live event channel. The channel is closed
	// when the underlying stream drops; Resubscribe replaces it.
	Events() <-chan Event

	// Resubscribe reattaches the event stream on the same session without
	// re-authenticating.
	Resubscribe() error

	// SelfID returns the platform user ID of this session.
	SelfID() string

	SetThreadTitle(ctx context.Context, groupID, title string) error
	SetMemberNickname(ctx context.Context, groupID, memberID, nickname string) error
	SetThreadPhoto(ctx context.Context, groupID, photoRef string) error
	SendMessage(ctx context.Context, groupID, text string) error

	ThreadInfo(ctx context.Context, groupID string) (*ThreadInfo, error)
	UserInfo(ctx context.Context, userID string) (*UserInfo, error)
	JoinedThreads(ctx context.Context) ([]string, error)

	// Credentials returns the current opaque credential blob for persistence.
	Credentials(ctx context.Context) (json.RawMessage, error)

	Close() error
}

// Transport opens authenticated sessions from a stored credential blob.
type Transport interface {
	Login(ctx context.Context, creds json.RawMessage, opts ListenOptions) (Conn, error)
}
