// Copyright 2024-2026 Aiku AI

package warden

import (
	"context"
	"encoding/json"
	"errors"
	"path/filepath"
	"sort"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"
)

// recordedAction captures one outbound platform call for test assertions.
type recordedAction struct {
	Op       string
	GroupID  string
	MemberID string
	Value    string
}

// fakeConn is a Conn that records every action instead of talking to a
// platform. Tests drive it by pushing events into Push and closing the
// stream with CloseStream.
type fakeConn struct {
	mu sync.Mutex

	selfID  string
	events  chan Event
	actions []recordedAction

	// Threads seeds ThreadInfo responses, keyed by group ID.
	Threads map[string]*ThreadInfo
	// Users seeds UserInfo responses.
	Users map[string]*UserInfo
	// Fail causes the named op ("set_title", "set_nickname", "set_photo",
	// "send", "thread_info") to return the given error.
	Fail map[string]error
	// ReopenOnResubscribe makes Resubscribe install a fresh open event
	// channel, simulating a stream that actually comes back.
	ReopenOnResubscribe bool

	creds        json.RawMessage
	credsErr     error
	resubscribes int
	closed       bool
}

func newFakeConn() *fakeConn {
	return &fakeConn{
		selfID:  "bot-id",
		events:  make(chan Event, 16),
		Threads: make(map[string]*ThreadInfo),
		Users:   make(map[string]*UserInfo),
		Fail:    make(map[string]error),
		creds:   json.RawMessage(`[{"name":"MMURL","value":"http://mm"},{"name":"MMAUTHTOKEN","value":"tok"}]`),
	}
}

func (f *fakeConn) record(op, groupID, memberID, value string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err, ok := f.Fail[op]; ok {
		return err
	}
	f.actions = append(f.actions, recordedAction{Op: op, GroupID: groupID, MemberID: memberID, Value: value})
	return nil
}

func (f *fakeConn) Events() <-chan Event {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.events
}

func (f *fakeConn) Resubscribe() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.resubscribes++
	if f.ReopenOnResubscribe {
		f.events = make(chan Event, 16)
	}
	return nil
}

func (f *fakeConn) Resubscribes() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.resubscribes
}

func (f *fakeConn) SelfID() string {
	return f.selfID
}

func (f *fakeConn) SetThreadTitle(_ context.Context, groupID, title string) error {
	return f.record("set_title", groupID, "", title)
}

func (f *fakeConn) SetMemberNickname(_ context.Context, groupID, memberID, nickname string) error {
	return f.record("set_nickname", groupID, memberID, nickname)
}

func (f *fakeConn) SetThreadPhoto(_ context.Context, groupID, photoRef string) error {
	return f.record("set_photo", groupID, "", photoRef)
}

func (f *fakeConn) SendMessage(_ context.Context, groupID, text string) error {
	return f.record("send", groupID, "", text)
}

func (f *fakeConn) ThreadInfo(_ context.Context, groupID string) (*ThreadInfo, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err, ok := f.Fail["thread_info"]; ok {
		return nil, err
	}
	info, ok := f.Threads[groupID]
	if !ok {
		return nil, errors.New("no such thread")
	}
	return info, nil
}

func (f *fakeConn) UserInfo(_ context.Context, userID string) (*UserInfo, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	info, ok := f.Users[userID]
	if !ok {
		return nil, errors.New("no such user")
	}
	return info, nil
}

func (f *fakeConn) JoinedThreads(_ context.Context) ([]string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	ids := make([]string, 0, len(f.Threads))
	for id := range f.Threads {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids, nil
}

func (f *fakeConn) Credentials(_ context.Context) (json.RawMessage, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.credsErr != nil {
		return nil, f.credsErr
	}
	return f.creds, nil
}

func (f *fakeConn) Close() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.closed = true
	return nil
}

// Push delivers an event to the current stream.
func (f *fakeConn) Push(evt Event) {
	f.mu.Lock()
	ch := f.events
	f.mu.Unlock()
	ch <- evt
}

// CloseStream simulates the transport dropping the event stream.
func (f *fakeConn) CloseStream() {
	f.mu.Lock()
	defer f.mu.Unlock()
	close(f.events)
}

func (f *fakeConn) Actions() []recordedAction {
	f.mu.Lock()
	defer f.mu.Unlock()
	cp := make([]recordedAction, len(f.actions))
	copy(cp, f.actions)
	return cp
}

func (f *fakeConn) Count(op string) int {
	n := 0
	for _, a := range f.Actions() {
		if a.Op == op {
			n++
		}
	}
	return n
}

func (f *fakeConn) Last(op string) (recordedAction, bool) {
	actions := f.Actions()
	for i := len(actions) - 1; i >= 0; i-- {
		if actions[i].Op == op {
			return actions[i], true
		}
	}
	return recordedAction{}, false
}

func (f *fakeConn) ResetActions() {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.actions = nil
}

// fakeTransport hands out fakeConns and counts logins. Setting LoginErrs
// makes the next N Login calls fail.
type fakeTransport struct {
	mu        sync.Mutex
	LoginErrs int
	logins    int
	conns     []*fakeConn
	newConn   func() *fakeConn
}

func newFakeTransport() *fakeTransport {
	return &fakeTransport{newConn: newFakeConn}
}

func (t *fakeTransport) Login(_ context.Context, _ json.RawMessage, _ ListenOptions) (Conn, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.LoginErrs > 0 {
		t.LoginErrs--
		return nil, &LoginError{Err: errors.New("fake login refused")}
	}
	conn := t.newConn()
	t.conns = append(t.conns, conn)
	t.logins++
	return conn, nil
}

func (t *fakeTransport) Logins() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.logins
}

func (t *fakeTransport) Conn(i int) *fakeConn {
	t.mu.Lock()
	defer t.mu.Unlock()
	if i >= len(t.conns) {
		return nil
	}
	return t.conns[i]
}

const testAdminID = "admin-id"

// newTestEngine builds an engine with an inspectable store and a Nop logger.
func newTestEngine() (*Engine, *PolicyStore) {
	store := NewPolicyStore()
	return NewEngine(store, testAdminID, zerolog.Nop()), store
}

// newTestConfigStore builds a config store in a temp dir, preconfigured
// with the test admin and default prefix.
func newTestConfigStore(t *testing.T) *ConfigStore {
	t.Helper()
	cfg := NewConfigStore(filepath.Join(t.TempDir(), "warden.json"), zerolog.Nop())
	if err := cfg.Update(func(c *Config) {
		c.AdminID = testAdminID
		c.Cookies = json.RawMessage(`[{"name":"MMURL","value":"http://mm"},{"name":"MMAUTHTOKEN","value":"tok"}]`)
	}); err != nil {
		t.Fatalf("failed to seed config: %v", err)
	}
	return cfg
}

// newTestProcessor wires a processor, engine and fake conn together.
func newTestProcessor(t *testing.T) (*Processor, *Engine, *fakeConn, *ConfigStore, *GroupSet) {
	t.Helper()
	engine, _ := newTestEngine()
	cfg := newTestConfigStore(t)
	groups := NewGroupSet()
	replies := DefaultReplies()
	proc := NewProcessor(cfg, engine, groups, replies, zerolog.Nop())
	return proc, engine, newFakeConn(), cfg, groups
}

// chatFrom builds a chat-message event.
func chatFrom(senderID, groupID, text string) Event {
	return Event{
		Kind:       EventChatMessage,
		GroupID:    groupID,
		SenderID:   senderID,
		SenderName: "Sender",
		Text:       text,
	}
}

// waitFor polls cond until it holds or the deadline passes.
func waitFor(t *testing.T, timeout time.Duration, cond func() bool, msg string) {
	t.Helper()
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(time.Millisecond)
	}
	t.Fatal(msg)
}
