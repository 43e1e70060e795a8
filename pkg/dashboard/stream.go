// Copyright 2024-2026 Aiku AI

package dashboard

import (
	"encoding/json"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/aiku/mattermost-warden/pkg/warden"
)

const viewerWriteTimeout = 5 * time.Second

// Stream pushes timestamped, leveled log lines and joined-group updates to
// connected dashboard viewers over websockets. It implements io.Writer so
// it can sit inside a zerolog multi-writer; a write that a viewer cannot
// absorb drops that viewer, never the log call.
type Stream struct {
	groups   *warden.GroupSet
	upgrader websocket.Upgrader

	mu      sync.Mutex
	viewers map[*websocket.Conn]struct{}
}

func NewStream(groups *warden.GroupSet) *Stream {
	return &Stream{
		groups:  groups,
		viewers: make(map[*websocket.Conn]struct{}),
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
			// The dashboard is an operator-local surface; origin checks are
			// the reverse proxy's job.
			CheckOrigin: func(*http.Request) bool { return true },
		},
	}
}

// groupsMessage is the JSON frame carrying the current joined-group set.
type groupsMessage struct {
	Type   string   `json:"type"`
	Groups []string `json:"groups"`
}

// HandleWS upgrades the request and registers the viewer. The viewer
// receives the current joined-group set immediately, then the live pushes.
func (s *Stream) HandleWS(w http.ResponseWriter, r *http.Request) {
	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		return
	}

	snapshot, _ := json.Marshal(groupsMessage{Type: "groups", Groups: s.groups.IDs()})

	s.mu.Lock()
	s.viewers[conn] = struct{}{}
	err = s.writeTo(conn, snapshot)
	s.mu.Unlock()
	if err != nil {
		s.drop(conn)
		return
	}

	// The stream is one-way; the read loop only detects viewer departure.
	go func() {
		defer s.drop(conn)
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}()
}

// Write fans a log line out to every viewer. It always reports success so
// a dead viewer can never fail a log call.
func (s *Stream) Write(p []byte) (int, error) {
	line := make([]byte, len(p))
	copy(line, p)

	s.mu.Lock()
	var dead []*websocket.Conn
	for conn := range s.viewers {
		if err := s.writeTo(conn, line); err != nil {
			dead = append(dead, conn)
		}
	}
	for _, conn := range dead {
		delete(s.viewers, conn)
	}
	s.mu.Unlock()

	for _, conn := range dead {
		conn.Close()
	}
	return len(p), nil
}

// PublishGroups pushes the current joined-group set to every viewer. Wired
// to the session manager's OnGroupsChanged hook.
func (s *Stream) PublishGroups(ids []string) {
	frame, err := json.Marshal(groupsMessage{Type: "groups", Groups: ids})
	if err != nil {
		return
	}
	s.Write(frame)
}

// ViewerCount returns the number of connected viewers.
func (s *Stream) ViewerCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.viewers)
}

func (s *Stream) writeTo(conn *websocket.Conn, frame []byte) error {
	conn.SetWriteDeadline(time.Now().Add(viewerWriteTimeout))
	return conn.WriteMessage(websocket.TextMessage, frame)
}

func (s *Stream) drop(conn *websocket.Conn) {
	s.mu.Lock()
	delete(s.viewers, conn)
	s.mu.Unlock()
	conn.Close()
}
