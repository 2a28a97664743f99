// Package host exposes the bridge's polling interface over a WebSocket so a
// scripted runtime can call functions and receive completions.
//
// Each text frame from the client is a call:
//
//	{"id": 7, "fn": "pollInbound"}
//	{"id": 8, "fn": "send", "arg": "Status"}
//
// Each call gets exactly one reply with the same id, either right away or
// when the completion fires:
//
//	{"id": 7, "result": "OK"}
//
// Functions: triggerConnect(selector) -> bool, pollLog -> string,
// pollInbound -> string, send(text) -> null, close -> null.
package host

import (
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"sync"
	"sync/atomic"

	"github.com/gorilla/websocket"

	"github.com/chaz8081/nus-bridge/internal/nus"
	"github.com/chaz8081/nus-bridge/internal/queue"
)

// Bridge is the subset of *bridge.Bridge the server drives.
type Bridge interface {
	TriggerConnect(selector string, done func(ok bool))
	PollLog(r queue.Reader) (string, bool, error)
	PollInbound(r queue.Reader) (string, bool, error)
	UnreadLog(line string)
	UnreadInbound(item string)
	Send(message string)
	Close()
	CancelPolls()
	CancelTrigger() bool
	State() nus.State
}

// Call is one function invocation from the host.
type Call struct {
	ID  int64  `json:"id"`
	Fn  string `json:"fn"`
	Arg string `json:"arg,omitempty"`
}

// Reply completes a Call.
type Reply struct {
	ID     int64  `json:"id"`
	Result any    `json:"result"`
	Error  string `json:"error,omitempty"`
}

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	// The listener is meant for a local runtime; origin is not meaningful.
	CheckOrigin: func(_ *http.Request) bool { return true },
}

// Server serves one host session at a time: the bridge queues allow a
// single consumer.
type Server struct {
	bridge Bridge
	active atomic.Bool
}

// NewServer creates a Server over b.
func NewServer(b Bridge) *Server {
	return &Server{bridge: b}
}

// Handler returns the HTTP routes: GET /bridge (WebSocket) and GET /healthz.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("GET /bridge", s.serveBridge)
	mux.HandleFunc("GET /healthz", s.health)
	return mux
}

func (s *Server) health(w http.ResponseWriter, _ *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(map[string]string{"state": s.bridge.State().String()}) //nolint:errcheck
}

func (s *Server) serveBridge(w http.ResponseWriter, r *http.Request) {
	if !s.active.CompareAndSwap(false, true) {
		http.Error(w, "another host session is active", http.StatusConflict)
		return
	}
	defer s.active.Store(false)

	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		slog.Warn("[HOST] websocket upgrade failed", "error", err)
		return
	}
	defer conn.Close()

	sess := &session{conn: conn}
	slog.Info("[HOST] session opened", "remote", r.RemoteAddr)
	defer func() {
		// Readers parked by this session would swallow the next items.
		// Anything delivered to it after this point is put back.
		s.bridge.CancelPolls()
		sess.close()
		if s.bridge.CancelTrigger() {
			slog.Info("[HOST] disarmed trigger left by session", "remote", r.RemoteAddr)
		}
		slog.Info("[HOST] session closed", "remote", r.RemoteAddr)
	}()

	for {
		var call Call
		if err := conn.ReadJSON(&call); err != nil {
			if !websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				slog.Debug("[HOST] read failed", "error", err)
			}
			return
		}
		if err := s.dispatch(sess, call); err != nil {
			slog.Error("[HOST] closing session", "fn", call.Fn, "error", err)
			sess.reply(Reply{ID: call.ID, Error: err.Error()})
			return
		}
	}
}

// dispatch runs one call. A returned error ends the session.
func (s *Server) dispatch(sess *session, call Call) error {
	slog.Debug("[HOST] call", "id", call.ID, "fn", call.Fn)
	switch call.Fn {
	case "triggerConnect":
		s.bridge.TriggerConnect(call.Arg, func(ok bool) {
			sess.reply(Reply{ID: call.ID, Result: ok})
		})
	case "pollLog":
		return s.poll(sess, call, s.bridge.PollLog, s.bridge.UnreadLog)
	case "pollInbound":
		return s.poll(sess, call, s.bridge.PollInbound, s.bridge.UnreadInbound)
	case "send":
		s.bridge.Send(call.Arg)
		sess.reply(Reply{ID: call.ID})
	case "close":
		s.bridge.Close()
		sess.reply(Reply{ID: call.ID})
	default:
		sess.reply(Reply{ID: call.ID, Error: fmt.Sprintf("unknown function %q", call.Fn)})
	}
	return nil
}

// poll registers a reader that answers call. An item the session can no
// longer deliver goes back to its queue through unread.
func (s *Server) poll(sess *session, call Call, poll func(queue.Reader) (string, bool, error), unread func(string)) error {
	item, ok, err := poll(func(item string) {
		if !sess.reply(Reply{ID: call.ID, Result: item}) {
			unread(item)
		}
	})
	if err != nil {
		return fmt.Errorf("%s: %w", call.Fn, err)
	}
	if ok && !sess.reply(Reply{ID: call.ID, Result: item}) {
		unread(item)
	}
	return nil
}

// session serializes writes: completions arrive from bridge goroutines.
type session struct {
	mu     sync.Mutex
	conn   *websocket.Conn
	closed bool
}

var errSessionClosed = errors.New("host: session closed")

// reply reports whether r was written to the socket.
func (s *session) reply(r Reply) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		slog.Warn("[HOST] dropping reply", "id", r.ID, "error", errSessionClosed)
		return false
	}
	if err := s.conn.WriteJSON(r); err != nil {
		slog.Debug("[HOST] write failed", "id", r.ID, "error", err)
		return false
	}
	return true
}

func (s *session) close() {
	s.mu.Lock()
	s.closed = true
	s.mu.Unlock()
}
