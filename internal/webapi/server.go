// Package webapi is the web control plane: an HTTP mux with one POST
// endpoint per operator request kind, a GET /getItem/{id} read-only
// lookup, and a GET /listen websocket that fans out every
// handler.Update broadcast to connected operator consoles. Each POST
// handler deserializes a typed request body, builds a handler.Request,
// sends it over a request/reply channel, and replies with the
// handler's Reply as JSON.
package webapi

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/hollowoak/scbusd/internal/handler"
)

// maxBodyBytes caps every POST body at 16 KiB.
const maxBodyBytes = 16 * 1024

// Server is the Web Request Adapter. It owns an HTTP mux, forwards
// parsed requests to handler.Handler with a one-shot reply channel per
// request, and fans out handler.Update broadcasts to every connected
// websocket listener.
type Server struct {
	logger  *slog.Logger
	h       handler.Handler
	timeout time.Duration

	static         http.Handler
	healthProvider func() map[string]ConnwatchStatus

	mu        sync.Mutex
	listeners map[*listener]struct{}
}

// Config configures a Server.
type Config struct {
	Logger *slog.Logger
	// Handler processes requests. Each request runs HandleRequest on its
	// own goroutine and its reply is awaited over a one-shot channel,
	// bounded by ReplyTimeout.
	Handler handler.Handler
	// ReplyTimeout bounds how long a POST handler waits for a reply
	// before responding 500.
	ReplyTimeout time.Duration
	// StaticUI serves the operator console bundle at GET /, if set.
	StaticUI http.Handler
	// HealthProvider, if set, reports per-connection health for GET
	// /health (typically connwatch.Manager.Status). A nil provider
	// leaves /health reporting only process liveness.
	HealthProvider func() map[string]ConnwatchStatus
}

// ConnwatchStatus mirrors connwatch.ServiceStatus's JSON shape without
// importing internal/connwatch, keeping this package's dependency
// surface to HTTP/websocket concerns only.
type ConnwatchStatus struct {
	Ready     bool      `json:"ready"`
	LastCheck time.Time `json:"last_check"`
	LastError string    `json:"last_error,omitempty"`
}

// New builds a Server. Call ServeHTTP (via Mux) to handle requests, and
// Broadcast to fan an Update out to every listener.
func New(cfg Config) *Server {
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	if cfg.ReplyTimeout <= 0 {
		cfg.ReplyTimeout = 5 * time.Second
	}
	return &Server{
		logger:         cfg.Logger.With("component", "webapi"),
		h:              cfg.Handler,
		timeout:        cfg.ReplyTimeout,
		static:         cfg.StaticUI,
		healthProvider: cfg.HealthProvider,
		listeners:      make(map[*listener]struct{}),
	}
}

// SetHandler assigns the Handler requests are dispatched to. Used by
// cmd/scbusd, where the reference Handler is constructed after the
// webapi Server so it can be wired to a concrete Broadcaster.
func (s *Server) SetHandler(h handler.Handler) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.h = h
}

// Mux builds the HTTP handler: GET /, GET /getItem/{id}, GET /listen,
// GET /health, and one POST /{verb} per UserRequest variant.
func (s *Server) Mux() http.Handler {
	mux := http.NewServeMux()

	if s.static != nil {
		mux.Handle("/", s.static)
	}
	mux.HandleFunc("/getItem/", s.handleGetItem)
	mux.HandleFunc("/listen", s.handleListen)
	mux.HandleFunc("/health", s.handleHealth)

	for verb, decode := range routeTable {
		mux.HandleFunc("/"+verb, s.postHandler(decode))
	}

	return mux
}

// decodeFunc parses a raw JSON body into a handler.Request, or returns
// an error for a malformed body.
type decodeFunc func(body []byte) (handler.Request, error)

var routeTable = map[string]decodeFunc{
	"allEventChange": func(b []byte) (handler.Request, error) {
		body, err := decodeJSON[allEventChangeBody](b)
		if err != nil {
			return handler.Request{}, err
		}
		return toAllEventChange(body), nil
	},
	"broadcastEvent": func(b []byte) (handler.Request, error) {
		body, err := decodeJSON[broadcastEventBody](b)
		if err != nil {
			return handler.Request{}, err
		}
		return toBroadcastEvent(body), nil
	},
	"sceneChange": func(b []byte) (handler.Request, error) {
		body, err := decodeJSON[sceneChangeBody](b)
		if err != nil {
			return handler.Request{}, err
		}
		return toSceneChange(body), nil
	},
	"statusChange": func(b []byte) (handler.Request, error) {
		body, err := decodeJSON[statusChangeBody](b)
		if err != nil {
			return handler.Request{}, err
		}
		return toStatusChange(body), nil
	},
	"allStop": func(b []byte) (handler.Request, error) {
		return handler.Request{Kind: handler.KindAllStop}, nil
	},
	"debugMode": func(b []byte) (handler.Request, error) {
		body, err := decodeJSON[debugModeBody](b)
		if err != nil {
			return handler.Request{}, err
		}
		return toDebugMode(body), nil
	},
	"edit": func(b []byte) (handler.Request, error) {
		body, err := decodeJSON[editBody](b)
		if err != nil {
			return handler.Request{}, err
		}
		return toEdit(body), nil
	},
	"configFile": func(b []byte) (handler.Request, error) {
		body, err := decodeJSON[configFileBody](b)
		if err != nil {
			return handler.Request{}, err
		}
		return toConfigFile(body), nil
	},
	"saveConfig": func(b []byte) (handler.Request, error) {
		body, err := decodeJSON[saveConfigBody](b)
		if err != nil {
			return handler.Request{}, err
		}
		return toSaveConfig(body), nil
	},
	"errorLog": func(b []byte) (handler.Request, error) {
		body, err := decodeJSON[errorLogBody](b)
		if err != nil {
			return handler.Request{}, err
		}
		return toErrorLog(body), nil
	},
	"gameLog": func(b []byte) (handler.Request, error) {
		body, err := decodeJSON[gameLogBody](b)
		if err != nil {
			return handler.Request{}, err
		}
		return toGameLog(body), nil
	},
	"processEvent": func(b []byte) (handler.Request, error) {
		body, err := decodeJSON[processEventBody](b)
		if err != nil {
			return handler.Request{}, err
		}
		return toProcessEvent(body), nil
	},
	"redraw": func(b []byte) (handler.Request, error) {
		return handler.Request{Kind: handler.KindRedraw}, nil
	},
	"clearQueue": func(b []byte) (handler.Request, error) {
		return handler.Request{Kind: handler.KindClearQueue}, nil
	},
	"close": func(b []byte) (handler.Request, error) {
		return handler.Request{Kind: handler.KindClose}, nil
	},
	"cueEvent": func(b []byte) (handler.Request, error) {
		body, err := decodeJSON[cueEventBody](b)
		if err != nil {
			return handler.Request{}, err
		}
		return toCueEvent(body), nil
	},
	"eventChange": func(b []byte) (handler.Request, error) {
		body, err := decodeJSON[eventChangeBody](b)
		if err != nil {
			return handler.Request{}, err
		}
		return toEventChange(body)
	},
}

// postHandler builds an http.HandlerFunc for a single UserRequest
// variant: decode body, build the Request, dispatch, reply JSON.
func (s *Server) postHandler(decode decodeFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost {
			http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
			return
		}

		r.Body = http.MaxBytesReader(w, r.Body, maxBodyBytes)
		body, err := io.ReadAll(r.Body)
		if err != nil {
			writeReply(w, http.StatusBadRequest, handler.Failure("request body too large or unreadable"))
			return
		}

		req, err := decode(body)
		if err != nil {
			writeReply(w, http.StatusBadRequest, handler.Failure("malformed request: "+err.Error()))
			return
		}

		reply, err := s.dispatch(r.Context(), req)
		if err != nil {
			s.logger.Error("request dispatch failed", "error", err)
			writeReply(w, http.StatusInternalServerError, handler.Failure("internal error"))
			return
		}

		status := http.StatusOK
		if !reply.Success {
			status = http.StatusBadRequest
		}
		writeReply(w, status, reply)
	}
}

// dispatch runs the handler on req in a separate goroutine and awaits
// its reply, honoring s.timeout and ctx cancellation.
func (s *Server) dispatch(ctx context.Context, req handler.Request) (handler.Reply, error) {
	if s.h == nil {
		return handler.Reply{}, errors.New("webapi: no handler configured")
	}

	done := make(chan handler.Reply, 1)
	go func() {
		done <- s.h.HandleRequest(req)
	}()

	select {
	case reply := <-done:
		return reply, nil
	case <-time.After(s.timeout):
		return handler.Reply{}, errors.New("request timed out")
	case <-ctx.Done():
		return handler.Reply{}, ctx.Err()
	}
}

// handleGetItem bypasses the request channel entirely: it is a pure
// read against the handler's item index.
func (s *Server) handleGetItem(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	idStr := strings.TrimPrefix(r.URL.Path, "/getItem/")
	id, err := parseGetItemID(idStr)
	if err != nil {
		writeJSON(w, http.StatusBadRequest, itemReplyBody{IsValid: false})
		return
	}
	if s.h == nil {
		writeJSON(w, http.StatusInternalServerError, itemReplyBody{IsValid: false})
		return
	}
	pair, ok := s.h.GetItem(id)
	if !ok {
		writeJSON(w, http.StatusOK, itemReplyBody{IsValid: false, ID: id.Value()})
		return
	}
	writeJSON(w, http.StatusOK, itemReplyBody{IsValid: true, ID: pair.ID().Value(), Description: pair.Description})
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	body := healthBody{Status: "ok"}
	if s.healthProvider != nil {
		body.Connections = s.healthProvider()
		for _, status := range body.Connections {
			if !status.Ready {
				body.Status = "degraded"
			}
		}
	}
	writeJSON(w, http.StatusOK, body)
}

type healthBody struct {
	Status      string                     `json:"status"`
	Connections map[string]ConnwatchStatus `json:"connections,omitempty"`
}

func writeReply(w http.ResponseWriter, status int, reply handler.Reply) {
	writeJSON(w, status, replyBody{Success: reply.Success, Message: reply.Message})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

// Broadcast fans an Update out to every connected listener (called by
// cmd/scbusd's bus.Config.OnUpdate). Broken listeners are dropped on
// send error.
func (s *Server) Broadcast(u handler.Update) {
	msg, err := json.Marshal(updateMessage{
		Severity: u.Severity.String(),
		Message:  u.Message,
		At:       u.At,
	})
	if err != nil {
		return
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	var dead []*listener
	for l := range s.listeners {
		select {
		case l.send <- msg:
		default:
			dead = append(dead, l)
		}
	}
	for _, l := range dead {
		delete(s.listeners, l)
		close(l.send)
	}
}

type updateMessage struct {
	Severity string    `json:"severity"`
	Message  string    `json:"message"`
	At       time.Time `json:"at"`
}

// listener is a single registered websocket sender. The listener list
// is owned exclusively by the fan-out side; no other goroutine holds a
// reference.
type listener struct {
	conn *websocket.Conn
	send chan []byte
}

var upgrader = websocket.Upgrader{
	CheckOrigin: func(r *http.Request) bool { return true },
}

const (
	writeWait = 5 * time.Second
	pongWait  = 30 * time.Second
	pingEvery = 20 * time.Second
)

// handleListen upgrades the connection and registers a per-socket
// sender into the shared listener list, forwarding every Update fanned
// out via Broadcast.
func (s *Server) handleListen(w http.ResponseWriter, r *http.Request) {
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.logger.Warn("websocket upgrade failed", "error", err)
		return
	}

	l := &listener{conn: conn, send: make(chan []byte, 16)}
	s.mu.Lock()
	s.listeners[l] = struct{}{}
	s.mu.Unlock()

	go s.readLoop(l)
	s.writeLoop(l)
}

func (s *Server) readLoop(l *listener) {
	defer func() {
		s.mu.Lock()
		if _, ok := s.listeners[l]; ok {
			delete(s.listeners, l)
			close(l.send)
		}
		s.mu.Unlock()
		_ = l.conn.Close()
	}()
	l.conn.SetReadDeadline(time.Now().Add(pongWait))
	l.conn.SetPongHandler(func(string) error {
		l.conn.SetReadDeadline(time.Now().Add(pongWait))
		return nil
	})
	for {
		if _, _, err := l.conn.ReadMessage(); err != nil {
			return
		}
	}
}

func (s *Server) writeLoop(l *listener) {
	ticker := time.NewTicker(pingEvery)
	defer ticker.Stop()
	for {
		select {
		case msg, ok := <-l.send:
			l.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if !ok {
				_ = l.conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}
			if err := l.conn.WriteMessage(websocket.TextMessage, msg); err != nil {
				return
			}
		case <-ticker.C:
			l.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := l.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}
