package webapi

import (
	"bytes"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"

	"github.com/hollowoak/scbusd/internal/handler"
	"github.com/hollowoak/scbusd/internal/ids"
)

// stubHandler records the last request it received and returns a
// pre-configured reply.
type stubHandler struct {
	lastRequest handler.Request
	reply       handler.Reply
	items       map[uint32]ids.DescriptivePair
}

func (s *stubHandler) HandleDispatch(handler.Dispatch) {}

func (s *stubHandler) HandleRequest(r handler.Request) handler.Reply {
	s.lastRequest = r
	return s.reply
}

func (s *stubHandler) GetItem(id ids.Identifier) (ids.DescriptivePair, bool) {
	pair, ok := s.items[id.Value()]
	return pair, ok
}

func TestBroadcastEvent_DispatchesAndReplies(t *testing.T) {
	stub := &stubHandler{reply: handler.Success("ok")}
	srv := New(Config{Handler: stub})
	mux := srv.Mux()

	body := `{"id": 42, "data": 7}`
	req := httptest.NewRequest(http.MethodPost, "/broadcastEvent", strings.NewReader(body))
	w := httptest.NewRecorder()
	mux.ServeHTTP(w, req)

	if w.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200", w.Code)
	}
	if stub.lastRequest.Kind != handler.KindBroadcastEvent {
		t.Errorf("kind = %v, want %v", stub.lastRequest.Kind, handler.KindBroadcastEvent)
	}
	if stub.lastRequest.EventID.Value() != 42 {
		t.Errorf("event id = %d, want 42", stub.lastRequest.EventID.Value())
	}
	if stub.lastRequest.Data == nil || *stub.lastRequest.Data != 7 {
		t.Errorf("data = %v, want 7", stub.lastRequest.Data)
	}

	var reply replyBody
	if err := json.NewDecoder(w.Body).Decode(&reply); err != nil {
		t.Fatalf("decode reply: %v", err)
	}
	if !reply.Success || reply.Message != "ok" {
		t.Errorf("reply = %+v, want success/ok", reply)
	}
}

func TestPostHandler_FailureRepliesWith400(t *testing.T) {
	stub := &stubHandler{reply: handler.Failure("nope")}
	srv := New(Config{Handler: stub})
	mux := srv.Mux()

	req := httptest.NewRequest(http.MethodPost, "/allStop", bytes.NewReader(nil))
	w := httptest.NewRecorder()
	mux.ServeHTTP(w, req)

	if w.Code != http.StatusBadRequest {
		t.Fatalf("status = %d, want 400", w.Code)
	}
}

func TestPostHandler_MalformedJSON(t *testing.T) {
	stub := &stubHandler{reply: handler.Success("ok")}
	srv := New(Config{Handler: stub})
	mux := srv.Mux()

	req := httptest.NewRequest(http.MethodPost, "/broadcastEvent", strings.NewReader("{not json"))
	w := httptest.NewRecorder()
	mux.ServeHTTP(w, req)

	if w.Code != http.StatusBadRequest {
		t.Fatalf("status = %d, want 400", w.Code)
	}
}

func TestGetItem_Found(t *testing.T) {
	id, _ := ids.New(42)
	stub := &stubHandler{items: map[uint32]ids.DescriptivePair{
		42: ids.NewDescriptivePair(id, "Start Ride", ids.DisplayType{Kind: "control"}),
	}}
	srv := New(Config{Handler: stub})
	mux := srv.Mux()

	req := httptest.NewRequest(http.MethodGet, "/getItem/42", nil)
	w := httptest.NewRecorder()
	mux.ServeHTTP(w, req)

	var got itemReplyBody
	if err := json.NewDecoder(w.Body).Decode(&got); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if !got.IsValid || got.Description != "Start Ride" {
		t.Errorf("got %+v, want valid Start Ride", got)
	}
}

func TestGetItem_NotFound(t *testing.T) {
	stub := &stubHandler{items: map[uint32]ids.DescriptivePair{}}
	srv := New(Config{Handler: stub})
	mux := srv.Mux()

	req := httptest.NewRequest(http.MethodGet, "/getItem/999", nil)
	w := httptest.NewRecorder()
	mux.ServeHTTP(w, req)

	var got itemReplyBody
	if err := json.NewDecoder(w.Body).Decode(&got); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if got.IsValid {
		t.Errorf("got %+v, want IsValid=false", got)
	}
}

func TestListen_ReceivesBroadcast(t *testing.T) {
	stub := &stubHandler{}
	srv := New(Config{Handler: stub})
	ts := httptest.NewServer(srv.Mux())
	defer ts.Close()

	wsURL := "ws" + strings.TrimPrefix(ts.URL, "http") + "/listen"
	conn, _, err := websocket.DefaultDialer.Dial(wsURL, nil)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	defer conn.Close()

	// Give the server a moment to register the listener before
	// broadcasting, since registration happens in the handler goroutine.
	time.Sleep(20 * time.Millisecond)

	srv.Broadcast(handler.Update{Severity: handler.SeverityWarning, Message: "Game Id Does Not Match. Event Ignored. (42)", At: time.Now()})

	conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	_, data, err := conn.ReadMessage()
	if err != nil {
		t.Fatalf("read: %v", err)
	}

	var msg updateMessage
	if err := json.Unmarshal(data, &msg); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if msg.Severity != "warning" || !strings.Contains(msg.Message, "Game Id Does Not Match") {
		t.Errorf("msg = %+v, want warning/Game Id Does Not Match", msg)
	}
}

func TestHealth(t *testing.T) {
	srv := New(Config{Handler: &stubHandler{}})
	mux := srv.Mux()

	req := httptest.NewRequest(http.MethodGet, "/health", nil)
	w := httptest.NewRecorder()
	mux.ServeHTTP(w, req)

	if w.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200", w.Code)
	}

	var body healthBody
	if err := json.NewDecoder(w.Body).Decode(&body); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if body.Status != "ok" {
		t.Errorf("status = %q, want ok", body.Status)
	}
}

func TestHealth_ReportsDegradedConnection(t *testing.T) {
	srv := New(Config{
		Handler: &stubHandler{},
		HealthProvider: func() map[string]ConnwatchStatus {
			return map[string]ConnwatchStatus{
				"primary": {Ready: true},
				"serial":  {Ready: false, LastError: "no such device"},
			}
		},
	})
	mux := srv.Mux()

	req := httptest.NewRequest(http.MethodGet, "/health", nil)
	w := httptest.NewRecorder()
	mux.ServeHTTP(w, req)

	var body healthBody
	if err := json.NewDecoder(w.Body).Decode(&body); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if body.Status != "degraded" {
		t.Errorf("status = %q, want degraded", body.Status)
	}
	if body.Connections["serial"].LastError != "no such device" {
		t.Errorf("serial last error = %q, want %q", body.Connections["serial"].LastError, "no such device")
	}
}
