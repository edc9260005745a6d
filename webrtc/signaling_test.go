package webrtc

import (
	"encoding/json"
	"errors"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/pion/webrtc/v3"
	"go.uber.org/zap/zaptest"
)

// signalServer runs s behind an httptest server and returns its ws:// URL.
func signalServer(t *testing.T, s *Signaling) string {
	t.Helper()
	ts := httptest.NewServer(s)
	t.Cleanup(func() {
		s.Close()
		ts.Close()
	})
	return strings.Replace(ts.URL, "http", "ws", 1)
}

func dial(t *testing.T, url string) *websocket.Conn {
	t.Helper()
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	if err != nil {
		t.Fatalf("Failed to connect: %v", err)
	}
	t.Cleanup(func() { conn.Close() })
	return conn
}

func readMessage(t *testing.T, conn *websocket.Conn) SignalingMessage {
	t.Helper()
	conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	var msg SignalingMessage
	if err := conn.ReadJSON(&msg); err != nil {
		t.Fatalf("Read failed: %v", err)
	}
	return msg
}

func waitCount(t *testing.T, s *Signaling, want int) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for s.Count() != want && time.Now().Before(deadline) {
		time.Sleep(5 * time.Millisecond)
	}
	if got := s.Count(); got != want {
		t.Fatalf("Expected %d viewers, got %d", want, got)
	}
}

func TestAllowOrigin(t *testing.T) {
	tests := []struct {
		name    string
		origins []string
		origin  string
		want    bool
	}{
		{"no list allows all", nil, "http://evil.com", true},
		{"wildcard allows all", []string{"*"}, "http://evil.com", true},
		{"listed origin", []string{"http://localhost:3000"}, "http://localhost:3000", true},
		{"unlisted origin", []string{"http://localhost:3000"}, "http://evil.com", false},
		{"non-browser client", []string{"http://localhost:3000"}, "", true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			s := NewSignaling(tt.origins, SignalHandlers{}, zaptest.NewLogger(t))
			req := httptest.NewRequest("GET", "/ws", nil)
			if tt.origin != "" {
				req.Header.Set("Origin", tt.origin)
			}
			if got := s.allowOrigin(req); got != tt.want {
				t.Errorf("allowOrigin = %v, want %v", got, tt.want)
			}
		})
	}
}

func TestViewerIDsAreUnique(t *testing.T) {
	var mu sync.Mutex
	ids := make(map[string]bool)
	s := NewSignaling(nil, SignalHandlers{
		Offer: func(v *Viewer, _ webrtc.SessionDescription) error {
			mu.Lock()
			ids[v.ID()] = true
			mu.Unlock()
			return v.SendAnswer(webrtc.SessionDescription{Type: webrtc.SDPTypeAnswer, SDP: "v=0"})
		},
	}, zaptest.NewLogger(t))
	url := signalServer(t, s)

	offer, _ := json.Marshal(webrtc.SessionDescription{Type: webrtc.SDPTypeOffer, SDP: "v=0"})
	for i := 0; i < 2; i++ {
		conn := dial(t, url)
		if err := conn.WriteJSON(SignalingMessage{Type: MsgOffer, Data: offer}); err != nil {
			t.Fatalf("Write failed: %v", err)
		}
		if msg := readMessage(t, conn); msg.Type != MsgAnswer {
			t.Fatalf("Expected answer, got %s", msg.Type)
		}
	}
	waitCount(t, s, 2)

	mu.Lock()
	defer mu.Unlock()
	if len(ids) != 2 {
		t.Fatalf("Expected 2 distinct viewer ids, got %v", ids)
	}
	for id := range ids {
		if len(id) != 36 || strings.Count(id, "-") != 4 {
			t.Errorf("Viewer id does not look like a UUID: %s", id)
		}
	}
}

func TestPingGetsPong(t *testing.T) {
	s := NewSignaling(nil, SignalHandlers{}, zaptest.NewLogger(t))
	conn := dial(t, signalServer(t, s))

	if err := conn.WriteJSON(SignalingMessage{Type: MsgPing}); err != nil {
		t.Fatalf("Write failed: %v", err)
	}
	if msg := readMessage(t, conn); msg.Type != MsgPong || len(msg.Data) != 0 {
		t.Errorf("Expected empty pong, got %+v", msg)
	}
}

func TestRejectedMessagesReportErrors(t *testing.T) {
	s := NewSignaling(nil, SignalHandlers{
		Candidate: func(*Viewer, webrtc.ICECandidateInit) error { return errors.New("no peer") },
	}, zaptest.NewLogger(t))
	conn := dial(t, signalServer(t, s))

	candidate, _ := json.Marshal(webrtc.ICECandidateInit{Candidate: "candidate:1 1 udp 1 127.0.0.1 5000 typ host"})
	tests := []struct {
		name string
		msg  SignalingMessage
		want string
	}{
		{"unknown type", SignalingMessage{Type: "subscribe"}, "unknown message type"},
		{"offer without sdp", SignalingMessage{Type: MsgOffer}, "invalid offer"},
		{"handler error", SignalingMessage{Type: MsgICECandidate, Data: candidate}, "no peer"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if err := conn.WriteJSON(tt.msg); err != nil {
				t.Fatalf("Write failed: %v", err)
			}
			msg := readMessage(t, conn)
			var body map[string]string
			json.Unmarshal(msg.Data, &body)
			if msg.Type != MsgError || !strings.Contains(body["message"], tt.want) {
				t.Errorf("Expected error containing %q, got %s %v", tt.want, msg.Type, body)
			}
		})
	}
}

func TestViewerLeftFiresOnDisconnect(t *testing.T) {
	left := make(chan string, 1)
	s := NewSignaling(nil, SignalHandlers{
		Left: func(v *Viewer) { left <- v.ID() },
	}, zaptest.NewLogger(t))
	conn := dial(t, signalServer(t, s))
	waitCount(t, s, 1)

	conn.Close()
	select {
	case id := <-left:
		if id == "" {
			t.Error("Expected the departing viewer's id")
		}
	case <-time.After(2 * time.Second):
		t.Fatal("Left was not called")
	}
	waitCount(t, s, 0)
}

func TestSlowViewerIsDisconnected(t *testing.T) {
	v := &Viewer{
		id:     "slow",
		logger: zaptest.NewLogger(t),
		outbox: make(chan []byte, 1),
		done:   make(chan struct{}),
	}

	if err := v.send(MsgPong, nil); err != nil {
		t.Fatalf("First send failed: %v", err)
	}
	if err := v.send(MsgPong, nil); !errors.Is(err, errViewerSlow) {
		t.Errorf("Expected errViewerSlow, got %v", err)
	}
	if !v.Closed() {
		t.Error("Expected the slow viewer to be closed")
	}
	if err := v.SendReplaced(); !errors.Is(err, errViewerClosed) {
		t.Errorf("Expected errViewerClosed, got %v", err)
	}
}

func TestCloseDisconnectsViewers(t *testing.T) {
	left := make(chan struct{}, 1)
	s := NewSignaling(nil, SignalHandlers{Left: func(*Viewer) { left <- struct{}{} }}, zaptest.NewLogger(t))
	conn := dial(t, signalServer(t, s))
	waitCount(t, s, 1)

	done := make(chan struct{})
	go func() {
		s.Close()
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("Close did not return")
	}
	if s.Count() != 0 {
		t.Errorf("Expected 0 viewers after close, got %d", s.Count())
	}

	conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	if _, _, err := conn.ReadMessage(); !websocket.IsCloseError(err, websocket.CloseNormalClosure) {
		t.Errorf("Expected a normal close frame, got %v", err)
	}
	select {
	case <-left:
		t.Error("Left should not fire for viewers closed by Close")
	case <-time.After(50 * time.Millisecond):
	}
}
