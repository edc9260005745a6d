package webrtc

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/pion/webrtc/v3"
	"go.uber.org/zap"
)

// Signaling message types
const (
	MsgOffer        = "offer"
	MsgAnswer       = "answer"
	MsgICECandidate = "ice-candidate"
	MsgPing         = "ping"
	MsgPong         = "pong"
	MsgError        = "error"
	MsgReplaced     = "replaced"
)

const (
	writeWait      = 5 * time.Second
	pongWait       = 60 * time.Second
	pingPeriod     = pongWait * 9 / 10
	maxMessageSize = 64 << 10
	outboxSize     = 32
)

var (
	errViewerClosed   = errors.New("viewer connection closed")
	errViewerSlow     = errors.New("viewer not reading, disconnected")
	errUnknownMessage = errors.New("unknown message type")
)

// SignalingMessage is the JSON envelope exchanged over the socket.
type SignalingMessage struct {
	Type string          `json:"type"`
	Data json.RawMessage `json:"data,omitempty"`
}

// SignalHandlers receive one viewer's signaling traffic. Nil entries are
// skipped.
type SignalHandlers struct {
	Offer     func(v *Viewer, offer webrtc.SessionDescription) error
	Answer    func(v *Viewer, answer webrtc.SessionDescription) error
	Candidate func(v *Viewer, candidate webrtc.ICECandidateInit) error
	Left      func(v *Viewer)
}

// Signaling upgrades viewer websockets and routes their messages to the
// handlers.
type Signaling struct {
	upgrader websocket.Upgrader
	handlers SignalHandlers
	origins  []string
	logger   *zap.Logger

	mu      sync.Mutex
	viewers map[string]*Viewer
	closed  bool
	wg      sync.WaitGroup
}

// NewSignaling accepts websockets from origins ("*" or empty allows any).
func NewSignaling(origins []string, handlers SignalHandlers, logger *zap.Logger) *Signaling {
	s := &Signaling{
		handlers: handlers,
		origins:  origins,
		logger:   logger,
		viewers:  make(map[string]*Viewer),
	}
	s.upgrader = websocket.Upgrader{
		CheckOrigin:     s.allowOrigin,
		ReadBufferSize:  4096,
		WriteBufferSize: 4096,
	}
	return s
}

func (s *Signaling) allowOrigin(r *http.Request) bool {
	origin := r.Header.Get("Origin")
	if origin == "" || len(s.origins) == 0 {
		return true
	}
	for _, o := range s.origins {
		if o == "*" || o == origin {
			return true
		}
	}
	s.logger.Warn("Rejected signaling origin",
		zap.String("origin", origin),
		zap.Strings("allowed_origins", s.origins))
	return false
}

// ServeHTTP upgrades the request and serves the viewer until it leaves.
func (s *Signaling) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.logger.Warn("WebSocket upgrade failed", zap.Error(err))
		return
	}

	id := uuid.NewString()
	v := &Viewer{
		id:          id,
		conn:        conn,
		logger:      s.logger.With(zap.String("client_id", id)),
		connectedAt: time.Now(),
		outbox:      make(chan []byte, outboxSize),
		done:        make(chan struct{}),
	}
	v.touch()

	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		conn.Close()
		return
	}
	s.viewers[id] = v
	s.wg.Add(2)
	s.mu.Unlock()
	defer s.wg.Done()

	v.logger.Info("Viewer connected",
		zap.String("remote_addr", r.RemoteAddr),
		zap.String("user_agent", r.Header.Get("User-Agent")))

	go func() {
		defer s.wg.Done()
		v.writeLoop()
	}()
	s.readLoop(v)
}

func (s *Signaling) readLoop(v *Viewer) {
	defer s.drop(v)

	v.conn.SetReadLimit(maxMessageSize)
	v.conn.SetReadDeadline(time.Now().Add(pongWait))
	v.conn.SetPongHandler(func(string) error {
		v.touch()
		return v.conn.SetReadDeadline(time.Now().Add(pongWait))
	})

	for {
		var msg SignalingMessage
		if err := v.conn.ReadJSON(&msg); err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				v.logger.Warn("WebSocket read error", zap.Error(err))
			}
			return
		}
		v.touch()
		v.conn.SetReadDeadline(time.Now().Add(pongWait))

		if err := s.dispatch(v, msg); err != nil {
			v.logger.Warn("Signaling message rejected", zap.String("type", msg.Type), zap.Error(err))
			v.send(MsgError, map[string]string{"message": err.Error()})
		}
	}
}

func (s *Signaling) dispatch(v *Viewer, msg SignalingMessage) error {
	switch msg.Type {
	case MsgOffer:
		var offer webrtc.SessionDescription
		if err := json.Unmarshal(msg.Data, &offer); err != nil {
			return fmt.Errorf("invalid offer: %w", err)
		}
		if s.handlers.Offer != nil {
			return s.handlers.Offer(v, offer)
		}
	case MsgAnswer:
		var answer webrtc.SessionDescription
		if err := json.Unmarshal(msg.Data, &answer); err != nil {
			return fmt.Errorf("invalid answer: %w", err)
		}
		if s.handlers.Answer != nil {
			return s.handlers.Answer(v, answer)
		}
	case MsgICECandidate:
		var candidate webrtc.ICECandidateInit
		if err := json.Unmarshal(msg.Data, &candidate); err != nil {
			return fmt.Errorf("invalid ICE candidate: %w", err)
		}
		if s.handlers.Candidate != nil {
			return s.handlers.Candidate(v, candidate)
		}
	case MsgPing:
		return v.send(MsgPong, nil)
	default:
		return fmt.Errorf("%w: %q", errUnknownMessage, msg.Type)
	}
	return nil
}

// drop unregisters v. Left only fires for viewers that went away on their
// own, not for those closed by Close.
func (s *Signaling) drop(v *Viewer) {
	s.mu.Lock()
	_, registered := s.viewers[v.id]
	delete(s.viewers, v.id)
	s.mu.Unlock()

	v.close()
	if !registered {
		return
	}
	v.logger.Info("Viewer disconnected", zap.Duration("connected_for", time.Since(v.connectedAt)))
	if s.handlers.Left != nil {
		s.handlers.Left(v)
	}
}

// Count is the number of open viewer sockets.
func (s *Signaling) Count() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.viewers)
}

// Close disconnects every viewer and waits for their loops to exit. New
// sockets are refused afterwards.
func (s *Signaling) Close() {
	s.mu.Lock()
	s.closed = true
	viewers := make([]*Viewer, 0, len(s.viewers))
	for _, v := range s.viewers {
		viewers = append(viewers, v)
	}
	s.viewers = make(map[string]*Viewer)
	s.mu.Unlock()

	for _, v := range viewers {
		v.close()
	}
	s.wg.Wait()
	s.logger.Info("Signaling closed", zap.Int("viewers", len(viewers)))
}

// Viewer is one signaling websocket. Only writeLoop writes data frames.
type Viewer struct {
	id          string
	conn        *websocket.Conn
	logger      *zap.Logger
	connectedAt time.Time
	lastSeen    atomic.Int64

	outbox    chan []byte
	done      chan struct{}
	closeOnce sync.Once
}

// ID identifies the viewer in logs and peer stats.
func (v *Viewer) ID() string {
	return v.id
}

// LastSeen is when the viewer last sent a message or pong.
func (v *Viewer) LastSeen() time.Time {
	return time.Unix(0, v.lastSeen.Load())
}

func (v *Viewer) touch() {
	v.lastSeen.Store(time.Now().UnixNano())
}

// SendAnswer sends the local description answering the viewer's offer.
func (v *Viewer) SendAnswer(answer webrtc.SessionDescription) error {
	return v.send(MsgAnswer, answer)
}

// SendCandidate trickles a local ICE candidate.
func (v *Viewer) SendCandidate(candidate *webrtc.ICECandidate) error {
	if candidate == nil {
		return nil
	}
	return v.send(MsgICECandidate, candidate.ToJSON())
}

// SendReplaced tells the viewer a newer viewer took over the stream.
func (v *Viewer) SendReplaced() error {
	return v.send(MsgReplaced, nil)
}

// send queues a message without blocking. A viewer whose outbox is full is
// disconnected.
func (v *Viewer) send(msgType string, data interface{}) error {
	msg := SignalingMessage{Type: msgType}
	if data != nil {
		raw, err := json.Marshal(data)
		if err != nil {
			return fmt.Errorf("failed to marshal %s: %w", msgType, err)
		}
		msg.Data = raw
	}
	payload, err := json.Marshal(msg)
	if err != nil {
		return fmt.Errorf("failed to marshal %s: %w", msgType, err)
	}

	select {
	case <-v.done:
		return errViewerClosed
	default:
	}
	select {
	case v.outbox <- payload:
		return nil
	default:
		v.logger.Warn("Viewer outbox full, disconnecting", zap.String("message_type", msgType))
		v.close()
		return errViewerSlow
	}
}

func (v *Viewer) writeLoop() {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		v.conn.Close()
	}()

	for {
		select {
		case <-v.done:
			v.conn.WriteControl(websocket.CloseMessage,
				websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
				time.Now().Add(writeWait))
			return
		case msg := <-v.outbox:
			v.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := v.conn.WriteMessage(websocket.TextMessage, msg); err != nil {
				v.logger.Debug("WebSocket write failed", zap.Error(err))
				v.close()
				return
			}
		case <-ticker.C:
			if err := v.conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(writeWait)); err != nil {
				v.close()
				return
			}
		}
	}
}

func (v *Viewer) close() {
	v.closeOnce.Do(func() { close(v.done) })
}

// Closed reports whether the viewer has been disconnected.
func (v *Viewer) Closed() bool {
	select {
	case <-v.done:
		return true
	default:
		return false
	}
}
