package handlers

import (
	"context"
	"errors"
	"strings"
	"sync"
	"time"

	"github.com/gofiber/websocket/v2"
	"github.com/rs/zerolog"

	"github.com/codebuildervaibhav/scribber/internal/logging"
	"github.com/codebuildervaibhav/scribber/internal/status"
	"github.com/codebuildervaibhav/scribber/internal/types"
)

const writeWait = 10 * time.Second

// Subscriber opens live status subscriptions.
type Subscriber interface {
	StatusSource
	Subscribe(ctx context.Context, ownerID, entityID string) (*status.Subscription, types.Status, error)
}

// StreamConfig tunes the status stream.
type StreamConfig struct {
	KeepaliveInterval time.Duration
	KeepaliveTimeout  time.Duration
	PollInterval      time.Duration
}

// StreamHandler pushes an entity's status over a WebSocket: a snapshot
// frame, then one frame per event. A subscriber dropped for falling behind
// is switched to version-keyed polling until the stage settles.
type StreamHandler struct {
	status Subscriber
	cfg    StreamConfig
}

// NewStreamHandler creates a new stream handler
func NewStreamHandler(status Subscriber, cfg StreamConfig) *StreamHandler {
	if cfg.KeepaliveInterval <= 0 {
		cfg.KeepaliveInterval = 25 * time.Second
	}
	if cfg.KeepaliveTimeout < cfg.KeepaliveInterval {
		cfg.KeepaliveTimeout = 2 * cfg.KeepaliveInterval
	}
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = 2 * time.Second
	}
	return &StreamHandler{status: status, cfg: cfg}
}

// Frame is one server message on the status stream.
type Frame struct {
	Type   string             `json:"type"`
	Status *types.Status      `json:"status,omitempty"`
	Event  *types.StatusEvent `json:"event,omitempty"`
	Error  string             `json:"error,omitempty"`
	Code   string             `json:"code,omitempty"`
}

// Frame types
const (
	FrameSnapshot = "snapshot"
	FrameEvent    = "event"
	FramePong     = "pong"
	FramePolling  = "polling"
	FrameError    = "error"
)

type streamConn struct {
	mu   sync.Mutex
	conn *websocket.Conn
}

func (s *streamConn) send(f Frame) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.conn.SetWriteDeadline(time.Now().Add(writeWait)); err != nil {
		return err
	}
	return s.conn.WriteJSON(f)
}

func (s *streamConn) ping() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(writeWait))
}

func (s *streamConn) close(code int, text string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	_ = s.conn.WriteControl(websocket.CloseMessage, websocket.FormatCloseMessage(code, text), time.Now().Add(writeWait))
}

// Handle serves one status stream connection.
func (h *StreamHandler) Handle(conn *websocket.Conn) {
	owner, _ := conn.Locals(ownerKey).(string)
	entityID := conn.Params("id")
	log := logging.WithEntity(entityID, owner)
	s := &streamConn{conn: conn}

	// The connection is recycled once Handle returns, so the reader and
	// pinger must have exited by then.
	ctx, cancel := context.WithCancel(context.Background())
	var wg sync.WaitGroup
	defer func() {
		cancel()
		_ = conn.Close()
		wg.Wait()
	}()

	sub, snap, err := h.status.Subscribe(ctx, owner, entityID)
	if err != nil {
		_, code := classify(err)
		_ = s.send(Frame{Type: FrameError, Error: err.Error(), Code: code})
		s.close(websocket.ClosePolicyViolation, code)
		return
	}
	defer sub.Close()

	tracker := status.NewTracker()
	tracker.ApplySnapshot(snap)
	if err := s.send(Frame{Type: FrameSnapshot, Status: &snap}); err != nil {
		return
	}
	log.Debug().Int64("version", snap.Version).Msg("Status stream opened")

	_ = conn.SetReadDeadline(time.Now().Add(h.cfg.KeepaliveTimeout))
	conn.SetPongHandler(func(string) error {
		return conn.SetReadDeadline(time.Now().Add(h.cfg.KeepaliveTimeout))
	})
	wg.Add(2)
	go func() {
		defer wg.Done()
		h.readLoop(ctx, cancel, s, tracker, owner, entityID)
	}()
	go func() {
		defer wg.Done()
		h.keepalive(ctx, cancel, s)
	}()

	for {
		select {
		case ev := <-sub.Events():
			if !h.forward(s, tracker, ev) {
				s.close(websocket.CloseNormalClosure, "")
				return
			}
		case <-sub.Done():
			if !h.drain(s, tracker, sub) {
				s.close(websocket.CloseNormalClosure, "")
				return
			}
			if errors.Is(sub.Err(), status.ErrSlowSubscriber) {
				h.poll(ctx, s, tracker, owner, entityID, log)
			}
			s.close(websocket.CloseNormalClosure, "")
			return
		case <-ctx.Done():
			return
		}
	}
}

// forward writes ev if it is news to the client. It reports whether the
// stream should continue.
func (h *StreamHandler) forward(s *streamConn, tracker *status.Tracker, ev types.StatusEvent) bool {
	if ev.Type != types.EventExport && !tracker.Apply(ev) {
		return true
	}
	if err := s.send(Frame{Type: FrameEvent, Event: &ev}); err != nil {
		return false
	}
	return ev.Type != types.EventDeleted
}

// drain forwards events still buffered on an ended subscription.
func (h *StreamHandler) drain(s *streamConn, tracker *status.Tracker, sub *status.Subscription) bool {
	for {
		select {
		case ev := <-sub.Events():
			if !h.forward(s, tracker, ev) {
				return false
			}
		default:
			return true
		}
	}
}

func (h *StreamHandler) poll(ctx context.Context, s *streamConn, tracker *status.Tracker, owner, entityID string, log zerolog.Logger) {
	log.Info().Msg("Status stream fell behind, switching to polling")
	if err := s.send(Frame{Type: FramePolling}); err != nil {
		return
	}

	fetch := func(ctx context.Context) (types.Status, error) {
		return h.status.CurrentStatus(ctx, owner, entityID)
	}
	r := status.NewReconciler(fetch, tracker, h.cfg.PollInterval)
	err := r.Run(ctx, func(st types.Status) error {
		return s.send(Frame{Type: FrameSnapshot, Status: &st})
	})
	if errors.Is(err, status.ErrEntityDeleted) {
		_ = s.send(Frame{Type: FrameEvent, Event: &types.StatusEvent{
			Type:      types.EventDeleted,
			EntityID:  entityID,
			Version:   tracker.LastVersion(),
			Timestamp: time.Now().UTC(),
		}})
	}
}

func (h *StreamHandler) readLoop(ctx context.Context, cancel context.CancelFunc, s *streamConn,
	tracker *status.Tracker, owner, entityID string) {
	defer cancel()
	for {
		mt, msg, err := s.conn.ReadMessage()
		if err != nil {
			return
		}
		_ = s.conn.SetReadDeadline(time.Now().Add(h.cfg.KeepaliveTimeout))
		if mt != websocket.TextMessage {
			continue
		}

		switch strings.TrimSpace(string(msg)) {
		case "ping":
			err = s.send(Frame{Type: FramePong})
		case "status":
			var st types.Status
			st, err = h.status.CurrentStatus(ctx, owner, entityID)
			if err != nil {
				_, code := classify(err)
				err = s.send(Frame{Type: FrameError, Error: err.Error(), Code: code})
				break
			}
			tracker.ApplySnapshot(st)
			err = s.send(Frame{Type: FrameSnapshot, Status: &st})
		}
		if err != nil {
			return
		}
	}
}

func (h *StreamHandler) keepalive(ctx context.Context, cancel context.CancelFunc, s *streamConn) {
	ticker := time.NewTicker(h.cfg.KeepaliveInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			if err := s.ping(); err != nil {
				cancel()
				return
			}
		case <-ctx.Done():
			return
		}
	}
}
