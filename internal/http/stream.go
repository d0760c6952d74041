package http

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/labstack/echo/v4"
	"go.uber.org/zap"
	"nhooyr.io/websocket"

	"github.com/fyrsmithlabs/leadrelay/internal/broadcast"
)

var errStreamClosed = errors.New("stream closed")

// sseSink writes frames as server-sent events. Send and Close share a lock
// so nothing is written after the handler returns.
type sseSink struct {
	mu     sync.Mutex
	w      http.ResponseWriter
	rc     *http.ResponseController
	closed bool
}

func newSSESink(w http.ResponseWriter) *sseSink {
	return &sseSink{w: w, rc: http.NewResponseController(w)}
}

func (s *sseSink) Send(ctx context.Context, f broadcast.Frame) error {
	data, err := json.Marshal(f)
	if err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return errStreamClosed
	}
	if deadline, ok := ctx.Deadline(); ok {
		// Not every writer supports deadlines; the write is then unbounded.
		_ = s.rc.SetWriteDeadline(deadline)
		defer func() { _ = s.rc.SetWriteDeadline(time.Time{}) }()
	}
	if _, err := fmt.Fprintf(s.w, "id: %s\nevent: %s\ndata: %s\n\n", f.ID, f.Type, data); err != nil {
		return err
	}
	return s.rc.Flush()
}

func (s *sseSink) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.closed = true
	return nil
}

// wsSink writes frames as websocket text messages.
type wsSink struct {
	conn *websocket.Conn
}

func (s *wsSink) Send(ctx context.Context, f broadcast.Frame) error {
	data, err := json.Marshal(f)
	if err != nil {
		return err
	}
	return s.conn.Write(ctx, websocket.MessageText, data)
}

func (s *wsSink) Close() error {
	return s.conn.Close(websocket.StatusNormalClosure, "subscription closed")
}

// connectedFrame is the first frame of every stream.
func connectedFrame(org, leadID, phone string) broadcast.Frame {
	f := broadcast.NewFrame(broadcast.FrameConnected, map[string]string{"lead_id": leadID})
	f.Org = org
	f.LeadID = leadID
	f.Phone = phone
	return f
}

// streamPhone returns the customer phone for a stream: the phone query
// parameter, else the lead's current mapping.
func (s *Server) streamPhone(c echo.Context, org, leadID string) string {
	if p := c.QueryParam("phone"); p != "" {
		return p
	}
	p, _ := s.deps.Conversations.GetPhoneForLead(c.Request().Context(), org, leadID)
	return p
}

// handleStream serves the lead's live events as server-sent events until the
// client disconnects or a newer stream for the same lead replaces it.
func (s *Server) handleStream(c echo.Context) error {
	org, leadID := orgOf(c), c.Param("lead_id")
	ctx := c.Request().Context()
	phone := s.streamPhone(c, org, leadID)

	w := c.Response()
	w.Header().Set(echo.HeaderContentType, "text/event-stream")
	w.Header().Set(echo.HeaderCacheControl, "no-cache")
	w.Header().Set(echo.HeaderConnection, "keep-alive")
	w.Header().Set("X-Accel-Buffering", "no")
	w.WriteHeader(http.StatusOK)

	sub := s.deps.Broadcaster.Register(ctx, org, leadID, phone, newSSESink(w))
	defer sub.Close()
	s.deps.Broadcaster.Broadcast(ctx, connectedFrame(org, leadID, phone))

	select {
	case <-ctx.Done():
	case <-sub.Done():
	}
	return nil
}

// handleWebSocket serves the same events as handleStream over a websocket.
func (s *Server) handleWebSocket(c echo.Context) error {
	org, leadID := orgOf(c), c.Param("lead_id")
	phone := s.streamPhone(c, org, leadID)

	conn, err := websocket.Accept(c.Response(), c.Request(), &websocket.AcceptOptions{
		OriginPatterns: s.config.AllowedOrigins,
	})
	if err != nil {
		// Accept has already written the error response.
		s.logger.Info("websocket upgrade failed", zap.String("lead.id", leadID), zap.Error(err))
		return nil
	}
	defer conn.CloseNow()

	// Clients never send; CloseRead handles control frames and ends ctx when
	// the peer goes away.
	ctx := conn.CloseRead(c.Request().Context())
	sub := s.deps.Broadcaster.Register(ctx, org, leadID, phone, &wsSink{conn: conn})
	defer sub.Close()
	s.deps.Broadcaster.Broadcast(ctx, connectedFrame(org, leadID, phone))

	select {
	case <-ctx.Done():
	case <-sub.Done():
	}
	return nil
}
